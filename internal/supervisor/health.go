package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/soltixdb/agencyd/internal/agency"
	"github.com/soltixdb/agencyd/internal/events"
	"github.com/soltixdb/agencyd/internal/logging"
)

// HealthChecker derives Supervision/Health status for every planned server
// from heartbeat freshness. It keeps process-local state (the last observed
// heartbeat timestamp per server) between ticks; that state, not anything in
// the agency, is what makes a repeated identical heartbeat distinguishable
// from a fresh one.
type HealthChecker struct {
	gracePeriod time.Duration
	lastSeen    map[string]string
	bus         *events.Bus
	ids         *IDAllocator
}

// NewHealthChecker constructs a checker with the given grace period. ids is
// used to mint a job id for each FAILED transition, in the same transaction
// that persists the status change.
func NewHealthChecker(gracePeriod time.Duration, bus *events.Bus, ids *IDAllocator) *HealthChecker {
	return &HealthChecker{
		gracePeriod: gracePeriod,
		lastSeen:    map[string]string{},
		bus:         bus,
		ids:         ids,
	}
}

type healthDecision struct {
	server        string
	role          Role
	newStatus     HealthStatus
	persist       bool
	createJob     bool
	transientBody map[string]interface{}
	record        HealthRecord
}

// Check runs one health-check pass over every planned data node and
// coordinator, submits the resulting transient and persistent writes, and
// garbage-collects stale Health entries. It never returns an error for a
// single server's failure to be assessed cleanly - by design the health
// checker degrades one server at a time, never the whole tick.
func (h *HealthChecker) Check(ctx context.Context, ag agency.Agency, snap *Snapshot, leaderSince time.Time) error {
	now := time.Now()

	var decisions []healthDecision
	for _, srv := range snap.PlannedDBServers() {
		decisions = append(decisions, h.evaluate(snap, srv, RoleDBServer, now, leaderSince))
	}
	for _, srv := range snap.PlannedCoordinators() {
		decisions = append(decisions, h.evaluate(snap, srv, RoleCoordinator, now, leaderSince))
	}

	if err := h.writeTransient(ctx, ag, decisions); err != nil {
		return err
	}
	if err := h.writePersistent(ctx, ag, decisions); err != nil {
		return err
	}

	h.gc(ctx, ag, snap)
	h.ensureFoxxmaster(ctx, ag, snap, decisions)

	return nil
}

func (h *HealthChecker) evaluate(snap *Snapshot, srv string, role Role, now, leaderSince time.Time) healthDecision {
	heartbeatTime, _ := snap.Transient.GetString(fmt.Sprintf("Sync/ServerStates/%s/time", srv))
	heartbeatStatus, _ := snap.Transient.GetString(fmt.Sprintf("Sync/ServerStates/%s/status", srv))
	endpoint, _ := snap.Persistent.GetString(fmt.Sprintf("Current/ServersRegistered/%s/endpoint", srv))

	prev, hasPrev := h.lastSeen[srv]
	good := !hasPrev || heartbeatTime != prev
	h.lastSeen[srv] = heartbeatTime

	existing, hasExisting := snap.Health(srv)

	rec := HealthRecord{
		Role:                role,
		ShortName:           srv,
		Endpoint:            endpoint,
		LastHeartbeatSent:   now,
		LastHeartbeatStatus: heartbeatStatus,
		LastHeartbeatAcked:  existing.LastHeartbeatAcked,
	}

	d := healthDecision{
		server: srv,
		role:   role,
		record: rec,
		transientBody: map[string]interface{}{
			"LastHeartbeatSent":   now,
			"Status":              string(existing.Status),
			"Role":                string(role),
			"ShortName":           srv,
			"Endpoint":            endpoint,
			"LastHeartbeatStatus": heartbeatStatus,
		},
	}

	prevStatus := existing.Status
	if !hasExisting {
		prevStatus = ""
	}

	switch {
	case good:
		d.newStatus = StatusGood
		d.persist = prevStatus != StatusGood
		d.record.Status = StatusGood
		d.record.LastHeartbeatAcked = now

	case prevStatus == "":
		d.newStatus = StatusBad
		d.persist = true
		d.record.Status = StatusBad

	case prevStatus == StatusGood:
		d.newStatus = StatusBad
		d.persist = true
		d.record.Status = StatusBad

	case prevStatus == StatusBad:
		elapsed := now.Sub(existing.LastHeartbeatAcked)
		if elapsed > h.gracePeriod && now.Sub(leaderSince) > h.gracePeriod {
			d.newStatus = StatusFailed
			d.persist = true
			d.createJob = true
			d.record.Status = StatusFailed
		} else {
			d.newStatus = StatusBad
			d.persist = false
			d.record.Status = StatusBad
		}

	case prevStatus == StatusFailed:
		// Stays FAILED until either the heartbeat resumes (the good branch
		// above resets it to GOOD directly) or the failedServer job clears
		// the record. No repeated persist, no repeated job creation.
		d.newStatus = StatusFailed
		d.persist = false
		d.record = existing

	default:
		d.newStatus = StatusBad
		d.persist = true
		d.record.Status = StatusBad
	}

	d.transientBody["Status"] = string(d.newStatus)
	return d
}

func (h *HealthChecker) writeTransient(ctx context.Context, ag agency.Agency, decisions []healthDecision) error {
	if len(decisions) == 0 {
		return nil
	}
	ops := make([]agency.Operation, 0, len(decisions))
	for _, d := range decisions {
		ops = append(ops, agency.Set(fmt.Sprintf("Sync/ServerStates/%s", d.server), d.transientBody))
	}
	if _, err := ag.TransientWrite(ctx, agency.NewTransaction(ops)); err != nil {
		return fmt.Errorf("failed to write transient health report: %w", err)
	}
	return nil
}

func (h *HealthChecker) writePersistent(ctx context.Context, ag agency.Agency, decisions []healthDecision) error {
	for _, d := range decisions {
		if !d.persist {
			continue
		}

		ops := []agency.Operation{
			agency.Set(fmt.Sprintf("Supervision/Health/%s", d.server), d.record),
		}
		if d.newStatus == StatusGood {
			ops = append(ops, agency.Delete(fmt.Sprintf("Target/FailedServers/%s", d.server)))
		}
		if d.createJob {
			id, err := h.ids.Next(ctx, ag)
			if err != nil {
				logging.Warn("failed to allocate failedServer job id, deferring to next tick", "server", d.server, "error", err)
				continue
			}
			job := Record{
				ID:          id,
				Kind:        KindFailedServer,
				Creator:     "supervisor",
				TimeCreated: time.Now(),
				Server:      d.server,
			}
			ops = append(ops, agency.Set(fmt.Sprintf("Target/ToDo/%s", id), job))
		}

		result, err := ag.Transact(ctx, agency.NewTransaction(ops))
		if err != nil {
			logging.Warn("health persist failed", "server", d.server, "error", err)
			continue
		}
		if !result.Accepted {
			logging.Debug("health persist rejected, will retry next tick", "server", d.server)
			continue
		}

		if h.bus != nil {
			_ = h.bus.PublishHealthChange(ctx, events.HealthChangeEvent{
				ServerID:  d.server,
				To:        string(d.newStatus),
				Timestamp: time.Now(),
			})
		}
	}
	return nil
}

func (h *HealthChecker) gc(ctx context.Context, ag agency.Agency, snap *Snapshot) {
	planned := map[string]bool{}
	for _, srv := range snap.PlannedDBServers() {
		planned[srv] = true
	}
	for _, srv := range snap.PlannedCoordinators() {
		planned[srv] = true
	}

	var deletes []agency.Operation
	for _, srv := range snap.Persistent.Children("Supervision/Health") {
		if planned[srv] {
			continue
		}
		if strings.HasPrefix(srv, "PR") || strings.HasPrefix(srv, "CR") {
			deletes = append(deletes, agency.Delete(fmt.Sprintf("Supervision/Health/%s", srv)))
		}
	}
	if len(deletes) == 0 {
		return
	}
	if _, err := ag.Write(ctx, agency.NewTransaction(deletes)); err != nil {
		logging.Warn("health gc failed", "error", err)
	}
}

func (h *HealthChecker) ensureFoxxmaster(ctx context.Context, ag agency.Agency, snap *Snapshot, decisions []healthDecision) {
	current, _ := snap.Persistent.GetString("Current/Foxxmaster")
	if current != "" {
		if rec, ok := snap.Health(current); ok && rec.Status == StatusGood {
			return
		}
	}

	for _, d := range decisions {
		if d.role == RoleCoordinator && d.newStatus == StatusGood {
			if _, err := ag.Write(ctx, agency.NewTransaction([]agency.Operation{
				agency.Set("Current/Foxxmaster", d.server),
			})); err != nil {
				logging.Warn("foxxmaster write failed", "error", err)
			}
			return
		}
	}
}
