package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/soltixdb/agencyd/internal/agency"
	"github.com/soltixdb/agencyd/internal/events"
	"github.com/soltixdb/agencyd/internal/logging"
)

const shutdownKey = "Shutdown"

// Config carries the loop's timing and policy knobs, kept separate from
// internal/config.Config so this package has no import-time dependency on
// the process-wide configuration type.
type Config struct {
	AgencyPrefix            string
	Frequency               time.Duration
	GracePeriod             time.Duration
	InitPollDelay           time.Duration
	JobIDBatchSize          int
	MaxReplicationFactor    int
	ShrinkAllowRemoveServer bool
}

// Loop is the single-threaded supervisor control loop described in §4.1. It
// owns exactly one goroutine (started by Run) and exposes a thread-safe
// Snapshot accessor for ad-hoc inspectors like the ambient status surface.
type Loop struct {
	agency agency.Agency
	cfg    Config
	bus    *events.Bus
	health *HealthChecker
	ids    *IDAllocator

	mu       sync.RWMutex
	snapshot *Snapshot

	stopOnce sync.Once
	stopCh   chan struct{}
	wakeCh   chan struct{}
}

// New constructs a Loop. bus may be nil to disable event publication.
func New(ag agency.Agency, cfg Config, bus *events.Bus) *Loop {
	ids := NewIDAllocator("Sync/LatestID", int64(cfg.JobIDBatchSize))
	return &Loop{
		agency: ag,
		cfg:    cfg,
		bus:    bus,
		health: NewHealthChecker(cfg.GracePeriod, bus, ids),
		ids:    ids,
		stopCh: make(chan struct{}),
		wakeCh: make(chan struct{}, 1),
	}
}

// Snapshot returns the most recently refreshed snapshot, or nil before the
// first successful refresh. Safe for concurrent use by external inspectors.
func (l *Loop) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// BeginShutdown sets the stop flag and wakes the loop; per §4.1's
// cancellation contract, every blocking wait checks the flag on wake.
func (l *Loop) BeginShutdown() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wake()
}

func (l *Loop) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

func (l *Loop) stopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// Run blocks until ctx is done or BeginShutdown is called. It first polls
// readDB until the agency tree under prefix is non-empty, then ticks every
// cfg.Frequency.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.waitForInitialTree(ctx); err != nil {
		return err
	}

	for !l.stopped() {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.tick(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return nil
		case <-l.wakeCh:
		case <-time.After(l.cfg.Frequency):
		}
	}
	return nil
}

func (l *Loop) waitForInitialTree(ctx context.Context) error {
	for {
		tree, err := l.agency.ReadDB(ctx)
		if err == nil && tree.Len() > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return nil
		case <-time.After(l.cfg.InitPollDelay):
		}
	}
}

// tick runs one iteration of the loop. Per §7's propagation rule, no error
// escapes tick - everything is logged and dropped so a transient failure
// never stops the loop.
func (l *Loop) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("supervisor tick panicked, recovering", "error", fmt.Sprintf("%v", r))
		}
	}()

	started := time.Now()
	tickEvent := events.TickEvent{StartedAt: started}

	leading, err := l.agency.Leading(ctx)
	if err != nil {
		logging.Warn("failed to query leadership, skipping tick", "error", err)
		l.publishTick(ctx, tickEvent, started, err)
		return
	}

	if leading {
		if err := l.ids.EnsureAvailable(ctx, l.agency); err != nil {
			logging.Error("job id allocation failed, tick blocked", "error", err)
			l.publishTick(ctx, tickEvent, started, err)
			return
		}
	}

	snap, err := refresh(ctx, l.agency)
	if err != nil {
		logging.Warn("agency unavailable, tick is a no-op", "error", err)
		l.publishTick(ctx, tickEvent, started, err)
		return
	}
	l.mu.Lock()
	l.snapshot = snap
	l.mu.Unlock()

	leaderSince, _ := l.agency.LeaderSince(ctx)

	if leading {
		l.upgradeLegacySchema(ctx, snap)
		l.normalizeDistributeShardsLike(ctx, snap)

		if time.Since(leaderSince) > l.cfg.GracePeriod {
			if err := l.health.Check(ctx, l.agency, snap, leaderSince); err != nil {
				logging.Warn("health check pass failed", "error", err)
			}
		}
	}

	switch {
	case snap.Persistent.Has(shutdownKey):
		l.handleShutdown(ctx, snap, leading)

	case l.stopped():
		return

	case leading:
		runner := NewRunner(l.agency, snap, l.ids, l.bus, l.cfg.MaxReplicationFactor)
		ShrinkCluster(ctx, runner, l.cfg.ShrinkAllowRemoveServer)
		EnforceReplication(ctx, runner)
		runner.WorkJobs(ctx)
	}

	l.publishTick(ctx, tickEvent, started, nil)
}

func (l *Loop) publishTick(ctx context.Context, ev events.TickEvent, started time.Time, err error) {
	if l.bus == nil {
		return
	}
	ev.Duration = time.Since(started)
	if err != nil {
		ev.Error = err.Error()
	}
	_ = l.bus.PublishTick(ctx, ev)
}

// upgradeLegacySchema rewrites Target/FailedServers from its legacy array
// form to an empty object, idempotently.
func (l *Loop) upgradeLegacySchema(ctx context.Context, snap *Snapshot) {
	raw, ok := snap.Persistent.Get("Target/FailedServers")
	if !ok {
		return
	}
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return
	}
	if _, err := l.agency.Write(ctx, agency.NewTransaction([]agency.Operation{
		agency.Set("Target/FailedServers", map[string]interface{}{}),
	})); err != nil {
		logging.Warn("failed to upgrade legacy FailedServers schema", "error", err)
	}
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}

// normalizeDistributeShardsLike transitively resolves distributeShardsLike
// chains so every dependent points directly at a root prototype.
func (l *Loop) normalizeDistributeShardsLike(ctx context.Context, snap *Snapshot) {
	collections := snap.Collections()

	byDB := map[string]map[string]CollectionPlan{}
	for key, plan := range collections {
		if byDB[key.database] == nil {
			byDB[key.database] = map[string]CollectionPlan{}
		}
		byDB[key.database][key.collection] = plan
	}

	for db, cols := range byDB {
		for name, plan := range cols {
			if plan.DistributeShardsLike == "" {
				continue
			}
			root := plan.DistributeShardsLike
			seen := map[string]bool{name: true}
			for {
				parent, ok := cols[root]
				if !ok || parent.DistributeShardsLike == "" || seen[root] {
					break
				}
				seen[root] = true
				root = parent.DistributeShardsLike
			}
			if root == plan.DistributeShardsLike {
				continue
			}
			path := fmt.Sprintf("Plan/Collections/%s/%s/distributeShardsLike", db, name)
			result, err := l.agency.Transact(ctx, agency.NewTransaction(
				[]agency.Operation{agency.Set(path, root)},
				agency.Equals(path, plan.DistributeShardsLike),
			))
			if err != nil {
				logging.Warn("failed to normalize distributeShardsLike", "collection", name, "error", err)
				continue
			}
			if !result.Accepted {
				logging.Debug("distributeShardsLike normalization precondition changed, retrying next tick", "collection", name)
			}
		}
	}
}

func (l *Loop) handleShutdown(ctx context.Context, snap *Snapshot, leading bool) {
	for _, srv := range append(snap.PlannedDBServers(), snap.PlannedCoordinators()...) {
		if rec, ok := snap.Health(srv); ok && rec.Status == StatusGood {
			return // at least one server has not yet left
		}
	}

	if !leading {
		return
	}

	result, err := l.agency.Transact(ctx, agency.NewTransaction([]agency.Operation{
		agency.Delete(shutdownKey),
	}))
	if err != nil {
		logging.Warn("failed to clear shutdown key", "error", err)
		return
	}
	if result.Accepted {
		if err := l.agency.WaitFor(ctx, result.Index); err != nil {
			logging.Warn("failed to wait for shutdown key deletion to replicate", "error", err)
		}
	}
	l.BeginShutdown()
}
