package supervisor

import (
	"context"
	"fmt"
	"sort"

	"github.com/soltixdb/agencyd/internal/agency"
)

// Snapshot is the process-wide cached view of the agency's persistent and
// transient trees, refreshed once per tick under the loop's snapshot mutex.
// Jobs and drivers read from it but never mutate it directly - all mutation
// happens through agency transactions that get folded into the next
// snapshot on the following tick.
type Snapshot struct {
	Persistent *agency.Tree
	Transient  *agency.Tree
}

// refresh reads both trees from ag and returns a new Snapshot. Failure to
// reach the agency (Agency-unavailable, per the error taxonomy) is reported
// to the caller, which treats the tick as a no-op and retries next time.
func refresh(ctx context.Context, ag agency.Agency) (*Snapshot, error) {
	persistent, err := ag.ReadDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read persistent tree: %w", err)
	}
	transient, err := ag.Transient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read transient tree: %w", err)
	}
	return &Snapshot{Persistent: persistent, Transient: transient}, nil
}

// PlannedDBServers returns the sorted set of servers named under
// Plan/DBServers.
func (s *Snapshot) PlannedDBServers() []string {
	names := s.Persistent.Children("Plan/DBServers")
	sort.Strings(names)
	return names
}

// PlannedCoordinators returns the sorted set of servers named under
// Plan/Coordinators.
func (s *Snapshot) PlannedCoordinators() []string {
	names := s.Persistent.Children("Plan/Coordinators")
	sort.Strings(names)
	return names
}

// CleanedServers returns Target/CleanedServers, the list of fully-drained
// nodes that must not be reused.
func (s *Snapshot) CleanedServers() []string {
	return s.Persistent.GetStringSlice("Target/CleanedServers")
}

// AvailableServers enumerates Plan/DBServers minus Target/CleanedServers, as
// used by the job framework's resource-selection helpers.
func (s *Snapshot) AvailableServers() []string {
	cleaned := map[string]bool{}
	for _, c := range s.CleanedServers() {
		cleaned[c] = true
	}
	var out []string
	for _, srv := range s.PlannedDBServers() {
		if !cleaned[srv] {
			out = append(out, srv)
		}
	}
	return out
}

// Health returns the persisted health record for srv, if any.
func (s *Snapshot) Health(srv string) (HealthRecord, bool) {
	var rec HealthRecord
	raw, ok := s.Persistent.Get(fmt.Sprintf("Supervision/Health/%s", srv))
	if !ok {
		return rec, false
	}
	if err := unmarshalInto(raw, &rec); err != nil {
		return rec, false
	}
	return rec, true
}

// Collection returns the Plan record for (database, collection).
func (s *Snapshot) Collection(database, collection string) (CollectionPlan, bool) {
	var plan CollectionPlan
	raw, ok := s.Persistent.Get(fmt.Sprintf("Plan/Collections/%s/%s", database, collection))
	if !ok {
		return plan, false
	}
	if err := unmarshalInto(raw, &plan); err != nil {
		return plan, false
	}
	// Jobs rewrite single shard lists and distributeShardsLike as sub-keys of
	// the collection; those take precedence over the collection record.
	base := fmt.Sprintf("Plan/Collections/%s/%s", database, collection)
	for _, shard := range s.Persistent.Children(base + "/shards") {
		if plan.Shards == nil {
			plan.Shards = map[string][]string{}
		}
		plan.Shards[shard] = s.Persistent.GetStringSlice(base + "/shards/" + shard)
	}
	if v, ok := s.Persistent.GetString(base + "/distributeShardsLike"); ok {
		plan.DistributeShardsLike = v
	}
	return plan, true
}

// Collections enumerates every planned collection across every database.
func (s *Snapshot) Collections() map[planKey]CollectionPlan {
	out := map[planKey]CollectionPlan{}
	for _, db := range s.Persistent.Children("Plan/Collections") {
		for _, col := range s.Persistent.Children(fmt.Sprintf("Plan/Collections/%s", db)) {
			if plan, ok := s.Collection(db, col); ok {
				out[planKey{database: db, collection: col}] = plan
			}
		}
	}
	return out
}

// Clones returns every (database, collection) pair whose distributeShardsLike
// names prototype, in the same equivalence class - used so that repairs
// scheduled against the prototype are inherited by its clones.
func (s *Snapshot) Clones(database, prototype string) []planKey {
	var out []planKey
	for key, plan := range s.Collections() {
		if key.database == database && plan.DistributeShardsLike == prototype {
			out = append(out, key)
		}
	}
	return out
}

// CurrentServers returns the actual holders of a shard, leader first, as
// observed under Current/Collections.
func (s *Snapshot) CurrentServers(database, collection, shard string) []string {
	return s.Persistent.GetStringSlice(fmt.Sprintf("Current/Collections/%s/%s/%s/servers", database, collection, shard))
}

// ShardBlocked reports whether a job is already recorded as mutating shard.
func (s *Snapshot) ShardBlocked(shard string) bool {
	return s.Persistent.Has(fmt.Sprintf("Supervision/Shards/%s", shard))
}

// ServerBlocked reports whether a job is already recorded as mutating srv.
func (s *Snapshot) ServerBlocked(srv string) bool {
	return s.Persistent.Has(fmt.Sprintf("Supervision/DBServers/%s", srv))
}

// JobsInBucket returns every job record currently stored in bucket.
func (s *Snapshot) JobsInBucket(bucket JobBucket) []Record {
	var out []Record
	for _, id := range s.Persistent.Children(fmt.Sprintf("Target/%s", bucket)) {
		raw, ok := s.Persistent.Get(fmt.Sprintf("Target/%s/%s", bucket, id))
		if !ok {
			continue
		}
		var rec Record
		if err := unmarshalInto(raw, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Leadership timing is not part of Snapshot; the loop reads it directly
// through Agency.LeaderSince.
