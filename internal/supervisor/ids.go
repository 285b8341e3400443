package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/soltixdb/agencyd/internal/agency"
)

// IDAllocator hands out job ids drawn from batches reserved against
// Sync/LatestID. Exhausting the process-local batch triggers exactly one
// conditional increment against the agency; every id in between is handed
// out without touching the network, per the loop's step 1.
type IDAllocator struct {
	mu        sync.Mutex
	path      string
	batchSize int64
	next      int64
	limit     int64
}

// NewIDAllocator constructs an allocator counting up from Sync/LatestID with
// the given batch size.
func NewIDAllocator(path string, batchSize int64) *IDAllocator {
	return &IDAllocator{path: path, batchSize: batchSize}
}

// Next returns the next job id, refilling from the agency if the current
// batch is exhausted. A refill failure is fatal for the caller's tick: no
// jobs can start without ids, by design.
func (a *IDAllocator) Next(ctx context.Context, ag agency.Agency) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next >= a.limit {
		newLimit, err := ag.IncrementAndGet(ctx, a.path, a.batchSize)
		if err != nil {
			return "", fmt.Errorf("failed to allocate job id batch: %w", err)
		}
		a.limit = newLimit
		a.next = newLimit - a.batchSize
	}

	id := a.next
	a.next++
	return fmt.Sprintf("%d", id), nil
}

// EnsureAvailable proactively refills the batch if exhausted, without
// handing out an id. The loop calls this once per tick (step 1 of §4.1) so
// that a refill failure blocks the whole tick rather than surfacing deep
// inside whichever job first needed an id.
func (a *IDAllocator) EnsureAvailable(ctx context.Context, ag agency.Agency) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next < a.limit {
		return nil
	}
	newLimit, err := ag.IncrementAndGet(ctx, a.path, a.batchSize)
	if err != nil {
		return fmt.Errorf("failed to allocate job id batch: %w", err)
	}
	a.limit = newLimit
	a.next = newLimit - a.batchSize
	return nil
}
