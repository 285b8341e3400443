package agency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryAgency implements Agency entirely in memory, for tests and local
// single-node development without an etcd cluster.
type MemoryAgency struct {
	mu          sync.Mutex
	persistent  map[string]json.RawMessage
	transient   map[string]json.RawMessage
	revision    uint64
	leading     bool
	leaderSince time.Time
	waiters     []chan struct{}
}

// NewMemoryAgency returns an Agency that starts out as the leader (tests
// can change that with SetLeading), suitable for single-process tests of the supervisor loop and job
// framework.
func NewMemoryAgency() *MemoryAgency {
	return &MemoryAgency{
		persistent:  make(map[string]json.RawMessage),
		transient:   make(map[string]json.RawMessage),
		leading:     true,
		leaderSince: time.Now(),
	}
}

func (a *MemoryAgency) ReadDB(ctx context.Context) (*Tree, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return newTree("", cloneNodes(a.persistent)), nil
}

func (a *MemoryAgency) Transient(ctx context.Context) (*Tree, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return newTree("", cloneNodes(a.transient)), nil
}

func (a *MemoryAgency) Write(ctx context.Context, txs ...Transaction) ([]Result, error) {
	return a.writeAt(a.persistentStore, txs)
}

func (a *MemoryAgency) TransientWrite(ctx context.Context, txs ...Transaction) ([]Result, error) {
	return a.writeAt(a.transientStore, txs)
}

func (a *MemoryAgency) Transact(ctx context.Context, tx Transaction) (Result, error) {
	results, err := a.Write(ctx, tx)
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

func (a *MemoryAgency) persistentStore() map[string]json.RawMessage { return a.persistent }
func (a *MemoryAgency) transientStore() map[string]json.RawMessage  { return a.transient }

func (a *MemoryAgency) writeAt(store func() map[string]json.RawMessage, txs []Transaction) ([]Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	results := make([]Result, len(txs))
	for i, tx := range txs {
		nodes := store()
		if !preconditionsHold(nodes, tx.Preconditions) {
			results[i] = Result{Accepted: false}
			continue
		}
		staged := cloneNodes(nodes)
		for _, op := range tx.Operations {
			if err := applyOperation(staged, op); err != nil {
				return results, err
			}
		}
		for k := range nodes {
			if _, ok := staged[k]; !ok {
				delete(nodes, k)
			}
		}
		for k, v := range staged {
			nodes[k] = v
		}
		a.revision++
		results[i] = Result{Accepted: true, Index: a.revision}
	}
	a.notifyWaiters()
	return results, nil
}

func (a *MemoryAgency) IncrementAndGet(ctx context.Context, path string, step int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := normalizePath(path)
	var current int64
	if raw, ok := a.persistent[key]; ok {
		if err := json.Unmarshal(raw, &current); err != nil {
			return 0, fmt.Errorf("failed to decode counter at %s: %w", key, err)
		}
	}
	next := current + step
	raw, err := json.Marshal(next)
	if err != nil {
		return 0, err
	}
	a.persistent[key] = raw
	a.revision++
	a.notifyWaiters()
	return next, nil
}

func (a *MemoryAgency) Leading(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leading, nil
}

// SetLeading lets tests exercise leadership loss/regain.
func (a *MemoryAgency) SetLeading(leading bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leading = leading
	if leading {
		a.leaderSince = time.Now()
	}
}

func (a *MemoryAgency) LeaderSince(ctx context.Context) (time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leaderSince, nil
}

func (a *MemoryAgency) WaitFor(ctx context.Context, index uint64) error {
	a.mu.Lock()
	if a.revision >= index {
		a.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	a.waiters = append(a.waiters, ch)
	a.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *MemoryAgency) notifyWaiters() {
	for _, ch := range a.waiters {
		close(ch)
	}
	a.waiters = nil
}

func (a *MemoryAgency) Close() error { return nil }

func cloneNodes(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = append(json.RawMessage{}, v...)
	}
	return out
}

func preconditionsHold(nodes map[string]json.RawMessage, preconditions []Precondition) bool {
	for _, pre := range preconditions {
		key := normalizePath(pre.Path)
		raw, exists := nodes[key]

		switch pre.Kind {
		case PreOldEmpty:
			if exists {
				return false
			}
		case PreEquals:
			want, err := marshalValue(pre.Value)
			if err != nil || !exists || string(raw) != string(want) {
				return false
			}
		case PreIn, PreNotIn:
			var current []interface{}
			if exists {
				_ = json.Unmarshal(raw, &current)
			}
			contains := containsValue(current, pre.Value)
			if pre.Kind == PreIn && !contains {
				return false
			}
			if pre.Kind == PreNotIn && contains {
				return false
			}
		}
	}
	return true
}

func applyOperation(nodes map[string]json.RawMessage, op Operation) error {
	key := normalizePath(op.Path)

	switch op.Kind {
	case OpSet:
		raw, err := marshalValue(op.Value)
		if err != nil {
			return err
		}
		nodes[key] = raw

	case OpDelete:
		delete(nodes, key)

	case OpPush, OpErase:
		var current []interface{}
		if raw, ok := nodes[key]; ok {
			if err := json.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("failed to decode array at %s: %w", key, err)
			}
		}
		if op.Kind == OpPush {
			current = append(current, op.Value)
		} else {
			current = removeValue(current, op.Value)
		}
		raw, err := json.Marshal(current)
		if err != nil {
			return err
		}
		nodes[key] = raw

	case OpIncrement:
		var current int64
		if raw, ok := nodes[key]; ok {
			if err := json.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("failed to decode counter at %s: %w", key, err)
			}
		}
		step, _ := op.Value.(int64)
		raw, err := json.Marshal(current + step)
		if err != nil {
			return err
		}
		nodes[key] = raw

	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	return nil
}
