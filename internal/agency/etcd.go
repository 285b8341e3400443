package agency

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/soltixdb/agencyd/internal/logging"
)

const (
	planPrefix       = "Plan"
	currentPrefix    = "Current"
	targetPrefix     = "Target"
	supervisionRoot  = "Supervision"
	syncRoot         = "Sync"
	transientElement = "ServerStates"
	electionElement  = "leader-election"
	leaderKey        = "leader"
	leaderSinceKey   = "leader-since"
)

// EtcdAgency implements Agency against a real etcd cluster. Keys are stored
// flat, JSON-per-leaf, path.Join'd under a fixed prefix (mirroring how the
// rest of this codebase's etcd clients address their key space), with the
// hierarchical Tree view reconstructed client-side from the listing.
type EtcdAgency struct {
	client   *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
	prefix   string
	leaseTTL time.Duration
	nodeID   string
}

// NewEtcdAgency dials etcd and prepares a leader-election session under
// <prefix>/leader-election. Call Campaign in a background goroutine to participate
// in leadership; Leading/LeaderSince reflect the outcome.
func NewEtcdAgency(endpoints []string, dialTimeout time.Duration, username, password, prefix, nodeID string, leaseTTL time.Duration) (*EtcdAgency, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Username:    username,
		Password:    password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(int(leaseTTL.Seconds())))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open etcd session: %w", err)
	}

	prefix = strings.Trim(prefix, "/")
	election := concurrency.NewElection(session, path.Join("/", prefix, electionElement))

	return &EtcdAgency{
		client:   client,
		session:  session,
		election: election,
		prefix:   prefix,
		leaseTTL: leaseTTL,
		nodeID:   nodeID,
	}, nil
}

// Campaign blocks until this process wins leadership or ctx is done. Callers
// run it in a goroutine; the supervisor loop runs alongside it and checks
// Leading on every tick.
func (a *EtcdAgency) Campaign(ctx context.Context) error {
	if err := a.election.Campaign(ctx, a.nodeID); err != nil {
		return fmt.Errorf("election campaign failed: %w", err)
	}

	now, err := json.Marshal(time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = a.client.Put(ctx, a.key(leaderSinceKey), string(now))
	if err != nil {
		logging.Warn("failed to record leader-since timestamp", "error", err)
	}
	return nil
}

// Resign gives up leadership, allowing another node to campaign successfully.
func (a *EtcdAgency) Resign(ctx context.Context) error {
	return a.election.Resign(ctx)
}

func (a *EtcdAgency) key(elements ...string) string {
	return path.Join(append([]string{"/", a.prefix}, elements...)...)
}

// ReadDB implements Agency.
func (a *EtcdAgency) ReadDB(ctx context.Context) (*Tree, error) {
	return a.snapshot(ctx, a.key())
}

// Transient implements Agency.
func (a *EtcdAgency) Transient(ctx context.Context) (*Tree, error) {
	return a.snapshot(ctx, a.key(syncRoot, transientElement))
}

func (a *EtcdAgency) snapshot(ctx context.Context, root string) (*Tree, error) {
	resp, err := a.client.Get(ctx, root+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to read agency snapshot: %w", err)
	}

	nodes := make(map[string]json.RawMessage, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rel := strings.TrimPrefix(string(kv.Key), root+"/")
		nodes[rel] = append(json.RawMessage{}, kv.Value...)
	}
	return newTree(root, nodes), nil
}

// Write implements Agency against the persistent store.
func (a *EtcdAgency) Write(ctx context.Context, txs ...Transaction) ([]Result, error) {
	return a.writeAt(ctx, a.key(), txs)
}

// TransientWrite implements Agency against the ephemeral store.
func (a *EtcdAgency) TransientWrite(ctx context.Context, txs ...Transaction) ([]Result, error) {
	return a.writeAt(ctx, a.key(syncRoot, transientElement), txs)
}

// Transact implements Agency.
func (a *EtcdAgency) Transact(ctx context.Context, tx Transaction) (Result, error) {
	results, err := a.Write(ctx, tx)
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

func (a *EtcdAgency) writeAt(ctx context.Context, root string, txs []Transaction) ([]Result, error) {
	results := make([]Result, len(txs))
	for i, tx := range txs {
		res, err := a.commitOne(ctx, root, tx)
		if err != nil {
			return results, fmt.Errorf("transaction %d: %w", i, err)
		}
		results[i] = res
	}
	return results, nil
}

// commitOne resolves any read-modify-write operations (push/erase/increment)
// against a fresh read, then commits everything in a single etcd Txn guarded
// both by the caller's Preconditions and, for the resolved ops, a ModRevision
// check on the keys they read - so a concurrent writer causes rejection
// rather than a lost update.
func (a *EtcdAgency) commitOne(ctx context.Context, root string, tx Transaction) (Result, error) {
	cmps := make([]clientv3.Cmp, 0, len(tx.Preconditions)+len(tx.Operations))
	ops := make([]clientv3.Op, 0, len(tx.Operations))

	for _, pre := range tx.Preconditions {
		cmp, err := a.preconditionCmp(ctx, root, pre)
		if err != nil {
			return Result{}, err
		}
		cmps = append(cmps, cmp)
	}

	for _, op := range tx.Operations {
		etcdOps, cmp, err := a.resolveOperation(ctx, root, op)
		if err != nil {
			return Result{}, err
		}
		ops = append(ops, etcdOps...)
		if cmp != nil {
			cmps = append(cmps, *cmp)
		}
	}

	txn := a.client.Txn(ctx)
	if len(cmps) > 0 {
		txn = txn.If(cmps...)
	}
	resp, err := txn.Then(ops...).Commit()
	if err != nil {
		return Result{}, fmt.Errorf("etcd commit failed: %w", err)
	}
	if !resp.Succeeded {
		return Result{Accepted: false}, nil
	}
	return Result{Accepted: true, Index: uint64(resp.Header.Revision)}, nil
}

func (a *EtcdAgency) preconditionCmp(ctx context.Context, root string, pre Precondition) (clientv3.Cmp, error) {
	key := path.Join(root, pre.Path)

	switch pre.Kind {
	case PreOldEmpty:
		return clientv3.Compare(clientv3.CreateRevision(key), "=", 0), nil
	case PreEquals:
		want, err := marshalValue(pre.Value)
		if err != nil {
			return clientv3.Cmp{}, err
		}
		return clientv3.Compare(clientv3.Value(key), "=", string(want)), nil
	case PreIn, PreNotIn:
		resp, err := a.client.Get(ctx, key)
		if err != nil {
			return clientv3.Cmp{}, fmt.Errorf("failed to read precondition key: %w", err)
		}
		var current []interface{}
		if len(resp.Kvs) > 0 {
			if err := json.Unmarshal(resp.Kvs[0].Value, &current); err != nil {
				return clientv3.Cmp{}, fmt.Errorf("failed to decode array at %s: %w", key, err)
			}
		}
		contains := containsValue(current, pre.Value)
		// A create revision is never -1, so these compares always fail and
		// reject the transaction.
		if pre.Kind == PreIn && !contains {
			return clientv3.Compare(clientv3.CreateRevision(key), "=", -1), nil
		}
		if pre.Kind == PreNotIn && contains {
			return clientv3.Compare(clientv3.CreateRevision(key), "=", -1), nil
		}
		// Precondition holds; pin the observed revision so a racing writer
		// still causes rejection.
		modRev := int64(0)
		if len(resp.Kvs) > 0 {
			modRev = resp.Kvs[0].ModRevision
		}
		return clientv3.Compare(clientv3.ModRevision(key), "=", modRev), nil
	default:
		return clientv3.Cmp{}, fmt.Errorf("unknown precondition kind %q", pre.Kind)
	}
}

func (a *EtcdAgency) resolveOperation(ctx context.Context, root string, op Operation) ([]clientv3.Op, *clientv3.Cmp, error) {
	key := path.Join(root, op.Path)

	switch op.Kind {
	case OpSet:
		raw, err := marshalValue(op.Value)
		if err != nil {
			return nil, nil, err
		}
		return []clientv3.Op{clientv3.OpPut(key, string(raw))}, nil, nil

	case OpDelete:
		return []clientv3.Op{clientv3.OpDelete(key)}, nil, nil

	case OpPush, OpErase:
		resp, err := a.client.Get(ctx, key)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read array at %s: %w", key, err)
		}
		var current []interface{}
		modRev := int64(0)
		if len(resp.Kvs) > 0 {
			modRev = resp.Kvs[0].ModRevision
			if err := json.Unmarshal(resp.Kvs[0].Value, &current); err != nil {
				return nil, nil, fmt.Errorf("failed to decode array at %s: %w", key, err)
			}
		}
		if op.Kind == OpPush {
			current = append(current, op.Value)
		} else {
			current = removeValue(current, op.Value)
		}
		raw, err := json.Marshal(current)
		if err != nil {
			return nil, nil, err
		}
		cmp := clientv3.Compare(clientv3.ModRevision(key), "=", modRev)
		return []clientv3.Op{clientv3.OpPut(key, string(raw))}, &cmp, nil

	case OpIncrement:
		resp, err := a.client.Get(ctx, key)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read counter at %s: %w", key, err)
		}
		var current int64
		modRev := int64(0)
		if len(resp.Kvs) > 0 {
			modRev = resp.Kvs[0].ModRevision
			current, err = strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to decode counter at %s: %w", key, err)
			}
		}
		step, _ := op.Value.(int64)
		next := current + step
		cmp := clientv3.Compare(clientv3.ModRevision(key), "=", modRev)
		return []clientv3.Op{clientv3.OpPut(key, strconv.FormatInt(next, 10))}, &cmp, nil

	default:
		return nil, nil, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// IncrementAndGet implements Agency with a bounded CAS retry loop, isolated
// from writeAt because /Sync/LatestID must be incremented and observed as
// one logical step even under contention from other allocators.
func (a *EtcdAgency) IncrementAndGet(ctx context.Context, path string, step int64) (int64, error) {
	const maxAttempts = 10
	key := a.key(strings.Split(strings.Trim(path, "/"), "/")...)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := a.client.Get(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("failed to read counter: %w", err)
		}

		var current int64
		modRev := int64(0)
		if len(resp.Kvs) > 0 {
			modRev = resp.Kvs[0].ModRevision
			current, err = strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("failed to decode counter: %w", err)
			}
		}

		next := current + step
		txn := a.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", modRev)).
			Then(clientv3.OpPut(key, strconv.FormatInt(next, 10)))

		commitResp, err := txn.Commit()
		if err != nil {
			return 0, fmt.Errorf("counter commit failed: %w", err)
		}
		if commitResp.Succeeded {
			return next, nil
		}
	}
	return 0, fmt.Errorf("failed to increment counter at %s after %d attempts", key, maxAttempts)
}

// Leading implements Agency.
func (a *EtcdAgency) Leading(ctx context.Context) (bool, error) {
	resp, err := a.election.Leader(ctx)
	if err != nil {
		if err == concurrency.ErrElectionNoLeader {
			return false, nil
		}
		return false, fmt.Errorf("failed to query election leader: %w", err)
	}
	return len(resp.Kvs) > 0 && string(resp.Kvs[0].Value) == a.nodeID, nil
}

// LeaderSince implements Agency.
func (a *EtcdAgency) LeaderSince(ctx context.Context) (time.Time, error) {
	resp, err := a.client.Get(ctx, a.key(leaderSinceKey))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read leader-since: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return time.Time{}, nil
	}
	var t time.Time
	if err := json.Unmarshal(resp.Kvs[0].Value, &t); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode leader-since: %w", err)
	}
	return t, nil
}

// WaitFor implements Agency by watching the prefix for a revision at least
// as high as index.
func (a *EtcdAgency) WaitFor(ctx context.Context, index uint64) error {
	resp, err := a.client.Get(ctx, a.key())
	if err == nil && resp.Header.Revision >= int64(index) {
		return nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watch := a.client.Watch(watchCtx, a.key(), clientv3.WithPrefix(), clientv3.WithRev(int64(index)))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case wresp, ok := <-watch:
			if !ok {
				return fmt.Errorf("agency watch closed before revision %d observed", index)
			}
			if wresp.Header.Revision >= int64(index) {
				return nil
			}
		}
	}
}

// Close implements Agency.
func (a *EtcdAgency) Close() error {
	if a.session != nil {
		a.session.Close()
	}
	return a.client.Close()
}

func containsValue(haystack []interface{}, needle interface{}) bool {
	needleRaw, err := json.Marshal(needle)
	if err != nil {
		return false
	}
	for _, v := range haystack {
		vRaw, err := json.Marshal(v)
		if err == nil && string(vRaw) == string(needleRaw) {
			return true
		}
	}
	return false
}

func removeValue(haystack []interface{}, needle interface{}) []interface{} {
	needleRaw, err := json.Marshal(needle)
	if err != nil {
		return haystack
	}
	out := haystack[:0]
	for _, v := range haystack {
		vRaw, err := json.Marshal(v)
		if err == nil && string(vRaw) == string(needleRaw) {
			continue
		}
		out = append(out, v)
	}
	return out
}
