package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store. It keeps patch targets in a generic
// table/row/column map so chains that edit database state can be exercised
// without a schema.
type MemStore struct {
	mu     sync.Mutex
	nextID int64
	txs    map[int64]*Transaction
	chains map[string]*ChainRecord
	locks  map[string]Lock
	rows   map[string]map[int64]map[string]interface{}
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		txs:    make(map[int64]*Transaction),
		chains: make(map[string]*ChainRecord),
		locks:  make(map[string]Lock),
		rows:   make(map[string]map[int64]map[string]interface{}),
	}
}

// CommitChain implements Store.
func (s *MemStore) CommitChain(_ context.Context, chain *ChainRecord, batch []NewTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, nt := range batch {
		if nt.DepIndex >= i {
			return fmt.Errorf("row %d depends on later row %d", i, nt.DepIndex)
		}
	}
	if chain != nil {
		if _, exists := s.chains[chain.ID]; exists {
			return fmt.Errorf("chain %s already exists", chain.ID)
		}
	}

	now := time.Now()
	for i, nt := range batch {
		tx := nt.Tx
		tx.ID = s.nextID + int64(i) + 1
		tx.State = StateQueued
		if tx.Direction == "" {
			tx.Direction = DirectionExec
		}
		if chain != nil {
			tx.ChainID = chain.ID
		}
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = now
		}

		var depState State
		var depExists bool
		if nt.DepIndex >= 0 {
			dep := batch[nt.DepIndex].Tx
			tx.DependsOn = dep.ID
			depState, depExists = dep.State, true
		} else if tx.DependsOn != 0 {
			if dep, ok := s.txs[tx.DependsOn]; ok {
				depState, depExists = dep.State, true
			}
		}
		if tx.DependsOn != 0 && (!depExists || depState.IsFailure()) {
			markDependencyFailed(tx, now)
		}
	}

	if chain != nil {
		c := *chain
		s.chains[c.ID] = &c
	}
	for _, nt := range batch {
		s.txs[nt.Tx.ID] = cloneTransaction(nt.Tx)
	}
	s.nextID += int64(len(batch))
	return nil
}

// GetTransaction implements Store.
func (s *MemStore) GetTransaction(_ context.Context, id int64) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("transaction %d: %w", id, ErrNotFound)
	}
	return cloneTransaction(tx), nil
}

// ListChainTransactions implements Store.
func (s *MemStore) ListChainTransactions(_ context.Context, chainID string) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Transaction
	for _, tx := range s.txs {
		if tx.ChainID == chainID {
			out = append(out, cloneTransaction(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ClaimNext implements Store.
func (s *MemStore) ClaimNext(_ context.Context, node int64, now time.Time) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Transaction
	for _, tx := range s.txs {
		if tx.Node != node || tx.State != StateQueued || !s.readyLocked(tx) {
			continue
		}
		if best == nil || ClaimsBefore(tx, best) {
			best = tx
		}
	}
	if best == nil {
		return nil, nil
	}

	best.State = StateRunning
	started := now
	best.StartedAt = &started
	return cloneTransaction(best), nil
}

func (s *MemStore) readyLocked(tx *Transaction) bool {
	if tx.DependsOn != 0 {
		dep, ok := s.txs[tx.DependsOn]
		if !ok || !dep.State.IsSuccess() {
			return false
		}
	}
	if tx.ChainID == "" || tx.Direction == DirectionRollback {
		return true
	}
	chain, ok := s.chains[tx.ChainID]
	return !ok || chain.State == ChainExecuting
}

// FailBlocked implements Store.
func (s *MemStore) FailBlocked(_ context.Context, node int64, now time.Time) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []*Transaction
	for {
		changed := false
		for _, tx := range s.txs {
			if tx.Node != node || tx.State != StateQueued || tx.DependsOn == 0 {
				continue
			}
			dep, ok := s.txs[tx.DependsOn]
			if ok && !dep.State.IsFailure() {
				continue
			}
			markDependencyFailed(tx, now)
			failed = append(failed, cloneTransaction(tx))
			changed = true
		}
		if !changed {
			break
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].ID < failed[j].ID })
	return failed, nil
}

// Finish implements Store.
func (s *MemStore) Finish(_ context.Context, id int64, out Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return fmt.Errorf("transaction %d: %w", id, ErrNotFound)
	}
	if tx.State.IsTerminal() {
		return fmt.Errorf("transaction %d: %w", id, ErrTerminal)
	}

	data, err := json.Marshal(out.Output)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	tx.State = out.State
	tx.Output = data
	if tx.StartedAt == nil && !out.StartedAt.IsZero() {
		started := out.StartedAt
		tx.StartedAt = &started
	}
	finished := out.FinishedAt
	tx.FinishedAt = &finished
	return nil
}

// CancelQueued implements Store.
func (s *MemStore) CancelQueued(_ context.Context, chainID string, now time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for _, tx := range s.txs {
		if tx.ChainID == chainID && tx.Direction == DirectionExec && tx.State == StateQueued {
			markDependencyFailed(tx, now)
			ids = append(ids, tx.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// AppendCompensations implements Store.
func (s *MemStore) AppendCompensations(_ context.Context, chainID string, comps []*Transaction) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	origins := make(map[int64]bool)
	var last int64
	for _, tx := range s.txs {
		if tx.ChainID == chainID && tx.Direction == DirectionRollback {
			origins[tx.Origin] = true
			if tx.ID > last {
				last = tx.ID
			}
		}
	}

	now := time.Now()
	var inserted []*Transaction
	for _, c := range comps {
		if origins[c.Origin] {
			continue
		}
		s.nextID++
		c.ID = s.nextID
		c.ChainID = chainID
		c.Direction = DirectionRollback
		c.State = StateQueued
		c.DependsOn = last
		c.CreatedAt = now
		s.txs[c.ID] = cloneTransaction(c)
		origins[c.Origin] = true
		last = c.ID
		inserted = append(inserted, cloneTransaction(c))
	}
	return inserted, nil
}

// MarkRolledBack implements Store.
func (s *MemStore) MarkRolledBack(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return fmt.Errorf("transaction %d: %w", id, ErrNotFound)
	}
	tx.RolledBack = true
	return nil
}

// GetChain implements Store.
func (s *MemStore) GetChain(_ context.Context, id string) (*ChainRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chains[id]
	if !ok {
		return nil, fmt.Errorf("chain %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// TransitionChain implements Store.
func (s *MemStore) TransitionChain(_ context.Context, id string, from []ChainState, to ChainState, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chains[id]
	if !ok {
		return false, fmt.Errorf("chain %s: %w", id, ErrNotFound)
	}
	for _, st := range from {
		if c.State == st {
			c.State = to
			if to.IsTerminal() {
				finished := now
				c.FinishedAt = &finished
			}
			return true, nil
		}
	}
	return false, nil
}

// ApplyPatches implements Store.
func (s *MemStore) ApplyPatches(_ context.Context, patches []Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range patches {
		table, ok := s.rows[p.Table]
		if !ok {
			table = make(map[int64]map[string]interface{})
			s.rows[p.Table] = table
		}
		row, ok := table[p.RowID]
		if !ok {
			row = make(map[string]interface{})
			table[p.RowID] = row
		}
		row[p.Column] = p.Value
	}
	return nil
}

// Value returns the patched value of a column, for inspection in tests.
func (s *MemStore) Value(table string, rowID int64, column string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[table][rowID]
	if !ok {
		return nil, false
	}
	v, ok := row[column]
	return v, ok
}

// AcquireLock implements Store.
func (s *MemStore) AcquireLock(_ context.Context, resource, holder string, now time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, held := s.locks[resource]; held {
		return l.Holder, l.Holder == holder, nil
	}
	s.locks[resource] = Lock{Resource: resource, Holder: holder, AcquiredAt: now}
	return holder, true, nil
}

// ReleaseLocks implements Store.
func (s *MemStore) ReleaseLocks(_ context.Context, holder string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, l := range s.locks {
		if l.Holder == holder {
			delete(s.locks, k)
			n++
		}
	}
	return n, nil
}

// ListLocks implements Store.
func (s *MemStore) ListLocks(_ context.Context) ([]Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Lock, 0, len(s.locks))
	for _, l := range s.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out, nil
}

// QueueDepth implements Store.
func (s *MemStore) QueueDepth(_ context.Context, node int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, tx := range s.txs {
		if tx.Node == node && !tx.State.IsTerminal() {
			n++
		}
	}
	return n, nil
}

// ClaimsBefore reports whether a is served before b: urgent first, then
// higher priority, then arrival order.
func ClaimsBefore(a, b *Transaction) bool {
	if a.Urgent != b.Urgent {
		return a.Urgent
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}

// DependencyFailedOutput is the output stored on rows that never ran
// because their dependency did not succeed.
func DependencyFailedOutput() map[string]interface{} {
	return map[string]interface{}{
		"error": "Dependency failed",
		"kind":  string(KindDependencyFailed),
	}
}

func markDependencyFailed(tx *Transaction, now time.Time) {
	tx.State = StateDependencyFailed
	tx.Output, _ = json.Marshal(DependencyFailedOutput())
	finished := now
	tx.FinishedAt = &finished
}

func cloneTransaction(tx *Transaction) *Transaction {
	cp := *tx
	if tx.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), tx.Payload...)
	}
	if tx.Output != nil {
		cp.Output = append(json.RawMessage(nil), tx.Output...)
	}
	if tx.Patches != nil {
		cp.Patches = append([]Patch(nil), tx.Patches...)
	}
	if tx.StartedAt != nil {
		t := *tx.StartedAt
		cp.StartedAt = &t
	}
	if tx.FinishedAt != nil {
		t := *tx.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
