package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const (
	typeOK       TransactionType = 1
	typeFail     TransactionType = 2
	typeBlock    TransactionType = 3
	typeMissing  TransactionType = 4
	typePanic    TransactionType = 5
	typeBadRet   TransactionType = 6
	typeWarn     TransactionType = 7
	typeNoUndo   TransactionType = 8
	typeUndoFail TransactionType = 9
)

// testHandler records every entry it runs.
type testHandler struct {
	mu      sync.Mutex
	calls   []string
	release chan struct{}
	started chan int64
}

func newTestHandler() *testHandler {
	return &testHandler{
		release: make(chan struct{}),
		started: make(chan int64, 16),
	}
}

func (h *testHandler) Name() string { return "test" }

func (h *testHandler) Op(entry string) (Op, bool) {
	var op Op
	switch entry {
	case "ok", "undo":
		op = func(ctx context.Context, job *Job) (*Result, error) {
			return OK(map[string]interface{}{"done": true}), nil
		}
	case "warn":
		op = func(ctx context.Context, job *Job) (*Result, error) {
			return Warning(map[string]interface{}{"note": "degraded"}), nil
		}
	case "fail", "undo_fail":
		op = func(ctx context.Context, job *Job) (*Result, error) {
			job.Set("partial", true)
			return nil, NewCommandError("false", 1, "boom")
		}
	case "block":
		op = func(ctx context.Context, job *Job) (*Result, error) {
			job.SetStep("waiting")
			h.started <- job.Tx.ID
			<-h.release
			return OK(nil), nil
		}
	case "panic":
		op = func(ctx context.Context, job *Job) (*Result, error) {
			panic("kaboom")
		}
	case "bad":
		op = func(ctx context.Context, job *Job) (*Result, error) {
			return nil, nil
		}
	default:
		return nil, false
	}

	return func(ctx context.Context, job *Job) (*Result, error) {
		h.record(entry, job.Tx)
		return op(ctx, job)
	}, true
}

func (h *testHandler) ValidatePayload(entry string, payload json.RawMessage) error {
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	if m["invalid"] == true {
		return errors.New("payload marked invalid")
	}
	return nil
}

func (h *testHandler) record(entry string, tx *Transaction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tx.IsCompensation() {
		h.calls = append(h.calls, fmt.Sprintf("%s:%d", entry, tx.Origin))
		return
	}
	h.calls = append(h.calls, fmt.Sprintf("%s:%d", entry, tx.ID))
}

func (h *testHandler) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

type testEngine struct {
	store      *MemStore
	registry   *Registry
	locks      *LockRegistry
	builder    *Builder
	rollback   *RollbackEngine
	executor   *Executor
	dispatcher *Dispatcher
	handler    *testHandler
}

func setupTestEngine(t *testing.T, threads int) *testEngine {
	t.Helper()

	logger := zerolog.Nop()
	store := NewMemStore()
	handler := newTestHandler()

	registry := NewRegistry()
	registry.Register(handler)
	bindings := []struct {
		code           TransactionType
		exec, rollback string
	}{
		{typeOK, "ok", "undo"},
		{typeFail, "fail", "undo"},
		{typeBlock, "block", "undo"},
		{typeMissing, "missing", ""},
		{typePanic, "panic", ""},
		{typeBadRet, "bad", ""},
		{typeWarn, "warn", "undo"},
		{typeNoUndo, "ok", ""},
		{typeUndoFail, "ok", "undo_fail"},
	}
	for _, b := range bindings {
		if err := registry.Bind(b.code, "test", b.exec, b.rollback); err != nil {
			t.Fatalf("Failed to bind type %d: %v", b.code, err)
		}
	}

	locks := NewLockRegistry(store, logger)
	locks.SetPollInterval(10 * time.Millisecond)
	builder := NewBuilder(store, locks, registry, logger)
	rollback := NewRollbackEngine(store, locks, logger)
	executor := NewExecutor(store, registry, builder, rollback, logger)
	dispatcher := NewDispatcher(DispatcherConfig{Node: 1, Threads: threads, PollInterval: 10 * time.Millisecond},
		store, registry, executor, rollback, logger)
	rollback.SetWaker(dispatcher.Wake)

	return &testEngine{
		store:      store,
		registry:   registry,
		locks:      locks,
		builder:    builder,
		rollback:   rollback,
		executor:   executor,
		dispatcher: dispatcher,
		handler:    handler,
	}
}

// drain runs dispatch passes until every worker finished and a pass
// starts nothing.
func (te *testEngine) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		te.dispatcher.Wait()
		n, err := te.dispatcher.Pass(ctx)
		if err != nil {
			t.Fatalf("Pass failed: %v", err)
		}
		if n == 0 && te.dispatcher.Busy() == 0 {
			return
		}
	}
	t.Fatal("dispatcher did not become idle")
}

func (te *testEngine) tx(t *testing.T, id int64) *Transaction {
	t.Helper()
	tx, err := te.store.GetTransaction(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to get transaction %d: %v", id, err)
	}
	return tx
}

func (te *testEngine) chain(t *testing.T, id string) *ChainRecord {
	t.Helper()
	c, err := te.store.GetChain(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to get chain %s: %v", id, err)
	}
	return c
}

func equalCalls(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
