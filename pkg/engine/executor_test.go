package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func runOne(t *testing.T, te *testEngine, txType TransactionType, payload json.RawMessage) *Transaction {
	t.Helper()
	ctx := context.Background()

	// Commit directly so types and payloads unknown to the registry reach
	// the executor.
	tx := &Transaction{Type: txType, Node: 1, Payload: payload}
	if err := te.store.CommitChain(ctx, nil, []NewTransaction{{Tx: tx, DepIndex: -1}}); err != nil {
		t.Fatalf("CommitChain failed: %v", err)
	}
	te.drain(t)
	return te.tx(t, tx.ID)
}

func TestExecutorSuccess(t *testing.T) {
	te := setupTestEngine(t, 1)

	tx := runOne(t, te, typeOK, json.RawMessage(`{}`))
	if tx.State != StateDoneOK {
		t.Fatalf("Expected done_ok, got %s", tx.State)
	}
	if tx.State.Success() != SuccessOK {
		t.Errorf("Expected success column 1, got %d", tx.State.Success())
	}
	if tx.OutputMap()["done"] != true {
		t.Errorf("Expected handler output, got %v", tx.OutputMap())
	}
	if tx.StartedAt == nil || tx.FinishedAt == nil {
		t.Error("Expected start and finish times")
	}
}

func TestExecutorWarning(t *testing.T) {
	te := setupTestEngine(t, 1)

	tx := runOne(t, te, typeWarn, nil)
	if tx.State != StateDoneWarning {
		t.Fatalf("Expected done_warning, got %s", tx.State)
	}
	if tx.State.Success() != SuccessWarning {
		t.Errorf("Expected success column 2, got %d", tx.State.Success())
	}
}

func TestExecutorUnsupportedType(t *testing.T) {
	te := setupTestEngine(t, 1)

	tx := runOne(t, te, 4711, nil)
	out := tx.OutputMap()
	if tx.State != StateFailed || out["error"] != "Unsupported command" {
		t.Errorf("Expected Unsupported command failure, got %s %v", tx.State, out)
	}
	if out["kind"] != string(KindNotImplemented) {
		t.Errorf("Expected not_implemented kind, got %v", out["kind"])
	}
}

func TestExecutorBadParams(t *testing.T) {
	te := setupTestEngine(t, 1)

	tx := runOne(t, te, typeOK, json.RawMessage(`{"broken"`))
	out := tx.OutputMap()
	if tx.State != StateFailed || out["error"] != "Bad param syntax" {
		t.Errorf("Expected Bad param syntax failure, got %s %v", tx.State, out)
	}
	if out["kind"] != string(KindValidation) {
		t.Errorf("Expected validation kind, got %v", out["kind"])
	}
}

func TestExecutorNotImplemented(t *testing.T) {
	te := setupTestEngine(t, 1)

	tx := runOne(t, te, typeMissing, nil)
	out := tx.OutputMap()
	if tx.State != StateFailed || out["error"] != "Command not implemented" {
		t.Errorf("Expected Command not implemented, got %s %v", tx.State, out)
	}
	if out["operation"] != "test.missing" {
		t.Errorf("Expected operation test.missing, got %v", out["operation"])
	}
}

func TestExecutorPanic(t *testing.T) {
	te := setupTestEngine(t, 1)

	tx := runOne(t, te, typePanic, nil)
	out := tx.OutputMap()
	if tx.State != StateFailed || out["error"] != "kaboom" {
		t.Errorf("Expected kaboom failure, got %s %v", tx.State, out)
	}
	if out["kind"] != string(KindUnexpected) {
		t.Errorf("Expected unexpected kind, got %v", out["kind"])
	}
	bt, _ := out["backtrace"].(string)
	if !strings.Contains(bt, "goroutine") {
		t.Errorf("Expected backtrace, got %q", bt)
	}
}

func TestExecutorBadReturnValue(t *testing.T) {
	te := setupTestEngine(t, 1)

	tx := runOne(t, te, typeBadRet, nil)
	out := tx.OutputMap()
	if tx.State != StateFailed {
		t.Fatalf("Expected failed, got %s", tx.State)
	}
	if out["cmd"] != "process handler return value" || out["exitstatus"] != float64(1) {
		t.Errorf("Unexpected output: %v", out)
	}
	if out["error"] != "test.bad did not return expected value" {
		t.Errorf("Unexpected error: %v", out["error"])
	}
}

func TestExecutorFallbackOnFailure(t *testing.T) {
	te := setupTestEngine(t, 1)
	ctx := context.Background()

	id, err := te.builder.Fire(ctx, Step{
		Type: typeFail,
		Node: 1,
		Fallback: &Fallback{Transactions: []FallbackTransaction{
			{Node: 1, Type: typeOK, Params: json.RawMessage(`{"a":1}`)},
			{Node: 1, Type: 4711},
		}},
	})
	if err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	te.drain(t)

	fb, ok := te.tx(t, id).OutputMap()["fallback"].(map[string]interface{})
	if !ok {
		t.Fatal("Expected fallback output")
	}
	if fb["msg"] != "Fallback failed" {
		t.Errorf("Expected fallback failure for unknown type, got %v", fb)
	}
	if depth, _ := te.store.QueueDepth(ctx, 1); depth != 0 {
		t.Errorf("Expected fallback to be committed all or nothing, got %d pending", depth)
	}
}

func TestExecutorFinishOnce(t *testing.T) {
	te := setupTestEngine(t, 1)
	ctx := context.Background()

	tx := runOne(t, te, typeOK, nil)
	err := te.store.Finish(ctx, tx.ID, Outcome{State: StateFailed})
	if err == nil {
		t.Fatal("Expected second finish to fail")
	}
	if got := te.tx(t, tx.ID).State; got != StateDoneOK {
		t.Errorf("Expected state to stay done_ok, got %s", got)
	}
}
