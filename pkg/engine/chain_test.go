package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestChainCommitsAtomically(t *testing.T) {
	te := setupTestEngine(t, 2)
	ctx := context.Background()

	_, err := te.builder.Build(ctx, ChainOptions{Label: "test"}, func(c *Chain) error {
		if err := c.Lock(ctx, Resource{Kind: "vps", ID: 1}); err != nil {
			return err
		}
		if _, err := c.Append(Step{Type: typeOK, Node: 1}); err != nil {
			return err
		}
		if _, err := c.Append(Step{Type: typeOK, Node: 1}); err != nil {
			return err
		}
		return errors.New("construction failed")
	})
	if err == nil {
		t.Fatal("Expected error from Build")
	}

	depth, _ := te.store.QueueDepth(ctx, 1)
	if depth != 0 {
		t.Errorf("Expected no committed rows, got %d", depth)
	}

	locks, _ := te.locks.List(ctx)
	if len(locks) != 0 {
		t.Errorf("Expected locks to be released, got %v", locks)
	}
}

func TestChainRejectsUnknownType(t *testing.T) {
	te := setupTestEngine(t, 1)
	ctx := context.Background()

	_, err := te.builder.Build(ctx, ChainOptions{}, func(c *Chain) error {
		if _, err := c.Append(Step{Type: typeOK, Node: 1}); err != nil {
			return err
		}
		_, err := c.Append(Step{Type: 9999, Node: 1})
		return err
	})
	if !IsValidation(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("Expected ErrUnknownType, got %v", err)
	}

	depth, _ := te.store.QueueDepth(ctx, 1)
	if depth != 0 {
		t.Errorf("Expected no committed rows, got %d", depth)
	}
}

func TestChainRejectsInvalidPayload(t *testing.T) {
	te := setupTestEngine(t, 1)
	ctx := context.Background()

	_, err := te.builder.Fire(ctx, Step{
		Type:    typeOK,
		Node:    1,
		Payload: map[string]interface{}{"invalid": true},
	})
	if !IsValidation(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}
}

func TestChainAnchors(t *testing.T) {
	te := setupTestEngine(t, 1)
	ctx := context.Background()

	var a, b, c, d *Transaction
	last, err := te.builder.Build(ctx, ChainOptions{}, func(ch *Chain) error {
		var err error
		if a, err = ch.Append(Step{Type: typeOK, Node: 1}); err != nil {
			return err
		}
		if b, err = ch.Append(Step{Type: typeOK, Node: 1, Name: "branch"}); err != nil {
			return err
		}
		if c, err = ch.Append(Step{Type: typeOK, Node: 1}); err != nil {
			return err
		}
		d, err = ch.AppendTo("branch", Step{Type: typeOK, Node: 1})
		return err
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if a.DependsOn != 0 {
		t.Errorf("Expected first step without dependency, got %d", a.DependsOn)
	}
	if b.DependsOn != a.ID || c.DependsOn != b.ID {
		t.Errorf("Expected linear dependencies, got b->%d c->%d", b.DependsOn, c.DependsOn)
	}
	if d.DependsOn != b.ID {
		t.Errorf("Expected anchored step to depend on %d, got %d", b.ID, d.DependsOn)
	}
	if last != d.ID {
		t.Errorf("Expected last id %d, got %d", d.ID, last)
	}
}

func TestChainUnknownAnchor(t *testing.T) {
	te := setupTestEngine(t, 1)

	ch := te.builder.Begin(context.Background(), ChainOptions{})
	_, err := ch.AppendTo("nope", Step{Type: typeOK, Node: 1})
	if !errors.Is(err, ErrUnknownAnchor) {
		t.Fatalf("Expected ErrUnknownAnchor, got %v", err)
	}
}

func TestChainInitialDependency(t *testing.T) {
	te := setupTestEngine(t, 1)
	ctx := context.Background()

	first, err := te.builder.Fire(ctx, Step{Type: typeOK, Node: 1})
	if err != nil {
		t.Fatalf("Fire failed: %v", err)
	}

	var head *Transaction
	_, err = te.builder.Build(ctx, ChainOptions{InitialDependency: first}, func(c *Chain) error {
		var err error
		head, err = c.Append(Step{Type: typeOK, Node: 1})
		return err
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if head.DependsOn != first {
		t.Errorf("Expected dependency on %d, got %d", first, head.DependsOn)
	}
}

func TestChainLockAfterAppend(t *testing.T) {
	te := setupTestEngine(t, 1)
	ctx := context.Background()

	ch := te.builder.Begin(ctx, ChainOptions{})
	if _, err := ch.Append(Step{Type: typeOK, Node: 1}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := ch.Lock(ctx, Resource{Kind: "vps", ID: 1}); !errors.Is(err, ErrLockAfterAppend) {
		t.Fatalf("Expected ErrLockAfterAppend, got %v", err)
	}
}

func TestChainEmptyCommitReleasesLocks(t *testing.T) {
	te := setupTestEngine(t, 1)
	ctx := context.Background()

	last, err := te.builder.Build(ctx, ChainOptions{}, func(c *Chain) error {
		return c.Lock(ctx, Resource{Kind: "vps", ID: 7})
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if last != 0 {
		t.Errorf("Expected no transaction, got %d", last)
	}

	locks, _ := te.locks.List(ctx)
	if len(locks) != 0 {
		t.Errorf("Expected locks to be released, got %v", locks)
	}
}

func TestChainCommitTwice(t *testing.T) {
	te := setupTestEngine(t, 1)
	ctx := context.Background()

	ch := te.builder.Begin(ctx, ChainOptions{})
	if _, err := ch.Append(Step{Type: typeOK, Node: 1}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := ch.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, err := ch.Commit(ctx); !errors.Is(err, ErrChainClosed) {
		t.Errorf("Expected ErrChainClosed, got %v", err)
	}
	if _, err := ch.Append(Step{Type: typeOK, Node: 1}); !errors.Is(err, ErrChainClosed) {
		t.Errorf("Expected ErrChainClosed on append, got %v", err)
	}
}

type denyAll struct{}

func (denyAll) Admit(ctx context.Context, plan *ChainPlan) error {
	return NewValidationError(fmt.Sprintf("chain %s denied", plan.Label), nil).WithCode(ErrCodePolicy)
}

func TestChainAdmissionDenied(t *testing.T) {
	te := setupTestEngine(t, 1)
	te.builder.SetAdmission(denyAll{})
	ctx := context.Background()

	_, err := te.builder.Build(ctx, ChainOptions{Label: "denied"}, func(c *Chain) error {
		if err := c.Lock(ctx, Resource{Kind: "vps", ID: 3}); err != nil {
			return err
		}
		_, err := c.Append(Step{Type: typeOK, Node: 1})
		return err
	})
	if !IsValidation(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}

	locks, _ := te.locks.List(ctx)
	if len(locks) != 0 {
		t.Errorf("Expected locks to be released, got %v", locks)
	}
}

// stuckLocks is a store that cannot release locks.
type stuckLocks struct {
	*MemStore
}

func (stuckLocks) ReleaseLocks(ctx context.Context, holder string) (int, error) {
	return 0, errors.New("database is locked")
}

func TestChainAdmissionDeniedLogsDiscardFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	store := stuckLocks{NewMemStore()}

	registry := NewRegistry()
	registry.Register(newTestHandler())
	if err := registry.Bind(typeOK, "test", "ok", "undo"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	builder := NewBuilder(store, NewLockRegistry(store, logger), registry, logger)
	builder.SetAdmission(denyAll{})
	ctx := context.Background()

	_, err := builder.Build(ctx, ChainOptions{Label: "denied"}, func(c *Chain) error {
		if err := c.Lock(ctx, Resource{Kind: "vps", ID: 3}); err != nil {
			return err
		}
		_, err := c.Append(Step{Type: typeOK, Node: 1})
		return err
	})
	if !IsValidation(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if !strings.Contains(buf.String(), "Failed to discard chain") {
		t.Errorf("Expected discard failure to be logged, got %q", buf.String())
	}
}

func TestFireMissingDependency(t *testing.T) {
	te := setupTestEngine(t, 1)
	ctx := context.Background()

	id, err := te.builder.Fire(ctx, Step{Type: typeOK, Node: 1, DependsOn: 4242})
	if err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if got := te.tx(t, id).State; got != StateDependencyFailed {
		t.Errorf("Expected dependency_failed, got %s", got)
	}
}

func TestFireFailedDependency(t *testing.T) {
	te := setupTestEngine(t, 1)
	ctx := context.Background()

	failing, err := te.builder.Fire(ctx, Step{Type: typeFail, Node: 1})
	if err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	te.drain(t)

	id, err := te.builder.Fire(ctx, Step{Type: typeOK, Node: 1, DependsOn: failing})
	if err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if got := te.tx(t, id).State; got != StateDependencyFailed {
		t.Errorf("Expected dependency_failed, got %s", got)
	}
	if len(te.handler.Calls()) != 1 {
		t.Errorf("Expected only the failing transaction to run, got %v", te.handler.Calls())
	}
}
