package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RollbackEngine drives the chain state machine:
//
//	executing -> completed
//	executing -> failed                    (no-rollback chains)
//	executing -> rolling_back -> rolled_back | rollback_failed
//
// Settle is called whenever a transaction of a chain reaches a terminal
// state. It only looks at persisted rows, so calling it more than once or
// from several nodes converges on the same result.
type RollbackEngine struct {
	store    Store
	locks    *LockRegistry
	recorder Recorder
	logger   zerolog.Logger
	wake     func()
	now      func() time.Time

	mu sync.Mutex
}

// NewRollbackEngine creates a rollback engine.
func NewRollbackEngine(store Store, locks *LockRegistry, logger zerolog.Logger) *RollbackEngine {
	return &RollbackEngine{
		store:    store,
		locks:    locks,
		recorder: nopRecorder{},
		logger:   logger.With().Str("component", "rollback").Logger(),
		wake:     func() {},
		now:      time.Now,
	}
}

// SetRecorder sets the metrics recorder.
func (r *RollbackEngine) SetRecorder(rec Recorder) {
	if rec != nil {
		r.recorder = rec
	}
}

// SetWaker sets the function called after compensations were enqueued.
func (r *RollbackEngine) SetWaker(fn func()) {
	if fn != nil {
		r.wake = fn
	}
}

// Settle reconciles the state of a chain with the state of its rows.
func (r *RollbackEngine) Settle(ctx context.Context, chainID string) error {
	if chainID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	chain, err := r.store.GetChain(ctx, chainID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	rows, err := r.store.ListChainTransactions(ctx, chainID)
	if err != nil {
		return fmt.Errorf("failed to list chain %s: %w", chainID, err)
	}
	forward, comps := splitRows(rows)

	switch chain.State {
	case ChainExecuting:
		return r.settleExecuting(ctx, chain, forward, comps)
	case ChainRollingBack:
		return r.settleRollingBack(ctx, chain, forward, comps)
	default:
		// Terminal chains only need their locks gone.
		return r.locks.Release(ctx, chainID)
	}
}

func (r *RollbackEngine) settleExecuting(ctx context.Context, chain *ChainRecord, forward, comps []*Transaction) error {
	if !anyState(forward, State.IsFailure) {
		if allState(forward, State.IsTerminal) {
			return r.finish(ctx, chain, ChainExecuting, ChainCompleted)
		}
		return nil
	}

	// A step failed: nothing further of the forward path may start.
	cancelled, err := r.store.CancelQueued(ctx, chain.ID, r.now())
	if err != nil {
		return fmt.Errorf("failed to cancel queued steps of chain %s: %w", chain.ID, err)
	}
	if len(cancelled) > 0 {
		r.logger.Info().
			Str("chain", chain.ID).
			Ints64("transactions", cancelled).
			Msg("Cancelled queued steps")
	}

	if chain.NoRollback {
		if anyState(forward, isRunning) {
			return nil
		}
		return r.finish(ctx, chain, ChainExecuting, ChainFailed)
	}

	ok, err := r.store.TransitionChain(ctx, chain.ID, []ChainState{ChainExecuting}, ChainRollingBack, r.now())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	r.logger.Warn().Str("chain", chain.ID).Str("label", chain.Label).Msg("Chain failed, rolling back")

	chain.State = ChainRollingBack
	// Re-read rows: CancelQueued changed some of them.
	rows, err := r.store.ListChainTransactions(ctx, chain.ID)
	if err != nil {
		return err
	}
	forward, comps = splitRows(rows)
	return r.settleRollingBack(ctx, chain, forward, comps)
}

func (r *RollbackEngine) settleRollingBack(ctx context.Context, chain *ChainRecord, forward, comps []*Transaction) error {
	// Compensations start only once no forward step is in flight, so the
	// reverse order covers every completed step.
	if anyState(forward, isRunning) {
		return nil
	}

	pending := r.compensationsFor(chain, forward)
	if len(pending) > 0 {
		added, err := r.store.AppendCompensations(ctx, chain.ID, pending)
		if err != nil {
			return fmt.Errorf("failed to append compensations to chain %s: %w", chain.ID, err)
		}
		if len(added) > 0 {
			ids := make([]int64, len(added))
			for i, tx := range added {
				ids[i] = tx.ID
			}
			r.logger.Info().
				Str("chain", chain.ID).
				Ints64("compensations", ids).
				Msg("Compensations enqueued")
			r.wake()
			return nil
		}
	}

	if anyState(comps, State.IsFailure) {
		if !allState(comps, State.IsTerminal) {
			return nil
		}
		return r.finish(ctx, chain, ChainRollingBack, ChainRollbackFailed)
	}
	if allState(comps, State.IsTerminal) {
		return r.finish(ctx, chain, ChainRollingBack, ChainRolledBack)
	}
	return nil
}

// compensationsFor returns compensation rows for completed forward steps in
// strict reverse order.
func (r *RollbackEngine) compensationsFor(chain *ChainRecord, forward []*Transaction) []*Transaction {
	done := make([]*Transaction, 0, len(forward))
	for _, tx := range forward {
		if tx.State.IsSuccess() && !tx.RolledBack {
			done = append(done, tx)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].ID > done[j].ID })

	comps := make([]*Transaction, len(done))
	for i, tx := range done {
		comps[i] = &Transaction{
			Type:      tx.Type,
			Node:      tx.Node,
			VPS:       tx.VPS,
			UserID:    tx.UserID,
			Payload:   tx.Payload,
			Urgent:    chain.UrgentRollback,
			Priority:  tx.Priority,
			Direction: DirectionRollback,
			Origin:    tx.ID,
		}
	}
	return comps
}

func (r *RollbackEngine) finish(ctx context.Context, chain *ChainRecord, from, to ChainState) error {
	ok, err := r.store.TransitionChain(ctx, chain.ID, []ChainState{from}, to, r.now())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	r.recorder.ChainFinished(to)
	event := r.logger.Info()
	if to != ChainCompleted {
		event = r.logger.Warn()
	}
	event.Str("chain", chain.ID).Str("label", chain.Label).Str("state", string(to)).Msg("Chain finished")

	return r.locks.Release(ctx, chain.ID)
}

func splitRows(rows []*Transaction) (forward, comps []*Transaction) {
	for _, tx := range rows {
		if tx.IsCompensation() {
			comps = append(comps, tx)
		} else {
			forward = append(forward, tx)
		}
	}
	return forward, comps
}

func isRunning(s State) bool {
	return s == StateRunning
}

func anyState(rows []*Transaction, pred func(State) bool) bool {
	for _, tx := range rows {
		if pred(tx.State) {
			return true
		}
	}
	return false
}

func allState(rows []*Transaction, pred func(State) bool) bool {
	for _, tx := range rows {
		if !pred(tx.State) {
			return false
		}
	}
	return true
}
