package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/vpsfleet/vpsfleet/pkg/engine"

// Executor runs one claimed transaction to completion and records its
// outcome exactly once.
type Executor struct {
	store    Store
	registry *Registry
	builder  *Builder
	rollback *RollbackEngine
	recorder Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// NewExecutor creates a command executor. The builder enqueues fallbacks;
// the rollback engine settles chains after each transaction.
func NewExecutor(store Store, registry *Registry, builder *Builder, rollback *RollbackEngine, logger zerolog.Logger) *Executor {
	return &Executor{
		store:    store,
		registry: registry,
		builder:  builder,
		rollback: rollback,
		recorder: nopRecorder{},
		logger:   logger.With().Str("component", "executor").Logger(),
		now:      time.Now,
	}
}

// SetRecorder sets the metrics recorder.
func (e *Executor) SetRecorder(rec Recorder) {
	if rec != nil {
		e.recorder = rec
	}
}

// Execute runs the handler entry of job.Tx and writes its terminal state.
func (e *Executor) Execute(ctx context.Context, job *Job) error {
	tx := job.Tx
	started := e.now()
	if tx.StartedAt != nil {
		started = *tx.StartedAt
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "transaction.execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("transaction.id", tx.ID),
		attribute.Int("transaction.type", int(tx.Type)),
		attribute.Int64("transaction.node", tx.Node),
		attribute.String("transaction.chain", tx.ChainID),
		attribute.String("transaction.direction", string(tx.Direction)),
	)

	res, runErr := e.run(ctx, job)

	// A kill that arrives after this point is too late to change the outcome.
	killed := job.Killed()

	output := job.Output()
	state := StateDoneOK
	if runErr == nil {
		for k, v := range res.Output {
			output[k] = v
		}
		if res.Status == ResultWarning {
			state = StateDoneWarning
		}
		// Killed steps are not compensated, so their patches must not apply.
		if !killed {
			if err := e.confirm(ctx, tx); err != nil {
				runErr = err
			}
		}
	}
	if runErr != nil {
		state = StateFailed
		mergeError(output, runErr)
	}

	if killed {
		state = StateKilled
		output["error"] = "Killed"
		output["kind"] = string(KindKilled)
	}

	if state.IsFailure() && !tx.IsCompensation() && !job.KilledSilently() && !tx.Fallback.Empty() {
		output["fallback"] = e.enqueueFallback(ctx, tx)
	}

	finished := e.now()
	err := e.store.Finish(ctx, tx.ID, Outcome{
		State:      state,
		Output:     output,
		StartedAt:  started,
		FinishedAt: finished,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrTerminal) {
			e.logger.Warn().Int64("id", tx.ID).Msg("Transaction already finished")
			return nil
		}
		return fmt.Errorf("failed to finish transaction %d: %w", tx.ID, err)
	}

	if tx.IsCompensation() && state.IsSuccess() {
		if err := e.store.MarkRolledBack(ctx, tx.Origin); err != nil {
			e.logger.Error().Err(err).Int64("origin", tx.Origin).Msg("Failed to mark step rolled back")
		}
	}

	duration := finished.Sub(started)
	e.recorder.TransactionFinished(tx.Type, state, duration)
	span.SetAttributes(attribute.String("transaction.state", string(state)))
	if state.IsFailure() {
		span.SetStatus(codes.Error, fmt.Sprint(output["error"]))
	}

	event := e.logger.Info()
	if state.IsFailure() {
		event = e.logger.Warn().Interface("error", output["error"])
	}
	event.
		Int64("id", tx.ID).
		Stringer("type", tx.Type).
		Str("chain", tx.ChainID).
		Str("direction", string(tx.Direction)).
		Str("state", string(state)).
		Dur("duration", duration).
		Msg("Transaction finished")

	if tx.ChainID != "" {
		if err := e.rollback.Settle(ctx, tx.ChainID); err != nil {
			e.logger.Error().Err(err).Str("chain", tx.ChainID).Msg("Failed to settle chain")
		}
	}
	return nil
}

// run resolves the handler entry and invokes it.
func (e *Executor) run(ctx context.Context, job *Job) (*Result, error) {
	tx := job.Tx

	b, ok := e.registry.Lookup(tx.Type)
	if !ok {
		return nil, NewError(KindNotImplemented, "Unsupported command", ErrUnknownType).
			WithCode(ErrCodeUnsupported)
	}

	entry := b.Exec
	if tx.IsCompensation() {
		entry = b.Rollback
		if entry == "" {
			return OK(nil), nil
		}
	}
	// The dispatcher already resolved the entry for its status table.
	if job.Entry != entry {
		job.Entry = entry
	}

	if len(tx.Payload) > 0 && !json.Valid(tx.Payload) {
		return nil, NewValidationError("Bad param syntax", nil).WithCode(ErrCodeBadParams)
	}

	op, ok := b.Handler.Op(job.Entry)
	if !ok {
		return nil, NewNotImplementedError(b.Handler.Name() + "." + job.Entry)
	}

	return e.invoke(ctx, b.Handler.Name(), op, job)
}

func (e *Executor) invoke(ctx context.Context, handler string, op Op, job *Job) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = NewUnexpectedError(fmt.Sprint(r), nil).
				WithOperation(handler+"."+job.Entry).
				WithDetail("backtrace", string(debug.Stack()))
		}
	}()

	res, err = op(ctx, job)
	if err != nil {
		return nil, err
	}
	if res == nil || res.Status.Validate() != nil {
		return nil, NewCommandError(
			"process handler return value", 1,
			fmt.Sprintf("%s.%s did not return expected value", handler, job.Entry),
		)
	}
	return res, nil
}

// confirm applies the database edits of a successful step, or reverts those
// of the step a successful compensation undid.
func (e *Executor) confirm(ctx context.Context, tx *Transaction) error {
	patches := tx.Patches
	if tx.IsCompensation() {
		origin, err := e.store.GetTransaction(ctx, tx.Origin)
		if err != nil {
			return NewUnexpectedError("failed to load compensated step", err)
		}
		patches = make([]Patch, len(origin.Patches))
		for i, p := range origin.Patches {
			patches[len(origin.Patches)-1-i] = p.Reverse()
		}
	}
	if len(patches) == 0 {
		return nil
	}
	if err := e.store.ApplyPatches(ctx, patches); err != nil {
		return NewUnexpectedError("failed to apply patches", err)
	}
	return nil
}

// enqueueFallback fires the declared fallback transactions unmodified and
// returns the fallback field of the output. Failure is only logged.
func (e *Executor) enqueueFallback(ctx context.Context, tx *Transaction) map[string]interface{} {
	steps := make([]Step, len(tx.Fallback.Transactions))
	for i, ft := range tx.Fallback.Transactions {
		steps[i] = Step{
			Type:      ft.Type,
			Node:      ft.Node,
			VPS:       ft.VPS,
			UserID:    ft.UserID,
			DependsOn: ft.DependsOn,
			Urgent:    ft.Urgent,
			Priority:  ft.Priority,
		}
		if len(ft.Params) > 0 {
			steps[i].Payload = ft.Params
		}
	}

	ids, err := e.builder.FireBatch(ctx, steps)
	if err != nil {
		e.logger.Error().Err(err).Int64("id", tx.ID).Msg("Failed to enqueue fallback")
		return map[string]interface{}{
			"msg":   "Fallback failed",
			"error": err.Error(),
		}
	}

	e.logger.Info().Int64("id", tx.ID).Ints64("transactions", ids).Msg("Fallback enqueued")
	return map[string]interface{}{"transactions": ids}
}

// mergeError adds the error fields of a failed run to the output.
func mergeError(output map[string]interface{}, err error) {
	output["kind"] = string(KindOf(err))

	var ce *CommandError
	var ee *EngineError
	switch {
	case errors.As(err, &ce):
		output["error"] = ce.Output
		output["cmd"] = ce.Cmd
		output["exitstatus"] = ce.ExitStatus
	case errors.As(err, &ee):
		output["error"] = ee.Message
		if ee.Operation != "" {
			output["operation"] = ee.Operation
		}
		if bt, ok := ee.Details["backtrace"]; ok {
			output["backtrace"] = bt
		}
	default:
		output["error"] = err.Error()
	}
}
