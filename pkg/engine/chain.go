package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Step describes one transaction to create.
type Step struct {
	Type     TransactionType
	Node     int64
	VPS      int64
	UserID   int64
	Payload  interface{}
	Urgent   bool
	Priority int

	// Name labels the step as an anchor for AppendTo.
	Name string

	// DependsOn is an existing transaction id. Only used by Fire; chain
	// steps depend on their predecessor or anchor.
	DependsOn int64

	// Patches are database edits confirmed when the step succeeds.
	Patches []Patch

	// Fallback is enqueued when the transaction fails.
	Fallback *Fallback
}

// ChainOptions configure a chain.
type ChainOptions struct {
	// Label names the operation, e.g. "vps.migrate".
	Label string

	// InitialDependency is an existing transaction the first step depends on.
	InitialDependency int64

	// NoRollback makes the chain fail without compensations.
	NoRollback bool

	// UrgentRollback marks compensations urgent.
	UrgentRollback bool

	// UserID is the default user of every step.
	UserID int64
}

// CommitHook is called after a chain or lone transaction is committed.
// chainID is empty for lone transactions.
type CommitHook func(ctx context.Context, chainID string)

// Builder creates transactions and chains.
type Builder struct {
	store     Store
	locks     *LockRegistry
	registry  *Registry
	admission Admission
	hooks     []CommitHook
	logger    zerolog.Logger
}

// NewBuilder creates a chain builder.
func NewBuilder(store Store, locks *LockRegistry, registry *Registry, logger zerolog.Logger) *Builder {
	return &Builder{
		store:    store,
		locks:    locks,
		registry: registry,
		logger:   logger.With().Str("component", "builder").Logger(),
	}
}

// SetAdmission installs an admission check run before every chain commit.
func (b *Builder) SetAdmission(a Admission) {
	b.admission = a
}

// OnCommit registers a hook run after every commit.
func (b *Builder) OnCommit(hook CommitHook) {
	b.hooks = append(b.hooks, hook)
}

// Fire creates one transaction outside of any chain and returns its id.
func (b *Builder) Fire(ctx context.Context, step Step) (int64, error) {
	ids, err := b.FireBatch(ctx, []Step{step})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// FireBatch creates several lone transactions atomically. Each keeps its own
// DependsOn.
func (b *Builder) FireBatch(ctx context.Context, steps []Step) ([]int64, error) {
	batch := make([]NewTransaction, len(steps))
	for i, step := range steps {
		tx, err := b.newTransaction(step)
		if err != nil {
			return nil, err
		}
		tx.DependsOn = step.DependsOn
		batch[i] = NewTransaction{Tx: tx, DepIndex: -1}
	}

	if err := b.store.CommitChain(ctx, nil, batch); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	ids := make([]int64, len(batch))
	for i, nt := range batch {
		ids[i] = nt.Tx.ID
		b.logger.Debug().
			Int64("id", nt.Tx.ID).
			Stringer("type", nt.Tx.Type).
			Int64("node", nt.Tx.Node).
			Str("state", string(nt.Tx.State)).
			Msg("Transaction fired")
	}

	b.notify(ctx, "")
	return ids, nil
}

// Begin opens a chain. Nothing is visible to dispatchers until Commit.
func (b *Builder) Begin(_ context.Context, opts ChainOptions) *Chain {
	return &Chain{
		b:        b,
		id:       uuid.New().String(),
		opts:     opts,
		anchors:  make(map[string]int),
		tail:     -1,
		metadata: make(map[string]interface{}),
	}
}

// Build runs fn on a new chain and commits it if fn succeeds. On error the
// chain is discarded and its locks released. It returns the id of the last
// transaction.
func (b *Builder) Build(ctx context.Context, opts ChainOptions, fn func(*Chain) error) (int64, error) {
	c := b.Begin(ctx, opts)
	if err := fn(c); err != nil {
		c.discard(ctx)
		return 0, err
	}
	return c.Commit(ctx)
}

func (b *Builder) newTransaction(step Step) (*Transaction, error) {
	payload, err := encodePayload(step.Payload)
	if err != nil {
		return nil, NewValidationError("Bad param syntax", err).WithCode(ErrCodeBadParams)
	}
	if err := b.registry.Validate(step.Type, payload); err != nil {
		return nil, err
	}

	return &Transaction{
		Type:      step.Type,
		Node:      step.Node,
		VPS:       step.VPS,
		UserID:    step.UserID,
		Payload:   payload,
		Urgent:    step.Urgent,
		Priority:  step.Priority,
		Direction: DirectionExec,
		Patches:   step.Patches,
		Fallback:  step.Fallback,
		CreatedAt: time.Now(),
	}, nil
}

func (b *Builder) notify(ctx context.Context, chainID string) {
	for _, hook := range b.hooks {
		hook(ctx, chainID)
	}
}

func encodePayload(p interface{}) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid JSON payload")
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// Chain is a chain under construction.
type Chain struct {
	b    *Builder
	id   string
	opts ChainOptions

	rows     []NewTransaction
	anchors  map[string]int
	tail     int
	locks    []string
	metadata map[string]interface{}
	closed   bool
}

// ID returns the chain id, which is also the holder id of its locks.
func (c *Chain) ID() string {
	return c.id
}

// Len returns the number of appended steps.
func (c *Chain) Len() int {
	return len(c.rows)
}

// Lock acquires resources for the chain in the given order, blocking while
// another chain holds one. All locks must be taken before the first Append.
func (c *Chain) Lock(ctx context.Context, resources ...Resource) error {
	if err := c.lockable(); err != nil {
		return err
	}

	for _, r := range resources {
		key := r.Key()
		if err := c.b.locks.Acquire(ctx, key, c.id); err != nil {
			return err
		}
		c.addLock(key)
	}
	return nil
}

// TryLock acquires a resource if it is free and reports whether it did.
func (c *Chain) TryLock(ctx context.Context, r Resource) (bool, error) {
	if err := c.lockable(); err != nil {
		return false, err
	}

	ok, err := c.b.locks.TryAcquire(ctx, r.Key(), c.id)
	if err != nil || !ok {
		return false, err
	}
	c.addLock(r.Key())
	return true, nil
}

func (c *Chain) lockable() error {
	if c.closed {
		return ErrChainClosed
	}
	if len(c.rows) > 0 {
		return ErrLockAfterAppend
	}
	return nil
}

func (c *Chain) addLock(key string) {
	for _, k := range c.locks {
		if k == key {
			return
		}
	}
	c.locks = append(c.locks, key)
}

// Locks returns the resources held by the chain.
func (c *Chain) Locks() []string {
	return append([]string(nil), c.locks...)
}

// Append adds a step depending on the chain's tail and makes it the new
// tail. The returned transaction receives its id on Commit.
func (c *Chain) Append(step Step) (*Transaction, error) {
	return c.append(c.tail, step)
}

// AppendTo adds a step depending on the named anchor instead of the tail.
// The new step becomes the tail.
func (c *Chain) AppendTo(anchor string, step Step) (*Transaction, error) {
	idx, ok := c.anchors[anchor]
	if !ok {
		return nil, NewValidationError(fmt.Sprintf("anchor %q", anchor), ErrUnknownAnchor)
	}
	return c.append(idx, step)
}

func (c *Chain) append(dep int, step Step) (*Transaction, error) {
	if c.closed {
		return nil, ErrChainClosed
	}
	if step.UserID == 0 {
		step.UserID = c.opts.UserID
	}

	tx, err := c.b.newTransaction(step)
	if err != nil {
		return nil, err
	}
	if dep < 0 {
		tx.DependsOn = c.opts.InitialDependency
	}

	c.rows = append(c.rows, NewTransaction{Tx: tx, DepIndex: dep})
	c.tail = len(c.rows) - 1
	if step.Name != "" {
		c.anchors[step.Name] = c.tail
	}
	return tx, nil
}

// SetMetadata stores a value in the chain record.
func (c *Chain) SetMetadata(key string, value interface{}) {
	c.metadata[key] = value
}

// Steps returns the transactions appended so far.
func (c *Chain) Steps() []*Transaction {
	out := make([]*Transaction, len(c.rows))
	for i, r := range c.rows {
		out[i] = r.Tx
	}
	return out
}

// Commit persists all steps atomically and returns the id of the tail. An
// empty chain commits nothing and releases its locks.
func (c *Chain) Commit(ctx context.Context) (int64, error) {
	if c.closed {
		return 0, ErrChainClosed
	}

	if len(c.rows) == 0 {
		return 0, c.Discard(ctx)
	}

	if c.b.admission != nil {
		plan := &ChainPlan{
			Label:    c.opts.Label,
			Locks:    c.Locks(),
			Steps:    c.Steps(),
			Metadata: c.metadata,
		}
		if err := c.b.admission.Admit(ctx, plan); err != nil {
			c.discard(ctx)
			return 0, err
		}
	}

	record := &ChainRecord{
		ID:             c.id,
		Label:          c.opts.Label,
		State:          ChainExecuting,
		NoRollback:     c.opts.NoRollback,
		UrgentRollback: c.opts.UrgentRollback,
		Metadata:       c.metadata,
		CreatedAt:      time.Now(),
	}
	if err := c.b.store.CommitChain(ctx, record, c.rows); err != nil {
		c.discard(ctx)
		return 0, fmt.Errorf("failed to commit chain: %w", err)
	}
	c.closed = true

	last := c.rows[c.tail].Tx.ID
	c.b.logger.Info().
		Str("chain", c.id).
		Str("label", c.opts.Label).
		Int("steps", len(c.rows)).
		Strs("locks", c.locks).
		Int64("last", last).
		Msg("Chain committed")

	c.b.notify(ctx, c.id)
	return last, nil
}

// Discard abandons the chain and releases its locks.
func (c *Chain) Discard(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	if len(c.locks) == 0 {
		return nil
	}
	return c.b.locks.Release(ctx, c.id)
}

// discard is Discard for error paths that already return another error.
func (c *Chain) discard(ctx context.Context) {
	if err := c.Discard(ctx); err != nil {
		c.b.logger.Error().Err(err).Str("chain", c.id).Msg("Failed to discard chain")
	}
}
