package engine

import (
	"context"
	"encoding/json"
	"time"
)

// NewTransaction is one row of a commit batch. DepIndex >= 0 points at an
// earlier row of the same batch; otherwise Tx.DependsOn names an existing
// transaction (0 for none).
type NewTransaction struct {
	Tx       *Transaction
	DepIndex int
}

// Store is the durable record of transactions, chains and locks.
type Store interface {
	// CommitChain persists the chain record (nil for lone transactions) and
	// all rows of the batch atomically. IDs, resolved dependencies and
	// initial states are written back into the batch. A row whose
	// dependency does not exist or already failed is stored as
	// dependency_failed.
	CommitChain(ctx context.Context, chain *ChainRecord, batch []NewTransaction) error

	// GetTransaction retrieves a transaction by id.
	GetTransaction(ctx context.Context, id int64) (*Transaction, error)

	// ListChainTransactions returns the rows of a chain ordered by id.
	ListChainTransactions(ctx context.Context, chainID string) ([]*Transaction, error)

	// ClaimNext atomically moves the best ready transaction of the node to
	// running and returns it, or nil if nothing is ready.
	ClaimNext(ctx context.Context, node int64, now time.Time) (*Transaction, error)

	// FailBlocked marks queued transactions of the node whose dependency
	// failed as dependency_failed and returns them.
	FailBlocked(ctx context.Context, node int64, now time.Time) ([]*Transaction, error)

	// Finish writes the terminal outcome of a running or queued transaction.
	// It returns ErrTerminal if the row already reached a terminal state.
	Finish(ctx context.Context, id int64, out Outcome) error

	// CancelQueued marks queued forward rows of the chain as dependency_failed.
	CancelQueued(ctx context.Context, chainID string, now time.Time) ([]int64, error)

	// AppendCompensations inserts compensation rows for forward steps that
	// do not have one yet, linking each new row to the previous
	// compensation of the chain. It returns the inserted rows.
	AppendCompensations(ctx context.Context, chainID string, comps []*Transaction) ([]*Transaction, error)

	// MarkRolledBack flags a forward step whose compensation succeeded.
	MarkRolledBack(ctx context.Context, id int64) error

	// GetChain retrieves a chain record.
	GetChain(ctx context.Context, id string) (*ChainRecord, error)

	// TransitionChain moves a chain to state `to` if it is currently in one
	// of `from`. It reports whether the transition happened.
	TransitionChain(ctx context.Context, id string, from []ChainState, to ChainState, now time.Time) (bool, error)

	// ApplyPatches writes the Value of every patch.
	ApplyPatches(ctx context.Context, patches []Patch) error

	// AcquireLock takes resource for holder unless another holder has it.
	// It returns the current holder and whether holder now owns the lock.
	AcquireLock(ctx context.Context, resource, holder string, now time.Time) (string, bool, error)

	// ReleaseLocks drops every lock of holder.
	ReleaseLocks(ctx context.Context, holder string) (int, error)

	// ListLocks returns all held locks.
	ListLocks(ctx context.Context) ([]Lock, error)

	// QueueDepth counts unfinished transactions of the node.
	QueueDepth(ctx context.Context, node int64) (int, error)
}

// Op is one handler entry point.
type Op func(ctx context.Context, job *Job) (*Result, error)

// Handler is the executable logic bound to a group of transaction types.
type Handler interface {
	// Name identifies the handler in status output, e.g. "vps".
	Name() string

	// Op resolves an entry point by name.
	Op(entry string) (Op, bool)
}

// PayloadValidator is implemented by handlers that check payloads at
// fire-time.
type PayloadValidator interface {
	ValidatePayload(entry string, payload json.RawMessage) error
}

// ChainPlan is the admission-control view of a chain about to be committed.
type ChainPlan struct {
	Label    string                 `json:"label"`
	Locks    []string               `json:"locks"`
	Steps    []*Transaction         `json:"steps"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Admission decides whether a chain may be committed.
type Admission interface {
	Admit(ctx context.Context, plan *ChainPlan) error
}

// Recorder receives engine metrics.
type Recorder interface {
	TransactionFinished(txType TransactionType, state State, duration time.Duration)
	ChainFinished(state ChainState)
	QueueDepth(node int64, depth int)
	WorkersBusy(n int)
	LockWait(duration time.Duration)
	Retry(cmd string)
}

type nopRecorder struct{}

func (nopRecorder) TransactionFinished(TransactionType, State, time.Duration) {}
func (nopRecorder) ChainFinished(ChainState)                                   {}
func (nopRecorder) QueueDepth(int64, int)                                      {}
func (nopRecorder) WorkersBusy(int)                                            {}
func (nopRecorder) LockWait(time.Duration)                                     {}
func (nopRecorder) Retry(string)                                               {}
