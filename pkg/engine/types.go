package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TransactionType is the numeric code selecting a handler entry.
type TransactionType int

// String returns the decimal code.
func (t TransactionType) String() string {
	return fmt.Sprintf("%d", int(t))
}

// Transaction is one atomic unit of orchestrated work.
type Transaction struct {
	// ID is assigned by the store on commit.
	ID int64 `json:"id"`

	// Type selects the handler entry point.
	Type TransactionType `json:"type"`

	// Node is the node that executes the transaction.
	Node int64 `json:"node"`

	// VPS is the optional target resource.
	VPS int64 `json:"vps,omitempty"`

	// UserID is the user on whose behalf the transaction runs.
	UserID int64 `json:"user_id,omitempty"`

	// Payload holds handler-specific parameters.
	Payload json.RawMessage `json:"payload"`

	// DependsOn is the id of the transaction that must succeed first, 0 for none.
	DependsOn int64 `json:"depends_on,omitempty"`

	// Urgent transactions are served before non-urgent ones on the same node.
	Urgent bool `json:"urgent"`

	// Priority orders ready transactions of equal urgency.
	Priority int `json:"priority"`

	// State is the lifecycle state.
	State State `json:"state"`

	// Output is the handler output merged with error detail, written once.
	Output json.RawMessage `json:"output,omitempty"`

	// Fallback is the replacement chain enqueued when this transaction fails.
	Fallback *Fallback `json:"fallback,omitempty"`

	// ChainID is the chain the transaction belongs to, empty for lone transactions.
	ChainID string `json:"chain_id,omitempty"`

	// Direction tells whether the exec or rollback entry runs.
	Direction Direction `json:"direction"`

	// Origin is the forward transaction a compensation undoes.
	Origin int64 `json:"origin,omitempty"`

	// RolledBack is set on a forward step once its compensation succeeded.
	RolledBack bool `json:"rolled_back,omitempty"`

	// Patches are database edits confirmed when the step succeeds.
	Patches []Patch `json:"patches,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// IsCompensation returns true for rows appended by the rollback engine.
func (t *Transaction) IsCompensation() bool {
	return t.Direction == DirectionRollback
}

// OutputMap decodes the persisted output.
func (t *Transaction) OutputMap() map[string]interface{} {
	out := make(map[string]interface{})
	if len(t.Output) > 0 {
		_ = json.Unmarshal(t.Output, &out)
	}
	return out
}

// Fallback is a caller-declared replacement chain. The JSON layout is the
// persisted t_fallback column.
type Fallback struct {
	Transactions []FallbackTransaction `json:"transactions"`
}

// Empty returns true if the fallback declares nothing.
func (f *Fallback) Empty() bool {
	return f == nil || len(f.Transactions) == 0
}

// FallbackTransaction is one row of a fallback chain.
type FallbackTransaction struct {
	UserID    int64           `json:"t_m_id"`
	Node      int64           `json:"t_server"`
	VPS       int64           `json:"t_vps,omitempty"`
	Type      TransactionType `json:"t_type"`
	DependsOn int64           `json:"t_depends_on,omitempty"`
	Urgent    bool            `json:"t_urgent"`
	Priority  int             `json:"t_priority"`
	Params    json.RawMessage `json:"t_params,omitempty"`
}

// Patch is a single-column edit of applied database state. It is applied
// when its step succeeds and reverted when the step is compensated.
type Patch struct {
	Table    string      `json:"table"`
	RowID    int64       `json:"row_id"`
	Column   string      `json:"column"`
	Value    interface{} `json:"value"`
	Previous interface{} `json:"previous"`
}

// Reverse returns the patch that undoes p.
func (p Patch) Reverse() Patch {
	return Patch{
		Table:    p.Table,
		RowID:    p.RowID,
		Column:   p.Column,
		Value:    p.Previous,
		Previous: p.Value,
	}
}

// ChainRecord is the persisted view of a committed chain.
type ChainRecord struct {
	ID             string                 `json:"id"`
	Label          string                 `json:"label,omitempty"`
	State          ChainState             `json:"state"`
	NoRollback     bool                   `json:"no_rollback,omitempty"`
	UrgentRollback bool                   `json:"urgent_rollback,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	FinishedAt     *time.Time             `json:"finished_at,omitempty"`
}

// Resource identifies a lockable fleet object.
type Resource struct {
	Kind string
	ID   int64
}

// Key returns the lock registry key, e.g. "vps:101".
func (r Resource) Key() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// Lock is a held resource lock.
type Lock struct {
	Resource   string    `json:"resource"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Outcome is the terminal result written to a transaction row.
type Outcome struct {
	State      State
	Output     map[string]interface{}
	StartedAt  time.Time
	FinishedAt time.Time
}

// Node is a registered fleet node.
type Node struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	Location  int64  `json:"location"`
	Addr      string `json:"addr"`
	MaxVPS    int    `json:"max_vps,omitempty"`
	VEPrivate string `json:"ve_private,omitempty"`
	FSType    string `json:"fstype,omitempty"`
}

// Result is what a handler entry returns on success.
type Result struct {
	Status ResultStatus
	Output map[string]interface{}
}

// OK returns a successful result.
func OK(output map[string]interface{}) *Result {
	return &Result{Status: ResultOK, Output: output}
}

// Warning returns a successful result that carries a warning.
func Warning(output map[string]interface{}) *Result {
	return &Result{Status: ResultWarning, Output: output}
}

// Job is the execution context handed to a handler entry.
type Job struct {
	Tx    *Transaction
	Entry string

	mu     sync.Mutex
	step   string
	killed atomic.Bool
	silent atomic.Bool
	output map[string]interface{}
}

// NewJob creates a job for the given transaction and entry.
func NewJob(tx *Transaction, entry string) *Job {
	return &Job{Tx: tx, Entry: entry, output: make(map[string]interface{})}
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v interface{}) error {
	if len(j.Tx.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(j.Tx.Payload, v)
}

// SetStep records the current execution step for status reports.
func (j *Job) SetStep(step string) {
	j.mu.Lock()
	j.step = step
	j.mu.Unlock()
}

// Step returns the current execution step.
func (j *Job) Step() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.step
}

// Set stores an output field that is persisted even if the entry fails.
func (j *Job) Set(key string, value interface{}) {
	j.mu.Lock()
	j.output[key] = value
	j.mu.Unlock()
}

// Output returns a copy of the fields stored with Set.
func (j *Job) Output() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]interface{}, len(j.output))
	for k, v := range j.output {
		out[k] = v
	}
	return out
}

// Kill marks the job as killed. Handlers may poll Killed between steps.
// A silent kill does not enqueue the transaction's fallback.
func (j *Job) Kill(silent bool) {
	if silent {
		j.silent.Store(true)
	}
	j.killed.Store(true)
}

// KilledSilently reports whether the job was killed without fallback.
func (j *Job) KilledSilently() bool {
	return j.killed.Load() && j.silent.Load()
}

// Killed reports whether the job was killed.
func (j *Job) Killed() bool {
	return j.killed.Load()
}
