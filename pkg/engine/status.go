package engine

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle state of a transaction.
type State string

const (
	// StateQueued indicates the transaction waits for its dependency or a worker.
	StateQueued State = "queued"

	// StateRunning indicates a worker has claimed the transaction.
	StateRunning State = "running"

	// StateDoneOK indicates the handler finished successfully.
	StateDoneOK State = "done_ok"

	// StateDoneWarning indicates the handler finished with a warning.
	StateDoneWarning State = "done_warning"

	// StateFailed indicates the handler failed.
	StateFailed State = "failed"

	// StateDependencyFailed indicates the transaction never ran because
	// its dependency did not succeed.
	StateDependencyFailed State = "dependency_failed"

	// StateKilled indicates the transaction was administratively cancelled.
	StateKilled State = "killed"
)

// IsTerminal returns true if the state is final.
func (s State) IsTerminal() bool {
	switch s {
	case StateDoneOK, StateDoneWarning, StateFailed, StateDependencyFailed, StateKilled:
		return true
	default:
		return false
	}
}

// IsSuccess returns true for done_ok and done_warning.
func (s State) IsSuccess() bool {
	return s == StateDoneOK || s == StateDoneWarning
}

// IsFailure returns true for terminal states that do not satisfy dependents.
func (s State) IsFailure() bool {
	return s == StateFailed || s == StateDependencyFailed || s == StateKilled
}

// Success returns the t_success column value for the state.
func (s State) Success() Success {
	switch s {
	case StateDoneOK:
		return SuccessOK
	case StateDoneWarning:
		return SuccessWarning
	default:
		return SuccessFailed
	}
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateQueued, StateRunning, StateDoneOK, StateDoneWarning,
		StateFailed, StateDependencyFailed, StateKilled:
		return nil
	default:
		return fmt.Errorf("invalid transaction state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = State(str)
	return s.Validate()
}

// Success mirrors the persisted t_success column.
type Success int

const (
	SuccessFailed  Success = 0
	SuccessOK      Success = 1
	SuccessWarning Success = 2
)

// Direction tells whether a row runs a handler's exec or rollback entry.
type Direction string

const (
	// DirectionExec is a forward step.
	DirectionExec Direction = "exec"

	// DirectionRollback is a compensation appended by the rollback engine.
	DirectionRollback Direction = "rollback"
)

// ChainState is the state machine of a committed chain.
type ChainState string

const (
	ChainExecuting      ChainState = "executing"
	ChainCompleted      ChainState = "completed"
	ChainFailed         ChainState = "failed"
	ChainRollingBack    ChainState = "rolling_back"
	ChainRolledBack     ChainState = "rolled_back"
	ChainRollbackFailed ChainState = "rollback_failed"
)

// IsTerminal returns true if the chain will not change state any more.
func (s ChainState) IsTerminal() bool {
	switch s {
	case ChainCompleted, ChainFailed, ChainRolledBack, ChainRollbackFailed:
		return true
	default:
		return false
	}
}

// Validate checks if the chain state is valid.
func (s ChainState) Validate() error {
	switch s {
	case ChainExecuting, ChainCompleted, ChainFailed, ChainRollingBack,
		ChainRolledBack, ChainRollbackFailed:
		return nil
	default:
		return fmt.Errorf("invalid chain state: %s", s)
	}
}

// ResultStatus is what a handler reports on success.
type ResultStatus string

const (
	ResultOK      ResultStatus = "ok"
	ResultWarning ResultStatus = "warning"
)

// Validate checks if the result status is one a handler may return.
func (s ResultStatus) Validate() error {
	switch s {
	case ResultOK, ResultWarning:
		return nil
	default:
		return fmt.Errorf("invalid result status: %q", string(s))
	}
}

// WorkerStatus is the externally visible state of a dispatcher worker.
type WorkerStatus string

const (
	WorkerIdle   WorkerStatus = "idle"
	WorkerBusy   WorkerStatus = "busy"
	WorkerKilled WorkerStatus = "killed"
)
