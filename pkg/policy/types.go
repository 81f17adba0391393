package policy

import (
	"time"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are logged but do not block a chain.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the chain.
	SeverityError Severity = "error"

	// SeverityCritical blocks the chain.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects the chain.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy module. Its deny set is evaluated.
	Rego string `json:"rego"`

	// Severity is used for violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for builtins.
	Source string `json:"source,omitempty"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against a chain.
type Result struct {
	// Allowed is false if any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations are the blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are the non-blocking findings.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	Chain   *engine.ChainPlan `json:"chain"`
	Context *Context          `json:"context"`
}

// Context provides information about the evaluation itself.
type Context struct {
	// Node is the node whose daemon or operator CLI built the chain.
	Node int64 `json:"node,omitempty"`

	// Timestamp is when the evaluation is occurring, in unix seconds.
	Timestamp int64 `json:"timestamp"`

	// Weekday is 0 for Sunday.
	Weekday int `json:"weekday"`
}
