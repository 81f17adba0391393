package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	require.NoError(t, err)
	return eng
}

// migrationPlan is a reduced migration of VPS 101 from node 1 to node 2.
func migrationPlan() *engine.ChainPlan {
	return &engine.ChainPlan{
		Label: "Migrate",
		Locks: []string{"vps:101", "pool:2", "pool:1"},
		Steps: []*engine.Transaction{
			{Type: 3030, Node: 1, VPS: 101},
			{Type: 3001, Node: 2, VPS: 101},
			{Type: 5204, Node: 1, VPS: 101},
			{Type: 5205, Node: 1, VPS: 101},
			{Type: 1001, Node: 2, VPS: 101, Urgent: true},
			{Type: 3002, Node: 1, VPS: 101},
		},
		Metadata: map[string]interface{}{"vps": 101, "src_node": 1, "dst_node": 2},
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"chain-size", "lock-coverage", "migration-transfer", "step-targets"}, names)
}

func TestAdmitMigration(t *testing.T) {
	eng := newTestEngine(t)

	res, err := eng.Evaluate(context.Background(), migrationPlan())
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Empty(t, res.Violations)
	assert.Len(t, res.EvaluatedPolicies, 4)

	assert.NoError(t, eng.Admit(context.Background(), migrationPlan()))
}

func TestLockCoverage(t *testing.T) {
	eng := newTestEngine(t)

	plan := &engine.ChainPlan{
		Label: "Hostname",
		Steps: []*engine.Transaction{{Type: 2004, Node: 1, VPS: 101}},
	}

	res, err := eng.Evaluate(context.Background(), plan)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "lock-coverage", res.Violations[0].Policy)
	assert.Equal(t, SeverityError, res.Violations[0].Severity)
	assert.Equal(t, "vps:101", res.Violations[0].Resource)
	assert.Contains(t, res.Violations[0].Message, "without holding its lock")

	// Steps without a VPS need no lock.
	plan.Steps[0].VPS = 0
	res, err = eng.Evaluate(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestStepTargets(t *testing.T) {
	eng := newTestEngine(t)

	plan := &engine.ChainPlan{
		Label: "Noop",
		Steps: []*engine.Transaction{{Type: 10001}},
	}

	res, err := eng.Evaluate(context.Background(), plan)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "step-targets", res.Violations[0].Policy)
}

func TestMigrationTransfer(t *testing.T) {
	eng := newTestEngine(t)

	plan := migrationPlan()
	// destroy before the transfer
	plan.Steps[3], plan.Steps[5] = plan.Steps[5], plan.Steps[3]

	err := eng.Admit(context.Background(), plan)
	require.Error(t, err)
	assert.True(t, engine.IsValidation(err))

	var engErr *engine.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, engine.ErrCodePolicy, engErr.Code)
	assert.Contains(t, engErr.Message, "before any dataset transfer")

	violations, ok := engErr.Details["violations"].([]Violation)
	require.True(t, ok)
	require.Len(t, violations, 1)
	assert.Equal(t, SeverityCritical, violations[0].Severity)
	assert.Equal(t, "vps:101", violations[0].Resource)

	// Without migration metadata the rule does not apply.
	plan.Metadata = nil
	assert.NoError(t, eng.Admit(context.Background(), plan))
}

func TestChainSizeWarns(t *testing.T) {
	eng := newTestEngine(t)

	plan := &engine.ChainPlan{Label: "Bulk"}
	for i := 0; i < 501; i++ {
		plan.Steps = append(plan.Steps, &engine.Transaction{Type: 10001, Node: 1})
	}

	res, err := eng.Evaluate(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "chain-size", res.Warnings[0].Policy)
	assert.Equal(t, SeverityWarning, res.Warnings[0].Severity)
	assert.Equal(t, "chain Bulk has 501 steps", res.Warnings[0].Message)

	assert.NoError(t, eng.Admit(context.Background(), plan))
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	plan := &engine.ChainPlan{Steps: []*engine.Transaction{{Type: 10001}}}

	require.NoError(t, eng.DisablePolicy("step-targets"))
	res, err := eng.Evaluate(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.NotContains(t, res.EvaluatedPolicies, "step-targets")

	require.NoError(t, eng.EnablePolicy("step-targets"))
	res, err = eng.Evaluate(context.Background(), plan)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	assert.Error(t, eng.DisablePolicy("missing"))
}

const weekendPolicy = `# Migrations wait for the weekend.
# severity: error
package vpsfleet.policies.custom

import rego.v1

deny contains msg if {
	input.chain.label == "Migrate"
	input.context.node == 7
	msg := "migrations are disabled on node 7"
}
`

func TestLoadPoliciesFromFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weekend.rego"), []byte(weekendPolicy), 0o644))

	eng := newTestEngine(t)
	eng.SetNode(7)
	require.NoError(t, eng.LoadPolicies(context.Background(), []string{dir}))

	p, err := eng.GetPolicy("weekend")
	require.NoError(t, err)
	assert.Equal(t, SeverityError, p.Severity)
	assert.Equal(t, "Migrations wait for the weekend.", p.Description)

	err = eng.Admit(context.Background(), migrationPlan())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrations are disabled on node 7")

	eng.SetNode(1)
	assert.NoError(t, eng.Admit(context.Background(), migrationPlan()))
}

func TestLoadPoliciesRejectsInvalidRego(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.rego")
	require.NoError(t, os.WriteFile(path, []byte("package broken\n\ndeny contains if {"), 0o644))

	eng := newTestEngine(t)
	assert.Error(t, eng.LoadPolicies(context.Background(), []string{path}))
	_, err := eng.GetPolicy("broken")
	assert.Error(t, err)
}

func TestReloadPolicies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weekend.rego")
	require.NoError(t, os.WriteFile(path, []byte(weekendPolicy), 0o644))

	eng := newTestEngine(t)
	require.NoError(t, eng.LoadPolicies(context.Background(), []string{dir}))
	require.Len(t, eng.ListPolicies(), 5)

	require.NoError(t, os.Remove(path))
	require.NoError(t, eng.ReloadPolicies(context.Background(), []string{dir}))
	assert.Len(t, eng.ListPolicies(), 4)
}
