package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		lockCoveragePolicy(),
		stepTargetsPolicy(),
		migrationTransferPolicy(),
		chainSizePolicy(),
	}
}

// lockCoveragePolicy requires a chain to hold the lock of every VPS it
// touches.
func lockCoveragePolicy() Policy {
	return Policy{
		Name:        "lock-coverage",
		Description: "Steps targeting a VPS require the chain to hold its lock",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"locks"},
		Rego: `package vpsfleet.policies.locks

import rego.v1

deny contains violation if {
	some i
	step := input.chain.steps[i]
	step.vps > 0
	key := sprintf("vps:%v", [step.vps])
	not held(key)
	violation := {
		"message": sprintf("step %v (type %v) targets vps %v without holding its lock", [i, step.type, step.vps]),
		"severity": "error",
		"resource": key,
	}
}

held(key) if {
	some l in input.chain.locks
	l == key
}
`,
	}
}

// stepTargetsPolicy rejects steps without an executing node.
func stepTargetsPolicy() Policy {
	return Policy{
		Name:        "step-targets",
		Description: "Every step must name the node that executes it",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"nodes"},
		Rego: `package vpsfleet.policies.targets

import rego.v1

deny contains violation if {
	some i
	step := input.chain.steps[i]
	not step.node > 0
	violation := {
		"message": sprintf("step %v (type %v) has no node", [i, step.type]),
		"severity": "error",
	}
}
`,
	}
}

// migrationTransferPolicy refuses to destroy the source of a migration
// unless its data was transferred first.
func migrationTransferPolicy() Policy {
	return Policy{
		Name:        "migration-transfer",
		Description: "A migration may destroy the source VPS only after a dataset transfer",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"migration", "storage"},
		Rego: `package vpsfleet.policies.migration

import rego.v1

transfer := 5205

destroy := 3002

deny contains violation if {
	input.chain.metadata.src_node
	some i
	input.chain.steps[i].type == destroy
	not transferred_before(i)
	violation := {
		"message": sprintf("step %v destroys vps %v before any dataset transfer", [i, input.chain.steps[i].vps]),
		"severity": "critical",
		"resource": sprintf("vps:%v", [input.chain.steps[i].vps]),
	}
}

transferred_before(i) if {
	some j
	input.chain.steps[j].type == transfer
	j < i
}
`,
	}
}

// chainSizePolicy warns about unusually long chains.
func chainSizePolicy() Policy {
	return Policy{
		Name:        "chain-size",
		Description: "Chains with more than 500 steps are reported",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"limits"},
		Rego: `package vpsfleet.policies.size

import rego.v1

deny contains violation if {
	n := count(input.chain.steps)
	n > 500
	violation := sprintf("chain %v has %v steps", [input.chain.label, n])
}
`,
	}
}
