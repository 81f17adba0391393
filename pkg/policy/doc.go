// Package policy provides Rego based admission control for transaction
// chains, built on Open Policy Agent.
//
// # Overview
//
// An Engine is installed on the chain builder as its engine.Admission. When
// a chain is committed, the builder hands over an engine.ChainPlan holding
// the chain label, the held locks, the staged steps and the chain metadata.
// Every enabled policy is evaluated against it and the chain is rejected
// if any violation is blocking.
//
// # Writing Policies
//
// A policy is a Rego module with a deny set. Elements are either a message
// or an object with message, severity and resource:
//
//	package vpsfleet.policies.weekend
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.chain.label == "Migrate"
//	    input.context.weekday in {0, 6}
//	    violation := {
//	        "message": "migrations are not scheduled on weekends",
//	        "severity": "error",
//	    }
//	}
//
// The input document is:
//
//	{
//	  "chain": {"label": ..., "locks": [...], "steps": [...], "metadata": {...}},
//	  "context": {"node": ..., "timestamp": ..., "weekday": ...}
//	}
//
// Steps use the transaction JSON layout (type, node, vps, payload, urgent,
// patches, ...).
//
// # Severity Levels
//
//   - info and warning: logged, the chain is committed
//   - error and critical: the chain is rejected with a POLICY_VIOLATION
//     validation error
//
// Policies loaded from .rego files default to warning. A leading
// "# severity: error" comment changes that; .json files carry the whole
// Policy structure.
//
// # Builtin Policies
//
//   - lock-coverage: steps targeting a VPS require its lock
//   - step-targets: every step names a node
//   - migration-transfer: a migration does not destroy its source before a
//     dataset transfer
//   - chain-size: chains above 500 steps are reported
//
// # Hot Reload
//
// Loader.Watch reloads policy files on change:
//
//	go loader.Watch(ctx, paths, func() error {
//	    return eng.ReloadPolicies(ctx, paths)
//	})
package policy
