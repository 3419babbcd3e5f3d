// Package policy provides Open Policy Agent (OPA) admission control for the
// host manager.
//
// The Engine implements engine.Admission: the manager hands it every request
// that already passed the capability checks, and the engine runs each enabled
// Rego policy against it. Violations with severity error or critical deny the
// request; info and warning violations are logged only.
//
// # Input
//
// Policies see the admission request as input:
//
//	{
//	    "operation": "create",          # create, modify, action, remove, attach, detach
//	    "owner": "alice",
//	    "kind": "element",              # or "connection"
//	    "type": "kvmqm",
//	    "state": "created",
//	    "action": "start",              # action requests only
//	    "attrs": {"ram": 256},          # current or initial attributes
//	    "changes": {"ram": 512},        # modify requests only
//	    "target": 7,
//	    "peer": {"id": 3, "type": "kvmqm_interface", "state": "created", "attrs": {}},
//	    "context": {"timestamp": "...", "dry_run": false}
//	}
//
// Site limits are available as data.hostmgr.limits (max_ram, max_cpus,
// reserved_owners) and can be changed at runtime with SetLimits.
//
// # Writing Policies
//
// A policy defines a deny set. Members are strings or objects with a message
// and an optional severity:
//
//	package site.policies.nokvm
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.operation == "create"
//	    input.type == "kvmqm"
//	    violation := {
//	        "message": "full virtualization is not offered on this host",
//	        "severity": "error",
//	    }
//	}
//
// # Built-in Policies
//
//  1. owner-required - new elements and connections need a non-reserved owner
//  2. resource-limits - ram and cpus are capped at the site limits
//  3. link-emulation - warns about extreme delay or loss on connections
//
// # Hot Reload
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return eng.SetPolicies(ctx, policies)
//	})
//
// SetPolicies compiles the whole set before swapping it in, so a broken file
// leaves the previously loaded policies active.
package policy
