package policy

import (
	"time"
)

// BuiltinPolicies returns all built-in policies.
func BuiltinPolicies() []Policy {
	return []Policy{
		ownerPolicy(),
		resourceLimitsPolicy(),
		linkEmulationPolicy(),
	}
}

// ownerPolicy requires every new element and connection to have an owner
// that is not reserved by the site.
func ownerPolicy() Policy {
	return Policy{
		Name:        "owner-required",
		Description: "New elements and connections need a non-reserved owner",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"ownership"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package hostmgr.policies.owner

import rego.v1

deny contains violation if {
	input.operation == "create"
	input.owner == ""
	violation := {
		"message": sprintf("%s %s must have an owner", [input.kind, input.type]),
		"severity": "error",
	}
}

deny contains violation if {
	input.operation == "create"
	some reserved in data.hostmgr.limits.reserved_owners
	input.owner == reserved
	violation := {
		"message": sprintf("owner '%s' is reserved", [input.owner]),
		"severity": "error",
		"owner": input.owner,
	}
}
`,
	}
}

// resourceLimitsPolicy caps the ram and cpus attributes at the site limits.
// A limit of zero disables its check.
func resourceLimitsPolicy() Policy {
	return Policy{
		Name:        "resource-limits",
		Description: "Caps requested ram and cpus at the site limits",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"limits", "capacity"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package hostmgr.policies.limits

import rego.v1

current := input.attrs if {
	is_object(input.attrs)
} else := {}

changes := input.changes if {
	is_object(input.changes)
} else := {}

proposed := object.union(current, changes)

checked contains "ram" if data.hostmgr.limits.max_ram > 0

checked contains "cpus" if data.hostmgr.limits.max_cpus > 0

limit("ram") := data.hostmgr.limits.max_ram

limit("cpus") := data.hostmgr.limits.max_cpus

deny contains violation if {
	input.operation in {"create", "modify"}
	some attr in checked
	value := proposed[attr]
	is_number(value)
	value > limit(attr)
	violation := {
		"message": sprintf("%s %v exceeds the site limit of %v", [attr, value, limit(attr)]),
		"severity": "error",
		"attribute": attr,
	}
}
`,
	}
}

// linkEmulationPolicy warns about link emulation settings that make a
// connection practically unusable.
func linkEmulationPolicy() Policy {
	return Policy{
		Name:        "link-emulation",
		Description: "Warns about extreme delay or loss on connections",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"network"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package hostmgr.policies.emulation

import rego.v1

current := input.attrs if {
	is_object(input.attrs)
} else := {}

changes := input.changes if {
	is_object(input.changes)
} else := {}

proposed := object.union(current, changes)

deny contains violation if {
	input.kind == "connection"
	some attr in {"delay_to", "delay_from"}
	delay := proposed[attr]
	is_number(delay)
	delay > 10000
	violation := {
		"message": sprintf("%s of %vms will time out most protocols", [attr, delay]),
		"severity": "warning",
	}
}

deny contains violation if {
	input.kind == "connection"
	some attr in {"lossratio_to", "lossratio_from"}
	loss := proposed[attr]
	is_number(loss)
	loss >= 0.5
	violation := {
		"message": sprintf("%s of %v drops most packets", [attr, loss]),
		"severity": "warning",
	}
}
`,
	}
}
