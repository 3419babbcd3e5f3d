package policy

import (
	"time"

	"github.com/openfroyo/hostmanager/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that are reported but never deny.
	SeverityWarning Severity = "warning"

	// SeverityError denies the operation.
	SeverityError Severity = "error"

	// SeverityCritical denies the operation.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny an operation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The policy must define a deny set
	// whose members are strings or objects with message and severity keys.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that carry none.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata, such as its source file.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Details contains any extra keys of the violation object.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Decision is the outcome of evaluating all enabled policies for one request.
type Decision struct {
	// Allowed is false when at least one blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of the policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Reasons returns the messages of the blocking violations.
func (d *Decision) Reasons() []string {
	reasons := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		reasons = append(reasons, v.Message)
	}
	return reasons
}

// Input is the document policies see as input. The request fields are
// inlined, so policies read input.operation, input.owner, input.attrs and so
// on directly.
type Input struct {
	engine.AdmissionRequest
	Context Context `json:"context"`
}

// Context carries evaluation metadata.
type Context struct {
	Timestamp time.Time `json:"timestamp"`
	DryRun    bool      `json:"dry_run"`
}

// Limits are site-wide numbers exposed to policies as data.hostmgr.limits.
type Limits struct {
	// MaxRAM caps the ram attribute of any element, in megabytes. Zero disables the check.
	MaxRAM float64 `json:"max_ram" yaml:"max_ram" mapstructure:"max_ram" validate:"gte=0"`

	// MaxCPUs caps the cpus attribute of any element. Zero disables the check.
	MaxCPUs float64 `json:"max_cpus" yaml:"max_cpus" mapstructure:"max_cpus" validate:"gte=0"`

	// ReservedOwners may not be used as element owners.
	ReservedOwners []string `json:"reserved_owners" yaml:"reserved_owners" mapstructure:"reserved_owners"`
}

// Bundle represents a collection of related policies shipped as one JSON file.
type Bundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}
