package engine

import (
	"context"
	"time"
)

// Driver performs the provisioning work of one type. The kernel validates
// every request against the type's capability table before a driver is called.
type Driver interface {
	// Init runs at creation after defaults are applied. It acquires external
	// resources (ids, ports) and may set internal attributes on the handle.
	// A failing Init leaves no element behind.
	Init(ctx context.Context, h *Handle) error

	// Handler returns the handler for a declared action. A declared action
	// without a handler is a registration defect.
	Handler(action ActionName) (ActionHandler, bool)
}

// ActionHandler executes one action. Attribute changes made on the handle are
// kept only if the handler succeeds.
type ActionHandler func(ctx context.Context, h *Handle, args Args) error

// AttributeApplier is implemented by drivers that push attribute changes to
// running resources. It is called after the attribute gate accepted a batch.
type AttributeApplier interface {
	ApplyAttributes(ctx context.Context, h *Handle, changed Attributes) error
}

// Linker is implemented by connection drivers. Link wires an element's
// interface into the connection on the host and Unlink undoes it.
type Linker interface {
	Link(ctx context.Context, con *Handle, iface *Handle) error
	Unlink(ctx context.Context, con *Handle, iface *Handle) error
}

// Prerequisite is a host-side requirement of a type, for example an installed
// helper package. Types with failing prerequisites are not registered.
type Prerequisite interface {
	// Name describes the prerequisite for log output.
	Name() string

	// Check returns an error if the prerequisite is not met.
	Check(ctx context.Context) error
}

// ResourceKind names a pool of scarce per-host resources.
type ResourceKind string

const (
	ResourcePort ResourceKind = "port"
	ResourceVMID ResourceKind = "vmid"
)

// ResourcePool hands out scarce per-host resources to elements.
type ResourcePool interface {
	// Take checks out one resource of the given kind for holder.
	Take(ctx context.Context, kind ResourceKind, holder ID) (int, error)

	// Give returns a resource taken by holder.
	Give(ctx context.Context, kind ResourceKind, num int, holder ID) error

	// ReleaseAll returns every resource held by holder.
	ReleaseAll(ctx context.Context, holder ID) error
}

// StateStore persists element and connection records.
type StateStore interface {
	// SaveElement inserts or replaces an element record atomically.
	SaveElement(ctx context.Context, e *Element) error

	// DeleteElement removes an element record.
	DeleteElement(ctx context.Context, id ID) error

	// SaveConnection inserts or replaces a connection record atomically.
	SaveConnection(ctx context.Context, c *Connection) error

	// DeleteConnection removes a connection record.
	DeleteConnection(ctx context.Context, id ID) error

	// Load returns every stored record.
	Load(ctx context.Context) ([]*Element, []*Connection, error)

	// RecordAudit appends an audit entry for a state-changing operation.
	RecordAudit(ctx context.Context, entry AuditEntry) error
}

// AuditEntry records one state-changing operation.
type AuditEntry struct {
	Time     time.Time
	Owner    string
	Target   ID
	Type     TypeName
	Op       string
	Action   ActionName
	From     State
	To       State
	Result   string
	ErrorMsg string
}

// AdmissionRequest describes an operation submitted to admission control.
type AdmissionRequest struct {
	Operation string      `json:"operation"`
	Owner     string      `json:"owner"`
	Kind      Kind        `json:"kind"`
	Type      TypeName    `json:"type"`
	State     State       `json:"state"`
	Action    ActionName  `json:"action,omitempty"`
	Attrs     Attributes  `json:"attrs"`
	Changes   Attributes  `json:"changes,omitempty"`
	Target    ID          `json:"target,omitempty"`
	Peer      *PeerRecord `json:"peer,omitempty"`
}

// PeerRecord is the other side of a two-record operation such as attach.
type PeerRecord struct {
	ID    ID         `json:"id"`
	Type  TypeName   `json:"type"`
	State State      `json:"state"`
	Attrs Attributes `json:"attrs"`
}

// Admission decides whether an already capability-checked request may run.
type Admission interface {
	// Admit returns the denial reasons. An empty slice admits the request.
	Admit(ctx context.Context, req AdmissionRequest) ([]string, error)
}
