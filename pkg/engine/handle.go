package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
)

// Handle is the driver's view of one element or connection during a call. It
// carries a working copy of the attributes; the kernel keeps the copy only if
// the driver call succeeds.
type Handle struct {
	id       ID
	typeName TypeName
	kind     Kind
	owner    string
	state    State
	attrs    Attributes

	parent   *Element
	children []*Element
	siblings []*Element
	peers    []*Element

	pool   ResourcePool
	logger zerolog.Logger
}

func newElementHandle(e *Element, parent *Element, children []*Element, pool ResourcePool, logger zerolog.Logger) *Handle {
	return &Handle{
		id:       e.ID,
		typeName: e.Type,
		kind:     KindElement,
		owner:    e.Owner,
		state:    e.State,
		attrs:    e.Attrs.Clone(),
		parent:   parent,
		children: children,
		pool:     pool,
		logger:   logger.With().Int64("element_id", int64(e.ID)).Str("type", string(e.Type)).Logger(),
	}
}

func newConnectionHandle(c *Connection, members []*Element, pool ResourcePool, logger zerolog.Logger) *Handle {
	return &Handle{
		id:       c.ID,
		typeName: c.Type,
		kind:     KindConnection,
		owner:    c.Owner,
		state:    c.State,
		attrs:    c.Attrs.Clone(),
		peers:    members,
		pool:     pool,
		logger:   logger.With().Int64("connection_id", int64(c.ID)).Str("type", string(c.Type)).Logger(),
	}
}

// ID returns the record id.
func (h *Handle) ID() ID { return h.id }

// Type returns the record type.
func (h *Handle) Type() TypeName { return h.typeName }

// Kind returns element or connection.
func (h *Handle) Kind() Kind { return h.kind }

// Owner returns the owner reference.
func (h *Handle) Owner() string { return h.owner }

// State returns the state the record was in when the call started.
func (h *Handle) State() State { return h.state }

// Logger returns a logger carrying the record id and type.
func (h *Handle) Logger() zerolog.Logger { return h.logger }

// Attr returns an attribute value.
func (h *Handle) Attr(k AttrName) (interface{}, bool) {
	v, ok := h.attrs[k]
	return v, ok
}

// String returns a string attribute or "".
func (h *Handle) String(k AttrName) string {
	s, _ := h.attrs[k].(string)
	return s
}

// Float returns a numeric attribute or 0.
func (h *Handle) Float(k AttrName) float64 {
	f, _ := h.attrs[k].(float64)
	return f
}

// Int returns a numeric attribute truncated to int.
func (h *Handle) Int(k AttrName) int {
	return int(h.Float(k))
}

// Bool returns a boolean attribute or false.
func (h *Handle) Bool(k AttrName) bool {
	b, _ := h.attrs[k].(bool)
	return b
}

// Strings returns a list attribute.
func (h *Handle) Strings(k AttrName) []string {
	l, _ := h.attrs[k].([]string)
	return slices.Clone(l)
}

// SetAttr sets an attribute without going through the attribute gate. Drivers
// use it for internal attributes such as allocated ids and ports.
func (h *Handle) SetAttr(k AttrName, v interface{}) error {
	nv, err := normalizeValue(v)
	if err != nil {
		return NewInternalError(fmt.Sprintf("driver set invalid value for %s", k), err).
			WithType(h.typeName).WithAttribute(k)
	}
	h.attrs[k] = nv
	return nil
}

// DeleteAttr removes an internal attribute.
func (h *Handle) DeleteAttr(k AttrName) {
	delete(h.attrs, k)
}

// Attrs returns a copy of the working attributes.
func (h *Handle) Attrs() Attributes {
	return h.attrs.Clone()
}

// Parent returns the parent element, if any.
func (h *Handle) Parent() (ElementInfo, bool) {
	if h.parent == nil {
		return ElementInfo{}, false
	}
	return h.parent.Info(), true
}

// Children returns the element's children in creation order.
func (h *Handle) Children() []ElementInfo {
	out := make([]ElementInfo, 0, len(h.children))
	for _, c := range h.children {
		out = append(out, c.Info())
	}
	return out
}

// Siblings returns the other children of the element's parent. It is only
// populated during Init.
func (h *Handle) Siblings() []ElementInfo {
	out := make([]ElementInfo, 0, len(h.siblings))
	for _, s := range h.siblings {
		out = append(out, s.Info())
	}
	return out
}

// Members returns the elements attached to a connection.
func (h *Handle) Members() []ElementInfo {
	out := make([]ElementInfo, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p.Info())
	}
	return out
}

// Take checks out a resource for this record.
func (h *Handle) Take(ctx context.Context, kind ResourceKind) (int, error) {
	if h.pool == nil {
		return 0, NewInternalError("no resource pool configured", nil).WithType(h.typeName)
	}
	n, err := h.pool.Take(ctx, kind, h.id)
	if err != nil {
		return 0, NewResourceError(fmt.Sprintf("failed to allocate %s", kind), err).
			WithCode(ErrCodeResourcesExhausted).WithType(h.typeName).WithID(h.id)
	}
	return n, nil
}

// Give returns a resource held by this record.
func (h *Handle) Give(ctx context.Context, kind ResourceKind, num int) error {
	if h.pool == nil {
		return nil
	}
	return h.pool.Give(ctx, kind, num, h.id)
}
