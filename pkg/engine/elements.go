package engine

import (
	"context"
	"time"

	"github.com/openfroyo/hostmanager/pkg/telemetry"
)

// CreateRequest describes a new element.
type CreateRequest struct {
	Type   TypeName   `json:"type"`
	Owner  string     `json:"owner"`
	Parent ID         `json:"parent,omitempty"`
	Attrs  Attributes `json:"attrs,omitempty"`

	// Timeout overrides the default lifetime of a top-level element.
	Timeout time.Time `json:"timeout,omitempty"`
}

// Create validates and provisions a new element in its type's creation state.
// Children inherit the owner of their parent when none is given.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (ElementInfo, error) {
	var info ElementInfo
	err := m.observe(ctx, KindElement, "create", req.Type, req.Parent, func(ctx context.Context) error {
		e, err := m.create(ctx, req)
		if err != nil {
			return err
		}
		info = e.Info()
		return nil
	})
	return info, err
}

func (m *Manager) create(ctx context.Context, req CreateRequest) (*Element, error) {
	table, driver, err := m.registry.Lookup(req.Type)
	if err != nil {
		return nil, err
	}
	if table.Kind != KindElement {
		return nil, NewCapabilityError("type is not an element type").WithType(req.Type)
	}

	unlock := m.locks.lock(req.Parent)
	defer unlock()

	var parent *Element
	var parentTable *CapabilityTable
	if req.Parent != 0 {
		p, ok := m.topology.Element(req.Parent)
		if !ok {
			return nil, NewNotFoundError("parent element not found").WithID(req.Parent)
		}
		if parentTable, err = m.registry.Table(p.Type); err != nil {
			return nil, err
		}
		parent = p
	}
	if err := checkAttachChild(parentTable, parent, req.Type, table); err != nil {
		return nil, err
	}

	state := table.InitialState()
	if parent != nil && table.Mirrors(parent.State) {
		state = parent.State
	}
	attrs, err := m.gate.ValidateBatch(table, req.Type, state, req.Attrs)
	if err != nil {
		return nil, err
	}
	attrs = m.gate.ApplyDefaults(table, attrs)

	owner := req.Owner
	if owner == "" && parent != nil {
		owner = parent.Owner
	}

	if err := m.admit(ctx, AdmissionRequest{
		Operation: "create",
		Owner:     owner,
		Kind:      KindElement,
		Type:      req.Type,
		State:     state,
		Attrs:     attrs,
		Target:    req.Parent,
		Peer:      peerOf(parent),
	}); err != nil {
		return nil, err
	}

	now := m.now()
	e := &Element{
		ID:        m.nextID(),
		Type:      req.Type,
		Owner:     owner,
		State:     state,
		Attrs:     attrs,
		Parent:    req.Parent,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if parent == nil {
		switch {
		case !req.Timeout.IsZero():
			e.Timeout = req.Timeout.UTC()
		case m.opts.DefaultLifetime > 0:
			e.Timeout = now.Add(m.opts.DefaultLifetime)
		}
	}

	h := newElementHandle(e, parent, nil, m.pool, m.logger)
	if parent != nil {
		h.siblings = m.topology.childrenOf(parent)
	}
	dctx, cancel := m.driverContext(ctx)
	err = telemetry.RecordDriverOperation(dctx, string(e.Type), "init", func() error {
		return driver.Init(dctx, h)
	})
	cancel()
	if err != nil {
		m.releaseAll(ctx, e.ID)
		return nil, classifyDriverError(err, h, "init")
	}
	e.Attrs = h.attrs

	if err := m.saveElement(ctx, e); err != nil {
		m.releaseAll(ctx, e.ID)
		return nil, err
	}
	m.topology.putElement(e)

	if parent != nil {
		p := parent.Clone()
		p.Children = append(p.Children, e.ID)
		p.UpdatedAt = now
		if err := m.saveElement(ctx, p); err != nil {
			m.topology.deleteElement(e.ID)
			if derr := m.deleteElementRecord(ctx, e); derr != nil {
				m.logger.Error().Err(derr).Int64("element_id", int64(e.ID)).Msg("Failed to roll back element record")
			}
			m.releaseAll(ctx, e.ID)
			return nil, err
		}
		m.topology.putElement(p)
	}

	m.logger.Info().
		Int64("element_id", int64(e.ID)).
		Str("type", string(e.Type)).
		Str("state", string(e.State)).
		Str("owner", e.Owner).
		Int64("parent_id", int64(e.Parent)).
		Msg("Element created")
	m.audit(ctx, AuditEntry{Owner: e.Owner, Target: e.ID, Type: e.Type, Op: "element.create", To: e.State})
	_ = m.events(ctx).PublishCreated(string(KindElement), int64(e.ID), string(e.Type), e.Owner, string(e.State))

	return e, nil
}

// Modify writes attributes after checking every key against the attribute
// gate. The batch is applied entirely or not at all.
func (m *Manager) Modify(ctx context.Context, id ID, attrs Attributes) (ElementInfo, error) {
	var info ElementInfo
	err := m.observe(ctx, KindElement, "modify", m.typeOfElement(id), id, func(ctx context.Context) error {
		e, err := m.modify(ctx, id, attrs)
		if err != nil {
			return err
		}
		info = e.Info()
		return nil
	})
	return info, err
}

func (m *Manager) modify(ctx context.Context, id ID, attrs Attributes) (*Element, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	e, ok := m.topology.Element(id)
	if !ok {
		return nil, NewNotFoundError("element not found").WithID(id)
	}
	table, driver, err := m.registry.Lookup(e.Type)
	if err != nil {
		return nil, err
	}

	changes, err := m.gate.ValidateBatch(table, e.Type, e.State, attrs)
	if err != nil {
		return nil, withID(err, id)
	}
	if len(changes) == 0 {
		return e, nil
	}

	if err := m.admit(ctx, AdmissionRequest{
		Operation: "modify",
		Owner:     e.Owner,
		Kind:      KindElement,
		Type:      e.Type,
		State:     e.State,
		Attrs:     e.Attrs.Clone(),
		Changes:   changes,
		Target:    id,
	}); err != nil {
		return nil, err
	}

	h := newElementHandle(e, m.parentOf(e), m.topology.childrenOf(e), m.pool, m.logger)
	for k, v := range changes {
		h.attrs[k] = v
	}

	if applier, ok := driver.(AttributeApplier); ok {
		dctx, cancel := m.driverContext(ctx)
		err := telemetry.RecordDriverOperation(dctx, string(e.Type), "modify", func() error {
			return applier.ApplyAttributes(dctx, h, changes.Clone())
		})
		cancel()
		if err != nil {
			return nil, classifyDriverError(err, h, "modify")
		}
	}

	updated := e.Clone()
	updated.Attrs = h.attrs
	updated.UpdatedAt = m.now()
	if err := m.saveElement(ctx, updated); err != nil {
		return nil, err
	}
	m.topology.putElement(updated)

	keys := make([]string, 0, len(changes))
	for _, k := range changes.Keys() {
		keys = append(keys, string(k))
	}
	m.audit(ctx, AuditEntry{Owner: e.Owner, Target: id, Type: e.Type, Op: "element.modify", From: e.State, To: e.State})
	_ = m.events(ctx).PublishModified(string(KindElement), int64(id), string(e.Type), e.Owner, keys)

	return updated, nil
}

// Action invokes a declared action. On success the element enters the
// action's next state; on failure it stays in its current state. Invoking the
// removal action removes the element without cascading and returns its last
// view.
func (m *Manager) Action(ctx context.Context, id ID, action ActionName, args Args) (ElementInfo, error) {
	if action == RemoveAction {
		e, ok := m.topology.Element(id)
		if !ok {
			return ElementInfo{}, NewNotFoundError("element not found").WithID(id)
		}
		if err := m.Remove(ctx, id, false); err != nil {
			return ElementInfo{}, err
		}
		return e.Info(), nil
	}

	var info ElementInfo
	err := m.observe(ctx, KindElement, string(action), m.typeOfElement(id), id, func(ctx context.Context) error {
		e, err := m.action(ctx, id, action, args)
		if err != nil {
			return err
		}
		info = e.Info()
		return nil
	})
	return info, err
}

func (m *Manager) action(ctx context.Context, id ID, action ActionName, args Args) (*Element, error) {
	unlock, err := m.lockStable(func() []ID {
		e, ok := m.topology.Element(id)
		if !ok {
			return []ID{id}
		}
		return append([]ID{id, e.Connection}, e.Children...)
	})
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, ok := m.topology.Element(id)
	if !ok {
		return nil, NewNotFoundError("element not found").WithID(id)
	}
	table, driver, err := m.registry.Lookup(e.Type)
	if err != nil {
		return nil, err
	}
	if err := m.dispatcher.Authorize(table, e.Type, e.State, action); err != nil {
		return nil, withID(err, id)
	}

	if err := m.admit(ctx, AdmissionRequest{
		Operation: "action",
		Owner:     e.Owner,
		Kind:      KindElement,
		Type:      e.Type,
		State:     e.State,
		Action:    action,
		Attrs:     e.Attrs.Clone(),
		Target:    id,
	}); err != nil {
		return nil, err
	}

	children := m.topology.childrenOf(e)
	targets := wiringTargets(e, children)
	next, hasNext := table.Transition(action)
	leaving := hasNext && table.Linked(e.State) && !table.Linked(next)

	// Attachments whose concept does not apply in the next state are torn
	// down first; they are restored if the driver fails.
	var dropped []attachment
	if hasNext && next != e.State {
		dropped, err = m.detachInapplicable(ctx, e, next)
		if err != nil {
			return nil, err
		}
	}

	if leaving {
		if err := m.unwireAll(ctx, targets); err != nil {
			m.restoreAttachments(ctx, dropped)
			_ = m.syncLinks(ctx, targets)
			return nil, err
		}
	}

	e, _ = m.topology.Element(id)
	h := newElementHandle(e, m.parentOf(e), children, m.pool, m.logger)
	dctx, cancel := m.driverContext(ctx)
	state, err := m.dispatcher.Invoke(dctx, table, driver, h, action, args)
	cancel()
	if err != nil {
		m.restoreAttachments(ctx, dropped)
		_ = m.syncLinks(ctx, targets)
		return nil, err
	}

	updated := e.Clone()
	updated.State = state
	updated.Attrs = h.attrs
	updated.UpdatedAt = m.now()
	if err := m.saveElement(ctx, updated); err != nil {
		m.restoreAttachments(ctx, dropped)
		_ = m.syncLinks(ctx, targets)
		return nil, err
	}
	m.topology.putElement(updated)
	if state != e.State {
		m.mirrorChildren(ctx, updated, action)
	}

	// Wiring failures after the transition are reported but do not fail the
	// action; the element is already in its new state.
	if err := m.syncLinks(ctx, targets); err != nil {
		m.logger.Warn().Err(err).Int64("element_id", int64(id)).Str("action", string(action)).
			Msg("Element changed state but interface wiring is incomplete")
	}

	m.logger.Info().
		Int64("element_id", int64(id)).
		Str("type", string(e.Type)).
		Str("owner", e.Owner).
		Str("action", string(action)).
		Str("from", string(e.State)).
		Str("state", string(state)).
		Msg("Action completed")
	m.audit(ctx, AuditEntry{Owner: e.Owner, Target: id, Type: e.Type, Op: "element.action", Action: action, From: e.State, To: state})
	if state != e.State {
		_ = m.events(ctx).PublishStateChanged(string(KindElement), int64(id), string(e.Type), e.Owner, string(action), string(e.State), string(state))
	}

	latest, _ := m.topology.Element(id)
	return latest, nil
}

// mirrorChildren moves the children following parent into its new state. The
// caller holds the locks of parent and its children. A child that cannot be
// stored keeps its old state and is logged; the parent transition stands.
func (m *Manager) mirrorChildren(ctx context.Context, parent *Element, action ActionName) {
	for _, c := range m.topology.childrenOf(parent) {
		table, err := m.registry.Table(c.Type)
		if err != nil || !table.Mirrors(parent.State) || c.State == parent.State {
			continue
		}
		updated := c.Clone()
		updated.State = parent.State
		updated.UpdatedAt = m.now()
		if err := m.saveElement(ctx, updated); err != nil {
			m.logger.Error().Err(err).
				Int64("element_id", int64(c.ID)).
				Int64("parent_id", int64(parent.ID)).
				Str("state", string(parent.State)).
				Msg("Failed to store state of child following its parent")
			continue
		}
		m.topology.putElement(updated)
		m.audit(ctx, AuditEntry{Owner: c.Owner, Target: c.ID, Type: c.Type, Op: "element.follow", Action: action, From: c.State, To: updated.State})
		_ = m.events(ctx).PublishStateChanged(string(KindElement), int64(c.ID), string(c.Type), c.Owner, string(action), string(c.State), string(updated.State))
	}
}

// Renew moves the timeout of a top-level element.
func (m *Manager) Renew(ctx context.Context, id ID, timeout time.Time) (ElementInfo, error) {
	var info ElementInfo
	err := m.observe(ctx, KindElement, "renew", m.typeOfElement(id), id, func(ctx context.Context) error {
		unlock := m.locks.lock(id)
		defer unlock()

		e, ok := m.topology.Element(id)
		if !ok {
			return NewNotFoundError("element not found").WithID(id)
		}
		if e.Parent != 0 {
			return NewCapabilityError("only top-level elements carry a timeout").WithID(id).WithType(e.Type)
		}

		updated := e.Clone()
		updated.Timeout = timeout.UTC()
		updated.UpdatedAt = m.now()
		if err := m.saveElement(ctx, updated); err != nil {
			return err
		}
		m.topology.putElement(updated)
		m.audit(ctx, AuditEntry{Owner: e.Owner, Target: id, Type: e.Type, Op: "element.renew", From: e.State, To: e.State})
		info = updated.Info()
		return nil
	})
	return info, err
}

// Info returns the settled view of an element. It takes no lock.
func (m *Manager) Info(id ID) (ElementInfo, error) {
	e, ok := m.topology.Element(id)
	if !ok {
		return ElementInfo{}, NewNotFoundError("element not found").WithID(id)
	}
	return e.Info(), nil
}

// List returns the elements matching filter ordered by id.
func (m *Manager) List(filter ElementFilter) []ElementInfo {
	elements := m.topology.Elements(filter)
	out := make([]ElementInfo, 0, len(elements))
	for _, e := range elements {
		out = append(out, e.Info())
	}
	return out
}
