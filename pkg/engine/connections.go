package engine

import (
	"context"
	"fmt"

	"github.com/openfroyo/hostmanager/pkg/telemetry"
)

// ConnectionRequest describes a new connection.
type ConnectionRequest struct {
	Type  TypeName   `json:"type"`
	Owner string     `json:"owner"`
	Attrs Attributes `json:"attrs,omitempty"`
}

// CreateConnection validates and provisions a new connection.
func (m *Manager) CreateConnection(ctx context.Context, req ConnectionRequest) (ConnectionInfo, error) {
	var info ConnectionInfo
	err := m.observe(ctx, KindConnection, "create", req.Type, 0, func(ctx context.Context) error {
		table, driver, err := m.registry.Lookup(req.Type)
		if err != nil {
			return err
		}
		if table.Kind != KindConnection {
			return NewCapabilityError("type is not a connection type").WithType(req.Type)
		}

		state := table.InitialState()
		attrs, err := m.gate.ValidateBatch(table, req.Type, state, req.Attrs)
		if err != nil {
			return err
		}
		attrs = m.gate.ApplyDefaults(table, attrs)

		if err := m.admit(ctx, AdmissionRequest{
			Operation: "create",
			Owner:     req.Owner,
			Kind:      KindConnection,
			Type:      req.Type,
			State:     state,
			Attrs:     attrs,
		}); err != nil {
			return err
		}

		now := m.now()
		c := &Connection{
			ID:        m.nextID(),
			Type:      req.Type,
			Owner:     req.Owner,
			State:     state,
			Attrs:     attrs,
			CreatedAt: now,
			UpdatedAt: now,
		}

		h := newConnectionHandle(c, nil, m.pool, m.logger)
		dctx, cancel := m.driverContext(ctx)
		err = telemetry.RecordDriverOperation(dctx, string(c.Type), "init", func() error {
			return driver.Init(dctx, h)
		})
		cancel()
		if err != nil {
			m.releaseAll(ctx, c.ID)
			return classifyDriverError(err, h, "init")
		}
		c.Attrs = h.attrs

		if err := m.saveConnection(ctx, c); err != nil {
			m.releaseAll(ctx, c.ID)
			return err
		}
		m.topology.putConnection(c)

		m.logger.Info().Int64("connection_id", int64(c.ID)).Str("type", string(c.Type)).Str("owner", c.Owner).Msg("Connection created")
		m.audit(ctx, AuditEntry{Owner: c.Owner, Target: c.ID, Type: c.Type, Op: "connection.create", To: c.State})
		_ = m.events(ctx).PublishCreated(string(KindConnection), int64(c.ID), string(c.Type), c.Owner, string(c.State))

		info = c.Info()
		return nil
	})
	return info, err
}

// ModifyConnection writes connection attributes through the attribute gate.
func (m *Manager) ModifyConnection(ctx context.Context, id ID, attrs Attributes) (ConnectionInfo, error) {
	var info ConnectionInfo
	err := m.observe(ctx, KindConnection, "modify", m.typeOfConnection(id), id, func(ctx context.Context) error {
		unlock := m.locks.lock(id)
		defer unlock()

		c, ok := m.topology.Connection(id)
		if !ok {
			return NewNotFoundError("connection not found").WithID(id)
		}
		table, driver, err := m.registry.Lookup(c.Type)
		if err != nil {
			return err
		}
		changes, err := m.gate.ValidateBatch(table, c.Type, c.State, attrs)
		if err != nil {
			return withID(err, id)
		}
		if len(changes) == 0 {
			info = c.Info()
			return nil
		}

		if err := m.admit(ctx, AdmissionRequest{
			Operation: "modify",
			Owner:     c.Owner,
			Kind:      KindConnection,
			Type:      c.Type,
			State:     c.State,
			Attrs:     c.Attrs.Clone(),
			Changes:   changes,
			Target:    id,
		}); err != nil {
			return err
		}

		h := newConnectionHandle(c, m.topology.membersOf(c), m.pool, m.logger)
		for k, v := range changes {
			h.attrs[k] = v
		}
		if applier, ok := driver.(AttributeApplier); ok {
			dctx, cancel := m.driverContext(ctx)
			err := telemetry.RecordDriverOperation(dctx, string(c.Type), "modify", func() error {
				return applier.ApplyAttributes(dctx, h, changes.Clone())
			})
			cancel()
			if err != nil {
				return classifyDriverError(err, h, "modify")
			}
		}

		updated := c.Clone()
		updated.Attrs = h.attrs
		updated.UpdatedAt = m.now()
		if err := m.saveConnection(ctx, updated); err != nil {
			return err
		}
		m.topology.putConnection(updated)

		keys := make([]string, 0, len(changes))
		for _, k := range changes.Keys() {
			keys = append(keys, string(k))
		}
		m.audit(ctx, AuditEntry{Owner: c.Owner, Target: id, Type: c.Type, Op: "connection.modify", From: c.State, To: c.State})
		_ = m.events(ctx).PublishModified(string(KindConnection), int64(id), string(c.Type), c.Owner, keys)

		info = updated.Info()
		return nil
	})
	return info, err
}

// ConnectionAction invokes a declared action on a connection. Members whose
// concept no longer applies in the next state are detached first, and member
// wiring follows the connection's link states.
func (m *Manager) ConnectionAction(ctx context.Context, id ID, action ActionName, args Args) (ConnectionInfo, error) {
	if action == RemoveAction {
		c, ok := m.topology.Connection(id)
		if !ok {
			return ConnectionInfo{}, NewNotFoundError("connection not found").WithID(id)
		}
		if err := m.RemoveConnection(ctx, id); err != nil {
			return ConnectionInfo{}, err
		}
		return c.Info(), nil
	}

	var info ConnectionInfo
	err := m.observe(ctx, KindConnection, string(action), m.typeOfConnection(id), id, func(ctx context.Context) error {
		unlock, err := m.lockStable(func() []ID {
			c, ok := m.topology.Connection(id)
			if !ok {
				return []ID{id}
			}
			return append([]ID{id}, c.Elements...)
		})
		if err != nil {
			return err
		}
		defer unlock()

		c, ok := m.topology.Connection(id)
		if !ok {
			return NewNotFoundError("connection not found").WithID(id)
		}
		table, driver, err := m.registry.Lookup(c.Type)
		if err != nil {
			return err
		}
		if err := m.dispatcher.Authorize(table, c.Type, c.State, action); err != nil {
			return withID(err, id)
		}
		if err := m.admit(ctx, AdmissionRequest{
			Operation: "action",
			Owner:     c.Owner,
			Kind:      KindConnection,
			Type:      c.Type,
			State:     c.State,
			Action:    action,
			Attrs:     c.Attrs.Clone(),
			Target:    id,
		}); err != nil {
			return err
		}

		members := c.Elements
		next, hasNext := table.Transition(action)
		leaving := hasNext && table.Linked(c.State) && !table.Linked(next)

		var dropped []attachment
		if hasNext && next != c.State {
			if dropped, err = m.detachInapplicableMembers(ctx, c, next); err != nil {
				return err
			}
		}
		if leaving {
			if err := m.unwireAll(ctx, members); err != nil {
				m.restoreAttachments(ctx, dropped)
				_ = m.syncLinks(ctx, members)
				return err
			}
		}

		c, _ = m.topology.Connection(id)
		h := newConnectionHandle(c, m.topology.membersOf(c), m.pool, m.logger)
		dctx, cancel := m.driverContext(ctx)
		state, err := m.dispatcher.Invoke(dctx, table, driver, h, action, args)
		cancel()
		if err != nil {
			m.restoreAttachments(ctx, dropped)
			_ = m.syncLinks(ctx, members)
			return err
		}

		updated := c.Clone()
		updated.State = state
		updated.Attrs = h.attrs
		updated.UpdatedAt = m.now()
		if err := m.saveConnection(ctx, updated); err != nil {
			m.restoreAttachments(ctx, dropped)
			_ = m.syncLinks(ctx, members)
			return err
		}
		m.topology.putConnection(updated)

		if err := m.syncLinks(ctx, updated.Elements); err != nil {
			m.logger.Warn().Err(err).Int64("connection_id", int64(id)).Str("action", string(action)).
				Msg("Connection changed state but member wiring is incomplete")
		}

		m.audit(ctx, AuditEntry{Owner: c.Owner, Target: id, Type: c.Type, Op: "connection.action", Action: action, From: c.State, To: state})
		if state != c.State {
			_ = m.events(ctx).PublishStateChanged(string(KindConnection), int64(id), string(c.Type), c.Owner, string(action), string(c.State), string(state))
		}

		info = updated.Info()
		return nil
	})
	return info, err
}

// RemoveConnection removes a connection. It fails while elements are attached.
func (m *Manager) RemoveConnection(ctx context.Context, id ID) error {
	return m.observe(ctx, KindConnection, "remove", m.typeOfConnection(id), id, func(ctx context.Context) error {
		unlock := m.locks.lock(id)
		defer unlock()

		c, ok := m.topology.Connection(id)
		if !ok {
			return NewNotFoundError("connection not found").WithID(id)
		}
		table, driver, err := m.registry.Lookup(c.Type)
		if err != nil {
			return err
		}
		if len(c.Elements) > 0 {
			return NewCapabilityError(fmt.Sprintf("connection has %d attached elements", len(c.Elements))).
				WithCode(ErrCodeConnected).WithID(id).WithType(c.Type).WithState(c.State)
		}
		if err := m.dispatcher.Authorize(table, c.Type, c.State, RemoveAction); err != nil {
			return withID(err, id)
		}
		if err := m.admit(ctx, AdmissionRequest{
			Operation: "remove",
			Owner:     c.Owner,
			Kind:      KindConnection,
			Type:      c.Type,
			State:     c.State,
			Action:    RemoveAction,
			Attrs:     c.Attrs.Clone(),
			Target:    id,
		}); err != nil {
			return err
		}

		h := newConnectionHandle(c, nil, m.pool, m.logger)
		dctx, cancel := m.driverContext(ctx)
		_, err = m.dispatcher.Invoke(dctx, table, driver, h, RemoveAction, nil)
		cancel()
		if err != nil {
			return err
		}

		m.releaseAll(ctx, id)
		if err := m.deleteConnectionRecord(ctx, c); err != nil {
			return err
		}
		m.topology.deleteConnection(id)
		m.locks.forget(id)

		m.logger.Info().Int64("connection_id", int64(id)).Str("type", string(c.Type)).Msg("Connection removed")
		m.audit(ctx, AuditEntry{Owner: c.Owner, Target: id, Type: c.Type, Op: "connection.remove", Action: RemoveAction, From: c.State})
		_ = m.events(ctx).PublishRemoved(string(KindConnection), int64(id), string(c.Type), c.Owner)
		return nil
	})
}

// Attach connects an element to a connection. The element must offer a
// concept the connection accepts, both evaluated in their current states, and
// must not be attached elsewhere. If the element's owner is already in a link
// state the wiring is set up immediately; a wiring failure undoes the attach.
func (m *Manager) Attach(ctx context.Context, cid, eid ID) (ConnectionInfo, error) {
	var info ConnectionInfo
	err := m.observe(ctx, KindConnection, "attach", m.typeOfConnection(cid), cid, func(ctx context.Context) error {
		unlock := m.locks.lock(cid, eid)
		defer unlock()

		c, ok := m.topology.Connection(cid)
		if !ok {
			return NewNotFoundError("connection not found").WithID(cid)
		}
		e, ok := m.topology.Element(eid)
		if !ok {
			return NewNotFoundError("element not found").WithID(eid)
		}
		if e.Connection == cid {
			info = c.Info()
			return nil
		}
		if e.Connection != 0 {
			return NewCapabilityError("element is already attached to another connection").
				WithCode(ErrCodeConnected).WithID(eid).WithType(e.Type).WithDetail("connection", e.Connection)
		}

		compatible, err := m.resolver.IsCompatible(e, c)
		if err != nil {
			return err
		}
		if !compatible {
			offered, _ := m.resolver.Resolve(e)
			accepted, _ := m.resolver.Accepted(c)
			return NewCapabilityError("element offers no concept the connection accepts").
				WithCode(ErrCodeIncompatible).WithID(eid).WithType(e.Type).WithState(e.State).
				WithDetail("offered", offered).WithDetail("accepted", accepted).WithDetail("connection", cid)
		}

		if err := m.admit(ctx, AdmissionRequest{
			Operation: "attach",
			Owner:     c.Owner,
			Kind:      KindConnection,
			Type:      c.Type,
			State:     c.State,
			Attrs:     c.Attrs.Clone(),
			Target:    cid,
			Peer:      peerOf(e),
		}); err != nil {
			return err
		}

		if err := m.setAttachment(ctx, cid, eid, true); err != nil {
			return err
		}
		if err := m.syncLinks(ctx, []ID{eid}); err != nil {
			if derr := m.setAttachment(ctx, cid, eid, false); derr != nil {
				m.logger.Error().Err(derr).Int64("connection_id", int64(cid)).Int64("element_id", int64(eid)).
					Msg("Failed to undo attach after wiring failure")
			}
			return err
		}

		m.logger.Info().Int64("connection_id", int64(cid)).Int64("element_id", int64(eid)).Msg("Element attached")
		m.audit(ctx, AuditEntry{Owner: c.Owner, Target: cid, Type: c.Type, Op: "connection.attach", From: c.State, To: c.State})

		latest, _ := m.topology.Connection(cid)
		info = latest.Info()
		return nil
	})
	return info, err
}

// Detach disconnects an element, tearing down its wiring first.
func (m *Manager) Detach(ctx context.Context, cid, eid ID) (ConnectionInfo, error) {
	var info ConnectionInfo
	err := m.observe(ctx, KindConnection, "detach", m.typeOfConnection(cid), cid, func(ctx context.Context) error {
		unlock := m.locks.lock(cid, eid)
		defer unlock()

		c, ok := m.topology.Connection(cid)
		if !ok {
			return NewNotFoundError("connection not found").WithID(cid)
		}
		e, ok := m.topology.Element(eid)
		if !ok {
			return NewNotFoundError("element not found").WithID(eid)
		}
		if e.Connection != cid {
			return NewCapabilityError("element is not attached to this connection").
				WithID(eid).WithType(e.Type).WithDetail("connection", cid)
		}

		if err := m.admit(ctx, AdmissionRequest{
			Operation: "detach",
			Owner:     c.Owner,
			Kind:      KindConnection,
			Type:      c.Type,
			State:     c.State,
			Attrs:     c.Attrs.Clone(),
			Target:    cid,
			Peer:      peerOf(e),
		}); err != nil {
			return err
		}

		if e.Linked {
			if err := m.wire(ctx, c, e, false); err != nil {
				return err
			}
		}
		if err := m.setAttachment(ctx, cid, eid, false); err != nil {
			return err
		}

		m.logger.Info().Int64("connection_id", int64(cid)).Int64("element_id", int64(eid)).Msg("Element detached")
		m.audit(ctx, AuditEntry{Owner: c.Owner, Target: cid, Type: c.Type, Op: "connection.detach", From: c.State, To: c.State})

		latest, _ := m.topology.Connection(cid)
		info = latest.Info()
		return nil
	})
	return info, err
}

// ConnectionInfo returns the settled view of a connection.
func (m *Manager) ConnectionInfo(id ID) (ConnectionInfo, error) {
	c, ok := m.topology.Connection(id)
	if !ok {
		return ConnectionInfo{}, NewNotFoundError("connection not found").WithID(id)
	}
	return c.Info(), nil
}

// ListConnections returns every connection ordered by id.
func (m *Manager) ListConnections() []ConnectionInfo {
	connections := m.topology.Connections()
	out := make([]ConnectionInfo, 0, len(connections))
	for _, c := range connections {
		out = append(out, c.Info())
	}
	return out
}
