package engine

import (
	"context"
	"slices"

	"github.com/openfroyo/hostmanager/pkg/telemetry"
)

// attachment is one element/connection pair.
type attachment struct {
	connection ID
	element    ID
}

// wiringTargets returns the ids whose wiring depends on the state of e: its
// attached children, and e itself when it is attached directly.
func wiringTargets(e *Element, children []*Element) []ID {
	var out []ID
	if e.Connection != 0 {
		out = append(out, e.ID)
	}
	for _, c := range children {
		if c.Connection != 0 {
			out = append(out, c.ID)
		}
	}
	return out
}

// linkOwner returns the element whose state decides whether iface is wired:
// its parent, or iface itself when it has none.
func (m *Manager) linkOwner(iface *Element) *Element {
	if p := m.parentOf(iface); p != nil {
		return p
	}
	return iface
}

// wantLinked reports whether iface should currently be wired into con. The
// owner must be in one of its link states, and so must the connection if its
// type declares any.
func (m *Manager) wantLinked(iface *Element, con *Connection) bool {
	owner := m.linkOwner(iface)
	ownerTable, err := m.registry.Table(owner.Type)
	if err != nil || !ownerTable.Linked(owner.State) {
		return false
	}
	conTable, err := m.registry.Table(con.Type)
	if err != nil {
		return false
	}
	return len(conTable.LinkStates) == 0 || conTable.Linked(con.State)
}

// syncLinks brings the wiring of ids in line with the current states. Every
// target is attempted; the first failure is returned.
func (m *Manager) syncLinks(ctx context.Context, ids []ID) error {
	var firstErr error
	for _, id := range ids {
		iface, ok := m.topology.Element(id)
		if !ok || iface.Connection == 0 {
			continue
		}
		con, ok := m.topology.Connection(iface.Connection)
		if !ok {
			continue
		}

		want := m.wantLinked(iface, con)
		if want == iface.Linked {
			continue
		}
		if err := m.wire(ctx, con, iface, want); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// unwireAll tears down the wiring of every linked target.
func (m *Manager) unwireAll(ctx context.Context, ids []ID) error {
	for _, id := range ids {
		iface, ok := m.topology.Element(id)
		if !ok || !iface.Linked || iface.Connection == 0 {
			continue
		}
		con, ok := m.topology.Connection(iface.Connection)
		if !ok {
			continue
		}
		if err := m.wire(ctx, con, iface, false); err != nil {
			return err
		}
	}
	return nil
}

// wire links or unlinks iface on the host through the connection driver and
// records the result on the element.
func (m *Manager) wire(ctx context.Context, con *Connection, iface *Element, link bool) error {
	_, driver, err := m.registry.Lookup(con.Type)
	if err != nil {
		return err
	}

	op := "unlink"
	if link {
		op = "link"
	}

	if linker, ok := driver.(Linker); ok {
		ch := newConnectionHandle(con, m.topology.membersOf(con), m.pool, m.logger)
		ih := newElementHandle(iface, m.parentOf(iface), nil, m.pool, m.logger)

		dctx, cancel := m.driverContext(ctx)
		err := telemetry.RecordDriverOperation(dctx, string(con.Type), op, func() error {
			if link {
				return linker.Link(dctx, ch, ih)
			}
			return linker.Unlink(dctx, ch, ih)
		})
		cancel()
		if err != nil {
			m.logger.Warn().Err(err).
				Int64("connection_id", int64(con.ID)).
				Int64("element_id", int64(iface.ID)).
				Str("op", op).
				Msg("Interface wiring failed")
			_ = m.events(ctx).PublishLinkFailed(int64(con.ID), int64(iface.ID), err.Error())
			return classifyDriverError(err, ch, ActionName(op))
		}
	}

	updated := iface.Clone()
	updated.Linked = link
	updated.UpdatedAt = m.now()
	if err := m.saveElement(ctx, updated); err != nil {
		return err
	}
	m.topology.putElement(updated)

	m.logger.Debug().
		Int64("connection_id", int64(con.ID)).
		Int64("element_id", int64(iface.ID)).
		Str("op", op).
		Msg("Interface wiring updated")
	return nil
}

// setAttachment adds or removes the element/connection back references on
// both records. Detaching also clears the linked flag; callers unwire first.
func (m *Manager) setAttachment(ctx context.Context, cid, eid ID, attached bool) error {
	con, ok := m.topology.Connection(cid)
	if !ok {
		return NewNotFoundError("connection not found").WithID(cid)
	}
	e, ok := m.topology.Element(eid)
	if !ok {
		return NewNotFoundError("element not found").WithID(eid)
	}

	now := m.now()
	newCon := con.Clone()
	newElem := e.Clone()
	if attached {
		if !slices.Contains(newCon.Elements, eid) {
			newCon.Elements = append(newCon.Elements, eid)
		}
		newElem.Connection = cid
	} else {
		newCon.Elements = slices.DeleteFunc(newCon.Elements, func(id ID) bool { return id == eid })
		newElem.Connection = 0
		newElem.Linked = false
	}
	newCon.UpdatedAt = now
	newElem.UpdatedAt = now

	if err := m.saveConnection(ctx, newCon); err != nil {
		return err
	}
	if err := m.saveElement(ctx, newElem); err != nil {
		if rerr := m.saveConnection(ctx, con); rerr != nil {
			m.logger.Error().Err(rerr).Int64("connection_id", int64(cid)).Msg("Failed to roll back connection record")
		}
		return err
	}
	m.topology.putConnection(newCon)
	m.topology.putElement(newElem)

	if attached {
		_ = m.events(ctx).PublishAttached(int64(cid), int64(eid), con.Owner)
	} else {
		_ = m.events(ctx).PublishDetached(int64(cid), int64(eid), con.Owner)
	}
	return nil
}

// detachInapplicable detaches e from its connection if no shared concept
// remains once e enters next.
func (m *Manager) detachInapplicable(ctx context.Context, e *Element, next State) ([]attachment, error) {
	if e.Connection == 0 {
		return nil, nil
	}
	con, ok := m.topology.Connection(e.Connection)
	if !ok {
		return nil, nil
	}
	compatible, err := m.resolver.CompatibleIn(e, next, con, con.State)
	if err != nil || compatible {
		return nil, err
	}

	if err := m.dropAttachment(ctx, con, e); err != nil {
		return nil, err
	}
	return []attachment{{connection: con.ID, element: e.ID}}, nil
}

// detachInapplicableMembers detaches every member of con that shares no
// concept with con once it enters next.
func (m *Manager) detachInapplicableMembers(ctx context.Context, con *Connection, next State) ([]attachment, error) {
	var dropped []attachment
	for _, e := range m.topology.membersOf(con) {
		compatible, err := m.resolver.CompatibleIn(e, e.State, con, next)
		if err != nil {
			m.restoreAttachments(ctx, dropped)
			return nil, err
		}
		if compatible {
			continue
		}
		current, _ := m.topology.Connection(con.ID)
		if err := m.dropAttachment(ctx, current, e); err != nil {
			m.restoreAttachments(ctx, dropped)
			return nil, err
		}
		dropped = append(dropped, attachment{connection: con.ID, element: e.ID})
	}
	return dropped, nil
}

func (m *Manager) dropAttachment(ctx context.Context, con *Connection, e *Element) error {
	if e.Linked {
		if err := m.wire(ctx, con, e, false); err != nil {
			return err
		}
	}
	m.logger.Info().
		Int64("connection_id", int64(con.ID)).
		Int64("element_id", int64(e.ID)).
		Msg("Detaching element whose concept no longer applies")
	return m.setAttachment(ctx, con.ID, e.ID, false)
}

// restoreAttachments re-attaches pairs dropped by an operation that then failed.
func (m *Manager) restoreAttachments(ctx context.Context, pairs []attachment) {
	for _, a := range pairs {
		if err := m.setAttachment(ctx, a.connection, a.element, true); err != nil {
			m.logger.Error().Err(err).
				Int64("connection_id", int64(a.connection)).
				Int64("element_id", int64(a.element)).
				Msg("Failed to restore attachment")
		}
	}
}
