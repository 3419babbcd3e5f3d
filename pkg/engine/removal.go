package engine

import (
	"context"
	"fmt"
	"slices"
	"sort"
)

// Remove removes an element through its type's removal action. Without
// cascade it fails if the element has children or is attached to a
// connection. With cascade, descendants are removed depth first before the
// element and attachments are torn down on the way. Every record in the
// cascade is checked before any driver runs; a driver failure part way
// returns a *RemovalError listing what was and was not removed.
func (m *Manager) Remove(ctx context.Context, id ID, cascade bool) error {
	return m.observe(ctx, KindElement, "remove", m.typeOfElement(id), id, func(ctx context.Context) error {
		return m.remove(ctx, id, cascade)
	})
}

// removalScope returns every record a removal of id may touch.
func (m *Manager) removalScope(id ID) []ID {
	root, ok := m.topology.Element(id)
	if !ok {
		return []ID{id}
	}
	ids := []ID{id, root.Parent, root.Connection}
	for _, d := range m.topology.descendants(root) {
		ids = append(ids, d.ID, d.Connection)
	}
	return ids
}

func (m *Manager) remove(ctx context.Context, id ID, cascade bool) error {
	unlock, err := m.lockStable(func() []ID { return m.removalScope(id) })
	if err != nil {
		return err
	}
	defer unlock()

	root, ok := m.topology.Element(id)
	if !ok {
		return NewNotFoundError("element not found").WithID(id)
	}

	order := []*Element{root}
	if cascade {
		order = append(m.topology.descendants(root), root)
	} else {
		if len(root.Children) > 0 {
			return NewCapabilityError(fmt.Sprintf("element has %d children", len(root.Children))).
				WithCode(ErrCodeHasChildren).WithID(id).WithType(root.Type).WithState(root.State)
		}
		if root.Connection != 0 {
			return NewCapabilityError("element is attached to a connection").
				WithCode(ErrCodeConnected).WithID(id).WithType(root.Type).WithState(root.State).
				WithDetail("connection", root.Connection)
		}
	}

	for _, e := range order {
		table, err := m.registry.Table(e.Type)
		if err != nil {
			return err
		}
		if err := m.dispatcher.Authorize(table, e.Type, e.State, RemoveAction); err != nil {
			return withID(err, e.ID)
		}
	}

	if err := m.admit(ctx, AdmissionRequest{
		Operation: "remove",
		Owner:     root.Owner,
		Kind:      KindElement,
		Type:      root.Type,
		State:     root.State,
		Action:    RemoveAction,
		Attrs:     root.Attrs.Clone(),
		Target:    id,
	}); err != nil {
		return err
	}

	for i, e := range order {
		if err := m.removeOne(ctx, e.ID); err != nil {
			if !cascade {
				return err
			}
			return &RemovalError{
				Root:       id,
				Removed:    recordIDs(order[:i]),
				NotRemoved: recordIDs(order[i:]),
				Failed:     e.ID,
				Err:        err,
			}
		}
	}

	for _, e := range order {
		m.locks.forget(e.ID)
	}
	return nil
}

// removeOne removes a single element whose children are already gone.
func (m *Manager) removeOne(ctx context.Context, id ID) error {
	e, ok := m.topology.Element(id)
	if !ok {
		return NewNotFoundError("element not found").WithID(id)
	}
	table, driver, err := m.registry.Lookup(e.Type)
	if err != nil {
		return err
	}

	if e.Linked {
		if err := m.unwireAll(ctx, []ID{id}); err != nil {
			return err
		}
		e, _ = m.topology.Element(id)
	}

	parent := m.parentOf(e)
	h := newElementHandle(e, parent, m.topology.childrenOf(e), m.pool, m.logger)
	dctx, cancel := m.driverContext(ctx)
	_, err = m.dispatcher.Invoke(dctx, table, driver, h, RemoveAction, nil)
	cancel()
	if err != nil {
		_ = m.syncLinks(ctx, []ID{id})
		return err
	}

	if e.Connection != 0 {
		if err := m.setAttachment(ctx, e.Connection, id, false); err != nil {
			return err
		}
		e, _ = m.topology.Element(id)
	}

	m.releaseAll(ctx, id)
	if err := m.deleteElementRecord(ctx, e); err != nil {
		return err
	}
	m.topology.deleteElement(id)

	if parent != nil {
		if p, ok := m.topology.Element(parent.ID); ok {
			updated := p.Clone()
			updated.Children = slices.DeleteFunc(updated.Children, func(c ID) bool { return c == id })
			updated.UpdatedAt = m.now()
			if err := m.saveElement(ctx, updated); err != nil {
				return NewInternalError("element removed but parent index not persisted", err).WithID(parent.ID)
			}
			m.topology.putElement(updated)
		}
	}

	m.logger.Info().Int64("element_id", int64(id)).Str("type", string(e.Type)).Msg("Element removed")
	m.audit(ctx, AuditEntry{Owner: e.Owner, Target: id, Type: e.Type, Op: "element.remove", Action: RemoveAction, From: e.State})
	_ = m.events(ctx).PublishRemoved(string(KindElement), int64(id), string(e.Type), e.Owner)
	return nil
}

func recordIDs(elements []*Element) []ID {
	out := make([]ID, 0, len(elements))
	for _, e := range elements {
		out = append(out, e.ID)
	}
	return out
}

// Destroy drives a top-level element along the shortest action path to a
// state where it may be removed, then removes it with cascade. It is used to
// reclaim expired elements.
func (m *Manager) Destroy(ctx context.Context, id ID) error {
	e, ok := m.topology.Element(id)
	if !ok {
		return NewNotFoundError("element not found").WithID(id)
	}
	table, err := m.registry.Table(e.Type)
	if err != nil {
		return err
	}

	for steps := 0; !table.CanInvoke(RemoveAction, e.State); steps++ {
		path := pathToRemovable(table, e.State)
		if len(path) == 0 || steps > len(table.States) {
			return NewCapabilityError("no action path leads to a removable state").
				WithID(id).WithType(e.Type).WithState(e.State)
		}
		if _, err := m.Action(ctx, id, path[0], nil); err != nil {
			return err
		}
		if e, ok = m.topology.Element(id); !ok {
			return nil
		}
	}

	return m.Remove(ctx, id, true)
}

// DestroyConnection detaches every element from a connection, drives it to a
// removable state and removes it.
func (m *Manager) DestroyConnection(ctx context.Context, id ID) error {
	c, ok := m.topology.Connection(id)
	if !ok {
		return NewNotFoundError("connection not found").WithID(id)
	}
	for _, eid := range slices.Clone(c.Elements) {
		if _, err := m.Detach(ctx, id, eid); err != nil && !IsNotFound(err) {
			return err
		}
	}

	table, err := m.registry.Table(c.Type)
	if err != nil {
		return err
	}
	for steps := 0; !table.CanInvoke(RemoveAction, c.State); steps++ {
		path := pathToRemovable(table, c.State)
		if len(path) == 0 || steps > len(table.States) {
			return NewCapabilityError("no action path leads to a removable state").
				WithID(id).WithType(c.Type).WithState(c.State)
		}
		if _, err := m.ConnectionAction(ctx, id, path[0], nil); err != nil {
			return err
		}
		if c, ok = m.topology.Connection(id); !ok {
			return nil
		}
	}

	return m.RemoveConnection(ctx, id)
}

// pathToRemovable returns the shortest sequence of actions leading from state
// to a state in which the removal action is allowed.
func pathToRemovable(table *CapabilityTable, from State) []ActionName {
	actions := make([]ActionName, 0, len(table.NextState))
	for a := range table.NextState {
		if a != RemoveAction {
			actions = append(actions, a)
		}
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })

	type step struct {
		state State
		path  []ActionName
	}
	seen := map[State]bool{from: true}
	queue := []step{{state: from}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if table.CanInvoke(RemoveAction, cur.state) {
			return cur.path
		}
		for _, a := range actions {
			if !table.CanInvoke(a, cur.state) {
				continue
			}
			next := table.NextState[a]
			if seen[next] {
				continue
			}
			seen[next] = true
			queue = append(queue, step{state: next, path: append(slices.Clone(cur.path), a)})
		}
	}
	return nil
}
