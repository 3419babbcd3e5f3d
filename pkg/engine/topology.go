package engine

import (
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Topology is the arena owning every element and connection record. All
// cross references are ids resolved through it. Its mutex guards only the
// maps; records are immutable snapshots replaced as a whole.
type Topology struct {
	mu          sync.RWMutex
	elements    map[ID]*Element
	connections map[ID]*Connection
}

// NewTopology creates an empty topology.
func NewTopology() *Topology {
	return &Topology{
		elements:    make(map[ID]*Element),
		connections: make(map[ID]*Connection),
	}
}

// Element returns the current snapshot of an element.
func (t *Topology) Element(id ID) (*Element, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.elements[id]
	return e, ok
}

// Connection returns the current snapshot of a connection.
func (t *Topology) Connection(id ID) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.connections[id]
	return c, ok
}

func (t *Topology) putElement(e *Element) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.elements[e.ID] = e
}

func (t *Topology) deleteElement(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.elements, id)
}

func (t *Topology) putConnection(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connections[c.ID] = c
}

func (t *Topology) deleteConnection(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.connections, id)
}

// Elements returns the elements matching filter, ordered by id.
func (t *Topology) Elements(filter ElementFilter) []*Element {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Element, 0, len(t.elements))
	for _, e := range t.elements {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connections returns every connection ordered by id.
func (t *Topology) Connections() []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Connection, 0, len(t.connections))
	for _, c := range t.connections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// childrenOf resolves the child index of e.
func (t *Topology) childrenOf(e *Element) []*Element {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Element, 0, len(e.Children))
	for _, id := range e.Children {
		if c, ok := t.elements[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// membersOf resolves the attached elements of c.
func (t *Topology) membersOf(c *Connection) []*Element {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Element, 0, len(c.Elements))
	for _, id := range c.Elements {
		if e, ok := t.elements[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// descendants returns every descendant of root in depth-first post order, so
// each child comes before its parent. Root is not included.
func (t *Topology) descendants(root *Element) []*Element {
	var out []*Element
	var walk func(e *Element)
	walk = func(e *Element) {
		for _, c := range t.childrenOf(e) {
			walk(c)
			out = append(out, c)
		}
	}
	walk(root)
	return out
}

// restore loads records into the arena and checks their references.
func (t *Topology) restore(elements []*Element, connections []*Connection) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range elements {
		t.elements[e.ID] = e
	}
	for _, c := range connections {
		t.connections[c.ID] = c
	}

	for _, e := range t.elements {
		if e.Parent != 0 {
			p, ok := t.elements[e.Parent]
			if !ok || !slices.Contains(p.Children, e.ID) {
				return NewInternalError(fmt.Sprintf("element %d references missing parent %d", e.ID, e.Parent), nil).
					WithID(e.ID).WithType(e.Type)
			}
		}
		if e.Connection != 0 {
			c, ok := t.connections[e.Connection]
			if !ok || !slices.Contains(c.Elements, e.ID) {
				return NewInternalError(fmt.Sprintf("element %d references missing connection %d", e.ID, e.Connection), nil).
					WithID(e.ID).WithType(e.Type)
			}
		}
	}
	return nil
}

// maxID returns the highest id in use.
func (t *Topology) maxID() ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var max ID
	for id := range t.elements {
		if id > max {
			max = id
		}
	}
	for id := range t.connections {
		if id > max {
			max = id
		}
	}
	return max
}

// checkAttachChild enforces the parent/child rules in both directions.
func checkAttachChild(parentTable *CapabilityTable, parent *Element, childType TypeName, childTable *CapabilityTable) error {
	if parent == nil {
		if !childTable.ParentAllowed(NoParent) {
			return NewCapabilityError("type requires a parent").WithType(childType)
		}
		return nil
	}
	if !parentTable.ChildAllowed(childType, parent.State) {
		return NewCapabilityError(fmt.Sprintf("child type %s not allowed under parent in current state", childType)).
			WithType(parent.Type).WithState(parent.State).WithID(parent.ID).
			WithDetail("child_type", string(childType))
	}
	if !childTable.ParentAllowed(parent.Type) {
		return NewCapabilityError(fmt.Sprintf("parent type %s not allowed", parent.Type)).
			WithType(childType).WithDetail("parent_type", string(parent.Type))
	}
	return nil
}
