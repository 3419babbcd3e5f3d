package engine

import (
	"fmt"
	"slices"
)

// RemoveAction is the reserved removal action. Every type declares the states
// in which it may be removed under this name.
const RemoveAction ActionName = "__remove__"

// NoParent is the parent-type sentinel meaning "may exist without a parent".
const NoParent TypeName = ""

// Kind tells elements and connections apart in the registry.
type Kind string

const (
	KindElement    Kind = "element"
	KindConnection Kind = "connection"
)

// CapabilityTable is the declarative contract of one type. It is data only and
// is never modified after registration.
type CapabilityTable struct {
	// Kind is element or connection.
	Kind Kind `json:"kind"`

	// States lists every state of the type. The first entry is the creation state.
	States []State `json:"states"`

	// Actions maps an action to the states it may be invoked from.
	Actions map[ActionName][]State `json:"actions"`

	// NextState maps an action to the state entered on success. Actions
	// without an entry leave the state unchanged.
	NextState map[ActionName]State `json:"next_state,omitempty"`

	// AttrStates maps an attribute to the states in which it is writable.
	// Attributes not listed are never writable by callers.
	AttrStates map[AttrName][]State `json:"attr_states"`

	// AttrRules holds validator tags checked against written values,
	// e.g. "gte=0.01,lte=4".
	AttrRules map[AttrName]string `json:"attr_rules,omitempty"`

	// ChildTypes maps a parent state to the child types creatable in it.
	ChildTypes map[State][]TypeName `json:"child_types,omitempty"`

	// ParentTypes lists acceptable parent types. NoParent allows top-level records.
	ParentTypes []TypeName `json:"parent_types"`

	// Concepts are the connection concepts offered by an element, or accepted
	// by a connection.
	Concepts []ConceptName `json:"concepts,omitempty"`

	// ConceptStates optionally restricts a concept to some states. Concepts
	// without an entry are active in every state.
	ConceptStates map[ConceptName][]State `json:"concept_states,omitempty"`

	// LinkStates are the states in which the element's interfaces are wired
	// to their connections on the host.
	LinkStates []State `json:"link_states,omitempty"`

	// DefaultAttrs are applied at creation for missing attributes.
	DefaultAttrs Attributes `json:"default_attrs,omitempty"`

	// FollowParent makes the element mirror its parent: it is created in the
	// parent's state and enters every state the parent enters, as long as the
	// state is declared here. Such elements need a parent.
	FollowParent bool `json:"follow_parent,omitempty"`
}

// InitialState returns the creation state.
func (t *CapabilityTable) InitialState() State {
	if len(t.States) == 0 {
		return ""
	}
	return t.States[0]
}

// HasState reports whether s is a declared state.
func (t *CapabilityTable) HasState(s State) bool {
	return slices.Contains(t.States, s)
}

// Declares reports whether the action is declared at all.
func (t *CapabilityTable) Declares(a ActionName) bool {
	_, ok := t.Actions[a]
	return ok
}

// CanInvoke reports whether action a may be invoked from state s.
func (t *CapabilityTable) CanInvoke(a ActionName, s State) bool {
	return slices.Contains(t.Actions[a], s)
}

// Transition returns the state entered after a successful a.
func (t *CapabilityTable) Transition(a ActionName) (State, bool) {
	s, ok := t.NextState[a]
	return s, ok
}

// AttrWritable reports whether attribute k is known and whether it is
// writable in state s.
func (t *CapabilityTable) AttrWritable(k AttrName, s State) (known, writable bool) {
	states, ok := t.AttrStates[k]
	if !ok {
		return false, false
	}
	return true, slices.Contains(states, s)
}

// ChildAllowed reports whether a child of type c may be created under a
// parent in state s.
func (t *CapabilityTable) ChildAllowed(c TypeName, s State) bool {
	return slices.Contains(t.ChildTypes[s], c)
}

// ParentAllowed reports whether p is an acceptable parent type. Use NoParent
// for top-level creation.
func (t *CapabilityTable) ParentAllowed(p TypeName) bool {
	return slices.Contains(t.ParentTypes, p)
}

// Offers returns the concepts active in state s.
func (t *CapabilityTable) Offers(s State) []ConceptName {
	out := make([]ConceptName, 0, len(t.Concepts))
	for _, c := range t.Concepts {
		if states, ok := t.ConceptStates[c]; ok && !slices.Contains(states, s) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Mirrors reports whether a child of this type takes on parent state s.
func (t *CapabilityTable) Mirrors(s State) bool {
	return t.FollowParent && t.HasState(s)
}

// Linked reports whether s is a link state.
func (t *CapabilityTable) Linked(s State) bool {
	return slices.Contains(t.LinkStates, s)
}

// Validate checks the table for internal consistency. It does not check
// references to other types, see TypeRegistry.Verify.
func (t *CapabilityTable) Validate() error {
	if t.Kind != KindElement && t.Kind != KindConnection {
		return fmt.Errorf("unknown kind %q", t.Kind)
	}
	if len(t.States) == 0 {
		return fmt.Errorf("no states declared")
	}
	if !t.Declares(RemoveAction) {
		return fmt.Errorf("removal action %s not declared", RemoveAction)
	}
	for a, states := range t.Actions {
		for _, s := range states {
			if !t.HasState(s) {
				return fmt.Errorf("action %s allowed in undeclared state %s", a, s)
			}
		}
	}
	for a, s := range t.NextState {
		if !t.Declares(a) {
			return fmt.Errorf("next state declared for undeclared action %s", a)
		}
		if !t.HasState(s) {
			return fmt.Errorf("action %s leads to undeclared state %s", a, s)
		}
	}
	if _, ok := t.NextState[RemoveAction]; ok {
		return fmt.Errorf("removal action must not declare a next state")
	}
	for k, states := range t.AttrStates {
		for _, s := range states {
			if !t.HasState(s) {
				return fmt.Errorf("attribute %s writable in undeclared state %s", k, s)
			}
		}
	}
	for k := range t.AttrRules {
		if _, ok := t.AttrStates[k]; !ok {
			if _, def := t.DefaultAttrs[k]; !def {
				return fmt.Errorf("rule declared for unknown attribute %s", k)
			}
		}
	}
	for s := range t.ChildTypes {
		if !t.HasState(s) {
			return fmt.Errorf("children declared for undeclared state %s", s)
		}
	}
	for _, s := range t.LinkStates {
		if !t.HasState(s) {
			return fmt.Errorf("link state %s not declared", s)
		}
	}
	for c, states := range t.ConceptStates {
		if !slices.Contains(t.Concepts, c) {
			return fmt.Errorf("concept states declared for unknown concept %s", c)
		}
		for _, s := range states {
			if !t.HasState(s) {
				return fmt.Errorf("concept %s active in undeclared state %s", c, s)
			}
		}
	}
	if len(t.ParentTypes) == 0 {
		return fmt.Errorf("no parent types declared")
	}
	if t.FollowParent && t.ParentAllowed(NoParent) {
		return fmt.Errorf("elements following their parent cannot be top-level")
	}
	if t.Kind == KindConnection && (len(t.ChildTypes) > 0 || !slices.Equal(t.ParentTypes, []TypeName{NoParent})) {
		return fmt.Errorf("connections cannot have parents or children")
	}
	return nil
}

// Clone returns a deep copy so the registry can hold an immutable table.
func (t *CapabilityTable) Clone() *CapabilityTable {
	c := &CapabilityTable{
		Kind:          t.Kind,
		States:        slices.Clone(t.States),
		Actions:       make(map[ActionName][]State, len(t.Actions)),
		NextState:     make(map[ActionName]State, len(t.NextState)),
		AttrStates:    make(map[AttrName][]State, len(t.AttrStates)),
		AttrRules:     make(map[AttrName]string, len(t.AttrRules)),
		ChildTypes:    make(map[State][]TypeName, len(t.ChildTypes)),
		ParentTypes:   slices.Clone(t.ParentTypes),
		Concepts:      slices.Clone(t.Concepts),
		ConceptStates: make(map[ConceptName][]State, len(t.ConceptStates)),
		LinkStates:    slices.Clone(t.LinkStates),
		DefaultAttrs:  t.DefaultAttrs.Clone(),
		FollowParent:  t.FollowParent,
	}
	for k, v := range t.Actions {
		c.Actions[k] = slices.Clone(v)
	}
	for k, v := range t.NextState {
		c.NextState[k] = v
	}
	for k, v := range t.AttrStates {
		c.AttrStates[k] = slices.Clone(v)
	}
	for k, v := range t.AttrRules {
		c.AttrRules[k] = v
	}
	for k, v := range t.ChildTypes {
		c.ChildTypes[k] = slices.Clone(v)
	}
	for k, v := range t.ConceptStates {
		c.ConceptStates[k] = slices.Clone(v)
	}
	return c
}
