package engine

import "slices"

// ConceptResolver matches interface-capable elements to connections.
type ConceptResolver struct {
	registry *TypeRegistry
}

// NewConceptResolver creates a resolver over the registry.
func NewConceptResolver(registry *TypeRegistry) *ConceptResolver {
	return &ConceptResolver{registry: registry}
}

// Resolve returns the concepts the element offers in its current state.
func (r *ConceptResolver) Resolve(e *Element) ([]ConceptName, error) {
	table, err := r.registry.Table(e.Type)
	if err != nil {
		return nil, err
	}
	return table.Offers(e.State), nil
}

// Accepted returns the concepts the connection accepts in its current state.
func (r *ConceptResolver) Accepted(c *Connection) ([]ConceptName, error) {
	table, err := r.registry.Table(c.Type)
	if err != nil {
		return nil, err
	}
	return table.Offers(c.State), nil
}

// IsCompatible reports whether the element offers at least one concept the
// connection accepts.
func (r *ConceptResolver) IsCompatible(e *Element, c *Connection) (bool, error) {
	return r.CompatibleIn(e, e.State, c, c.State)
}

// CompatibleIn is IsCompatible with both sides evaluated in the given states
// instead of their current ones.
func (r *ConceptResolver) CompatibleIn(e *Element, elementState State, c *Connection, connectionState State) (bool, error) {
	et, err := r.registry.Table(e.Type)
	if err != nil {
		return false, err
	}
	ct, err := r.registry.Table(c.Type)
	if err != nil {
		return false, err
	}
	accepted := ct.Offers(connectionState)
	for _, concept := range et.Offers(elementState) {
		if slices.Contains(accepted, concept) {
			return true, nil
		}
	}
	return false, nil
}
