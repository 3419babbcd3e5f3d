package engine

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"
)

// ID identifies an element or a connection. Elements and connections share one
// id sequence so locks can be ordered across both.
type ID int64

// TypeName names a registered element or connection type.
type TypeName string

// State is a lifecycle state of an element or connection.
type State string

// ActionName names an action declared in a capability table.
type ActionName string

// AttrName names an attribute.
type AttrName string

// ConceptName names a connection concept, e.g. "interface".
type ConceptName string

// Attributes holds attribute values. Numbers are stored as float64, lists as
// []string, so values survive a JSON round trip unchanged.
type Attributes map[AttrName]interface{}

// Args are action arguments passed through to the driver.
type Args map[string]interface{}

// Clone returns a deep copy of the attributes.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		if l, ok := v.([]string); ok {
			v = slices.Clone(l)
		}
		out[k] = v
	}
	return out
}

// Keys returns attribute names in sorted order.
func (a Attributes) Keys() []AttrName {
	keys := make([]AttrName, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// UnmarshalJSON decodes attributes and normalizes list values back to
// []string.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	var raw map[AttrName]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Attributes, len(raw))
	for k, v := range raw {
		nv, err := normalizeValue(v)
		if err != nil {
			return fmt.Errorf("attribute %s: %w", k, err)
		}
		out[k] = nv
	}
	*a = out
	return nil
}

// Element is a managed resource instance. Records stored in the topology are
// never mutated in place: every change stores a new clone.
type Element struct {
	ID         ID         `json:"id"`
	Type       TypeName   `json:"type"`
	Owner      string     `json:"owner"`
	State      State      `json:"state"`
	Attrs      Attributes `json:"attrs"`
	Parent     ID         `json:"parent,omitempty"`
	Children   []ID       `json:"children,omitempty"`
	Connection ID         `json:"connection,omitempty"`

	// Linked is set while the element's connection wiring is active on the host.
	Linked bool `json:"linked,omitempty"`

	// Timeout is the absolute expiry after which the element may be reclaimed.
	Timeout time.Time `json:"timeout"`

	// UsageRef is an opaque reference to usage statistics.
	UsageRef string `json:"usage_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the element.
func (e *Element) Clone() *Element {
	c := *e
	c.Attrs = e.Attrs.Clone()
	c.Children = slices.Clone(e.Children)
	return &c
}

// Info returns the externally visible view of the element.
func (e *Element) Info() ElementInfo {
	children := slices.Clone(e.Children)
	if children == nil {
		children = []ID{}
	}
	return ElementInfo{
		ID:         e.ID,
		Type:       e.Type,
		Owner:      e.Owner,
		State:      e.State,
		Parent:     e.Parent,
		Children:   children,
		Connection: e.Connection,
		Linked:     e.Linked,
		Attrs:      e.Attrs.Clone(),
		Timeout:    e.Timeout,
	}
}

// Connection links element interfaces, for example a virtual bridge.
type Connection struct {
	ID       ID         `json:"id"`
	Type     TypeName   `json:"type"`
	Owner    string     `json:"owner"`
	State    State      `json:"state"`
	Attrs    Attributes `json:"attrs"`
	Elements []ID       `json:"elements,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the connection.
func (c *Connection) Clone() *Connection {
	out := *c
	out.Attrs = c.Attrs.Clone()
	out.Elements = slices.Clone(c.Elements)
	return &out
}

// Info returns the externally visible view of the connection.
func (c *Connection) Info() ConnectionInfo {
	elements := slices.Clone(c.Elements)
	if elements == nil {
		elements = []ID{}
	}
	return ConnectionInfo{
		ID:       c.ID,
		Type:     c.Type,
		Owner:    c.Owner,
		State:    c.State,
		Elements: elements,
		Attrs:    c.Attrs.Clone(),
	}
}

// ElementInfo is the result of info(elementId).
type ElementInfo struct {
	ID         ID         `json:"id"`
	Type       TypeName   `json:"type"`
	Owner      string     `json:"owner"`
	State      State      `json:"state"`
	Parent     ID         `json:"parent,omitempty"`
	Children   []ID       `json:"children"`
	Connection ID         `json:"connection,omitempty"`
	Linked     bool       `json:"linked,omitempty"`
	Attrs      Attributes `json:"attrs"`
	Timeout    time.Time  `json:"timeout"`
}

// ConnectionInfo is the result of info on a connection.
type ConnectionInfo struct {
	ID       ID         `json:"id"`
	Type     TypeName   `json:"type"`
	Owner    string     `json:"owner"`
	State    State      `json:"state"`
	Elements []ID       `json:"elements"`
	Attrs    Attributes `json:"attrs"`
}

// ElementFilter selects elements for List. Zero fields match everything.
type ElementFilter struct {
	Owner  string
	Type   TypeName
	State  State
	Parent *ID
}

// Matches reports whether the element passes the filter.
func (f ElementFilter) Matches(e *Element) bool {
	if f.Owner != "" && e.Owner != f.Owner {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.State != "" && e.State != f.State {
		return false
	}
	if f.Parent != nil && e.Parent != *f.Parent {
		return false
	}
	return true
}

// normalizeValue converts numeric values to float64 and string lists to
// []string so validation and persistence see a single representation.
func normalizeValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return val, nil
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint32:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case float32:
		return float64(val), nil
	case json.Number:
		return val.Float64()
	case []string:
		return slices.Clone(val), nil
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list items must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported attribute value type %T", v)
	}
}

func cloneArgs(a Args) Args {
	if a == nil {
		return Args{}
	}
	return maps.Clone(a)
}
