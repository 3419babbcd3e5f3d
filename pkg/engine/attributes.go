package engine

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// AttributeGate checks attribute writes against the capability table.
type AttributeGate struct {
	validate *validator.Validate
}

// NewAttributeGate creates an attribute gate.
func NewAttributeGate() *AttributeGate {
	return &AttributeGate{validate: validator.New()}
}

// ValidateWrite checks a single write of key on a record of type typeName in
// state. The value is normalized and returned.
func (g *AttributeGate) ValidateWrite(table *CapabilityTable, typeName TypeName, state State, key AttrName, value interface{}) (interface{}, error) {
	known, writable := table.AttrWritable(key, state)
	if !known {
		return nil, NewCapabilityError("attribute is not writable").
			WithCode(ErrCodeUnknownAttr).WithType(typeName).WithState(state).WithAttribute(key)
	}
	if !writable {
		return nil, NewCapabilityError("attribute is not writable in current state").
			WithType(typeName).WithState(state).WithAttribute(key)
	}
	return g.checkValue(table, typeName, state, key, value)
}

// ValidateBatch checks every write of a batch before any is applied. It
// returns the normalized batch, or the first failure in key order.
func (g *AttributeGate) ValidateBatch(table *CapabilityTable, typeName TypeName, state State, attrs Attributes) (Attributes, error) {
	out := make(Attributes, len(attrs))
	for _, k := range attrs.Keys() {
		v, err := g.ValidateWrite(table, typeName, state, k, attrs[k])
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// ApplyDefaults returns attrs with every missing default inserted.
func (g *AttributeGate) ApplyDefaults(table *CapabilityTable, attrs Attributes) Attributes {
	out := attrs.Clone()
	for k, v := range table.DefaultAttrs {
		if _, ok := out[k]; !ok {
			if l, isList := v.([]string); isList {
				v = append([]string{}, l...)
			}
			out[k] = v
		}
	}
	return out
}

func (g *AttributeGate) checkValue(table *CapabilityTable, typeName TypeName, state State, key AttrName, value interface{}) (interface{}, error) {
	nv, err := normalizeValue(value)
	if err != nil {
		return nil, NewCapabilityError(err.Error()).
			WithCode(ErrCodeInvalidValue).WithType(typeName).WithState(state).WithAttribute(key)
	}

	if def, ok := table.DefaultAttrs[key]; ok && def != nil && nv != nil {
		if fmt.Sprintf("%T", def) != fmt.Sprintf("%T", nv) {
			return nil, NewCapabilityError(fmt.Sprintf("expected %T value, got %T", def, nv)).
				WithCode(ErrCodeInvalidValue).WithType(typeName).WithState(state).WithAttribute(key)
		}
	}

	rule, ok := table.AttrRules[key]
	if !ok || rule == "" {
		return nv, nil
	}
	if nv == nil {
		return nil, NewCapabilityError("value is required").
			WithCode(ErrCodeInvalidValue).WithType(typeName).WithState(state).WithAttribute(key)
	}
	if err := g.validate.Var(nv, rule); err != nil {
		return nil, NewCapabilityError(fmt.Sprintf("value %v violates %q", nv, rule)).
			WithCode(ErrCodeInvalidValue).WithType(typeName).WithState(state).WithAttribute(key)
	}
	return nv, nil
}
