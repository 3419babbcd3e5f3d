package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. Each schema is a CUE
// definition; validating data unifies it with the (closed) definition.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	for name, def := range map[string]string{
		"blueprint":  "#Blueprint",
		"element":    "#Element",
		"connection": "#Connection",
	} {
		if err := sr.RegisterSchema(name, builtinBlueprintSchema, def); err != nil {
			panic(fmt.Sprintf("built-in schema %s: %v", name, err))
		}
	}

	return sr
}

// RegisterSchema compiles source and registers its definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, def string) error {
	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = schema
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Validate unifies val with the named schema and requires a concrete result.
func (sr *SchemaRegistry) Validate(schemaName string, val cue.Value) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := schema.Context().Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if err := sr.Validate(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinBlueprintSchema = `
#Name: =~"^[A-Za-z0-9][A-Za-z0-9_.-]*$"

#TypeName: =~"^[a-z][a-z0-9_]*$"

#Value: null | bool | number | string | [...string]

#Element: {
	// Type is a registered element type
	type: #TypeName

	// Parent names another element of the blueprint
	parent?: #Name

	owner?: string

	attrs?: {[string]: #Value}

	// Actions run in order once all connections are attached
	actions?: [...string]
}

#Connection: {
	// Type is a registered connection type
	type: #TypeName

	owner?: string

	attrs?: {[string]: #Value}

	// Members name the elements to attach
	members?: [...#Name]

	// Actions run in order before members are attached
	actions?: [...string]
}

#Blueprint: {
	blueprint: {
		name:       #Name
		owner?:     string
		lifetime?:  =~"^[0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h)([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))*$"
		variables?: {...}
	}

	elements?: {[#Name]: #Element}

	connections?: {[#Name]: #Connection}

	// Generator is an optional Starlark script that adds elements and connections
	generator?: string
}
`
