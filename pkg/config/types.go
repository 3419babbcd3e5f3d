package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/hostmanager/pkg/engine"
)

// Blueprint is a topology declared in CUE: elements, connections and the
// actions to run on them once everything is wired.
type Blueprint struct {
	// Name identifies the blueprint in logs and events.
	Name string `json:"name" validate:"required"`

	// Owner is used for every record that does not name its own.
	Owner string `json:"owner,omitempty"`

	// Lifetime is the timeout of top-level elements, e.g. "24h".
	Lifetime time.Duration `json:"lifetime,omitempty"`

	// Variables are handed to the Starlark generator.
	Variables map[string]interface{} `json:"variables,omitempty"`

	Elements    []ElementSpec    `json:"elements" validate:"dive"`
	Connections []ConnectionSpec `json:"connections" validate:"dive"`

	// SourceFiles are the files that were parsed.
	SourceFiles []string `json:"source_files"`

	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists validation errors. A blueprint with errors must not be applied.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ElementSpec declares one element.
type ElementSpec struct {
	// Name is the blueprint-local name, unique across elements and connections.
	Name string `json:"name" validate:"required,max=63"`

	Type string `json:"type" validate:"required"`

	// Parent names another element of the blueprint.
	Parent string `json:"parent,omitempty"`

	Owner string `json:"owner,omitempty"`

	Attrs map[string]interface{} `json:"attrs,omitempty"`

	// Actions run in order after every connection is attached.
	Actions []string `json:"actions,omitempty" validate:"dive,required"`
}

// ConnectionSpec declares one connection and the elements attached to it.
type ConnectionSpec struct {
	Name  string                 `json:"name" validate:"required,max=63"`
	Type  string                 `json:"type" validate:"required"`
	Owner string                 `json:"owner,omitempty"`
	Attrs map[string]interface{} `json:"attrs,omitempty"`

	// Members name the elements to attach.
	Members []string `json:"members,omitempty" validate:"dive,required"`

	// Actions run in order once the connection is created, before members are attached.
	Actions []string `json:"actions,omitempty" validate:"dive,required"`
}

// ElementAttrs returns the attributes in the kernel's form.
func (s ElementSpec) ElementAttrs() engine.Attributes {
	return toAttributes(s.Attrs)
}

// ConnectionAttrs returns the attributes in the kernel's form.
func (s ConnectionSpec) ConnectionAttrs() engine.Attributes {
	return toAttributes(s.Attrs)
}

// toAttributes retypes the keys of m as engine.AttrName.
func toAttributes(m map[string]interface{}) engine.Attributes {
	if m == nil {
		return nil
	}
	out := make(engine.Attributes, len(m))
	for k, v := range m {
		out[engine.AttrName(k)] = v
	}
	return out
}

// Element returns the element with the given name.
func (b *Blueprint) Element(name string) (ElementSpec, bool) {
	for _, e := range b.Elements {
		if e.Name == name {
			return e, true
		}
	}
	return ElementSpec{}, false
}

// Valid reports whether the blueprint parsed without errors.
func (b *Blueprint) Valid() bool {
	return len(b.Errors) == 0
}

// Err folds the validation errors into one error, or returns nil.
func (b *Blueprint) Err() error {
	if b.Valid() {
		return nil
	}
	if len(b.Errors) == 1 {
		return fmt.Errorf("blueprint is invalid: %s", b.Errors[0])
	}
	return fmt.Errorf("blueprint is invalid: %s (and %d more)", b.Errors[0], len(b.Errors)-1)
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "elements.vm1.parent").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (e ValidationError) String() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the script's public globals.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
