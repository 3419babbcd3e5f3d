package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// BlueprintParser parses and validates CUE topology blueprints.
type BlueprintParser struct {
	ctx               *cue.Context
	schemaRegistry    *SchemaRegistry
	starlarkEvaluator *StarlarkEvaluator
	validator         *validator.Validate
}

// NewBlueprintParser creates a new blueprint parser.
func NewBlueprintParser() *BlueprintParser {
	// Values of different contexts cannot be unified, so the parser
	// shares the registry's context.
	sr := NewSchemaRegistry()
	return &BlueprintParser{
		ctx:               sr.ctx,
		schemaRegistry:    sr,
		starlarkEvaluator: NewStarlarkEvaluator(30 * time.Second),
		validator:         validator.New(),
	}
}

// blueprintHeader is the blueprint: block of a CUE blueprint.
type blueprintHeader struct {
	Name      string                 `json:"name"`
	Owner     string                 `json:"owner"`
	Lifetime  string                 `json:"lifetime"`
	Variables map[string]interface{} `json:"variables"`
}

// Load parses sources and fails unless the blueprint is valid.
func (bp *BlueprintParser) Load(ctx context.Context, sources []string) (*Blueprint, error) {
	blueprint, err := bp.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	if err := blueprint.Err(); err != nil {
		return nil, err
	}
	return blueprint, nil
}

// Parse parses a blueprint from .cue files, CUE package directories and
// .star generator scripts. Problems with the blueprint itself are reported in
// Blueprint.Errors; the error return is for I/O failures.
func (bp *BlueprintParser) Parse(ctx context.Context, sources []string) (*Blueprint, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var (
		value       cue.Value
		sourceFiles []string
		scripts     []generatorScript
		parseErrors []ValidationError
	)

	unify := func(v cue.Value) {
		if !v.Exists() {
			return
		}
		if value.Exists() {
			value = value.Unify(v)
		} else {
			value = v
		}
	}

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		switch {
		case info.IsDir():
			val, files, errs := bp.loadDirectory(source)
			parseErrors = append(parseErrors, errs...)
			unify(val)
			sourceFiles = append(sourceFiles, files...)
		case strings.HasSuffix(source, ".star"):
			content, err := os.ReadFile(source)
			if err != nil {
				return nil, fmt.Errorf("failed to read generator %s: %w", source, err)
			}
			scripts = append(scripts, generatorScript{file: source, source: string(content)})
			sourceFiles = append(sourceFiles, source)
		default:
			val, errs := bp.loadFile(source)
			parseErrors = append(parseErrors, errs...)
			unify(val)
			sourceFiles = append(sourceFiles, source)
		}
	}

	return bp.finish(ctx, value, scripts, sourceFiles, parseErrors), nil
}

// ParseInline parses inline CUE content.
func (bp *BlueprintParser) ParseInline(ctx context.Context, content string) (*Blueprint, error) {
	val := bp.ctx.CompileString(content, cue.Filename("inline"))
	var errs []ValidationError
	if err := val.Err(); err != nil {
		errs = bp.convertCUEErrors(err)
	}
	return bp.finish(ctx, val, nil, []string{"inline"}, errs), nil
}

type generatorScript struct {
	file   string
	source string
}

// finish runs the generators, validates the unified value and extracts the blueprint.
func (bp *BlueprintParser) finish(ctx context.Context, value cue.Value, scripts []generatorScript, sourceFiles []string, parseErrors []ValidationError) *Blueprint {
	blueprint := &Blueprint{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
		Errors:      parseErrors,
	}
	if len(parseErrors) > 0 {
		return blueprint
	}
	if !value.Exists() {
		value = bp.ctx.CompileString("{}")
	}
	if err := value.Err(); err != nil {
		blueprint.Errors = bp.convertCUEErrors(err)
		return blueprint
	}

	var header blueprintHeader
	if hv := value.LookupPath(cue.ParsePath("blueprint")); hv.Exists() {
		if err := hv.Decode(&header); err != nil {
			blueprint.Errors = append(blueprint.Errors, ValidationError{
				Path:     "blueprint",
				Message:  fmt.Sprintf("failed to decode blueprint header: %v", err),
				Severity: "error",
			})
			return blueprint
		}
	}

	if gv := value.LookupPath(cue.ParsePath("generator")); gv.Exists() {
		script, err := gv.String()
		if err != nil {
			blueprint.Errors = append(blueprint.Errors, ValidationError{Path: "generator", Message: err.Error(), Severity: "error"})
			return blueprint
		}
		scripts = append([]generatorScript{{file: "generator", source: script}}, scripts...)
	}

	for _, s := range scripts {
		generated, err := bp.generate(ctx, s, header.Variables)
		if err != nil {
			blueprint.Errors = append(blueprint.Errors, ValidationError{File: s.file, Message: err.Error(), Severity: "error"})
			return blueprint
		}
		value = value.Unify(generated)
	}

	if err := bp.schemaRegistry.Validate("blueprint", value); err != nil {
		blueprint.Errors = append(blueprint.Errors, bp.convertCUEErrors(err)...)
		return blueprint
	}

	bp.extract(value, header, blueprint)
	if blueprint.Valid() {
		blueprint.Errors = append(blueprint.Errors, checkReferences(blueprint)...)
	}
	if blueprint.Valid() {
		if err := bp.validator.Struct(blueprint); err != nil {
			blueprint.Errors = append(blueprint.Errors, ValidationError{Message: err.Error(), Severity: "error"})
		}
	}
	return blueprint
}

// generate runs one Starlark generator and encodes its elements and
// connections as a CUE value.
func (bp *BlueprintParser) generate(ctx context.Context, s generatorScript, variables map[string]interface{}) (cue.Value, error) {
	result, err := bp.starlarkEvaluator.Evaluate(ctx, s.source, variables)
	if err != nil {
		return cue.Value{}, err
	}

	out := make(map[string]interface{})
	for _, key := range []string{"elements", "connections"} {
		v, ok := result.Output[key]
		if !ok {
			continue
		}
		if _, isMap := v.(map[string]interface{}); !isMap {
			return cue.Value{}, fmt.Errorf("generator global %s must be a dict, got %T", key, v)
		}
		out[key] = v
	}

	val := bp.ctx.Encode(out)
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to encode generator output: %w", err)
	}
	return val, nil
}

// loadDirectory loads a directory as a CUE package.
func (bp *BlueprintParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, bp.convertCUEErrors(inst.Err)
	}

	val := bp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, bp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (bp *BlueprintParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := bp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, bp.convertCUEErrors(err)
	}

	return val, nil
}

// extract decodes the validated value into blueprint.
func (bp *BlueprintParser) extract(val cue.Value, header blueprintHeader, blueprint *Blueprint) {
	blueprint.Name = header.Name
	blueprint.Owner = header.Owner
	blueprint.Variables = header.Variables

	if header.Lifetime != "" {
		d, err := time.ParseDuration(header.Lifetime)
		if err != nil {
			blueprint.Errors = append(blueprint.Errors, ValidationError{
				Path:     "blueprint.lifetime",
				Message:  err.Error(),
				Severity: "error",
			})
		}
		blueprint.Lifetime = d
	}

	bp.eachField(val, "elements", blueprint, func(name string, v cue.Value) error {
		var spec ElementSpec
		if err := v.Decode(&spec); err != nil {
			return fmt.Errorf("failed to decode element: %w", err)
		}
		spec.Name = name
		blueprint.Elements = append(blueprint.Elements, spec)
		return nil
	})

	bp.eachField(val, "connections", blueprint, func(name string, v cue.Value) error {
		var spec ConnectionSpec
		if err := v.Decode(&spec); err != nil {
			return fmt.Errorf("failed to decode connection: %w", err)
		}
		spec.Name = name
		blueprint.Connections = append(blueprint.Connections, spec)
		return nil
	})
}

// eachField calls fn for every field of the struct at path, in declaration order.
func (bp *BlueprintParser) eachField(val cue.Value, path string, blueprint *Blueprint, fn func(string, cue.Value) error) {
	v := val.LookupPath(cue.ParsePath(path))
	if !v.Exists() {
		return
	}

	iter, err := v.Fields()
	if err != nil {
		blueprint.Errors = append(blueprint.Errors, ValidationError{
			Path:     path,
			Message:  fmt.Sprintf("failed to iterate %s: %v", path, err),
			Severity: "error",
		})
		return
	}

	for iter.Next() {
		name := iter.Selector().Unquoted()
		if err := fn(name, iter.Value()); err != nil {
			blueprint.Errors = append(blueprint.Errors, ValidationError{
				Path:     fmt.Sprintf("%s.%s", path, name),
				Message:  err.Error(),
				Severity: "error",
			})
		}
	}
}

// checkReferences verifies names: unique across elements and connections,
// parents and members refer to declared elements, and parents form no cycle.
func checkReferences(b *Blueprint) []ValidationError {
	var errs []ValidationError
	fail := func(path, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...), Severity: "error"})
	}

	parents := make(map[string]string, len(b.Elements))
	for _, e := range b.Elements {
		parents[e.Name] = e.Parent
	}
	for _, c := range b.Connections {
		if _, clash := parents[c.Name]; clash {
			fail("connections."+c.Name, "name %q is also used by an element", c.Name)
		}
	}

	for _, e := range b.Elements {
		if e.Parent == "" {
			continue
		}
		if _, ok := parents[e.Parent]; !ok {
			fail("elements."+e.Name+".parent", "unknown element %q", e.Parent)
			continue
		}
		seen := map[string]bool{e.Name: true}
		for p := e.Parent; p != ""; p = parents[p] {
			if seen[p] {
				fail("elements."+e.Name+".parent", "parent chain of %q is cyclic", e.Name)
				break
			}
			seen[p] = true
		}
	}

	for _, c := range b.Connections {
		members := make(map[string]bool, len(c.Members))
		for _, m := range c.Members {
			if _, ok := parents[m]; !ok {
				fail("connections."+c.Name+".members", "unknown element %q", m)
			}
			if members[m] {
				fail("connections."+c.Name+".members", "element %q is listed twice", m)
			}
			members[m] = true
		}
	}

	return errs
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (bp *BlueprintParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// ExportJSON exports the blueprint declarations as indented JSON.
func (bp *BlueprintParser) ExportJSON(blueprint *Blueprint) ([]byte, error) {
	return json.MarshalIndent(struct {
		Name        string           `json:"name"`
		Owner       string           `json:"owner,omitempty"`
		Elements    []ElementSpec    `json:"elements"`
		Connections []ConnectionSpec `json:"connections"`
	}{blueprint.Name, blueprint.Owner, blueprint.Elements, blueprint.Connections}, "", "  ")
}

// SchemaRegistry returns the schema registry.
func (bp *BlueprintParser) SchemaRegistry() *SchemaRegistry {
	return bp.schemaRegistry
}

// FindBlueprints lists the .cue and .star files below dir.
func FindBlueprints(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && (strings.HasSuffix(path, ".cue") || strings.HasSuffix(path, ".star")) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return files, nil
}
