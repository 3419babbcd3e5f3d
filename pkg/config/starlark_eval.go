package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// generatorStepLimit bounds the work of one generator run independently of
// the wall-clock timeout.
const generatorStepLimit = 10_000_000

// StarlarkEvaluator runs blueprint generator scripts.
//
// Blueprint variables are predeclared globals. element() and connection()
// build declarations, and the script publishes them in the globals elements
// and connections, both dicts keyed by name:
//
//	def _vms(n):
//	    out = {}
//	    for i in range(n):
//	        out["vm%d" % i] = element("kvmqm", attrs = {"ram": 512}, actions = ["prepare", "start"])
//	        out["vm%d_eth0" % i] = element("kvmqm_interface", parent = "vm%d" % i)
//	    return out
//
//	elements = _vms(count)
//	connections = {"lan": connection("bridge", members = [n for n in elements if n.endswith("_eth0")])}
//
// Starlark only allows loops and conditionals inside functions. Globals whose
// name starts with an underscore stay private.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator returns an evaluator stopping scripts after timeout,
// or after 30s when timeout is zero.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate runs script with input as predeclared globals. The returned
// result is never nil; on failure its Error repeats the returned error.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	began := time.Now()
	result := &StarlarkResult{}
	fail := func(err error) (*StarlarkResult, error) {
		result.Error = err.Error()
		result.ExecutionTime = time.Since(began)
		return result, err
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	predeclared, err := generatorGlobals(input)
	if err != nil {
		return fail(err)
	}

	runCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{Name: "blueprint-generator", Print: func(*starlark.Thread, string) {}}
	thread.SetMaxExecutionSteps(generatorStepLimit)
	defer context.AfterFunc(runCtx, func() { thread.Cancel(runCtx.Err().Error()) })()

	globals, err := starlark.ExecFile(thread, "generator.star", script, predeclared)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			err = errors.New(evalErr.Backtrace())
		}
		if runCtx.Err() != nil && ctx.Err() == nil {
			return fail(fmt.Errorf("starlark execution timeout after %v: %w", se.timeout, err))
		}
		return fail(fmt.Errorf("starlark execution failed: %w", err))
	}

	result.Output = make(map[string]interface{}, len(globals))
	for name, v := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, isFunc := v.(starlark.Callable); isFunc {
			continue
		}
		out, err := starlarkToGo(v)
		if err != nil {
			return fail(fmt.Errorf("global %s: %w", name, err))
		}
		result.Output[name] = out
	}
	result.ExecutionTime = time.Since(began)
	return result, nil
}

func generatorGlobals(input map[string]interface{}) (starlark.StringDict, error) {
	globals := starlark.StringDict{
		"struct":     starlarkstruct.Default,
		"element":    starlark.NewBuiltin("element", declare("parent")),
		"connection": starlark.NewBuiltin("connection", declare("members")),
	}
	for name, v := range input {
		sv, err := goToStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", name, err)
		}
		globals[name] = sv
	}
	return globals, nil
}

// declare returns the body of element() or connection(). Both take a type,
// attrs, actions and owner; ref names the parameter linking the declaration
// to other names: the parent string of an element or the members list of a
// connection.
func declare(ref string) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			typ, owner starlark.String
			link       starlark.Value
			attrs      *starlark.Dict
			actions    *starlark.List
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs,
			"type", &typ, ref+"?", &link, "attrs?", &attrs, "actions?", &actions, "owner?", &owner); err != nil {
			return nil, err
		}

		d := starlark.NewDict(5)
		set := func(k string, v starlark.Value) { _ = d.SetKey(starlark.String(k), v) }

		set("type", typ)
		if owner != "" {
			set("owner", owner)
		}
		switch l := link.(type) {
		case nil, starlark.NoneType:
			if ref == "members" {
				set(ref, starlark.NewList(nil))
			}
		case starlark.String:
			if ref != "parent" {
				return nil, fmt.Errorf("%s: %s must be a list", b.Name(), ref)
			}
			if l != "" {
				set(ref, l)
			}
		case *starlark.List:
			if ref != "members" {
				return nil, fmt.Errorf("%s: %s must be a string", b.Name(), ref)
			}
			set(ref, copyList(l))
		default:
			return nil, fmt.Errorf("%s: unexpected %s for %s", b.Name(), link.Type(), ref)
		}
		if attrs == nil {
			attrs = starlark.NewDict(0)
		}
		set("attrs", attrs)
		set("actions", copyList(actions))
		return d, nil
	}
}

// copyList detaches a declaration from the caller's list.
func copyList(l *starlark.List) *starlark.List {
	if l == nil {
		return starlark.NewList(nil)
	}
	items := make([]starlark.Value, 0, l.Len())
	for i := 0; i < l.Len(); i++ {
		items = append(items, l.Index(i))
	}
	return starlark.NewList(items)
}

func goToStarlark(v interface{}) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case float64:
		return starlark.Float(x), nil
	case string:
		return starlark.String(x), nil
	case []string:
		items := make([]starlark.Value, len(x))
		for i, s := range x {
			items[i] = starlark.String(s)
		}
		return starlark.NewList(items), nil
	case []interface{}:
		items := make([]starlark.Value, len(x))
		for i, e := range x {
			sv, err := goToStarlark(e)
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		d := starlark.NewDict(len(x))
		for k, e := range x {
			sv, err := goToStarlark(e)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	return nil, fmt.Errorf("unsupported type: %T", v)
}

// starlarkToGo maps ints to int64, tuples to lists and structs to maps.
func starlarkToGo(v starlark.Value) (interface{}, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		n, ok := x.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", x)
		}
		return n, nil
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Indexable:
		// lists and tuples
		out := make([]interface{}, x.Len())
		for i := range out {
			e, err := starlarkToGo(x.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]interface{}, x.Len())
		for _, kv := range x.Items() {
			k, ok := kv[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", kv[0].Type())
			}
			e, err := starlarkToGo(kv[1])
			if err != nil {
				return nil, err
			}
			out[string(k)] = e
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]interface{})
		for _, name := range x.AttrNames() {
			attr, err := x.Attr(name)
			if err != nil {
				return nil, err
			}
			if out[name], err = starlarkToGo(attr); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
}
