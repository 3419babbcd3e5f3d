package config

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Generators(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, map[string]interface{})
		wantErr   string
	}{
		{
			name:   "element helper",
			script: `vm = element("kvmqm", attrs = {"ram": 1024}, actions = ["prepare"])`,
			checkFunc: func(t *testing.T, out map[string]interface{}) {
				vm, ok := out["vm"].(map[string]interface{})
				if !ok {
					t.Fatalf("expected a dict, got %T", out["vm"])
				}
				if vm["type"] != "kvmqm" {
					t.Errorf("expected type kvmqm, got %v", vm["type"])
				}
				if _, ok := vm["parent"]; ok {
					t.Error("parent must be omitted when unset")
				}
				attrs := vm["attrs"].(map[string]interface{})
				if attrs["ram"] != int64(1024) {
					t.Errorf("expected ram 1024, got %v", attrs["ram"])
				}
				if actions := vm["actions"].([]interface{}); len(actions) != 1 || actions[0] != "prepare" {
					t.Errorf("unexpected actions %v", actions)
				}
			},
		},
		{
			name:   "connection helper",
			script: `lan = connection("bridge", members = ["a", "b"], owner = "bob")`,
			checkFunc: func(t *testing.T, out map[string]interface{}) {
				lan := out["lan"].(map[string]interface{})
				if lan["owner"] != "bob" {
					t.Errorf("expected owner bob, got %v", lan["owner"])
				}
				if members := lan["members"].([]interface{}); len(members) != 2 {
					t.Errorf("unexpected members %v", members)
				}
				if attrs := lan["attrs"].(map[string]interface{}); len(attrs) != 0 {
					t.Errorf("expected empty attrs, got %v", attrs)
				}
			},
		},
		{
			name: "shared action list is copied",
			script: `
steps = ["start"]
a = element("repy", actions = steps)
steps.append("stop")
`,
			checkFunc: func(t *testing.T, out map[string]interface{}) {
				a := out["a"].(map[string]interface{})
				if actions := a["actions"].([]interface{}); len(actions) != 1 {
					t.Errorf("declaration shares the caller's list: %v", actions)
				}
			},
		},
		{
			name: "loop inside function with input",
			script: `
def _names(prefix, n):
    return ["%s%d" % (prefix, i) for i in range(n)]
names = _names(prefix, count)
`,
			input: map[string]interface{}{"prefix": "vm", "count": 3},
			checkFunc: func(t *testing.T, out map[string]interface{}) {
				names := out["names"].([]interface{})
				if len(names) != 3 || names[2] != "vm2" {
					t.Errorf("unexpected names %v", names)
				}
				if _, ok := out["_names"]; ok {
					t.Error("private globals must not be exported")
				}
			},
		},
		{
			name: "list and dict inputs",
			script: `
total = len(images) + len(limits)
first = images[0]
`,
			input: map[string]interface{}{
				"images": []string{"debian-12", "ubuntu-24.04"},
				"limits": map[string]interface{}{"ram": 2048.0, "cpus": 2},
			},
			checkFunc: func(t *testing.T, out map[string]interface{}) {
				if out["total"] != int64(4) || out["first"] != "debian-12" {
					t.Errorf("unexpected output %v", out)
				}
			},
		},
		{
			name:   "tuple becomes list",
			script: `pair = ("a", 1.5)`,
			checkFunc: func(t *testing.T, out map[string]interface{}) {
				pair := out["pair"].([]interface{})
				if pair[0] != "a" || pair[1] != 1.5 {
					t.Errorf("unexpected pair %v", pair)
				}
			},
		},
		{
			name:    "missing type argument",
			script:  `vm = element(parent = "x")`,
			wantErr: "missing argument for type",
		},
		{
			name:    "syntax error",
			script:  `elements = {`,
			wantErr: "starlark execution failed",
		},
		{
			name:    "runtime error",
			script:  `x = 1 + "a"`,
			wantErr: "unknown binary op",
		},
		{
			name:    "non string dict key",
			script:  `m = {1: "a"}`,
			wantErr: "dict key must be string",
		},
		{
			name:    "unsupported input",
			script:  `x = 1`,
			input:   map[string]interface{}{"bad": struct{}{}},
			wantErr: "failed to convert input bad",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
				}
				if result.Error == "" {
					t.Error("expected the error to be recorded in the result")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.checkFunc(t, result.Output)
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(50 * time.Millisecond)

	script := `
def _spin():
    n = 0
    for i in range(100000):
        for j in range(100000):
            n += 1
    return n
out = _spin()
`

	start := time.Now()
	result, err := evaluator.Evaluate(context.Background(), script, nil)
	if err == nil {
		t.Fatal("expected the script to be stopped")
	}
	if result.Error == "" {
		t.Error("expected the error to be recorded in the result")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("script ran for %v", elapsed)
	}
}

func TestStarlarkEvaluator_Cancelled(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := evaluator.Evaluate(ctx, `
def _f():
    return [i for i in range(1000000)]
x = _f()
`, nil)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestStarlarkEvaluator_PrintSuppressed(t *testing.T) {
	evaluator := NewStarlarkEvaluator(0)

	result, err := evaluator.Evaluate(context.Background(), "print(\"hidden\")\nresult = \"done\"\n", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output["result"] != "done" {
		t.Errorf("expected result='done', got %v", result.Output["result"])
	}
	if evaluator.timeout != 30*time.Second {
		t.Errorf("expected default timeout, got %v", evaluator.timeout)
	}
}
