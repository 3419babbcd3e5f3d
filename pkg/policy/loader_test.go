package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testRego = `package site.test

# Test policy for validation

import rego.v1

deny contains "no" if input.owner == "mallory"
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func newTestLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := newTestLoader()
	policyFile := filepath.Join(t.TempDir(), "test-policy.rego")
	writeFile(t, policyFile, testRego)

	policies, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}

	policy := policies[0]
	if policy.Name != "test-policy" {
		t.Errorf("Expected name 'test-policy', got '%s'", policy.Name)
	}
	if policy.Rego != testRego {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Description != "Test policy for validation" {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Metadata["source"] != policyFile {
		t.Errorf("Unexpected source %v", policy.Metadata["source"])
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := newTestLoader()
	dir := t.TempDir()

	single := filepath.Join(dir, "single.json")
	writeFile(t, single, `{"name": "json-policy", "rego": "package a\n", "enabled": true}`)

	policies, err := loader.loadFromFile(context.Background(), single)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "json-policy" {
		t.Fatalf("Unexpected policies %+v", policies)
	}
	if policies[0].Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", policies[0].Severity)
	}

	bundle := filepath.Join(dir, "bundle.json")
	writeFile(t, bundle, `{
		"name": "site",
		"version": "1.0.0",
		"policies": [
			{"name": "b", "rego": "package b\n", "enabled": true, "severity": "warning"},
			{"name": "a", "rego": "package a\n", "enabled": false}
		]
	}`)

	policies, err = loader.loadFromFile(context.Background(), bundle)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
	if policies[0].Severity != SeverityWarning || policies[1].Enabled {
		t.Errorf("Bundle fields not preserved: %+v", policies)
	}

	unnamed := filepath.Join(dir, "unnamed.json")
	writeFile(t, unnamed, `{"rego": "package x\n"}`)
	if _, err := loader.loadFromFile(context.Background(), unnamed); err == nil {
		t.Error("Expected error for a policy without name")
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := newTestLoader()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "zeta.rego"), testRego)
	writeFile(t, filepath.Join(dir, "nested", "alpha.rego"), testRego)
	writeFile(t, filepath.Join(dir, "broken.json"), "{not json")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	extra := filepath.Join(t.TempDir(), "extra.rego")
	writeFile(t, extra, testRego)

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir, extra})
	if err != nil {
		t.Fatalf("Failed to load from paths: %v", err)
	}

	var names []string
	for _, p := range policies {
		names = append(names, p.Name)
	}
	expected := []string{"alpha", "extra", "zeta"}
	if len(names) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, names)
	}
	for i := range expected {
		if names[i] != expected[i] {
			t.Errorf("Expected %v, got %v", expected, names)
			break
		}
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestLoadFromFile_Unsupported(t *testing.T) {
	loader := newTestLoader()
	path := filepath.Join(t.TempDir(), "policy.txt")
	writeFile(t, path, "content")

	if _, err := loader.loadFromFile(context.Background(), path); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestClearCache(t *testing.T) {
	loader := newTestLoader()
	path := filepath.Join(t.TempDir(), "cached.rego")
	writeFile(t, path, testRego)

	if _, err := loader.loadFromFile(context.Background(), path); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	// The cache answers even after the file changes.
	writeFile(t, path, "package changed\n")
	policies, _ := loader.loadFromFile(context.Background(), path)
	if policies[0].Rego != testRego {
		t.Error("Expected cached content")
	}

	loader.ClearCache()
	policies, _ = loader.loadFromFile(context.Background(), path)
	if policies[0].Rego != "package changed\n" {
		t.Error("Expected fresh content after ClearCache")
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		content  string
		expected string
	}{
		{"# One line\npackage a", "One line"},
		{"# First\n# Second\n\npackage a", "First Second"},
		{"package a\n# late comment", "late comment"},
		{"package a", ""},
	}
	for _, tt := range tests {
		if got := extractDescription(tt.content); got != tt.expected {
			t.Errorf("extractDescription(%q) = %q, want %q", tt.content, got, tt.expected)
		}
	}
}

func TestWatchReloadsEngine(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "first.rego"), testRego)

	eng := newTestEngine(t, Limits{})
	loader := newTestLoader()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int32
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		reloads.Add(1)
		return eng.SetPolicies(ctx, policies)
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer func() { _ = loader.StopWatching() }()

	writeFile(t, filepath.Join(dir, "second.rego"), `package site.second

import rego.v1

deny contains "second" if input.owner == "eve"
`)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.GetPolicy("second"); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, err := eng.GetPolicy("second"); err != nil {
		t.Fatalf("Policy not reloaded: %v", err)
	}
	if _, err := eng.GetPolicy("first"); err != nil {
		t.Errorf("Existing policy lost on reload: %v", err)
	}
	if reloads.Load() == 0 {
		t.Error("Expected at least one reload")
	}
}
