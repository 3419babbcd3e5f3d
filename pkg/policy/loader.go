package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// settle is how long the watcher waits for a burst of edits to end before
// re-reading the policy directories.
const settle = 500 * time.Millisecond

// decoder turns the bytes of one policy file into policies.
type decoder func(path string, data []byte) ([]Policy, error)

var decoders = map[string]decoder{
	".rego": decodeRego,
	".json": decodeJSON,
}

// Loader reads site policies from disk. A policy file is either a bare
// .rego module, a .json policy or a .json bundle with a "policies" list.
// Parsed files are cached by path until ClearCache or a watch event.
type Loader struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	files map[string][]Policy

	watcher *fsnotify.Watcher
}

// NewLoader returns a loader logging through logger.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		files:  make(map[string][]Policy),
	}
}

// LoadFromPaths reads every policy below the given files and directories,
// ordered by name. A missing path is an error; an unparsable file inside a
// directory is skipped with a warning.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}

		if !info.IsDir() {
			loaded, err := l.loadFromFile(ctx, root)
			if err != nil {
				return nil, fmt.Errorf("policy path %s: %w", root, err)
			}
			out = append(out, loaded...)
			continue
		}

		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !isPolicyFile(path) {
				return err
			}
			loaded, err := l.loadFromFile(ctx, path)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable policy file")
				return nil
			}
			out = append(out, loaded...)
			return nil
		})
		if walkErr != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, walkErr)
		}
	}

	slices.SortStableFunc(out, func(a, b Policy) int { return strings.Compare(a.Name, b.Name) })

	l.logger.Info().Int("policies", len(out)).Strs("paths", paths).Msg("Site policies loaded")
	return out, nil
}

func isPolicyFile(path string) bool {
	_, ok := decoders[filepath.Ext(path)]
	return ok
}

func (l *Loader) loadFromFile(_ context.Context, path string) ([]Policy, error) {
	l.mu.RLock()
	cached, ok := l.files[path]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	decode, ok := decoders[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("%s: not a .rego or .json policy file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	policies, err := decode(path, data)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range policies {
		p := &policies[i]
		if p.Severity == "" {
			p.Severity = SeverityError
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
		if p.Metadata == nil {
			p.Metadata = map[string]interface{}{}
		}
		p.Metadata["source"] = path
	}

	l.mu.Lock()
	l.files[path] = policies
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Int("policies", len(policies)).Msg("Parsed policy file")
	return policies, nil
}

// decodeRego names the policy after its file and takes the leading comment
// block as its description.
func decodeRego(path string, data []byte) ([]Policy, error) {
	return []Policy{{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: extractDescription(string(data)),
		Rego:        string(data),
		Enabled:     true,
	}}, nil
}

func decodeJSON(path string, data []byte) ([]Policy, error) {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var policies []Policy
	if _, isBundle := shape["policies"]; isBundle {
		var b Bundle
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("%s: bundle: %w", path, err)
		}
		policies = b.Policies
	} else {
		var p Policy
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		policies = []Policy{p}
	}

	for i, p := range policies {
		if p.Name == "" {
			return nil, fmt.Errorf("%s: policy #%d has no name", path, i+1)
		}
	}
	return policies, nil
}

// extractDescription joins the first run of "#" comment lines.
func extractDescription(content string) string {
	var parts []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		text, isComment := strings.CutPrefix(line, "#")
		switch {
		case isComment:
			if text = strings.TrimSpace(text); text != "" {
				parts = append(parts, text)
			}
		case line != "" && len(parts) > 0:
			return strings.Join(parts, " ")
		}
	}
	return strings.Join(parts, " ")
}

// Watch reloads the policies below paths whenever one of their files
// changes and hands the complete set to apply. It returns after the watches
// are registered; watching ends with ctx or StopWatching.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	l.watcher = w

	for _, p := range paths {
		info, err := os.Stat(p)
		switch {
		case err != nil:
			l.logger.Warn().Err(err).Str("path", p).Msg("Policy path not watched")
		case info.IsDir():
			err = l.addTree(p)
		default:
			// Editors save by rename, which only the directory sees.
			err = w.Add(filepath.Dir(p))
		}
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Policy path not watched")
		}
	}

	go l.watchLoop(ctx, w, paths, apply)

	l.logger.Info().Strs("paths", paths).Msg("Watching site policies")
	return nil
}

func (l *Loader) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return l.watcher.Add(path)
	})
}

func (l *Loader) watchLoop(ctx context.Context, w *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	const relevant = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename

	timer := time.NewTimer(settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := l.addTree(ev.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", ev.Name).Msg("New policy directory not watched")
					}
					continue
				}
			}
			if ev.Op&relevant == 0 || !isPolicyFile(ev.Name) {
				continue
			}

			l.logger.Debug().Str("file", ev.Name).Stringer("op", ev.Op).Msg("Policy file changed")
			l.forget(ev.Name)
			timer.Reset(settle)

		case <-timer.C:
			if err := l.reload(ctx, paths, apply); err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed, keeping previous set")
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.files, path)
	l.mu.Unlock()
}

// reload skips watched paths that have disappeared so a deleted file does not
// block the rest of the set.
func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) error {
	present := slices.DeleteFunc(slices.Clone(paths), func(p string) bool {
		_, err := os.Stat(p)
		return err != nil
	})

	policies, err := l.LoadFromPaths(ctx, present)
	if err != nil {
		return err
	}
	if err := apply(policies); err != nil {
		return fmt.Errorf("apply reloaded policies: %w", err)
	}

	l.logger.Info().Int("policies", len(policies)).Msg("Site policies reloaded")
	return nil
}

// StopWatching closes the watcher started by Watch.
func (l *Loader) StopWatching() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}

// ClearCache drops every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.files = make(map[string][]Policy)
	l.mu.Unlock()
}
