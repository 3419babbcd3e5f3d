// Package hostexectest provides a scripted hostexec.Runner for driver tests.
package hostexectest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/openfroyo/hostmanager/pkg/hostexec"
)

type response struct {
	prefix string
	stdout string
	err    error
}

// Runner records every command and answers with scripted responses. Commands
// without a matching response succeed with empty output.
type Runner struct {
	mu        sync.Mutex
	commands  []string
	stdins    map[string]string
	responses []response
	files     map[string][]byte
	modes     map[string]os.FileMode
}

var _ hostexec.Runner = (*Runner)(nil)

// New returns an empty fake runner.
func New() *Runner {
	return &Runner{
		stdins: make(map[string]string),
		files:  make(map[string][]byte),
		modes:  make(map[string]os.FileMode),
	}
}

// On scripts the response for commands whose rendered line starts with
// prefix. Later scripts take precedence.
func (r *Runner) On(prefix, stdout string, err error) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, response{prefix: prefix, stdout: stdout, err: err})
	return r
}

// Fail scripts an exit error with code for commands starting with prefix.
func (r *Runner) Fail(prefix string, code int, stderr string) *Runner {
	return r.On(prefix, "", &hostexec.ExitError{Command: prefix, Code: code, Stderr: stderr})
}

func (r *Runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return r.RunInput(ctx, nil, name, args...)
}

func (r *Runner) RunInput(ctx context.Context, in io.Reader, name string, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	line := hostexec.CommandLine(name, args...)

	var stdin string
	if in != nil {
		b, err := io.ReadAll(in)
		if err != nil {
			return "", err
		}
		stdin = string(b)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, line)
	if in != nil {
		r.stdins[line] = stdin
	}
	for i := len(r.responses) - 1; i >= 0; i-- {
		if strings.HasPrefix(line, r.responses[i].prefix) {
			return r.responses[i].stdout, r.responses[i].err
		}
	}
	return "", nil
}

func (r *Runner) WriteFile(ctx context.Context, path string, in io.Reader, mode os.FileMode) error {
	b, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = b
	r.modes[path] = mode
	return nil
}

func (r *Runner) ReadFile(ctx context.Context, path string, w io.Writer) error {
	r.mu.Lock()
	b, ok := r.files[path]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: no such file", path)
	}
	_, err := io.Copy(w, bytes.NewReader(b))
	return err
}

// Commands returns the rendered command lines in execution order.
func (r *Runner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

// Ran reports whether a command starting with prefix was executed.
func (r *Runner) Ran(prefix string) bool {
	for _, c := range r.Commands() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// Stdin returns the input given to the command line.
func (r *Runner) Stdin(line string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stdins[line]
}

// File returns a written file.
func (r *Runner) File(path string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.files[path]
	return b, ok
}

// SetFile places a file readable through ReadFile.
func (r *Runner) SetFile(path string, content []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = content
}

// Reset forgets recorded commands.
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = nil
}
