// Package hostexec runs host-side commands for element and connection
// drivers, either on the local machine or on a remote virtualization host over
// SSH.
package hostexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostmanager/pkg/transports/ssh"
)

// Runner executes commands and transfers files on a host.
type Runner interface {
	// Run executes name with args and returns its standard output. A non-zero
	// exit is returned as *ExitError.
	Run(ctx context.Context, name string, args ...string) (string, error)

	// RunInput is Run with stdin connected to r.
	RunInput(ctx context.Context, r io.Reader, name string, args ...string) (string, error)

	// WriteFile writes r to path, creating parent directories.
	WriteFile(ctx context.Context, path string, r io.Reader, mode os.FileMode) error

	// ReadFile copies path into w.
	ReadFile(ctx context.Context, path string, w io.Writer) error
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.Code, msg)
}

// ExitCode returns the exit code of err if it is an *ExitError, or -1.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

// LocalRunner runs commands on the local machine.
type LocalRunner struct {
	logger zerolog.Logger
}

var _ Runner = (*LocalRunner)(nil)

// NewLocalRunner creates a runner for the local machine.
func NewLocalRunner(logger zerolog.Logger) *LocalRunner {
	return &LocalRunner{logger: logger.With().Str("component", "hostexec").Str("host", "local").Logger()}
}

func (r *LocalRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return r.RunInput(ctx, nil, name, args...)
}

func (r *LocalRunner) RunInput(ctx context.Context, in io.Reader, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if in != nil {
		cmd.Stdin = in
	}

	line := CommandLine(name, args...)
	r.logger.Debug().Str("command", line).Msg("executing command")

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return stdout.String(), &ExitError{Command: line, Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		if ctx.Err() != nil {
			return stdout.String(), fmt.Errorf("failed to run %s: %w", line, ctx.Err())
		}
		return stdout.String(), fmt.Errorf("failed to run %s: %w", line, err)
	}
	return stdout.String(), nil
}

func (r *LocalRunner) WriteFile(ctx context.Context, path string, in io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := io.Copy(f, in); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return os.Chmod(path, mode)
}

func (r *LocalRunner) ReadFile(ctx context.Context, path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

// SSHRunner runs commands on a remote host through an SSH transport.
type SSHRunner struct {
	transport ssh.Transport
	logger    zerolog.Logger
}

var _ Runner = (*SSHRunner)(nil)

// NewSSHRunner creates a runner over a connected transport.
func NewSSHRunner(transport ssh.Transport, logger zerolog.Logger) *SSHRunner {
	return &SSHRunner{
		transport: transport,
		logger:    logger.With().Str("component", "hostexec").Str("host", "ssh").Logger(),
	}
}

func (r *SSHRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return r.RunInput(ctx, nil, name, args...)
}

func (r *SSHRunner) RunInput(ctx context.Context, in io.Reader, name string, args ...string) (string, error) {
	line := CommandLine(name, args...)
	r.logger.Debug().Str("command", line).Msg("executing remote command")

	result, err := r.transport.Run(ctx, line, in)
	if err != nil {
		return "", fmt.Errorf("failed to run %s: %w", line, err)
	}
	if result.ExitCode != 0 {
		return result.Stdout, &ExitError{Command: line, Code: result.ExitCode, Stderr: result.Stderr}
	}
	return result.Stdout, nil
}

func (r *SSHRunner) WriteFile(ctx context.Context, path string, in io.Reader, mode os.FileMode) error {
	if _, err := r.transport.Upload(ctx, in, path, mode); err != nil {
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}
	return nil
}

func (r *SSHRunner) ReadFile(ctx context.Context, path string, w io.Writer) error {
	if _, err := r.transport.Download(ctx, path, w); err != nil {
		return fmt.Errorf("failed to download %s: %w", path, err)
	}
	return nil
}

// CommandLine renders name and args as a POSIX shell command line.
func CommandLine(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, Quote(name))
	for _, a := range args {
		parts = append(parts, Quote(a))
	}
	return strings.Join(parts, " ")
}

// Quote quotes s for a POSIX shell if it contains anything but safe characters.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || strings.ContainsRune("-_./=:,+@%", c)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
