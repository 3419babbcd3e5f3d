// Package ssh reaches a remote virtualization host: commands run over an SSH
// session and templates and sandbox programs are copied with SFTP.
package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// Transport is what the host executor needs from a remote host.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	// Run reports a non-zero exit in the result; only failures to run the
	// command at all are errors. stdin may be nil.
	Run(ctx context.Context, cmd string, stdin io.Reader) (*ExecResult, error)

	// Upload creates missing parent directories of remotePath.
	Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) (*FileTransferResult, error)
	Download(ctx context.Context, remotePath string, w io.Writer) (*FileTransferResult, error)
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// FileTransferResult is the outcome of one SFTP copy.
type FileTransferResult struct {
	BytesTransferred int64
	Duration         time.Duration
}

// TransportError wraps a failure talking to the host. Op is one of connect,
// health, session, exec, sftp-init, upload or download.
type TransportError struct {
	Op   string
	Host string
	Err  error

	// Retry marks failures that may go away on their own, such as a dropped
	// connection. Auth marks rejected credentials.
	Retry bool
	Auth  bool
}

func (e *TransportError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ssh %s %s: %v", e.Op, e.Host, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool { return e.Retry }
