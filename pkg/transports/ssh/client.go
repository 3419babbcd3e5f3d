package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client implements Transport over a single SSH connection. Sessions are
// opened per command, so one Client may be used concurrently.
type Client struct {
	config *Config

	mu          sync.RWMutex
	client      *ssh.Client
	connectedAt time.Time
	stopKeep    chan struct{}
}

var _ Transport = (*Client)(nil)

// NewClient creates a new SSH transport client.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Host: c.config.Host, Err: err, Auth: true}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		// Close a connection that completes after the caller gave up.
		go func() {
			if client := <-connChan; client != nil {
				_ = client.Close()
			}
		}()
		return c.retryable("connect", ctx.Err())
	case err := <-errChan:
		// x/crypto reports rejected credentials only through the message.
		if strings.Contains(err.Error(), "unable to authenticate") {
			return &TransportError{Op: "connect", Host: c.config.Host, Err: err, Auth: true}
		}
		return c.retryable("connect", err)
	case client := <-connChan:
		c.client = client
		c.connectedAt = time.Now()
		if c.config.KeepAliveInterval > 0 {
			c.stopKeep = make(chan struct{})
			go c.keepAlive(client, c.stopKeep)
		}
		log.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// Close closes the SSH connection and releases all resources.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.client == nil {
		return nil
	}
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	c.client = nil
	log.Debug().Str("host", c.config.Host).Msg("SSH connection closed")
	return err
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *Client) HealthCheck(ctx context.Context) error {
	client, err := c.conn()
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return c.retryable("health", ctx.Err())
	case err := <-done:
		if err != nil {
			return c.retryable("health", err)
		}
		return nil
	}
}

func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Warn().Err(err).Str("host", c.config.Host).Msg("keep-alive failed")
				return
			}
		}
	}
}

func (c *Client) retryable(op string, err error) *TransportError {
	return &TransportError{Op: op, Host: c.config.Host, Err: err, Retry: true}
}

func (c *Client) conn() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, &TransportError{Op: "session", Host: c.config.Host, Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}

// Run executes cmd in a new session.
func (c *Client) Run(ctx context.Context, cmd string, stdin io.Reader) (*ExecResult, error) {
	client, err := c.conn()
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, c.retryable("exec", fmt.Errorf("failed to create session: %w", err))
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if stdin != nil {
		session.Stdin = stdin
	}

	log.Debug().Str("host", c.config.Host).Str("command", cmd).Msg("executing command")
	start := time.Now()

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		return nil, &TransportError{Op: "exec", Host: c.config.Host, Err: ctx.Err()}
	case runErr = <-done:
	}

	result := &ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, c.retryable("exec", runErr)
	}

	log.Debug().
		Str("command", cmd).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("command completed")
	return result, nil
}

func (c *Client) sftp() (*sftp.Client, error) {
	client, err := c.conn()
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, c.retryable("sftp-init", fmt.Errorf("failed to create SFTP client: %w", err))
	}
	return sc, nil
}

// Upload writes r to remotePath.
func (c *Client) Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) (*FileTransferResult, error) {
	start := time.Now()
	sc, err := c.sftp()
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, &TransportError{Op: "upload", Host: c.config.Host, Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	f, err := sc.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, c.retryable("upload", fmt.Errorf("failed to create remote file: %w", err))
	}
	defer f.Close()

	n, err := io.Copy(f, readerWithContext(ctx, r))
	if err != nil {
		return nil, c.retryable("upload", fmt.Errorf("failed to write remote file: %w", err))
	}
	if err := f.Chmod(mode); err != nil {
		return nil, &TransportError{Op: "upload", Host: c.config.Host, Err: fmt.Errorf("failed to set permissions: %w", err)}
	}

	log.Debug().Str("remote", remotePath).Int64("bytes", n).Msg("file uploaded")
	return &FileTransferResult{BytesTransferred: n, Duration: time.Since(start)}, nil
}

// Download copies remotePath into w.
func (c *Client) Download(ctx context.Context, remotePath string, w io.Writer) (*FileTransferResult, error) {
	start := time.Now()
	sc, err := c.sftp()
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	f, err := sc.Open(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "download", Host: c.config.Host, Err: fmt.Errorf("failed to open remote file: %w", err)}
	}
	defer f.Close()

	n, err := io.Copy(w, readerWithContext(ctx, f))
	if err != nil {
		return nil, c.retryable("download", fmt.Errorf("failed to read remote file: %w", err))
	}

	log.Debug().Str("remote", remotePath).Int64("bytes", n).Msg("file downloaded")
	return &FileTransferResult{BytesTransferred: n, Duration: time.Since(start)}, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// readerWithContext stops a copy between reads once ctx is done.
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
