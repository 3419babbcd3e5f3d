package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// fakeHost is an in-process SSH server standing in for a virtualization
// host. It accepts testuser/testpass or any public key, serves SFTP on the
// local filesystem and answers the commands in hostCommands.
type fakeHost struct {
	ln     net.Listener
	config *ssh.ServerConfig
	addr   string
	done   chan struct{}
}

// hostCommand writes its output to ch and returns the exit status.
type hostCommand func(h *fakeHost, ch ssh.Channel) uint32

var hostCommands = map[string]hostCommand{
	"true": func(*fakeHost, ssh.Channel) uint32 { return 0 },
	"cat": func(_ *fakeHost, ch ssh.Channel) uint32 {
		_, _ = io.Copy(ch, ch)
		return 0
	},
	"echo error >&2": func(_ *fakeHost, ch ssh.Channel) uint32 {
		_, _ = io.WriteString(ch.Stderr(), "error\n")
		return 0
	},
	"sleep forever": func(h *fakeHost, _ ssh.Channel) uint32 {
		<-h.done
		return 255
	},
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()

	_, hostKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("host key: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() != "testuser" || string(pass) != "testpass" {
				return nil, fmt.Errorf("password rejected for %s", c.User())
			}
			return nil, nil
		},
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	h := &fakeHost{ln: ln, config: cfg, addr: ln.Addr().String(), done: make(chan struct{})}
	go h.accept()
	t.Cleanup(h.stop)
	return h
}

func (h *fakeHost) accept() {
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go h.serveConn(conn)
	}
}

func (h *fakeHost) serveConn(conn net.Conn) {
	defer conn.Close()

	sc, chans, reqs, err := ssh.NewServerConn(conn, h.config)
	if err != nil {
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, nc.ChannelType())
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go h.serveSession(ch, chReqs)
	}
}

// payloadString decodes the single string of an exec or subsystem request.
func payloadString(b []byte) string {
	var p struct{ Value string }
	if err := ssh.Unmarshal(b, &p); err != nil {
		return ""
	}
	return p.Value
}

func (h *fakeHost) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "exec":
			_ = req.Reply(true, nil)
			status := h.exec(payloadString(req.Payload), ch)
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return

		case "subsystem":
			if payloadString(req.Payload) != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			if srv, err := sftp.NewServer(ch); err == nil {
				_ = srv.Serve()
			}
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// exec runs a known command, "exit N", or echoes anything else.
func (h *fakeHost) exec(cmd string, ch ssh.Channel) uint32 {
	if fn, ok := hostCommands[cmd]; ok {
		return fn(h, ch)
	}
	if code, ok := strings.CutPrefix(cmd, "exit "); ok {
		n, _ := strconv.ParseUint(code, 10, 32)
		return uint32(n)
	}
	_, _ = fmt.Fprintf(ch, "command: %s\n", cmd)
	return 0
}

func (h *fakeHost) stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
		_ = h.ln.Close()
	}
}

func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return signer.PublicKey(), signer, nil
}

func parseAddress(addr string) (string, int) {
	host, port, _ := net.SplitHostPort(addr)
	n, _ := strconv.Atoi(port)
	return host, n
}

// connectedClient logs in to a fresh fake host with a password.
func connectedClient(t *testing.T) *Client {
	t.Helper()

	h := newFakeHost(t)
	host, port := parseAddress(h.addr)

	cfg := DefaultConfig(host, "testuser")
	cfg.Port = port
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "testpass"
	cfg.StrictHostKeyChecking = false
	cfg.ConnectionTimeout = 5 * time.Second

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientConnect(t *testing.T) {
	client := connectedClient(t)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}

	// Connecting again reuses the live connection.
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("reconnect failed: %v", err)
	}
}

func TestClientWrongPassword(t *testing.T) {
	server := newFakeHost(t)
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "wrong"
	config.StrictHostKeyChecking = false

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	if err == nil {
		_ = client.Close()
		t.Fatal("expected authentication failure")
	}
	var terr *TransportError
	if !errors.As(err, &terr) || !terr.Auth || terr.Temporary() {
		t.Errorf("expected a permanent auth error, got %#v", err)
	}
	if !strings.Contains(err.Error(), "ssh connect "+host) {
		t.Errorf("unexpected message %q", err)
	}
}

func TestClientKeyBasedAuth(t *testing.T) {
	server := newFakeHost(t)
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodKey
	config.PrivateKeyPath = writeTestKey(t)
	config.StrictHostKeyChecking = false

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
	defer client.Close()
}

func TestClientClose(t *testing.T) {
	client := connectedClient(t)

	if err := client.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	err := client.HealthCheck(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Op != "session" {
		t.Errorf("expected a session error after close, got %v", err)
	}

	if _, err := client.Run(context.Background(), "true", nil); err == nil {
		t.Error("expected run to fail after close")
	}
}

func TestClientRun(t *testing.T) {
	client := connectedClient(t)
	ctx := context.Background()

	t.Run("successful command", func(t *testing.T) {
		result, err := client.Run(ctx, "vzctl status 101", nil)
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if result.ExitCode != 0 {
			t.Errorf("expected exit code 0, got %d", result.ExitCode)
		}
		if result.Stdout != "command: vzctl status 101\n" {
			t.Errorf("unexpected stdout %q", result.Stdout)
		}
	})

	t.Run("command with stderr", func(t *testing.T) {
		result, err := client.Run(ctx, "echo error >&2", nil)
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if result.Stderr != "error\n" {
			t.Errorf("expected stderr 'error', got %q", result.Stderr)
		}
	})

	t.Run("non-zero exit is reported, not returned", func(t *testing.T) {
		result, err := client.Run(ctx, "exit 3", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.ExitCode != 3 {
			t.Errorf("expected exit code 3, got %d", result.ExitCode)
		}
	})

	t.Run("stdin is forwarded", func(t *testing.T) {
		result, err := client.Run(ctx, "cat", strings.NewReader("print('hello')\n"))
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if result.Stdout != "print('hello')\n" {
			t.Errorf("unexpected stdout %q", result.Stdout)
		}
	})

	t.Run("context deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()

		if _, err := client.Run(ctx, "sleep forever", nil); err == nil {
			t.Fatal("expected timeout error")
		}
	})
}

func TestClientUploadDownload(t *testing.T) {
	client := connectedClient(t)
	ctx := context.Background()

	remote := filepath.Join(t.TempDir(), "templates", "repy", "program.repy")
	content := "while True:\n  sleep(1)\n"

	result, err := client.Upload(ctx, strings.NewReader(content), remote, 0640)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if result.BytesTransferred != int64(len(content)) {
		t.Errorf("expected %d bytes, got %d", len(content), result.BytesTransferred)
	}

	info, err := os.Stat(remote)
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if info.Mode().Perm() != 0640 {
		t.Errorf("expected mode 0640, got %v", info.Mode().Perm())
	}

	var buf bytes.Buffer
	if _, err := client.Download(ctx, remote, &buf); err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if buf.String() != content {
		t.Errorf("downloaded content mismatch: %q", buf.String())
	}

	if _, err := client.Download(ctx, remote+".missing", &buf); err == nil {
		t.Error("expected error downloading a missing file")
	}
}
