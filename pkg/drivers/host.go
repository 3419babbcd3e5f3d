package drivers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostmanager/pkg/engine"
	"github.com/openfroyo/hostmanager/pkg/hostexec"
)

// Host is the execution context shared by the built-in drivers.
type Host struct {
	// Runner executes commands on the virtualization host.
	Runner hostexec.Runner

	// DataDir holds one directory per element.
	DataDir string

	// TemplateDir holds templates as <type>/<name><ext>.
	TemplateDir string

	// ExternalNetworks maps external network names to host bridges.
	ExternalNetworks map[string]string

	// DeviceWait bounds the wait for a network device to appear after start.
	DeviceWait time.Duration

	Logger zerolog.Logger
}

func (h *Host) dataPath(id engine.ID, name string) string {
	return path.Join(h.DataDir, strconv.FormatInt(int64(id), 10), name)
}

func (h *Host) dataDir(id engine.ID) string {
	return path.Join(h.DataDir, strconv.FormatInt(int64(id), 10))
}

func (h *Host) templatePath(typeName engine.TypeName, name, ext string) string {
	if name == "" {
		name = "default"
	}
	return path.Join(h.TemplateDir, string(typeName), path.Base(name)+ext)
}

// spawn starts a detached process and returns its pid. Output goes to logFile.
func (h *Host) spawn(ctx context.Context, logFile string, name string, args ...string) (int, error) {
	script := fmt.Sprintf("nohup %s > %s 2>&1 < /dev/null & echo $!", hostexec.CommandLine(name, args...), hostexec.Quote(logFile))
	out, err := h.Runner.Run(ctx, "sh", "-c", script)
	if err != nil {
		return 0, fmt.Errorf("failed to spawn %s: %w", name, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("failed to spawn %s: unexpected pid %q", name, out)
	}
	return pid, nil
}

// kill terminates pid. A process that is already gone is not an error.
func (h *Host) kill(ctx context.Context, pid int) error {
	if pid <= 0 {
		return nil
	}
	if _, err := h.Runner.Run(ctx, "kill", "-TERM", strconv.Itoa(pid)); err != nil {
		if hostexec.ExitCode(err) == 1 {
			return nil
		}
		return fmt.Errorf("failed to kill %d: %w", pid, err)
	}
	return nil
}

// waitForDevice polls until the network device exists.
func (h *Host) waitForDevice(ctx context.Context, device string) error {
	deadline := time.Now().Add(h.DeviceWait)
	for {
		if _, err := h.Runner.Run(ctx, "ip", "link", "show", device); err == nil {
			return nil
		} else if time.Now().After(deadline) {
			return fmt.Errorf("device %s did not appear: %w", device, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func randomPassword() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// nextInterfaceName returns the lowest eth<N> not used by a sibling.
func nextInterfaceName(siblings []engine.ElementInfo) string {
	var used []string
	for _, s := range siblings {
		if name, ok := s.Attrs["name"].(string); ok {
			used = append(used, name)
		}
	}
	for n := 0; ; n++ {
		name := fmt.Sprintf("eth%d", n)
		if !slices.Contains(used, name) {
			return name
		}
	}
}

// interfaceIndex returns N for an interface named eth<N>.
func interfaceIndex(name string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(name, "eth"))
	if err != nil {
		return 0
	}
	return n
}

// handlers maps action names to handlers. It implements engine.Driver's
// Handler lookup for the built-in drivers.
type handlers map[engine.ActionName]engine.ActionHandler

func (hs handlers) Handler(action engine.ActionName) (engine.ActionHandler, bool) {
	fn, ok := hs[action]
	return fn, ok
}

func noop(context.Context, *engine.Handle, engine.Args) error { return nil }

// run executes a host command and wraps a failure as a resource error.
func run(ctx context.Context, h *Host, name string, args ...string) (string, error) {
	out, err := h.Runner.Run(ctx, name, args...)
	if err != nil {
		return out, engine.NewResourceError(fmt.Sprintf("host command %s failed", name), err).
			WithCode(engine.ErrCodeDriverFailed)
	}
	return out, nil
}
