package drivers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/mod/semver"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/hostmanager/pkg/engine"
	"github.com/openfroyo/hostmanager/pkg/hostexec"
)

// PackageChecker queries installed Debian package versions on a host. Results
// are cached, and concurrent probes of the same package share one query.
type PackageChecker struct {
	runner hostexec.Runner
	group  singleflight.Group

	mu       sync.Mutex
	versions map[string]string
}

// NewPackageChecker creates a checker running dpkg-query through runner.
func NewPackageChecker(runner hostexec.Runner) *PackageChecker {
	return &PackageChecker{runner: runner, versions: make(map[string]string)}
}

// Version returns the installed version of pkg, or "" if it is not installed.
func (c *PackageChecker) Version(ctx context.Context, pkg string) (string, error) {
	c.mu.Lock()
	v, ok := c.versions[pkg]
	c.mu.Unlock()
	if ok {
		return v, nil
	}

	res, err, _ := c.group.Do(pkg, func() (interface{}, error) {
		out, err := c.runner.Run(ctx, "dpkg-query", "-W", "-f=${Status} ${Version}", pkg)
		if err != nil {
			// dpkg-query exits 1 for unknown packages.
			if hostexec.ExitCode(err) == 1 {
				return "", nil
			}
			return "", fmt.Errorf("failed to query package %s: %w", pkg, err)
		}
		return parseDpkgStatus(out), nil
	})
	if err != nil {
		return "", err
	}

	version := res.(string)
	c.mu.Lock()
	c.versions[pkg] = version
	c.mu.Unlock()
	return version, nil
}

// parseDpkgStatus extracts the version from "install ok installed 1.2-3".
func parseDpkgStatus(out string) string {
	fields := strings.Fields(out)
	if len(fields) < 4 || fields[2] != "installed" {
		return ""
	}
	return fields[3]
}

// debianToSemver converts a Debian version to a comparable semver string:
// the epoch and Debian revision are dropped and missing parts are zero.
func debianToSemver(v string) string {
	if i := strings.Index(v, ":"); i >= 0 {
		v = v[i+1:]
	}
	if i := strings.LastIndex(v, "-"); i >= 0 {
		v = v[:i]
	}
	v = strings.TrimPrefix(v, "v")

	parts := strings.SplitN(v, ".", 3)
	for i, p := range parts {
		end := 0
		for end < len(p) && p[end] >= '0' && p[end] <= '9' {
			end++
		}
		if end == 0 {
			parts[i] = "0"
		} else {
			parts[i] = p[:end]
		}
	}
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return "v" + strings.Join(parts, ".")
}

// PackagePrerequisite requires an installed package, optionally with a
// minimum version.
type PackagePrerequisite struct {
	Checker    *PackageChecker
	Package    string
	MinVersion string
}

var _ engine.Prerequisite = PackagePrerequisite{}

func (p PackagePrerequisite) Name() string {
	if p.MinVersion == "" {
		return "package " + p.Package
	}
	return fmt.Sprintf("package %s >= %s", p.Package, p.MinVersion)
}

func (p PackagePrerequisite) Check(ctx context.Context) error {
	version, err := p.Checker.Version(ctx, p.Package)
	if err != nil {
		return err
	}
	if version == "" {
		return fmt.Errorf("%s is not installed", p.Package)
	}
	if p.MinVersion == "" {
		return nil
	}
	if semver.Compare(debianToSemver(version), debianToSemver(p.MinVersion)) < 0 {
		return fmt.Errorf("%s %s is older than %s", p.Package, version, p.MinVersion)
	}
	return nil
}

// CommandPrerequisite requires an executable on the host's PATH.
type CommandPrerequisite struct {
	Runner  hostexec.Runner
	Command string
}

var _ engine.Prerequisite = CommandPrerequisite{}

func (p CommandPrerequisite) Name() string { return "command " + p.Command }

func (p CommandPrerequisite) Check(ctx context.Context) error {
	if _, err := p.Runner.Run(ctx, "sh", "-c", "command -v "+hostexec.Quote(p.Command)); err != nil {
		return fmt.Errorf("%s not found", p.Command)
	}
	return nil
}
