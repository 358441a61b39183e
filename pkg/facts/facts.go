// Package facts gathers the observed state of a host. Gathering is strictly
// read-only; every mutation belongs to a convergence step.
package facts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"converge/pkg/ssh"
)

// ServiceState is the systemd view of a unit
type ServiceState string

const (
	ServiceActive   ServiceState = "active"
	ServiceInactive ServiceState = "inactive"
	ServiceFailed   ServiceState = "failed"
	ServiceMissing  ServiceState = "missing"
)

// Package is one installed dpkg package
type Package struct {
	Name    string
	Version string
}

// FileFact describes a single file on the host
type FileFact struct {
	Path   string
	Exists bool
	SHA256 string
	Mode   string
}

// Host is a point-in-time snapshot of host state
type Host struct {
	Hostname  string
	OSRelease string
	Packages  map[string]Package
}

// Gatherer collects facts through a command runner
type Gatherer struct {
	runner ssh.Runner
}

// NewGatherer returns a fact gatherer for one host
func NewGatherer(runner ssh.Runner) *Gatherer {
	return &Gatherer{runner: runner}
}

// Gather collects the baseline snapshot used by planning
func (g *Gatherer) Gather(ctx context.Context) (*Host, error) {
	hostname, err := g.runner.Run(ctx, "hostname -f 2>/dev/null || hostname")
	if err != nil {
		return nil, fmt.Errorf("failed to gather hostname: %w", err)
	}

	release := ""
	if result, err := g.runner.Run(ctx, ". /etc/os-release && echo \"$PRETTY_NAME\""); err == nil {
		release = result.Stdout
	}

	packages, err := g.InstalledPackages(ctx)
	if err != nil {
		return nil, err
	}

	return &Host{
		Hostname:  hostname.Stdout,
		OSRelease: release,
		Packages:  packages,
	}, nil
}

// InstalledPackages lists every installed dpkg package with its version
func (g *Gatherer) InstalledPackages(ctx context.Context) (map[string]Package, error) {
	result, err := g.runner.Run(ctx, "dpkg-query -W -f '${Package} ${Version}\\n' 2>/dev/null")
	if err != nil {
		if result != nil && result.ExitCode == 127 {
			// Not a dpkg system; report no packages rather than failing
			return map[string]Package{}, nil
		}
		return nil, fmt.Errorf("failed to query installed packages: %w", err)
	}

	packages := make(map[string]Package)
	for _, line := range strings.Split(result.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		packages[fields[0]] = Package{Name: fields[0], Version: fields[1]}
	}
	return packages, nil
}

// PackageInstalled reports whether one package is installed
func (g *Gatherer) PackageInstalled(ctx context.Context, name string) (bool, error) {
	result, err := g.runner.Run(ctx, fmt.Sprintf("dpkg-query -W -f '${Status}' %s 2>/dev/null", ssh.ShellQuote(name)))
	if err != nil {
		if result != nil && result.ExitCode != 0 {
			return false, nil
		}
		return false, fmt.Errorf("failed to query package %s: %w", name, err)
	}
	return strings.Contains(result.Stdout, "install ok installed"), nil
}

// Service reports the systemd state of a unit
func (g *Gatherer) Service(ctx context.Context, unit string) (ServiceState, error) {
	result, err := g.runner.Run(ctx, fmt.Sprintf("systemctl is-active %s 2>/dev/null", ssh.ShellQuote(unit)))
	if err != nil && result == nil {
		return ServiceMissing, fmt.Errorf("failed to query service %s: %w", unit, err)
	}

	switch strings.TrimSpace(result.Stdout) {
	case "active", "activating":
		return ServiceActive, nil
	case "failed":
		return ServiceFailed, nil
	case "inactive", "deactivating":
		// Distinguish a stopped unit from one systemd has never heard of
		loaded, err := g.runner.Run(ctx, fmt.Sprintf("systemctl cat %s >/dev/null 2>&1; echo $?", ssh.ShellQuote(unit)))
		if err == nil && strings.TrimSpace(loaded.Stdout) == "0" {
			return ServiceInactive, nil
		}
		return ServiceMissing, nil
	default:
		return ServiceMissing, nil
	}
}

// File returns existence, content hash and mode for a path
func (g *Gatherer) File(ctx context.Context, path string) (*FileFact, error) {
	clean, err := ssh.ValidateShellPath(path)
	if err != nil {
		return nil, err
	}

	_, err = g.runner.ReadFile(ctx, clean)
	if errors.Is(err, os.ErrNotExist) {
		return &FileFact{Path: clean, Exists: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", clean, err)
	}

	result, err := g.runner.Run(ctx, fmt.Sprintf("sha256sum %s | cut -d' ' -f1 && stat -c '%%a' %s", clean, clean))
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", clean, err)
	}
	lines := strings.Split(strings.TrimSpace(result.Stdout), "\n")
	fact := &FileFact{Path: clean, Exists: true}
	if len(lines) > 0 {
		fact.SHA256 = strings.TrimSpace(lines[0])
	}
	if len(lines) > 1 {
		fact.Mode = strings.TrimSpace(lines[1])
	}
	return fact, nil
}
