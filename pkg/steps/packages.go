package steps

import (
	"context"
	"fmt"
	"strings"

	"converge/pkg/ssh"
)

// PackagesStep ensures the declared OS packages are installed
type PackagesStep struct{}

// Name implements Step
func (s *PackagesStep) Name() string { return "packages" }

// Plan reports one change per missing package
func (s *PackagesStep) Plan(ctx context.Context, hc *HostContext) ([]Change, error) {
	missing, err := s.missing(ctx, hc)
	if err != nil {
		return nil, err
	}

	changes := make([]Change, 0, len(missing))
	for _, pkg := range missing {
		changes = append(changes, Change{Action: "install", Detail: fmt.Sprintf("package %s", pkg)})
	}
	return changes, nil
}

// Apply installs the missing subset in a single apt transaction. A non-zero
// apt exit is fatal to the run; nothing is rolled back because a partial apt
// transaction leaves dpkg state consistent and the next run retries.
func (s *PackagesStep) Apply(ctx context.Context, hc *HostContext) error {
	missing, err := s.missing(ctx, hc)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	quoted := make([]string, len(missing))
	for i, pkg := range missing {
		quoted[i] = ssh.ShellQuote(pkg)
	}

	hc.Logger.WithField("packages", missing).Info("installing packages")
	command := fmt.Sprintf(
		"DEBIAN_FRONTEND=noninteractive sudo -E apt-get install -y --no-install-recommends %s",
		strings.Join(quoted, " "))
	result, err := hc.Runner.Run(ctx, command)
	if err != nil {
		output := ""
		if result != nil {
			output = result.Stderr
		}
		return &PackageInstallError{newStepError(s.Name(), output,
			fmt.Errorf("apt-get install failed for %s: %w", strings.Join(missing, ", "), err))}
	}
	return nil
}

func (s *PackagesStep) missing(ctx context.Context, hc *HostContext) ([]string, error) {
	installed, err := hc.Facts.InstalledPackages(ctx)
	if err != nil {
		return nil, &PackageInstallError{newStepError(s.Name(), "", err)}
	}

	var missing []string
	for _, pkg := range hc.Manifest.Packages {
		if _, ok := installed[pkg]; !ok {
			missing = append(missing, pkg)
		}
	}
	return missing, nil
}
