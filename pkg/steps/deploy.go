package steps

import (
	"context"
	"fmt"
	"strings"

	"converge/pkg/ssh"
)

// DeployStep converges the application checkout to the declared ref, then
// runs the app's own migration and build hooks when the code changed.
type DeployStep struct{}

// Name implements Step
func (s *DeployStep) Name() string { return "deploy" }

// Plan reports a clone for a missing checkout or an update when the local
// revision differs from the declared ref on the remote.
func (s *DeployStep) Plan(ctx context.Context, hc *HostContext) ([]Change, error) {
	app := hc.Manifest.App
	path, err := ssh.ValidateShellPath(app.Path)
	if err != nil {
		return nil, &AppDeployError{newStepError(s.Name(), "", err)}
	}

	exists, err := s.checkoutExists(ctx, hc, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []Change{{
			Action: "deploy",
			Detail: fmt.Sprintf("clone %s@%s into %s", app.Repo, app.Ref, path),
		}}, nil
	}

	current, desired, err := s.revisions(ctx, hc, path)
	if err != nil {
		return nil, err
	}
	if current == desired {
		return nil, nil
	}
	return []Change{{
		Action: "deploy",
		Detail: fmt.Sprintf("update %s from %.12s to %.12s", path, current, desired),
	}}, nil
}

// Apply clones or fast-forwards the checkout, then runs migrations and build
// hooks. Hooks only run when the revision actually moved, so repeated applies
// against a converged host do nothing.
func (s *DeployStep) Apply(ctx context.Context, hc *HostContext) error {
	app := hc.Manifest.App
	path, err := ssh.ValidateShellPath(app.Path)
	if err != nil {
		return &AppDeployError{newStepError(s.Name(), "", err)}
	}

	exists, err := s.checkoutExists(ctx, hc, path)
	if err != nil {
		return err
	}

	changed := false
	if !exists {
		hc.Logger.WithField("repo", app.Repo).Info("cloning application")
		command := fmt.Sprintf("git clone --branch %s %s %s",
			ssh.ShellQuote(app.Ref), ssh.ShellQuote(app.Repo), path)
		if result, err := hc.Runner.Run(ctx, command); err != nil {
			return s.fail("git clone failed", result, err)
		}
		changed = true
	} else {
		current, desired, err := s.revisions(ctx, hc, path)
		if err != nil {
			return err
		}
		if current != desired {
			hc.Logger.WithField("ref", app.Ref).Info("updating application checkout")
			command := fmt.Sprintf("git -C %s fetch origin %s && git -C %s reset --hard FETCH_HEAD",
				path, ssh.ShellQuote(app.Ref), path)
			if result, err := hc.Runner.Run(ctx, command); err != nil {
				return s.fail("git update failed", result, err)
			}
			changed = true
		}
	}

	if !changed {
		return nil
	}

	for _, hook := range [][]string{app.Migrate, app.Build} {
		if len(hook) == 0 {
			continue
		}
		quoted := make([]string, len(hook))
		for i, arg := range hook {
			quoted[i] = ssh.ShellQuote(arg)
		}
		command := fmt.Sprintf("cd %s && %s", path, strings.Join(quoted, " "))
		hc.Logger.WithField("hook", hook[0]).Info("running deploy hook")
		if result, err := hc.Runner.Run(ctx, command); err != nil {
			return s.fail(fmt.Sprintf("deploy hook %q failed", hook[0]), result, err)
		}
	}
	return nil
}

func (s *DeployStep) checkoutExists(ctx context.Context, hc *HostContext, path string) (bool, error) {
	result, err := hc.Runner.Run(ctx, fmt.Sprintf("test -d %s/.git; echo $?", path))
	if err != nil {
		return false, s.fail("failed to inspect checkout", result, err)
	}
	return strings.TrimSpace(result.Stdout) == "0", nil
}

func (s *DeployStep) revisions(ctx context.Context, hc *HostContext, path string) (string, string, error) {
	app := hc.Manifest.App

	current, err := hc.Runner.Run(ctx, fmt.Sprintf("git -C %s rev-parse HEAD", path))
	if err != nil {
		return "", "", s.fail("failed to read local revision", current, err)
	}

	remote, err := hc.Runner.Run(ctx, fmt.Sprintf("git -C %s ls-remote origin %s", path, ssh.ShellQuote(app.Ref)))
	if err != nil {
		return "", "", s.fail("failed to read remote revision", remote, err)
	}

	desired := strings.Fields(remote.Stdout)
	if len(desired) == 0 {
		return "", "", &AppDeployError{newStepError(s.Name(), "",
			fmt.Errorf("ref %s not found on %s", app.Ref, app.Repo))}
	}
	return strings.TrimSpace(current.Stdout), desired[0], nil
}

func (s *DeployStep) fail(message string, result *ssh.CommandResult, err error) error {
	output := ""
	if result != nil {
		output = result.Stderr
	}
	return &AppDeployError{newStepError(s.Name(), output, fmt.Errorf("%s: %w", message, err))}
}
