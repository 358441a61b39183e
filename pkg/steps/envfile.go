package steps

import (
	"bytes"
	"context"
	"fmt"

	"converge/pkg/manifest"
	"converge/pkg/render"
	"converge/pkg/secrets"
	"converge/pkg/ssh"
)

// EnvFileStep materializes the environment/secrets file. Values never appear
// in plans, logs or errors; only variable names and the target path do.
type EnvFileStep struct{}

// Name implements Step
func (s *EnvFileStep) Name() string { return "secrets" }

// Plan reports one change when the rendered file differs from the installed
// one, or when the installed file has drifted from owner-only permissions.
func (s *EnvFileStep) Plan(ctx context.Context, hc *HostContext) ([]Change, error) {
	env := hc.Manifest.Env
	desired := renderEnv(env, hc.Secrets)

	current, err := hc.Runner.ReadFile(ctx, env.Path)
	if err == nil && bytes.Equal(current, desired) {
		fact, factErr := hc.Facts.File(ctx, env.Path)
		if factErr == nil && fact.Mode != "" && fact.Mode != "600" {
			return []Change{{
				Action: "chmod",
				Detail: fmt.Sprintf("env file %s mode %s, want 600", env.Path, fact.Mode),
			}}, nil
		}
		return nil, nil
	}

	return []Change{{
		Action: "write",
		Detail: fmt.Sprintf("env file %s (%d variables)", env.Path, len(env.Vars)),
	}}, nil
}

// Apply installs the env file atomically with owner-only permissions. The
// write is staged and renamed so a partial or wrong-permission file is never
// observable, and a failed write leaves the previous file untouched.
func (s *EnvFileStep) Apply(ctx context.Context, hc *HostContext) error {
	env := hc.Manifest.Env

	hc.Logger.WithField("path", env.Path).Info("writing env file")
	err := hc.Runner.WriteFile(ctx, ssh.FileSpec{
		Path:  env.Path,
		Data:  renderEnv(env, hc.Secrets),
		Mode:  0600,
		Owner: env.Owner,
		Group: env.Group,
	})
	if err != nil {
		return &SecretWriteError{newStepError(s.Name(), "",
			fmt.Errorf("failed to install %s: %w", env.Path, err))}
	}
	return nil
}

func renderEnv(env *manifest.EnvConfig, resolved map[string]secrets.Secret) []byte {
	vars := make(map[string]secrets.Secret, len(env.Vars))
	for _, name := range env.Vars {
		vars[name] = resolved[name]
	}
	return []byte(render.EnvFile(vars))
}
