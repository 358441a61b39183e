package steps

import (
	"context"
	"errors"
	"strings"
	"testing"

	"converge/pkg/manifest"
	"converge/pkg/ssh/sshtest"
)

func appManifest() *manifest.Manifest {
	return &manifest.Manifest{
		App: &manifest.AppConfig{
			Repo:    "https://git.example.com/app.git",
			Ref:     "main",
			Path:    "/srv/app",
			Migrate: []string{"/srv/app/.venv/bin/python", "manage.py", "migrate"},
			Build:   []string{"/srv/app/.venv/bin/python", "manage.py", "collectstatic", "--noinput"},
		},
	}
}

func TestDeployPlanReportsCloneForMissingCheckout(t *testing.T) {
	runner := sshtest.NewFakeRunner().On("test -d /srv/app/.git", sshtest.Response{Stdout: "1"})
	hc := newTestContext(t, appManifest(), runner)

	changes, err := (&DeployStep{}).Plan(context.Background(), hc)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(changes) != 1 || !strings.Contains(changes[0].Detail, "clone") {
		t.Fatalf("expected clone change, got %v", changes)
	}
}

func TestDeployPlanUnchangedWhenRevisionsMatch(t *testing.T) {
	runner := sshtest.NewFakeRunner().
		On("test -d /srv/app/.git", sshtest.Response{Stdout: "0"}).
		On("rev-parse HEAD", sshtest.Response{Stdout: "abc123"}).
		On("ls-remote origin", sshtest.Response{Stdout: "abc123\trefs/heads/main"})
	hc := newTestContext(t, appManifest(), runner)

	changes, err := (&DeployStep{}).Plan(context.Background(), hc)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes, got %v", changes)
	}
}

func TestDeployPlanReportsUpdateOnDrift(t *testing.T) {
	runner := sshtest.NewFakeRunner().
		On("test -d /srv/app/.git", sshtest.Response{Stdout: "0"}).
		On("rev-parse HEAD", sshtest.Response{Stdout: "abc123"}).
		On("ls-remote origin", sshtest.Response{Stdout: "def456\trefs/heads/main"})
	hc := newTestContext(t, appManifest(), runner)

	changes, err := (&DeployStep{}).Plan(context.Background(), hc)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(changes) != 1 || !strings.Contains(changes[0].Detail, "update") {
		t.Fatalf("expected update change, got %v", changes)
	}
}

func TestDeployApplyClonesAndRunsHooks(t *testing.T) {
	runner := sshtest.NewFakeRunner().On("test -d /srv/app/.git", sshtest.Response{Stdout: "1"})
	hc := newTestContext(t, appManifest(), runner)

	if err := (&DeployStep{}).Apply(context.Background(), hc); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !runner.Ran("git clone --branch 'main'") {
		t.Errorf("expected clone, ran: %v", runner.Commands)
	}
	if !runner.Ran("'migrate'") {
		t.Errorf("expected migrate hook, ran: %v", runner.Commands)
	}
	if !runner.Ran("'collectstatic'") {
		t.Errorf("expected build hook, ran: %v", runner.Commands)
	}
}

func TestDeployApplySkipsHooksWhenConverged(t *testing.T) {
	runner := sshtest.NewFakeRunner().
		On("test -d /srv/app/.git", sshtest.Response{Stdout: "0"}).
		On("rev-parse HEAD", sshtest.Response{Stdout: "abc123"}).
		On("ls-remote origin", sshtest.Response{Stdout: "abc123\trefs/heads/main"})
	hc := newTestContext(t, appManifest(), runner)

	if err := (&DeployStep{}).Apply(context.Background(), hc); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if runner.Ran("migrate") || runner.Ran("git clone") || runner.Ran("reset --hard") {
		t.Fatalf("converged checkout should be untouched: %v", runner.Commands)
	}
}

func TestDeployApplyReportsHookFailure(t *testing.T) {
	runner := sshtest.NewFakeRunner().
		On("test -d /srv/app/.git", sshtest.Response{Stdout: "1"}).
		On("'migrate'", sshtest.Response{ExitCode: 1, Stderr: "relation does not exist"})
	hc := newTestContext(t, appManifest(), runner)

	err := (&DeployStep{}).Apply(context.Background(), hc)
	var deployErr *AppDeployError
	if !errors.As(err, &deployErr) {
		t.Fatalf("expected AppDeployError, got %v", err)
	}
	if !strings.Contains(err.Error(), "relation does not exist") {
		t.Errorf("error should carry tool output: %v", err)
	}
}
