package steps

import (
	"context"
	"errors"
	"strings"
	"testing"

	"converge/pkg/manifest"
	"converge/pkg/render"
	"converge/pkg/ssh/sshtest"
)

func proxyManifest(backend string) *manifest.Manifest {
	return &manifest.Manifest{
		Proxy: &manifest.ProxyConfig{
			Backend:    backend,
			Site:       "app",
			ServerName: "app.example.com",
			Upstream:   "127.0.0.1:8000",
			ListenPort: 80,
		},
	}
}

func TestProxyPlanReportsNewSite(t *testing.T) {
	hc := newTestContext(t, proxyManifest("nginx"), sshtest.NewFakeRunner())

	changes, err := (&ProxyStep{}).Plan(context.Background(), hc)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %v", changes)
	}
	if changes[0].Detail != "nginx site app for app.example.com" {
		t.Errorf("unexpected detail: %q", changes[0].Detail)
	}
}

func TestProxyPlanUnchangedWhenSiteMatches(t *testing.T) {
	m := proxyManifest("nginx")
	site, err := render.ProxySite(m.Proxy)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	runner := sshtest.NewFakeRunner()
	runner.SeedFile("/etc/nginx/sites-available/app", []byte(site), 0644)
	hc := newTestContext(t, m, runner)

	changes, err := (&ProxyStep{}).Plan(context.Background(), hc)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes, got %v", changes)
	}
}

func TestProxyApplyNginxInstallsValidatesAndReloads(t *testing.T) {
	runner := sshtest.NewFakeRunner()
	hc := newTestContext(t, proxyManifest("nginx"), runner)

	if err := (&ProxyStep{}).Apply(context.Background(), hc); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if _, ok := runner.Files["/etc/nginx/sites-available/app"]; !ok {
		t.Fatal("site file not installed")
	}
	for _, want := range []string{
		"ln -sf /etc/nginx/sites-available/app /etc/nginx/sites-enabled/app",
		"nginx -t",
		"systemctl reload nginx",
	} {
		if !runner.Ran(want) {
			t.Errorf("expected %q, ran: %v", want, runner.Commands)
		}
	}
}

func TestProxyApplyNginxRestoresOnInvalidConfig(t *testing.T) {
	previous := []byte("server { listen 80; }\n")
	runner := sshtest.NewFakeRunner().
		On("nginx -t", sshtest.Response{ExitCode: 1, Stderr: `unknown directive "nope"`})
	runner.SeedFile("/etc/nginx/sites-available/app", previous, 0644)
	hc := newTestContext(t, proxyManifest("nginx"), runner)

	err := (&ProxyStep{}).Apply(context.Background(), hc)
	var invalidErr *ProxyConfigInvalid
	if !errors.As(err, &invalidErr) {
		t.Fatalf("expected ProxyConfigInvalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "unknown directive") {
		t.Errorf("error should carry validator output: %v", err)
	}

	spec := runner.Files["/etc/nginx/sites-available/app"]
	if string(spec.Data) != string(previous) {
		t.Fatalf("previous config not restored: %s", spec.Data)
	}
	if runner.Ran("systemctl reload nginx") {
		t.Fatalf("invalid config must never reach a reload: %v", runner.Commands)
	}
}

func TestProxyApplyNginxDisablesNewSiteOnInvalidConfig(t *testing.T) {
	// First install on the host: validation failure must remove both the
	// site file and the sites-enabled link, or every later nginx -t on the
	// host keeps failing on the dangling symlink
	runner := sshtest.NewFakeRunner().
		On("nginx -t", sshtest.Response{ExitCode: 1, Stderr: `invalid value "nope"`})
	hc := newTestContext(t, proxyManifest("nginx"), runner)

	err := (&ProxyStep{}).Apply(context.Background(), hc)
	var invalidErr *ProxyConfigInvalid
	if !errors.As(err, &invalidErr) {
		t.Fatalf("expected ProxyConfigInvalid, got %v", err)
	}

	if !runner.Ran("ln -sf /etc/nginx/sites-available/app /etc/nginx/sites-enabled/app") {
		t.Fatalf("site was never enabled, ran: %v", runner.Commands)
	}
	if !runner.Ran("rm -f /etc/nginx/sites-enabled/app") {
		t.Fatalf("rollback left sites-enabled link behind: %v", runner.Commands)
	}
	if !runner.Ran("rm -f /etc/nginx/sites-available/app") {
		t.Fatalf("rollback left the broken site file behind: %v", runner.Commands)
	}
}

func TestProxyApplyNginxRollsBackOnFailedReload(t *testing.T) {
	previous := []byte("server { listen 80; }\n")
	runner := sshtest.NewFakeRunner().
		On("systemctl reload nginx", sshtest.Response{ExitCode: 1, Stderr: "job failed"})
	runner.SeedFile("/etc/nginx/sites-available/app", previous, 0644)
	hc := newTestContext(t, proxyManifest("nginx"), runner)

	err := (&ProxyStep{}).Apply(context.Background(), hc)
	var reloadErr *ProxyReloadError
	if !errors.As(err, &reloadErr) {
		t.Fatalf("expected ProxyReloadError, got %v", err)
	}

	spec := runner.Files["/etc/nginx/sites-available/app"]
	if string(spec.Data) != string(previous) {
		t.Fatalf("previous config not restored: %s", spec.Data)
	}
}

func TestProxyApplyCaddyValidatesStagedConfig(t *testing.T) {
	runner := sshtest.NewFakeRunner()
	hc := newTestContext(t, proxyManifest("caddy"), runner)

	if err := (&ProxyStep{}).Apply(context.Background(), hc); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !runner.Ran("caddy validate --adapter caddyfile --config /etc/caddy/Caddyfile.staged") {
		t.Errorf("expected staged validation, ran: %v", runner.Commands)
	}
	if !runner.Ran("systemctl reload caddy") {
		t.Errorf("expected caddy reload, ran: %v", runner.Commands)
	}
}

func TestProxyApplyCaddyRejectsInvalidStagedConfig(t *testing.T) {
	runner := sshtest.NewFakeRunner().
		On("caddy validate", sshtest.Response{ExitCode: 1, Stderr: "adapt: syntax error"})
	hc := newTestContext(t, proxyManifest("caddy"), runner)

	err := (&ProxyStep{}).Apply(context.Background(), hc)
	var invalidErr *ProxyConfigInvalid
	if !errors.As(err, &invalidErr) {
		t.Fatalf("expected ProxyConfigInvalid, got %v", err)
	}
	if _, ok := runner.Files["/etc/caddy/Caddyfile"]; ok {
		t.Fatal("invalid config must not be installed")
	}
	if runner.Ran("systemctl reload caddy") {
		t.Fatalf("invalid config must never reach a reload: %v", runner.Commands)
	}
}
