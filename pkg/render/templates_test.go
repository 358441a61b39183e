package render

import (
	"strings"
	"testing"

	"converge/pkg/manifest"
	"converge/pkg/secrets"
)

func testSupervisor() *manifest.SupervisorConfig {
	return &manifest.SupervisorConfig{
		Backend:    "systemd",
		Service:    "app",
		WorkDir:    "/srv/app",
		ExecStart:  "/srv/app/.venv/bin/gunicorn app.wsgi",
		User:       "deploy",
		EnvFile:    "/etc/app/app.env",
		Restart:    "always",
		RestartSec: "5s",
	}
}

func TestSystemdUnit(t *testing.T) {
	unit, err := SystemdUnit(testSupervisor(), true)
	if err != nil {
		t.Fatalf("SystemdUnit failed: %v", err)
	}

	for _, want := range []string{
		"Description=app application service",
		"After=network.target postgresql.service",
		"User=deploy",
		"WorkingDirectory=/srv/app",
		"EnvironmentFile=/etc/app/app.env",
		"ExecStart=/srv/app/.venv/bin/gunicorn app.wsgi",
		"Restart=always",
		"RestartSec=5s",
		"WantedBy=multi-user.target",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q:\n%s", want, unit)
		}
	}
}

func TestSystemdUnitWithoutPostgres(t *testing.T) {
	unit, err := SystemdUnit(testSupervisor(), false)
	if err != nil {
		t.Fatalf("SystemdUnit failed: %v", err)
	}
	if strings.Contains(unit, "postgresql.service") {
		t.Errorf("unit should not depend on postgresql:\n%s", unit)
	}
}

func TestSystemdUnitDeterministic(t *testing.T) {
	a, _ := SystemdUnit(testSupervisor(), true)
	b, _ := SystemdUnit(testSupervisor(), true)
	if a != b {
		t.Fatal("rendering is not deterministic")
	}
}

func TestNginxSite(t *testing.T) {
	site, err := ProxySite(&manifest.ProxyConfig{
		Backend:    "nginx",
		Site:       "app",
		ServerName: "app.example.com",
		Upstream:   "127.0.0.1:8000",
		StaticRoot: "/srv/app/static",
		ListenPort: 80,
		ACMERoot:   "/var/www/acme",
	})
	if err != nil {
		t.Fatalf("ProxySite failed: %v", err)
	}

	for _, want := range []string{
		"listen 80;",
		"server_name app.example.com;",
		"proxy_pass http://127.0.0.1:8000;",
		"alias /srv/app/static/;",
		"location /.well-known/acme-challenge/",
		"root /var/www/acme;",
	} {
		if !strings.Contains(site, want) {
			t.Errorf("site missing %q:\n%s", want, site)
		}
	}
	if strings.Contains(site, "/media/") {
		t.Errorf("site should not declare media without media_root:\n%s", site)
	}
}

func TestCaddySite(t *testing.T) {
	site, err := ProxySite(&manifest.ProxyConfig{
		Backend:    "caddy",
		Site:       "app",
		ServerName: "app.example.com",
		Upstream:   "127.0.0.1:8000",
		ListenPort: 80,
	})
	if err != nil {
		t.Fatalf("ProxySite failed: %v", err)
	}
	if !strings.Contains(site, "app.example.com:80 {") {
		t.Errorf("missing site address:\n%s", site)
	}
	if !strings.Contains(site, "reverse_proxy 127.0.0.1:8000") {
		t.Errorf("missing reverse_proxy:\n%s", site)
	}
}

func TestProxySiteUnknownBackend(t *testing.T) {
	if _, err := ProxySite(&manifest.ProxyConfig{Backend: "apache"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestEnvFileSortedAndQuoted(t *testing.T) {
	got := EnvFile(map[string]secrets.Secret{
		"ZED":        secrets.NewSecret("plain"),
		"ALPHA":      secrets.NewSecret("has space"),
		"QUOTED":     secrets.NewSecret(`say "hi"`),
		"EMPTY":      secrets.NewSecret(""),
		"DB_PASSWRD": secrets.NewSecret("p$ss"),
	})

	want := "ALPHA=\"has space\"\n" +
		"DB_PASSWRD=\"p$ss\"\n" +
		"EMPTY=\"\"\n" +
		"QUOTED=\"say \\\"hi\\\"\"\n" +
		"ZED=plain\n"
	if got != want {
		t.Fatalf("unexpected env file:\ngot:\n%s\nwant:\n%s", got, want)
	}
}
