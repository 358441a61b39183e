package manifest

import (
	"strings"
	"testing"
)

const fullManifest = `
version: "1"
hosts:
  web1:
    address: 203.0.113.10
    user: deploy
packages:
  - nginx
  - postgresql
database:
  name: appdb
  user: appuser
  password_var: DB_PASSWORD
env:
  path: /etc/app/app.env
  vars:
    - SECRET_KEY
    - DB_PASSWORD
app:
  repo: https://git.example.com/app.git
  path: /srv/app
supervisor:
  service: app
  workdir: /srv/app
  exec_start: /srv/app/.venv/bin/gunicorn app.wsgi
proxy:
  site: app
  server_name: app.example.com
  upstream: 127.0.0.1:8000
certificates:
  email: ops@example.com
  domains:
    - app.example.com
health:
  url: https://app.example.com/healthz
`

func TestParseFullManifest(t *testing.T) {
	m, err := Parse([]byte(fullManifest))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(m.Packages) != 2 {
		t.Errorf("unexpected packages: %v", m.Packages)
	}
	if m.Database.Name != "appdb" || m.Database.User != "appuser" {
		t.Errorf("unexpected database config: %+v", m.Database)
	}
	if m.Hosts["web1"].Address != "203.0.113.10" {
		t.Errorf("unexpected host address: %+v", m.Hosts["web1"])
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	m, err := Parse([]byte(fullManifest))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if m.Database.Privileges != "ALL" {
		t.Errorf("database privileges default: %q", m.Database.Privileges)
	}
	if m.Database.AdminUser != "postgres" || m.Database.Port != 5432 {
		t.Errorf("database admin defaults: %+v", m.Database)
	}
	if m.App.Ref != "main" {
		t.Errorf("app ref default: %q", m.App.Ref)
	}
	if m.Supervisor.Backend != "systemd" || m.Supervisor.Restart != "always" {
		t.Errorf("supervisor defaults: %+v", m.Supervisor)
	}
	if m.Supervisor.EnvFile != "/etc/app/app.env" {
		t.Errorf("supervisor env_file should inherit env.path: %q", m.Supervisor.EnvFile)
	}
	if m.Proxy.Backend != "nginx" || m.Proxy.ListenPort != 80 {
		t.Errorf("proxy defaults: %+v", m.Proxy)
	}
	if m.Certificates.RenewBeforeDays != 30 {
		t.Errorf("certificates renew default: %d", m.Certificates.RenewBeforeDays)
	}
	if m.Health.ExpectStatus != 200 || m.Health.Retries != 3 {
		t.Errorf("health defaults: %+v", m.Health)
	}
	if m.Hosts["web1"].Port != 22 {
		t.Errorf("host port default: %d", m.Hosts["web1"].Port)
	}
}

func TestParseEmptyHostsDefaultsToLocal(t *testing.T) {
	m, err := Parse([]byte("version: \"1\"\npackages: [curl]\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	h, ok := m.Hosts["local"]
	if !ok {
		t.Fatalf("expected implicit local host, got %v", m.Hosts)
	}
	if !h.Local() {
		t.Errorf("implicit host should be local: %+v", h)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("version: \"1\"\npackges: [nginx]\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidateRejectsBadDatabaseIdentifiers(t *testing.T) {
	_, err := Parse([]byte(`
database:
  name: "app;db"
  user: appuser
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "database.name") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateRejectsUnknownProxyBackend(t *testing.T) {
	_, err := Parse([]byte(`
proxy:
  backend: apache
  site: app
  server_name: app.example.com
  upstream: 127.0.0.1:8000
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "proxy.backend") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateRejectsRemoteHostWithoutUser(t *testing.T) {
	_, err := Parse([]byte(`
hosts:
  web1:
    address: 203.0.113.10
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "require a user") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateRejectsBadEnvVarNames(t *testing.T) {
	_, err := Parse([]byte(`
env:
  path: /etc/app/app.env
  vars:
    - "db-password"
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "env.vars") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestHostLocal(t *testing.T) {
	cases := []struct {
		address string
		want    bool
	}{
		{"", true},
		{"localhost", true},
		{"127.0.0.1", true},
		{"203.0.113.10", false},
	}
	for _, tc := range cases {
		if got := (Host{Address: tc.address}).Local(); got != tc.want {
			t.Errorf("Local(%q) = %v, want %v", tc.address, got, tc.want)
		}
	}
}
