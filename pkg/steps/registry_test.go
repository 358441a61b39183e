package steps

import (
	"reflect"
	"testing"

	"converge/pkg/manifest"
)

func TestForManifestFullOrder(t *testing.T) {
	m := &manifest.Manifest{
		Packages:     []string{"nginx"},
		Database:     &manifest.DatabaseConfig{Name: "app_db", User: "app_user"},
		Env:          &manifest.EnvConfig{Path: "/etc/app/app.env", Vars: []string{"KEY"}},
		App:          &manifest.AppConfig{Repo: "r", Path: "/srv/app"},
		Supervisor:   &manifest.SupervisorConfig{Service: "app"},
		Proxy:        &manifest.ProxyConfig{Backend: "nginx", Site: "app"},
		Certificates: &manifest.CertificatesConfig{Domains: []string{"example.com"}},
		Health:       &manifest.HealthConfig{URL: "http://example.com/healthz"},
	}

	var names []string
	for _, step := range ForManifest(m) {
		names = append(names, step.Name())
	}

	want := []string{"packages", "database", "secrets", "deploy", "supervisor", "proxy", "certificates", "health"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("unexpected order: %v", names)
	}
}

func TestForManifestSkipsAbsentSections(t *testing.T) {
	m := &manifest.Manifest{
		Packages: []string{"nginx"},
		Proxy:    &manifest.ProxyConfig{Backend: "nginx", Site: "app"},
	}

	var names []string
	for _, step := range ForManifest(m) {
		names = append(names, step.Name())
	}
	if !reflect.DeepEqual(names, []string{"packages", "proxy"}) {
		t.Fatalf("unexpected steps: %v", names)
	}
}

func TestSecretNamesCollectsEnvAndDatabase(t *testing.T) {
	m := &manifest.Manifest{
		Database: &manifest.DatabaseConfig{PasswordVar: "DB_PASSWORD"},
		Env:      &manifest.EnvConfig{Vars: []string{"SECRET_KEY", "DB_PASSWORD"}},
	}

	names := SecretNames(m)
	if !reflect.DeepEqual(names, []string{"SECRET_KEY", "DB_PASSWORD"}) {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestHealthStepIsCheck(t *testing.T) {
	var step Step = NewHealthStep()
	check, ok := step.(Check)
	if !ok || !check.IsCheck() {
		t.Fatal("health step must be a check")
	}
}
