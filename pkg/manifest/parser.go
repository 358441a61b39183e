package manifest

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Load reads and validates a manifest file. Unknown fields are rejected so
// typos surface before any step runs.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes manifest YAML, applies defaults and validates
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if len(m.Hosts) == 0 {
		m.Hosts = map[string]Host{"local": {}}
	}
	for name, h := range m.Hosts {
		if h.Port == 0 {
			h.Port = 22
		}
		m.Hosts[name] = h
	}
	if db := m.Database; db != nil {
		if db.Privileges == "" {
			db.Privileges = "ALL"
		}
		if db.AdminUser == "" {
			db.AdminUser = "postgres"
		}
		if db.Port == 0 {
			db.Port = 5432
		}
	}
	if app := m.App; app != nil && app.Ref == "" {
		app.Ref = "main"
	}
	if sup := m.Supervisor; sup != nil {
		if sup.Backend == "" {
			sup.Backend = "systemd"
		}
		if sup.Restart == "" {
			sup.Restart = "always"
		}
		if sup.RestartSec == "" {
			sup.RestartSec = "5s"
		}
		if sup.EnvFile == "" && m.Env != nil {
			sup.EnvFile = m.Env.Path
		}
	}
	if p := m.Proxy; p != nil {
		if p.Backend == "" {
			p.Backend = "nginx"
		}
		if p.ListenPort == 0 {
			p.ListenPort = 80
		}
	}
	if c := m.Certificates; c != nil {
		if c.RenewBeforeDays == 0 {
			c.RenewBeforeDays = 30
		}
		if c.LiveDir == "" {
			c.LiveDir = "/etc/letsencrypt/live"
		}
		if c.Webroot == "" && m.Proxy != nil && m.Proxy.ACMERoot != "" {
			c.Webroot = m.Proxy.ACMERoot
		}
	}
	if h := m.Health; h != nil {
		if h.ExpectStatus == 0 {
			h.ExpectStatus = 200
		}
		if h.Retries == 0 {
			h.Retries = 3
		}
		if h.TimeoutSec == 0 {
			h.TimeoutSec = 10
		}
	}
}

// Validate checks the manifest for structural problems. It runs before any
// step so a bad manifest never half-converges a host.
func (m *Manifest) Validate() error {
	var errs []string

	for name, h := range m.Hosts {
		if !h.Local() && h.User == "" {
			errs = append(errs, fmt.Sprintf("host %q: remote hosts require a user", name))
		}
	}

	for _, pkg := range m.Packages {
		if strings.TrimSpace(pkg) == "" {
			errs = append(errs, "packages: empty package name")
		}
	}

	if db := m.Database; db != nil {
		if !identifierPattern.MatchString(db.Name) {
			errs = append(errs, fmt.Sprintf("database.name %q is not a valid identifier", db.Name))
		}
		if !identifierPattern.MatchString(db.User) {
			errs = append(errs, fmt.Sprintf("database.user %q is not a valid identifier", db.User))
		}
	}

	if env := m.Env; env != nil {
		if env.Path == "" {
			errs = append(errs, "env.path is required")
		}
		if len(env.Vars) == 0 {
			errs = append(errs, "env.vars must list at least one variable")
		}
		for _, v := range env.Vars {
			if !envVarPattern.MatchString(v) {
				errs = append(errs, fmt.Sprintf("env.vars: %q is not a valid variable name", v))
			}
		}
	}

	if app := m.App; app != nil {
		if app.Repo == "" {
			errs = append(errs, "app.repo is required")
		}
		if app.Path == "" {
			errs = append(errs, "app.path is required")
		}
	}

	if sup := m.Supervisor; sup != nil {
		if sup.Backend != "systemd" {
			errs = append(errs, fmt.Sprintf("supervisor.backend %q is not supported (want systemd)", sup.Backend))
		}
		if sup.Service == "" {
			errs = append(errs, "supervisor.service is required")
		}
		if sup.ExecStart == "" {
			errs = append(errs, "supervisor.exec_start is required")
		}
		if !unitNamePattern.MatchString(sup.Service) && sup.Service != "" {
			errs = append(errs, fmt.Sprintf("supervisor.service %q is not a valid unit name", sup.Service))
		}
	}

	if p := m.Proxy; p != nil {
		if p.Backend != "nginx" && p.Backend != "caddy" {
			errs = append(errs, fmt.Sprintf("proxy.backend %q is not supported (want nginx or caddy)", p.Backend))
		}
		if p.Site == "" {
			errs = append(errs, "proxy.site is required")
		}
		if p.ServerName == "" {
			errs = append(errs, "proxy.server_name is required")
		}
		if p.Upstream == "" {
			errs = append(errs, "proxy.upstream is required")
		}
	}

	if c := m.Certificates; c != nil {
		if c.Email == "" {
			errs = append(errs, "certificates.email is required")
		}
		if len(c.Domains) == 0 {
			errs = append(errs, "certificates.domains must list at least one domain")
		}
	}

	if h := m.Health; h != nil && h.URL == "" {
		errs = append(errs, "health.url is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("manifest validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

var (
	envVarPattern   = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
	unitNamePattern = regexp.MustCompile(`^[a-zA-Z0-9:_.-]+$`)
)
