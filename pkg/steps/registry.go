package steps

import "converge/pkg/manifest"

// ForManifest returns the convergence steps for a manifest in dependency
// order. The order is fixed: packages before database (Postgres must exist
// before roles can), secrets before deploy (migrations read the env file),
// supervisor before proxy (the upstream must answer before routing to it),
// proxy before certificates (the ACME challenge rides the HTTP vhost) and
// health last. Sections absent from the manifest contribute no step.
func ForManifest(m *manifest.Manifest) []Step {
	var ordered []Step

	if len(m.Packages) > 0 {
		ordered = append(ordered, &PackagesStep{})
	}
	if m.Database != nil {
		ordered = append(ordered, NewDatabaseStep())
	}
	if m.Env != nil {
		ordered = append(ordered, &EnvFileStep{})
	}
	if m.App != nil {
		ordered = append(ordered, &DeployStep{})
	}
	if m.Supervisor != nil {
		ordered = append(ordered, NewSupervisorStep())
	}
	if m.Proxy != nil {
		ordered = append(ordered, &ProxyStep{})
	}
	if m.Certificates != nil {
		ordered = append(ordered, NewCertificatesStep())
	}
	if m.Health != nil {
		ordered = append(ordered, NewHealthStep())
	}
	return ordered
}

// SecretNames collects every secret variable the manifest references
func SecretNames(m *manifest.Manifest) []string {
	seen := make(map[string]bool)
	var names []string

	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	if m.Env != nil {
		for _, name := range m.Env.Vars {
			add(name)
		}
	}
	if m.Database != nil {
		add(m.Database.PasswordVar)
	}
	return names
}
