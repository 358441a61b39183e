// Package render produces the configuration files converge installs on hosts.
// All output is deterministic so content comparison can detect drift.
package render

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"converge/pkg/manifest"
	"converge/pkg/secrets"
)

const systemdUnitTemplate = `[Unit]
Description={{.Description}}
After=network.target{{if .RequiresPostgres}} postgresql.service{{end}}

[Service]
Type=simple
{{- if .User}}
User={{.User}}
{{- end}}
WorkingDirectory={{.WorkDir}}
{{- if .EnvFile}}
EnvironmentFile={{.EnvFile}}
{{- end}}
ExecStart={{.ExecStart}}
Restart={{.Restart}}
RestartSec={{.RestartSec}}
{{- if .Processes}}
Environment=WEB_CONCURRENCY={{.Processes}}
{{- end}}
{{- if .Threads}}
Environment=PYTHON_MAX_THREADS={{.Threads}}
{{- end}}

[Install]
WantedBy=multi-user.target
`

const nginxSiteTemplate = `server {
    listen {{.ListenPort}};
    server_name {{.ServerName}};

{{- if .ACMERoot}}

    location /.well-known/acme-challenge/ {
        root {{.ACMERoot}};
    }
{{- end}}
{{- if .StaticRoot}}

    location /static/ {
        alias {{.StaticRoot}}/;
    }
{{- end}}
{{- if .MediaRoot}}

    location /media/ {
        alias {{.MediaRoot}}/;
    }
{{- end}}

    location / {
        proxy_pass http://{{.Upstream}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
}
`

const caddySiteTemplate = `{{.ServerName}}:{{.ListenPort}} {
{{- if .StaticRoot}}
	handle_path /static/* {
		root * {{.StaticRoot}}
		file_server
	}
{{- end}}
{{- if .MediaRoot}}
	handle_path /media/* {
		root * {{.MediaRoot}}
		file_server
	}
{{- end}}
	reverse_proxy {{.Upstream}}
}
`

var (
	systemdTmpl = template.Must(template.New("systemd").Parse(systemdUnitTemplate))
	nginxTmpl   = template.Must(template.New("nginx").Parse(nginxSiteTemplate))
	caddyTmpl   = template.Must(template.New("caddy").Parse(caddySiteTemplate))
)

// SystemdUnit renders the service unit for the app supervisor
func SystemdUnit(sup *manifest.SupervisorConfig, requiresPostgres bool) (string, error) {
	data := struct {
		Description      string
		RequiresPostgres bool
		*manifest.SupervisorConfig
	}{
		Description:      fmt.Sprintf("%s application service", sup.Service),
		RequiresPostgres: requiresPostgres,
		SupervisorConfig: sup,
	}

	var out strings.Builder
	if err := systemdTmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("failed to render systemd unit: %w", err)
	}
	return out.String(), nil
}

// ProxySite renders the site configuration for the configured proxy backend
func ProxySite(p *manifest.ProxyConfig) (string, error) {
	var tmpl *template.Template
	switch p.Backend {
	case "nginx":
		tmpl = nginxTmpl
	case "caddy":
		tmpl = caddyTmpl
	default:
		return "", fmt.Errorf("unsupported proxy backend: %s", p.Backend)
	}

	var out strings.Builder
	if err := tmpl.Execute(&out, p); err != nil {
		return "", fmt.Errorf("failed to render %s site: %w", p.Backend, err)
	}
	return out.String(), nil
}

// EnvFile renders a dotenv file with sorted keys. Values containing spaces,
// quotes or shell metacharacters are quoted so the file loads identically
// under systemd EnvironmentFile and dotenv parsers.
func EnvFile(vars map[string]secrets.Secret) string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	var out strings.Builder
	for _, name := range names {
		fmt.Fprintf(&out, "%s=%s\n", name, quoteEnvValue(vars[name].Reveal()))
	}
	return out.String()
}

func quoteEnvValue(value string) string {
	if value == "" {
		return `""`
	}
	if strings.ContainsAny(value, " \t\"'\\$#") {
		escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(value)
		return `"` + escaped + `"`
	}
	return value
}
