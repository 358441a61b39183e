package manifest

// Manifest represents the converge.yaml desired-state declaration for one or
// more hosts. Sections are optional; a convergence step is only planned when
// its section is present.
type Manifest struct {
	Version string          `yaml:"version"`
	Hosts   map[string]Host `yaml:"hosts,omitempty"`

	Packages     []string            `yaml:"packages,omitempty"`
	Database     *DatabaseConfig     `yaml:"database,omitempty"`
	Env          *EnvConfig          `yaml:"env,omitempty"`
	App          *AppConfig          `yaml:"app,omitempty"`
	Supervisor   *SupervisorConfig   `yaml:"supervisor,omitempty"`
	Proxy        *ProxyConfig        `yaml:"proxy,omitempty"`
	Certificates *CertificatesConfig `yaml:"certificates,omitempty"`
	Health       *HealthConfig       `yaml:"health,omitempty"`
}

// Host represents a target machine
type Host struct {
	Address string `yaml:"address,omitempty"` // empty or "localhost" converges the control node
	Port    int    `yaml:"port,omitempty"`    // SSH port, default 22
	User    string `yaml:"user,omitempty"`
	SSHKey  string `yaml:"ssh_key,omitempty"`
}

// Local reports whether the host is the control node itself
func (h Host) Local() bool {
	return h.Address == "" || h.Address == "localhost" || h.Address == "127.0.0.1"
}

// DatabaseConfig declares a Postgres database and owning role
type DatabaseConfig struct {
	Name        string `yaml:"name"`
	User        string `yaml:"user"`
	Privileges  string `yaml:"privileges,omitempty"`   // default ALL
	PasswordVar string `yaml:"password_var,omitempty"` // secret name, never the value
	AdminUser   string `yaml:"admin_user,omitempty"`   // default postgres
	Port        int    `yaml:"port,omitempty"`         // default 5432
}

// EnvConfig declares the environment/secrets file. Vars lists variable names
// only; values come from the secret source at apply time.
type EnvConfig struct {
	Path  string   `yaml:"path"`
	Vars  []string `yaml:"vars"`
	Owner string   `yaml:"owner,omitempty"`
	Group string   `yaml:"group,omitempty"`
}

// AppConfig declares the application checkout and its own tooling hooks
type AppConfig struct {
	Repo    string   `yaml:"repo"`
	Ref     string   `yaml:"ref,omitempty"` // default main
	Path    string   `yaml:"path"`
	Migrate []string `yaml:"migrate,omitempty"` // e.g. manage.py migrate
	Build   []string `yaml:"build,omitempty"`   // e.g. collectstatic
}

// SupervisorConfig declares the process-manager unit
type SupervisorConfig struct {
	Backend    string `yaml:"backend,omitempty"` // systemd (only supported backend)
	Service    string `yaml:"service"`
	WorkDir    string `yaml:"workdir"`
	ExecStart  string `yaml:"exec_start"`
	User       string `yaml:"user,omitempty"`
	EnvFile    string `yaml:"env_file,omitempty"`
	Processes  int    `yaml:"processes,omitempty"`
	Threads    int    `yaml:"threads,omitempty"`
	Restart    string `yaml:"restart,omitempty"`     // default always
	RestartSec string `yaml:"restart_sec,omitempty"` // default 5s
}

// ProxyConfig declares the reverse proxy routing
type ProxyConfig struct {
	Backend    string `yaml:"backend,omitempty"` // nginx | caddy, default nginx
	Site       string `yaml:"site"`
	ServerName string `yaml:"server_name"`
	Upstream   string `yaml:"upstream"` // host:port or unix:/path.sock
	StaticRoot string `yaml:"static_root,omitempty"`
	MediaRoot  string `yaml:"media_root,omitempty"`
	ListenPort int    `yaml:"listen_port,omitempty"` // default 80
	ACMERoot   string `yaml:"acme_root,omitempty"`   // webroot served at /.well-known/acme-challenge/
}

// CertificatesConfig declares the TLS certificate domains
type CertificatesConfig struct {
	Email           string   `yaml:"email"`
	Domains         []string `yaml:"domains"`
	Webroot         string   `yaml:"webroot,omitempty"`
	RenewBeforeDays int      `yaml:"renew_before_days,omitempty"` // default 30
	LiveDir         string   `yaml:"live_dir,omitempty"`          // default /etc/letsencrypt/live
}

// HealthConfig declares the end-to-end reachability probe
type HealthConfig struct {
	URL          string `yaml:"url"`
	ExpectStatus int    `yaml:"expect_status,omitempty"` // default 200
	Retries      int    `yaml:"retries,omitempty"`
	TimeoutSec   int    `yaml:"timeout_sec,omitempty"`
}
