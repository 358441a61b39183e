// Package orchestrator sequences convergence steps across one or more hosts
// and reports per-step outcomes.
package orchestrator

import (
	"time"

	"converge/pkg/secrets"
	"converge/pkg/steps"
)

// Status is the outcome of one step on one host
type Status string

const (
	StatusUnchanged Status = "unchanged" // host already matched the manifest
	StatusPlanned   Status = "planned"   // dry run, changes reported but not applied
	StatusApplied   Status = "applied"   // host was mutated to match the manifest
	StatusDeferred  Status = "deferred"  // failed non-fatally, retried next run
	StatusFailed    Status = "failed"    // failed fatally, run stopped
)

// Result is one step's outcome
type Result struct {
	Step     string         `json:"step"`
	Status   Status         `json:"status"`
	Changes  []steps.Change `json:"changes,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`

	// Err keeps the typed error for programmatic callers; Error carries
	// the rendered text into JSON output
	Err error `json:"-"`
}

// HostReport collects the results for one host's convergence run
type HostReport struct {
	Host    string   `json:"host"`
	Results []Result `json:"results"`
	Failed  bool     `json:"failed"`
}

// Converged reports whether every step is unchanged (full convergence with
// no drift)
func (r *HostReport) Converged() bool {
	for _, result := range r.Results {
		if result.Status != StatusUnchanged {
			return false
		}
	}
	return !r.Failed
}

// RunReport is the outcome of one orchestrator invocation
type RunReport struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Hosts     []HostReport  `json:"hosts"`
}

// Failed reports whether any host failed fatally
func (r *RunReport) Failed() bool {
	for _, host := range r.Hosts {
		if host.Failed {
			return true
		}
	}
	return false
}

// Options configures a convergence run
type Options struct {
	DryRun   bool
	Only     string // restrict the run to one step name
	Hosts    []string
	StateDir string
	Timeout  time.Duration
	Secrets  map[string]secrets.Secret
}

// stepDependencies is the fixed dependency relation between steps. The
// proxy must route HTTP before the ACME challenge can complete, the upstream
// must exist before the proxy routes to it, and so on down to packages.
func stepDependencies() map[string][]string {
	return map[string][]string{
		"packages":     {},
		"database":     {"packages"},
		"secrets":      {"packages"},
		"deploy":       {"database", "secrets"},
		"supervisor":   {"deploy", "secrets"},
		"proxy":        {"supervisor"},
		"certificates": {"proxy"},
		"health":       {"certificates", "proxy"},
	}
}
