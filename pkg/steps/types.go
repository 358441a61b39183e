// Package steps implements the convergence steps that bring a host to the
// state a manifest declares. Every step separates planning (read-only drift
// detection) from applying (idempotent mutation).
package steps

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"converge/pkg/facts"
	"converge/pkg/manifest"
	"converge/pkg/secrets"
	"converge/pkg/ssh"
)

// Change is one planned or applied mutation
type Change struct {
	Action string `json:"action"` // install | create | write | deploy | configure | request | renew
	Detail string `json:"detail"`
}

// HostContext carries everything a step needs for one host
type HostContext struct {
	HostName string
	Host     manifest.Host
	Manifest *manifest.Manifest
	Runner   ssh.Runner
	Facts    *facts.Gatherer
	Secrets  map[string]secrets.Secret
	Logger   *logrus.Entry
	DryRun   bool
	StateDir string // control-node directory for converge bookkeeping
	Timeout  time.Duration
}

// Step is one convergence unit. Plan reports drift without mutating anything;
// Apply converges the host and must be safe to run repeatedly.
type Step interface {
	Name() string
	Plan(ctx context.Context, hc *HostContext) ([]Change, error)
	Apply(ctx context.Context, hc *HostContext) error
}

// Check marks steps that verify state instead of mutating it. The executor
// runs them on every non-dry run even when Plan reports no changes.
type Check interface {
	IsCheck() bool
}

// NewHostContext builds a context with defaults filled in
func NewHostContext(name string, host manifest.Host, m *manifest.Manifest, runner ssh.Runner, logger *logrus.Entry) *HostContext {
	return &HostContext{
		HostName: name,
		Host:     host,
		Manifest: m,
		Runner:   runner,
		Facts:    facts.NewGatherer(runner),
		Secrets:  make(map[string]secrets.Secret),
		Logger:   logger,
		Timeout:  5 * time.Minute,
	}
}
