package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"converge/pkg/manifest"
	"converge/pkg/ssh"
	"converge/pkg/steps"
)

// RunnerFactory opens a command runner for one host
type RunnerFactory func(ctx context.Context, host manifest.Host) (ssh.Runner, error)

// Executor runs convergence plans against hosts
type Executor struct {
	logger    *logrus.Logger
	runnerFor RunnerFactory
	pool      *ssh.Pool
}

// NewExecutor returns an executor that connects over SSH for remote hosts and
// runs commands directly for local ones. Remote connections are pooled so the
// step commands for one host share a session.
func NewExecutor(logger *logrus.Logger) *Executor {
	e := &Executor{logger: logger, pool: ssh.NewPool(30 * time.Second)}
	e.runnerFor = e.pooledRunner
	return e
}

// NewExecutorWithRunner returns an executor using a custom runner factory,
// mainly for tests.
func NewExecutorWithRunner(logger *logrus.Logger, factory RunnerFactory) *Executor {
	return &Executor{logger: logger, runnerFor: factory}
}

func (e *Executor) pooledRunner(ctx context.Context, host manifest.Host) (ssh.Runner, error) {
	if host.Local() {
		return ssh.NewLocalRunner(""), nil
	}
	return e.pool.Healthy(ctx, &ssh.ConnectionConfig{
		Address: host.Address,
		Port:    host.Port,
		User:    host.User,
		KeyPath: host.SSHKey,
		Timeout: 30 * time.Second,
	})
}

// Run converges every selected host. Hosts converge concurrently and
// independently: one host failing or hanging never cancels another, so the
// group deliberately carries no shared cancellation.
func (e *Executor) Run(ctx context.Context, m *manifest.Manifest, opts Options) (*RunReport, error) {
	report := &RunReport{
		RunID:     uuid.New().String(),
		StartedAt: time.Now(),
	}

	selected, err := selectHosts(m, opts.Hosts)
	if err != nil {
		return nil, err
	}

	runLogger := e.logger.WithField("run_id", report.RunID)

	reports := make([]HostReport, len(selected))
	var group errgroup.Group
	for i, name := range selected {
		i, name := i, name
		group.Go(func() error {
			reports[i] = e.runHost(ctx, runLogger, name, m.Hosts[name], m, opts)
			return nil
		})
	}
	group.Wait()

	if e.pool != nil {
		_ = e.pool.Close()
	}

	report.Hosts = reports
	report.Duration = time.Since(report.StartedAt)
	return report, nil
}

func selectHosts(m *manifest.Manifest, only []string) ([]string, error) {
	var selected []string
	if len(only) == 0 {
		for name := range m.Hosts {
			selected = append(selected, name)
		}
		sort.Strings(selected)
		return selected, nil
	}

	for _, name := range only {
		if _, ok := m.Hosts[name]; !ok {
			return nil, fmt.Errorf("host %s is not declared in the manifest", name)
		}
		selected = append(selected, name)
	}
	return selected, nil
}

func (e *Executor) runHost(ctx context.Context, runLogger *logrus.Entry, name string, host manifest.Host, m *manifest.Manifest, opts Options) HostReport {
	report := HostReport{Host: name}
	logger := runLogger.WithField("host", name)

	plan, err := NewPlan(m, opts.Only)
	if err != nil {
		report.Failed = true
		report.Results = append(report.Results, Result{
			Step: "plan", Status: StatusFailed, Error: err.Error(), Err: err,
		})
		return report
	}

	// Pooled connections are closed once the whole run finishes, not per host.
	runner, err := e.runnerFor(ctx, host)
	if err != nil {
		report.Failed = true
		report.Results = append(report.Results, Result{
			Step: "connect", Status: StatusFailed, Error: err.Error(), Err: err,
		})
		return report
	}

	hc := steps.NewHostContext(name, host, m, runner, logger)
	hc.DryRun = opts.DryRun
	hc.StateDir = opts.StateDir
	if opts.Timeout > 0 {
		hc.Timeout = opts.Timeout
	}
	for k, v := range opts.Secrets {
		hc.Secrets[k] = v
	}

	for _, step := range plan.Steps {
		result := e.runStep(ctx, step, hc)
		report.Results = append(report.Results, result)
		if result.Status == StatusFailed {
			report.Failed = true
			break
		}
	}
	return report
}

// runStep plans one step and applies it when drift was found. Timeouts are
// bounded per step so a hanging external command fails the step instead of
// the run.
func (e *Executor) runStep(ctx context.Context, step steps.Step, hc *steps.HostContext) Result {
	result := Result{Step: step.Name()}
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	stepCtx, cancel := context.WithTimeout(ctx, hc.Timeout)
	defer cancel()

	changes, err := step.Plan(stepCtx, hc)
	if err != nil {
		return e.failure(result, err)
	}
	result.Changes = changes

	if hc.DryRun {
		if len(changes) > 0 {
			result.Status = StatusPlanned
		} else {
			result.Status = StatusUnchanged
		}
		return result
	}

	check, isCheck := step.(steps.Check)
	mustApply := len(changes) > 0 || (isCheck && check.IsCheck())
	if !mustApply {
		result.Status = StatusUnchanged
		return result
	}

	if err := step.Apply(stepCtx, hc); err != nil {
		return e.failure(result, err)
	}

	if len(changes) > 0 {
		result.Status = StatusApplied
	} else {
		result.Status = StatusUnchanged
	}
	return result
}

func (e *Executor) failure(result Result, err error) Result {
	if errors.Is(err, steps.ErrDeferred) {
		result.Status = StatusDeferred
	} else {
		result.Status = StatusFailed
	}
	result.Err = err
	result.Error = err.Error()
	return result
}
