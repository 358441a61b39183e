package steps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"converge/pkg/facts"
	"converge/pkg/render"
	"converge/pkg/ssh"
)

// SupervisorStep renders and installs the systemd unit for the application
// and restarts it. A unit that fails to reach a ready state is rolled back to
// the previous unit file.
type SupervisorStep struct {
	// readyTimeout bounds the wait for the restarted unit to become active
	readyTimeout time.Duration
	pollInterval time.Duration
}

// NewSupervisorStep returns a supervisor step with default timeouts
func NewSupervisorStep() *SupervisorStep {
	return &SupervisorStep{readyTimeout: 30 * time.Second, pollInterval: time.Second}
}

// Name implements Step
func (s *SupervisorStep) Name() string { return "supervisor" }

func unitPath(service string) string {
	return fmt.Sprintf("/etc/systemd/system/%s.service", service)
}

// Plan reports one change when the rendered unit differs from the installed
// one, or when the unit is converged but the service is not running.
func (s *SupervisorStep) Plan(ctx context.Context, hc *HostContext) ([]Change, error) {
	sup := hc.Manifest.Supervisor

	desired, err := render.SystemdUnit(sup, hc.Manifest.Database != nil)
	if err != nil {
		return nil, &SupervisorReloadError{newStepError(s.Name(), "", err)}
	}

	current, err := hc.Runner.ReadFile(ctx, unitPath(sup.Service))
	if err == nil && bytes.Equal(current, []byte(desired)) {
		state, stateErr := hc.Facts.Service(ctx, sup.Service)
		if stateErr == nil && state == facts.ServiceActive {
			return nil, nil
		}
		return []Change{{
			Action: "restart",
			Detail: fmt.Sprintf("service %s (%s)", sup.Service, state),
		}}, nil
	}

	action := "configure"
	detail := fmt.Sprintf("systemd unit %s.service", sup.Service)
	if errors.Is(err, os.ErrNotExist) {
		detail = fmt.Sprintf("systemd unit %s.service (new)", sup.Service)
	}
	return []Change{{Action: action, Detail: detail}}, nil
}

// Apply installs the unit, reloads systemd and restarts the service. If the
// service does not reach an active state within the ready timeout the previous
// unit file is restored and restarted, so the host never keeps a broken unit.
func (s *SupervisorStep) Apply(ctx context.Context, hc *HostContext) error {
	sup := hc.Manifest.Supervisor
	path := unitPath(sup.Service)

	desired, err := render.SystemdUnit(sup, hc.Manifest.Database != nil)
	if err != nil {
		return &SupervisorReloadError{newStepError(s.Name(), "", err)}
	}

	previous, readErr := hc.Runner.ReadFile(ctx, path)
	hadPrevious := readErr == nil
	if hadPrevious && bytes.Equal(previous, []byte(desired)) {
		// Unit already converged; make sure the service is actually running
		if active, _ := s.isActive(ctx, hc, sup.Service); active {
			return nil
		}
	}

	hc.Logger.WithField("unit", sup.Service).Info("installing systemd unit")
	if err := hc.Runner.WriteFile(ctx, ssh.FileSpec{Path: path, Data: []byte(desired), Mode: 0644}); err != nil {
		return &SupervisorReloadError{newStepError(s.Name(), "",
			fmt.Errorf("failed to install unit: %w", err))}
	}

	if err := s.restart(ctx, hc, sup.Service); err != nil {
		s.rollback(ctx, hc, path, previous, hadPrevious, sup.Service)
		return err
	}
	return nil
}

func (s *SupervisorStep) restart(ctx context.Context, hc *HostContext, service string) error {
	commands := []string{
		"sudo systemctl daemon-reload",
		fmt.Sprintf("sudo systemctl enable %s", ssh.ShellQuote(service)),
		fmt.Sprintf("sudo systemctl restart %s", ssh.ShellQuote(service)),
	}
	for _, command := range commands {
		if result, err := hc.Runner.Run(ctx, command); err != nil {
			output := ""
			if result != nil {
				output = result.Stderr
			}
			return &SupervisorReloadError{newStepError(s.Name(), output,
				fmt.Errorf("%s: %w", command, err))}
		}
	}

	deadline := time.Now().Add(s.readyTimeout)
	for {
		active, state := s.isActive(ctx, hc, service)
		if active {
			return nil
		}
		if state == "failed" || time.Now().After(deadline) {
			output := s.unitLog(ctx, hc, service)
			return &SupervisorReloadError{newStepError(s.Name(), output,
				fmt.Errorf("service %s did not become active (state: %s)", service, state))}
		}
		select {
		case <-ctx.Done():
			return &SupervisorReloadError{newStepError(s.Name(), "", ctx.Err())}
		case <-time.After(s.pollInterval):
		}
	}
}

func (s *SupervisorStep) isActive(ctx context.Context, hc *HostContext, service string) (bool, string) {
	result, err := hc.Runner.Run(ctx, fmt.Sprintf("systemctl is-active %s", ssh.ShellQuote(service)))
	if result == nil {
		return false, fmt.Sprintf("unknown (%v)", err)
	}
	state := strings.TrimSpace(result.Stdout)
	return state == "active", state
}

func (s *SupervisorStep) unitLog(ctx context.Context, hc *HostContext, service string) string {
	result, err := hc.Runner.Run(ctx,
		fmt.Sprintf("sudo journalctl -u %s --no-pager -n 20", ssh.ShellQuote(service)))
	if err != nil || result == nil {
		return ""
	}
	return result.Stdout
}

func (s *SupervisorStep) rollback(ctx context.Context, hc *HostContext, path string, previous []byte, hadPrevious bool, service string) {
	hc.Logger.WithField("unit", service).Warn("restoring previous unit after failed restart")

	if hadPrevious {
		if err := hc.Runner.WriteFile(ctx, ssh.FileSpec{Path: path, Data: previous, Mode: 0644}); err != nil {
			hc.Logger.WithError(err).Error("failed to restore previous unit")
			return
		}
	} else {
		if _, err := hc.Runner.Run(ctx, fmt.Sprintf("sudo rm -f %s", path)); err != nil {
			hc.Logger.WithError(err).Error("failed to remove broken unit")
			return
		}
	}

	hc.Runner.Run(ctx, "sudo systemctl daemon-reload")
	if hadPrevious {
		hc.Runner.Run(ctx, fmt.Sprintf("sudo systemctl restart %s", ssh.ShellQuote(service)))
	}
}
