package steps

import (
	"bytes"
	"context"
	"fmt"

	"converge/pkg/render"
	"converge/pkg/ssh"
)

// proxyBackend abstracts the backend-specific paths and commands. Rendering,
// drift detection and the validate-before-reload discipline are shared.
//
// caddy validates a staged file before it is installed. nginx has no
// single-file validator, so the rendered site is installed first and the full
// config checked with nginx -t before any reload; an invalid config is
// restored without the running proxy ever loading it.
type proxyBackend interface {
	sitePath(site string) string
	// preValidate checks a staged config file before installation
	preValidate(ctx context.Context, hc *HostContext, stagedPath string) (*ssh.CommandResult, error)
	// postValidate checks the full installed config before reload
	postValidate(ctx context.Context, hc *HostContext) (*ssh.CommandResult, error)
	// activate makes the installed site live (symlinks for nginx, no-op for caddy)
	activate(ctx context.Context, hc *HostContext, site string) error
	// deactivate undoes activate during rollback of a site that never existed
	deactivate(ctx context.Context, hc *HostContext, site string) error
	reload(ctx context.Context, hc *HostContext) (*ssh.CommandResult, error)
}

// ProxyStep renders and installs the reverse proxy site configuration. The
// rendered config is validated by the proxy's own syntax checker before the
// running proxy reloads it, and a failed reload restores the previous config.
type ProxyStep struct{}

// Name implements Step
func (s *ProxyStep) Name() string { return "proxy" }

func (s *ProxyStep) backend(hc *HostContext) (proxyBackend, error) {
	switch hc.Manifest.Proxy.Backend {
	case "nginx":
		return &nginxBackend{}, nil
	case "caddy":
		return &caddyBackend{}, nil
	default:
		return nil, fmt.Errorf("unsupported proxy backend: %s", hc.Manifest.Proxy.Backend)
	}
}

// Plan reports one change when the rendered site differs from the installed one
func (s *ProxyStep) Plan(ctx context.Context, hc *HostContext) ([]Change, error) {
	p := hc.Manifest.Proxy

	backend, err := s.backend(hc)
	if err != nil {
		return nil, &ProxyConfigInvalid{newStepError(s.Name(), "", err)}
	}
	desired, err := render.ProxySite(p)
	if err != nil {
		return nil, &ProxyConfigInvalid{newStepError(s.Name(), "", err)}
	}

	current, err := hc.Runner.ReadFile(ctx, backend.sitePath(p.Site))
	if err == nil && bytes.Equal(current, []byte(desired)) {
		return nil, nil
	}
	return []Change{{
		Action: "configure",
		Detail: fmt.Sprintf("%s site %s for %s", p.Backend, p.Site, p.ServerName),
	}}, nil
}

// Apply stages, validates, installs and reloads. Validation failure leaves the
// live config untouched and skips the reload; reload failure restores the
// previous config and reloads it.
func (s *ProxyStep) Apply(ctx context.Context, hc *HostContext) error {
	p := hc.Manifest.Proxy

	backend, err := s.backend(hc)
	if err != nil {
		return &ProxyConfigInvalid{newStepError(s.Name(), "", err)}
	}
	desired, err := render.ProxySite(p)
	if err != nil {
		return &ProxyConfigInvalid{newStepError(s.Name(), "", err)}
	}

	target := backend.sitePath(p.Site)
	previous, readErr := hc.Runner.ReadFile(ctx, target)
	hadPrevious := readErr == nil
	if hadPrevious && bytes.Equal(previous, []byte(desired)) {
		if err := backend.activate(ctx, hc, p.Site); err != nil {
			return &ProxyReloadError{newStepError(s.Name(), "", err)}
		}
		return nil
	}

	staged := target + ".staged"
	if err := hc.Runner.WriteFile(ctx, ssh.FileSpec{Path: staged, Data: []byte(desired), Mode: 0644}); err != nil {
		return &ProxyConfigInvalid{newStepError(s.Name(), "",
			fmt.Errorf("failed to stage config: %w", err))}
	}
	defer hc.Runner.Run(ctx, fmt.Sprintf("sudo rm -f %s", staged))

	if result, err := backend.preValidate(ctx, hc, staged); err != nil {
		return &ProxyConfigInvalid{newStepError(s.Name(), resultStderr(result),
			fmt.Errorf("%s rejected rendered config: %w", p.Backend, err))}
	}

	hc.Logger.WithField("site", p.Site).Info("installing proxy site")
	if err := hc.Runner.WriteFile(ctx, ssh.FileSpec{Path: target, Data: []byte(desired), Mode: 0644}); err != nil {
		return &ProxyConfigInvalid{newStepError(s.Name(), "",
			fmt.Errorf("failed to install config: %w", err))}
	}
	if err := backend.activate(ctx, hc, p.Site); err != nil {
		s.restore(ctx, hc, backend, p.Site, target, previous, hadPrevious)
		return &ProxyReloadError{newStepError(s.Name(), "", err)}
	}

	if result, err := backend.postValidate(ctx, hc); err != nil {
		// The running proxy never saw the bad config; restore and skip reload
		s.restore(ctx, hc, backend, p.Site, target, previous, hadPrevious)
		return &ProxyConfigInvalid{newStepError(s.Name(), resultStderr(result),
			fmt.Errorf("%s rejected rendered config: %w", p.Backend, err))}
	}

	if result, err := backend.reload(ctx, hc); err != nil {
		s.restore(ctx, hc, backend, p.Site, target, previous, hadPrevious)
		backend.reload(ctx, hc)
		return &ProxyReloadError{newStepError(s.Name(), resultStderr(result),
			fmt.Errorf("%s reload failed: %w", p.Backend, err))}
	}
	return nil
}

func (s *ProxyStep) restore(ctx context.Context, hc *HostContext, backend proxyBackend, site, target string, previous []byte, hadPrevious bool) {
	hc.Logger.Warn("restoring previous proxy config")
	if hadPrevious {
		if err := hc.Runner.WriteFile(ctx, ssh.FileSpec{Path: target, Data: previous, Mode: 0644}); err != nil {
			hc.Logger.WithError(err).Error("failed to restore previous proxy config")
		}
		return
	}
	// The site never existed: remove the file and whatever activate enabled,
	// or a dangling sites-enabled link fails every later validation
	if _, err := hc.Runner.Run(ctx, fmt.Sprintf("sudo rm -f %s", target)); err != nil {
		hc.Logger.WithError(err).Error("failed to remove broken proxy config")
	}
	if err := backend.deactivate(ctx, hc, site); err != nil {
		hc.Logger.WithError(err).Error("failed to disable broken proxy site")
	}
}

func resultStderr(result *ssh.CommandResult) string {
	if result == nil {
		return ""
	}
	if result.Stderr != "" {
		return result.Stderr
	}
	return result.Stdout
}

type nginxBackend struct{}

func (b *nginxBackend) sitePath(site string) string {
	return fmt.Sprintf("/etc/nginx/sites-available/%s", site)
}

func (b *nginxBackend) preValidate(context.Context, *HostContext, string) (*ssh.CommandResult, error) {
	return nil, nil
}

func (b *nginxBackend) postValidate(ctx context.Context, hc *HostContext) (*ssh.CommandResult, error) {
	return hc.Runner.Run(ctx, "sudo nginx -t")
}

func (b *nginxBackend) activate(ctx context.Context, hc *HostContext, site string) error {
	command := fmt.Sprintf("sudo ln -sf /etc/nginx/sites-available/%s /etc/nginx/sites-enabled/%s", site, site)
	if result, err := hc.Runner.Run(ctx, command); err != nil {
		return fmt.Errorf("failed to enable site %s: %w (%s)", site, err, resultStderr(result))
	}
	return nil
}

func (b *nginxBackend) deactivate(ctx context.Context, hc *HostContext, site string) error {
	command := fmt.Sprintf("sudo rm -f /etc/nginx/sites-enabled/%s", site)
	if result, err := hc.Runner.Run(ctx, command); err != nil {
		return fmt.Errorf("failed to disable site %s: %w (%s)", site, err, resultStderr(result))
	}
	return nil
}

func (b *nginxBackend) reload(ctx context.Context, hc *HostContext) (*ssh.CommandResult, error) {
	return hc.Runner.Run(ctx, "sudo systemctl reload nginx")
}

type caddyBackend struct{}

func (b *caddyBackend) sitePath(string) string {
	return "/etc/caddy/Caddyfile"
}

func (b *caddyBackend) preValidate(ctx context.Context, hc *HostContext, stagedPath string) (*ssh.CommandResult, error) {
	return hc.Runner.Run(ctx, fmt.Sprintf("caddy validate --adapter caddyfile --config %s", stagedPath))
}

func (b *caddyBackend) postValidate(context.Context, *HostContext) (*ssh.CommandResult, error) {
	return nil, nil
}

func (b *caddyBackend) activate(context.Context, *HostContext, string) error {
	return nil
}

func (b *caddyBackend) deactivate(context.Context, *HostContext, string) error {
	return nil
}

func (b *caddyBackend) reload(ctx context.Context, hc *HostContext) (*ssh.CommandResult, error) {
	return hc.Runner.Run(ctx, "sudo systemctl reload caddy")
}
