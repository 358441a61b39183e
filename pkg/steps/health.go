package steps

import (
	"context"
	"fmt"
	"time"

	"converge/pkg/health"
)

// HealthStep verifies end-to-end reachability after the host converged. It is
// a check rather than a mutation, so it plans no changes and runs on every
// apply. The proxy port and the database are probed before the HTTP endpoint
// so a failure names the broken layer instead of a generic bad gateway.
type HealthStep struct {
	checker *health.HTTPChecker
	tcp     *health.TCPChecker
}

// NewHealthStep returns a health step for the manifest's probe settings
func NewHealthStep() *HealthStep {
	return &HealthStep{}
}

// Name implements Step
func (s *HealthStep) Name() string { return "health" }

// IsCheck implements Check
func (s *HealthStep) IsCheck() bool { return true }

// Plan reports no changes; a probe never mutates the host
func (s *HealthStep) Plan(ctx context.Context, hc *HostContext) ([]Change, error) {
	return nil, nil
}

// Apply probes proxy port, database and URL, failing on the first layer that
// does not answer as expected
func (s *HealthStep) Apply(ctx context.Context, hc *HostContext) error {
	cfg := hc.Manifest.Health

	address := hc.Host.Address
	if hc.Host.Local() {
		address = "127.0.0.1"
	}

	if p := hc.Manifest.Proxy; p != nil {
		tcp := s.tcp
		if tcp == nil {
			tcp = &health.TCPChecker{}
		}
		hc.Logger.WithField("port", p.ListenPort).Info("probing proxy port")
		result := tcp.Check(address, p.ListenPort)
		if !result.OK {
			return &HealthCheckFailed{newStepError(s.Name(), result.Error,
				fmt.Errorf("proxy port %d on %s is not accepting connections", p.ListenPort, address))}
		}
	}

	if db := hc.Manifest.Database; db != nil {
		pg := &health.PostgresChecker{User: db.User, Database: db.Name, Port: db.Port}
		if db.PasswordVar != "" {
			pg.Password = hc.Secrets[db.PasswordVar].Reveal()
		}
		hc.Logger.WithField("database", db.Name).Info("probing database")
		result := pg.Check(ctx, address)
		if result.OK {
			result = pg.CheckDatabases(ctx, address, []string{db.Name})
		}
		if !result.OK {
			return &HealthCheckFailed{newStepError(s.Name(), result.Error,
				fmt.Errorf("database %s on %s is not ready", db.Name, address))}
		}
	}

	checker := s.checker
	if checker == nil {
		checker = &health.HTTPChecker{
			ExpectStatus: cfg.ExpectStatus,
			Retries:      cfg.Retries,
			Timeout:      time.Duration(cfg.TimeoutSec) * time.Second,
		}
	}

	hc.Logger.WithField("url", cfg.URL).Info("probing application health")
	result := checker.CheckURL(ctx, cfg.URL)
	if !result.OK {
		return &HealthCheckFailed{newStepError(s.Name(), result.Metadata["response"],
			fmt.Errorf("%s: %s", cfg.URL, result.Error))}
	}

	hc.Logger.WithField("latency", result.Latency.String()).Info("application healthy")
	return nil
}
