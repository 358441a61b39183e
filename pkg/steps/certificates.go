package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/yaml.v3"

	"converge/pkg/fsutil"
	"converge/pkg/ssh"
)

// CertState is the lifecycle state of one domain's certificate
type CertState string

const (
	CertAbsent    CertState = "absent"
	CertRequested CertState = "requested"
	CertIssued    CertState = "issued"
	CertExpiring  CertState = "expiring"
	CertRenewed   CertState = "renewed"
	CertFailed    CertState = "failed"
)

// domainRecord is the persisted per-domain retry bookkeeping. It lives in a
// state file on the control node; the authoritative certificate state is
// always re-read from the host.
type domainRecord struct {
	State       CertState `yaml:"state"`
	Failures    int       `yaml:"failures,omitempty"`
	NextAttempt time.Time `yaml:"next_attempt,omitempty"`
	LastError   string    `yaml:"last_error,omitempty"`
}

type certStateFile struct {
	Domains map[string]domainRecord `yaml:"domains"`
}

// CertificatesStep requests and renews TLS certificates through certbot's
// webroot challenge. ACME failures defer with exponential backoff instead of
// failing the run, so a CA outage never blocks unrelated steps.
type CertificatesStep struct {
	now func() time.Time
}

// NewCertificatesStep returns a certificate step using the wall clock
func NewCertificatesStep() *CertificatesStep {
	return &CertificatesStep{now: time.Now}
}

// Name implements Step
func (s *CertificatesStep) Name() string { return "certificates" }

// Plan reports a request for each domain without a valid certificate and a
// renewal for each certificate inside the renewal window.
func (s *CertificatesStep) Plan(ctx context.Context, hc *HostContext) ([]Change, error) {
	cfg := hc.Manifest.Certificates

	var changes []Change
	for _, domain := range cfg.Domains {
		state, err := s.observe(ctx, hc, domain)
		if err != nil {
			return nil, &CertificateError{newStepError(s.Name(), "", err)}
		}
		switch state {
		case CertAbsent:
			changes = append(changes, Change{Action: "request", Detail: fmt.Sprintf("certificate for %s", domain)})
		case CertExpiring:
			changes = append(changes, Change{Action: "renew", Detail: fmt.Sprintf("certificate for %s", domain)})
		}
	}
	return changes, nil
}

// Apply walks each domain through its state transitions. A domain still inside
// its backoff window is skipped. Any failure is recorded and deferred.
func (s *CertificatesStep) Apply(ctx context.Context, hc *HostContext) error {
	cfg := hc.Manifest.Certificates

	records, err := s.loadState(hc)
	if err != nil {
		return &CertificateError{newStepError(s.Name(), "", err)}
	}

	var deferred []string
	for _, domain := range cfg.Domains {
		state, err := s.observe(ctx, hc, domain)
		if err != nil {
			return &CertificateError{newStepError(s.Name(), "", err)}
		}
		if state == CertIssued {
			records[domain] = domainRecord{State: CertIssued}
			continue
		}

		record := records[domain]
		if record.State == CertFailed && s.now().Before(record.NextAttempt) {
			hc.Logger.WithField("domain", domain).
				WithField("next_attempt", record.NextAttempt.Format(time.RFC3339)).
				Warn("certificate attempt still backing off")
			deferred = append(deferred, domain)
			continue
		}

		if state == CertAbsent {
			records[domain] = domainRecord{State: CertRequested}
		} else {
			records[domain] = domainRecord{State: CertExpiring}
		}

		output, err := s.obtain(ctx, hc, domain, state == CertExpiring)
		if err != nil {
			record.State = CertFailed
			record.Failures++
			record.NextAttempt = s.now().Add(retryInterval(record.Failures))
			record.LastError = err.Error()
			if output != "" {
				record.LastError += "\n" + output
			}
			records[domain] = record
			deferred = append(deferred, domain)
			hc.Logger.WithField("domain", domain).WithError(err).
				Warn("certificate request failed, will retry with backoff")
			continue
		}

		if state == CertExpiring {
			records[domain] = domainRecord{State: CertRenewed}
		} else {
			records[domain] = domainRecord{State: CertIssued}
		}
		hc.Logger.WithField("domain", domain).Info("certificate issued")
	}

	if err := s.saveState(hc, records); err != nil {
		return &CertificateError{newStepError(s.Name(), "", err)}
	}

	if len(deferred) > 0 {
		return &CertificateError{newStepError(s.Name(), "",
			fmt.Errorf("certificates deferred for %s: %w", strings.Join(deferred, ", "), ErrDeferred))}
	}
	return nil
}

// observe reads the authoritative certificate state from the host
func (s *CertificatesStep) observe(ctx context.Context, hc *HostContext, domain string) (CertState, error) {
	cfg := hc.Manifest.Certificates
	certPath := fmt.Sprintf("%s/%s/fullchain.pem", cfg.LiveDir, domain)
	if _, err := ssh.ValidateShellPath(certPath); err != nil {
		return CertFailed, err
	}

	result, err := hc.Runner.Run(ctx, fmt.Sprintf("sudo test -f %s; echo $?", certPath))
	if err != nil {
		return CertFailed, fmt.Errorf("failed to inspect certificate for %s: %w", domain, err)
	}
	if strings.TrimSpace(result.Stdout) != "0" {
		return CertAbsent, nil
	}

	window := cfg.RenewBeforeDays * 24 * 60 * 60
	result, err = hc.Runner.Run(ctx,
		fmt.Sprintf("sudo openssl x509 -checkend %d -noout -in %s >/dev/null 2>&1; echo $?", window, certPath))
	if err != nil {
		return CertFailed, fmt.Errorf("failed to check expiry for %s: %w", domain, err)
	}
	if strings.TrimSpace(result.Stdout) != "0" {
		return CertExpiring, nil
	}
	return CertIssued, nil
}

func (s *CertificatesStep) obtain(ctx context.Context, hc *HostContext, domain string, renewal bool) (string, error) {
	cfg := hc.Manifest.Certificates

	args := []string{
		"sudo certbot certonly --webroot",
		"-w", ssh.ShellQuote(cfg.Webroot),
		"-d", ssh.ShellQuote(domain),
		"-m", ssh.ShellQuote(cfg.Email),
		"--agree-tos --non-interactive --keep-until-expiring",
	}
	if renewal {
		args = append(args, "--force-renewal")
	}

	result, err := hc.Runner.Run(ctx, strings.Join(args, " "))
	if err != nil {
		output := ""
		if result != nil {
			output = result.Stderr
		}
		return output, fmt.Errorf("certbot failed for %s: %w", domain, err)
	}
	return result.Stdout, nil
}

func (s *CertificatesStep) statePath(hc *HostContext) string {
	return filepath.Join(hc.StateDir, fmt.Sprintf("certificates-%s.yaml", hc.HostName))
}

func (s *CertificatesStep) loadState(hc *HostContext) (map[string]domainRecord, error) {
	if hc.StateDir == "" {
		return map[string]domainRecord{}, nil
	}

	data, err := os.ReadFile(s.statePath(hc))
	if os.IsNotExist(err) {
		return map[string]domainRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate state: %w", err)
	}

	var state certStateFile
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse certificate state: %w", err)
	}
	if state.Domains == nil {
		state.Domains = map[string]domainRecord{}
	}
	return state.Domains, nil
}

func (s *CertificatesStep) saveState(hc *HostContext, records map[string]domainRecord) error {
	if hc.StateDir == "" {
		return nil
	}
	if err := os.MkdirAll(hc.StateDir, 0700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	data, err := yaml.Marshal(certStateFile{Domains: records})
	if err != nil {
		return fmt.Errorf("failed to encode certificate state: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.statePath(hc), data, 0600); err != nil {
		return fmt.Errorf("failed to write certificate state: %w", err)
	}
	return nil
}

// retryInterval grows exponentially with consecutive failures, one minute
// doubling up to a day.
func retryInterval(failures int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Minute
	b.MaxInterval = 24 * time.Hour
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	interval := b.NextBackOff()
	for i := 1; i < failures; i++ {
		interval = b.NextBackOff()
	}
	return interval
}
