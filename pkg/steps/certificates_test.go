package steps

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"converge/pkg/manifest"
	"converge/pkg/ssh/sshtest"
)

func certManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Certificates: &manifest.CertificatesConfig{
			Email:           "ops@example.com",
			Domains:         []string{"example.com"},
			Webroot:         "/var/www/acme",
			RenewBeforeDays: 30,
			LiveDir:         "/etc/letsencrypt/live",
		},
	}
}

func TestCertificatesPlanRequestsAbsentCertificate(t *testing.T) {
	runner := sshtest.NewFakeRunner().
		On("test -f /etc/letsencrypt/live/example.com/fullchain.pem", sshtest.Response{Stdout: "1"})
	hc := newTestContext(t, certManifest(), runner)

	changes, err := NewCertificatesStep().Plan(context.Background(), hc)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(changes) != 1 || changes[0].Action != "request" {
		t.Fatalf("expected request change, got %v", changes)
	}
}

func TestCertificatesPlanRenewsExpiringCertificate(t *testing.T) {
	runner := sshtest.NewFakeRunner().
		On("test -f", sshtest.Response{Stdout: "0"}).
		On("-checkend", sshtest.Response{Stdout: "1"})
	hc := newTestContext(t, certManifest(), runner)

	changes, err := NewCertificatesStep().Plan(context.Background(), hc)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(changes) != 1 || changes[0].Action != "renew" {
		t.Fatalf("expected renew change, got %v", changes)
	}
}

func TestCertificatesPlanUnchangedWhenValid(t *testing.T) {
	runner := sshtest.NewFakeRunner().
		On("test -f", sshtest.Response{Stdout: "0"}).
		On("-checkend", sshtest.Response{Stdout: "0"})
	hc := newTestContext(t, certManifest(), runner)

	changes, err := NewCertificatesStep().Plan(context.Background(), hc)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes, got %v", changes)
	}
}

func TestCertificatesApplyRequestsCertificate(t *testing.T) {
	runner := sshtest.NewFakeRunner().
		On("test -f", sshtest.Response{Stdout: "1"})
	hc := newTestContext(t, certManifest(), runner)

	if err := NewCertificatesStep().Apply(context.Background(), hc); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !runner.Ran("certbot certonly --webroot -w '/var/www/acme' -d 'example.com'") {
		t.Fatalf("expected certbot request, ran: %v", runner.Commands)
	}
}

func TestCertificatesApplyDefersOnFailure(t *testing.T) {
	runner := sshtest.NewFakeRunner().
		On("test -f", sshtest.Response{Stdout: "1"}).
		On("certbot", sshtest.Response{ExitCode: 1, Stderr: "urn:ietf:params:acme:error:rateLimited"})
	hc := newTestContext(t, certManifest(), runner)

	err := NewCertificatesStep().Apply(context.Background(), hc)
	if err == nil {
		t.Fatal("expected deferred error")
	}
	var certErr *CertificateError
	if !errors.As(err, &certErr) {
		t.Fatalf("expected CertificateError, got %T", err)
	}
	if !errors.Is(err, ErrDeferred) {
		t.Fatalf("certificate failure must defer, not fail: %v", err)
	}

	// Failure is persisted with a backoff window
	data, readErr := os.ReadFile(filepath.Join(hc.StateDir, "certificates-test.yaml"))
	if readErr != nil {
		t.Fatalf("state file not written: %v", readErr)
	}
	if !strings.Contains(string(data), "state: failed") || !strings.Contains(string(data), "failures: 1") {
		t.Fatalf("unexpected state file:\n%s", data)
	}
}

func TestCertificatesApplySkipsDomainInsideBackoffWindow(t *testing.T) {
	runner := sshtest.NewFakeRunner().
		On("test -f", sshtest.Response{Stdout: "1"})
	hc := newTestContext(t, certManifest(), runner)

	future := time.Now().Add(time.Hour).Format(time.RFC3339)
	state := "domains:\n  example.com:\n    state: failed\n    failures: 2\n    next_attempt: " + future + "\n"
	if err := os.WriteFile(filepath.Join(hc.StateDir, "certificates-test.yaml"), []byte(state), 0600); err != nil {
		t.Fatalf("failed to seed state: %v", err)
	}

	err := NewCertificatesStep().Apply(context.Background(), hc)
	if !errors.Is(err, ErrDeferred) {
		t.Fatalf("expected deferred error, got %v", err)
	}
	if runner.Ran("certbot") {
		t.Fatalf("certbot must not run inside the backoff window: %v", runner.Commands)
	}
}

func TestCertificatesApplyRetriesAfterBackoffExpires(t *testing.T) {
	runner := sshtest.NewFakeRunner().
		On("test -f", sshtest.Response{Stdout: "1"})
	hc := newTestContext(t, certManifest(), runner)

	past := time.Now().Add(-time.Hour).Format(time.RFC3339)
	state := "domains:\n  example.com:\n    state: failed\n    failures: 2\n    next_attempt: " + past + "\n"
	if err := os.WriteFile(filepath.Join(hc.StateDir, "certificates-test.yaml"), []byte(state), 0600); err != nil {
		t.Fatalf("failed to seed state: %v", err)
	}

	if err := NewCertificatesStep().Apply(context.Background(), hc); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !runner.Ran("certbot") {
		t.Fatalf("certbot should retry after backoff expires: %v", runner.Commands)
	}
}

func TestRetryIntervalGrows(t *testing.T) {
	if retryInterval(1) != time.Minute {
		t.Errorf("first retry should be one minute, got %v", retryInterval(1))
	}
	if retryInterval(2) != 2*time.Minute {
		t.Errorf("second retry should double, got %v", retryInterval(2))
	}
	if retryInterval(20) > 24*time.Hour {
		t.Errorf("retry interval must cap at a day, got %v", retryInterval(20))
	}
}
