package steps

import (
	"errors"
	"fmt"
)

// ErrDeferred marks a failure that must not stop the remaining steps. The
// certificate step uses it so an ACME outage never blocks a deploy.
var ErrDeferred = errors.New("step deferred")

type stepError struct {
	Step   string
	Output string
	Err    error
}

func (e *stepError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s: %v\n%s", e.Step, e.Err, e.Output)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *stepError) Unwrap() error {
	return e.Err
}

// PackageInstallError reports a failed package manager transaction
type PackageInstallError struct{ stepError }

// DatabaseProvisionError reports a failed database or role convergence
type DatabaseProvisionError struct{ stepError }

// SecretWriteError reports a failed secrets file installation
type SecretWriteError struct{ stepError }

// AppDeployError reports a failed code fetch, migration or build
type AppDeployError struct{ stepError }

// SupervisorReloadError reports a unit that failed to reach a ready state
type SupervisorReloadError struct{ stepError }

// ProxyConfigInvalid reports a rendered config the proxy's validator rejected
type ProxyConfigInvalid struct{ stepError }

// ProxyReloadError reports a proxy that failed to pick up valid config
type ProxyReloadError struct{ stepError }

// CertificateError reports a failed ACME request or renewal
type CertificateError struct{ stepError }

// HealthCheckFailed reports an endpoint that never became reachable
type HealthCheckFailed struct{ stepError }

func newStepError(step string, output string, err error) stepError {
	return stepError{Step: step, Output: output, Err: err}
}
