package steps

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"converge/pkg/manifest"
	"converge/pkg/secrets"
	"converge/pkg/ssh/sshtest"
)

func newTestContext(t *testing.T, m *manifest.Manifest, runner *sshtest.FakeRunner) *HostContext {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	hc := NewHostContext("test", manifest.Host{}, m, runner, logrus.NewEntry(logger))
	hc.StateDir = t.TempDir()
	return hc
}

func withSecrets(hc *HostContext, vars map[string]string) *HostContext {
	for name, value := range vars {
		hc.Secrets[name] = secrets.NewSecret(value)
	}
	return hc
}
