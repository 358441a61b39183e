package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"converge/pkg/fsutil"
)

// LocalRunner executes commands on the control node itself (for localhost
// convergence runs).
type LocalRunner struct {
	workDir string
}

// NewLocalRunner creates a runner that executes commands locally
func NewLocalRunner(workDir string) *LocalRunner {
	return &LocalRunner{
		workDir: workDir,
	}
}

// Run executes a command locally
func (l *LocalRunner) Run(ctx context.Context, command string) (*CommandResult, error) {
	result := &CommandResult{
		Command: command,
	}

	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
	}()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if l.workDir != "" {
		cmd.Dir = l.workDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		result.Error = fmt.Errorf("failed to create stdout pipe: %w", err)
		return result, result.Error
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		result.Error = fmt.Errorf("failed to create stderr pipe: %w", err)
		return result, result.Error
	}

	if err := cmd.Start(); err != nil {
		result.Error = fmt.Errorf("failed to start command: %w", err)
		result.ExitCode = -1
		return result, result.Error
	}

	stdoutBytes, _ := io.ReadAll(stdout)
	stderrBytes, _ := io.ReadAll(stderr)

	result.Stdout = strings.TrimSpace(string(stdoutBytes))
	result.Stderr = strings.TrimSpace(string(stderrBytes))

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		if ctx.Err() != nil {
			// A killed process is a timeout, not a tool failure.
			err = ctx.Err()
		}
		result.Error = err
		return result, err
	}

	result.ExitCode = 0
	return result, nil
}

// ReadFile returns the content of a local file
func (l *LocalRunner) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile atomically installs a local file
func (l *LocalRunner) WriteFile(ctx context.Context, spec FileSpec) error {
	mode := spec.Mode
	if mode == 0 {
		mode = 0644
	}

	if err := fsutil.WriteFileAtomic(spec.Path, spec.Data, os.FileMode(mode)); err != nil {
		return err
	}

	if spec.Owner != "" {
		chownCmd := fmt.Sprintf("chown %s %s", ShellQuote(spec.Owner), ShellQuote(spec.Path))
		if spec.Group != "" {
			chownCmd = fmt.Sprintf("chown %s:%s %s", ShellQuote(spec.Owner), ShellQuote(spec.Group), ShellQuote(spec.Path))
		}
		result, err := l.Run(ctx, chownCmd)
		if err != nil {
			return fmt.Errorf("failed to change ownership: %w (stderr: %s)", err, result.Stderr)
		}
	}

	return nil
}

// Close is a no-op for local runner
func (l *LocalRunner) Close() error {
	return nil
}
