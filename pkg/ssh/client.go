package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// knownHostsMu protects concurrent writes to the known_hosts file
var knownHostsMu sync.Mutex

// Client wraps an SSH connection and implements Runner
type Client struct {
	config   *ConnectionConfig
	conn     *ssh.Client
	pingFunc func(ctx context.Context) error
}

// NewClient creates a new SSH client
func NewClient(config *ConnectionConfig) (*Client, error) {
	key, err := os.ReadFile(config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeyCallback, err := buildHostKeyCallback(config)
	if err != nil {
		return nil, fmt.Errorf("failed to setup host key verification: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User: config.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.Timeout,
	}

	if config.Password != "" {
		sshConfig.Auth = append(sshConfig.Auth, ssh.Password(config.Password))
	}

	addr := fmt.Sprintf("%s:%d", config.Address, config.Port)
	conn, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	return &Client{
		config: config,
		conn:   conn,
	}, nil
}

// buildHostKeyCallback creates a host key callback based on config
func buildHostKeyCallback(config *ConnectionConfig) (ssh.HostKeyCallback, error) {
	if config.InsecureSkipVerify {
		fmt.Fprintf(os.Stderr, "WARNING: SSH host key verification disabled for %s - vulnerable to MITM attacks\n", config.Address)
		return ssh.InsecureIgnoreHostKey(), nil
	}

	knownHostsPath := config.KnownHostsPath
	if knownHostsPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		knownHostsPath = filepath.Join(homeDir, ".converge", "known_hosts")
	}

	if err := os.MkdirAll(filepath.Dir(knownHostsPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create known_hosts directory: %w", err)
	}

	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		if err := os.WriteFile(knownHostsPath, []byte{}, 0600); err != nil {
			return nil, fmt.Errorf("failed to create known_hosts file: %w", err)
		}
	}

	return createTOFUCallback(knownHostsPath), nil
}

// createTOFUCallback creates a Trust On First Use host key callback
func createTOFUCallback(knownHostsPath string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		callback, err := knownhosts.New(knownHostsPath)
		if err != nil {
			// File might be empty or malformed, treat as new
			return trustAndSaveHostKey(knownHostsPath, hostname, remote, key)
		}

		err = callback(hostname, remote, key)
		if err == nil {
			return nil
		}

		if !isKeyNotFoundError(err) {
			// Key mismatch - potential MITM attack
			fingerprint := fingerprintSHA256(key)
			return fmt.Errorf("HOST KEY VERIFICATION FAILED for %s\n"+
				"  The host key has changed.\n"+
				"  Key fingerprint: %s\n"+
				"  If this is expected (server reinstall), remove the old key from:\n"+
				"    %s\n"+
				"  Original error: %w",
				hostname, fingerprint, knownHostsPath, err)
		}

		return trustAndSaveHostKey(knownHostsPath, hostname, remote, key)
	}
}

// isKeyNotFoundError checks if the error indicates a new/unknown host
func isKeyNotFoundError(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return len(keyErr.Want) == 0
	}
	return false
}

// trustAndSaveHostKey saves a new host key to known_hosts (TOFU)
func trustAndSaveHostKey(knownHostsPath, hostname string, remote net.Addr, key ssh.PublicKey) error {
	knownHostsMu.Lock()
	defer knownHostsMu.Unlock()

	lockFile, err := lockKnownHosts(knownHostsPath)
	if err != nil {
		return fmt.Errorf("failed to lock known_hosts: %w", err)
	}
	defer unlockKnownHosts(lockFile)

	callback, err := knownhosts.New(knownHostsPath)
	if err == nil {
		if cbErr := callback(hostname, remote, key); cbErr == nil {
			return nil
		} else if !isKeyNotFoundError(cbErr) {
			return cbErr
		}
	}

	fingerprint := fingerprintSHA256(key)

	fmt.Fprintf(os.Stderr, "Warning: Permanently adding '%s' to the list of known hosts.\n", hostname)
	fmt.Fprintf(os.Stderr, "  Key fingerprint: %s\n", fingerprint)

	keyType := key.Type()
	keyData := base64.StdEncoding.EncodeToString(key.Marshal())
	line := fmt.Sprintf("%s %s %s\n", normalizeHostname(hostname, remote), keyType, keyData)

	f, err := os.OpenFile(knownHostsPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts for writing: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to write to known_hosts: %w", err)
	}

	return nil
}

func lockKnownHosts(knownHostsPath string) (*os.File, error) {
	f, err := os.OpenFile(knownHostsPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func unlockKnownHosts(f *os.File) {
	if f == nil {
		return
	}
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}

// normalizeHostname formats hostname for known_hosts entry
func normalizeHostname(hostname string, remote net.Addr) string {
	if strings.Contains(hostname, ":") {
		host, port, err := net.SplitHostPort(hostname)
		if err == nil && port != "22" {
			return fmt.Sprintf("[%s]:%s", host, port)
		}
		return host
	}

	if tcpAddr, ok := remote.(*net.TCPAddr); ok {
		if tcpAddr.Port != 22 {
			return fmt.Sprintf("[%s]:%d", hostname, tcpAddr.Port)
		}
	}

	return hostname
}

// fingerprintSHA256 returns the SHA256 fingerprint of a public key
func fingerprintSHA256(key ssh.PublicKey) string {
	hash := sha256.Sum256(key.Marshal())
	return "SHA256:" + base64.StdEncoding.EncodeToString(hash[:])
}

// Run executes a command via SSH
func (c *Client) Run(ctx context.Context, command string) (*CommandResult, error) {
	result := &CommandResult{
		Command: command,
	}

	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
	}()

	session, err := c.conn.NewSession()
	if err != nil {
		result.Error = fmt.Errorf("failed to create session: %w", err)
		return result, result.Error
	}
	defer session.Close()

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		result.Error = fmt.Errorf("failed to create stdout pipe: %w", err)
		return result, result.Error
	}

	stderrPipe, err := session.StderrPipe()
	if err != nil {
		result.Error = fmt.Errorf("failed to create stderr pipe: %w", err)
		return result, result.Error
	}

	if err := session.Start(command); err != nil {
		result.Error = fmt.Errorf("failed to start command: %w", err)
		return result, result.Error
	}

	type output struct {
		stdout string
		stderr string
		err    error
	}
	outputChan := make(chan output, 1)

	go func() {
		stdoutBytes, _ := io.ReadAll(stdoutPipe)
		stderrBytes, _ := io.ReadAll(stderrPipe)

		err := session.Wait()

		outputChan <- output{
			stdout: string(stdoutBytes),
			stderr: string(stderrBytes),
			err:    err,
		}
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL) //nolint:errcheck // best-effort kill on cancellation
		result.Error = ctx.Err()
		return result, result.Error

	case out := <-outputChan:
		result.Stdout = strings.TrimSpace(out.stdout)
		result.Stderr = strings.TrimSpace(out.stderr)

		if out.err != nil {
			var exitErr *ssh.ExitError
			if errors.As(out.err, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
			} else {
				result.ExitCode = -1
			}
			result.Error = out.err
		} else {
			result.ExitCode = 0
		}
	}

	return result, result.Error
}

// Ping validates the SSH connection is still alive.
func (c *Client) Ping(ctx context.Context) error {
	if c.pingFunc != nil {
		return c.pingFunc(ctx)
	}
	if c.conn == nil {
		return errors.New("ssh connection not initialized")
	}

	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.conn.SendRequest("keepalive@openssh.com", true, nil)
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		// If the underlying connection is wedged, SendRequest may block
		// indefinitely. Closing the connection unblocks the goroutine.
		_ = c.conn.Close()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ReadFile returns the content of a remote file, or os.ErrNotExist.
// Content travels base64-encoded so binary files and trailing whitespace
// survive the shell round-trip.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	clean, err := ValidateShellPath(path)
	if err != nil {
		return nil, err
	}

	result, err := c.Run(ctx, fmt.Sprintf("test -f %s && base64 %s", ShellQuote(clean), ShellQuote(clean)))
	if err != nil {
		if result != nil && result.ExitCode == 1 {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to read remote file %s: %w", path, err)
	}

	encoded := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' {
			return -1
		}
		return r
	}, result.Stdout)

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode remote file %s: %w", path, err)
	}
	return data, nil
}

// WriteFile atomically installs a remote file: the content is staged next to
// the target with its final permissions, then renamed over it.
func (c *Client) WriteFile(ctx context.Context, spec FileSpec) error {
	clean, err := ValidateShellPath(spec.Path)
	if err != nil {
		return err
	}

	mode := spec.Mode
	if mode == 0 {
		mode = 0644
	}

	remoteDir := filepath.Dir(clean)
	if _, err := c.Run(ctx, fmt.Sprintf("mkdir -p %s", ShellQuote(remoteDir))); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}

	stagePath := fmt.Sprintf("%s.converge-tmp.%d", clean, time.Now().UnixNano())
	if err := c.scp(ctx, stagePath, spec.Data, mode); err != nil {
		return err
	}

	if spec.Owner != "" {
		chownCmd := fmt.Sprintf("chown %s %s", ShellQuote(spec.Owner), ShellQuote(stagePath))
		if spec.Group != "" {
			chownCmd = fmt.Sprintf("chown %s:%s %s", ShellQuote(spec.Owner), ShellQuote(spec.Group), ShellQuote(stagePath))
		}
		if result, err := c.Run(ctx, chownCmd); err != nil {
			_, _ = c.Run(ctx, fmt.Sprintf("rm -f %s", ShellQuote(stagePath))) //nolint:errcheck // best-effort cleanup
			return fmt.Errorf("failed to change ownership: %w (stderr: %s)", err, result.Stderr)
		}
	}

	if result, err := c.Run(ctx, fmt.Sprintf("mv -f %s %s", ShellQuote(stagePath), ShellQuote(clean))); err != nil {
		_, _ = c.Run(ctx, fmt.Sprintf("rm -f %s", ShellQuote(stagePath))) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("failed to install %s: %w (stderr: %s)", clean, err, result.Stderr)
	}

	return nil
}

// scp streams data to a remote path via the scp sink protocol
func (c *Client) scp(ctx context.Context, remotePath string, data []byte, mode uint32) error {
	session, err := c.conn.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	stdinPipe, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := session.Start(fmt.Sprintf("scp -t %s", ShellQuote(remotePath))); err != nil {
		return fmt.Errorf("failed to start scp: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		fmt.Fprintf(stdinPipe, "C%04o %d %s\n", mode, len(data), filepath.Base(remotePath))
		if _, err := stdinPipe.Write(data); err != nil {
			done <- fmt.Errorf("failed to write file data: %w", err)
			return
		}
		fmt.Fprint(stdinPipe, "\x00")
		stdinPipe.Close()
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL) //nolint:errcheck // best-effort kill on cancellation
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("scp failed: %w", err)
		}
		return nil
	}
}

// Close closes the SSH connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
