package ssh

import (
	"context"
	"time"
)

// ConnectionConfig holds SSH connection parameters
type ConnectionConfig struct {
	Address            string
	Port               int
	User               string
	KeyPath            string
	Password           string // Optional, prefer key-based auth
	Timeout            time.Duration
	InsecureSkipVerify bool   // Skip host key verification (DANGEROUS - dev only)
	KnownHostsPath     string // Path to known_hosts file (default: ~/.converge/known_hosts)
}

// CommandResult holds the result of a command execution
type CommandResult struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Error    error
}

// FileSpec describes a file to install on a host
type FileSpec struct {
	Path  string
	Data  []byte
	Mode  uint32 // File permissions (e.g., 0600)
	Owner string // Optional: chown after install
	Group string // Optional: chgrp after install
}

// Runner executes commands and installs files on a host.
//
// WriteFile must be atomic: the target path either keeps its previous content
// or holds the complete new content with the requested permissions, never a
// partial or wrong-permission intermediate.
type Runner interface {
	// Run executes a command and waits for completion
	Run(ctx context.Context, command string) (*CommandResult, error)

	// ReadFile returns the content of a file, or os.ErrNotExist
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile atomically installs a file
	WriteFile(ctx context.Context, spec FileSpec) error

	// Close releases the connection
	Close() error
}
