// Package sshtest provides a scripted in-memory Runner for tests.
package sshtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"converge/pkg/ssh"
)

// Response is the canned result for one command pattern
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// FakeRunner matches commands against substring patterns and replays canned
// responses. It also keeps an in-memory filesystem for ReadFile/WriteFile.
type FakeRunner struct {
	mu        sync.Mutex
	responses []scripted
	Commands  []string
	Files     map[string]ssh.FileSpec
}

type scripted struct {
	pattern  string
	response Response
}

// NewFakeRunner returns an empty fake
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Files: make(map[string]ssh.FileSpec)}
}

// On registers a response for any command containing pattern. Patterns are
// matched in registration order, first match wins.
func (f *FakeRunner) On(pattern string, response Response) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, scripted{pattern: pattern, response: response})
	return f
}

// Run replays the first matching canned response. Unmatched commands succeed
// with empty output so tests only script what they assert on.
func (f *FakeRunner) Run(ctx context.Context, command string) (*ssh.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.Commands = append(f.Commands, command)
	var match *Response
	for i := range f.responses {
		if strings.Contains(command, f.responses[i].pattern) {
			match = &f.responses[i].response
			break
		}
	}
	var statOut string
	statOK := false
	if match == nil {
		statOut, statOK = f.hashAndMode(command)
	}
	f.mu.Unlock()

	if match == nil {
		if statOK {
			return &ssh.CommandResult{Command: command, ExitCode: 0, Stdout: statOut}, nil
		}
		return &ssh.CommandResult{Command: command, ExitCode: 0}, nil
	}

	result := &ssh.CommandResult{
		Command:  command,
		ExitCode: match.ExitCode,
		Stdout:   match.Stdout,
		Stderr:   match.Stderr,
	}
	if match.Err != nil {
		return result, match.Err
	}
	if match.ExitCode != 0 {
		return result, fmt.Errorf("command exited with code %d: %s", match.ExitCode, match.Stderr)
	}
	return result, nil
}

// ReadFile returns a previously written file or os.ErrNotExist
func (f *FakeRunner) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.Files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return spec.Data, nil
}

// WriteFile stores the file in memory
func (f *FakeRunner) WriteFile(ctx context.Context, spec ssh.FileSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Files[spec.Path] = spec
	return nil
}

// Close implements ssh.Runner
func (f *FakeRunner) Close() error {
	return nil
}

// hashAndMode answers the fact gatherer's content-hash-and-mode query from
// the in-memory filesystem so seeded files report their seeded permissions.
// Caller holds the lock.
func (f *FakeRunner) hashAndMode(command string) (string, bool) {
	if !strings.Contains(command, "sha256sum") || !strings.Contains(command, "stat -c") {
		return "", false
	}
	for path, spec := range f.Files {
		if !strings.Contains(command, path) {
			continue
		}
		sum := sha256.Sum256(spec.Data)
		return hex.EncodeToString(sum[:]) + "\n" + strconv.FormatUint(uint64(spec.Mode), 8), true
	}
	return "", false
}

// Ran reports whether any executed command contains pattern
func (f *FakeRunner) Ran(pattern string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cmd := range f.Commands {
		if strings.Contains(cmd, pattern) {
			return true
		}
	}
	return false
}

// SeedFile pre-populates the in-memory filesystem
func (f *FakeRunner) SeedFile(path string, data []byte, mode uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Files[path] = ssh.FileSpec{Path: path, Data: data, Mode: mode}
}
