// Package secrets resolves secret values for manifest variables without ever
// letting them leak into logs, plans or error messages.
package secrets

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/term"
)

// Secret wraps a sensitive value. Both String and GoString render a redaction
// marker so %v, %s and %#v formatting cannot leak the value.
type Secret struct {
	value string
}

// NewSecret wraps a raw value
func NewSecret(value string) Secret {
	return Secret{value: value}
}

// Reveal returns the underlying value. Call sites should be the only places
// where the plaintext leaves this package.
func (s Secret) Reveal() string {
	return s.value
}

// String implements fmt.Stringer
func (s Secret) String() string {
	return "[redacted]"
}

// GoString implements fmt.GoStringer
func (s Secret) GoString() string {
	return "secrets.Secret{value: \"[redacted]\"}"
}

// MarshalText keeps secrets out of serialized output
func (s Secret) MarshalText() ([]byte, error) {
	return []byte("[redacted]"), nil
}

// Source resolves secret names against the process environment, an optional
// dotenv file on the control node and finally an interactive terminal prompt.
type Source struct {
	fileVars map[string]string
	prompt   func(name string) (string, error)
}

// SourceOption configures a Source
type SourceOption func(*Source)

// WithDotenvFile layers values from a dotenv file under the process
// environment. A missing file is not an error; it just resolves nothing.
func WithDotenvFile(path string) SourceOption {
	return func(s *Source) {
		vars, err := godotenv.Read(path)
		if err != nil {
			return
		}
		s.fileVars = vars
	}
}

// WithPrompt overrides the interactive prompt, mainly for tests
func WithPrompt(prompt func(name string) (string, error)) SourceOption {
	return func(s *Source) {
		s.prompt = prompt
	}
}

// NewSource builds a secret source
func NewSource(opts ...SourceOption) *Source {
	s := &Source{prompt: promptTerminal}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve looks up a single secret by name. Resolution order is process
// environment, dotenv file, interactive prompt.
func (s *Source) Resolve(name string) (Secret, error) {
	if value, ok := os.LookupEnv(name); ok {
		return NewSecret(value), nil
	}
	if value, ok := s.fileVars[name]; ok {
		return NewSecret(value), nil
	}
	value, err := s.prompt(name)
	if err != nil {
		return Secret{}, fmt.Errorf("secret %s is not set and could not be prompted: %w", name, err)
	}
	return NewSecret(value), nil
}

// ResolveAll resolves every named secret, reporting all missing names at once
// so the operator fixes them in one round.
func (s *Source) ResolveAll(names []string) (map[string]Secret, error) {
	resolved := make(map[string]Secret, len(names))
	var missing []string
	for _, name := range names {
		secret, err := s.Resolve(name)
		if err != nil {
			missing = append(missing, name)
			continue
		}
		resolved[name] = secret
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("unresolved secrets: %s", strings.Join(missing, ", "))
	}
	return resolved, nil
}

func promptTerminal(name string) (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "Enter value for %s: ", name)
	value, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(value), nil
}
