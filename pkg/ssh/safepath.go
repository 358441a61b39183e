package ssh

import (
	"fmt"
	"strings"
)

// Manifest paths end up inside apt, systemctl, nginx and certbot command
// lines; anything the shell could interpret is rejected outright.
const unsafePathChars = ";|&$`(){}\\<>!?*[]#~\"'\n\r\x00"

// ValidateShellPath trims and validates a path for safe interpolation into a
// remote command line.
func ValidateShellPath(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.ContainsAny(clean, unsafePathChars) {
		return "", fmt.Errorf("path contains unsafe shell characters: %q", clean)
	}
	return clean, nil
}

// ShellQuote single-quotes a value with POSIX escaping for embedded quotes.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
