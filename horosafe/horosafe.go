// CLAUDE:SUMMARY Path traversal guard, file-name validation, proxy address checks and bounded reads.
// Package horosafe provides the security primitives chatbridge needs at its
// edges: media file names coming from URLs, upstream proxy addresses coming
// from configuration, and request bodies coming from clients.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
)

// MaxRequestBody is the default cap for chat request bodies (4 MiB).
const MaxRequestBody int64 = 4 << 20

// ErrPathTraversal is returned when a user-supplied path escapes its base.
var ErrPathTraversal = errors.New("horosafe: path traversal detected")

// ErrUnsupportedProxy is returned for proxy URLs the browser cannot use.
var ErrUnsupportedProxy = errors.New("horosafe: proxy scheme must be http, https, socks4 or socks5")

// SafePath validates that joining base and userInput does not escape base.
// Returns the cleaned path or ErrPathTraversal.
func SafePath(base, userInput string) (string, error) {
	if strings.Contains(userInput, "..") {
		return "", ErrPathTraversal
	}
	cleaned := filepath.Join(base, filepath.Clean("/"+userInput))
	if !strings.HasPrefix(cleaned, filepath.Clean(base)+string(filepath.Separator)) &&
		cleaned != filepath.Clean(base) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// ValidateIdentifier rejects identifiers that contain characters unsuitable
// for file names or URL path segments. Allows alphanumeric, underscore,
// hyphen, and dot.
func ValidateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("horosafe: identifier must not be empty")
	}
	if len(s) > 256 {
		return fmt.Errorf("horosafe: identifier too long (max 256)")
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("horosafe: invalid character %q in identifier", r)
		}
	}
	return nil
}

// NormalizeProxy validates an upstream proxy address and returns it in the
// form Chrome's --proxy-server flag expects. A bare "host:port" is treated as
// http. Empty input returns empty output.
func NormalizeProxy(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("horosafe: invalid proxy: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "socks4", "socks5":
	default:
		return "", ErrUnsupportedProxy
	}
	if u.Hostname() == "" || u.Port() == "" {
		return "", fmt.Errorf("horosafe: proxy %q needs host and port", raw)
	}
	return strings.ToLower(u.Scheme) + "://" + u.Host, nil
}

// LimitedReadAll reads at most maxBytes from r and fails if the limit is
// exceeded.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("horosafe: body exceeds %d bytes", maxBytes)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
