package wallet

import (
	"errors"
	"net/url"
	"strings"
)

var (
	// ErrInvalidOperation indicates an operation name the engine cannot
	// have registered.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrInvalidURL indicates URL validation failure.
	ErrInvalidURL = errors.New("invalid url")
	// ErrInvalidLogLevel indicates an unsupported engine log level.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrStoragePathRequired indicates init args without a storage path.
	ErrStoragePathRequired = errors.New("persistent storage path required")
)

// ValidateOperation checks that name is a plain identifier: an ASCII letter
// followed by letters, digits or underscores.
func ValidateOperation(name string) error {
	if name == "" {
		return ErrInvalidOperation
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '_'):
		default:
			return ErrInvalidOperation
		}
	}
	return nil
}

// Validate checks bootstrap arguments before they reach the engine.
func (a InitArgs) Validate() error {
	if strings.TrimSpace(a.PersistentStoragePath) == "" {
		return ErrStoragePathRequired
	}
	if !logLevels[a.LogLevel] {
		return ErrInvalidLogLevel
	}
	return nil
}

// ValidateBaseURL checks an exchange or merchant base URL. The engine
// requires an absolute http(s) URL ending in a slash.
func ValidateBaseURL(raw string) error {
	if raw == "" {
		return ErrInvalidURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidURL
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrInvalidURL
	}
	if parsed.Host == "" || !strings.HasSuffix(parsed.Path, "/") {
		return ErrInvalidURL
	}
	return nil
}

// NormalizeBaseURL appends the trailing slash the engine expects.
func NormalizeBaseURL(raw string) string {
	if raw == "" || strings.HasSuffix(raw, "/") {
		return raw
	}
	return raw + "/"
}
