package oauthdispatch

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/dpup/oauthdispatch/errors"
)

// minSigningKeyLength is the shortest HS256 key accepted, in bytes.
const minSigningKeyLength = 32

// ValidateIntRange validates that a value is within the given range (inclusive).
func ValidateIntRange(value, minVal, maxVal int) error {
	if value < minVal || value > maxVal {
		return errors.Errorf("must be between %d and %d, got: %d", minVal, maxVal, value)
	}
	return nil
}

// ValidatePort validates that a port number is valid (0-65535). Zero picks a
// free port.
func ValidatePort(port int) error {
	return ValidateIntRange(port, 0, 65535)
}

// ValidatePositiveDuration validates that a duration is positive (> 0).
func ValidatePositiveDuration(value time.Duration) error {
	if value <= 0 {
		return errors.Errorf("must be positive, got: %s", value)
	}
	return nil
}

// ValidateNonNegativeDuration validates that a duration is non-negative (>= 0).
func ValidateNonNegativeDuration(value time.Duration) error {
	if value < 0 {
		return errors.Errorf("must be non-negative, got: %s", value)
	}
	return nil
}

// ValidateURL validates that a string is an absolute URL.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return errors.New("URL cannot be empty")
	}
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return errors.WrapPrefix(err, "invalid URL", 0)
	}
	if parsed.Scheme == "" {
		return errors.New("URL must have a scheme (http:// or https://)")
	}
	if parsed.Host == "" {
		return errors.New("URL must have a host")
	}
	return nil
}

// ValidateOneOf validates that value is one of allowed.
func ValidateOneOf(value string, allowed ...string) error {
	if !slices.Contains(allowed, value) {
		return errors.Errorf("must be one of %s, got: %q", strings.Join(allowed, ", "), value)
	}
	return nil
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Key     string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Key, e.Message)
}

// CheckConfig validates the values the server needs before it starts.
// Returns all validation errors found, or nil if configuration is valid.
func CheckConfig() []ValidationError {
	var errs []ValidationError
	check := func(key string, err error) {
		if err != nil {
			errs = append(errs, ValidationError{Key: key, Message: err.Error()})
		}
	}

	check("server.port", ValidatePort(Config.Int("server.port")))
	check("server.hstsExpiration", ValidateNonNegativeDuration(Config.Duration("server.hstsExpiration")))
	check("address", ValidateURL(Config.String("address")))
	if u := Config.String("auth.loginURL"); u != "" {
		check("auth.loginURL", ValidateURL(u))
	}

	if key := Config.String("oauth.signingKey"); len(key) < minSigningKeyLength {
		check("oauth.signingKey", errors.Errorf("must be at least %d bytes, got: %d", minSigningKeyLength, len(key)))
	}
	for _, key := range []string{"oauth.accessTokenExpiry", "oauth.refreshTokenExpiry", "oauth.authCodeExpiry"} {
		check(key, ValidatePositiveDuration(Config.Duration(key)))
	}
	check("oauth.requestApprovalPrompt",
		ValidateOneOf(Config.String("oauth.requestApprovalPrompt"), "force", "auto", "auto_even_if_expired"))

	driver := Config.String("storage.driver")
	check("storage.driver", ValidateOneOf(driver, "memory", "sqlite", "postgres"))
	if driver == "sqlite" || driver == "postgres" {
		if Config.String("storage.dsn") == "" {
			check("storage.dsn", errors.Errorf("required for the %s driver", driver))
		}
	}
	check("cache.driver", ValidateOneOf(Config.String("cache.driver"), "none", "memory", "redis"))

	return errs
}

// FormatValidationErrors formats a slice of validation errors into a readable error message.
func FormatValidationErrors(errs []ValidationError) string {
	if len(errs) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Configuration validation failed:\n")
	for _, err := range errs {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	sb.WriteString("\nFix these errors in " + ConfigFile + " or OD__ environment variables and try again.")
	return sb.String()
}
