package ingear

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ConfigMustString returns the string value for the given key.
// It panics if the key doesn't exist or the value is empty.
//
// Example:
//
//	secret := ingear.ConfigMustString("session.secret", "Set IG__SESSION__SECRET")
func ConfigMustString(key, helpMsg string) string {
	if !Config.Exists(key) {
		panic(fmt.Sprintf("required config '%s' not set: %s", key, helpMsg))
	}
	value := Config.String(key)
	if value == "" {
		panic(fmt.Sprintf("required config '%s' is empty: %s", key, helpMsg))
	}
	return value
}

// ConfigMustInt returns the int value for the given key with range validation.
// It panics if the key doesn't exist or the value is outside the given range.
func ConfigMustInt(key string, minVal, maxVal int) int {
	if !Config.Exists(key) {
		panic(fmt.Sprintf("required config '%s' not set (expected %d-%d)", key, minVal, maxVal))
	}
	value := Config.Int(key)
	if err := ValidateIntRange(value, minVal, maxVal); err != nil {
		panic(fmt.Sprintf("config '%s': %v", key, err))
	}
	return value
}

// ConfigMustDurationRange returns the duration value for the given key with
// range validation. It panics if the key doesn't exist or the value is outside
// the given range.
//
// Example:
//
//	ttl := ingear.ConfigMustDurationRange("flow.stateTTL", time.Minute, time.Hour)
func ConfigMustDurationRange(key string, minVal, maxVal time.Duration) time.Duration {
	if !Config.Exists(key) {
		panic(fmt.Sprintf("required config '%s' not set (expected %s-%s)", key, minVal, maxVal))
	}
	value := Config.Duration(key)
	if err := ValidateDurationRange(value, minVal, maxVal); err != nil {
		panic(fmt.Sprintf("config '%s': %v", key, err))
	}
	return value
}

// ValidateIntRange validates that a value is within the given range (inclusive).
func ValidateIntRange(value, minVal, maxVal int) error {
	if value < minVal || value > maxVal {
		return fmt.Errorf("must be between %d and %d, got: %d", minVal, maxVal, value)
	}
	return nil
}

// ValidateDurationRange validates that a duration is within the given range (inclusive).
func ValidateDurationRange(value, minVal, maxVal time.Duration) error {
	if value < minVal || value > maxVal {
		return fmt.Errorf("must be between %s and %s, got: %s", minVal, maxVal, value)
	}
	return nil
}

// ValidatePort validates that a port number is valid (1-65535).
func ValidatePort(port int) error {
	return ValidateIntRange(port, 1, 65535)
}

// ValidatePositiveInt validates that an integer is positive (> 0).
func ValidatePositiveInt(value int) error {
	if value <= 0 {
		return fmt.Errorf("must be positive, got: %d", value)
	}
	return nil
}

// ValidatePositiveDuration validates that a duration is positive (> 0).
func ValidatePositiveDuration(value time.Duration) error {
	if value <= 0 {
		return fmt.Errorf("must be positive, got: %s", value)
	}
	return nil
}

// ValidateNonNegativeDuration validates that a duration is non-negative (>= 0).
func ValidateNonNegativeDuration(value time.Duration) error {
	if value < 0 {
		return fmt.Errorf("must be non-negative, got: %s", value)
	}
	return nil
}

// ValidateURL validates that a string is an absolute http(s) URL.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return errors.New("URL cannot be empty")
	}
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("URL must have a scheme (http:// or https://)")
	}
	if parsed.Host == "" {
		return errors.New("URL must have a host")
	}
	return nil
}

// ValidateNonEmpty validates that a string is not empty.
func ValidateNonEmpty(value string) error {
	if value == "" {
		return errors.New("cannot be empty")
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

type configRule struct {
	key   string
	check func(key string) error
}

func intRule(key string, fn func(int) error) configRule {
	return configRule{key, func(k string) error { return fn(Config.Int(k)) }}
}

func durationRule(key string, fn func(time.Duration) error) configRule {
	return configRule{key, func(k string) error { return fn(Config.Duration(k)) }}
}

// URLs may be left empty: the client base URL is then reported by the
// registration plugin, and the authorization server is discovered.
func urlRule(key string) configRule {
	return configRule{key, func(k string) error {
		if v := Config.String(k); v != "" {
			return ValidateURL(v)
		}
		return nil
	}}
}

var configRules = []configRule{
	intRule("server.port", ValidatePort),
	{"server.host", func(k string) error { return ValidateNonEmpty(Config.String(k)) }},
	durationRule("server.security.hstsExpiration", ValidateNonNegativeDuration),
	durationRule("server.security.corsMaxAge", ValidateNonNegativeDuration),
	urlRule("client.baseUrl"),
	urlRule("as.baseUrl"),
	durationRule("session.valid", ValidatePositiveDuration),
	intRule("session.keepAliveFactor", ValidatePositiveInt),
	durationRule("flow.stateTTL", ValidatePositiveDuration),
	durationRule("flows.timeout", ValidatePositiveDuration),
	durationRule("discovery.timeout", ValidatePositiveDuration),
	intRule("registration.maxRetries", ValidatePositiveInt),
}

// ValidateConfig checks critical configuration values that are set. It returns
// every problem found, or nil. New calls it and panics on failure.
func ValidateConfig() []ValidationError {
	var errs []ValidationError
	for _, rule := range configRules {
		if !Config.Exists(rule.key) {
			continue
		}
		if err := rule.check(rule.key); err != nil {
			errs = append(errs, ValidationError{Key: rule.key, Message: err.Error()})
		}
	}
	return errs
}

// FormatValidationErrors formats validation errors into a readable message.
func FormatValidationErrors(errs []ValidationError) string {
	if len(errs) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Configuration validation failed:\n")
	for _, err := range errs {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	sb.WriteString("\nFix these errors in ingear.yaml or IG__ environment variables and try again.")
	return sb.String()
}
