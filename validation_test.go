package ingear

import (
	"testing"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withConfig swaps the global Config for one holding values until the test
// ends.
func withConfig(t *testing.T, values map[string]any) {
	t.Helper()
	original := Config
	t.Cleanup(func() { Config = original })

	Config = koanf.New(".")
	require.NoError(t, Config.Load(confmap.Provider(values, "."), nil))
}

func TestConfigMustString(t *testing.T) {
	withConfig(t, map[string]any{"client.id": "workbench", "session.secret": ""})

	assert.Equal(t, "workbench", ConfigMustString("client.id", "set IG__CLIENT__ID"))
	assert.PanicsWithValue(t, "required config 'session.secret' is empty: set IG__SESSION__SECRET", func() {
		ConfigMustString("session.secret", "set IG__SESSION__SECRET")
	})
	assert.PanicsWithValue(t, "required config 'redis.addr' not set: set IG__REDIS__ADDR", func() {
		ConfigMustString("redis.addr", "set IG__REDIS__ADDR")
	})
}

func TestConfigMustInt(t *testing.T) {
	withConfig(t, map[string]any{"server.port": 8000, "redis.db": 42})

	assert.Equal(t, 8000, ConfigMustInt("server.port", 1, 65535))
	assert.Panics(t, func() { ConfigMustInt("redis.db", 0, 15) })
	assert.Panics(t, func() { ConfigMustInt("registration.maxRetries", 1, 10) })
}

func TestConfigMustDurationRange(t *testing.T) {
	withConfig(t, map[string]any{"flow.stateTTL": "10m", "session.valid": "1s"})

	assert.Equal(t, 10*time.Minute, ConfigMustDurationRange("flow.stateTTL", time.Minute, time.Hour))
	assert.Panics(t, func() { ConfigMustDurationRange("session.valid", time.Minute, time.Hour) })
	assert.Panics(t, func() { ConfigMustDurationRange("flows.timeout", time.Second, time.Minute) })
}

func TestValidators(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr string
	}{
		{"int in range", ValidateIntRange(5, 1, 10), ""},
		{"int at bounds", ValidateIntRange(10, 1, 10), ""},
		{"int above range", ValidateIntRange(11, 1, 10), "must be between 1 and 10, got: 11"},
		{"port", ValidatePort(8000), ""},
		{"port zero", ValidatePort(0), "must be between 1 and 65535, got: 0"},
		{"port too large", ValidatePort(70000), "must be between 1 and 65535, got: 70000"},
		{"positive int", ValidatePositiveInt(3), ""},
		{"zero int", ValidatePositiveInt(0), "must be positive, got: 0"},
		{"duration in range", ValidateDurationRange(time.Minute, time.Second, time.Hour), ""},
		{"duration below range", ValidateDurationRange(time.Millisecond, time.Second, time.Hour), "must be between 1s and 1h0m0s, got: 1ms"},
		{"positive duration", ValidatePositiveDuration(time.Second), ""},
		{"zero duration", ValidatePositiveDuration(0), "must be positive, got: 0s"},
		{"zero is non-negative", ValidateNonNegativeDuration(0), ""},
		{"negative duration", ValidateNonNegativeDuration(-time.Second), "must be non-negative, got: -1s"},
		{"http url", ValidateURL("http://localhost:8000"), ""},
		{"https url with path", ValidateURL("https://as.example.com/oauth"), ""},
		{"empty url", ValidateURL(""), "URL cannot be empty"},
		{"relative url", ValidateURL("/auth/callback"), "URL must have a scheme (http:// or https://)"},
		{"other scheme", ValidateURL("redis://localhost:6379"), "URL must have a scheme (http:// or https://)"},
		{"no host", ValidateURL("http://"), "URL must have a host"},
		{"non-empty", ValidateNonEmpty("x"), ""},
		{"empty", ValidateNonEmpty(""), "cannot be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.wantErr == "" {
				assert.NoError(t, tt.err)
			} else {
				assert.EqualError(t, tt.err, tt.wantErr)
			}
		})
	}
}

func TestValidateConfig(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		withConfig(t, map[string]any{
			"server.port":                    8000,
			"server.host":                    "localhost",
			"server.security.hstsExpiration": "720h",
			"client.baseUrl":                 "http://localhost:8000",
			"as.baseUrl":                     "",
			"session.valid":                  "15m",
			"session.keepAliveFactor":        4,
			"flow.stateTTL":                  "10m",
			"registration.maxRetries":        3,
		})
		assert.Empty(t, ValidateConfig())
	})

	t.Run("unset keys are skipped", func(t *testing.T) {
		withConfig(t, map[string]any{})
		assert.Empty(t, ValidateConfig())
	})

	t.Run("aggregates errors", func(t *testing.T) {
		withConfig(t, map[string]any{
			"server.port":             0,
			"client.baseUrl":          "localhost:8000",
			"session.keepAliveFactor": 0,
			"discovery.timeout":       "-1s",
		})

		errs := ValidateConfig()
		keys := make([]string, 0, len(errs))
		for _, e := range errs {
			keys = append(keys, e.Key)
		}
		assert.Equal(t, []string{"server.port", "client.baseUrl", "session.keepAliveFactor", "discovery.timeout"}, keys)
	})

	t.Run("New panics", func(t *testing.T) {
		withConfig(t, map[string]any{"server.port": 70000})
		assert.PanicsWithValue(t, FormatValidationErrors([]ValidationError{
			{Key: "server.port", Message: "must be between 1 and 65535, got: 70000"},
		}), func() { New() })
	})
}

func TestFormatValidationErrors(t *testing.T) {
	assert.Empty(t, FormatValidationErrors(nil))

	msg := FormatValidationErrors([]ValidationError{
		{Key: "server.port", Message: "must be between 1 and 65535, got: 70000"},
		{Key: "server.host", Message: "cannot be empty"},
	})
	assert.Contains(t, msg, "Configuration validation failed")
	assert.Contains(t, msg, "  - server.port: must be between 1 and 65535, got: 70000\n")
	assert.Contains(t, msg, "  - server.host: cannot be empty\n")
	assert.Contains(t, msg, "ingear.yaml")
}
