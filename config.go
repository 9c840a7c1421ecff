package ingear

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/vlevchine/InGear/internal/config"
)

// ConfigFile is the name of the configuration file that is searched for in the
// working directory and its parents.
const ConfigFile = "ingear.yaml"

// ConfigKeyInfo describes a known configuration key.
type ConfigKeyInfo = config.KeyInfo

// Config is the global koanf instance holding application configuration.
//
// Sources, later ones win:
//  1. Registered defaults (applied by New, only for keys still unset)
//  2. Auto-discovered ingear.yaml
//  3. Environment variables with the IG__ prefix
//  4. Anything passed to LoadConfigFile or LoadConfigDefaults
//
// Environment variables map onto keys like so:
//   - IG__REDIS__ADDR → redis.addr
//   - IG__SESSION__KEEP_ALIVE_FACTOR → session.keepAliveFactor
var Config = koanf.New(".")

func init() {
	registerCoreConfigKeys()

	if cfg := config.SearchForConfig(ConfigFile, "."); cfg != "" {
		if err := Config.Load(file.Provider(cfg), yaml.Parser()); err != nil {
			panic("error loading config: " + err.Error())
		}
	}

	if err := Config.Load(env.Provider(config.EnvPrefix, ".", config.TransformEnv), nil); err != nil {
		panic("error loading env config: " + err.Error())
	}
}

// RegisterConfigKeys documents configuration keys, and their defaults, so that
// typos can be reported at startup.
func RegisterConfigKeys(infos ...ConfigKeyInfo) {
	config.RegisterKeys(infos...)
}

// LoadConfigFile loads additional YAML configuration into Config.
func LoadConfigFile(path string) {
	if err := Config.Load(file.Provider(path), yaml.Parser()); err != nil {
		panic("error loading config file '" + path + "': " + err.Error())
	}
}

// LoadConfigDefaults loads values into Config, for example from tests:
//
//	ingear.LoadConfigDefaults(map[string]any{
//	    "client.id":      "workbench",
//	    "session.secret": "s3cr3t",
//	})
func LoadConfigDefaults(values map[string]any) {
	if err := Config.Load(confmap.Provider(values, "."), nil); err != nil {
		panic("error loading config defaults: " + err.Error())
	}
}

// ConfigWarnings describes loaded keys that are unknown or deprecated, or
// returns "".
func ConfigWarnings() string {
	return config.FormatWarnings(config.Validate(Config))
}

// ConfigString returns the string value for the given key.
func ConfigString(key string) string {
	return Config.String(key)
}

// ConfigInt returns the int value for the given key.
func ConfigInt(key string) int {
	return Config.Int(key)
}

// ConfigDuration returns the duration value for the given key. Strings like
// "15m" are parsed.
func ConfigDuration(key string) time.Duration {
	return Config.Duration(key)
}

// ConfigStrings returns the string slice value for the given key.
func ConfigStrings(key string) []string {
	return Config.Strings(key)
}

func registerCoreConfigKeys() {
	config.RegisterKeys(
		ConfigKeyInfo{Key: "name", Description: "Name used in logs", Type: "string", Default: "InGear"},
		ConfigKeyInfo{Key: "logging.mode", Description: "Logger flavor: dev, prod or nop", Type: "string", Default: "dev"},

		ConfigKeyInfo{Key: "server.host", Description: "Host to bind the HTTP server to", Type: "string", Default: "localhost"},
		ConfigKeyInfo{Key: "server.port", Description: "Port to bind the HTTP server to", Type: "int", Default: 8000},
		ConfigKeyInfo{Key: "server.tls.certFile", Description: "Path to TLS certificate file", Type: "string"},
		ConfigKeyInfo{Key: "server.tls.keyFile", Description: "Path to TLS key file", Type: "string"},
		ConfigKeyInfo{Key: "server.security.xFramesOptions", Description: "X-Frame-Options header: DENY, SAMEORIGIN or empty", Type: "string", Default: "DENY"},
		ConfigKeyInfo{Key: "server.security.hstsExpiration", Description: "Max age of the Strict-Transport-Security header, 0 disables it", Type: "duration"},
		ConfigKeyInfo{Key: "server.security.hstsIncludeSubdomains", Description: "Add includeSubDomains to HSTS", Type: "bool"},
		ConfigKeyInfo{Key: "server.security.hstsPreload", Description: "Add preload to HSTS; needs an expiration of at least a year", Type: "bool"},
		ConfigKeyInfo{Key: "server.security.corsOrigins", Description: "Origins allowed to call JSON routes", Type: "[]string"},
		ConfigKeyInfo{Key: "server.security.corsAllowMethods", Description: "Methods allowed for CORS requests", Type: "[]string"},
		ConfigKeyInfo{Key: "server.security.corsAllowHeaders", Description: "Headers allowed in CORS requests", Type: "[]string"},
		ConfigKeyInfo{Key: "server.security.corsExposeHeaders", Description: "Headers exposed to CORS clients", Type: "[]string"},
		ConfigKeyInfo{Key: "server.security.corsAllowCredentials", Description: "Allow cookies on CORS requests", Type: "bool"},
		ConfigKeyInfo{Key: "server.security.corsMaxAge", Description: "How long preflight results may be cached", Type: "duration"},

		ConfigKeyInfo{Key: "client.id", Description: "Client id announced to the authorization server; also prefixes session keys", Type: "string"},
		ConfigKeyInfo{Key: "client.baseUrl", Description: "Public base URL of this application, e.g. http://localhost:8000", Type: "string"},

		ConfigKeyInfo{Key: "redis.addr", Description: "Address of the Redis server backing sessions and discovery", Type: "string"},
		ConfigKeyInfo{Key: "redis.password", Description: "Redis password", Type: "string"},
		ConfigKeyInfo{Key: "redis.db", Description: "Redis database number", Type: "int", Default: 0},
	)
}
