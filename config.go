// Package oauthdispatch holds process wide configuration for the
// authorization server.
package oauthdispatch

import (
	"net"
	"time"

	"github.com/dpup/oauthdispatch/internal/config"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ConfigFile is the name of the configuration file searched for in the
// working directory and its parents.
const ConfigFile = "oauthdispatch.yaml"

// ConfigKeyInfo describes a known configuration key.
type ConfigKeyInfo = config.KeyInfo

// ConfigWarning flags an unknown or deprecated key.
type ConfigWarning = config.Warning

// Config is the global koanf instance.
//
// Sources, later ones win:
//  1. Registered defaults (see LoadRegisteredDefaults)
//  2. oauthdispatch.yaml, searched upwards from the working directory
//  3. Environment variables with the OD__ prefix
//  4. Files passed to LoadConfigFile
//
// OD__OAUTH__SIGNING_KEY maps to oauth.signingKey.
var Config = koanf.New(".")

// Keys lists every configuration key the server understands.
var Keys = config.NewRegistry()

const (
	defaultHost = "localhost"
	defaultPort = "8000"
)

func init() {
	registerKeys()

	if cfg := config.SearchForConfig(ConfigFile, "."); cfg != "" {
		if err := Config.Load(file.Provider(cfg), yaml.Parser()); err != nil {
			panic("error loading config: " + err.Error())
		}
	}

	if err := Config.Load(env.Provider(config.EnvPrefix, ".", config.TransformEnv), nil); err != nil {
		panic("error loading env config: " + err.Error())
	}
}

// LoadConfigFile merges a YAML file into Config.
func LoadConfigFile(path string) error {
	return Config.Load(file.Provider(path), yaml.Parser())
}

// LoadConfigDefaults merges values into Config, overriding what is loaded.
// Tests use it to set up a known configuration.
func LoadConfigDefaults(values map[string]interface{}) {
	if err := Config.Load(confmap.Provider(values, "."), nil); err != nil {
		panic("error loading config defaults: " + err.Error())
	}
}

// LoadRegisteredDefaults fills in defaults for any registered key that has
// not been set by a file or the environment.
func LoadRegisteredDefaults() {
	Keys.LoadDefaults(Config)
}

// ValidateConfig returns warnings for loaded keys that are not registered.
func ValidateConfig() []ConfigWarning {
	return Keys.Validate(Config)
}

// FormatConfigWarnings renders warnings for logging.
func FormatConfigWarnings(warnings []ConfigWarning) string {
	return config.FormatWarnings(warnings)
}

// ConfigString returns the string value for key.
func ConfigString(key string) string {
	return Config.String(key)
}

func ConfigInt(key string) int {
	return Config.Int(key)
}

func ConfigBool(key string) bool {
	return Config.Bool(key)
}

func ConfigDuration(key string) time.Duration {
	return Config.Duration(key)
}

func ConfigStrings(key string) []string {
	return Config.Strings(key)
}

func ConfigStringMap(key string) map[string]string {
	return Config.StringMap(key)
}

func ConfigBytes(key string) []byte {
	return Config.Bytes(key)
}

func ConfigExists(key string) bool {
	return Config.Exists(key)
}

// ListenAddress returns host:port for the HTTP listener.
func ListenAddress() string {
	return net.JoinHostPort(Config.String("server.host"), Config.String("server.port"))
}

func registerKeys() {
	Keys.Register(
		ConfigKeyInfo{Key: "name", Type: "string", Default: "oauthdispatch",
			Description: "Name shown on the consent page"},
		ConfigKeyInfo{Key: "address", Type: "string", Default: "http://" + net.JoinHostPort(defaultHost, defaultPort),
			Description: "External base URL, used for the issuer and metadata endpoints"},

		ConfigKeyInfo{Key: "server.host", Type: "string", Default: defaultHost,
			Description: "Interface to bind"},
		ConfigKeyInfo{Key: "server.port", Type: "int", Default: defaultPort,
			Description: "Port to bind"},
		ConfigKeyInfo{Key: "server.readTimeout", Type: "duration", Default: "10s",
			Description: "HTTP read timeout"},
		ConfigKeyInfo{Key: "server.writeTimeout", Type: "duration", Default: "10s",
			Description: "HTTP write timeout"},
		ConfigKeyInfo{Key: "server.corsOrigins", Type: "[]string",
			Description: "Origins allowed to make cross-origin requests"},
		ConfigKeyInfo{Key: "server.hstsExpiration", Type: "duration",
			Description: "Strict-Transport-Security max-age, disabled when zero"},
		ConfigKeyInfo{Key: "server.tls.certFile", Type: "string",
			Description: "TLS certificate, serves plain HTTP with h2c when empty"},
		ConfigKeyInfo{Key: "server.tls.keyFile", Type: "string",
			Description: "TLS key"},

		ConfigKeyInfo{Key: "logging.format", Type: "string", Default: "dev",
			Description: "dev or prod"},

		ConfigKeyInfo{Key: "storage.driver", Type: "string", Default: "memory",
			Description: "memory, sqlite or postgres"},
		ConfigKeyInfo{Key: "storage.dsn", Type: "string",
			Description: "Data source name for sqlite or postgres"},
		ConfigKeyInfo{Key: "storage.prefix", Type: "string", Default: "oauthdispatch_",
			Description: "Table name prefix"},

		ConfigKeyInfo{Key: "cache.driver", Type: "string", Default: "none",
			Description: "none, memory or redis; caches restricted application lookups"},
		ConfigKeyInfo{Key: "cache.redisAddr", Type: "string", Default: "localhost:6379",
			Description: "Redis address"},
		ConfigKeyInfo{Key: "cache.redisPassword", Type: "string",
			Description: "Redis password"},
		ConfigKeyInfo{Key: "cache.redisDb", Type: "int", Default: 0,
			Description: "Redis database number"},
		ConfigKeyInfo{Key: "cache.ttl", Type: "duration", Default: "1m",
			Description: "How long restricted lookups are cached; with the memory driver, how long a CLI restrict takes to reach servers"},

		ConfigKeyInfo{Key: "oauth.signingKey", Type: "string",
			Description: "HS256 key for access tokens"},
		ConfigKeyInfo{Key: "oauth.issuer", Type: "string",
			Description: "Issuer reported by the metadata endpoint, defaults to address"},
		ConfigKeyInfo{Key: "oauth.accessTokenExpiry", Type: "duration", Default: "10h",
			Description: "Access token lifetime"},
		ConfigKeyInfo{Key: "oauth.refreshTokenExpiry", Type: "duration", Default: "720h",
			Description: "Refresh token lifetime"},
		ConfigKeyInfo{Key: "oauth.authCodeExpiry", Type: "duration", Default: "10m",
			Description: "Authorization code lifetime"},
		ConfigKeyInfo{Key: "oauth.scopes", Type: "map", Namespace: true,
			Default: map[string]interface{}{
				"read":              "Read access",
				"write":             "Write access",
				"email":             "Know your email address",
				"profile":           "Know your name and username",
				"user_id":           "Know your user identifier",
				"grades:read":       "Retrieve your grades for your enrolled courses",
				"certificates:read": "Retrieve your course certificates",
			},
			Description: "Scope name to description"},
		ConfigKeyInfo{Key: "oauth.defaultScopes", Type: "[]string",
			Default:     []string{"read", "write", "email", "profile"},
			Description: "Scopes granted when a request names none"},
		ConfigKeyInfo{Key: "oauth.requestApprovalPrompt", Type: "string", Default: "force",
			Description: "approval_prompt used when a request omits it"},
		ConfigKeyInfo{Key: "oauth.allowPasswordGrant", Type: "bool", Default: false,
			Description: "Enable the resource owner password grant"},
		ConfigKeyInfo{Key: "oauth.csrfKey", Type: "string",
			Description: "Key for consent form CSRF tokens"},

		ConfigKeyInfo{Key: "templates.dirs", Type: "[]string",
			Description: "Directories whose templates override the built-in ones"},
		ConfigKeyInfo{Key: "templates.alwaysParse", Type: "bool", Default: false,
			Description: "Re-read templates on every render, for development"},

		ConfigKeyInfo{Key: "auth.signingKey", Type: "string",
			Description: "HS256 key for identity tokens"},
		ConfigKeyInfo{Key: "auth.cookieName", Type: "string", Default: "od-identity",
			Description: "Cookie that carries the identity token"},
		ConfigKeyInfo{Key: "auth.loginURL", Type: "string",
			Description: "Where unauthenticated users are sent; 401 when empty"},
	)
}
