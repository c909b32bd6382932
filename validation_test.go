package oauthdispatch

import (
	"strings"
	"testing"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withConfig swaps Config for one holding registered defaults plus values.
func withConfig(t *testing.T, values map[string]interface{}) {
	t.Helper()
	original := Config
	t.Cleanup(func() { Config = original })

	Config = koanf.New(".")
	LoadConfigDefaults(map[string]interface{}{
		"oauth.signingKey": strings.Repeat("k", minSigningKeyLength),
	})
	if values != nil {
		LoadConfigDefaults(values)
	}
	LoadRegisteredDefaults()
}

func keys(errs []ValidationError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Key)
	}
	return out
}

func TestValidatePort(t *testing.T) {
	tests := []struct {
		port    int
		wantErr bool
	}{
		{0, false},
		{8000, false},
		{65535, false},
		{-1, true},
		{65536, true},
	}
	for _, tt := range tests {
		err := ValidatePort(tt.port)
		if tt.wantErr {
			assert.Error(t, err, tt.port)
		} else {
			assert.NoError(t, err, tt.port)
		}
	}
}

func TestValidateDurations(t *testing.T) {
	assert.NoError(t, ValidatePositiveDuration(time.Second))
	assert.Error(t, ValidatePositiveDuration(0))
	assert.NoError(t, ValidateNonNegativeDuration(0))
	assert.Error(t, ValidateNonNegativeDuration(-time.Second))
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https", "https://auth.example/", false},
		{"with port", "http://localhost:8000", false},
		{"empty", "", true},
		{"no scheme", "auth.example/path", true},
		{"no host", "https://", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateOneOf(t *testing.T) {
	assert.NoError(t, ValidateOneOf("auto", "force", "auto"))
	err := ValidateOneOf("sometimes", "force", "auto")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "force, auto")
}

func TestCheckConfig(t *testing.T) {
	t.Run("defaults with a signing key are valid", func(t *testing.T) {
		withConfig(t, nil)
		assert.Empty(t, CheckConfig())
	})

	t.Run("short signing key", func(t *testing.T) {
		withConfig(t, map[string]interface{}{"oauth.signingKey": "short"})
		errs := CheckConfig()
		require.Len(t, errs, 1)
		assert.Equal(t, "oauth.signingKey", errs[0].Key)
	})

	t.Run("storage dsn required", func(t *testing.T) {
		withConfig(t, map[string]interface{}{"storage.driver": "postgres"})
		assert.Equal(t, []string{"storage.dsn"}, keys(CheckConfig()))
	})

	t.Run("aggregates errors", func(t *testing.T) {
		withConfig(t, map[string]interface{}{
			"server.port":                 70000,
			"address":                     "not a url",
			"auth.loginURL":               "/login",
			"oauth.accessTokenExpiry":     "0s",
			"oauth.requestApprovalPrompt": "sometimes",
			"cache.driver":                "memcached",
		})
		assert.ElementsMatch(t, []string{
			"server.port",
			"address",
			"auth.loginURL",
			"oauth.accessTokenExpiry",
			"oauth.requestApprovalPrompt",
			"cache.driver",
		}, keys(CheckConfig()))
	})
}

func TestFormatValidationErrors(t *testing.T) {
	assert.Empty(t, FormatValidationErrors(nil))

	result := FormatValidationErrors([]ValidationError{
		{Key: "server.port", Message: "must be between 0 and 65535, got: 70000"},
		{Key: "oauth.signingKey", Message: "must be at least 32 bytes, got: 0"},
	})
	assert.Contains(t, result, "Configuration validation failed")
	assert.Contains(t, result, "server.port: must be between 0 and 65535, got: 70000")
	assert.Contains(t, result, "oauth.signingKey")
	assert.Contains(t, result, ConfigFile)
}
