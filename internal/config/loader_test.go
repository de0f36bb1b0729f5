package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "automat.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DecisionScripted, cfg.Decision.Provider)
	assert.Equal(t, 8720, cfg.Gateway.Port)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.EventLog.Path)
}

func TestLoadParsesFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"data_dir": "/tmp/automat",
		"gateway": {
			"host": "0.0.0.0",
			"port": 9100,
			"auth_token": "secret",
			"requests_per_minute": 30
		},
		"decision": {
			"provider": "anthropic",
			"model": "claude-sonnet-4-20250514",
			"api_key": "sk-test"
		},
		"providers": {
			"tavily_api_key": "tv-key",
			"preference": "exa"
		}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/automat", cfg.DataDir)
	assert.Equal(t, "0.0.0.0:9100", cfg.Gateway.Addr())
	assert.Equal(t, "secret", cfg.Gateway.AuthToken)
	assert.Equal(t, 30, cfg.Gateway.RequestsPerMinute)
	assert.Equal(t, DecisionAnthropic, cfg.Decision.Provider)
	assert.Equal(t, "exa", cfg.Providers.Preference)

	// Fields absent from the file keep their defaults.
	assert.Equal(t, 10, cfg.Gateway.MaxConcurrent)
	assert.Equal(t, 8, cfg.Harness.MaxSteps)

	// Derived paths follow the configured data dir.
	assert.Equal(t, filepath.Join("/tmp/automat", "events.db"), cfg.EventLog.Path)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfigFile(t, `{"gateway": `)

	_, err := Load(path)
	require.Error(t, err)
}

func TestGetConfigPathExplicit(t *testing.T) {
	l := NewLoader("/etc/automat/automat.json")
	assert.Equal(t, "/etc/automat/automat.json", l.GetConfigPath())
}

func TestGetConfigPathDefault(t *testing.T) {
	l := NewLoader("")
	path := l.GetConfigPath()
	require.NotEmpty(t, path)
	assert.Equal(t, filepath.Join(".automat", "automat.json"), filepath.Join(filepath.Base(filepath.Dir(path)), filepath.Base(path)))
}
