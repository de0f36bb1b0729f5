package daemon

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automatiq/automat/internal/config"
	"github.com/automatiq/automat/internal/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Gateway.AuthToken = "test-secret"
	cfg.Gateway.Port = freePort(t)
	cfg.Logging.Console = false
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

// freePort grabs an ephemeral port and releases it for the daemon to
// claim. A small race window exists but does not matter in tests.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", File: filepath.Join(t.TempDir(), "test.log")})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func TestNewInitializesComponents(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	defer d.Stop()

	assert.NotNil(t, d.EventLog())
	assert.Equal(t, cfg, d.GetConfig())
	assert.False(t, d.Status().Running)
}

func TestNewCreatesDataDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.DataDir = filepath.Join(cfg.DataDir, "nested", "data")
	cfg.EventLog.Path = filepath.Join(cfg.DataDir, "events.db")
	cfg.Workspace = filepath.Join(cfg.DataDir, "workspace")
	cfg.Logging.File = filepath.Join(cfg.DataDir, "automat.log")

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	defer d.Stop()

	assert.DirExists(t, cfg.DataDir)
	assert.DirExists(t, cfg.Workspace)
}

func TestNewRejectsBadDecisionProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Decision.Provider = "oracle"

	_, err := New(cfg, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decision backend")
}

func TestStartStopRoundTrip(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, d.Start())
	assert.True(t, d.Status().Running)
	assert.FileExists(t, filepath.Join(cfg.DataDir, PIDFileName))

	// Gateway health endpoint answers while running.
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", cfg.Gateway.Addr(), 200*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.NoFileExists(t, filepath.Join(cfg.DataDir, PIDFileName))
}

func TestStartTwiceFails(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	defer d.Stop()

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)

	assert.NoError(t, d.Stop())
}

func TestBuildDecider(t *testing.T) {
	t.Run("scripted needs no key", func(t *testing.T) {
		dec, err := buildDecider(config.DecisionConfig{Provider: config.DecisionScripted})
		require.NoError(t, err)
		assert.Equal(t, "scripted", dec.Name())
	})

	t.Run("anthropic", func(t *testing.T) {
		dec, err := buildDecider(config.DecisionConfig{
			Provider: config.DecisionAnthropic,
			APIKey:   "k",
			Model:    "claude-sonnet-4-20250514",
		})
		require.NoError(t, err)
		assert.Equal(t, "anthropic", dec.Name())
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := buildDecider(config.DecisionConfig{Provider: "oracle"})
		assert.Error(t, err)
	})
}
