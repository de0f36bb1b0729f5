// Package config defines the automat configuration schema and its JSON
// loader. A single file configures the daemon end to end: event log
// storage, the gateway, the decision backend, and the search providers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Decision backends accepted by Validate.
const (
	DecisionAnthropic = "anthropic"
	DecisionOpenAI    = "openai"
	DecisionScripted  = "scripted"
)

// Config is the root configuration for the automat daemon.
type Config struct {
	// Path is the file this config was loaded from. Empty when running
	// on pure defaults. Set by the loader, never by the file itself.
	Path string `json:"-" mapstructure:"-"`

	// DataDir holds the event log database, the PID file, and log
	// output. Defaults to ~/.automat.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Workspace is the directory terminal-kind agents operate in.
	Workspace string `json:"workspace" mapstructure:"workspace"`

	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	EventLog    EventLogConfig    `json:"event_log" mapstructure:"event_log"`
	Gateway     GatewayConfig     `json:"gateway" mapstructure:"gateway"`
	Decision    DecisionConfig    `json:"decision" mapstructure:"decision"`
	Providers   ProvidersConfig   `json:"providers" mapstructure:"providers"`
	Harness     HarnessConfig     `json:"harness" mapstructure:"harness"`
	Supervision SupervisionConfig `json:"supervision" mapstructure:"supervision"`
	Tracing     TracingConfig     `json:"tracing" mapstructure:"tracing"`
}

// LoggingConfig controls the zerolog output sinks.
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// EventLogConfig controls the durable event store.
type EventLogConfig struct {
	// Path to the SQLite database file. Empty means
	// <data_dir>/events.db.
	Path string `json:"path" mapstructure:"path"`

	// SubscriberBuffer is the per-subscriber channel capacity before
	// the log drops a slow subscriber.
	SubscriberBuffer int `json:"subscriber_buffer" mapstructure:"subscriber_buffer"`

	Archive ArchiveConfig `json:"archive" mapstructure:"archive"`
}

// ArchiveConfig schedules periodic archival of old events.
type ArchiveConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// Schedule is a cron expression. Defaults to daily at 03:00.
	Schedule string `json:"schedule" mapstructure:"schedule"`

	// RetainDays is how far back events are kept live.
	RetainDays int `json:"retain_days" mapstructure:"retain_days"`
}

// GatewayConfig controls the HTTP ingress.
type GatewayConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`

	// AuthToken is the shared secret every request must present.
	AuthToken string `json:"auth_token" mapstructure:"auth_token"`

	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// Addr returns the host:port listen address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// DecisionConfig selects the reasoning backend used by agent harnesses
// and conductor synthesis.
type DecisionConfig struct {
	// Provider is one of anthropic, openai, or scripted. The scripted
	// backend needs no API key and exists for offline operation.
	Provider string `json:"provider" mapstructure:"provider"`
	Model    string `json:"model" mapstructure:"model"`
	APIKey   string `json:"api_key" mapstructure:"api_key"`
}

// ProvidersConfig holds search provider credentials and routing defaults.
type ProvidersConfig struct {
	TavilyAPIKey string `json:"tavily_api_key" mapstructure:"tavily_api_key"`
	BraveAPIKey  string `json:"brave_api_key" mapstructure:"brave_api_key"`
	ExaAPIKey    string `json:"exa_api_key" mapstructure:"exa_api_key"`

	// Preference is the default first provider in fallback routes.
	Preference string `json:"preference" mapstructure:"preference"`

	// EntryTimeoutSeconds bounds each provider attempt within a route.
	EntryTimeoutSeconds int `json:"entry_timeout_seconds" mapstructure:"entry_timeout_seconds"`
}

// HarnessConfig bounds a single agent loop.
type HarnessConfig struct {
	MaxSteps       int `json:"max_steps" mapstructure:"max_steps"`
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// SupervisionConfig sets the default restart budget for supervised
// children.
type SupervisionConfig struct {
	MaxRestarts   int `json:"max_restarts" mapstructure:"max_restarts"`
	WindowSeconds int `json:"window_seconds" mapstructure:"window_seconds"`
}

// TracingConfig enables OpenTelemetry span export.
type TracingConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns a configuration that starts a local daemon with
// the scripted decision backend and no provider credentials.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		EventLog: EventLogConfig{
			SubscriberBuffer: 256,
			Archive: ArchiveConfig{
				Schedule:   "0 3 * * *",
				RetainDays: 30,
			},
		},
		Gateway: GatewayConfig{
			Host:              "127.0.0.1",
			Port:              8720,
			RequestsPerMinute: 60,
			MaxConcurrent:     10,
		},
		Decision: DecisionConfig{
			Provider: DecisionScripted,
		},
		Providers: ProvidersConfig{
			Preference:          "tavily",
			EntryTimeoutSeconds: 30,
		},
		Harness: HarnessConfig{
			MaxSteps:       8,
			TimeoutSeconds: 120,
		},
		Supervision: SupervisionConfig{
			MaxRestarts:   3,
			WindowSeconds: 60,
		},
	}
}

// ApplyDefaults fills derived paths left empty by the user. It is
// called by Load after unmarshalling.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.DataDir = filepath.Join(home, ".automat")
	}
	if c.Workspace == "" {
		c.Workspace = filepath.Join(c.DataDir, "workspace")
	}
	if c.EventLog.Path == "" {
		c.EventLog.Path = filepath.Join(c.DataDir, "events.db")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "automat.log")
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway: invalid port %d", c.Gateway.Port)
	}
	if c.Gateway.AuthToken == "" {
		return fmt.Errorf("gateway: auth_token is required")
	}
	switch c.Decision.Provider {
	case DecisionScripted:
	case DecisionAnthropic, DecisionOpenAI:
		if c.Decision.APIKey == "" {
			return fmt.Errorf("decision: api_key is required for provider %q", c.Decision.Provider)
		}
	default:
		return fmt.Errorf("decision: unknown provider %q", c.Decision.Provider)
	}
	if c.EventLog.SubscriberBuffer <= 0 {
		return fmt.Errorf("event_log: subscriber_buffer must be positive")
	}
	if c.EventLog.Archive.Enabled && c.EventLog.Archive.RetainDays <= 0 {
		return fmt.Errorf("event_log: archive retain_days must be positive")
	}
	if c.Harness.MaxSteps <= 0 {
		return fmt.Errorf("harness: max_steps must be positive")
	}
	if c.Harness.TimeoutSeconds <= 0 {
		return fmt.Errorf("harness: timeout_seconds must be positive")
	}
	if c.Supervision.MaxRestarts < 0 {
		return fmt.Errorf("supervision: max_restarts must not be negative")
	}
	if c.Supervision.WindowSeconds <= 0 {
		return fmt.Errorf("supervision: window_seconds must be positive")
	}
	if c.Providers.EntryTimeoutSeconds <= 0 {
		return fmt.Errorf("providers: entry_timeout_seconds must be positive")
	}
	return nil
}
