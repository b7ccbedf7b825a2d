// Package config loads and validates the apptsync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvClientID     = "GOOGLE_CLIENT_ID"
	EnvClientSecret = "GOOGLE_CLIENT_SECRET"
	EnvRedirectURL  = "GOOGLE_REDIRECT_URI"
	EnvTokenSecret  = "APPTSYNC_TOKEN_SECRET"
)

// Defaults applied by Load when a value is omitted.
const (
	DefaultSchedule    = "*/15 * * * *"
	DefaultWindowDays  = 90
	DefaultCallTimeout = 15 * time.Second
	DefaultCalendarID  = "primary"
	DefaultRedirectURL = "http://localhost:8000/calendar/callback"

	minTokenSecret = 16
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// DatabasePath is the SQLite file holding appointments and tokens.
	// Defaults to ~/.local/share/apptsync/state.db.
	DatabasePath string `yaml:"database_path,omitempty"`

	// TokenSecret seals stored OAuth tokens. At least 16 characters.
	TokenSecret string `yaml:"token_secret"`

	Google GoogleConfig `yaml:"google"`
	Sync   SyncConfig   `yaml:"sync"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// GoogleConfig holds the OAuth client registration and target calendar.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// RedirectURL must match a redirect URI registered for the client.
	RedirectURL string `yaml:"redirect_url"`
	// CalendarID defaults to "primary".
	CalendarID string `yaml:"calendar_id,omitempty"`
}

// SyncConfig controls scheduled and manual sync runs.
type SyncConfig struct {
	// Schedule is a standard five-field cron expression used by the daemon.
	Schedule string `yaml:"schedule,omitempty"`

	// WindowDays is the length of the default window starting now. 1..366.
	WindowDays int `yaml:"window_days,omitempty"`

	// CallTimeout bounds every provider call. Minimum 5s, maximum 2m.
	CallTimeout time.Duration `yaml:"call_timeout,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "apptsync".
	ServiceName string `yaml:"service_name,omitempty"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/apptsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "apptsync", "config.yaml"), nil
}

// Load reads the configuration file at the given path, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write persists the configuration as YAML, readable only by the owner.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("restricting config file permissions: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.Google.ClientID, EnvClientID)
	override(&c.Google.ClientSecret, EnvClientSecret)
	override(&c.Google.RedirectURL, EnvRedirectURL)
	override(&c.TokenSecret, EnvTokenSecret)
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	if len(c.TokenSecret) < minTokenSecret {
		return fmt.Errorf("token_secret must be at least %d characters (or set %s)", minTokenSecret, EnvTokenSecret)
	}

	if c.Google.ClientID == "" {
		return fmt.Errorf("google.client_id is required (or set %s)", EnvClientID)
	}
	if c.Google.ClientSecret == "" {
		return fmt.Errorf("google.client_secret is required (or set %s)", EnvClientSecret)
	}
	if c.Google.RedirectURL == "" {
		c.Google.RedirectURL = DefaultRedirectURL
	}
	u, err := url.ParseRequestURI(c.Google.RedirectURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("google.redirect_url %q must be a valid http or https URL", c.Google.RedirectURL)
	}
	if c.Google.CalendarID == "" {
		c.Google.CalendarID = DefaultCalendarID
	}

	if c.Sync.Schedule == "" {
		c.Sync.Schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
		return fmt.Errorf("sync.schedule %q is not a valid cron expression: %w", c.Sync.Schedule, err)
	}

	if c.Sync.WindowDays == 0 {
		c.Sync.WindowDays = DefaultWindowDays
	}
	if c.Sync.WindowDays < 1 || c.Sync.WindowDays > 366 {
		return fmt.Errorf("sync.window_days %d must be between 1 and 366", c.Sync.WindowDays)
	}

	if c.Sync.CallTimeout == 0 {
		c.Sync.CallTimeout = DefaultCallTimeout
	}
	if c.Sync.CallTimeout < 5*time.Second {
		return fmt.Errorf("sync.call_timeout %v is too short (minimum 5s)", c.Sync.CallTimeout)
	}
	if c.Sync.CallTimeout > 2*time.Minute {
		return fmt.Errorf("sync.call_timeout %v is too long (maximum 2m)", c.Sync.CallTimeout)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
