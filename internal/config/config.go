// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Credential providers.
const (
	ProviderBrowser = "browser"
	ProviderStatic  = "static"
)

// Checkpoint backends.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Registry   RegistryConfig   `mapstructure:"registry"`
	Run        RunConfig        `mapstructure:"run"`
	Credential CredentialConfig `mapstructure:"credential"`
	Solver     SolverConfig     `mapstructure:"solver"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// RegistryConfig describes the registry API and client-side pacing.
type RegistryConfig struct {
	BaseURL           string            `mapstructure:"base_url"`
	SearchPath        string            `mapstructure:"search_path"`
	DetailPath        string            `mapstructure:"detail_path"`
	TimeoutSeconds    int               `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64           `mapstructure:"requests_per_second"`
	Burst             int               `mapstructure:"burst"`
	UserAgent         string            `mapstructure:"user_agent"`
	Headers           map[string]string `mapstructure:"headers"`
	BlockedStatuses   []int             `mapstructure:"blocked_statuses"`
}

// RunConfig controls batching and hand-off.
type RunConfig struct {
	Concurrency  int    `mapstructure:"concurrency"`
	BatchSize    int    `mapstructure:"batch_size"`
	PacingMs     int    `mapstructure:"pacing_ms"`
	BatchNumber  int    `mapstructure:"batch_number"`
	FileNumbers  string `mapstructure:"file_numbers"`
	RetryBlocked bool   `mapstructure:"retry_blocked"`
}

// CredentialConfig selects and tunes the session provider.
type CredentialConfig struct {
	Provider          string `mapstructure:"provider"`
	PageURL           string `mapstructure:"page_url"`
	SearchSelector    string `mapstructure:"search_selector"`
	CaptchaIframe     string `mapstructure:"captcha_iframe"`
	CaptchaSelector   string `mapstructure:"captcha_selector"`
	SettleSeconds     int    `mapstructure:"settle_seconds"`
	SearchWaitSeconds int    `mapstructure:"search_wait_seconds"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	MaxAttempts       int    `mapstructure:"max_attempts"`
	BackoffInitialMs  int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs      int    `mapstructure:"backoff_max_ms"`
	// StaticCookies is a Cookie header value ("name=value; other=value").
	StaticCookies string `mapstructure:"static_cookies"`
}

// SolverConfig configures the CAPTCHA solving service.
type SolverConfig struct {
	APIKey              string `mapstructure:"api_key"`
	SubmitURL           string `mapstructure:"submit_url"`
	ResultURL           string `mapstructure:"result_url"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	MaxPolls            int    `mapstructure:"max_polls"`
}

// CheckpointConfig selects where reports and manifests are written.
type CheckpointConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the optional run index.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the status server. An empty address disables it.
type ServerConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig selects the span exporter ("none" or "stdout").
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Exporter    string `mapstructure:"exporter"`
}

// Load builds a Config from disk/environment. Environment variables use the
// HARVEST_ prefix with dots replaced by underscores (HARVEST_RUN_CONCURRENCY).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		// Without an explicit path, look in the usual places; a missing file
		// leaves defaults and environment in charge.
		v.SetConfigName("harvester")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/harvester/")
		v.AddConfigPath("$HOME/.harvester")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("registry.base_url", "https://bizfileonline.sos.ca.gov")
	v.SetDefault("registry.search_path", "/api/Records/businesssearch")
	v.SetDefault("registry.detail_path", "/api/FilingDetail/business/{id}/false")
	v.SetDefault("registry.timeout_seconds", 30)
	v.SetDefault("registry.requests_per_second", 0)
	v.SetDefault("registry.burst", 1)
	v.SetDefault("registry.user_agent", defaultUserAgent)
	v.SetDefault("registry.headers", defaultHeaders())
	v.SetDefault("run.concurrency", 5)
	v.SetDefault("run.batch_size", 5)
	v.SetDefault("run.pacing_ms", 2000)
	v.SetDefault("run.batch_number", 1)
	v.SetDefault("run.retry_blocked", false)
	v.SetDefault("credential.provider", ProviderBrowser)
	v.SetDefault("credential.page_url", "https://bizfileonline.sos.ca.gov/search/business")
	v.SetDefault("credential.settle_seconds", 5)
	v.SetDefault("credential.search_wait_seconds", 5)
	v.SetDefault("credential.nav_timeout_seconds", 180)
	v.SetDefault("credential.max_attempts", 2)
	v.SetDefault("credential.backoff_initial_ms", 2000)
	v.SetDefault("credential.backoff_max_ms", 30000)
	v.SetDefault("solver.poll_interval_seconds", 5)
	v.SetDefault("solver.max_polls", 24)
	v.SetDefault("checkpoint.backend", BackendLocal)
	v.SetDefault("checkpoint.base_dir", "checkpoints")
	v.SetDefault("db.table", "harvest_runs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "registry-harvester")
	v.SetDefault("telemetry.exporter", "none")

	// Keys without a meaningful default are still registered so that
	// AutomaticEnv can populate them during Unmarshal.
	for _, key := range []string{
		"run.file_numbers",
		"credential.search_selector",
		"credential.captcha_iframe",
		"credential.captcha_selector",
		"credential.static_cookies",
		"solver.api_key",
		"solver.submit_url",
		"solver.result_url",
		"checkpoint.gcs_bucket",
		"checkpoint.prefix",
		"db.dsn",
		"pubsub.project_id",
		"pubsub.topic_name",
		"server.metrics_addr",
		"logging.level",
	} {
		v.SetDefault(key, "")
	}
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/137.0.0.0 Safari/537.36"

func defaultHeaders() map[string]string {
	return map[string]string{
		"accept":             "*/*",
		"accept-language":    "en-US,en;q=0.7",
		"priority":           "u=1, i",
		"referer":            "https://bizfileonline.sos.ca.gov/search/business",
		"sec-ch-ua":          `"Brave";v="137", "Chromium";v="137", "Not/A)Brand";v="24"`,
		"sec-ch-ua-mobile":   "?0",
		"sec-ch-ua-platform": `"Windows"`,
		"sec-fetch-dest":     "empty",
		"sec-fetch-mode":     "cors",
		"sec-fetch-site":     "same-origin",
		"sec-gpc":            "1",
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Registry.BaseURL) == "" {
		return fmt.Errorf("registry.base_url is required")
	}
	if c.Registry.TimeoutSeconds <= 0 {
		return fmt.Errorf("registry.timeout_seconds must be > 0")
	}
	if c.Run.Concurrency <= 0 {
		return fmt.Errorf("run.concurrency must be > 0")
	}
	if c.Run.BatchSize <= 0 {
		return fmt.Errorf("run.batch_size must be > 0")
	}
	if c.Run.PacingMs < 0 {
		return fmt.Errorf("run.pacing_ms must be >= 0")
	}
	switch c.Credential.Provider {
	case ProviderBrowser:
		if c.Solver.APIKey == "" {
			return fmt.Errorf("solver.api_key must be set for the browser credential provider")
		}
		if c.Credential.PageURL == "" {
			return fmt.Errorf("credential.page_url must be set for the browser credential provider")
		}
	case ProviderStatic:
		if strings.TrimSpace(c.Credential.StaticCookies) == "" {
			return fmt.Errorf("credential.static_cookies must be set for the static credential provider")
		}
	default:
		return fmt.Errorf("unknown credential.provider %q", c.Credential.Provider)
	}
	switch c.Checkpoint.Backend {
	case BackendLocal:
		if c.Checkpoint.BaseDir == "" {
			return fmt.Errorf("checkpoint.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Checkpoint.GCSBucket == "" {
			return fmt.Errorf("checkpoint.gcs_bucket must be set for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown checkpoint.backend %q", c.Checkpoint.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("unknown telemetry.exporter %q", c.Telemetry.Exporter)
	}
	return nil
}

// RegistryTimeout is the per-call HTTP timeout.
func (c Config) RegistryTimeout() time.Duration {
	return time.Duration(c.Registry.TimeoutSeconds) * time.Second
}

// Pacing is the pause between batches.
func (c Config) Pacing() time.Duration {
	return time.Duration(c.Run.PacingMs) * time.Millisecond
}

// Header builds the static browser headers carried by every credential. The
// user agent is included when configured.
func (c Config) Header() http.Header {
	h := make(http.Header, len(c.Registry.Headers)+1)
	for k, v := range c.Registry.Headers {
		h.Set(k, v)
	}
	if c.Registry.UserAgent != "" {
		h.Set("User-Agent", c.Registry.UserAgent)
	}
	return h
}

// StaticCookies parses credential.static_cookies.
func (c Config) StaticCookies() (map[string]string, error) {
	parsed, err := http.ParseCookie(c.Credential.StaticCookies)
	if err != nil {
		return nil, fmt.Errorf("parse credential.static_cookies: %w", err)
	}
	out := make(map[string]string, len(parsed))
	for _, ck := range parsed {
		out[ck.Name] = ck.Value
	}
	return out, nil
}
