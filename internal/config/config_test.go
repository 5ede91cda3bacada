package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
registry:
  base_url: http://registry.test
  timeout_seconds: 45
  requests_per_second: 2.5
  burst: 3
  headers:
    x-extra: "1"
  blocked_statuses: [403, 429]
run:
  concurrency: 8
  batch_size: 4
  pacing_ms: 500
  batch_number: 3
  file_numbers: "100,200"
  retry_blocked: true
credential:
  provider: static
  static_cookies: "__cf_bm=abc; JSESSIONID=xyz"
  max_attempts: 4
checkpoint:
  backend: gcs
  gcs_bucket: harvest-bucket
  prefix: runs
db:
  dsn: postgres://localhost/harvest
  max_conns: 10
pubsub:
  project_id: proj
  topic_name: harvest-runs
server:
  metrics_addr: ":9102"
logging:
  development: false
  level: warn
telemetry:
  exporter: stdout
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "http://registry.test", cfg.Registry.BaseURL)
	require.Equal(t, "/api/Records/businesssearch", cfg.Registry.SearchPath, "defaults survive partial sections")
	require.Equal(t, 45*time.Second, cfg.RegistryTimeout())
	require.InDelta(t, 2.5, cfg.Registry.RequestsPerSecond, 0.001)
	require.Equal(t, []int{403, 429}, cfg.Registry.BlockedStatuses)
	require.Equal(t, 8, cfg.Run.Concurrency)
	require.Equal(t, 4, cfg.Run.BatchSize)
	require.Equal(t, 500*time.Millisecond, cfg.Pacing())
	require.Equal(t, 3, cfg.Run.BatchNumber)
	require.Equal(t, "100,200", cfg.Run.FileNumbers)
	require.True(t, cfg.Run.RetryBlocked)
	require.Equal(t, ProviderStatic, cfg.Credential.Provider)
	require.Equal(t, 4, cfg.Credential.MaxAttempts)
	require.Equal(t, BackendGCS, cfg.Checkpoint.Backend)
	require.Equal(t, "harvest-bucket", cfg.Checkpoint.GCSBucket)
	require.Equal(t, int32(10), cfg.DB.MaxConns)
	require.Equal(t, "harvest_runs", cfg.DB.Table)
	require.Equal(t, "harvest-runs", cfg.PubSub.TopicName)
	require.Equal(t, ":9102", cfg.Server.MetricsAddr)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, "stdout", cfg.Telemetry.Exporter)
	require.Equal(t, "registry-harvester", cfg.Telemetry.ServiceName)

	header := cfg.Header()
	require.Equal(t, "1", header.Get("X-Extra"))
	require.Contains(t, header.Get("User-Agent"), "Chrome/137")

	cookies, err := cfg.StaticCookies()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"__cf_bm": "abc", "JSESSIONID": "xyz"}, cookies)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("HARVEST_SOLVER_API_KEY", "env-key")
	t.Setenv("HARVEST_RUN_CONCURRENCY", "2")
	t.Setenv("HARVEST_CHECKPOINT_BACKEND", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "env-key", cfg.Solver.APIKey)
	require.Equal(t, 2, cfg.Run.Concurrency)
	require.Equal(t, BackendMemory, cfg.Checkpoint.Backend)
	require.Equal(t, ProviderBrowser, cfg.Credential.Provider)
	require.Equal(t, 5, cfg.Run.BatchSize)
	require.Equal(t, 2*time.Second, cfg.Pacing())
	require.Equal(t, 24, cfg.Solver.MaxPolls)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")

	path := writeConfig(t, "run:\n  concurrency: 1\n")
	_, err = Load(path)
	require.ErrorContains(t, err, "solver.api_key")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Registry:   RegistryConfig{BaseURL: "http://registry.test", TimeoutSeconds: 10},
		Run:        RunConfig{Concurrency: 1, BatchSize: 1},
		Credential: CredentialConfig{Provider: ProviderBrowser, PageURL: "http://registry.test/search"},
		Solver:     SolverConfig{APIKey: "key"},
		Checkpoint: CheckpointConfig{Backend: BackendLocal, BaseDir: "out"},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "missing base url", mutate: func(c *Config) { c.Registry.BaseURL = " " }, want: "registry.base_url"},
		{name: "invalid timeout", mutate: func(c *Config) { c.Registry.TimeoutSeconds = 0 }, want: "registry.timeout_seconds"},
		{name: "invalid concurrency", mutate: func(c *Config) { c.Run.Concurrency = 0 }, want: "run.concurrency"},
		{name: "invalid batch size", mutate: func(c *Config) { c.Run.BatchSize = -1 }, want: "run.batch_size"},
		{name: "negative pacing", mutate: func(c *Config) { c.Run.PacingMs = -1 }, want: "run.pacing_ms"},
		{name: "browser without solver key", mutate: func(c *Config) { c.Solver.APIKey = "" }, want: "solver.api_key"},
		{name: "browser without page", mutate: func(c *Config) { c.Credential.PageURL = "" }, want: "credential.page_url"},
		{name: "static without cookies", mutate: func(c *Config) { c.Credential.Provider = ProviderStatic }, want: "credential.static_cookies"},
		{name: "unknown provider", mutate: func(c *Config) { c.Credential.Provider = "magic" }, want: "credential.provider"},
		{name: "local without dir", mutate: func(c *Config) { c.Checkpoint.BaseDir = "" }, want: "checkpoint.base_dir"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Checkpoint.Backend = BackendGCS }, want: "checkpoint.gcs_bucket"},
		{name: "unknown backend", mutate: func(c *Config) { c.Checkpoint.Backend = "s3" }, want: "checkpoint.backend"},
		{name: "half pubsub", mutate: func(c *Config) { c.PubSub.TopicName = "t" }, want: "pubsub"},
		{name: "unknown exporter", mutate: func(c *Config) { c.Telemetry.Exporter = "otlp" }, want: "telemetry.exporter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestStaticCookiesRejectsGarbage(t *testing.T) {
	t.Parallel()

	cfg := Config{Credential: CredentialConfig{StaticCookies: "=novalue"}}
	_, err := cfg.StaticCookies()
	require.Error(t, err)
}
