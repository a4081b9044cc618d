package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/loadtestoor/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

const minimalConfig = `
dispatcher:
  report_url: http://orchestrator:8080/api/v1/worker/complete
  regions:
    eu-west: {}
    us-east:
      host: tcp://us-east.internal:2376
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "loadtestoor.db", cfg.Database.SQLite.Path)
	assert.Equal(t, "docker", cfg.Dispatcher.Engine)
	assert.Equal(t, config.DefaultWorkerImage, cfg.Dispatcher.Image)
	assert.Equal(t, "missing", cfg.Dispatcher.PullPolicy)
	assert.Equal(t, 10, cfg.Defaults.Concurrency)
	assert.Equal(t, 60, cfg.Defaults.DurationSec)
	assert.Equal(t, 10, cfg.Defaults.RampUpSec)

	// Per-region hosts survive the round trip.
	assert.Equal(t, "tcp://us-east.internal:2376", cfg.Dispatcher.Regions["us-east"].Host)
	assert.Empty(t, cfg.Dispatcher.Regions["eu-west"].Host)

	// Unset default regions fall back to every configured region, in
	// sorted order so the set is stable across runs.
	assert.Equal(t, []string{"eu-west", "us-east"}, cfg.Defaults.Regions)
}

func TestLoad_FullConfig(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
global:
  log_level: debug
server:
  listen: ":9090"
  rate_limit:
    enabled: true
    requests_per_minute: 120
database:
  driver: postgres
  postgres:
    host: db.internal
    port: 5432
    user: loadtest
    password: secret
    database: loadtest
    ssl_mode: disable
dispatcher:
  engine: podman
  image: ghcr.io/example/loadtestoor:v2
  launch_timeout: 90s
  watchdog_ceiling: 20m
  memory_limit: 512m
  report_url: http://orchestrator:8080/api/v1/worker/complete
  headers:
    User-Agent: Mozilla/5.0
  regions:
    eu-west: {}
defaults:
  concurrency: 50
  duration_seconds: 300
  ramp_up_seconds: 30
  regions: [eu-west]
archive:
  s3:
    enabled: true
    bucket: loadtest-archive
    prefix: tests
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Global.LogLevel)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.True(t, cfg.Server.RateLimit.Enabled)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "db.internal", cfg.Database.Postgres.Host)
	assert.Equal(t, "podman", cfg.Dispatcher.Engine)
	assert.Equal(t, 90*time.Second, cfg.Dispatcher.LaunchTimeoutDuration())
	assert.Equal(t, 20*time.Minute, cfg.Dispatcher.WatchdogCeilingDuration())
	assert.Equal(t, int64(512*1024*1024), cfg.Dispatcher.MemoryLimitBytes())
	assert.Equal(t, "Mozilla/5.0", cfg.Dispatcher.Headers["User-Agent"])
	assert.Equal(t, 50, cfg.Defaults.Concurrency)
	require.NotNil(t, cfg.Archive)
	assert.Equal(t, "loadtest-archive", cfg.Archive.S3.Bucket)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			"bad database driver",
			func(c *config.Config) { c.Database.Driver = "mysql" },
			"unsupported database driver",
		},
		{
			"bad engine",
			func(c *config.Config) { c.Dispatcher.Engine = "nomad" },
			"unsupported dispatcher engine",
		},
		{
			"no regions",
			func(c *config.Config) { c.Dispatcher.Regions = nil },
			"at least one dispatcher region",
		},
		{
			"unknown default region",
			func(c *config.Config) { c.Defaults.Regions = []string{"mars-north"} },
			"not a configured region",
		},
		{
			"missing report url",
			func(c *config.Config) { c.Dispatcher.ReportURL = "" },
			"report_url is required",
		},
		{
			"bad launch timeout",
			func(c *config.Config) { c.Dispatcher.LaunchTimeout = "soon" },
			"invalid dispatcher launch_timeout",
		},
		{
			"bad memory limit",
			func(c *config.Config) { c.Dispatcher.MemoryLimit = "lots" },
			"invalid dispatcher memory_limit",
		},
		{
			"archive enabled without bucket",
			func(c *config.Config) {
				c.Archive = &config.ArchiveConfig{
					S3: &config.S3ArchiveConfig{Enabled: true},
				}
			},
			"archive s3 bucket is required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := config.Load(writeConfig(t, minimalConfig))
			require.NoError(t, err)

			tc.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LOADTESTOOR_GLOBAL_LOG_LEVEL", "warn")
	t.Setenv("LOADTESTOOR_SERVER_LISTEN", ":7070")

	cfg, err := config.Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Global.LogLevel)
	assert.Equal(t, ":7070", cfg.Server.Listen)
}
