package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
environment:
  base_url: https://platform.example.com
worker:
  identities_path: identities.yaml
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSONOutput)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, "nbworker:queue", cfg.Worker.QueueName)
	assert.Equal(t, 3, cfg.Worker.MaxConcurrentJobs)
	assert.Equal(t, 5*time.Minute, cfg.Worker.JobTimeout)
	assert.Equal(t, ClaimStrategyLock, cfg.Worker.ClaimStrategy)
	assert.Equal(t, 60*time.Second, cfg.Worker.LockLeaseTTL)
	assert.Equal(t, "normal", cfg.Worker.KeepAlive)
	assert.Equal(t, "/nb", cfg.Environment.HubPathPrefix)
	assert.Equal(t, []string{"exec:notebook"}, cfg.Environment.TokenScopes)
	assert.Equal(t, ImageSelectorRecommended, cfg.Jupyter.ImageSelector)
	assert.Equal(t, 400, cfg.Jupyter.GoneStatusMin)
	assert.Equal(t, 499, cfg.Jupyter.GoneStatusMax)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("NBWORKER_WORKER_QUEUE_NAME", "nbworker:fast")
	t.Setenv("NBWORKER_WORKER_MAX_CONCURRENT_JOBS", "8")
	t.Setenv("NBWORKER_LOGGING_LEVEL", "debug")

	cfg, err := Load(writeConfigFile(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "nbworker:fast", cfg.Worker.QueueName)
	assert.Equal(t, 8, cfg.Worker.MaxConcurrentJobs)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFileOverride(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, `
environment:
  base_url: https://platform.example.com
worker:
  identities_path: identities.yaml
  claim_strategy: ordinal
  ordinal: 2
jupyter:
  image_selector: reference
  image_reference: registry.example.com/lab:w_2025_30
`))
	require.NoError(t, err)

	assert.Equal(t, ClaimStrategyOrdinal, cfg.Worker.ClaimStrategy)
	assert.Equal(t, 2, cfg.Worker.Ordinal)
	assert.Equal(t, ImageSelectorReference, cfg.Jupyter.ImageSelector)
	assert.Equal(t, "registry.example.com/lab:w_2025_30", cfg.Jupyter.ImageReference)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:    "missing base URL",
			mutate:  func(cfg *Config) { cfg.Environment.BaseURL = "" },
			wantErr: "environment.base_url",
		},
		{
			name:    "missing identities path",
			mutate:  func(cfg *Config) { cfg.Worker.IdentitiesPath = "" },
			wantErr: "worker.identities_path",
		},
		{
			name:    "bad claim strategy",
			mutate:  func(cfg *Config) { cfg.Worker.ClaimStrategy = "raffle" },
			wantErr: "claim strategy",
		},
		{
			name: "reference selector requires reference",
			mutate: func(cfg *Config) {
				cfg.Jupyter.ImageSelector = ImageSelectorReference
				cfg.Jupyter.ImageReference = ""
			},
			wantErr: "jupyter.image_reference",
		},
		{
			name:    "bad keepalive",
			mutate:  func(cfg *Config) { cfg.Worker.KeepAlive = "sometimes" },
			wantErr: "keepalive",
		},
		{
			name: "inverted gone range",
			mutate: func(cfg *Config) {
				cfg.Jupyter.GoneStatusMin = 500
				cfg.Jupyter.GoneStatusMax = 499
			},
			wantErr: "gone_status_min",
		},
		{
			name:    "zero concurrency",
			mutate:  func(cfg *Config) { cfg.Worker.MaxConcurrentJobs = 0 },
			wantErr: "max_concurrent_jobs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfigFile(t, minimalConfig))
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
