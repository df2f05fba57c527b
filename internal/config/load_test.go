package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConcurrency, cfg.Scheduler.Concurrency)
	assert.Equal(t, DefaultIntervalSeconds, cfg.Scheduler.IntervalSeconds)
	assert.Equal(t, []string{"local"}, cfg.GitHub.Repos)
}

func TestLoadExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runner.yaml")
	content := `
workdir_root: /tmp/agents
github:
  owner: metyatech
  repos: ["all"]
scheduler:
  concurrency: 4
  interval_seconds: 30
idle:
  cooldown_minutes: 120
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/agents", cfg.WorkdirRoot)
	assert.Equal(t, "metyatech", cfg.GitHub.Owner)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	assert.Equal(t, 30, cfg.Scheduler.IntervalSeconds)
	assert.Equal(t, 120, cfg.Idle.CooldownMinutes)
	// Untouched sections keep defaults.
	assert.Equal(t, DefaultLabelNames(), cfg.GitHub.Labels)
}

func TestLoadExplicitFileMissingFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "default is valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Scheduler.Concurrency = 0 },
			wantErr: "concurrency",
		},
		{
			name:    "all without owner",
			mutate:  func(c *Config) { c.GitHub.Repos = []string{"all"}; c.GitHub.Owner = "" },
			wantErr: "owner",
		},
		{
			name:    "webhook enabled without secret",
			mutate:  func(c *Config) { c.Webhook.Enabled = true; c.Webhook.Secret = "" },
			wantErr: "secret",
		},
		{
			name: "inverted gate ramp",
			mutate: func(c *Config) {
				c.Engines.Codex.Gate.StartPercent = 0
				c.Engines.Codex.Gate.EndPercent = 50
			},
			wantErr: "gate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGitHubTokenPriority(t *testing.T) {
	t.Setenv(EnvGitHubToken, "")
	t.Setenv(EnvGitHubTokenFallback, "fallback")
	t.Setenv(EnvGHToken, "gh")
	assert.Equal(t, "fallback", GitHubToken())

	t.Setenv(EnvGitHubToken, "primary")
	assert.Equal(t, "primary", GitHubToken())

	t.Setenv(EnvGitHubToken, "")
	t.Setenv(EnvGitHubTokenFallback, "")
	assert.Equal(t, "gh", GitHubToken())
}

func TestNotifyAppFromEnvRequiresAllParts(t *testing.T) {
	t.Setenv(EnvNotifyAppID, "1234")
	t.Setenv(EnvNotifyAppInstallationID, "")
	t.Setenv(EnvNotifyAppPrivateKey, "/tmp/key.pem")
	assert.Nil(t, NotifyAppFromEnv())

	t.Setenv(EnvNotifyAppInstallationID, "5678")
	app := NotifyAppFromEnv()
	require.NotNil(t, app)
	assert.Equal(t, "1234", app.AppID)
	assert.Equal(t, "5678", app.InstallationID)
}

func TestServiceLimitDefaultsToOne(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.ServiceLimits = map[string]int{"codex": 2}
	assert.Equal(t, 2, cfg.ServiceLimit("codex"))
	assert.Equal(t, 1, cfg.ServiceLimit("unknown"))
}
