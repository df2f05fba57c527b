package config

import (
	"os"
	"strings"
)

// Environment variable names recognized outside the AGENT_RUNNER_ prefix.
const (
	EnvGitHubToken         = "AGENT_GITHUB_TOKEN"
	EnvGitHubTokenFallback = "GITHUB_TOKEN"
	EnvGHToken             = "GH_TOKEN"

	EnvNotifyAppID             = "AGENT_GITHUB_NOTIFY_APP_ID"
	EnvNotifyAppInstallationID = "AGENT_GITHUB_NOTIFY_APP_INSTALLATION_ID"
	EnvNotifyAppPrivateKey     = "AGENT_GITHUB_NOTIFY_APP_PRIVATE_KEY"

	EnvGeminiOAuthClientID     = "AGENT_GEMINI_OAUTH_CLIENT_ID"
	EnvGeminiOAuthClientSecret = "AGENT_GEMINI_OAUTH_CLIENT_SECRET"

	EnvUsageTiming = "AGENT_RUNNER_USAGE_TIMING"
)

// GitHubToken resolves the GitHub token from the environment, in the
// documented priority order. Empty when none is set.
func GitHubToken() string {
	for _, name := range []string{EnvGitHubToken, EnvGitHubTokenFallback, EnvGHToken} {
		if token := strings.TrimSpace(os.Getenv(name)); token != "" {
			return token
		}
	}
	return ""
}

// NotifyApp carries the optional GitHub App identity used for comments so
// notifications do not consume the user token or appear under the user login.
type NotifyApp struct {
	AppID          string
	InstallationID string
	// PrivateKey is either a PEM path or the inline PEM text.
	PrivateKey string
}

// NotifyAppFromEnv returns the configured App triple, or nil when any part
// is missing.
func NotifyAppFromEnv() *NotifyApp {
	app := NotifyApp{
		AppID:          strings.TrimSpace(os.Getenv(EnvNotifyAppID)),
		InstallationID: strings.TrimSpace(os.Getenv(EnvNotifyAppInstallationID)),
		PrivateKey:     strings.TrimSpace(os.Getenv(EnvNotifyAppPrivateKey)),
	}
	if app.AppID == "" || app.InstallationID == "" || app.PrivateKey == "" {
		return nil
	}
	return &app
}

// GeminiOAuthClient returns the Gemini OAuth client id/secret overrides,
// falling back to the provided defaults.
func GeminiOAuthClient(defaultID, defaultSecret string) (string, string) {
	id := strings.TrimSpace(os.Getenv(EnvGeminiOAuthClientID))
	secret := strings.TrimSpace(os.Getenv(EnvGeminiOAuthClientSecret))
	if id == "" {
		id = defaultID
	}
	if secret == "" {
		secret = defaultSecret
	}
	return id, secret
}

// UsageTimingEnabled reports whether quota-read timing logs are raised to
// info level.
func UsageTimingEnabled() bool {
	return os.Getenv(EnvUsageTiming) == "1"
}

// applyEnvOverrides applies the non-prefixed environment knobs onto cfg.
func applyEnvOverrides(cfg *Config) {
	if secret := strings.TrimSpace(os.Getenv("AGENT_WEBHOOK_SECRET")); secret != "" {
		cfg.Webhook.Secret = secret
	}
}
