package engine

import (
	"os"
	"path/filepath"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/httpclient"
	"github.com/metyatech/agent-runner/internal/logging"
	"github.com/metyatech/agent-runner/internal/usage"
)

// UsageStore is the persistence the usage wiring needs: gemini warm-up
// stamps and the Amazon Q dispatch counter.
type UsageStore interface {
	usage.WarmupStore
	usage.AmazonQCounter
}

// Default OAuth client for the Gemini CLI credential flow; overridable via
// environment.
const (
	defaultGeminiOAuthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	defaultGeminiOAuthClientSecret = "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"
)

// NewUsageEvaluator wires one usage fetcher per enabled engine, each behind
// its own circuit breaker so a flapping backend stops being polled instead
// of stalling every cycle.
func NewUsageEvaluator(cfg *config.Config, store UsageStore, logger logging.Logger) *usage.Evaluator {
	logger = logging.OrNop(logger)
	timeout := cfg.QuotaReadTimeout()
	engines := cfg.Engines

	fetchers := map[string]usage.Fetcher{}
	gates := map[string]config.GateConfig{}
	geminiModels := map[string]string{}

	geminiClientID, geminiClientSecret := config.GeminiOAuthClient(
		defaultGeminiOAuthClientID, defaultGeminiOAuthClientSecret)

	if engines.Codex.Enabled {
		fetchers[string(Codex)] = usage.NewCodexFetcher(
			httpclient.NewWithCircuitBreaker(timeout, logger, "codex-usage"), logger)
		gates[string(Codex)] = engines.Codex.Gate
	}
	if engines.Claude.Enabled {
		fetchers[string(Claude)] = &usage.ClaudeFetcher{
			URL:    "https://api.anthropic.com/api/oauth/usage",
			Token:  fileTokenSource(filepath.Join(".claude", "credentials.json")),
			HTTP:   httpclient.NewWithCircuitBreaker(timeout, logger, "claude-usage"),
			Logger: logger,
		}
		gates[string(Claude)] = engines.Claude.Gate
	}
	if engines.Copilot.Enabled {
		fetchers[string(Copilot)] = &usage.CopilotFetcher{
			URL:    "https://api.github.com/copilot_internal/user",
			Token:  func() (string, error) { return config.GitHubToken(), nil },
			HTTP:   httpclient.NewWithCircuitBreaker(timeout, logger, "copilot-usage"),
			Logger: logger,
		}
		gates[string(Copilot)] = engines.Copilot.Gate
	}
	for _, gem := range []struct {
		kind         Kind
		cfg          config.EngineConfig
		defaultModel string
	}{
		{GeminiPro, engines.GeminiPro, "gemini-2.5-pro"},
		{GeminiFlash, engines.GeminiFlash, "gemini-2.5-flash"},
	} {
		if !gem.cfg.Enabled {
			continue
		}
		model := geminiModel(gem.cfg, gem.defaultModel)
		fetchers[string(gem.kind)] = &usage.GeminiFetcher{
			URL:          "https://cloudcode-pa.googleapis.com/v1internal:quota",
			Model:        model,
			Token:        fileTokenSource(filepath.Join(".gemini", "oauth_creds.json")),
			ClientID:     geminiClientID,
			ClientSecret: geminiClientSecret,
			HTTP:         httpclient.NewWithCircuitBreaker(timeout, logger, "gemini-usage"),
			Logger:       logger,
		}
		gates[string(gem.kind)] = gem.cfg.Gate
		geminiModels[string(gem.kind)] = model
	}
	if engines.AmazonQ.Enabled {
		fetchers[string(AmazonQ)] = &usage.AmazonQFetcher{
			Counter:    store,
			DailyLimit: engines.AmazonQDailyLimit,
			Logger:     logger,
		}
		gates[string(AmazonQ)] = engines.AmazonQ.Gate
	}

	evaluator := usage.NewEvaluator(fetchers, gates, logger).WithFetchTimeout(timeout)
	if len(geminiModels) > 0 && store != nil {
		evaluator = evaluator.WithGeminiWarmup(store, cfg.GeminiWarmupCooldown(), geminiModels)
	}
	return evaluator
}

func geminiModel(ec config.EngineConfig, fallback string) string {
	if ec.Model != "" {
		return ec.Model
	}
	return fallback
}

// fileTokenSource reads an access_token field from a JSON credential file
// under the home directory, the way the engine CLIs persist OAuth state.
func fileTokenSource(relPath string) func() (string, error) {
	return func() (string, error) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return usage.AccessTokenFromFile(filepath.Join(home, relPath))
	}
}
