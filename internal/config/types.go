package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/metyatech/agent-runner/internal/observability"
)

const (
	DefaultIntervalSeconds        = 60
	DefaultConcurrency            = 2
	DefaultQuotaReadTimeout       = 20 * time.Second
	DefaultRunTimeout             = 90 * time.Minute
	DefaultIdleCooldownMinutes    = 240
	DefaultIdleMaxRunsPerCycle    = 1
	DefaultWebhookPort            = 8799
	DefaultWebhookPath            = "/hooks/github"
	DefaultCatchupIntervalMinutes = 30
	DefaultUIPort                 = 8798
	DefaultGeminiWarmupCooldown   = 6 * time.Hour
	DefaultLogRetentionDays       = 14
	DefaultLogMaxCount            = 400
	DefaultReportRetentionDays    = 60
	DefaultReportMaxCount         = 200
)

// Config captures every user-configurable setting of the runner.
type Config struct {
	// WorkdirRoot contains the canonical repo clones plus the agent-runner
	// home directory (state, logs, caches, per-run worktrees).
	WorkdirRoot string `json:"workdir_root" yaml:"workdir_root"`

	GitHub        GitHubConfig         `json:"github" yaml:"github"`
	Scheduler     SchedulerConfig      `json:"scheduler" yaml:"scheduler"`
	Engines       EnginesConfig        `json:"engines" yaml:"engines"`
	Idle          IdleConfig           `json:"idle" yaml:"idle"`
	Review        ReviewConfig         `json:"review" yaml:"review"`
	Webhook       WebhookConfig        `json:"webhook" yaml:"webhook"`
	UI            UIConfig             `json:"ui" yaml:"ui"`
	Maintenance   MaintenanceConfig    `json:"maintenance" yaml:"maintenance"`
	Observability observability.Config `json:"observability" yaml:"observability"`
}

// GitHubConfig selects the repositories the runner watches.
type GitHubConfig struct {
	// Owner is the user or organization every watched repo belongs to.
	Owner string `json:"owner" yaml:"owner"`
	// Repos is an explicit list of repo names, or the sentinel "all"
	// (every repo of Owner) or "local" (repos cloned under WorkdirRoot).
	Repos []string `json:"repos" yaml:"repos"`
	// ReviewBots are bot logins whose PR reviews are acted on despite the
	// bot filter (code-review bots).
	ReviewBots []string   `json:"review_bots" yaml:"review_bots"`
	Labels     LabelNames `json:"labels" yaml:"labels"`
}

// LabelNames configures the externally visible state labels.
type LabelNames struct {
	Queued         string `json:"queued" yaml:"queued"`
	Running        string `json:"running" yaml:"running"`
	Done           string `json:"done" yaml:"done"`
	Failed         string `json:"failed" yaml:"failed"`
	NeedsUserReply string `json:"needs_user_reply" yaml:"needs_user_reply"`
}

// SchedulerConfig bounds the cycle loop.
type SchedulerConfig struct {
	IntervalSeconds int `json:"interval_seconds" yaml:"interval_seconds"`
	// Concurrency is the global parallel-run budget.
	Concurrency int `json:"concurrency" yaml:"concurrency"`
	// ServiceLimits bound parallel runs per engine family (codex, copilot,
	// gemini, amazon-q, claude). Missing entries default to 1.
	ServiceLimits           map[string]int `json:"service_limits" yaml:"service_limits"`
	QuotaReadTimeoutSeconds int            `json:"quota_read_timeout_seconds" yaml:"quota_read_timeout_seconds"`
	RunTimeoutMinutes       int            `json:"run_timeout_minutes" yaml:"run_timeout_minutes"`
}

// GateConfig parameterizes the two-window usage gate for one engine.
type GateConfig struct {
	// StartMinutes is how many minutes before the long-window reset the
	// ramp begins; earlier than that the engine is denied outright.
	StartMinutes int `json:"start_minutes" yaml:"start_minutes"`
	// StartPercent is the required percent-left at the top of the ramp.
	StartPercent float64 `json:"start_percent" yaml:"start_percent"`
	// EndPercent is the required percent-left at the reset instant.
	EndPercent float64 `json:"end_percent" yaml:"end_percent"`
	// ShortFloorPercent is the hard floor applied to the short window.
	ShortFloorPercent float64 `json:"short_floor_percent" yaml:"short_floor_percent"`
}

// EngineConfig configures a single engine binary.
type EngineConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Binary  string `json:"binary" yaml:"binary"`
	Model   string `json:"model" yaml:"model"`
	// ExtraArgs are appended to every invocation.
	ExtraArgs []string   `json:"extra_args" yaml:"extra_args"`
	Gate      GateConfig `json:"gate" yaml:"gate"`
}

// EnginesConfig holds all engine configurations.
type EnginesConfig struct {
	Codex       EngineConfig `json:"codex" yaml:"codex"`
	Copilot     EngineConfig `json:"copilot" yaml:"copilot"`
	GeminiPro   EngineConfig `json:"gemini_pro" yaml:"gemini_pro"`
	GeminiFlash EngineConfig `json:"gemini_flash" yaml:"gemini_flash"`
	AmazonQ     EngineConfig `json:"amazon_q" yaml:"amazon_q"`
	Claude      EngineConfig `json:"claude" yaml:"claude"`

	// GeminiWarmupCooldownMinutes gates the one-shot warm-up allowance when
	// both Gemini windows are blocked.
	GeminiWarmupCooldownMinutes int `json:"gemini_warmup_cooldown_minutes" yaml:"gemini_warmup_cooldown_minutes"`
	// AmazonQDailyLimit caps Amazon Q dispatches per UTC day.
	AmazonQDailyLimit int `json:"amazon_q_daily_limit" yaml:"amazon_q_daily_limit"`
}

// IdleConfig drives the idle planner.
type IdleConfig struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	CooldownMinutes int  `json:"cooldown_minutes" yaml:"cooldown_minutes"`
	MaxRunsPerCycle int  `json:"max_runs_per_cycle" yaml:"max_runs_per_cycle"`
	// AllowedEngines are engine names eligible for idle work, in
	// round-robin order.
	AllowedEngines []string `json:"allowed_engines" yaml:"allowed_engines"`
	// Tasks is the round-robin maintenance task list.
	Tasks []string `json:"tasks" yaml:"tasks"`
	// LocalReposOnly restricts idle work to repos cloned under WorkdirRoot.
	LocalReposOnly bool `json:"local_repos_only" yaml:"local_repos_only"`
}

// ReviewConfig tunes review follow-up classification.
type ReviewConfig struct {
	// OKPhrases are review bodies treated as approval/no-op (lowercased,
	// trimmed exact match).
	OKPhrases []string `json:"ok_phrases" yaml:"ok_phrases"`
}

// WebhookConfig configures the webhook listener and its catch-up sweep.
type WebhookConfig struct {
	Enabled                bool   `json:"enabled" yaml:"enabled"`
	Host                   string `json:"host" yaml:"host"`
	Port                   int    `json:"port" yaml:"port"`
	Path                   string `json:"path" yaml:"path"`
	Secret                 string `json:"secret" yaml:"secret"`
	CatchupIntervalMinutes int    `json:"catchup_interval_minutes" yaml:"catchup_interval_minutes"`
}

// UIConfig configures the status server.
type UIConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// MaintenanceConfig bounds log and report retention.
type MaintenanceConfig struct {
	LogRetentionDays    int `json:"log_retention_days" yaml:"log_retention_days"`
	LogMaxCount         int `json:"log_max_count" yaml:"log_max_count"`
	ReportRetentionDays int `json:"report_retention_days" yaml:"report_retention_days"`
	ReportMaxCount      int `json:"report_max_count" yaml:"report_max_count"`
}

// DefaultLabelNames returns the stock label set.
func DefaultLabelNames() LabelNames {
	return LabelNames{
		Queued:         "agent:queued",
		Running:        "agent:running",
		Done:           "agent:done",
		Failed:         "agent:failed",
		NeedsUserReply: "agent:needs-user-reply",
	}
}

// DefaultGateConfig returns the stock ramp: start requiring 20% a full hour
// before reset, decaying to 0% at reset, with a 5% short-window floor.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		StartMinutes:      60,
		StartPercent:      20,
		EndPercent:        0,
		ShortFloorPercent: 5,
	}
}

// DefaultConfig returns the complete default configuration.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return Config{
		WorkdirRoot: filepath.Join(home, "agent-workspace"),
		GitHub: GitHubConfig{
			Repos:      []string{"local"},
			ReviewBots: []string{"coderabbitai[bot]", "copilot-pull-request-reviewer[bot]"},
			Labels:     DefaultLabelNames(),
		},
		Scheduler: SchedulerConfig{
			IntervalSeconds: DefaultIntervalSeconds,
			Concurrency:     DefaultConcurrency,
			ServiceLimits: map[string]int{
				"codex":    1,
				"copilot":  1,
				"gemini":   1,
				"amazon-q": 1,
				"claude":   1,
			},
			QuotaReadTimeoutSeconds: int(DefaultQuotaReadTimeout / time.Second),
			RunTimeoutMinutes:       int(DefaultRunTimeout / time.Minute),
		},
		Engines: EnginesConfig{
			Codex:       EngineConfig{Enabled: true, Binary: "codex", Gate: DefaultGateConfig()},
			Copilot:     EngineConfig{Enabled: false, Binary: "copilot", Gate: DefaultGateConfig()},
			GeminiPro:   EngineConfig{Enabled: false, Binary: "gemini", Model: "gemini-2.5-pro", Gate: DefaultGateConfig()},
			GeminiFlash: EngineConfig{Enabled: false, Binary: "gemini", Model: "gemini-2.5-flash", Gate: DefaultGateConfig()},
			AmazonQ:     EngineConfig{Enabled: false, Binary: "q", Gate: DefaultGateConfig()},
			Claude:      EngineConfig{Enabled: false, Binary: "claude", Gate: DefaultGateConfig()},

			GeminiWarmupCooldownMinutes: int(DefaultGeminiWarmupCooldown / time.Minute),
			AmazonQDailyLimit:           25,
		},
		Idle: IdleConfig{
			Enabled:         true,
			CooldownMinutes: DefaultIdleCooldownMinutes,
			MaxRunsPerCycle: DefaultIdleMaxRunsPerCycle,
			AllowedEngines:  []string{"codex"},
			Tasks: []string{
				"Review open issues and fix the most impactful small bug.",
				"Improve test coverage where it is weakest.",
				"Update stale documentation to match the code.",
			},
			LocalReposOnly: true,
		},
		Review: ReviewConfig{
			OKPhrases: []string{
				"lgtm",
				"looks good to me",
				"ok",
				"okay",
				"approved",
				"no new comments",
				"no further comments",
				"ship it",
			},
		},
		Webhook: WebhookConfig{
			Enabled:                false,
			Host:                   "127.0.0.1",
			Port:                   DefaultWebhookPort,
			Path:                   DefaultWebhookPath,
			CatchupIntervalMinutes: DefaultCatchupIntervalMinutes,
		},
		UI: UIConfig{
			Host: "127.0.0.1",
			Port: DefaultUIPort,
		},
		Maintenance: MaintenanceConfig{
			LogRetentionDays:    DefaultLogRetentionDays,
			LogMaxCount:         DefaultLogMaxCount,
			ReportRetentionDays: DefaultReportRetentionDays,
			ReportMaxCount:      DefaultReportMaxCount,
		},
		Observability: observability.DefaultConfig(),
	}
}

// Validate rejects configurations the runner cannot operate with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.WorkdirRoot) == "" {
		return fmt.Errorf("workdir_root must be set")
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be at least 1, got %d", c.Scheduler.Concurrency)
	}
	if c.Scheduler.IntervalSeconds < 1 {
		return fmt.Errorf("scheduler.interval_seconds must be at least 1, got %d", c.Scheduler.IntervalSeconds)
	}
	if len(c.GitHub.Repos) == 0 {
		return fmt.Errorf("github.repos must list repos or one of \"all\", \"local\"")
	}
	usesRemote := false
	for _, repo := range c.GitHub.Repos {
		if strings.EqualFold(repo, "all") {
			usesRemote = true
		}
	}
	if usesRemote && strings.TrimSpace(c.GitHub.Owner) == "" {
		return fmt.Errorf("github.owner is required when github.repos is \"all\"")
	}
	if c.Webhook.Enabled && strings.TrimSpace(c.Webhook.Secret) == "" {
		return fmt.Errorf("webhook.secret is required when the webhook listener is enabled")
	}
	for _, gate := range []GateConfig{
		c.Engines.Codex.Gate, c.Engines.Copilot.Gate, c.Engines.GeminiPro.Gate,
		c.Engines.GeminiFlash.Gate, c.Engines.AmazonQ.Gate, c.Engines.Claude.Gate,
	} {
		if gate.StartMinutes < 0 || gate.StartPercent < gate.EndPercent {
			return fmt.Errorf("engine gate misconfigured: start_minutes=%d start_percent=%.1f end_percent=%.1f",
				gate.StartMinutes, gate.StartPercent, gate.EndPercent)
		}
	}
	return nil
}

// Interval returns the cycle interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

// QuotaReadTimeout returns the per-engine usage fetch timeout.
func (c *Config) QuotaReadTimeout() time.Duration {
	if c.Scheduler.QuotaReadTimeoutSeconds <= 0 {
		return DefaultQuotaReadTimeout
	}
	return time.Duration(c.Scheduler.QuotaReadTimeoutSeconds) * time.Second
}

// RunTimeout returns the hard cap on one engine run.
func (c *Config) RunTimeout() time.Duration {
	if c.Scheduler.RunTimeoutMinutes <= 0 {
		return DefaultRunTimeout
	}
	return time.Duration(c.Scheduler.RunTimeoutMinutes) * time.Minute
}

// GeminiWarmupCooldown returns the warm-up cooldown as a duration.
func (c *Config) GeminiWarmupCooldown() time.Duration {
	if c.Engines.GeminiWarmupCooldownMinutes <= 0 {
		return DefaultGeminiWarmupCooldown
	}
	return time.Duration(c.Engines.GeminiWarmupCooldownMinutes) * time.Minute
}

// IdleCooldown returns the idle repo cooldown as a duration.
func (c *Config) IdleCooldown() time.Duration {
	if c.Idle.CooldownMinutes <= 0 {
		return time.Duration(DefaultIdleCooldownMinutes) * time.Minute
	}
	return time.Duration(c.Idle.CooldownMinutes) * time.Minute
}

// CatchupInterval returns how often the webhook catch-up sweep runs.
func (c *Config) CatchupInterval() time.Duration {
	if c.Webhook.CatchupIntervalMinutes <= 0 {
		return time.Duration(DefaultCatchupIntervalMinutes) * time.Minute
	}
	return time.Duration(c.Webhook.CatchupIntervalMinutes) * time.Minute
}

// ServiceLimit returns the per-service limiter width for an engine family.
func (c *Config) ServiceLimit(service string) int {
	if n, ok := c.Scheduler.ServiceLimits[service]; ok && n > 0 {
		return n
	}
	return 1
}
