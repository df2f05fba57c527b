package usage

import (
	"context"
	"time"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/logging"
)

// WarmupStore persists Gemini warm-up attempts across processes.
type WarmupStore interface {
	LastGeminiWarmup(ctx context.Context, model string) (time.Time, error)
	RecordGeminiWarmup(ctx context.Context, model string, at time.Time) error
}

// Evaluator answers "may this engine take work right now" for every
// configured engine, one fetch per engine per cycle.
type Evaluator struct {
	fetchers map[string]Fetcher
	gates    map[string]config.GateConfig
	// geminiModels maps engine names to the model used for warm-up
	// bookkeeping; only gemini engines appear here.
	geminiModels   map[string]string
	warmup         WarmupStore
	warmupCooldown time.Duration
	fetchTimeout   time.Duration
	logger         logging.Logger
	timingToInfo   bool
}

// NewEvaluator builds an evaluator. fetchers and gates are keyed by engine
// name.
func NewEvaluator(fetchers map[string]Fetcher, gates map[string]config.GateConfig, logger logging.Logger) *Evaluator {
	return &Evaluator{
		fetchers:     fetchers,
		gates:        gates,
		geminiModels: map[string]string{},
		fetchTimeout: config.DefaultQuotaReadTimeout,
		logger:       logging.OrNop(logger),
		timingToInfo: config.UsageTimingEnabled(),
	}
}

// WithGeminiWarmup enables the one-shot warm-up allowance for the mapped
// gemini engines.
func (e *Evaluator) WithGeminiWarmup(store WarmupStore, cooldown time.Duration, models map[string]string) *Evaluator {
	e.warmup = store
	e.warmupCooldown = cooldown
	for engine, model := range models {
		e.geminiModels[engine] = model
	}
	return e
}

// WithFetchTimeout bounds each quota read.
func (e *Evaluator) WithFetchTimeout(timeout time.Duration) *Evaluator {
	if timeout > 0 {
		e.fetchTimeout = timeout
	}
	return e
}

// Allow evaluates the gate for one engine. A fetch error or unparseable
// payload denies for this cycle only; the denial reason is kept for the
// status snapshot.
func (e *Evaluator) Allow(ctx context.Context, engine string, now time.Time) Decision {
	fetcher, ok := e.fetchers[engine]
	if !ok {
		return Deny("no usage fetcher configured")
	}
	gate, ok := e.gates[engine]
	if !ok {
		gate = config.DefaultGateConfig()
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	started := time.Now()
	status, err := fetcher.Fetch(fetchCtx)
	e.logTiming(engine, time.Since(started))
	if err != nil {
		e.logger.Warn("usage fetch for %s failed: %v", engine, err)
		return e.maybeWarmup(ctx, engine, now, Deny("usage fetch failed: "+err.Error()))
	}

	decision := Evaluate(now, status, gate)
	if !decision.Allowed {
		decision = e.maybeWarmup(ctx, engine, now, decision)
	}
	return decision
}

// maybeWarmup grants the one-shot gemini allowance when the engine is a
// gemini model, both windows are blocked, and the cooldown has elapsed.
func (e *Evaluator) maybeWarmup(ctx context.Context, engine string, now time.Time, denied Decision) Decision {
	model, isGemini := e.geminiModels[engine]
	if !isGemini || e.warmup == nil {
		return denied
	}

	last, err := e.warmup.LastGeminiWarmup(ctx, model)
	if err != nil {
		e.logger.Warn("gemini warm-up lookup for %s failed: %v", model, err)
		return denied
	}
	if !last.IsZero() && now.Sub(last) < e.warmupCooldown {
		return denied
	}

	if err := e.warmup.RecordGeminiWarmup(ctx, model, now); err != nil {
		e.logger.Warn("gemini warm-up record for %s failed: %v", model, err)
		return denied
	}
	e.logger.Info("granting gemini warm-up allowance for %s (blocked: %s)", model, denied.Reason)
	return Decision{Allowed: true, Reason: "warm-up allowance", Window: denied.Window, MinutesToReset: denied.MinutesToReset}
}

func (e *Evaluator) logTiming(engine string, elapsed time.Duration) {
	if e.timingToInfo {
		e.logger.Info("usage read for %s took %s", engine, elapsed)
		return
	}
	e.logger.Debug("usage read for %s took %s", engine, elapsed)
}
