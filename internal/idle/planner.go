// Package idle plans autonomous maintenance runs for repos that have no
// pending user work: cooldown filtering, oldest-first repo ordering, and
// deterministic round-robin assignment of engines and tasks.
package idle

import (
	"context"
	"sort"
	"time"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/engine"
	"github.com/metyatech/agent-runner/internal/issues"
	"github.com/metyatech/agent-runner/internal/logging"
	"github.com/metyatech/agent-runner/internal/state"
)

// History is the slice of the state store the planner needs.
type History interface {
	IdleHistoryFor(ctx context.Context, repo issues.RepoRef) (state.IdleHistory, error)
	TouchIdle(ctx context.Context, repo issues.RepoRef, at time.Time, nextCursor int) error
}

// Plan is one idle dispatch decision.
type Plan struct {
	Repo   issues.RepoRef
	Engine engine.Kind
	Task   string
}

// Planner selects idle work per cycle.
type Planner struct {
	cfg     config.IdleConfig
	history History
	logger  logging.Logger
	now     func() time.Time
}

// NewPlanner builds a Planner.
func NewPlanner(cfg config.IdleConfig, history History, logger logging.Logger) *Planner {
	return &Planner{cfg: cfg, history: history, logger: logging.OrNop(logger), now: time.Now}
}

// Plan picks up to one idle run per slot. candidates are the target repos
// this cycle; allowed are the engines currently within quota, filtered to
// the configured allow-list. Each planned repo's history is stamped
// immediately so a crashed cycle cannot re-plan it before cooldown.
func (p *Planner) Plan(ctx context.Context, candidates []issues.RepoRef, allowed []engine.Kind) ([]Plan, error) {
	if !p.cfg.Enabled || len(p.cfg.Tasks) == 0 || len(allowed) == 0 {
		return nil, nil
	}
	engines := p.allowedEngines(allowed)
	if len(engines) == 0 {
		return nil, nil
	}

	now := p.now()
	eligible, err := p.eligibleRepos(ctx, candidates, now)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	slots := p.cfg.MaxRunsPerCycle
	if slots < 1 {
		slots = 1
	}
	if len(engines) > slots {
		p.logger.Warn("idle: %d allowed engines exceed max_runs_per_cycle=%d, raising slots", len(engines), slots)
		slots = len(engines)
	}
	if slots > len(eligible) {
		slots = len(eligible)
	}

	plans := make([]Plan, 0, slots)
	for i := 0; i < slots; i++ {
		repo := eligible[i].repo
		cursor := eligible[i].cursor
		task := p.cfg.Tasks[cursor%len(p.cfg.Tasks)]
		if err := p.history.TouchIdle(ctx, repo, now, (cursor+1)%len(p.cfg.Tasks)); err != nil {
			return plans, err
		}
		plans = append(plans, Plan{
			Repo:   repo,
			Engine: engines[i%len(engines)],
			Task:   task,
		})
	}
	return plans, nil
}

// allowedEngines intersects the quota-allowed kinds with the configured
// allow-list, preserving the configured round-robin order.
func (p *Planner) allowedEngines(allowed []engine.Kind) []engine.Kind {
	set := make(map[engine.Kind]bool, len(allowed))
	for _, k := range allowed {
		set[k] = true
	}
	var out []engine.Kind
	for _, name := range p.cfg.AllowedEngines {
		kind, err := engine.ParseKind(name)
		if err != nil {
			p.logger.Warn("idle: ignoring unknown engine %q in allow-list", name)
			continue
		}
		if set[kind] {
			out = append(out, kind)
		}
	}
	return out
}

type scoredRepo struct {
	repo       issues.RepoRef
	lastIdleAt time.Time
	cursor     int
}

// eligibleRepos drops repos still in cooldown and sorts the rest oldest
// first, ties broken by name.
func (p *Planner) eligibleRepos(ctx context.Context, candidates []issues.RepoRef, now time.Time) ([]scoredRepo, error) {
	cooldown := time.Duration(p.cfg.CooldownMinutes) * time.Minute
	var eligible []scoredRepo
	for _, repo := range candidates {
		h, err := p.history.IdleHistoryFor(ctx, repo)
		if err != nil {
			return nil, err
		}
		if !h.LastIdleAt.IsZero() && now.Sub(h.LastIdleAt) < cooldown {
			continue
		}
		eligible = append(eligible, scoredRepo{repo: repo, lastIdleAt: h.LastIdleAt, cursor: h.TaskCursor})
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].lastIdleAt.Equal(eligible[j].lastIdleAt) {
			return eligible[i].lastIdleAt.Before(eligible[j].lastIdleAt)
		}
		return eligible[i].repo.Key() < eligible[j].repo.Key()
	})
	return eligible, nil
}
