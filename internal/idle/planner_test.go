package idle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/engine"
	"github.com/metyatech/agent-runner/internal/issues"
	"github.com/metyatech/agent-runner/internal/state"
)

type memHistory struct {
	rows map[string]state.IdleHistory
}

func newMemHistory() *memHistory { return &memHistory{rows: map[string]state.IdleHistory{}} }

func (m *memHistory) IdleHistoryFor(_ context.Context, repo issues.RepoRef) (state.IdleHistory, error) {
	if row, ok := m.rows[repo.Key()]; ok {
		return row, nil
	}
	return state.IdleHistory{RepoKey: repo.Key(), Owner: repo.Owner, Name: repo.Name}, nil
}

func (m *memHistory) TouchIdle(_ context.Context, repo issues.RepoRef, at time.Time, nextCursor int) error {
	m.rows[repo.Key()] = state.IdleHistory{
		RepoKey: repo.Key(), Owner: repo.Owner, Name: repo.Name,
		LastIdleAt: at, TaskCursor: nextCursor,
	}
	return nil
}

func testConfig() config.IdleConfig {
	return config.IdleConfig{
		Enabled:         true,
		CooldownMinutes: 60,
		MaxRunsPerCycle: 2,
		AllowedEngines:  []string{"codex", "claude"},
		Tasks:           []string{"task-a", "task-b", "task-c"},
	}
}

func repos(names ...string) []issues.RepoRef {
	out := make([]issues.RepoRef, 0, len(names))
	for _, n := range names {
		out = append(out, issues.NewRepoRef("metyatech", n))
	}
	return out
}

func TestPlanOrdersOldestFirstWithNameTieBreak(t *testing.T) {
	h := newMemHistory()
	now := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	old := now.Add(-3 * time.Hour)
	h.rows["metyatech/beta"] = state.IdleHistory{RepoKey: "metyatech/beta", LastIdleAt: old}
	h.rows["metyatech/alpha"] = state.IdleHistory{RepoKey: "metyatech/alpha", LastIdleAt: old}
	h.rows["metyatech/gamma"] = state.IdleHistory{RepoKey: "metyatech/gamma", LastIdleAt: now.Add(-2 * time.Hour)}

	p := NewPlanner(testConfig(), h, nil)
	p.now = func() time.Time { return now }

	plans, err := p.Plan(context.Background(), repos("gamma", "beta", "alpha"), []engine.Kind{engine.Codex, engine.Claude})
	require.NoError(t, err)
	require.Len(t, plans, 2)
	// Equal lastIdleAt sorts by name: alpha before beta; gamma is newer.
	assert.Equal(t, "alpha", plans[0].Repo.Name)
	assert.Equal(t, "beta", plans[1].Repo.Name)
	// Round-robin engines in configured order.
	assert.Equal(t, engine.Codex, plans[0].Engine)
	assert.Equal(t, engine.Claude, plans[1].Engine)
}

func TestPlanSkipsReposInCooldown(t *testing.T) {
	h := newMemHistory()
	now := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	h.rows["metyatech/hot"] = state.IdleHistory{RepoKey: "metyatech/hot", LastIdleAt: now.Add(-10 * time.Minute)}

	p := NewPlanner(testConfig(), h, nil)
	p.now = func() time.Time { return now }

	plans, err := p.Plan(context.Background(), repos("hot", "cold"), []engine.Kind{engine.Codex})
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "cold", plans[0].Repo.Name)
}

func TestPlanRaisesSlotsWhenEnginesExceedMax(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRunsPerCycle = 1
	p := NewPlanner(cfg, newMemHistory(), nil)

	plans, err := p.Plan(context.Background(), repos("a", "b", "c"), []engine.Kind{engine.Codex, engine.Claude})
	require.NoError(t, err)
	// Both allowed engines get a slot despite max_runs_per_cycle=1.
	require.Len(t, plans, 2)
	assert.NotEqual(t, plans[0].Engine, plans[1].Engine)
}

func TestPlanAdvancesTaskCursorPerRepo(t *testing.T) {
	h := newMemHistory()
	cfg := testConfig()
	cfg.CooldownMinutes = 0
	cfg.MaxRunsPerCycle = 1
	cfg.AllowedEngines = []string{"codex"}
	p := NewPlanner(cfg, h, nil)

	var tasks []string
	for i := 0; i < 4; i++ {
		plans, err := p.Plan(context.Background(), repos("solo"), []engine.Kind{engine.Codex})
		require.NoError(t, err)
		require.Len(t, plans, 1)
		tasks = append(tasks, plans[0].Task)
	}
	assert.Equal(t, []string{"task-a", "task-b", "task-c", "task-a"}, tasks)
}

func TestPlanIntersectsAllowListWithQuota(t *testing.T) {
	p := NewPlanner(testConfig(), newMemHistory(), nil)

	// amazon-q is within quota but not on the allow-list; claude is listed
	// but over quota.
	plans, err := p.Plan(context.Background(), repos("a", "b"), []engine.Kind{engine.AmazonQ, engine.Codex})
	require.NoError(t, err)
	require.Len(t, plans, 2)
	for _, pl := range plans {
		assert.Equal(t, engine.Codex, pl.Engine)
	}
}

func TestPlanDisabledOrNoEngines(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	p := NewPlanner(cfg, newMemHistory(), nil)
	plans, err := p.Plan(context.Background(), repos("a"), []engine.Kind{engine.Codex})
	require.NoError(t, err)
	assert.Empty(t, plans)

	p = NewPlanner(testConfig(), newMemHistory(), nil)
	plans, err = p.Plan(context.Background(), repos("a"), nil)
	require.NoError(t, err)
	assert.Empty(t, plans)
}
