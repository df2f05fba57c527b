package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/config"
)

var testGate = config.GateConfig{
	StartMinutes:      60,
	StartPercent:      20,
	EndPercent:        0,
	ShortFloorPercent: 5,
}

func statusAt(now time.Time, longLeft float64, longIn time.Duration, shortLeft float64, shortIn time.Duration) Status {
	long := Window{Kind: WindowLong, PercentLeft: longLeft, ResetAt: now.Add(longIn), Duration: 7 * 24 * time.Hour}
	short := Window{Kind: WindowShort, PercentLeft: shortLeft, ResetAt: now.Add(shortIn), Duration: 5 * time.Hour}
	return Status{Short: &short, Long: &long}
}

func TestEvaluateSpecScenario(t *testing.T) {
	now := time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC)

	// long 60% left resets in 30m, short 10% left: required = 20 * 30/60 = 10.
	decision := Evaluate(now, statusAt(now, 60, 30*time.Minute, 10, 30*time.Minute), testGate)
	assert.True(t, decision.Allowed)
	assert.InDelta(t, 10, decision.Required, 0.001)
	assert.InDelta(t, 30, decision.MinutesToReset, 0.001)

	// Same long windows but short at 4% trips the floor.
	decision = Evaluate(now, statusAt(now, 60, 30*time.Minute, 4, 30*time.Minute), testGate)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "short window")
}

func TestEvaluateDeniesWithoutLongWindow(t *testing.T) {
	now := time.Now()
	short := Window{Kind: WindowShort, PercentLeft: 100}
	decision := Evaluate(now, Status{Short: &short}, testGate)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "no long usage window")
}

func TestEvaluateDeniesTooEarlyInPeriod(t *testing.T) {
	now := time.Now()
	decision := Evaluate(now, statusAt(now, 100, 3*time.Hour, 100, time.Hour), testGate)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "too early")
}

func TestRampBoundaries(t *testing.T) {
	assert.InDelta(t, testGate.EndPercent, RequiredPercent(0, testGate), 1e-9)
	assert.InDelta(t, testGate.StartPercent, RequiredPercent(float64(testGate.StartMinutes), testGate), 1e-9)
}

func TestRampMonotonicity(t *testing.T) {
	prev := -1.0
	for m := 0.0; m <= float64(testGate.StartMinutes); m += 0.5 {
		required := RequiredPercent(m, testGate)
		assert.GreaterOrEqual(t, required, prev, "ramp must be non-decreasing in minutes-to-reset")
		prev = required
	}
}

func TestGateMonotonicInMinutesToReset(t *testing.T) {
	// With percentLeft fixed, moving closer to reset can only flip deny
	// -> allow, never the reverse.
	now := time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC)
	const left = 12.0
	allowedSeen := false
	for m := 60; m >= 0; m-- {
		st := statusAt(now, left, time.Duration(m)*time.Minute, 100, time.Hour)
		decision := Evaluate(now, st, testGate)
		if decision.Allowed {
			allowedSeen = true
		} else {
			assert.False(t, allowedSeen, "gate flipped back to deny at %dm", m)
		}
	}
	assert.True(t, allowedSeen)
}

func TestNewWindowClamps(t *testing.T) {
	now := time.Now()
	w := NewWindow(now, 130, time.Time{}, time.Hour)
	assert.Zero(t, w.PercentLeft)
	assert.Equal(t, now.Add(time.Hour), w.ResetAt)
	assert.Equal(t, WindowShort, w.Kind)

	w = NewWindow(now, -5, time.Time{}, 7*24*time.Hour)
	assert.Equal(t, 100.0, w.PercentLeft)
	assert.Equal(t, WindowLong, w.Kind)
}

func TestPairClassification(t *testing.T) {
	now := time.Now()
	short := NewWindow(now, 10, time.Time{}, 5*time.Hour)
	long := NewWindow(now, 40, time.Time{}, 7*24*time.Hour)

	st := Pair(short, long)
	require.NotNil(t, st.Short)
	require.NotNil(t, st.Long)
	assert.InDelta(t, 90, st.Short.PercentLeft, 0.001)
	assert.InDelta(t, 60, st.Long.PercentLeft, 0.001)

	// Reversed argument order classifies identically.
	st = Pair(long, short)
	require.NotNil(t, st.Short)
	require.NotNil(t, st.Long)
	assert.Equal(t, 5*time.Hour, st.Short.Duration)

	// A single sub-day window is short; a single week window is long.
	st = Pair(short)
	assert.NotNil(t, st.Short)
	assert.Nil(t, st.Long)
	st = Pair(long)
	assert.Nil(t, st.Short)
	assert.NotNil(t, st.Long)
}
