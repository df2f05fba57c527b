package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalBudgetBoundsAllServices(t *testing.T) {
	g := New(2, map[string]int{"codex": 2, "claude": 2})

	a, err := g.TryAcquire("codex")
	require.NoError(t, err)
	require.NotNil(t, a)
	b, err := g.TryAcquire("claude")
	require.NoError(t, err)
	require.NotNil(t, b)

	// Global budget of 2 exhausted even though each service has room.
	c, err := g.TryAcquire("codex")
	require.NoError(t, err)
	assert.Nil(t, c)

	a.Release()
	c, err = g.TryAcquire("codex")
	require.NoError(t, err)
	assert.NotNil(t, c)

	b.Release()
	c.Release()
}

func TestServiceBudgetBoundsOneFamily(t *testing.T) {
	g := New(4, map[string]int{"codex": 1, "claude": 1})

	a, err := g.TryAcquire("codex")
	require.NoError(t, err)
	require.NotNil(t, a)

	// codex is saturated; claude still gets through.
	blocked, err := g.TryAcquire("codex")
	require.NoError(t, err)
	assert.Nil(t, blocked)

	other, err := g.TryAcquire("claude")
	require.NoError(t, err)
	assert.NotNil(t, other)

	a.Release()
	other.Release()
}

func TestServiceTokenNotLeakedWhenServiceFull(t *testing.T) {
	g := New(10, map[string]int{"codex": 1})

	held, err := g.TryAcquire("codex")
	require.NoError(t, err)
	require.NotNil(t, held)

	// Repeated failed acquires must not bleed the global budget.
	for i := 0; i < 9; i++ {
		slot, err := g.TryAcquire("codex")
		require.NoError(t, err)
		assert.Nil(t, slot)
	}
	held.Release()

	got, err := g.TryAcquire("codex")
	require.NoError(t, err)
	assert.NotNil(t, got)
	got.Release()
}

func TestUnknownServiceIsAnError(t *testing.T) {
	g := New(1, map[string]int{"codex": 1})
	_, err := g.TryAcquire("mystery")
	assert.Error(t, err)
}

func TestAcquireHonorsContext(t *testing.T) {
	g := New(1, map[string]int{"codex": 1})
	held, err := g.Acquire(context.Background(), "codex")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, "codex")
	assert.Error(t, err)

	held.Release()
}

func TestDoubleReleaseIsSafe(t *testing.T) {
	g := New(1, map[string]int{"codex": 1})
	slot, err := g.TryAcquire("codex")
	require.NoError(t, err)
	slot.Release()
	slot.Release() // second call is a no-op

	again, err := g.TryAcquire("codex")
	require.NoError(t, err)
	assert.NotNil(t, again)
	again.Release()
}
