package credential

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinRotation(t *testing.T) {
	p := NewPool([]string{"key-a", "key-b", "key-c"})

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		v, err := p.GetNext()
		require.NoError(t, err)
		seen[v] = true
	}
	assert.Len(t, seen, 3, "three consecutive calls must return three distinct credentials")

	// fourth call wraps around
	v, err := p.GetNext()
	require.NoError(t, err)
	assert.Equal(t, "key-a", v)
}

func TestRateLimitedSlotSkipped(t *testing.T) {
	p := NewPool([]string{"key-a", "key-b", "key-c"})
	now := time.Now()
	p.now = func() time.Time { return now }

	p.MarkRateLimited("key-b", 60*time.Second)

	for i := 0; i < 6; i++ {
		v, err := p.GetNext()
		require.NoError(t, err)
		assert.NotEqual(t, "key-b", v)
	}
	assert.Equal(t, 2, p.AvailableCount())
}

func TestReactivationAfterCooldown(t *testing.T) {
	p := NewPool([]string{"key-a", "key-b"})
	now := time.Now()
	p.now = func() time.Time { return now }

	p.MarkRateLimited("key-a", 30*time.Second)
	assert.Equal(t, 1, p.AvailableCount())

	now = now.Add(31 * time.Second)
	assert.Equal(t, 2, p.AvailableCount())

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		v, err := p.GetNext()
		require.NoError(t, err)
		seen[v] = true
	}
	assert.True(t, seen["key-a"], "cooled-down slot must rejoin the rotation")
}

func TestPoolExhaustion(t *testing.T) {
	p := NewPool([]string{"key-a", "key-b"})
	now := time.Now()
	p.now = func() time.Time { return now }

	p.MarkRateLimited("key-a", 60*time.Second)
	p.MarkRateLimited("key-b", 60*time.Second)

	assert.True(t, p.IsExhausted())
	_, err := p.GetNext()
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestGateSpacing(t *testing.T) {
	g := NewGate(50 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, g.Wait(ctx))
	start := time.Now()
	require.NoError(t, g.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestGateWaitCancel(t *testing.T) {
	g := NewGate(time.Minute)
	require.NoError(t, g.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGateCooldown(t *testing.T) {
	g := NewGate(time.Millisecond)
	now := time.Now()
	g.now = func() time.Time { return now }

	assert.False(t, g.Cooling())
	g.SetCooldown(time.Minute)
	assert.True(t, g.Cooling())

	// a shorter cooldown never truncates a longer one
	g.SetCooldown(time.Second)
	now = now.Add(30 * time.Second)
	assert.True(t, g.Cooling())

	now = now.Add(31 * time.Second)
	assert.False(t, g.Cooling())
}
