package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BurstThenDeny(t *testing.T) {
	l := New(1, 2)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestLimiter_NonPositiveRateIsUnlimited(t *testing.T) {
	l := New(0, 1)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow())
	}
}

func TestGroup_SharesLimiterPerKey(t *testing.T) {
	g := NewGroup(1)
	assert.Same(t, g.Get("infura"), g.Get("infura"))
	assert.NotSame(t, g.Get("infura"), g.Get("alchemy"))

	assert.True(t, g.Get("infura").Allow())
	assert.False(t, g.Get("infura").Allow())
	assert.True(t, g.Get("alchemy").Allow())
}

func TestGroup_WaitHonoursContext(t *testing.T) {
	g := NewGroup(0.001)
	require.NoError(t, g.Wait(context.Background(), "slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, g.Wait(ctx, "slow"))
}
