package pacer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowConsumesFromBurst(t *testing.T) {
	p := New(Config{RatePerSecond: 10, BurstSize: 5})

	for i := 0; i < 5; i++ {
		allowed, err := p.Allow(1)
		require.NoError(t, err)
		require.True(t, allowed)
	}

	allowed, err := p.Allow(1)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestAllowRejectsNonPositiveCost(t *testing.T) {
	p := New(Config{RatePerSecond: 10, BurstSize: 5})
	_, err := p.Allow(0)
	require.ErrorIs(t, err, ErrInvalidCost)
}

func TestAllowRefillsOverTime(t *testing.T) {
	p := New(Config{RatePerSecond: 100, BurstSize: 1})

	allowed, err := p.Allow(1)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = p.Allow(1)
	require.NoError(t, err)
	require.False(t, allowed)

	time.Sleep(20 * time.Millisecond)

	allowed, err = p.Allow(1)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestWaitReturnsImmediatelyWhenTokensAvailable(t *testing.T) {
	p := New(Config{RatePerSecond: 10, BurstSize: 5})
	start := time.Now()
	require.NoError(t, p.Wait(context.Background(), 1))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitBlocksUntilRefillProducesTokens(t *testing.T) {
	p := New(Config{RatePerSecond: 100, BurstSize: 1})
	_, err := p.Allow(1) // drain the only token
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Wait(context.Background(), 1))
	require.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	p := New(Config{RatePerSecond: 1, BurstSize: 1})
	_, err := p.Allow(1) // drain the bucket
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err = p.Wait(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAvailableReflectsRefill(t *testing.T) {
	p := New(Config{RatePerSecond: 1000, BurstSize: 10})
	require.Equal(t, 10, p.Available())

	_, err := p.Allow(5)
	require.NoError(t, err)
	require.Equal(t, 5, p.Available())
}
