package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/llmquota/ratelimiter/internal/config"
	"github.com/llmquota/ratelimiter/internal/store"
)

func newTestEngine(t *testing.T, cfg config.QuotaConfig) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.New(client, "test:")
	return New(st, cfg), mr
}

func baseConfig() config.QuotaConfig {
	return config.QuotaConfig{
		SegmentSize:          time.Second,
		Window:               60 * time.Second,
		SweepInterval:        5 * time.Second,
		SweepDeadline:        120 * time.Second,
		DefaultOutputReserve: 256,
		FailOpen:             false,
		KeyPrefix:            "test:",
		Limits: map[string]config.KeyLimits{
			"key-a": {InputTPM: 1000, OutputTPM: 2000, RPM: 10},
		},
	}
}

func TestAdmitUnknownKeyIsRejected(t *testing.T) {
	e, _ := newTestEngine(t, baseConfig())
	_, _, err := e.Admit(context.Background(), "no-such-key", 10, 10)
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestAdmitGrantsReservationWithinLimits(t *testing.T) {
	e, _ := newTestEngine(t, baseConfig())
	decision, res, err := e.Admit(context.Background(), "key-a", 100, 200)
	require.NoError(t, err)
	require.True(t, decision.Admitted)
	require.NotNil(t, res)
	require.Equal(t, "key-a", res.APIKey)
	require.Equal(t, 100, res.InEstimate)
	require.Equal(t, 200, res.OutReserve)
}

func TestAdmitRejectsOnceRequestsCeilingReached(t *testing.T) {
	cfg := baseConfig()
	cfg.Limits["key-a"] = config.KeyLimits{InputTPM: 100_000, OutputTPM: 100_000, RPM: 2}
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, res, err := e.Admit(ctx, "key-a", 10, 10)
		require.NoError(t, err)
		require.True(t, decision.Admitted)
		require.NotNil(t, res)
	}

	decision, res, err := e.Admit(ctx, "key-a", 10, 10)
	require.NoError(t, err)
	require.False(t, decision.Admitted)
	require.Nil(t, res)
	require.Equal(t, store.DimRequests, decision.TightestDim)
	require.Greater(t, decision.RetryAfter, time.Duration(0))
}

// TestAdmitRetryAfterMatchesWindowRolloff is the canonical scenario: three
// requests admitted in the same segment exhaust an rpm=3 ceiling, and the
// fourth is rejected with a retry-after close to the full 60-second window,
// not the ~1-second segment boundary.
func TestAdmitRetryAfterMatchesWindowRolloff(t *testing.T) {
	cfg := baseConfig()
	cfg.Limits["key-a"] = config.KeyLimits{InputTPM: 100_000, OutputTPM: 100_000, RPM: 3}
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	current := time.Unix(1_700_000_000, 0)
	e.WithClock(func() time.Time { return current })

	for i := 0; i < 3; i++ {
		decision, res, err := e.Admit(ctx, "key-a", 10, 10)
		require.NoError(t, err)
		require.True(t, decision.Admitted)
		require.NotNil(t, res)
	}

	decision, res, err := e.Admit(ctx, "key-a", 10, 10)
	require.NoError(t, err)
	require.False(t, decision.Admitted)
	require.Nil(t, res)
	require.Equal(t, store.DimRequests, decision.TightestDim)
	require.InDelta(t, cfg.Window.Seconds(), decision.RetryAfter.Seconds(), 1)
}

func TestCommitAppliesActualUsageToOriginBucket(t *testing.T) {
	e, _ := newTestEngine(t, baseConfig())
	ctx := context.Background()

	_, res, err := e.Admit(ctx, "key-a", 500, 500)
	require.NoError(t, err)
	require.NotNil(t, res)

	require.NoError(t, e.Commit(ctx, res, 300, 200))

	inUsed, outUsed, reqUsed, err := e.Usage(ctx, "key-a")
	require.NoError(t, err)
	require.Equal(t, int64(300), inUsed)
	require.Equal(t, int64(200), outUsed)
	require.Equal(t, int64(1), reqUsed)
}

func TestCommitOnClosedReservationReturnsError(t *testing.T) {
	e, _ := newTestEngine(t, baseConfig())
	ctx := context.Background()

	_, res, err := e.Admit(ctx, "key-a", 10, 10)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, res, 5, 5))

	err = e.Commit(ctx, res, 5, 5)
	require.ErrorIs(t, err, ErrReservationClosed)
}

func TestCommitOnNilReservationReturnsError(t *testing.T) {
	e, _ := newTestEngine(t, baseConfig())
	require.ErrorIs(t, e.Commit(context.Background(), nil, 1, 1), ErrReservationClosed)
}

func TestReleaseReturnsReservedCapacityToTheWindow(t *testing.T) {
	e, _ := newTestEngine(t, baseConfig())
	ctx := context.Background()

	_, res, err := e.Admit(ctx, "key-a", 500, 500)
	require.NoError(t, err)

	require.NoError(t, e.Release(ctx, res))

	inUsed, outUsed, reqUsed, err := e.Usage(ctx, "key-a")
	require.NoError(t, err)
	require.Equal(t, int64(0), inUsed)
	require.Equal(t, int64(0), outUsed)
	require.Equal(t, int64(0), reqUsed)
}

func TestReleaseOnAlreadyClosedReservationIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, baseConfig())
	ctx := context.Background()

	_, res, err := e.Admit(ctx, "key-a", 10, 10)
	require.NoError(t, err)
	require.NoError(t, e.Release(ctx, res))
	require.NoError(t, e.Release(ctx, res))
}

func TestCommitFallsBackWhenOriginBucketHasAgedOutOfTheWindow(t *testing.T) {
	cfg := baseConfig()
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	start := time.Unix(1_700_000_000, 0)
	current := start
	e.WithClock(func() time.Time { return current })

	_, res, err := e.Admit(ctx, "key-a", 100, 150)
	require.NoError(t, err)

	// Advance the virtual clock well past the window, so the reservation's
	// bucket of origin is no longer one of the live segments.
	current = start.Add(2 * cfg.Window)

	require.NoError(t, e.Commit(ctx, res, 120, 130))

	// The fallback bucket starts empty, so it picks up the raw delta
	// (actual minus reserved): +20 for input, -20 floored to 0 for output.
	inUsed, outUsed, _, err := e.Usage(ctx, "key-a")
	require.NoError(t, err)
	require.Equal(t, int64(20), inUsed)
	require.Equal(t, int64(0), outUsed)
}

func TestAdmitFailsClosedWhenStoreUnavailable(t *testing.T) {
	e, mr := newTestEngine(t, baseConfig())
	mr.Close()

	_, _, err := e.Admit(context.Background(), "key-a", 10, 10)
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestAdmitFailsOpenWhenConfigured(t *testing.T) {
	cfg := baseConfig()
	cfg.FailOpen = true
	e, mr := newTestEngine(t, cfg)
	mr.Close()

	decision, res, err := e.Admit(context.Background(), "key-a", 10, 10)
	require.NoError(t, err)
	require.True(t, decision.Admitted)
	require.NotNil(t, res)
}

func TestLimitsReturnsConfiguredCeilings(t *testing.T) {
	e, _ := newTestEngine(t, baseConfig())
	limits, ok := e.Limits("key-a")
	require.True(t, ok)
	require.Equal(t, 1000, limits.InputTPM)

	_, ok = e.Limits("no-such-key")
	require.False(t, ok)
}
