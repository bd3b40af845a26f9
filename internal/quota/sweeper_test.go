package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llmquota/ratelimiter/internal/queue"
)

func TestSweepReleasesReservationsPastDeadline(t *testing.T) {
	cfg := baseConfig()
	cfg.SweepDeadline = 30 * time.Second
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	start := time.Unix(1_700_000_000, 0)
	current := start
	e.WithClock(func() time.Time { return current })

	_, res, err := e.Admit(ctx, "key-a", 100, 100)
	require.NoError(t, err)
	require.NotNil(t, res)

	sweeper := NewSweeper(e)
	current = start.Add(cfg.SweepDeadline + time.Second)
	sweeper.sweepOnce(ctx)

	inUsed, outUsed, reqUsed, err := e.Usage(ctx, "key-a")
	require.NoError(t, err)
	require.Equal(t, int64(0), inUsed)
	require.Equal(t, int64(0), outUsed)
	require.Equal(t, int64(0), reqUsed)
}

func TestSweepLeavesFreshReservationsAlone(t *testing.T) {
	cfg := baseConfig()
	cfg.SweepDeadline = 30 * time.Second
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	start := time.Unix(1_700_000_000, 0)
	current := start
	e.WithClock(func() time.Time { return current })

	_, res, err := e.Admit(ctx, "key-a", 100, 100)
	require.NoError(t, err)
	require.NotNil(t, res)

	sweeper := NewSweeper(e)
	current = start.Add(5 * time.Second)
	sweeper.sweepOnce(ctx)

	inUsed, _, reqUsed, err := e.Usage(ctx, "key-a")
	require.NoError(t, err)
	require.Equal(t, int64(100), inUsed)
	require.Equal(t, int64(1), reqUsed)
}

func TestSweepRecordsAnomalyForReleasedReservation(t *testing.T) {
	cfg := baseConfig()
	cfg.SweepDeadline = 30 * time.Second
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	anomalies, err := queue.New(queue.Config{Backend: queue.InMemoryBackend}, nil)
	require.NoError(t, err)
	e.WithAnomalies(anomalies)

	start := time.Unix(1_700_000_000, 0)
	current := start
	e.WithClock(func() time.Time { return current })

	_, res, err := e.Admit(ctx, "key-a", 100, 100)
	require.NoError(t, err)
	require.NotNil(t, res)

	sweeper := NewSweeper(e)
	current = start.Add(cfg.SweepDeadline + time.Second)
	sweeper.sweepOnce(ctx)

	item, err := anomalies.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.KindSweepRelease, item.Kind)
	require.Equal(t, "key-a", item.APIKey)
}

func TestSweepStopsWhenSignaled(t *testing.T) {
	cfg := baseConfig()
	e, _ := newTestEngine(t, cfg)
	sweeper := NewSweeper(e)

	ctx, cancel := context.WithCancel(context.Background())
	sweeper.Start(ctx)
	cancel()
	sweeper.Stop()
}
