package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueueEnqueueDequeueOrder(t *testing.T) {
	q, err := New(Config{Backend: InMemoryBackend}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &AnomalyItem{Kind: KindFailOpen, APIKey: "a"}))
	require.NoError(t, q.Enqueue(ctx, &AnomalyItem{Kind: KindSweepRelease, APIKey: "b"}))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, size)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", first.APIKey)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", second.APIKey)

	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, ErrQueueEmpty)
}

func TestInMemoryQueueDropsOldestOnOverflow(t *testing.T) {
	q, err := New(Config{Backend: InMemoryBackend, MaxSize: 2}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &AnomalyItem{APIKey: "first"}))
	require.NoError(t, q.Enqueue(ctx, &AnomalyItem{APIKey: "second"}))
	require.NoError(t, q.Enqueue(ctx, &AnomalyItem{APIKey: "third"}))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, size)

	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", item.APIKey)
}

func TestInMemoryQueueClear(t *testing.T) {
	q, err := New(Config{Backend: InMemoryBackend}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &AnomalyItem{APIKey: "a"}))
	require.NoError(t, q.Clear(ctx))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, size)
}

func newTestRedisQueue(t *testing.T) Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := New(Config{Backend: RedisBackend, KeyPrefix: "test:"}, client)
	require.NoError(t, err)
	return q
}

func TestRedisQueueEnqueueDequeueOrder(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &AnomalyItem{Kind: KindCommitFallback, APIKey: "a"}))
	require.NoError(t, q.Enqueue(ctx, &AnomalyItem{Kind: KindCommitFallback, APIKey: "b"}))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, size)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", first.APIKey)
	require.Equal(t, KindCommitFallback, first.Kind)

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, ErrQueueEmpty)
}

func TestRedisQueueBoundedByMaxSize(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := New(Config{Backend: RedisBackend, KeyPrefix: "test:", MaxSize: 2}, client)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &AnomalyItem{APIKey: "first"}))
	require.NoError(t, q.Enqueue(ctx, &AnomalyItem{APIKey: "second"}))
	require.NoError(t, q.Enqueue(ctx, &AnomalyItem{APIKey: "third"}))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, size)

	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", item.APIKey)
}

func TestRedisQueueRequiresClient(t *testing.T) {
	_, err := New(Config{Backend: RedisBackend}, nil)
	require.Error(t, err)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: BackendType("carrier-pigeon")}, nil)
	require.Error(t, err)
}

func TestWorkerDrainsAnomaliesOnInterval(t *testing.T) {
	q, err := New(Config{Backend: InMemoryBackend}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &AnomalyItem{Kind: KindFailOpen, APIKey: "a"}))
	require.NoError(t, q.Enqueue(ctx, &AnomalyItem{Kind: KindFailOpen, APIKey: "b"}))

	w := NewWorker(q, WorkerConfig{PollingInterval: 10 * time.Millisecond, BatchSize: 10})
	runCtx, cancel := context.WithCancel(ctx)
	w.Start(runCtx)

	require.Eventually(t, func() bool {
		size, err := q.Size(ctx)
		return err == nil && size == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	w.Stop()
}
