// Package queue implements a dead-letter log of quota anomalies: stale
// reservations released by the sweeper, commits whose bucket of origin had
// already aged out of the window, and admissions let through under the
// fail-open policy. Generalized from the teacher's FIFO request queue
// (internal/queue/fifo_queue.go), which buffered inbound requests awaiting
// rate-limit capacity; this service has no such buffering stage (admission
// is synchronous), so the same in-memory/Redis dual-backend FIFO is
// repurposed as an operator-facing anomaly trail instead.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/llmquota/ratelimiter/internal/obs"
)

// Common errors returned by queue operations.
var (
	ErrQueueFull          = errors.New("anomaly queue is full")
	ErrQueueEmpty         = errors.New("anomaly queue is empty")
	ErrBackendUnavailable = errors.New("anomaly queue backend unavailable")
)

// BackendType selects the queue implementation.
type BackendType string

const (
	// InMemoryBackend is a local in-memory queue implementation, suitable
	// for a single-node deployment or local development.
	InMemoryBackend BackendType = "memory"

	// RedisBackend is a distributed queue implementation backed by Redis,
	// shared across every rate limiter node.
	RedisBackend BackendType = "redis"
)

// AnomalyKind classifies one anomaly entry.
type AnomalyKind string

const (
	// KindSweepRelease marks a reservation released by the background
	// sweep because it never reached commit or release before its deadline.
	KindSweepRelease AnomalyKind = "sweep_release"

	// KindCommitFallback marks a commit whose bucket of origin had already
	// aged out of the window, so its delta was applied to the oldest still
	// live bucket instead.
	KindCommitFallback AnomalyKind = "commit_fallback"

	// KindFailOpen marks an admission that proceeded without accounting
	// because the coordination store was unavailable. Commits and releases
	// dropped under the fail-open policy are not recorded.
	KindFailOpen AnomalyKind = "fail_open"
)

// Config holds queue construction settings.
type Config struct {
	Backend BackendType

	// MaxSize bounds the number of buffered anomalies.
	MaxSize int

	// ItemTTL discards anomalies older than this when encountered at read
	// time.
	ItemTTL time.Duration

	// KeyPrefix namespaces the Redis list key when Backend is RedisBackend.
	KeyPrefix string
}

// AnomalyItem is one dead-letter entry.
type AnomalyItem struct {
	ID            string      `json:"id"`
	Kind          AnomalyKind `json:"kind"`
	APIKey        string      `json:"api_key,omitempty"`
	ReservationID string      `json:"reservation_id,omitempty"`
	Detail        string      `json:"detail,omitempty"`
	OccurredAt    time.Time   `json:"occurred_at"`
}

// Queue is a FIFO dead-letter log of AnomalyItems.
type Queue interface {
	Enqueue(ctx context.Context, item *AnomalyItem) error
	Dequeue(ctx context.Context) (*AnomalyItem, error)
	Size(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

// New creates a Queue backed by the configured implementation.
func New(cfg Config, client redis.UniversalClient) (Queue, error) {
	switch cfg.Backend {
	case RedisBackend:
		return newRedisQueue(cfg, client)
	case InMemoryBackend, "":
		return newInMemoryQueue(cfg)
	default:
		return nil, fmt.Errorf("unsupported anomaly queue backend: %s", cfg.Backend)
	}
}

// inMemoryQueue implements Queue using a slice guarded by a mutex.
type inMemoryQueue struct {
	items   []*AnomalyItem
	maxSize int
	itemTTL time.Duration
	mu      sync.Mutex
}

func newInMemoryQueue(cfg Config) (*inMemoryQueue, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.ItemTTL <= 0 {
		cfg.ItemTTL = 24 * time.Hour
	}
	obs.Info("in-memory anomaly queue initialized", map[string]interface{}{
		"max_size": cfg.MaxSize,
		"item_ttl": cfg.ItemTTL.String(),
	})
	return &inMemoryQueue{
		items:   make([]*AnomalyItem, 0, cfg.MaxSize),
		maxSize: cfg.MaxSize,
		itemTTL: cfg.ItemTTL,
	}, nil
}

func (q *inMemoryQueue) Enqueue(ctx context.Context, item *AnomalyItem) error {
	if item == nil {
		return errors.New("cannot enqueue nil anomaly")
	}
	if item.OccurredAt.IsZero() {
		item.OccurredAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		// Drop the oldest entry rather than rejecting outright: an anomaly
		// log is best-effort, never a gate on admission.
		q.items = q.items[1:]
	}
	q.items = append(q.items, item)
	return nil
}

func (q *inMemoryQueue) Dequeue(ctx context.Context) (*AnomalyItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]
		if time.Since(item.OccurredAt) > q.itemTTL {
			continue
		}
		return item, nil
	}
	return nil, ErrQueueEmpty
}

func (q *inMemoryQueue) Size(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *inMemoryQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
	return nil
}

func (q *inMemoryQueue) Close() error { return nil }

// redisQueue implements Queue using a Redis list, shared across every node
// in the deployment.
type redisQueue struct {
	client   redis.UniversalClient
	queueKey string
	maxSize  int
	itemTTL  time.Duration
}

func newRedisQueue(cfg Config, client redis.UniversalClient) (*redisQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required for the redis anomaly queue backend")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if cfg.ItemTTL <= 0 {
		cfg.ItemTTL = 24 * time.Hour
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "rl:"
	}
	queueKey := prefix + "anomalies"

	obs.Info("redis anomaly queue initialized", map[string]interface{}{
		"queue_key": queueKey,
		"max_size":  cfg.MaxSize,
	})

	return &redisQueue{client: client, queueKey: queueKey, maxSize: cfg.MaxSize, itemTTL: cfg.ItemTTL}, nil
}

func (q *redisQueue) Enqueue(ctx context.Context, item *AnomalyItem) error {
	if item == nil {
		return errors.New("cannot enqueue nil anomaly")
	}
	if item.OccurredAt.IsZero() {
		item.OccurredAt = time.Now()
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to serialize anomaly: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.queueKey, data)
	pipe.LTrim(ctx, q.queueKey, int64(-q.maxSize), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.ErrorContext(ctx, err, "failed to enqueue anomaly", map[string]interface{}{"queue_key": q.queueKey})
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (q *redisQueue) Dequeue(ctx context.Context) (*AnomalyItem, error) {
	result, err := q.client.LPop(ctx, q.queueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrQueueEmpty
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	var item AnomalyItem
	if err := json.Unmarshal([]byte(result), &item); err != nil {
		return nil, fmt.Errorf("failed to deserialize anomaly: %w", err)
	}
	if time.Since(item.OccurredAt) > q.itemTTL {
		return q.Dequeue(ctx)
	}
	return &item, nil
}

func (q *redisQueue) Size(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return int(n), nil
}

func (q *redisQueue) Clear(ctx context.Context) error {
	if err := q.client.Del(ctx, q.queueKey).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (q *redisQueue) Close() error { return nil }
