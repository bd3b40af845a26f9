// Package quota implements the three-dimensional sliding-window quota
// engine: admission, reservation, commit, and release against a shared
// coordination store, generalizing the teacher's single-dimension
// RedisTokenBucket (internal/limiter) into input-tokens/output-tokens/
// requests-per-minute accounting with a segmented window instead of a
// continuous refill.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/llmquota/ratelimiter/internal/config"
	"github.com/llmquota/ratelimiter/internal/obs"
	"github.com/llmquota/ratelimiter/internal/queue"
	"github.com/llmquota/ratelimiter/internal/store"
)

// Errors returned by the Engine.
var (
	ErrUnknownKey        = errors.New("quota: unknown api key")
	ErrRateLimited       = errors.New("quota: rate limit exceeded")
	ErrReservationClosed = errors.New("quota: reservation already committed or released")
	ErrStoreUnavailable  = store.ErrUnavailable
)

// Decision is the outcome of an admission attempt.
type Decision struct {
	Admitted       bool
	TightestDim    store.Dimension
	TightestLimit  int64
	TightestRemain int64
	RetryAfter     time.Duration
}

// Reservation represents one OPEN admission, pending commit or release.
type Reservation struct {
	ID         string
	APIKey     string
	Bucket     int64
	InEstimate int
	OutReserve int
	createdAt  time.Time
	closed     bool
}

// Engine is the quota engine bound to one coordination store and config.
type Engine struct {
	store     *store.Store
	cfg       config.QuotaConfig
	nowFn     func() time.Time
	anomalies queue.Queue
}

// New creates an Engine. nowFn defaults to time.Now; tests may override it
// with a virtual clock to exercise window-boundary behavior deterministically.
func New(st *store.Store, cfg config.QuotaConfig) *Engine {
	return &Engine{store: st, cfg: cfg, nowFn: time.Now}
}

// WithClock overrides the engine's time source, for deterministic tests.
func (e *Engine) WithClock(nowFn func() time.Time) *Engine {
	e.nowFn = nowFn
	return e
}

// WithAnomalies attaches a dead-letter queue that records commit fallbacks
// and fail-open admissions for operator visibility. Recording is
// best-effort: a failure to enqueue is logged but never propagated to the
// caller.
func (e *Engine) WithAnomalies(q queue.Queue) *Engine {
	e.anomalies = q
	return e
}

func (e *Engine) recordAnomaly(ctx context.Context, item *queue.AnomalyItem) {
	if e.anomalies == nil {
		return
	}
	if err := e.anomalies.Enqueue(ctx, item); err != nil {
		obs.WarnContext(ctx, "failed to record quota anomaly", map[string]interface{}{"error": err.Error()})
	}
}

func (e *Engine) now() time.Time {
	if e.nowFn != nil {
		return e.nowFn()
	}
	return time.Now()
}

func (e *Engine) bucketIndex(t time.Time) int64 {
	return t.Unix() / int64(e.cfg.SegmentSize.Seconds())
}

func (e *Engine) segmentCount() int64 {
	return int64(e.cfg.Window / e.cfg.SegmentSize)
}

func (e *Engine) segmentTTL() time.Duration {
	return 2 * e.cfg.Window
}

// Admit attempts to admit a request for apiKey with the given estimated
// input tokens and output token reservation. On success it returns an OPEN
// Reservation that must eventually be Commit'd or Release'd.
func (e *Engine) Admit(ctx context.Context, apiKey string, inEstimate, outReserve int) (Decision, *Reservation, error) {
	limits, ok := e.cfg.Limits[apiKey]
	if !ok {
		return Decision{}, nil, ErrUnknownKey
	}

	now := e.now()
	bucket := e.bucketIndex(now)
	n := e.segmentCount()
	resID := uuid.NewString()

	result, err := e.store.Admit(ctx, apiKey, bucket, n, e.cfg.SegmentSize, inEstimate, outReserve,
		limits.InputTPM, limits.OutputTPM, limits.RPM,
		now, resID, e.segmentTTL(), e.cfg.SweepDeadline)
	if err != nil {
		if e.cfg.FailOpen {
			obs.WarnContext(ctx, "quota store unavailable, admitting under fail-open policy", map[string]interface{}{
				"key": apiKey,
			})
			e.recordAnomaly(ctx, &queue.AnomalyItem{
				Kind: queue.KindFailOpen, APIKey: apiKey, ReservationID: resID,
				Detail: "admitted without accounting: " + err.Error(),
			})
			return Decision{Admitted: true}, &Reservation{
				ID: resID, APIKey: apiKey, Bucket: bucket,
				InEstimate: inEstimate, OutReserve: outReserve, createdAt: now,
			}, nil
		}
		return Decision{}, nil, err
	}

	decision := Decision{
		Admitted:       result.Admitted,
		TightestDim:    result.TightestDim,
		TightestLimit:  result.TightestLimit,
		TightestRemain: result.TightestRemain,
	}

	if !result.Admitted {
		decision.RetryAfter = result.RetryAfter
		return decision, nil, nil
	}

	return decision, &Reservation{
		ID:         resID,
		APIKey:     apiKey,
		Bucket:     bucket,
		InEstimate: inEstimate,
		OutReserve: outReserve,
		createdAt:  now,
	}, nil
}

// Commit finalizes a reservation with the true input/output token counts,
// attributing the delta between actual and reserved usage to the
// reservation's bucket of origin (falling back to the oldest still-live
// bucket if the original has already aged out of the window).
func (e *Engine) Commit(ctx context.Context, res *Reservation, inActual, outActual int) error {
	if res == nil {
		return ErrReservationClosed
	}
	if res.closed {
		return ErrReservationClosed
	}

	now := e.now()
	oldestLive := e.bucketIndex(now) - e.segmentCount() + 1

	result, err := e.store.Commit(ctx, res.APIKey, res.ID, inActual, outActual, oldestLive, e.segmentTTL())
	if err != nil {
		if e.cfg.FailOpen {
			obs.WarnContext(ctx, "quota store unavailable during commit, dropping reconciliation under fail-open policy", map[string]interface{}{
				"reservation_id": res.ID,
			})
			res.closed = true
			return nil
		}
		return err
	}

	if result.Fallback {
		obs.WarnContext(ctx, "reservation bucket of origin expired before commit, applied delta to oldest live bucket", map[string]interface{}{
			"reservation_id": res.ID,
			"key":            res.APIKey,
		})
		e.recordAnomaly(ctx, &queue.AnomalyItem{
			Kind: queue.KindCommitFallback, APIKey: res.APIKey, ReservationID: res.ID,
			Detail: "bucket of origin expired before commit",
		})
	}

	res.closed = true
	return nil
}

// Release cancels a reservation, returning its provisional reserve back to
// the window. Used when the upstream call fails or is abandoned before a
// response is produced.
func (e *Engine) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return ErrReservationClosed
	}
	if res.closed {
		return nil
	}

	_, err := e.store.Release(ctx, res.APIKey, res.ID, e.segmentTTL())
	if err != nil {
		if e.cfg.FailOpen {
			res.closed = true
			return nil
		}
		return err
	}
	res.closed = true
	return nil
}

// Usage returns the current sliding-window usage for all three dimensions
// of one key, for the admin usage endpoint and the monitor dashboard.
func (e *Engine) Usage(ctx context.Context, apiKey string) (inUsed, outUsed, reqUsed int64, err error) {
	now := e.now()
	return e.store.WindowUsage(ctx, apiKey, e.bucketIndex(now), e.segmentCount())
}

// Limits returns the configured ceilings for apiKey.
func (e *Engine) Limits(apiKey string) (config.KeyLimits, bool) {
	l, ok := e.cfg.Limits[apiKey]
	return l, ok
}
