package quota

import (
	"context"
	"time"

	"github.com/llmquota/ratelimiter/internal/obs"
	"github.com/llmquota/ratelimiter/internal/queue"
)

// Sweeper periodically scans for reservations that have remained OPEN past
// the configured sweep deadline and releases them, reclaiming capacity from
// requests whose upstream call crashed or hung without ever reaching
// Commit or Release. Grounded on the teacher's queue.Worker processing
// loop: a ticker-driven goroutine with a stop channel and a done channel
// the caller waits on for graceful shutdown.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	deadline time.Duration
	batch    int

	stopCh chan struct{}
	done   chan struct{}
}

// NewSweeper creates a Sweeper bound to engine, using the engine's
// configured sweep interval and deadline.
func NewSweeper(e *Engine) *Sweeper {
	return &Sweeper{
		engine:   e,
		interval: e.cfg.SweepInterval,
		deadline: e.cfg.SweepDeadline,
		batch:    256,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	obs.Info("starting reservation sweeper", map[string]interface{}{
		"interval": s.interval.String(),
		"deadline": s.deadline.String(),
	})
	go s.loop(ctx)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	cutoff := s.engine.now().Add(-s.deadline)

	ids, err := s.engine.store.StaleReservations(ctx, cutoff, s.batch)
	if err != nil {
		obs.ErrorContext(ctx, err, "sweep scan failed", nil)
		return
	}
	if len(ids) == 0 {
		return
	}

	obs.InfoContext(ctx, "sweeping stale reservations", map[string]interface{}{
		"count": len(ids),
	})

	for _, id := range ids {
		apiKey, ok, err := s.engine.store.ReservationSnapshot(ctx, id)
		if err != nil {
			obs.ErrorContext(ctx, err, "failed to read stale reservation", map[string]interface{}{"reservation_id": id})
			continue
		}
		if !ok {
			// already gone, likely committed/released between the scan and now
			continue
		}

		released, err := s.engine.store.Release(ctx, apiKey, id, s.engine.segmentTTL())
		if err != nil {
			obs.ErrorContext(ctx, err, "failed to release stale reservation", map[string]interface{}{
				"reservation_id": id,
				"key":            apiKey,
			})
			continue
		}
		if released {
			obs.WarnContext(ctx, "released abandoned reservation", map[string]interface{}{
				"reservation_id": id,
				"key":            apiKey,
			})
			s.engine.recordAnomaly(ctx, &queue.AnomalyItem{
				Kind: queue.KindSweepRelease, APIKey: apiKey, ReservationID: id,
				Detail: "reservation stayed OPEN past sweep deadline",
			})
		}
	}
}
