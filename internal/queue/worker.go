package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/llmquota/ratelimiter/internal/obs"
)

// WorkerConfig configures the anomaly drain worker.
type WorkerConfig struct {
	// PollingInterval is how often the worker drains a batch off the queue.
	PollingInterval time.Duration

	// BatchSize is the maximum number of anomalies drained per tick.
	BatchSize int
}

// Worker drains anomalies off a Queue and logs them, giving operators a
// running record of sweep releases, commit fallbacks, and fail-open
// admissions without requiring a direct Redis inspection. Grounded on the
// teacher's queue.Worker processLoop/waitForPendingJobs shape, narrowed
// from concurrent request processing against an LLM provider down to
// single-goroutine log draining.
type Worker struct {
	queue  Queue
	config WorkerConfig

	wg     sync.WaitGroup
	stopCh chan struct{}
	done   chan struct{}
}

// NewWorker creates an anomaly drain worker bound to queue.
func NewWorker(q Queue, config WorkerConfig) *Worker {
	if config.PollingInterval <= 0 {
		config.PollingInterval = time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	return &Worker{
		queue:  q,
		config: config,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins the drain loop in a background goroutine.
func (w *Worker) Start(ctx context.Context) {
	obs.Info("starting anomaly drain worker", map[string]interface{}{
		"polling_interval": w.config.PollingInterval.String(),
		"batch_size":       w.config.BatchSize,
	})
	w.wg.Add(1)
	go w.processLoop(ctx)
}

// Stop signals the drain loop to exit and waits for it to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.done
	w.wg.Wait()
}

func (w *Worker) processLoop(ctx context.Context) {
	defer close(w.done)
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.drainBatch(ctx)
		}
	}
}

func (w *Worker) drainBatch(ctx context.Context) {
	for i := 0; i < w.config.BatchSize; i++ {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, ErrQueueEmpty) {
				obs.ErrorContext(ctx, err, "failed to drain anomaly queue", nil)
			}
			return
		}

		obs.WarnContext(ctx, "quota anomaly recorded", map[string]interface{}{
			"kind":           item.Kind,
			"key":            item.APIKey,
			"reservation_id": item.ReservationID,
			"detail":         item.Detail,
			"occurred_at":    item.OccurredAt.Format(time.RFC3339),
		})
	}
}
