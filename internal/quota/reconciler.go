package quota

import (
	"context"

	"github.com/llmquota/ratelimiter/internal/obs"
)

// Reconciler is a thin facade on the Engine: given the admission result and
// the completed upstream outcome, it calls Commit on success and Release on
// error or disconnect. Every exit path from the admission handler (success,
// upstream error, timeout, client disconnect) must invoke it exactly once
// per reservation.
type Reconciler struct {
	engine *Engine
}

// NewReconciler wraps engine for handler-facing reconciliation.
func NewReconciler(e *Engine) *Reconciler {
	return &Reconciler{engine: e}
}

// Finish reconciles one reservation. If err is non-nil the reservation is
// released; otherwise it is committed with the given actual usage.
func (r *Reconciler) Finish(ctx context.Context, res *Reservation, inActual, outActual int, upstreamErr error) error {
	if res == nil {
		return nil
	}
	if upstreamErr != nil {
		if releaseErr := r.engine.Release(ctx, res); releaseErr != nil {
			obs.ErrorContext(ctx, releaseErr, "failed to release reservation after upstream error", map[string]interface{}{
				"reservation_id": res.ID,
			})
			return releaseErr
		}
		return nil
	}
	return r.engine.Commit(ctx, res, inActual, outActual)
}

// Guard returns a deferrable cleanup function implementing the spec's
// scoped-acquisition pattern: if the handler returns without ever calling
// Finish (panic, early return, forgotten code path), the deferred Guard
// releases the reservation so it cannot leak as a permanently OPEN record
// beyond the sweep deadline. Calling Finish first makes the guard a no-op,
// since Release on an already-closed reservation is idempotent.
//
// Usage: `defer reconciler.Guard(ctx, res)()` immediately after a
// successful Admit, mirroring the teacher's `defer worker.Stop()` /
// `defer cancel()` idiom for exactly-once cleanup.
func (r *Reconciler) Guard(ctx context.Context, res *Reservation) func() {
	return func() {
		if res == nil || res.closed {
			return
		}
		if err := r.engine.Release(ctx, res); err != nil {
			obs.ErrorContext(ctx, err, "guard failed to release abandoned reservation", map[string]interface{}{
				"reservation_id": res.ID,
			})
		}
	}
}
