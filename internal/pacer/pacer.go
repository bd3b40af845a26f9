// Package pacer provides an in-memory token bucket used to pace synthetic
// traffic generated by cmd/loadclient, adapted from the teacher's
// internal/limiter.TokenBucket (a single-node rate limiter for non-distributed
// deployments) and narrowed to client-side pacing: generating load at a
// target rate instead of admitting or rejecting inbound requests.
package pacer

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Errors returned by Pacer.
var (
	ErrInvalidCost = errors.New("pacer: token cost must be positive")
	ErrCanceled    = errors.New("pacer: reservation canceled before fulfillment")
)

// Config configures a Pacer's refill rate and burst capacity.
type Config struct {
	RatePerSecond float64
	BurstSize     int
}

// Pacer is an in-memory token bucket that a load generator blocks against
// before issuing each request, producing a steady target request rate
// instead of bursting requests as fast as the client can send them.
type Pacer struct {
	ratePerSecond float64
	burstSize     int

	available      float64
	lastRefillTime time.Time
	mu             sync.Mutex

	waiters   map[string]chan struct{}
	waitersMu sync.Mutex
}

// New creates a Pacer starting with a full bucket.
func New(cfg Config) *Pacer {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1.0
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = int(cfg.RatePerSecond)
	}
	return &Pacer{
		ratePerSecond:  cfg.RatePerSecond,
		burstSize:      cfg.BurstSize,
		available:      float64(cfg.BurstSize),
		lastRefillTime: time.Now(),
		waiters:        make(map[string]chan struct{}),
	}
}

// refill must be called with mu held.
func (p *Pacer) refill() {
	now := time.Now()
	elapsed := now.Sub(p.lastRefillTime).Seconds()
	p.lastRefillTime = now
	p.available = math.Min(float64(p.burstSize), p.available+elapsed*p.ratePerSecond)
}

// Allow reports whether cost tokens are available right now, consuming them
// if so.
func (p *Pacer) Allow(cost int) (bool, error) {
	if cost <= 0 {
		return false, ErrInvalidCost
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.refill()
	if p.available >= float64(cost) {
		p.available -= float64(cost)
		return true, nil
	}
	return false, nil
}

// Wait blocks until cost tokens are available or ctx is canceled.
func (p *Pacer) Wait(ctx context.Context, cost int) error {
	if allowed, err := p.Allow(cost); err != nil {
		return err
	} else if allowed {
		return nil
	}

	delay, waitCh, cancel := p.reserve(cost)
	if waitCh == nil {
		return nil
	}
	defer cancel()

	timer := time.NewTimer(delay + 10*time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case <-waitCh:
		return nil
	case <-timer.C:
		return nil
	}
}

// reserve schedules cost tokens to be consumed once the refill rate
// produces them, returning the expected delay, a channel closed on
// fulfillment, and a cancel func to release the slot early.
func (p *Pacer) reserve(cost int) (time.Duration, chan struct{}, func()) {
	p.mu.Lock()
	p.refill()

	deficit := float64(cost) - p.available
	if deficit <= 0 {
		p.available -= float64(cost)
		p.mu.Unlock()
		return 0, nil, func() {}
	}
	waitTime := time.Duration(deficit / p.ratePerSecond * float64(time.Second))
	p.mu.Unlock()

	id := uuid.NewString()
	waitCh := make(chan struct{})

	p.waitersMu.Lock()
	p.waiters[id] = waitCh
	p.waitersMu.Unlock()

	go func() {
		time.Sleep(waitTime)
		p.mu.Lock()
		if p.available >= float64(cost) {
			p.available -= float64(cost)
		}
		p.mu.Unlock()

		p.waitersMu.Lock()
		if ch, ok := p.waiters[id]; ok {
			close(ch)
			delete(p.waiters, id)
		}
		p.waitersMu.Unlock()
	}()

	cancel := func() {
		p.waitersMu.Lock()
		delete(p.waiters, id)
		p.waitersMu.Unlock()
	}
	return waitTime, waitCh, cancel
}

// Available returns the current number of tokens in the bucket.
func (p *Pacer) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refill()
	return int(p.available)
}
