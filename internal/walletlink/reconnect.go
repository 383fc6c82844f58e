package walletlink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	errs "github.com/alexjbarnes/walletlink/internal/errors"
)

// defaultReconnectDelay is the fixed pause before each reconnect attempt.
const defaultReconnectDelay = 5 * time.Second

// ReconnectPolicy decides how long to wait before reconnect attempt n
// (starting at 1) since the last successful open.
type ReconnectPolicy interface {
	Delay(attempt int) time.Duration
}

// FixedDelay retries forever at a constant cadence.
type FixedDelay time.Duration

func (d FixedDelay) Delay(int) time.Duration { return time.Duration(d) }

// reconnector schedules reconnect attempts after unexpected closes. At
// most one attempt is pending at a time. A failed attempt produces
// another closed notification, which schedules the next one.
type reconnector struct {
	policy  ReconnectPolicy
	logger  *slog.Logger
	metrics *Metrics

	// ctx is the engine lifetime; cancelled on destroy.
	ctx     context.Context
	active  func() bool
	connect func(ctx context.Context) error

	mu      sync.Mutex
	timer   *time.Timer
	attempt int
}

// schedule arms the next attempt unless one is already pending or the
// engine is gone.
func (r *reconnector) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil || r.ctx.Err() != nil || !r.active() {
		return
	}

	r.attempt++
	delay := r.policy.Delay(r.attempt)

	r.logger.Info("connection lost, reconnecting",
		slog.Int("attempt", r.attempt),
		slog.Duration("delay", delay),
	)

	r.timer = time.AfterFunc(delay, r.fire)
}

func (r *reconnector) fire() {
	r.mu.Lock()
	r.timer = nil
	attempt := r.attempt
	r.mu.Unlock()

	// Stale fire after destroy.
	if r.ctx.Err() != nil || !r.active() {
		return
	}

	r.metrics.reconnectAttempt()

	err := r.connect(r.ctx)
	if err != nil && !errors.Is(err, errs.ErrAlreadyConnected) {
		r.logger.Warn("reconnect failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
}

// reset restarts attempt counting after a successful open.
func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.mu.Unlock()
}

// stop cancels a pending attempt.
func (r *reconnector) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// pending reports whether an attempt is armed.
func (r *reconnector) pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.timer != nil
}
