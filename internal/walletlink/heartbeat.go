package walletlink

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultHeartbeatInterval is the pulse cadence. The connection is
// considered dead after two intervals without a pulse from the peer.
const defaultHeartbeatInterval = 10 * time.Second

// watchdog sends liveness pulses for one connection generation and kills
// the connection when the peer stops answering them.
type watchdog struct {
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last time.Time
}

func newWatchdog(interval time.Duration, logger *slog.Logger) *watchdog {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	return &watchdog{
		interval: interval,
		logger:   logger,
		last:     time.Now(),
	}
}

// touch records a pulse received from the peer.
func (w *watchdog) touch() {
	w.mu.Lock()
	w.last = time.Now()
	w.mu.Unlock()
}

func (w *watchdog) lastLiveness() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.last
}

// expired reports whether liveness lapsed as of now.
func (w *watchdog) expired(now time.Time) bool {
	return now.Sub(w.lastLiveness()) > 2*w.interval
}

// run ticks until ctx is done. Each tick either kills a lapsed connection
// (and returns) or sends a pulse. A failed pulse write already tears the
// transport down, which cancels ctx.
func (w *watchdog) run(ctx context.Context, pulse func() (bool, error), kill func()) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case now := <-ticker.C:
			if w.expired(now) {
				w.logger.Warn("heartbeat timed out, closing connection",
					slog.Duration("since_last_pulse", now.Sub(w.lastLiveness())),
				)
				kill()

				return
			}

			if _, err := pulse(); err != nil {
				w.logger.Debug("sending heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}
