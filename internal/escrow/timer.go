package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/landtrust/internal/metrics"
	"github.com/mbd888/landtrust/internal/syncutil"
)

// DefaultSweepInterval is how often the timer runs both sweeps.
const DefaultSweepInterval = 30 * time.Second

// Timer periodically expires stale offers and ends verification periods.
// With a shared lease only one instance sweeps per tick; the sweeps are
// idempotent either way.
type Timer struct {
	ledger   *OfferLedger
	engine   *Engine
	lease    syncutil.Lease
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a sweep timer. A nil lease runs every tick locally.
func NewTimer(ledger *OfferLedger, engine *Engine, lease syncutil.Lease, logger *slog.Logger) *Timer {
	if lease == nil {
		lease = &syncutil.LocalLease{}
	}
	return &Timer{
		ledger:   ledger,
		engine:   engine,
		lease:    lease,
		interval: DefaultSweepInterval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the tick interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a
// goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SweepRunsTotal.WithLabelValues("all", "panic").Inc()
			t.logger.Error("panic in sweep timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass of both sweeps if this instance holds the lease.
func (t *Timer) Sweep(ctx context.Context) {
	ok, err := t.lease.Acquire(ctx)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("all", "lease_error").Inc()
		t.logger.Warn("failed to acquire sweep lease", "error", err)
		return
	}
	if !ok {
		metrics.SweepRunsTotal.WithLabelValues("all", "skipped").Inc()
		t.logger.Debug("sweep lease held elsewhere, skipping tick")
		return
	}
	defer func() {
		if err := t.lease.Release(ctx); err != nil {
			t.logger.Warn("failed to release sweep lease", "error", err)
		}
	}()

	expired, err := t.ledger.SweepExpired(ctx)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("offers", "error").Inc()
		t.logger.Warn("offer expiry sweep failed", "error", err)
	} else {
		metrics.SweepRunsTotal.WithLabelValues("offers", "ok").Inc()
		if expired > 0 {
			t.logger.Info("expired offers", "count", expired)
		}
	}

	advanced, err := t.engine.AdvanceDue(ctx)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("verification", "error").Inc()
		t.logger.Warn("verification sweep failed", "error", err)
		return
	}
	metrics.SweepRunsTotal.WithLabelValues("verification", "ok").Inc()
	if advanced > 0 {
		t.logger.Info("advanced transactions to release", "count", advanced)
	}
}
