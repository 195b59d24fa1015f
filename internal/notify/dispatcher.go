// Package notify delivers committed marketplace events to external sinks.
// Delivery is asynchronous and best effort: a failed delivery is retried,
// then parked in a FailureStore, and never reaches the caller.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/landtrust/internal/circuitbreaker"
	"github.com/mbd888/landtrust/internal/escrow"
	"github.com/mbd888/landtrust/internal/idgen"
	"github.com/mbd888/landtrust/internal/metrics"
	"github.com/mbd888/landtrust/internal/retry"
)

const (
	DefaultWorkers        = 4
	DefaultQueueSize      = 1024
	DefaultAttempts       = 4
	DefaultBaseDelay      = 500 * time.Millisecond
	DefaultMaxDelay       = 30 * time.Second
	DefaultDeliverTimeout = 10 * time.Second

	drainTimeout = 5 * time.Second
)

// Sink is one delivery channel for notifications.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n escrow.Notification) error
}

// Dispatcher fans notifications out to sinks from a bounded queue.
// It implements escrow.Notifier.
type Dispatcher struct {
	sinks    []Sink
	failures FailureStore
	queue    chan escrow.Notification
	workers  int

	policy  retry.Policy
	timeout time.Duration
	breaker *circuitbreaker.Breaker

	logger *slog.Logger
}

var _ escrow.Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. failures may be nil, in which case
// exhausted deliveries are only logged.
func NewDispatcher(logger *slog.Logger, failures FailureStore, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:    sinks,
		failures: failures,
		queue:    make(chan escrow.Notification, DefaultQueueSize),
		workers:  DefaultWorkers,
		policy: retry.Policy{
			Attempts:  DefaultAttempts,
			BaseDelay: DefaultBaseDelay,
			MaxDelay:  DefaultMaxDelay,
		},
		timeout: DefaultDeliverTimeout,
		logger:  logger,
	}
}

// WithWorkers sets the number of delivery goroutines started by Run.
func (d *Dispatcher) WithWorkers(n int) *Dispatcher {
	if n > 0 {
		d.workers = n
	}
	return d
}

// WithRetry sets the per-sink attempt budget and initial backoff.
func (d *Dispatcher) WithRetry(attempts int, baseDelay time.Duration) *Dispatcher {
	if attempts > 0 {
		d.policy.Attempts = attempts
	}
	if baseDelay > 0 {
		d.policy.BaseDelay = baseDelay
	}
	return d
}

// WithBreaker puts every sink behind b, keyed by sink name. While a sink's
// circuit is open its deliveries fail fast and are parked without retries.
func (d *Dispatcher) WithBreaker(b *circuitbreaker.Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// AddSink registers another sink. Call before Run.
func (d *Dispatcher) AddSink(s Sink) {
	d.sinks = append(d.sinks, s)
}

// Notify enqueues n without blocking. A full queue drops the notification.
func (d *Dispatcher) Notify(ctx context.Context, n escrow.Notification) {
	select {
	case d.queue <- n:
		metrics.NotificationQueueDepth.Inc()
	default:
		metrics.NotificationsTotal.WithLabelValues(string(n.Type), "queue", "dropped").Inc()
		d.logger.Warn("notification queue full, dropping",
			"type", n.Type, "entityId", n.EntityID)
	}
}

// Run delivers queued notifications until ctx is done, then drains what is
// left with a short deadline.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case n := <-d.queue:
					metrics.NotificationQueueDepth.Dec()
					d.deliver(gctx, n)
				}
			}
		})
	}
	err := g.Wait()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	d.drain(dctx)
	return err
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case n := <-d.queue:
			metrics.NotificationQueueDepth.Dec()
			d.deliverOnce(ctx, n)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n escrow.Notification) {
	for _, s := range d.sinks {
		attempts, err := d.policy.Do(ctx, func(int) error {
			return d.send(ctx, s, n)
		})
		d.settle(ctx, s, n, attempts, err)
	}
}

// deliverOnce is used while shutting down, when there is no time to back off.
func (d *Dispatcher) deliverOnce(ctx context.Context, n escrow.Notification) {
	for _, s := range d.sinks {
		d.settle(ctx, s, n, 1, d.send(ctx, s, n))
	}
}

func (d *Dispatcher) send(ctx context.Context, s Sink, n escrow.Notification) error {
	deliver := func() error {
		sctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		return s.Deliver(sctx, n)
	}
	if d.breaker == nil {
		return deliver()
	}
	err := d.breaker.Do(s.Name(), deliver)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return retry.Permanent(err)
	}
	return err
}

// IsSinkFailure reports whether err says the sink itself is unhealthy. A
// permanent rejection means the endpoint answered, and a cancelled context
// is ours, so neither should open the sink's circuit.
func IsSinkFailure(err error) bool {
	var pe *retry.PermanentError
	return !errors.As(err, &pe) && !errors.Is(err, context.Canceled)
}

func (d *Dispatcher) settle(ctx context.Context, s Sink, n escrow.Notification, attempts int, err error) {
	if err == nil {
		metrics.NotificationsTotal.WithLabelValues(string(n.Type), s.Name(), "delivered").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(n.Type), s.Name(), "failed").Inc()
	d.logger.Warn("notification delivery failed",
		"type", n.Type, "entityId", n.EntityID, "sink", s.Name(), "attempts", attempts, "error", err)
	if d.failures == nil {
		return
	}

	payload, merr := json.Marshal(n)
	if merr != nil {
		d.logger.Error("failed to encode undelivered notification", "type", n.Type, "error", merr)
		return
	}
	f := &Failure{
		ID:        idgen.WithPrefix("nfl_"),
		EventType: string(n.Type),
		EntityID:  n.EntityID,
		Sink:      s.Name(),
		Payload:   payload,
		LastError: err.Error(),
		Attempts:  attempts,
		CreatedAt: time.Now().UTC(),
	}
	// the delivery context may already be cancelled on shutdown
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if rerr := d.failures.Record(rctx, f); rerr != nil {
		d.logger.Error("failed to record undelivered notification",
			"type", n.Type, "entityId", n.EntityID, "sink", s.Name(), "error", rerr)
	}
}
