// Package circuitbreaker stops calling a dependency that keeps failing.
// Each key has its own circuit; notification sinks are keyed by name so a
// dead webhook endpoint stops soaking up worker time.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do while the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State is the condition of one circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var circuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "landtrust",
	Subsystem: "circuitbreaker",
	Name:      "state",
	Help:      "Current circuit state per key (0 closed, 1 open, 2 half-open).",
}, []string{"key"})

func init() {
	prometheus.MustRegister(circuitState)
}

// Settings configures a Breaker. Zero values fall back to defaults.
type Settings struct {
	// Threshold is the number of consecutive failures that opens a circuit.
	Threshold int
	// Cooldown is how long a circuit stays open before one probe is let through.
	Cooldown time.Duration
	// IsFailure decides whether an error counts against the circuit. Errors it
	// rejects are returned to the caller but treated as success. Nil counts
	// every error.
	IsFailure func(error) bool
}

const (
	defaultThreshold = 5
	defaultCooldown  = 30 * time.Second
)

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker holds one circuit per key.
type Breaker struct {
	settings Settings
	now      func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
	onChange func(key string, from, to State)
}

// New creates a Breaker.
func New(s Settings) *Breaker {
	if s.Threshold <= 0 {
		s.Threshold = defaultThreshold
	}
	if s.Cooldown <= 0 {
		s.Cooldown = defaultCooldown
	}
	if s.IsFailure == nil {
		s.IsFailure = func(error) bool { return true }
	}
	return &Breaker{settings: s, now: time.Now, circuits: make(map[string]*circuit)}
}

// OnStateChange registers fn to be called on its own goroutine after every
// state change.
func (b *Breaker) OnStateChange(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Do runs fn unless the circuit for key is open and records the outcome.
// While a circuit is half-open only the single probe call runs; concurrent
// callers get ErrOpen.
func (b *Breaker) Do(key string, fn func() error) error {
	if !b.admit(key) {
		return ErrOpen
	}
	err := fn()
	b.record(key, err == nil || !b.settings.IsFailure(err))
	return err
}

func (b *Breaker) admit(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	switch c.state {
	case Open:
		if b.now().Sub(c.openedAt) < b.settings.Cooldown {
			return false
		}
		b.setState(key, c, HalfOpen)
		return true
	case HalfOpen:
		return false
	}
	return true
}

func (b *Breaker) record(key string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		if ok {
			return
		}
		c = &circuit{}
		b.circuits[key] = c
	}

	if ok {
		c.failures = 0
		b.setState(key, c, Closed)
		return
	}
	c.failures++
	if c.state == HalfOpen || c.failures >= b.settings.Threshold {
		c.openedAt = b.now()
		b.setState(key, c, Open)
	}
}

// setState must be called with b.mu held.
func (b *Breaker) setState(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	circuitState.WithLabelValues(key).Set(float64(to))
	if fn := b.onChange; fn != nil {
		go fn(key, from, to)
	}
}

// State reports the circuit for key. Keys never seen are Closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return Closed
}

// Snapshot returns the state of every circuit that has recorded a failure.
func (b *Breaker) Snapshot() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]State, len(b.circuits))
	for k, c := range b.circuits {
		out[k] = c.state
	}
	return out
}
