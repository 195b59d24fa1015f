// Package realtime streams marketplace notifications to connected users over
// WebSocket. A user only receives events that name them as a recipient;
// admin connections receive everything.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/landtrust/internal/metrics"
)

const (
	// MaxClients caps concurrent connections across all users.
	MaxClients = 10000
	// MaxClientsPerUser caps connections a single user may hold open.
	MaxClientsPerUser = 8

	eventBuffer = 256
)

var (
	// ErrHubFull is returned by Broadcast when the event buffer is saturated.
	ErrHubFull = errors.New("realtime: broadcast buffer full")

	errStopped      = errors.New("realtime: hub stopped")
	errTooManyConns = errors.New("realtime: too many connections")
)

// Event is one notification pushed to subscribers.
type Event struct {
	Type          string    `json:"type"`
	EntityID      string    `json:"entityId"`
	TransactionID string    `json:"transactionId,omitempty"`
	Recipients    []string  `json:"-"`
	Timestamp     time.Time `json:"timestamp"`
	Data          any       `json:"data,omitempty"`
}

// Subscription narrows what a client receives. Empty fields match everything.
type Subscription struct {
	EventTypes     []string `json:"eventTypes"`
	TransactionIDs []string `json:"transactionIds"`
}

func (s Subscription) matches(e *Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	if len(s.TransactionIDs) > 0 && !slices.Contains(s.TransactionIDs, e.TransactionID) {
		return false
	}
	return true
}

// Stats is a snapshot of hub counters.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	ConnectedUsers   int   `json:"connectedUsers"`
	EventsRouted     int64 `json:"eventsRouted"`
	MessagesSent     int64 `json:"messagesSent"`
	SlowDisconnects  int64 `json:"slowDisconnects"`
	PeakClients      int64 `json:"peakClients"`
}

// Hub indexes connections by user so an event is routed straight to its
// recipients instead of being tested against every connection.
type Hub struct {
	mu     sync.RWMutex
	byUser map[string]map[*Client]struct{}
	admins map[*Client]struct{}
	total  int

	events  chan *Event
	stopped chan struct{}
	logger  *slog.Logger

	maxClients        int
	maxClientsPerUser int

	routed atomic.Int64
	sent   atomic.Int64
	slow   atomic.Int64
	peak   atomic.Int64
}

// NewHub creates a hub. Call Run to start routing.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		byUser:            make(map[string]map[*Client]struct{}),
		admins:            make(map[*Client]struct{}),
		events:            make(chan *Event, eventBuffer),
		stopped:           make(chan struct{}),
		logger:            logger,
		maxClients:        MaxClients,
		maxClientsPerUser: MaxClientsPerUser,
	}
}

// Run routes broadcast events until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.logger.Info("realtime hub stopped")
			return
		case e := <-h.events:
			h.route(e)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	close(h.stopped)
	for _, set := range h.byUser {
		for c := range set {
			close(c.send)
		}
	}
	for c := range h.admins {
		close(c.send)
	}
	h.byUser = make(map[string]map[*Client]struct{})
	h.admins = make(map[*Client]struct{})
	h.total = 0
	metrics.ActiveWebSocketClients.Set(0)
}

// add registers c unless the hub is stopped or a connection cap is hit.
func (h *Hub) add(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.stopped:
		return errStopped
	default:
	}
	if h.total >= h.maxClients {
		return errTooManyConns
	}

	if c.admin {
		h.admins[c] = struct{}{}
	} else {
		set := h.byUser[c.userID]
		if len(set) >= h.maxClientsPerUser {
			return errTooManyConns
		}
		if set == nil {
			set = make(map[*Client]struct{})
			h.byUser[c.userID] = set
		}
		set[c] = struct{}{}
	}
	h.total++
	if int64(h.total) > h.peak.Load() {
		h.peak.Store(int64(h.total))
	}
	metrics.ActiveWebSocketClients.Set(float64(h.total))
	h.logger.Debug("client connected", "user", c.userID, "total", h.total)
	return nil
}

// remove drops c and closes its send channel. Removing twice is a no-op.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	if c.admin {
		if _, ok := h.admins[c]; !ok {
			return
		}
		delete(h.admins, c)
	} else {
		set, ok := h.byUser[c.userID]
		if !ok {
			return
		}
		if _, ok := set[c]; !ok {
			return
		}
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, c.userID)
		}
	}
	close(c.send)
	h.total--
	metrics.ActiveWebSocketClients.Set(float64(h.total))
	h.logger.Debug("client disconnected", "user", c.userID, "total", h.total)
}

// deliver offers payload to every connection the event should reach without
// blocking, and returns the ones whose buffers were full. Callers hold h.mu
// for reading so no send channel is closed underneath.
func (h *Hub) deliver(e *Event, payload []byte) (slow []*Client) {
	offer := func(c *Client) {
		if !c.subscription().matches(e) {
			return
		}
		select {
		case c.send <- payload:
			h.sent.Add(1)
		default:
			slow = append(slow, c)
		}
	}
	for i, uid := range e.Recipients {
		if slices.Contains(e.Recipients[:i], uid) {
			continue
		}
		for c := range h.byUser[uid] {
			offer(c)
		}
	}
	for c := range h.admins {
		offer(c)
	}
	return slow
}

func (h *Hub) route(e *Event) {
	h.routed.Add(1)
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("marshal realtime event", "type", e.Type, "error", err)
		return
	}

	h.mu.RLock()
	slow := h.deliver(e, payload)
	h.mu.RUnlock()
	if len(slow) == 0 {
		return
	}

	h.mu.Lock()
	for _, c := range slow {
		h.removeLocked(c)
	}
	h.mu.Unlock()
	h.slow.Add(int64(len(slow)))
	h.logger.Warn("dropped slow realtime clients", "count", len(slow), "type", e.Type)
}

// Broadcast queues an event for delivery without blocking.
func (h *Hub) Broadcast(e *Event) error {
	select {
	case h.events <- e:
		return nil
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", e.Type)
		return ErrHubFull
	}
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		ConnectedClients: h.total,
		ConnectedUsers:   len(h.byUser),
		EventsRouted:     h.routed.Load(),
		MessagesSent:     h.sent.Load(),
		SlowDisconnects:  h.slow.Load(),
		PeakClients:      h.peak.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches the connection to userID.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string, admin bool) {
	select {
	case <-h.stopped:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn, userID, admin)
	if err := h.add(c); err != nil {
		c.reject(err)
		return
	}
	go c.writeLoop()
	go c.readLoop()
}
