package notify

import (
	"context"

	"github.com/mbd888/landtrust/internal/escrow"
	"github.com/mbd888/landtrust/internal/realtime"
)

// broadcaster is the subset of *realtime.Hub used by RealtimeSink.
type broadcaster interface {
	Broadcast(event *realtime.Event) error
}

// RealtimeSink pushes notifications to connected WebSocket clients.
type RealtimeSink struct {
	hub broadcaster
}

// NewRealtimeSink wraps a hub, usually a *realtime.Hub.
func NewRealtimeSink(hub broadcaster) *RealtimeSink {
	return &RealtimeSink{hub: hub}
}

func (s *RealtimeSink) Name() string { return "realtime" }

// Deliver hands n to the hub. A full hub buffer is returned as a retryable
// error.
func (s *RealtimeSink) Deliver(_ context.Context, n escrow.Notification) error {
	data := map[string]any{}
	if n.ListingID != "" {
		data["listingId"] = n.ListingID
	}
	if n.AmountMinor != 0 {
		data["amountMinor"] = n.AmountMinor
	}
	for k, v := range n.Data {
		data[k] = v
	}
	return s.hub.Broadcast(&realtime.Event{
		Type:          string(n.Type),
		EntityID:      n.EntityID,
		TransactionID: n.TransactionID,
		Recipients:    n.Recipients,
		Timestamp:     n.OccurredAt,
		Data:          data,
	})
}
