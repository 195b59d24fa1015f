package escrow

import (
	"context"
	"time"

	"github.com/mbd888/landtrust/internal/metrics"
)

// EventType names a notification emitted after a committed transition.
type EventType string

const (
	EventOfferAccepted       EventType = "offer.accepted"
	EventOfferCountered      EventType = "offer.countered"
	EventTransactionFunded   EventType = "transaction.funded"
	EventTransactionReady    EventType = "transaction.ready_to_release"
	EventDisputeOpened       EventType = "dispute.opened"
	EventDisputeResolved     EventType = "dispute.resolved"
	EventTransactionReleased EventType = "transaction.released"
	EventTransactionRefunded EventType = "transaction.refunded"
	EventTransactionClosed   EventType = "transaction.closed"
	EventDisputeMessageAdded EventType = "dispute.message"
)

// Notification is a fire-and-forget side effect of a committed change.
type Notification struct {
	Type          EventType      `json:"type"`
	EntityID      string         `json:"entityId"`
	TransactionID string         `json:"transactionId,omitempty"`
	ListingID     string         `json:"listingId,omitempty"`
	Recipients    []string       `json:"recipients"`
	AmountMinor   int64          `json:"amountMinor,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
}

// Notifier delivers notifications. Implementations must not block the caller
// and must absorb their own failures.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) {}

type stateMove struct {
	entity   string
	from, to string
}

// effects collects what a unit of work wants done once it has committed.
type effects struct {
	notes []Notification
	moves []stateMove
}

func (fx *effects) notify(n Notification) {
	fx.notes = append(fx.notes, n)
}

func (fx *effects) moved(entity, from, to string) {
	fx.moves = append(fx.moves, stateMove{entity: entity, from: from, to: to})
}

// flush runs post-commit effects. Notification failures are the notifier's
// concern and never surface here.
func (fx *effects) flush(ctx context.Context, n Notifier) {
	for _, mv := range fx.moves {
		metrics.TransitionsTotal.WithLabelValues(mv.entity, mv.from, mv.to).Inc()
	}
	for _, note := range fx.notes {
		n.Notify(ctx, note)
	}
}

func transactionNote(typ EventType, t *Transaction, amount int64, now time.Time) Notification {
	return Notification{
		Type:          typ,
		EntityID:      t.ID,
		TransactionID: t.ID,
		ListingID:     t.ListingID,
		Recipients:    []string{t.BuyerID, t.SellerID},
		AmountMinor:   amount,
		OccurredAt:    now,
	}
}
