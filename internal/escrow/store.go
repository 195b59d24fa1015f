package escrow

import (
	"context"
	"time"
)

// Reader serves committed state. Reads never take entity locks.
type Reader interface {
	GetOffer(ctx context.Context, id string) (*Offer, error)
	ListOffersByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error)
	ListOffersByBuyer(ctx context.Context, buyerID string, limit int) ([]*Offer, error)

	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactionsByParty(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	// ListTransactionsDue returns FUNDED and VERIFICATION_PERIOD transactions
	// whose verification deadline is at or before now.
	ListTransactionsDue(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
	ListTransactionEvents(ctx context.Context, transactionID string) ([]*TransactionEvent, error)

	ListPayments(ctx context.Context, transactionID string) ([]*Payment, error)
	ListPaymentsByStatus(ctx context.Context, status PaymentStatus, limit int) ([]*Payment, error)

	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ListDisputeMessages(ctx context.Context, disputeID string) ([]*DisputeMessage, error)

	Ping(ctx context.Context) error
}

// Tx is a unit of work. Reads through a Tx see the unit's own writes, and
// Get* methods lock the row for the rest of the unit where the backend
// supports it. Create* methods return an error wrapping ErrConflict when a
// uniqueness rule would be broken:
//   - one SENT offer per (listing, buyer)
//   - one non-terminal transaction per listing
//   - one payment per provider reference
//   - one OPEN/UNDER_REVIEW dispute per transaction
type Tx interface {
	GetOffer(ctx context.Context, id string) (*Offer, error)
	FindSentOffer(ctx context.Context, listingID, buyerID string) (*Offer, error)
	CreateOffer(ctx context.Context, o *Offer) error
	UpdateOffer(ctx context.Context, o *Offer) error
	// ExpireOffers moves every SENT offer with ExpiresAt strictly before now to
	// EXPIRED and returns the moved offers. An offer is still live at the
	// instant it expires.
	ExpireOffers(ctx context.Context, now time.Time) ([]*Offer, error)

	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ActiveTransactionForListing(ctx context.Context, listingID string) (*Transaction, error)
	CreateTransaction(ctx context.Context, t *Transaction) error
	UpdateTransaction(ctx context.Context, t *Transaction) error
	AppendTransactionEvent(ctx context.Context, e *TransactionEvent) error

	GetPaymentByProviderRef(ctx context.Context, providerRef string) (*Payment, error)
	HasPayment(ctx context.Context, transactionID string, direction Direction, status PaymentStatus) (bool, error)
	CreatePayment(ctx context.Context, p *Payment) error

	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ActiveDisputeForTransaction(ctx context.Context, transactionID string) (*Dispute, error)
	CreateDispute(ctx context.Context, d *Dispute) error
	UpdateDispute(ctx context.Context, d *Dispute) error
	AppendDisputeMessage(ctx context.Context, m *DisputeMessage) error
}

// Store persists marketplace records.
type Store interface {
	Reader
	// Atomic runs fn as one unit of work. If fn returns an error nothing it
	// wrote becomes visible.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}
