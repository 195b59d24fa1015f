// Package escrow implements the money-holding core of the land marketplace:
// offers against listings, the escrow transaction lifecycle, and disputes.
//
// Flow:
//  1. Buyer submits an offer; seller accepts → transaction CREATED, listing marked sold
//  2. Buyer requests escrow; the payment gateway reports funding → FUNDED
//  3. Verification period runs until the hold deadline → READY_TO_RELEASE
//  4. Either party may dispute while funded; an admin resolves for buyer,
//     seller, or a split → REFUND_PENDING or READY_TO_RELEASE
//  5. Gateway reports payout or refund → RELEASED / REFUNDED; admin closes
//
// Every mutation runs inside one Store unit of work while holding the lock of
// the transaction (or listing, for offers) it touches. Reads take no entity lock.
package escrow

import (
	"context"
	"time"
)

// Policy defaults.
const (
	DefaultEscrowHoldDays = 7
	DefaultOfferTTL       = 72 * time.Hour
)

// Status is the state of an escrow transaction.
type Status string

const (
	StatusCreated         Status = "CREATED"
	StatusEscrowRequested Status = "ESCROW_REQUESTED"
	StatusFunded          Status = "FUNDED"
	StatusVerification    Status = "VERIFICATION_PERIOD"
	StatusReadyToRelease  Status = "READY_TO_RELEASE"
	StatusDisputed        Status = "DISPUTED"
	StatusRefundPending   Status = "REFUND_PENDING"
	StatusReleased        Status = "RELEASED"
	StatusRefunded        Status = "REFUNDED"
	StatusClosed          Status = "CLOSED"
)

// AllStatuses lists every transaction state.
var AllStatuses = []Status{
	StatusCreated, StatusEscrowRequested, StatusFunded, StatusVerification,
	StatusReadyToRelease, StatusDisputed, StatusRefundPending,
	StatusReleased, StatusRefunded, StatusClosed,
}

// IsTerminal reports whether the transaction no longer blocks its listing.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusClosed:
		return true
	}
	return false
}

// Transaction is the escrow record created from an accepted offer. Records
// are never deleted.
type Transaction struct {
	ID                   string     `json:"id"`
	ListingID            string     `json:"listingId"`
	OfferID              string     `json:"offerId"`
	BuyerID              string     `json:"buyerId"`
	SellerID             string     `json:"sellerId"`
	AgreedPriceMinor     int64      `json:"agreedPriceMinor"`
	Status               Status     `json:"status"`
	DisputeID            string     `json:"disputeId,omitempty"`
	ResolutionOutcome    Outcome    `json:"resolutionOutcome,omitempty"`
	SellerPayoutMinor    int64      `json:"sellerPayoutMinor"`
	BuyerRefundMinor     int64      `json:"buyerRefundMinor"`
	EscrowRequestedAt    *time.Time `json:"escrowRequestedAt,omitempty"`
	FundedAt             *time.Time `json:"fundedAt,omitempty"`
	VerificationDeadline *time.Time `json:"verificationDeadline,omitempty"`
	ResolvedAt           *time.Time `json:"resolvedAt,omitempty"`
	ReleasedAt           *time.Time `json:"releasedAt,omitempty"`
	RefundedAt           *time.Time `json:"refundedAt,omitempty"`
	ClosedAt             *time.Time `json:"closedAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// IsParty reports whether userID is the buyer or seller.
func (t *Transaction) IsParty(userID string) bool {
	return userID != "" && (userID == t.BuyerID || userID == t.SellerID)
}

// ExpectedPayout is the amount the gateway must report for the seller payout.
func (t *Transaction) ExpectedPayout() int64 {
	if t.ResolutionOutcome != "" {
		return t.SellerPayoutMinor
	}
	return t.AgreedPriceMinor
}

// ExpectedRefund is the amount the gateway must report for the buyer refund.
func (t *Transaction) ExpectedRefund() int64 {
	return t.BuyerRefundMinor
}

func (t *Transaction) clone() *Transaction {
	cp := *t
	cp.EscrowRequestedAt = cloneTime(t.EscrowRequestedAt)
	cp.FundedAt = cloneTime(t.FundedAt)
	cp.VerificationDeadline = cloneTime(t.VerificationDeadline)
	cp.ResolvedAt = cloneTime(t.ResolvedAt)
	cp.ReleasedAt = cloneTime(t.ReleasedAt)
	cp.RefundedAt = cloneTime(t.RefundedAt)
	cp.ClosedAt = cloneTime(t.ClosedAt)
	return &cp
}

// TransactionEvent is one applied transition in a transaction's audit trail.
type TransactionEvent struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	FromStatus    Status    `json:"fromStatus,omitempty"`
	ToStatus      Status    `json:"toStatus"`
	Action        Action    `json:"action"`
	ActorID       string    `json:"actorId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Direction is the money flow a payment record describes.
type Direction string

const (
	DirectionFunding Direction = "FUNDING"
	DirectionRelease Direction = "RELEASE"
	DirectionRefund  Direction = "REFUND"
)

// PaymentStatus is the gateway-reported outcome of a payment.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

// FailureAmountMismatch marks a payment held for manual review.
const FailureAmountMismatch = "amount_mismatch"

// Payment records one gateway event. ProviderRef is globally unique and
// serves as the idempotency key for redelivered events.
type Payment struct {
	ID            string        `json:"id"`
	TransactionID string        `json:"transactionId"`
	Direction     Direction     `json:"direction"`
	AmountMinor   int64         `json:"amountMinor"`
	Status        PaymentStatus `json:"status"`
	ProviderRef   string        `json:"providerRef"`
	FailureReason string        `json:"failureReason,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// Listing is the slice of a marketplace listing the core reads.
type Listing struct {
	ID         string
	SellerID   string
	PriceMinor int64
	IsActive   bool
}

// ListingService abstracts the listing catalogue so escrow doesn't import it.
// GetListing returns an error wrapping ErrNotFound for unknown ids.
type ListingService interface {
	GetListing(ctx context.Context, id string) (*Listing, error)
	MarkSold(ctx context.Context, id string) error
	MarkAvailable(ctx context.Context, id string) error
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
