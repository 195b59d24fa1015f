package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/landtrust/internal/idgen"
	"github.com/mbd888/landtrust/internal/metrics"
	"github.com/mbd888/landtrust/internal/traces"
)

// OfferStatus is the state of a buy-side offer.
type OfferStatus string

const (
	OfferSent      OfferStatus = "SENT"
	OfferAccepted  OfferStatus = "ACCEPTED"
	OfferCountered OfferStatus = "COUNTERED"
	OfferExpired   OfferStatus = "EXPIRED"
	OfferWithdrawn OfferStatus = "WITHDRAWN"
)

// OfferAction is a response to a SENT offer.
type OfferAction string

const (
	OfferAccept   OfferAction = "ACCEPT"
	OfferCounter  OfferAction = "COUNTER"
	OfferWithdraw OfferAction = "WITHDRAW"
	offerExpire   OfferAction = "EXPIRE"
)

// Offer is a buyer's bid on a listing.
type Offer struct {
	ID                 string      `json:"id"`
	ListingID          string      `json:"listingId"`
	BuyerID            string      `json:"buyerId"`
	SellerID           string      `json:"sellerId"`
	AmountMinor        int64       `json:"amountMinor"`
	CounterAmountMinor int64       `json:"counterAmountMinor,omitempty"`
	Status             OfferStatus `json:"status"`
	TransactionID      string      `json:"transactionId,omitempty"`
	ExpiresAt          time.Time   `json:"expiresAt"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

func (o *Offer) clone() *Offer {
	cp := *o
	return &cp
}

// SubmitOfferRequest contains the parameters for submitting an offer.
type SubmitOfferRequest struct {
	AmountMinor int64 `json:"amountMinor" binding:"required"`
}

// RespondRequest contains a seller or buyer response to an offer.
type RespondRequest struct {
	Action      OfferAction `json:"action" binding:"required"`
	AmountMinor int64       `json:"amountMinor"`
}

// RespondResult is the outcome of RespondToOffer. Transaction is set only
// when the offer was accepted.
type RespondResult struct {
	Offer       *Offer       `json:"offer"`
	Transaction *Transaction `json:"transaction,omitempty"`
}

// OfferLedger manages offers against listings. Offer mutations are serialized
// per listing; acceptance creates the transaction in the same unit of work.
type OfferLedger struct {
	engine *Engine
	ttl    time.Duration
}

// NewOfferLedger creates an offer ledger that hands accepted offers to engine.
func NewOfferLedger(engine *Engine) *OfferLedger {
	return &OfferLedger{engine: engine, ttl: DefaultOfferTTL}
}

// WithTTL overrides how long a SENT offer stays open.
func (l *OfferLedger) WithTTL(ttl time.Duration) *OfferLedger {
	if ttl > 0 {
		l.ttl = ttl
	}
	return l
}

// SubmitOffer records a new SENT offer from actor on a listing.
func (l *OfferLedger) SubmitOffer(ctx context.Context, actor Actor, listingID string, amountMinor int64) (out *Offer, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.SubmitOffer",
		traces.ListingID(listingID), traces.ActorID(actor.ID), traces.AmountMinor(amountMinor))
	defer func() { traces.End(span, err) }()

	e := l.engine
	if actor.ID == "" {
		return nil, unauthorizedError("submitting an offer requires an authenticated actor")
	}
	if amountMinor <= 0 {
		return nil, validationError("offer amount must be positive, got %d", amountMinor)
	}
	listing, err := e.listings.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.SellerID == actor.ID {
		return nil, validationError("seller cannot make an offer on their own listing")
	}
	if !listing.IsActive {
		return nil, conflictError("listing %s is not accepting offers", listingID)
	}

	err = e.mutate(ctx, listingLockKey(listingID), func(tx Tx, fx *effects) error {
		if existing, err := tx.FindSentOffer(ctx, listingID, actor.ID); err == nil {
			return conflictError("buyer %s already has open offer %s on listing %s", actor.ID, existing.ID, listingID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		now := e.now()
		out = &Offer{
			ID:          idgen.WithPrefix("off_"),
			ListingID:   listingID,
			BuyerID:     actor.ID,
			SellerID:    listing.SellerID,
			AmountMinor: amountMinor,
			Status:      OfferSent,
			ExpiresAt:   now.Add(l.ttl),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return tx.CreateOffer(ctx, out)
	})
	if err != nil {
		return nil, err
	}
	metrics.OfferActionsTotal.WithLabelValues("submit").Inc()
	e.log(ctx).Info("offer submitted", "offerId", out.ID, "listingId", listingID, "buyer", actor.ID, "amount", amountMinor)
	return out, nil
}

// RespondToOffer applies ACCEPT, COUNTER or WITHDRAW to a SENT offer. A failed
// acceptance leaves the offer SENT and surfaces the engine's error.
func (l *OfferLedger) RespondToOffer(ctx context.Context, actor Actor, offerID string, req RespondRequest) (res *RespondResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RespondToOffer", traces.OfferID(offerID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	e := l.engine
	var op Operation
	switch req.Action {
	case OfferAccept:
		op = OpAcceptOffer
	case OfferCounter:
		op = OpCounterOffer
		if req.AmountMinor <= 0 {
			return nil, validationError("counter amount must be positive, got %d", req.AmountMinor)
		}
	case OfferWithdraw:
		op = OpWithdrawOffer
	default:
		return nil, validationError("unknown offer action %q", req.Action)
	}

	// the listing id is immutable, so a lock-free read is enough to pick the lock
	current, err := e.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}

	sold := false
	res = &RespondResult{}
	err = e.mutate(ctx, listingLockKey(current.ListingID), func(tx Tx, fx *effects) error {
		sold = false
		o, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if err := authorize(op, actor, o.BuyerID, o.SellerID); err != nil {
			return err
		}
		to, err := nextOfferStatus(o, req.Action)
		if err != nil {
			return err
		}
		now := e.now()
		if now.After(o.ExpiresAt) {
			return &TransitionError{Entity: "offer", ID: o.ID, Current: string(o.Status), Action: string(req.Action),
				Reason: "offer expired at " + o.ExpiresAt.Format(time.RFC3339)}
		}

		from := o.Status
		o.Status = to
		o.UpdatedAt = now
		switch req.Action {
		case OfferAccept:
			t, err := e.createFromOffer(ctx, tx, fx, o, actor.ID, now)
			if err != nil {
				return err
			}
			o.TransactionID = t.ID
			res.Transaction = t
			note := transactionNote(EventOfferAccepted, t, t.AgreedPriceMinor, now)
			note.EntityID = o.ID
			fx.notify(note)
		case OfferCounter:
			o.CounterAmountMinor = req.AmountMinor
			fx.notify(Notification{
				Type:        EventOfferCountered,
				EntityID:    o.ID,
				ListingID:   o.ListingID,
				Recipients:  []string{o.BuyerID},
				AmountMinor: req.AmountMinor,
				OccurredAt:  now,
			})
		}
		if err := tx.UpdateOffer(ctx, o); err != nil {
			return err
		}
		fx.moved("offer", string(from), string(to))
		res.Offer = o

		if req.Action == OfferAccept {
			// last step, so a failure here still rolls the whole unit back
			if err := e.listings.MarkSold(ctx, o.ListingID); err != nil {
				return fmt.Errorf("mark listing %s sold: %w", o.ListingID, err)
			}
			sold = true
		}
		return nil
	})
	if err != nil {
		if sold {
			// commit failed after the listing was marked sold
			if cerr := e.listings.MarkAvailable(ctx, current.ListingID); cerr != nil {
				e.log(ctx).Error("CRITICAL: listing left sold after failed acceptance",
					"listingId", current.ListingID, "offerId", offerID, "error", cerr)
			}
		}
		if errors.Is(err, ErrConflict) && req.Action == OfferAccept {
			e.log(ctx).Warn("offer acceptance lost to an active transaction", "offerId", offerID, "error", err)
		}
		return nil, err
	}

	metrics.OfferActionsTotal.WithLabelValues(string(req.Action)).Inc()
	logger := e.log(ctx).With("offerId", offerID, "listingId", current.ListingID, "action", req.Action)
	if res.Transaction != nil {
		logger = logger.With("transactionId", res.Transaction.ID)
	}
	logger.Info("offer responded")
	return res, nil
}

// SweepExpired expires every SENT offer past its deadline. Repeated and
// concurrent calls are safe.
func (l *OfferLedger) SweepExpired(ctx context.Context) (int, error) {
	e := l.engine
	now := e.now()
	var expired []*Offer
	err := e.store.Atomic(ctx, func(tx Tx) error {
		var err error
		expired, err = tx.ExpireOffers(ctx, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("expire offers: %w", err)
	}
	for _, o := range expired {
		metrics.TransitionsTotal.WithLabelValues("offer", string(OfferSent), string(OfferExpired)).Inc()
		e.logger.Debug("offer expired", "offerId", o.ID, "listingId", o.ListingID, "buyer", o.BuyerID)
	}
	metrics.OfferActionsTotal.WithLabelValues("expire").Add(float64(len(expired)))
	metrics.SweepItemsTotal.WithLabelValues("offers").Add(float64(len(expired)))
	return len(expired), nil
}

// GetOffer returns an offer visible to actor.
func (l *OfferLedger) GetOffer(ctx context.Context, actor Actor, id string) (*Offer, error) {
	o, err := l.engine.store.GetOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(OpViewOffer, actor, o.BuyerID, o.SellerID); err != nil {
		return nil, err
	}
	return o, nil
}

// ListOffers returns offers on a listing. The seller and admins see every
// offer; anyone else sees only their own.
func (l *OfferLedger) ListOffers(ctx context.Context, actor Actor, listingID string, limit int) ([]*Offer, error) {
	if actor.ID == "" {
		return nil, unauthorizedError("listing offers requires an authenticated actor")
	}
	if limit <= 0 {
		limit = 50
	}
	listing, err := l.engine.listings.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	offers, err := l.engine.store.ListOffersByListing(ctx, listingID, limit)
	if err != nil {
		return nil, err
	}
	if listing.SellerID == actor.ID || actor.IsAdmin() {
		return offers, nil
	}
	own := offers[:0]
	for _, o := range offers {
		if o.BuyerID == actor.ID {
			own = append(own, o)
		}
	}
	return own, nil
}

// ListMine returns the offers actor has made as a buyer.
func (l *OfferLedger) ListMine(ctx context.Context, actor Actor, limit int) ([]*Offer, error) {
	if actor.ID == "" {
		return nil, unauthorizedError("listing offers requires an authenticated actor")
	}
	if limit <= 0 {
		limit = 50
	}
	return l.engine.store.ListOffersByBuyer(ctx, actor.ID, limit)
}
