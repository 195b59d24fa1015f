package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/landtrust/internal/idgen"
	"github.com/mbd888/landtrust/internal/logging"
	"github.com/mbd888/landtrust/internal/metrics"
	"github.com/mbd888/landtrust/internal/syncutil"
	"github.com/mbd888/landtrust/internal/traces"
)

const sweepBatchSize = 100

// Engine owns the transaction state machine. Offer and dispute services reach
// it through the in-package hooks createFromOffer, disputeOpened and
// disputeResolved, which run inside the caller's unit of work.
type Engine struct {
	store    Store
	listings ListingService
	notifier Notifier
	locks    *syncutil.ContextShardedMutex
	holdDays int
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a transaction engine.
func NewEngine(store Store, listings ListingService, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		listings: listings,
		notifier: nopNotifier{},
		locks:    syncutil.NewContextShardedMutex(),
		holdDays: DefaultEscrowHoldDays,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNotifier sets the notification sink.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	if n != nil {
		e.notifier = n
	}
	return e
}

// WithHoldDays overrides the verification hold period.
func (e *Engine) WithHoldDays(days int) *Engine {
	if days > 0 {
		e.holdDays = days
	}
	return e
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// HoldPeriod is the time between funding and the verification deadline.
func (e *Engine) HoldPeriod() time.Duration {
	return time.Duration(e.holdDays) * 24 * time.Hour
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	if reqID := logging.RequestID(ctx); reqID != "" {
		return e.logger.With("request_id", reqID)
	}
	return e.logger
}

func transactionLockKey(id string) string { return "tx:" + id }
func listingLockKey(id string) string     { return "listing:" + id }

func (e *Engine) lock(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	unlock, err := e.locks.LockContext(ctx, key)
	metrics.ObserveLockWait(start)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return unlock, nil
}

// mutate runs fn as one unit of work while holding the lock for key, then
// flushes the unit's effects once committed.
func (e *Engine) mutate(ctx context.Context, key string, fn func(tx Tx, fx *effects) error) error {
	unlock, err := e.lock(ctx, key)
	if err != nil {
		return err
	}
	var fx *effects
	err = e.store.Atomic(ctx, func(tx Tx) error {
		fx = &effects{}
		return fn(tx, fx)
	})
	unlock()
	if err != nil {
		return err
	}
	fx.flush(ctx, e.notifier)
	return nil
}

// apply moves t along action and appends the audit event. The caller persists t.
func (e *Engine) apply(ctx context.Context, tx Tx, fx *effects, t *Transaction, action Action, outcome Outcome, actorID string, now time.Time) error {
	to, err := transitionTo(t, action, outcome)
	if err != nil {
		return err
	}
	from := t.Status
	t.Status = to
	t.UpdatedAt = now
	if err := tx.AppendTransactionEvent(ctx, &TransactionEvent{
		ID:            idgen.Ordered("evt_"),
		TransactionID: t.ID,
		FromStatus:    from,
		ToStatus:      to,
		Action:        action,
		ActorID:       actorID,
		CreatedAt:     now,
	}); err != nil {
		return err
	}
	fx.moved("transaction", string(from), string(to))
	return nil
}

// createFromOffer opens a transaction for an offer being accepted in the same
// unit of work.
func (e *Engine) createFromOffer(ctx context.Context, tx Tx, fx *effects, o *Offer, actorID string, now time.Time) (*Transaction, error) {
	listing, err := e.listings.GetListing(ctx, o.ListingID)
	if err != nil {
		return nil, err
	}
	if !listing.IsActive {
		return nil, conflictError("listing %s is not available", o.ListingID)
	}
	if active, err := tx.ActiveTransactionForListing(ctx, o.ListingID); err == nil {
		return nil, conflictError("listing %s already has active transaction %s", o.ListingID, active.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	t := &Transaction{
		ID:               idgen.WithPrefix("txn_"),
		ListingID:        o.ListingID,
		OfferID:          o.ID,
		BuyerID:          o.BuyerID,
		SellerID:         listing.SellerID,
		AgreedPriceMinor: o.AmountMinor,
		Status:           StatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.CreateTransaction(ctx, t); err != nil {
		return nil, err
	}
	if err := tx.AppendTransactionEvent(ctx, &TransactionEvent{
		ID:            idgen.Ordered("evt_"),
		TransactionID: t.ID,
		ToStatus:      StatusCreated,
		Action:        ActionCreate,
		ActorID:       actorID,
		CreatedAt:     now,
	}); err != nil {
		return nil, err
	}
	fx.moved("transaction", "", string(StatusCreated))
	return t, nil
}

// RequestEscrow moves a CREATED transaction to ESCROW_REQUESTED on behalf of
// its buyer.
func (e *Engine) RequestEscrow(ctx context.Context, actor Actor, txID string) (out *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RequestEscrow", traces.TransactionID(txID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	err = e.mutate(ctx, transactionLockKey(txID), func(tx Tx, fx *effects) error {
		t, err := tx.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if err := authorize(OpRequestEscrow, actor, t.BuyerID, t.SellerID); err != nil {
			return err
		}
		now := e.now()
		if err := e.apply(ctx, tx, fx, t, ActionRequestEscrow, "", actor.ID, now); err != nil {
			return err
		}
		t.EscrowRequestedAt = &now
		out = t
		return tx.UpdateTransaction(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	e.log(ctx).Info("escrow requested", "transactionId", txID, "buyer", out.BuyerID)
	return out, nil
}

// StartVerification opens the verification period of a funded transaction.
// The deadline set at funding is kept.
func (e *Engine) StartVerification(ctx context.Context, actor Actor, txID string) (out *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.StartVerification", traces.TransactionID(txID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	err = e.mutate(ctx, transactionLockKey(txID), func(tx Tx, fx *effects) error {
		t, err := tx.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if err := authorize(OpStartVerification, actor, t.BuyerID, t.SellerID); err != nil {
			return err
		}
		now := e.now()
		if err := e.apply(ctx, tx, fx, t, ActionVerificationStarted, "", actor.ID, now); err != nil {
			return err
		}
		if t.VerificationDeadline == nil {
			deadline := now.Add(e.HoldPeriod())
			t.VerificationDeadline = &deadline
		}
		out = t
		return tx.UpdateTransaction(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReportFunding applies a gateway funding confirmation. Redelivery of a known
// provider reference is a no-op success.
func (e *Engine) ReportFunding(ctx context.Context, txID, providerRef string, amountMinor int64) (out *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReportFunding",
		traces.TransactionID(txID), traces.ProviderRef(providerRef), traces.AmountMinor(amountMinor))
	defer func() { traces.End(span, err) }()
	return e.reportPayment(ctx, DirectionFunding, txID, providerRef, amountMinor)
}

// ReportPayout applies a gateway payout confirmation to the seller.
func (e *Engine) ReportPayout(ctx context.Context, txID, providerRef string, amountMinor int64) (out *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReportPayout",
		traces.TransactionID(txID), traces.ProviderRef(providerRef), traces.AmountMinor(amountMinor))
	defer func() { traces.End(span, err) }()
	return e.reportPayment(ctx, DirectionRelease, txID, providerRef, amountMinor)
}

// ReportRefund applies a gateway refund confirmation to the buyer. For a split
// resolution the buyer's share is recorded without a state change.
func (e *Engine) ReportRefund(ctx context.Context, txID, providerRef string, amountMinor int64) (out *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReportRefund",
		traces.TransactionID(txID), traces.ProviderRef(providerRef), traces.AmountMinor(amountMinor))
	defer func() { traces.End(span, err) }()
	return e.reportPayment(ctx, DirectionRefund, txID, providerRef, amountMinor)
}

func expectedAmount(t *Transaction, dir Direction) int64 {
	switch dir {
	case DirectionRelease:
		return t.ExpectedPayout()
	case DirectionRefund:
		if t.ResolutionOutcome != "" {
			return t.ExpectedRefund()
		}
	}
	return t.AgreedPriceMinor
}

// isSplitRefund reports whether a refund event is the buyer's share of a split
// rather than a full refund.
func isSplitRefund(t *Transaction) bool {
	return t.ResolutionOutcome == OutcomeSplit &&
		(t.Status == StatusReadyToRelease || t.Status == StatusReleased || t.Status == StatusClosed)
}

func (e *Engine) reportPayment(ctx context.Context, dir Direction, txID, providerRef string, amount int64) (*Transaction, error) {
	if txID == "" || providerRef == "" {
		metrics.PaymentEventsTotal.WithLabelValues(string(dir), "rejected").Inc()
		return nil, validationError("transaction id and provider reference are required")
	}
	if amount <= 0 {
		metrics.PaymentEventsTotal.WithLabelValues(string(dir), "rejected").Inc()
		return nil, validationError("amount must be positive, got %d", amount)
	}

	var (
		out       *Transaction
		mismatch  *MismatchError
		duplicate bool
	)
	err := e.mutate(ctx, transactionLockKey(txID), func(tx Tx, fx *effects) error {
		t, err := tx.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		out = t

		prior, err := tx.GetPaymentByProviderRef(ctx, providerRef)
		switch {
		case err == nil:
			if prior.TransactionID != txID || prior.Direction != dir {
				return conflictError("provider reference %s already used for %s on transaction %s",
					providerRef, prior.Direction, prior.TransactionID)
			}
			if prior.Status == PaymentFailed {
				mismatch = &MismatchError{TransactionID: txID, ProviderRef: providerRef, Direction: dir,
					Expected: expectedAmount(t, dir), Got: prior.AmountMinor}
				return nil
			}
			duplicate = true
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}

		now := e.now()
		var action Action
		switch dir {
		case DirectionFunding:
			action = ActionFundingConfirmed
		case DirectionRelease:
			action = ActionPayoutConfirmed
		case DirectionRefund:
			if isSplitRefund(t) {
				done, err := tx.HasPayment(ctx, t.ID, DirectionRefund, PaymentSuccess)
				if err != nil {
					return err
				}
				if done {
					return &TransitionError{Entity: "transaction", ID: t.ID, Current: string(t.Status),
						Action: string(ActionRefundConfirmed), Reason: "split refund already recorded"}
				}
			} else {
				action = ActionRefundConfirmed
			}
		}
		if action != "" {
			if _, err := transitionTo(t, action, ""); err != nil {
				return err
			}
		}

		expected := expectedAmount(t, dir)
		if amount != expected {
			mismatch = &MismatchError{TransactionID: txID, ProviderRef: providerRef, Direction: dir,
				Expected: expected, Got: amount}
			// the failed record is the manual-review flag; the transaction stays as is
			return tx.CreatePayment(ctx, &Payment{
				ID:            idgen.WithPrefix("pay_"),
				TransactionID: txID,
				Direction:     dir,
				AmountMinor:   amount,
				Status:        PaymentFailed,
				ProviderRef:   providerRef,
				FailureReason: FailureAmountMismatch,
				CreatedAt:     now,
			})
		}

		if err := tx.CreatePayment(ctx, &Payment{
			ID:            idgen.WithPrefix("pay_"),
			TransactionID: txID,
			Direction:     dir,
			AmountMinor:   amount,
			Status:        PaymentSuccess,
			ProviderRef:   providerRef,
			CreatedAt:     now,
		}); err != nil {
			return err
		}

		if action == "" {
			note := transactionNote(EventTransactionRefunded, t, amount, now)
			note.Data = map[string]any{"partial": true}
			fx.notify(note)
			return nil
		}
		if err := e.apply(ctx, tx, fx, t, action, "", systemActorID, now); err != nil {
			return err
		}
		switch dir {
		case DirectionFunding:
			deadline := now.Add(e.HoldPeriod())
			t.FundedAt = &now
			t.VerificationDeadline = &deadline
			fx.notify(transactionNote(EventTransactionFunded, t, amount, now))
		case DirectionRelease:
			t.ReleasedAt = &now
			fx.notify(transactionNote(EventTransactionReleased, t, amount, now))
		case DirectionRefund:
			t.RefundedAt = &now
			fx.notify(transactionNote(EventTransactionRefunded, t, amount, now))
		}
		return tx.UpdateTransaction(ctx, t)
	})

	logger := e.log(ctx).With("transactionId", txID, "providerRef", providerRef, "direction", dir, "amount", amount)
	switch {
	case err != nil:
		metrics.PaymentEventsTotal.WithLabelValues(string(dir), "rejected").Inc()
		logger.Warn("gateway event rejected", "error", err)
		return nil, err
	case mismatch != nil:
		metrics.PaymentEventsTotal.WithLabelValues(string(dir), "mismatch").Inc()
		logger.Error("CRITICAL: gateway amount mismatch, payment flagged for manual review",
			"expected", mismatch.Expected, "got", mismatch.Got)
		return nil, mismatch
	case duplicate:
		metrics.PaymentEventsTotal.WithLabelValues(string(dir), "duplicate").Inc()
		logger.Info("duplicate gateway event ignored")
		return out, nil
	}
	metrics.PaymentEventsTotal.WithLabelValues(string(dir), "applied").Inc()
	logger.Info("gateway event applied", "status", out.Status)
	return out, nil
}

// AdvanceDue moves every funded transaction whose verification deadline has
// passed, and which has no open dispute, to READY_TO_RELEASE. It is safe to
// run concurrently and repeatedly.
func (e *Engine) AdvanceDue(ctx context.Context) (int, error) {
	now := e.now()
	due, err := e.store.ListTransactionsDue(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due transactions: %w", err)
	}

	advanced := 0
	for _, t := range due {
		moved, err := e.advance(ctx, t.ID, now)
		if err != nil {
			if errors.Is(err, ErrInvalidState) {
				// raced with a dispute or another sweeper
				e.logger.Debug("skipping transaction no longer due", "transactionId", t.ID, "error", err)
				continue
			}
			e.logger.Warn("failed to advance transaction", "transactionId", t.ID, "error", err)
			continue
		}
		if moved {
			advanced++
			e.logger.Info("verification period ended", "transactionId", t.ID, "seller", t.SellerID)
		}
	}
	metrics.SweepItemsTotal.WithLabelValues("verification").Add(float64(advanced))
	return advanced, nil
}

func (e *Engine) advance(ctx context.Context, txID string, now time.Time) (bool, error) {
	moved := false
	err := e.mutate(ctx, transactionLockKey(txID), func(tx Tx, fx *effects) error {
		t, err := tx.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if t.Status != StatusFunded && t.Status != StatusVerification {
			return nil
		}
		if t.VerificationDeadline == nil || now.Before(*t.VerificationDeadline) {
			return nil
		}
		if _, err := tx.ActiveDisputeForTransaction(ctx, txID); err == nil {
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		if t.Status == StatusFunded {
			if err := e.apply(ctx, tx, fx, t, ActionVerificationStarted, "", systemActorID, now); err != nil {
				return err
			}
		}
		if err := e.apply(ctx, tx, fx, t, ActionDeadlinePassed, "", systemActorID, now); err != nil {
			return err
		}
		fx.notify(transactionNote(EventTransactionReady, t, t.ExpectedPayout(), now))
		moved = true
		return tx.UpdateTransaction(ctx, t)
	})
	return moved, err
}

// disputeOpened suspends advancement of t for dispute d.
func (e *Engine) disputeOpened(ctx context.Context, tx Tx, fx *effects, t *Transaction, d *Dispute, actorID string, now time.Time) error {
	if err := e.apply(ctx, tx, fx, t, ActionDisputeOpened, "", actorID, now); err != nil {
		return err
	}
	t.DisputeID = d.ID
	return tx.UpdateTransaction(ctx, t)
}

// disputeResolved applies the outcome of d to t and fixes the amounts the
// gateway must later confirm.
func (e *Engine) disputeResolved(ctx context.Context, tx Tx, fx *effects, t *Transaction, d *Dispute, actorID string, now time.Time) error {
	sellerShare, buyerShare, err := splitAmounts(t.AgreedPriceMinor, d.Outcome, d.SellerSharePct)
	if err != nil {
		return err
	}
	if err := e.apply(ctx, tx, fx, t, ActionDisputeResolved, d.Outcome, actorID, now); err != nil {
		return err
	}
	t.ResolutionOutcome = d.Outcome
	t.SellerPayoutMinor = sellerShare
	t.BuyerRefundMinor = buyerShare
	t.ResolvedAt = &now
	return tx.UpdateTransaction(ctx, t)
}

// Close archives a released or refunded transaction. Closing a refunded
// transaction returns the listing to the market.
func (e *Engine) Close(ctx context.Context, actor Actor, txID string) (out *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Close", traces.TransactionID(txID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	if err := requireAdmin(OpCloseTransaction, actor); err != nil {
		return nil, err
	}
	relisted := ""
	err = e.mutate(ctx, transactionLockKey(txID), func(tx Tx, fx *effects) error {
		t, err := tx.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		refunded := t.Status == StatusRefunded
		now := e.now()
		if err := e.apply(ctx, tx, fx, t, ActionClose, "", actor.ID, now); err != nil {
			return err
		}
		t.ClosedAt = &now
		if t.DisputeID != "" {
			d, err := tx.GetDispute(ctx, t.DisputeID)
			if err != nil {
				return err
			}
			if d.Status.IsResolved() {
				fx.moved("dispute", string(d.Status), string(DisputeClosed))
				d.Status = DisputeClosed
				d.ClosedAt = &now
				d.UpdatedAt = now
				if err := tx.UpdateDispute(ctx, d); err != nil {
					return err
				}
			}
		}
		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return err
		}
		if refunded {
			// last step, so a failure here still rolls the whole unit back
			if err := e.listings.MarkAvailable(ctx, t.ListingID); err != nil {
				return fmt.Errorf("mark listing %s available: %w", t.ListingID, err)
			}
			relisted = t.ListingID
		}
		fx.notify(transactionNote(EventTransactionClosed, t, 0, now))
		out = t
		return nil
	})
	if err != nil {
		if relisted != "" {
			// commit failed after the listing went back on the market
			if cerr := e.listings.MarkSold(ctx, relisted); cerr != nil {
				e.log(ctx).Error("CRITICAL: listing relisted for a transaction that did not close",
					"listingId", relisted, "transactionId", txID, "error", cerr)
			}
		}
		return nil, err
	}
	e.log(ctx).Info("transaction closed", "transactionId", txID, "admin", actor.ID)
	return out, nil
}

// Get returns a transaction visible to actor.
func (e *Engine) Get(ctx context.Context, actor Actor, id string) (*Transaction, error) {
	t, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(OpViewTransaction, actor, t.BuyerID, t.SellerID); err != nil {
		return nil, err
	}
	return t, nil
}

// ListForParty returns transactions where actor is buyer or seller.
func (e *Engine) ListForParty(ctx context.Context, actor Actor, limit int) ([]*Transaction, error) {
	if actor.ID == "" {
		return nil, unauthorizedError("listing transactions requires an authenticated actor")
	}
	if limit <= 0 {
		limit = 50
	}
	return e.store.ListTransactionsByParty(ctx, actor.ID, limit)
}

// History returns the audit trail of a transaction.
func (e *Engine) History(ctx context.Context, actor Actor, id string) ([]*TransactionEvent, error) {
	if _, err := e.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return e.store.ListTransactionEvents(ctx, id)
}

// Payments returns the gateway events recorded for a transaction.
func (e *Engine) Payments(ctx context.Context, actor Actor, id string) ([]*Payment, error) {
	if _, err := e.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return e.store.ListPayments(ctx, id)
}

// PaymentsForReview lists payments flagged for manual review.
func (e *Engine) PaymentsForReview(ctx context.Context, actor Actor, limit int) ([]*Payment, error) {
	if err := requireAdmin(OpReviewPayments, actor); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return e.store.ListPaymentsByStatus(ctx, PaymentFailed, limit)
}
