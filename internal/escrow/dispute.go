package escrow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/landtrust/internal/idgen"
	"github.com/mbd888/landtrust/internal/metrics"
	"github.com/mbd888/landtrust/internal/traces"
)

const (
	maxSummaryLen = 4000
	maxMessageLen = 8000
)

// DisputeStatus is the state of a dispute.
type DisputeStatus string

const (
	DisputeOpen           DisputeStatus = "OPEN"
	DisputeUnderReview    DisputeStatus = "UNDER_REVIEW"
	DisputeResolvedBuyer  DisputeStatus = "RESOLVED_BUYER"
	DisputeResolvedSeller DisputeStatus = "RESOLVED_SELLER"
	DisputeResolvedSplit  DisputeStatus = "RESOLVED_SPLIT"
	DisputeClosed         DisputeStatus = "CLOSED"
)

// IsActive reports whether the dispute still blocks its transaction.
func (s DisputeStatus) IsActive() bool {
	return s == DisputeOpen || s == DisputeUnderReview
}

func (s DisputeStatus) IsResolved() bool {
	switch s {
	case DisputeResolvedBuyer, DisputeResolvedSeller, DisputeResolvedSplit:
		return true
	}
	return false
}

// Outcome is an admin's decision on a dispute.
type Outcome string

const (
	OutcomeBuyer  Outcome = "BUYER"
	OutcomeSeller Outcome = "SELLER"
	OutcomeSplit  Outcome = "SPLIT"
)

func (o Outcome) resolvedStatus() (DisputeStatus, bool) {
	switch o {
	case OutcomeBuyer:
		return DisputeResolvedBuyer, true
	case OutcomeSeller:
		return DisputeResolvedSeller, true
	case OutcomeSplit:
		return DisputeResolvedSplit, true
	}
	return "", false
}

// Dispute is a buyer or seller complaint against a funded transaction.
type Dispute struct {
	ID             string           `json:"id"`
	TransactionID  string           `json:"transactionId"`
	Status         DisputeStatus    `json:"status"`
	RaisedByID     string           `json:"raisedById"`
	RaisedByRole   Role             `json:"raisedByRole"`
	Summary        string           `json:"summary"`
	Outcome        Outcome          `json:"outcome,omitempty"`
	Resolution     string           `json:"resolution,omitempty"`
	SellerSharePct *decimal.Decimal `json:"sellerSharePct,omitempty"`
	ResolvedByID   string           `json:"resolvedById,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	ResolvedAt     *time.Time       `json:"resolvedAt,omitempty"`
	ClosedAt       *time.Time       `json:"closedAt,omitempty"`
}

func (d *Dispute) clone() *Dispute {
	cp := *d
	cp.ResolvedAt = cloneTime(d.ResolvedAt)
	cp.ClosedAt = cloneTime(d.ClosedAt)
	if d.SellerSharePct != nil {
		pct := *d.SellerSharePct
		cp.SellerSharePct = &pct
	}
	return &cp
}

// DisputeMessage is one entry in a dispute's append-only thread. Seq gives
// the total order within the thread.
type DisputeMessage struct {
	ID         string    `json:"id"`
	DisputeID  string    `json:"disputeId"`
	Seq        int64     `json:"seq"`
	SenderID   string    `json:"senderId"`
	SenderRole Role      `json:"senderRole"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// OpenDisputeRequest contains the parameters for opening a dispute.
type OpenDisputeRequest struct {
	Summary string `json:"summary" binding:"required"`
}

// MessageRequest contains a new dispute message. SenderRole defaults to the
// sender's relationship to the transaction.
type MessageRequest struct {
	SenderRole Role   `json:"senderRole"`
	Content    string `json:"content" binding:"required"`
}

// ResolveRequest contains an admin's resolution. SellerSharePct is required
// for SPLIT and rejected otherwise.
type ResolveRequest struct {
	Outcome        Outcome          `json:"outcome" binding:"required"`
	Resolution     string           `json:"resolution" binding:"required"`
	SellerSharePct *decimal.Decimal `json:"sellerSharePct"`
}

var hundred = decimal.NewFromInt(100)

// splitAmounts divides price between seller and buyer for outcome. The seller
// share is rounded to the nearest minor unit and the buyer receives the rest.
// A split must leave both sides a positive amount, since the gateway never
// confirms a zero payout or refund.
func splitAmounts(price int64, outcome Outcome, sellerSharePct *decimal.Decimal) (seller, buyer int64, err error) {
	switch outcome {
	case OutcomeSeller:
		return price, 0, nil
	case OutcomeBuyer:
		return 0, price, nil
	case OutcomeSplit:
		if sellerSharePct == nil {
			return 0, 0, validationError("split resolution requires sellerSharePct")
		}
		seller = decimal.NewFromInt(price).Mul(*sellerSharePct).Div(hundred).Round(0).IntPart()
		buyer = price - seller
		if seller <= 0 || buyer <= 0 {
			return 0, 0, validationError("sellerSharePct %s of %d leaves seller %d and buyer %d; both must be positive",
				sellerSharePct, price, seller, buyer)
		}
		return seller, buyer, nil
	}
	return 0, 0, validationError("unknown outcome %q", outcome)
}

func validateResolution(req ResolveRequest) error {
	if _, ok := req.Outcome.resolvedStatus(); !ok {
		return validationError("outcome must be BUYER, SELLER or SPLIT, got %q", req.Outcome)
	}
	if strings.TrimSpace(req.Resolution) == "" {
		return validationError("resolution text is required")
	}
	if req.Outcome == OutcomeSplit {
		if req.SellerSharePct == nil {
			return validationError("split resolution requires sellerSharePct")
		}
		if !req.SellerSharePct.IsPositive() || !req.SellerSharePct.LessThan(hundred) {
			return validationError("sellerSharePct must be between 0 and 100 exclusive, got %s", req.SellerSharePct)
		}
	} else if req.SellerSharePct != nil {
		return validationError("sellerSharePct applies only to SPLIT resolutions")
	}
	return nil
}

// DisputeService runs the dispute lifecycle. Every dispute mutation holds the
// lock of the dispute's transaction, so dispute and transaction changes are
// totally ordered together.
type DisputeService struct {
	engine *Engine
}

// NewDisputeService creates a dispute service driving engine.
func NewDisputeService(engine *Engine) *DisputeService {
	return &DisputeService{engine: engine}
}

// Open raises a dispute on a funded transaction and suspends its release.
func (s *DisputeService) Open(ctx context.Context, actor Actor, txID string, summary string) (out *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OpenDispute", traces.TransactionID(txID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	e := s.engine
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, validationError("dispute summary is required")
	}
	if len(summary) > maxSummaryLen {
		return nil, validationError("dispute summary exceeds %d characters", maxSummaryLen)
	}

	err = e.mutate(ctx, transactionLockKey(txID), func(tx Tx, fx *effects) error {
		t, err := tx.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if err := authorize(OpOpenDispute, actor, t.BuyerID, t.SellerID); err != nil {
			return err
		}
		if active, err := tx.ActiveDisputeForTransaction(ctx, txID); err == nil {
			return conflictError("transaction %s already has open dispute %s", txID, active.ID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if t.Status != StatusFunded && t.Status != StatusVerification {
			return conflictError("transaction %s is %s; disputes require FUNDED or VERIFICATION_PERIOD", txID, t.Status)
		}

		now := e.now()
		role := RoleSeller
		if actor.ID == t.BuyerID {
			role = RoleBuyer
		}
		out = &Dispute{
			ID:            idgen.WithPrefix("dsp_"),
			TransactionID: txID,
			Status:        DisputeOpen,
			RaisedByID:    actor.ID,
			RaisedByRole:  role,
			Summary:       summary,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.CreateDispute(ctx, out); err != nil {
			return err
		}
		if err := e.disputeOpened(ctx, tx, fx, t, out, actor.ID, now); err != nil {
			return err
		}
		fx.moved("dispute", "", string(DisputeOpen))
		note := transactionNote(EventDisputeOpened, t, t.AgreedPriceMinor, now)
		note.EntityID = out.ID
		note.Data = map[string]any{"raisedBy": actor.ID, "raisedByRole": role}
		fx.notify(note)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log(ctx).Info("dispute opened", "disputeId", out.ID, "transactionId", txID, "raisedBy", actor.ID)
	return out, nil
}

// mutateDispute locks the transaction owning disputeID and runs fn with both
// records loaded inside one unit of work.
func (s *DisputeService) mutateDispute(ctx context.Context, disputeID string, fn func(tx Tx, fx *effects, d *Dispute, t *Transaction) error) error {
	e := s.engine
	current, err := e.store.GetDispute(ctx, disputeID)
	if err != nil {
		return err
	}
	return e.mutate(ctx, transactionLockKey(current.TransactionID), func(tx Tx, fx *effects) error {
		d, err := tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		t, err := tx.GetTransaction(ctx, d.TransactionID)
		if err != nil {
			return err
		}
		return fn(tx, fx, d, t)
	})
}

// senderRoleFor checks that actor may speak in role on t. An empty role is
// inferred from the actor's relationship to the transaction.
func senderRoleFor(actor Actor, role Role, t *Transaction) (Role, error) {
	if role == "" {
		switch {
		case actor.ID != "" && actor.ID == t.BuyerID:
			role = RoleBuyer
		case actor.ID != "" && actor.ID == t.SellerID:
			role = RoleSeller
		case actor.IsAdmin():
			role = RoleAdmin
		}
	}
	ok := false
	switch role {
	case RoleBuyer:
		ok = actor.ID != "" && actor.ID == t.BuyerID
	case RoleSeller:
		ok = actor.ID != "" && actor.ID == t.SellerID
	case RoleAdmin:
		ok = actor.IsAdmin()
	}
	if !ok {
		return "", unauthorizedError("actor %s may not post to this dispute as %q", actor.ID, role)
	}
	return role, nil
}

// AppendMessage adds to a dispute's thread. Messages are accepted until the
// dispute is CLOSED.
func (s *DisputeService) AppendMessage(ctx context.Context, actor Actor, disputeID string, req MessageRequest) (out *DisputeMessage, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AppendDisputeMessage", traces.DisputeID(disputeID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, validationError("message content is required")
	}
	if len(content) > maxMessageLen {
		return nil, validationError("message exceeds %d characters", maxMessageLen)
	}

	e := s.engine
	err = s.mutateDispute(ctx, disputeID, func(tx Tx, fx *effects, d *Dispute, t *Transaction) error {
		role, err := senderRoleFor(actor, req.SenderRole, t)
		if err != nil {
			return err
		}
		if d.Status == DisputeClosed {
			return &TransitionError{Entity: "dispute", ID: d.ID, Current: string(d.Status), Action: "append message"}
		}
		now := e.now()
		out = &DisputeMessage{
			ID:         idgen.Ordered("msg_"),
			DisputeID:  d.ID,
			SenderID:   actor.ID,
			SenderRole: role,
			Content:    content,
			CreatedAt:  now,
		}
		if err := tx.AppendDisputeMessage(ctx, out); err != nil {
			return err
		}
		note := transactionNote(EventDisputeMessageAdded, t, 0, now)
		note.EntityID = d.ID
		note.Data = map[string]any{"messageId": out.ID, "senderRole": role}
		fx.notify(note)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StartReview moves an OPEN dispute to UNDER_REVIEW.
func (s *DisputeService) StartReview(ctx context.Context, actor Actor, disputeID string) (out *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReviewDispute", traces.DisputeID(disputeID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	if err := requireAdmin(OpReviewDispute, actor); err != nil {
		return nil, err
	}
	e := s.engine
	err = s.mutateDispute(ctx, disputeID, func(tx Tx, fx *effects, d *Dispute, _ *Transaction) error {
		if err := nextDisputeStatus(d, DisputeUnderReview); err != nil {
			return err
		}
		fx.moved("dispute", string(d.Status), string(DisputeUnderReview))
		d.Status = DisputeUnderReview
		d.UpdatedAt = e.now()
		out = d
		return tx.UpdateDispute(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Resolve records an admin decision and moves the transaction out of
// DISPUTED in the same unit of work.
func (s *DisputeService) Resolve(ctx context.Context, actor Actor, disputeID string, req ResolveRequest) (out *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.DisputeID(disputeID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	if err := requireAdmin(OpResolveDispute, actor); err != nil {
		return nil, err
	}
	if err := validateResolution(req); err != nil {
		return nil, err
	}
	target, _ := req.Outcome.resolvedStatus()

	e := s.engine
	var txn *Transaction
	err = s.mutateDispute(ctx, disputeID, func(tx Tx, fx *effects, d *Dispute, t *Transaction) error {
		if err := nextDisputeStatus(d, target); err != nil {
			return err
		}
		now := e.now()
		from := d.Status
		d.Status = target
		d.Outcome = req.Outcome
		d.Resolution = strings.TrimSpace(req.Resolution)
		d.SellerSharePct = req.SellerSharePct
		d.ResolvedByID = actor.ID
		d.ResolvedAt = &now
		d.UpdatedAt = now

		if err := e.disputeResolved(ctx, tx, fx, t, d, actor.ID, now); err != nil {
			return err
		}
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		fx.moved("dispute", string(from), string(target))
		note := transactionNote(EventDisputeResolved, t, t.AgreedPriceMinor, now)
		note.EntityID = d.ID
		note.Data = map[string]any{
			"outcome":           req.Outcome,
			"sellerPayoutMinor": t.SellerPayoutMinor,
			"buyerRefundMinor":  t.BuyerRefundMinor,
		}
		fx.notify(note)
		out, txn = d, t
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.DisputeResolutionsTotal.WithLabelValues(string(req.Outcome)).Inc()
	e.log(ctx).Info("dispute resolved",
		"disputeId", disputeID, "transactionId", txn.ID, "outcome", req.Outcome,
		"sellerPayout", txn.SellerPayoutMinor, "buyerRefund", txn.BuyerRefundMinor, "admin", actor.ID)
	return out, nil
}

// Close archives a resolved dispute.
func (s *DisputeService) Close(ctx context.Context, actor Actor, disputeID string) (*Dispute, error) {
	if err := requireAdmin(OpCloseDispute, actor); err != nil {
		return nil, err
	}
	e := s.engine
	var out *Dispute
	err := s.mutateDispute(ctx, disputeID, func(tx Tx, fx *effects, d *Dispute, _ *Transaction) error {
		if err := nextDisputeStatus(d, DisputeClosed); err != nil {
			return err
		}
		now := e.now()
		fx.moved("dispute", string(d.Status), string(DisputeClosed))
		d.Status = DisputeClosed
		d.ClosedAt = &now
		d.UpdatedAt = now
		out = d
		return tx.UpdateDispute(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a dispute visible to actor.
func (s *DisputeService) Get(ctx context.Context, actor Actor, id string) (*Dispute, error) {
	d, _, err := s.visible(ctx, actor, id)
	return d, err
}

// Messages returns a dispute's thread in order.
func (s *DisputeService) Messages(ctx context.Context, actor Actor, id string) ([]*DisputeMessage, error) {
	if _, _, err := s.visible(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.engine.store.ListDisputeMessages(ctx, id)
}

func (s *DisputeService) visible(ctx context.Context, actor Actor, id string) (*Dispute, *Transaction, error) {
	store := s.engine.store
	d, err := store.GetDispute(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	t, err := store.GetTransaction(ctx, d.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	if err := authorize(OpViewDispute, actor, t.BuyerID, t.SellerID); err != nil {
		return nil, nil, err
	}
	return d, t, nil
}
