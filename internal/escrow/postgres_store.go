package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists marketplace records in PostgreSQL. Uniqueness rules
// are partial unique indexes (see migrations); a violation surfaces as
// ErrConflict.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Atomic runs fn inside a database transaction. Rows read through the Tx are
// locked with SELECT ... FOR UPDATE until commit.
func (p *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	if err := fn(&pgTx{q: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return translateError(fmt.Errorf("commit unit of work: %w", err))
	}
	return nil
}

// translateError maps constraint and concurrency failures onto the error
// taxonomy.
func translateError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return fmt.Errorf("%w: %s violates %s", ErrConflict, pqErr.Table, pqErr.Constraint)
		case "serialization_failure", "deadlock_detected":
			return fmt.Errorf("%w: concurrent update, retry: %v", ErrConflict, err)
		}
	}
	return err
}

// --- Reader ---

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	return getOffer(ctx, p.db, id, false)
}

func (p *PostgresStore) ListOffersByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error) {
	return queryOffers(ctx, p.db, `
		SELECT `+offerColumns+` FROM offers
		WHERE listing_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, listingID, limit)
}

func (p *PostgresStore) ListOffersByBuyer(ctx context.Context, buyerID string, limit int) ([]*Offer, error) {
	return queryOffers(ctx, p.db, `
		SELECT `+offerColumns+` FROM offers
		WHERE buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, buyerID, limit)
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return getTransaction(ctx, p.db, id, false)
}

func (p *PostgresStore) ListTransactionsByParty(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	return queryTransactions(ctx, p.db, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
}

func (p *PostgresStore) ListTransactionsDue(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return queryTransactions(ctx, p.db, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status IN ('FUNDED', 'VERIFICATION_PERIOD')
		  AND verification_deadline <= $1
		ORDER BY verification_deadline
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListTransactionEvents(ctx context.Context, transactionID string) ([]*TransactionEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, from_status, to_status, action, actor_id, created_at
		FROM transaction_events
		WHERE transaction_id = $1
		ORDER BY seq`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*TransactionEvent
	for rows.Next() {
		ev := &TransactionEvent{}
		var from sql.NullString
		var to, action string
		if err := rows.Scan(&ev.ID, &ev.TransactionID, &from, &to, &action, &ev.ActorID, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.FromStatus = Status(from.String)
		ev.ToStatus = Status(to)
		ev.Action = Action(action)
		result = append(result, ev)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListPayments(ctx context.Context, transactionID string) ([]*Payment, error) {
	return queryPayments(ctx, p.db, `
		SELECT `+paymentColumns+` FROM payments
		WHERE transaction_id = $1
		ORDER BY created_at`, transactionID)
}

func (p *PostgresStore) ListPaymentsByStatus(ctx context.Context, status PaymentStatus, limit int) ([]*Payment, error) {
	return queryPayments(ctx, p.db, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return getDispute(ctx, p.db, id, false)
}

func (p *PostgresStore) ListDisputeMessages(ctx context.Context, disputeID string) ([]*DisputeMessage, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, seq, sender_id, sender_role, content, created_at
		FROM dispute_messages
		WHERE dispute_id = $1
		ORDER BY seq`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*DisputeMessage
	for rows.Next() {
		m := &DisputeMessage{}
		var role string
		if err := rows.Scan(&m.ID, &m.DisputeID, &m.Seq, &m.SenderID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SenderRole = Role(role)
		result = append(result, m)
	}
	return result, rows.Err()
}

// --- unit of work ---

type pgTx struct {
	q queryer
}

func (t *pgTx) GetOffer(ctx context.Context, id string) (*Offer, error) {
	return getOffer(ctx, t.q, id, true)
}

func (t *pgTx) FindSentOffer(ctx context.Context, listingID, buyerID string) (*Offer, error) {
	row := t.q.QueryRowContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE listing_id = $1 AND buyer_id = $2 AND status = 'SENT'
		FOR UPDATE`, listingID, buyerID)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("sent offer for listing", listingID)
	}
	return o, err
}

func (t *pgTx) CreateOffer(ctx context.Context, o *Offer) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.ListingID, o.BuyerID, o.SellerID, o.AmountMinor, nullInt64(o.CounterAmountMinor),
		string(o.Status), nullString(o.TransactionID), o.ExpiresAt, o.CreatedAt, o.UpdatedAt,
	)
	return translateError(err)
}

func (t *pgTx) UpdateOffer(ctx context.Context, o *Offer) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE offers SET
			status = $1, counter_amount_minor = $2, transaction_id = $3, updated_at = $4
		WHERE id = $5`,
		string(o.Status), nullInt64(o.CounterAmountMinor), nullString(o.TransactionID), o.UpdatedAt, o.ID,
	)
	return checkUpdated(result, translateError(err), "offer", o.ID)
}

func (t *pgTx) ExpireOffers(ctx context.Context, now time.Time) ([]*Offer, error) {
	return queryOffers(ctx, t.q, `
		UPDATE offers SET status = 'EXPIRED', updated_at = $1
		WHERE status = 'SENT' AND expires_at < $1
		RETURNING `+offerColumns, now)
}

func (t *pgTx) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return getTransaction(ctx, t.q, id, true)
}

func (t *pgTx) ActiveTransactionForListing(ctx context.Context, listingID string) (*Transaction, error) {
	row := t.q.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE listing_id = $1 AND status NOT IN ('RELEASED', 'REFUNDED', 'CLOSED')
		LIMIT 1
		FOR UPDATE`, listingID)
	tr, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("active transaction for listing", listingID)
	}
	return tr, err
}

func (t *pgTx) CreateTransaction(ctx context.Context, tr *Transaction) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		tr.ID, tr.ListingID, tr.OfferID, tr.BuyerID, tr.SellerID, tr.AgreedPriceMinor,
		string(tr.Status), nullString(tr.DisputeID), nullString(string(tr.ResolutionOutcome)),
		tr.SellerPayoutMinor, tr.BuyerRefundMinor,
		nullTime(tr.EscrowRequestedAt), nullTime(tr.FundedAt), nullTime(tr.VerificationDeadline),
		nullTime(tr.ResolvedAt), nullTime(tr.ReleasedAt), nullTime(tr.RefundedAt), nullTime(tr.ClosedAt),
		tr.CreatedAt, tr.UpdatedAt,
	)
	return translateError(err)
}

func (t *pgTx) UpdateTransaction(ctx context.Context, tr *Transaction) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, dispute_id = $2, resolution_outcome = $3,
			seller_payout_minor = $4, buyer_refund_minor = $5,
			escrow_requested_at = $6, funded_at = $7, verification_deadline = $8,
			resolved_at = $9, released_at = $10, refunded_at = $11, closed_at = $12,
			updated_at = $13
		WHERE id = $14`,
		string(tr.Status), nullString(tr.DisputeID), nullString(string(tr.ResolutionOutcome)),
		tr.SellerPayoutMinor, tr.BuyerRefundMinor,
		nullTime(tr.EscrowRequestedAt), nullTime(tr.FundedAt), nullTime(tr.VerificationDeadline),
		nullTime(tr.ResolvedAt), nullTime(tr.ReleasedAt), nullTime(tr.RefundedAt), nullTime(tr.ClosedAt),
		tr.UpdatedAt, tr.ID,
	)
	return checkUpdated(result, translateError(err), "transaction", tr.ID)
}

func (t *pgTx) AppendTransactionEvent(ctx context.Context, e *TransactionEvent) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO transaction_events (id, transaction_id, from_status, to_status, action, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.TransactionID, nullString(string(e.FromStatus)), string(e.ToStatus),
		string(e.Action), e.ActorID, e.CreatedAt,
	)
	return translateError(err)
}

func (t *pgTx) GetPaymentByProviderRef(ctx context.Context, providerRef string) (*Payment, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider_ref = $1`, providerRef)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("payment", providerRef)
	}
	return pay, err
}

func (t *pgTx) HasPayment(ctx context.Context, transactionID string, direction Direction, status PaymentStatus) (bool, error) {
	var exists bool
	err := t.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payments
			WHERE transaction_id = $1 AND direction = $2 AND status = $3
		)`, transactionID, string(direction), string(status)).Scan(&exists)
	return exists, err
}

func (t *pgTx) CreatePayment(ctx context.Context, pay *Payment) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		pay.ID, pay.TransactionID, string(pay.Direction), pay.AmountMinor, string(pay.Status),
		pay.ProviderRef, nullString(pay.FailureReason), pay.CreatedAt,
	)
	return translateError(err)
}

func (t *pgTx) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return getDispute(ctx, t.q, id, true)
}

func (t *pgTx) ActiveDisputeForTransaction(ctx context.Context, transactionID string) (*Dispute, error) {
	row := t.q.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE transaction_id = $1 AND status IN ('OPEN', 'UNDER_REVIEW')
		FOR UPDATE`, transactionID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("active dispute for transaction", transactionID)
	}
	return d, err
}

func (t *pgTx) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, d.TransactionID, string(d.Status), d.RaisedByID, string(d.RaisedByRole), d.Summary,
		nullString(string(d.Outcome)), nullString(d.Resolution), nullDecimal(d.SellerSharePct),
		nullString(d.ResolvedByID), d.CreatedAt, d.UpdatedAt, nullTime(d.ResolvedAt), nullTime(d.ClosedAt),
	)
	return translateError(err)
}

func (t *pgTx) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, outcome = $2, resolution = $3, seller_share_pct = $4,
			resolved_by_id = $5, updated_at = $6, resolved_at = $7, closed_at = $8
		WHERE id = $9`,
		string(d.Status), nullString(string(d.Outcome)), nullString(d.Resolution), nullDecimal(d.SellerSharePct),
		nullString(d.ResolvedByID), d.UpdatedAt, nullTime(d.ResolvedAt), nullTime(d.ClosedAt), d.ID,
	)
	return checkUpdated(result, translateError(err), "dispute", d.ID)
}

func (t *pgTx) AppendDisputeMessage(ctx context.Context, m *DisputeMessage) error {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO dispute_messages (id, dispute_id, sender_id, sender_role, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq`,
		m.ID, m.DisputeID, m.SenderID, string(m.SenderRole), m.Content, m.CreatedAt,
	).Scan(&m.Seq)
	return translateError(err)
}

// --- row mapping ---

const offerColumns = `id, listing_id, buyer_id, seller_id, amount_minor, counter_amount_minor,
		status, transaction_id, expires_at, created_at, updated_at`

const transactionColumns = `id, listing_id, offer_id, buyer_id, seller_id, agreed_price_minor,
		status, dispute_id, resolution_outcome, seller_payout_minor, buyer_refund_minor,
		escrow_requested_at, funded_at, verification_deadline,
		resolved_at, released_at, refunded_at, closed_at, created_at, updated_at`

const paymentColumns = `id, transaction_id, direction, amount_minor, status, provider_ref, failure_reason, created_at`

const disputeColumns = `id, transaction_id, status, raised_by_id, raised_by_role, summary,
		outcome, resolution, seller_share_pct, resolved_by_id,
		created_at, updated_at, resolved_at, closed_at`

func forUpdate(lock bool) string {
	if lock {
		return " FOR UPDATE"
	}
	return ""
}

func getOffer(ctx context.Context, q queryer, id string, lock bool) (*Offer, error) {
	row := q.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`+forUpdate(lock), id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("offer", id)
	}
	return o, err
}

func getTransaction(ctx context.Context, q queryer, id string, lock bool) (*Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`+forUpdate(lock), id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("transaction", id)
	}
	return t, err
}

func getDispute(ctx context.Context, q queryer, id string, lock bool) (*Dispute, error) {
	row := q.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`+forUpdate(lock), id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("dispute", id)
	}
	return d, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOffer(s scanner) (*Offer, error) {
	o := &Offer{}
	var (
		counter sql.NullInt64
		status  string
		txID    sql.NullString
	)
	err := s.Scan(
		&o.ID, &o.ListingID, &o.BuyerID, &o.SellerID, &o.AmountMinor, &counter,
		&status, &txID, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = OfferStatus(status)
	o.CounterAmountMinor = counter.Int64
	o.TransactionID = txID.String
	return o, nil
}

func queryOffers(ctx context.Context, q queryer, query string, args ...any) ([]*Offer, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		status            string
		disputeID         sql.NullString
		outcome           sql.NullString
		escrowRequestedAt sql.NullTime
		fundedAt          sql.NullTime
		deadline          sql.NullTime
		resolvedAt        sql.NullTime
		releasedAt        sql.NullTime
		refundedAt        sql.NullTime
		closedAt          sql.NullTime
	)
	err := s.Scan(
		&t.ID, &t.ListingID, &t.OfferID, &t.BuyerID, &t.SellerID, &t.AgreedPriceMinor,
		&status, &disputeID, &outcome, &t.SellerPayoutMinor, &t.BuyerRefundMinor,
		&escrowRequestedAt, &fundedAt, &deadline,
		&resolvedAt, &releasedAt, &refundedAt, &closedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.DisputeID = disputeID.String
	t.ResolutionOutcome = Outcome(outcome.String)
	t.EscrowRequestedAt = timePtr(escrowRequestedAt)
	t.FundedAt = timePtr(fundedAt)
	t.VerificationDeadline = timePtr(deadline)
	t.ResolvedAt = timePtr(resolvedAt)
	t.ReleasedAt = timePtr(releasedAt)
	t.RefundedAt = timePtr(refundedAt)
	t.ClosedAt = timePtr(closedAt)
	return t, nil
}

func queryTransactions(ctx context.Context, q queryer, query string, args ...any) ([]*Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func scanPayment(s scanner) (*Payment, error) {
	pay := &Payment{}
	var (
		direction string
		status    string
		reason    sql.NullString
	)
	if err := s.Scan(&pay.ID, &pay.TransactionID, &direction, &pay.AmountMinor, &status,
		&pay.ProviderRef, &reason, &pay.CreatedAt); err != nil {
		return nil, err
	}
	pay.Direction = Direction(direction)
	pay.Status = PaymentStatus(status)
	pay.FailureReason = reason.String
	return pay, nil
}

func queryPayments(ctx context.Context, q queryer, query string, args ...any) ([]*Payment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		role       string
		outcome    sql.NullString
		resolution sql.NullString
		pct        decimal.NullDecimal
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
		closedAt   sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.TransactionID, &status, &d.RaisedByID, &role, &d.Summary,
		&outcome, &resolution, &pct, &resolvedBy,
		&d.CreatedAt, &d.UpdatedAt, &resolvedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = DisputeStatus(status)
	d.RaisedByRole = Role(role)
	d.Outcome = Outcome(outcome.String)
	d.Resolution = resolution.String
	if pct.Valid {
		v := pct.Decimal
		d.SellerSharePct = &v
	}
	d.ResolvedByID = resolvedBy.String
	d.ResolvedAt = timePtr(resolvedAt)
	d.ClosedAt = timePtr(closedAt)
	return d, nil
}

func checkUpdated(result sql.Result, err error, entity, id string) error {
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFoundError(entity, id)
	}
	return nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgTx)(nil)
)
