package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHappyPath_ReleaseAfterVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := f.accepted(t, testPrice)
	assert.Equal(t, StatusCreated, tx.Status)
	assert.Equal(t, testPrice, tx.AgreedPriceMinor)
	assert.False(t, f.listings.active(testListing), "accepting must mark the listing sold")

	tx, err := f.engine.RequestEscrow(ctx, buyer, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEscrowRequested, tx.Status)

	fundedAt := f.clock.Now()
	tx, err = f.engine.ReportFunding(ctx, tx.ID, "pi_happy", testPrice)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, tx.Status)
	require.NotNil(t, tx.VerificationDeadline)
	assert.Equal(t, fundedAt.Add(7*24*time.Hour), *tx.VerificationDeadline)

	tx, err = f.engine.StartVerification(ctx, seller, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusVerification, tx.Status)

	f.clock.Advance(6 * 24 * time.Hour)
	n, err := f.engine.AdvanceDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "deadline not reached yet")

	f.clock.Advance(24 * time.Hour)
	n, err = f.engine.AdvanceDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusReadyToRelease, f.status(t, tx.ID))

	tx, err = f.engine.ReportPayout(ctx, tx.ID, "tr_happy", testPrice)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, tx.Status)
	assert.NotNil(t, tx.ReleasedAt)

	tx, err = f.engine.Close(ctx, admin, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, tx.Status)
	assert.False(t, f.listings.active(testListing), "released listing stays sold")

	history, err := f.engine.History(ctx, buyer, tx.ID)
	require.NoError(t, err)
	actions := make([]Action, 0, len(history))
	for _, ev := range history {
		actions = append(actions, ev.Action)
	}
	assert.Equal(t, []Action{
		ActionCreate, ActionRequestEscrow, ActionFundingConfirmed, ActionVerificationStarted,
		ActionDeadlinePassed, ActionPayoutConfirmed, ActionClose,
	}, actions)

	assert.Equal(t, []EventType{
		EventOfferAccepted, EventTransactionFunded, EventTransactionReady,
		EventTransactionReleased, EventTransactionClosed,
	}, f.notes.types())
}

func TestRequestEscrow_OnlyBuyer(t *testing.T) {
	f := newFixture(t)
	tx := f.accepted(t, testPrice)

	_, err := f.engine.RequestEscrow(context.Background(), seller, tx.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.engine.RequestEscrow(context.Background(), admin, tx.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, StatusCreated, f.status(t, tx.ID))
}

func TestRequestEscrow_Twice(t *testing.T) {
	f := newFixture(t)
	tx := f.accepted(t, testPrice)
	_, err := f.engine.RequestEscrow(context.Background(), buyer, tx.ID)
	require.NoError(t, err)
	_, err = f.engine.RequestEscrow(context.Background(), buyer, tx.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestReportFunding_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.accepted(t, testPrice)
	_, err := f.engine.RequestEscrow(ctx, buyer, tx.ID)
	require.NoError(t, err)

	first, err := f.engine.ReportFunding(ctx, tx.ID, "pi_dup", testPrice)
	require.NoError(t, err)
	second, err := f.engine.ReportFunding(ctx, tx.ID, "pi_dup", testPrice)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, second.Status)
	assert.Equal(t, first.VerificationDeadline, second.VerificationDeadline)

	payments, err := f.engine.Payments(ctx, buyer, tx.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	history, err := f.store.ListTransactionEvents(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3, "create, requestEscrow, fundingConfirmed")

	// a fresh reference is a new event and FUNDED does not accept it
	_, err = f.engine.ReportFunding(ctx, tx.ID, "pi_other", testPrice)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestReportFunding_BeforeEscrowRequested(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.accepted(t, testPrice)

	_, err := f.engine.ReportFunding(ctx, tx.ID, "pi_early", testPrice)
	assert.ErrorIs(t, err, ErrInvalidState)

	payments, err := f.store.ListPayments(ctx, tx.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestReportFunding_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.accepted(t, testPrice)
	_, err := f.engine.RequestEscrow(ctx, buyer, tx.ID)
	require.NoError(t, err)

	_, err = f.engine.ReportFunding(ctx, tx.ID, "pi_short", testPrice-1)
	require.ErrorIs(t, err, ErrPaymentMismatch)
	var mm *MismatchError
	require.True(t, errors.As(err, &mm))
	assert.Equal(t, testPrice, mm.Expected)
	assert.Equal(t, testPrice-1, mm.Got)
	assert.Equal(t, StatusEscrowRequested, f.status(t, tx.ID))

	review, err := f.engine.PaymentsForReview(ctx, admin, 10)
	require.NoError(t, err)
	require.Len(t, review, 1)
	assert.Equal(t, "pi_short", review[0].ProviderRef)
	assert.Equal(t, FailureAmountMismatch, review[0].FailureReason)

	// redelivery reports the same mismatch
	_, err = f.engine.ReportFunding(ctx, tx.ID, "pi_short", testPrice-1)
	assert.ErrorIs(t, err, ErrPaymentMismatch)

	_, err = f.engine.PaymentsForReview(ctx, buyer, 10)
	assert.ErrorIs(t, err, ErrUnauthorized)

	tx, err = f.engine.ReportFunding(ctx, tx.ID, "pi_full", testPrice)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, tx.Status)
}

func TestReportPayment_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.accepted(t, testPrice)

	_, err := f.engine.ReportFunding(ctx, tx.ID, "", testPrice)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.engine.ReportFunding(ctx, tx.ID, "pi_zero", 0)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.engine.ReportFunding(ctx, "txn_missing", "pi_x", testPrice)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReportPayment_ProviderRefReusedAcrossDirections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.funded(t, testPrice)

	_, err := f.engine.ReportPayout(ctx, tx.ID, "pi_"+tx.ID, testPrice)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestReportPayout_BeforeReady(t *testing.T) {
	f := newFixture(t)
	tx := f.funded(t, testPrice)

	_, err := f.engine.ReportPayout(context.Background(), tx.ID, "tr_early", testPrice)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StatusFunded, f.status(t, tx.ID))
}

func TestAdvanceDue_FundedPastDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.funded(t, testPrice)

	f.clock.Advance(f.engine.HoldPeriod())
	n, err := f.engine.AdvanceDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusReadyToRelease, f.status(t, tx.ID))

	n, err = f.engine.AdvanceDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second sweep is a no-op")
}

func TestAdvanceDue_SkipsDisputed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx, _ := f.disputed(t, testPrice)

	f.clock.Advance(30 * 24 * time.Hour)
	n, err := f.engine.AdvanceDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, StatusDisputed, f.status(t, tx.ID))
}

func TestWithHoldDays(t *testing.T) {
	f := newFixture(t)
	f.engine.WithHoldDays(3)
	tx := f.funded(t, testPrice)
	assert.Equal(t, f.clock.Now().Add(3*24*time.Hour), *tx.VerificationDeadline)
}

func TestStartVerification_Authorization(t *testing.T) {
	f := newFixture(t)
	tx := f.funded(t, testPrice)

	_, err := f.engine.StartVerification(context.Background(), buyer, tx.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	got, err := f.engine.StartVerification(context.Background(), admin, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusVerification, got.Status)
}

func TestDisputedBuyerFavoured_RefundAndRelist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx, d := f.disputed(t, testPrice)

	_, err := f.disputes.Resolve(ctx, admin, d.ID, ResolveRequest{
		Outcome:    OutcomeBuyer,
		Resolution: "survey confirms encroachment",
	})
	require.NoError(t, err)

	got, err := f.engine.Get(ctx, buyer, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefundPending, got.Status)
	assert.Equal(t, testPrice, got.BuyerRefundMinor)
	assert.Zero(t, got.SellerPayoutMinor)

	_, err = f.engine.ReportPayout(ctx, tx.ID, "tr_wrong", testPrice)
	assert.ErrorIs(t, err, ErrInvalidState)

	got, err = f.engine.ReportRefund(ctx, tx.ID, "re_full", testPrice)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)

	got, err = f.engine.Close(ctx, admin, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	assert.True(t, f.listings.active(testListing), "closing a refund relists the land")

	closed, err := f.disputes.Get(ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, DisputeClosed, closed.Status)
}

func TestSplitResolution_PayoutAndPartialRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx, d := f.disputed(t, testPrice)

	pct := decimal.RequireFromString("33.5")
	_, err := f.disputes.Resolve(ctx, admin, d.ID, ResolveRequest{
		Outcome:        OutcomeSplit,
		Resolution:     "partial access easement",
		SellerSharePct: &pct,
	})
	require.NoError(t, err)

	got, err := f.engine.Get(ctx, seller, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReadyToRelease, got.Status)
	assert.Equal(t, int64(16_750), got.SellerPayoutMinor)
	assert.Equal(t, int64(33_250), got.BuyerRefundMinor)

	_, err = f.engine.ReportPayout(ctx, tx.ID, "tr_split", testPrice)
	assert.ErrorIs(t, err, ErrPaymentMismatch)

	got, err = f.engine.ReportPayout(ctx, tx.ID, "tr_split_ok", 16_750)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)

	got, err = f.engine.ReportRefund(ctx, tx.ID, "re_split", 33_250)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status, "split refund is recorded without a transition")

	_, err = f.engine.ReportRefund(ctx, tx.ID, "re_split_again", 33_250)
	assert.ErrorIs(t, err, ErrInvalidState)

	payments, err := f.engine.Payments(ctx, admin, tx.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 4, "funding, flagged payout, payout, partial refund")
}

// failingCommitStore runs every unit of work to completion and then fails
// the commit, rolling the unit back.
type failingCommitStore struct {
	*MemoryStore
}

func (s failingCommitStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	return s.MemoryStore.Atomic(ctx, func(tx Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errors.New("commit failed")
	})
}

func TestClose_FailedCommitKeepsListingSold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx, d := f.disputed(t, testPrice)
	_, err := f.disputes.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: OutcomeBuyer, Resolution: "refund"})
	require.NoError(t, err)
	_, err = f.engine.ReportRefund(ctx, tx.ID, "re_full", testPrice)
	require.NoError(t, err)
	require.False(t, f.listings.active(testListing))

	broken := NewEngine(failingCommitStore{f.store}, f.listings, nil).WithClock(f.clock.Now)
	_, err = broken.Close(ctx, admin, tx.ID)
	require.Error(t, err)
	assert.Equal(t, StatusRefunded, f.status(t, tx.ID))
	assert.False(t, f.listings.active(testListing), "listing must not be relisted for an open transaction")

	got, err := f.engine.Close(ctx, admin, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	assert.True(t, f.listings.active(testListing))
}

func TestClose_RequiresAdminAndTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.funded(t, testPrice)

	_, err := f.engine.Close(ctx, seller, tx.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.engine.Close(ctx, admin, tx.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestReads_Visibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.accepted(t, testPrice)

	_, err := f.engine.Get(ctx, other, tx.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.engine.History(ctx, other, tx.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.engine.Get(ctx, admin, tx.ID)
	assert.NoError(t, err)
	_, err = f.engine.Get(ctx, buyer, "txn_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	mine, err := f.engine.ListForParty(ctx, seller, 0)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	mine, err = f.engine.ListForParty(ctx, other, 0)
	require.NoError(t, err)
	assert.Empty(t, mine)
	_, err = f.engine.ListForParty(ctx, Actor{}, 0)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
