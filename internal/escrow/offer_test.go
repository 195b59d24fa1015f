package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitOffer(t *testing.T) {
	f := newFixture(t)
	o, err := f.ledger.SubmitOffer(context.Background(), buyer, testListing, 45_000)
	require.NoError(t, err)
	assert.Equal(t, OfferSent, o.Status)
	assert.Equal(t, seller.ID, o.SellerID)
	assert.Equal(t, f.clock.Now().Add(72*time.Hour), o.ExpiresAt)
}

func TestSubmitOffer_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.listings.add("lst_sold", seller.ID, testPrice)
	require.NoError(t, f.listings.MarkSold(ctx, "lst_sold"))

	tests := []struct {
		name    string
		actor   Actor
		listing string
		amount  int64
		want    error
	}{
		{"zero amount", buyer, testListing, 0, ErrValidation},
		{"negative amount", buyer, testListing, -5, ErrValidation},
		{"own listing", seller, testListing, 10, ErrValidation},
		{"inactive listing", buyer, "lst_sold", 10, ErrConflict},
		{"unknown listing", buyer, "lst_missing", 10, ErrNotFound},
		{"anonymous", Actor{}, testListing, 10, ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.SubmitOffer(ctx, tt.actor, tt.listing, tt.amount)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSubmitOffer_OneOpenOfferPerBuyer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.ledger.SubmitOffer(ctx, buyer, testListing, 40_000)
	require.NoError(t, err)
	_, err = f.ledger.SubmitOffer(ctx, buyer, testListing, 41_000)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.ledger.SubmitOffer(ctx, buyer2, testListing, 41_000)
	assert.NoError(t, err, "other buyers are unaffected")

	_, err = f.ledger.RespondToOffer(ctx, buyer, first.ID, RespondRequest{Action: OfferWithdraw})
	require.NoError(t, err)
	_, err = f.ledger.SubmitOffer(ctx, buyer, testListing, 42_000)
	assert.NoError(t, err, "withdrawn offers free the slot")
}

func TestRespondToOffer_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.ledger.SubmitOffer(ctx, buyer, testListing, 40_000)
	require.NoError(t, err)

	_, err = f.ledger.RespondToOffer(ctx, buyer, o.ID, RespondRequest{Action: OfferAccept})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.ledger.RespondToOffer(ctx, seller, o.ID, RespondRequest{Action: OfferWithdraw})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.ledger.RespondToOffer(ctx, admin, o.ID, RespondRequest{Action: OfferAccept})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.ledger.RespondToOffer(ctx, seller, o.ID, RespondRequest{Action: "HAGGLE"})
	assert.ErrorIs(t, err, ErrValidation)

	got, err := f.store.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, OfferSent, got.Status)
}

func TestRespondToOffer_Counter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.ledger.SubmitOffer(ctx, buyer, testListing, 40_000)
	require.NoError(t, err)

	_, err = f.ledger.RespondToOffer(ctx, seller, o.ID, RespondRequest{Action: OfferCounter})
	assert.ErrorIs(t, err, ErrValidation, "counter needs an amount")

	res, err := f.ledger.RespondToOffer(ctx, seller, o.ID, RespondRequest{Action: OfferCounter, AmountMinor: 48_000})
	require.NoError(t, err)
	assert.Equal(t, OfferCountered, res.Offer.Status)
	assert.Equal(t, int64(48_000), res.Offer.CounterAmountMinor)
	assert.Nil(t, res.Transaction)
	assert.Equal(t, []EventType{EventOfferCountered}, f.notes.types())

	_, err = f.ledger.RespondToOffer(ctx, seller, o.ID, RespondRequest{Action: OfferAccept})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRespondToOffer_AcceptCreatesTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.ledger.SubmitOffer(ctx, buyer, testListing, 47_500)
	require.NoError(t, err)

	res, err := f.ledger.RespondToOffer(ctx, seller, o.ID, RespondRequest{Action: OfferAccept})
	require.NoError(t, err)
	assert.Equal(t, OfferAccepted, res.Offer.Status)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, res.Transaction.ID, res.Offer.TransactionID)
	assert.Equal(t, o.ID, res.Transaction.OfferID)
	assert.Equal(t, int64(47_500), res.Transaction.AgreedPriceMinor)
	assert.Equal(t, buyer.ID, res.Transaction.BuyerID)
	assert.Equal(t, seller.ID, res.Transaction.SellerID)

	_, err = f.ledger.RespondToOffer(ctx, seller, o.ID, RespondRequest{Action: OfferAccept})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRespondToOffer_AcceptRollsBackWhenListingUpdateFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.ledger.SubmitOffer(ctx, buyer, testListing, 40_000)
	require.NoError(t, err)

	f.listings.soldErr = errors.New("catalogue unavailable")
	_, err = f.ledger.RespondToOffer(ctx, seller, o.ID, RespondRequest{Action: OfferAccept})
	require.Error(t, err)

	got, err := f.store.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, OfferSent, got.Status)
	assert.Empty(t, got.TransactionID)

	txs, err := f.store.ListTransactionsByParty(ctx, buyer.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Empty(t, f.notes.types())
}

func TestRespondToOffer_ConcurrentAcceptance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	buyers := []Actor{buyer, buyer2, {ID: "buyer_3"}, {ID: "buyer_4"}, {ID: "buyer_5"}}
	offers := make([]*Offer, 0, len(buyers))
	for i, b := range buyers {
		o, err := f.ledger.SubmitOffer(ctx, b, testListing, 40_000+int64(i))
		require.NoError(t, err)
		offers = append(offers, o)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(offers))
	for i, o := range offers {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.ledger.RespondToOffer(ctx, seller, id, RespondRequest{Action: OfferAccept})
		}(i, o.ID)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrConflict)
	}
	assert.Equal(t, 1, wins, "exactly one acceptance wins the listing")

	sent, accepted := 0, 0
	for _, o := range offers {
		got, err := f.store.GetOffer(ctx, o.ID)
		require.NoError(t, err)
		switch got.Status {
		case OfferSent:
			sent++
		case OfferAccepted:
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, len(offers)-1, sent, "losing offers stay SENT")
}

func TestRespondToOffer_ExpiredBeforeSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.ledger.SubmitOffer(ctx, buyer, testListing, 40_000)
	require.NoError(t, err)

	f.clock.Advance(72*time.Hour + time.Second)
	_, err = f.ledger.RespondToOffer(ctx, seller, o.ID, RespondRequest{Action: OfferAccept})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.True(t, f.listings.active(testListing))
}

func TestOfferExpiry_Boundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.ledger.SubmitOffer(ctx, buyer, testListing, 40_000)
	require.NoError(t, err)
	second, err := f.ledger.SubmitOffer(ctx, buyer2, testListing, 41_000)
	require.NoError(t, err)

	f.clock.Advance(72 * time.Hour)
	n, err := f.ledger.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "an offer is live at its expiresAt instant")

	res, err := f.ledger.RespondToOffer(ctx, seller, first.ID, RespondRequest{Action: OfferAccept})
	require.NoError(t, err)
	assert.Equal(t, OfferAccepted, res.Offer.Status)

	f.clock.Advance(time.Nanosecond)
	n, err = f.ledger.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := f.store.GetOffer(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, OfferExpired, got.Status)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale, err := f.ledger.SubmitOffer(ctx, buyer, testListing, 40_000)
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)
	fresh, err := f.ledger.SubmitOffer(ctx, buyer2, testListing, 41_000)
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	n, err := f.ledger.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.ledger.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "sweeping twice is a no-op")

	got, err := f.store.GetOffer(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, OfferExpired, got.Status)
	got, err = f.store.GetOffer(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, OfferSent, got.Status)

	_, err = f.ledger.RespondToOffer(ctx, seller, stale.ID, RespondRequest{Action: OfferAccept})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSweepExpired_LeavesAcceptedOffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.accepted(t, 40_000)

	f.clock.Advance(100 * time.Hour)
	n, err := f.ledger.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.store.GetOffer(ctx, tx.OfferID)
	require.NoError(t, err)
	assert.Equal(t, OfferAccepted, got.Status)
}

func TestListOffers_Visibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.SubmitOffer(ctx, buyer, testListing, 40_000)
	require.NoError(t, err)
	_, err = f.ledger.SubmitOffer(ctx, buyer2, testListing, 41_000)
	require.NoError(t, err)

	all, err := f.ledger.ListOffers(ctx, seller, testListing, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	all, err = f.ledger.ListOffers(ctx, admin, testListing, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	own, err := f.ledger.ListOffers(ctx, buyer, testListing, 0)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, buyer.ID, own[0].BuyerID)

	mine, err := f.ledger.ListMine(ctx, buyer2, 0)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, int64(41_000), mine[0].AmountMinor)

	_, err = f.ledger.GetOffer(ctx, other, own[0].ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestWithTTL(t *testing.T) {
	f := newFixture(t)
	f.ledger.WithTTL(time.Hour)
	o, err := f.ledger.SubmitOffer(context.Background(), buyer, testListing, 40_000)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(time.Hour), o.ExpiresAt)
}
