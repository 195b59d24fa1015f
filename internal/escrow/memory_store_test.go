package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTransaction(id, listingID string, status Status) *Transaction {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return &Transaction{
		ID: id, ListingID: listingID, OfferID: "off_" + id, BuyerID: "b", SellerID: "s",
		AgreedPriceMinor: 100, Status: status, CreatedAt: now, UpdatedAt: now,
	}
}

func TestMemoryStore_AtomicRollsBack(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.Atomic(ctx, func(tx Tx) error {
		require.NoError(t, tx.CreateTransaction(ctx, sampleTransaction("txn_1", "lst_1", StatusCreated)))
		got, err := tx.GetTransaction(ctx, "txn_1")
		require.NoError(t, err, "a unit sees its own writes")
		assert.Equal(t, StatusCreated, got.Status)
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = s.GetTransaction(ctx, "txn_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ActiveTransactionPerListing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		return tx.CreateTransaction(ctx, sampleTransaction("txn_1", "lst_1", StatusFunded))
	}))
	err := s.Atomic(ctx, func(tx Tx) error {
		return tx.CreateTransaction(ctx, sampleTransaction("txn_2", "lst_1", StatusCreated))
	})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		tr, err := tx.GetTransaction(ctx, "txn_1")
		if err != nil {
			return err
		}
		tr.Status = StatusRefunded
		return tx.UpdateTransaction(ctx, tr)
	}))
	assert.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		return tx.CreateTransaction(ctx, sampleTransaction("txn_3", "lst_1", StatusCreated))
	}), "terminal transactions free the listing")
}

func TestMemoryStore_ProviderRefUnique(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	pay := func(id string) *Payment {
		return &Payment{ID: id, TransactionID: "txn_1", Direction: DirectionFunding, AmountMinor: 1,
			Status: PaymentSuccess, ProviderRef: "pi_same", CreatedAt: time.Now()}
	}
	require.NoError(t, s.Atomic(ctx, func(tx Tx) error { return tx.CreatePayment(ctx, pay("pay_1")) }))
	err := s.Atomic(ctx, func(tx Tx) error { return tx.CreatePayment(ctx, pay("pay_2")) })
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		return tx.CreateTransaction(ctx, sampleTransaction("txn_1", "lst_1", StatusCreated))
	}))

	got, err := s.GetTransaction(ctx, "txn_1")
	require.NoError(t, err)
	got.Status = StatusClosed

	again, err := s.GetTransaction(ctx, "txn_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, again.Status)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Atomic(ctx, func(Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
