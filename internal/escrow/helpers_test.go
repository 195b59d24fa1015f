package escrow

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeListings is an in-memory ListingService.
type fakeListings struct {
	mu        sync.Mutex
	listings  map[string]*Listing
	soldErr   error
	soldCalls int
}

func newFakeListings() *fakeListings {
	return &fakeListings{listings: make(map[string]*Listing)}
}

func (f *fakeListings) add(id, sellerID string, price int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listings[id] = &Listing{ID: id, SellerID: sellerID, PriceMinor: price, IsActive: true}
}

func (f *fakeListings) GetListing(_ context.Context, id string) (*Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listings[id]
	if !ok {
		return nil, notFoundError("listing", id)
	}
	cp := *l
	return &cp, nil
}

func (f *fakeListings) MarkSold(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.soldCalls++
	if f.soldErr != nil {
		return f.soldErr
	}
	f.listings[id].IsActive = false
	return nil
}

func (f *fakeListings) MarkAvailable(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listings[id].IsActive = true
	return nil
}

func (f *fakeListings) active(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listings[id].IsActive
}

// recordingNotifier captures notifications synchronously.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Type)
	}
	return out
}

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	buyer  = Actor{ID: "buyer_1", Roles: []Role{RoleBuyer}}
	buyer2 = Actor{ID: "buyer_2", Roles: []Role{RoleBuyer}}
	seller = Actor{ID: "seller_1", Roles: []Role{RoleSeller}}
	admin  = Actor{ID: "admin_1", Roles: []Role{RoleAdmin}}
	other  = Actor{ID: "stranger", Roles: []Role{RoleBuyer}}
)

const (
	testListing = "lst_1"
	testPrice   = int64(50_000)
)

type fixture struct {
	store    *MemoryStore
	listings *fakeListings
	notes    *recordingNotifier
	clock    *testClock
	engine   *Engine
	ledger   *OfferLedger
	disputes *DisputeService

	// peer is a second engine over the same store with its own locks, as a
	// second replica of the service would be.
	peer         *Engine
	peerDisputes *DisputeService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		listings: newFakeListings(),
		notes:    &recordingNotifier{},
		clock:    &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.listings.add(testListing, seller.ID, testPrice)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.engine = NewEngine(f.store, f.listings, logger).WithNotifier(f.notes).WithClock(f.clock.Now)
	f.ledger = NewOfferLedger(f.engine)
	f.disputes = NewDisputeService(f.engine)
	f.setPeer(f.store)
	return f
}

func (f *fixture) setPeer(store Store) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.peer = NewEngine(store, f.listings, logger).WithNotifier(f.notes).WithClock(f.clock.Now)
	f.peerDisputes = NewDisputeService(f.peer)
}

// countOf returns how many captured notifications have type typ.
func (r *recordingNotifier) countOf(typ EventType) int {
	n := 0
	for _, got := range r.types() {
		if got == typ {
			n++
		}
	}
	return n
}

// accepted submits and accepts an offer, returning the new transaction.
func (f *fixture) accepted(t *testing.T, amount int64) *Transaction {
	t.Helper()
	ctx := context.Background()
	o, err := f.ledger.SubmitOffer(ctx, buyer, testListing, amount)
	require.NoError(t, err)
	res, err := f.ledger.RespondToOffer(ctx, seller, o.ID, RespondRequest{Action: OfferAccept})
	require.NoError(t, err)
	require.NotNil(t, res.Transaction)
	return res.Transaction
}

// funded drives a fresh transaction to FUNDED.
func (f *fixture) funded(t *testing.T, amount int64) *Transaction {
	t.Helper()
	ctx := context.Background()
	tx := f.accepted(t, amount)
	_, err := f.engine.RequestEscrow(ctx, buyer, tx.ID)
	require.NoError(t, err)
	tx, err = f.engine.ReportFunding(ctx, tx.ID, "pi_"+tx.ID, amount)
	require.NoError(t, err)
	require.Equal(t, StatusFunded, tx.Status)
	return tx
}

// disputed drives a fresh transaction to DISPUTED.
func (f *fixture) disputed(t *testing.T, amount int64) (*Transaction, *Dispute) {
	t.Helper()
	tx := f.funded(t, amount)
	d, err := f.disputes.Open(context.Background(), buyer, tx.ID, "boundary survey does not match the listing")
	require.NoError(t, err)
	return tx, d
}

func (f *fixture) status(t *testing.T, id string) Status {
	t.Helper()
	tx, err := f.store.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return tx.Status
}
