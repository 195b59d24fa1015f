package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory store for demo/development mode and tests.
//
// Units of work are serialized by writeMu and stage their writes privately;
// commit swaps them in under a short write lock on mu, so readers only ever
// observe committed state.
type MemoryStore struct {
	writeMu sync.Mutex

	mu           sync.RWMutex
	offers       map[string]*Offer
	transactions map[string]*Transaction
	events       map[string][]*TransactionEvent
	payments     map[string]*Payment // by provider ref
	disputes     map[string]*Dispute
	messages     map[string][]*DisputeMessage
	msgSeq       int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers:       make(map[string]*Offer),
		transactions: make(map[string]*Transaction),
		events:       make(map[string][]*TransactionEvent),
		payments:     make(map[string]*Payment),
		disputes:     make(map[string]*Dispute),
		messages:     make(map[string][]*DisputeMessage),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Atomic runs fn against a private overlay and publishes it if fn succeeds.
func (m *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	tx := &memTx{
		m:            m,
		offers:       make(map[string]*Offer),
		transactions: make(map[string]*Transaction),
		payments:     make(map[string]*Payment),
		disputes:     make(map[string]*Dispute),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	tx.commit()
	m.mu.Unlock()
	return nil
}

// --- Reader ---

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, notFoundError("offer", id)
	}
	return o.clone(), nil
}

func (m *MemoryStore) ListOffersByListing(_ context.Context, listingID string, limit int) ([]*Offer, error) {
	return m.listOffers(func(o *Offer) bool { return o.ListingID == listingID }, limit), nil
}

func (m *MemoryStore) ListOffersByBuyer(_ context.Context, buyerID string, limit int) ([]*Offer, error) {
	return m.listOffers(func(o *Offer) bool { return o.BuyerID == buyerID }, limit), nil
}

func (m *MemoryStore) listOffers(match func(*Offer) bool, limit int) []*Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Offer
	for _, o := range m.offers {
		if match(o) {
			result = append(result, o.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, notFoundError("transaction", id)
	}
	return t.clone(), nil
}

func (m *MemoryStore) ListTransactionsByParty(_ context.Context, userID string, limit int) ([]*Transaction, error) {
	return m.listTransactions(func(t *Transaction) bool { return t.IsParty(userID) }, limit), nil
}

func (m *MemoryStore) ListTransactionsDue(_ context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return m.listTransactions(func(t *Transaction) bool {
		return (t.Status == StatusFunded || t.Status == StatusVerification) &&
			t.VerificationDeadline != nil && !t.VerificationDeadline.After(now)
	}, limit), nil
}

func (m *MemoryStore) listTransactions(match func(*Transaction) bool, limit int) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Transaction
	for _, t := range m.transactions {
		if match(t) {
			result = append(result, t.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) ListTransactionEvents(_ context.Context, transactionID string) ([]*TransactionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[transactionID]
	result := make([]*TransactionEvent, 0, len(events))
	for _, e := range events {
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListPayments(_ context.Context, transactionID string) ([]*Payment, error) {
	return m.listPayments(func(p *Payment) bool { return p.TransactionID == transactionID }, 0), nil
}

func (m *MemoryStore) ListPaymentsByStatus(_ context.Context, status PaymentStatus, limit int) ([]*Payment, error) {
	return m.listPayments(func(p *Payment) bool { return p.Status == status }, limit), nil
}

func (m *MemoryStore) listPayments(match func(*Payment) bool, limit int) []*Payment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Payment
	for _, p := range m.payments {
		if match(p) {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, notFoundError("dispute", id)
	}
	return d.clone(), nil
}

func (m *MemoryStore) ListDisputeMessages(_ context.Context, disputeID string) ([]*DisputeMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[disputeID]
	result := make([]*DisputeMessage, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		result = append(result, &cp)
	}
	return result, nil
}

// --- unit of work ---

type memTx struct {
	m            *MemoryStore
	offers       map[string]*Offer
	transactions map[string]*Transaction
	payments     map[string]*Payment
	disputes     map[string]*Dispute
	events       []*TransactionEvent
	messages     []*DisputeMessage
}

func (t *memTx) commit() {
	m := t.m
	for id, o := range t.offers {
		m.offers[id] = o
	}
	for id, tr := range t.transactions {
		m.transactions[id] = tr
	}
	for ref, p := range t.payments {
		m.payments[ref] = p
	}
	for id, d := range t.disputes {
		m.disputes[id] = d
	}
	for _, e := range t.events {
		m.events[e.TransactionID] = append(m.events[e.TransactionID], e)
	}
	for _, msg := range t.messages {
		m.messages[msg.DisputeID] = append(m.messages[msg.DisputeID], msg)
		m.msgSeq = msg.Seq
	}
}

// eachOffer visits the merged view of committed and staged offers until fn
// returns false.
func (t *memTx) eachOffer(fn func(*Offer) bool) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	for id, o := range t.m.offers {
		if staged, ok := t.offers[id]; ok {
			o = staged
		}
		if !fn(o) {
			return
		}
	}
	for id, o := range t.offers {
		if _, ok := t.m.offers[id]; !ok {
			if !fn(o) {
				return
			}
		}
	}
}

func (t *memTx) eachTransaction(fn func(*Transaction) bool) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	for id, tr := range t.m.transactions {
		if staged, ok := t.transactions[id]; ok {
			tr = staged
		}
		if !fn(tr) {
			return
		}
	}
	for id, tr := range t.transactions {
		if _, ok := t.m.transactions[id]; !ok {
			if !fn(tr) {
				return
			}
		}
	}
}

func (t *memTx) eachDispute(fn func(*Dispute) bool) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	for id, d := range t.m.disputes {
		if staged, ok := t.disputes[id]; ok {
			d = staged
		}
		if !fn(d) {
			return
		}
	}
	for id, d := range t.disputes {
		if _, ok := t.m.disputes[id]; !ok {
			if !fn(d) {
				return
			}
		}
	}
}

func (t *memTx) GetOffer(_ context.Context, id string) (*Offer, error) {
	if o, ok := t.offers[id]; ok {
		return o.clone(), nil
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	o, ok := t.m.offers[id]
	if !ok {
		return nil, notFoundError("offer", id)
	}
	return o.clone(), nil
}

func (t *memTx) FindSentOffer(_ context.Context, listingID, buyerID string) (*Offer, error) {
	var found *Offer
	t.eachOffer(func(o *Offer) bool {
		if o.ListingID == listingID && o.BuyerID == buyerID && o.Status == OfferSent {
			found = o.clone()
			return false
		}
		return true
	})
	if found == nil {
		return nil, notFoundError("sent offer for listing", listingID)
	}
	return found, nil
}

func (t *memTx) CreateOffer(ctx context.Context, o *Offer) error {
	if o.Status == OfferSent {
		if _, err := t.FindSentOffer(ctx, o.ListingID, o.BuyerID); err == nil {
			return conflictError("buyer %s already has an open offer on listing %s", o.BuyerID, o.ListingID)
		}
	}
	t.offers[o.ID] = o.clone()
	return nil
}

func (t *memTx) UpdateOffer(ctx context.Context, o *Offer) error {
	if _, err := t.GetOffer(ctx, o.ID); err != nil {
		return err
	}
	t.offers[o.ID] = o.clone()
	return nil
}

func (t *memTx) ExpireOffers(_ context.Context, now time.Time) ([]*Offer, error) {
	var expired []*Offer
	t.eachOffer(func(o *Offer) bool {
		if o.Status == OfferSent && o.ExpiresAt.Before(now) {
			cp := o.clone()
			cp.Status = OfferExpired
			cp.UpdatedAt = now
			expired = append(expired, cp)
		}
		return true
	})
	for _, o := range expired {
		t.offers[o.ID] = o.clone()
	}
	return expired, nil
}

func (t *memTx) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	if tr, ok := t.transactions[id]; ok {
		return tr.clone(), nil
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	tr, ok := t.m.transactions[id]
	if !ok {
		return nil, notFoundError("transaction", id)
	}
	return tr.clone(), nil
}

func (t *memTx) ActiveTransactionForListing(_ context.Context, listingID string) (*Transaction, error) {
	var found *Transaction
	t.eachTransaction(func(tr *Transaction) bool {
		if tr.ListingID == listingID && !tr.Status.IsTerminal() {
			found = tr.clone()
			return false
		}
		return true
	})
	if found == nil {
		return nil, notFoundError("active transaction for listing", listingID)
	}
	return found, nil
}

func (t *memTx) CreateTransaction(ctx context.Context, tr *Transaction) error {
	if !tr.Status.IsTerminal() {
		if active, err := t.ActiveTransactionForListing(ctx, tr.ListingID); err == nil {
			return conflictError("listing %s already has active transaction %s", tr.ListingID, active.ID)
		}
	}
	t.transactions[tr.ID] = tr.clone()
	return nil
}

func (t *memTx) UpdateTransaction(ctx context.Context, tr *Transaction) error {
	if _, err := t.GetTransaction(ctx, tr.ID); err != nil {
		return err
	}
	t.transactions[tr.ID] = tr.clone()
	return nil
}

func (t *memTx) AppendTransactionEvent(_ context.Context, e *TransactionEvent) error {
	cp := *e
	t.events = append(t.events, &cp)
	return nil
}

func (t *memTx) GetPaymentByProviderRef(_ context.Context, providerRef string) (*Payment, error) {
	if p, ok := t.payments[providerRef]; ok {
		cp := *p
		return &cp, nil
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	p, ok := t.m.payments[providerRef]
	if !ok {
		return nil, notFoundError("payment", providerRef)
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) HasPayment(_ context.Context, transactionID string, direction Direction, status PaymentStatus) (bool, error) {
	match := func(p *Payment) bool {
		return p.TransactionID == transactionID && p.Direction == direction && p.Status == status
	}
	for _, p := range t.payments {
		if match(p) {
			return true, nil
		}
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	for _, p := range t.m.payments {
		if match(p) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CreatePayment(ctx context.Context, p *Payment) error {
	if _, err := t.GetPaymentByProviderRef(ctx, p.ProviderRef); err == nil {
		return conflictError("provider reference %s already recorded", p.ProviderRef)
	}
	cp := *p
	t.payments[p.ProviderRef] = &cp
	return nil
}

func (t *memTx) GetDispute(_ context.Context, id string) (*Dispute, error) {
	if d, ok := t.disputes[id]; ok {
		return d.clone(), nil
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	d, ok := t.m.disputes[id]
	if !ok {
		return nil, notFoundError("dispute", id)
	}
	return d.clone(), nil
}

func (t *memTx) ActiveDisputeForTransaction(_ context.Context, transactionID string) (*Dispute, error) {
	var found *Dispute
	t.eachDispute(func(d *Dispute) bool {
		if d.TransactionID == transactionID && d.Status.IsActive() {
			found = d.clone()
			return false
		}
		return true
	})
	if found == nil {
		return nil, notFoundError("active dispute for transaction", transactionID)
	}
	return found, nil
}

func (t *memTx) CreateDispute(ctx context.Context, d *Dispute) error {
	if d.Status.IsActive() {
		if active, err := t.ActiveDisputeForTransaction(ctx, d.TransactionID); err == nil {
			return conflictError("transaction %s already has open dispute %s", d.TransactionID, active.ID)
		}
	}
	t.disputes[d.ID] = d.clone()
	return nil
}

func (t *memTx) UpdateDispute(ctx context.Context, d *Dispute) error {
	if _, err := t.GetDispute(ctx, d.ID); err != nil {
		return err
	}
	t.disputes[d.ID] = d.clone()
	return nil
}

func (t *memTx) AppendDisputeMessage(_ context.Context, msg *DisputeMessage) error {
	// writeMu is held, so the committed counter cannot move under us
	msg.Seq = t.m.msgSeq + int64(len(t.messages)) + 1
	cp := *msg
	t.messages = append(t.messages, &cp)
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)
