// Package listing is the land listing catalogue. The escrow core reads
// listings through it and flips their availability when an offer is accepted
// or a sale is refunded.
package listing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/landtrust/internal/idgen"
	"github.com/mbd888/landtrust/internal/pagination"
	"github.com/mbd888/landtrust/internal/validation"
)

var (
	ErrNotFound      = errors.New("listing not found")
	ErrInvalidStatus = errors.New("listing status does not allow this change")
	ErrForbidden     = errors.New("only the seller or an admin may change this listing")
	ErrInvalidInput  = errors.New("invalid listing")
)

// Status is the publication state of a listing.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSold      Status = "SOLD"
	StatusWithdrawn Status = "WITHDRAWN"
)

const maxTitleLength = 200

// Listing is a parcel of land offered for sale.
type Listing struct {
	ID         string    `json:"id"`
	SellerID   string    `json:"sellerId"`
	Title      string    `json:"title"`
	PriceMinor int64     `json:"priceMinor"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	SellerID string
	Status   Status
	After    *pagination.Cursor
	Limit    int
}

// Store persists listings.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	// SetStatus moves a listing to `to` only if its current status is one of
	// `from`; otherwise it returns ErrInvalidStatus.
	SetStatus(ctx context.Context, id string, from []Status, to Status, now time.Time) (*Listing, error)
	// List returns listings newest first, at most Limit of them.
	List(ctx context.Context, f Filter) ([]*Listing, error)
}

// CreateRequest contains the parameters for publishing a listing.
type CreateRequest struct {
	Title      string `json:"title"`
	PriceMinor int64  `json:"priceMinor"`
}

// Page is one page of listings.
type Page struct {
	Listings   []*Listing `json:"listings"`
	NextCursor string     `json:"nextCursor,omitempty"`
	HasMore    bool       `json:"hasMore"`
}

// Service manages the catalogue.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a listing service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Create publishes a new ACTIVE listing owned by sellerID.
func (s *Service) Create(ctx context.Context, sellerID string, req CreateRequest) (*Listing, error) {
	title := validation.SanitizeText(req.Title, maxTitleLength+1)
	if err := validation.Validate(
		validation.Required("sellerId", sellerID),
		validation.Required("title", title),
		validation.MaxLength("title", title, maxTitleLength),
		validation.PositiveAmount("priceMinor", req.PriceMinor),
	); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	now := s.now()
	l := &Listing{
		ID:         idgen.WithPrefix("lst_"),
		SellerID:   sellerID,
		Title:      title,
		PriceMinor: req.PriceMinor,
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, l); err != nil {
		return nil, err
	}
	s.logger.Info("listing published", "listingId", l.ID, "seller", sellerID, "price", l.PriceMinor)
	return l, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Listing, error) {
	return s.store.Get(ctx, id)
}

// List returns one page of listings starting after cursor.
func (s *Service) List(ctx context.Context, f Filter, cursor string) (*Page, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	f.After = after
	f.Limit = pagination.ClampLimit(f.Limit)
	limit := f.Limit
	f.Limit++

	items, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(l *Listing) (time.Time, string) {
		return l.CreatedAt, l.ID
	})
	return &Page{Listings: items, NextCursor: next, HasMore: more}, nil
}

// Withdraw unpublishes an ACTIVE listing.
func (s *Service) Withdraw(ctx context.Context, actorID string, admin bool, id string) (*Listing, error) {
	return s.ownerMove(ctx, actorID, admin, id, []Status{StatusActive}, StatusWithdrawn)
}

// Republish makes a WITHDRAWN listing ACTIVE again.
func (s *Service) Republish(ctx context.Context, actorID string, admin bool, id string) (*Listing, error) {
	return s.ownerMove(ctx, actorID, admin, id, []Status{StatusWithdrawn}, StatusActive)
}

func (s *Service) ownerMove(ctx context.Context, actorID string, admin bool, id string, from []Status, to Status) (*Listing, error) {
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.SellerID != actorID && !admin {
		return nil, ErrForbidden
	}
	l, err = s.store.SetStatus(ctx, id, from, to, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("listing status changed", "listingId", id, "status", to, "actor", actorID)
	return l, nil
}

// MarkSold takes an ACTIVE listing off the market.
func (s *Service) MarkSold(ctx context.Context, id string) error {
	_, err := s.store.SetStatus(ctx, id, []Status{StatusActive}, StatusSold, s.now())
	return err
}

// MarkAvailable returns a SOLD listing to the market. An already ACTIVE
// listing is left alone.
func (s *Service) MarkAvailable(ctx context.Context, id string) error {
	_, err := s.store.SetStatus(ctx, id, []Status{StatusSold, StatusActive}, StatusActive, s.now())
	return err
}
