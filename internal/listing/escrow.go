package listing

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/landtrust/internal/escrow"
)

// EscrowAdapter exposes the catalogue as an escrow.ListingService.
type EscrowAdapter struct {
	svc *Service
}

var _ escrow.ListingService = (*EscrowAdapter)(nil)

// ForEscrow returns the view of s the escrow core consumes.
func (s *Service) ForEscrow() *EscrowAdapter {
	return &EscrowAdapter{svc: s}
}

func (a *EscrowAdapter) GetListing(ctx context.Context, id string) (*escrow.Listing, error) {
	l, err := a.svc.Get(ctx, id)
	if err != nil {
		return nil, translate(err, id)
	}
	return &escrow.Listing{
		ID:         l.ID,
		SellerID:   l.SellerID,
		PriceMinor: l.PriceMinor,
		IsActive:   l.Status == StatusActive,
	}, nil
}

func (a *EscrowAdapter) MarkSold(ctx context.Context, id string) error {
	return translate(a.svc.MarkSold(ctx, id), id)
}

func (a *EscrowAdapter) MarkAvailable(ctx context.Context, id string) error {
	return translate(a.svc.MarkAvailable(ctx, id), id)
}

func translate(err error, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: listing %s", escrow.ErrNotFound, id)
	case errors.Is(err, ErrInvalidStatus):
		return fmt.Errorf("%w: listing %s is no longer available", escrow.ErrConflict, id)
	}
	return err
}
