// Package gateway receives payment provider callbacks and feeds them to the
// transaction engine. Every callback carries a provider reference, so
// redelivery is harmless: the engine treats a known reference as a no-op.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbd888/landtrust/internal/escrow"
)

// Kind is the money movement a callback confirms.
type Kind string

const (
	KindFunding Kind = "funding"
	KindPayout  Kind = "payout"
	KindRefund  Kind = "refund"
)

// Reporter is the subset of *escrow.Engine the gateway drives.
type Reporter interface {
	ReportFunding(ctx context.Context, txID, providerRef string, amountMinor int64) (*escrow.Transaction, error)
	ReportPayout(ctx context.Context, txID, providerRef string, amountMinor int64) (*escrow.Transaction, error)
	ReportRefund(ctx context.Context, txID, providerRef string, amountMinor int64) (*escrow.Transaction, error)
}

// Callback is one confirmed money movement.
type Callback struct {
	Kind          Kind   `json:"kind"`
	TransactionID string `json:"transactionId"`
	ProviderRef   string `json:"providerRef"`
	AmountMinor   int64  `json:"amountMinor"`
}

func (cb Callback) validate() error {
	var missing []string
	if cb.TransactionID == "" {
		missing = append(missing, "transactionId")
	}
	if cb.ProviderRef == "" {
		missing = append(missing, "providerRef")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", escrow.ErrValidation, strings.Join(missing, ", "))
	}
	if cb.AmountMinor <= 0 {
		return fmt.Errorf("%w: amountMinor must be positive", escrow.ErrValidation)
	}
	return nil
}

// Apply hands cb to the engine method for its kind.
func Apply(ctx context.Context, r Reporter, cb Callback) (*escrow.Transaction, error) {
	if err := cb.validate(); err != nil {
		return nil, err
	}
	switch cb.Kind {
	case KindFunding:
		return r.ReportFunding(ctx, cb.TransactionID, cb.ProviderRef, cb.AmountMinor)
	case KindPayout:
		return r.ReportPayout(ctx, cb.TransactionID, cb.ProviderRef, cb.AmountMinor)
	case KindRefund:
		return r.ReportRefund(ctx, cb.TransactionID, cb.ProviderRef, cb.AmountMinor)
	}
	return nil, fmt.Errorf("%w: unknown callback kind %q", escrow.ErrValidation, cb.Kind)
}
