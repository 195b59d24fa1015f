package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v81"
)

// MetadataTransactionID is the Stripe metadata key naming our transaction.
const MetadataTransactionID = "transaction_id"

// fromStripe maps a verified Stripe event onto a callback. ok is false for
// event types the marketplace does not act on.
func fromStripe(event stripe.Event) (cb Callback, ok bool, err error) {
	if event.Data == nil {
		return Callback{}, false, fmt.Errorf("stripe event %s has no data", event.ID)
	}
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return Callback{}, false, fmt.Errorf("decode payment intent: %w", err)
		}
		return Callback{
			Kind:          KindFunding,
			TransactionID: pi.Metadata[MetadataTransactionID],
			ProviderRef:   pi.ID,
			AmountMinor:   pi.AmountReceived,
		}, true, nil

	case stripe.EventTypeTransferCreated:
		var tr stripe.Transfer
		if err := json.Unmarshal(event.Data.Raw, &tr); err != nil {
			return Callback{}, false, fmt.Errorf("decode transfer: %w", err)
		}
		return Callback{
			Kind:          KindPayout,
			TransactionID: tr.Metadata[MetadataTransactionID],
			ProviderRef:   tr.ID,
			AmountMinor:   tr.Amount,
		}, true, nil

	case stripe.EventTypeChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return Callback{}, false, fmt.Errorf("decode charge: %w", err)
		}
		// a transaction is refunded at most once, so the charge id is unique
		return Callback{
			Kind:          KindRefund,
			TransactionID: ch.Metadata[MetadataTransactionID],
			ProviderRef:   ch.ID,
			AmountMinor:   ch.AmountRefunded,
		}, true, nil
	}
	return Callback{}, false, nil
}
