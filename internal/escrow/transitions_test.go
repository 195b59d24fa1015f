package escrow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextStatus_Exhaustive(t *testing.T) {
	type key struct {
		from    Status
		action  Action
		outcome Outcome
	}
	allowed := map[key]Status{
		{StatusCreated, ActionRequestEscrow, ""}:               StatusEscrowRequested,
		{StatusEscrowRequested, ActionFundingConfirmed, ""}:    StatusFunded,
		{StatusFunded, ActionVerificationStarted, ""}:          StatusVerification,
		{StatusFunded, ActionDisputeOpened, ""}:                StatusDisputed,
		{StatusVerification, ActionDeadlinePassed, ""}:         StatusReadyToRelease,
		{StatusVerification, ActionDisputeOpened, ""}:          StatusDisputed,
		{StatusDisputed, ActionDisputeResolved, OutcomeSeller}: StatusReadyToRelease,
		{StatusDisputed, ActionDisputeResolved, OutcomeSplit}:  StatusReadyToRelease,
		{StatusDisputed, ActionDisputeResolved, OutcomeBuyer}:  StatusRefundPending,
		{StatusReadyToRelease, ActionPayoutConfirmed, ""}:      StatusReleased,
		{StatusRefundPending, ActionRefundConfirmed, ""}:       StatusRefunded,
		{StatusReleased, ActionClose, ""}:                      StatusClosed,
		{StatusRefunded, ActionClose, ""}:                      StatusClosed,
	}

	outcomes := []Outcome{"", OutcomeBuyer, OutcomeSeller, OutcomeSplit}
	for _, from := range AllStatuses {
		for _, action := range AllActions {
			for _, outcome := range outcomes {
				if action != ActionDisputeResolved && outcome != "" {
					continue
				}
				k := key{from, action, outcome}
				t.Run(fmt.Sprintf("%s/%s/%s", from, action, outcome), func(t *testing.T) {
					got, ok := NextStatus(from, action, outcome)
					want, allow := allowed[k]
					assert.Equal(t, allow, ok)
					assert.Equal(t, want, got)

					_, err := transitionTo(&Transaction{ID: "txn_x", Status: from}, action, outcome)
					if allow {
						assert.NoError(t, err)
						return
					}
					assert.ErrorIs(t, err, ErrInvalidState)
					var te *TransitionError
					assert.True(t, errors.As(err, &te))
				})
			}
		}
	}
}

func TestClosedIsAbsorbing(t *testing.T) {
	for _, action := range AllActions {
		for _, outcome := range []Outcome{"", OutcomeBuyer, OutcomeSeller, OutcomeSplit} {
			_, ok := NextStatus(StatusClosed, action, outcome)
			assert.False(t, ok, "CLOSED must not accept %s", action)
		}
	}
}

func TestNextOfferStatus(t *testing.T) {
	tests := []struct {
		from   OfferStatus
		action OfferAction
		want   OfferStatus
		ok     bool
	}{
		{OfferSent, OfferAccept, OfferAccepted, true},
		{OfferSent, OfferCounter, OfferCountered, true},
		{OfferSent, OfferWithdraw, OfferWithdrawn, true},
		{OfferSent, offerExpire, OfferExpired, true},
		{OfferAccepted, OfferWithdraw, "", false},
		{OfferCountered, OfferAccept, "", false},
		{OfferExpired, OfferAccept, "", false},
		{OfferWithdrawn, OfferCounter, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.action), func(t *testing.T) {
			got, err := nextOfferStatus(&Offer{ID: "off_x", Status: tt.from}, tt.action)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalidState)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextDisputeStatus(t *testing.T) {
	tests := []struct {
		from DisputeStatus
		to   DisputeStatus
		ok   bool
	}{
		{DisputeOpen, DisputeUnderReview, true},
		{DisputeOpen, DisputeResolvedBuyer, true},
		{DisputeUnderReview, DisputeResolvedSplit, true},
		{DisputeResolvedSeller, DisputeClosed, true},
		{DisputeUnderReview, DisputeUnderReview, false},
		{DisputeOpen, DisputeClosed, false},
		{DisputeResolvedBuyer, DisputeResolvedSeller, false},
		{DisputeClosed, DisputeUnderReview, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := nextDisputeStatus(&Dispute{ID: "dsp_x", Status: tt.from}, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidState)
			}
		})
	}
}
