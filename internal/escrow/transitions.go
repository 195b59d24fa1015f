package escrow

// Action is an input to the transaction state machine.
type Action string

const (
	ActionCreate              Action = "create"
	ActionRequestEscrow       Action = "requestEscrow"
	ActionFundingConfirmed    Action = "fundingConfirmed"
	ActionVerificationStarted Action = "verificationStarted"
	ActionDeadlinePassed      Action = "deadlinePassedNoDispute"
	ActionDisputeOpened       Action = "disputeOpened"
	ActionDisputeResolved     Action = "disputeResolved"
	ActionPayoutConfirmed     Action = "payoutConfirmed"
	ActionRefundConfirmed     Action = "refundConfirmed"
	ActionClose               Action = "close"
)

// AllActions lists every state machine input except creation.
var AllActions = []Action{
	ActionRequestEscrow, ActionFundingConfirmed, ActionVerificationStarted,
	ActionDeadlinePassed, ActionDisputeOpened, ActionDisputeResolved,
	ActionPayoutConfirmed, ActionRefundConfirmed, ActionClose,
}

var transactionTable = map[Status]map[Action]Status{
	StatusCreated:         {ActionRequestEscrow: StatusEscrowRequested},
	StatusEscrowRequested: {ActionFundingConfirmed: StatusFunded},
	StatusFunded: {
		ActionVerificationStarted: StatusVerification,
		ActionDisputeOpened:       StatusDisputed,
	},
	StatusVerification: {
		ActionDeadlinePassed: StatusReadyToRelease,
		ActionDisputeOpened:  StatusDisputed,
	},
	StatusReadyToRelease: {ActionPayoutConfirmed: StatusReleased},
	StatusRefundPending:  {ActionRefundConfirmed: StatusRefunded},
	StatusReleased:       {ActionClose: StatusClosed},
	StatusRefunded:       {ActionClose: StatusClosed},
}

// NextStatus returns the state reached by applying action in from. outcome is
// consulted only for ActionDisputeResolved.
func NextStatus(from Status, action Action, outcome Outcome) (Status, bool) {
	if action == ActionDisputeResolved {
		if from != StatusDisputed {
			return "", false
		}
		switch outcome {
		case OutcomeSeller, OutcomeSplit:
			return StatusReadyToRelease, true
		case OutcomeBuyer:
			return StatusRefundPending, true
		}
		return "", false
	}
	to, ok := transactionTable[from][action]
	return to, ok
}

// transitionTo validates action against t's current status without mutating t.
func transitionTo(t *Transaction, action Action, outcome Outcome) (Status, error) {
	to, ok := NextStatus(t.Status, action, outcome)
	if !ok {
		return "", &TransitionError{
			Entity:  "transaction",
			ID:      t.ID,
			Current: string(t.Status),
			Action:  string(action),
		}
	}
	return to, nil
}

var offerTable = map[OfferStatus]map[OfferAction]OfferStatus{
	OfferSent: {
		OfferAccept:   OfferAccepted,
		OfferCounter:  OfferCountered,
		OfferWithdraw: OfferWithdrawn,
		offerExpire:   OfferExpired,
	},
}

func nextOfferStatus(o *Offer, action OfferAction) (OfferStatus, error) {
	to, ok := offerTable[o.Status][action]
	if !ok {
		return "", &TransitionError{Entity: "offer", ID: o.ID, Current: string(o.Status), Action: string(action)}
	}
	return to, nil
}

func nextDisputeStatus(d *Dispute, to DisputeStatus) error {
	ok := false
	switch to {
	case DisputeUnderReview:
		ok = d.Status == DisputeOpen
	case DisputeResolvedBuyer, DisputeResolvedSeller, DisputeResolvedSplit:
		ok = d.Status.IsActive()
	case DisputeClosed:
		ok = d.Status.IsResolved()
	}
	if !ok {
		return &TransitionError{Entity: "dispute", ID: d.ID, Current: string(d.Status), Action: "move to " + string(to)}
	}
	return nil
}
