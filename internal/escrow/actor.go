package escrow

// Role is a capability carried by an authenticated actor or a message author.
type Role string

const (
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
	RoleAdmin  Role = "ADMIN"
)

// Actor is the authenticated caller of a core operation.
type Actor struct {
	ID    string `json:"id"`
	Roles []Role `json:"roles"`
}

// Has reports whether the actor carries role r.
func (a Actor) Has(r Role) bool {
	for _, have := range a.Roles {
		if have == r {
			return true
		}
	}
	return false
}

func (a Actor) IsAdmin() bool { return a.Has(RoleAdmin) }

// systemActorID attributes sweep and gateway transitions in the audit trail.
const systemActorID = "system"

// Operation names an entry point for authorization.
type Operation string

const (
	OpAcceptOffer       Operation = "offer.accept"
	OpCounterOffer      Operation = "offer.counter"
	OpWithdrawOffer     Operation = "offer.withdraw"
	OpViewOffer         Operation = "offer.view"
	OpRequestEscrow     Operation = "transaction.requestEscrow"
	OpStartVerification Operation = "transaction.startVerification"
	OpCloseTransaction  Operation = "transaction.close"
	OpViewTransaction   Operation = "transaction.view"
	OpOpenDispute       Operation = "dispute.open"
	OpViewDispute       Operation = "dispute.view"
	OpReviewDispute     Operation = "dispute.review"
	OpResolveDispute    Operation = "dispute.resolve"
	OpCloseDispute      Operation = "dispute.close"
	OpReviewPayments    Operation = "payments.review"
)

type permission uint8

const (
	permBuyer permission = 1 << iota
	permSeller
	permAdmin
)

// allowList is the explicit per-operation authorization table. Buyer and
// seller are identity matches against the record; admin is a role.
var allowList = map[Operation]permission{
	OpAcceptOffer:       permSeller,
	OpCounterOffer:      permSeller,
	OpWithdrawOffer:     permBuyer,
	OpViewOffer:         permBuyer | permSeller | permAdmin,
	OpRequestEscrow:     permBuyer,
	OpStartVerification: permSeller | permAdmin,
	OpCloseTransaction:  permAdmin,
	OpViewTransaction:   permBuyer | permSeller | permAdmin,
	OpOpenDispute:       permBuyer | permSeller,
	OpViewDispute:       permBuyer | permSeller | permAdmin,
	OpReviewDispute:     permAdmin,
	OpResolveDispute:    permAdmin,
	OpCloseDispute:      permAdmin,
	OpReviewPayments:    permAdmin,
}

// authorize checks actor against the allow-list for op on a record owned by
// buyerID and sellerID.
func authorize(op Operation, actor Actor, buyerID, sellerID string) error {
	if actor.ID == "" {
		return unauthorizedError("%s requires an authenticated actor", op)
	}
	perm := allowList[op]
	if perm&permBuyer != 0 && buyerID != "" && actor.ID == buyerID {
		return nil
	}
	if perm&permSeller != 0 && sellerID != "" && actor.ID == sellerID {
		return nil
	}
	if perm&permAdmin != 0 && actor.IsAdmin() {
		return nil
	}
	return unauthorizedError("actor %s may not %s", actor.ID, op)
}

// requireAdmin checks an admin-only operation before any record is loaded.
func requireAdmin(op Operation, actor Actor) error {
	return authorize(op, actor, "", "")
}
