package lifecycle

// Role is the caller's relationship to an escrow, derived per call.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAgent  Role = "agent"
	RoleViewer Role = "viewer"
)

// IsParty reports whether r is the buyer or the seller.
func (r Role) IsParty() bool {
	return r == RoleBuyer || r == RoleSeller
}

// Counterparty returns the other party for buyer/seller and viewer otherwise.
func (r Role) Counterparty() Role {
	switch r {
	case RoleBuyer:
		return RoleSeller
	case RoleSeller:
		return RoleBuyer
	}
	return RoleViewer
}

// ResolveRole maps a caller identity onto exactly one role. Precedence is
// buyer, seller, agent, then viewer. An identity that matches two parties
// only happens on malformed data and resolves to the earlier one.
func ResolveRole(r *Record, identity string) Role {
	if r == nil || identity == "" {
		return RoleViewer
	}
	switch {
	case SameIdentity(identity, r.Buyer):
		return RoleBuyer
	case SameIdentity(identity, r.Seller):
		return RoleSeller
	case r.HasAgent() && SameIdentity(identity, r.Agent):
		return RoleAgent
	}
	return RoleViewer
}
