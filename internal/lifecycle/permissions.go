package lifecycle

// Conditions is everything the permission matrix reads. It is a plain value
// so the matrix stays a pure function of its input.
type Conditions struct {
	State      State
	Role       Role
	Expiry     Expiry
	HasAgent   bool
	Proposal   *SplitProposal
	IsProposer bool
}

// AvailableActions returns exactly the actions the settlement layer would
// accept from c.Role in c.State. Viewers, an empty state and terminal
// states always yield the empty set.
func AvailableActions(c Conditions) ActionSet {
	if c.Role == RoleViewer || c.State == "" || !c.State.Valid() || c.State.IsTerminal() {
		return 0
	}

	switch c.Role {
	case RoleBuyer:
		return buyerActions(c)
	case RoleSeller:
		return sellerActions(c)
	case RoleAgent:
		if c.State == StateAgentInvited {
			return NewActionSet(ActionAgentResolve)
		}
	}
	return 0
}

func buyerActions(c Conditions) ActionSet {
	var s ActionSet
	switch c.State {
	case StatePending:
		if c.Expiry.Acceptance {
			s = s.With(ActionCancelExpired)
		}
	case StateActive, StateFulfilled:
		s = s.With(ActionRelease).With(ActionOpenDispute)
	case StateDisputed, StateAgentInvited:
		s = s.With(ActionRelease)
	}
	return s | disputeActions(c) | splitActions(c)
}

func sellerActions(c Conditions) ActionSet {
	var s ActionSet
	switch c.State {
	case StatePending:
		return NewActionSet(ActionAccept, ActionDecline)
	case StateActive:
		s = s.With(ActionConfirmFulfillment)
	case StateFulfilled:
		if c.Expiry.Protection {
			s = s.With(ActionReleaseAfterProtection)
		}
	}
	s = s.With(ActionSellerRefund)
	return s | disputeActions(c) | splitActions(c)
}

// disputeActions holds the agent-escalation rules shared by both parties.
func disputeActions(c Conditions) ActionSet {
	var s ActionSet
	if c.State == StateDisputed && c.HasAgent {
		s = s.With(ActionInviteAgent)
	}
	if c.State == StateAgentInvited && c.Expiry.AgentTimeout {
		s = s.With(ActionClaimAgentTimeout)
	}
	return s
}

// splitActions holds the split-negotiation rules shared by both parties.
// Negotiation is only offered on escrows with an assigned agent: a
// FULFILLED escrow without one leaves the seller nothing but sellerRefund.
func splitActions(c Conditions) ActionSet {
	if c.State == StatePending || !c.HasAgent {
		return 0
	}
	s := NewActionSet(ActionProposeSplit)
	if c.Proposal != nil && !c.IsProposer {
		s = s.With(ActionApproveSplit)
	}
	if c.Proposal != nil && c.IsProposer {
		s = s.With(ActionCancelSplit)
	}
	return s
}

// ConditionsFor assembles matrix input from a snapshot, a role and timers.
func ConditionsFor(r *Record, role Role, timers Timers) Conditions {
	if r == nil {
		return Conditions{Role: role}
	}
	return Conditions{
		State:      r.State,
		Role:       role,
		Expiry:     timers.Expiry(),
		HasAgent:   r.HasAgent(),
		Proposal:   r.SplitProposal,
		IsProposer: IsProposer(r, role),
	}
}

// ComputeAvailableActions is AvailableActions over a snapshot.
func ComputeAvailableActions(r *Record, role Role, timers Timers) ActionSet {
	return AvailableActions(ConditionsFor(r, role, timers))
}

// IsProposer reports whether role authored the live split proposal.
func IsProposer(r *Record, role Role) bool {
	if r == nil || r.SplitProposal == nil || !role.IsParty() {
		return false
	}
	return ResolveRole(r, r.SplitProposal.Proposer) == role
}
