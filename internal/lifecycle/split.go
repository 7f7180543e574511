package lifecycle

import (
	"fmt"
	"math/big"
)

// The split sub-protocol never mutates the record it is given. Each
// operation returns the proposal the settlement layer would hold after the
// action, or an error that must block the intent.

// ProposeSplit builds a fresh proposal from role giving the buyer buyerBps.
// Any previous proposal is replaced and both approvals start cleared.
func ProposeSplit(r *Record, role Role, buyerBps int) (*SplitProposal, error) {
	if err := requireSplitAction(r, role, ActionProposeSplit); err != nil {
		return nil, err
	}
	if buyerBps < 0 || buyerBps > BpsDenominator {
		return nil, newValidationError("buyerBps", "must be between 0 and 10000")
	}
	p := &SplitProposal{
		Proposer:  r.PartyAddress(role),
		BuyerBps:  buyerBps,
		SellerBps: BpsDenominator - buyerBps,
	}
	if err := validateBps(p.BuyerBps, p.SellerBps); err != nil {
		return nil, err
	}
	return p, nil
}

// ApproveSplit records role's approval of the live proposal. The expected
// bps must match the live proposal exactly so an approval rendered against
// a proposal that has since been replaced is refused.
func ApproveSplit(r *Record, role Role, expectedBuyerBps, expectedSellerBps int) (*SplitProposal, error) {
	if r != nil && r.SplitProposal != nil && IsProposer(r, role) {
		return nil, &PermissionError{
			Action: ActionApproveSplit,
			Role:   role,
			State:  r.State,
			Reason: "proposer cannot approve own proposal",
		}
	}
	if err := requireSplitAction(r, role, ActionApproveSplit); err != nil {
		return nil, err
	}

	live := r.SplitProposal
	if live.BuyerBps != expectedBuyerBps || live.SellerBps != expectedSellerBps {
		return nil, newValidationError("bps", fmt.Sprintf(
			"expected %d/%d but live proposal is %d/%d",
			expectedBuyerBps, expectedSellerBps, live.BuyerBps, live.SellerBps))
	}
	if err := validateBps(live.BuyerBps, live.SellerBps); err != nil {
		return nil, err
	}

	p := live.Clone()
	switch role {
	case RoleBuyer:
		p.BuyerApproved = true
	case RoleSeller:
		p.SellerApproved = true
	}
	return p, nil
}

// CancelSplit withdraws the live proposal. Only its proposer may do so; the
// resulting proposal is always nil.
func CancelSplit(r *Record, role Role) (*SplitProposal, error) {
	if err := requireSplitAction(r, role, ActionCancelSplit); err != nil {
		return nil, err
	}
	return nil, nil
}

// SplitAmounts divides amount by the proposal's bps. The buyer share is
// amount*buyerBps/10000 rounded down; the seller takes the rest so the two
// shares always add up to amount.
func SplitAmounts(amount *big.Int, p *SplitProposal) (buyer, seller *big.Int, err error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, nil, newValidationError("amount", "must be a non-negative integer")
	}
	if p == nil {
		return nil, nil, newValidationError("splitProposal", "is required")
	}
	if err := validateBps(p.BuyerBps, p.SellerBps); err != nil {
		return nil, nil, err
	}
	buyer = BpsShare(amount, p.BuyerBps)
	seller = new(big.Int).Sub(amount, buyer)
	return buyer, seller, nil
}

// BpsShare returns amount*bps/10000 rounded down.
func BpsShare(amount *big.Int, bps int) *big.Int {
	share := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return share.Quo(share, big.NewInt(BpsDenominator))
}

// requireSplitAction checks caller and state through the permission matrix.
// Split actions do not depend on timers, so expiry flags are left clear.
func requireSplitAction(r *Record, role Role, action Action) error {
	if r == nil {
		return newValidationError("record", "is nil")
	}
	if !role.IsParty() {
		return &PermissionError{Action: action, Role: role, State: r.State, Reason: "only buyer or seller may negotiate a split"}
	}
	if !ComputeAvailableActions(r, role, Timers{}).Has(action) {
		return &PermissionError{Action: action, Role: role, State: r.State}
	}
	return nil
}
