// Package lifecycle mirrors the on-ledger escrow state machine off-ledger.
//
// Given an immutable snapshot of an agreement it classifies where the
// agreement stands, computes the time windows that gate progress, derives the
// actions each participant may invoke right now, and governs the
// split-negotiation sub-protocol. It never moves funds and never mutates a
// snapshot: after any attempted action the caller fetches a fresh one.
//
// Flow:
//  1. Seller accepts (or declines) a PENDING escrow before the acceptance deadline
//  2. Seller confirms fulfillment → buyer-protection period starts
//  3. Buyer releases, or disputes → an agent may be invited
//  4. Agent resolves, or the agent-response window lapses and either party claims the timeout
//  5. At any non-pending point the parties may negotiate a bps split instead
package lifecycle

import (
	"math/big"
	"strings"
)

// State is the on-ledger state of an escrow.
type State string

const (
	StatePending       State = "PENDING"        // Created, waiting for seller acceptance
	StateActive        State = "ACTIVE"         // Accepted, work in progress
	StateFulfilled     State = "FULFILLED"      // Seller confirmed, buyer-protection running
	StateReleased      State = "RELEASED"       // Funds sent to seller
	StateDisputed      State = "DISPUTED"       // A party opened a dispute
	StateAgentInvited  State = "AGENT_INVITED"  // Agent invited, response window running
	StateAgentResolved State = "AGENT_RESOLVED" // Agent decided the outcome
	StateRefunded      State = "REFUNDED"       // Funds returned to buyer
	StateSplit         State = "SPLIT"          // Negotiated split settled
)

// States lists every state in lifecycle order.
var States = []State{
	StatePending, StateActive, StateFulfilled, StateReleased, StateDisputed,
	StateAgentInvited, StateAgentResolved, StateRefunded, StateSplit,
}

// IsTerminal reports whether no action can ever be legal in s.
func (s State) IsTerminal() bool {
	switch s {
	case StateReleased, StateAgentResolved, StateRefunded, StateSplit:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// BpsDenominator is 100% expressed in basis points.
const BpsDenominator = 10000

// SplitProposal is the single live split offer on an escrow.
type SplitProposal struct {
	Proposer       string `json:"proposer"`
	BuyerBps       int    `json:"buyerBps"`
	SellerBps      int    `json:"sellerBps"`
	BuyerApproved  bool   `json:"buyerApproved"`
	SellerApproved bool   `json:"sellerApproved"`
}

// Settles reports whether both parties approved the proposal.
func (p *SplitProposal) Settles() bool {
	return p != nil && p.BuyerApproved && p.SellerApproved
}

// Clone returns a copy of p, or nil.
func (p *SplitProposal) Clone() *SplitProposal {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Record is a point-in-time snapshot of an escrow as held by the settlement
// layer. Timestamps are unix seconds; zero means absent.
type Record struct {
	ID     string `json:"id"`
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
	Agent  string `json:"agent,omitempty"`

	Token  string   `json:"token"`
	Amount *big.Int `json:"amount"`
	State  State    `json:"state"`

	CreatedAt            int64 `json:"createdAt"`
	SellerAcceptDeadline int64 `json:"sellerAcceptDeadline,omitempty"`
	FulfilledAt          int64 `json:"fulfilledAt,omitempty"`
	AgentInvitedAt       int64 `json:"agentInvitedAt,omitempty"`
	ResolvedAt           int64 `json:"resolvedAt,omitempty"`
	BuyerProtectionTime  int64 `json:"buyerProtectionTime"`

	SplitProposal *SplitProposal `json:"splitProposal,omitempty"`

	BuyerReceived    *big.Int `json:"buyerReceived,omitempty"`
	SellerReceived   *big.Int `json:"sellerReceived,omitempty"`
	AgentFeeReceived *big.Int `json:"agentFeeReceived,omitempty"`
}

// HasAgent reports whether a neutral agent is assigned. The zero address
// counts as unassigned.
func (r *Record) HasAgent() bool {
	return !isZeroIdentity(r.Agent)
}

// PartyAddress returns the identity holding role on r, or "" for viewers.
func (r *Record) PartyAddress(role Role) string {
	switch role {
	case RoleBuyer:
		return r.Buyer
	case RoleSeller:
		return r.Seller
	case RoleAgent:
		return r.Agent
	}
	return ""
}

// Clone returns a deep copy of r so callers can hold it without sharing
// big.Int or proposal pointers with the source.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Amount = cloneInt(r.Amount)
	cp.BuyerReceived = cloneInt(r.BuyerReceived)
	cp.SellerReceived = cloneInt(r.SellerReceived)
	cp.AgentFeeReceived = cloneInt(r.AgentFeeReceived)
	cp.SplitProposal = r.SplitProposal.Clone()
	return &cp
}

// Validate checks the structural invariants of a snapshot. A record that
// fails validation should be refetched, never repaired locally.
func (r *Record) Validate() error {
	if r == nil {
		return newValidationError("record", "is nil")
	}
	if strings.TrimSpace(r.ID) == "" {
		return newValidationError("id", "is required")
	}
	if !r.State.Valid() {
		return newValidationError("state", "unknown state "+string(r.State))
	}
	if isZeroIdentity(r.Buyer) {
		return newValidationError("buyer", "is required")
	}
	if isZeroIdentity(r.Seller) {
		return newValidationError("seller", "is required")
	}
	if r.Amount == nil || r.Amount.Sign() < 0 {
		return newValidationError("amount", "must be a non-negative integer")
	}
	if r.CreatedAt < 0 || r.BuyerProtectionTime < 0 {
		return newValidationError("createdAt", "timestamps and durations must be non-negative")
	}
	if r.SellerAcceptDeadline != 0 && r.SellerAcceptDeadline < r.CreatedAt {
		return newValidationError("sellerAcceptDeadline", "precedes createdAt")
	}
	if r.State == StateFulfilled && r.FulfilledAt == 0 {
		return newValidationError("fulfilledAt", "is required in FULFILLED")
	}
	if r.State == StateAgentInvited && r.AgentInvitedAt == 0 {
		return newValidationError("agentInvitedAt", "is required in AGENT_INVITED")
	}
	if r.State == StateAgentInvited && !r.HasAgent() {
		return newValidationError("agent", "is required in AGENT_INVITED")
	}
	if p := r.SplitProposal; p != nil {
		if err := validateBps(p.BuyerBps, p.SellerBps); err != nil {
			return err
		}
	}
	if negative(r.BuyerReceived) || negative(r.SellerReceived) || negative(r.AgentFeeReceived) {
		return newValidationError("received", "resolution amounts must be non-negative")
	}
	return nil
}

func validateBps(buyerBps, sellerBps int) error {
	if buyerBps < 0 || buyerBps > BpsDenominator {
		return newValidationError("buyerBps", "must be between 0 and 10000")
	}
	if sellerBps < 0 || sellerBps > BpsDenominator {
		return newValidationError("sellerBps", "must be between 0 and 10000")
	}
	if buyerBps+sellerBps != BpsDenominator {
		return newValidationError("bps", "buyerBps + sellerBps must equal 10000")
	}
	return nil
}

// SameIdentity compares two ledger identities case-insensitively. Empty
// identities never match.
func SameIdentity(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}

// NormalizeIdentity lower-cases and trims an identity for storage.
func NormalizeIdentity(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func isZeroIdentity(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return true
	}
	if len(id) > 2 && (id[:2] == "0x" || id[:2] == "0X") {
		return strings.Trim(id[2:], "0") == ""
	}
	return false
}

func negative(v *big.Int) bool {
	return v != nil && v.Sign() < 0
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
