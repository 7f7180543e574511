// Package escrow serves the escrow read and action API.
//
// Reads evaluate a fresh snapshot for the authenticated caller; actions go
// through the executor.Dispatcher. Amounts are rendered as decimal strings
// of base units.
package escrow

import (
	"context"
	"math/big"

	"github.com/mbd888/escrowmirror/internal/lifecycle"
	"github.com/mbd888/escrowmirror/internal/settlement"
)

// ReceiptLister lists the receipts settled against an escrow.
type ReceiptLister interface {
	Receipts(ctx context.Context, id string) ([]*lifecycle.Receipt, error)
}

// Opener creates sandbox escrows.
type Opener interface {
	Open(ctx context.Context, req settlement.OpenRequest) (*lifecycle.Record, error)
}

// Escrow is the API rendering of a lifecycle.Record.
type Escrow struct {
	ID     string `json:"id"`
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
	Agent  string `json:"agent,omitempty"`
	Token  string `json:"token,omitempty"`
	Amount string `json:"amount"`
	State  string `json:"state"`

	CreatedAt            int64 `json:"createdAt"`
	SellerAcceptDeadline int64 `json:"sellerAcceptDeadline,omitempty"`
	FulfilledAt          int64 `json:"fulfilledAt,omitempty"`
	AgentInvitedAt       int64 `json:"agentInvitedAt,omitempty"`
	ResolvedAt           int64 `json:"resolvedAt,omitempty"`
	BuyerProtectionTime  int64 `json:"buyerProtectionTime"`

	SplitProposal *lifecycle.SplitProposal `json:"splitProposal,omitempty"`

	BuyerReceived    string `json:"buyerReceived,omitempty"`
	SellerReceived   string `json:"sellerReceived,omitempty"`
	AgentFeeReceived string `json:"agentFeeReceived,omitempty"`
}

// FromRecord renders r, or returns nil.
func FromRecord(r *lifecycle.Record) *Escrow {
	if r == nil {
		return nil
	}
	return &Escrow{
		ID:                   r.ID,
		Buyer:                r.Buyer,
		Seller:               r.Seller,
		Agent:                r.Agent,
		Token:                r.Token,
		Amount:               amountString(r.Amount),
		State:                string(r.State),
		CreatedAt:            r.CreatedAt,
		SellerAcceptDeadline: r.SellerAcceptDeadline,
		FulfilledAt:          r.FulfilledAt,
		AgentInvitedAt:       r.AgentInvitedAt,
		ResolvedAt:           r.ResolvedAt,
		BuyerProtectionTime:  r.BuyerProtectionTime,
		SplitProposal:        r.SplitProposal.Clone(),
		BuyerReceived:        amountString(r.BuyerReceived),
		SellerReceived:       amountString(r.SellerReceived),
		AgentFeeReceived:     amountString(r.AgentFeeReceived),
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// ActionRequest is the body of POST /escrows/:id/actions/:action. The
// rendered fields are optional and describe the view the caller acted on.
type ActionRequest struct {
	Params          lifecycle.Params     `json:"params"`
	RenderedAt      int64                `json:"renderedAt,omitempty"`
	RenderedActions *lifecycle.ActionSet `json:"renderedActions,omitempty"`
}

// Decision returns the rendered decision, or nil when the caller sent none.
func (r ActionRequest) Decision() *lifecycle.Decision {
	if r.RenderedActions == nil {
		return nil
	}
	return &lifecycle.Decision{Actions: *r.RenderedActions, RenderedAt: r.RenderedAt}
}
