package lifecycle

import "context"

// Params carries the action-specific arguments of an intent.
//
//   - proposeSplit: BuyerBps (SellerBps, when set, must complement it)
//   - approveSplit: BuyerBps and SellerBps the caller expects the live proposal to hold
//   - agentResolve: BuyerBps the agent awards the buyer; the seller gets the rest
type Params struct {
	BuyerBps  int    `json:"buyerBps,omitempty"`
	SellerBps int    `json:"sellerBps,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Intent is a locally validated request for the settlement layer. It is
// only ever built by Engine.Authorize, never partially.
type Intent struct {
	ID       string `json:"id"`
	RecordID string `json:"recordId"`
	Action   Action `json:"action"`
	Params   Params `json:"params"`
	Caller   string `json:"caller"`
	Role     Role   `json:"role"`
	IssuedAt int64  `json:"issuedAt"`

	// Proposal is the proposal the split action produces from the caller's
	// side: a fresh proposal for proposeSplit, the live one with only the
	// approver's flag set for approveSplit, nil for cancelSplit. The ledger
	// also counts the proposer's consent, so an approval it accepts settles
	// the escrow into SPLIT.
	Proposal *SplitProposal `json:"proposal,omitempty"`
}

// Receipt is the executor's acknowledgement of a settled intent.
type Receipt struct {
	ID         string `json:"id"`
	IntentID   string `json:"intentId"`
	RecordID   string `json:"recordId"`
	Action     Action `json:"action"`
	TxHash     string `json:"txHash"`
	ExecutedAt int64  `json:"executedAt"`
}

// Executor attempts an intent against the settlement layer. Implementations
// live outside this package. A refusal by the ledger's own rules should wrap
// ErrRejected; anything else is treated as an infrastructure failure.
// Executions are not assumed idempotent and are never retried here.
type Executor interface {
	Execute(ctx context.Context, intent Intent) (*Receipt, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, intent Intent) (*Receipt, error)

func (f ExecutorFunc) Execute(ctx context.Context, intent Intent) (*Receipt, error) {
	return f(ctx, intent)
}
