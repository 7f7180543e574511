package lifecycle

import "math/big"

const (
	testBuyer  = "0xB0B0000000000000000000000000000000000001"
	testSeller = "0x5e11000000000000000000000000000000000002"
	testAgent  = "0xA6E0000000000000000000000000000000000003"
	testOther  = "0x0th3000000000000000000000000000000000004"

	testCreated    int64 = 1_700_000_000
	testDay        int64 = 24 * 60 * 60
	testAgentRespT int64 = 3 * testDay
)

// newRecord returns a valid escrow in state with all timestamps the state
// needs, an agent assigned and no proposal.
func newRecord(state State) *Record {
	r := &Record{
		ID:                   "0xe5c0000000000000000000000000000000000042",
		Buyer:                testBuyer,
		Seller:               testSeller,
		Agent:                testAgent,
		Token:                "0xt0ken",
		Amount:               big.NewInt(1_000_000),
		State:                state,
		CreatedAt:            testCreated,
		SellerAcceptDeadline: testCreated + testDay,
		BuyerProtectionTime:  2 * testDay,
	}
	switch state {
	case StateFulfilled, StateDisputed, StateAgentInvited, StateReleased,
		StateRefunded, StateAgentResolved, StateSplit:
		r.FulfilledAt = testCreated + 2*testDay
	}
	if state == StateAgentInvited || state == StateAgentResolved {
		r.AgentInvitedAt = testCreated + 5*testDay
	}
	return r
}

func withoutAgent(r *Record) *Record {
	r.Agent = ""
	return r
}

func withProposal(r *Record, proposer string, buyerBps int) *Record {
	r.SplitProposal = &SplitProposal{
		Proposer:  proposer,
		BuyerBps:  buyerBps,
		SellerBps: BpsDenominator - buyerBps,
	}
	return r
}

// allExpiries enumerates every combination of the three timer flags.
func allExpiries() []Expiry {
	var out []Expiry
	for i := 0; i < 8; i++ {
		out = append(out, Expiry{Acceptance: i&1 != 0, Protection: i&2 != 0, AgentTimeout: i&4 != 0})
	}
	return out
}

var allRoles = []Role{RoleBuyer, RoleSeller, RoleAgent, RoleViewer}
