package settlement

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowmirror/internal/lifecycle"
)

const (
	buyerAddr  = "0x00000000000000000000000000000000000000b1"
	sellerAddr = "0x00000000000000000000000000000000000000c2"
	agentAddr  = "0x00000000000000000000000000000000000000a3"

	day          int64 = 24 * 60 * 60
	agentWindow  int64 = 3 * day
	startingTime int64 = 1_700_000_000
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

type testClock struct{ now int64 }

func (c *testClock) Now() int64            { return c.now }
func (c *testClock) Advance(seconds int64) { c.now += seconds }

func newTestLedger(t *testing.T) (*Ledger, *testClock) {
	t.Helper()
	clock := &testClock{now: startingTime}
	return NewLedger(NewMemoryStore(), agentWindow).WithClock(clock.Now).WithAgentFee(100), clock
}

func openEscrow(t *testing.T, l *Ledger) *lifecycle.Record {
	t.Helper()
	r, err := l.Open(context.Background(), OpenRequest{
		Buyer:               buyerAddr,
		Seller:              sellerAddr,
		Agent:               agentAddr,
		Amount:              "1000000",
		AcceptWindow:        day,
		BuyerProtectionTime: 2 * day,
	})
	require.NoError(t, err)
	return r
}

var intentSeq int

func act(t *testing.T, l *Ledger, id, caller string, action lifecycle.Action, params lifecycle.Params) (*lifecycle.Receipt, error) {
	t.Helper()
	intentSeq++
	return l.Execute(context.Background(), lifecycle.Intent{
		ID:       fmt.Sprintf("intent-%d", intentSeq),
		RecordID: id,
		Action:   action,
		Params:   params,
		Caller:   caller,
	})
}

func mustAct(t *testing.T, l *Ledger, id, caller string, action lifecycle.Action, params lifecycle.Params) *lifecycle.Record {
	t.Helper()
	rc, err := act(t, l, id, caller, action, params)
	require.NoError(t, err, "%s by %s", action, caller)
	require.Regexp(t, txHashPattern, rc.TxHash)
	r, err := l.Fetch(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestLedger_Open(t *testing.T) {
	l, _ := newTestLedger(t)
	r := openEscrow(t, l)

	assert.Equal(t, lifecycle.StatePending, r.State)
	assert.Equal(t, startingTime, r.CreatedAt)
	assert.Equal(t, startingTime+day, r.SellerAcceptDeadline)
	assert.Regexp(t, `^0x[0-9a-f]{40}$`, r.ID)
	assert.Equal(t, int64(1_000_000), r.Amount.Int64())

	other := openEscrow(t, l)
	assert.NotEqual(t, r.ID, other.ID)
}

func TestLedger_OpenRejectsBadRequests(t *testing.T) {
	l, _ := newTestLedger(t)

	tests := []struct {
		name string
		req  OpenRequest
	}{
		{"bad buyer", OpenRequest{Buyer: "bob", Seller: sellerAddr, Amount: "1"}},
		{"bad seller", OpenRequest{Buyer: buyerAddr, Seller: "0x12", Amount: "1"}},
		{"same parties", OpenRequest{Buyer: buyerAddr, Seller: buyerAddr, Amount: "1"}},
		{"agent is a party", OpenRequest{Buyer: buyerAddr, Seller: sellerAddr, Agent: sellerAddr, Amount: "1"}},
		{"zero amount", OpenRequest{Buyer: buyerAddr, Seller: sellerAddr, Amount: "0"}},
		{"decimal amount", OpenRequest{Buyer: buyerAddr, Seller: sellerAddr, Amount: "1.5"}},
		{"negative window", OpenRequest{Buyer: buyerAddr, Seller: sellerAddr, Amount: "1", AcceptWindow: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Open(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestLedger_HappyPath(t *testing.T) {
	l, clock := newTestLedger(t)
	r := openEscrow(t, l)

	r = mustAct(t, l, r.ID, sellerAddr, lifecycle.ActionAccept, lifecycle.Params{})
	assert.Equal(t, lifecycle.StateActive, r.State)

	clock.Advance(day)
	r = mustAct(t, l, r.ID, sellerAddr, lifecycle.ActionConfirmFulfillment, lifecycle.Params{})
	assert.Equal(t, lifecycle.StateFulfilled, r.State)
	assert.Equal(t, clock.now, r.FulfilledAt)

	r = mustAct(t, l, r.ID, buyerAddr, lifecycle.ActionRelease, lifecycle.Params{})
	assert.Equal(t, lifecycle.StateReleased, r.State)
	assert.Equal(t, int64(1_000_000), r.SellerReceived.Int64())
	assert.Zero(t, r.ResolvedAt, "no dispute, no resolution timestamp")

	receipts, err := l.Receipts(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 3)
	assert.Equal(t, lifecycle.ActionAccept, receipts[0].Action)
	assert.Equal(t, lifecycle.ActionRelease, receipts[2].Action)
}

func TestLedger_RejectsIneligibleIntents(t *testing.T) {
	l, clock := newTestLedger(t)
	r := openEscrow(t, l)

	_, err := act(t, l, r.ID, buyerAddr, lifecycle.ActionAccept, lifecycle.Params{})
	assert.ErrorIs(t, err, lifecycle.ErrRejected, "buyer cannot accept")

	_, err = act(t, l, r.ID, buyerAddr, lifecycle.ActionCancelExpired, lifecycle.Params{})
	assert.ErrorIs(t, err, lifecycle.ErrRejected, "deadline not reached")

	clock.Advance(day)
	r = mustAct(t, l, r.ID, buyerAddr, lifecycle.ActionCancelExpired, lifecycle.Params{})
	assert.Equal(t, lifecycle.StateRefunded, r.State)
	assert.Equal(t, int64(1_000_000), r.BuyerReceived.Int64())

	_, err = act(t, l, r.ID, sellerAddr, lifecycle.ActionAccept, lifecycle.Params{})
	assert.ErrorIs(t, err, lifecycle.ErrRejected, "terminal escrows accept nothing")

	_, err = act(t, l, "0xmissing", buyerAddr, lifecycle.ActionRelease, lifecycle.Params{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedger_ProtectionGatesSellerClaim(t *testing.T) {
	l, clock := newTestLedger(t)
	r := openEscrow(t, l)
	mustAct(t, l, r.ID, sellerAddr, lifecycle.ActionAccept, lifecycle.Params{})
	mustAct(t, l, r.ID, sellerAddr, lifecycle.ActionConfirmFulfillment, lifecycle.Params{})

	_, err := act(t, l, r.ID, sellerAddr, lifecycle.ActionReleaseAfterProtection, lifecycle.Params{})
	assert.ErrorIs(t, err, lifecycle.ErrRejected)

	clock.Advance(2 * day)
	r = mustAct(t, l, r.ID, sellerAddr, lifecycle.ActionReleaseAfterProtection, lifecycle.Params{})
	assert.Equal(t, lifecycle.StateReleased, r.State)
}

func TestLedger_AgentTimeoutLoopAndResolution(t *testing.T) {
	l, clock := newTestLedger(t)
	r := openEscrow(t, l)
	mustAct(t, l, r.ID, sellerAddr, lifecycle.ActionAccept, lifecycle.Params{})
	mustAct(t, l, r.ID, buyerAddr, lifecycle.ActionOpenDispute, lifecycle.Params{Reason: "late"})
	r = mustAct(t, l, r.ID, sellerAddr, lifecycle.ActionInviteAgent, lifecycle.Params{})
	assert.Equal(t, lifecycle.StateAgentInvited, r.State)
	assert.Equal(t, clock.now, r.AgentInvitedAt)

	_, err := act(t, l, r.ID, buyerAddr, lifecycle.ActionClaimAgentTimeout, lifecycle.Params{})
	assert.ErrorIs(t, err, lifecycle.ErrRejected, "agent still has time")

	clock.Advance(agentWindow)
	r = mustAct(t, l, r.ID, buyerAddr, lifecycle.ActionClaimAgentTimeout, lifecycle.Params{})
	assert.Equal(t, lifecycle.StateDisputed, r.State)
	assert.Zero(t, r.AgentInvitedAt)

	mustAct(t, l, r.ID, buyerAddr, lifecycle.ActionInviteAgent, lifecycle.Params{})

	_, err = act(t, l, r.ID, buyerAddr, lifecycle.ActionAgentResolve, lifecycle.Params{BuyerBps: 2500})
	assert.ErrorIs(t, err, lifecycle.ErrRejected, "only the agent resolves")

	clock.Advance(60)
	r = mustAct(t, l, r.ID, agentAddr, lifecycle.ActionAgentResolve, lifecycle.Params{BuyerBps: 2500})
	assert.Equal(t, lifecycle.StateAgentResolved, r.State)
	assert.Equal(t, clock.now, r.ResolvedAt)
	assert.Equal(t, int64(10_000), r.AgentFeeReceived.Int64())
	assert.Equal(t, int64(247_500), r.BuyerReceived.Int64())
	assert.Equal(t, int64(742_500), r.SellerReceived.Int64())
}

func TestLedger_SplitNegotiation(t *testing.T) {
	l, _ := newTestLedger(t)
	r := openEscrow(t, l)
	mustAct(t, l, r.ID, sellerAddr, lifecycle.ActionAccept, lifecycle.Params{})
	mustAct(t, l, r.ID, buyerAddr, lifecycle.ActionOpenDispute, lifecycle.Params{})

	r = mustAct(t, l, r.ID, sellerAddr, lifecycle.ActionProposeSplit, lifecycle.Params{BuyerBps: 6000})
	require.NotNil(t, r.SplitProposal)
	assert.Equal(t, lifecycle.StateDisputed, r.State)
	assert.True(t, lifecycle.SameIdentity(sellerAddr, r.SplitProposal.Proposer))

	_, err := act(t, l, r.ID, sellerAddr, lifecycle.ActionApproveSplit, lifecycle.Params{BuyerBps: 6000, SellerBps: 4000})
	assert.ErrorIs(t, err, lifecycle.ErrRejected, "self-approval")

	_, err = act(t, l, r.ID, buyerAddr, lifecycle.ActionApproveSplit, lifecycle.Params{BuyerBps: 5000, SellerBps: 5000})
	assert.ErrorIs(t, err, lifecycle.ErrRejected)
	assert.ErrorIs(t, err, lifecycle.ErrValidation, "stale approval keeps its cause")

	r = mustAct(t, l, r.ID, buyerAddr, lifecycle.ActionApproveSplit, lifecycle.Params{BuyerBps: 6000, SellerBps: 4000})
	assert.Equal(t, lifecycle.StateSplit, r.State)
	assert.Equal(t, int64(600_000), r.BuyerReceived.Int64())
	assert.Equal(t, int64(400_000), r.SellerReceived.Int64())
	assert.True(t, r.SplitProposal.Settles())
	assert.NotZero(t, r.ResolvedAt)
}

func TestLedger_ApprovalIntentVersusSettledRecord(t *testing.T) {
	l, clock := newTestLedger(t)
	r := openEscrow(t, l)
	mustAct(t, l, r.ID, sellerAddr, lifecycle.ActionAccept, lifecycle.Params{})
	r = mustAct(t, l, r.ID, sellerAddr, lifecycle.ActionProposeSplit, lifecycle.Params{BuyerBps: 6000})

	engine := lifecycle.NewEngine(agentWindow)
	params := lifecycle.Params{BuyerBps: 6000, SellerBps: 4000}
	intent, err := engine.Authorize(r, buyerAddr, lifecycle.ActionApproveSplit, params, clock.Now(), nil)
	require.NoError(t, err)
	require.NotNil(t, intent.Proposal)
	assert.True(t, intent.Proposal.BuyerApproved)
	assert.False(t, intent.Proposal.SellerApproved, "the intent carries the approver's flag only")

	_, err = l.Execute(context.Background(), intent)
	require.NoError(t, err)

	got, err := l.Fetch(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateSplit, got.State, "the proposer's consent completes the pair")
	assert.True(t, got.SplitProposal.BuyerApproved)
	assert.True(t, got.SplitProposal.SellerApproved)
}

func TestLedger_CancelSplit(t *testing.T) {
	l, _ := newTestLedger(t)
	r := openEscrow(t, l)
	mustAct(t, l, r.ID, sellerAddr, lifecycle.ActionAccept, lifecycle.Params{})
	mustAct(t, l, r.ID, buyerAddr, lifecycle.ActionProposeSplit, lifecycle.Params{BuyerBps: 9000})

	_, err := act(t, l, r.ID, sellerAddr, lifecycle.ActionCancelSplit, lifecycle.Params{})
	assert.ErrorIs(t, err, lifecycle.ErrRejected)

	r = mustAct(t, l, r.ID, buyerAddr, lifecycle.ActionCancelSplit, lifecycle.Params{})
	assert.Nil(t, r.SplitProposal)
	assert.Equal(t, lifecycle.StateActive, r.State)
}

func TestLedger_TerminalClearsOpenProposal(t *testing.T) {
	l, _ := newTestLedger(t)
	r := openEscrow(t, l)
	mustAct(t, l, r.ID, sellerAddr, lifecycle.ActionAccept, lifecycle.Params{})
	mustAct(t, l, r.ID, buyerAddr, lifecycle.ActionProposeSplit, lifecycle.Params{BuyerBps: 9000})

	r = mustAct(t, l, r.ID, sellerAddr, lifecycle.ActionSellerRefund, lifecycle.Params{})
	assert.Equal(t, lifecycle.StateRefunded, r.State)
	assert.Nil(t, r.SplitProposal)
}

func TestLedger_RoleComesFromCaller(t *testing.T) {
	l, _ := newTestLedger(t)
	r := openEscrow(t, l)

	// A forged role on the intent changes nothing.
	_, err := l.Execute(context.Background(), lifecycle.Intent{
		ID: "forged", RecordID: r.ID, Action: lifecycle.ActionAccept,
		Caller: buyerAddr, Role: lifecycle.RoleSeller,
	})
	assert.True(t, errors.Is(err, lifecycle.ErrRejected))
}

func TestLedger_WithAgentFeeClamps(t *testing.T) {
	l := NewLedger(NewMemoryStore(), 0).WithAgentFee(50_000)
	assert.Equal(t, MaxAgentFeeBps, l.agentFeeBps)
	assert.Equal(t, lifecycle.DefaultAgentResponseTime, l.agentResponseTime)

	l.WithAgentFee(-5)
	assert.Zero(t, l.agentFeeBps)
}
