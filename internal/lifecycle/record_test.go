package lifecycle

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_ValidateFixtures(t *testing.T) {
	for _, state := range States {
		require.NoError(t, newRecord(state).Validate(), "fixture for %s", state)
	}
}

func TestRecord_Validate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(r *Record)
		field string
	}{
		{"missing id", func(r *Record) { r.ID = " " }, "id"},
		{"unknown state", func(r *Record) { r.State = "LOCKED" }, "state"},
		{"missing buyer", func(r *Record) { r.Buyer = "" }, "buyer"},
		{"zero seller", func(r *Record) { r.Seller = "0x0000000000000000000000000000000000000000" }, "seller"},
		{"nil amount", func(r *Record) { r.Amount = nil }, "amount"},
		{"negative amount", func(r *Record) { r.Amount = big.NewInt(-1) }, "amount"},
		{"negative protection", func(r *Record) { r.BuyerProtectionTime = -1 }, "createdAt"},
		{"deadline before creation", func(r *Record) { r.SellerAcceptDeadline = r.CreatedAt - 1 }, "sellerAcceptDeadline"},
		{"fulfilled without timestamp", func(r *Record) { r.State = StateFulfilled; r.FulfilledAt = 0 }, "fulfilledAt"},
		{"invited without timestamp", func(r *Record) {
			r.State = StateAgentInvited
			r.AgentInvitedAt = 0
		}, "agentInvitedAt"},
		{"invited without agent", func(r *Record) {
			r.State = StateAgentInvited
			r.AgentInvitedAt = r.CreatedAt
			r.Agent = ""
		}, "agent"},
		{"proposal off denominator", func(r *Record) {
			r.SplitProposal = &SplitProposal{BuyerBps: 5000, SellerBps: 4000}
		}, "bps"},
		{"proposal out of range", func(r *Record) {
			r.SplitProposal = &SplitProposal{BuyerBps: -1, SellerBps: 10001}
		}, "buyerBps"},
		{"negative payout", func(r *Record) { r.SellerReceived = big.NewInt(-5) }, "received"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRecord(StateActive)
			tt.edit(r)

			err := r.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestRecord_ValidateNil(t *testing.T) {
	var r *Record
	assert.ErrorIs(t, r.Validate(), ErrValidation)
}

func TestRecord_CloneIsIndependent(t *testing.T) {
	r := withProposal(newRecord(StateDisputed), testBuyer, 5000)
	r.BuyerReceived = big.NewInt(7)

	cp := r.Clone()
	require.Equal(t, r, cp)

	cp.Amount.SetInt64(1)
	cp.BuyerReceived.SetInt64(1)
	cp.SplitProposal.SellerApproved = true

	assert.Equal(t, int64(1_000_000), r.Amount.Int64())
	assert.Equal(t, int64(7), r.BuyerReceived.Int64())
	assert.False(t, r.SplitProposal.SellerApproved)
	assert.Nil(t, (*Record)(nil).Clone())
}

func TestRecord_HasAgent(t *testing.T) {
	tests := []struct {
		agent string
		want  bool
	}{
		{testAgent, true},
		{"", false},
		{"  ", false},
		{"0x0000000000000000000000000000000000000000", false},
		{"0X0", false},
		{"agent-7", true},
	}
	for _, tt := range tests {
		r := newRecord(StateActive)
		r.Agent = tt.agent
		assert.Equal(t, tt.want, r.HasAgent(), "agent %q", tt.agent)
	}
}

func TestSameIdentity(t *testing.T) {
	assert.True(t, SameIdentity(testBuyer, "0xb0b0000000000000000000000000000000000001"))
	assert.True(t, SameIdentity(" "+testSeller, testSeller+" "))
	assert.False(t, SameIdentity(testBuyer, testSeller))
	assert.False(t, SameIdentity("", ""))
	assert.Equal(t, "0xb0b0000000000000000000000000000000000001", NormalizeIdentity(" "+testBuyer))
}
