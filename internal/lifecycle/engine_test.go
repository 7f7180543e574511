package lifecycle

import (
	"errors"
	"fmt"
	"testing"
)

func newTestEngine() *Engine {
	n := 0
	return NewEngine(testAgentRespT).WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("intent-%d", n)
	})
}

func TestEngine_EvaluateBuyerInProtection(t *testing.T) {
	e := newTestEngine()
	r := newRecord(StateFulfilled)
	now := r.FulfilledAt + testDay

	v := e.Evaluate(r, "0xb0b0000000000000000000000000000000000001", now)

	if v.Role != RoleBuyer {
		t.Errorf("Expected buyer role, got %s", v.Role)
	}
	if v.Stage != StageInProtection {
		t.Errorf("Expected stage in_protection, got %s", v.Stage)
	}
	if !v.NeedsTicking {
		t.Error("Expected the protection countdown to need ticking")
	}
	if v.Timers.Protection.RemainingSeconds != testDay {
		t.Errorf("Expected %d seconds remaining, got %d", testDay, v.Timers.Protection.RemainingSeconds)
	}
	want := NewActionSet(ActionRelease, ActionOpenDispute, ActionProposeSplit)
	if v.Actions != want {
		t.Errorf("Expected %s, got %s", want, v.Actions)
	}
}

func TestEngine_EvaluateNilRecord(t *testing.T) {
	v := newTestEngine().Evaluate(nil, testBuyer, 10)
	if v.Role != RoleViewer || !v.Actions.Empty() || v.Stage != StageClosed {
		t.Errorf("Expected empty viewer view, got %+v", v)
	}
}

func TestEngine_DefaultAgentResponseTime(t *testing.T) {
	if got := NewEngine(0).AgentResponseTime(); got != DefaultAgentResponseTime {
		t.Errorf("Expected default %d, got %d", DefaultAgentResponseTime, got)
	}
}

func TestEngine_AuthorizeBuildsIntent(t *testing.T) {
	e := newTestEngine()
	r := newRecord(StateActive)
	now := testCreated + 3*testDay

	intent, err := e.Authorize(r, testSeller, ActionConfirmFulfillment, Params{}, now, nil)
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if intent.ID != "intent-1" {
		t.Errorf("Expected generated ID, got %q", intent.ID)
	}
	if intent.RecordID != r.ID || intent.Role != RoleSeller || intent.IssuedAt != now || intent.Caller != testSeller {
		t.Errorf("Unexpected intent %+v", intent)
	}
	if r.State != StateActive {
		t.Error("Authorize must never transition the snapshot")
	}
}

func TestEngine_AuthorizeDenied(t *testing.T) {
	e := newTestEngine()
	r := newRecord(StateActive)

	tests := []struct {
		name     string
		identity string
		action   Action
	}{
		{"viewer", testOther, ActionRelease},
		{"no identity", "", ActionRelease},
		{"buyer cannot confirm", testBuyer, ActionConfirmFulfillment},
		{"seller cannot release", testSeller, ActionRelease},
		{"agent not yet invited", testAgent, ActionAgentResolve},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Authorize(r, tt.identity, tt.action, Params{}, testCreated+3*testDay, nil)
			var perr *PermissionError
			if !errors.As(err, &perr) {
				t.Fatalf("Expected PermissionError, got %v", err)
			}
			if perr.Action != tt.action {
				t.Errorf("Expected action %s in error, got %s", tt.action, perr.Action)
			}
		})
	}
}

func TestEngine_AuthorizeStaleWhenTimerFlips(t *testing.T) {
	e := newTestEngine()
	r := newRecord(StateFulfilled)
	r.BuyerProtectionTime = testDay

	// The seller renders the claim, then the buyer opens a dispute before
	// the seller's click reaches the engine.
	renderedAt := r.FulfilledAt + 2*testDay
	view := e.Evaluate(r, testSeller, renderedAt)
	if !view.Actions.Has(ActionReleaseAfterProtection) {
		t.Fatalf("Expected releaseAfterProtection in %s", view.Actions)
	}

	fresh := r.Clone()
	fresh.State = StateDisputed
	_, err := e.Authorize(fresh, testSeller, ActionReleaseAfterProtection, Params{}, renderedAt+5, view.Decision())

	var stale *StaleSnapshotError
	if !errors.As(err, &stale) {
		t.Fatalf("Expected StaleSnapshotError, got %v", err)
	}
	if !errors.Is(err, ErrStaleSnapshot) {
		t.Error("Expected error to match ErrStaleSnapshot")
	}
	if stale.RenderedAt != renderedAt || stale.Now != renderedAt+5 {
		t.Errorf("Unexpected timestamps in %+v", stale)
	}
}

func TestEngine_AuthorizeStaleWhenClockPassesDeadline(t *testing.T) {
	e := newTestEngine()
	r := newRecord(StateAgentInvited)
	expiry := r.AgentInvitedAt + testAgentRespT

	// The refetched snapshot carries a fresh invitation, so the rendered
	// claim is gone.
	view := e.Evaluate(r, testBuyer, expiry)
	if !view.Actions.Has(ActionClaimAgentTimeout) {
		t.Fatalf("Expected claimAgentTimeout in %s", view.Actions)
	}

	reinvited := r.Clone()
	reinvited.AgentInvitedAt = expiry
	_, err := e.Authorize(reinvited, testBuyer, ActionClaimAgentTimeout, Params{}, expiry+1, view.Decision())
	if !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("Expected stale snapshot, got %v", err)
	}

	_, err = e.Authorize(reinvited, testBuyer, ActionClaimAgentTimeout, Params{}, expiry+1, nil)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Expected permission denied without a rendered decision, got %v", err)
	}
}

func TestEngine_AuthorizeSplitIntents(t *testing.T) {
	e := newTestEngine()
	now := testCreated + 3*testDay

	r := newRecord(StateDisputed)
	intent, err := e.Authorize(r, testSeller, ActionProposeSplit, Params{BuyerBps: 6000}, now, nil)
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	if intent.Proposal == nil || intent.Proposal.SellerBps != 4000 || intent.Params.SellerBps != 4000 {
		t.Errorf("Unexpected proposal intent %+v", intent)
	}

	_, err = e.Authorize(r, testSeller, ActionProposeSplit, Params{BuyerBps: 6000, SellerBps: 5000}, now, nil)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for inconsistent bps, got %v", err)
	}

	r.SplitProposal = intent.Proposal
	approve, err := e.Authorize(r, testBuyer, ActionApproveSplit, Params{BuyerBps: 6000, SellerBps: 4000}, now, nil)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if !approve.Proposal.BuyerApproved {
		t.Error("Expected buyer approval on the resulting proposal")
	}

	_, err = e.Authorize(r, testBuyer, ActionApproveSplit, Params{BuyerBps: 5000, SellerBps: 5000}, now, nil)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for stale approval, got %v", err)
	}

	cancel, err := e.Authorize(r, testSeller, ActionCancelSplit, Params{}, now, nil)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancel.Proposal != nil {
		t.Error("Expected no proposal after cancel")
	}
}

func TestEngine_AuthorizeSelfApprovalDeniedDespiteRenderedDecision(t *testing.T) {
	e := newTestEngine()
	now := testCreated + 3*testDay
	rendered := &Decision{Actions: NewActionSet(ActionApproveSplit), RenderedAt: now - 10}

	for _, state := range States {
		for _, proposer := range []string{testBuyer, testSeller} {
			r := withProposal(newRecord(state), proposer, 6000)

			_, err := e.Authorize(r, proposer, ActionApproveSplit, Params{BuyerBps: 6000, SellerBps: 4000}, now, rendered)
			if !errors.Is(err, ErrPermissionDenied) {
				t.Errorf("%s: proposer %s approving own proposal: expected permission denied, got %v", state, proposer, err)
			}
			if errors.Is(err, ErrStaleSnapshot) {
				t.Errorf("%s: self-approval must not be reported as stale", state)
			}
			var perr *PermissionError
			if errors.As(err, &perr) && perr.Reason != "proposer cannot approve own proposal" {
				t.Errorf("%s: unexpected reason %q", state, perr.Reason)
			}
		}
	}
}

func TestEngine_AuthorizeAgentResolve(t *testing.T) {
	e := newTestEngine()
	r := newRecord(StateAgentInvited)
	now := r.AgentInvitedAt + 10

	intent, err := e.Authorize(r, testAgent, ActionAgentResolve, Params{BuyerBps: 2500}, now, nil)
	if err != nil {
		t.Fatalf("agentResolve failed: %v", err)
	}
	if intent.Params.SellerBps != 7500 {
		t.Errorf("Expected complement 7500, got %d", intent.Params.SellerBps)
	}

	_, err = e.Authorize(r, testAgent, ActionAgentResolve, Params{BuyerBps: 12000}, now, nil)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestEngine_AuthorizeRejectsInvalidInput(t *testing.T) {
	e := newTestEngine()

	_, err := e.Authorize(newRecord(StateActive), testBuyer, Action(99), Params{}, testCreated, nil)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for unknown action, got %v", err)
	}

	broken := newRecord(StateActive)
	broken.SplitProposal = &SplitProposal{BuyerBps: 6000, SellerBps: 6000}
	_, err = e.Authorize(broken, testBuyer, ActionRelease, Params{}, testCreated, nil)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for broken snapshot, got %v", err)
	}

	_, err = e.Authorize(nil, testBuyer, ActionRelease, Params{}, testCreated, nil)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for nil snapshot, got %v", err)
	}
}
