package lifecycle

// Transition returns the state the settlement layer moves to when action
// succeeds from state, and false when the ledger has no such edge. The
// engine itself never applies it; after an action callers refetch.
//
// Split proposals and cancellations leave the state unchanged. An approval
// also leaves it unchanged unless it completes the pair, in which case the
// ledger settles into SPLIT (see SplitProposal.Settles).
func Transition(state State, action Action) (State, bool) {
	if state.IsTerminal() {
		return state, false
	}

	switch action {
	case ActionAccept:
		if state == StatePending {
			return StateActive, true
		}
	case ActionDecline, ActionCancelExpired:
		if state == StatePending {
			return StateRefunded, true
		}
	case ActionConfirmFulfillment:
		if state == StateActive {
			return StateFulfilled, true
		}
	case ActionOpenDispute:
		if state == StateActive || state == StateFulfilled {
			return StateDisputed, true
		}
	case ActionRelease, ActionReleaseAfterProtection:
		switch state {
		case StateActive, StateFulfilled, StateDisputed, StateAgentInvited:
			return StateReleased, true
		}
	case ActionSellerRefund:
		if state != StatePending {
			return StateRefunded, true
		}
	case ActionInviteAgent:
		if state == StateDisputed {
			return StateAgentInvited, true
		}
	case ActionAgentResolve:
		if state == StateAgentInvited {
			return StateAgentResolved, true
		}
	case ActionClaimAgentTimeout:
		if state == StateAgentInvited {
			return StateDisputed, true
		}
	case ActionProposeSplit, ActionApproveSplit, ActionCancelSplit:
		if state != StatePending {
			return state, true
		}
	}
	return state, false
}

// Stage is a coarse, display-oriented classification of where an escrow
// stands, combining its state with the live timer.
type Stage string

const (
	StageAwaitingAcceptance Stage = "awaiting_acceptance"
	StageAcceptanceExpired  Stage = "acceptance_expired"
	StageInProgress         Stage = "in_progress"
	StageInProtection       Stage = "in_protection"
	StageProtectionElapsed  Stage = "protection_elapsed"
	StageDisputed           Stage = "disputed"
	StageAwaitingAgent      Stage = "awaiting_agent"
	StageAgentTimedOut      Stage = "agent_timed_out"
	StageSplitPending       Stage = "split_pending"
	StageClosed             Stage = "closed"
)

// ClassifyStage answers "where does this agreement stand" for r at the
// instant timers were computed. A live split proposal takes precedence over
// the underlying non-terminal stage.
func ClassifyStage(r *Record, timers Timers) Stage {
	if r == nil || r.State.IsTerminal() {
		return StageClosed
	}
	if r.State != StatePending && r.SplitProposal != nil {
		return StageSplitPending
	}

	switch r.State {
	case StatePending:
		if timers.Acceptance.IsExpired {
			return StageAcceptanceExpired
		}
		return StageAwaitingAcceptance
	case StateActive:
		return StageInProgress
	case StateFulfilled:
		if timers.Protection.IsExpired {
			return StageProtectionElapsed
		}
		return StageInProtection
	case StateDisputed:
		return StageDisputed
	case StateAgentInvited:
		if timers.AgentResponse.IsExpired {
			return StageAgentTimedOut
		}
		return StageAwaitingAgent
	}
	return StageClosed
}
