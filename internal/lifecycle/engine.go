package lifecycle

import (
	"fmt"

	"github.com/google/uuid"
)

// DefaultAgentResponseTime is the network default agent response window.
const DefaultAgentResponseTime int64 = 7 * 24 * 60 * 60

// Engine composes role resolution, timers and the permission matrix. It
// holds only configuration and is safe for concurrent use.
type Engine struct {
	agentResponseTime int64
	newID             func() string
}

// NewEngine creates an engine for a network whose agent response window is
// agentResponseTime seconds. Non-positive values fall back to the default.
func NewEngine(agentResponseTime int64) *Engine {
	if agentResponseTime <= 0 {
		agentResponseTime = DefaultAgentResponseTime
	}
	return &Engine{
		agentResponseTime: agentResponseTime,
		newID:             uuid.NewString,
	}
}

// WithIDGenerator overrides how intent IDs are minted.
func (e *Engine) WithIDGenerator(fn func() string) *Engine {
	e.newID = fn
	return e
}

// AgentResponseTime returns the configured agent response window in seconds.
func (e *Engine) AgentResponseTime() int64 { return e.agentResponseTime }

// View is everything a caller needs to render one escrow for one identity.
type View struct {
	RecordID     string    `json:"recordId"`
	Identity     string    `json:"identity,omitempty"`
	Role         Role      `json:"role"`
	State        State     `json:"state"`
	Stage        Stage     `json:"stage"`
	Timers       Timers    `json:"timers"`
	Actions      ActionSet `json:"actions"`
	IsProposer   bool      `json:"isProposer"`
	NeedsTicking bool      `json:"needsTicking"`
	Now          int64     `json:"now"`
}

// Decision is the part of a View a caller acted on: the action set it showed
// and the instant it was computed for.
type Decision struct {
	Actions    ActionSet `json:"actions"`
	RenderedAt int64     `json:"renderedAt"`
}

// Decision captures what v offered.
func (v View) Decision() *Decision {
	return &Decision{Actions: v.Actions, RenderedAt: v.Now}
}

// Evaluate derives role, timers, stage and actions for identity at now.
func (e *Engine) Evaluate(r *Record, identity string, now int64) View {
	if r == nil {
		return View{Role: RoleViewer, Stage: StageClosed, Now: now}
	}
	role := ResolveRole(r, identity)
	timers := ComputeTimers(r, now, e.agentResponseTime)
	return View{
		RecordID:     r.ID,
		Identity:     identity,
		Role:         role,
		State:        r.State,
		Stage:        ClassifyStage(r, timers),
		Timers:       timers,
		Actions:      ComputeAvailableActions(r, role, timers),
		IsProposer:   IsProposer(r, role),
		NeedsTicking: timers.NeedsTicking(r.State),
		Now:          now,
	}
}

// Authorize validates that identity may invoke action on r at now and
// returns the intent to hand to an Executor. rendered, when non-nil, is what
// the caller showed the user; an action it offered that is no longer
// available yields a StaleSnapshotError rather than a plain denial.
//
// Every failure blocks the intent entirely.
func (e *Engine) Authorize(r *Record, identity string, action Action, params Params, now int64, rendered *Decision) (Intent, error) {
	if !action.Valid() {
		return Intent{}, newValidationError("action", fmt.Sprintf("unknown action %s", action))
	}
	if err := r.Validate(); err != nil {
		return Intent{}, err
	}

	view := e.Evaluate(r, identity, now)
	// Self-approval is refused whatever the caller claims to have seen.
	if action == ActionApproveSplit && view.IsProposer {
		return Intent{}, &PermissionError{
			Action: action,
			Role:   view.Role,
			State:  r.State,
			Reason: "proposer cannot approve own proposal",
		}
	}
	if !view.Actions.Has(action) {
		if rendered != nil && rendered.Actions.Has(action) {
			return Intent{}, &StaleSnapshotError{Action: action, RenderedAt: rendered.RenderedAt, Now: now}
		}
		return Intent{}, &PermissionError{Action: action, Role: view.Role, State: r.State}
	}

	intent := Intent{
		ID:       e.newID(),
		RecordID: r.ID,
		Action:   action,
		Params:   params,
		Caller:   identity,
		Role:     view.Role,
		IssuedAt: now,
	}

	switch action {
	case ActionProposeSplit:
		if params.SellerBps != 0 && params.BuyerBps+params.SellerBps != BpsDenominator {
			return Intent{}, newValidationError("bps", "buyerBps + sellerBps must equal 10000")
		}
		p, err := ProposeSplit(r, view.Role, params.BuyerBps)
		if err != nil {
			return Intent{}, err
		}
		intent.Proposal = p
		intent.Params.SellerBps = p.SellerBps
	case ActionApproveSplit:
		p, err := ApproveSplit(r, view.Role, params.BuyerBps, params.SellerBps)
		if err != nil {
			return Intent{}, err
		}
		intent.Proposal = p
	case ActionCancelSplit:
		if _, err := CancelSplit(r, view.Role); err != nil {
			return Intent{}, err
		}
	case ActionAgentResolve:
		if params.BuyerBps < 0 || params.BuyerBps > BpsDenominator {
			return Intent{}, newValidationError("buyerBps", "must be between 0 and 10000")
		}
		intent.Params.SellerBps = BpsDenominator - params.BuyerBps
	}

	return intent, nil
}
