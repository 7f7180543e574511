package lifecycle

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strings"
)

// Action is one operation a participant can invoke on an escrow. The set is
// closed: values outside [ActionAccept, ActionCancelSplit] are invalid.
type Action uint8

const (
	ActionAccept Action = iota + 1
	ActionDecline
	ActionCancelExpired
	ActionConfirmFulfillment
	ActionRelease
	ActionReleaseAfterProtection
	ActionOpenDispute
	ActionSellerRefund
	ActionInviteAgent
	ActionClaimAgentTimeout
	ActionAgentResolve
	ActionProposeSplit
	ActionApproveSplit
	ActionCancelSplit

	actionEnd
)

var actionNames = [actionEnd]string{
	ActionAccept:                 "accept",
	ActionDecline:                "decline",
	ActionCancelExpired:          "cancelExpired",
	ActionConfirmFulfillment:     "confirmFulfillment",
	ActionRelease:                "release",
	ActionReleaseAfterProtection: "releaseAfterProtection",
	ActionOpenDispute:            "openDispute",
	ActionSellerRefund:           "sellerRefund",
	ActionInviteAgent:            "inviteAgent",
	ActionClaimAgentTimeout:      "claimAgentTimeout",
	ActionAgentResolve:           "agentResolve",
	ActionProposeSplit:           "proposeSplit",
	ActionApproveSplit:           "approveSplit",
	ActionCancelSplit:            "cancelSplit",
}

// AllActions returns every valid action in declaration order.
func AllActions() []Action {
	out := make([]Action, 0, actionEnd-1)
	for a := ActionAccept; a < actionEnd; a++ {
		out = append(out, a)
	}
	return out
}

// Valid reports whether a is a member of the closed action set.
func (a Action) Valid() bool {
	return a >= ActionAccept && a < actionEnd
}

func (a Action) String() string {
	if !a.Valid() {
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
	return actionNames[a]
}

// IsSplit reports whether a belongs to the split-negotiation sub-protocol.
func (a Action) IsSplit() bool {
	return a == ActionProposeSplit || a == ActionApproveSplit || a == ActionCancelSplit
}

// ParseAction resolves an action name. Matching is case-insensitive.
func ParseAction(name string) (Action, error) {
	for a := ActionAccept; a < actionEnd; a++ {
		if strings.EqualFold(actionNames[a], name) {
			return a, nil
		}
	}
	return 0, newValidationError("action", fmt.Sprintf("unknown action %q", name))
}

func (a Action) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("lifecycle: cannot marshal %s", a)
	}
	return []byte(actionNames[a]), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ActionSet is a set over the closed action enumeration.
type ActionSet uint32

// NewActionSet builds a set from actions. Invalid actions are ignored.
func NewActionSet(actions ...Action) ActionSet {
	var s ActionSet
	for _, a := range actions {
		s = s.With(a)
	}
	return s
}

// With returns s plus a.
func (s ActionSet) With(a Action) ActionSet {
	if !a.Valid() {
		return s
	}
	return s | 1<<a
}

// Has reports whether a is in s.
func (s ActionSet) Has(a Action) bool {
	return a.Valid() && s&(1<<a) != 0
}

// Len returns the number of actions in s.
func (s ActionSet) Len() int { return bits.OnesCount32(uint32(s)) }

// Empty reports whether s holds no action.
func (s ActionSet) Empty() bool { return s == 0 }

// Slice returns the members of s in declaration order.
func (s ActionSet) Slice() []Action {
	out := make([]Action, 0, s.Len())
	for a := ActionAccept; a < actionEnd; a++ {
		if s.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

func (s ActionSet) String() string {
	names := make([]string, 0, s.Len())
	for _, a := range s.Slice() {
		names = append(names, a.String())
	}
	return "{" + strings.Join(names, ", ") + "}"
}

// MarshalJSON encodes s as an array of action names.
func (s ActionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

// UnmarshalJSON decodes an array of action names.
func (s *ActionSet) UnmarshalJSON(data []byte) error {
	var actions []Action
	if err := json.Unmarshal(data, &actions); err != nil {
		return err
	}
	*s = NewActionSet(actions...)
	return nil
}
