package lifecycle

import "time"

// Clock returns the current unix time in seconds. Pass one in rather than
// reading the system clock so timer logic stays deterministic.
type Clock func() int64

// SystemClock reads the wall clock.
func SystemClock() int64 { return time.Now().Unix() }

// FixedClock returns a Clock frozen at now.
func FixedClock(now int64) Clock { return func() int64 { return now } }

// TimerState is the countdown for one time-bounded phase.
type TimerState struct {
	HasLimit         bool    `json:"hasLimit"`
	TotalSeconds     int64   `json:"totalSeconds"`
	RemainingSeconds int64   `json:"remainingSeconds"`
	IsExpired        bool    `json:"isExpired"`
	ExpiryTimestamp  int64   `json:"expiryTimestamp"`
	ProgressPercent  float64 `json:"progressPercent"`
}

// ComputeTimer derives a countdown from an absolute start, a duration and
// now. A missing start or a non-positive duration means no limit, which is
// never expired.
func ComputeTimer(start, duration, now int64) TimerState {
	if start <= 0 || duration <= 0 {
		return TimerState{}
	}

	expiry := start + duration
	left := expiry - now
	remaining := left
	if remaining < 0 {
		remaining = 0
	}

	progress := 100 * float64(now-start) / float64(duration)
	switch {
	case progress < 0:
		progress = 0
	case progress > 100:
		progress = 100
	}

	return TimerState{
		HasLimit:         true,
		TotalSeconds:     duration,
		RemainingSeconds: remaining,
		IsExpired:        left <= 0,
		ExpiryTimestamp:  expiry,
		ProgressPercent:  progress,
	}
}

// Timers holds the three phase countdowns of one escrow.
type Timers struct {
	Acceptance    TimerState `json:"acceptance"`
	Protection    TimerState `json:"protection"`
	AgentResponse TimerState `json:"agentResponse"`
}

// ComputeTimers computes all three countdowns independently. Which one
// matters is decided by the state, not here. agentResponseTime is the
// network-wide window in seconds.
func ComputeTimers(r *Record, now, agentResponseTime int64) Timers {
	if r == nil {
		return Timers{}
	}
	var acceptWindow int64
	if r.SellerAcceptDeadline > 0 {
		acceptWindow = r.SellerAcceptDeadline - r.CreatedAt
	}
	return Timers{
		Acceptance:    ComputeTimer(r.CreatedAt, acceptWindow, now),
		Protection:    ComputeTimer(r.FulfilledAt, r.BuyerProtectionTime, now),
		AgentResponse: ComputeTimer(r.AgentInvitedAt, agentResponseTime, now),
	}
}

// Expiry is the set of timer flags the permission matrix reads.
type Expiry struct {
	Acceptance   bool `json:"acceptance"`
	Protection   bool `json:"protection"`
	AgentTimeout bool `json:"agentTimeout"`
}

// Expiry extracts the expiry flags.
func (t Timers) Expiry() Expiry {
	return Expiry{
		Acceptance:   t.Acceptance.IsExpired,
		Protection:   t.Protection.IsExpired,
		AgentTimeout: t.AgentResponse.IsExpired,
	}
}

// Live returns the timer that state activates, or nil.
func (t Timers) Live(state State) *TimerState {
	switch state {
	case StatePending:
		return &t.Acceptance
	case StateFulfilled:
		return &t.Protection
	case StateAgentInvited:
		return &t.AgentResponse
	}
	return nil
}

// NeedsTicking reports whether a caller should keep re-sampling now: the
// live timer has a limit and has not yet flipped.
func (t Timers) NeedsTicking(state State) bool {
	live := t.Live(state)
	return live != nil && live.HasLimit && !live.IsExpired
}
