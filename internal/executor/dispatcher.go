// Package executor hands authorized intents to the settlement layer.
//
// Flow:
//  1. Serialize on the record ID (one in-flight action per escrow)
//  2. Fetch a fresh snapshot and authorize against it
//  3. Execute through a per-action circuit breaker
//  4. Refetch the snapshot, whatever the outcome
//
// Executions are never retried and nothing is applied locally: the
// refetched snapshot is the only source of the new state.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/escrowmirror/internal/circuitbreaker"
	"github.com/mbd888/escrowmirror/internal/lifecycle"
	"github.com/mbd888/escrowmirror/internal/logging"
	"github.com/mbd888/escrowmirror/internal/metrics"
	"github.com/mbd888/escrowmirror/internal/retry"
	"github.com/mbd888/escrowmirror/internal/snapshot"
	"github.com/mbd888/escrowmirror/internal/syncutil"
	"github.com/mbd888/escrowmirror/internal/traces"
)

const (
	DefaultBreakerThreshold    = 5
	DefaultBreakerOpenDuration = 30 * time.Second
	DefaultRefetchAttempts     = 3
	DefaultRefetchDelay        = 100 * time.Millisecond
)

// Snapshots fetches escrow records. Refresh must bypass any sharing with
// fetches that started before the call. *snapshot.Coalescing satisfies it.
type Snapshots interface {
	Fetch(ctx context.Context, id string) (*lifecycle.Record, error)
	Refresh(ctx context.Context, id string) (*lifecycle.Record, error)
}

// Request is one user-initiated action.
type Request struct {
	RecordID string
	Caller   string
	Action   lifecycle.Action
	Params   lifecycle.Params

	// Rendered is what the caller's view offered, if known. It lets a
	// timer flip surface as a stale snapshot instead of a denial.
	Rendered *lifecycle.Decision
}

// Result describes a dispatched action. Record and View reflect the
// snapshot refetched after the attempt and are nil/zero when that refetch
// failed.
type Result struct {
	Intent  lifecycle.Intent   `json:"intent"`
	Receipt *lifecycle.Receipt `json:"receipt,omitempty"`
	Record  *lifecycle.Record  `json:"record,omitempty"`
	View    *lifecycle.View    `json:"view,omitempty"`
}

// Dispatcher composes the engine, a snapshot source and an executor.
type Dispatcher struct {
	engine   *lifecycle.Engine
	snaps    Snapshots
	exec     lifecycle.Executor
	breaker  *circuitbreaker.Breaker
	locks    *syncutil.ContextShardedMutex
	clock    lifecycle.Clock
	attempts int
	delay    time.Duration
}

// NewDispatcher creates a dispatcher with default breaker and refetch
// settings and the system clock.
func NewDispatcher(engine *lifecycle.Engine, snaps Snapshots, exec lifecycle.Executor) *Dispatcher {
	return &Dispatcher{
		engine:   engine,
		snaps:    snaps,
		exec:     exec,
		breaker:  circuitbreaker.New(DefaultBreakerThreshold, DefaultBreakerOpenDuration),
		locks:    syncutil.NewContextShardedMutex(),
		clock:    lifecycle.SystemClock,
		attempts: DefaultRefetchAttempts,
		delay:    DefaultRefetchDelay,
	}
}

// WithBreaker replaces the circuit breaker.
func (d *Dispatcher) WithBreaker(b *circuitbreaker.Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// WithClock replaces the clock used for authorization and views.
func (d *Dispatcher) WithClock(clock lifecycle.Clock) *Dispatcher {
	d.clock = clock
	return d
}

// WithRefetch configures the post-execution snapshot refetch.
func (d *Dispatcher) WithRefetch(attempts int, delay time.Duration) *Dispatcher {
	d.attempts = attempts
	d.delay = delay
	return d
}

// Engine exposes the lifecycle engine.
func (d *Dispatcher) Engine() *lifecycle.Engine { return d.engine }

// Now reads the dispatcher clock.
func (d *Dispatcher) Now() int64 { return d.clock() }

// View fetches the record and evaluates it for identity.
func (d *Dispatcher) View(ctx context.Context, id, identity string) (lifecycle.View, *lifecycle.Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.view", traces.EscrowID(id))
	record, err := d.snaps.Fetch(ctx, id)
	traces.End(span, err)
	if err != nil {
		return lifecycle.View{}, nil, err
	}
	view := d.evaluate(record, identity)
	return view, record, nil
}

// Dispatch authorizes req against a fresh snapshot and executes it.
//
// Errors are *lifecycle.PermissionError, *lifecycle.ValidationError and
// *lifecycle.StaleSnapshotError from authorization (nothing was executed),
// *lifecycle.ExecutionError from the executor, or snapshot errors such as
// snapshot.ErrNotFound. On an ExecutionError the Result is still returned
// with the intent and the refetched snapshot.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (res *Result, err error) {
	ctx = logging.WithEscrow(ctx, req.RecordID)
	if req.Caller != "" {
		ctx = logging.WithIdentity(ctx, req.Caller)
	}
	ctx, span := traces.StartSpan(ctx, "escrow.dispatch",
		traces.EscrowID(req.RecordID), traces.Action(req.Action.String()))
	defer func() { traces.End(span, err) }()

	unlock, err := d.locks.LockContext(ctx, req.RecordID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	record, err := d.snaps.Refresh(ctx, req.RecordID)
	if err != nil {
		return nil, err
	}

	intent, err := d.engine.Authorize(record, req.Caller, req.Action, req.Params, d.clock(), req.Rendered)
	if err != nil {
		metrics.DenialsTotal.WithLabelValues(denialReason(err)).Inc()
		logging.L(ctx).Info("action denied", "action", req.Action, "state", record.State, "error", err)
		return nil, err
	}
	metrics.IntentsTotal.WithLabelValues(intent.Action.String()).Inc()
	span.SetAttributes(traces.IntentID(intent.ID), traces.Role(string(intent.Role)), traces.State(string(record.State)))

	receipt, execErr := d.execute(ctx, intent)

	res = &Result{Intent: intent, Receipt: receipt}
	if fresh, ferr := d.refetch(ctx, req.RecordID); ferr != nil {
		logging.L(ctx).Warn("snapshot refetch failed", "intent", intent.ID, "error", ferr)
	} else {
		view := d.evaluate(fresh, req.Caller)
		res.Record = fresh
		res.View = &view
	}

	if execErr != nil {
		return res, &lifecycle.ExecutionError{Action: intent.Action, RecordID: intent.RecordID, Err: execErr}
	}
	return res, nil
}

func (d *Dispatcher) execute(ctx context.Context, intent lifecycle.Intent) (*lifecycle.Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.execute", traces.IntentID(intent.ID))
	action := intent.Action.String()
	start := time.Now()

	var receipt *lifecycle.Receipt
	err := d.breaker.Do(action, func() error {
		var err error
		receipt, err = d.exec.Execute(ctx, intent)
		if err == nil && receipt == nil {
			err = errors.New("executor returned no receipt")
		}
		return err
	}, countsAgainstBreaker)

	metrics.ExecutionDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
	metrics.ExecutionsTotal.WithLabelValues(action, executionResult(err)).Inc()
	traces.End(span, err)

	log := logging.L(ctx).With("intent", intent.ID, "action", action, "role", intent.Role)
	switch {
	case err == nil:
		log.Info("intent executed", "receipt", receipt.ID, "tx_hash", receipt.TxHash)
		return receipt, nil
	case errors.Is(err, lifecycle.ErrRejected):
		log.Info("intent rejected by ledger", "error", err)
	default:
		log.Error("intent execution failed", "error", err)
	}
	return nil, err
}

// refetch reads the record back after an attempt. Fetches are idempotent,
// so unlike executions they are retried.
func (d *Dispatcher) refetch(ctx context.Context, id string) (*lifecycle.Record, error) {
	var record *lifecycle.Record
	err := retry.Do(ctx, d.attempts, d.delay, func(ctx context.Context) error {
		r, err := d.snaps.Refresh(ctx, id)
		if errors.Is(err, snapshot.ErrNotFound) || errors.Is(err, lifecycle.ErrValidation) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		record = r
		return nil
	})
	return record, err
}

func (d *Dispatcher) evaluate(record *lifecycle.Record, identity string) lifecycle.View {
	view := d.engine.Evaluate(record, identity, d.clock())
	metrics.EvaluationsTotal.WithLabelValues(string(view.State), string(view.Role)).Inc()
	return view
}

// countsAgainstBreaker excludes ledger rejections: a revert means the
// settlement layer is up.
func countsAgainstBreaker(err error) bool {
	return !errors.Is(err, lifecycle.ErrRejected)
}

func executionResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "breaker_open"
	case errors.Is(err, lifecycle.ErrRejected):
		return "rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func denialReason(err error) string {
	switch {
	case errors.Is(err, lifecycle.ErrStaleSnapshot):
		return "stale_snapshot"
	case errors.Is(err, lifecycle.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, lifecycle.ErrValidation):
		return "validation"
	default:
		return "other"
	}
}
