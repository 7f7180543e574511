package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowmirror/internal/circuitbreaker"
	"github.com/mbd888/escrowmirror/internal/lifecycle"
	"github.com/mbd888/escrowmirror/internal/settlement"
	"github.com/mbd888/escrowmirror/internal/snapshot"
)

const (
	buyerAddr  = "0x00000000000000000000000000000000000000b1"
	sellerAddr = "0x00000000000000000000000000000000000000c2"
	agentAddr  = "0x00000000000000000000000000000000000000a3"

	day int64 = 24 * 60 * 60
)

type testClock struct{ now atomic.Int64 }

func (c *testClock) Now() int64            { return c.now.Load() }
func (c *testClock) Advance(seconds int64) { c.now.Add(seconds) }

// countingExecutor wraps an executor, counting calls and optionally
// overriding the outcome.
type countingExecutor struct {
	next  lifecycle.Executor
	calls atomic.Int32
	fail  error
}

func (e *countingExecutor) Execute(ctx context.Context, intent lifecycle.Intent) (*lifecycle.Receipt, error) {
	e.calls.Add(1)
	if e.fail != nil {
		return nil, e.fail
	}
	return e.next.Execute(ctx, intent)
}

type fixture struct {
	ledger *settlement.Ledger
	exec   *countingExecutor
	clock  *testClock
	d      *Dispatcher
	record *lifecycle.Record
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{}
	clock.now.Store(1_700_000_000)

	ledger := settlement.NewLedger(settlement.NewMemoryStore(), 3*day).WithClock(clock.Now)
	exec := &countingExecutor{next: ledger}
	d := NewDispatcher(lifecycle.NewEngine(3*day), snapshot.NewCoalescing(ledger), exec).
		WithClock(clock.Now).
		WithBreaker(circuitbreaker.New(3, time.Minute)).
		WithRefetch(2, time.Millisecond)

	r, err := ledger.Open(context.Background(), settlement.OpenRequest{
		Buyer:               buyerAddr,
		Seller:              sellerAddr,
		Agent:               agentAddr,
		Amount:              "1000000",
		AcceptWindow:        day,
		BuyerProtectionTime: 2 * day,
	})
	require.NoError(t, err)
	return &fixture{ledger: ledger, exec: exec, clock: clock, d: d, record: r}
}

func (f *fixture) dispatch(caller string, action lifecycle.Action) (*Result, error) {
	return f.d.Dispatch(context.Background(), Request{RecordID: f.record.ID, Caller: caller, Action: action})
}

func TestDispatch_ExecutesAndRefetches(t *testing.T) {
	f := newFixture(t)

	res, err := f.dispatch(sellerAddr, lifecycle.ActionAccept)
	require.NoError(t, err)

	assert.Equal(t, lifecycle.ActionAccept, res.Intent.Action)
	assert.Equal(t, lifecycle.RoleSeller, res.Intent.Role)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, res.Intent.ID, res.Receipt.IntentID)
	require.NotNil(t, res.Record)
	assert.Equal(t, lifecycle.StateActive, res.Record.State)
	require.NotNil(t, res.View)
	assert.Equal(t, lifecycle.NewActionSet(lifecycle.ActionConfirmFulfillment, lifecycle.ActionSellerRefund, lifecycle.ActionProposeSplit), res.View.Actions)
}

func TestDispatch_DeniedNeverExecutes(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatch(buyerAddr, lifecycle.ActionAccept)
	var perr *lifecycle.PermissionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, lifecycle.RoleBuyer, perr.Role)

	_, err = f.dispatch("", lifecycle.ActionRelease)
	assert.ErrorIs(t, err, lifecycle.ErrPermissionDenied)

	assert.Zero(t, f.exec.calls.Load())
}

func TestDispatch_StaleWhenDeadlinePasses(t *testing.T) {
	f := newFixture(t)

	view, _, err := f.d.View(context.Background(), f.record.ID, sellerAddr)
	require.NoError(t, err)
	require.True(t, view.Actions.Has(lifecycle.ActionAccept))

	// The seller's click arrives after the buyer cancelled the expired escrow.
	f.clock.Advance(day + 1)
	_, err = f.dispatch(buyerAddr, lifecycle.ActionCancelExpired)
	require.NoError(t, err)

	_, err = f.d.Dispatch(context.Background(), Request{
		RecordID: f.record.ID,
		Caller:   sellerAddr,
		Action:   lifecycle.ActionAccept,
		Rendered: view.Decision(),
	})
	var stale *lifecycle.StaleSnapshotError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, view.Now, stale.RenderedAt)
	assert.Equal(t, int32(1), f.exec.calls.Load())
}

func TestDispatch_ExecutionFailureIsTagged(t *testing.T) {
	f := newFixture(t)
	rpcErr := errors.New("rpc: connection reset")
	f.exec.fail = rpcErr

	res, err := f.dispatch(sellerAddr, lifecycle.ActionAccept)

	var eerr *lifecycle.ExecutionError
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, lifecycle.ActionAccept, eerr.Action)
	assert.Equal(t, f.record.ID, eerr.RecordID)
	assert.ErrorIs(t, err, lifecycle.ErrExecution)
	assert.ErrorIs(t, err, rpcErr)

	require.NotNil(t, res)
	assert.Nil(t, res.Receipt)
	require.NotNil(t, res.Record, "the snapshot is refetched after a failure")
	assert.Equal(t, lifecycle.StatePending, res.Record.State, "no optimistic transition")
}

func TestDispatch_LedgerRejectionDoesNotTripBreaker(t *testing.T) {
	f := newFixture(t)
	f.exec.fail = errors.Join(lifecycle.ErrRejected, errors.New("execution reverted"))

	for i := 0; i < 5; i++ {
		_, err := f.dispatch(sellerAddr, lifecycle.ActionAccept)
		require.ErrorIs(t, err, lifecycle.ErrRejected)
	}
	assert.Equal(t, int32(5), f.exec.calls.Load())
	assert.Equal(t, circuitbreaker.StateClosed, f.d.breaker.State(lifecycle.ActionAccept.String()))
}

func TestDispatch_BreakerOpensOnInfrastructureFailures(t *testing.T) {
	f := newFixture(t)
	f.exec.fail = errors.New("rpc: timeout")

	for i := 0; i < 3; i++ {
		_, err := f.dispatch(sellerAddr, lifecycle.ActionAccept)
		require.ErrorIs(t, err, lifecycle.ErrExecution)
	}

	_, err := f.dispatch(sellerAddr, lifecycle.ActionAccept)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.ErrorIs(t, err, lifecycle.ErrExecution)
	assert.Equal(t, int32(3), f.exec.calls.Load(), "an open circuit never reaches the executor")

	// Other actions have their own circuit.
	f.exec.fail = nil
	_, err = f.dispatch(sellerAddr, lifecycle.ActionDecline)
	assert.NoError(t, err)
}

func TestDispatch_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Dispatch(context.Background(), Request{
		RecordID: "0x0000000000000000000000000000000000000bad",
		Caller:   buyerAddr,
		Action:   lifecycle.ActionRelease,
	})
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	_, _, err = f.d.View(context.Background(), "0x0000000000000000000000000000000000000bad", buyerAddr)
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestDispatch_SerializesPerRecord(t *testing.T) {
	f := newFixture(t)
	_, err := f.dispatch(sellerAddr, lifecycle.ActionAccept)
	require.NoError(t, err)

	var inFlight, maxInFlight atomic.Int32
	f.d.exec = lifecycle.ExecutorFunc(func(ctx context.Context, intent lifecycle.Intent) (*lifecycle.Receipt, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return f.ledger.Execute(ctx, intent)
	})

	var wg sync.WaitGroup
	var ok, denied atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.dispatch(buyerAddr, lifecycle.ActionRelease)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, lifecycle.ErrPermissionDenied):
				denied.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, int32(1), ok.Load(), "only the first release settles")
	assert.Equal(t, int32(7), denied.Load())
}

func TestDispatch_CanceledWhileWaitingForLock(t *testing.T) {
	f := newFixture(t)
	unlock, err := f.d.locks.LockContext(context.Background(), f.record.ID)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.d.Dispatch(ctx, Request{RecordID: f.record.ID, Caller: sellerAddr, Action: lifecycle.ActionAccept})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, f.exec.calls.Load())
}

type flakySnapshots struct {
	Snapshots
	failAfter int32
	calls     atomic.Int32
}

func (s *flakySnapshots) Refresh(ctx context.Context, id string) (*lifecycle.Record, error) {
	if s.calls.Add(1) > s.failAfter {
		return nil, errors.New("rpc: unavailable")
	}
	return s.Snapshots.Refresh(ctx, id)
}

func TestDispatch_RefetchFailureKeepsReceipt(t *testing.T) {
	f := newFixture(t)
	snaps := &flakySnapshots{Snapshots: snapshot.NewCoalescing(f.ledger), failAfter: 1}
	f.d.snaps = snaps

	res, err := f.dispatch(sellerAddr, lifecycle.ActionAccept)
	require.NoError(t, err)
	assert.NotNil(t, res.Receipt)
	assert.Nil(t, res.Record)
	assert.Nil(t, res.View)
	assert.Equal(t, int32(3), snaps.calls.Load(), "one read before and two refetch attempts after")
}

func TestExecutionResultAndDenialReason(t *testing.T) {
	assert.Equal(t, "ok", executionResult(nil))
	assert.Equal(t, "breaker_open", executionResult(circuitbreaker.ErrOpen))
	assert.Equal(t, "rejected", executionResult(lifecycle.ErrRejected))
	assert.Equal(t, "canceled", executionResult(context.Canceled))
	assert.Equal(t, "error", executionResult(errors.New("boom")))

	assert.Equal(t, "stale_snapshot", denialReason(&lifecycle.StaleSnapshotError{}))
	assert.Equal(t, "permission_denied", denialReason(&lifecycle.PermissionError{}))
	assert.Equal(t, "validation", denialReason(lifecycle.ErrValidation))
}
