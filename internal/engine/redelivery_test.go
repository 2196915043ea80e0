package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kioskfsm/internal/device"
	"github.com/roach88/kioskfsm/internal/fsm"
	"github.com/roach88/kioskfsm/internal/ledger"
	"github.com/roach88/kioskfsm/internal/testutil"
)

// flakyLedger fails the next N commits or releases, then behaves like the
// memory ledger it wraps.
type flakyLedger struct {
	*ledger.Memory

	mu       sync.Mutex
	commits  int
	releases int
}

func newFlakyLedger(t *testing.T, commits, releases int) *flakyLedger {
	t.Helper()
	mem := ledger.NewMemory()
	_, err := mem.Replenish(context.Background(), "burger", 5)
	require.NoError(t, err)
	return &flakyLedger{Memory: mem, commits: commits, releases: releases}
}

func (l *flakyLedger) Commit(ctx context.Context, id string) error {
	l.mu.Lock()
	if l.commits > 0 {
		l.commits--
		l.mu.Unlock()
		return errors.New("ledger offline")
	}
	l.mu.Unlock()
	return l.Memory.Commit(ctx, id)
}

func (l *flakyLedger) Release(ctx context.Context, id string) error {
	l.mu.Lock()
	if l.releases > 0 {
		l.releases--
		l.mu.Unlock()
		return errors.New("ledger offline")
	}
	l.mu.Unlock()
	return l.Memory.Release(ctx, id)
}

func (l *flakyLedger) burger(t *testing.T) ledger.StockEntry {
	t.Helper()
	entry, err := l.Stock(context.Background(), "burger")
	require.NoError(t, err)
	return entry
}

func rejectedCount(t *testing.T, e *Engine, runtimeID string) int {
	t.Helper()
	n, err := e.store.CountTransitions(context.Background(), runtimeID, fsm.OutcomeRejected)
	require.NoError(t, err)
	return n
}

func TestDeadline_FailedReleaseIsRetried(t *testing.T) {
	s := openTestStore(t)
	clock := testutil.NewFakeClock(testEpoch)
	l := newFlakyLedger(t, 0, 1)
	e := newTestEngine(t, s, clock, WithLedger(l))
	rt := checkout(t, e, "order-1", 1)

	clock.Advance(30 * time.Second)
	assert.Equal(t, fsm.StateAwaitingPayment, stateOf(t, e, rt.ID))
	fire, ok := e.sched.Armed(rt.ID)
	require.True(t, ok, "deadline must be re-armed after a failed effect")
	assert.Equal(t, 1, fire.Attempt)
	assert.Equal(t, int64(1), fire.Version)
	assert.Equal(t, fsm.EventInactivityTimeout, fire.Event)

	clock.Advance(time.Second)
	assert.Equal(t, fsm.StateCancelledByTimeout, stateOf(t, e, rt.ID))
	assert.Equal(t, ledger.StockEntry{ItemID: "burger", Available: 5}, l.burger(t))
	assert.Zero(t, e.sched.Len())

	log, err := e.History(context.Background(), rt.ID)
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, fsm.OutcomeRejected, log[1].Outcome)
	assert.Equal(t, string(CodeSideEffectFailed), log[1].ErrorCode)
	assert.Equal(t, fsm.OutcomeApplied, log[2].Outcome)
	assert.Equal(t, fsm.EventInactivityTimeout, log[2].Event)
	assert.Equal(t, testEpoch.Add(31*time.Second), log[2].At)
}

func TestDeadline_RetriesUntilEffectSucceeds(t *testing.T) {
	s := openTestStore(t)
	clock := testutil.NewFakeClock(testEpoch)
	l := newFlakyLedger(t, 0, 3)
	e := newTestEngine(t, s, clock, WithLedger(l))
	rt := checkout(t, e, "order-1", 2)

	clock.Advance(30 * time.Second)
	for attempt := 1; attempt <= 3; attempt++ {
		require.Equal(t, fsm.StateAwaitingPayment, stateOf(t, e, rt.ID), "attempt %d", attempt)
		fire, ok := e.sched.Armed(rt.ID)
		require.True(t, ok, "attempt %d", attempt)
		assert.Equal(t, attempt, fire.Attempt)
		clock.Advance(time.Second)
	}

	assert.Equal(t, fsm.StateCancelledByTimeout, stateOf(t, e, rt.ID))
	assert.Equal(t, ledger.StockEntry{ItemID: "burger", Available: 5}, l.burger(t))
	assert.Equal(t, 3, rejectedCount(t, e, rt.ID))
}

func TestDeadline_RetryUsesBackoff(t *testing.T) {
	s := openTestStore(t)
	clock := testutil.NewFakeClock(testEpoch)
	l := newFlakyLedger(t, 0, 1)
	e := newTestEngine(t, s, clock,
		WithLedger(l),
		WithRetryDelay(device.RetryDelay{Initial: 4 * time.Second, Max: 4 * time.Second}))
	rt := checkout(t, e, "order-1", 1)

	clock.Advance(30 * time.Second)
	fire, ok := e.sched.Armed(rt.ID)
	require.True(t, ok)
	assert.Equal(t, testEpoch.Add(34*time.Second), fire.Deadline)

	clock.Advance(3 * time.Second)
	assert.Equal(t, fsm.StateAwaitingPayment, stateOf(t, e, rt.ID))
	clock.Advance(time.Second)
	assert.Equal(t, fsm.StateCancelledByTimeout, stateOf(t, e, rt.ID))
}

func TestDeadline_StateLeftBeforeRetryDropsIt(t *testing.T) {
	s := openTestStore(t)
	clock := testutil.NewFakeClock(testEpoch)
	metrics := newRecordingMetrics()
	l := newFlakyLedger(t, 0, 1)
	e := newTestEngine(t, s, clock, WithLedger(l), WithMetrics(metrics))
	rt := checkout(t, e, "order-1", 1)

	clock.Advance(30 * time.Second)
	require.Equal(t, fsm.StateAwaitingPayment, stateOf(t, e, rt.ID))

	// The customer cancels before the rescheduled deadline runs.
	mustApply(t, e, rt.ID, fsm.EventUserCancelled)
	clock.Advance(time.Minute)

	assert.Equal(t, fsm.StateCancelledByUser, stateOf(t, e, rt.ID))
	assert.Equal(t, ledger.StockEntry{ItemID: "burger", Available: 5}, l.burger(t))
	assert.Zero(t, metrics.staleCount("timer"), "terminal entry disarms the rescheduled deadline")
	assert.Zero(t, e.sched.Len())
}

func TestRecover_MemoryLedgerLostReservations(t *testing.T) {
	s := openTestStore(t)
	first := newTestEngine(t, s, testutil.NewFakeClock(testEpoch), WithLedger(newFlakyLedger(t, 0, 0)))
	rt := checkout(t, first, "order-1", 1)
	require.NoError(t, first.Close())

	// The restarted process has a fresh memory ledger that never saw the hold.
	fresh := newFlakyLedger(t, 0, 0)
	clock := testutil.NewFakeClock(testEpoch.Add(time.Minute))
	second := newTestEngine(t, s, clock, WithLedger(fresh))
	n, err := second.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clock.Advance(0)
	assert.Equal(t, fsm.StateCancelledByTimeout, stateOf(t, second, rt.ID))
	assert.Equal(t, ledger.StockEntry{ItemID: "burger", Available: 5}, fresh.burger(t))
	assert.Zero(t, second.sched.Len())
	assert.Zero(t, rejectedCount(t, second, rt.ID))
}

func TestApply_StoreLedgerSettleFailureWritesNothing(t *testing.T) {
	s := openTestStore(t)
	e := newTestEngine(t, s, testutil.NewFakeClock(testEpoch))
	rt := checkout(t, e, "order-1", 1)

	// Settled outside the engine: the payment commit can no longer apply.
	require.NoError(t, s.Release(context.Background(), rt.ReservationID))

	state, err := e.Apply(context.Background(), rt.ID, fsm.EventPaymentSucceeded, staff)
	require.Error(t, err)
	assert.True(t, IsSideEffectError(err))
	assert.ErrorIs(t, err, ledger.ErrAlreadyReleased)
	assert.Equal(t, fsm.StateAwaitingPayment, state)

	cur, err := e.Status(context.Background(), rt.ID)
	require.NoError(t, err)
	assert.Equal(t, fsm.StateAwaitingPayment, cur.State)
	assert.Equal(t, int64(1), cur.Version)

	res, err := s.Reservation(context.Background(), rt.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusReleased, res.Status)

	// A release is a repeat of what already happened and goes through.
	assert.Equal(t, fsm.StateCancelledByUser, mustApply(t, e, rt.ID, fsm.EventUserCancelled))
	assert.Equal(t, ledger.StockEntry{ItemID: "burger", Available: 5}, stockOf(t, s))
}

func TestApply_StoreLedgerCommitsWithTransition(t *testing.T) {
	s := openTestStore(t)
	e := newTestEngine(t, s, testutil.NewFakeClock(testEpoch))
	require.True(t, e.settlesInStore())
	rt := checkout(t, e, "order-1", 2)

	mustApply(t, e, rt.ID, fsm.EventPaymentSucceeded)

	res, err := s.Reservation(context.Background(), rt.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCommitted, res.Status)
	assert.Equal(t, ledger.StockEntry{ItemID: "burger", Available: 3}, stockOf(t, s))

	other := newTestEngine(t, s, testutil.NewFakeClock(testEpoch), WithLedger(ledger.NewMemory()))
	assert.False(t, other.settlesInStore())
}

func TestDevices_FailedCommitIsRedelivered(t *testing.T) {
	s := openTestStore(t)
	clock := testutil.NewFakeClock(testEpoch)
	l := newFlakyLedger(t, 1, 0)
	drv := device.NewScripted()
	e := newTestEngine(t, s, clock, WithLedger(l), WithGateway(newScriptedGateway(drv, clock)))

	rt := checkout(t, e, "order-1", 1)
	require.Eventually(t, func() bool { return rejectedCount(t, e, rt.ID) == 1 }, 3*time.Second, 5*time.Millisecond)
	waitIdle(t, e)
	assert.Equal(t, fsm.StateAwaitingPayment, stateOf(t, e, rt.ID))

	clock.Advance(time.Second)
	waitForState(t, e, rt.ID, fsm.StateAwaitingExecutionConfirmation)
	waitIdle(t, e)

	assert.Len(t, drv.CallsFor(fsm.PhasePayment), 1, "the terminal is not charged twice")
	assert.Equal(t, ledger.StockEntry{ItemID: "burger", Available: 4}, l.burger(t))

	log, err := e.History(context.Background(), rt.ID)
	require.NoError(t, err)
	var evs []fsm.Event
	for _, entry := range log {
		if entry.Outcome == fsm.OutcomeApplied {
			evs = append(evs, entry.Event)
		}
	}
	assert.Equal(t, []fsm.Event{
		fsm.EventStarted,
		fsm.EventPaymentSucceeded,
		fsm.EventFiscalizationSucceeded,
		fsm.EventPrintSucceeded,
	}, evs)
}

func TestDevices_CommitNeverRecoversTimesOut(t *testing.T) {
	s := openTestStore(t)
	clock := testutil.NewFakeClock(testEpoch)
	l := newFlakyLedger(t, 1_000_000, 0)
	drv := device.NewScripted()
	e := newTestEngine(t, s, clock, WithLedger(l), WithGateway(newScriptedGateway(drv, clock)))

	rt := checkout(t, e, "order-1", 1)
	require.Eventually(t, func() bool { return rejectedCount(t, e, rt.ID) >= 1 }, 3*time.Second, 5*time.Millisecond)
	waitIdle(t, e)

	clock.Advance(31 * time.Second)
	waitIdle(t, e)

	assert.Equal(t, fsm.StateCancelledByTimeout, stateOf(t, e, rt.ID))
	assert.Equal(t, ledger.StockEntry{ItemID: "burger", Available: 5}, l.burger(t))
	assert.Zero(t, e.sched.Len())
}
