package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kioskfsm/internal/fsm"
)

func TestCreateAndGetRuntime(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rt := createTestRuntime("rt-1", "order-1")
	rt.SetSession(fsm.PhasePayment, fsm.DeviceSession{SessionID: "pay-1", StartedAt: testEpoch})
	rt.Attempts = map[fsm.Phase]int{fsm.PhasePayment: 1}
	require.NoError(t, s.CreateRuntime(ctx, rt))

	got, err := s.GetRuntime(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, rt, got)
}

func TestGetRuntime_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetRuntime(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRuntime_OneActivePerOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRuntime(ctx, createTestRuntime("rt-1", "order-1")))

	err := s.CreateRuntime(ctx, createTestRuntime("rt-2", "order-1"))
	require.ErrorIs(t, err, ErrOrderBusy)

	// Another order is unaffected.
	require.NoError(t, s.CreateRuntime(ctx, createTestRuntime("rt-3", "order-2")))
}

func TestCreateRuntime_AllowedAfterTerminal(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rt := createTestRuntime("rt-1", "order-1")
	require.NoError(t, s.CreateRuntime(ctx, rt))
	prev, e := advance(t, rt, fsm.EventStarted, 1)
	require.NoError(t, s.CommitTransition(ctx, rt, prev, e))
	prev, e = advance(t, rt, fsm.EventUserCancelled, 2)
	require.NoError(t, s.CommitTransition(ctx, rt, prev, e))

	require.NoError(t, s.CreateRuntime(ctx, createTestRuntime("rt-2", "order-1")))

	got, err := s.RuntimeForOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "rt-2", got.ID, "non-terminal runtime wins")
}

func TestCommitTransition_WritesRowAndEntry(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rt := createTestRuntime("rt-1", "order-1")
	require.NoError(t, s.CreateRuntime(ctx, rt))

	prev, e := advance(t, rt, fsm.EventStarted, 7)
	require.NoError(t, s.CommitTransition(ctx, rt, prev, e))

	got, err := s.GetRuntime(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateAwaitingPayment, got.State)
	assert.Equal(t, int64(1), got.Version)

	entries, err := s.ListTransitions(ctx, "rt-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, e, entries[0])
}

func TestCommitTransition_VersionConflictWritesNothing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rt := createTestRuntime("rt-1", "order-1")
	require.NoError(t, s.CreateRuntime(ctx, rt))

	_, e := advance(t, rt, fsm.EventStarted, 1)
	err := s.CommitTransition(ctx, rt, 5, e)
	require.ErrorIs(t, err, ErrVersionConflict)

	got, err := s.GetRuntime(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateInit, got.State)

	entries, err := s.ListTransitions(ctx, "rt-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCommitTransition_DuplicateSeqRollsBack(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rt := createTestRuntime("rt-1", "order-1")
	require.NoError(t, s.CreateRuntime(ctx, rt))
	prev, e := advance(t, rt, fsm.EventStarted, 1)
	require.NoError(t, s.CommitTransition(ctx, rt, prev, e))

	prev, e = advance(t, rt, fsm.EventPaymentRetry, 1)
	require.Error(t, s.CommitTransition(ctx, rt, prev, e))

	got, err := s.GetRuntime(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version, "runtime update must roll back with the log insert")
}

func TestAppendRejected(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRuntime(ctx, createTestRuntime("rt-1", "order-1")))

	entry := fsm.TransitionEntry{
		Seq:       1,
		RuntimeID: "rt-1",
		OrderID:   "order-1",
		From:      fsm.StateInit,
		To:        fsm.StateInit,
		Event:     fsm.EventExecutionConfirmed,
		Actor:     fsm.Actor{Type: fsm.ActorKitchen, ID: "k-1"},
		Outcome:   fsm.OutcomeRejected,
		ErrorCode: "INVALID_TRANSITION",
		At:        testEpoch,
	}
	require.NoError(t, s.AppendRejected(ctx, entry))

	n, err := s.CountTransitions(ctx, "rt-1", fsm.OutcomeRejected)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry.Seq = 2
	entry.Outcome = fsm.OutcomeApplied
	assert.Error(t, s.AppendRejected(ctx, entry))
}

func TestAppendRejected_UnknownRuntime(t *testing.T) {
	s := createTestStore(t)

	err := s.AppendRejected(context.Background(), fsm.TransitionEntry{
		Seq:       1,
		RuntimeID: "missing",
		Outcome:   fsm.OutcomeRejected,
		At:        testEpoch,
	})
	assert.Error(t, err, "foreign key must reject entries for unknown runtimes")
}

func TestLogNormalizesActorText(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rt := createTestRuntime("rt-1", "order-1")
	require.NoError(t, s.CreateRuntime(ctx, rt))
	prev, e := advance(t, rt, fsm.EventStarted, 1)
	e.Actor.ID = "café"
	e.Actor.Comment = "résumé"
	require.NoError(t, s.CommitTransition(ctx, rt, prev, e))

	entries, err := s.ListTransitions(ctx, "rt-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "café", entries[0].Actor.ID)
	assert.Equal(t, "résumé", entries[0].Actor.Comment)
}

func TestSaveRuntime_KeepsVersion(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rt := createTestRuntime("rt-1", "order-1")
	require.NoError(t, s.CreateRuntime(ctx, rt))

	rt.SetSession(fsm.PhaseKitchen, fsm.DeviceSession{SessionID: "k-1", ResultCode: "OK"})
	require.NoError(t, s.SaveRuntime(ctx, rt))

	got, err := s.GetRuntime(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Version)
	sess, ok := got.Session(fsm.PhaseKitchen)
	require.True(t, ok)
	assert.Equal(t, "OK", sess.ResultCode)

	n, err := s.CountTransitions(ctx, "rt-1", fsm.OutcomeApplied)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNonTerminalRuntimesAndMaxSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seq, err := s.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)

	a := createTestRuntime("rt-a", "order-a")
	b := createTestRuntime("rt-b", "order-b")
	require.NoError(t, s.CreateRuntime(ctx, a))
	require.NoError(t, s.CreateRuntime(ctx, b))

	prev, e := advance(t, a, fsm.EventStarted, 3)
	require.NoError(t, s.CommitTransition(ctx, a, prev, e))
	prev, e = advance(t, a, fsm.EventInactivityTimeout, 9)
	require.NoError(t, s.CommitTransition(ctx, a, prev, e))

	active, err := s.NonTerminalRuntimes(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "rt-b", active[0].ID)

	seq, err = s.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), seq)

	all, err := s.ListRuntimes(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestListTransitions_OrderedBySeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rt := createTestRuntime("rt-1", "order-1")
	require.NoError(t, s.CreateRuntime(ctx, rt))

	for i, ev := range []fsm.Event{fsm.EventStarted, fsm.EventPaymentRetry, fsm.EventPaymentSucceeded} {
		prev, e := advance(t, rt, ev, int64(10-i*3))
		// Wall time runs backwards on purpose; seq decides order.
		e.At = testEpoch.Add(-time.Duration(i) * time.Hour)
		require.NoError(t, s.CommitTransition(ctx, rt, prev, e))
	}

	entries, err := s.ListTransitions(ctx, "rt-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int64{4, 7, 10}, []int64{entries[0].Seq, entries[1].Seq, entries[2].Seq})

	byOrder, err := s.ListOrderTransitions(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, entries, byOrder)
}

func TestReplayRuntime(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rt := createTestRuntime("rt-1", "order-1")
	require.NoError(t, s.CreateRuntime(ctx, rt))
	seq := int64(0)
	for _, ev := range []fsm.Event{
		fsm.EventStarted,
		fsm.EventPaymentSucceeded,
		fsm.EventFiscalizationSucceeded,
		fsm.EventPrintingFailedOrTimeout,
		fsm.EventFallbackAccepted,
	} {
		seq++
		prev, e := advance(t, rt, ev, seq)
		require.NoError(t, s.CommitTransition(ctx, rt, prev, e))
	}
	require.NoError(t, s.AppendRejected(ctx, fsm.TransitionEntry{
		Seq: 99, RuntimeID: rt.ID, OrderID: rt.OrderID,
		From: rt.State, To: rt.State, Event: fsm.EventStarted,
		Actor: fsm.SystemActor("test", ""), Outcome: fsm.OutcomeRejected, At: testEpoch,
	}))

	res, err := s.ReplayRuntime(ctx, "rt-1")
	require.NoError(t, err)
	assert.True(t, res.Consistent, "problems: %v", res.Problems)
	assert.Equal(t, fsm.StateAwaitingExecutionConfirmation, res.ReplayedState)
	assert.Equal(t, 5, res.Applied)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, int64(99), res.LastSeq)
}

func TestReplayRuntime_DetectsTampering(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rt := createTestRuntime("rt-1", "order-1")
	require.NoError(t, s.CreateRuntime(ctx, rt))
	prev, e := advance(t, rt, fsm.EventStarted, 1)
	require.NoError(t, s.CommitTransition(ctx, rt, prev, e))

	_, err := s.db.Exec(`UPDATE order_runtimes SET state = 'COMPLETED' WHERE id = 'rt-1'`)
	require.NoError(t, err)

	res, err := s.ReplayRuntime(ctx, "rt-1")
	require.NoError(t, err)
	assert.False(t, res.Consistent)
	assert.NotEmpty(t, res.Problems)

	_, err = s.ReplayRuntime(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
