package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/kioskfsm/internal/fsm"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testEpoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

// createTestRuntime returns a runtime in INIT with minimal required fields.
func createTestRuntime(id, orderID string) *fsm.Runtime {
	return &fsm.Runtime{
		ID:             id,
		OrderID:        orderID,
		State:          fsm.StateInit,
		StateEnteredAt: testEpoch,
		ReservationID:  "res-" + id,
		PickupCode:     "123",
		PINCode:        "4567",
		CreatedAt:      testEpoch,
		UpdatedAt:      testEpoch,
	}
}

// advance applies one table transition to rt in memory and returns the
// previous version and the matching applied log entry.
func advance(t *testing.T, rt *fsm.Runtime, event fsm.Event, seq int64) (int64, fsm.TransitionEntry) {
	t.Helper()
	to, ok := fsm.Next(rt.State, event)
	if !ok {
		t.Fatalf("%s --%s--> is not a legal transition", rt.State, event)
	}
	prev := rt.Version
	at := testEpoch.Add(time.Duration(seq) * time.Second)
	entry := fsm.TransitionEntry{
		Seq:       seq,
		RuntimeID: rt.ID,
		OrderID:   rt.OrderID,
		From:      rt.State,
		To:        to,
		Event:     event,
		Actor:     fsm.Actor{Type: fsm.ActorCustomer, ID: "kiosk-1"},
		Outcome:   fsm.OutcomeApplied,
		At:        at,
	}
	rt.State = to
	rt.StateEnteredAt = at
	rt.Version++
	rt.UpdatedAt = at
	return prev, entry
}
