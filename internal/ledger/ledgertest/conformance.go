// Package ledgertest holds the behavioural suite every ledger.Ledger
// implementation must pass.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kioskfsm/internal/ledger"
)

// Factory returns a fresh, empty ledger for one subtest.
type Factory func(t *testing.T) ledger.Ledger

// Run executes the conformance suite against ledgers built by newLedger.
func Run(t *testing.T, newLedger Factory) {
	t.Run("HoldMovesAvailableToReserved", func(t *testing.T) { testHold(t, newLedger(t)) })
	t.Run("SecondHoldOnLastUnitFails", func(t *testing.T) { testSecondHoldFails(t, newLedger(t)) })
	t.Run("HoldIsAllOrNothing", func(t *testing.T) { testAllOrNothing(t, newLedger(t)) })
	t.Run("CommitDeducts", func(t *testing.T) { testCommit(t, newLedger(t)) })
	t.Run("ReleaseRestores", func(t *testing.T) { testRelease(t, newLedger(t)) })
	t.Run("CommitThenReleaseRejected", func(t *testing.T) { testCommitThenRelease(t, newLedger(t)) })
	t.Run("ReleaseThenCommitRejected", func(t *testing.T) { testReleaseThenCommit(t, newLedger(t)) })
	t.Run("RepeatedSettleIsIdempotent", func(t *testing.T) { testIdempotent(t, newLedger(t)) })
	t.Run("UnknownReservation", func(t *testing.T) { testUnknown(t, newLedger(t)) })
	t.Run("InvalidLines", func(t *testing.T) { testInvalid(t, newLedger(t)) })
	t.Run("ReplenishNeverNegative", func(t *testing.T) { testReplenish(t, newLedger(t)) })
	t.Run("ConcurrentHoldsNeverOversell", func(t *testing.T) { testConcurrentHolds(t, newLedger(t)) })
}

func stock(t *testing.T, l ledger.Ledger, item string) ledger.StockEntry {
	t.Helper()
	st, err := l.Stock(context.Background(), item)
	require.NoError(t, err)
	return st
}

func seed(t *testing.T, l ledger.Ledger, item string, qty int) {
	t.Helper()
	_, err := l.Replenish(context.Background(), item, qty)
	require.NoError(t, err)
}

func testHold(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	seed(t, l, "42", 1)

	id, err := l.Hold(ctx, "cart-1", []ledger.Line{{ItemID: "42", Quantity: 1}})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	st := stock(t, l, "42")
	assert.Equal(t, 0, st.Available)
	assert.Equal(t, 1, st.Reserved)

	res, err := l.Reservation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusHeld, res.Status)
	assert.Equal(t, "cart-1", res.CartID)
	assert.Equal(t, []ledger.Line{{ItemID: "42", Quantity: 1}}, res.Lines)
}

func testSecondHoldFails(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	seed(t, l, "42", 1)

	_, err := l.Hold(ctx, "cart-1", []ledger.Line{{ItemID: "42", Quantity: 1}})
	require.NoError(t, err)

	_, err = l.Hold(ctx, "cart-2", []ledger.Line{{ItemID: "42", Quantity: 1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrInsufficientStock))

	var ise *ledger.InsufficientStockError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, "42", ise.ItemID)
}

func testAllOrNothing(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	seed(t, l, "a", 5)
	seed(t, l, "b", 1)

	_, err := l.Hold(ctx, "cart-1", []ledger.Line{
		{ItemID: "a", Quantity: 2},
		{ItemID: "b", Quantity: 2},
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)

	assert.Equal(t, ledger.StockEntry{ItemID: "a", Available: 5}, stock(t, l, "a"))
	assert.Equal(t, ledger.StockEntry{ItemID: "b", Available: 1}, stock(t, l, "b"))
}

func testCommit(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	seed(t, l, "a", 3)

	id, err := l.Hold(ctx, "cart-1", []ledger.Line{{ItemID: "a", Quantity: 1}, {ItemID: "a", Quantity: 1}})
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, id))

	st := stock(t, l, "a")
	assert.Equal(t, 1, st.Available)
	assert.Equal(t, 0, st.Reserved)

	res, err := l.Reservation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCommitted, res.Status)
	assert.Equal(t, []ledger.Line{{ItemID: "a", Quantity: 2}}, res.Lines)
}

func testRelease(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	seed(t, l, "a", 3)

	id, err := l.Hold(ctx, "cart-1", []ledger.Line{{ItemID: "a", Quantity: 3}})
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, id))

	st := stock(t, l, "a")
	assert.Equal(t, 3, st.Available)
	assert.Equal(t, 0, st.Reserved)
}

func testCommitThenRelease(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	seed(t, l, "a", 1)

	id, err := l.Hold(ctx, "cart-1", []ledger.Line{{ItemID: "a", Quantity: 1}})
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, id))

	err = l.Release(ctx, id)
	require.ErrorIs(t, err, ledger.ErrAlreadyCommitted)

	assert.Equal(t, ledger.StockEntry{ItemID: "a"}, stock(t, l, "a"))
}

func testReleaseThenCommit(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	seed(t, l, "a", 1)

	id, err := l.Hold(ctx, "cart-1", []ledger.Line{{ItemID: "a", Quantity: 1}})
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, id))

	err = l.Commit(ctx, id)
	require.ErrorIs(t, err, ledger.ErrAlreadyReleased)

	assert.Equal(t, ledger.StockEntry{ItemID: "a", Available: 1}, stock(t, l, "a"))
}

func testIdempotent(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	seed(t, l, "a", 2)

	id, err := l.Hold(ctx, "cart-1", []ledger.Line{{ItemID: "a", Quantity: 1}})
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, id))
	require.NoError(t, l.Release(ctx, id))

	assert.Equal(t, ledger.StockEntry{ItemID: "a", Available: 2}, stock(t, l, "a"))
}

func testUnknown(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	assert.ErrorIs(t, l.Commit(ctx, "missing"), ledger.ErrUnknownReservation)
	assert.ErrorIs(t, l.Release(ctx, "missing"), ledger.ErrUnknownReservation)
	_, err := l.Reservation(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrUnknownReservation)
}

func testInvalid(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	_, err := l.Hold(ctx, "cart", nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidLine)
	_, err = l.Hold(ctx, "cart", []ledger.Line{{ItemID: "a", Quantity: 0}})
	assert.ErrorIs(t, err, ledger.ErrInvalidLine)
	_, err = l.Hold(ctx, "cart", []ledger.Line{{ItemID: "", Quantity: 1}})
	assert.ErrorIs(t, err, ledger.ErrInvalidLine)
}

func testReplenish(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	st, err := l.Replenish(ctx, "a", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Available)

	_, err = l.Replenish(ctx, "a", -5)
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)

	st, err = l.Replenish(ctx, "a", -4)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Available)
}

func testConcurrentHolds(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	const available = 10
	const workers = 40
	seed(t, l, "hot", available)
	seed(t, l, "side", workers)

	var wg sync.WaitGroup
	var succeeded atomic.Int64
	var unexpected atomic.Value
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lines := []ledger.Line{{ItemID: "hot", Quantity: 1}}
			if i%2 == 0 {
				lines = append(lines, ledger.Line{ItemID: "side", Quantity: 1})
			}
			_, err := l.Hold(ctx, fmt.Sprintf("cart-%d", i), lines)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ledger.ErrInsufficientStock):
			default:
				unexpected.Store(err)
			}
		}(i)
	}
	wg.Wait()

	if v := unexpected.Load(); v != nil {
		t.Fatalf("unexpected hold error: %v", v)
	}
	assert.Equal(t, int64(available), succeeded.Load())
	st := stock(t, l, "hot")
	assert.Equal(t, 0, st.Available)
	assert.Equal(t, available, st.Reserved)
	side := stock(t, l, "side")
	assert.Equal(t, workers, side.Available+side.Reserved)
}
