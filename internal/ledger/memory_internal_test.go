package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func arenaSize(m *Memory) int {
	n := 0
	m.items.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

func TestMemory_ReadsDoNotGrowArena(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.Replenish(ctx, "burger", 3)
	require.NoError(t, err)

	for _, id := range []string{"ghost", "ghost", "nope", "x-1"} {
		entry, err := m.Stock(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StockEntry{ItemID: id}, entry)
	}
	assert.Equal(t, 1, arenaSize(m))
}

func TestMemory_HoldUnknownItemDoesNotGrowArena(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.Replenish(ctx, "burger", 3)
	require.NoError(t, err)

	_, err = m.Hold(ctx, "cart", []Line{{ItemID: "burger", Quantity: 1}, {ItemID: "ghost", Quantity: 1}})
	require.ErrorIs(t, err, ErrInsufficientStock)
	var ise *InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "ghost", ise.ItemID)

	assert.Equal(t, 1, arenaSize(m))
	entry, err := m.Stock(ctx, "burger")
	require.NoError(t, err)
	assert.Equal(t, 3, entry.Available, "nothing held when one line fails")
}
