package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// counter is one item's slot in the arena.
type counter struct {
	mu        sync.Mutex
	available int
	reserved  int
}

type reservationSlot struct {
	mu  sync.Mutex
	res Reservation
}

// Memory is an in-process ledger backed by an arena of per-item counters.
//
// Thread-safety: every item has its own mutex. A hold locks only the items
// in its cart, in sorted id order. Reservations have their own mutex so a
// commit or release never contends with holds on unrelated items.
type Memory struct {
	items        sync.Map // item id -> *counter
	reservations sync.Map // reservation id -> *reservationSlot
	now          func() time.Time
}

// NewMemory creates an empty ledger.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) counter(itemID string) *counter {
	if c, ok := m.items.Load(itemID); ok {
		return c.(*counter)
	}
	c, _ := m.items.LoadOrStore(itemID, &counter{})
	return c.(*counter)
}

// lockAll locks the counters of lines, which must be sorted by item id.
func (m *Memory) lockAll(lines []Line) []*counter {
	cs := make([]*counter, len(lines))
	for i, l := range lines {
		cs[i] = m.counter(l.ItemID)
		cs[i].mu.Lock()
	}
	return cs
}

func unlockAll(cs []*counter) {
	for i := len(cs) - 1; i >= 0; i-- {
		cs[i].mu.Unlock()
	}
}

// Hold reserves every line or none.
func (m *Memory) Hold(ctx context.Context, cartID string, lines []Line) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	norm, err := NormalizeLines(lines)
	if err != nil {
		return "", err
	}

	// Items never replenished have nothing to hold.
	for _, l := range norm {
		if _, ok := m.items.Load(l.ItemID); !ok {
			return "", &InsufficientStockError{ItemID: l.ItemID, Requested: l.Quantity}
		}
	}

	cs := m.lockAll(norm)
	for i, l := range norm {
		if cs[i].available < l.Quantity {
			unlockAll(cs)
			return "", &InsufficientStockError{ItemID: l.ItemID, Requested: l.Quantity, Available: cs[i].available}
		}
	}
	for i, l := range norm {
		cs[i].available -= l.Quantity
		cs[i].reserved += l.Quantity
	}
	unlockAll(cs)

	now := m.now()
	id := NewReservationID()
	m.reservations.Store(id, &reservationSlot{res: Reservation{
		ID:        id,
		CartID:    cartID,
		Lines:     norm,
		Status:    StatusHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}})
	return id, nil
}

// Commit converts a hold into a permanent deduction.
func (m *Memory) Commit(ctx context.Context, reservationID string) error {
	return m.settle(ctx, reservationID, StatusCommitted)
}

// Release returns held quantity to available.
func (m *Memory) Release(ctx context.Context, reservationID string) error {
	return m.settle(ctx, reservationID, StatusReleased)
}

func (m *Memory) settle(ctx context.Context, reservationID string, target Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v, ok := m.reservations.Load(reservationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
	}
	slot := v.(*reservationSlot)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	done, err := CheckTransition(slot.res.Status, target)
	if err != nil || done {
		return err
	}

	cs := m.lockAll(slot.res.Lines)
	for i, l := range slot.res.Lines {
		cs[i].reserved -= l.Quantity
		if target == StatusReleased {
			cs[i].available += l.Quantity
		}
	}
	unlockAll(cs)

	slot.res.Status = target
	slot.res.UpdatedAt = m.now()
	return nil
}

// Reservation returns a copy of the reservation.
func (m *Memory) Reservation(ctx context.Context, reservationID string) (Reservation, error) {
	v, ok := m.reservations.Load(reservationID)
	if !ok {
		return Reservation{}, fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
	}
	slot := v.(*reservationSlot)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	res := slot.res
	res.Lines = append([]Line(nil), slot.res.Lines...)
	return res, nil
}

// Stock returns the counters of one item. Unknown items read as zero and
// are not added to the arena.
func (m *Memory) Stock(ctx context.Context, itemID string) (StockEntry, error) {
	v, ok := m.items.Load(itemID)
	if !ok {
		return StockEntry{ItemID: itemID}, nil
	}
	c := v.(*counter)
	c.mu.Lock()
	defer c.mu.Unlock()
	return StockEntry{ItemID: itemID, Available: c.available, Reserved: c.reserved}, nil
}

// Replenish adds delta to available. A negative delta removes stock and
// fails with ErrInsufficientStock rather than driving available below zero.
func (m *Memory) Replenish(ctx context.Context, itemID string, delta int) (StockEntry, error) {
	if itemID == "" {
		return StockEntry{}, fmt.Errorf("%w: blank item id", ErrInvalidLine)
	}
	c := m.counter(itemID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.available+delta < 0 {
		return StockEntry{}, &InsufficientStockError{ItemID: itemID, Requested: -delta, Available: c.available}
	}
	c.available += delta
	return StockEntry{ItemID: itemID, Available: c.available, Reserved: c.reserved}, nil
}
