// Package ledger implements the inventory reservation ledger.
//
// Each sellable item carries two counters: Available (sellable now) and
// Reserved (held by in-flight orders). A Hold moves quantity from Available
// to Reserved for every line of a cart or for none of them. Commit turns a
// hold into a permanent deduction by dropping it from Reserved. Release
// returns it to Available. Commit and Release are mutually exclusive and
// final.
//
// INVARIANTS:
//   - Available >= 0 and Reserved >= 0 at all times
//   - Available+Reserved only decreases through Commit
//   - Concurrent holds against one item serialise on that item only
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientStock is returned by Hold when any line cannot be
	// covered by the item's available quantity. Nothing is held.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrUnknownReservation is returned for reservation ids the ledger has
	// never issued.
	ErrUnknownReservation = errors.New("unknown reservation")

	// ErrAlreadyCommitted is returned when releasing a committed reservation.
	ErrAlreadyCommitted = errors.New("reservation already committed")

	// ErrAlreadyReleased is returned when committing a released reservation.
	ErrAlreadyReleased = errors.New("reservation already released")

	// ErrInvalidLine is returned for empty carts, blank item ids and
	// non-positive quantities.
	ErrInvalidLine = errors.New("invalid reservation line")
)

// Line is one (item, quantity) pair of a cart.
type Line struct {
	ItemID   string `json:"item_id" yaml:"item_id"`
	Quantity int    `json:"quantity" yaml:"quantity"`
}

// Status is the lifecycle of a reservation.
type Status string

const (
	StatusHeld      Status = "held"
	StatusCommitted Status = "committed"
	StatusReleased  Status = "released"
)

// Reservation ties a cart to a set of holds.
type Reservation struct {
	ID        string    `json:"id"`
	CartID    string    `json:"cart_id"`
	Lines     []Line    `json:"lines"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StockEntry is the ledger row of one item.
type StockEntry struct {
	ItemID    string `json:"item_id"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
}

// Ledger is the contract the engine and collaborators use. Implementations
// must make Hold atomic across lines and serialise per item.
type Ledger interface {
	Hold(ctx context.Context, cartID string, lines []Line) (string, error)
	Commit(ctx context.Context, reservationID string) error
	Release(ctx context.Context, reservationID string) error
	Reservation(ctx context.Context, reservationID string) (Reservation, error)
	Stock(ctx context.Context, itemID string) (StockEntry, error)
	Replenish(ctx context.Context, itemID string, delta int) (StockEntry, error)
}

// InsufficientStockError names the first line that could not be covered.
// It matches ErrInsufficientStock via errors.Is.
type InsufficientStockError struct {
	ItemID    string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %s: requested %d, available %d",
		e.ItemID, e.Requested, e.Available)
}

// Is makes errors.Is(err, ErrInsufficientStock) true.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// NewReservationID returns a time-sortable reservation id.
func NewReservationID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NormalizeLines validates lines, merges duplicate items and sorts by item
// id. The sorted order is the lock order every implementation uses, so two
// carts touching the same items can never deadlock.
func NormalizeLines(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: empty cart", ErrInvalidLine)
	}
	merged := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.ItemID == "" {
			return nil, fmt.Errorf("%w: blank item id", ErrInvalidLine)
		}
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %s quantity %d", ErrInvalidLine, l.ItemID, l.Quantity)
		}
		merged[l.ItemID] += l.Quantity
	}
	out := make([]Line, 0, len(merged))
	for id, q := range merged {
		out = append(out, Line{ItemID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

// CheckTransition validates moving a reservation from its current status to
// target. A repeated Commit or Release is a no-op reported by done=true.
func CheckTransition(current, target Status) (done bool, err error) {
	switch {
	case current == target:
		return true, nil
	case current == StatusHeld:
		return false, nil
	case current == StatusCommitted:
		return false, ErrAlreadyCommitted
	case current == StatusReleased:
		return false, ErrAlreadyReleased
	}
	return false, fmt.Errorf("reservation in unknown status %q", current)
}
