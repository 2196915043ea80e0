package engine

import (
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces runtime and device session ids.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined ids for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
//
// Panics if all ids have been consumed, which means the test created more
// runtimes or device sessions than it expected.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// CodeGenerator produces the customer-facing pickup code and PIN.
type CodeGenerator interface {
	PickupCode() string
	PIN() string
}

// RandomCodes draws a 3-digit pickup code (001-999) and a 4-digit PIN.
type RandomCodes struct{}

// PickupCode implements CodeGenerator.
func (RandomCodes) PickupCode() string {
	return fmt.Sprintf("%03d", rand.IntN(999)+1)
}

// PIN implements CodeGenerator.
func (RandomCodes) PIN() string {
	return fmt.Sprintf("%04d", rand.IntN(9000)+1000)
}

// FixedCodes always returns the same codes.
type FixedCodes struct {
	Pickup string
	Pin    string
}

// PickupCode implements CodeGenerator.
func (c FixedCodes) PickupCode() string { return c.Pickup }

// PIN implements CodeGenerator.
func (c FixedCodes) PIN() string { return c.Pin }

// FallbackQR is the payload shown on screen when the receipt printer
// fails: enough for staff to match the customer to the order.
func FallbackQR(orderID, pickupCode, pin string) string {
	u := url.URL{
		Scheme:   "kioskfsm",
		Host:     "receipt",
		Path:     "/" + orderID,
		RawQuery: url.Values{"pickup": {pickupCode}, "pin": {pin}}.Encode(),
	}
	return u.String()
}
