package engine

import (
	"regexp"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator_ValidFormat(t *testing.T) {
	id := UUIDv7Generator{}.Generate()

	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestUUIDv7Generator_ConcurrentUnique(t *testing.T) {
	gen := UUIDv7Generator{}
	var mu sync.Mutex
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := gen.Generate()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 1000)
}

func TestFixedGenerator(t *testing.T) {
	gen := NewFixedGenerator("rt-a", "rt-b")
	assert.Equal(t, "rt-a", gen.Generate())
	assert.Equal(t, "rt-b", gen.Generate())
	assert.PanicsWithValue(t, "FixedGenerator: all ids exhausted", func() { gen.Generate() })
}

func TestRandomCodes_Format(t *testing.T) {
	pickup := regexp.MustCompile(`^\d{3}$`)
	pin := regexp.MustCompile(`^[1-9]\d{3}$`)
	codes := RandomCodes{}
	for i := 0; i < 500; i++ {
		p := codes.PickupCode()
		require.Regexp(t, pickup, p)
		require.NotEqual(t, "000", p)
		require.Regexp(t, pin, codes.PIN())
	}
}

func TestFallbackQR(t *testing.T) {
	assert.Equal(t, "kioskfsm://receipt/order-17?pickup=042&pin=1234", FallbackQR("order-17", "042", "1234"))
	assert.Equal(t, "kioskfsm://receipt/order%2017?pickup=001&pin=9999", FallbackQR("order 17", "001", "9999"))
}
