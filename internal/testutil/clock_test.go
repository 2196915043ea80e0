package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_RunsTimersInOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	var order []string
	var seenAt []time.Time
	c.AfterFunc(3*time.Second, func() { order = append(order, "c"); seenAt = append(seenAt, c.Now()) })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a"); seenAt = append(seenAt, c.Now()) })
	c.AfterFunc(2*time.Second, func() {
		order = append(order, "b")
		c.AfterFunc(0, func() { order = append(order, "b2") })
	})

	c.Advance(5 * time.Second)
	assert.Equal(t, []string{"a", "b", "b2", "c"}, order)
	assert.Equal(t, []time.Time{start.Add(time.Second), start.Add(3 * time.Second)}, seenAt)
	assert.Equal(t, start.Add(5*time.Second), c.Now())
}

func TestFakeClock_Stop(t *testing.T) {
	c := NewFakeClock(time.Time{})
	ran := false
	tm := c.AfterFunc(time.Second, func() { ran = true })

	assert.Equal(t, 1, c.Pending())
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	c.Advance(time.Hour)
	assert.False(t, ran)
	assert.Zero(t, c.Pending())
}

func TestSequentialIDs(t *testing.T) {
	g := NewSequentialIDs("rt")
	assert.Equal(t, "rt-0001", g.Generate())
	assert.Equal(t, "rt-0002", g.Generate())
	g.Reset()
	assert.Equal(t, "rt-0001", g.Generate())
	assert.Equal(t, "test-0001", NewSequentialIDs("").Generate())
}
