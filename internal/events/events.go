// Package events fans out lifecycle notifications to in-process
// subscribers (SSE streams) and to Kafka.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/kioskfsm/internal/fsm"
)

// Notification describes one applied transition.
type Notification struct {
	Seq       int64     `json:"seq"`
	RuntimeID string    `json:"runtime_id"`
	OrderID   string    `json:"order_id"`
	From      fsm.State `json:"from"`
	To        fsm.State `json:"to"`
	Event     fsm.Event `json:"event"`
	Actor     fsm.Actor `json:"actor"`
	Terminal  bool      `json:"terminal"`
	At        time.Time `json:"at"`
}

// FromEntry builds a notification from an applied log entry.
func FromEntry(e fsm.TransitionEntry) Notification {
	return Notification{
		Seq:       e.Seq,
		RuntimeID: e.RuntimeID,
		OrderID:   e.OrderID,
		From:      e.From,
		To:        e.To,
		Event:     e.Event,
		Actor:     e.Actor,
		Terminal:  e.To.IsTerminal(),
		At:        e.At,
	}
}

// Publisher delivers notifications somewhere.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, n Notification) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
