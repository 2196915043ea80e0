package harness

import (
	"fmt"
	"time"

	"github.com/roach88/kioskfsm/internal/fsm"
)

// TraceEvent is one lifecycle log entry as it appears in results and
// golden files. At is the offset from the scenario epoch.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Order   string `json:"order"`
	From    string `json:"from"`
	To      string `json:"to"`
	Event   string `json:"event"`
	Actor   string `json:"actor"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
	At      string `json:"at"`
}

func traceEventFrom(e fsm.TransitionEntry, epoch time.Time) TraceEvent {
	return TraceEvent{
		Seq:     e.Seq,
		Order:   e.OrderID,
		From:    string(e.From),
		To:      string(e.To),
		Event:   string(e.Event),
		Actor:   fmt.Sprintf("%s:%s", e.Actor.Type, e.Actor.ID),
		Outcome: string(e.Outcome),
		Error:   e.ErrorCode,
		At:      e.At.Sub(epoch).String(),
	}
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace is every log entry of every runtime the scenario created, in
	// seq order.
	Trace []TraceEvent `json:"trace"`

	// Errors lists failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the final state of each order's latest runtime.
	State map[string]string `json:"state,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]string),
	}
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
