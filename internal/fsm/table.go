package fsm

import (
	"fmt"
	"sort"
	"time"
)

// Transition is one row of the transition table.
type Transition struct {
	From  State
	Event Event
	To    State
}

// Effect is a ledger side effect bound to a transition. It runs before the
// transition is committed; if it fails the transition is not applied.
type Effect string

const (
	EffectNone    Effect = ""
	EffectCommit  Effect = "commit"
	EffectRelease Effect = "release"
)

type transitionKey struct {
	from  State
	event Event
}

// transitions is the table in declaration order.
var transitions = []Transition{
	{StateInit, EventStarted, StateAwaitingPayment},

	{StateAwaitingPayment, EventPaymentSucceeded, StateAwaitingFiscalization},
	{StateAwaitingPayment, EventPaymentFailed, StateUnsuccessfulPayment},
	{StateAwaitingPayment, EventUserCancelled, StateCancelledByUser},
	{StateAwaitingPayment, EventInactivityTimeout, StateCancelledByTimeout},
	{StateAwaitingPayment, EventPaymentRetry, StateAwaitingPayment},

	{StateAwaitingFiscalization, EventFiscalizationSucceeded, StateAwaitingPrinting},
	{StateAwaitingFiscalization, EventFiscalizationFailed, StateUnsuccessfulFiscalization},
	{StateAwaitingFiscalization, EventFiscalizationRetry, StateAwaitingFiscalization},

	{StateAwaitingPrinting, EventPrintSucceeded, StateAwaitingExecutionConfirmation},
	{StateAwaitingPrinting, EventPrintingFailedOrTimeout, StatePrintFailed},

	{StatePrintFailed, EventFallbackAccepted, StateAwaitingExecutionConfirmation},
	{StatePrintFailed, EventFallbackDeclinedOrTimeout, StateAlternativeReceiptDeclined},

	{StateAwaitingExecutionConfirmation, EventExecutionConfirmed, StateCompleted},
	{StateAwaitingExecutionConfirmation, EventCancelByOperator, StateCancelledByZeroCulture},
	{StateAwaitingExecutionConfirmation, EventExecutionTimeout, StateUnknownExecutionNoResponse},
}

var transitionIndex = func() map[transitionKey]State {
	idx := make(map[transitionKey]State, len(transitions))
	for _, t := range transitions {
		idx[transitionKey{t.From, t.Event}] = t.To
	}
	return idx
}()

// Transitions returns a copy of the table in declaration order.
func Transitions() []Transition {
	out := make([]Transition, len(transitions))
	copy(out, transitions)
	return out
}

// Next returns the destination of event in state from.
func Next(from State, event Event) (State, bool) {
	to, ok := transitionIndex[transitionKey{from, event}]
	return to, ok
}

// CanTransition reports whether event is legal in state from.
func CanTransition(from State, event Event) bool {
	_, ok := Next(from, event)
	return ok
}

// PermittedEvents returns the events legal in state s, sorted by name.
func PermittedEvents(s State) []Event {
	var out []Event
	for _, t := range transitions {
		if t.From == s {
			out = append(out, t.Event)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EffectOf returns the ledger effect of a transition.
//
// Leaving AWAITING_PAYMENT for fiscalization commits the reservation; any
// other exit from AWAITING_PAYMENT ends the order before payment success and
// releases it.
func EffectOf(from, to State) Effect {
	if from != StateAwaitingPayment || to == StateAwaitingPayment {
		return EffectNone
	}
	if to == StateAwaitingFiscalization {
		return EffectCommit
	}
	return EffectRelease
}

// IsRetry reports whether event is a bounded self-loop retry and returns the
// phase it counts against and the failure event it escalates to.
func IsRetry(event Event) (Phase, Event, bool) {
	switch event {
	case EventPaymentRetry:
		return PhasePayment, EventPaymentFailed, true
	case EventFiscalizationRetry:
		return PhaseFiscal, EventFiscalizationFailed, true
	}
	return "", "", false
}

// Deadline is the timeout attached to a state: if no qualifying event
// arrives within After of entering the state, Event is delivered.
type Deadline struct {
	After time.Duration
	Event Event
}

// Timeouts maps states to deadlines. States absent from the map have none.
type Timeouts map[State]Deadline

// DefaultTimeouts returns the documented deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		StateAwaitingPayment:               {After: 30 * time.Second, Event: EventInactivityTimeout},
		StateAwaitingFiscalization:         {After: 20 * time.Second, Event: EventFiscalizationRetry},
		StateAwaitingPrinting:              {After: 20 * time.Second, Event: EventPrintingFailedOrTimeout},
		StatePrintFailed:                   {After: 20 * time.Second, Event: EventFallbackDeclinedOrTimeout},
		StateAwaitingExecutionConfirmation: {After: 3 * time.Hour, Event: EventExecutionTimeout},
	}
}

// For returns the deadline of s, if any. Terminal states never have one.
func (t Timeouts) For(s State) (Deadline, bool) {
	if s.IsTerminal() {
		return Deadline{}, false
	}
	d, ok := t[s]
	if !ok || d.After <= 0 {
		return Deadline{}, false
	}
	return d, true
}

// Validate checks that every deadline belongs to a non-terminal state and
// names an event legal in that state.
func (t Timeouts) Validate() error {
	for s, d := range t {
		if !s.Valid() {
			return fmt.Errorf("timeout for unknown state %q", s)
		}
		if s.IsTerminal() {
			return fmt.Errorf("terminal state %s cannot carry a timeout", s)
		}
		if d.After < 0 {
			return fmt.Errorf("negative timeout for %s", s)
		}
		if !CanTransition(s, d.Event) {
			return fmt.Errorf("timeout event %s is not legal in %s", d.Event, s)
		}
	}
	return nil
}

// ValidateTable checks the table's structural invariants: terminal states
// have no outgoing transitions, every referenced state and event is known,
// and each (state, event) pair appears once.
func ValidateTable() error {
	seen := make(map[transitionKey]bool, len(transitions))
	for _, t := range transitions {
		if !t.From.Valid() || !t.To.Valid() {
			return fmt.Errorf("transition %s --%s--> %s references unknown state", t.From, t.Event, t.To)
		}
		if _, err := ParseEvent(string(t.Event)); err != nil {
			return fmt.Errorf("transition from %s: %w", t.From, err)
		}
		if t.From.IsTerminal() {
			return fmt.Errorf("terminal state %s has outgoing transition %s", t.From, t.Event)
		}
		k := transitionKey{t.From, t.Event}
		if seen[k] {
			return fmt.Errorf("duplicate transition %s --%s-->", t.From, t.Event)
		}
		seen[k] = true
	}
	return nil
}
