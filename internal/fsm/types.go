package fsm

import "fmt"

// State is a fulfillment state of an order runtime.
type State string

const (
	StateInit                          State = "INIT"
	StateAwaitingPayment               State = "AWAITING_PAYMENT"
	StateAwaitingFiscalization         State = "AWAITING_FISCALIZATION"
	StateAwaitingPrinting              State = "AWAITING_PRINTING"
	StatePrintFailed                   State = "PRINT_FAILED"
	StateAwaitingExecutionConfirmation State = "AWAITING_EXECUTION_CONFIRMATION"

	// Terminal states.
	StateCompleted                  State = "COMPLETED"
	StateUnsuccessfulPayment        State = "UNSUCCESSFUL_PAYMENT"
	StateCancelledByUser            State = "CANCELLED_BY_USER"
	StateCancelledByTimeout         State = "CANCELLED_BY_TIMEOUT"
	StateUnsuccessfulFiscalization  State = "UNSUCCESSFUL_FISCALIZATION"
	StateAlternativeReceiptDeclined State = "UNSUCCESSFUL_PRINTING_ALTERNATIVE_RECEIPT_DECLINED"
	StateCancelledByZeroCulture     State = "CANCELLED_BY_ZERO_CULTURE"
	StateUnknownExecutionNoResponse State = "UNKNOWN_EXECUTION_NO_RESPONSE"
)

// AllStates lists every state in declaration order.
var AllStates = []State{
	StateInit,
	StateAwaitingPayment,
	StateAwaitingFiscalization,
	StateAwaitingPrinting,
	StatePrintFailed,
	StateAwaitingExecutionConfirmation,
	StateCompleted,
	StateUnsuccessfulPayment,
	StateCancelledByUser,
	StateCancelledByTimeout,
	StateUnsuccessfulFiscalization,
	StateAlternativeReceiptDeclined,
	StateCancelledByZeroCulture,
	StateUnknownExecutionNoResponse,
}

var terminalStates = map[State]bool{
	StateCompleted:                  true,
	StateUnsuccessfulPayment:        true,
	StateCancelledByUser:            true,
	StateCancelledByTimeout:         true,
	StateUnsuccessfulFiscalization:  true,
	StateAlternativeReceiptDeclined: true,
	StateCancelledByZeroCulture:     true,
	StateUnknownExecutionNoResponse: true,
}

// IsTerminal reports whether s has no outgoing transitions.
func (s State) IsTerminal() bool {
	return terminalStates[s]
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

// ParseState converts a string to a State.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown state %q", v)
	}
	return s, nil
}

// Event triggers a transition.
type Event string

const (
	EventStarted                   Event = "started"
	EventPaymentSucceeded          Event = "payment_succeeded"
	EventPaymentFailed             Event = "payment_failed"
	EventUserCancelled             Event = "user_cancelled"
	EventInactivityTimeout         Event = "inactivity_timeout"
	EventPaymentRetry              Event = "payment_retry"
	EventFiscalizationSucceeded    Event = "fiscalization_succeeded"
	EventFiscalizationFailed       Event = "fiscalization_failed"
	EventFiscalizationRetry        Event = "fiscalization_retry"
	EventPrintSucceeded            Event = "print_succeeded"
	EventPrintingFailedOrTimeout   Event = "printing_failed_or_timeout"
	EventFallbackAccepted          Event = "fallback_accepted"
	EventFallbackDeclinedOrTimeout Event = "fallback_declined_or_timeout"
	EventExecutionConfirmed        Event = "execution_confirmed"
	EventCancelByOperator          Event = "cancel_by_operator"
	EventExecutionTimeout          Event = "execution_timeout"
)

// AllEvents lists every event in declaration order.
var AllEvents = []Event{
	EventStarted,
	EventPaymentSucceeded,
	EventPaymentFailed,
	EventUserCancelled,
	EventInactivityTimeout,
	EventPaymentRetry,
	EventFiscalizationSucceeded,
	EventFiscalizationFailed,
	EventFiscalizationRetry,
	EventPrintSucceeded,
	EventPrintingFailedOrTimeout,
	EventFallbackAccepted,
	EventFallbackDeclinedOrTimeout,
	EventExecutionConfirmed,
	EventCancelByOperator,
	EventExecutionTimeout,
}

// ParseEvent converts a string to an Event.
func ParseEvent(v string) (Event, error) {
	for _, e := range AllEvents {
		if string(e) == v {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown event %q", v)
}

// ActorType identifies who or what submitted an event.
type ActorType string

const (
	ActorCustomer    ActorType = "customer"
	ActorPOSTerminal ActorType = "pos-terminal"
	ActorFiscal      ActorType = "fiscal-device"
	ActorPrinter     ActorType = "printer"
	ActorKitchen     ActorType = "kitchen"
	ActorOperator    ActorType = "operator"
	ActorSystem      ActorType = "system"
)

// ParseActorType converts a string to an ActorType.
func ParseActorType(v string) (ActorType, error) {
	switch a := ActorType(v); a {
	case ActorCustomer, ActorPOSTerminal, ActorFiscal, ActorPrinter, ActorKitchen, ActorOperator, ActorSystem:
		return a, nil
	}
	return "", fmt.Errorf("unknown actor type %q", v)
}

// Actor is the submitter of an event. Comment is free text for the audit
// log and carries no behaviour.
type Actor struct {
	Type    ActorType `json:"type"`
	ID      string    `json:"id"`
	Comment string    `json:"comment,omitempty"`
}

// SystemActor returns an actor for engine-originated events.
func SystemActor(id, comment string) Actor {
	return Actor{Type: ActorSystem, ID: id, Comment: comment}
}

// Phase is a device interaction stage of fulfillment.
type Phase string

const (
	PhasePayment Phase = "payment"
	PhaseFiscal  Phase = "fiscal"
	PhasePrint   Phase = "print"
	PhaseKitchen Phase = "kitchen"
)
