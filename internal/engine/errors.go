package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/kioskfsm/internal/fsm"
	"github.com/roach88/kioskfsm/internal/ledger"
)

var (
	// ErrInvalidTransition is returned when an event is not legal in the
	// runtime's current state. The state is unchanged and a rejected entry
	// is logged.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrUnknownRuntime is returned for runtime ids the store has never seen.
	ErrUnknownRuntime = errors.New("unknown runtime")

	// ErrSideEffect is returned when the ledger effect bound to a transition
	// fails. The transition is not applied.
	ErrSideEffect = errors.New("transition side effect failed")

	// ErrStaleTimer is returned when a deadline fires for a state or entry
	// version the runtime has already left.
	ErrStaleTimer = errors.New("stale timer")

	// ErrOrderBusy is returned by Checkout when the order already has a
	// non-terminal runtime.
	ErrOrderBusy = errors.New("order already has an active runtime")

	// ErrStopped is returned once the engine has been closed.
	ErrStopped = errors.New("engine stopped")

	// ErrStore wraps persistence failures.
	ErrStore = errors.New("store failure")
)

// ErrorCode categorizes engine errors. It is also what rejected lifecycle
// log entries record.
type ErrorCode string

const (
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	CodeUnknownRuntime    ErrorCode = "UNKNOWN_RUNTIME"
	CodeSideEffectFailed  ErrorCode = "SIDE_EFFECT_FAILED"
	CodeStaleTimer        ErrorCode = "STALE_TIMER"
	CodeOrderBusy         ErrorCode = "ORDER_BUSY"
	CodeInsufficientStock ErrorCode = "INSUFFICIENT_STOCK"
	CodeStopped           ErrorCode = "ENGINE_STOPPED"
	CodeStoreFailure      ErrorCode = "STORE_FAILURE"
)

func sentinelFor(code ErrorCode) error {
	switch code {
	case CodeInvalidTransition:
		return ErrInvalidTransition
	case CodeUnknownRuntime:
		return ErrUnknownRuntime
	case CodeSideEffectFailed:
		return ErrSideEffect
	case CodeStaleTimer:
		return ErrStaleTimer
	case CodeOrderBusy:
		return ErrOrderBusy
	case CodeInsufficientStock:
		return ledger.ErrInsufficientStock
	case CodeStopped:
		return ErrStopped
	case CodeStoreFailure:
		return ErrStore
	}
	return nil
}

// TransitionError is the structured error returned by Apply, Checkout and
// the timer path. It matches the sentinel for its Code via errors.Is and
// also unwraps to the underlying cause.
type TransitionError struct {
	// Code identifies the error category.
	Code ErrorCode

	RuntimeID string
	OrderID   string
	State     fsm.State
	Event     fsm.Event

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.RuntimeID != "" && e.Event != "":
		return fmt.Sprintf("%s: %s (runtime=%s, state=%s, event=%s)", e.Code, msg, e.RuntimeID, e.State, e.Event)
	case e.RuntimeID != "":
		return fmt.Sprintf("%s: %s (runtime=%s)", e.Code, msg, e.RuntimeID)
	case e.OrderID != "":
		return fmt.Sprintf("%s: %s (order=%s)", e.Code, msg, e.OrderID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the code's sentinel and the cause.
func (e *TransitionError) Unwrap() []error {
	var errs []error
	if s := sentinelFor(e.Code); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// CodeOf returns the code of the first TransitionError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Code, true
	}
	return "", false
}

// IsInvalidTransition returns true if err is an illegal-event rejection.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsUnknownRuntime returns true if err reports a missing runtime.
func IsUnknownRuntime(err error) bool {
	return errors.Is(err, ErrUnknownRuntime)
}

// IsSideEffectError returns true if a ledger effect blocked a transition.
func IsSideEffectError(err error) bool {
	return errors.Is(err, ErrSideEffect)
}

// IsStaleTimer returns true if a deadline fired for a state already left.
func IsStaleTimer(err error) bool {
	return errors.Is(err, ErrStaleTimer)
}
