// Package fsm defines the order fulfillment state machine: states, events,
// actors, the transition table and the runtime record the engine mutates.
//
// The package is pure data. It performs no I/O and holds no locks; the
// engine package owns serialisation and side effects.
//
// FLOW:
//
//	INIT → AWAITING_PAYMENT → AWAITING_FISCALIZATION → AWAITING_PRINTING
//	     → (PRINT_FAILED →) AWAITING_EXECUTION_CONFIRMATION → COMPLETED
//
// Every other destination is terminal. Terminal states have no outgoing
// transitions and never carry a deadline.
package fsm
