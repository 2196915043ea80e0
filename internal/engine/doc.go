// Package engine implements the order fulfillment engine.
//
// The engine owns every order runtime's progress through the transition
// table in package fsm. It receives events from three sources: callers of
// Apply (kiosk, staff, device callbacks), the deadline scheduler, and the
// device gateway, which it drives itself on state entry.
//
// ARCHITECTURE:
//
// Per-Runtime Mailbox:
// Each runtime has a FIFO mailbox drained by one goroutine. Events for one
// runtime are applied strictly in arrival order; different runtimes never
// wait on each other. A mailbox goroutine exits when its queue is empty and
// is restarted by the next message.
//
// Event Processing Flow:
//  1. Load the runtime row.
//  2. Rewrite a retry that has used its budget into the phase's failure.
//  3. Check legality; an illegal event logs a rejected entry.
//  4. Run the ledger effect (commit or release); failure logs a rejected entry.
//  5. Persist the new runtime row and one applied entry in one transaction.
//  6. Re-arm the state deadline, cancel the old device call, start the new one.
//  7. Publish the transition.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// Every lifecycle entry is stamped from Clock.Next(). Wall-clock time is
// recorded but never used for ordering.
//
// Entry Versions:
// Runtime.Version increases on every applied transition. Deadlines and
// device calls carry the version they were started for; anything that
// comes back for an older version is dropped.
package engine
