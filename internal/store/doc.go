// Package store provides SQLite-backed durable storage for order runtimes,
// the lifecycle log and the SQLite implementation of the stock ledger.
//
// # Tables
//
//   - order_runtimes: one row per runtime, updated only by CommitTransition
//   - transitions: append-only lifecycle log, applied and rejected entries
//   - stock_ledger: per-item available/reserved counters
//   - reservations, reservation_lines: holds against stock_ledger
//
// # Invariants
//
// One non-terminal runtime per order:
//   - partial UNIQUE index on order_runtimes(order_id) WHERE terminal = 0
//   - CreateRuntime fails with ErrOrderBusy on conflict
//
// Logical ordering:
//   - transitions are keyed and ordered by seq, never by timestamp
//
// Atomic transitions:
//   - the runtime update and its applied log entry commit in one SQL
//     transaction; a lost optimistic version check writes neither
//
// Stock never goes negative:
//   - CHECK (available >= 0 AND reserved >= 0)
//   - holds use conditional UPDATE ... WHERE available >= ?
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
