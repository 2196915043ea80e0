package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/kioskfsm/internal/fsm"
	"github.com/roach88/kioskfsm/internal/ledger"
)

var (
	// ErrNotFound is returned when a runtime or reservation row is missing.
	ErrNotFound = errors.New("not found")

	// ErrOrderBusy is returned by CreateRuntime when the order already has a
	// non-terminal runtime.
	ErrOrderBusy = errors.New("order already has an active runtime")

	// ErrVersionConflict is returned when a runtime row no longer carries the
	// version the caller read. Nothing is written.
	ErrVersionConflict = errors.New("runtime version conflict")
)

// CreateRuntime inserts a new runtime row. Fails with ErrOrderBusy if the
// order already has a non-terminal runtime.
func (s *Store) CreateRuntime(ctx context.Context, rt *fsm.Runtime) error {
	sessions, err := marshalSessions(rt.Sessions)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	attempts, err := marshalAttempts(rt.Attempts)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO order_runtimes
		(id, order_id, state, state_entered_at, version, terminal, reservation_id, amount,
		 sessions, attempts, pickup_code, pin_code, fallback_qr, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rt.ID,
		rt.OrderID,
		string(rt.State),
		formatTime(rt.StateEnteredAt),
		rt.Version,
		boolToInt(rt.State.IsTerminal()),
		rt.ReservationID,
		rt.Amount,
		sessions,
		attempts,
		rt.PickupCode,
		rt.PINCode,
		rt.FallbackQR,
		formatTime(rt.CreatedAt),
		formatTime(rt.UpdatedAt),
	)
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("create runtime for order %s: %w", rt.OrderID, ErrOrderBusy)
		}
		return fmt.Errorf("create runtime: %w", err)
	}
	return nil
}

// CommitTransition persists an applied transition: the runtime row moves
// from prevVersion to rt.Version and entry is appended to the log, in one
// SQL transaction. If the row is no longer at prevVersion, neither write
// happens and ErrVersionConflict is returned.
func (s *Store) CommitTransition(ctx context.Context, rt *fsm.Runtime, prevVersion int64, entry fsm.TransitionEntry) error {
	return s.commitTransition(ctx, rt, prevVersion, entry, nil)
}

// SettleError is a reservation settle failure inside
// CommitTransitionSettling. Nothing was written.
type SettleError struct {
	ReservationID string
	Target        ledger.Status
	Err           error
}

func (e *SettleError) Error() string {
	return fmt.Sprintf("settle reservation %s as %s: %v", e.ReservationID, e.Target, e.Err)
}

func (e *SettleError) Unwrap() error { return e.Err }

// CommitTransitionSettling is CommitTransition with the reservation moved
// to target in the same SQL transaction. The version check runs first, so
// a conflict leaves the reservation untouched. A settle failure is
// returned as a *SettleError.
func (s *Store) CommitTransitionSettling(ctx context.Context, rt *fsm.Runtime, prevVersion int64, entry fsm.TransitionEntry, reservationID string, target ledger.Status) error {
	return s.commitTransition(ctx, rt, prevVersion, entry, func(tx *sql.Tx) error {
		if err := settleTx(ctx, tx, reservationID, target); err != nil {
			return &SettleError{ReservationID: reservationID, Target: target, Err: err}
		}
		return nil
	})
}

func (s *Store) commitTransition(ctx context.Context, rt *fsm.Runtime, prevVersion int64, entry fsm.TransitionEntry, settle func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit transition: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := updateRuntime(ctx, tx, rt, prevVersion); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	if settle != nil {
		if err := settle(tx); err != nil {
			return fmt.Errorf("commit transition: %w", err)
		}
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: commit: %w", err)
	}
	return nil
}

// SaveRuntime updates a runtime's mutable fields without changing its state
// or version. Used to record device session progress between transitions.
func (s *Store) SaveRuntime(ctx context.Context, rt *fsm.Runtime) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save runtime: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := updateRuntime(ctx, tx, rt, rt.Version); err != nil {
		return fmt.Errorf("save runtime: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save runtime: commit: %w", err)
	}
	return nil
}

// AppendRejected writes a rejected log entry. The runtime row is untouched.
func (s *Store) AppendRejected(ctx context.Context, entry fsm.TransitionEntry) error {
	if entry.Outcome != fsm.OutcomeRejected {
		return fmt.Errorf("append rejected: outcome is %q", entry.Outcome)
	}
	if err := insertEntry(ctx, s.db, entry); err != nil {
		return fmt.Errorf("append rejected: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateRuntime(ctx context.Context, tx execer, rt *fsm.Runtime, prevVersion int64) error {
	sessions, err := marshalSessions(rt.Sessions)
	if err != nil {
		return err
	}
	attempts, err := marshalAttempts(rt.Attempts)
	if err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE order_runtimes
		SET state = ?, state_entered_at = ?, version = ?, terminal = ?,
		    reservation_id = ?, sessions = ?, attempts = ?,
		    pickup_code = ?, pin_code = ?, fallback_qr = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		string(rt.State),
		formatTime(rt.StateEnteredAt),
		rt.Version,
		boolToInt(rt.State.IsTerminal()),
		rt.ReservationID,
		sessions,
		attempts,
		rt.PickupCode,
		rt.PINCode,
		rt.FallbackQR,
		formatTime(rt.UpdatedAt),
		rt.ID,
		prevVersion,
	)
	if err != nil {
		return fmt.Errorf("update runtime: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update runtime: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("runtime %s at version %d: %w", rt.ID, prevVersion, ErrVersionConflict)
	}
	return nil
}

func insertEntry(ctx context.Context, tx execer, e fsm.TransitionEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transitions
		(seq, runtime_id, order_id, from_state, to_state, event, actor_type, actor_id,
		 comment, outcome, error_code, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.Seq,
		e.RuntimeID,
		e.OrderID,
		string(e.From),
		string(e.To),
		string(e.Event),
		string(e.Actor.Type),
		normalizeText(e.Actor.ID),
		normalizeText(e.Actor.Comment),
		string(e.Outcome),
		e.ErrorCode,
		formatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}
