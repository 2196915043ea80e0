package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/kioskfsm/internal/fsm"
)

const runtimeColumns = `id, order_id, state, state_entered_at, version, reservation_id, amount,
	sessions, attempts, pickup_code, pin_code, fallback_qr, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRuntime(row scanner) (*fsm.Runtime, error) {
	var (
		rt                               fsm.Runtime
		state, entered, created, updated string
		sessions, attempts               string
	)
	err := row.Scan(
		&rt.ID,
		&rt.OrderID,
		&state,
		&entered,
		&rt.Version,
		&rt.ReservationID,
		&rt.Amount,
		&sessions,
		&attempts,
		&rt.PickupCode,
		&rt.PINCode,
		&rt.FallbackQR,
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}

	rt.State = fsm.State(state)
	if rt.StateEnteredAt, err = parseTime(entered); err != nil {
		return nil, err
	}
	if rt.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if rt.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if rt.Sessions, err = unmarshalSessions(sessions); err != nil {
		return nil, err
	}
	if rt.Attempts, err = unmarshalAttempts(attempts); err != nil {
		return nil, err
	}
	return &rt, nil
}

// GetRuntime loads a runtime by id. Returns ErrNotFound if it does not exist.
func (s *Store) GetRuntime(ctx context.Context, id string) (*fsm.Runtime, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runtimeColumns+` FROM order_runtimes WHERE id = ?`, id)
	rt, err := scanRuntime(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("runtime %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get runtime: %w", err)
	}
	return rt, nil
}

// RuntimeForOrder returns the order's non-terminal runtime if there is one,
// otherwise its most recently created runtime.
func (s *Store) RuntimeForOrder(ctx context.Context, orderID string) (*fsm.Runtime, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runtimeColumns+`
		FROM order_runtimes
		WHERE order_id = ?
		ORDER BY terminal ASC, created_at DESC, id DESC
		LIMIT 1
	`, orderID)
	rt, err := scanRuntime(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("runtime for order: %w", err)
	}
	return rt, nil
}

// NonTerminalRuntimes returns every runtime not yet in a terminal state,
// ordered by id.
func (s *Store) NonTerminalRuntimes(ctx context.Context) ([]*fsm.Runtime, error) {
	return s.queryRuntimes(ctx, `
		SELECT `+runtimeColumns+`
		FROM order_runtimes
		WHERE terminal = 0
		ORDER BY id COLLATE BINARY ASC
	`)
}

// ListRuntimes returns up to limit runtimes, newest first. A limit <= 0
// returns all of them.
func (s *Store) ListRuntimes(ctx context.Context, limit int) ([]*fsm.Runtime, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryRuntimes(ctx, `
		SELECT `+runtimeColumns+`
		FROM order_runtimes
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
}

func (s *Store) queryRuntimes(ctx context.Context, query string, args ...any) ([]*fsm.Runtime, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runtimes: %w", err)
	}
	defer rows.Close()

	out := []*fsm.Runtime{}
	for rows.Next() {
		rt, err := scanRuntime(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runtime: %w", err)
		}
		out = append(out, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runtimes: %w", err)
	}
	return out, nil
}

// ListTransitions returns the lifecycle log of one runtime ordered by seq.
// Returns an empty slice (not nil) if the runtime has no entries.
func (s *Store) ListTransitions(ctx context.Context, runtimeID string) ([]fsm.TransitionEntry, error) {
	return s.queryEntries(ctx, `
		SELECT seq, runtime_id, order_id, from_state, to_state, event, actor_type,
		       actor_id, comment, outcome, error_code, at
		FROM transitions
		WHERE runtime_id = ?
		ORDER BY seq ASC
	`, runtimeID)
}

// ListOrderTransitions returns the log of every runtime of an order.
func (s *Store) ListOrderTransitions(ctx context.Context, orderID string) ([]fsm.TransitionEntry, error) {
	return s.queryEntries(ctx, `
		SELECT seq, runtime_id, order_id, from_state, to_state, event, actor_type,
		       actor_id, comment, outcome, error_code, at
		FROM transitions
		WHERE order_id = ?
		ORDER BY seq ASC
	`, orderID)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]fsm.TransitionEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	out := []fsm.TransitionEntry{}
	for rows.Next() {
		var (
			e                                       fsm.TransitionEntry
			from, to, event, actorType, outcome, at string
		)
		if err := rows.Scan(
			&e.Seq,
			&e.RuntimeID,
			&e.OrderID,
			&from,
			&to,
			&event,
			&actorType,
			&e.Actor.ID,
			&e.Actor.Comment,
			&outcome,
			&e.ErrorCode,
			&at,
		); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		e.From = fsm.State(from)
		e.To = fsm.State(to)
		e.Event = fsm.Event(event)
		e.Actor.Type = fsm.ActorType(actorType)
		e.Outcome = fsm.Outcome(outcome)
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

// MaxSeq returns the highest seq in the lifecycle log, or 0 when empty.
// The engine resumes its logical clock from here on restart.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM transitions`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// CountTransitions returns the number of log entries of a runtime with the
// given outcome.
func (s *Store) CountTransitions(ctx context.Context, runtimeID string, outcome fsm.Outcome) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transitions WHERE runtime_id = ? AND outcome = ?
	`, runtimeID, string(outcome)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transitions: %w", err)
	}
	return n, nil
}
