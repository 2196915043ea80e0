package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/kioskfsm/internal/ledger"
)

// SQLite ledger. Per-item serialisation comes from the conditional
// UPDATE ... WHERE available >= ? and the single writer connection; the
// CHECK constraint on stock_ledger backs it up.

var _ ledger.Ledger = (*Store)(nil)

// Hold reserves every line or none.
func (s *Store) Hold(ctx context.Context, cartID string, lines []ledger.Line) (string, error) {
	norm, err := ledger.NormalizeLines(lines)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("hold: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	id := ledger.NewReservationID()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reservations (id, cart_id, status, created_at, updated_at)
		VALUES (?, ?, 'held', ?, ?)
	`, id, cartID, now, now); err != nil {
		return "", fmt.Errorf("hold: insert reservation: %w", err)
	}

	for _, l := range norm {
		result, err := tx.ExecContext(ctx, `
			UPDATE stock_ledger
			SET available = available - ?, reserved = reserved + ?, updated_at = ?
			WHERE item_id = ? AND available >= ?
		`, l.Quantity, l.Quantity, now, l.ItemID, l.Quantity)
		if err != nil {
			return "", fmt.Errorf("hold item %s: %w", l.ItemID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return "", fmt.Errorf("hold item %s: rows affected: %w", l.ItemID, err)
		}
		if n == 0 {
			avail, err := availableTx(ctx, tx, l.ItemID)
			if err != nil {
				return "", err
			}
			return "", &ledger.InsufficientStockError{ItemID: l.ItemID, Requested: l.Quantity, Available: avail}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reservation_lines (reservation_id, item_id, quantity) VALUES (?, ?, ?)
		`, id, l.ItemID, l.Quantity); err != nil {
			return "", fmt.Errorf("hold: insert line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("hold: commit: %w", err)
	}
	return id, nil
}

func availableTx(ctx context.Context, tx *sql.Tx, itemID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT available FROM stock_ledger WHERE item_id = ?`, itemID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read available: %w", err)
	}
	return n, nil
}

// Commit converts a hold into a permanent deduction.
func (s *Store) Commit(ctx context.Context, reservationID string) error {
	return s.settle(ctx, reservationID, ledger.StatusCommitted)
}

// Release returns held quantity to available.
func (s *Store) Release(ctx context.Context, reservationID string) error {
	return s.settle(ctx, reservationID, ledger.StatusReleased)
}

func (s *Store) settle(ctx context.Context, reservationID string, target ledger.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin tx: %w", target, err)
	}
	defer tx.Rollback()

	if err := settleTx(ctx, tx, reservationID, target); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", target, err)
	}
	return nil
}

// settleTx moves a held reservation to target inside tx. Settling to the
// status it already has is a no-op.
func settleTx(ctx context.Context, tx *sql.Tx, reservationID string, target ledger.Status) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM reservations WHERE id = ?`, reservationID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ledger.ErrUnknownReservation, reservationID)
	}
	if err != nil {
		return fmt.Errorf("%s: read reservation: %w", target, err)
	}

	done, err := ledger.CheckTransition(ledger.Status(status), target)
	if err != nil || done {
		return err
	}

	lines, err := readLines(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	now := formatTime(time.Now())
	for _, l := range lines {
		q := `UPDATE stock_ledger SET reserved = reserved - ?, updated_at = ? WHERE item_id = ?`
		args := []any{l.Quantity, now, l.ItemID}
		if target == ledger.StatusReleased {
			q = `UPDATE stock_ledger SET reserved = reserved - ?, available = available + ?, updated_at = ? WHERE item_id = ?`
			args = []any{l.Quantity, l.Quantity, now, l.ItemID}
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("%s item %s: %w", target, l.ItemID, err)
		}
	}

	// Guarded on status so a concurrent settle cannot apply twice.
	result, err := tx.ExecContext(ctx, `
		UPDATE reservations SET status = ?, updated_at = ? WHERE id = ? AND status = 'held'
	`, string(target), now, reservationID)
	if err != nil {
		return fmt.Errorf("%s: update reservation: %w", target, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: reservation %s changed concurrently", target, reservationID)
	}
	return nil
}

type rowQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func readLines(ctx context.Context, q rowQuerier, reservationID string) ([]ledger.Line, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT item_id, quantity FROM reservation_lines
		WHERE reservation_id = ?
		ORDER BY item_id COLLATE BINARY ASC
	`, reservationID)
	if err != nil {
		return nil, fmt.Errorf("query reservation lines: %w", err)
	}
	defer rows.Close()

	var lines []ledger.Line
	for rows.Next() {
		var l ledger.Line
		if err := rows.Scan(&l.ItemID, &l.Quantity); err != nil {
			return nil, fmt.Errorf("scan reservation line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// Reservation loads a reservation with its lines.
func (s *Store) Reservation(ctx context.Context, reservationID string) (ledger.Reservation, error) {
	res := ledger.Reservation{ID: reservationID}
	var status, created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT cart_id, status, created_at, updated_at FROM reservations WHERE id = ?
	`, reservationID).Scan(&res.CartID, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Reservation{}, fmt.Errorf("%w: %s", ledger.ErrUnknownReservation, reservationID)
	}
	if err != nil {
		return ledger.Reservation{}, fmt.Errorf("read reservation: %w", err)
	}
	res.Status = ledger.Status(status)
	if res.CreatedAt, err = parseTime(created); err != nil {
		return ledger.Reservation{}, err
	}
	if res.UpdatedAt, err = parseTime(updated); err != nil {
		return ledger.Reservation{}, err
	}
	if res.Lines, err = readLines(ctx, s.db, reservationID); err != nil {
		return ledger.Reservation{}, err
	}
	return res, nil
}

// Stock returns the counters of one item. Unknown items read as zero.
func (s *Store) Stock(ctx context.Context, itemID string) (ledger.StockEntry, error) {
	st := ledger.StockEntry{ItemID: itemID}
	err := s.db.QueryRowContext(ctx, `
		SELECT available, reserved FROM stock_ledger WHERE item_id = ?
	`, itemID).Scan(&st.Available, &st.Reserved)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return ledger.StockEntry{}, fmt.Errorf("read stock: %w", err)
	}
	return st, nil
}

// ListStock returns every item row ordered by item id.
func (s *Store) ListStock(ctx context.Context) ([]ledger.StockEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, available, reserved FROM stock_ledger ORDER BY item_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list stock: %w", err)
	}
	defer rows.Close()

	out := []ledger.StockEntry{}
	for rows.Next() {
		var st ledger.StockEntry
		if err := rows.Scan(&st.ItemID, &st.Available, &st.Reserved); err != nil {
			return nil, fmt.Errorf("scan stock: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Replenish adds delta to available, creating the item row on first use.
func (s *Store) Replenish(ctx context.Context, itemID string, delta int) (ledger.StockEntry, error) {
	if itemID == "" {
		return ledger.StockEntry{}, fmt.Errorf("%w: blank item id", ledger.ErrInvalidLine)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.StockEntry{}, fmt.Errorf("replenish: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_ledger (item_id, available, reserved, updated_at)
		VALUES (?, 0, 0, ?)
		ON CONFLICT(item_id) DO NOTHING
	`, itemID, now); err != nil {
		return ledger.StockEntry{}, fmt.Errorf("replenish: ensure row: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE stock_ledger SET available = available + ?, updated_at = ?
		WHERE item_id = ? AND available + ? >= 0
	`, delta, now, itemID, delta)
	if err != nil {
		return ledger.StockEntry{}, fmt.Errorf("replenish: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		avail, err := availableTx(ctx, tx, itemID)
		if err != nil {
			return ledger.StockEntry{}, err
		}
		return ledger.StockEntry{}, &ledger.InsufficientStockError{ItemID: itemID, Requested: -delta, Available: avail}
	}

	st := ledger.StockEntry{ItemID: itemID}
	if err := tx.QueryRowContext(ctx, `
		SELECT available, reserved FROM stock_ledger WHERE item_id = ?
	`, itemID).Scan(&st.Available, &st.Reserved); err != nil {
		return ledger.StockEntry{}, fmt.Errorf("replenish: read back: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ledger.StockEntry{}, fmt.Errorf("replenish: commit: %w", err)
	}
	return st, nil
}
