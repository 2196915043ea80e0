package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema is the DDL for the row-locking ledger.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS stock_ledger (
    item_id    TEXT PRIMARY KEY,
    available  INTEGER NOT NULL DEFAULT 0,
    reserved   INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (available >= 0 AND reserved >= 0)
);

CREATE TABLE IF NOT EXISTS reservations (
    id         TEXT PRIMARY KEY,
    cart_id    TEXT NOT NULL,
    status     TEXT NOT NULL CHECK (status IN ('held', 'committed', 'released')),
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS reservation_lines (
    reservation_id TEXT NOT NULL REFERENCES reservations(id),
    item_id        TEXT NOT NULL REFERENCES stock_ledger(item_id),
    quantity       INTEGER NOT NULL CHECK (quantity > 0),
    PRIMARY KEY (reservation_id, item_id)
);

CREATE TABLE IF NOT EXISTS stock_movements (
    movement_id    BIGSERIAL PRIMARY KEY,
    reservation_id TEXT,
    item_id        TEXT NOT NULL,
    movement_type  TEXT NOT NULL,
    quantity       INTEGER NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Postgres is a ledger on PostgreSQL. Per-item serialisation comes from
// SELECT ... FOR UPDATE row locks taken in sorted item order inside one
// transaction.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, now: time.Now}
}

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := NewPostgres(pool)
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Migrate applies PostgresSchema. It is safe to run repeatedly.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Hold reserves every line or none.
func (p *Postgres) Hold(ctx context.Context, cartID string, lines []Line) (string, error) {
	norm, err := NormalizeLines(lines)
	if err != nil {
		return "", err
	}
	ids := make([]string, len(norm))
	for i, l := range norm {
		ids[i] = l.ItemID
	}

	id := NewReservationID()
	now := p.now().UTC()
	err = p.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT item_id, available
			FROM stock_ledger
			WHERE item_id = ANY($1)
			ORDER BY item_id
			FOR UPDATE
		`, ids)
		if err != nil {
			return fmt.Errorf("lock stock rows: %w", err)
		}
		available := make(map[string]int, len(ids))
		for rows.Next() {
			var item string
			var n int
			if err := rows.Scan(&item, &n); err != nil {
				rows.Close()
				return fmt.Errorf("scan stock row: %w", err)
			}
			available[item] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate stock rows: %w", err)
		}

		for _, l := range norm {
			if available[l.ItemID] < l.Quantity {
				return &InsufficientStockError{ItemID: l.ItemID, Requested: l.Quantity, Available: available[l.ItemID]}
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO reservations (id, cart_id, status, created_at, updated_at)
			VALUES ($1, $2, 'held', $3, $3)
		`, id, cartID, now); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		for _, l := range norm {
			if _, err := tx.Exec(ctx, `
				UPDATE stock_ledger
				SET available = available - $2, reserved = reserved + $2, updated_at = NOW()
				WHERE item_id = $1
			`, l.ItemID, l.Quantity); err != nil {
				return fmt.Errorf("hold item %s: %w", l.ItemID, err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO reservation_lines (reservation_id, item_id, quantity)
				VALUES ($1, $2, $3)
			`, id, l.ItemID, l.Quantity); err != nil {
				return fmt.Errorf("insert reservation line: %w", err)
			}
			if err := insertMovement(ctx, tx, id, l.ItemID, "hold", l.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func insertMovement(ctx context.Context, tx pgx.Tx, reservationID, itemID, kind string, qty int) error {
	var resID any
	if reservationID != "" {
		resID = reservationID
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO stock_movements (reservation_id, item_id, movement_type, quantity)
		VALUES ($1, $2, $3, $4)
	`, resID, itemID, kind, qty); err != nil {
		return fmt.Errorf("insert movement: %w", err)
	}
	return nil
}

// Commit converts a hold into a permanent deduction.
func (p *Postgres) Commit(ctx context.Context, reservationID string) error {
	return p.settle(ctx, reservationID, StatusCommitted)
}

// Release returns held quantity to available.
func (p *Postgres) Release(ctx context.Context, reservationID string) error {
	return p.settle(ctx, reservationID, StatusReleased)
}

func (p *Postgres) settle(ctx context.Context, reservationID string, target Status) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `
			SELECT status FROM reservations WHERE id = $1 FOR UPDATE
		`, reservationID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
		}
		if err != nil {
			return fmt.Errorf("lock reservation: %w", err)
		}

		done, err := CheckTransition(Status(status), target)
		if err != nil || done {
			return err
		}

		lines, err := pgLines(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			SELECT item_id FROM stock_ledger WHERE item_id = ANY($1) ORDER BY item_id FOR UPDATE
		`, lineItems(lines)); err != nil {
			return fmt.Errorf("lock stock rows: %w", err)
		}

		for _, l := range lines {
			q := `UPDATE stock_ledger SET reserved = reserved - $2, updated_at = NOW() WHERE item_id = $1`
			if target == StatusReleased {
				q = `UPDATE stock_ledger SET reserved = reserved - $2, available = available + $2, updated_at = NOW() WHERE item_id = $1`
			}
			if _, err := tx.Exec(ctx, q, l.ItemID, l.Quantity); err != nil {
				return fmt.Errorf("%s item %s: %w", target, l.ItemID, err)
			}
			kind := "commit"
			if target == StatusReleased {
				kind = "release"
			}
			if err := insertMovement(ctx, tx, reservationID, l.ItemID, kind, l.Quantity); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE reservations SET status = $2, updated_at = $3 WHERE id = $1
		`, reservationID, string(target), p.now().UTC()); err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
		return nil
	})
}

func lineItems(lines []Line) []string {
	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.ItemID
	}
	return ids
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgLines(ctx context.Context, q querier, reservationID string) ([]Line, error) {
	rows, err := q.Query(ctx, `
		SELECT item_id, quantity FROM reservation_lines
		WHERE reservation_id = $1
		ORDER BY item_id
	`, reservationID)
	if err != nil {
		return nil, fmt.Errorf("query reservation lines: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ItemID, &l.Quantity); err != nil {
			return nil, fmt.Errorf("scan reservation line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// Reservation loads a reservation with its lines.
func (p *Postgres) Reservation(ctx context.Context, reservationID string) (Reservation, error) {
	res := Reservation{ID: reservationID}
	var status string
	err := p.pool.QueryRow(ctx, `
		SELECT cart_id, status, created_at, updated_at FROM reservations WHERE id = $1
	`, reservationID).Scan(&res.CartID, &status, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("query reservation: %w", err)
	}
	res.Status = Status(status)
	res.Lines, err = pgLines(ctx, p.pool, reservationID)
	if err != nil {
		return Reservation{}, err
	}
	return res, nil
}

// Stock returns the counters of one item. Unknown items read as zero.
func (p *Postgres) Stock(ctx context.Context, itemID string) (StockEntry, error) {
	st := StockEntry{ItemID: itemID}
	err := p.pool.QueryRow(ctx, `
		SELECT available, reserved FROM stock_ledger WHERE item_id = $1
	`, itemID).Scan(&st.Available, &st.Reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return StockEntry{}, fmt.Errorf("query stock: %w", err)
	}
	return st, nil
}

// Replenish adds delta to available, creating the item row on first use.
func (p *Postgres) Replenish(ctx context.Context, itemID string, delta int) (StockEntry, error) {
	if itemID == "" {
		return StockEntry{}, fmt.Errorf("%w: blank item id", ErrInvalidLine)
	}
	st := StockEntry{ItemID: itemID}
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO stock_ledger (item_id) VALUES ($1) ON CONFLICT (item_id) DO NOTHING
		`, itemID); err != nil {
			return fmt.Errorf("ensure stock row: %w", err)
		}
		if err := tx.QueryRow(ctx, `
			SELECT available, reserved FROM stock_ledger WHERE item_id = $1 FOR UPDATE
		`, itemID).Scan(&st.Available, &st.Reserved); err != nil {
			return fmt.Errorf("lock stock row: %w", err)
		}
		if st.Available+delta < 0 {
			return &InsufficientStockError{ItemID: itemID, Requested: -delta, Available: st.Available}
		}
		st.Available += delta
		if _, err := tx.Exec(ctx, `
			UPDATE stock_ledger SET available = $2, updated_at = NOW() WHERE item_id = $1
		`, itemID, st.Available); err != nil {
			return fmt.Errorf("update stock: %w", err)
		}
		return insertMovement(ctx, tx, "", itemID, "replenish", delta)
	})
	if err != nil {
		return StockEntry{}, err
	}
	return st, nil
}

// Truncate empties every ledger table. Used by integration tests.
func (p *Postgres) Truncate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `
		TRUNCATE stock_movements, reservation_lines, reservations, stock_ledger
	`); err != nil {
		return fmt.Errorf("truncate ledger: %w", err)
	}
	return nil
}
