package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"signal-core/internal/order"
	"signal-core/internal/risk"
	"signal-core/pkg/pg"
)

// PgStore implements order.Repository and risk.SharedCapitalStore on
// Postgres, so every worker pointed at the same database shares one active
// cap and one capital account.
type PgStore struct {
	pool *pgxpool.Pool
}

var (
	_ order.Repository        = (*PgStore)(nil)
	_ risk.SharedCapitalStore = (*PgStore)(nil)
)

// NewPgStore expects the schema from pg.Migrate.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// activeLock serializes the count-then-insert of active orders. Under read
// committed two inserts would otherwise both see the old count.
const activeLock = `SELECT pg_advisory_xact_lock(hashtext('orders:active'))`

const pgInsertOrder = `
INSERT INTO orders (` + orderColumns + `)
SELECT $1::text, $2::text, $3::text, $4::float8, $5::float8, $6::float8, $7::float8,
       $8::float8, $9::float8, $10::float8, $11::text, $12::text, $13::bigint, $14::bigint,
       $15::float8, $16::float8, $17::float8, $18::int, $19::text, $20::text, $21::bigint, $22::bigint
WHERE $23::int <= 0
   OR (SELECT COUNT(*) FROM orders WHERE status IN ('PENDING_SUBMISSION', 'OPEN')) < $23::int`

// InsertOrder implements order.Repository.
func (s *PgStore) InsertOrder(ctx context.Context, o *order.Order, maxActive int) error {
	limit := maxActive
	if !o.Status.Active() {
		limit = 0
	}
	err := pg.InTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		if limit > 0 {
			if _, err := tx.Exec(ctx, activeLock); err != nil {
				return fmt.Errorf("lock active orders: %w", err)
			}
		}
		tag, err := tx.Exec(ctx, pgInsertOrder,
			o.ID, o.PairKey, string(o.Direction), o.EntryPrice, o.StopLoss, o.TakeProfit, o.Size,
			o.RiskAmount, o.UnitValue, o.PipSize, string(o.Status), string(o.Outcome),
			toNs(o.OpenedAt), toNs(o.ClosedAt), o.ExitPrice, o.ResultUnits, o.ResultValue,
			boolInt(o.IsReal), o.ExternalRef, o.FailureReason, toNs(o.CreatedAt), toNs(o.UpdatedAt),
			limit)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %d active", order.ErrCapacity, maxActive)
		}
		return nil
	})
	if err != nil && !errors.Is(err, order.ErrCapacity) {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return err
}

// MarkOpen implements order.Repository.
func (s *PgStore) MarkOpen(ctx context.Context, id, externalRef string, openedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = 'OPEN', external_ref = $1, opened_at_ns = $2, updated_at_ns = $2
		WHERE id = $3 AND status = 'PENDING_SUBMISSION'`,
		externalRef, toNs(openedAt), id)
	if err != nil {
		return fmt.Errorf("mark open %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: no pending order %s", order.ErrNotFound, id)
	}
	return nil
}

// FailPending implements order.Repository.
func (s *PgStore) FailPending(ctx context.Context, o *order.Order) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = $1, outcome = $2, closed_at_ns = $3, failure_reason = $4, updated_at_ns = $5
		WHERE id = $6 AND status = 'PENDING_SUBMISSION'`,
		string(order.StatusClosed), string(o.Outcome), toNs(o.ClosedAt), o.FailureReason, toNs(o.UpdatedAt), o.ID)
	if err != nil {
		return fmt.Errorf("fail pending order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	status, err := s.status(ctx, o.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: order %s is %s", order.ErrInvalidOrder, o.ID, status)
}

// CloseOrder implements order.Repository.
func (s *PgStore) CloseOrder(ctx context.Context, o *order.Order) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = $1, outcome = $2, closed_at_ns = $3, exit_price = $4,
		    result_units = $5, result_value = $6, failure_reason = $7, updated_at_ns = $8
		WHERE id = $9 AND status <> 'CLOSED'`,
		string(order.StatusClosed), string(o.Outcome), toNs(o.ClosedAt), o.ExitPrice,
		o.ResultUnits, o.ResultValue, o.FailureReason, toNs(o.UpdatedAt), o.ID)
	if err != nil {
		return fmt.Errorf("close order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.status(ctx, o.ID); err != nil {
		return err
	}
	return order.ErrAlreadyClosed
}

func (s *PgStore) status(ctx context.Context, id string) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return "", fmt.Errorf("%w: %s", order.ErrNotFound, id)
	case err != nil:
		return "", fmt.Errorf("read order %s: %w", id, err)
	}
	return status, nil
}

// GetOrder implements order.Repository.
func (s *PgStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

// ListOrders implements order.Repository.
func (s *PgStore) ListOrders(ctx context.Context, f order.ListFilter) ([]*order.Order, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.PairKey != "" {
		args = append(args, f.PairKey)
		where = append(where, fmt.Sprintf("pair_key = $%d", len(args)))
	}

	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at_ns, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountActive implements order.Repository.
func (s *PgStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE status IN ('PENDING_SUBMISSION', 'OPEN')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active orders: %w", err)
	}
	return n, nil
}

const capitalColumns = `initial, current, peak, realized_pnl, wins, losses, max_drawdown_seen, updated_at_ns`

func scanCapital(row pgx.Row) (risk.CapitalState, error) {
	var (
		st    risk.CapitalState
		updNs int64
	)
	if err := row.Scan(&st.Initial, &st.Current, &st.Peak, &st.RealizedPnL,
		&st.Wins, &st.Losses, &st.MaxDrawdownSeen, &updNs); err != nil {
		return risk.CapitalState{}, err
	}
	st.UpdatedAt = fromNs(updNs)
	return st, nil
}

// LoadCapital implements risk.CapitalStore.
func (s *PgStore) LoadCapital(ctx context.Context) (risk.CapitalState, bool, error) {
	st, err := scanCapital(s.pool.QueryRow(ctx, `SELECT `+capitalColumns+` FROM capital_state WHERE id = 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return risk.CapitalState{}, false, nil
	}
	if err != nil {
		return risk.CapitalState{}, false, fmt.Errorf("load capital: %w", err)
	}
	return st, true, nil
}

// SaveCapital implements risk.CapitalStore. It overwrites the shared state,
// so it is only meant for seeding; results go through ApplyResult.
func (s *PgStore) SaveCapital(ctx context.Context, st risk.CapitalState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO capital_state (id, `+capitalColumns+`)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			initial = EXCLUDED.initial,
			current = EXCLUDED.current,
			peak = EXCLUDED.peak,
			realized_pnl = EXCLUDED.realized_pnl,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			max_drawdown_seen = EXCLUDED.max_drawdown_seen,
			updated_at_ns = EXCLUDED.updated_at_ns`,
		st.Initial, st.Current, st.Peak, st.RealizedPnL, st.Wins, st.Losses, st.MaxDrawdownSeen, toNs(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save capital: %w", err)
	}
	return nil
}

// The update side adds the result to the stored row; every SET expression
// reads the row as it was before the statement.
const pgApplyResult = `
INSERT INTO capital_state (id, ` + capitalColumns + `)
VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
    current = capital_state.current + $9,
    peak = GREATEST(capital_state.peak, capital_state.current + $9),
    realized_pnl = capital_state.realized_pnl + $9,
    wins = capital_state.wins + $10,
    losses = capital_state.losses + $11,
    max_drawdown_seen = GREATEST(capital_state.max_drawdown_seen,
        CASE WHEN GREATEST(capital_state.peak, capital_state.current + $9) > 0
             THEN (GREATEST(capital_state.peak, capital_state.current + $9) - (capital_state.current + $9))
                  / GREATEST(capital_state.peak, capital_state.current + $9)
             ELSE 0 END),
    updated_at_ns = $8
RETURNING ` + capitalColumns

// ApplyResult implements risk.SharedCapitalStore.
func (s *PgStore) ApplyResult(ctx context.Context, resultValue float64, seed risk.CapitalState) (risk.CapitalState, error) {
	wins, losses := 0, 0
	switch {
	case resultValue > 0:
		wins = 1
	case resultValue < 0:
		losses = 1
	}
	st, err := scanCapital(s.pool.QueryRow(ctx, pgApplyResult,
		seed.Initial, seed.Current, seed.Peak, seed.RealizedPnL, seed.Wins, seed.Losses,
		seed.MaxDrawdownSeen, toNs(seed.UpdatedAt),
		resultValue, wins, losses))
	if err != nil {
		return risk.CapitalState{}, fmt.Errorf("apply capital result: %w", err)
	}
	return st, nil
}
