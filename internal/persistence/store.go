// Package persistence stores orders, capital, candles and the event
// journal in sqlite. Orders and capital can be kept in Postgres instead
// (PgStore) when several workers share them.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"signal-core/internal/market"
	"signal-core/internal/order"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
	"signal-core/pkg/db"
	"signal-core/pkg/logger"
)

// Store implements order.Repository and risk.CapitalStore on sqlite.
// Candles and journal entries go through a BatchWriter.
type Store struct {
	db     *sql.DB
	writer *BatchWriter
	log    *zap.Logger
}

var (
	_ order.Repository  = (*Store)(nil)
	_ risk.CapitalStore = (*Store)(nil)
)

// Options tune the batch writer.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
}

// NewStore wraps an opened, migrated database.
func NewStore(d *db.Database, opts Options, log *zap.Logger) (*Store, error) {
	if d == nil || d.DB == nil {
		return nil, errors.New("persistence: database not initialized")
	}
	log = logger.OrNop(log)
	return &Store{
		db:     d.DB,
		writer: NewBatchWriter(d.DB, opts.BatchSize, opts.FlushInterval, log),
		log:    log,
	}, nil
}

// Close flushes pending batched writes. The database is closed by its owner.
func (s *Store) Close() error {
	return s.writer.Close()
}

// Flush forces pending batched writes.
func (s *Store) Flush() error {
	return s.writer.Flush()
}

// WriterMetrics reports batch writer counters.
func (s *Store) WriterMetrics() BatchWriterMetrics {
	return s.writer.Metrics()
}

func toNs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNs(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const orderColumns = `id, pair_key, direction, entry_price, stop_loss, take_profit, size,
	risk_amount, unit_value, pip_size, status, outcome, opened_at_ns, closed_at_ns,
	exit_price, result_units, result_value, is_real, external_ref, failure_reason,
	created_at_ns, updated_at_ns`

// InsertOrder stores a new order. Active orders are only inserted while
// fewer than maxActive are active; the count and the insert are one
// statement so concurrent writers cannot overshoot.
func (s *Store) InsertOrder(ctx context.Context, o *order.Order, maxActive int) error {
	limit := maxActive
	if !o.Status.Active() {
		limit = 0
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		SELECT ?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13, ?14,
		       ?15, ?16, ?17, ?18, ?19, ?20, ?21, ?22
		WHERE ?23 <= 0
		   OR (SELECT COUNT(*) FROM orders WHERE status IN ('PENDING_SUBMISSION', 'OPEN')) < ?23`,
		o.ID, o.PairKey, string(o.Direction), o.EntryPrice, o.StopLoss, o.TakeProfit, o.Size,
		o.RiskAmount, o.UnitValue, o.PipSize, string(o.Status), string(o.Outcome),
		toNs(o.OpenedAt), toNs(o.ClosedAt), o.ExitPrice, o.ResultUnits, o.ResultValue,
		boolInt(o.IsReal), o.ExternalRef, o.FailureReason, toNs(o.CreatedAt), toNs(o.UpdatedAt),
		limit,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d active", order.ErrCapacity, maxActive)
	}
	return nil
}

// MarkOpen promotes a pending order.
func (s *Store) MarkOpen(ctx context.Context, id, externalRef string, openedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = 'OPEN', external_ref = ?1, opened_at_ns = ?2, updated_at_ns = ?2
		WHERE id = ?3 AND status = 'PENDING_SUBMISSION'`,
		externalRef, toNs(openedAt), id)
	if err != nil {
		return fmt.Errorf("mark open %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: no pending order %s", order.ErrNotFound, id)
	}
	return nil
}

// FailPending closes a pending order as a failed submission. An order that
// was promoted in the meantime is left alone.
func (s *Store) FailPending(ctx context.Context, o *order.Order) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?1, outcome = ?2, closed_at_ns = ?3, failure_reason = ?4, updated_at_ns = ?5
		WHERE id = ?6 AND status = 'PENDING_SUBMISSION'`,
		string(order.StatusClosed), string(o.Outcome), toNs(o.ClosedAt), o.FailureReason, toNs(o.UpdatedAt), o.ID)
	if err != nil {
		return fmt.Errorf("fail pending order %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?1`, o.ID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", order.ErrNotFound, o.ID)
	case err != nil:
		return fmt.Errorf("fail pending order %s: %w", o.ID, err)
	}
	return fmt.Errorf("%w: order %s is %s", order.ErrInvalidOrder, o.ID, status)
}

// CloseOrder persists the closed state unless the order is already closed.
func (s *Store) CloseOrder(ctx context.Context, o *order.Order) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?1, outcome = ?2, closed_at_ns = ?3, exit_price = ?4,
		    result_units = ?5, result_value = ?6, failure_reason = ?7, updated_at_ns = ?8
		WHERE id = ?9 AND status != 'CLOSED'`,
		string(order.StatusClosed), string(o.Outcome), toNs(o.ClosedAt), o.ExitPrice,
		o.ResultUnits, o.ResultValue, o.FailureReason, toNs(o.UpdatedAt), o.ID)
	if err != nil {
		return fmt.Errorf("close order %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?1`, o.ID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", order.ErrNotFound, o.ID)
	case err != nil:
		return fmt.Errorf("close order %s: %w", o.ID, err)
	}
	return order.ErrAlreadyClosed
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var (
		o                                    order.Order
		direction, status, outcome           string
		openedNs, closedNs, createdNs, updNs int64
		isReal                               int
	)
	if err := row.Scan(&o.ID, &o.PairKey, &direction, &o.EntryPrice, &o.StopLoss, &o.TakeProfit, &o.Size,
		&o.RiskAmount, &o.UnitValue, &o.PipSize, &status, &outcome, &openedNs, &closedNs,
		&o.ExitPrice, &o.ResultUnits, &o.ResultValue, &isReal, &o.ExternalRef, &o.FailureReason,
		&createdNs, &updNs); err != nil {
		return nil, err
	}
	o.Direction = signal.Direction(direction)
	o.Status = order.Status(status)
	o.Outcome = order.Outcome(outcome)
	o.OpenedAt = fromNs(openedNs)
	o.ClosedAt = fromNs(closedNs)
	o.CreatedAt = fromNs(createdNs)
	o.UpdatedAt = fromNs(updNs)
	o.IsReal = isReal == 1
	return &o, nil
}

// GetOrder loads one order.
func (s *Store) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

// ListOrders returns orders oldest first.
func (s *Store) ListOrders(ctx context.Context, f order.ListFilter) ([]*order.Order, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.PairKey != "" {
		where = append(where, "pair_key = ?")
		args = append(args, f.PairKey)
	}

	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at_ns, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
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

// CountActive counts PENDING_SUBMISSION and OPEN orders.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE status IN ('PENDING_SUBMISSION', 'OPEN')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active orders: %w", err)
	}
	return n, nil
}

// LoadCapital implements risk.CapitalStore.
func (s *Store) LoadCapital(ctx context.Context) (risk.CapitalState, bool, error) {
	var (
		st    risk.CapitalState
		updNs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT initial, current, peak, realized_pnl, wins, losses, max_drawdown_seen, updated_at_ns
		FROM capital_state WHERE id = 1`).
		Scan(&st.Initial, &st.Current, &st.Peak, &st.RealizedPnL, &st.Wins, &st.Losses, &st.MaxDrawdownSeen, &updNs)
	if errors.Is(err, sql.ErrNoRows) {
		return risk.CapitalState{}, false, nil
	}
	if err != nil {
		return risk.CapitalState{}, false, fmt.Errorf("load capital: %w", err)
	}
	st.UpdatedAt = fromNs(updNs)
	return st, true, nil
}

// SaveCapital implements risk.CapitalStore.
func (s *Store) SaveCapital(ctx context.Context, st risk.CapitalState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capital_state (id, initial, current, peak, realized_pnl, wins, losses, max_drawdown_seen, updated_at_ns)
		VALUES (1, ?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8)
		ON CONFLICT(id) DO UPDATE SET
			initial = excluded.initial,
			current = excluded.current,
			peak = excluded.peak,
			realized_pnl = excluded.realized_pnl,
			wins = excluded.wins,
			losses = excluded.losses,
			max_drawdown_seen = excluded.max_drawdown_seen,
			updated_at_ns = excluded.updated_at_ns`,
		st.Initial, st.Current, st.Peak, st.RealizedPnL, st.Wins, st.Losses, st.MaxDrawdownSeen, toNs(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save capital: %w", err)
	}
	return nil
}

const upsertCandle = `
	INSERT INTO candles (pair_key, timeframe_sec, open_time_ns, open, high, low, close, volume)
	VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8)
	ON CONFLICT(pair_key, timeframe_sec, open_time_ns) DO UPDATE SET
		open = excluded.open, high = excluded.high, low = excluded.low,
		close = excluded.close, volume = excluded.volume`

func candleArgs(c market.Candle) []any {
	return []any{c.PairKey, int64(c.Timeframe / time.Second), toNs(c.OpenTime),
		c.Open, c.High, c.Low, c.Close, c.Volume}
}

// SaveCandle queues a closed candle for the next batch.
func (s *Store) SaveCandle(c market.Candle) {
	s.writer.WriteQuery("candles", upsertCandle, candleArgs(c)...)
}

// SaveCandles writes candles immediately in one transaction.
func (s *Store) SaveCandles(ctx context.Context, candles []market.Candle) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save candles: %w", err)
	}
	for _, c := range candles {
		if _, err := tx.ExecContext(ctx, upsertCandle, candleArgs(c)...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("save candle %s %s: %w", c.PairKey, c.OpenTime, err)
		}
	}
	return tx.Commit()
}

// LoadCandles returns the latest limit candles of a pair, oldest first.
func (s *Store) LoadCandles(ctx context.Context, pair string, timeframe time.Duration, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = market.DefaultCapacity
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time_ns, open, high, low, close, volume FROM (
			SELECT open_time_ns, open, high, low, close, volume
			FROM candles
			WHERE pair_key = ?1 AND timeframe_sec = ?2
			ORDER BY open_time_ns DESC
			LIMIT ?3
		) ORDER BY open_time_ns`,
		pair, int64(timeframe/time.Second), limit)
	if err != nil {
		return nil, fmt.Errorf("load candles %s: %w", pair, err)
	}
	defer rows.Close()

	var out []market.Candle
	for rows.Next() {
		c := market.Candle{PairKey: pair, Timeframe: timeframe}
		var openNs int64
		if err := rows.Scan(&openNs, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.OpenTime = fromNs(openNs)
		out = append(out, c)
	}
	return out, rows.Err()
}
