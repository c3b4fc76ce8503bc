package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"signal-core/pkg/pg"
)

// PgStore keeps buckets in Postgres. Refill is computed from the database
// clock, so workers on hosts with skewed clocks still agree; the now
// argument is ignored.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore expects the schema from pg.Migrate.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const pgNow = `(extract(epoch FROM clock_timestamp()) * 1e9)::bigint`

const pgSeed = `
INSERT INTO rate_buckets (bucket_key, tokens, last_refill_ns, capacity, refill_per_second)
VALUES ($1, $2, ` + pgNow + `, $2, $3)
ON CONFLICT (bucket_key) DO UPDATE SET
    capacity = EXCLUDED.capacity,
    refill_per_second = EXCLUDED.refill_per_second
WHERE rate_buckets.capacity <> EXCLUDED.capacity
   OR rate_buckets.refill_per_second <> EXCLUDED.refill_per_second`

const pgTake = `
WITH clock AS (SELECT ` + pgNow + ` AS ns)
UPDATE rate_buckets b
SET tokens = LEAST(b.capacity, b.tokens + GREATEST(0, clock.ns - b.last_refill_ns) * b.refill_per_second / 1e9) - $2,
    last_refill_ns = GREATEST(b.last_refill_ns, clock.ns)
FROM clock
WHERE b.bucket_key = $1
  AND LEAST(b.capacity, b.tokens + GREATEST(0, clock.ns - b.last_refill_ns) * b.refill_per_second / 1e9) >= $2
RETURNING b.tokens`

const pgBalance = `
WITH clock AS (SELECT ` + pgNow + ` AS ns)
SELECT LEAST(b.capacity, b.tokens + GREATEST(0, clock.ns - b.last_refill_ns) * b.refill_per_second / 1e9),
       b.last_refill_ns,
       GREATEST(0, b.last_refill_ns - clock.ns)
FROM rate_buckets b, clock
WHERE b.bucket_key = $1`

const pgHold = `
WITH clock AS (SELECT ` + pgNow + ` AS ns)
UPDATE rate_buckets b
SET tokens = 0,
    last_refill_ns = GREATEST(b.last_refill_ns, clock.ns + $2)
FROM clock
WHERE b.bucket_key = $1`

// Take implements Store.
func (s *PgStore) Take(ctx context.Context, key string, cost int, b Budget, _ time.Time) (TakeResult, error) {
	var res TakeResult
	err := pg.InTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, pgSeed, key, b.Capacity, b.RefillPerSecond); err != nil {
			return fmt.Errorf("seed bucket %s: %w", key, err)
		}
		var tokens float64
		err := tx.QueryRow(ctx, pgTake, key, float64(cost)).Scan(&tokens)
		switch {
		case err == nil:
			res = TakeResult{Granted: true, Tokens: tokens}
			return nil
		case errors.Is(err, pgx.ErrNoRows):
			var lastNs, heldNs int64
			if err := tx.QueryRow(ctx, pgBalance, key).Scan(&tokens, &lastNs, &heldNs); err != nil {
				return fmt.Errorf("read bucket %s: %w", key, err)
			}
			res = TakeResult{Granted: false, Tokens: tokens, HeldFor: time.Duration(heldNs)}
			return nil
		default:
			return fmt.Errorf("take from bucket %s: %w", key, err)
		}
	})
	return res, err
}

// Snapshot implements Store.
func (s *PgStore) Snapshot(ctx context.Context, key string, b Budget, _ time.Time) (State, error) {
	if _, err := s.pool.Exec(ctx, pgSeed, key, b.Capacity, b.RefillPerSecond); err != nil {
		return State{}, fmt.Errorf("seed bucket %s: %w", key, err)
	}
	var (
		tokens         float64
		lastNs, heldNs int64
	)
	if err := s.pool.QueryRow(ctx, pgBalance, key).Scan(&tokens, &lastNs, &heldNs); err != nil {
		return State{}, fmt.Errorf("read bucket %s: %w", key, err)
	}
	return State{
		Key:             key,
		Tokens:          tokens,
		LastRefill:      time.Unix(0, lastNs),
		Capacity:        b.Capacity,
		RefillPerSecond: b.RefillPerSecond,
	}, nil
}

// Hold implements Store. The hold is measured from the database clock.
func (s *PgStore) Hold(ctx context.Context, key string, b Budget, d time.Duration, _ time.Time) error {
	return pg.InTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, pgSeed, key, b.Capacity, b.RefillPerSecond); err != nil {
			return fmt.Errorf("seed bucket %s: %w", key, err)
		}
		if _, err := tx.Exec(ctx, pgHold, key, d.Nanoseconds()); err != nil {
			return fmt.Errorf("hold bucket %s: %w", key, err)
		}
		return nil
	})
}
