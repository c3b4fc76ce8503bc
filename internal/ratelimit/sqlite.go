package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore keeps buckets in the sqlite rate_buckets table. Workers sharing
// the database file share the budget.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore expects the schema from db.ApplyMigrations.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const sqliteSeed = `
INSERT INTO rate_buckets (bucket_key, tokens, last_refill_ns, capacity, refill_per_second)
VALUES (?1, ?2, ?3, ?2, ?4)
ON CONFLICT(bucket_key) DO UPDATE SET
    capacity = excluded.capacity,
    refill_per_second = excluded.refill_per_second
WHERE rate_buckets.capacity != excluded.capacity
   OR rate_buckets.refill_per_second != excluded.refill_per_second`

// The WHERE clause recomputes the refilled balance, so the deduction only
// happens when it is covered at the moment of the write.
const sqliteTake = `
UPDATE rate_buckets
SET tokens = MIN(capacity, tokens + MAX(0, ?1 - last_refill_ns) * refill_per_second / 1e9) - ?2,
    last_refill_ns = MAX(last_refill_ns, ?1)
WHERE bucket_key = ?3
  AND MIN(capacity, tokens + MAX(0, ?1 - last_refill_ns) * refill_per_second / 1e9) >= ?2
RETURNING tokens`

const sqliteBalance = `
SELECT MIN(capacity, tokens + MAX(0, ?1 - last_refill_ns) * refill_per_second / 1e9),
       last_refill_ns,
       MAX(0, last_refill_ns - ?1)
FROM rate_buckets
WHERE bucket_key = ?2`

// A last_refill_ns in the future keeps the refilled balance at zero until
// that instant.
const sqliteHold = `
UPDATE rate_buckets
SET tokens = 0,
    last_refill_ns = MAX(last_refill_ns, ?1)
WHERE bucket_key = ?2`

func (s *SQLStore) seed(ctx context.Context, key string, b Budget, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, sqliteSeed, key, b.Capacity, now.UnixNano(), b.RefillPerSecond); err != nil {
		return fmt.Errorf("seed bucket %s: %w", key, err)
	}
	return nil
}

// Take implements Store.
func (s *SQLStore) Take(ctx context.Context, key string, cost int, b Budget, now time.Time) (TakeResult, error) {
	if err := s.seed(ctx, key, b, now); err != nil {
		return TakeResult{}, err
	}

	var tokens float64
	err := s.db.QueryRowContext(ctx, sqliteTake, now.UnixNano(), float64(cost), key).Scan(&tokens)
	switch {
	case err == nil:
		return TakeResult{Granted: true, Tokens: tokens}, nil
	case errors.Is(err, sql.ErrNoRows):
		tokens, _, heldNs, err := s.balance(ctx, key, now)
		if err != nil {
			return TakeResult{}, err
		}
		return TakeResult{Granted: false, Tokens: tokens, HeldFor: time.Duration(heldNs)}, nil
	default:
		return TakeResult{}, fmt.Errorf("take from bucket %s: %w", key, err)
	}
}

// Snapshot implements Store.
func (s *SQLStore) Snapshot(ctx context.Context, key string, b Budget, now time.Time) (State, error) {
	if err := s.seed(ctx, key, b, now); err != nil {
		return State{}, err
	}
	tokens, lastNs, _, err := s.balance(ctx, key, now)
	if err != nil {
		return State{}, err
	}
	return State{
		Key:             key,
		Tokens:          tokens,
		LastRefill:      time.Unix(0, lastNs),
		Capacity:        b.Capacity,
		RefillPerSecond: b.RefillPerSecond,
	}, nil
}

// Hold implements Store.
func (s *SQLStore) Hold(ctx context.Context, key string, b Budget, d time.Duration, now time.Time) error {
	if err := s.seed(ctx, key, b, now); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, sqliteHold, now.Add(d).UnixNano(), key); err != nil {
		return fmt.Errorf("hold bucket %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) balance(ctx context.Context, key string, now time.Time) (tokens float64, lastNs, heldNs int64, err error) {
	err = s.db.QueryRowContext(ctx, sqliteBalance, now.UnixNano(), key).Scan(&tokens, &lastNs, &heldNs)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("read bucket %s: %w", key, err)
	}
	return tokens, lastNs, heldNs, nil
}
