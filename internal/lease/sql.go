package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQL stores leases in the sqlite pair_leases table.
type SQL struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQL expects the schema from db.ApplyMigrations. now defaults to time.Now.
func NewSQL(db *sql.DB, now func() time.Time) *SQL {
	if now == nil {
		now = time.Now
	}
	return &SQL{db: db, now: now}
}

const sqliteTryLock = `
INSERT INTO pair_leases (lease_key, owner, expires_at_ns)
VALUES (?1, ?2, ?3)
ON CONFLICT(lease_key) DO UPDATE SET
    owner = excluded.owner,
    expires_at_ns = excluded.expires_at_ns
WHERE pair_leases.owner = excluded.owner OR pair_leases.expires_at_ns <= ?4`

// TryLock implements Locker.
func (s *SQL) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, sqliteTryLock, key, owner, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lease %s rows affected: %w", key, err)
	}
	return n == 1, nil
}

// Unlock implements Locker.
func (s *SQL) Unlock(ctx context.Context, key, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pair_leases WHERE lease_key = ? AND owner = ?`, key, owner); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}
