package lease

import (
	"context"
	"fmt"
	"time"

	"signal-core/pkg/pg"
)

// Pg stores leases in Postgres, timed by the database clock.
type Pg struct {
	q pg.Querier
}

// NewPg expects the schema from pg.Migrate.
func NewPg(q pg.Querier) *Pg {
	return &Pg{q: q}
}

const pgTryLock = `
WITH clock AS (SELECT (extract(epoch FROM clock_timestamp()) * 1e9)::bigint AS ns)
INSERT INTO pair_leases (lease_key, owner, expires_at_ns)
SELECT $1, $2, clock.ns + $3 FROM clock
ON CONFLICT (lease_key) DO UPDATE SET
    owner = EXCLUDED.owner,
    expires_at_ns = EXCLUDED.expires_at_ns
WHERE pair_leases.owner = EXCLUDED.owner
   OR pair_leases.expires_at_ns <= (extract(epoch FROM clock_timestamp()) * 1e9)::bigint`

// TryLock implements Locker.
func (p *Pg) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	tag, err := p.q.Exec(ctx, pgTryLock, key, owner, ttl.Nanoseconds())
	if err != nil {
		return false, fmt.Errorf("lease %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Unlock implements Locker.
func (p *Pg) Unlock(ctx context.Context, key, owner string) error {
	if _, err := p.q.Exec(ctx, `DELETE FROM pair_leases WHERE lease_key = $1 AND owner = $2`, key, owner); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}
