package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultLockTTL = 10 * time.Minute

// Lock is a held per-organisation lease. The holder must Release it; an
// abandoned lease expires after its TTL so a crashed worker cannot wedge a
// tenant forever.
type Lock interface {
	OrgID() string
	Release(ctx context.Context) error
}

// LockManager enforces the one-sync-per-organisation invariant. TryAcquire
// never blocks: a second concurrent sync start observes the held lock and
// backs off as a no-op.
type LockManager interface {
	TryAcquire(ctx context.Context, orgID string) (Lock, bool, error)
}

type LockConfig struct {
	TTL time.Duration
}

func (c LockConfig) ttl() time.Duration {
	if c.TTL <= 0 {
		return defaultLockTTL
	}
	return c.TTL
}

type pgLockManager struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func newPGLockManager(pool *pgxpool.Pool, cfg LockConfig) *pgLockManager {
	return &pgLockManager{pool: pool, ttl: cfg.ttl()}
}

func (m *pgLockManager) TryAcquire(ctx context.Context, orgID string) (Lock, bool, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, false, errors.New("organisation id is required")
	}

	token := pgtype.UUID{Bytes: uuid.New(), Valid: true}
	var held pgtype.UUID
	err := m.pool.QueryRow(ctx,
		`INSERT INTO sync_locks (org_id, holder_token, expires_at)
		 VALUES ($1, $2, now() + $3::interval)
		 ON CONFLICT (org_id) DO UPDATE
		 SET holder_token = EXCLUDED.holder_token,
		     expires_at = EXCLUDED.expires_at
		 WHERE sync_locks.expires_at < now()
		 RETURNING holder_token`,
		orgID, token, fmt.Sprintf("%d seconds", int64(m.ttl.Seconds())),
	).Scan(&held)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Row exists and has not expired: another worker holds the lock.
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire lock %s: %w", orgID, err)
	}

	return &pgLock{pool: m.pool, orgID: orgID, token: token}, true, nil
}

type pgLock struct {
	pool  *pgxpool.Pool
	orgID string
	token pgtype.UUID

	releaseOnce sync.Once
}

func (l *pgLock) OrgID() string { return l.orgID }

func (l *pgLock) Release(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	l.releaseOnce.Do(func() {
		_, err = l.pool.Exec(ctx,
			`DELETE FROM sync_locks WHERE org_id = $1 AND holder_token = $2`,
			l.orgID, l.token,
		)
	})
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.orgID, err)
	}
	return nil
}
