package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rosterd/rosterd/internal/bus"
	"github.com/rosterd/rosterd/internal/roster"
)

// Postgres bundles the durable stores backing the job core: tenant
// credentials, sync cursors, and the dead-letter table.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("store pool is nil")
	}
	return &Postgres{pool: pool}, nil
}

// Credentials returns the pg-backed CredentialStore.
func (p *Postgres) Credentials() roster.CredentialStore { return &pgCredentialStore{pool: p.pool} }

// Cursors returns the pg-backed CursorStore.
func (p *Postgres) Cursors() roster.CursorStore { return &pgCursorStore{pool: p.pool} }

// DeadLetters returns the pg-backed dead-letter sink.
func (p *Postgres) DeadLetters() bus.DeadLetterSink { return &pgDeadLetterSink{pool: p.pool} }

// Locks returns the pg-backed per-organisation lock manager.
func (p *Postgres) Locks(cfg LockConfig) LockManager {
	return newPGLockManager(p.pool, cfg)
}

type pgCredentialStore struct {
	pool *pgxpool.Pool
}

func (s *pgCredentialStore) Get(ctx context.Context, orgID string) (roster.Organisation, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return roster.Organisation{}, errors.New("organisation id is required")
	}

	var org roster.Organisation
	err := s.pool.QueryRow(ctx,
		`SELECT id, region, credentials, created_at FROM organisations WHERE id = $1`,
		orgID,
	).Scan(&org.ID, &org.Region, &org.Credentials, &org.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return roster.Organisation{}, fmt.Errorf("organisation %s: %w", orgID, roster.ErrNotFound)
		}
		return roster.Organisation{}, fmt.Errorf("get organisation %s: %w", orgID, err)
	}
	return org, nil
}

func (s *pgCredentialStore) Put(ctx context.Context, org roster.Organisation) error {
	org.ID = strings.TrimSpace(org.ID)
	if org.ID == "" {
		return errors.New("organisation id is required")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO organisations (id, region, credentials)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET region = EXCLUDED.region, credentials = EXCLUDED.credentials`,
		org.ID, org.Region, org.Credentials,
	)
	if err != nil {
		return fmt.Errorf("put organisation %s: %w", org.ID, err)
	}
	return nil
}

func (s *pgCredentialStore) Delete(ctx context.Context, orgID string) error {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return errors.New("organisation id is required")
	}
	// sync_cursors cascades via the foreign key.
	if _, err := s.pool.Exec(ctx, `DELETE FROM organisations WHERE id = $1`, orgID); err != nil {
		return fmt.Errorf("delete organisation %s: %w", orgID, err)
	}
	return nil
}

func (s *pgCredentialStore) ListOrganisations(ctx context.Context) ([]roster.Organisation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, region, credentials, created_at FROM organisations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list organisations: %w", err)
	}
	defer rows.Close()

	var orgs []roster.Organisation
	for rows.Next() {
		var org roster.Organisation
		if err := rows.Scan(&org.ID, &org.Region, &org.Credentials, &org.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan organisation: %w", err)
		}
		orgs = append(orgs, org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list organisations: %w", err)
	}
	return orgs, nil
}

type pgCursorStore struct {
	pool *pgxpool.Pool
}

func (s *pgCursorStore) Get(ctx context.Context, orgID string) (roster.SyncCursor, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return roster.SyncCursor{}, errors.New("organisation id is required")
	}

	var cur roster.SyncCursor
	err := s.pool.QueryRow(ctx,
		`SELECT org_id, page_token, is_first_sync, started_at, pages, records
		 FROM sync_cursors WHERE org_id = $1`,
		orgID,
	).Scan(&cur.OrgID, &cur.PageToken, &cur.IsFirstSync, &cur.StartedAt, &cur.Pages, &cur.Records)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return roster.SyncCursor{}, fmt.Errorf("cursor for %s: %w", orgID, roster.ErrNotFound)
		}
		return roster.SyncCursor{}, fmt.Errorf("get cursor %s: %w", orgID, err)
	}
	return cur, nil
}

func (s *pgCursorStore) Save(ctx context.Context, cur roster.SyncCursor) error {
	cur.OrgID = strings.TrimSpace(cur.OrgID)
	if cur.OrgID == "" {
		return errors.New("organisation id is required")
	}

	// The primary key on org_id enforces the at-most-one-cursor invariant.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_cursors (org_id, page_token, is_first_sync, started_at, pages, records)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (org_id) DO UPDATE
		 SET page_token = EXCLUDED.page_token,
		     pages = EXCLUDED.pages,
		     records = EXCLUDED.records,
		     updated_at = now()`,
		cur.OrgID, cur.PageToken, cur.IsFirstSync, cur.StartedAt, cur.Pages, cur.Records,
	)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", cur.OrgID, err)
	}
	return nil
}

func (s *pgCursorStore) Delete(ctx context.Context, orgID string) error {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return errors.New("organisation id is required")
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM sync_cursors WHERE org_id = $1`, orgID); err != nil {
		return fmt.Errorf("delete cursor %s: %w", orgID, err)
	}
	return nil
}

type pgDeadLetterSink struct {
	pool *pgxpool.Pool
}

func (s *pgDeadLetterSink) Route(ctx context.Context, e bus.Event, lastErr error) error {
	detail := ""
	if lastErr != nil {
		detail = lastErr.Error()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (event_id, event_name, org_id, attempt, payload, last_error)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Name, e.OrgID, e.Attempt, []byte(e.Payload), detail,
	)
	if err != nil {
		return fmt.Errorf("route dead letter %s: %w", e.Name, err)
	}
	return nil
}
