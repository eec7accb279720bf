package roster

import (
	"context"
	"strings"
	"time"
)

// Organisation is one tenant of the platform. The credential blob is
// encrypted at rest and only decrypted inside a running job.
type Organisation struct {
	ID          string
	Region      string
	Credentials []byte
	CreatedAt   time.Time
}

// Credentials is the decrypted secret material handed to a PageFetcher or
// UserDeleter. The core treats it as opaque; each connector knows its shape.
type Credentials struct {
	APIKey       string            `json:"api_key,omitempty"`
	AccessToken  string            `json:"access_token,omitempty"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time         `json:"expires_at,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// UserRecord is one external user as reported by a page fetch. It is never
// persisted locally; pages are streamed straight to the platform sink.
type UserRecord struct {
	ExternalID string            `json:"external_id"`
	Name       string            `json:"name"`
	Email      string            `json:"email"`
	Status     string            `json:"status"`
	Raw        map[string]string `json:"raw,omitempty"`
}

const StatusDeprovisioned = "deprovisioned"

// Deprovisioned reports whether the record marks a user the external system
// has already removed; syncs turn these into delete requests.
func (u UserRecord) Deprovisioned() bool {
	return strings.EqualFold(strings.TrimSpace(u.Status), StatusDeprovisioned)
}

// SyncCursor is the durable resume point for one tenant's in-flight sync.
// At most one cursor exists per organisation.
type SyncCursor struct {
	OrgID       string
	PageToken   string
	IsFirstSync bool
	StartedAt   time.Time
	Pages       int
	Records     int
}

type DeleteOrigin string

const (
	OriginWebhook DeleteOrigin = "webhook"
	OriginSync    DeleteOrigin = "sync"
)

// DeleteRequest asks for one user to be removed from the external system.
// Re-processing the same (org, user) pair must be a no-op.
type DeleteRequest struct {
	OrgID      string       `json:"org_id"`
	UserID     string       `json:"user_id"`
	Origin     DeleteOrigin `json:"origin"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// Page is the result of one PageFetcher call. A nil NextCursor means the
// external API has no more data.
type Page struct {
	Records    []UserRecord
	NextCursor *string
}

// SyncSummary accompanies a completed sync.
type SyncSummary struct {
	Pages   int `json:"pages"`
	Records int `json:"records"`
}

// PageFetcher retrieves one page of users from the external SaaS. cursor is
// empty on the first call of a sync; implementations return the next opaque
// cursor or nil when done. Errors follow the taxonomy in errors.go.
type PageFetcher interface {
	Fetch(ctx context.Context, orgID, cursor string, creds Credentials) (Page, error)
}

// UserDeleter removes one user from the external system. Deleting a user
// that is already absent must return ErrAlreadyAbsent, which callers treat
// as success.
type UserDeleter interface {
	DeleteUser(ctx context.Context, orgID, userID string, creds Credentials) error
}

// CredentialStore is durable per-tenant secret storage. Blobs are encrypted;
// the store never sees plaintext.
type CredentialStore interface {
	Get(ctx context.Context, orgID string) (Organisation, error)
	Put(ctx context.Context, org Organisation) error
	Delete(ctx context.Context, orgID string) error
	ListOrganisations(ctx context.Context) ([]Organisation, error)
}

// CursorStore persists sync cursors so a crashed worker resumes mid-sync
// instead of restarting from page one.
type CursorStore interface {
	Get(ctx context.Context, orgID string) (SyncCursor, error)
	Save(ctx context.Context, cur SyncCursor) error
	Delete(ctx context.Context, orgID string) error
}

// PlatformSink receives sync results and errors for the monitoring platform.
// ReportUsers must be idempotent per cursor position: a retried page may be
// reported twice.
type PlatformSink interface {
	ReportUsers(ctx context.Context, orgID string, records []UserRecord) error
	ReportSyncCompleted(ctx context.Context, orgID string, summary SyncSummary) error
	ReportError(ctx context.Context, orgID, kind, detail string) error
}
