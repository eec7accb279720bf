package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rosterd/rosterd/internal/roster"
)

const (
	EventSyncRequested     = "sync.requested"
	EventSyncPageCompleted = "sync.page.completed"
	EventSyncCompleted     = "sync.completed"
	EventSyncFailed        = "sync.failed"
	EventDeleteRequested   = "delete.requested"
	EventDeleteCompleted   = "delete.completed"
)

// Event is the bus envelope. Events are immutable after publish; a retry is a
// new envelope with the attempt count incremented.
type Event struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	OrgID     string          `json:"org_id"`
	Attempt   int             `json:"attempt"`
	NotBefore time.Time       `json:"not_before,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type SyncRequested struct {
	OrgID       string  `json:"org_id"`
	IsFirstSync bool    `json:"is_first_sync"`
	Cursor      *string `json:"cursor,omitempty"`
}

type SyncPageCompleted struct {
	OrgID string `json:"org_id"`
	Count int    `json:"count"`
}

type SyncCompleted struct {
	OrgID   string `json:"org_id"`
	Pages   int    `json:"pages"`
	Records int    `json:"records"`
}

type SyncFailed struct {
	OrgID string `json:"org_id"`
	Error string `json:"error"`
}

type DeleteCompleted struct {
	OrgID  string `json:"org_id"`
	UserID string `json:"user_id"`
}

// DeleteRequested mirrors roster.DeleteRequest on the wire.
type DeleteRequested = roster.DeleteRequest

// NewEvent builds a first-attempt envelope for the given payload.
func NewEvent(name, orgID string, payload any) (Event, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Event{}, errors.New("event name is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Event{
		ID:      uuid.NewString(),
		Name:    name,
		OrgID:   strings.TrimSpace(orgID),
		Attempt: 1,
		Payload: body,
	}, nil
}

// Decode unmarshals the payload into out.
func (e Event) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return nil
}

// Retry returns the envelope for the next delivery attempt.
func (e Event) Retry(notBefore time.Time) Event {
	next := e
	next.Attempt++
	next.NotBefore = notBefore
	return next
}
