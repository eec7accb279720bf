package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rosterd/rosterd/internal/bus"
	"github.com/rosterd/rosterd/internal/roster"
)

// Memory holds in-process implementations of every store interface. They back
// the one-off sync command and the test suite.
type Memory struct {
	creds   *MemoryCredentialStore
	cursors *MemoryCursorStore
	dead    *MemoryDeadLetterSink
	locks   *MemoryLockManager
}

func NewMemory() *Memory {
	return &Memory{
		creds:   &MemoryCredentialStore{orgs: make(map[string]roster.Organisation)},
		cursors: &MemoryCursorStore{cursors: make(map[string]roster.SyncCursor)},
		dead:    &MemoryDeadLetterSink{},
		locks:   &MemoryLockManager{held: make(map[string]bool)},
	}
}

func (m *Memory) Credentials() *MemoryCredentialStore { return m.creds }
func (m *Memory) Cursors() *MemoryCursorStore         { return m.cursors }
func (m *Memory) DeadLetters() *MemoryDeadLetterSink  { return m.dead }
func (m *Memory) Locks() *MemoryLockManager           { return m.locks }

type MemoryCredentialStore struct {
	mu   sync.RWMutex
	orgs map[string]roster.Organisation
}

func (s *MemoryCredentialStore) Get(_ context.Context, orgID string) (roster.Organisation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[strings.TrimSpace(orgID)]
	if !ok {
		return roster.Organisation{}, fmt.Errorf("organisation %s: %w", orgID, roster.ErrNotFound)
	}
	return org, nil
}

func (s *MemoryCredentialStore) Put(_ context.Context, org roster.Organisation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now()
	}
	s.orgs[strings.TrimSpace(org.ID)] = org
	return nil
}

func (s *MemoryCredentialStore) Delete(_ context.Context, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orgs, strings.TrimSpace(orgID))
	return nil
}

func (s *MemoryCredentialStore) ListOrganisations(_ context.Context) ([]roster.Organisation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orgs := make([]roster.Organisation, 0, len(s.orgs))
	for _, org := range s.orgs {
		orgs = append(orgs, org)
	}
	return orgs, nil
}

type MemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[string]roster.SyncCursor
}

func (s *MemoryCursorStore) Get(_ context.Context, orgID string) (roster.SyncCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.cursors[strings.TrimSpace(orgID)]
	if !ok {
		return roster.SyncCursor{}, fmt.Errorf("cursor for %s: %w", orgID, roster.ErrNotFound)
	}
	return cur, nil
}

func (s *MemoryCursorStore) Save(_ context.Context, cur roster.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[strings.TrimSpace(cur.OrgID)] = cur
	return nil
}

func (s *MemoryCursorStore) Delete(_ context.Context, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, strings.TrimSpace(orgID))
	return nil
}

// Count reports how many cursors exist; used by invariant checks in tests.
func (s *MemoryCursorStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cursors)
}

type MemoryDeadLetterSink struct {
	mu      sync.Mutex
	entries []DeadLetter
}

type DeadLetter struct {
	Event   bus.Event
	LastErr error
}

func (s *MemoryDeadLetterSink) Route(_ context.Context, e bus.Event, lastErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, DeadLetter{Event: e, LastErr: lastErr})
	return nil
}

func (s *MemoryDeadLetterSink) Entries() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadLetter(nil), s.entries...)
}

type MemoryLockManager struct {
	mu   sync.Mutex
	held map[string]bool
}

func (m *MemoryLockManager) TryAcquire(_ context.Context, orgID string) (Lock, bool, error) {
	orgID = strings.TrimSpace(orgID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[orgID] {
		return nil, false, nil
	}
	m.held[orgID] = true
	return &memoryLock{m: m, orgID: orgID}, true, nil
}

type memoryLock struct {
	m     *MemoryLockManager
	orgID string
	once  sync.Once
}

func (l *memoryLock) OrgID() string { return l.orgID }

func (l *memoryLock) Release(context.Context) error {
	l.once.Do(func() {
		l.m.mu.Lock()
		delete(l.m.held, l.orgID)
		l.m.mu.Unlock()
	})
	return nil
}
