package deletes

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rosterd/rosterd/internal/bus"
	"github.com/rosterd/rosterd/internal/crypto"
	"github.com/rosterd/rosterd/internal/executor"
	"github.com/rosterd/rosterd/internal/roster"
	"github.com/rosterd/rosterd/internal/store"
)

type fakeDeleter struct {
	mu    sync.Mutex
	calls map[string]int
	errs  map[string]error
}

func newFakeDeleter() *fakeDeleter {
	return &fakeDeleter{calls: make(map[string]int), errs: make(map[string]error)}
}

func (d *fakeDeleter) DeleteUser(_ context.Context, orgID, userID string, _ roster.Credentials) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := orgID + "/" + userID
	d.calls[key]++
	return d.errs[key]
}

func (d *fakeDeleter) callCount(orgID, userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[orgID+"/"+userID]
}

type fakeSink struct {
	mu    sync.Mutex
	kinds []string
}

func (s *fakeSink) ReportUsers(context.Context, string, []roster.UserRecord) error { return nil }
func (s *fakeSink) ReportSyncCompleted(context.Context, string, roster.SyncSummary) error {
	return nil
}

func (s *fakeSink) ReportError(_ context.Context, _, kind, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
	return nil
}

func (s *fakeSink) errorKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.kinds...)
}

type capturingBus struct {
	mu     sync.Mutex
	events []bus.Event
}

func (b *capturingBus) Publish(_ context.Context, e bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *capturingBus) Subscribe(string, bus.Handler) error { return nil }
func (b *capturingBus) Close() error                        { return nil }

func (b *capturingBus) byName(name string) []bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bus.Event
	for _, e := range b.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	deleter    *fakeDeleter
	sink       *fakeSink
	bus        *capturingBus
	mem        *store.Memory
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()

	key, err := crypto.GenerateKeyHex()
	if err != nil {
		t.Fatalf("GenerateKeyHex() error = %v", err)
	}
	enc, err := crypto.NewFromHex(key)
	if err != nil {
		t.Fatalf("NewFromHex() error = %v", err)
	}

	mem := store.NewMemory()
	plain, err := json.Marshal(roster.Credentials{APIKey: "key"})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	blob, err := enc.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	err = mem.Credentials().Put(context.Background(), roster.Organisation{ID: "org-1", Credentials: blob})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	deleter := newFakeDeleter()
	sink := &fakeSink{}
	capBus := &capturingBus{}
	retry := executor.RetryConfig{MaxAttempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}

	d := NewDispatcher(time.Minute)
	d.Creds = mem.Credentials()
	d.Encryptor = enc
	d.Deleter = deleter
	d.Sink = sink
	d.Bus = capBus
	d.Executors = executor.NewRegistry(
		executor.ClassConfig{Limit: 2, Retry: retry},
		executor.ClassConfig{Limit: 2, Retry: retry},
	)

	return &dispatcherFixture{dispatcher: d, deleter: deleter, sink: sink, bus: capBus, mem: mem}
}

func deleteEvent(t *testing.T, orgID, userID string, origin roster.DeleteOrigin) bus.Event {
	t.Helper()
	e, err := bus.NewEvent(bus.EventDeleteRequested, orgID, roster.DeleteRequest{
		OrgID:      orgID,
		UserID:     userID,
		Origin:     origin,
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("NewEvent() error = %v", err)
	}
	return e
}

func TestDispatcher_DeletesAndPublishesCompletion(t *testing.T) {
	t.Parallel()

	fx := newDispatcherFixture(t)

	err := fx.dispatcher.HandleDeleteRequested(context.Background(), deleteEvent(t, "org-1", "u-1", roster.OriginWebhook))
	if err != nil {
		t.Fatalf("HandleDeleteRequested() error = %v", err)
	}
	if got := fx.deleter.callCount("org-1", "u-1"); got != 1 {
		t.Fatalf("DeleteUser calls = %d, want 1", got)
	}

	completed := fx.bus.byName(bus.EventDeleteCompleted)
	if len(completed) != 1 {
		t.Fatalf("delete.completed events = %d, want 1", len(completed))
	}
	var payload bus.DeleteCompleted
	if err := completed[0].Decode(&payload); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if payload.UserID != "u-1" {
		t.Fatalf("UserID = %q, want %q", payload.UserID, "u-1")
	}
}

func TestDispatcher_DuplicatesInsideWindowCollapse(t *testing.T) {
	t.Parallel()

	fx := newDispatcherFixture(t)
	ctx := context.Background()

	// Webhook and the sync-detected removal race for the same user.
	err := fx.dispatcher.HandleDeleteRequested(ctx, deleteEvent(t, "org-1", "u-1", roster.OriginWebhook))
	if err != nil {
		t.Fatalf("first HandleDeleteRequested() error = %v", err)
	}
	err = fx.dispatcher.HandleDeleteRequested(ctx, deleteEvent(t, "org-1", "u-1", roster.OriginSync))
	if err != nil {
		t.Fatalf("second HandleDeleteRequested() error = %v", err)
	}

	if got := fx.deleter.callCount("org-1", "u-1"); got != 1 {
		t.Fatalf("DeleteUser calls = %d, want 1 after dedup", got)
	}
	if got := fx.bus.byName(bus.EventDeleteCompleted); len(got) != 1 {
		t.Fatalf("delete.completed events = %d, want 1", len(got))
	}
}

func TestDispatcher_AlreadyAbsentIsSuccess(t *testing.T) {
	t.Parallel()

	fx := newDispatcherFixture(t)
	fx.deleter.errs["org-1/u-gone"] = roster.ErrAlreadyAbsent

	err := fx.dispatcher.HandleDeleteRequested(context.Background(), deleteEvent(t, "org-1", "u-gone", roster.OriginWebhook))
	if err != nil {
		t.Fatalf("HandleDeleteRequested() error = %v, want nil for already-absent", err)
	}
	if got := fx.deleter.callCount("org-1", "u-gone"); got != 1 {
		t.Fatalf("DeleteUser calls = %d, want 1 (no retries)", got)
	}
	if got := fx.bus.byName(bus.EventDeleteCompleted); len(got) != 1 {
		t.Fatalf("delete.completed events = %d, want 1", len(got))
	}
}

func TestDispatcher_PermanentFailureReportsWithoutRetry(t *testing.T) {
	t.Parallel()

	fx := newDispatcherFixture(t)
	fx.deleter.errs["org-1/u-1"] = roster.Permanent(errors.New("missing scope"))

	err := fx.dispatcher.HandleDeleteRequested(context.Background(), deleteEvent(t, "org-1", "u-1", roster.OriginWebhook))
	if err != nil {
		t.Fatalf("HandleDeleteRequested() error = %v, want nil", err)
	}
	if got := fx.deleter.callCount("org-1", "u-1"); got != 1 {
		t.Fatalf("DeleteUser calls = %d, want 1", got)
	}
	if kinds := fx.sink.errorKinds(); len(kinds) != 1 || kinds[0] != "delete_permanent" {
		t.Fatalf("reported error kinds = %v, want [delete_permanent]", kinds)
	}
	if got := fx.bus.byName(bus.EventDeleteCompleted); len(got) != 0 {
		t.Fatalf("delete.completed events = %d, want 0", len(got))
	}
}

func TestDispatcher_ExhaustedRetriesReport(t *testing.T) {
	t.Parallel()

	fx := newDispatcherFixture(t)
	fx.deleter.errs["org-1/u-1"] = roster.Transient(errors.New("api down"))

	err := fx.dispatcher.HandleDeleteRequested(context.Background(), deleteEvent(t, "org-1", "u-1", roster.OriginWebhook))
	if err != nil {
		t.Fatalf("HandleDeleteRequested() error = %v, want nil", err)
	}
	if got := fx.deleter.callCount("org-1", "u-1"); got != 3 {
		t.Fatalf("DeleteUser calls = %d, want the full retry budget of 3", got)
	}
	if kinds := fx.sink.errorKinds(); len(kinds) != 1 || kinds[0] != "delete_exhausted" {
		t.Fatalf("reported error kinds = %v, want [delete_exhausted]", kinds)
	}
}

func TestDispatcher_MissingOrganisationDropsRequest(t *testing.T) {
	t.Parallel()

	fx := newDispatcherFixture(t)

	err := fx.dispatcher.HandleDeleteRequested(context.Background(), deleteEvent(t, "org-gone", "u-1", roster.OriginWebhook))
	if err != nil {
		t.Fatalf("HandleDeleteRequested() error = %v, want nil drop", err)
	}
	if got := fx.deleter.callCount("org-gone", "u-1"); got != 0 {
		t.Fatalf("DeleteUser calls = %d, want 0", got)
	}
}

// flakyCredStore fails Get a set number of times before delegating.
type flakyCredStore struct {
	roster.CredentialStore
	mu       sync.Mutex
	failures int
}

func (s *flakyCredStore) Get(ctx context.Context, orgID string) (roster.Organisation, error) {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return roster.Organisation{}, errors.New("store unavailable")
	}
	return s.CredentialStore.Get(ctx, orgID)
}

func TestDispatcher_FailedDispatchReleasesDedupKey(t *testing.T) {
	t.Parallel()

	fx := newDispatcherFixture(t)
	ctx := context.Background()

	flaky := &flakyCredStore{CredentialStore: fx.mem.Credentials(), failures: 1}
	fx.dispatcher.Creds = flaky

	err := fx.dispatcher.HandleDeleteRequested(ctx, deleteEvent(t, "org-1", "u-1", roster.OriginWebhook))
	if !roster.IsTransient(err) {
		t.Fatalf("HandleDeleteRequested() error = %v, want transient for re-publish", err)
	}

	// The bus redelivers; the failed attempt must not have parked the pair
	// in the dedup window.
	if err := fx.dispatcher.HandleDeleteRequested(ctx, deleteEvent(t, "org-1", "u-1", roster.OriginWebhook)); err != nil {
		t.Fatalf("retried HandleDeleteRequested() error = %v", err)
	}
	if got := fx.deleter.callCount("org-1", "u-1"); got != 1 {
		t.Fatalf("DeleteUser calls = %d, want 1 on the retry", got)
	}
}

func TestDispatcher_RejectsMalformedPayload(t *testing.T) {
	t.Parallel()

	fx := newDispatcherFixture(t)
	e := bus.Event{ID: "x", Name: bus.EventDeleteRequested, Attempt: 1, Payload: json.RawMessage(`{"org_id":""}`)}

	err := fx.dispatcher.HandleDeleteRequested(context.Background(), e)
	if !roster.IsPermanent(err) {
		t.Fatalf("HandleDeleteRequested() error = %v, want permanent", err)
	}
}
