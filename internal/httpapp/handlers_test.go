package httpapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rosterd/rosterd/internal/bus"
	"github.com/rosterd/rosterd/internal/crypto"
	"github.com/rosterd/rosterd/internal/executor"
	"github.com/rosterd/rosterd/internal/roster"
	"github.com/rosterd/rosterd/internal/store"
	"github.com/rosterd/rosterd/internal/tenant"
)

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

type fixture struct {
	server *EchoServer
	bus    *capturingBus
	mem    *store.Memory
}

func newFixture(t *testing.T) *fixture {
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
	capBus := &capturingBus{}
	retry := executor.RetryConfig{MaxAttempts: 1, Base: time.Millisecond}
	trigger := &publishTrigger{bus: capBus}

	tenants := &tenant.Service{
		Creds:     mem.Credentials(),
		Cursors:   mem.Cursors(),
		Encryptor: enc,
		Executors: executor.NewRegistry(executor.ClassConfig{Limit: 1, Retry: retry}, executor.ClassConfig{Limit: 1, Retry: retry}),
		Trigger:   trigger,
	}

	srv, err := NewEchoServer(&Handlers{Bus: capBus, Trigger: trigger, Tenants: tenants})
	if err != nil {
		t.Fatalf("NewEchoServer() error = %v", err)
	}
	return &fixture{server: srv, bus: capBus, mem: mem}
}

// publishTrigger mirrors the scheduler's TriggerOrg against the capturing bus.
type publishTrigger struct {
	bus *capturingBus
}

func (p *publishTrigger) TriggerOrg(ctx context.Context, orgID string, isFirstSync bool) error {
	e, err := bus.NewEvent(bus.EventSyncRequested, orgID, bus.SyncRequested{OrgID: orgID, IsFirstSync: isFirstSync})
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, e)
}

func (fx *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	fx.server.e.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealthz(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	rec := fx.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleDeletionWebhook_PublishesDeleteRequests(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	rec := fx.do(t, http.MethodPost, "/webhooks/org-1/deletions", `{"user_ids":["u-1","u-2"]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	events := fx.bus.byName(bus.EventDeleteRequested)
	if len(events) != 2 {
		t.Fatalf("delete.requested events = %d, want 2", len(events))
	}
	var req roster.DeleteRequest
	if err := events[0].Decode(&req); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if req.Origin != roster.OriginWebhook {
		t.Fatalf("Origin = %q, want %q", req.Origin, roster.OriginWebhook)
	}
	if req.OrgID != "org-1" {
		t.Fatalf("OrgID = %q, want org-1", req.OrgID)
	}
}

func TestHandleDeletionWebhook_SingleUserField(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	rec := fx.do(t, http.MethodPost, "/webhooks/org-1/deletions", `{"user_id":"u-9"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if got := fx.bus.byName(bus.EventDeleteRequested); len(got) != 1 {
		t.Fatalf("delete.requested events = %d, want 1", len(got))
	}
}

func TestHandleDeletionWebhook_RejectsEmptyBody(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	rec := fx.do(t, http.MethodPost, "/webhooks/org-1/deletions", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleOnboard_CreatesOrgAndTriggersFirstSync(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	body := `{"org_id":"org-new","region":"eu","credentials":{"api_key":"secret"}}`
	rec := fx.do(t, http.MethodPost, "/orgs", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	if _, err := fx.mem.Credentials().Get(context.Background(), "org-new"); err != nil {
		t.Fatalf("organisation not stored: %v", err)
	}

	events := fx.bus.byName(bus.EventSyncRequested)
	if len(events) != 1 {
		t.Fatalf("sync.requested events = %d, want 1", len(events))
	}
	var req bus.SyncRequested
	if err := events[0].Decode(&req); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !req.IsFirstSync {
		t.Fatal("onboarding sync not marked as first sync")
	}
}

func TestHandleTriggerSync(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	rec := fx.do(t, http.MethodPost, "/orgs/org-1/sync", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	events := fx.bus.byName(bus.EventSyncRequested)
	if len(events) != 1 {
		t.Fatalf("sync.requested events = %d, want 1", len(events))
	}
	var req bus.SyncRequested
	if err := events[0].Decode(&req); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if req.IsFirstSync {
		t.Fatal("manual trigger marked as first sync")
	}
}

func TestHandleOffboard(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	body := `{"org_id":"org-1","credentials":{"api_key":"k"}}`
	if rec := fx.do(t, http.MethodPost, "/orgs", body); rec.Code != http.StatusCreated {
		t.Fatalf("onboard status = %d, want 201", rec.Code)
	}

	rec := fx.do(t, http.MethodDelete, "/orgs/org-1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if _, err := fx.mem.Credentials().Get(context.Background(), "org-1"); err == nil {
		t.Fatal("organisation survived offboarding")
	}
}

func TestHandleRotateCredentials_UnknownOrg(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	rec := fx.do(t, http.MethodPost, "/orgs/org-missing/credentials", `{"credentials":{"api_key":"new"}}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
