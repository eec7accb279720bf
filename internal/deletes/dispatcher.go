package deletes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rosterd/rosterd/internal/bus"
	"github.com/rosterd/rosterd/internal/crypto"
	"github.com/rosterd/rosterd/internal/executor"
	"github.com/rosterd/rosterd/internal/metrics"
	"github.com/rosterd/rosterd/internal/roster"
)

const defaultDedupWindow = 15 * time.Minute

// Dispatcher consumes delete.requested events, absorbs bursty re-deliveries
// through a sliding dedup window, and executes deletions through the
// per-tenant delete executor. Webhook-origin and sync-detected requests share
// one dedup key.
type Dispatcher struct {
	Creds     roster.CredentialStore
	Encryptor *crypto.Encryptor
	Deleter   roster.UserDeleter
	Sink      roster.PlatformSink
	Bus       bus.Bus
	Executors *executor.Registry

	window *gocache.Cache
}

// NewDispatcher builds a dispatcher with the given dedup window.
func NewDispatcher(window time.Duration) *Dispatcher {
	if window <= 0 {
		window = defaultDedupWindow
	}
	return &Dispatcher{
		window: gocache.New(window, window/2),
	}
}

// Register subscribes the dispatcher on the bus.
func (d *Dispatcher) Register(b bus.Bus) error {
	return b.Subscribe(bus.EventDeleteRequested, d.HandleDeleteRequested)
}

func dedupKey(orgID, userID string) string {
	return strings.TrimSpace(orgID) + "/" + strings.TrimSpace(userID)
}

// HandleDeleteRequested is the bus handler for delete.requested.
func (d *Dispatcher) HandleDeleteRequested(ctx context.Context, e bus.Event) error {
	var req roster.DeleteRequest
	if err := e.Decode(&req); err != nil {
		return roster.Permanent(err)
	}
	if strings.TrimSpace(req.OrgID) == "" || strings.TrimSpace(req.UserID) == "" {
		return roster.Permanent(errors.New("delete.requested without org or user id"))
	}

	key := dedupKey(req.OrgID, req.UserID)
	// Add fails when the key is present, which also covers a pair currently
	// in flight. Failed attempts clear the key so a bus retry is not absorbed.
	if err := d.window.Add(key, struct{}{}, gocache.DefaultExpiration); err != nil {
		metrics.DeleteDedupHitsTotal.WithLabelValues(string(req.Origin)).Inc()
		slog.Debug("duplicate delete absorbed", "org_id", req.OrgID, "user_id", req.UserID, "origin", req.Origin)
		return nil
	}

	if err := d.dispatch(ctx, req); err != nil {
		d.window.Delete(key)
		return err
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, req roster.DeleteRequest) error {
	logger := slog.Default().With("org_id", req.OrgID, "user_id", req.UserID, "origin", req.Origin)

	creds, err := d.loadCredentials(ctx, req.OrgID)
	if err != nil {
		var ce *roster.CryptoError
		if errors.As(err, &ce) {
			d.reportError(ctx, req.OrgID, "crypto", err.Error())
			metrics.DeletesTotal.WithLabelValues(req.OrgID, "failure").Inc()
			return nil
		}
		if errors.Is(err, roster.ErrNotFound) {
			logger.Info("organisation no longer exists, dropping delete")
			return nil
		}
		return roster.Transient(err)
	}

	ex := d.Executors.For(req.OrgID, executor.ClassDelete)
	f, err := ex.Submit(ctx, func(taskCtx context.Context) error {
		err := d.Deleter.DeleteUser(taskCtx, req.OrgID, req.UserID, creds)
		if errors.Is(err, roster.ErrAlreadyAbsent) {
			// Idempotent semantics: the goal state is reached.
			return nil
		}
		return err
	})
	if err != nil {
		if errors.Is(err, executor.ErrExecutorCanceled) {
			logger.Info("tenant offboarding, dropping delete")
			return nil
		}
		return roster.Transient(err)
	}

	err = f.Wait(ctx)
	switch {
	case err == nil:
		metrics.DeletesTotal.WithLabelValues(req.OrgID, "success").Inc()
		d.publishCompleted(ctx, req)
		logger.Info("user deleted")
		return nil
	case roster.IsPermanent(err):
		// Insufficient permission and the like: actionable, not retryable.
		metrics.DeletesTotal.WithLabelValues(req.OrgID, "failure").Inc()
		d.reportError(ctx, req.OrgID, "delete_permanent", fmt.Sprintf("user %s: %v", req.UserID, err))
		return nil
	default:
		var exhausted *roster.TaskExhaustedError
		if errors.As(err, &exhausted) {
			metrics.DeletesTotal.WithLabelValues(req.OrgID, "exhausted").Inc()
			d.reportError(ctx, req.OrgID, "delete_exhausted", fmt.Sprintf("user %s: %v", req.UserID, err))
			return nil
		}
		return roster.Transient(err)
	}
}

func (d *Dispatcher) loadCredentials(ctx context.Context, orgID string) (roster.Credentials, error) {
	org, err := d.Creds.Get(ctx, orgID)
	if err != nil {
		return roster.Credentials{}, err
	}
	plain, err := d.Encryptor.Decrypt(org.Credentials)
	if err != nil {
		return roster.Credentials{}, err
	}
	var creds roster.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return roster.Credentials{}, &roster.CryptoError{Op: "decode credentials", Err: err}
	}
	return creds, nil
}

func (d *Dispatcher) publishCompleted(ctx context.Context, req roster.DeleteRequest) {
	e, err := bus.NewEvent(bus.EventDeleteCompleted, req.OrgID, bus.DeleteCompleted{
		OrgID:  req.OrgID,
		UserID: req.UserID,
	})
	if err != nil {
		slog.Error("failed to build delete.completed", "err", err)
		return
	}
	if err := d.Bus.Publish(ctx, e); err != nil {
		slog.Error("failed to publish delete.completed", "org_id", req.OrgID, "err", err)
	}
}

func (d *Dispatcher) reportError(ctx context.Context, orgID, kind, detail string) {
	if err := d.Sink.ReportError(ctx, orgID, kind, detail); err != nil {
		slog.Warn("failed to report error to platform", "org_id", orgID, "kind", kind, "err", err)
	}
}
