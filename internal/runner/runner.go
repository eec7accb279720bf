package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rosterd/rosterd/internal/bus"
	"github.com/rosterd/rosterd/internal/crypto"
	"github.com/rosterd/rosterd/internal/executor"
	"github.com/rosterd/rosterd/internal/metrics"
	"github.com/rosterd/rosterd/internal/roster"
	"github.com/rosterd/rosterd/internal/store"
)

// Runner drives one tenant's paginated sync to completion. It consumes
// sync.requested events; the persisted cursor is the resume point, so a
// crashed or re-published run continues from the last reported page instead
// of page one.
type Runner struct {
	Creds     roster.CredentialStore
	Cursors   roster.CursorStore
	Encryptor *crypto.Encryptor
	Fetcher   roster.PageFetcher
	Sink      roster.PlatformSink
	Bus       bus.Bus
	Executors *executor.Registry
	Locks     store.LockManager

	// MaxAttempts bounds how many times a transiently failing sync is
	// re-published before the run transitions to Failed.
	MaxAttempts int

	now func() time.Time
}

// Register subscribes the runner on the bus.
func (r *Runner) Register(b bus.Bus) error {
	return b.Subscribe(bus.EventSyncRequested, r.HandleSyncRequested)
}

func (r *Runner) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Runner) maxAttempts() int {
	if r.MaxAttempts < 1 {
		return 1
	}
	return r.MaxAttempts
}

// HandleSyncRequested is the bus handler for sync.requested. A second start
// for an organisation whose sync is already running is rejected as a no-op:
// the lock holder owns the cursor.
func (r *Runner) HandleSyncRequested(ctx context.Context, e bus.Event) error {
	var req bus.SyncRequested
	if err := e.Decode(&req); err != nil {
		return roster.Permanent(err)
	}
	if req.OrgID == "" {
		return roster.Permanent(errors.New("sync.requested without organisation id"))
	}

	lock, ok, err := r.Locks.TryAcquire(ctx, req.OrgID)
	if err != nil {
		return roster.Transient(fmt.Errorf("acquire sync lock: %w", err))
	}
	if !ok {
		slog.Info("sync already in progress", "org_id", req.OrgID)
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			slog.Warn("failed to release sync lock", "org_id", req.OrgID, "err", err)
		}
	}()

	return r.runSync(ctx, req, e.Attempt)
}

func (r *Runner) runSync(ctx context.Context, req bus.SyncRequested, attempt int) error {
	start := r.clock()
	logger := slog.Default().With("org_id", req.OrgID, "attempt", attempt)

	creds, err := r.loadCredentials(ctx, req.OrgID)
	if err != nil {
		var ce *roster.CryptoError
		if errors.As(err, &ce) {
			// Corrupted or rotated secrets: actionable alert, no retry.
			r.reportError(ctx, req.OrgID, "crypto", err.Error())
			r.fail(ctx, req.OrgID, err, logger)
			return nil
		}
		if errors.Is(err, roster.ErrNotFound) {
			// Tenant offboarded between schedule and run.
			logger.Info("organisation no longer exists, dropping sync")
			return nil
		}
		return roster.Transient(err)
	}

	cur, err := r.loadOrCreateCursor(ctx, req)
	if err != nil {
		return roster.Transient(err)
	}
	if cur.PageToken != "" {
		logger.Info("resuming sync from cursor", "pages", cur.Pages, "records", cur.Records)
	}

	ex := r.Executors.For(req.OrgID, executor.ClassSync)

	for {
		if err := ctx.Err(); err != nil {
			// Shutdown drains mid-sync; the cursor stays for the next worker.
			return err
		}

		page, err := r.fetchPage(ctx, ex, req.OrgID, cur.PageToken, creds)
		if err != nil {
			return r.handleRunError(ctx, req.OrgID, attempt, err, logger)
		}

		if len(page.Records) > 0 {
			if err := r.reportPage(ctx, ex, req.OrgID, page.Records); err != nil {
				// Reporting failures are transient; the cursor has not moved,
				// so the re-published run re-fetches and re-reports this page
				// and no earlier one.
				return r.handleRunError(ctx, req.OrgID, attempt, err, logger)
			}
			cur.Pages++
			cur.Records += len(page.Records)
			metrics.PagesFetchedTotal.WithLabelValues(req.OrgID).Inc()
			metrics.RecordsReportedTotal.WithLabelValues(req.OrgID).Add(float64(len(page.Records)))
			r.publish(ctx, bus.EventSyncPageCompleted, req.OrgID, bus.SyncPageCompleted{
				OrgID: req.OrgID,
				Count: len(page.Records),
			})
			r.requestRemovals(ctx, req.OrgID, page.Records)
		}

		if page.NextCursor == nil {
			r.complete(ctx, req.OrgID, cur, start, logger)
			return nil
		}

		cur.PageToken = *page.NextCursor
		if err := r.Cursors.Save(ctx, cur); err != nil {
			return roster.Transient(fmt.Errorf("save cursor: %w", err))
		}
	}
}

func (r *Runner) loadCredentials(ctx context.Context, orgID string) (roster.Credentials, error) {
	org, err := r.Creds.Get(ctx, orgID)
	if err != nil {
		return roster.Credentials{}, err
	}
	plain, err := r.Encryptor.Decrypt(org.Credentials)
	if err != nil {
		return roster.Credentials{}, err
	}
	var creds roster.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return roster.Credentials{}, &roster.CryptoError{Op: "decode credentials", Err: err}
	}
	return creds, nil
}

func (r *Runner) loadOrCreateCursor(ctx context.Context, req bus.SyncRequested) (roster.SyncCursor, error) {
	cur, err := r.Cursors.Get(ctx, req.OrgID)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, roster.ErrNotFound) {
		return roster.SyncCursor{}, err
	}

	cur = roster.SyncCursor{
		OrgID:       req.OrgID,
		IsFirstSync: req.IsFirstSync,
		StartedAt:   r.clock(),
	}
	if req.Cursor != nil {
		cur.PageToken = *req.Cursor
	}
	if err := r.Cursors.Save(ctx, cur); err != nil {
		return roster.SyncCursor{}, err
	}
	return cur, nil
}

func (r *Runner) fetchPage(ctx context.Context, ex *executor.Executor, orgID, token string, creds roster.Credentials) (roster.Page, error) {
	var page roster.Page
	f, err := ex.Submit(ctx, func(taskCtx context.Context) error {
		var fetchErr error
		page, fetchErr = r.Fetcher.Fetch(taskCtx, orgID, token, creds)
		return fetchErr
	})
	if err != nil {
		return roster.Page{}, err
	}
	if err := f.Wait(ctx); err != nil {
		return roster.Page{}, err
	}
	return page, nil
}

func (r *Runner) reportPage(ctx context.Context, ex *executor.Executor, orgID string, records []roster.UserRecord) error {
	f, err := ex.Submit(ctx, func(taskCtx context.Context) error {
		return r.Sink.ReportUsers(taskCtx, orgID, records)
	})
	if err != nil {
		return err
	}
	return f.Wait(ctx)
}

// requestRemovals turns users the external system already deprovisioned into
// delete requests, funneled through the same dispatcher as webhook deletes.
func (r *Runner) requestRemovals(ctx context.Context, orgID string, records []roster.UserRecord) {
	for _, rec := range records {
		if !rec.Deprovisioned() {
			continue
		}
		r.publish(ctx, bus.EventDeleteRequested, orgID, roster.DeleteRequest{
			OrgID:      orgID,
			UserID:     rec.ExternalID,
			Origin:     roster.OriginSync,
			EnqueuedAt: r.clock(),
		})
	}
}

// handleRunError decides between the FetchingPage→FetchingPage retry edge
// (re-publish via bus with the cursor as resume point) and the Failed state.
func (r *Runner) handleRunError(ctx context.Context, orgID string, attempt int, err error, logger *slog.Logger) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, executor.ErrExecutorCanceled) {
		logger.Info("sync aborted", "err", err)
		return nil
	}
	if roster.IsPermanent(err) || attempt >= r.maxAttempts() {
		kind := "sync"
		if errors.Is(err, roster.ErrUnauthorized) {
			kind = "unauthorized"
		}
		r.reportError(ctx, orgID, kind, err.Error())
		r.fail(ctx, orgID, err, logger)
		return nil
	}

	logger.Warn("sync hit transient failure, re-publishing", "err", err)
	return roster.Transient(err)
}

func (r *Runner) complete(ctx context.Context, orgID string, cur roster.SyncCursor, start time.Time, logger *slog.Logger) {
	if err := r.Cursors.Delete(ctx, orgID); err != nil {
		logger.Warn("failed to delete cursor after completion", "err", err)
	}

	summary := roster.SyncSummary{Pages: cur.Pages, Records: cur.Records}
	if err := r.Sink.ReportSyncCompleted(ctx, orgID, summary); err != nil {
		logger.Warn("failed to report sync completion", "err", err)
	}
	r.publish(ctx, bus.EventSyncCompleted, orgID, bus.SyncCompleted{
		OrgID:   orgID,
		Pages:   cur.Pages,
		Records: cur.Records,
	})

	metrics.SyncDuration.WithLabelValues(orgID).Observe(r.clock().Sub(start).Seconds())
	metrics.SyncRunsTotal.WithLabelValues(orgID, "success").Inc()
	metrics.SyncLastSuccessTimestamp.WithLabelValues(orgID).Set(float64(r.clock().Unix()))
	logger.Info("sync completed", "pages", cur.Pages, "records", cur.Records)
}

// fail is terminal: the cursor is deleted and a fresh cron tick starts the
// next sync from scratch.
func (r *Runner) fail(ctx context.Context, orgID string, cause error, logger *slog.Logger) {
	if err := r.Cursors.Delete(ctx, orgID); err != nil {
		logger.Warn("failed to delete cursor after failure", "err", err)
	}
	r.publish(ctx, bus.EventSyncFailed, orgID, bus.SyncFailed{
		OrgID: orgID,
		Error: cause.Error(),
	})
	metrics.SyncRunsTotal.WithLabelValues(orgID, "failure").Inc()
	logger.Error("sync failed", "err", cause)
}

func (r *Runner) reportError(ctx context.Context, orgID, kind, detail string) {
	if err := r.Sink.ReportError(ctx, orgID, kind, detail); err != nil {
		slog.Warn("failed to report error to platform", "org_id", orgID, "kind", kind, "err", err)
	}
}

func (r *Runner) publish(ctx context.Context, name, orgID string, payload any) {
	e, err := bus.NewEvent(name, orgID, payload)
	if err != nil {
		slog.Error("failed to build event", "event", name, "err", err)
		return
	}
	if err := r.Bus.Publish(ctx, e); err != nil {
		slog.Error("failed to publish event", "event", name, "org_id", orgID, "err", err)
	}
}
