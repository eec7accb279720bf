package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/rosterd/rosterd/internal/bus"
	"github.com/rosterd/rosterd/internal/roster"
)

// Scheduler fans out one sync.requested event per active organisation on
// each cron tick. Emission is at-least-once: a duplicate for an organisation
// whose sync is still running is rejected by the runner's lock as a no-op.
type Scheduler struct {
	Creds roster.CredentialStore
	Bus   bus.Bus
	Spec  string

	cron *cron.Cron
}

// Start schedules the cron loop and stops it when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.Creds == nil || s.Bus == nil {
		return errors.New("scheduler is not configured")
	}

	c := cron.New()
	_, err := c.AddFunc(s.Spec, func() {
		if err := s.RunNow(ctx); err != nil {
			slog.Error("scheduled fan-out failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("cron spec %q: %w", s.Spec, err)
	}

	s.cron = c
	c.Start()
	slog.Info("sync scheduler started", "cron", s.Spec)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// RunNow lists active tenants and publishes one sync request per tenant. A
// publish failure for one organisation does not block the others.
func (s *Scheduler) RunNow(ctx context.Context) error {
	orgs, err := s.Creds.ListOrganisations(ctx)
	if err != nil {
		return fmt.Errorf("list organisations: %w", err)
	}

	var errs []error
	for _, org := range orgs {
		e, err := bus.NewEvent(bus.EventSyncRequested, org.ID, bus.SyncRequested{
			OrgID:       org.ID,
			IsFirstSync: false,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.Bus.Publish(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("publish sync for %s: %w", org.ID, err))
		}
	}
	if len(errs) == 0 {
		slog.Info("sync fan-out complete", "organisations", len(orgs))
	}
	return errors.Join(errs...)
}

// TriggerOrg publishes a single sync request, used by the manual trigger
// endpoint and tenant onboarding.
func (s *Scheduler) TriggerOrg(ctx context.Context, orgID string, isFirstSync bool) error {
	e, err := bus.NewEvent(bus.EventSyncRequested, orgID, bus.SyncRequested{
		OrgID:       orgID,
		IsFirstSync: isFirstSync,
	})
	if err != nil {
		return err
	}
	return s.Bus.Publish(ctx, e)
}
