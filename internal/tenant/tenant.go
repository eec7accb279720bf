package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rosterd/rosterd/internal/crypto"
	"github.com/rosterd/rosterd/internal/executor"
	"github.com/rosterd/rosterd/internal/roster"
)

// SyncTrigger kicks off a sync for one organisation. Implemented by the
// scheduler.
type SyncTrigger interface {
	TriggerOrg(ctx context.Context, orgID string, isFirstSync bool) error
}

// Service owns the organisation lifecycle: onboarding stores encrypted
// credentials and requests the first full sync, offboarding cancels running
// work and removes all tenant state.
type Service struct {
	Creds     roster.CredentialStore
	Cursors   roster.CursorStore
	Encryptor *crypto.Encryptor
	Executors *executor.Registry
	Trigger   SyncTrigger

	Logger *slog.Logger
	now    func() time.Time
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Onboard stores the organisation with its credentials encrypted at rest and
// requests the initial full sync.
func (s *Service) Onboard(ctx context.Context, orgID, region string, creds roster.Credentials) error {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return errors.New("organisation id is required")
	}

	blob, err := s.sealCredentials(orgID, creds)
	if err != nil {
		return err
	}
	org := roster.Organisation{
		ID:          orgID,
		Region:      strings.TrimSpace(region),
		Credentials: blob,
		CreatedAt:   s.clock(),
	}
	if err := s.Creds.Put(ctx, org); err != nil {
		return fmt.Errorf("store organisation %s: %w", orgID, err)
	}

	s.logger().Info("organisation onboarded", "org_id", orgID, "region", org.Region)

	if s.Trigger == nil {
		return nil
	}
	if err := s.Trigger.TriggerOrg(ctx, orgID, true); err != nil {
		return fmt.Errorf("request initial sync for %s: %w", orgID, err)
	}
	return nil
}

// RotateCredentials replaces the stored secret material. The organisation
// must already exist.
func (s *Service) RotateCredentials(ctx context.Context, orgID string, creds roster.Credentials) error {
	orgID = strings.TrimSpace(orgID)
	org, err := s.Creds.Get(ctx, orgID)
	if err != nil {
		return fmt.Errorf("load organisation %s: %w", orgID, err)
	}

	blob, err := s.sealCredentials(orgID, creds)
	if err != nil {
		return err
	}
	org.Credentials = blob
	if err := s.Creds.Put(ctx, org); err != nil {
		return fmt.Errorf("store organisation %s: %w", orgID, err)
	}
	s.logger().Info("credentials rotated", "org_id", orgID)
	return nil
}

// Offboard removes one tenant: running executors are cancelled cooperatively,
// then credentials and any in-flight cursor are deleted. Started page jobs
// finish; no new ones begin.
func (s *Service) Offboard(ctx context.Context, orgID string) error {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return errors.New("organisation id is required")
	}

	if s.Executors != nil {
		s.Executors.CancelOrg(orgID)
	}

	if err := s.Creds.Delete(ctx, orgID); err != nil && !errors.Is(err, roster.ErrNotFound) {
		return fmt.Errorf("delete organisation %s: %w", orgID, err)
	}
	if err := s.Cursors.Delete(ctx, orgID); err != nil && !errors.Is(err, roster.ErrNotFound) {
		return fmt.Errorf("delete sync cursor for %s: %w", orgID, err)
	}

	s.logger().Info("organisation offboarded", "org_id", orgID)
	return nil
}

func (s *Service) sealCredentials(orgID string, creds roster.Credentials) ([]byte, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials for %s: %w", orgID, err)
	}
	blob, err := s.Encryptor.Encrypt(plain)
	if err != nil {
		return nil, fmt.Errorf("encrypt credentials for %s: %w", orgID, err)
	}
	return blob, nil
}
