package platform

import (
	"context"
	"log/slog"

	"github.com/rosterd/rosterd/internal/roster"
)

// LogSink is a PlatformSink that writes to the default logger. It backs the
// one-off sync command and local development, where no platform endpoint is
// reachable.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *LogSink) ReportUsers(_ context.Context, orgID string, records []roster.UserRecord) error {
	s.logger().Info("roster page", "org_id", orgID, "count", len(records))
	return nil
}

func (s *LogSink) ReportSyncCompleted(_ context.Context, orgID string, summary roster.SyncSummary) error {
	s.logger().Info("roster sync complete", "org_id", orgID, "pages", summary.Pages, "records", summary.Records)
	return nil
}

func (s *LogSink) ReportError(_ context.Context, orgID, kind, detail string) error {
	s.logger().Error("platform error report", "org_id", orgID, "kind", kind, "detail", detail)
	return nil
}
