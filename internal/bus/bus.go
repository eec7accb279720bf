package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rosterd/rosterd/internal/roster"
)

// Handler consumes one event. A non-nil return re-publishes the event with an
// incremented attempt count and a backoff delay; handlers must therefore be
// idempotent.
type Handler func(ctx context.Context, e Event) error

// Bus is an at-least-once publish/subscribe channel. Ordering is only
// guaranteed per-organisation by the cursor mechanism, never by the bus.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(eventName string, h Handler) error
	Close() error
}

// DeadLetterSink receives events that exhausted their retry budget. Nothing
// is ever silently dropped.
type DeadLetterSink interface {
	Route(ctx context.Context, e Event, lastErr error) error
}

// RetryPolicy computes re-delivery delays: base doubled per attempt, capped.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the backoff before the given attempt number is delivered.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.Base <= 0 {
		return 0
	}

	delay := p.Base
	for i := 2; i < attempt; i++ {
		if p.Max > 0 && delay > p.Max/2 {
			delay = p.Max
			break
		}
		delay *= 2
	}
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}

// nextDelivery decides how a failed handler invocation is rescheduled. The
// external API's Retry-After wins when it asks for a longer wait than the
// computed backoff.
func (p RetryPolicy) nextDelivery(e Event, handlerErr error, now time.Time) (Event, bool) {
	next := e.Retry(time.Time{})
	if next.Attempt > p.maxAttempts() {
		return Event{}, false
	}
	delay := p.Delay(next.Attempt)
	if ra := roster.RetryAfter(handlerErr); ra > delay {
		delay = ra
	}
	next.NotBefore = now.Add(delay)
	return next, true
}

// LogDeadLetterSink records dead letters to the default logger. It is the
// fallback when no durable sink is configured.
type LogDeadLetterSink struct {
	Logger *slog.Logger
}

func (s *LogDeadLetterSink) Route(_ context.Context, e Event, lastErr error) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("event dead-lettered",
		"event", e.Name,
		"event_id", e.ID,
		"org_id", e.OrgID,
		"attempt", e.Attempt,
		"err", lastErr,
	)
	return nil
}

var errBusClosed = errors.New("bus is closed")
