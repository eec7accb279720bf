package bus

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rosterd/rosterd/internal/metrics"
	"github.com/rosterd/rosterd/internal/roster"
)

// MemoryBus is the in-process Bus used by the one-off sync command and tests.
// Delivery is asynchronous; backoff is honored via the NotBefore timestamp.
type MemoryBus struct {
	policy RetryPolicy
	dead   DeadLetterSink
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
}

func NewMemoryBus(policy RetryPolicy, dead DeadLetterSink) *MemoryBus {
	if dead == nil {
		dead = &LogDeadLetterSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		policy:   policy,
		dead:     dead,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]Handler),
	}
}

func (b *MemoryBus) Subscribe(eventName string, h Handler) error {
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return errors.New("event name is required")
	}
	if h == nil {
		return errors.New("handler is nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBusClosed
	}
	b.handlers[eventName] = append(b.handlers[eventName], h)
	return nil
}

func (b *MemoryBus) Publish(_ context.Context, e Event) error {
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("event name is required")
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return errBusClosed
	}

	b.wg.Add(1)
	go b.deliver(e)
	return nil
}

func (b *MemoryBus) deliver(e Event) {
	defer b.wg.Done()

	if wait := time.Until(e.NotBefore); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-b.ctx.Done():
			return
		case <-timer.C:
		}
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[e.Name]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		err := h(b.ctx, e)
		if err == nil {
			continue
		}
		if b.ctx.Err() != nil {
			return
		}
		b.redeliver(e, err)
	}
}

func (b *MemoryBus) redeliver(e Event, handlerErr error) {
	// Retrying a permanent failure cannot succeed; route it straight to the
	// dead-letter sink.
	if roster.IsPermanent(handlerErr) {
		b.routeDead(e, handlerErr)
		return
	}

	next, ok := b.policy.nextDelivery(e, handlerErr, b.now())
	if !ok {
		b.routeDead(e, handlerErr)
		return
	}

	metrics.BusRetriesTotal.WithLabelValues(e.Name).Inc()
	b.wg.Add(1)
	go b.deliver(next)
}

func (b *MemoryBus) routeDead(e Event, lastErr error) {
	metrics.DeadLettersTotal.WithLabelValues(e.Name).Inc()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(b.ctx), 5*time.Second)
	defer cancel()
	if err := b.dead.Route(ctx, e, lastErr); err != nil {
		slog.Error("failed to route dead letter", "event", e.Name, "event_id", e.ID, "err", err)
	}
}

// Close stops accepting publishes, cancels pending deliveries, and waits for
// in-flight handlers to return.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}

// Drain waits for all published events to be handled without closing the bus.
// Intended for the one-off sync command and tests.
func (b *MemoryBus) Drain() {
	b.wg.Wait()
}
