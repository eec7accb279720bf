package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rosterd/rosterd/internal/metrics"
	"github.com/rosterd/rosterd/internal/roster"
	"golang.org/x/sync/semaphore"
)

const (
	amqpExchange    = "rosterd"
	amqpQueuePrefix = "rosterd."
	publishTimeout  = 5 * time.Second
	consumePrefetch = 8
)

// AMQPBus is the broker-backed Bus used by the long-running worker. Each
// event name maps to one durable queue bound on the rosterd topic exchange.
// Redelivery is explicit: a failed handler publishes the incremented envelope
// and acks the original, so the broker never sees a nack loop.
type AMQPBus struct {
	client *amqpClient
	policy RetryPolicy
	dead   DeadLetterSink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	bound  map[string]bool
	closed bool
}

func NewAMQPBus(url string, policy RetryPolicy, dead DeadLetterSink) (*AMQPBus, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("amqp url is required")
	}
	if dead == nil {
		dead = &LogDeadLetterSink{}
	}
	client, err := newAMQPClient(url)
	if err != nil {
		return nil, err
	}

	ch := client.Channel()
	if err := ch.ExchangeDeclare(amqpExchange, "topic", true, false, false, false, nil); err != nil {
		client.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", amqpExchange, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AMQPBus{
		client: client,
		policy: policy,
		dead:   dead,
		ctx:    ctx,
		cancel: cancel,
		bound:  make(map[string]bool),
	}, nil
}

func (b *AMQPBus) Publish(ctx context.Context, e Event) error {
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("event name is required")
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.Name, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, publishTimeout)
		defer cancel()
	}

	err = b.client.Channel().PublishWithContext(
		ctx,
		amqpExchange,
		e.Name,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    e.ID,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Name, err)
	}
	return nil
}

func (b *AMQPBus) Subscribe(eventName string, h Handler) error {
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

	queue := amqpQueuePrefix + eventName
	ch := b.client.Channel()
	if !b.bound[eventName] {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %q: %w", queue, err)
		}
		if err := ch.QueueBind(queue, eventName, amqpExchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %q: %w", queue, err)
		}
		b.bound[eventName] = true
	}

	if err := ch.Qos(consumePrefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %q: %w", queue, err)
	}

	b.wg.Add(1)
	go b.consume(deliveries, h)
	slog.Info("consuming events", "queue", queue)
	return nil
}

// consume dispatches each delivery to its own goroutine so one tenant's slow
// sync or backoff wait cannot stall the rest of the queue. In-flight handlers
// are capped at the channel's prefetch.
func (b *AMQPBus) consume(deliveries <-chan amqp.Delivery, h Handler) {
	defer b.wg.Done()

	sem := semaphore.NewWeighted(consumePrefetch)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-b.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if err := sem.Acquire(b.ctx, 1); err != nil {
				// Shutting down: leave the message for the next worker.
				_ = d.Nack(false, true)
				return
			}
			inflight.Add(1)
			go func(d amqp.Delivery) {
				defer inflight.Done()
				defer sem.Release(1)
				b.handleDelivery(d, h)
			}(d)
		}
	}
}

func (b *AMQPBus) handleDelivery(d amqp.Delivery, h Handler) {
	var e Event
	if err := json.Unmarshal(d.Body, &e); err != nil {
		slog.Error("dropping undecodable event", "routing_key", d.RoutingKey, "err", err)
		b.routeDead(Event{Name: d.RoutingKey, Payload: d.Body}, err)
		_ = d.Ack(false)
		return
	}

	// NotBefore is carried in the envelope because the broker has no native
	// delayed delivery; the delivery's goroutine waits out the backoff
	// without holding up the consumer loop.
	if wait := time.Until(e.NotBefore); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-b.ctx.Done():
			timer.Stop()
			_ = d.Nack(false, true)
			return
		case <-timer.C:
		}
	}

	err := h(b.ctx, e)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	if b.ctx.Err() != nil {
		// Shutting down: leave the message for the next worker.
		_ = d.Nack(false, true)
		return
	}

	if roster.IsPermanent(err) {
		b.routeDead(e, err)
		_ = d.Ack(false)
		return
	}

	next, ok := b.policy.nextDelivery(e, err, time.Now())
	if !ok {
		b.routeDead(e, err)
		_ = d.Ack(false)
		return
	}

	metrics.BusRetriesTotal.WithLabelValues(e.Name).Inc()
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(b.ctx), publishTimeout)
	pubErr := b.Publish(pubCtx, next)
	cancel()
	if pubErr != nil {
		slog.Error("failed to re-publish event, requeueing original", "event", e.Name, "err", pubErr)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (b *AMQPBus) routeDead(e Event, lastErr error) {
	metrics.DeadLettersTotal.WithLabelValues(e.Name).Inc()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(b.ctx), 5*time.Second)
	defer cancel()
	if err := b.dead.Route(ctx, e, lastErr); err != nil {
		slog.Error("failed to route dead letter", "event", e.Name, "err", err)
	}
}

func (b *AMQPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}
