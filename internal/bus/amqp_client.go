package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpClient owns the broker connection and channel.
type amqpClient struct {
	url string

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func newAMQPClient(url string) (*amqpClient, error) {
	c := &amqpClient{url: url}
	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("amqp client: %w", err)
	}
	return c, nil
}

func (c *amqpClient) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.conn = conn
	c.channel = ch
	go c.watchClose()

	slog.Info("amqp connected")
	return nil
}

func (c *amqpClient) watchClose() {
	closeErr := make(chan *amqp.Error)
	c.conn.NotifyClose(closeErr)
	if err := <-closeErr; err != nil {
		slog.Error("amqp connection closed", "err", err)
	}
}

func (c *amqpClient) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

func (c *amqpClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
