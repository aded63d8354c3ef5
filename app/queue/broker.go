package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"specimen-curator/app/config"
	"specimen-curator/app/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrEmptyTaskID = errors.New("queue: empty task id")

const (
	dialAttempts = 5
	dialDelay    = 2 * time.Second
)

// Broker owns one connection and channel bound to the durable task queue.
type Broker struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   *logger.Logger
}

// Dial connects to the broker, retrying with a growing delay, and declares the queue.
// The channel takes one unacknowledged message at a time.
func Dial(ctx context.Context, cfg config.QueueConfig, log *logger.Logger) (*Broker, error) {
	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, err = amqp.Dial(cfg.URL)
		if err == nil {
			break
		}
		log.Warnf("connect to broker (attempt %d/%d): %v", attempt, dialAttempts, err)
		if attempt == dialAttempts {
			return nil, fmt.Errorf("connect to broker: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * dialDelay):
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Name, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Name, err)
	}

	log.Infof("broker ready, queue %s", cfg.Name)
	return &Broker{conn: conn, ch: ch, queue: cfg.Name, log: log}, nil
}

// Consume starts delivery with manual acknowledgement.
func (b *Broker) Consume(tag string) (<-chan amqp.Delivery, error) {
	deliveries, err := b.ch.Consume(b.queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", b.queue, err)
	}
	return deliveries, nil
}

// Publish enqueues a task id as a persistent plain-text message.
func (b *Broker) Publish(ctx context.Context, taskID string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return ErrEmptyTaskID
	}
	return b.ch.PublishWithContext(ctx, "", b.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         []byte(taskID),
	})
}

// Closed reports connection loss.
func (b *Broker) Closed() <-chan *amqp.Error {
	return b.conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (b *Broker) Close() error {
	if err := b.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		b.log.Warnf("close channel: %v", err)
	}
	return b.conn.Close()
}
