package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ehr/acquisition/internal/platform/notification"
)

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher publishes persistent messages on a confirm-mode channel and
// waits for the broker acknowledgement of each one.
type Publisher struct {
	mu       sync.Mutex
	ch       channel
	confirms <-chan amqp.Confirmation
}

// NewPublisher opens a channel in confirm mode.
func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &Publisher{
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

// Publish sends msg to the named queue through the default exchange.
func (p *Publisher) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	if msg.ContentType == "" {
		msg.ContentType = contentTypeJSON
	}
	msg.DeliveryMode = amqp.Persistent
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	select {
	case confirmed, ok := <-p.confirms:
		if !ok {
			return fmt.Errorf("publish to %s: channel closed before confirm", queue)
		}
		if !confirmed.Ack {
			return fmt.Errorf("publish to %s: message not confirmed", queue)
		}
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", queue, ctx.Err())
	}
	return nil
}

// Enqueue publishes a JSON work item. A positive delay routes it through the
// delay queue so it becomes visible on queue once the delay has elapsed.
func (p *Publisher) Enqueue(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	msg := amqp.Publishing{Body: body}
	if delay <= 0 {
		return p.Publish(ctx, queue, msg)
	}
	msg.Expiration = expiration(delay)
	return p.Publish(ctx, DelayQueue(queue), msg)
}

// NotificationSink publishes notifications to a queue.
type NotificationSink struct {
	pub   *Publisher
	queue string
}

var _ notification.Sink = (*NotificationSink)(nil)

func NewNotificationSink(pub *Publisher, queue string) *NotificationSink {
	return &NotificationSink{pub: pub, queue: queue}
}

func (s *NotificationSink) Name() string { return "amqp" }

func (s *NotificationSink) Send(ctx context.Context, m *notification.Message) error {
	return s.pub.Publish(ctx, s.queue, toPublishing(m))
}

func toPublishing(m *notification.Message) amqp.Publishing {
	headers := amqp.Table{"kind": string(m.Kind)}
	if m.TraceID != "" {
		headers["trace_id"] = m.TraceID
	}
	for k, v := range m.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		MessageId:     m.ID,
		CorrelationId: m.Key,
		Type:          string(m.Kind),
		Timestamp:     m.CreatedAt,
		Headers:       headers,
		Body:          m.Body,
	}
}
