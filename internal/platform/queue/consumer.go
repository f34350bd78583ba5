package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ErrPoison marks a message that can never be processed. The consumer moves
// it to the dead-letter queue instead of redelivering it.
var ErrPoison = errors.New("poison message")

// Handler processes one message body. Returning nil acknowledges it; an
// error wrapping ErrPoison dead-letters it; any other error requeues it.
type Handler func(ctx context.Context, body []byte) error

type publisher interface {
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
}

// ConsumerConfig tunes a Consumer.
type ConsumerConfig struct {
	Queue       string
	Prefetch    int
	Concurrency int
}

// Consumer reads a work queue with manual acknowledgements and a bounded
// number of concurrent handlers.
type Consumer struct {
	cfg     ConsumerConfig
	handler Handler
	dlq     publisher
	logger  zerolog.Logger
}

func NewConsumer(cfg ConsumerConfig, handler Handler, dlq publisher, logger zerolog.Logger) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Consumer{cfg: cfg, handler: handler, dlq: dlq, logger: logger.With().Str("queue", cfg.Queue).Logger()}
}

// Run declares the queue topology and consumes until ctx is cancelled or the
// channel closes. In-flight handlers finish before Run returns.
func (c *Consumer) Run(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := Declare(ch, c.cfg.Queue); err != nil {
		return err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	c.logger.Info().Int("concurrency", c.cfg.Concurrency).Msg("consumer started")
	return c.serve(ctx, deliveries)
}

func (c *Consumer) serve(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					c.handle(ctx, d)
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil
	}
	return fmt.Errorf("consume %s: delivery channel closed", c.cfg.Queue)
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	err := c.handler(ctx, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error().Err(ackErr).Msg("ack failed")
		}
	case errors.Is(err, ErrPoison):
		c.logger.Warn().Err(err).Str("message_id", d.MessageId).Msg("moving message to dead-letter queue")
		dead := amqp.Publishing{
			MessageId: d.MessageId,
			Headers:   amqp.Table{"x-error": err.Error()},
			Body:      d.Body,
		}
		if pubErr := c.dlq.Publish(ctx, DeadLetterQueue(c.cfg.Queue), dead); pubErr != nil {
			c.logger.Error().Err(pubErr).Msg("dead-letter publish failed, requeueing")
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	default:
		c.logger.Error().Err(err).Str("message_id", d.MessageId).Msg("handler failed, requeueing")
		_ = d.Nack(false, true)
	}
}
