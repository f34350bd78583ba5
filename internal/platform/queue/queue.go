// Package queue carries acquisition work items and outbound notifications
// over RabbitMQ. Every work queue has a dead-letter queue for poison
// messages and a delay queue that dead-letters back into it once a
// per-message TTL expires.
package queue

import (
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const contentTypeJSON = "application/json"

// Dial connects to the broker.
func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return conn, nil
}

// DeadLetterQueue is the name of the queue holding undecodable messages.
func DeadLetterQueue(name string) string { return name + ".dlq" }

// DelayQueue is the name of the queue holding delayed re-deliveries.
func DelayQueue(name string) string { return name + ".delay" }

// Declare creates the durable queue, its dead-letter queue and its delay
// queue. Declaring an existing queue with the same arguments is a no-op.
func Declare(ch *amqp.Channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue(name), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", DeadLetterQueue(name), err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": name,
	}
	if _, err := ch.QueueDeclare(DelayQueue(name), true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", DelayQueue(name), err)
	}
	return nil
}

// expiration formats a delay as the per-message TTL RabbitMQ expects.
func expiration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}
