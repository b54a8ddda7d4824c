package queue

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultAMQPQueueName = "contentsync.events"
	amqpPublishTimeout   = 5 * time.Second
)

// amqpChannel is the part of *amqp.Channel the queue relies on.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Close() error
}

// AMQPQueue publishes events to a durable RabbitMQ queue and consumes them with manual
// acknowledgement, one unacknowledged delivery at a time.
type AMQPQueue struct {
	conn     *amqp.Connection
	channel  amqpChannel
	name     string
	capacity int

	consumeOnce sync.Once
	consumeErr  error
	deliveries  <-chan amqp.Delivery
}

// NewAMQPQueue dials dsn. The queue name comes from the "queue" query parameter.
func NewAMQPQueue(dsn string, capacity int) (*AMQPQueue, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	name := strings.TrimSpace(query.Get("queue"))
	if name == "" {
		name = defaultAMQPQueueName
	}
	query.Del("queue")
	parsed.RawQuery = query.Encode()

	conn, err := amqp.Dial(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	capacity = normalizeCapacity(capacity)
	_, err = channel.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-max-length": int32(capacity), "x-overflow": "reject-publish"},
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	if err := channel.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set rabbitmq qos: %w", err)
	}
	q := newAMQPQueue(channel, name, capacity)
	q.conn = conn
	return q, nil
}

func newAMQPQueue(channel amqpChannel, name string, capacity int) *AMQPQueue {
	return &AMQPQueue{channel: channel, name: name, capacity: normalizeCapacity(capacity)}
}

func (q *AMQPQueue) TryEnqueue(payload []byte) bool {
	if len(payload) == 0 || q.Depth() >= q.capacity {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), amqpPublishTimeout)
	defer cancel()
	return q.publish(ctx, payload) == nil
}

func (q *AMQPQueue) publish(ctx context.Context, payload []byte) error {
	it := newItem(payload)
	return q.channel.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    it.ID,
		Timestamp:    time.Now(),
		Body:         it.Payload,
	})
}

func (q *AMQPQueue) Enqueue(ctx context.Context, payload []byte) bool {
	for {
		if q.TryEnqueue(payload) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(postgresQueuePollInterval):
		}
	}
}

func (q *AMQPQueue) Dequeue(ctx context.Context) (Message, bool) {
	q.consumeOnce.Do(func() {
		q.deliveries, q.consumeErr = q.channel.Consume(
			q.name,
			"",
			false, // manual ack
			false,
			false,
			false,
			nil,
		)
	})
	if q.consumeErr != nil {
		return Message{}, false
	}
	select {
	case <-ctx.Done():
		return Message{}, false
	case d, ok := <-q.deliveries:
		if !ok {
			return Message{}, false
		}
		return Message{
			ID:      d.MessageId,
			Payload: d.Body,
			ack:     func() error { return d.Ack(false) },
			nack:    func(requeue bool) error { return d.Nack(false, requeue) },
		}, true
	}
}

func (q *AMQPQueue) Depth() int {
	state, err := q.channel.QueueDeclarePassive(q.name, true, false, false, false, nil)
	if err != nil {
		return 0
	}
	return state.Messages
}

func (q *AMQPQueue) Capacity() int {
	return q.capacity
}

func (q *AMQPQueue) Close() error {
	err := q.channel.Close()
	if q.conn != nil {
		if closeErr := q.conn.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}
