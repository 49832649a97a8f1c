package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	maxConnectRetry = 5
	retryDelay      = 5 * time.Second
)

// RabbitMQQueue backs the task queue with a durable broker queue, letting
// discovery and the worker survive process restarts without losing tasks.
type RabbitMQQueue struct {
	connLock sync.RWMutex
	conn     *amqp.Connection
	channel  *amqp.Channel

	url       string
	queueName string

	deliveries <-chan amqp.Delivery
	closeOnce  sync.Once
}

func NewRabbitMQQueue(url, queueName string) (*RabbitMQQueue, error) {
	q := &RabbitMQQueue{url: url, queueName: queueName}
	if err := q.connect(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) connect() error {
	var err error
	for i := 0; i < maxConnectRetry; i++ {
		q.conn, err = amqp.Dial(q.url)
		if err == nil {
			break
		}
		slog.Warn("failed to connect to rabbitmq", "attempt", i+1, "max_attempts", maxConnectRetry, "error", err)
		time.Sleep(retryDelay)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq after %d attempts: %w", maxConnectRetry, err)
	}

	q.channel, err = q.conn.Channel()
	if err != nil {
		q.conn.Close()
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if _, err := q.channel.QueueDeclare(q.queueName, true, false, false, false, nil); err != nil {
		q.conn.Close()
		return fmt.Errorf("failed to declare rabbitmq queue %s: %w", q.queueName, err)
	}

	// One in-flight task at a time, matching the single-worker model.
	if err := q.channel.Qos(1, 0, false); err != nil {
		q.conn.Close()
		return fmt.Errorf("failed to set channel qos: %w", err)
	}

	q.deliveries, err = q.channel.Consume(q.queueName, "", false, false, false, false, nil)
	if err != nil {
		q.conn.Close()
		return fmt.Errorf("failed to consume from rabbitmq queue %s: %w", q.queueName, err)
	}

	slog.Info("rabbitmq task queue ready", "queue", q.queueName)
	return nil
}

func (q *RabbitMQQueue) Put(ctx context.Context, task ImageTask) error {
	q.connLock.RLock()
	defer q.connLock.RUnlock()

	if q.channel == nil || q.channel.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	err = q.channel.PublishWithContext(ctx,
		"",          // exchange (default)
		q.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}
	return nil
}

func (q *RabbitMQQueue) Get(ctx context.Context, timeout time.Duration) (ImageTask, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case delivery, open := <-q.deliveries:
		if !open {
			return ImageTask{}, false
		}
		var task ImageTask
		if err := json.Unmarshal(delivery.Body, &task); err != nil {
			slog.Error("dropping undecodable task", "error", err)
			delivery.Reject(false)
			return ImageTask{}, false
		}
		delivery.Ack(false)
		return task, true
	case <-timer.C:
		return ImageTask{}, false
	case <-ctx.Done():
		return ImageTask{}, false
	}
}

func (q *RabbitMQQueue) Requeue(ctx context.Context, task ImageTask) error {
	return q.Put(ctx, task)
}

func (q *RabbitMQQueue) Len() int {
	q.connLock.RLock()
	defer q.connLock.RUnlock()

	if q.channel == nil || q.channel.IsClosed() {
		return 0
	}
	state, err := q.channel.QueueDeclarePassive(q.queueName, true, false, false, false, nil)
	if err != nil {
		return 0
	}
	return state.Messages
}

func (q *RabbitMQQueue) Close() {
	q.closeOnce.Do(func() {
		if q.conn != nil {
			if err := q.conn.Close(); err != nil {
				slog.Error("error closing rabbitmq connection", "error", err)
			}
		}
	})
}
