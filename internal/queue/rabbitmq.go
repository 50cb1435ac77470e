package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dlxExchangeName  = "outreach.dlx"
	dialTimeout      = 15 * time.Second
	reconnectBackoff = time.Second
	maxBackoff       = 30 * time.Second
)

// queueSpec describes one durable work queue and its dead-letter twin.
type queueSpec struct {
	name        string
	maxPriority int32
}

func topology() []queueSpec {
	return []queueSpec{
		{name: IntakeQueue, maxPriority: queueMaxPriority},
		{name: FeedbackQueue},
	}
}

// RabbitMQ owns a single broker connection shared by publishers and
// consumers. The topology is declared once per connection.
type RabbitMQ struct {
	url string

	mu       sync.Mutex
	conn     *amqp.Connection
	declared *amqp.Connection
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	r := &RabbitMQ{url: url}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := r.connection(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// IsConnected reports whether the broker connection is currently open.
func (r *RabbitMQ) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil && !r.conn.IsClosed()
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.declared = nil
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// channel opens a channel on a live connection, redialing with backoff when
// the previous connection dropped.
func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := r.connection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		r.drop(conn)
		if conn, err = r.connection(ctx); err != nil {
			return nil, err
		}
		if ch, err = conn.Channel(); err != nil {
			return nil, fmt.Errorf("failed to open rabbitmq channel after reconnect: %w", err)
		}
	}

	if err := r.declareOnce(conn, ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}

	wait := reconnectBackoff
	for {
		conn, err := amqp.Dial(r.url)
		if err == nil {
			r.conn = conn
			return conn, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rabbitmq connect canceled after %v: %w", err, ctx.Err())
		case <-time.After(wait):
		}
		wait = min(wait*2, maxBackoff)
	}
}

// drop forgets conn so the next call redials; a newer connection is kept.
func (r *RabbitMQ) drop(conn *amqp.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != conn {
		return
	}
	_ = conn.Close()
	r.conn = nil
	r.declared = nil
}

func (r *RabbitMQ) declareOnce(conn *amqp.Connection, ch *amqp.Channel) error {
	r.mu.Lock()
	done := r.declared == conn
	r.mu.Unlock()
	if done {
		return nil
	}

	if err := declareTopology(ch); err != nil {
		return err
	}

	r.mu.Lock()
	if r.conn == conn {
		r.declared = conn
	}
	r.mu.Unlock()
	return nil
}

// declareTopology creates the dead-letter exchange and, for every work queue,
// a DLQ bound under the queue's name plus the queue itself dead-lettering
// rejected deliveries there.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(dlxExchangeName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlx exchange: %w", err)
	}

	for _, spec := range topology() {
		dlq := DLQName(spec.name)
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dlq %q: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, spec.name, dlxExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind dlq %q: %w", dlq, err)
		}

		args := amqp.Table{
			"x-dead-letter-exchange":    dlxExchangeName,
			"x-dead-letter-routing-key": spec.name,
		}
		if spec.maxPriority > 0 {
			args["x-max-priority"] = spec.maxPriority
		}
		if _, err := ch.QueueDeclare(spec.name, true, false, false, false, args); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", spec.name, err)
		}
	}
	return nil
}
