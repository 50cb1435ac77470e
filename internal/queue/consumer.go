package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/outreach-engine/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// settlement is what the consumer does with a delivery once its handler
// returned.
type settlement int

const (
	settleAck settlement = iota
	settleDeadLetter
	settleRequeue
)

func (s settlement) String() string {
	switch s {
	case settleAck:
		return "ack"
	case settleDeadLetter:
		return "dead-letter"
	default:
		return "requeue"
	}
}

// settlementFor maps a handler result onto a settlement. Payloads that can
// never be processed go to the DLQ; everything else is redelivered.
func settlementFor(err error) settlement {
	switch {
	case err == nil:
		return settleAck
	case errors.Is(err, ErrInvalidMessage),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrNotFound):
		return settleDeadLetter
	default:
		return settleRequeue
	}
}

type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitMQConsumer{
		client:   client,
		prefetch: max(prefetch, 1),
		logger:   logger,
	}
}

// Consume blocks until ctx is done, re-subscribing with backoff whenever the
// channel or connection drops.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler DeliveryHandler) error {
	switch {
	case c == nil || c.client == nil:
		return fmt.Errorf("consumer is not initialized")
	case queue == "":
		return fmt.Errorf("queue name is required")
	case handler == nil:
		return fmt.Errorf("message handler is required")
	}

	tag := fmt.Sprintf("outreach-%s-%s", queue, uuid.NewString()[:8])
	wait := reconnectBackoff
	for {
		err := c.subscribe(ctx, queue, tag, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			wait = reconnectBackoff
			continue
		}

		c.logger.Warn("queue subscription lost",
			zap.String("queue", queue),
			zap.Duration("retryIn", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = min(wait*2, maxBackoff)
	}
}

func (c *RabbitMQConsumer) subscribe(ctx context.Context, queue, tag string, handler DeliveryHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %q closed", queue)
			}
			if err := c.settle(d, handler(ctx, d.Body)); err != nil {
				return err
			}
		}
	}
}

func (c *RabbitMQConsumer) settle(d amqp.Delivery, handlerErr error) error {
	action := settlementFor(handlerErr)
	if action != settleAck {
		c.logger.Warn("message not processed",
			zap.String("settlement", action.String()),
			zap.String("routingKey", d.RoutingKey),
			zap.String("messageId", d.MessageId),
			zap.Bool("redelivered", d.Redelivered),
			zap.Error(handlerErr),
		)
	}

	var err error
	switch action {
	case settleAck:
		err = d.Ack(false)
	case settleDeadLetter:
		err = d.Reject(false)
	default:
		err = d.Nack(false, true)
	}
	if err != nil {
		return fmt.Errorf("failed to %s delivery: %w", action, err)
	}
	return nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
