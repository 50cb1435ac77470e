package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/outreach-engine/internal/domain"
)

const (
	// IntakeQueue carries pending sends from campaign producers.
	IntakeQueue = "outreach.intake"
	// FeedbackQueue carries asynchronous bounce, complaint and reply signals.
	FeedbackQueue = "outreach.feedback"

	// queueMaxPriority is the RabbitMQ x-max-priority value for work queues.
	queueMaxPriority int32 = 2
)

// ErrInvalidMessage marks a payload that can never be processed; such
// deliveries are dead-lettered instead of requeued.
var ErrInvalidMessage = errors.New("invalid queue message")

// Publisher publishes intake and feedback messages.
type Publisher interface {
	PublishPendingSend(ctx context.Context, msg PendingSendMessage) error
	PublishFeedback(ctx context.Context, msg FeedbackMessage) error
	Close() error
}

// DeliveryHandler handles the raw body of a consumed message.
type DeliveryHandler func(ctx context.Context, body []byte) error

// Consumer consumes messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler DeliveryHandler) error
	Close() error
}

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.outreach.intake.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// WorkQueueNames returns all work queues in declaration order.
func WorkQueueNames() []string {
	specs := topology()
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.name)
	}
	return names
}

// DLQNames returns all dead-letter queues.
func DLQNames() []string {
	queues := make([]string, 0, len(topology()))
	for _, queue := range WorkQueueNames() {
		queues = append(queues, DLQName(queue))
	}
	return queues
}

// PriorityValue maps a send source to RabbitMQ message priority. Warmup
// sends keep the ramp on schedule and go first.
func PriorityValue(source domain.Source) uint8 {
	switch source {
	case domain.SourceWarmup:
		return 2
	case domain.SourceCampaign:
		return 1
	default:
		return 0
	}
}
