package service

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/outreach-engine/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// QueueWorker drains the intake and feedback queues into the engine.
type QueueWorker struct {
	consumer    queue.Consumer
	handlers    map[string]queue.DeliveryHandler
	logger      *zap.Logger
	concurrency int
}

// NewQueueWorker binds intake messages to engine.HandlePendingSend and
// feedback messages to engine.HandleFeedback. Concurrency is split across the
// queues with at least one consumer each.
func NewQueueWorker(consumer queue.Consumer, engine *Engine, concurrency int, logger *zap.Logger) (*QueueWorker, error) {
	if consumer == nil {
		return nil, fmt.Errorf("queue consumer is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	handlers := map[string]queue.DeliveryHandler{
		queue.IntakeQueue:   queue.PendingSendHandler(engine.HandlePendingSend),
		queue.FeedbackQueue: queue.FeedbackHandler(engine.HandleFeedback),
	}
	return newQueueWorker(consumer, handlers, concurrency, logger), nil
}

func newQueueWorker(
	consumer queue.Consumer,
	handlers map[string]queue.DeliveryHandler,
	concurrency int,
	logger *zap.Logger,
) *QueueWorker {
	if concurrency < len(handlers) {
		concurrency = len(handlers)
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	return &QueueWorker{
		consumer:    consumer,
		handlers:    handlers,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Start consumes every work queue until ctx is cancelled.
func (w *QueueWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	queueNames := make([]string, 0, len(w.handlers))
	for _, name := range queue.WorkQueueNames() {
		if _, ok := w.handlers[name]; ok {
			queueNames = append(queueNames, name)
		}
	}
	if len(queueNames) == 0 {
		return fmt.Errorf("no work queues configured")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		queueName := queueNames[i%len(queueNames)]
		handler := w.handlers[queueName]
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("queue worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			if err := w.consumer.Consume(groupCtx, queueName, handler); err != nil {
				w.logger.Error("queue worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("queue worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}
