package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kursadbilgin/outreach-engine/internal/queue"
	"go.uber.org/zap"
)

func TestQueueWorkerRoutesDeliveriesToEngine(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, harnessOptions{})
	h.warmedAccount(t, "acc-1")

	var (
		mu       sync.Mutex
		consumed = map[string]int{}
		results  = map[string]error{}
	)
	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, queueName string, handler queue.DeliveryHandler) error {
			mu.Lock()
			consumed[queueName]++
			first := consumed[queueName] == 1
			mu.Unlock()
			if !first {
				return nil
			}

			var body string
			switch queueName {
			case queue.IntakeQueue:
				body = `{"idempotencyKey":"intake-7","accountId":"acc-1","recipient":"lead@example.com","subject":"hi","body":"hello"}`
			case queue.FeedbackQueue:
				body = `{"pendingSendId":"missing","kind":"NOPE"}`
			}
			err := handler(ctx, []byte(body))

			mu.Lock()
			results[queueName] = err
			mu.Unlock()
			return nil
		},
	}

	worker, err := NewQueueWorker(consumer, h.engine, 3, zap.NewNop())
	if err != nil {
		t.Fatalf("NewQueueWorker() error = %v", err)
	}
	if err := worker.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if consumed[queue.IntakeQueue] != 2 || consumed[queue.FeedbackQueue] != 1 {
		t.Fatalf("consumers = %v, want 2 intake and 1 feedback", consumed)
	}
	if results[queue.IntakeQueue] != nil {
		t.Fatalf("intake handler error = %v", results[queue.IntakeQueue])
	}
	if !errors.Is(results[queue.FeedbackQueue], queue.ErrInvalidMessage) {
		t.Fatalf("feedback handler error = %v, want ErrInvalidMessage", results[queue.FeedbackQueue])
	}

	pending, err := h.store.PendingSends.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].IdempotencyKey != "intake-7" {
		t.Fatalf("pending = %+v, want intake-7", pending)
	}
}

func TestQueueWorkerStopsOnConsumerError(t *testing.T) {
	t.Parallel()

	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, queueName string, handler queue.DeliveryHandler) error {
			if queueName == queue.FeedbackQueue {
				return errors.New("channel closed")
			}
			<-ctx.Done()
			return nil
		},
	}
	handlers := map[string]queue.DeliveryHandler{
		queue.IntakeQueue:   func(context.Context, []byte) error { return nil },
		queue.FeedbackQueue: func(context.Context, []byte) error { return nil },
	}

	worker := newQueueWorker(consumer, handlers, 0, zap.NewNop())
	if worker.concurrency != 2 {
		t.Fatalf("concurrency = %d, want one consumer per queue", worker.concurrency)
	}
	if err := worker.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want consumer error")
	}
}

func TestNewQueueWorkerValidates(t *testing.T) {
	t.Parallel()

	if _, err := NewQueueWorker(nil, &Engine{}, 1, nil); err == nil {
		t.Fatal("NewQueueWorker(nil consumer) error = nil, want error")
	}
	if _, err := NewQueueWorker(&fakeConsumer{}, nil, 1, nil); err == nil {
		t.Fatal("NewQueueWorker(nil engine) error = nil, want error")
	}
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queue string, handler queue.DeliveryHandler) error
	closeFn   func() error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.DeliveryHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}
