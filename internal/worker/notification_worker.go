package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-gateway/internal/events"
	"github.com/spec-kit/ticket-gateway/internal/service"
)

const defaultQueueSize = 64

// NotificationWorker delivers webhook notifications in the background so a
// slow webhook never holds up a ticket request.
type NotificationWorker struct {
	queue   chan events.Event
	deliver func(context.Context, events.Event) error
	logger  *zap.Logger
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// StartNotificationWorker registers notification handlers and starts the
// delivery loop. Stop drains whatever is queued.
func StartNotificationWorker(ctx context.Context, notificationService *service.NotificationService, logger *zap.Logger) *NotificationWorker {
	if notificationService == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &NotificationWorker{
		queue:   make(chan events.Event, defaultQueueSize),
		deliver: notificationService.Deliver,
		logger:  logger,
	}
	notificationService.UseQueue(w.Enqueue)
	notificationService.RegisterHandlers()

	w.wg.Add(1)
	go w.run(ctx)
	return w
}

// Enqueue schedules event for delivery. It reports false when the queue is
// full or the worker has stopped.
func (w *NotificationWorker) Enqueue(event events.Event) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.queue <- event:
		return true
	default:
		return false
	}
}

// Stop closes the queue and waits for queued events to be delivered.
func (w *NotificationWorker) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *NotificationWorker) run(ctx context.Context) {
	defer w.wg.Done()
	for event := range w.queue {
		if err := w.deliver(ctx, event); err != nil {
			w.logger.Warn("webhook delivery failed",
				zap.String("event_type", string(event.Type)),
				zap.String("ref", event.Reference),
				zap.Error(err))
		}
	}
}
