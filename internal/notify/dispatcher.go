// Package notify delivers post-commit user notifications. Dispatch is
// fire-and-forget: the money movement has already committed, so a lost
// notification is logged and dropped rather than failing the operation.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesaloop/pesaloop-backend/internal/logging"
)

const (
	EventTransferCompleted = "transfer.completed"
	EventWalletCreated     = "wallet.created"
	EventRequestCreated    = "payment_request.created"
	EventRequestResolved   = "payment_request.resolved"
	EventExchangeCompleted = "exchange.completed"
	EventTopUpCompleted    = "topup.completed"
	EventLoanDisbursed     = "loan.disbursed"
)

type Event struct {
	Type      string
	UserID    uuid.UUID
	Reference string
	Payload   map[string]any
	CreatedAt time.Time
}

type Dispatcher interface {
	Dispatch(ctx context.Context, event Event)
}

// Sink is the delivery channel behind the async dispatcher: push, SMS,
// email.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// LogSink writes notifications to the structured log. The default sink
// in environments without a push provider.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, event Event) error {
	s.logger.Info("notification",
		"type", event.Type, "user_id", event.UserID, "reference", event.Reference)
	return nil
}

// AsyncDispatcher queues events on a buffered channel and delivers them
// from a single worker. A full queue drops the event with a warning.
type AsyncDispatcher struct {
	sink  Sink
	queue chan Event
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

func NewAsyncDispatcher(sink Sink, buffer int) *AsyncDispatcher {
	return &AsyncDispatcher{
		sink:  sink,
		queue: make(chan Event, buffer),
	}
}

// Start runs the delivery worker until Stop is called and the queue
// drains.
func (d *AsyncDispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		logger := logging.FromContext(ctx)

		for event := range d.queue {
			if err := d.sink.Deliver(ctx, event); err != nil {
				logger.Warn("notification delivery failed",
					"type", event.Type, "user_id", event.UserID, "error", err)
			}
		}
	}()
}

func (d *AsyncDispatcher) Dispatch(ctx context.Context, event Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return
	}

	select {
	case d.queue <- event:
	default:
		logging.FromContext(ctx).Warn("notification queue full, dropping event",
			"type", event.Type, "user_id", event.UserID)
	}
}

// Stop closes the queue and waits for in-flight deliveries.
func (d *AsyncDispatcher) Stop() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
