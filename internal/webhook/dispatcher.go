package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v81"
)

// Outcome is the result of dispatching one event.
type Outcome string

const (
	// OutcomeHandled means a registered handler ran and succeeded.
	OutcomeHandled Outcome = "handled"
	// OutcomeIgnored means no handler is registered for the event type.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeFailed means the handler returned an error.
	OutcomeFailed Outcome = "failed"
)

// Handler processes one verified event.
type Handler func(ctx context.Context, event stripe.Event) error

// Dispatcher routes verified events to exactly one handler by type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[stripe.EventType]Handler
	metrics  *Metrics
	logger   *slog.Logger
}

// NewDispatcher creates an empty Dispatcher. metrics may be nil.
func NewDispatcher(metrics *Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[stripe.EventType]Handler),
		metrics:  metrics,
		logger:   logger,
	}
}

// Handle registers h for eventType, replacing any previous handler.
func (d *Dispatcher) Handle(eventType stripe.EventType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = h
}

// Handles reports whether a handler is registered for eventType.
func (d *Dispatcher) Handles(eventType stripe.EventType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[eventType]
	return ok
}

// Dispatch runs the handler for event.Type synchronously. Unknown types are
// acknowledged with OutcomeIgnored and a nil error.
func (d *Dispatcher) Dispatch(ctx context.Context, event stripe.Event) (Outcome, error) {
	d.mu.RLock()
	h, ok := d.handlers[event.Type]
	d.mu.RUnlock()

	if !ok {
		d.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_type", event.Type,
			"event_id", event.ID,
		)
		d.metrics.IncEvent(UnhandledEventType, OutcomeIgnored)
		return OutcomeIgnored, nil
	}

	start := time.Now()
	err := h(ctx, event)
	d.metrics.ObserveHandler(string(event.Type), time.Since(start).Seconds())

	if err != nil {
		d.metrics.IncEvent(string(event.Type), OutcomeFailed)
		return OutcomeFailed, err
	}
	d.metrics.IncEvent(string(event.Type), OutcomeHandled)
	return OutcomeHandled, nil
}
