package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/congo-pay/custody/internal/ledger"
)

// LoggerPublisher writes ledger events to the structured logger.
type LoggerPublisher struct {
	logger *slog.Logger
}

// NewLoggerPublisher constructs a logging publisher.
func NewLoggerPublisher(logger *slog.Logger) *LoggerPublisher {
	return &LoggerPublisher{logger: logger}
}

// Publish writes the event to the structured logger.
func (p *LoggerPublisher) Publish(_ context.Context, event ledger.Event) error {
	if p == nil || p.logger == nil {
		return nil
	}
	p.logger.Info("ledger event",
		slog.String("event_id", event.ID),
		slog.String("kind", string(event.Kind)),
		slog.String("address", event.Account.String()),
		slog.String("amount", event.Amount.Dec()),
	)
	return nil
}

// Fanout delivers each event to every publisher and joins their errors.
type Fanout []ledger.Publisher

// Publish forwards the event to all publishers, even when one of them fails.
func (f Fanout) Publish(ctx context.Context, event ledger.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory, in publish order.
type Recorder struct {
	mu     sync.Mutex
	events []ledger.Event
}

// Publish appends the event.
func (r *Recorder) Publish(_ context.Context, event ledger.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []ledger.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kind returns the recorded events of one kind.
func (r *Recorder) Kind(kind ledger.EventKind) []ledger.Event {
	var out []ledger.Event
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
