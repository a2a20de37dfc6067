package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/custody/internal/ledger"
)

// DefaultStream is the Redis stream ledger events are appended to.
const DefaultStream = "custody:events"

// StreamPublisher appends ledger events to a Redis stream for external
// indexers.
type StreamPublisher struct {
	cache   *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
}

// NewStreamPublisher builds a publisher writing to stream. maxLen caps the
// stream approximately; zero keeps every entry.
func NewStreamPublisher(cache *redis.Client, stream string, maxLen int64) *StreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamPublisher{cache: cache, stream: stream, maxLen: maxLen, timeout: 2 * time.Second}
}

// Publish appends the event with XADD.
func (p *StreamPublisher) Publish(ctx context.Context, event ledger.Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"id":      event.ID,
			"kind":    string(event.Kind),
			"address": event.Account.String(),
			"amount":  event.Amount.Dec(),
			"at":      event.At.Format(time.RFC3339Nano),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.cache.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}
