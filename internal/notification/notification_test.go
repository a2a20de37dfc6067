package notification

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/custody/internal/ledger"
	"github.com/congo-pay/custody/internal/logging"
)

var holder = ledger.MustParseAddress("0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB")

type brokenPublisher struct{}

func (brokenPublisher) Publish(context.Context, ledger.Event) error { return errors.New("boom") }

func TestStreamPublisherAppendsEvent(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	pub := NewStreamPublisher(cache, "", 0)
	ctx := context.Background()

	ev := ledger.NewEvent(ledger.EventWithdrawn, holder, uint256.NewInt(20))
	if err := pub.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs, err := cache.XRange(ctx, DefaultStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stream entry, got %d", len(msgs))
	}
	values := msgs[0].Values
	if values["kind"] != "Withdrawn" || values["amount"] != "20" || values["address"] != holder.String() || values["id"] != ev.ID {
		t.Fatalf("unexpected stream entry: %v", values)
	}
}

func TestStreamPublisherReportsRedisFailure(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer cache.Close()
	mr.Close()

	pub := NewStreamPublisher(cache, "events", 0)
	if err := pub.Publish(context.Background(), ledger.NewEvent(ledger.EventDeposited, holder, uint256.NewInt(1))); err == nil {
		t.Fatal("expected publish error with redis down")
	}
}

func TestFanoutDeliversToAllPublishers(t *testing.T) {
	first, second := &Recorder{}, &Recorder{}
	fan := Fanout{first, brokenPublisher{}, nil, second, NewLoggerPublisher(logging.Discard())}

	err := fan.Publish(context.Background(), ledger.NewEvent(ledger.EventDeposited, holder, uint256.NewInt(5)))
	if err == nil {
		t.Fatal("expected joined error from broken publisher")
	}
	if len(first.Events()) != 1 || len(second.Events()) != 1 {
		t.Fatalf("expected every publisher to receive the event, got %d and %d", len(first.Events()), len(second.Events()))
	}
}

func TestRecorderFiltersByKind(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()
	rec.Publish(ctx, ledger.NewEvent(ledger.EventDeposited, holder, uint256.NewInt(5)))
	rec.Publish(ctx, ledger.NewEvent(ledger.EventWithdrawn, holder, uint256.NewInt(2)))

	if got := rec.Kind(ledger.EventWithdrawn); len(got) != 1 || !got[0].Amount.Eq(uint256.NewInt(2)) {
		t.Fatalf("unexpected withdrawn events: %+v", got)
	}
}
