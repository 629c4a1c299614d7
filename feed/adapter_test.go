package feed

import (
	"context"
	"testing"

	"golang.org/x/time/rate"

	"quoteflow/models"
)

type nopAdapter struct {
	events chan Event
}

func (n *nopAdapter) Connect(ctx context.Context) error { return nil }
func (n *nopAdapter) Disconnect()                       {}
func (n *nopAdapter) Subscribe(symbol string) error     { return nil }
func (n *nopAdapter) Unsubscribe(symbol string) error   { return nil }
func (n *nopAdapter) Events() <-chan Event              { return n.events }

func TestRegistryResolvesFactory(t *testing.T) {
	feedType := models.FeedType("test_feed")
	Register(feedType, func(account models.Account, limits Limits) (Adapter, error) {
		return &nopAdapter{events: make(chan Event)}, nil
	})

	adapter, err := New(models.Account{ID: "a", FeedType: feedType}, Limits{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if adapter == nil {
		t.Fatalf("expected adapter")
	}
}

func TestRegistryRejectsUnknownFeedType(t *testing.T) {
	if _, err := New(models.Account{ID: "a", FeedType: "no_such_feed"}, Limits{}); err == nil {
		t.Fatalf("expected error for unknown feed type")
	}
}

func TestBuiltinFeedTypesRegistered(t *testing.T) {
	for _, feedType := range []models.FeedType{
		models.FeedBinanceFutures,
		models.FeedBybitLinear,
		models.FeedKucoinFutures,
	} {
		if _, err := New(models.Account{ID: "a", FeedType: feedType}, Limits{}); err != nil {
			t.Errorf("builtin feed type %s not registered: %v", feedType, err)
		}
	}
}

func TestSubscribeLimitsReachAdapters(t *testing.T) {
	adapter, err := New(models.Account{ID: "a", FeedType: models.FeedBinanceFutures}, Limits{SubscribePerSecond: 5, SubscribeBurst: 7})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b, ok := adapter.(*binanceAdapter)
	if !ok {
		t.Fatalf("expected binance adapter, got %T", adapter)
	}
	if got := b.limiter.Limit(); got != rate.Limit(5) {
		t.Fatalf("limiter rate = %v, want 5", got)
	}
	if got := b.limiter.Burst(); got != 7 {
		t.Fatalf("limiter burst = %d, want 7", got)
	}
}

func TestSubscribeLimitsDefaultWhenUnset(t *testing.T) {
	limiter := Limits{}.limiter()
	if got := limiter.Limit(); got != rate.Limit(10) {
		t.Fatalf("default rate = %v, want 10", got)
	}
	if got := limiter.Burst(); got != 20 {
		t.Fatalf("default burst = %d, want 20", got)
	}
}

func TestEmitNeverBlocks(t *testing.T) {
	events := make(chan Event, 1)
	if ok := emit(events, Event{Type: EventStatus, Connected: true}); !ok {
		t.Fatalf("first emit should succeed")
	}
	if ok := emit(events, Event{Type: EventStatus}); ok {
		t.Fatalf("emit on full buffer should drop")
	}
}

func TestHashTradeIDStable(t *testing.T) {
	a := hashTradeID("20f43950-d8dd-5b31-9112-a178eb6023af")
	b := hashTradeID("20f43950-d8dd-5b31-9112-a178eb6023af")
	if a != b {
		t.Fatalf("hash must be deterministic: %d != %d", a, b)
	}
	if a < 0 {
		t.Fatalf("hash must stay in the non-negative sequence space: %d", a)
	}
	if a == hashTradeID("different-id") {
		t.Fatalf("distinct ids should not collide in this test vector")
	}
}

func TestLocalDialContext(t *testing.T) {
	if dial := localDialContext(""); dial != nil {
		t.Fatal("empty address must use the stock dialer")
	}
	if dial := localDialContext("not-an-ip"); dial != nil {
		t.Fatal("unparseable address must use the stock dialer")
	}
	if dial := localDialContext("10.0.0.5"); dial == nil {
		t.Fatal("valid address must yield a bound dialer")
	}
}
