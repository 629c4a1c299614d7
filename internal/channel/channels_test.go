package channel

import (
	"context"
	"testing"
	"time"

	"quoteflow/models"
)

func TestNewChannels(t *testing.T) {
	c := NewChannels(1, 1, 1)
	if c.RawTicks == nil || c.Canonical == nil || c.ConnEvents == nil {
		t.Fatalf("expected non-nil channels")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	c.Close()
}

func TestSendRawTickDropsWhenFull(t *testing.T) {
	c := NewChannels(1, 1, 1)
	defer c.Close()
	ctx := context.Background()

	if ok := c.SendRawTick(ctx, models.Tick{Symbol: "BTCUSDT", Sequence: 1}); !ok {
		t.Fatalf("first send should succeed")
	}
	if ok := c.SendRawTick(ctx, models.Tick{Symbol: "BTCUSDT", Sequence: 2}); ok {
		t.Fatalf("second send should drop on full buffer")
	}

	stats := c.GetStats()
	if stats.RawTicksSent != 1 || stats.RawTicksDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendFailoverEventDoesNotBlockWhenFull(t *testing.T) {
	c := NewChannels(8, 8, 2)
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok := c.SendFailoverEvent(ctx, models.NewFailoverEvent("BTCUSDT", "acct-1", models.ReasonNoHealthySource)); !ok {
			t.Fatalf("send %d into empty buffer failed", i)
		}
	}

	done := make(chan bool, 1)
	go func() {
		done <- c.SendFailoverEvent(ctx, models.NewFailoverEvent("ETHUSDT", "acct-1", models.ReasonNoHealthySource))
	}()

	select {
	case sent := <-done:
		if sent {
			t.Fatalf("send into full buffer should drop, not succeed")
		}
	case <-time.After(time.Second):
		t.Fatalf("send into full buffer blocked")
	}

	stats := c.GetStats()
	if stats.FailoverEventsSent != 2 || stats.FailoverEventsDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendConnEventRespectsContext(t *testing.T) {
	c := NewChannels(1, 1, 1)
	defer c.Close()

	ctx := context.Background()
	evt := models.NewConnectionEvent("acct-1", models.ConnStarting, models.ConnConnected, "")
	if ok := c.SendConnEvent(ctx, evt); !ok {
		t.Fatalf("buffered send should succeed")
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if ok := c.SendConnEvent(cancelled, evt); ok {
		t.Fatalf("send on full buffer with cancelled context should fail")
	}
}
