package sink

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "quoteflow/config"
	"quoteflow/models"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	closed   bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages)
}

func testKafkaSink(t *testing.T, queueSize int, overflow string) (*KafkaSink, *recordingWriter, *recordingWriter) {
	t.Helper()
	cfg := appconfig.KafkaSinkConfig{
		Enabled:    true,
		Brokers:    []string{"localhost:9092"},
		TickTopic:  "quoteflow.ticks",
		EventTopic: "quoteflow.events",
		QueueSize:  queueSize,
		Overflow:   overflow,
	}
	s, err := NewKafkaSink(cfg)
	if err != nil {
		t.Fatalf("NewKafkaSink() error = %v", err)
	}
	ticks := &recordingWriter{}
	events := &recordingWriter{}
	s.tickWriter = ticks
	s.eventWriter = events
	return s, ticks, events
}

func TestNewKafkaSinkRequiresBrokers(t *testing.T) {
	_, err := NewKafkaSink(appconfig.KafkaSinkConfig{TickTopic: "t", EventTopic: "e"})
	if err == nil {
		t.Fatal("expected error for empty broker list")
	}
}

func TestKafkaSinkRoutesTopics(t *testing.T) {
	s, ticks, events := testKafkaSink(t, 16, OverflowDropNew)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	tick := models.Tick{Symbol: "BTCUSDT", AccountID: "acct-1", Sequence: 7, Price: 50000}
	if err := s.PublishTick(tick); err != nil {
		t.Fatalf("PublishTick() error = %v", err)
	}
	if err := s.PublishFailoverEvent(models.NewFailoverEvent("BTCUSDT", "", models.ReasonNoHealthySource)); err != nil {
		t.Fatalf("PublishFailoverEvent() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ticks.count() < 1 || events.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("delivered ticks=%d events=%d, want at least 1 each", ticks.count(), events.count())
		}
		time.Sleep(5 * time.Millisecond)
	}

	var decoded models.Tick
	ticks.mu.Lock()
	msg := ticks.messages[0]
	ticks.mu.Unlock()
	if string(msg.Key) != "BTCUSDT" {
		t.Fatalf("tick message key = %s, want BTCUSDT", msg.Key)
	}
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("unmarshal tick message: %v", err)
	}
	if decoded.Sequence != 7 {
		t.Fatalf("decoded sequence = %d, want 7", decoded.Sequence)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestOverflowDropNewKeepsOldest(t *testing.T) {
	s, _, _ := testKafkaSink(t, 1, OverflowDropNew)

	s.enqueue(queued{topic: s.config.TickTopic, msg: kafka.Message{Key: []byte("first")}})
	s.enqueue(queued{topic: s.config.TickTopic, msg: kafka.Message{Key: []byte("second")}})

	if got := s.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
	item := <-s.queue
	if string(item.msg.Key) != "first" {
		t.Fatalf("surviving message = %s, want first", item.msg.Key)
	}
}

func TestOverflowDropOldestKeepsNewest(t *testing.T) {
	s, _, _ := testKafkaSink(t, 1, OverflowDropOldest)

	s.enqueue(queued{topic: s.config.TickTopic, msg: kafka.Message{Key: []byte("first")}})
	s.enqueue(queued{topic: s.config.TickTopic, msg: kafka.Message{Key: []byte("second")}})

	if got := s.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
	item := <-s.queue
	if string(item.msg.Key) != "second" {
		t.Fatalf("surviving message = %s, want second", item.msg.Key)
	}
}

func TestStartTwiceFails(t *testing.T) {
	s, _, _ := testKafkaSink(t, 4, OverflowDropNew)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Close()

	if err := s.Start(ctx); err == nil {
		t.Fatal("second Start() should fail")
	}
}
