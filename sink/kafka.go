package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	kafka "github.com/segmentio/kafka-go"

	appconfig "quoteflow/config"
	"quoteflow/logger"
	"quoteflow/models"
)

// Overflow policies for the outbound queue.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowDropNew    = "drop_new"
)

// messageWriter is the slice of kafka.Writer the sink needs; tests swap in
// an in-memory recorder.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type queued struct {
	topic string
	msg   kafka.Message
}

// KafkaSink publishes cleansed ticks and operational events to Kafka
// through a bounded in-memory queue. Enqueueing never blocks the
// aggregation path: when the queue is full the configured overflow policy
// decides which record is dropped, and every drop is counted.
type KafkaSink struct {
	config      appconfig.KafkaSinkConfig
	tickWriter  messageWriter
	eventWriter messageWriter
	queue       chan queued
	dropped     int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Entry
}

func NewKafkaSink(cfg appconfig.KafkaSinkConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Overflow == "" {
		cfg.Overflow = OverflowDropNew
	}

	s := &KafkaSink{
		config: cfg,
		tickWriter: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.TickTopic,
			Balancer:     &kafka.Hash{},
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchDelay.Std(),
		},
		eventWriter: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.EventTopic,
			Balancer: &kafka.LeastBytes{},
		},
		queue: make(chan queued, cfg.QueueSize),
		log:   logger.GetLogger().WithComponent("kafka_sink"),
	}

	s.log.WithFields(logger.Fields{
		"brokers":     cfg.Brokers,
		"tick_topic":  cfg.TickTopic,
		"event_topic": cfg.EventTopic,
		"queue_size":  cfg.QueueSize,
		"overflow":    cfg.Overflow,
	}).Debug("kafka sink initialized")
	return s, nil
}

func (s *KafkaSink) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("kafka sink already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	return nil
}

func (s *KafkaSink) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case item, ok := <-s.queue:
			if !ok {
				return
			}
			writer := s.tickWriter
			if item.topic == s.config.EventTopic {
				writer = s.eventWriter
			}
			if err := writer.WriteMessages(s.ctx, item.msg); err != nil && s.ctx.Err() == nil {
				s.log.WithFields(logger.Fields{"topic": item.topic}).WithError(err).Warn("kafka write failed")
			}
		}
	}
}

func (s *KafkaSink) PublishTick(t models.Tick) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal tick: %w", err)
	}
	s.enqueue(queued{
		topic: s.config.TickTopic,
		msg:   kafka.Message{Key: []byte(t.Symbol), Value: data},
	})
	return nil
}

func (s *KafkaSink) PublishHealthEvent(evt models.HealthTransitionEvent) error {
	return s.publishEvent(evt.AccountID, evt)
}

func (s *KafkaSink) PublishFailoverEvent(evt models.FailoverEvent) error {
	return s.publishEvent(evt.Symbol, evt)
}

func (s *KafkaSink) publishEvent(key string, evt interface{}) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	s.enqueue(queued{
		topic: s.config.EventTopic,
		msg:   kafka.Message{Key: []byte(key), Value: data},
	})
	return nil
}

// enqueue applies the overflow policy when the queue is full: drop_oldest
// evicts the head to make room for the new record, drop_new discards the
// incoming one. Either way a drop is counted, never silent.
func (s *KafkaSink) enqueue(item queued) {
	select {
	case s.queue <- item:
		logger.RecordChannelMessage(item.topic, len(item.msg.Value))
		return
	default:
	}

	if s.config.Overflow == OverflowDropOldest {
		select {
		case <-s.queue:
		default:
		}
		select {
		case s.queue <- item:
			s.countDrop()
			return
		default:
		}
	}
	s.countDrop()
}

func (s *KafkaSink) countDrop() {
	atomic.AddInt64(&s.dropped, 1)
	logger.IncrementSinkDropped()
}

// Dropped reports how many records the overflow policy has discarded.
func (s *KafkaSink) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

func (s *KafkaSink) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	if err := s.tickWriter.Close(); err != nil {
		s.log.WithError(err).Warn("tick writer close failed")
	}
	if err := s.eventWriter.Close(); err != nil {
		s.log.WithError(err).Warn("event writer close failed")
	}
	s.log.Debug("kafka sink stopped")
	return nil
}
