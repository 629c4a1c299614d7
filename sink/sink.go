package sink

import (
	"quoteflow/logger"
	"quoteflow/models"
)

// Sink is the downstream delivery surface for cleansed ticks and the
// operational event stream. Publish calls must not block the caller; a
// sink that cannot keep up drops according to its overflow policy.
type Sink interface {
	PublishTick(t models.Tick) error
	PublishHealthEvent(evt models.HealthTransitionEvent) error
	PublishFailoverEvent(evt models.FailoverEvent) error
	Close() error
}

// LogSink writes everything to the structured log. It is the fallback when
// no Kafka sink is configured, and keeps the rest of the pipeline
// oblivious to the choice.
type LogSink struct {
	log *logger.Entry
}

func NewLogSink() *LogSink {
	return &LogSink{log: logger.GetLogger().WithComponent("log_sink")}
}

func (s *LogSink) PublishTick(t models.Tick) error {
	s.log.WithFields(logger.Fields{
		"symbol":     t.Symbol,
		"account_id": t.AccountID,
		"sequence":   t.Sequence,
		"price":      t.Price,
	}).Debug("tick forwarded")
	return nil
}

func (s *LogSink) PublishHealthEvent(evt models.HealthTransitionEvent) error {
	s.log.WithFields(logger.Fields{
		"account_id": evt.AccountID,
		"from":       evt.From,
		"to":         evt.To,
		"reason":     evt.Reason,
	}).Info("health event")
	return nil
}

func (s *LogSink) PublishFailoverEvent(evt models.FailoverEvent) error {
	s.log.WithFields(logger.Fields{
		"symbol":     evt.Symbol,
		"account_id": evt.AccountID,
		"reason":     evt.Reason,
	}).Warn("failover event")
	return nil
}

func (s *LogSink) Close() error { return nil }
