package channel

import (
	"context"
	"sync"
	"time"

	"quoteflow/logger"
	"quoteflow/models"
)

type ChannelStats struct {
	RawTicksSent          int64
	RawTicksDropped       int64
	CanonicalSent         int64
	CanonicalDropped      int64
	ConnEventsSent        int64
	HealthEventsSent      int64
	FailoverEventsSent    int64
	FailoverEventsDropped int64
}

// Channels bundles the bounded queues connecting the supervisor workers,
// the health evaluator and the aggregation engine. Tick and failover sends
// never block; a full buffer drops the message and counts the drop.
// Connection and health event sends block (on a buffered channel) because
// losing a transition would desynchronize the routing table.
type Channels struct {
	RawTicks       chan models.Tick
	Canonical      chan models.Tick
	ConnEvents     chan models.ConnectionEvent
	HealthEvents   chan models.HealthTransitionEvent
	FailoverEvents chan models.FailoverEvent

	stats               ChannelStats
	statsMutex          sync.RWMutex
	log                 *logger.Log
	metricsReportTicker *time.Ticker
	closeOnce           sync.Once
}

func NewChannels(rawBufferSize, canonicalBufferSize, eventBufferSize int) *Channels {
	log := logger.GetLogger()

	c := &Channels{
		RawTicks:       make(chan models.Tick, rawBufferSize),
		Canonical:      make(chan models.Tick, canonicalBufferSize),
		ConnEvents:     make(chan models.ConnectionEvent, eventBufferSize),
		HealthEvents:   make(chan models.HealthTransitionEvent, eventBufferSize),
		FailoverEvents: make(chan models.FailoverEvent, eventBufferSize),
		log:            log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size":       rawBufferSize,
		"canonical_buffer_size": canonicalBufferSize,
		"event_buffer_size":     eventBufferSize,
	}).Info("channels initialized")

	return c
}

// SendRawTick enqueues a worker tick for the aggregation engine. It never
// blocks; a full buffer drops the tick and counts it.
func (c *Channels) SendRawTick(ctx context.Context, t models.Tick) bool {
	select {
	case c.RawTicks <- t:
		c.statsMutex.Lock()
		c.stats.RawTicksSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.RawTicksDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendCanonical enqueues a forwarded tick for in-process consumers.
func (c *Channels) SendCanonical(ctx context.Context, t models.Tick) bool {
	select {
	case c.Canonical <- t:
		c.statsMutex.Lock()
		c.stats.CanonicalSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.CanonicalDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendConnEvent delivers a transport transition to the health evaluator.
func (c *Channels) SendConnEvent(ctx context.Context, evt models.ConnectionEvent) bool {
	select {
	case c.ConnEvents <- evt:
		c.statsMutex.Lock()
		c.stats.ConnEventsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

// SendHealthEvent delivers a health transition to the aggregation engine.
func (c *Channels) SendHealthEvent(ctx context.Context, evt models.HealthTransitionEvent) bool {
	select {
	case c.HealthEvents <- evt:
		c.statsMutex.Lock()
		c.stats.HealthEventsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

// SendFailoverEvent records a routing degradation for outward delivery.
// Failover notifications are best-effort: the sender is a shard worker
// that must keep draining its own queue, so a full buffer drops the event
// and counts it instead of blocking.
func (c *Channels) SendFailoverEvent(ctx context.Context, evt models.FailoverEvent) bool {
	select {
	case c.FailoverEvents <- evt:
		c.statsMutex.Lock()
		c.stats.FailoverEventsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.FailoverEventsDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) StartMetricsReporting(ctx context.Context) {
	c.metricsReportTicker = time.NewTicker(30 * time.Second)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.metricsReportTicker.Stop()
				return
			case <-c.metricsReportTicker.C:
				c.logChannelStats(c.log)
			}
		}
	}()
}

func (c *Channels) logChannelStats(log *logger.Log) {
	c.statsMutex.RLock()
	stats := c.stats
	c.statsMutex.RUnlock()

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_ticks_sent":          stats.RawTicksSent,
		"raw_ticks_dropped":       stats.RawTicksDropped,
		"canonical_sent":          stats.CanonicalSent,
		"canonical_dropped":       stats.CanonicalDropped,
		"conn_events_sent":        stats.ConnEventsSent,
		"health_events_sent":      stats.HealthEventsSent,
		"failover_events_sent":    stats.FailoverEventsSent,
		"failover_events_dropped": stats.FailoverEventsDropped,
		"raw_channel_len":         len(c.RawTicks),
		"raw_channel_cap":         cap(c.RawTicks),
		"canonical_len":           len(c.Canonical),
		"canonical_cap":           cap(c.Canonical),
	}).Info("channel statistics")
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		if c.metricsReportTicker != nil {
			c.metricsReportTicker.Stop()
		}

		close(c.RawTicks)
		close(c.Canonical)
		close(c.ConnEvents)
		close(c.HealthEvents)
		close(c.FailoverEvents)

		c.log.WithComponent("channels").Info("all channels closed")
	})
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
