package feed

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"quoteflow/models"
)

// EventType discriminates adapter events.
type EventType int

const (
	// EventStatus reports a transport-level connection change.
	EventStatus EventType = iota
	// EventTick carries one normalized quote update.
	EventTick
)

// Event is the single stream an adapter exposes to its supervisor worker.
type Event struct {
	Type      EventType
	Connected bool
	Err       error
	Tick      models.Tick
}

// Adapter abstracts one vendor feed connection. The engine never assumes
// anything about the wire protocol behind this boundary.
type Adapter interface {
	// Connect establishes the upstream session. It returns once the
	// handshake completes or fails; events flow on Events() afterwards.
	Connect(ctx context.Context) error

	// Disconnect terminates the session. Safe to call repeatedly.
	Disconnect()

	Subscribe(symbol string) error
	Unsubscribe(symbol string) error

	// Events returns the adapter's status and tick stream. The channel is
	// never closed; the worker stops reading when it shuts the adapter down.
	Events() <-chan Event
}

// Limits caps how fast an adapter may issue subscriptions against a
// vendor API. Zero values fall back to conservative defaults.
type Limits struct {
	SubscribePerSecond int
	SubscribeBurst     int
}

func (l Limits) limiter() *rate.Limiter {
	per := l.SubscribePerSecond
	if per <= 0 {
		per = 10
	}
	burst := l.SubscribeBurst
	if burst <= 0 {
		burst = 20
	}
	return rate.NewLimiter(rate.Limit(per), burst)
}

// Factory builds an adapter for one account.
type Factory func(account models.Account, limits Limits) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = map[models.FeedType]Factory{}
)

// Register installs a factory for a feed type. Vendor adapters register
// themselves from init.
func Register(feedType models.FeedType, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[feedType] = factory
}

// New builds an adapter for the account's feed type.
func New(account models.Account, limits Limits) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[account.FeedType]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown feed type '%s'", account.FeedType)
	}
	return factory(account, limits)
}

// emit delivers an event without ever blocking an adapter's read loop. A
// full buffer drops the event; tick loss here is equivalent to upstream
// loss and is recovered by the redundant sources.
func emit(events chan Event, evt Event) bool {
	select {
	case events <- evt:
		return true
	default:
		return false
	}
}
