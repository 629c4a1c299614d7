package feed

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"quoteflow/logger"
	"quoteflow/models"
)

func init() {
	Register(models.FeedBinanceFutures, newBinanceAdapter)
}

// binanceAdapter streams aggregated trades from Binance USD-M futures.
// Each subscription runs its own websocket stream; the aggregate trade id
// is the exchange-assigned sequence used for cross-source dedup.
type binanceAdapter struct {
	account models.Account
	client  *futures.Client
	events  chan Event
	limiter *rate.Limiter
	log     *logger.Log

	mu        sync.Mutex
	ctx       context.Context
	connected bool
	streams   map[string]chan struct{} // symbol -> stopC
}

func newBinanceAdapter(account models.Account, limits Limits) (Adapter, error) {
	client := futures.NewClient(account.Settings["api_key"], account.Settings["api_secret"])
	if endpoint := account.Settings["endpoint"]; endpoint != "" {
		client.SetApiEndpoint(endpoint)
	}

	return &binanceAdapter{
		account: account,
		client:  client,
		events:  make(chan Event, 1024),
		limiter: limits.limiter(),
		log:     logger.GetLogger(),
		streams: make(map[string]chan struct{}),
	}, nil
}

func (a *binanceAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return fmt.Errorf("binance adapter already connected")
	}
	a.ctx = ctx
	a.mu.Unlock()

	// REST ping doubles as the handshake; stream dials happen per
	// subscription.
	if err := a.client.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("binance ping failed: %w", err)
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()

	emit(a.events, Event{Type: EventStatus, Connected: true})
	return nil
}

func (a *binanceAdapter) Disconnect() {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return
	}
	a.connected = false
	streams := a.streams
	a.streams = make(map[string]chan struct{})
	a.mu.Unlock()

	for _, stopC := range streams {
		close(stopC)
	}
}

func (a *binanceAdapter) Subscribe(symbol string) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("binance adapter not connected")
	}
	if _, exists := a.streams[symbol]; exists {
		a.mu.Unlock()
		return nil
	}
	ctx := a.ctx
	a.mu.Unlock()

	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	doneC, stopC, err := futures.WsAggTradeServe(symbol, a.handleAggTrade, a.handleStreamError)
	if err != nil {
		return fmt.Errorf("binance subscribe %s: %w", symbol, err)
	}

	a.mu.Lock()
	a.streams[symbol] = stopC
	a.mu.Unlock()

	go func() {
		<-doneC
		a.mu.Lock()
		_, active := a.streams[symbol]
		a.mu.Unlock()
		if active {
			emit(a.events, Event{
				Type: EventStatus,
				Err:  fmt.Errorf("binance stream for %s terminated", symbol),
			})
		}
	}()

	return nil
}

func (a *binanceAdapter) Unsubscribe(symbol string) error {
	a.mu.Lock()
	stopC, ok := a.streams[symbol]
	delete(a.streams, symbol)
	a.mu.Unlock()

	if ok {
		close(stopC)
	}
	return nil
}

func (a *binanceAdapter) Events() <-chan Event {
	return a.events
}

func (a *binanceAdapter) handleAggTrade(event *futures.WsAggTradeEvent) {
	price, err := strconv.ParseFloat(event.Price, 64)
	if err != nil {
		a.log.WithComponent("binance_adapter").WithError(err).Warn("unparseable price in aggTrade")
		return
	}
	qty, err := strconv.ParseFloat(event.Quantity, 64)
	if err != nil {
		a.log.WithComponent("binance_adapter").WithError(err).Warn("unparseable quantity in aggTrade")
		return
	}

	emit(a.events, Event{Type: EventTick, Tick: models.Tick{
		Symbol:     event.Symbol,
		Exchange:   "binance",
		AccountID:  a.account.ID,
		Sequence:   event.AggregateTradeID,
		EventTime:  time.UnixMilli(event.Time),
		ReceivedAt: time.Now().UTC(),
		Price:      price,
		Volume:     qty,
	}})
}

func (a *binanceAdapter) handleStreamError(err error) {
	a.log.WithComponent("binance_adapter").WithFields(logger.Fields{
		"account_id": a.account.ID,
	}).WithError(err).Warn("binance websocket error")
	emit(a.events, Event{Type: EventStatus, Err: err})
}
