package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"golang.org/x/time/rate"

	"quoteflow/logger"
	"quoteflow/models"
)

const bybitPublicLinearURL = "wss://stream.bybit.com/v5/public/linear"

func init() {
	Register(models.FeedBybitLinear, newBybitAdapter)
}

// bybitAdapter streams public trades from Bybit linear perpetuals. Bybit
// identifies trades with a string id, so the dedup sequence is a 64-bit
// hash of that id; it is stable across redundant accounts on the same feed.
type bybitAdapter struct {
	account models.Account
	wsURL   string
	events  chan Event
	limiter *rate.Limiter
	log     *logger.Log

	mu        sync.Mutex
	ws        *bybit.WebSocket
	connected bool
	topics    map[string]struct{}
}

func newBybitAdapter(account models.Account, limits Limits) (Adapter, error) {
	wsURL := account.Settings["ws_url"]
	if wsURL == "" {
		wsURL = bybitPublicLinearURL
	}

	return &bybitAdapter{
		account: account,
		wsURL:   wsURL,
		events:  make(chan Event, 1024),
		limiter: limits.limiter(),
		log:     logger.GetLogger(),
		topics:  make(map[string]struct{}),
	}, nil
}

func (a *bybitAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return fmt.Errorf("bybit adapter already connected")
	}
	a.mu.Unlock()

	ws := bybit.NewBybitPublicWebSocket(a.wsURL, a.handleMessage)
	if ws.Connect() == nil {
		return fmt.Errorf("bybit websocket connect failed")
	}

	a.mu.Lock()
	a.ws = ws
	a.connected = true
	a.mu.Unlock()

	emit(a.events, Event{Type: EventStatus, Connected: true})
	return nil
}

func (a *bybitAdapter) Disconnect() {
	a.mu.Lock()
	ws := a.ws
	a.ws = nil
	a.connected = false
	a.mu.Unlock()

	if ws != nil {
		ws.Disconnect()
	}
}

func (a *bybitAdapter) Subscribe(symbol string) error {
	topic := fmt.Sprintf("publicTrade.%s", symbol)

	a.mu.Lock()
	ws := a.ws
	if ws == nil {
		a.mu.Unlock()
		return fmt.Errorf("bybit adapter not connected")
	}
	if _, exists := a.topics[topic]; exists {
		a.mu.Unlock()
		return nil
	}
	a.topics[topic] = struct{}{}
	a.mu.Unlock()

	if err := a.limiter.Wait(context.Background()); err != nil {
		return err
	}
	ws.SendSubscription([]string{topic})
	return nil
}

func (a *bybitAdapter) Unsubscribe(symbol string) error {
	// The public stream client has no unsubscribe verb; drop the topic so
	// its trades are discarded on arrival.
	topic := fmt.Sprintf("publicTrade.%s", symbol)
	a.mu.Lock()
	delete(a.topics, topic)
	a.mu.Unlock()
	return nil
}

func (a *bybitAdapter) Events() <-chan Event {
	return a.events
}

func (a *bybitAdapter) handleMessage(message string) error {
	var payload struct {
		Topic string `json:"topic"`
		Data  []struct {
			TradeTime int64  `json:"T"`
			Symbol    string `json:"s"`
			Volume    string `json:"v"`
			Price     string `json:"p"`
			TradeID   string `json:"i"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(message), &payload); err != nil {
		return nil
	}
	if !strings.HasPrefix(payload.Topic, "publicTrade.") {
		return nil
	}

	a.mu.Lock()
	_, wanted := a.topics[payload.Topic]
	a.mu.Unlock()
	if !wanted {
		return nil
	}

	log := a.log.WithComponent("bybit_adapter")
	for _, trade := range payload.Data {
		price, err := strconv.ParseFloat(trade.Price, 64)
		if err != nil {
			log.WithError(err).Warn("unparseable price in public trade")
			continue
		}
		volume, err := strconv.ParseFloat(trade.Volume, 64)
		if err != nil {
			log.WithError(err).Warn("unparseable volume in public trade")
			continue
		}

		emit(a.events, Event{Type: EventTick, Tick: models.Tick{
			Symbol:     trade.Symbol,
			Exchange:   "bybit",
			AccountID:  a.account.ID,
			Sequence:   hashTradeID(trade.TradeID),
			EventTime:  time.UnixMilli(trade.TradeTime),
			ReceivedAt: time.Now().UTC(),
			Price:      price,
			Volume:     volume,
		}})
	}
	return nil
}

// hashTradeID folds a vendor string trade id into the int64 sequence space.
func hashTradeID(id string) int64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return int64(h.Sum64() & (1<<63 - 1))
}
