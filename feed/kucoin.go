package feed

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	kumex "github.com/Kucoin/kucoin-futures-go-sdk"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"quoteflow/logger"
	"quoteflow/models"
)

func init() {
	Register(models.FeedKucoinFutures, newKucoinAdapter)
}

// kucoinAdapter streams contract executions from KuCoin futures over one
// token-authenticated websocket. The execution sequence number is the
// dedup identity.
type kucoinAdapter struct {
	account models.Account
	service *kumex.ApiService
	events  chan Event
	limiter *rate.Limiter
	log     *logger.Log

	mu        sync.Mutex
	client    *kumex.WebSocketClient
	connected bool
	topics    map[string]struct{}
	wg        sync.WaitGroup
}

func newKucoinAdapter(account models.Account, limits Limits) (Adapter, error) {
	opts := []kumex.ApiServiceOption{}
	if endpoint := account.Settings["endpoint"]; endpoint != "" {
		opts = append(opts, kumex.ApiBaseURIOption(endpoint))
	}

	return &kucoinAdapter{
		account: account,
		service: kumex.NewApiService(opts...),
		events:  make(chan Event, 1024),
		limiter: limits.limiter(),
		log:     logger.GetLogger(),
		topics:  make(map[string]struct{}),
	}, nil
}

func (a *kucoinAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return fmt.Errorf("kucoin adapter already connected")
	}
	a.mu.Unlock()

	rsp, err := a.service.WebSocketPublicToken()
	if err != nil {
		return fmt.Errorf("kucoin websocket token: %w", err)
	}
	tk := &kumex.WebSocketTokenModel{}
	if err := rsp.ReadData(tk); err != nil {
		return fmt.Errorf("kucoin websocket token read: %w", err)
	}

	client := a.service.NewWebSocketClient(tk)
	mc, ec, err := connectBoundToLocalAddr(client, localDialContext(a.account.Settings["local_ip"]))
	if err != nil {
		return fmt.Errorf("kucoin websocket connect: %w", err)
	}

	a.mu.Lock()
	a.client = client
	a.connected = true
	a.mu.Unlock()

	emit(a.events, Event{Type: EventStatus, Connected: true})

	a.wg.Add(1)
	go a.pump(ctx, mc, ec)
	return nil
}

// localDialContext builds a dial function bound to the given local
// address. Accounts pinned to an interface egress from it, so multiple
// accounts can use distinct source addresses. Invalid or empty addresses
// yield nil, meaning the stock dialer.
func localDialContext(localIP string) func(context.Context, string, string) (net.Conn, error) {
	if localIP == "" {
		return nil
	}
	ip := net.ParseIP(localIP)
	if ip == nil {
		return nil
	}
	dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
	return dialer.DialContext
}

// The kumex client dials through the package-level default websocket
// dialer, so the local-address binding is a scoped swap of that global,
// serialized across adapters and restored once the dial completes.
var wsDialerMu sync.Mutex

func connectBoundToLocalAddr(client *kumex.WebSocketClient, dial func(context.Context, string, string) (net.Conn, error)) (<-chan *kumex.WebSocketDownstreamMessage, <-chan error, error) {
	if dial == nil {
		return client.Connect()
	}

	wsDialerMu.Lock()
	defer wsDialerMu.Unlock()
	prev := websocket.DefaultDialer.NetDialContext
	websocket.DefaultDialer.NetDialContext = dial
	defer func() { websocket.DefaultDialer.NetDialContext = prev }()
	return client.Connect()
}

func (a *kucoinAdapter) pump(ctx context.Context, mc <-chan *kumex.WebSocketDownstreamMessage, ec <-chan error) {
	defer a.wg.Done()

	log := a.log.WithComponent("kucoin_adapter").WithFields(logger.Fields{
		"account_id": a.account.ID,
	})

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-ec:
			if err != nil {
				log.WithError(err).Warn("kucoin websocket error")
			}
			a.markDisconnected(err)
			return
		case msg, ok := <-mc:
			if !ok {
				a.markDisconnected(fmt.Errorf("kucoin message channel closed"))
				return
			}
			if msg == nil {
				continue
			}

			var data struct {
				Symbol   string  `json:"symbol"`
				Sequence int64   `json:"sequence"`
				Price    float64 `json:"price"`
				Size     float64 `json:"size"`
				Ts       int64   `json:"ts"`
			}
			if err := msg.ReadData(&data); err != nil {
				log.WithError(err).Warn("failed to read execution data")
				continue
			}
			if data.Symbol == "" {
				continue
			}

			emit(a.events, Event{Type: EventTick, Tick: models.Tick{
				Symbol:     data.Symbol,
				Exchange:   "kucoin",
				AccountID:  a.account.ID,
				Sequence:   data.Sequence,
				EventTime:  time.Unix(0, data.Ts),
				ReceivedAt: time.Now().UTC(),
				Price:      data.Price,
				Volume:     data.Size,
			}})
		}
	}
}

func (a *kucoinAdapter) markDisconnected(err error) {
	a.mu.Lock()
	wasConnected := a.connected
	a.connected = false
	a.mu.Unlock()

	if wasConnected {
		emit(a.events, Event{Type: EventStatus, Err: err})
	}
}

func (a *kucoinAdapter) Disconnect() {
	a.mu.Lock()
	client := a.client
	a.client = nil
	a.connected = false
	a.mu.Unlock()

	if client != nil {
		client.Stop()
	}
	a.wg.Wait()
}

func (a *kucoinAdapter) Subscribe(symbol string) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("kucoin adapter not connected")
	}

	topic := fmt.Sprintf("/contractMarket/execution:%s", symbol)
	if err := a.limiter.Wait(context.Background()); err != nil {
		return err
	}
	if err := client.Subscribe(kumex.NewSubscribeMessage(topic, false)); err != nil {
		return fmt.Errorf("kucoin subscribe %s: %w", symbol, err)
	}

	a.mu.Lock()
	a.topics[topic] = struct{}{}
	a.mu.Unlock()
	return nil
}

func (a *kucoinAdapter) Unsubscribe(symbol string) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return nil
	}

	topic := fmt.Sprintf("/contractMarket/execution:%s", symbol)
	if err := client.Unsubscribe(kumex.NewUnsubscribeMessage(topic, false)); err != nil {
		return fmt.Errorf("kucoin unsubscribe %s: %w", symbol, err)
	}

	a.mu.Lock()
	delete(a.topics, topic)
	a.mu.Unlock()
	return nil
}

func (a *kucoinAdapter) Events() <-chan Event {
	return a.events
}
