package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quoteflow/feed"
	"quoteflow/internal/channel"
	"quoteflow/logger"
	"quoteflow/models"
)

// TickObserver sees every raw tick a worker receives, before routing. The
// health evaluator registers its canary book here; the callback must never
// block.
type TickObserver interface {
	ObserveTick(accountID string, t models.Tick)
}

// worker owns one adapter session for one account. It pumps adapter
// events into the shared channels and keeps the connection's transport
// state. A worker never restarts itself after a hard failure; recovery is
// the health evaluator's decision.
type worker struct {
	account  models.Account
	adapter  feed.Adapter
	channels *channel.Channels
	observer TickObserver
	log      *logger.Log

	reconnectDelay time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.RWMutex
	state       models.ConnState
	attempts    int64
	lastErr     string
	connectedAt time.Time
}

func newWorker(account models.Account, adapter feed.Adapter, channels *channel.Channels, observer TickObserver, reconnectDelay time.Duration) *worker {
	return &worker{
		account:        account,
		adapter:        adapter,
		channels:       channels,
		observer:       observer,
		log:            logger.GetLogger(),
		reconnectDelay: reconnectDelay,
		done:           make(chan struct{}),
		state:          models.ConnStopped,
	}
}

func (w *worker) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	go w.run(ctx)
}

// stop cancels in-flight I/O and waits for the worker goroutine to exit.
// The reason travels on the final stopped event so the health evaluator
// can tell a deliberate stop from a failure.
func (w *worker) stop(reason string) {
	if w.cancel != nil {
		w.cancel()
	}
	w.adapter.Disconnect()
	<-w.done

	// Consumers may already be shutting down; don't hang on the final event.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.setState(ctx, models.ConnStopped, reason)
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	log := w.log.WithComponent("worker").WithFields(logger.Fields{
		"account_id": w.account.ID,
		"feed_type":  w.account.FeedType,
	})

	// An adapter failure must never take the supervisor down with it.
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{"panic": fmt.Sprint(r)}).Error("worker panicked")
			w.setState(ctx, models.ConnDisconnected, fmt.Sprintf("worker panic: %v", r))
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		w.setState(ctx, models.ConnStarting, "")
		w.mu.Lock()
		w.attempts++
		w.mu.Unlock()

		if err := w.adapter.Connect(ctx); err != nil {
			log.WithError(err).Warn("feed connect failed")
			w.setState(ctx, models.ConnDisconnected, err.Error())
			if !w.sleep(ctx) {
				return
			}
			continue
		}

		w.mu.Lock()
		w.connectedAt = time.Now().UTC()
		w.mu.Unlock()
		w.setState(ctx, models.ConnConnected, "")

		for _, symbol := range w.account.Symbols {
			if err := w.adapter.Subscribe(symbol); err != nil {
				log.WithFields(logger.Fields{"symbol": symbol}).WithError(err).Warn("subscribe failed")
			}
		}

		if !w.pump(ctx, log) {
			return
		}

		w.adapter.Disconnect()
		if !w.sleep(ctx) {
			return
		}
	}
}

// pump drains adapter events until the transport drops or the worker is
// stopped. It returns false when the worker should exit for good.
func (w *worker) pump(ctx context.Context, log *logger.Entry) bool {
	events := w.adapter.Events()
	for {
		select {
		case <-ctx.Done():
			return false
		case evt := <-events:
			switch evt.Type {
			case feed.EventTick:
				if w.observer != nil {
					w.observer.ObserveTick(w.account.ID, evt.Tick)
				}
				if !w.channels.SendRawTick(ctx, evt.Tick) && ctx.Err() == nil {
					log.Debug("raw tick buffer full, tick dropped")
				}
			case feed.EventStatus:
				if evt.Connected {
					w.setState(ctx, models.ConnConnected, "")
					continue
				}
				reason := "transport disconnected"
				if evt.Err != nil {
					reason = evt.Err.Error()
				}
				log.WithFields(logger.Fields{"reason": reason}).Warn("feed transport lost")
				w.setState(ctx, models.ConnDisconnected, reason)
				return true
			}
		}
	}
}

func (w *worker) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.reconnectDelay):
		return true
	}
}

func (w *worker) setState(ctx context.Context, next models.ConnState, reason string) {
	w.mu.Lock()
	prev := w.state
	if prev == next {
		w.mu.Unlock()
		return
	}
	w.state = next
	// Stop reasons are lifecycle commentary, not errors.
	if reason != "" && next == models.ConnDisconnected {
		w.lastErr = reason
	}
	w.mu.Unlock()

	w.channels.SendConnEvent(ctx, models.NewConnectionEvent(w.account.ID, prev, next, reason))
}

func (w *worker) status() models.AccountStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	status := models.AccountStatus{
		AccountID: w.account.ID,
		FeedType:  w.account.FeedType,
		Priority:  w.account.Priority,
		State:     w.state,
		Attempts:  w.attempts,
		LastError: w.lastErr,
	}
	if !w.connectedAt.IsZero() {
		status.ConnectedAt = w.connectedAt.Unix()
	}
	return status
}
