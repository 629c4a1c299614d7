package health

import (
	"sync"
	"time"

	"quoteflow/models"
)

// canaryStat tracks the data heartbeat of one canary symbol on one
// connection: last tick time plus a rolling one-minute tick count kept in
// per-second buckets.
type canaryStat struct {
	mu         sync.Mutex
	lastTick   time.Time
	buckets    [60]int64
	bucketSecs [60]int64
}

func (s *canaryStat) observe(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec := now.Unix()
	idx := sec % 60
	if s.bucketSecs[idx] != sec {
		s.bucketSecs[idx] = sec
		s.buckets[idx] = 0
	}
	s.buckets[idx]++
	if now.After(s.lastTick) {
		s.lastTick = now
	}
}

func (s *canaryStat) snapshot(now time.Time) (count int64, last time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Unix() - 60
	for i := range s.buckets {
		if s.bucketSecs[i] > cutoff {
			count += s.buckets[i]
		}
	}
	return count, s.lastTick
}

// CanarySymbolStatus is one canary heartbeat line in a status snapshot.
type CanarySymbolStatus struct {
	Symbol        string    `json:"symbol"`
	TicksInWindow int64     `json:"ticks_in_window"`
	LastTick      time.Time `json:"last_tick,omitempty"`
}

// CanaryBook holds the heartbeat state of every tracked connection's
// canary symbols. Workers feed it through ObserveTick; the evaluator reads
// it on every evaluation pass. Observe never blocks.
type CanaryBook struct {
	canaries map[string][]string

	mu    sync.RWMutex
	stats map[string]map[string]*canaryStat
}

// NewCanaryBook builds a book from the configured canary symbols per feed
// type. A feed type with no entry is an operator opt-out: connections of
// that type are judged on transport status alone.
func NewCanaryBook(canaries map[string][]string) *CanaryBook {
	return &CanaryBook{
		canaries: canaries,
		stats:    make(map[string]map[string]*canaryStat),
	}
}

// Register starts tracking an account. Only canary symbols the account
// actually subscribes count toward its heartbeat.
func (b *CanaryBook) Register(account models.Account) {
	subscribed := make(map[string]bool, len(account.Symbols))
	for _, symbol := range account.Symbols {
		subscribed[symbol] = true
	}

	tracked := make(map[string]*canaryStat)
	for _, symbol := range b.canaries[string(account.FeedType)] {
		if subscribed[symbol] {
			tracked[symbol] = &canaryStat{}
		}
	}

	b.mu.Lock()
	b.stats[account.ID] = tracked
	b.mu.Unlock()
}

// Drop forgets an account's heartbeat state.
func (b *CanaryBook) Drop(accountID string) {
	b.mu.Lock()
	delete(b.stats, accountID)
	b.mu.Unlock()
}

// Reset clears an account's heartbeat history, typically after a hard
// restart so stale pre-restart ticks cannot vouch for the new session.
func (b *CanaryBook) Reset(accountID string) {
	b.mu.RLock()
	tracked, ok := b.stats[accountID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	for _, stat := range tracked {
		stat.mu.Lock()
		stat.lastTick = time.Time{}
		stat.buckets = [60]int64{}
		stat.bucketSecs = [60]int64{}
		stat.mu.Unlock()
	}
}

// ObserveTick implements the supervisor's tick observer. Non-canary
// symbols are ignored.
func (b *CanaryBook) ObserveTick(accountID string, t models.Tick) {
	b.mu.RLock()
	tracked, ok := b.stats[accountID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	stat, ok := tracked[t.Symbol]
	if !ok {
		return
	}
	now := t.ReceivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	stat.observe(now)
}

// Fresh reports whether every canary symbol of the account has ticked
// within threshold of now. hasCanaries is false for accounts with no
// tracked canary symbols, which must fall back to transport-only health.
func (b *CanaryBook) Fresh(accountID string, threshold time.Duration, now time.Time) (fresh bool, hasCanaries bool) {
	b.mu.RLock()
	tracked, ok := b.stats[accountID]
	b.mu.RUnlock()
	if !ok || len(tracked) == 0 {
		return false, false
	}

	for _, stat := range tracked {
		_, last := stat.snapshot(now)
		if last.IsZero() || now.Sub(last) > threshold {
			return false, true
		}
	}
	return true, true
}

// Status returns the heartbeat lines for one account, for the control
// surface.
func (b *CanaryBook) Status(accountID string, now time.Time) []CanarySymbolStatus {
	b.mu.RLock()
	tracked, ok := b.stats[accountID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	statuses := make([]CanarySymbolStatus, 0, len(tracked))
	for symbol, stat := range tracked {
		count, last := stat.snapshot(now)
		statuses = append(statuses, CanarySymbolStatus{
			Symbol:        symbol,
			TicksInWindow: count,
			LastTick:      last,
		})
	}
	return statuses
}
