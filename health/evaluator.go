package health

import (
	"context"
	"sync"
	"time"

	"quoteflow/config"
	"quoteflow/internal/channel"
	"quoteflow/logger"
	"quoteflow/models"
)

// Controller is the slice of the supervisor the evaluator is allowed to
// touch: it may order a hard restart and nothing else.
type Controller interface {
	HardRestart(accountID string) error
}

// connHealth is the evaluator's private record for one connection.
type connHealth struct {
	account        models.Account
	state          models.HealthState
	transport      models.ConnState
	transportSince time.Time
	unhealthySince time.Time
	restartAt      time.Time
	lastReason     string

	// stopped marks a deliberate operator stop. A stopped connection is
	// parked in disconnected and never enters the cooldown/restart cycle:
	// self-healing covers failures, not commands.
	stopped bool
}

// AccountHealth is one line of the health snapshot exposed to the control
// surface.
type AccountHealth struct {
	AccountID string               `json:"account_id"`
	State     models.HealthState   `json:"state"`
	Transport models.ConnState     `json:"transport"`
	Reason    string               `json:"reason,omitempty"`
	Canaries  []CanarySymbolStatus `json:"canaries,omitempty"`
}

// Evaluator judges every tracked connection on a fixed interval, combining
// the transport state reported by the supervisor with the canary heartbeat
// book. Staleness is a function of wall-clock time, so the state machine is
// poll-driven; transport events only update the recorded transport state
// between polls.
type Evaluator struct {
	cfg        config.HealthConfig
	channels   *channel.Channels
	controller Controller
	canaries   *CanaryBook
	log        *logger.Entry
	now        func() time.Time

	mu     sync.RWMutex
	states map[string]*connHealth
}

func NewEvaluator(cfg config.HealthConfig, channels *channel.Channels, controller Controller, canaries *CanaryBook) *Evaluator {
	return &Evaluator{
		cfg:        cfg,
		channels:   channels,
		controller: controller,
		canaries:   canaries,
		log:        logger.GetLogger().WithComponent("health"),
		now:        func() time.Time { return time.Now().UTC() },
		states:     make(map[string]*connHealth),
	}
}

// Book exposes the canary heartbeat book so the supervisor can wire it as
// its tick observer.
func (e *Evaluator) Book() *CanaryBook { return e.canaries }

// Track brings an account under evaluation, starting from disconnected.
func (e *Evaluator) Track(account models.Account) {
	e.canaries.Register(account)

	e.mu.Lock()
	e.states[account.ID] = &connHealth{
		account:        account,
		state:          models.HealthDisconnected,
		transport:      models.ConnStopped,
		transportSince: e.now(),
	}
	e.mu.Unlock()
}

// Untrack removes an account from evaluation.
func (e *Evaluator) Untrack(accountID string) {
	e.canaries.Drop(accountID)

	e.mu.Lock()
	delete(e.states, accountID)
	e.mu.Unlock()
}

// ApplyAccounts reconciles the tracked set against a new account list:
// enabled accounts not yet tracked are brought under evaluation, accounts
// missing from the list or disabled in it are dropped, and surviving
// accounts get their definition refreshed so canary registration follows
// symbol changes.
func (e *Evaluator) ApplyAccounts(accounts []models.Account) {
	next := make(map[string]models.Account, len(accounts))
	for _, account := range accounts {
		if account.Enabled {
			next[account.ID] = account
		}
	}

	e.mu.RLock()
	tracked := make([]string, 0, len(e.states))
	for id := range e.states {
		tracked = append(tracked, id)
	}
	e.mu.RUnlock()

	for _, id := range tracked {
		if _, keep := next[id]; !keep {
			e.Untrack(id)
		}
	}

	for id, account := range next {
		e.mu.RLock()
		h, known := e.states[id]
		e.mu.RUnlock()

		if !known {
			e.Track(account)
			continue
		}

		e.mu.Lock()
		prev := h.account
		h.account = account
		e.mu.Unlock()

		// Re-registering wipes heartbeat history, so only do it when the
		// canary-relevant parts of the definition actually changed.
		if prev.FeedType != account.FeedType || !sameSymbols(prev.Symbols, account.Symbols) {
			e.canaries.Register(account)
		}
	}
}

func sameSymbols(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Run consumes connection events and evaluates all tracked connections on
// every tick of the evaluation interval. It returns when ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.EvaluationInterval.Std())
	defer ticker.Stop()

	e.log.WithFields(logger.Fields{
		"interval":  e.cfg.EvaluationInterval.Std().String(),
		"threshold": e.cfg.CanaryThreshold.Std().String(),
		"cooldown":  e.cfg.Cooldown.Std().String(),
	}).Info("health evaluator started")

	for {
		select {
		case <-ctx.Done():
			e.log.Info("health evaluator stopped")
			return
		case evt := <-e.channels.ConnEvents:
			e.applyTransport(ctx, evt)
		case <-ticker.C:
			e.EvaluateAll(ctx)
		}
	}
}

// applyTransport records a transport transition and immediately re-judges
// the affected connection, so a disconnect does not wait out the poll
// interval before routing reacts.
func (e *Evaluator) applyTransport(ctx context.Context, evt models.ConnectionEvent) {
	e.mu.Lock()
	h, ok := e.states[evt.AccountID]
	if !ok {
		e.mu.Unlock()
		return
	}
	h.transport = evt.To
	h.transportSince = e.now()
	if evt.Reason != "" {
		h.lastReason = evt.Reason
	}
	// A stop issued by the supervisor's own restart keeps the episode
	// alive; any other stop is an operator decision.
	h.stopped = evt.To == models.ConnStopped && evt.Reason != models.ReasonHardRestart
	e.mu.Unlock()

	e.evaluateAccount(ctx, evt.AccountID)
}

// EvaluateAll runs one evaluation pass over every tracked connection.
func (e *Evaluator) EvaluateAll(ctx context.Context) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		e.evaluateAccount(ctx, id)
	}
}

func (e *Evaluator) evaluateAccount(ctx context.Context, accountID string) {
	now := e.now()

	e.mu.Lock()
	h, ok := e.states[accountID]
	if !ok {
		e.mu.Unlock()
		return
	}

	connected := h.transport == models.ConnConnected
	fresh, hasCanaries := e.canaries.Fresh(accountID, e.cfg.CanaryThreshold.Std(), now)
	healthyNow := connected && (fresh || !hasCanaries)

	var restart bool
	prev := h.state

	switch {
	case h.stopped:
		if h.state != models.HealthDisconnected {
			h.unhealthySince = time.Time{}
			h.restartAt = time.Time{}
			e.transition(h, models.HealthDisconnected, models.ReasonOperatorStop)
		}

	case h.state == models.HealthDisconnected:
		switch {
		case healthyNow:
			e.transition(h, models.HealthHealthy, "feed connected")
		case connected && now.Sub(h.transportSince) > e.cfg.CanaryThreshold.Std():
			h.unhealthySince = now
			e.transition(h, models.HealthUnhealthy, "canary heartbeat never arrived")
		}

	case h.state == models.HealthHealthy:
		switch {
		case !connected:
			h.unhealthySince = now
			e.transition(h, models.HealthUnhealthy, "transport lost: "+h.lastReason)
		case hasCanaries && !fresh:
			h.unhealthySince = now
			e.transition(h, models.HealthUnhealthy, "canary heartbeat stale")
		}

	case h.state == models.HealthUnhealthy:
		switch {
		case healthyNow:
			e.transition(h, models.HealthHealthy, "recovered without restart")
		case now.Sub(h.unhealthySince) >= e.cfg.Cooldown.Std():
			restart = true
			h.restartAt = now
			e.transition(h, models.HealthRecovering, "hard restart issued")
		}

	case h.state == models.HealthRecovering:
		switch {
		case healthyNow:
			e.transition(h, models.HealthHealthy, "recovered after restart")
		case now.Sub(h.restartAt) >= e.cfg.Cooldown.Std():
			h.unhealthySince = now
			e.transition(h, models.HealthUnhealthy, "recovery attempt failed")
		}
	}

	next := h.state
	reason := h.lastReason
	e.mu.Unlock()

	if next != prev {
		e.channels.SendHealthEvent(ctx, models.NewHealthTransitionEvent(accountID, prev, next, reason))
		e.log.WithFields(logger.Fields{
			"account_id": accountID,
			"from":       prev,
			"to":         next,
			"reason":     reason,
		}).Info("health transition")
	}

	if restart {
		e.canaries.Reset(accountID)
		if err := e.controller.HardRestart(accountID); err != nil {
			e.log.WithFields(logger.Fields{"account_id": accountID}).WithError(err).Error("hard restart failed")
		}
	}
}

// transition mutates the record only; callers emit the event after
// releasing the lock.
func (e *Evaluator) transition(h *connHealth, next models.HealthState, reason string) {
	h.state = next
	h.lastReason = reason
}

// State returns the current judgement for one account.
func (e *Evaluator) State(accountID string) (models.HealthState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.states[accountID]
	if !ok {
		return "", false
	}
	return h.state, true
}

// Snapshot returns the health of every tracked connection.
func (e *Evaluator) Snapshot() []AccountHealth {
	now := e.now()

	e.mu.RLock()
	out := make([]AccountHealth, 0, len(e.states))
	for id, h := range e.states {
		out = append(out, AccountHealth{
			AccountID: id,
			State:     h.state,
			Transport: h.transport,
			Reason:    h.lastReason,
		})
	}
	e.mu.RUnlock()

	for i := range out {
		out[i].Canaries = e.canaries.Status(out[i].AccountID, now)
	}
	return out
}
