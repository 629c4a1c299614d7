package models

import (
	"time"

	"github.com/google/uuid"
)

// Reasons attached to a stopped-transport event. A deliberate stop takes
// the connection out of health evaluation; a restart does not.
const (
	ReasonOperatorStop = "stopped by operator"
	ReasonHardRestart  = "hard restart"
)

// ConnectionEvent records one transport lifecycle transition of a
// supervised connection. Events are append-only and never retracted.
type ConnectionEvent struct {
	EventID   string    `json:"event_id"`
	AccountID string    `json:"account_id"`
	From      ConnState `json:"from_state"`
	To        ConnState `json:"to_state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewConnectionEvent stamps a transition with an id and the current time.
func NewConnectionEvent(accountID string, from, to ConnState, reason string) ConnectionEvent {
	return ConnectionEvent{
		EventID:   uuid.New().String(),
		AccountID: accountID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

// HealthTransitionEvent records one health state change decided by the
// evaluator. A degradation episode emits exactly one unhealthy event.
type HealthTransitionEvent struct {
	EventID   string      `json:"event_id"`
	AccountID string      `json:"account_id"`
	From      HealthState `json:"from_state"`
	To        HealthState `json:"to_state"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewHealthTransitionEvent stamps a transition with an id and the current time.
func NewHealthTransitionEvent(accountID string, from, to HealthState, reason string) HealthTransitionEvent {
	return HealthTransitionEvent{
		EventID:   uuid.New().String(),
		AccountID: accountID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

// Failover event reasons surfaced to the operator.
const (
	ReasonNoHealthySource = "no_healthy_source"
	ReasonSourceRestored  = "healthy_source_restored"
)

// FailoverEvent reports a routing change for one symbol, most importantly
// the degraded-service condition where no healthy candidate remains.
type FailoverEvent struct {
	EventID   string    `json:"event_id"`
	Symbol    string    `json:"symbol"`
	AccountID string    `json:"account_id,omitempty"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// NewFailoverEvent stamps a failover notification with an id and the current time.
func NewFailoverEvent(symbol, accountID, reason string) FailoverEvent {
	return FailoverEvent{
		EventID:   uuid.New().String(),
		Symbol:    symbol,
		AccountID: accountID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}
