package models

import (
	"testing"
	"time"
)

func TestTickKey(t *testing.T) {
	a := Tick{Symbol: "BTCUSDT", Sequence: 42, AccountID: "acct-1"}
	b := Tick{Symbol: "BTCUSDT", Sequence: 42, AccountID: "acct-2", EventTime: time.Now()}
	if a.Key() != b.Key() {
		t.Fatalf("expected equal keys, got %v and %v", a.Key(), b.Key())
	}
	c := Tick{Symbol: "BTCUSDT", Sequence: 43}
	if a.Key() == c.Key() {
		t.Fatalf("distinct sequences must not collide")
	}
	d := Tick{Symbol: "ETHUSDT", Sequence: 42}
	if a.Key() == d.Key() {
		t.Fatalf("distinct symbols must not collide")
	}
}

func TestNewHealthTransitionEvent(t *testing.T) {
	evt := NewHealthTransitionEvent("acct-1", HealthHealthy, HealthUnhealthy, "canary_stale")
	if evt.EventID == "" {
		t.Fatalf("expected event id to be set")
	}
	if evt.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
	if evt.From != HealthHealthy || evt.To != HealthUnhealthy {
		t.Fatalf("unexpected transition: %s -> %s", evt.From, evt.To)
	}
}

func TestNewFailoverEvent(t *testing.T) {
	evt := NewFailoverEvent("BTCUSDT", "", ReasonNoHealthySource)
	if evt.Reason != ReasonNoHealthySource {
		t.Fatalf("unexpected reason %q", evt.Reason)
	}
	if evt.EventID == "" || evt.Timestamp.IsZero() {
		t.Fatalf("event not stamped: %+v", evt)
	}
}
