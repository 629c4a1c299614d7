package models

import (
	"time"
)

// DepthLevel represents a single price level on one side of the book.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Tick is a normalized quote update produced by a feed worker. It is
// immutable once created; the aggregator takes ownership when it forwards it.
type Tick struct {
	Symbol    string `json:"symbol"`
	Exchange  string `json:"exchange"`
	AccountID string `json:"account_id"`

	// Sequence is the exchange-assigned identity of this logical update.
	// Two ticks with the same (Symbol, Sequence) are the same update, no
	// matter which upstream copy delivered them.
	Sequence int64 `json:"sequence"`

	EventTime  time.Time `json:"event_time"`
	ReceivedAt time.Time `json:"received_at"`

	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`

	Bids []DepthLevel `json:"bids,omitempty"`
	Asks []DepthLevel `json:"asks,omitempty"`
}

// DedupKey identifies one logical quote update across redundant sources.
type DedupKey struct {
	Symbol   string
	Sequence int64
}

// Key returns the dedup identity for the tick.
func (t Tick) Key() DedupKey {
	return DedupKey{Symbol: t.Symbol, Sequence: t.Sequence}
}
