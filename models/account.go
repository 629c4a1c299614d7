package models

// FeedType identifies which upstream adapter an account speaks to.
type FeedType string

const (
	FeedBinanceFutures FeedType = "binance_futures"
	FeedBybitLinear    FeedType = "bybit_linear"
	FeedKucoinFutures  FeedType = "kucoin_futures"
)

// Account is an immutable-per-session upstream feed configuration. The
// source of truth lives outside the engine; we receive a snapshot at
// startup and change notifications afterwards.
type Account struct {
	ID       string            `json:"id"`
	FeedType FeedType          `json:"feed_type"`
	Settings map[string]string `json:"settings,omitempty"`

	// Priority orders candidates for routing; 1 is highest.
	Priority int  `json:"priority"`
	Enabled  bool `json:"enabled"`

	Symbols []string `json:"symbols"`
}
