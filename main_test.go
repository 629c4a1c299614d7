package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"quoteflow/aggregator"
	"quoteflow/config"
	"quoteflow/feed"
	"quoteflow/health"
	"quoteflow/internal/channel"
	"quoteflow/logger"
	"quoteflow/models"
	"quoteflow/sink"
	"quoteflow/supervisor"
)

type stubAdapter struct {
	events chan feed.Event
}

func (s *stubAdapter) Connect(ctx context.Context) error { return nil }
func (s *stubAdapter) Disconnect()                       {}
func (s *stubAdapter) Subscribe(symbol string) error     { return nil }
func (s *stubAdapter) Unsubscribe(symbol string) error   { return nil }
func (s *stubAdapter) Events() <-chan feed.Event         { return s.events }

const accountsV1 = `accounts:
  - id: binance-a
    feed_type: binance
    priority: 1
    enabled: true
    symbols: [BTCUSDT]
`

const accountsV2 = `accounts:
  - id: binance-a
    feed_type: binance
    priority: 1
    enabled: true
    symbols: [BTCUSDT]
  - id: bybit-b
    feed_type: bybit
    priority: 2
    enabled: true
    symbols: [ETHUSDT]
`

func writeAccounts(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write accounts file: %v", err)
	}
}

func TestReloadAppliesNewAccountAcrossPipeline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.yml")
	writeAccounts(t, path, accountsV1)

	accounts, err := config.LoadAccounts(path)
	if err != nil {
		t.Fatalf("LoadAccounts() error = %v", err)
	}

	ch := channel.NewChannels(64, 64, 64)
	defer ch.Close()

	sup := supervisor.New(config.SupervisorConfig{ReconnectDelay: config.Duration(10 * time.Millisecond)}, ch, accounts)
	sup.SetAdapterFactory(func(models.Account) (feed.Adapter, error) {
		return &stubAdapter{events: make(chan feed.Event, 1)}, nil
	})

	healthCfg := config.HealthConfig{
		EvaluationInterval: config.Duration(time.Second),
		CanaryThreshold:    config.Duration(30 * time.Second),
		Cooldown:           config.Duration(time.Minute),
	}
	evaluator := health.NewEvaluator(healthCfg, ch, sup, health.NewCanaryBook(nil))
	sup.SetObserver(evaluator.Book())
	for _, account := range accounts {
		if account.Enabled {
			evaluator.Track(account)
		}
	}

	aggCfg := config.AggregatorConfig{
		DedupRetention:  config.Duration(time.Second),
		DedupMaxEntries: 64,
		Shards:          1,
		ShardBuffer:     8,
	}
	engine := aggregator.NewEngine(aggCfg, ch, sink.NewLogSink(), accounts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch.ConnEvents:
			case <-ch.HealthEvents:
			}
		}
	}()

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer sup.Close()

	reloader := &accountReloader{
		path:      path,
		sup:       sup,
		evaluator: evaluator,
		engine:    engine,
		log:       logger.GetLogger().WithComponent("reload"),
	}

	writeAccounts(t, path, accountsV2)
	count, err := reloader.ReloadAccounts()
	if err != nil {
		t.Fatalf("ReloadAccounts() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("ReloadAccounts() count = %d, want 2", count)
	}

	routed := false
	for _, snap := range engine.RouteSnapshots() {
		if snap.Symbol == "ETHUSDT" {
			routed = true
		}
	}
	if !routed {
		t.Fatalf("ETHUSDT missing from routing table: %+v", engine.RouteSnapshots())
	}

	if _, ok := evaluator.State("bybit-b"); !ok {
		t.Fatalf("new account not tracked by health evaluator")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := sup.Status("bybit-b"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("supervisor never picked up new account")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReloadReportsUnreadableSnapshot(t *testing.T) {
	reloader := &accountReloader{
		path: filepath.Join(t.TempDir(), "missing.yml"),
		log:  logger.GetLogger().WithComponent("reload"),
	}
	if _, err := reloader.ReloadAccounts(); err == nil {
		t.Fatalf("expected error for missing snapshot")
	}
}
