package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"quoteflow/aggregator"
	"quoteflow/config"
	"quoteflow/control"
	"quoteflow/health"
	"quoteflow/internal/channel"
	"quoteflow/logger"
	"quoteflow/sink"
	"quoteflow/supervisor"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	accountsPath := flag.String("accounts", "config/accounts.yml", "Path to account configuration file")

	flag.Parse()

	env := config.AppEnvironment()
	resolvedConfig := config.EnvSpecificPath(*configPath, "config/config.yml")
	resolvedAccounts := config.EnvSpecificPath(*accountsPath, "config/accounts.yml")

	cfg, err := config.LoadConfig(resolvedConfig)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Quoteflow.Name,
		"version":     cfg.Quoteflow.Version,
		"environment": env,
		"config":      resolvedConfig,
	}).Info("starting quoteflow")

	if cfg.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.CloudWatch.Region, cfg.CloudWatch.Namespace, cfg.CloudWatch.Dashboard)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	accounts, err := config.LoadAccounts(resolvedAccounts)
	if err != nil {
		// Development tolerates a missing snapshot so the pipeline can be
		// brought up and fed accounts over the reload endpoint.
		if config.IsProductionLike(env) {
			log.WithError(err).Error("failed to load account configuration")
			os.Exit(1)
		}
		log.WithError(err).Warn("starting without account configuration")
		accounts = nil
	}

	channels := channel.NewChannels(
		cfg.Channels.RawBuffer,
		cfg.Channels.CanonicalBuffer,
		cfg.Channels.EventBuffer,
	)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	var snk sink.Sink
	var kafkaSink *sink.KafkaSink
	if cfg.Sink.Kafka.Enabled {
		kafkaSink, err = sink.NewKafkaSink(cfg.Sink.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create kafka sink")
			os.Exit(1)
		}
		snk = kafkaSink
	} else {
		log.WithComponent("main").Info("kafka sink disabled; forwarding to log sink")
		snk = sink.NewLogSink()
	}

	sup := supervisor.New(cfg.Supervisor, channels, accounts)
	evaluator := health.NewEvaluator(cfg.Health, channels, sup, health.NewCanaryBook(cfg.Health.Canaries))
	sup.SetObserver(evaluator.Book())
	for _, account := range accounts {
		if account.Enabled {
			evaluator.Track(account)
		}
	}

	engine := aggregator.NewEngine(cfg.Aggregator, channels, snk, accounts)
	reloader := &accountReloader{
		path:      resolvedAccounts,
		sup:       sup,
		evaluator: evaluator,
		engine:    engine,
		log:       log.WithComponent("reload"),
	}
	controlServer := control.NewServer(cfg.Control, sup, engine, evaluator, reloader)

	var wg sync.WaitGroup

	// Start sink-side first so nothing upstream publishes into a void.
	if kafkaSink != nil {
		if err := kafkaSink.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start kafka sink")
			os.Exit(1)
		}
	}

	if err := engine.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start aggregation engine")
		os.Exit(1)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		evaluator.Run(ctx)
	}()

	if err := sup.Run(ctx); err != nil {
		log.WithError(err).Error("failed to start supervisor")
		cancel()
		os.Exit(1)
	}

	if controlServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := controlServer.Run(ctx); err != nil {
				log.WithError(err).Warn("control server failed")
			}
		}()
	}

	// Drain the canonical stream; the sink already received each tick,
	// this channel exists for in-process consumers and metrics.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-channels.Canonical:
			}
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	log.Info("stopping supervisor")
	sup.Close()

	cancel()

	log.Info("stopping aggregation engine")
	engine.Stop()

	if kafkaSink != nil {
		log.Info("stopping kafka sink")
		if err := kafkaSink.Close(); err != nil {
			log.WithError(err).Warn("kafka sink close failed")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("quoteflow stopped")
}

// accountReloader re-reads the account snapshot from disk and applies it
// across the running pipeline. The evaluator learns the new set first so
// fresh accounts are judged from their first tick, routes are rebuilt
// next, and workers start last against routes that already exist.
type accountReloader struct {
	mu        sync.Mutex
	path      string
	sup       *supervisor.Supervisor
	evaluator *health.Evaluator
	engine    *aggregator.Engine
	log       *logger.Entry
}

func (r *accountReloader) ReloadAccounts() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	accounts, err := config.LoadAccounts(r.path)
	if err != nil {
		return 0, err
	}
	r.evaluator.ApplyAccounts(accounts)
	r.engine.Rebuild(accounts)
	r.sup.ApplyAccounts(accounts)
	r.log.WithFields(logger.Fields{
		"path":     r.path,
		"accounts": len(accounts),
	}).Info("account configuration reloaded")
	return len(accounts), nil
}
