package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"quoteflow/models"
)

type Config struct {
	Quoteflow  QuoteflowConfig  `yaml:"quoteflow"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Health     HealthConfig     `yaml:"health"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Sink       SinkConfig       `yaml:"sink"`
	Control    ControlConfig    `yaml:"control"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type QuoteflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	RawBuffer       int `yaml:"raw_buffer"`
	CanonicalBuffer int `yaml:"canonical_buffer"`
	EventBuffer     int `yaml:"event_buffer"`
}

type SupervisorConfig struct {
	ReconnectDelay     Duration `yaml:"reconnect_delay"`
	SubscribePerSecond int      `yaml:"subscribe_per_second"`
	SubscribeBurst     int      `yaml:"subscribe_burst"`
}

type HealthConfig struct {
	EvaluationInterval Duration `yaml:"evaluation_interval"`
	CanaryThreshold    Duration `yaml:"canary_threshold"`
	Cooldown           Duration `yaml:"cooldown"`

	// Canaries maps a feed type to its heartbeat symbols. A feed type
	// without canaries degrades to transport-status-only health.
	Canaries map[string][]string `yaml:"canaries"`
}

// LimitBand is the accepted price range for an instrument. Ticks priced
// outside [Down, Up] are cleansed.
type LimitBand struct {
	Down float64 `yaml:"down"`
	Up   float64 `yaml:"up"`
}

type AggregatorConfig struct {
	DedupRetention  Duration             `yaml:"dedup_retention"`
	DedupMaxEntries int                  `yaml:"dedup_max_entries"`
	Shards          int                  `yaml:"shards"`
	ShardBuffer     int                  `yaml:"shard_buffer"`
	Limits          map[string]LimitBand `yaml:"limits"`
}

type KafkaSinkConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Brokers    []string `yaml:"brokers"`
	TickTopic  string   `yaml:"tick_topic"`
	EventTopic string   `yaml:"event_topic"`
	QueueSize  int      `yaml:"queue_size"`
	Overflow   string   `yaml:"overflow"`
	BatchSize  int      `yaml:"batch_size"`
	BatchDelay Duration `yaml:"batch_delay"`
}

type SinkConfig struct {
	Kafka KafkaSinkConfig `yaml:"kafka"`
}

type ControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Channels: ChannelsConfig{
			RawBuffer:       4096,
			CanonicalBuffer: 4096,
			EventBuffer:     256,
		},
		Supervisor: SupervisorConfig{
			ReconnectDelay:     Duration(5 * time.Second),
			SubscribePerSecond: 10,
			SubscribeBurst:     20,
		},
		Health: HealthConfig{
			EvaluationInterval: Duration(10 * time.Second),
			CanaryThreshold:    Duration(30 * time.Second),
			Cooldown:           Duration(60 * time.Second),
		},
		Aggregator: AggregatorConfig{
			DedupRetention:  Duration(5 * time.Second),
			DedupMaxEntries: 65536,
			Shards:          4,
			ShardBuffer:     1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override sink and metrics settings from environment variables if available
	if config.Sink.Kafka.Enabled {
		if v := os.Getenv("KAFKA_BROKERS"); v != "" {
			brokers := strings.Split(v, ",")
			for i := range brokers {
				brokers[i] = strings.TrimSpace(brokers[i])
			}
			config.Sink.Kafka.Brokers = brokers
		}
	}
	if config.CloudWatch.Enabled {
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.CloudWatch.Region = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Quoteflow.Name == "" {
		return fmt.Errorf("quoteflow.name is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.CanonicalBuffer <= 0 {
		return fmt.Errorf("channels.canonical_buffer must be greater than 0")
	}
	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if cfg.Health.EvaluationInterval.Std() <= 0 {
		return fmt.Errorf("health.evaluation_interval must be greater than 0")
	}
	if cfg.Health.CanaryThreshold.Std() <= 0 {
		return fmt.Errorf("health.canary_threshold must be greater than 0")
	}
	if cfg.Health.Cooldown.Std() <= 0 {
		return fmt.Errorf("health.cooldown must be greater than 0")
	}

	if cfg.Aggregator.DedupRetention.Std() <= 0 {
		return fmt.Errorf("aggregator.dedup_retention must be greater than 0")
	}
	if cfg.Aggregator.DedupMaxEntries <= 0 {
		return fmt.Errorf("aggregator.dedup_max_entries must be greater than 0")
	}
	if cfg.Aggregator.Shards <= 0 {
		return fmt.Errorf("aggregator.shards must be greater than 0")
	}
	for symbol, band := range cfg.Aggregator.Limits {
		if band.Up <= band.Down {
			return fmt.Errorf("aggregator.limits['%s']: up must be greater than down", symbol)
		}
	}

	if cfg.Sink.Kafka.Enabled {
		if len(cfg.Sink.Kafka.Brokers) == 0 {
			return fmt.Errorf("sink.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Sink.Kafka.TickTopic == "" || cfg.Sink.Kafka.EventTopic == "" {
			return fmt.Errorf("sink.kafka.tick_topic and sink.kafka.event_topic are required when kafka is enabled")
		}
		switch cfg.Sink.Kafka.Overflow {
		case "", "drop_oldest", "drop_new":
		default:
			return fmt.Errorf("sink.kafka.overflow '%s' is invalid", cfg.Sink.Kafka.Overflow)
		}
	}

	if cfg.Control.Enabled && cfg.Control.Address == "" {
		return fmt.Errorf("control.address is required when control is enabled")
	}

	return nil
}

// CanarySymbols returns the heartbeat symbols configured for a feed type.
// An empty result means transport-only health for that feed type.
func (c *Config) CanarySymbols(feedType models.FeedType) []string {
	if c.Health.Canaries == nil {
		return nil
	}
	return c.Health.Canaries[string(feedType)]
}

// LimitFor returns the configured price band for a symbol and whether one exists.
func (c *Config) LimitFor(symbol string) (LimitBand, bool) {
	band, ok := c.Aggregator.Limits[symbol]
	return band, ok
}
