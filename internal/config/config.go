// Package config loads the sequencer's process configuration from
// environment variables (with an optional .env file) and the JSON registry
// files it references, following the same LoadConfig shape as the ws
// server this project descends from.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all sequencer-wide configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Admin HTTP + reporter-facing HTTP surface.
	Addr                string `env:"SEQ_ADDR" envDefault:":8787"`
	HTTPInputBufferSize int64  `env:"SEQ_HTTP_INPUT_BUFFER_SIZE" envDefault:"1048576"`

	// Registry files, read once at startup.
	FeedsConfigPath     string `env:"SEQ_FEEDS_CONFIG_PATH" envDefault:"./config/feeds.json"`
	ReportersConfigPath string `env:"SEQ_REPORTERS_CONFIG_PATH" envDefault:"./config/reporters.json"`
	ProvidersConfigPath string `env:"SEQ_PROVIDERS_CONFIG_PATH" envDefault:"./config/providers.json"`

	// Identity.
	SequencerID uint64 `env:"SEQ_SEQUENCER_ID" envDefault:"1"`

	// Block creator.
	BlockGenerationPeriod        time.Duration `env:"SEQ_BLOCK_GENERATION_PERIOD" envDefault:"500ms"`
	MaxFeedUpdatesInBlock        int           `env:"SEQ_MAX_FEED_UPDATES_IN_BLOCK" envDefault:"300"`
	MaxNewFeedsInBlock           int           `env:"SEQ_MAX_NEW_FEEDS_IN_BLOCK" envDefault:"50"`
	MaxFeedIDToDeleteInBlock     int           `env:"SEQ_MAX_FEED_ID_TO_DELETE_IN_BLOCK" envDefault:"50"`
	MaxFeedUpdatesToBatchPerTick int           `env:"SEQ_MAX_FEED_UPDATES_TO_BATCH" envDefault:"300"`

	// Aggregate history.
	HistoryCapacity int `env:"SEQ_HISTORY_CAPACITY" envDefault:"2000"`

	// Two-round consensus.
	AggregationConsensusDiscardPeriodBlocks uint64 `env:"SEQ_CONSENSUS_DISCARD_PERIOD_BLOCKS" envDefault:"100"`

	// Per-network transaction retry defaults (overridable per provider).
	TransactionRetryTimeout      time.Duration `env:"SEQ_TX_RETRY_TIMEOUT" envDefault:"10s"`
	TransactionRetriesCountLimit int           `env:"SEQ_TX_RETRIES_LIMIT" envDefault:"5"`
	RetryFeeIncrementFraction    float64       `env:"SEQ_RETRY_FEE_INCREMENT_FRACTION" envDefault:"0.2"`

	// Reorg tracker.
	MinBlockPollInterval time.Duration `env:"SEQ_MIN_BLOCK_POLL_INTERVAL" envDefault:"250ms"`

	// Kafka.
	KafkaBrokers string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaEnabled bool   `env:"KAFKA_ENABLED" envDefault:"true"`

	// Logging.
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and the process
// environment. Priority: ENV vars > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration overrides from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPInputBufferSize <= 0 {
		return fmt.Errorf("SEQ_HTTP_INPUT_BUFFER_SIZE must be positive")
	}
	if c.MaxFeedUpdatesInBlock <= 0 {
		return fmt.Errorf("SEQ_MAX_FEED_UPDATES_IN_BLOCK must be positive")
	}
	if c.TransactionRetriesCountLimit < 0 {
		return fmt.Errorf("SEQ_TX_RETRIES_LIMIT cannot be negative")
	}
	return nil
}

// KafkaBrokerList splits the comma-separated broker string the same way the
// ws server parses its KAFKA_BROKERS env var.
func (c *Config) KafkaBrokerList() []string {
	out := []string{}
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Print logs a human-readable configuration summary at startup.
func (c *Config) Print(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Uint64("sequencer_id", c.SequencerID).
		Dur("block_generation_period", c.BlockGenerationPeriod).
		Int("max_feed_updates_in_block", c.MaxFeedUpdatesInBlock).
		Bool("kafka_enabled", c.KafkaEnabled).
		Str("environment", c.Environment).
		Msg("sequencer configuration loaded")
}
