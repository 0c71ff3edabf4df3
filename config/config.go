package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bookflow   BookflowConfig   `yaml:"bookflow"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Exchanges  ExchangesConfig  `yaml:"exchanges"`
	Symbols    []SymbolConfig   `yaml:"symbols"`
	Feeds      FeedsConfig      `yaml:"feeds"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Alerts     []AlertConfig    `yaml:"alerts"`
	History    HistoryConfig    `yaml:"history"`
	Storage    StorageConfig    `yaml:"storage"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type BookflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	EventBuffer    int `yaml:"event_buffer"`
	ResyncBuffer   int `yaml:"resync_buffer"`
	NotifyBuffer   int `yaml:"notify_buffer"`
	SnapshotBuffer int `yaml:"snapshot_buffer"`
}

// ExchangesConfig fixes the static priority order used for tie-breaks when
// two exchanges quote the same best price. Lower index wins.
type ExchangesConfig struct {
	Priority []string `yaml:"priority"`
}

type SymbolConfig struct {
	Canonical string            `yaml:"canonical"`
	Native    map[string]string `yaml:"native"`
}

type FeedsConfig struct {
	Coinbase CoinbaseFeedConfig `yaml:"coinbase"`
	Binance  BinanceFeedConfig  `yaml:"binance"`
}

type CoinbaseFeedConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	ReconnectMax   int    `yaml:"reconnect_max"`
	ReadLimitBytes int64  `yaml:"read_limit_bytes"`
}

type BinanceFeedConfig struct {
	Enabled     bool `yaml:"enabled"`
	DepthLevels int  `yaml:"depth_levels"`
	UseTestnet  bool `yaml:"use_testnet"`
}

type ProcessorConfig struct {
	NotifyInterval  time.Duration `yaml:"notify_interval"`
	NotifyPerSecond float64       `yaml:"notify_per_second"`
	NotifyBurst     int           `yaml:"notify_burst"`
}

type AggregatorConfig struct {
	DepthWindow  int           `yaml:"depth_window"`
	DepthLevels  int           `yaml:"depth_levels"`
	RecentWindow int           `yaml:"recent_window"`
	VWAPSizes    []string      `yaml:"vwap_sizes"`
}

// AlertConfig declares one arbitrage alert threshold. MinGap is absolute in
// quote currency unless Percent is set, in which case it is a percentage of
// the buy price. Empty Buy/Sell exchanges mean either direction triggers.
type AlertConfig struct {
	Symbol       string `yaml:"symbol"`
	MinGap       string `yaml:"min_gap"`
	Percent      bool   `yaml:"percent"`
	BuyExchange  string `yaml:"buy_exchange"`
	SellExchange string `yaml:"sell_exchange"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	MaxRows int    `yaml:"max_rows"`
}

type StorageConfig struct {
	S3      S3Config      `yaml:"s3"`
	Archive ArchiveConfig `yaml:"archive"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ArchiveConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Prefix        string        `yaml:"prefix"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	History int    `yaml:"history"`
}

type LoggingConfig struct {
	Level      string           `yaml:"level"`
	Format     string           `yaml:"format"`
	Output     string           `yaml:"output"`
	MaxAge     int              `yaml:"max_age"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Channels: ChannelsConfig{
			EventBuffer:    4096,
			ResyncBuffer:   64,
			NotifyBuffer:   1024,
			SnapshotBuffer: 256,
		},
		Processor: ProcessorConfig{
			NotifyInterval:  250 * time.Millisecond,
			NotifyPerSecond: 20,
			NotifyBurst:     5,
		},
		Aggregator: AggregatorConfig{
			DepthWindow:  5,
			DepthLevels:  10,
			RecentWindow: 50,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Bookflow.Name == "" {
		return fmt.Errorf("bookflow.name is required")
	}
	if cfg.Bookflow.Version == "" {
		return fmt.Errorf("bookflow.version is required")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}
	if cfg.Channels.NotifyBuffer <= 0 {
		return fmt.Errorf("channels.notify_buffer must be greater than 0")
	}
	if cfg.Channels.SnapshotBuffer <= 0 {
		return fmt.Errorf("channels.snapshot_buffer must be greater than 0")
	}

	if len(cfg.Exchanges.Priority) == 0 {
		return fmt.Errorf("exchanges.priority is required")
	}
	seen := make(map[string]struct{}, len(cfg.Exchanges.Priority))
	for _, exchange := range cfg.Exchanges.Priority {
		if _, dup := seen[exchange]; dup {
			return fmt.Errorf("exchanges.priority lists %s twice", exchange)
		}
		seen[exchange] = struct{}{}
	}

	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("at least one symbol mapping is required")
	}
	for _, s := range cfg.Symbols {
		if s.Canonical == "" {
			return fmt.Errorf("symbol entry without canonical name")
		}
		for exchange := range s.Native {
			if _, ok := seen[exchange]; !ok {
				return fmt.Errorf("symbol %s maps unknown exchange %s", s.Canonical, exchange)
			}
		}
	}

	if cfg.Processor.NotifyInterval <= 0 {
		return fmt.Errorf("processor.notify_interval must be greater than 0")
	}
	if cfg.Aggregator.RecentWindow <= 0 {
		return fmt.Errorf("aggregator.recent_window must be greater than 0")
	}
	if cfg.Aggregator.DepthWindow <= 0 {
		return fmt.Errorf("aggregator.depth_window must be greater than 0")
	}

	for _, a := range cfg.Alerts {
		if a.Symbol == "" {
			return fmt.Errorf("alert entry without symbol")
		}
		if a.MinGap == "" {
			return fmt.Errorf("alert for %s without min_gap", a.Symbol)
		}
		if (a.BuyExchange == "") != (a.SellExchange == "") {
			return fmt.Errorf("alert for %s must set both buy_exchange and sell_exchange or neither", a.Symbol)
		}
	}

	if cfg.History.Enabled && cfg.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
