package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
bookflow:
  name: bookflow
  version: 1.0.0
exchanges:
  priority: [coinbase, binance]
symbols:
  - canonical: BTC-USD
    native:
      coinbase: BTC-USD
      binance: BTCUSDT
alerts:
  - symbol: BTC-USD
    min_gap: "25"
processor:
  notify_interval: 100ms
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Channels.EventBuffer != 4096 {
		t.Errorf("event_buffer default = %d", cfg.Channels.EventBuffer)
	}
	if cfg.Processor.NotifyInterval != 100*time.Millisecond {
		t.Errorf("notify_interval = %v", cfg.Processor.NotifyInterval)
	}
	if cfg.Aggregator.RecentWindow != 50 {
		t.Errorf("recent_window default = %d", cfg.Aggregator.RecentWindow)
	}
	if len(cfg.Symbols) != 1 || cfg.Symbols[0].Canonical != "BTC-USD" {
		t.Errorf("symbols = %+v", cfg.Symbols)
	}
}

func TestLoadConfigFeedSettings(t *testing.T) {
	yaml := validYAML + `
feeds:
  coinbase:
    enabled: true
    reconnect_max: 30
    read_limit_bytes: 1048576
`
	cfg, err := LoadConfig(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cb := cfg.Feeds.Coinbase
	if cb.ReconnectMax != 30 {
		t.Errorf("reconnect_max = %d, want attempt count 30", cb.ReconnectMax)
	}
	if cb.ReadLimitBytes != 1048576 {
		t.Errorf("read_limit_bytes = %d", cb.ReadLimitBytes)
	}

	// Absent means zero: the feed never gives up reconnecting.
	base, err := LoadConfig(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if base.Feeds.Coinbase.ReconnectMax != 0 {
		t.Errorf("reconnect_max default = %d, want 0", base.Feeds.Coinbase.ReconnectMax)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", `
bookflow:
  version: 1.0.0
exchanges:
  priority: [coinbase]
symbols:
  - canonical: BTC-USD
    native:
      coinbase: BTC-USD
`},
		{"no exchanges", `
bookflow:
  name: bookflow
  version: 1.0.0
symbols:
  - canonical: BTC-USD
    native:
      coinbase: BTC-USD
`},
		{"duplicate exchange", `
bookflow:
  name: bookflow
  version: 1.0.0
exchanges:
  priority: [coinbase, coinbase]
symbols:
  - canonical: BTC-USD
    native:
      coinbase: BTC-USD
`},
		{"symbol on unknown exchange", `
bookflow:
  name: bookflow
  version: 1.0.0
exchanges:
  priority: [coinbase]
symbols:
  - canonical: BTC-USD
    native:
      kraken: XBT/USD
`},
		{"one-sided alert direction", `
bookflow:
  name: bookflow
  version: 1.0.0
exchanges:
  priority: [coinbase, binance]
symbols:
  - canonical: BTC-USD
    native:
      coinbase: BTC-USD
alerts:
  - symbol: BTC-USD
    min_gap: "10"
    buy_exchange: binance
`},
		{"history without path", `
bookflow:
  name: bookflow
  version: 1.0.0
exchanges:
  priority: [coinbase]
symbols:
  - canonical: BTC-USD
    native:
      coinbase: BTC-USD
history:
  enabled: true
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.yaml)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestS3EnvOverrides(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "env-key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "env-secret")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("S3_BUCKET", "bookflow-archive")

	yaml := validYAML + `
storage:
  s3:
    enabled: true
    bucket: placeholder
    region: us-east-1
    access_key_id: file-key
    secret_access_key: file-secret
`
	cfg, err := LoadConfig(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	s3 := cfg.Storage.S3
	if s3.AccessKeyID != "env-key" || s3.SecretAccessKey != "env-secret" || s3.Region != "eu-west-1" || s3.Bucket != "bookflow-archive" {
		t.Fatalf("env overrides not applied: %+v", s3)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	valid := []string{"bookflow-archive", "abc", "a1.b2"}
	invalid := []string{"ab", "-bad", "bad-", "UPPER", "double..dot", ".lead", "trail."}
	for _, name := range valid {
		if !isValidS3Bucket(name) {
			t.Errorf("expected %q valid", name)
		}
	}
	for _, name := range invalid {
		if isValidS3Bucket(name) {
			t.Errorf("expected %q invalid", name)
		}
	}
}
