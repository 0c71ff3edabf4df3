package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	appconfig "bookflow/config"
	"bookflow/models"
)

func testStore(t *testing.T, maxRows int) *Store {
	t.Helper()
	cfg := &appconfig.Config{}
	cfg.History.Enabled = true
	cfg.History.Path = filepath.Join(t.TempDir(), "history.db")
	cfg.History.MaxRows = maxRows

	s, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func snap(symbol string, ts time.Time, gap string) models.AnalyticsSnapshot {
	bid := decimal.RequireFromString("100")
	ask := decimal.RequireFromString("101")
	spread := ask.Sub(bid)
	return models.AnalyticsSnapshot{
		ID:                    uuid.New().String(),
		Timestamp:             ts,
		Symbol:                symbol,
		GlobalBestBid:         &bid,
		GlobalBestBidExchange: "coinbase",
		GlobalBestAsk:         &ask,
		GlobalBestAskExchange: "binance",
		Spread:                &spread,
		Arbitrage: models.ArbitrageGap{
			Gap:    decimal.RequireFromString(gap),
			RawGap: decimal.RequireFromString(gap),
		},
	}
}

func TestAppendAndRecent(t *testing.T) {
	s := testStore(t, 0)
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := s.Append(snap("BTC-USD", base.Add(time.Duration(i)*time.Second), "1.5")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Append(snap("ETH-USD", base, "0")); err != nil {
		t.Fatalf("append: %v", err)
	}

	rows, err := s.Recent("BTC-USD", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows for BTC-USD, got %d", len(rows))
	}
	if !rows[0].Timestamp.Before(rows[1].Timestamp) || !rows[1].Timestamp.Before(rows[2].Timestamp) {
		t.Error("rows must be chronological, oldest first")
	}
	if rows[0].Gap != "1.5" || rows[0].BestBid != "100" || rows[0].Spread != "1" {
		t.Errorf("unexpected row content: %+v", rows[0])
	}
}

func TestRecentLimitKeepsNewest(t *testing.T) {
	s := testStore(t, 0)
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := 0; i < 5; i++ {
		if err := s.Append(snap("BTC-USD", base.Add(time.Duration(i)*time.Second), "1")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rows, err := s.Recent("BTC-USD", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if !rows[1].Timestamp.Equal(base.Add(4 * time.Second)) {
		t.Errorf("limit must keep the newest rows, last ts %v", rows[1].Timestamp)
	}
}

func TestClear(t *testing.T) {
	s := testStore(t, 0)
	now := time.Now().UTC()

	s.Append(snap("BTC-USD", now, "1"))
	s.Append(snap("ETH-USD", now, "1"))

	if err := s.Clear("BTC-USD"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	rows, _ := s.Recent("BTC-USD", 10)
	if len(rows) != 0 {
		t.Error("BTC-USD rows should be gone")
	}
	rows, _ = s.Recent("ETH-USD", 10)
	if len(rows) != 1 {
		t.Error("ETH-USD rows must survive a scoped clear")
	}

	if err := s.Clear(""); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	rows, _ = s.Recent("ETH-USD", 10)
	if len(rows) != 0 {
		t.Error("empty symbol clears everything")
	}
}

func TestPruneCapsRows(t *testing.T) {
	s := testStore(t, 10)
	base := time.Now().UTC()

	// The prune runs every 100 appends; write enough to cross it.
	for i := 0; i < 105; i++ {
		if err := s.Append(snap("BTC-USD", base.Add(time.Duration(i)*time.Millisecond), "1")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rows, err := s.Recent("BTC-USD", 1000)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) > 15 {
		t.Errorf("prune should cap rows near max, got %d", len(rows))
	}
}
