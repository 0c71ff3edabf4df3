package processor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	appconfig "bookflow/config"
	"bookflow/internal/channel"
	"bookflow/internal/symbols"
	"bookflow/models"
)

func testConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Exchanges.Priority = []string{"coinbase", "binance"}
	cfg.Symbols = []appconfig.SymbolConfig{
		{Canonical: "BTC-USD", Native: map[string]string{"coinbase": "BTC-USD", "binance": "BTCUSDT"}},
		{Canonical: "ETH-USD", Native: map[string]string{"coinbase": "ETH-USD"}},
	}
	cfg.Processor.NotifyInterval = 10 * time.Millisecond
	cfg.Processor.NotifyPerSecond = 1000
	cfg.Processor.NotifyBurst = 1000
	cfg.Aggregator.DepthWindow = 5
	return cfg
}

func testSymbols(t *testing.T, cfg *appconfig.Config) *symbols.Map {
	t.Helper()
	entries := make([]symbols.Entry, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		entries = append(entries, symbols.Entry{Canonical: s.Canonical, Native: s.Native})
	}
	m, err := symbols.NewMap(entries)
	if err != nil {
		t.Fatalf("building symbol map: %v", err)
	}
	return m
}

func startProcessor(t *testing.T, cfg *appconfig.Config) (*Processor, *channel.Channels, context.CancelFunc) {
	t.Helper()
	ch := channel.NewChannels(cfg.Exchanges.Priority, 64, 16, 64)
	p := NewProcessor(cfg, ch, testSymbols(t, cfg))
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("starting processor: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		p.Stop()
	})
	return p, ch, cancel
}

func snapshotEvent(seq int64) models.Event {
	return models.Event{
		Kind:         models.EventSnapshot,
		Exchange:     "coinbase",
		NativeSymbol: "BTC-USD",
		Sequence:     seq,
		Timestamp:    time.Now(),
		Bids: []models.PriceLevel{
			{Price: decimal.RequireFromString("100"), Quantity: decimal.RequireFromString("2")},
			{Price: decimal.RequireFromString("99"), Quantity: decimal.RequireFromString("1")},
		},
		Asks: []models.PriceLevel{
			{Price: decimal.RequireFromString("101"), Quantity: decimal.RequireFromString("3")},
		},
	}
}

func deltaEvent(seq int64, side models.Side, price, qty string) models.Event {
	return models.Event{
		Kind:         models.EventDelta,
		Exchange:     "coinbase",
		NativeSymbol: "BTC-USD",
		Sequence:     seq,
		Timestamp:    time.Now(),
		Side:         side,
		Price:        decimal.RequireFromString(price),
		Quantity:     decimal.RequireFromString(qty),
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBooksBuiltFromSymbolTable(t *testing.T) {
	cfg := testConfig()
	ch := channel.NewChannels(cfg.Exchanges.Priority, 4, 4, 4)
	p := NewProcessor(cfg, ch, testSymbols(t, cfg))

	if _, ok := p.Book("coinbase", "BTC-USD"); !ok {
		t.Error("expected coinbase BTC-USD book")
	}
	if _, ok := p.Book("binance", "BTC-USD"); !ok {
		t.Error("expected binance BTC-USD book")
	}
	if _, ok := p.Book("binance", "ETH-USD"); ok {
		t.Error("binance has no ETH-USD spelling, book should not exist")
	}
	if got := len(p.Books("BTC-USD")); got != 2 {
		t.Errorf("expected 2 BTC-USD books, got %d", got)
	}
	if books := p.Books("BTC-USD"); books[0].Exchange() != "coinbase" {
		t.Errorf("expected priority order, first book from %s", books[0].Exchange())
	}
}

func TestSnapshotThenDelta(t *testing.T) {
	cfg := testConfig()
	p, ch, _ := startProcessor(t, cfg)
	ctx := context.Background()

	ch.SendEvent(ctx, snapshotEvent(10))
	ch.SendEvent(ctx, deltaEvent(11, models.SideBid, "100.5", "1"))

	b, _ := p.Book("coinbase", "BTC-USD")
	waitFor(t, func() bool {
		best, ok := b.BestBid()
		return ok && best.Price.Equal(decimal.RequireFromString("100.5"))
	}, "delta never applied on top of snapshot")

	select {
	case sym := <-ch.Notify:
		if sym != "BTC-USD" {
			t.Errorf("expected notification for BTC-USD, got %s", sym)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification emitted")
	}
}

func TestDeltaBeforeSnapshotDropped(t *testing.T) {
	cfg := testConfig()
	p, ch, _ := startProcessor(t, cfg)
	ctx := context.Background()

	ch.SendEvent(ctx, deltaEvent(5, models.SideBid, "100", "1"))

	b, _ := p.Book("coinbase", "BTC-USD")
	time.Sleep(50 * time.Millisecond)
	if b.IsSynced() {
		t.Error("book should stay unsynced")
	}
	if _, ok := b.BestBid(); ok {
		t.Error("book should be empty")
	}
	select {
	case req := <-ch.Resync:
		t.Errorf("unexpected resync request: %+v", req)
	default:
	}
}

func TestSequenceGapEmitsResync(t *testing.T) {
	cfg := testConfig()
	p, ch, _ := startProcessor(t, cfg)
	ctx := context.Background()

	ch.SendEvent(ctx, snapshotEvent(10))
	ch.SendEvent(ctx, deltaEvent(15, models.SideBid, "100.5", "1"))

	select {
	case req := <-ch.Resync:
		if req.Exchange != "coinbase" || req.Canonical != "BTC-USD" {
			t.Errorf("unexpected resync target: %+v", req)
		}
		if req.Reason == "" {
			t.Error("expected a reason on the resync request")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no resync request after sequence gap")
	}

	b, _ := p.Book("coinbase", "BTC-USD")
	if b.IsSynced() {
		t.Error("book should be unsynced after gap")
	}
	best, ok := b.BestBid()
	if !ok || !best.Price.Equal(decimal.RequireFromString("100")) {
		t.Error("gap delta must not mutate the book")
	}
}

func TestStaleDeltaIgnoredSilently(t *testing.T) {
	cfg := testConfig()
	p, ch, _ := startProcessor(t, cfg)
	ctx := context.Background()

	ch.SendEvent(ctx, snapshotEvent(10))
	ch.SendEvent(ctx, deltaEvent(10, models.SideBid, "42", "42"))

	b, _ := p.Book("coinbase", "BTC-USD")
	waitFor(t, func() bool { return b.IsSynced() }, "snapshot never applied")
	time.Sleep(50 * time.Millisecond)

	best, _ := b.BestBid()
	if !best.Price.Equal(decimal.RequireFromString("100")) {
		t.Error("stale delta must not mutate the book")
	}
	select {
	case req := <-ch.Resync:
		t.Errorf("stale delta triggered resync: %+v", req)
	default:
	}
}

func TestFeedErrorInvalidatesBook(t *testing.T) {
	cfg := testConfig()
	p, ch, _ := startProcessor(t, cfg)
	ctx := context.Background()

	ch.SendEvent(ctx, snapshotEvent(10))
	b, _ := p.Book("coinbase", "BTC-USD")
	waitFor(t, func() bool { return b.IsSynced() }, "snapshot never applied")

	ch.SendEvent(ctx, models.Event{
		Kind:         models.EventFeedError,
		Exchange:     "coinbase",
		NativeSymbol: "BTC-USD",
		Timestamp:    time.Now(),
		Reason:       "websocket reconnect",
	})

	select {
	case req := <-ch.Resync:
		if req.Reason != "websocket reconnect" {
			t.Errorf("unexpected reason %q", req.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no resync request after feed error")
	}
	if b.IsSynced() {
		t.Error("book should be invalidated")
	}
}

func TestHeartbeatTouchesBook(t *testing.T) {
	cfg := testConfig()
	p, ch, _ := startProcessor(t, cfg)
	ctx := context.Background()

	ch.SendEvent(ctx, snapshotEvent(10))
	b, _ := p.Book("coinbase", "BTC-USD")
	waitFor(t, func() bool { return b.IsSynced() }, "snapshot never applied")

	ts := time.Now().Add(time.Minute)
	ch.SendEvent(ctx, models.Event{
		Kind:         models.EventHeartbeat,
		Exchange:     "coinbase",
		NativeSymbol: "BTC-USD",
		Timestamp:    ts,
	})

	waitFor(t, func() bool { return b.LastUpdate().Equal(ts) }, "heartbeat never touched book")
	if b.LastSequence() != 10 {
		t.Error("heartbeat must not advance the sequence")
	}
}

func TestUnknownSymbolDropped(t *testing.T) {
	cfg := testConfig()
	_, ch, _ := startProcessor(t, cfg)
	ctx := context.Background()

	ev := snapshotEvent(1)
	ev.NativeSymbol = "DOGE-USD"
	ch.SendEvent(ctx, ev)

	time.Sleep(50 * time.Millisecond)
	select {
	case req := <-ch.Resync:
		t.Errorf("unknown symbol triggered resync: %+v", req)
	default:
	}
}

func TestNotifyCoalescing(t *testing.T) {
	cfg := testConfig()
	cfg.Processor.NotifyPerSecond = 0.001
	cfg.Processor.NotifyBurst = 1
	_, ch, _ := startProcessor(t, cfg)
	ctx := context.Background()

	ch.SendEvent(ctx, snapshotEvent(10))
	for i := int64(11); i <= 30; i++ {
		ch.SendEvent(ctx, deltaEvent(i, models.SideBid, "100", "5"))
	}

	// 21 mutations with the limiter near-exhausted must collapse into far
	// fewer notifications: one immediate plus the coalesced flushes.
	time.Sleep(200 * time.Millisecond)
	count := 0
	for {
		select {
		case <-ch.Notify:
			count++
			continue
		default:
		}
		break
	}
	if count == 0 {
		t.Fatal("expected at least one notification")
	}
	if count > 5 {
		t.Errorf("expected coalesced notifications, got %d", count)
	}
}
