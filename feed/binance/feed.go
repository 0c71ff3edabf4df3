package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	gbinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	appconfig "bookflow/config"
	"bookflow/internal/channel"
	"bookflow/logger"
	"bookflow/models"
)

const maxBackoff = 30 * time.Second

// Feed streams the Binance partial book depth for each configured symbol.
// The stream pushes the top of book wholesale every tick, so every message
// becomes a snapshot event keyed by the exchange's lastUpdateId.
type Feed struct {
	config   *appconfig.Config
	channels *channel.Channels
	symbols  []string

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewFeed creates a feed for the given native symbols (e.g. BTCUSDT).
func NewFeed(cfg *appconfig.Config, ch *channel.Channels, symbols []string) *Feed {
	return &Feed{
		config:   cfg,
		channels: ch,
		symbols:  symbols,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("binance feed already running")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	gbinance.UseTestnet = f.config.Feeds.Binance.UseTestnet

	log := f.log.WithComponent("binance_feed").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"symbols": f.symbols,
		"levels":  f.depthLevels(),
	}).Info("starting binance feed")

	for _, symbol := range f.symbols {
		f.wg.Add(1)
		go f.streamSymbol(symbol)
	}

	log.Info("binance feed started successfully")
	return nil
}

func (f *Feed) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.log.WithComponent("binance_feed").Info("stopping binance feed")
	f.wg.Wait()
	f.log.WithComponent("binance_feed").Info("binance feed stopped")
}

// Resync is a no-op beyond logging: the partial depth stream replaces the
// whole book on its next tick, which satisfies the snapshot request.
func (f *Feed) Resync(req models.ResyncRequest) {
	f.log.WithComponent("binance_feed").WithFields(logger.Fields{
		"symbol": req.NativeSymbol,
		"reason": req.Reason,
	}).Debug("resync requested, next depth tick will satisfy it")
}

// The partial depth stream supports 5, 10 and 20 levels.
func (f *Feed) depthLevels() string {
	switch {
	case f.config.Feeds.Binance.DepthLevels <= 5:
		return "5"
	case f.config.Feeds.Binance.DepthLevels <= 10:
		return "10"
	default:
		return "20"
	}
}

func (f *Feed) streamSymbol(symbol string) {
	defer f.wg.Done()

	log := f.log.WithComponent("binance_feed").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "depth_stream",
	})

	backoff := time.Second
	for {
		if f.ctx.Err() != nil {
			return
		}

		handler := func(event *gbinance.WsPartialDepthEvent) {
			f.channels.SendEvent(f.ctx, toSnapshotEvent(event))
		}
		errHandler := func(err error) {
			if err != nil {
				log.WithError(err).Warn("websocket error")
			}
		}

		doneC, stopC, err := gbinance.WsPartialDepthServe100Ms(symbol, f.depthLevels(), handler, errHandler)
		if err != nil {
			log.WithError(err).Error("failed to subscribe to partial depth stream")
		} else {
			backoff = time.Second
			select {
			case <-f.ctx.Done():
				close(stopC)
				<-doneC
				return
			case <-doneC:
				log.Warn("depth stream ended, reconnecting")
			}
		}

		f.channels.SendEvent(f.ctx, models.Event{
			Kind:         models.EventFeedError,
			Exchange:     "binance",
			NativeSymbol: symbol,
			Timestamp:    time.Now().UTC(),
			Reason:       "depth stream disconnected",
		})

		select {
		case <-f.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// toSnapshotEvent converts one partial depth tick into a snapshot event.
// Unparseable levels are skipped; lastUpdateId orders ticks so stale ones
// land as idempotent repeats downstream.
func toSnapshotEvent(event *gbinance.WsPartialDepthEvent) models.Event {
	bids := make([]models.PriceLevel, 0, len(event.Bids))
	for _, b := range event.Bids {
		if level, ok := parseLevel(b.Price, b.Quantity); ok {
			bids = append(bids, level)
		}
	}
	asks := make([]models.PriceLevel, 0, len(event.Asks))
	for _, a := range event.Asks {
		if level, ok := parseLevel(a.Price, a.Quantity); ok {
			asks = append(asks, level)
		}
	}

	return models.Event{
		Kind:         models.EventSnapshot,
		Exchange:     "binance",
		NativeSymbol: event.Symbol,
		Sequence:     event.LastUpdateID,
		Timestamp:    time.Now().UTC(),
		Bids:         bids,
		Asks:         asks,
	}
}

func parseLevel(price, qty string) (models.PriceLevel, bool) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return models.PriceLevel{}, false
	}
	q, err := decimal.NewFromString(qty)
	if err != nil || !q.IsPositive() {
		return models.PriceLevel{}, false
	}
	return models.PriceLevel{Price: p, Quantity: q}, true
}

// NativeSymbol converts a canonical pair like BTC-USD to the Binance
// spelling. USD pairs trade against USDT there.
func NativeSymbol(canonical string) string {
	s := strings.ToUpper(strings.ReplaceAll(canonical, "-", ""))
	if strings.HasSuffix(s, "USD") {
		s += "T"
	}
	return s
}
