package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	appconfig "bookflow/config"
	"bookflow/internal/book"
	"bookflow/internal/channel"
	"bookflow/logger"
	"bookflow/models"
)

// BookSource provides the books tracking one canonical symbol, in exchange
// priority order. The processor satisfies it.
type BookSource interface {
	Books(canonical string) []*book.OrderBook
}

// Threshold is one arbitrage alert rule. MinGap is in quote currency, or a
// percentage of the buy price when Percent is set. Empty exchanges mean any
// profitable direction triggers.
type Threshold struct {
	MinGap       decimal.Decimal
	Percent      bool
	BuyExchange  string
	SellExchange string
}

// Aggregator derives cross-exchange analytics for each coalesced book
// notification and fans the resulting snapshots out to the configured sinks.
type Aggregator struct {
	config *appconfig.Config
	books  BookSource
	ch     *channel.Channels
	log    *logger.Log

	vwapSizes []decimal.Decimal

	thresholdMu sync.RWMutex
	thresholds  map[string]Threshold

	alertMu sync.RWMutex
	alerts  map[string]models.AlertState

	windowMu sync.Mutex
	windows  map[string]*Window

	sinkMu sync.Mutex
	sinks  []chan<- models.AnalyticsSnapshot

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

func NewAggregator(cfg *appconfig.Config, books BookSource, ch *channel.Channels) *Aggregator {
	log := logger.GetLogger()

	sizes := make([]decimal.Decimal, 0, len(cfg.Aggregator.VWAPSizes))
	for _, s := range cfg.Aggregator.VWAPSizes {
		d, err := decimal.NewFromString(s)
		if err != nil || !d.IsPositive() {
			log.WithComponent("aggregator").WithFields(logger.Fields{"size": s}).Warn("invalid vwap size ignored")
			continue
		}
		sizes = append(sizes, d)
	}

	thresholds := make(map[string]Threshold, len(cfg.Alerts))
	for _, a := range cfg.Alerts {
		min, err := decimal.NewFromString(a.MinGap)
		if err != nil {
			log.WithComponent("aggregator").WithFields(logger.Fields{"symbol": a.Symbol, "min_gap": a.MinGap}).Warn("invalid alert threshold ignored")
			continue
		}
		thresholds[a.Symbol] = Threshold{
			MinGap:       min,
			Percent:      a.Percent,
			BuyExchange:  a.BuyExchange,
			SellExchange: a.SellExchange,
		}
	}

	return &Aggregator{
		config:     cfg,
		books:      books,
		ch:         ch,
		log:        log,
		vwapSizes:  sizes,
		thresholds: thresholds,
		alerts:     make(map[string]models.AlertState),
		windows:    make(map[string]*Window),
		wg:         &sync.WaitGroup{},
	}
}

// AddSink registers an output channel for snapshots. Sends are non-blocking;
// a full sink drops the snapshot for that consumer only. Register sinks
// before Start.
func (a *Aggregator) AddSink(sink chan<- models.AnalyticsSnapshot) {
	a.sinkMu.Lock()
	a.sinks = append(a.sinks, sink)
	a.sinkMu.Unlock()
}

func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("aggregator already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	a.log.WithComponent("aggregator").WithFields(logger.Fields{
		"vwap_sizes": len(a.vwapSizes),
		"alerts":     len(a.thresholds),
	}).Info("starting aggregator")

	a.wg.Add(1)
	go a.run()

	return nil
}

func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.log.WithComponent("aggregator").Info("stopping aggregator")
	a.wg.Wait()
	a.log.WithComponent("aggregator").Info("aggregator stopped")
}

func (a *Aggregator) run() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case canonical, ok := <-a.ch.Notify:
			if !ok {
				return
			}
			snap := a.Aggregate(canonical)
			a.EvaluateAlerts(snap)
			logger.IncrementSnapshotsEmitted()
			a.emit(snap)
		}
	}
}

func (a *Aggregator) emit(snap models.AnalyticsSnapshot) {
	a.sinkMu.Lock()
	sinks := a.sinks
	a.sinkMu.Unlock()

	for _, sink := range sinks {
		select {
		case sink <- snap:
		default:
			a.log.WithComponent("aggregator").WithFields(logger.Fields{
				"symbol": snap.Symbol,
			}).Warn("snapshot sink full, dropping")
		}
	}
}

// Aggregate computes the cross-exchange view for one canonical symbol from
// whatever books are currently synced. Missing data yields nil fields, never
// an error.
func (a *Aggregator) Aggregate(canonical string) models.AnalyticsSnapshot {
	snap := models.AnalyticsSnapshot{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Symbol:    canonical,
	}

	books := a.books.Books(canonical)
	imbalance := make(map[string]float64)
	quotes := make([]quoted, 0, len(books))

	for _, b := range books {
		if !b.IsSynced() {
			continue
		}
		q := quoted{exchange: b.Exchange()}
		if best, ok := b.BestBid(); ok {
			p := best.Price
			q.bid = &p
		}
		if best, ok := b.BestAsk(); ok {
			p := best.Price
			q.ask = &p
		}
		quotes = append(quotes, q)
		snap.Quotes = append(snap.Quotes, models.Quote{Exchange: q.exchange, BestBid: q.bid, BestAsk: q.ask})

		if ratio, ok := b.Imbalance(); ok {
			imbalance[b.Exchange()] = ratio
		}

		for _, size := range a.vwapSizes {
			for _, side := range []models.Side{models.SideBid, models.SideAsk} {
				achieved, vwap, filled := b.Walk(side, size)
				if achieved.IsZero() {
					continue
				}
				snap.VWAP = append(snap.VWAP, models.VWAPEstimate{
					Exchange:    b.Exchange(),
					Side:        side,
					TargetQty:   size,
					AchievedQty: achieved,
					VWAP:        vwap,
					FullyFilled: filled,
				})
			}
		}
	}
	if len(imbalance) > 0 {
		snap.ImbalanceByExchange = imbalance
	}

	// Global best bid is the maximum across exchanges; quotes iterate in
	// priority order, so a strict comparison resolves ties to the higher
	// priority venue. Asks mirror with the minimum.
	for _, q := range quotes {
		if q.bid != nil && (snap.GlobalBestBid == nil || q.bid.GreaterThan(*snap.GlobalBestBid)) {
			snap.GlobalBestBid = q.bid
			snap.GlobalBestBidExchange = q.exchange
		}
		if q.ask != nil && (snap.GlobalBestAsk == nil || q.ask.LessThan(*snap.GlobalBestAsk)) {
			snap.GlobalBestAsk = q.ask
			snap.GlobalBestAskExchange = q.exchange
		}
	}

	if snap.GlobalBestBid != nil && snap.GlobalBestAsk != nil {
		spread := snap.GlobalBestAsk.Sub(*snap.GlobalBestBid)
		snap.Spread = &spread
		mid := snap.GlobalBestBid.Add(*snap.GlobalBestAsk).Div(decimal.NewFromInt(2))
		snap.MidPrice = &mid
	}

	snap.Arbitrage = a.arbitrage(snap, quoteLookup(quotes))

	a.window(canonical).Push(GapReading{
		Timestamp:    snap.Timestamp,
		Gap:          snap.Arbitrage.Gap,
		RawGap:       snap.Arbitrage.RawGap,
		BuyExchange:  snap.Arbitrage.BuyExchange,
		SellExchange: snap.Arbitrage.SellExchange,
	})

	return snap
}

type quoted struct {
	exchange string
	bid, ask *decimal.Decimal
}

type sideByExchange struct {
	bids map[string]decimal.Decimal
	asks map[string]decimal.Decimal
	ord  []string
}

func quoteLookup(quotes []quoted) sideByExchange {
	s := sideByExchange{
		bids: make(map[string]decimal.Decimal),
		asks: make(map[string]decimal.Decimal),
	}
	for _, q := range quotes {
		s.ord = append(s.ord, q.exchange)
		if q.bid != nil {
			s.bids[q.exchange] = *q.bid
		}
		if q.ask != nil {
			s.asks[q.exchange] = *q.ask
		}
	}
	return s
}

// arbitrage reports the profitable cross-venue price difference at current
// bests, plus the signed raw gap between the priority venue's bid and the
// cheapest ask elsewhere.
func (a *Aggregator) arbitrage(snap models.AnalyticsSnapshot, q sideByExchange) models.ArbitrageGap {
	gap := models.ArbitrageGap{Gap: decimal.Zero, RawGap: decimal.Zero}

	if snap.GlobalBestBid != nil && snap.GlobalBestAsk != nil &&
		snap.GlobalBestBidExchange != snap.GlobalBestAskExchange &&
		snap.GlobalBestBid.GreaterThan(*snap.GlobalBestAsk) {
		gap.Gap = snap.GlobalBestBid.Sub(*snap.GlobalBestAsk)
		gap.BuyExchange = snap.GlobalBestAskExchange
		gap.SellExchange = snap.GlobalBestBidExchange
	}

	// Raw gap: sell at the priority venue's bid, buy at the cheapest ask on
	// any other venue. Signed, so trend consumers see negative readings too.
	for _, priority := range q.ord {
		bid, ok := q.bids[priority]
		if !ok {
			continue
		}
		var other *decimal.Decimal
		for _, exchange := range q.ord {
			if exchange == priority {
				continue
			}
			ask, ok := q.asks[exchange]
			if !ok {
				continue
			}
			if other == nil || ask.LessThan(*other) {
				ask := ask
				other = &ask
			}
		}
		if other != nil {
			gap.RawGap = bid.Sub(*other)
		}
		break
	}

	return gap
}

func (a *Aggregator) window(canonical string) *Window {
	a.windowMu.Lock()
	defer a.windowMu.Unlock()
	w, ok := a.windows[canonical]
	if !ok {
		w = NewWindow(a.config.Aggregator.RecentWindow)
		a.windows[canonical] = w
	}
	return w
}

// Recent returns the bounded gap history for one symbol, oldest first.
func (a *Aggregator) Recent(canonical string) []GapReading {
	return a.window(canonical).Readings()
}

// UpdateThreshold replaces the alert rule for one symbol at runtime.
func (a *Aggregator) UpdateThreshold(symbol string, t Threshold) {
	a.thresholdMu.Lock()
	a.thresholds[symbol] = t
	a.thresholdMu.Unlock()
	a.log.WithComponent("aggregator").WithFields(logger.Fields{
		"symbol":  symbol,
		"min_gap": t.MinGap.String(),
		"percent": t.Percent,
	}).Info("alert threshold updated")
}

// EvaluateAlerts checks the snapshot against the symbol's threshold, records
// the result and returns it. Symbols without a rule, or without enough data,
// yield an inactive state; evaluation never errors.
func (a *Aggregator) EvaluateAlerts(snap models.AnalyticsSnapshot) models.AlertState {
	state := models.AlertState{
		Symbol:      snap.Symbol,
		Gap:         snap.Arbitrage.Gap,
		EvaluatedAt: snap.Timestamp,
	}

	a.thresholdMu.RLock()
	rule, ok := a.thresholds[snap.Symbol]
	a.thresholdMu.RUnlock()

	if ok {
		state.Threshold = rule.MinGap.String()
		if rule.Percent {
			state.Threshold += "%"
		}
		state.Active = a.triggered(snap, rule)
	}

	a.alertMu.Lock()
	a.alerts[snap.Symbol] = state
	a.alertMu.Unlock()

	if state.Active {
		a.log.WithComponent("aggregator").WithFields(logger.Fields{
			"symbol":        snap.Symbol,
			"gap":           snap.Arbitrage.Gap.String(),
			"buy_exchange":  snap.Arbitrage.BuyExchange,
			"sell_exchange": snap.Arbitrage.SellExchange,
			"threshold":     state.Threshold,
		}).Warn("arbitrage alert active")
	}

	return state
}

func (a *Aggregator) triggered(snap models.AnalyticsSnapshot, rule Threshold) bool {
	arb := snap.Arbitrage
	if !arb.Gap.IsPositive() {
		return false
	}
	if rule.BuyExchange != "" && arb.BuyExchange != rule.BuyExchange {
		return false
	}
	if rule.SellExchange != "" && arb.SellExchange != rule.SellExchange {
		return false
	}

	value := arb.Gap
	if rule.Percent {
		buy, ok := buyPrice(snap)
		if !ok {
			return false
		}
		value = arb.Gap.Div(buy).Mul(decimal.NewFromInt(100))
	}
	return value.GreaterThanOrEqual(rule.MinGap)
}

func buyPrice(snap models.AnalyticsSnapshot) (decimal.Decimal, bool) {
	if snap.GlobalBestAsk == nil || snap.GlobalBestAsk.IsZero() {
		return decimal.Zero, false
	}
	return *snap.GlobalBestAsk, true
}

// AlertStates returns the most recent evaluation per symbol.
func (a *Aggregator) AlertStates() []models.AlertState {
	a.alertMu.RLock()
	defer a.alertMu.RUnlock()
	out := make([]models.AlertState, 0, len(a.alerts))
	for _, s := range a.alerts {
		out = append(out, s)
	}
	return out
}
