package book

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bookflow/models"
)

var (
	// ErrOutOfOrder marks a stale delta. The book is unchanged and the
	// caller can safely drop the event.
	ErrOutOfOrder = errors.New("delta sequence is stale")
	// ErrSequenceGap marks a missed update. The book keeps its levels but
	// is no longer synced; the caller must request a fresh snapshot.
	ErrSequenceGap = errors.New("delta sequence gap")
	// ErrCrossedBook marks a processing fault where best bid >= best ask
	// after a mutation. Never a market condition, always a missed update.
	ErrCrossedBook = errors.New("book is crossed")
	// ErrNotSynced is returned for deltas applied before any snapshot.
	ErrNotSynced = errors.New("book is not synced")
)

// OrderBook holds the bid/ask levels for one (exchange, canonical symbol)
// pair. Exactly one goroutine (the owning exchange consumer) mutates it;
// query methods are safe to call concurrently with that writer.
type OrderBook struct {
	exchange string
	symbol   string

	mu           sync.RWMutex
	bids         []models.PriceLevel // price descending
	asks         []models.PriceLevel // price ascending
	lastSequence int64
	lastUpdate   time.Time
	synced       bool

	depthWindow int
}

// New creates an uninitialized book. depthWindow bounds the imbalance
// computation to the top N levels per side.
func New(exchange, symbol string, depthWindow int) *OrderBook {
	if depthWindow <= 0 {
		depthWindow = 5
	}
	return &OrderBook{
		exchange:    exchange,
		symbol:      symbol,
		depthWindow: depthWindow,
	}
}

func (b *OrderBook) Exchange() string { return b.exchange }
func (b *OrderBook) Symbol() string   { return b.symbol }

// ApplySnapshot replaces both sides wholesale and marks the book synced.
// Re-applying the same sequence is a no-op resync, not an error. Zero or
// negative quantities are skipped, duplicate prices keep the last entry.
func (b *OrderBook) ApplySnapshot(bids, asks []models.PriceLevel, seq int64, ts time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.synced && seq == b.lastSequence {
		return nil
	}

	b.bids = normalizeSide(bids, true)
	b.asks = normalizeSide(asks, false)
	b.lastSequence = seq
	b.lastUpdate = ts
	b.synced = true

	if b.crossedLocked() {
		b.synced = false
		return ErrCrossedBook
	}
	return nil
}

// ApplyDelta upserts or removes (quantity zero) a single level at the next
// expected sequence. Stale sequences return ErrOutOfOrder with the book
// untouched; a gap returns ErrSequenceGap, keeps the levels and marks the
// book unsynced.
func (b *OrderBook) ApplyDelta(side models.Side, price, qty decimal.Decimal, seq int64, ts time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.synced {
		return ErrNotSynced
	}
	if seq <= b.lastSequence {
		return ErrOutOfOrder
	}
	if seq > b.lastSequence+1 {
		b.synced = false
		return ErrSequenceGap
	}

	switch side {
	case models.SideBid:
		b.bids = upsert(b.bids, price, qty, true)
	case models.SideAsk:
		b.asks = upsert(b.asks, price, qty, false)
	}
	b.lastSequence = seq
	b.lastUpdate = ts

	if b.crossedLocked() {
		b.synced = false
		return ErrCrossedBook
	}
	return nil
}

// Touch records feed liveness from a heartbeat without mutating levels.
func (b *OrderBook) Touch(ts time.Time) {
	b.mu.Lock()
	b.lastUpdate = ts
	b.mu.Unlock()
}

// Invalidate marks the book unsynced so deltas are rejected until the next
// snapshot. Levels are kept for read-only consumers.
func (b *OrderBook) Invalidate() {
	b.mu.Lock()
	b.synced = false
	b.mu.Unlock()
}

func (b *OrderBook) IsSynced() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.synced
}

func (b *OrderBook) LastSequence() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSequence
}

func (b *OrderBook) LastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}

// BestBid returns the top bid level, ok=false when the side is empty.
func (b *OrderBook) BestBid() (models.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 {
		return models.PriceLevel{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the top ask level, ok=false when the side is empty.
func (b *OrderBook) BestAsk() (models.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.asks) == 0 {
		return models.PriceLevel{}, false
	}
	return b.asks[0], true
}

// Top returns both best-of-book sides under one lock acquisition, so the
// pair is consistent even while the owning consumer keeps writing.
func (b *OrderBook) Top() models.BookTop {
	b.mu.RLock()
	defer b.mu.RUnlock()
	top := models.BookTop{
		Exchange:  b.exchange,
		Symbol:    b.symbol,
		Sequence:  b.lastSequence,
		UpdatedAt: b.lastUpdate,
	}
	if len(b.bids) > 0 {
		l := b.bids[0]
		top.BestBid = &l
	}
	if len(b.asks) > 0 {
		l := b.asks[0]
		top.BestAsk = &l
	}
	return top
}

// Depth returns up to n levels per side, best first, as copies.
func (b *OrderBook) Depth(n int) (bids, asks []models.PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 {
		return nil, nil
	}
	bids = copyLevels(b.bids, n)
	asks = copyLevels(b.asks, n)
	return bids, asks
}

// Counts reports the number of resting levels per side.
func (b *OrderBook) Counts() (bids, asks int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bids), len(b.asks)
}

// Walk simulates consuming target quantity from the best price outward
// without mutating the book. Walking asks prices a buy, walking bids prices
// a sell. Returns achieved quantity, the volume-weighted average price over
// the consumed levels and whether the target was fully filled.
func (b *OrderBook) Walk(side models.Side, target decimal.Decimal) (achieved, vwap decimal.Decimal, fullyFilled bool) {
	b.mu.RLock()
	levels := b.asks
	if side == models.SideBid {
		levels = b.bids
	}
	levels = copyLevels(levels, len(levels))
	b.mu.RUnlock()

	achieved = decimal.Zero
	notional := decimal.Zero
	if target.Sign() <= 0 {
		return achieved, decimal.Zero, true
	}

	for _, lvl := range levels {
		remain := target.Sub(achieved)
		if remain.Sign() <= 0 {
			break
		}
		take := lvl.Quantity
		if take.GreaterThan(remain) {
			take = remain
		}
		achieved = achieved.Add(take)
		notional = notional.Add(take.Mul(lvl.Price))
	}

	if achieved.Sign() > 0 {
		vwap = notional.Div(achieved)
	}
	return achieved, vwap, achieved.GreaterThanOrEqual(target)
}

// Imbalance is the bid share of displayed quantity within the top-N window,
// in [0,1]. ok=false when both sides are empty in the window.
func (b *OrderBook) Imbalance() (ratio float64, ok bool) {
	b.mu.RLock()
	bidVol := quantityTotal(b.bids, b.depthWindow)
	askVol := quantityTotal(b.asks, b.depthWindow)
	b.mu.RUnlock()

	total := bidVol.Add(askVol)
	if total.Sign() <= 0 {
		return 0, false
	}
	return bidVol.Div(total).InexactFloat64(), true
}

func (b *OrderBook) crossedLocked() bool {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return false
	}
	return b.bids[0].Price.GreaterThanOrEqual(b.asks[0].Price)
}

func quantityTotal(levels []models.PriceLevel, window int) decimal.Decimal {
	total := decimal.Zero
	for i, lvl := range levels {
		if i >= window {
			break
		}
		total = total.Add(lvl.Quantity)
	}
	return total
}

func copyLevels(levels []models.PriceLevel, n int) []models.PriceLevel {
	if n > len(levels) {
		n = len(levels)
	}
	out := make([]models.PriceLevel, n)
	copy(out, levels[:n])
	return out
}

// normalizeSide filters empty levels, keeps one quantity per price and sorts
// best-first (bids descending, asks ascending).
func normalizeSide(levels []models.PriceLevel, descending bool) []models.PriceLevel {
	byPrice := make(map[string]models.PriceLevel, len(levels))
	for _, lvl := range levels {
		if lvl.Quantity.Sign() <= 0 {
			continue
		}
		byPrice[lvl.Price.String()] = lvl
	}
	out := make([]models.PriceLevel, 0, len(byPrice))
	for _, lvl := range byPrice {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// upsert inserts, replaces or removes (qty zero) one level keeping the side
// sorted best-first.
func upsert(levels []models.PriceLevel, price, qty decimal.Decimal, descending bool) []models.PriceLevel {
	idx := sort.Search(len(levels), func(i int) bool {
		if descending {
			return levels[i].Price.LessThanOrEqual(price)
		}
		return levels[i].Price.GreaterThanOrEqual(price)
	})

	exists := idx < len(levels) && levels[idx].Price.Equal(price)
	switch {
	case qty.Sign() <= 0 && exists:
		return append(levels[:idx], levels[idx+1:]...)
	case qty.Sign() <= 0:
		return levels
	case exists:
		levels[idx].Quantity = qty
		return levels
	default:
		levels = append(levels, models.PriceLevel{})
		copy(levels[idx+1:], levels[idx:])
		levels[idx] = models.PriceLevel{Price: price, Quantity: qty}
		return levels
	}
}
