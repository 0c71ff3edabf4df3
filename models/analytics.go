package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookTop is one book's best-of-book view taken under a single lock, so the
// two sides are mutually consistent.
type BookTop struct {
	Exchange  string      `json:"exchange"`
	Symbol    string      `json:"symbol"`
	BestBid   *PriceLevel `json:"best_bid,omitempty"`
	BestAsk   *PriceLevel `json:"best_ask,omitempty"`
	Sequence  int64       `json:"sequence"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Quote is a best bid/ask pair from one exchange. Missing sides stay nil so
// consumers can tell "no value" apart from zero.
type Quote struct {
	Exchange string           `json:"exchange"`
	BestBid  *decimal.Decimal `json:"best_bid,omitempty"`
	BestAsk  *decimal.Decimal `json:"best_ask,omitempty"`
}

// VWAPEstimate is the result of walking one side of a book for a target size.
type VWAPEstimate struct {
	Exchange    string          `json:"exchange"`
	Side        Side            `json:"side"`
	TargetQty   decimal.Decimal `json:"target_qty"`
	AchievedQty decimal.Decimal `json:"achieved_qty"`
	VWAP        decimal.Decimal `json:"vwap"`
	FullyFilled bool            `json:"fully_filled"`
}

// ArbitrageGap is the profitable cross-exchange price difference at current
// best prices. Direction names the venue to buy on and the venue to sell on;
// Gap is zero when neither ordering is profitable. RawGap keeps the signed
// priority-bid minus other-ask reading for trend analysis.
type ArbitrageGap struct {
	BuyExchange  string          `json:"buy_exchange,omitempty"`
	SellExchange string          `json:"sell_exchange,omitempty"`
	Gap          decimal.Decimal `json:"gap"`
	RawGap       decimal.Decimal `json:"raw_gap"`
}

// AnalyticsSnapshot is the immutable record produced on each aggregation
// cycle. It is handed by value to the history sink, the archiver and the
// dashboard; the engine keeps no history beyond the bounded recent window.
type AnalyticsSnapshot struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`

	Quotes []Quote `json:"quotes"`

	GlobalBestBid         *decimal.Decimal `json:"global_best_bid,omitempty"`
	GlobalBestBidExchange string           `json:"global_best_bid_exchange,omitempty"`
	GlobalBestAsk         *decimal.Decimal `json:"global_best_ask,omitempty"`
	GlobalBestAskExchange string           `json:"global_best_ask_exchange,omitempty"`
	Spread                *decimal.Decimal `json:"spread,omitempty"`
	MidPrice              *decimal.Decimal `json:"mid_price,omitempty"`

	Arbitrage ArbitrageGap   `json:"arbitrage"`
	VWAP      []VWAPEstimate `json:"vwap,omitempty"`

	// ImbalanceByExchange maps exchange to the bid share of displayed
	// quantity in [0,1] within the configured top-N window. Exchanges with
	// an empty book are absent.
	ImbalanceByExchange map[string]float64 `json:"imbalance_by_exchange,omitempty"`
}

// Quote returns the per-exchange quote for the named exchange, if present.
func (s AnalyticsSnapshot) Quote(exchange string) (Quote, bool) {
	for _, q := range s.Quotes {
		if q.Exchange == exchange {
			return q, true
		}
	}
	return Quote{}, false
}

// AlertState reports one threshold evaluation. Evaluation never fails: a
// symbol without data simply yields Active=false.
type AlertState struct {
	Symbol      string          `json:"symbol"`
	Active      bool            `json:"active"`
	Gap         decimal.Decimal `json:"gap"`
	Threshold   string          `json:"threshold"`
	EvaluatedAt time.Time       `json:"evaluated_at"`
}
