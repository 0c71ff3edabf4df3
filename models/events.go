package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies which half of the book an entry belongs to.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// EventKind enumerates the normalized feed message types. The set is closed:
// the processor matches it exhaustively and treats anything else as a bug.
type EventKind int

const (
	EventSnapshot EventKind = iota + 1
	EventDelta
	EventHeartbeat
	EventFeedError
)

func (k EventKind) String() string {
	switch k {
	case EventSnapshot:
		return "snapshot"
	case EventDelta:
		return "delta"
	case EventHeartbeat:
		return "heartbeat"
	case EventFeedError:
		return "feed_error"
	default:
		return "unknown"
	}
}

// PriceLevel is a single resting level. Quantity zero means removal.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Event is a normalized exchange message, independent of wire format.
// Snapshot events carry Bids/Asks; Delta events carry Side/Price/Quantity for
// exactly one level; FeedError carries Reason. Sequence numbers are dense per
// (exchange, symbol) session: a snapshot re-bases, each delta is expected at
// lastSequence+1.
type Event struct {
	Kind         EventKind
	Exchange     string
	NativeSymbol string
	Sequence     int64
	Timestamp    time.Time

	Bids []PriceLevel
	Asks []PriceLevel

	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal

	Reason string
}

// ResyncRequest asks the owning feed to re-announce a symbol with a fresh
// snapshot after a gap or crossed-book fault.
type ResyncRequest struct {
	Exchange     string    `json:"exchange"`
	NativeSymbol string    `json:"native_symbol"`
	Canonical    string    `json:"canonical"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}
