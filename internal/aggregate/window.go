package aggregate

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// GapReading is one arbitrage gap observation kept for trend consumers.
type GapReading struct {
	Timestamp    time.Time       `json:"timestamp"`
	Gap          decimal.Decimal `json:"gap"`
	RawGap       decimal.Decimal `json:"raw_gap"`
	BuyExchange  string          `json:"buy_exchange,omitempty"`
	SellExchange string          `json:"sell_exchange,omitempty"`
}

// Window is a bounded FIFO of gap readings. Pushing at capacity evicts the
// oldest reading, so memory stays constant regardless of uptime.
type Window struct {
	mu       sync.Mutex
	capacity int
	readings []GapReading
}

func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{capacity: capacity}
}

func (w *Window) Push(r GapReading) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.readings) == w.capacity {
		copy(w.readings, w.readings[1:])
		w.readings[len(w.readings)-1] = r
		return
	}
	w.readings = append(w.readings, r)
}

// Readings returns a chronological copy, oldest first.
func (w *Window) Readings() []GapReading {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]GapReading, len(w.readings))
	copy(out, w.readings)
	return out
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.readings)
}
