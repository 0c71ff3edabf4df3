package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	appconfig "bookflow/config"
	"bookflow/internal/channel"
	"bookflow/logger"
	"bookflow/models"
)

const (
	defaultURL       = "wss://advanced-trade-ws.coinbase.com"
	defaultReadLimit = 10 * 1024 * 1024
	maxBackoff       = 30 * time.Second
)

// wire structures for the Advanced Trade level2 channel.
type wsMessage struct {
	Channel     string    `json:"channel"`
	Timestamp   time.Time `json:"timestamp"`
	SequenceNum int64     `json:"sequence_num"`
	Events      []wsEvent `json:"events"`
}

type wsEvent struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Updates   []wsUpdate `json:"updates"`
}

type wsUpdate struct {
	Side        string `json:"side"`
	PriceLevel  string `json:"price_level"`
	NewQuantity string `json:"new_quantity"`
}

type subscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channel    string   `json:"channel"`
}

// Feed subscribes to the Coinbase level2 channel and turns wire messages into
// normalized events. One level change becomes one delta event carrying a
// dense per-product sequence, so the books downstream can detect gaps.
type Feed struct {
	config   *appconfig.Config
	channels *channel.Channels
	products []string

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	connMu sync.Mutex
	conn   *websocket.Conn

	// seq holds the engine sequence per product; lastSeqNum tracks the
	// exchange's per-connection message counter for discontinuity checks.
	seq        map[string]int64
	lastSeqNum int64
}

// NewFeed creates a feed for the given native product ids.
func NewFeed(cfg *appconfig.Config, ch *channel.Channels, products []string) *Feed {
	return &Feed{
		config:   cfg,
		channels: ch,
		products: products,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		seq:      make(map[string]int64),
	}
}

func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("coinbase feed already running")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	log := f.log.WithComponent("coinbase_feed").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"products": f.products}).Info("starting coinbase feed")

	f.wg.Add(1)
	go f.run()

	log.Info("coinbase feed started successfully")
	return nil
}

func (f *Feed) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.closeConn()
	f.log.WithComponent("coinbase_feed").Info("stopping coinbase feed")
	f.wg.Wait()
	f.log.WithComponent("coinbase_feed").Info("coinbase feed stopped")
}

func (f *Feed) run() {
	defer f.wg.Done()

	log := f.log.WithComponent("coinbase_feed").WithFields(logger.Fields{"worker": "stream"})
	backoff := time.Second
	attempts := 0

	for {
		if f.ctx.Err() != nil {
			return
		}

		if err := f.streamOnce(log); err != nil {
			log.WithError(err).Warn("websocket session ended")
		}
		f.emitFeedError("websocket disconnected")

		attempts++
		if max := f.config.Feeds.Coinbase.ReconnectMax; max > 0 && attempts >= max {
			log.WithFields(logger.Fields{"attempts": attempts}).Error("reconnect limit reached, feed giving up")
			return
		}

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

func (f *Feed) streamOnce(log *logger.Entry) error {
	url := f.config.Feeds.Coinbase.URL
	if url == "" {
		url = defaultURL
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(f.ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", url, err)
	}

	limit := f.config.Feeds.Coinbase.ReadLimitBytes
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)

	f.connMu.Lock()
	f.conn = conn
	f.lastSeqNum = 0
	f.connMu.Unlock()
	defer f.closeConn()

	for _, ch := range []string{"level2", "heartbeats"} {
		if err := f.writeJSON(subscribeRequest{Type: "subscribe", ProductIDs: f.products, Channel: ch}); err != nil {
			return fmt.Errorf("subscribing to %s: %w", ch, err)
		}
	}
	log.WithFields(logger.Fields{"url": url}).Info("subscribed to level2 channel")

	for {
		if f.ctx.Err() != nil {
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleRaw(raw, log)
	}
}

func (f *Feed) handleRaw(raw []byte, log *logger.Entry) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.WithError(err).Warn("skipping unparseable message")
		return
	}

	for _, ev := range f.toEvents(msg) {
		f.channels.SendEvent(f.ctx, ev)
	}
}

// toEvents converts one wire message into normalized events. Snapshot events
// reset the product's engine sequence; update events advance it by one per
// level change. A jump in the exchange's own message counter yields a feed
// error so the affected books resync.
func (f *Feed) toEvents(msg wsMessage) []models.Event {
	var out []models.Event

	switch msg.Channel {
	case "heartbeats":
		for _, product := range f.products {
			out = append(out, models.Event{
				Kind:         models.EventHeartbeat,
				Exchange:     "coinbase",
				NativeSymbol: product,
				Timestamp:    msg.Timestamp,
			})
		}
		return out

	case "l2_data":
	default:
		return nil
	}

	if f.lastSeqNum != 0 && msg.SequenceNum > f.lastSeqNum+1 {
		for _, product := range f.products {
			out = append(out, models.Event{
				Kind:         models.EventFeedError,
				Exchange:     "coinbase",
				NativeSymbol: product,
				Timestamp:    msg.Timestamp,
				Reason:       fmt.Sprintf("exchange sequence discontinuity: %d -> %d", f.lastSeqNum, msg.SequenceNum),
			})
		}
	}
	if msg.SequenceNum > f.lastSeqNum {
		f.lastSeqNum = msg.SequenceNum
	}

	for _, ev := range msg.Events {
		switch ev.Type {
		case "snapshot":
			out = append(out, f.snapshotEvent(ev, msg.Timestamp))
		case "update":
			out = append(out, f.deltaEvents(ev, msg.Timestamp)...)
		}
	}
	return out
}

func (f *Feed) snapshotEvent(ev wsEvent, ts time.Time) models.Event {
	var bids, asks []models.PriceLevel
	for _, u := range ev.Updates {
		level, ok := parseLevel(u)
		if !ok {
			continue
		}
		if sideOf(u.Side) == models.SideBid {
			bids = append(bids, level)
		} else {
			asks = append(asks, level)
		}
	}

	f.seq[ev.ProductID]++
	return models.Event{
		Kind:         models.EventSnapshot,
		Exchange:     "coinbase",
		NativeSymbol: ev.ProductID,
		Sequence:     f.seq[ev.ProductID],
		Timestamp:    ts,
		Bids:         bids,
		Asks:         asks,
	}
}

func (f *Feed) deltaEvents(ev wsEvent, ts time.Time) []models.Event {
	out := make([]models.Event, 0, len(ev.Updates))
	for _, u := range ev.Updates {
		price, err := decimal.NewFromString(u.PriceLevel)
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(u.NewQuantity)
		if err != nil {
			continue
		}

		f.seq[ev.ProductID]++
		out = append(out, models.Event{
			Kind:         models.EventDelta,
			Exchange:     "coinbase",
			NativeSymbol: ev.ProductID,
			Sequence:     f.seq[ev.ProductID],
			Timestamp:    ts,
			Side:         sideOf(u.Side),
			Price:        price,
			Quantity:     qty,
		})
	}
	return out
}

func parseLevel(u wsUpdate) (models.PriceLevel, bool) {
	price, err := decimal.NewFromString(u.PriceLevel)
	if err != nil {
		return models.PriceLevel{}, false
	}
	qty, err := decimal.NewFromString(u.NewQuantity)
	if err != nil || !qty.IsPositive() {
		return models.PriceLevel{}, false
	}
	return models.PriceLevel{Price: price, Quantity: qty}, true
}

// Coinbase names the ask side "offer" on the wire.
func sideOf(s string) models.Side {
	if s == "bid" {
		return models.SideBid
	}
	return models.SideAsk
}

// Resync re-subscribes a product after the processor requests a fresh
// snapshot. The level2 channel replays a snapshot on subscribe.
func (f *Feed) Resync(req models.ResyncRequest) {
	f.log.WithComponent("coinbase_feed").WithFields(logger.Fields{
		"product": req.NativeSymbol,
		"reason":  req.Reason,
	}).Info("re-subscribing product for resync")
	f.resubscribe(req.NativeSymbol)
}

func (f *Feed) resubscribe(product string) {
	if err := f.writeJSON(subscribeRequest{Type: "unsubscribe", ProductIDs: []string{product}, Channel: "level2"}); err != nil {
		f.log.WithComponent("coinbase_feed").WithError(err).Warn("unsubscribe failed, forcing reconnect")
		f.closeConn()
		return
	}
	if err := f.writeJSON(subscribeRequest{Type: "subscribe", ProductIDs: []string{product}, Channel: "level2"}); err != nil {
		f.log.WithComponent("coinbase_feed").WithError(err).Warn("subscribe failed, forcing reconnect")
		f.closeConn()
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("no active connection")
	}
	return f.conn.WriteJSON(v)
}

func (f *Feed) closeConn() {
	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connMu.Unlock()
}

func (f *Feed) emitFeedError(reason string) {
	for _, product := range f.products {
		f.channels.SendEvent(f.ctx, models.Event{
			Kind:         models.EventFeedError,
			Exchange:     "coinbase",
			NativeSymbol: product,
			Timestamp:    time.Now().UTC(),
			Reason:       reason,
		})
	}
}
