package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	appconfig "bookflow/config"
	"bookflow/internal/book"
	"bookflow/internal/channel"
	"bookflow/internal/symbols"
	"bookflow/logger"
	"bookflow/models"
)

// Processor owns every order book and drains the per-exchange event channels.
// Books are created eagerly from the symbol table; the map is never mutated
// after construction, so workers index it without locking.
type Processor struct {
	config   *appconfig.Config
	channels *channel.Channels
	symbols  *symbols.Map
	books    map[string]*book.OrderBook

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
	limiter *rate.Limiter
}

// NewProcessor builds a processor with one book per (exchange, canonical
// symbol) pair that has a native spelling configured for that exchange.
func NewProcessor(cfg *appconfig.Config, ch *channel.Channels, symMap *symbols.Map) *Processor {
	books := make(map[string]*book.OrderBook)
	for _, exchange := range cfg.Exchanges.Priority {
		for _, canonical := range symMap.Canonicals() {
			if _, ok := symMap.Native(exchange, canonical); !ok {
				continue
			}
			books[bookKey(exchange, canonical)] = book.New(exchange, canonical, cfg.Aggregator.DepthWindow)
		}
	}
	return &Processor{
		config:   cfg,
		channels: ch,
		symbols:  symMap,
		books:    books,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		dirty:    make(map[string]struct{}),
		limiter:  rate.NewLimiter(rate.Limit(cfg.Processor.NotifyPerSecond), cfg.Processor.NotifyBurst),
	}
}

// Book returns the book for one (exchange, canonical symbol) pair.
func (p *Processor) Book(exchange, canonical string) (*book.OrderBook, bool) {
	b, ok := p.books[bookKey(exchange, canonical)]
	return b, ok
}

// Books returns the books tracking canonical across all exchanges, in
// configured priority order. Exchanges without the symbol are skipped.
func (p *Processor) Books(canonical string) []*book.OrderBook {
	out := make([]*book.OrderBook, 0, len(p.config.Exchanges.Priority))
	for _, exchange := range p.config.Exchanges.Priority {
		if b, ok := p.books[bookKey(exchange, canonical)]; ok {
			out = append(out, b)
		}
	}
	return out
}

// Start launches one worker per exchange plus the notify flusher and the
// metrics reporter.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("processor already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	log := p.log.WithComponent("processor").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting processor")

	for _, exchange := range p.channels.Exchanges() {
		p.wg.Add(1)
		go p.worker(exchange)
	}

	p.wg.Add(1)
	go p.notifyFlusher()

	p.wg.Add(1)
	go p.metricsReporter(ctx)

	log.WithFields(logger.Fields{"books": len(p.books)}).Info("processor started successfully")
	return nil
}

// Stop signals workers and waits for them to drain.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("processor").Info("stopping processor")
	p.wg.Wait()
	p.log.WithComponent("processor").Info("processor stopped")
}

func (p *Processor) worker(exchange string) {
	defer p.wg.Done()

	events := p.channels.Events(exchange)
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.handleEvent(ev)
		}
	}
}

func (p *Processor) handleEvent(ev models.Event) {
	logger.IncrementEventsProcessed()

	canonical, ok := p.symbols.Canonical(ev.Exchange, ev.NativeSymbol)
	if !ok {
		p.log.WithComponent("processor").WithFields(logger.Fields{
			"exchange": ev.Exchange,
			"symbol":   ev.NativeSymbol,
		}).Warn("event for unmapped symbol dropped")
		return
	}

	b, ok := p.books[bookKey(ev.Exchange, canonical)]
	if !ok {
		return
	}

	log := p.log.WithComponent("processor").WithFields(logger.Fields{
		"exchange": ev.Exchange,
		"symbol":   canonical,
		"sequence": ev.Sequence,
	})

	switch ev.Kind {
	case models.EventSnapshot:
		if err := b.ApplySnapshot(ev.Bids, ev.Asks, ev.Sequence, ev.Timestamp); err != nil {
			log.WithError(err).Error("snapshot rejected")
			p.requestResync(ev.Exchange, ev.NativeSymbol, canonical, err.Error())
			return
		}
		p.markDirty(canonical)

	case models.EventDelta:
		err := b.ApplyDelta(ev.Side, ev.Price, ev.Quantity, ev.Sequence, ev.Timestamp)
		switch {
		case err == nil:
			p.markDirty(canonical)
		case errors.Is(err, book.ErrOutOfOrder):
			log.Debug("stale delta dropped")
		case errors.Is(err, book.ErrNotSynced):
			log.Debug("delta before snapshot dropped")
		case errors.Is(err, book.ErrSequenceGap), errors.Is(err, book.ErrCrossedBook):
			log.WithError(err).Warn("book desynchronized, requesting resync")
			p.requestResync(ev.Exchange, ev.NativeSymbol, canonical, err.Error())
		default:
			log.WithError(err).Error("delta rejected")
		}

	case models.EventHeartbeat:
		b.Touch(ev.Timestamp)

	case models.EventFeedError:
		log.WithFields(logger.Fields{"reason": ev.Reason}).Warn("feed error, invalidating book")
		b.Invalidate()
		p.requestResync(ev.Exchange, ev.NativeSymbol, canonical, ev.Reason)

	default:
		log.WithFields(logger.Fields{"kind": int(ev.Kind)}).Warn("unknown event kind dropped")
	}
}

func (p *Processor) requestResync(exchange, native, canonical, reason string) {
	logger.IncrementResyncRequests()
	p.channels.SendResync(p.ctx, models.ResyncRequest{
		Exchange:     exchange,
		NativeSymbol: native,
		Canonical:    canonical,
		Reason:       reason,
		Timestamp:    time.Now().UTC(),
	})
}

// markDirty forwards the notification immediately while under the rate limit,
// otherwise parks the symbol in the dirty set for the next flush tick. Either
// way every applied mutation is already in the book; coalescing only bounds
// how often downstream recomputes.
func (p *Processor) markDirty(canonical string) {
	if p.limiter.Allow() {
		p.channels.SendNotify(p.ctx, canonical)
		return
	}
	p.dirtyMu.Lock()
	p.dirty[canonical] = struct{}{}
	p.dirtyMu.Unlock()
}

func (p *Processor) notifyFlusher() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Processor.NotifyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			p.flushDirty()
			return
		case <-ticker.C:
			p.flushDirty()
		}
	}
}

func (p *Processor) flushDirty() {
	p.dirtyMu.Lock()
	if len(p.dirty) == 0 {
		p.dirtyMu.Unlock()
		return
	}
	pending := p.dirty
	p.dirty = make(map[string]struct{})
	p.dirtyMu.Unlock()

	for canonical := range pending {
		p.channels.SendNotify(p.ctx, canonical)
	}
}

func (p *Processor) metricsReporter(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.RLock()
			running := p.running
			p.mu.RUnlock()
			if !running {
				return
			}
			synced := 0
			for _, b := range p.books {
				if b.IsSynced() {
					synced++
				}
			}
			p.log.WithComponent("processor").WithFields(logger.Fields{
				"books":        len(p.books),
				"books_synced": synced,
			}).Info("processor book status")
		}
	}
}

func bookKey(exchange, canonical string) string {
	return strings.ToLower(exchange) + "|" + canonical
}
