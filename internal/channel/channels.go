package channel

import (
	"context"
	"sync"
	"time"

	"bookflow/logger"
	"bookflow/models"
)

// Stats counts traffic through the engine's bounded channels. Drops happen
// when a consumer falls behind; the producers never block on a full buffer.
type Stats struct {
	EventsSent      int64
	EventsDropped   int64
	ResyncSent      int64
	ResyncDropped   int64
	NotifySent      int64
	NotifyDropped   int64
}

// Channels bundles the engine's internal queues: one bounded event channel
// per exchange feeding the processor, the resync channel back to the feeds
// and the coalesced notification channel into the aggregator.
type Channels struct {
	events map[string]chan models.Event
	Resync chan models.ResyncRequest
	Notify chan string

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(exchanges []string, eventBuffer, resyncBuffer, notifyBuffer int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		events: make(map[string]chan models.Event, len(exchanges)),
		Resync: make(chan models.ResyncRequest, resyncBuffer),
		Notify: make(chan string, notifyBuffer),
		log:    log,
	}
	for _, exchange := range exchanges {
		c.events[exchange] = make(chan models.Event, eventBuffer)
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"exchanges":     exchanges,
		"event_buffer":  eventBuffer,
		"resync_buffer": resyncBuffer,
		"notify_buffer": notifyBuffer,
	}).Info("engine channels initialized")

	return c
}

// Events returns the event channel owned by the named exchange consumer.
func (c *Channels) Events(exchange string) chan models.Event {
	return c.events[exchange]
}

// Exchanges lists the exchanges with an event channel.
func (c *Channels) Exchanges() []string {
	out := make([]string, 0, len(c.events))
	for exchange := range c.events {
		out = append(out, exchange)
	}
	return out
}

func (c *Channels) Close() {
	for _, ch := range c.events {
		close(ch)
	}
	close(c.Resync)
	close(c.Notify)
	c.log.WithComponent("channels").Info("engine channels closed")
}

// SendEvent delivers a normalized feed event without blocking. A full buffer
// drops the event and counts it; the feed keeps its own ordering intact.
func (c *Channels) SendEvent(ctx context.Context, ev models.Event) bool {
	ch, ok := c.events[ev.Exchange]
	if !ok {
		c.incrEventsDropped()
		return false
	}
	select {
	case ch <- ev:
		c.incrEventsSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrEventsDropped()
		return false
	}
}

func (c *Channels) SendResync(ctx context.Context, req models.ResyncRequest) bool {
	select {
	case c.Resync <- req:
		c.statsMutex.Lock()
		c.stats.ResyncSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.ResyncDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) SendNotify(ctx context.Context, canonical string) bool {
	select {
	case c.Notify <- canonical:
		c.statsMutex.Lock()
		c.stats.NotifySent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.NotifyDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) incrEventsSent() {
	c.statsMutex.Lock()
	c.stats.EventsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrEventsDropped() {
	c.statsMutex.Lock()
	c.stats.EventsDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically logs channel sizes and counters so a
// slow consumer shows up before its buffer drops traffic.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			fields := logger.Fields{
				"events_sent":    stats.EventsSent,
				"events_dropped": stats.EventsDropped,
				"resync_sent":    stats.ResyncSent,
				"notify_sent":    stats.NotifySent,
				"notify_dropped": stats.NotifyDropped,
			}
			for exchange, ch := range c.events {
				fields["events_len_"+exchange] = len(ch)
				fields["events_cap_"+exchange] = cap(ch)
			}
			c.log.WithComponent("channels").WithFields(fields).Info("channel metrics")
		}
	}
}
