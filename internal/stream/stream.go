// Package stream fans committed audit events out to live subscribers such as
// the admin event feed.
package stream

import (
	"context"
	"sync"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/obs"
)

const subscriberBuffer = 64

// Broker fan-outs audit events to all active subscribers.
type Broker struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

type subscriber struct {
	tenantID string
	ch       chan audit.Event
}

func New() *Broker {
	return &Broker{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for one tenant's events; an empty tenantID
// receives every tenant. The channel is closed when ctx ends.
func (b *Broker) Subscribe(ctx context.Context, tenantID string) <-chan audit.Event {
	ch := make(chan audit.Event, subscriberBuffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = subscriber{tenantID: tenantID, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (b *Broker) Publish(ev audit.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.tenantID != "" && s.tenantID != ev.TenantID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			obs.StreamDropped.Inc()
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Tee publishes each event once the wrapped sink has stored it.
type Tee struct {
	sink   audit.Sink
	broker *Broker
}

func NewTee(sink audit.Sink, broker *Broker) *Tee {
	return &Tee{sink: sink, broker: broker}
}

func (t *Tee) Write(ctx context.Context, ev audit.Event) error {
	if err := t.sink.Write(ctx, ev); err != nil {
		return err
	}
	t.broker.Publish(ev)
	return nil
}
