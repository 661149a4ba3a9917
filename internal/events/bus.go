package events

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const defaultCapacity = 64

var tracer = otel.Tracer("github.com/a3s-run/a3s/internal/events")

// Filter decides whether a subscriber wants ev. A nil filter accepts
// everything.
type Filter func(ev BoxEvent) bool

type subscriber struct {
	ch     chan BoxEvent
	filter Filter
}

// Bus is a bounded, in-process fan-out broadcast of BoxEvents. Publish
// never blocks: a subscriber whose channel is full has the event dropped
// for it rather than stalling the producer or other subscribers.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]*subscriber
	nextID   int
	capacity int
}

// New creates a Bus with the given per-subscriber channel capacity. A
// capacity <= 0 uses the default.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bus{subs: make(map[int]*subscriber), capacity: capacity}
}

// Subscribe registers a new subscriber and returns its receive channel
// and an unsubscribe func. filter may be nil to receive every event.
func (b *Bus) Subscribe(filter Filter) (<-chan BoxEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan BoxEvent, b.capacity), filter: filter}
	b.subs[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			close(s.ch)
			delete(b.subs, id)
		}
	}
	return sub.ch, unsubscribe
}

// Publish fans ev out to every subscriber whose filter accepts it. A
// subscriber that isn't keeping up has this event silently dropped for it
// rather than blocking the publisher.
func (b *Bus) Publish(ctx context.Context, ev BoxEvent) {
	_, span := tracer.Start(ctx, "events.publish")
	span.SetAttributes(attribute.String("event.key", string(ev.Key)), attribute.String("event.box_id", ev.BoxID))
	defer span.End()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Lagging subscriber: drop rather than block. No replay, no
			// marker event (spec §4.17's "best-effort, no replay").
		}
	}
}

// SubscriberCount reports the current number of live subscribers, mostly
// useful for tests and `a3s system status`-style diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
