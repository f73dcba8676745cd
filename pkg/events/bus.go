package events

import (
	"slices"
	"sync"
	"time"
)

// Filter selects events. The zero Filter matches every event.
type Filter struct {
	Types []EventType // any of these types
	RunID string      // only events of this run
	Since time.Time   // History only: events at or after Since
}

// Match reports whether e passes the type and run criteria of f.
func (f Filter) Match(e Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	return f.RunID == "" || f.RunID == e.RunID
}

// ForTypes returns a Filter matching any of types.
func ForTypes(types ...EventType) Filter {
	return Filter{Types: types}
}

// EventBus carries verification events from runs to observers.
type EventBus interface {
	Publish(event Event)
	Subscribe(f Filter) <-chan Event
	Unsubscribe(ch <-chan Event)
	History(f Filter) []Event
}

// DefaultHistory is the number of events a MemoryBus retains.
const DefaultHistory = 1024

// subscriberBuffer is the channel capacity of each subscriber.
const subscriberBuffer = 64

type subscriber struct {
	ch     chan Event
	filter Filter
}

// MemoryBus is an in-process EventBus retaining the most recent events in
// a ring. Publish never blocks: a subscriber whose buffer is full misses
// the event, and the loss is counted.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers []subscriber
	ring        []Event
	next        int // ring slot for the next event
	full        bool
	dropped     uint64
}

// NewMemoryBus creates a bus retaining the last maxHistory events.
// maxHistory <= 0 selects DefaultHistory.
func NewMemoryBus(maxHistory int) *MemoryBus {
	if maxHistory <= 0 {
		maxHistory = DefaultHistory
	}
	return &MemoryBus{ring: make([]Event, maxHistory)}
}

func (b *MemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring[b.next] = event
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}

	for _, sub := range b.subscribers {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped++
		}
	}
}

func (b *MemoryBus) Subscribe(f Filter) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, subscriber{ch: ch, filter: f})
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (b *MemoryBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.IndexFunc(b.subscribers, func(s subscriber) bool { return s.ch == ch })
	if i < 0 {
		return
	}
	close(b.subscribers[i].ch)
	b.subscribers = slices.Delete(b.subscribers, i, i+1)
}

// History returns retained events matching f, oldest first.
func (b *MemoryBus) History(f Filter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ordered []Event
	if b.full {
		ordered = append(ordered, b.ring[b.next:]...)
	}
	ordered = append(ordered, b.ring[:b.next]...)

	var out []Event
	for _, e := range ordered {
		if e.Timestamp.Before(f.Since) || !f.Match(e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Dropped returns how many deliveries were lost to full subscriber buffers.
func (b *MemoryBus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
