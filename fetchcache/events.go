package fetchcache

import (
	"strings"
	"sync"
	"time"

	"github.com/theoremus-urban-solutions/transit-display/internal"
)

// EventType identifies a cache mutation or lookup outcome.
type EventType string

const (
	EventHit     EventType = "hit"
	EventMiss    EventType = "miss"
	EventUpdated EventType = "updated"
	EventEvicted EventType = "evicted"
	EventExpired EventType = "expired"
	EventCleared EventType = "cleared"
)

// Event is delivered to subscribers on every cache mutation.
type Event struct {
	Type EventType
	Key  string
	At   time.Time
}

// Matcher selects which keys a subscriber sees.
type Matcher struct {
	exact  string
	prefix string
	all    bool
}

// MatchKey subscribes to exactly one key.
func MatchKey(key string) Matcher { return Matcher{exact: key} }

// MatchPrefix subscribes to all keys with the given prefix.
func MatchPrefix(prefix string) Matcher { return Matcher{prefix: prefix} }

// MatchAll subscribes to every key.
func MatchAll() Matcher { return Matcher{all: true} }

func (m Matcher) matches(key string) bool {
	if m.all {
		return true
	}
	if m.exact != "" {
		return key == m.exact
	}
	return m.prefix != "" && strings.HasPrefix(key, m.prefix)
}

// Subscriber receives cache events. It must not block for long; panics are
// caught and logged per subscriber, never propagated.
type Subscriber func(Event)

type subscription struct {
	matcher Matcher
	fn      Subscriber
}

// Bus fans cache events out to subscribers.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[int]subscription
	log  internal.Logger
}

// NewBus creates an event bus.
func NewBus(log internal.Logger) *Bus {
	if log == nil {
		log = internal.NopLogger{}
	}
	return &Bus{subs: map[int]subscription{}, log: log}
}

// Subscribe registers fn for events whose key matches. The returned id
// unsubscribes.
func (b *Bus) Subscribe(m Matcher, fn Subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs[b.next] = subscription{matcher: m, fn: fn}
	return b.next
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish delivers the event to every matching subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	targets := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matcher.matches(ev.Key) {
			targets = append(targets, s.fn)
		}
	}
	b.mu.Unlock()
	for _, fn := range targets {
		b.deliver(fn, ev)
	}
}

func (b *Bus) deliver(fn Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("fetchcache", "subscriber panicked", "event", string(ev.Type), "key", ev.Key, "panic", r)
		}
	}()
	fn(ev)
}
