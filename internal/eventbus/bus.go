package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine.
const (
	TypeDeliveryRecorded    = "delivery.recorded"
	TypeDeliveryAcked       = "delivery.acknowledged"
	TypeEscalationStarted   = "escalation.started"
	TypeEscalationAdvanced  = "escalation.advanced"
	TypeEscalationExhausted = "escalation.exhausted"
	TypeEscalationResolved  = "escalation.resolved"
	TypeEscalationHalted    = "escalation.halted"
	TypeCatalogSwapped      = "catalog.swapped"
	TypeRouteMatched        = "route.matched"
	TypeIntakeQueued        = "intake.queued"
	TypeIntakeDeduped       = "intake.deduped"
	TypeIntakeDropped       = "intake.dropped"

	// PrefixAction prefixes local action events ("action.assign", ...).
	PrefixAction = "action."
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Stats is implemented by buses that count deliveries.
type Stats interface {
	Published() uint64
	Dropped() uint64
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]sub{}}
}

type sub struct {
	ch     chan Event
	prefix string
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]sub
	seq  atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.prefix != "" && !strings.HasPrefix(e.Type, s.prefix) {
			continue
		}
		targets = append(targets, s.ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.subscribe(buffer, "")
}

// SubscribePrefix subscribes to events whose type starts with prefix.
// For buses other than the in-memory one it falls back to Subscribe and
// filters on a relay goroutine.
func SubscribePrefix(b Bus, buffer int, prefix string) (<-chan Event, func()) {
	if mb, ok := b.(*memBus); ok {
		return mb.subscribe(buffer, prefix)
	}
	src, unsub := b.Subscribe(buffer)
	out := make(chan Event, cap(src))
	go func() {
		defer close(out)
		for e := range src {
			if strings.HasPrefix(e.Type, prefix) {
				select {
				case out <- e:
				default:
				}
			}
		}
	}()
	return out, unsub
}

func (b *memBus) subscribe(buffer int, prefix string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = sub{ch: ch, prefix: prefix}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

func (b *memBus) Published() uint64 { return b.published.Load() }
func (b *memBus) Dropped() uint64   { return b.dropped.Load() }
