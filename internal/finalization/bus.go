// Package finalization tracks MPC computations from submission until the
// cluster reports their result through a finalization event.
package finalization

import (
	"sync"

	"confbal/go-backend/internal/ledger"
)

const subscriberBuffer = 4

// Bus fans finalization events out to subscribers keyed by computation offset.
// Recent events are retained so a subscriber that registers after the event
// was observed still receives it.
type Bus struct {
	mu      sync.Mutex
	limit   int
	history []ledger.FinalizationEvent
	subs    map[uint64]map[int]chan ledger.FinalizationEvent
	nextSub int
}

func NewBus(backlog int) *Bus {
	if backlog < 1 {
		backlog = 1
	}
	return &Bus{
		limit: backlog,
		subs:  make(map[uint64]map[int]chan ledger.FinalizationEvent),
	}
}

func (b *Bus) Publish(ev ledger.FinalizationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, ev)
	if len(b.history) > b.limit {
		b.history = append([]ledger.FinalizationEvent(nil), b.history[len(b.history)-b.limit:]...)
	}
	for _, ch := range b.subs[ev.Offset] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers interest in offset. The returned cancel func must be
// called exactly when the subscriber is done; it is safe to call more than once.
func (b *Bus) Subscribe(offset uint64) (<-chan ledger.FinalizationEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan ledger.FinalizationEvent, subscriberBuffer)
	for _, ev := range b.history {
		if ev.Offset == offset && len(ch) < cap(ch) {
			ch <- ev
		}
	}

	id := b.nextSub
	b.nextSub++
	if b.subs[offset] == nil {
		b.subs[offset] = make(map[int]chan ledger.FinalizationEvent)
	}
	b.subs[offset][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		set, ok := b.subs[offset]
		if !ok {
			return
		}
		if _, ok := set[id]; !ok {
			return
		}
		delete(set, id)
		if len(set) == 0 {
			delete(b.subs, offset)
		}
	}
	return ch, cancel
}

// ActiveSubscriptions reports how many subscribers are waiting on offset.
func (b *Bus) ActiveSubscriptions(offset uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[offset])
}

// TotalSubscriptions reports subscribers across all offsets.
func (b *Bus) TotalSubscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

func (b *Bus) BacklogSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.history)
}
