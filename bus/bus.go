// Package bus fans lifecycle events out to stream subscribers and keeps a
// bounded backlog for late joiners. Publishing never blocks: a subscriber
// whose buffer is full is dropped and its channel closed.
package bus

import (
	"log"
	"sync"

	"escrowrelay/types"
)

type Subscription struct {
	C  <-chan types.LifecycleEvent
	ch chan types.LifecycleEvent
	id uint64
}

type Bus struct {
	mu      sync.Mutex
	ring    []types.LifecycleEvent
	head    int // index of the oldest event once the ring is full
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	dropped uint64
}

func New(historySize, subscriberBuffer int) *Bus {
	if historySize < 0 {
		historySize = 0
	}
	if subscriberBuffer < 1 {
		subscriberBuffer = 1
	}
	return &Bus{
		ring:   make([]types.LifecycleEvent, 0, historySize),
		subs:   make(map[uint64]*Subscription),
		buffer: subscriberBuffer,
	}
}

func (b *Bus) Publish(evt types.LifecycleEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cap(b.ring) > 0 {
		if len(b.ring) < cap(b.ring) {
			b.ring = append(b.ring, evt)
		} else {
			b.ring[b.head] = evt
			b.head = (b.head + 1) % cap(b.ring)
		}
	}

	for id, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			log.Printf("bus: subscriber %d is too slow, dropping it", id)
			delete(b.subs, id)
			close(sub.ch)
			b.dropped++
		}
	}
}

// history copies the ring oldest first. Callers hold mu.
func (b *Bus) history() []types.LifecycleEvent {
	out := make([]types.LifecycleEvent, 0, len(b.ring))
	out = append(out, b.ring[b.head:]...)
	out = append(out, b.ring[:b.head]...)
	return out
}

func (b *Bus) History() []types.LifecycleEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history()
}

// Subscribe registers a subscriber and returns the backlog at that instant;
// every later event is delivered on the subscription channel.
func (b *Bus) Subscribe() (*Subscription, []types.LifecycleEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan types.LifecycleEvent, b.buffer)
	b.nextID++
	sub := &Subscription{C: ch, ch: ch, id: b.nextID}
	b.subs[sub.id] = sub
	return sub, b.history()
}

func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped counts subscribers removed for falling behind.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Reset forgets the backlog. Subscribers stay connected.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = b.ring[:0]
	b.head = 0
}
