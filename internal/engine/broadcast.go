package engine

import (
	"log"
	"sync"
)

const defaultSubscriberBuffer = 16

// Broadcaster fans snapshots out to subscribers, best-effort. Each
// subscriber has a bounded queue; a subscriber that falls behind is
// dropped and its channel closed rather than slowing the loop.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
	logger *log.Logger
	onDrop func() // metrics hook, may be nil
}

// NewBroadcaster creates a broadcaster. onDrop is invoked for every
// subscriber dropped on overflow.
func NewBroadcaster(logger *log.Logger, onDrop func()) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[int]chan Snapshot),
		logger: logger,
		onDrop: onDrop,
	}
}

// Subscribe registers a snapshot consumer. The returned cancel function is
// idempotent and closes the channel.
func (b *Broadcaster) Subscribe() (<-chan Snapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Snapshot, defaultSubscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the snapshot to every subscriber without blocking.
func (b *Broadcaster) Publish(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- s:
		default:
			delete(b.subs, id)
			close(ch)
			b.logger.Printf("dropping snapshot subscriber %d: queue overflow", id)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// CloseAll drops every subscriber, closing their channels.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
