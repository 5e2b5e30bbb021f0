// Package event carries post-commit notifications from the write path
// to interested subscribers. The index publishes after each committed
// batch; the search cache subscribes to invalidate affected entries.
// Publishers hold no references to subscribers.
package event

import "sync"

// CommitEvent describes a committed batch.
type CommitEvent struct {
	PartitionKey string
	EntryCount   int
	MaxTimestamp int64
}

// Bus fans CommitEvents out to subscribers. Publish never blocks: a
// subscriber that falls behind loses events, so consumers must treat
// an event as a hint, not a ledger.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan CommitEvent
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan CommitEvent)}
}

// Subscribe registers a subscriber with the given channel buffer and
// returns the channel plus a cancel function. Cancel closes the
// channel; the subscriber must stop receiving after calling it.
func (b *Bus) Subscribe(buffer int) (<-chan CommitEvent, func()) {
	ch := make(chan CommitEvent, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber whose buffer has room.
func (b *Bus) Publish(ev CommitEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
