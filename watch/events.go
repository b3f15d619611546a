package watch

import (
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 64

// Broadcaster fans change events out to subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[int]chan ChangeEvent
	next    int
	buffer  int
	dropped atomic.Int64
	closed  bool
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broadcaster{subs: make(map[int]chan ChangeEvent), buffer: buffer}
}

// Subscribe returns a channel of events and a func that unsubscribes and
// closes it. The channel is also closed when the broadcaster closes.
func (b *Broadcaster) Subscribe() (<-chan ChangeEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan ChangeEvent, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish returns how many subscribers received the event.
func (b *Broadcaster) Publish(ev ChangeEvent) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			delivered++
		default:
			b.dropped.Add(1)
		}
	}
	return delivered
}

// Dropped counts events lost to full subscriber buffers.
func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }

func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
