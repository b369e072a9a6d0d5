package nodeevent

import (
	"context"
	"sync"
)

const defaultBufferSize = 16

// Broadcaster fans values out to independent subscribers. A subscriber whose buffer is full
// misses the value instead of blocking the publisher or other subscribers.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[int64]chan T
	nextID      int64
	bufferSize  int
	closed      bool
	done        chan struct{}
}

// NewBroadcaster builds a Broadcaster with the given per-subscriber buffer.
func NewBroadcaster[T any](bufferSize int) *Broadcaster[T] {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Broadcaster[T]{
		subscribers: make(map[int64]chan T),
		bufferSize:  bufferSize,
		done:        make(chan struct{}),
	}
}

// Subscribe registers a subscriber released when ctx ends, the returned cancel runs, or the
// broadcaster closes. The channel is closed on release.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		stream := make(chan T)
		close(stream)
		return stream, func() {}
	}
	b.nextID++
	id := b.nextID
	stream := make(chan T, b.bufferSize)
	b.subscribers[id] = stream
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { b.unsubscribe(id) })
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-b.done:
		}
	}()
	return stream, cancel
}

// Publish offers value to every subscriber and reports how many accepted it.
func (b *Broadcaster[T]) Publish(value T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	delivered := 0
	for _, stream := range b.subscribers {
		select {
		case stream <- value:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers reports the current subscriber count.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close releases every subscriber. Later Publish calls are no-ops.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for id, stream := range b.subscribers {
		close(stream)
		delete(b.subscribers, id)
	}
}

func (b *Broadcaster[T]) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if stream, ok := b.subscribers[id]; ok {
		close(stream)
		delete(b.subscribers, id)
	}
}
