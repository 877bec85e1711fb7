package remote

import (
	"sync"
	"sync/atomic"
)

const fanoutBuffer = 64

// fanout distributes values of one event type to any number of subscribers.
// Publishing is non-blocking: a subscriber that falls behind loses events
// rather than stalling the websocket read loop.
type fanout[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]chan T
	seq    atomic.Uint64
	closed bool
}

func newFanout[T any]() *fanout[T] {
	return &fanout[T]{subs: make(map[uint64]chan T)}
}

func (f *fanout[T]) publish(v T) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, ch := range f.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

func (f *fanout[T]) subscribe() (<-chan T, func()) {
	id := f.seq.Add(1)
	ch := make(chan T, fanoutBuffer)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.subs[id] = ch
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if ch, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// closeAll closes every subscriber channel and rejects further subscriptions.
func (f *fanout[T]) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
