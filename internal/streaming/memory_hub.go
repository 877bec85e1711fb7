package streaming

import (
	"context"
	"errors"
	"sync"
)

// ErrHubClosed is returned by Subscribe after the hub has been closed.
var ErrHubClosed = errors.New("streaming: hub closed")

// subscriberBuffer bounds each subscription channel. Publish never blocks,
// so a subscriber this far behind starts losing events.
const subscriberBuffer = 64

// allTypes is the routing bucket for subscriptions without a type filter.
const allTypes = ""

type subscription struct {
	ch          chan StreamEvent
	executionID string
}

// MemoryHub is the in-process EventHub. Subscriptions are bucketed by the
// event types they asked for, so a publish only visits interested channels:
// the bucket for the event's own type plus the unfiltered bucket.
type MemoryHub struct {
	mu     sync.Mutex
	closed bool
	nextID uint64
	byType map[string]map[uint64]*subscription
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{byType: make(map[string]map[uint64]*subscription)}
}

// Publish delivers event to every matching subscription. Slow subscribers
// are skipped rather than waited on.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}

	deliver(h.byType[event.EventType], event)
	deliver(h.byType[allTypes], event)
	return nil
}

func deliver(bucket map[uint64]*subscription, event StreamEvent) {
	for _, sub := range bucket {
		if sub.executionID != "" && sub.executionID != event.ExecutionID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// backpressure: drop event for slow subscriber
		}
	}
}

// Subscribe registers a subscription for the filtered events. The returned
// cancel removes it from every bucket and is safe to call more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, ErrHubClosed
	}

	sub := &subscription{
		ch:          make(chan StreamEvent, subscriberBuffer),
		executionID: filter.ExecutionID,
	}
	h.nextID++
	id := h.nextID

	buckets := filter.EventTypes
	if len(buckets) == 0 {
		buckets = []string{allTypes}
	}
	for _, eventType := range buckets {
		if h.byType[eventType] == nil {
			h.byType[eventType] = make(map[uint64]*subscription)
		}
		h.byType[eventType][id] = sub
	}

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, eventType := range buckets {
			delete(h.byType[eventType], id)
			if len(h.byType[eventType]) == 0 {
				delete(h.byType, eventType)
			}
		}
	}
	return sub.ch, cancel, nil
}

// Close drops every subscription and closes its channel. Publish becomes a
// no-op and Subscribe returns ErrHubClosed afterwards.
func (h *MemoryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true

	// A subscription with a multi-type filter sits in several buckets;
	// close each channel once.
	seen := make(map[*subscription]struct{})
	for _, bucket := range h.byType {
		for _, sub := range bucket {
			if _, done := seen[sub]; done {
				continue
			}
			seen[sub] = struct{}{}
			close(sub.ch)
		}
	}
	h.byType = make(map[string]map[uint64]*subscription)
}
