package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// Broker is a generic pub/sub event broker.
// It allows multiple subscribers to receive events published by publishers.
//
// Delivery policy is per-subscriber: the default Subscribe applies
// back-pressure (Publish waits for a slow subscriber to drain), while
// SubscribeBuffered declares a bounded buffer and accepts that events are
// dropped once the buffer is full.
type Broker[T any] struct {
	subs      map[chan Event[T]]*subscription
	mu        sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
}

// subscription tracks the delivery policy and lifetime of one subscriber.
type subscription struct {
	ctx   context.Context
	lossy bool // drop events when the channel buffer is full
}

// NewBroker creates a new broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subs: make(map[chan Event[T]]*subscription),
		done: make(chan struct{}),
	}
}

// Subscribe creates a new subscription channel with back-pressure delivery:
// when the subscriber falls behind, publishers wait rather than drop.
// The channel is automatically closed when ctx is cancelled.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	return b.subscribe(ctx, defaultBufferSize, false)
}

// SubscribeBuffered creates a subscription with an explicit bounded buffer.
// Events published while the buffer is full are dropped for this subscriber
// only; other subscribers are unaffected.
func (b *Broker[T]) SubscribeBuffered(ctx context.Context, size int) <-chan Event[T] {
	if size <= 0 {
		size = defaultBufferSize
	}
	return b.subscribe(ctx, size, true)
}

func (b *Broker[T]) subscribe(ctx context.Context, size int, lossy bool) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Check if broker is closed
	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Event[T], size)
	b.subs[sub] = &subscription{ctx: ctx, lossy: lossy}

	// Cleanup goroutine
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return // Already closed
		default:
		}

		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish sends an event to all subscribers.
// For back-pressure subscribers the call waits until the event is accepted
// or the subscription ends; for buffered subscribers it drops on full.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	event := Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	for sub, s := range b.subs {
		if s.lossy {
			select {
			case sub <- event:
				// Delivered
			default:
				// Buffer full - drop for this subscriber
			}
			continue
		}
		select {
		case sub <- event:
			// Delivered
		case <-s.ctx.Done():
			// Subscriber going away - cleanup goroutine will remove it
		case <-b.done:
			return
		}
	}
}

// Close shuts down the broker and all subscriber channels.
func (b *Broker[T]) Close() {
	b.closeOnce.Do(func() {
		// Closing done first releases any Publish blocked on a slow
		// subscriber before we take the write lock.
		close(b.done)

		b.mu.Lock()
		defer b.mu.Unlock()
		for sub := range b.subs {
			close(sub)
		}
		b.subs = nil
	})
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
