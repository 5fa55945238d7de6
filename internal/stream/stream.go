// Package stream carries audio, video, tool-call, and text events between
// devices, agents, sessions, and tasks. Every subscription has an explicit
// lifetime: whoever subscribes holds the Subscription and must Unsubscribe
// when the owning session or task is disposed.
package stream

import (
	"sync"
	"sync/atomic"
)

const defaultCapacity = 256

// Stream fans published values out to subscribers. Each subscriber receives
// values in publish order on its own goroutine, so a slow subscriber never
// delays the publisher or other subscribers.
type Stream[T any] struct {
	mu       sync.RWMutex
	subs     map[uint64]*subscriber[T]
	nextID   uint64
	capacity int
	reliable bool
	closed   bool
}

type subscriber[T any] struct {
	ch      chan T
	done    chan struct{}
	fn      func(T)
	stopped atomic.Bool
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe detaches the subscriber. No delivery starts after Unsubscribe
// returns; a callback already running is allowed to finish. Safe to call
// more than once and from inside the subscriber's own callback.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// New returns a lossy stream: when a subscriber's buffer is full the value
// is dropped for that subscriber. Use it for media packets.
func New[T any](capacity int) *Stream[T] {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Stream[T]{subs: make(map[uint64]*subscriber[T]), capacity: capacity}
}

// NewReliable returns a stream whose Publish waits for buffer space instead
// of dropping. Use it for control events such as tool calls and text.
func NewReliable[T any](capacity int) *Stream[T] {
	s := New[T](capacity)
	s.reliable = true
	return s
}

// Subscribe registers fn. It returns a Subscription that is already
// unsubscribed if the stream is closed.
func (s *Stream[T]) Subscribe(fn func(T)) *Subscription {
	sub := &subscriber[T]{
		ch:   make(chan T, s.capacity),
		done: make(chan struct{}),
		fn:   fn,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &Subscription{cancel: func() {}}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	go sub.run()

	return &Subscription{cancel: func() {
		// Stop first so a reliable Publish blocked on this subscriber
		// releases the read lock before remove takes the write lock.
		sub.stop()
		s.remove(id)
	}}
}

// Once registers fn for the next published value only.
func (s *Stream[T]) Once(fn func(T)) *Subscription {
	var handle *Subscription
	ready := make(chan struct{})
	handle = s.Subscribe(func(v T) {
		<-ready
		handle.Unsubscribe()
		fn(v)
	})
	close(ready)
	return handle
}

// Publish delivers v to every current subscriber.
func (s *Stream[T]) Publish(v T) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		if sub.stopped.Load() {
			continue
		}
		if s.reliable {
			select {
			case sub.ch <- v:
			case <-sub.done:
			}
			continue
		}
		select {
		case sub.ch <- v:
		default:
			// Subscriber buffer full, drop the value.
		}
	}
}

// Len returns the number of live subscribers.
func (s *Stream[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Close detaches every subscriber. Later Subscribe calls are no-ops.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[uint64]*subscriber[T])
	s.closed = true
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (s *Stream[T]) remove(id uint64) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()

	if ok {
		sub.stop()
	}
}

func (sub *subscriber[T]) stop() {
	if sub.stopped.CompareAndSwap(false, true) {
		close(sub.done)
	}
}

func (sub *subscriber[T]) run() {
	for {
		select {
		case <-sub.done:
			return
		case v := <-sub.ch:
			if sub.stopped.Load() {
				return
			}
			sub.fn(v)
		}
	}
}
