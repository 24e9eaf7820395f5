package myo

import (
	"sync"

	"github.com/srg/myolink/internal/ringchan"
)

// Subscription delivers values until it is closed, either by the consumer or
// by its publisher.
type Subscription[T any] struct {
	rc     *ringchan.RingChannel[T]
	remove func(*Subscription[T])
}

// C returns the channel to range over.
func (s *Subscription[T]) C() <-chan T {
	return s.rc.C()
}

// Dropped returns how many values were overwritten because the consumer fell behind.
func (s *Subscription[T]) Dropped() int64 {
	return s.rc.GetMetrics().Overwritten
}

// Close detaches the subscription and closes its channel.
func (s *Subscription[T]) Close() {
	s.remove(s)
	s.rc.Close()
}

// hub fans values out to live subscribers. Slow subscribers lose their oldest
// values; the publisher never blocks.
type hub[T any] struct {
	mu       sync.Mutex
	subs     []*Subscription[T]
	capacity int
}

func newHub[T any](capacity int) *hub[T] {
	return &hub[T]{capacity: capacity}
}

func (h *hub[T]) subscribe() *Subscription[T] {
	s := &Subscription[T]{rc: ringchan.New[T](h.capacity), remove: h.remove}
	h.mu.Lock()
	h.subs = append(h.subs, s)
	h.mu.Unlock()
	return s
}

func (h *hub[T]) remove(s *Subscription[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, sub := range h.subs {
		if sub == s {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			return
		}
	}
}

func (h *hub[T]) publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		s.rc.Send(v)
	}
}

// closeAll ends every current subscription.
func (h *hub[T]) closeAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()
	for _, s := range subs {
		s.rc.Close()
	}
}

func (h *hub[T]) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// subject is a hub that remembers its latest value and replays it to new subscribers.
type subject[T comparable] struct {
	hub[T]
	value T
}

func newSubject[T comparable](initial T, capacity int) *subject[T] {
	return &subject[T]{hub: hub[T]{capacity: capacity}, value: initial}
}

func (s *subject[T]) subscribe() *Subscription[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &Subscription[T]{rc: ringchan.New[T](s.capacity), remove: s.remove}
	sub.rc.Send(s.value)
	s.subs = append(s.subs, sub)
	return sub
}

// set publishes v if it differs from the current value. Returns true on change.
func (s *subject[T]) set(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value == v {
		return false
	}
	s.value = v
	for _, sub := range s.subs {
		sub.rc.Send(v)
	}
	return true
}

func (s *subject[T]) get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}
