package myo

import (
	"time"
)

// Sampler reduces a stream to at most one value per window. At every window
// boundary it yields the most recent value offered at or before the boundary,
// provided a new one arrived since the previous boundary.
//
// Sampler holds no timer of its own; the owner calls Tick on its schedule.
type Sampler[T any] struct {
	period      time.Duration
	latest      T
	pending     bool
	lastEmitted time.Time
}

// NewSampler creates a sampler with the given window.
func NewSampler[T any](period time.Duration) *Sampler[T] {
	return &Sampler[T]{period: period}
}

// SamplerPeriod returns the window for a rate in Hz; 0 and MaxFrequency mean
// no sub-sampling and yield 0.
func SamplerPeriod(hz int) time.Duration {
	if hz <= 0 || hz >= MaxFrequency {
		return 0
	}
	return time.Duration(1000/hz) * time.Millisecond
}

// Period returns the sampling window.
func (s *Sampler[T]) Period() time.Duration {
	return s.period
}

// Offer records v as the newest value.
func (s *Sampler[T]) Offer(v T) {
	s.latest = v
	s.pending = true
}

// Tick closes the current window at now and returns its value, if any.
func (s *Sampler[T]) Tick(now time.Time) (T, bool) {
	if !s.pending {
		var zero T
		return zero, false
	}
	s.pending = false
	s.lastEmitted = now
	return s.latest, true
}

// LastEmitted returns when Tick last produced a value.
func (s *Sampler[T]) LastEmitted() time.Time {
	return s.lastEmitted
}

// Reset drops any pending value.
func (s *Sampler[T]) Reset() {
	var zero T
	s.latest = zero
	s.pending = false
}
