package myo

import (
	"fmt"
	"sync"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Averaging windows in samples; at 200 Hz they span half a second, one second and five seconds.
const (
	WindowHalfSecond = 100
	WindowOneSecond  = 200
	WindowFiveSecond = 1000
	HistorySize      = WindowFiveSecond
)

// EmgAverages holds per-channel means over the three windows.
type EmgAverages struct {
	HalfSecond [Channels]float32
	OneSecond  [Channels]float32
	FiveSecond [Channels]float32
	Samples    int
}

// EmgHistory keeps the most recent EMG samples and computes moving averages.
// Record may be called from one goroutine while another calls Averages.
type EmgHistory struct {
	feed mpmc.RichOverlappedRingBuffer[EmgSample]

	mu     sync.Mutex
	window []EmgSample // oldest first, at most HistorySize
}

// NewEmgHistory creates an empty history.
func NewEmgHistory() *EmgHistory {
	return &EmgHistory{
		feed:   mpmc.NewOverlappedRingBuffer[EmgSample](HistorySize),
		window: make([]EmgSample, 0, HistorySize),
	}
}

// Record adds a sample. When the feed is full the oldest pending sample is overwritten.
func (h *EmgHistory) Record(s EmgSample) error {
	if _, err := h.feed.EnqueueM(s); err != nil {
		return fmt.Errorf("emg history enqueue: %w", err)
	}
	return nil
}

// Len returns the number of samples in the averaging window.
func (h *EmgHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drain()
	return len(h.window)
}

// Averages returns the per-channel means over the last 100, 200 and 1000
// samples. Windows longer than the history average what is available.
func (h *EmgHistory) Averages() EmgAverages {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drain()

	return EmgAverages{
		HalfSecond: h.average(WindowHalfSecond),
		OneSecond:  h.average(WindowOneSecond),
		FiveSecond: h.average(WindowFiveSecond),
		Samples:    len(h.window),
	}
}

func (h *EmgHistory) drain() {
	for !h.feed.IsEmpty() {
		s, err := h.feed.Dequeue()
		if err != nil {
			return
		}
		if len(h.window) == HistorySize {
			copy(h.window, h.window[1:])
			h.window = h.window[:HistorySize-1]
		}
		h.window = append(h.window, s)
	}
}

func (h *EmgHistory) average(n int) [Channels]float32 {
	var out [Channels]float32
	if n > len(h.window) {
		n = len(h.window)
	}
	if n == 0 {
		return out
	}

	var sum [Channels]float32
	for _, s := range h.window[len(h.window)-n:] {
		for ch, v := range s {
			sum[ch] += float32(v)
		}
	}
	for ch := range out {
		out[ch] = sum[ch] / float32(n)
	}
	return out
}
