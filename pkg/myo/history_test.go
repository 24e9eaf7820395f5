package myo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmgHistory_Empty(t *testing.T) {
	h := NewEmgHistory()
	avg := h.Averages()
	assert.Equal(t, 0, avg.Samples)
	assert.Equal(t, [Channels]float32{}, avg.FiveSecond)
}

func TestEmgHistory_PartialWindows(t *testing.T) {
	h := NewEmgHistory()
	require.NoError(t, h.Record(EmgSample{10, 20, 30, 40, 50, 60, 70, 80}))
	require.NoError(t, h.Record(EmgSample{-10, 0, 10, 20, 30, 40, 50, 60}))

	avg := h.Averages()

	want := [Channels]float32{0, 10, 20, 30, 40, 50, 60, 70}
	assert.Equal(t, 2, avg.Samples)
	assert.Equal(t, want, avg.HalfSecond)
	assert.Equal(t, want, avg.OneSecond)
	assert.Equal(t, want, avg.FiveSecond)
}

func TestEmgHistory_Windows(t *testing.T) {
	h := NewEmgHistory()

	// 1100 samples in total: 900 of 1 followed by 200 of 3.
	// Record in small batches so the feed never overflows before it is drained.
	for i := 0; i < 1100; i++ {
		v := int8(1)
		if i >= 900 {
			v = 3
		}
		require.NoError(t, h.Record(EmgSample{v, v, v, v, v, v, v, v}))
		if i%50 == 0 {
			h.Len()
		}
	}

	avg := h.Averages()

	assert.Equal(t, HistorySize, avg.Samples)
	assert.InDelta(t, 3.0, avg.HalfSecond[0], 1e-6)
	assert.InDelta(t, 3.0, avg.OneSecond[7], 1e-6)
	// last 1000: 800 ones and 200 threes
	assert.InDelta(t, (800.0+600.0)/1000.0, avg.FiveSecond[3], 1e-5)
}
