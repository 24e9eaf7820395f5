package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/myolink/internal/device"
	"github.com/srg/myolink/pkg/myo"
)

func TestFormatVersion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1.2.3", "v1.2.3"},
		{"v1.2.3", "v1.2.3"},
		{"dev", "dev"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatVersion(tt.in))
	}
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		hint string
	}{
		{"bluetooth off", fmt.Errorf("%w: %w", device.ErrTransportUnavailable, device.ErrBluetoothOff), "turn Bluetooth on"},
		{"no adapter", device.ErrTransportUnavailable, "CAP_NET_ADMIN"},
		{"unsupported", device.ErrUnsupported, "no BLE backend"},
		{"not a myo", &device.NotFoundError{Resource: "service", UUIDs: []string{"d5060001"}}, "is this a Myo"},
		{"lost", fmt.Errorf("%w: boom", ErrConnectionLost), "move the armband closer"},
		{"timeout", fmt.Errorf("not ready: %w", device.ErrTimeout), "asleep"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := FormatUserError(tt.err)
			assert.True(t, strings.HasPrefix(msg, tt.err.Error()), msg)
			assert.Contains(t, msg, tt.hint)
		})
	}

	assert.Empty(t, FormatUserError(nil))
	assert.Equal(t, "plain", FormatUserError(errors.New("plain")))
	freq := fmt.Errorf("--frequency 500: %w", myo.ErrInvalidFrequency)
	assert.Equal(t, freq.Error(), FormatUserError(freq))
}

func TestSampleFormatter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newSampleFormatter(func() time.Time { return now })
	now = now.Add(1500 * time.Millisecond)

	assert.Equal(t,
		[]string{"emg", "1500", "1", "-2", "3", "-4", "5", "-6", "7", "-128"},
		f.emg(myo.EmgSample{1, -2, 3, -4, 5, -6, 7, -128}))

	imu := f.imu(myo.ImuSample{
		Orientation:   [4]float32{1, 0, 0, 0},
		Accelerometer: [3]float32{0, 0, 1},
		Gyroscope:     [3]float32{0.5, 0, -0.25},
	})
	assert.Equal(t, []string{
		"imu", "1500",
		"1.0000", "0.0000", "0.0000", "0.0000",
		"0.0000", "0.0000", "1.0000",
		"0.5000", "0.0000", "-0.2500",
	}, imu)

	avg := f.averages(myo.EmgAverages{HalfSecond: [myo.Channels]float32{1.5}})
	require.Len(t, avg, 3)
	assert.Equal(t, []string{"avg_500ms", "1500", "1.50", "0.00", "0.00", "0.00", "0.00", "0.00", "0.00", "0.00"}, avg[0])
	assert.Equal(t, "avg_1s", avg[1][0])
	assert.Equal(t, "avg_5s", avg[2][0])
}

// syncBuffer is a bytes.Buffer safe for the printer goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProgressPrinter(t *testing.T) {
	out := &syncBuffer{}
	p := NewProgressPrinter(out, "Connecting to dev", "connecting", "ready")
	p.Start()

	cb := p.Callback()
	cb("configuring")
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "(configuring")
	}, time.Second, 10*time.Millisecond)

	cb("ready")
	p.Stop()

	text := out.String()
	assert.True(t, strings.HasPrefix(text, "\rConnecting to dev (connecting...)"), text)
	assert.True(t, strings.HasSuffix(text, clearLineSequence), "line is cleared once")
	assert.Equal(t, 1, strings.Count(text, clearLineSequence))
	assert.Panics(t, p.Start)
}

func TestProgressPrinterStopWithoutStart(t *testing.T) {
	out := &syncBuffer{}
	p := NewProgressPrinter(out, "x", "y")
	p.Stop()
	p.Stop()
	assert.Empty(t, out.String())
}

func TestFrequencyUsage(t *testing.T) {
	usage := streamCmd.Flags().Lookup("frequency").Usage
	assert.Contains(t, usage, "0-200")
	assert.Contains(t, usage, "presets: 1, 2, 5, 10, 25, 50, 100, 200")
}
