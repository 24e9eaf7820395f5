package myo

import (
	"time"

	"github.com/mcuadros/go-defaults"
)

// Options tunes a Machine. Zero fields are filled from the default tags.
type Options struct {
	KeepAlive         bool          `default:"true"`
	KeepAliveInterval time.Duration `default:"10s"`
	RetryAttempts     int           `default:"3"`
	RetryBackoff      time.Duration `default:"100ms"`
	// Frequency is the EMG sub-sampling rate in Hz, 0 for none.
	Frequency     int `default:"0"`
	EventBuffer   int `default:"256"`
	CommandBuffer int `default:"16"`
	SampleBuffer  int `default:"1024"`

	now func() time.Time
}

// Option configures a Machine.
type Option func(*Options)

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	opts := Options{}
	defaults.SetDefaults(&opts)
	opts.now = time.Now
	return opts
}

func buildOptions(opts ...Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.RetryAttempts < 1 {
		o.RetryAttempts = 1
	}
	return o
}

// WithKeepAlive enables or disables the notification-driven unsleep command.
func WithKeepAlive(enabled bool) Option {
	return func(o *Options) {
		o.KeepAlive = enabled
	}
}

// WithKeepAliveInterval sets how long to wait between keep-alive commands.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(o *Options) {
		o.KeepAliveInterval = d
	}
}

// WithRetry sets the attempt bound and backoff used by SendCommandWithRetry.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(o *Options) {
		o.RetryAttempts = attempts
		o.RetryBackoff = backoff
	}
}

// WithFrequency sets the initial EMG sub-sampling rate.
func WithFrequency(hz int) Option {
	return func(o *Options) {
		o.Frequency = hz
	}
}

// WithSampleBuffer sets the per-subscriber buffer size.
func WithSampleBuffer(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.SampleBuffer = n
		}
	}
}

// WithClock replaces time.Now for keep-alive bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.now = now
	}
}
