package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/myolink/pkg/myo"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.True(t, cfg.KeepAlive)
	assert.Equal(t, 10*time.Second, cfg.KeepAliveInterval)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBackoff)
	assert.Zero(t, cfg.Frequency)
	assert.Equal(t, 1024, cfg.SampleBuffer)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", want: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", want: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", want: logrus.WarnLevel},
		{name: "creates logger with error level", logLevel: "error", want: logrus.ErrorLevel},
		{name: "falls back to info on garbage", logLevel: "chatty", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
log_level: debug
keep_alive: false
retry_attempts: 5
retry_backoff: 250ms
frequency: 50
output_format: csv
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.KeepAlive, "explicit false survives the defaults")
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, 50, cfg.Frequency)
	assert.Equal(t, "csv", cfg.OutputFormat)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout, "untouched fields keep defaults")
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "unknown format", yaml: "output_format: xml", wantErr: "output_format"},
		{name: "bad level", yaml: "log_level: loud", wantErr: "log_level"},
		{name: "frequency too high", yaml: "frequency: 400", wantErr: "frequency"},
		{name: "negative frequency", yaml: "frequency: -1", wantErr: "frequency"},
		{name: "no attempts", yaml: "retry_attempts: 0", wantErr: "retry_attempts"},
		{name: "unknown key", yaml: "colour: blue", wantErr: "invalid yaml"},
		{name: "bad duration", yaml: "retry_backoff: soon", wantErr: "invalid yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	_, err := Parse([]byte("frequency: 201"))
	assert.ErrorIs(t, err, myo.ErrInvalidFrequency)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "myoctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("connect_timeout: 5s\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_MachineOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepAlive = false
	cfg.RetryAttempts = 4
	cfg.RetryBackoff = time.Second
	cfg.Frequency = 20

	opts := myo.DefaultOptions()
	for _, o := range cfg.MachineOptions() {
		o(&opts)
	}

	assert.False(t, opts.KeepAlive)
	assert.Equal(t, 4, opts.RetryAttempts)
	assert.Equal(t, time.Second, opts.RetryBackoff)
	assert.Equal(t, 20, opts.Frequency)
	assert.Equal(t, 1024, opts.SampleBuffer)
	assert.Len(t, cfg.TransportOptions(), 2)
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
