package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	goble "github.com/srg/myolink/internal/device/go-ble"
	"github.com/srg/myolink/pkg/myo"
)

// OutputFormats lists the accepted values of Config.OutputFormat.
var OutputFormats = []string{"table", "json", "csv"}

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"info"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	WriteTimeout   time.Duration `yaml:"write_timeout" default:"5s"`
	OutputFormat   string        `yaml:"output_format" default:"table"`

	KeepAlive         bool          `yaml:"keep_alive" default:"true"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" default:"10s"`
	RetryAttempts     int           `yaml:"retry_attempts" default:"3"`
	RetryBackoff      time.Duration `yaml:"retry_backoff" default:"100ms"`
	// Frequency is the EMG rate in Hz, 0 streams every sample.
	Frequency    int `yaml:"frequency" default:"0"`
	SampleBuffer int `yaml:"sample_buffer" default:"1024"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first out-of-range value.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if !validFormat(c.OutputFormat) {
		return fmt.Errorf("output_format %q: expected one of %v", c.OutputFormat, OutputFormats)
	}
	if c.Frequency < 0 || c.Frequency > myo.MaxFrequency {
		return fmt.Errorf("frequency %d: %w", c.Frequency, myo.ErrInvalidFrequency)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1, got %d", c.RetryAttempts)
	}
	if c.ConnectTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

func validFormat(f string) bool {
	for _, v := range OutputFormats {
		if f == v {
			return true
		}
	}
	return false
}

// Level returns the parsed log level, info when unparsable.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// MachineOptions converts the configuration to machine options.
func (c *Config) MachineOptions() []myo.Option {
	return []myo.Option{
		myo.WithKeepAlive(c.KeepAlive),
		myo.WithKeepAliveInterval(c.KeepAliveInterval),
		myo.WithRetry(c.RetryAttempts, c.RetryBackoff),
		myo.WithFrequency(c.Frequency),
		myo.WithSampleBuffer(c.SampleBuffer),
	}
}

// TransportOptions converts the configuration to go-ble transport options.
func (c *Config) TransportOptions() []goble.Option {
	return []goble.Option{
		goble.WithConnectTimeout(c.ConnectTimeout),
		goble.WithWriteTimeout(c.WriteTimeout),
	}
}
