package goble

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/myolink/internal/device"
	"github.com/srg/myolink/internal/groutine"
	"github.com/srg/myolink/pkg/myo"
)

// gattClient is the part of ble.Client the transport relies on.
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ClearSubscriptions() error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// dialFunc opens a GATT client to address.
type dialFunc func(ctx context.Context, address string) (gattClient, error)

// Options tunes the go-ble transport.
type Options struct {
	ConnectTimeout time.Duration `default:"30s"`
	WriteTimeout   time.Duration `default:"5s"`
}

// Option mutates Options.
type Option func(*Options)

// WithConnectTimeout bounds the dial.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.ConnectTimeout = d
		}
	}
}

// WithWriteTimeout bounds a single command write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.WriteTimeout = d
		}
	}
}

// Transport implements myo.Transport on top of go-ble. Asynchronous
// operations run on their own goroutines and report through the events
// registered by Connect.
type Transport struct {
	logger *logrus.Logger
	opts   Options
	dialer func() (dialFunc, error)

	mu      sync.Mutex
	handle  device.PeripheralHandle
	events  myo.TransportEvents
	client  gattClient
	chars   map[string]*ble.Characteristic
	ctx     context.Context
	cancel  context.CancelCauseFunc
	dialing bool
}

// NewTransport creates a transport backed by the platform BLE device.
func NewTransport(logger *logrus.Logger, opts ...Option) *Transport {
	return newTransport(logger, deviceDialer, opts...)
}

func newTransport(logger *logrus.Logger, dialer func() (dialFunc, error), opts ...Option) *Transport {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	o := Options{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &Transport{
		logger: logger,
		opts:   o,
		dialer: dialer,
	}
}

// Factory returns a myo.TransportFactory producing go-ble transports.
func Factory(logger *logrus.Logger, opts ...Option) myo.TransportFactory {
	return func(device.PeripheralHandle) (myo.Transport, error) {
		return NewTransport(logger, opts...), nil
	}
}

// deviceDialer dials through the shared platform device.
func deviceDialer() (dialFunc, error) {
	dev, err := sharedDevice()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, address string) (gattClient, error) {
		client, err := dev.Dial(ctx, ble.NewAddr(address))
		if err != nil {
			return nil, err
		}
		return client, nil
	}, nil
}

var (
	deviceMu sync.Mutex
	device0  ble.Device
)

// sharedDevice creates the platform device once. The host adapter can only
// be opened once per process.
func sharedDevice() (ble.Device, error) {
	deviceMu.Lock()
	defer deviceMu.Unlock()
	if device0 != nil {
		return device0, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, err
	}
	device0 = dev
	return dev, nil
}

func (t *Transport) log() *logrus.Entry {
	t.mu.Lock()
	address := t.handle.Address
	t.mu.Unlock()
	return t.logger.WithField("address", address)
}

// Connect starts dialing handle and returns. Success or failure is reported
// through events.OnConnectionChange.
func (t *Transport) Connect(ctx context.Context, handle device.PeripheralHandle, events myo.TransportEvents) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil || t.dialing {
		return device.ErrAlreadyConnected
	}
	dial, err := t.dialer()
	if err != nil {
		t.logger.WithField("error", err).Error("Failed to create BLE device")
		return NormalizeError(err)
	}

	t.handle = handle
	t.events = events
	t.chars = make(map[string]*ble.Characteristic)
	t.ctx, t.cancel = context.WithCancelCause(ctx)
	t.dialing = true

	connCtx := t.ctx
	groutine.Go(connCtx, "ble-dial", func(ctx context.Context) {
		t.dial(ctx, dial, handle, events)
	})
	return nil
}

func (t *Transport) dial(ctx context.Context, dial dialFunc, handle device.PeripheralHandle, events myo.TransportEvents) {
	dialCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	t.log().WithField("timeout", t.opts.ConnectTimeout).Debug("Dialing BLE device...")
	client, err := dial(dialCtx, handle.Address)

	t.mu.Lock()
	if ctx.Err() != nil {
		// disconnected while dialing
		t.mu.Unlock()
		if client != nil {
			_ = client.CancelConnection()
		}
		return
	}
	t.dialing = false
	if err != nil {
		t.detach(err)
		t.mu.Unlock()
		t.log().WithField("error", err).Error("Failed to dial BLE device")
		events.OnConnectionChange(false, fmt.Errorf("failed to connect to device with address %q: %w", handle.Address, NormalizeError(err)))
		return
	}
	t.client = client
	t.mu.Unlock()

	groutine.Go(ctx, "ble-connection-monitor", func(ctx context.Context) {
		t.monitor(ctx, client, events)
	})

	t.log().Info("BLE device connected")
	events.OnConnectionChange(true, nil)
}

// monitor reports a link lost without a Disconnect call.
func (t *Transport) monitor(ctx context.Context, client gattClient, events myo.TransportEvents) {
	select {
	case <-client.Disconnected():
	case <-ctx.Done():
		return
	}

	t.mu.Lock()
	if t.client != client {
		t.mu.Unlock()
		return
	}
	t.detach(device.ErrNotConnected)
	t.mu.Unlock()

	t.log().Warn("BLE stack reported disconnection")
	events.OnConnectionChange(false, device.ErrNotConnected)
}

// detach forgets the current client. Callers hold t.mu.
func (t *Transport) detach(cause error) {
	t.client = nil
	t.chars = nil
	if t.cancel != nil {
		t.cancel(cause)
		t.cancel = nil
	}
}

// session returns the connected client and its callbacks.
func (t *Transport) session() (gattClient, myo.TransportEvents, context.Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, nil, nil, device.ErrNotConnected
	}
	return t.client, t.events, t.ctx, nil
}

// DiscoverServices walks the GATT profile and reports it through OnServicesFound.
func (t *Transport) DiscoverServices() error {
	client, events, ctx, err := t.session()
	if err != nil {
		return err
	}

	groutine.Go(ctx, "ble-discover", func(ctx context.Context) {
		profile, err := client.DiscoverProfile(true)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.log().WithField("error", err).Error("Failed to discover profile")
			events.OnServicesFound(nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err)))
			return
		}

		t.mu.Lock()
		if t.client == client {
			t.chars = indexProfile(profile)
		}
		t.mu.Unlock()

		services := servicesFromProfile(profile)
		t.logProfile(services)
		events.OnServicesFound(services, nil)
	})
	return nil
}

func (t *Transport) logProfile(services []myo.ServiceInfo) {
	if !t.logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	for _, s := range services {
		for _, c := range s.Characteristics {
			t.log().WithFields(logrus.Fields{
				"service_uuid": s.UUID.String(),
				"char_uuid":    c.UUID.String(),
				"properties":   PropertyNames(c.Properties),
			}).Debug("Found characteristic")
		}
	}
}

func (t *Transport) characteristic(service, char ble.UUID) (*ble.Characteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chars[charKey(service, char)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service.String(), char.String()}}
	}
	return c, nil
}

// EnableNotifications subscribes to char, which writes its client config
// descriptor, and reports the outcome through OnDescriptorWriteDone.
func (t *Transport) EnableNotifications(service, char ble.UUID) error {
	client, events, ctx, err := t.session()
	if err != nil {
		return err
	}
	c, err := t.characteristic(service, char)
	if err != nil {
		return err
	}

	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
	groutine.Go(ctx, "ble-subscribe", func(ctx context.Context) {
		err := NormalizeError(client.Subscribe(c, indicate, func(data []byte) {
			if ctx.Err() == nil {
				events.OnCharacteristicChanged(char, data)
			}
		}))
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.log().WithFields(logrus.Fields{
				"char_uuid": char.String(),
				"error":     err,
			}).Error("Failed to subscribe to characteristic notifications")
		}
		events.OnDescriptorWriteDone(service, char, err)
	})
	return nil
}

// ReadCharacteristic reads char and reports the value through OnCharacteristicReadDone.
func (t *Transport) ReadCharacteristic(service, char ble.UUID) error {
	client, events, ctx, err := t.session()
	if err != nil {
		return err
	}
	c, err := t.characteristic(service, char)
	if err != nil {
		return err
	}

	groutine.Go(ctx, "ble-read", func(ctx context.Context) {
		value, err := client.ReadCharacteristic(c)
		if ctx.Err() != nil {
			return
		}
		events.OnCharacteristicReadDone(service, char, value, NormalizeError(err))
	})
	return nil
}

// WriteCharacteristic writes data and blocks until the write completes, ctx
// is done or the write timeout elapses.
func (t *Transport) WriteCharacteristic(ctx context.Context, service, char ble.UUID, data []byte) error {
	client, _, connCtx, err := t.session()
	if err != nil {
		return err
	}
	c, err := t.characteristic(service, char)
	if err != nil {
		return err
	}
	noRsp := c.Property&ble.CharWrite == 0 && c.Property&ble.CharWriteNR != 0

	done := make(chan error, 1)
	payload := append([]byte(nil), data...)
	groutine.Go(connCtx, "ble-write", func(context.Context) {
		done <- client.WriteCharacteristic(c, payload, noRsp)
	})

	timer := time.NewTimer(t.opts.WriteTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return NormalizeError(err)
	case <-timer.C:
		return fmt.Errorf("%w: write to %s after %s", device.ErrTimeout, char, t.opts.WriteTimeout)
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-connCtx.Done():
		return context.Cause(connCtx)
	}
}

// Disconnect drops subscriptions and closes the link. Safe to call in any state.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	client := t.client
	dialing := t.dialing
	t.detach(device.ErrNotConnected)
	t.dialing = false
	t.mu.Unlock()

	if client == nil {
		if dialing {
			t.log().Debug("Disconnect cancelled a pending dial")
		}
		return nil
	}

	t.log().Info("Disconnecting BLE device...")
	if err := client.ClearSubscriptions(); err != nil {
		t.log().WithField("error", err).Warn("Failed to clear subscriptions")
	}
	if err := NormalizeError(client.CancelConnection()); err != nil {
		t.log().WithField("error", err).Warn("BLE device disconnected with errors")
		return err
	}
	t.log().Info("BLE device disconnected")
	return nil
}
