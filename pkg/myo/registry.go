package myo

import (
	"errors"
	"fmt"
	"io"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/myolink/internal/device"
)

// Manager owns one Machine per peripheral handle, so every device gets its
// own queues and state and a second connection attempt to the same device
// goes through the existing machine.
type Manager struct {
	machines *hashmap.Map[string, *Machine]
	factory  TransportFactory
	logger   *logrus.Logger
	opts     []Option
}

// NewManager creates a manager that builds transports with factory.
func NewManager(factory TransportFactory, logger *logrus.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Manager{
		machines: hashmap.New[string, *Machine](),
		factory:  factory,
		logger:   logger,
		opts:     opts,
	}
}

// Machine returns the machine for handle, creating it on first use.
func (mg *Manager) Machine(handle device.PeripheralHandle) (*Machine, error) {
	key := handle.Key()
	if key == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	if m, ok := mg.machines.Get(key); ok {
		return m, nil
	}
	if mg.factory == nil {
		return nil, fmt.Errorf("%w: no transport factory", device.ErrTransportUnavailable)
	}

	transport, err := mg.factory(handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", device.ErrTransportUnavailable, err)
	}

	created := NewMachine(handle, transport, mg.logger, mg.opts...)
	m, loaded := mg.machines.GetOrInsert(key, created)
	if loaded {
		// lost the race, keep the first machine
		_ = created.Close()
	} else {
		mg.logger.WithField("address", handle.Address).Debug("Created machine")
	}
	return m, nil
}

// Lookup returns the machine for handle without creating one.
func (mg *Manager) Lookup(handle device.PeripheralHandle) (*Machine, bool) {
	return mg.machines.Get(handle.Key())
}

// Remove closes and forgets the machine for handle.
func (mg *Manager) Remove(handle device.PeripheralHandle) error {
	m, ok := mg.machines.Get(handle.Key())
	if !ok {
		return nil
	}
	mg.machines.Del(handle.Key())
	return m.Close()
}

// Len returns the number of managed machines.
func (mg *Manager) Len() int {
	return mg.machines.Len()
}

// Range calls fn for every machine until it returns false.
func (mg *Manager) Range(fn func(*Machine) bool) {
	mg.machines.Range(func(_ string, m *Machine) bool {
		return fn(m)
	})
}

// Close closes every machine.
func (mg *Manager) Close() error {
	var errs []error
	var keys []string
	mg.machines.Range(func(key string, m *Machine) bool {
		keys = append(keys, key)
		errs = append(errs, m.Close())
		return true
	})
	for _, k := range keys {
		mg.machines.Del(k)
	}
	return errors.Join(errs...)
}
