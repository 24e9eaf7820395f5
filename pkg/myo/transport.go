package myo

import (
	"context"

	"github.com/go-ble/ble"

	"github.com/srg/myolink/internal/device"
)

// CharacteristicInfo describes one discovered characteristic.
type CharacteristicInfo struct {
	UUID            ble.UUID
	Properties      ble.Property
	HasClientConfig bool
}

// ServiceInfo describes one discovered service.
type ServiceInfo struct {
	UUID            ble.UUID
	Characteristics []CharacteristicInfo
}

func (s ServiceInfo) characteristic(u ble.UUID) (CharacteristicInfo, bool) {
	for _, c := range s.Characteristics {
		if c.UUID.Equal(u) {
			return c, true
		}
	}
	return CharacteristicInfo{}, false
}

// Transport is the GATT link to one peripheral. Every method except
// WriteCharacteristic only starts the operation and returns; the outcome is
// reported through the TransportEvents given to Connect.
type Transport interface {
	Connect(ctx context.Context, handle device.PeripheralHandle, events TransportEvents) error
	DiscoverServices() error
	EnableNotifications(service, characteristic ble.UUID) error
	ReadCharacteristic(service, characteristic ble.UUID) error
	// WriteCharacteristic blocks until the write is acknowledged or fails.
	WriteCharacteristic(ctx context.Context, service, characteristic ble.UUID, data []byte) error
	Disconnect() error
}

// TransportEvents receives transport callbacks. Implementations must return
// quickly; Machine only enqueues them for its event loop.
type TransportEvents interface {
	OnConnectionChange(connected bool, err error)
	OnServicesFound(services []ServiceInfo, err error)
	OnDescriptorWriteDone(service, characteristic ble.UUID, err error)
	OnCharacteristicReadDone(service, characteristic ble.UUID, value []byte, err error)
	OnCharacteristicChanged(characteristic ble.UUID, value []byte)
}

// TransportFactory creates a transport for a peripheral.
type TransportFactory func(handle device.PeripheralHandle) (Transport, error)
