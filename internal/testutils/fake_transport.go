package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"

	"github.com/srg/myolink/internal/device"
	"github.com/srg/myolink/pkg/myo"
)

// MyoProfile returns the GATT layout of a Myo armband, minus any
// characteristic listed in without.
func MyoProfile(without ...ble.UUID) []myo.ServiceInfo {
	notify := ble.CharNotify
	services := []myo.ServiceInfo{
		{
			UUID: myo.ControlServiceUUID,
			Characteristics: []myo.CharacteristicInfo{
				{UUID: myo.InfoCharacteristicUUID, Properties: ble.CharRead},
				{UUID: myo.FirmwareCharacteristicUUID, Properties: ble.CharRead},
				{UUID: myo.CommandCharacteristicUUID, Properties: ble.CharWrite},
			},
		},
		{
			UUID: myo.EmgServiceUUID,
			Characteristics: []myo.CharacteristicInfo{
				{UUID: myo.Emg0UUID, Properties: notify, HasClientConfig: true},
				{UUID: myo.Emg1UUID, Properties: notify, HasClientConfig: true},
				{UUID: myo.Emg2UUID, Properties: notify, HasClientConfig: true},
				{UUID: myo.Emg3UUID, Properties: notify, HasClientConfig: true},
			},
		},
		{
			UUID: myo.ImuServiceUUID,
			Characteristics: []myo.CharacteristicInfo{
				{UUID: myo.ImuCharacteristicUUID, Properties: notify, HasClientConfig: true},
			},
		},
	}

	for i := range services {
		kept := services[i].Characteristics[:0]
		for _, c := range services[i].Characteristics {
			if !containsUUID(without, c.UUID) {
				kept = append(kept, c)
			}
		}
		services[i].Characteristics = kept
	}
	return services
}

func containsUUID(list []ble.UUID, u ble.UUID) bool {
	for _, x := range list {
		if x.Equal(u) {
			return true
		}
	}
	return false
}

// DeviceInfoPayload is a valid info characteristic value.
var DeviceInfoPayload = []byte{0xc8, 0x2f, 0x8a, 0x11, 0x22, 0x33, 0x05, 0x00, 0x01, 0x00, 0x02, 0x01}

// FakeTransport is a scripted myo.Transport. By default every asynchronous
// operation completes successfully right away; set Manual to drive the
// callbacks from the test with the Fire helpers.
//
// Command writes go through the embedded mock when MockWrites is set, so
// tests can script failures with On("WriteCharacteristic", ...).
type FakeTransport struct {
	mock.Mock

	Services      []myo.ServiceInfo
	InfoValue     []byte
	Manual        bool
	MockWrites    bool
	ConnectErr    error
	DiscoverErr   error
	DescriptorErr map[string]error // keyed by normalized characteristic UUID
	EnableErr     map[string]error // returned by EnableNotifications itself

	mu     sync.Mutex
	events myo.TransportEvents
	calls  []string
	writes [][]byte
}

// NewFakeTransport returns a transport exposing the full Myo profile.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		Services:  MyoProfile(),
		InfoValue: DeviceInfoPayload,
	}
}

func (f *FakeTransport) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func key(u ble.UUID) string {
	return device.NormalizeUUID(u.String())
}

func (f *FakeTransport) Connect(_ context.Context, _ device.PeripheralHandle, events myo.TransportEvents) error {
	f.record("connect")
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.mu.Lock()
	f.events = events
	f.mu.Unlock()
	if !f.Manual {
		events.OnConnectionChange(true, nil)
	}
	return nil
}

func (f *FakeTransport) DiscoverServices() error {
	f.record("discover")
	if !f.Manual {
		f.Events().OnServicesFound(f.Services, f.DiscoverErr)
	}
	return nil
}

func (f *FakeTransport) EnableNotifications(service, characteristic ble.UUID) error {
	f.record("cccd:" + key(characteristic))
	if err := f.EnableErr[key(characteristic)]; err != nil {
		return err
	}
	if !f.Manual {
		f.Events().OnDescriptorWriteDone(service, characteristic, f.DescriptorErr[key(characteristic)])
	}
	return nil
}

func (f *FakeTransport) ReadCharacteristic(service, characteristic ble.UUID) error {
	f.record("read:" + key(characteristic))
	if !f.Manual {
		f.Events().OnCharacteristicReadDone(service, characteristic, f.InfoValue, nil)
	}
	return nil
}

func (f *FakeTransport) WriteCharacteristic(ctx context.Context, service, characteristic ble.UUID, data []byte) error {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("write:% x", data))
	f.writes = append(f.writes, append([]byte(nil), data...))
	f.mu.Unlock()

	if f.MockWrites {
		args := f.Called(ctx, data)
		return args.Error(0)
	}
	return nil
}

func (f *FakeTransport) Disconnect() error {
	f.record("disconnect")
	return nil
}

// Events returns the callbacks registered by the last Connect.
func (f *FakeTransport) Events() myo.TransportEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

// CallLog returns every transport call in order.
func (f *FakeTransport) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Writes returns every command buffer written.
func (f *FakeTransport) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// CountWrites returns how many times cmd was written.
func (f *FakeTransport) CountWrites(cmd myo.Command) int {
	n := 0
	for _, w := range f.Writes() {
		if string(w) == string(cmd) {
			n++
		}
	}
	return n
}

// FireConnected reports a successful link.
func (f *FakeTransport) FireConnected() {
	f.Events().OnConnectionChange(true, nil)
}

// FireDisconnected reports a lost link.
func (f *FakeTransport) FireDisconnected(err error) {
	f.Events().OnConnectionChange(false, err)
}

// FireServices reports the discovered profile.
func (f *FakeTransport) FireServices() {
	f.Events().OnServicesFound(f.Services, f.DiscoverErr)
}

// FireNotification delivers a characteristic value change.
func (f *FakeTransport) FireNotification(characteristic ble.UUID, value []byte) {
	f.Events().OnCharacteristicChanged(characteristic, value)
}
