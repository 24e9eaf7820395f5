package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/srg/myolink/internal/device"
	"github.com/srg/myolink/internal/testutils"
	"github.com/srg/myolink/pkg/myo"
)

type mockClient struct {
	mock.Mock
	disconnected chan struct{}
}

func newMockClient() *mockClient {
	return &mockClient{disconnected: make(chan struct{})}
}

func (m *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *mockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *mockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	v, _ := args.Get(0).([]byte)
	return v, args.Error(1)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockClient) ClearSubscriptions() error {
	return m.Called().Error(0)
}

func (m *mockClient) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *mockClient) Disconnected() <-chan struct{} {
	return m.disconnected
}

type transportEvent struct {
	kind     string
	connect  bool
	err      error
	services []myo.ServiceInfo
	value    []byte
}

// eventRecorder collects transport callbacks on a channel.
type eventRecorder struct {
	ch chan transportEvent
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan transportEvent, 32)}
}

func (r *eventRecorder) OnConnectionChange(connected bool, err error) {
	r.ch <- transportEvent{kind: "connection", connect: connected, err: err}
}

func (r *eventRecorder) OnServicesFound(services []myo.ServiceInfo, err error) {
	r.ch <- transportEvent{kind: "services", services: services, err: err}
}

func (r *eventRecorder) OnDescriptorWriteDone(_, _ ble.UUID, err error) {
	r.ch <- transportEvent{kind: "cccd", err: err}
}

func (r *eventRecorder) OnCharacteristicReadDone(_, _ ble.UUID, value []byte, err error) {
	r.ch <- transportEvent{kind: "read", value: value, err: err}
}

func (r *eventRecorder) OnCharacteristicChanged(_ ble.UUID, value []byte) {
	r.ch <- transportEvent{kind: "changed", value: append([]byte(nil), value...)}
}

func myoProfile() *ble.Profile {
	emg0 := &ble.Characteristic{UUID: myo.Emg0UUID, Property: ble.CharNotify}
	emg0.CCCD = &ble.Descriptor{UUID: ble.ClientCharacteristicConfigUUID}
	return &ble.Profile{Services: []*ble.Service{
		{
			UUID: myo.ControlServiceUUID,
			Characteristics: []*ble.Characteristic{
				{UUID: myo.InfoCharacteristicUUID, Property: ble.CharRead},
				{UUID: myo.CommandCharacteristicUUID, Property: ble.CharWrite},
			},
		},
		{UUID: myo.EmgServiceUUID, Characteristics: []*ble.Characteristic{emg0}},
		{
			UUID: myo.ImuServiceUUID,
			Characteristics: []*ble.Characteristic{
				{UUID: myo.ImuCharacteristicUUID, Property: ble.CharIndicate},
			},
		},
	}}
}

type TransportSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	client    *mockClient
	events    *eventRecorder
	dialErr   error
	transport *Transport
	handle    device.PeripheralHandle
}

func TestTransportSuite(t *testing.T) {
	suite.Run(t, new(TransportSuite))
}

func (s *TransportSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.client = newMockClient()
	s.events = newEventRecorder()
	s.dialErr = nil
	s.handle = device.PeripheralHandle{Address: "c8:2f:8a:11:22:33"}
	s.transport = newTransport(s.helper.Logger, func() (dialFunc, error) {
		return func(context.Context, string) (gattClient, error) {
			if s.dialErr != nil {
				return nil, s.dialErr
			}
			return s.client, nil
		}, nil
	}, WithWriteTimeout(50*time.Millisecond))
}

func (s *TransportSuite) next(kind string) transportEvent {
	select {
	case ev := <-s.events.ch:
		s.Require().Equal(kind, ev.kind)
		return ev
	case <-time.After(2 * time.Second):
		s.FailNowf("timed out", "no %s event", kind)
	}
	return transportEvent{}
}

func (s *TransportSuite) connect() {
	s.Require().NoError(s.transport.Connect(context.Background(), s.handle, s.events))
	ev := s.next("connection")
	s.Require().True(ev.connect)
	s.Require().NoError(ev.err)
}

func (s *TransportSuite) connectAndDiscover() {
	s.connect()
	s.client.On("DiscoverProfile", true).Return(myoProfile(), nil).Once()
	s.Require().NoError(s.transport.DiscoverServices())
	s.next("services")
}

func (s *TransportSuite) TestConnectAndDiscover() {
	s.connect()
	s.client.On("DiscoverProfile", true).Return(myoProfile(), nil).Once()

	s.Require().NoError(s.transport.DiscoverServices())

	ev := s.next("services")
	s.NoError(ev.err)
	s.Require().Len(ev.services, 3)
	s.True(ev.services[1].Characteristics[0].HasClientConfig)
	s.False(ev.services[2].Characteristics[0].HasClientConfig)
	s.Equal(ble.CharIndicate, ev.services[2].Characteristics[0].Properties)
}

func (s *TransportSuite) TestConnectTwiceIsRejected() {
	s.connect()
	s.ErrorIs(s.transport.Connect(context.Background(), s.handle, s.events), device.ErrAlreadyConnected)
}

func (s *TransportSuite) TestDialFailureIsReported() {
	s.dialErr = errors.New("bluetooth is turned off")
	s.Require().NoError(s.transport.Connect(context.Background(), s.handle, s.events))

	ev := s.next("connection")
	s.False(ev.connect)
	s.ErrorIs(ev.err, device.ErrBluetoothOff)
	s.ErrorIs(s.transport.DiscoverServices(), device.ErrNotConnected)

	s.dialErr = nil
	s.connect()
}

func (s *TransportSuite) TestDeviceCreationFailure() {
	tr := newTransport(nil, func() (dialFunc, error) {
		return nil, errors.New("can't init hci: no devices available")
	})
	err := tr.Connect(context.Background(), s.handle, s.events)
	s.ErrorIs(err, device.ErrTransportUnavailable)
}

func (s *TransportSuite) TestDiscoveryFailureIsReported() {
	s.connect()
	s.client.On("DiscoverProfile", true).Return(nil, errors.New("att timeout")).Once()

	s.Require().NoError(s.transport.DiscoverServices())

	ev := s.next("services")
	s.ErrorContains(ev.err, "att timeout")
}

func (s *TransportSuite) TestEnableNotificationsSubscribesAndForwards() {
	s.connectAndDiscover()
	var handler ble.NotificationHandler
	s.client.On("Subscribe", mock.Anything, false, mock.Anything).
		Run(func(args mock.Arguments) { handler = args.Get(2).(ble.NotificationHandler) }).
		Return(nil).Once()

	s.Require().NoError(s.transport.EnableNotifications(myo.EmgServiceUUID, myo.Emg0UUID))
	s.NoError(s.next("cccd").err)

	handler([]byte{1, 2, 3})
	s.Equal([]byte{1, 2, 3}, s.next("changed").value)
}

func (s *TransportSuite) TestEnableNotificationsUsesIndicateWhenNotifyMissing() {
	s.connectAndDiscover()
	s.client.On("Subscribe", mock.Anything, true, mock.Anything).Return(errors.New("gatt 133")).Once()

	s.Require().NoError(s.transport.EnableNotifications(myo.ImuServiceUUID, myo.ImuCharacteristicUUID))

	s.ErrorContains(s.next("cccd").err, "gatt 133")
	s.client.AssertExpectations(s.T())
}

func (s *TransportSuite) TestUnknownCharacteristic() {
	s.connectAndDiscover()
	err := s.transport.ReadCharacteristic(myo.ControlServiceUUID, myo.Emg0UUID)
	var nf *device.NotFoundError
	s.ErrorAs(err, &nf)
}

func (s *TransportSuite) TestReadCharacteristic() {
	s.connectAndDiscover()
	s.client.On("ReadCharacteristic", mock.Anything).Return(testutils.DeviceInfoPayload, nil).Once()

	s.Require().NoError(s.transport.ReadCharacteristic(myo.ControlServiceUUID, myo.InfoCharacteristicUUID))

	ev := s.next("read")
	s.NoError(ev.err)
	s.Equal(testutils.DeviceInfoPayload, ev.value)
}

func (s *TransportSuite) TestWriteCharacteristic() {
	s.connectAndDiscover()
	cmd := []byte(myo.MustBuildCommand(myo.Unsleep))
	s.client.On("WriteCharacteristic", mock.Anything, cmd, false).Return(nil).Once()

	s.NoError(s.transport.WriteCharacteristic(context.Background(), myo.ControlServiceUUID, myo.CommandCharacteristicUUID, cmd))
	s.client.AssertExpectations(s.T())
}

func (s *TransportSuite) TestWriteCharacteristicTimesOut() {
	s.connectAndDiscover()
	s.client.On("WriteCharacteristic", mock.Anything, mock.Anything, false).
		Run(func(mock.Arguments) { time.Sleep(300 * time.Millisecond) }).
		Return(nil)

	err := s.transport.WriteCharacteristic(context.Background(), myo.ControlServiceUUID, myo.CommandCharacteristicUUID, []byte{1})

	s.ErrorIs(err, device.ErrTimeout)
}

func (s *TransportSuite) TestWriteCharacteristicHonoursContext() {
	s.connectAndDiscover()
	s.client.On("WriteCharacteristic", mock.Anything, mock.Anything, false).
		Run(func(mock.Arguments) { time.Sleep(300 * time.Millisecond) }).
		Return(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.transport.WriteCharacteristic(ctx, myo.ControlServiceUUID, myo.CommandCharacteristicUUID, []byte{1})

	s.ErrorIs(err, context.Canceled)
}

func (s *TransportSuite) TestLinkLossIsReported() {
	s.connectAndDiscover()

	close(s.client.disconnected)

	ev := s.next("connection")
	s.False(ev.connect)
	s.ErrorIs(ev.err, device.ErrNotConnected)
	s.ErrorIs(s.transport.WriteCharacteristic(context.Background(), myo.ControlServiceUUID, myo.CommandCharacteristicUUID, []byte{1}), device.ErrNotConnected)
}

func (s *TransportSuite) TestDisconnect() {
	s.connectAndDiscover()
	s.client.On("ClearSubscriptions").Return(nil).Once()
	s.client.On("CancelConnection").Return(nil).Once()

	s.Require().NoError(s.transport.Disconnect())

	s.client.AssertExpectations(s.T())
	s.ErrorIs(s.transport.ReadCharacteristic(myo.ControlServiceUUID, myo.InfoCharacteristicUUID), device.ErrNotConnected)
	select {
	case ev := <-s.events.ch:
		s.Failf("unexpected event", "%s", ev.kind)
	case <-time.After(50 * time.Millisecond):
	}

	s.NoError(s.transport.Disconnect(), "second disconnect is a no-op")
}
