package myo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/myolink/internal/device"
	"github.com/srg/myolink/internal/groutine"
)

// ConnectionState is the lifecycle stage of a Machine.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	ServicesDiscovering
	Configuring
	Ready
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case ServicesDiscovering:
		return "services_discovering"
	case Configuring:
		return "configuring"
	case Ready:
		return "ready"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StreamingState tells whether any data channel is publishing.
type StreamingState int

const (
	NotStreaming StreamingState = iota
	Streaming
)

func (s StreamingState) String() string {
	if s == Streaming {
		return "streaming"
	}
	return "not_streaming"
}

const stateBuffer = 16

// resolution is what configuration found on the device.
type resolution struct {
	command bool
	emg     []ble.UUID
	imu     bool
	info    bool
}

// Machine drives one peripheral connection. All state lives on a single
// event loop goroutine; public methods and transport callbacks talk to it
// through a buffered event channel.
type Machine struct {
	handle    device.PeripheralHandle
	transport Transport
	logger    *logrus.Logger
	opts      Options

	events   chan event
	jobs     chan commandJob
	ctx      context.Context
	stop     context.CancelFunc
	loopDone <-chan struct{}
	workDone <-chan struct{}
	closing  sync.Once

	state     *subject[ConnectionState]
	streaming *subject[StreamingState]
	emg       *hub[EmgSample]
	imu       *hub[ImuSample]
	notices   *hub[Notice]
	info      atomic.Pointer[DeviceInfo]

	// owned by the event loop
	session       uint64
	sessionCtx    context.Context
	sessionCancel context.CancelCauseFunc
	queue         *GattQueue
	found         resolution
	emgActive     bool
	imuActive     bool
	frequency     int
	sampler       *Sampler[EmgSample]
	ticker        *time.Ticker
	lastKeepAlive time.Time
}

// NewMachine creates a machine for handle and starts its event loop and
// command worker. A nil logger disables logging. Call Close to release it.
func NewMachine(handle device.PeripheralHandle, transport Transport, logger *logrus.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	o := buildOptions(opts...)

	ctx, stop := context.WithCancel(context.Background())
	m := &Machine{
		handle:     handle,
		transport:  transport,
		logger:     logger,
		opts:       o,
		events:     make(chan event, o.EventBuffer),
		jobs:       make(chan commandJob, o.CommandBuffer),
		ctx:        ctx,
		stop:       stop,
		state:      newSubject(Disconnected, stateBuffer),
		streaming:  newSubject(NotStreaming, stateBuffer),
		emg:        newHub[EmgSample](o.SampleBuffer),
		imu:        newHub[ImuSample](o.SampleBuffer),
		notices:    newHub[Notice](o.SampleBuffer),
		sessionCtx: ctx,
	}
	m.queue = NewGattQueue(m.dispatch, m.onOperationFailed)
	if err := m.applyFrequency(o.Frequency); err != nil {
		m.log().WithField("error", err).Warn("Ignoring configured EMG frequency")
	}

	m.loopDone = groutine.GoDone(ctx, "myo-event-loop", m.loop)
	m.workDone = groutine.GoDone(ctx, "myo-command-worker", m.worker)
	return m
}

// Handle returns the peripheral this machine is bound to.
func (m *Machine) Handle() device.PeripheralHandle {
	return m.handle
}

// State returns the current connection state.
func (m *Machine) State() ConnectionState {
	return m.state.get()
}

// Streaming returns the current streaming state.
func (m *Machine) Streaming() StreamingState {
	return m.streaming.get()
}

// DeviceInfo returns the last decoded info characteristic, if read.
func (m *Machine) DeviceInfo() (DeviceInfo, bool) {
	if info := m.info.Load(); info != nil {
		return *info, true
	}
	return DeviceInfo{}, false
}

// SubscribeState delivers the current connection state, then every change.
func (m *Machine) SubscribeState() *Subscription[ConnectionState] {
	return m.state.subscribe()
}

// SubscribeStreaming delivers the current streaming state, then every change.
func (m *Machine) SubscribeStreaming() *Subscription[StreamingState] {
	return m.streaming.subscribe()
}

// SubscribeEmg delivers EMG samples published from now on. The subscription
// is closed when the connection ends.
func (m *Machine) SubscribeEmg() *Subscription[EmgSample] {
	return m.emg.subscribe()
}

// SubscribeImu delivers IMU samples published from now on. The subscription
// is closed when the connection ends.
func (m *Machine) SubscribeImu() *Subscription[ImuSample] {
	return m.imu.subscribe()
}

// SubscribeNotices delivers recovered failures. It stays open across reconnects.
func (m *Machine) SubscribeNotices() *Subscription[Notice] {
	return m.notices.subscribe()
}

// WaitForState blocks until the machine reaches target or ctx is done.
func (m *Machine) WaitForState(ctx context.Context, target ConnectionState) error {
	sub := m.SubscribeState()
	defer sub.Close()
	for {
		select {
		case s, ok := <-sub.C():
			if !ok {
				return ErrMachineClosed
			}
			if s == target {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s (current %s): %w", target, m.State(), context.Cause(ctx))
		case <-m.ctx.Done():
			return ErrMachineClosed
		}
	}
}

// Connect starts connecting. It fails with device.ErrAlreadyConnected unless
// the machine is Disconnected, and with device.ErrTransportUnavailable when
// the transport cannot start. Progress is reported through SubscribeState.
func (m *Machine) Connect(ctx context.Context) error {
	return m.request(ctx, &connectRequest{})
}

// Disconnect releases the connection from any state. It is a no-op when
// already Disconnected.
func (m *Machine) Disconnect(ctx context.Context) error {
	return m.request(ctx, &disconnectRequest{})
}

// Close disconnects and stops the machine's goroutines.
func (m *Machine) Close() error {
	m.closing.Do(func() {
		m.stop()
		<-m.loopDone
		<-m.workDone
		m.notices.closeAll()
		m.state.closeAll()
		m.streaming.closeAll()
	})
	return nil
}

func (m *Machine) log() *logrus.Entry {
	return m.logger.WithField("address", m.handle.Address)
}

func (m *Machine) notify(kind NoticeKind, op *PendingOperation, err error) {
	n := Notice{Kind: kind, Op: op, Err: err, At: m.opts.now()}
	m.log().WithFields(logrus.Fields{
		"notice": kind,
		"error":  err,
	}).Warn(n.String())
	m.notices.publish(n)
}

// ----------------------------
// Event loop
// ----------------------------

func (m *Machine) loop(ctx context.Context) {
	for {
		var tick <-chan time.Time
		if m.ticker != nil {
			tick = m.ticker.C
		}

		select {
		case <-ctx.Done():
			m.teardown(ErrMachineClosed, false)
			if m.ticker != nil {
				m.ticker.Stop()
			}
			return
		case ev := <-m.events:
			ev.apply(m)
		case now := <-tick:
			m.onTick(now)
		}
	}
}

// post hands an event to the loop. It gives up once the machine is closed.
func (m *Machine) post(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// request posts a request event and waits for the loop's answer.
func (m *Machine) request(ctx context.Context, req requestEvent) error {
	reply := make(chan error, 1)
	req.setReply(reply)
	select {
	case m.events <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrMachineClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrMachineClosed
	}
}

func (m *Machine) setState(s ConnectionState) {
	prev := m.state.get()
	if m.state.set(s) {
		m.log().WithFields(logrus.Fields{
			"from": prev,
			"to":   s,
		}).Debug("Connection state changed")
	}
}

func (m *Machine) connect() error {
	if cur := m.state.get(); cur != Disconnected {
		m.log().WithField("state", cur).Warn("Connection attempt while already connected")
		return device.ErrAlreadyConnected
	}
	if m.transport == nil {
		return fmt.Errorf("%w: no transport for %s", device.ErrTransportUnavailable, m.handle)
	}

	m.session++
	sessionCtx, cancel := context.WithCancelCause(m.ctx)
	events := &sessionEvents{m: m, session: m.session}

	m.log().Info("Connecting to Myo device...")
	if err := m.transport.Connect(sessionCtx, m.handle, events); err != nil {
		cancel(err)
		m.log().WithField("error", err).Error("Transport refused connection")
		return fmt.Errorf("%w: %w", device.ErrTransportUnavailable, err)
	}

	m.sessionCtx, m.sessionCancel = sessionCtx, cancel
	m.found = resolution{}
	m.setState(Connecting)
	return nil
}

func (m *Machine) onConnectionChange(connected bool, err error) {
	cur := m.state.get()
	if !connected {
		if cur == Disconnected {
			return
		}
		if err == nil {
			err = device.ErrNotConnected
		}
		m.teardown(err, true)
		return
	}

	if cur != Connecting {
		m.log().WithField("state", cur).Debug("Ignoring connected event")
		return
	}
	m.setState(ServicesDiscovering)
	if err := m.transport.DiscoverServices(); err != nil {
		m.teardown(fmt.Errorf("service discovery: %w", err), true)
	}
}

func (m *Machine) onServicesFound(services []ServiceInfo, err error) {
	if cur := m.state.get(); cur != ServicesDiscovering {
		m.log().WithField("state", cur).Debug("Ignoring services found event")
		return
	}
	m.setState(Configuring)
	if err != nil {
		m.notify(PartialConfiguration, nil, fmt.Errorf("service discovery: %w", err))
		return
	}

	m.log().WithField("services", len(services)).Debug("Services discovered, configuring")

	byUUID := make(map[string]ServiceInfo, len(services))
	for _, s := range services {
		byUUID[device.NormalizeUUID(s.UUID.String())] = s
	}
	lookup := func(svc, char ble.UUID) (CharacteristicInfo, error) {
		s, ok := byUUID[device.NormalizeUUID(svc.String())]
		if !ok {
			return CharacteristicInfo{}, &device.NotFoundError{Resource: "service", UUIDs: []string{svc.String()}}
		}
		c, ok := s.characteristic(char)
		if !ok {
			return CharacteristicInfo{}, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svc.String(), char.String()}}
		}
		return c, nil
	}
	// The channel is recorded before the write is queued: an idle queue
	// dispatches at once and a synchronous failure drops it again.
	enableNotify := func(svc, char ble.UUID) {
		c, err := lookup(svc, char)
		if err == nil && c.Properties&(ble.CharNotify|ble.CharIndicate) == 0 && !c.HasClientConfig {
			err = fmt.Errorf("characteristic %s does not support notifications", char)
		}
		if err != nil {
			m.notify(PartialConfiguration, nil, err)
			return
		}
		if char.Equal(ImuCharacteristicUUID) {
			m.found.imu = true
		} else {
			m.found.emg = append(m.found.emg, char)
		}
		m.queue.EnqueueWrite(PendingOperation{Service: svc, Characteristic: char})
	}

	for _, char := range EmgCharacteristicUUIDs {
		enableNotify(EmgServiceUUID, char)
	}
	enableNotify(ImuServiceUUID, ImuCharacteristicUUID)

	if _, err := lookup(ControlServiceUUID, InfoCharacteristicUUID); err == nil {
		m.found.info = true
		m.queue.EnqueueRead(PendingOperation{Service: ControlServiceUUID, Characteristic: InfoCharacteristicUUID})
	} else {
		m.notify(PartialConfiguration, nil, err)
	}

	cmd, err := lookup(ControlServiceUUID, CommandCharacteristicUUID)
	if err == nil && cmd.Properties&(ble.CharWrite|ble.CharWriteNR) == 0 {
		err = fmt.Errorf("command characteristic is not writable")
	}
	if err != nil {
		m.notify(PartialConfiguration, nil, err)
		return
	}

	m.found.command = true
	m.lastKeepAlive = m.opts.now()
	m.enqueueCommand(MustBuildCommand(Unsleep))
	m.setState(Ready)
	m.log().WithFields(logrus.Fields{
		"emg_characteristics": len(m.found.emg),
		"imu":                 m.found.imu,
	}).Info("Myo device ready")
}

func (m *Machine) configuring() bool {
	cur := m.state.get()
	return cur == Configuring || cur == Ready
}

func (m *Machine) dispatch(op PendingOperation) error {
	m.log().WithField("op", op.String()).Debug("Dispatching queued operation")
	if op.Kind == WriteDescriptor {
		return m.transport.EnableNotifications(op.Service, op.Characteristic)
	}
	return m.transport.ReadCharacteristic(op.Service, op.Characteristic)
}

func (m *Machine) onOperationFailed(op PendingOperation, err error) {
	if op.Kind == WriteDescriptor {
		m.dropChannel(op.Characteristic)
	}
	m.notify(OperationFailed, &op, err)
}

// dropChannel forgets a notify characteristic whose CCCD write failed.
func (m *Machine) dropChannel(char ble.UUID) {
	if char.Equal(ImuCharacteristicUUID) {
		m.found.imu = false
		return
	}
	kept := m.found.emg[:0]
	for _, u := range m.found.emg {
		if !u.Equal(char) {
			kept = append(kept, u)
		}
	}
	m.found.emg = kept
}

func (m *Machine) onDescriptorWriteDone(err error) {
	if !m.configuring() {
		return
	}
	m.queue.OnWriteComplete(err)
}

func (m *Machine) onCharacteristicReadDone(char ble.UUID, value []byte, err error) {
	if !m.configuring() {
		return
	}
	if !m.queue.OnReadComplete(err) || err != nil {
		return
	}
	if !char.Equal(InfoCharacteristicUUID) {
		return
	}

	info, err := DecodeDeviceInfo(value)
	if err != nil {
		op := PendingOperation{Kind: ReadCharacteristic, Service: ControlServiceUUID, Characteristic: char}
		m.notify(MalformedPayload, &op, err)
		return
	}
	m.info.Store(&info)
	m.log().WithFields(logrus.Fields{
		"serial":      info.Serial(),
		"unlock":      info.UnlockPose,
		"stream_type": info.StreamType,
	}).Info("Myo device info")
}

func (m *Machine) onCharacteristicChanged(char ble.UUID, value []byte) {
	if !m.configuring() {
		return
	}

	switch {
	case IsEmgCharacteristic(char):
		first, second, err := DecodeEmgNotification(value)
		if err != nil {
			m.dropMalformed(char, err)
			break
		}
		if m.emgActive {
			m.publishEmg(first)
			m.publishEmg(second)
		}
	case char.Equal(ImuCharacteristicUUID):
		sample, err := DecodeImuNotification(value)
		if err != nil {
			m.dropMalformed(char, err)
			break
		}
		if m.imuActive {
			m.imu.publish(sample)
		}
	default:
		m.log().WithField("char_uuid", char.String()).Debug("Unknown characteristic changed")
	}

	m.keepAlive()
}

func (m *Machine) dropMalformed(char ble.UUID, err error) {
	m.log().WithFields(logrus.Fields{
		"char_uuid": char.String(),
		"error":     err,
	}).Debug("Dropping malformed notification")
	m.notices.publish(Notice{Kind: MalformedPayload, Err: err, At: m.opts.now()})
}

// keepAlive sends unsleep when a notification arrives and the interval has passed.
func (m *Machine) keepAlive() {
	if !m.opts.KeepAlive || !m.found.command {
		return
	}
	now := m.opts.now()
	if now.Sub(m.lastKeepAlive) <= m.opts.KeepAliveInterval {
		return
	}
	m.lastKeepAlive = now
	m.log().Debug("Sending keep-alive")
	m.enqueueCommand(MustBuildCommand(Unsleep))
}

func (m *Machine) publishEmg(s EmgSample) {
	if m.sampler != nil {
		m.sampler.Offer(s)
		return
	}
	m.emg.publish(s)
}

func (m *Machine) onTick(now time.Time) {
	if m.sampler == nil || !m.emgActive {
		return
	}
	if s, ok := m.sampler.Tick(now); ok {
		m.emg.publish(s)
	}
}

// stopLocal stops publishing and forces NotStreaming.
func (m *Machine) stopLocal() {
	m.emgActive = false
	m.imuActive = false
	if m.sampler != nil {
		m.sampler.Reset()
	}
	m.streaming.set(NotStreaming)
}

// teardown ends the current session from any state.
func (m *Machine) teardown(cause error, unexpected bool) {
	if m.state.get() == Disconnected {
		return
	}
	m.setState(Disconnecting)
	m.stopLocal()
	m.queue.Clear()
	if m.sessionCancel != nil {
		m.sessionCancel(cause)
		m.sessionCancel = nil
	}
	m.emg.closeAll()
	m.imu.closeAll()

	if m.transport != nil {
		if err := m.transport.Disconnect(); err != nil {
			m.log().WithField("error", err).Debug("Transport disconnect reported an error")
		}
	}

	m.session++
	m.found = resolution{}
	m.setState(Disconnected)

	if unexpected {
		m.notify(UnexpectedDisconnect, nil, cause)
	} else {
		m.log().Info("Disconnected from Myo device")
	}
}

func (m *Machine) applyFrequency(hz int) error {
	if hz < 0 || hz > MaxFrequency {
		return fmt.Errorf("%w: %d Hz, expected 0..%d", ErrInvalidFrequency, hz, MaxFrequency)
	}
	m.frequency = hz
	period := SamplerPeriod(hz)

	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	if period == 0 {
		m.sampler = nil
		return nil
	}
	m.sampler = NewSampler[EmgSample](period)
	m.ticker = time.NewTicker(period)
	return nil
}

// ----------------------------
// Events
// ----------------------------

type event interface {
	apply(m *Machine)
}

type requestEvent interface {
	event
	setReply(chan<- error)
}

type replier struct {
	reply chan<- error
}

func (r *replier) setReply(c chan<- error) { r.reply = c }

func (r *replier) answer(err error) {
	if r.reply != nil {
		r.reply <- err
	}
}

type connectRequest struct{ replier }

func (e *connectRequest) apply(m *Machine) { e.answer(m.connect()) }

type disconnectRequest struct{ replier }

func (e *disconnectRequest) apply(m *Machine) {
	m.teardown(device.ErrNotConnected, false)
	e.answer(nil)
}

// sessionEvent carries a transport callback tagged with the session that produced it.
type sessionEvent struct {
	session uint64
	fn      func(m *Machine)
}

func (e *sessionEvent) apply(m *Machine) {
	if e.session != m.session {
		m.log().WithFields(logrus.Fields{
			"event_session":   e.session,
			"current_session": m.session,
		}).Debug("Dropping event from previous session")
		return
	}
	e.fn(m)
}

// sessionEvents adapts transport callbacks to loop events.
type sessionEvents struct {
	m       *Machine
	session uint64
}

func (s *sessionEvents) post(fn func(m *Machine)) {
	s.m.post(&sessionEvent{session: s.session, fn: fn})
}

func (s *sessionEvents) OnConnectionChange(connected bool, err error) {
	s.post(func(m *Machine) { m.onConnectionChange(connected, err) })
}

func (s *sessionEvents) OnServicesFound(services []ServiceInfo, err error) {
	s.post(func(m *Machine) { m.onServicesFound(services, err) })
}

func (s *sessionEvents) OnDescriptorWriteDone(_, _ ble.UUID, err error) {
	s.post(func(m *Machine) { m.onDescriptorWriteDone(err) })
}

func (s *sessionEvents) OnCharacteristicReadDone(_, characteristic ble.UUID, value []byte, err error) {
	data := append([]byte(nil), value...)
	s.post(func(m *Machine) { m.onCharacteristicReadDone(characteristic, data, err) })
}

func (s *sessionEvents) OnCharacteristicChanged(characteristic ble.UUID, value []byte) {
	data := append([]byte(nil), value...)
	s.post(func(m *Machine) { m.onCharacteristicChanged(characteristic, data) })
}

var errStaleSession = errors.New("connection changed while the request was in progress")
