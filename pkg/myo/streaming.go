package myo

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/myolink/internal/device"
)

type dataChannel int

const (
	emgChannel dataChannel = iota
	imuChannel
)

func (c dataChannel) String() string {
	if c == emgChannel {
		return "emg"
	}
	return "imu"
}

// snapshot is a consistent copy of loop-owned state for callers outside the loop.
type snapshot struct {
	state   ConnectionState
	session uint64
	ctx     context.Context
	emg     bool
	imu     bool

	imuActive bool
}

func (s snapshot) requireReady() error {
	if s.state != Ready {
		return fmt.Errorf("%w: state is %s", device.ErrNotReady, s.state)
	}
	return nil
}

func (s snapshot) has(ch dataChannel) bool {
	if ch == emgChannel {
		return s.emg
	}
	return s.imu
}

type snapshotRequest struct {
	replier
	out *snapshot
}

func (e *snapshotRequest) apply(m *Machine) {
	*e.out = snapshot{
		state:   m.state.get(),
		session: m.session,
		ctx:     m.sessionCtx,
		emg:     len(m.found.emg) > 0,
		imu:     m.found.imu,

		imuActive: m.imuActive,
	}
	e.answer(nil)
}

func (m *Machine) snapshot(ctx context.Context) (snapshot, error) {
	var snap snapshot
	err := m.request(ctx, &snapshotRequest{out: &snap})
	return snap, err
}

type channelStarted struct {
	replier
	session uint64
	channel dataChannel
}

func (e *channelStarted) apply(m *Machine) {
	if e.session != m.session || m.state.get() != Ready {
		e.answer(fmt.Errorf("start %s streaming: %w", e.channel, errStaleSession))
		return
	}
	if e.channel == emgChannel {
		m.emgActive = true
	} else {
		m.imuActive = true
	}
	m.streaming.set(Streaming)
	m.log().WithField("channel", e.channel.String()).Info("Streaming started")
	e.answer(nil)
}

type stopRequest struct{ replier }

func (e *stopRequest) apply(m *Machine) {
	m.stopLocal()
	e.answer(nil)
}

type frequencyRequest struct {
	replier
	hz int
}

func (e *frequencyRequest) apply(m *Machine) {
	e.answer(m.applyFrequency(e.hz))
}

// StartEmgStreaming switches the device to filtered EMG and, once the command
// is acknowledged, starts publishing EMG samples. With IMU already streaming
// the combined mode is written so IMU data stays on.
func (m *Machine) StartEmgStreaming(ctx context.Context) error {
	snap, err := m.snapshot(ctx)
	if err != nil {
		return err
	}
	if snap.imuActive {
		return m.startChannel(ctx, emgChannel, MustBuildCommand(ImuEnable), m.opts.RetryAttempts)
	}
	return m.startChannel(ctx, emgChannel, MustBuildCommand(EmgFilteredOnly), 1)
}

// StartImuStreaming enables IMU data, retrying the command, and then starts
// publishing IMU samples.
func (m *Machine) StartImuStreaming(ctx context.Context) error {
	return m.startChannel(ctx, imuChannel, MustBuildCommand(ImuEnable), m.opts.RetryAttempts)
}

func (m *Machine) startChannel(ctx context.Context, ch dataChannel, cmd Command, attempts int) error {
	snap, err := m.snapshot(ctx)
	if err != nil {
		return err
	}
	if err := snap.requireReady(); err != nil {
		return err
	}
	if !snap.has(ch) {
		return fmt.Errorf("%w: %s notifications are not configured", ErrChannelUnavailable, ch)
	}

	if err := m.submit(ctx, snap, cmd, attempts); err != nil {
		return fmt.Errorf("start %s streaming: %w", ch, err)
	}
	return m.request(ctx, &channelStarted{session: snap.session, channel: ch})
}

// StartStreaming starts every configured channel. It fails with
// ErrChannelUnavailable only when the device exposes neither.
func (m *Machine) StartStreaming(ctx context.Context) error {
	snap, err := m.snapshot(ctx)
	if err != nil {
		return err
	}
	if err := snap.requireReady(); err != nil {
		return err
	}
	if !snap.emg && !snap.imu {
		return fmt.Errorf("%w: neither emg nor imu notifications are configured", ErrChannelUnavailable)
	}

	var errs []error
	if snap.emg {
		errs = append(errs, m.StartEmgStreaming(ctx))
	}
	if snap.imu {
		errs = append(errs, m.StartImuStreaming(ctx))
	}
	return errors.Join(errs...)
}

// StopStreaming stops publishing immediately, then asks the device to stop.
// Local state reflects the stop even if the command fails.
func (m *Machine) StopStreaming(ctx context.Context) error {
	if err := m.request(ctx, &stopRequest{}); err != nil {
		return err
	}
	snap, err := m.snapshot(ctx)
	if err != nil {
		return err
	}
	if snap.state != Ready {
		return nil
	}
	if err := m.submit(ctx, snap, MustBuildCommand(StopStreaming), 1); err != nil {
		m.log().WithField("error", err).Warn("Stop command failed, streaming stopped locally")
		return err
	}
	return nil
}

// SendVibration makes the device vibrate with pattern 1, 2 or 3.
func (m *Machine) SendVibration(ctx context.Context, pattern int) error {
	if pattern < 1 || pattern > 3 {
		return fmt.Errorf("%w: vibration pattern must be 1, 2 or 3, got %d", ErrInvalidCommandParameter, pattern)
	}
	cmd, err := BuildCommand(Vibrate, byte(pattern))
	if err != nil {
		return err
	}
	m.log().WithFields(logrus.Fields{"pattern": pattern}).Debug("Sending vibration")
	return m.SendCommand(ctx, cmd)
}

// SetFrequency sets EMG sub-sampling in Hz. 0 and MaxFrequency disable it.
func (m *Machine) SetFrequency(ctx context.Context, hz int) error {
	if hz < 0 || hz > MaxFrequency {
		return fmt.Errorf("%w: %d Hz, expected 0..%d", ErrInvalidFrequency, hz, MaxFrequency)
	}
	return m.request(ctx, &frequencyRequest{hz: hz})
}

// Frequency returns the configured EMG rate, 0 when not sub-sampling.
func (m *Machine) Frequency(ctx context.Context) (int, error) {
	var hz int
	err := m.request(ctx, &frequencyQuery{out: &hz})
	return hz, err
}

type frequencyQuery struct {
	replier
	out *int
}

func (e *frequencyQuery) apply(m *Machine) {
	*e.out = m.frequency
	if *e.out == MaxFrequency {
		*e.out = 0
	}
	e.answer(nil)
}
