package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/myolink/internal/device"
	goble "github.com/srg/myolink/internal/device/go-ble"
	"github.com/srg/myolink/pkg/config"
	"github.com/srg/myolink/pkg/myo"
)

const disconnectTimeout = 3 * time.Second

// transportFactory builds the BLE transport. Tests replace it with a fake.
var transportFactory = func(logger *logrus.Logger, cfg *config.Config) myo.TransportFactory {
	return goble.Factory(logger, cfg.TransportOptions()...)
}

// session is one connected armband owned by a command invocation.
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	manager *myo.Manager
	machine *myo.Machine
}

// signalContext returns a context cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// openSession connects to the armband at address and waits until it is Ready.
func openSession(ctx context.Context, cmd *cobra.Command, address string) (*session, error) {
	handle, err := device.NewPeripheralHandle(address, "")
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	manager := myo.NewManager(transportFactory(logger, cfg), logger, cfg.MachineOptions()...)
	machine, err := manager.Machine(handle)
	if err != nil {
		_ = manager.Close()
		return nil, err
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Connecting to %s", handle.Address),
		myo.Connecting.String(), myo.Ready.String())
	progress.Start()
	err = connectAndWait(ctx, machine, cfg.ConnectTimeout, progress.Callback())
	progress.Stop()
	if err != nil {
		_ = manager.Close()
		return nil, err
	}

	color.New(color.FgGreen).Fprintf(cmd.ErrOrStderr(), "Connected to %s\n", handle.Address)
	return &session{cfg: cfg, logger: logger, manager: manager, machine: machine}, nil
}

// connectAndWait starts a connection and follows the state stream until the
// machine is Ready, drops back to Disconnected, or timeout elapses.
func connectAndWait(ctx context.Context, m *myo.Machine, timeout time.Duration, onPhase func(string)) error {
	states := m.SubscribeState()
	defer states.Close()
	notices := m.SubscribeNotices()
	defer notices.Close()

	if err := m.Connect(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cause error
	noticeC := notices.C()
	left := false
	for {
		select {
		case n, ok := <-noticeC:
			if !ok {
				noticeC = nil
				continue
			}
			if n.Err != nil && (n.Kind == myo.UnexpectedDisconnect || n.Kind == myo.PartialConfiguration) {
				cause = n.Err
			}
		case s, ok := <-states.C():
			if !ok {
				return myo.ErrMachineClosed
			}
			onPhase(s.String())
			switch s {
			case myo.Ready:
				return nil
			case myo.Disconnected:
				if !left {
					continue
				}
				if cause == nil {
					cause = awaitNotice(noticeC, myo.UnexpectedDisconnect)
				}
				if cause != nil {
					return fmt.Errorf("%w: %w", ErrConnectionLost, cause)
				}
				return ErrConnectionLost
			default:
				left = true
			}
		case <-ctx.Done():
			stuck := m.State()
			_ = m.Disconnect(context.Background())
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ctx.Err()
			}
			if cause == nil {
				cause = device.ErrTimeout
			}
			return fmt.Errorf("device not ready after %s (%s): %w", timeout, stuck, cause)
		}
	}
}

// awaitNotice gives the machine a moment to publish the notice that follows
// a state change.
func awaitNotice(c <-chan myo.Notice, kind myo.NoticeKind) error {
	timer := time.NewTimer(100 * time.Millisecond)
	defer timer.Stop()
	for {
		select {
		case n, ok := <-c:
			if !ok {
				return nil
			}
			if n.Kind == kind {
				return n.Err
			}
		case <-timer.C:
			return nil
		}
	}
}

// Close disconnects and releases the machine.
func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := s.machine.Disconnect(ctx); err != nil {
		s.logger.WithError(err).Warn("Disconnect failed")
	}
	if err := s.manager.Close(); err != nil {
		s.logger.WithError(err).Warn("Manager close failed")
	}
}
