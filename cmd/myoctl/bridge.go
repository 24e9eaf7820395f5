package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/myolink/internal/ptyio"
	"github.com/srg/myolink/pkg/myo"
)

var (
	bridgeImu       bool
	bridgeAutostart bool
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Bridge the armband to a PTY",
	Long: `Connects to the armband and opens a pseudo-terminal. Sample rows (same CSV
format as 'stream') are written to the PTY; lines typed into it are commands:

  start          start streaming
  stop           stop streaming
  vibrate <1-3>  trigger a vibration pattern
  freq <0-200>   set the EMG output rate in Hz
  info           print the device serial number and unlock pose

Each command is answered with "ok" or "error: <reason>".

` + deviceAddressNote,
	Example: `  myoctl bridge ` + exampleDeviceAddress + `
  myoctl bridge ` + exampleDeviceAddress + ` --imu --autostart=false`,
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

func init() {
	bridgeCmd.Flags().BoolVar(&bridgeImu, "imu", false, "Forward IMU rows too")
	bridgeCmd.Flags().BoolVar(&bridgeAutostart, "autostart", true, "Start streaming as soon as the device is ready")
}

// bridgeCommand is one parsed PTY command line.
type bridgeCommand struct {
	name string
	arg  int
}

// parseBridgeCommand parses a line typed into the PTY.
func parseBridgeCommand(line string) (bridgeCommand, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return bridgeCommand{}, fmt.Errorf("empty command")
	}
	c := bridgeCommand{name: fields[0]}
	switch c.name {
	case "start", "stop", "info":
		if len(fields) != 1 {
			return bridgeCommand{}, fmt.Errorf("%s takes no arguments", c.name)
		}
	case "vibrate", "freq":
		if len(fields) != 2 {
			return bridgeCommand{}, fmt.Errorf("usage: %s <n>", c.name)
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return bridgeCommand{}, fmt.Errorf("%s: %q is not a number", c.name, fields[1])
		}
		c.arg = n
	default:
		return bridgeCommand{}, fmt.Errorf("unknown command %q", fields[0])
	}
	return c, nil
}

// executeBridgeCommand runs c against m and returns the reply line.
func executeBridgeCommand(ctx context.Context, m *myo.Machine, c bridgeCommand, imu bool) (string, error) {
	switch c.name {
	case "start":
		if imu {
			return "ok", m.StartStreaming(ctx)
		}
		return "ok", m.StartEmgStreaming(ctx)
	case "stop":
		return "ok", m.StopStreaming(ctx)
	case "vibrate":
		return "ok", m.SendVibration(ctx, c.arg)
	case "freq":
		return "ok", m.SetFrequency(ctx, c.arg)
	case "info":
		info, ok := m.DeviceInfo()
		if !ok {
			return "", fmt.Errorf("device info not read yet")
		}
		return fmt.Sprintf("serial=%s unlock_pose=%d", info.Serial(), info.UnlockPose), nil
	}
	return "", fmt.Errorf("unknown command %q", c.name)
}

func runBridge(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	s, err := openSession(ctx, cmd, args[0])
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := ptyio.Open(ptyio.Options{Logger: s.logger})
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "PTY: %s\n", p.TTYName())
	fmt.Fprintln(cmd.ErrOrStderr(), "Bridging... Press Ctrl+C to stop")

	err = runBridgeLoop(ctx, s.machine, p, s.logger, bridgeImu, bridgeAutostart)
	if stats := p.Stats(); stats.DroppedWriteCount > 0 || stats.DroppedLineCount > 0 {
		s.logger.WithFields(logrus.Fields{
			"dropped_bytes": stats.DroppedWriteCount,
			"dropped_lines": stats.DroppedLineCount,
		}).Warn("PTY dropped data")
	}
	return err
}

// bridgePort is the side of a PTY the bridge talks to.
type bridgePort interface {
	Lines() <-chan string
	WriteLine(s string) error
}

// runBridgeLoop forwards samples to port and answers the commands read from it.
func runBridgeLoop(ctx context.Context, m *myo.Machine, port bridgePort, logger *logrus.Logger, imu, autostart bool) error {
	emgSub := m.SubscribeEmg()
	defer emgSub.Close()
	imuSub := m.SubscribeImu()
	defer imuSub.Close()
	states := m.SubscribeState()
	defer states.Close()

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		_ = m.StopStreaming(stopCtx)
	}()

	if autostart {
		if _, err := executeBridgeCommand(ctx, m, bridgeCommand{name: "start"}, imu); err != nil {
			return err
		}
	}

	f := newSampleFormatter(time.Now)
	send := func(line string) {
		if err := port.WriteLine(line); err != nil {
			logger.WithError(err).Debug("PTY write dropped")
		}
	}

	emgC, imuC := emgSub.C(), imuSub.C()
	if !imu {
		imuC = nil
	}
	lines := port.Lines()

	for {
		select {
		case sample, ok := <-emgC:
			if !ok {
				emgC = nil
				continue
			}
			send(strings.Join(f.emg(sample), ","))
		case sample, ok := <-imuC:
			if !ok {
				imuC = nil
				continue
			}
			send(strings.Join(f.imu(sample), ","))
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			send(handleBridgeLine(ctx, m, line, imu, logger))
		case st, ok := <-states.C():
			if !ok || st == myo.Disconnected {
				return ErrConnectionLost
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		}
	}
}

func handleBridgeLine(ctx context.Context, m *myo.Machine, line string, imu bool, logger *logrus.Logger) string {
	c, err := parseBridgeCommand(line)
	if err == nil {
		var reply string
		reply, err = executeBridgeCommand(ctx, m, c, imu)
		if err == nil {
			logger.WithField("command", line).Debug("PTY command done")
			return reply
		}
	}
	logger.WithFields(logrus.Fields{"command": line, "error": err}).Info("PTY command failed")
	return "error: " + err.Error()
}
