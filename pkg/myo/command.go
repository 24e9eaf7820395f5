package myo

import (
	"fmt"
)

// CommandKind is the closed set of control operations understood by the device.
type CommandKind int

const (
	StopStreaming CommandKind = iota
	EmgFilteredOnly
	Vibrate
	Unsleep
	ImuEnable
)

func (k CommandKind) String() string {
	switch k {
	case StopStreaming:
		return "stop_streaming"
	case EmgFilteredOnly:
		return "emg_filtered_only"
	case Vibrate:
		return "vibrate"
	case Unsleep:
		return "unsleep"
	case ImuEnable:
		return "imu_enable"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Command op-codes and payload values.
const (
	opSetMode   byte = 0x01
	opVibrate   byte = 0x03
	opSetSleep  byte = 0x09
	emgNone     byte = 0x00
	emgFiltered byte = 0x02
	imuNone     byte = 0x00
	imuData     byte = 0x01
	classOff    byte = 0x00
	classOn     byte = 0x01
	sleepNever  byte = 0x01
)

// Command is an encoded control buffer: op-code, payload length, payload.
type Command []byte

// BuildCommand encodes kind. Vibrate takes exactly one parameter, the
// pattern 1, 2 or 3; every other kind takes none.
func BuildCommand(kind CommandKind, params ...byte) (Command, error) {
	if kind != Vibrate && len(params) != 0 {
		return nil, fmt.Errorf("%w: %s takes no parameters, got %d", ErrInvalidCommandParameter, kind, len(params))
	}

	switch kind {
	case StopStreaming:
		return Command{opSetMode, 0x03, emgNone, imuNone, classOff}, nil
	case EmgFilteredOnly:
		return Command{opSetMode, 0x03, emgFiltered, imuNone, classOff}, nil
	case ImuEnable:
		return Command{opSetMode, 0x03, emgFiltered, imuData, classOn}, nil
	case Unsleep:
		return Command{opSetSleep, 0x01, sleepNever}, nil
	case Vibrate:
		if len(params) != 1 {
			return nil, fmt.Errorf("%w: vibrate takes one pattern, got %d parameters", ErrInvalidCommandParameter, len(params))
		}
		if p := params[0]; p < 1 || p > 3 {
			return nil, fmt.Errorf("%w: vibration pattern must be 1, 2 or 3, got %d", ErrInvalidCommandParameter, p)
		}
		return Command{opVibrate, 0x01, params[0]}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command kind %d", ErrInvalidCommandParameter, int(kind))
	}
}

// MustBuildCommand is BuildCommand for constant arguments; it panics on error.
func MustBuildCommand(kind CommandKind, params ...byte) Command {
	cmd, err := BuildCommand(kind, params...)
	if err != nil {
		panic(err)
	}
	return cmd
}

// IsStartStreaming reports a set-mode command that enables EMG or IMU data.
func (c Command) IsStartStreaming() bool {
	return len(c) >= 4 && c[0] == opSetMode && (c[2] != emgNone || c[3] != imuNone)
}

// IsStopStreaming reports a set-mode command that disables both EMG and IMU data.
func (c Command) IsStopStreaming() bool {
	return len(c) >= 4 && c[0] == opSetMode && c[2] == emgNone && c[3] == imuNone
}

// Bytes returns a copy of the encoded buffer.
func (c Command) Bytes() []byte {
	return append([]byte(nil), c...)
}

func (c Command) String() string {
	return fmt.Sprintf("% x", []byte(c))
}
