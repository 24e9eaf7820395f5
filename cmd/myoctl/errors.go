package main

import (
	"errors"

	"github.com/srg/myolink/internal/device"
	"github.com/srg/myolink/pkg/myo"
)

var ErrConnectionLost = errors.New("connection lost")

// FormatUserError turns an error chain into a message for the terminal,
// appending a hint for the failures users can do something about.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()

	var notFound *device.NotFoundError
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return msg + " (turn Bluetooth on and retry)"
	case errors.Is(err, device.ErrTransportUnavailable):
		return msg + " (no usable Bluetooth adapter; on Linux the tool needs CAP_NET_ADMIN or root)"
	case errors.Is(err, device.ErrUnsupported):
		return msg + " (this platform has no BLE backend)"
	case errors.As(err, &notFound):
		return msg + " (is this a Myo armband?)"
	case errors.Is(err, ErrConnectionLost), errors.Is(err, device.ErrNotConnected):
		return msg + " (move the armband closer or check it is charged)"
	case errors.Is(err, myo.ErrInvalidFrequency), errors.Is(err, myo.ErrInvalidCommandParameter):
		return msg
	case errors.Is(err, device.ErrTimeout):
		return msg + " (the armband may be asleep; tap it or plug it in to wake it)"
	}
	return msg
}
