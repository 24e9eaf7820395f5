package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/myolink/internal/device"
)

// NormalizeError maps known go-ble error strings to the device sentinels.
// The original error stays wrapped for context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", device.ErrTimeout, err)
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %w", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %w", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %w", device.ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %w", device.ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "can't init hci"),
		containsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %w", device.ErrTransportUnavailable, err)
	default:
		return err
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
