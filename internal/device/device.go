package device

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic", "descriptor"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	parentResource := "service"
	if e.Resource == "descriptor" {
		parentResource = "characteristic"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], parentResource, e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected         ConnectionState = "not_connected"
	AlreadyConnected     ConnectionState = "already_connected"
	NotReady             ConnectionState = "not_ready"
	TransportUnavailable ConnectionState = "transport_unavailable"
	BluetoothOff         ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected         = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected     = &ConnectionError{State: AlreadyConnected}
	ErrNotReady             = &ConnectionError{State: NotReady}
	ErrTransportUnavailable = &ConnectionError{State: TransportUnavailable}
	ErrBluetoothOff         = &ConnectionError{State: BluetoothOff}
)

// Operation errors
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// PeripheralHandle identifies one physical device. The core never discovers
// peripherals itself; handles come from the caller.
type PeripheralHandle struct {
	Address string
	Name    string
}

// NewPeripheralHandle validates the address and returns a handle.
func NewPeripheralHandle(address, name string) (PeripheralHandle, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return PeripheralHandle{}, fmt.Errorf("device address is empty")
	}
	return PeripheralHandle{Address: address, Name: name}, nil
}

// Key returns the registry key for the handle (case-insensitive address).
func (h PeripheralHandle) Key() string {
	return strings.ToLower(h.Address)
}

func (h PeripheralHandle) String() string {
	if h.Name == "" {
		return h.Address
	}
	return fmt.Sprintf("%s (%s)", h.Name, h.Address)
}
