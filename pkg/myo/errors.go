package myo

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedPayload is returned when a notification has the wrong length.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrInvalidCommandParameter is returned when a command is built with bad parameters.
	ErrInvalidCommandParameter = errors.New("invalid command parameter")

	// ErrCommandWriteFailed is returned once every write attempt for a command failed.
	ErrCommandWriteFailed = errors.New("command write failed")

	// ErrInvalidFrequency is returned for EMG rates outside [0, MaxFrequency].
	ErrInvalidFrequency = errors.New("invalid frequency")

	// ErrChannelUnavailable is returned when a data channel was not configured on the device.
	ErrChannelUnavailable = errors.New("channel unavailable")

	// ErrMachineClosed is returned by calls made after Close.
	ErrMachineClosed = errors.New("machine closed")
)

// NoticeKind classifies a non-fatal event raised by a Machine.
type NoticeKind string

const (
	PartialConfiguration NoticeKind = "partial_configuration"
	MalformedPayload     NoticeKind = "malformed_payload"
	OperationFailed      NoticeKind = "operation_failed"
	CommandWriteFailed   NoticeKind = "command_write_failed"
	UnexpectedDisconnect NoticeKind = "unexpected_disconnect"
)

// Notice is a one-shot event describing a recovered failure.
// Transport problems surface as notices and state changes, never as errors
// returned from the machine.
type Notice struct {
	Kind NoticeKind
	Op   *PendingOperation
	Err  error
	At   time.Time
}

func (n Notice) String() string {
	msg := string(n.Kind)
	if n.Op != nil {
		msg = fmt.Sprintf("%s %s", msg, n.Op)
	}
	if n.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, n.Err)
	}
	return msg
}
