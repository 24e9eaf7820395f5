package myo

import (
	"fmt"

	"github.com/go-ble/ble"

	"github.com/srg/myolink/internal/device"
)

// OpKind is the kind of a queued configuration operation.
type OpKind int

const (
	WriteDescriptor OpKind = iota
	ReadCharacteristic
)

func (k OpKind) String() string {
	if k == WriteDescriptor {
		return "write_descriptor"
	}
	return "read_characteristic"
}

// PendingOperation is a queued descriptor write or characteristic read.
// For WriteDescriptor the target is the CCCD of Characteristic.
type PendingOperation struct {
	Kind           OpKind
	Service        ble.UUID
	Characteristic ble.UUID
}

func (op PendingOperation) String() string {
	return fmt.Sprintf("%s %s/%s", op.Kind,
		device.ShortenUUID(device.NormalizeUUID(op.Service.String())),
		device.ShortenUUID(device.NormalizeUUID(op.Characteristic.String())))
}

// GattQueue serializes configuration-phase operations on one connection.
// At most one operation is in flight, writes always go before reads, and each
// class is FIFO. An operation leaves its queue only once its completion (or
// failure) is reported.
//
// GattQueue is not safe for concurrent use; a Machine drives it from its event loop.
type GattQueue struct {
	writes   []PendingOperation
	reads    []PendingOperation
	inFlight *PendingOperation

	dispatch  func(PendingOperation) error
	onFailure func(PendingOperation, error)
}

// NewGattQueue creates a queue. dispatch starts an operation on the transport
// and must not wait for its completion; onFailure may be nil.
func NewGattQueue(dispatch func(PendingOperation) error, onFailure func(PendingOperation, error)) *GattQueue {
	if onFailure == nil {
		onFailure = func(PendingOperation, error) {}
	}
	return &GattQueue{dispatch: dispatch, onFailure: onFailure}
}

// EnqueueWrite queues a descriptor write, dispatching it if the queue is idle.
func (q *GattQueue) EnqueueWrite(op PendingOperation) {
	op.Kind = WriteDescriptor
	q.writes = append(q.writes, op)
	q.pump()
}

// EnqueueRead queues a characteristic read, dispatching it if the queue is idle.
func (q *GattQueue) EnqueueRead(op PendingOperation) {
	op.Kind = ReadCharacteristic
	q.reads = append(q.reads, op)
	q.pump()
}

// OnWriteComplete pops the in-flight write and dispatches the next operation.
// A nil err means success. Reports for a write that is not in flight are ignored.
func (q *GattQueue) OnWriteComplete(err error) bool {
	return q.complete(WriteDescriptor, err)
}

// OnReadComplete pops the in-flight read and dispatches the next operation.
func (q *GattQueue) OnReadComplete(err error) bool {
	return q.complete(ReadCharacteristic, err)
}

// Clear drops every queued and in-flight operation.
func (q *GattQueue) Clear() {
	q.writes = nil
	q.reads = nil
	q.inFlight = nil
}

// Len returns the number of queued operations, including the in-flight one.
func (q *GattQueue) Len() int {
	return len(q.writes) + len(q.reads)
}

// InFlight returns the operation awaiting completion, if any.
func (q *GattQueue) InFlight() (PendingOperation, bool) {
	if q.inFlight == nil {
		return PendingOperation{}, false
	}
	return *q.inFlight, true
}

func (q *GattQueue) complete(kind OpKind, err error) bool {
	if q.inFlight == nil || q.inFlight.Kind != kind {
		return false
	}
	op := q.pop(kind)
	q.inFlight = nil
	if err != nil {
		q.onFailure(op, err)
	}
	q.pump()
	return true
}

func (q *GattQueue) pop(kind OpKind) PendingOperation {
	var op PendingOperation
	if kind == WriteDescriptor {
		op, q.writes = q.writes[0], q.writes[1:]
	} else {
		op, q.reads = q.reads[0], q.reads[1:]
	}
	return op
}

// pump dispatches the next operation when idle. A synchronous dispatch error
// counts as a completed failure and the queue moves on.
func (q *GattQueue) pump() {
	for q.inFlight == nil {
		var op PendingOperation
		switch {
		case len(q.writes) > 0:
			op = q.writes[0]
		case len(q.reads) > 0:
			op = q.reads[0]
		default:
			return
		}

		q.inFlight = &op
		if err := q.dispatch(op); err != nil {
			q.pop(op.Kind)
			q.inFlight = nil
			q.onFailure(op, err)
		}
	}
}
