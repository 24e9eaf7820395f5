package myo

import (
	"errors"
	"testing"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queueRecorder struct {
	dispatched []PendingOperation
	failed     []PendingOperation
	failNext   map[string]error
}

func (r *queueRecorder) dispatch(op PendingOperation) error {
	r.dispatched = append(r.dispatched, op)
	if err, ok := r.failNext[op.Characteristic.String()]; ok {
		return err
	}
	return nil
}

func (r *queueRecorder) onFailure(op PendingOperation, _ error) {
	r.failed = append(r.failed, op)
}

func newRecordedQueue() (*GattQueue, *queueRecorder) {
	r := &queueRecorder{failNext: map[string]error{}}
	return NewGattQueue(r.dispatch, r.onFailure), r
}

func write(u ble.UUID) PendingOperation {
	return PendingOperation{Kind: WriteDescriptor, Service: EmgServiceUUID, Characteristic: u}
}

func read(u ble.UUID) PendingOperation {
	return PendingOperation{Kind: ReadCharacteristic, Service: ControlServiceUUID, Characteristic: u}
}

func TestGattQueue_DispatchesImmediatelyWhenIdle(t *testing.T) {
	q, r := newRecordedQueue()

	q.EnqueueWrite(write(Emg0UUID))

	require.Len(t, r.dispatched, 1)
	op, ok := q.InFlight()
	assert.True(t, ok)
	assert.Equal(t, write(Emg0UUID), op)
}

func TestGattQueue_WritesBeforeReads(t *testing.T) {
	q, r := newRecordedQueue()

	q.EnqueueWrite(write(Emg0UUID))
	q.EnqueueRead(read(InfoCharacteristicUUID))
	q.EnqueueWrite(write(Emg1UUID))
	q.EnqueueRead(read(FirmwareCharacteristicUUID))
	q.EnqueueWrite(write(Emg2UUID))

	assert.Len(t, r.dispatched, 1, "only one operation may be in flight")

	assert.True(t, q.OnWriteComplete(nil))
	assert.True(t, q.OnWriteComplete(nil))
	assert.True(t, q.OnWriteComplete(nil))
	assert.True(t, q.OnReadComplete(nil))
	assert.True(t, q.OnReadComplete(nil))

	assert.Equal(t, []PendingOperation{
		write(Emg0UUID),
		write(Emg1UUID),
		write(Emg2UUID),
		read(InfoCharacteristicUUID),
		read(FirmwareCharacteristicUUID),
	}, r.dispatched)
	assert.Equal(t, 0, q.Len())
	_, ok := q.InFlight()
	assert.False(t, ok)
}

func TestGattQueue_WriteQueuedDuringReadGoesNext(t *testing.T) {
	q, r := newRecordedQueue()

	q.EnqueueRead(read(InfoCharacteristicUUID))
	q.EnqueueRead(read(FirmwareCharacteristicUUID))
	q.EnqueueWrite(write(Emg0UUID))

	require.Len(t, r.dispatched, 1)
	q.OnReadComplete(nil)

	assert.Equal(t, write(Emg0UUID), r.dispatched[1], "queued write preempts the remaining read")
	q.OnWriteComplete(nil)
	assert.Equal(t, read(FirmwareCharacteristicUUID), r.dispatched[2])
}

func TestGattQueue_FailureStillPops(t *testing.T) {
	q, r := newRecordedQueue()

	q.EnqueueWrite(write(Emg0UUID))
	q.EnqueueWrite(write(Emg1UUID))

	q.OnWriteComplete(errors.New("gatt error 133"))

	assert.Equal(t, []PendingOperation{write(Emg0UUID)}, r.failed)
	assert.Equal(t, write(Emg1UUID), r.dispatched[1])
	assert.Equal(t, 1, q.Len())
}

func TestGattQueue_SynchronousDispatchErrorMovesOn(t *testing.T) {
	q, r := newRecordedQueue()
	r.failNext[Emg0UUID.String()] = errors.New("busy")

	q.EnqueueRead(read(InfoCharacteristicUUID))
	q.OnReadComplete(nil)
	q.EnqueueWrite(write(Emg0UUID))

	assert.Equal(t, []PendingOperation{write(Emg0UUID)}, r.failed)
	assert.Equal(t, 0, q.Len())

	q.EnqueueWrite(write(Emg1UUID))
	assert.Equal(t, write(Emg1UUID), r.dispatched[len(r.dispatched)-1])
}

func TestGattQueue_IgnoresMismatchedCompletion(t *testing.T) {
	q, r := newRecordedQueue()

	assert.False(t, q.OnWriteComplete(nil), "nothing in flight")

	q.EnqueueRead(read(InfoCharacteristicUUID))
	assert.False(t, q.OnWriteComplete(nil), "a read is in flight")
	assert.Equal(t, 1, q.Len())
	assert.Len(t, r.dispatched, 1)
}

func TestGattQueue_Clear(t *testing.T) {
	q, r := newRecordedQueue()

	q.EnqueueWrite(write(Emg0UUID))
	q.EnqueueWrite(write(Emg1UUID))
	q.EnqueueRead(read(InfoCharacteristicUUID))
	q.Clear()

	assert.Equal(t, 0, q.Len())
	assert.False(t, q.OnWriteComplete(nil), "late completion after clear is ignored")

	q.EnqueueRead(read(InfoCharacteristicUUID))
	assert.Equal(t, read(InfoCharacteristicUUID), r.dispatched[len(r.dispatched)-1])
}

func TestGattQueue_NeverReadsWhileWritesQueued(t *testing.T) {
	q, r := newRecordedQueue()
	writes := []ble.UUID{Emg0UUID, Emg1UUID, Emg2UUID, Emg3UUID, ImuCharacteristicUUID}

	q.EnqueueRead(read(InfoCharacteristicUUID))
	for _, u := range writes {
		q.EnqueueWrite(write(u))
	}
	q.EnqueueRead(read(FirmwareCharacteristicUUID))

	for q.Len() > 0 {
		op, ok := q.InFlight()
		require.True(t, ok)
		if op.Kind == WriteDescriptor {
			q.OnWriteComplete(nil)
		} else {
			q.OnReadComplete(nil)
		}
	}

	// the first read was already in flight; after it, every write precedes the second read
	kinds := make([]OpKind, 0, len(r.dispatched))
	for _, op := range r.dispatched {
		kinds = append(kinds, op.Kind)
	}
	assert.Equal(t, []OpKind{
		ReadCharacteristic,
		WriteDescriptor, WriteDescriptor, WriteDescriptor, WriteDescriptor, WriteDescriptor,
		ReadCharacteristic,
	}, kinds)
}
