package myo

import (
	"encoding/binary"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// EmgSample is one reading of the eight EMG channels.
type EmgSample [Channels]int8

// Normalized scales each channel by the device range (±MyoMaxValue).
func (s EmgSample) Normalized() [Channels]float32 {
	var out [Channels]float32
	for i, v := range s {
		out[i] = float32(v) / MyoMaxValue
	}
	return out
}

// ImuSample is one orientation/accelerometer/gyroscope reading.
// Orientation is the quaternion w, x, y, z.
type ImuSample struct {
	Orientation   [4]float32
	Accelerometer [3]float32
	Gyroscope     [3]float32
}

// DecodeEmgNotification splits a 16-byte EMG notification into its two samples.
func DecodeEmgNotification(buf []byte) (EmgSample, EmgSample, error) {
	var first, second EmgSample
	if len(buf) != EmgPayloadSize {
		return first, second, fmt.Errorf("%w: emg expects %d bytes, got %d", ErrMalformedPayload, EmgPayloadSize, len(buf))
	}
	for i := 0; i < Channels; i++ {
		first[i] = int8(buf[i])
		second[i] = int8(buf[Channels+i])
	}
	return first, second, nil
}

// DecodeImuNotification decodes a 20-byte IMU notification: ten little-endian
// int16 fields, divided by the orientation, accelerometer and gyroscope scales.
func DecodeImuNotification(buf []byte) (ImuSample, error) {
	var s ImuSample
	if len(buf) != ImuPayloadSize {
		return s, fmt.Errorf("%w: imu expects %d bytes, got %d", ErrMalformedPayload, ImuPayloadSize, len(buf))
	}

	field := func(i int) float32 {
		return float32(int16(binary.LittleEndian.Uint16(buf[i*2:])))
	}
	for i := range s.Orientation {
		s.Orientation[i] = field(i) / OrientationScale
	}
	for i := range s.Accelerometer {
		s.Accelerometer[i] = field(4+i) / AccelerometerScale
	}
	for i := range s.Gyroscope {
		s.Gyroscope[i] = field(7+i) / GyroscopeScale
	}
	return s, nil
}

// DeviceInfo is the content of the control service info characteristic.
type DeviceInfo struct {
	SerialNumber      [6]byte
	UnlockPose        uint16
	ClassifierBuiltin uint8
	ClassifierActive  uint8
	ClassifierHave    uint8
	StreamType        uint8
}

// DecodeDeviceInfo decodes the info characteristic. Trailing bytes are ignored.
func DecodeDeviceInfo(buf []byte) (DeviceInfo, error) {
	var info DeviceInfo
	if len(buf) < InfoPayloadMin {
		return info, fmt.Errorf("%w: info expects at least %d bytes, got %d", ErrMalformedPayload, InfoPayloadMin, len(buf))
	}
	copy(info.SerialNumber[:], buf[:6])
	info.UnlockPose = binary.LittleEndian.Uint16(buf[6:8])
	info.ClassifierBuiltin = buf[8]
	info.ClassifierActive = buf[9]
	info.ClassifierHave = buf[10]
	info.StreamType = buf[11]
	return info, nil
}

// Serial renders the serial number as colon separated hex.
func (d DeviceInfo) Serial() string {
	s := d.SerialNumber
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", s[0], s[1], s[2], s[3], s[4], s[5])
}

// Fields returns the info values in wire order.
func (d DeviceInfo) Fields() *orderedmap.OrderedMap[string, any] {
	m := orderedmap.New[string, any]()
	m.Set("serial_number", d.Serial())
	m.Set("unlock_pose", d.UnlockPose)
	m.Set("classifier_builtin", d.ClassifierBuiltin)
	m.Set("classifier_active", d.ClassifierActive)
	m.Set("classifier_have", d.ClassifierHave)
	m.Set("stream_type", d.StreamType)
	return m
}
