package myo

import (
	"strings"
	"time"

	"github.com/go-ble/ble"

	"github.com/srg/myolink/internal/device"
)

// GATT identifiers exposed by the armband. They must match bit-exactly.
var (
	ControlServiceUUID         = ble.MustParse("d5060001-a904-deb9-4748-2c7f4a124842")
	InfoCharacteristicUUID     = ble.MustParse("d5060101-a904-deb9-4748-2c7f4a124842")
	FirmwareCharacteristicUUID = ble.MustParse("d5060201-a904-deb9-4748-2c7f4a124842")
	CommandCharacteristicUUID  = ble.MustParse("d5060401-a904-deb9-4748-2c7f4a124842")

	EmgServiceUUID = ble.MustParse("d5060005-a904-deb9-4748-2c7f4a124842")
	Emg0UUID       = ble.MustParse("d5060105-a904-deb9-4748-2c7f4a124842")
	Emg1UUID       = ble.MustParse("d5060205-a904-deb9-4748-2c7f4a124842")
	Emg2UUID       = ble.MustParse("d5060305-a904-deb9-4748-2c7f4a124842")
	Emg3UUID       = ble.MustParse("d5060405-a904-deb9-4748-2c7f4a124842")

	ImuServiceUUID        = ble.MustParse("d5060002-a904-deb9-4748-2c7f4a124842")
	ImuCharacteristicUUID = ble.MustParse("d5060402-a904-deb9-4748-2c7f4a124842")
)

// EmgCharacteristicUUIDs lists the four EMG data characteristics in channel-pair order.
var EmgCharacteristicUUIDs = []ble.UUID{Emg0UUID, Emg1UUID, Emg2UUID, Emg3UUID}

// emgPostfix is the shared tail of every EMG characteristic, normalized.
const emgPostfix = "05a904deb947482c7f4a124842"

const (
	EmgPayloadSize = 16
	ImuPayloadSize = 20
	InfoPayloadMin = 12
	Channels       = 8

	OrientationScale   = 16384.0
	AccelerometerScale = 2048.0
	GyroscopeScale     = 16.0

	// MyoMaxValue is the magnitude of the device EMG range.
	MyoMaxValue = 150

	// MaxFrequency is the native EMG rate of the device, in Hz.
	MaxFrequency = 200

	DefaultKeepAliveInterval = 10 * time.Second
	DefaultRetryAttempts     = 3
	DefaultRetryBackoff      = 100 * time.Millisecond
)

// FrequencyPresets are the sub-sampling rates offered to users.
var FrequencyPresets = []int{1, 2, 5, 10, 25, 50, 100, 200}

// IsEmgCharacteristic reports whether characteristic u is one of the EMG data
// characteristics. The EMG service UUID shares the postfix, so only pass
// characteristic UUIDs.
func IsEmgCharacteristic(u ble.UUID) bool {
	return strings.HasSuffix(device.NormalizeUUID(u.String()), emgPostfix)
}
