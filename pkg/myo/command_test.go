package myo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name   string
		kind   CommandKind
		params []byte
		want   Command
		start  bool
		stop   bool
	}{
		{name: "stop streaming", kind: StopStreaming, want: Command{0x01, 0x03, 0x00, 0x00, 0x00}, stop: true},
		{name: "emg filtered only", kind: EmgFilteredOnly, want: Command{0x01, 0x03, 0x02, 0x00, 0x00}, start: true},
		{name: "imu enable", kind: ImuEnable, want: Command{0x01, 0x03, 0x02, 0x01, 0x01}, start: true},
		{name: "unsleep", kind: Unsleep, want: Command{0x09, 0x01, 0x01}},
		{name: "vibrate short", kind: Vibrate, params: []byte{1}, want: Command{0x03, 0x01, 0x01}},
		{name: "vibrate medium", kind: Vibrate, params: []byte{2}, want: Command{0x03, 0x01, 0x02}},
		{name: "vibrate long", kind: Vibrate, params: []byte{3}, want: Command{0x03, 0x01, 0x03}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildCommand(tt.kind, tt.params...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.start, got.IsStartStreaming())
			assert.Equal(t, tt.stop, got.IsStopStreaming())
		})
	}
}

func TestBuildCommand_InvalidParameters(t *testing.T) {
	tests := []struct {
		name   string
		kind   CommandKind
		params []byte
	}{
		{name: "vibrate without pattern", kind: Vibrate},
		{name: "vibrate pattern 0", kind: Vibrate, params: []byte{0}},
		{name: "vibrate pattern 4", kind: Vibrate, params: []byte{4}},
		{name: "vibrate two patterns", kind: Vibrate, params: []byte{1, 2}},
		{name: "unsleep with parameter", kind: Unsleep, params: []byte{1}},
		{name: "unknown kind", kind: CommandKind(42)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildCommand(tt.kind, tt.params...)
			assert.ErrorIs(t, err, ErrInvalidCommandParameter)
		})
	}
}

func TestCommand_BytesIsCopy(t *testing.T) {
	cmd := MustBuildCommand(Unsleep)
	b := cmd.Bytes()
	b[0] = 0xff
	assert.Equal(t, byte(0x09), cmd[0])
	assert.Equal(t, "09 01 01", cmd.String())
	assert.Panics(t, func() { MustBuildCommand(Vibrate, 9) })
}
