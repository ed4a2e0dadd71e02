package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ====== Checksum ======

func TestChecksumFormat(t *testing.T) {
	sum := Checksum([]byte("adapter payload"))
	require.Len(t, sum, len("xor8:")+16)
	assert.Equal(t, "xor8:", sum[:5])
}

func TestChecksumEmptyPayload(t *testing.T) {
	assert.Equal(t, "xor8:0000000000000000", Checksum(nil))
}

func TestChecksumDetectsCorruption(t *testing.T) {
	payload := []byte("some adapter weights here")
	before := Checksum(payload)

	payload[3] ^= 0x40
	after := Checksum(payload)

	assert.NotEqual(t, before, after, "checksum unchanged after payload corruption")
}

// ====== Metadata ======

func demoWeights() Weights {
	return Weights{Payload: []byte{0x01, 0x02, 0x03, 0x04, 0x05}}
}

func TestNewMetadata(t *testing.T) {
	w := demoWeights()
	m := NewMetadata(w, "v1", "device-1", 7)

	assert.Equal(t, "v1", m.Version)
	assert.Equal(t, "device-1", m.DeviceID)
	assert.Equal(t, uint64(7), m.Round)
	assert.Equal(t, len(w.Payload), m.ByteLen)
	assert.False(t, m.CreatedAt.IsZero(), "CreatedAt unset")

	require.NoError(t, m.Validate())
	require.NoError(t, m.VerifyChecksum(w.Payload))
}

func TestValidateRejectsEmptyVersion(t *testing.T) {
	m := NewMetadata(demoWeights(), "", "device-1", 1)
	assert.ErrorIs(t, m.Validate(), ErrNoVersion)
}

func TestValidateAllowsRoundZero(t *testing.T) {
	m := NewMetadata(demoWeights(), "v1", "device-1", 0)
	assert.NoError(t, m.Validate())
}

func TestVerifyChecksumLengthMismatch(t *testing.T) {
	w := demoWeights()
	m := NewMetadata(w, "v1", "device-1", 1)

	err := m.VerifyChecksum(append(w.Payload, 0xFF))
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestVerifyChecksumMismatch(t *testing.T) {
	w := demoWeights()
	m := NewMetadata(w, "v1", "device-1", 1)
	m.Checksum = "xor8:ffffffffffffffff"

	assert.ErrorIs(t, m.VerifyChecksum(w.Payload), ErrChecksumMismatch)
}

func TestVerifyChecksumOptional(t *testing.T) {
	w := demoWeights()
	m := Metadata{Version: "v1", CreatedAt: time.Now().UTC(), ByteLen: len(w.Payload)}

	assert.NoError(t, m.VerifyChecksum(w.Payload), "empty checksum should skip the fold check")
}

// ====== Weights ======

func TestWeightsClone(t *testing.T) {
	w := demoWeights()
	c := w.Clone()

	c.Payload[0] = 0xEE
	assert.NotEqual(t, byte(0xEE), w.Payload[0], "Clone shares the payload backing array")

	empty := Weights{}.Clone()
	assert.Nil(t, empty.Payload)
}
