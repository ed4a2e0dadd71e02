// Package adapter defines the artifact a training round produces and the
// aggregation server returns: an opaque weights payload plus the metadata
// describing it. The daemon never interprets payload bytes; it only moves
// them, checks their integrity, and hands them to whoever registered for
// updates.
package adapter

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoVersion        = errors.New("adapter: metadata version empty")
	ErrLengthMismatch   = errors.New("adapter: payload length mismatch")
	ErrChecksumMismatch = errors.New("adapter: checksum mismatch")
)

// Weights is an opaque serialized adapter.
type Weights struct {
	Payload []byte `json:"payload"`
}

// Clone returns an independent copy of the weights.
func (w Weights) Clone() Weights {
	if w.Payload == nil {
		return Weights{}
	}
	out := make([]byte, len(w.Payload))
	copy(out, w.Payload)
	return Weights{Payload: out}
}

// Metadata describes a weights payload.
type Metadata struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	DeviceID  string    `json:"device_id"`
	Round     uint64    `json:"round"`
	ByteLen   int       `json:"byte_len"`
	Checksum  string    `json:"checksum,omitempty"`
}

const checksumPrefix = "xor8:"

// Checksum folds the payload into eight bytes by XOR and returns it as
// "xor8:" plus hex. It catches accidental corruption in transit or at
// rest; it is not tamper-proof. Authenticity comes from the upload
// signature, not from this.
func Checksum(payload []byte) string {
	var acc [8]byte
	for i, b := range payload {
		acc[i%8] ^= b
	}
	return checksumPrefix + hex.EncodeToString(acc[:])
}

// NewMetadata builds metadata for a payload, including its checksum.
func NewMetadata(w Weights, version, deviceID string, round uint64) Metadata {
	return Metadata{
		Version:   version,
		CreatedAt: time.Now().UTC(),
		DeviceID:  deviceID,
		Round:     round,
		ByteLen:   len(w.Payload),
		Checksum:  Checksum(w.Payload),
	}
}

// Validate checks the metadata in isolation. Round zero is allowed: a
// device that has never reconciled with the server uploads round zero.
func (m Metadata) Validate() error {
	if m.Version == "" {
		return ErrNoVersion
	}
	if m.ByteLen < 0 {
		return fmt.Errorf("adapter: negative byte length %d", m.ByteLen)
	}
	if m.CreatedAt.IsZero() {
		return errors.New("adapter: metadata creation time unset")
	}
	return nil
}

// VerifyChecksum checks payload against the recorded length and checksum.
// An empty checksum field skips the fold comparison.
func (m Metadata) VerifyChecksum(payload []byte) error {
	if len(payload) != m.ByteLen {
		return fmt.Errorf("%w: have %d bytes, metadata says %d", ErrLengthMismatch, len(payload), m.ByteLen)
	}
	if m.Checksum == "" {
		return nil
	}
	if got := Checksum(payload); got != m.Checksum {
		return fmt.Errorf("%w: computed %s, metadata says %s", ErrChecksumMismatch, got, m.Checksum)
	}
	return nil
}
