package eventlog

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"adaptd/internal/event"
)

// Blob layout: magic (4 bytes) | version (1 byte) | nonce || ciphertext.
// The plaintext is the framed event list produced by event.EncodeList.
const (
	blobMagic   = "AEL1"
	blobVersion = 1

	// maxBlobSize bounds reads of the persisted log. At the default cap of
	// 10000 events the blob stays well under a megabyte.
	maxBlobSize = 16 << 20
)

var ErrBlobFormat = errors.New("eventlog: malformed blob")

// sealEvents encrypts the event list with AES-256-GCM under key.
func sealEvents(key []byte, events []event.Event) ([]byte, error) {
	plaintext, err := event.EncodeList(events)
	if err != nil {
		return nil, fmt.Errorf("eventlog: encode events: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("eventlog: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("eventlog: init GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("eventlog: generate nonce: %w", err)
	}

	out := make([]byte, 0, len(blobMagic)+1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, blobMagic...)
	out = append(out, blobVersion)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// openEvents decrypts a sealed blob and decodes the event list. Any
// tampering, truncation, or wrong-key decryption fails the GCM tag check.
func openEvents(key, blob []byte) ([]event.Event, error) {
	if len(blob) < len(blobMagic)+1 {
		return nil, ErrBlobFormat
	}
	if string(blob[:len(blobMagic)]) != blobMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBlobFormat)
	}
	if blob[len(blobMagic)] != blobVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBlobFormat, blob[len(blobMagic)])
	}
	body := blob[len(blobMagic)+1:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("eventlog: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("eventlog: init GCM: %w", err)
	}
	if len(body) < gcm.NonceSize() {
		return nil, ErrBlobFormat
	}

	nonce, ciphertext := body[:gcm.NonceSize()], body[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlobFormat, err)
	}

	events, err := event.DecodeList(plaintext)
	if err != nil {
		return nil, fmt.Errorf("eventlog: decode events: %w", err)
	}
	return events, nil
}
