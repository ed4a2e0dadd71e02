// Package identity holds the per-install device identity: a stable UUID,
// the monotonic federated round counter, and the Ed25519 key that signs
// round uploads. The signing key is never stored; it is rederived from
// keystore material on every open, so a copied identity file alone cannot
// impersonate the device.
package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"adaptd/internal/logging"
	"adaptd/internal/security"
)

const (
	// keyLabel names both the keystore entry and the HKDF derivation for
	// the signing seed.
	keyLabel = "identity"

	maxFileSize = 4096
)

var (
	ErrStaleRound = errors.New("identity: server round not greater than current round")
	ErrCorrupt    = errors.New("identity: identity file corrupt")
)

// Identity is the persisted device record.
type Identity struct {
	DeviceID  string    `json:"device_id"`
	Round     uint64    `json:"round"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KeyProvider supplies the master key the signing seed derives from.
type KeyProvider interface {
	GetOrCreateKey(label string, size int) ([]byte, error)
}

// Store is the open identity, safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	id   Identity
	priv ed25519.PrivateKey
	log  *logging.Logger
}

// Open loads the identity at path, creating a fresh one (new UUID, round
// zero) when none exists. A corrupt file is an error rather than a silent
// regeneration: a new device ID would orphan the server's view of this
// install.
func Open(path string, keys KeyProvider, log *logging.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("identity: path required")
	}
	if keys == nil {
		return nil, errors.New("identity: key provider required")
	}
	if log == nil {
		log = logging.Default()
	}

	s := &Store{
		path: path,
		log:  log.WithComponent("identity"),
	}

	data, err := security.ReadSecureFile(path, maxFileSize)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if _, err := uuid.Parse(s.id.DeviceID); err != nil {
			return nil, fmt.Errorf("%w: bad device id: %v", ErrCorrupt, err)
		}
	case os.IsNotExist(err):
		now := time.Now().UTC()
		s.id = Identity{
			DeviceID:  uuid.NewString(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.save(); err != nil {
			return nil, err
		}
		s.log.Info("created device identity", "device_id", s.id.DeviceID)
	default:
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	master, err := keys.GetOrCreateKey(keyLabel, security.RecommendedKeySize)
	if err != nil {
		return nil, fmt.Errorf("identity: obtain master key: %w", err)
	}
	defer security.Wipe(master)

	seed, err := security.DeriveKeyWithLabel(master, keyLabel, ed25519.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("identity: derive signing seed: %w", err)
	}
	s.priv = ed25519.NewKeyFromSeed(seed)
	security.Wipe(seed)

	return s, nil
}

func (s *Store) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id.DeviceID
}

func (s *Store) Round() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id.Round
}

// Snapshot returns a copy of the persisted record.
func (s *Store) Snapshot() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// AdvanceRound records the round the server assigned after a successful
// upload. The counter only moves forward.
func (s *Store) AdvanceRound(serverRound uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if serverRound <= s.id.Round {
		return fmt.Errorf("%w: have %d, got %d", ErrStaleRound, s.id.Round, serverRound)
	}
	prev := s.id
	s.id.Round = serverRound
	s.id.UpdatedAt = time.Now().UTC()
	if err := s.save(); err != nil {
		s.id = prev
		return err
	}
	return nil
}

// Sign signs payload with the device key.
func (s *Store) Sign(payload []byte) []byte {
	return ed25519.Sign(s.priv, payload)
}

// PublicKey returns the device's verification key.
func (s *Store) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Close wipes the in-memory signing key.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	security.Wipe(s.priv)
	s.priv = nil
	return nil
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.id, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: encode: %w", err)
	}
	if err := security.WriteSecretFile(s.path, data); err != nil {
		return fmt.Errorf("identity: write %s: %w", s.path, err)
	}
	return nil
}
