// Package keystore manages the encryption keys protecting daemon state.
//
// Keys are obtained through the Provider interface so callers never care
// where material lives. Three providers exist:
//   - tpm:    keys are sealed to the TPM and bound to PCR state (Linux)
//   - file:   keys are derived from a random master key stored with 0600
//   - memory: ephemeral keys, lost at process exit
//
// The Manager wraps a provider and falls back to ephemeral in-memory keys
// when the provider fails, so the daemon keeps running in a degraded mode
// instead of crashing. Degraded() reports when that happened.
package keystore

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"

	"adaptd/internal/logging"
	"adaptd/internal/security"
)

// Keystore errors.
var (
	ErrNotAvailable    = errors.New("keystore: provider not available")
	ErrProviderClosed  = errors.New("keystore: provider closed")
	ErrInvalidLabel    = errors.New("keystore: invalid key label")
	ErrUnknownProvider = errors.New("keystore: unknown provider")
)

// labelPattern restricts labels to names safe for filenames and HKDF info.
var labelPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// Provider supplies named symmetric keys.
//
// GetOrCreateKey returns the key for the label, creating it on first use.
// Repeated calls with the same label return the same key for the lifetime
// of the underlying storage (process lifetime for memory, persistent for
// file and tpm).
type Provider interface {
	// Name identifies the provider: "tpm", "file", or "memory".
	Name() string

	// Available reports whether the provider can serve keys right now.
	Available() bool

	// GetOrCreateKey returns the key stored under label, creating a new
	// random key of size bytes if none exists.
	GetOrCreateKey(label string, size int) ([]byte, error)

	// Close releases provider resources. Keys already handed out stay valid.
	Close() error
}

// ValidateLabel checks that a key label is safe to use.
func ValidateLabel(label string) error {
	if !labelPattern.MatchString(label) {
		return fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	return nil
}

// MemoryProvider keeps keys in process memory only.
// Keys do not survive a restart; anything encrypted under them is
// unreadable after the process exits.
type MemoryProvider struct {
	mu     sync.Mutex
	keys   map[string][]byte
	closed bool
}

// NewMemoryProvider creates an ephemeral in-memory key provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{keys: make(map[string][]byte)}
}

func (m *MemoryProvider) Name() string    { return "memory" }
func (m *MemoryProvider) Available() bool { return true }

func (m *MemoryProvider) GetOrCreateKey(label string, size int) ([]byte, error) {
	if err := ValidateLabel(label); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrProviderClosed
	}

	if key, ok := m.keys[label]; ok {
		out := make([]byte, len(key))
		copy(out, key)
		return out, nil
	}

	key, err := security.GenerateKey(size)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate key: %w", err)
	}
	m.keys[label] = key

	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

func (m *MemoryProvider) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for label, key := range m.keys {
		security.Wipe(key)
		delete(m.keys, label)
	}
	m.closed = true
	return nil
}

var _ Provider = (*MemoryProvider)(nil)

// Open returns the provider named by kind.
//
// Kinds: "auto" picks the strongest available provider (TPM, then file),
// "tpm" requires a TPM, "file" and "memory" select those providers directly.
func Open(kind, tpmPath, dir string) (Provider, error) {
	switch kind {
	case "auto":
		return Detect(tpmPath, dir), nil
	case "tpm":
		p := newTPMProvider(tpmPath, dir)
		if p == nil || !p.Available() {
			return nil, ErrNotAvailable
		}
		return p, nil
	case "file":
		return NewFileProvider(dir), nil
	case "memory":
		return NewMemoryProvider(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
}

// Detect returns the strongest available provider for this platform:
// a TPM-backed provider when a TPM is usable, the file provider otherwise.
func Detect(tpmPath, dir string) Provider {
	if p := newTPMProvider(tpmPath, dir); p != nil && p.Available() {
		return p
	}
	return NewFileProvider(dir)
}

// Manager wraps a Provider with an ephemeral fallback.
//
// When the configured provider fails to produce a key, the Manager logs a
// warning, switches to in-memory keys, and keeps serving. State encrypted
// under fallback keys is lost at shutdown, which the event log treats as
// starting empty.
type Manager struct {
	mu       sync.Mutex
	provider Provider
	fallback *MemoryProvider
	degraded atomic.Bool
	log      *logging.Logger
}

// NewManager wraps the provider with degraded-mode fallback.
// A nil logger uses the package default.
func NewManager(p Provider, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	return &Manager{
		provider: p,
		fallback: NewMemoryProvider(),
		log:      log.WithComponent("keystore"),
	}
}

// GetOrCreateKey returns the key for label, falling back to an ephemeral
// key if the underlying provider fails.
func (m *Manager) GetOrCreateKey(label string, size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.degraded.Load() {
		key, err := m.provider.GetOrCreateKey(label, size)
		if err == nil {
			return key, nil
		}
		m.degraded.Store(true)
		m.log.Warn("key provider failed, falling back to ephemeral keys",
			"provider", m.provider.Name(),
			"label", label,
			"error", err)
	}

	return m.fallback.GetOrCreateKey(label, size)
}

// Degraded reports whether the manager has fallen back to ephemeral keys.
func (m *Manager) Degraded() bool {
	return m.degraded.Load()
}

// ProviderName returns the name of the provider currently serving keys.
func (m *Manager) ProviderName() string {
	if m.degraded.Load() {
		return m.fallback.Name()
	}
	return m.provider.Name()
}

// Close closes both the wrapped provider and the fallback.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.provider.Close()
	if ferr := m.fallback.Close(); err == nil {
		err = ferr
	}
	return err
}
