package keystore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"adaptd/internal/security"
)

// masterKeyFile holds the random master key the file provider derives
// per-label keys from.
const masterKeyFile = "master.key"

// FileProvider stores a single random master key on disk with 0600
// permissions and derives per-label keys from it with HKDF. Derivation is
// deterministic, so the same label always yields the same key across
// restarts while the master key file survives.
type FileProvider struct {
	mu     sync.Mutex
	dir    string
	master []byte
	closed bool
}

// NewFileProvider creates a file-backed key provider rooted at dir.
// The directory and master key are created lazily on first use.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

func (f *FileProvider) Name() string { return "file" }

// Available reports whether the provider directory exists or can be created.
func (f *FileProvider) Available() bool {
	if f.dir == "" {
		return false
	}
	if err := security.EnsureSecureDir(f.dir); err != nil {
		return false
	}
	return true
}

func (f *FileProvider) GetOrCreateKey(label string, size int) ([]byte, error) {
	if err := ValidateLabel(label); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrProviderClosed
	}

	if f.master == nil {
		if err := f.loadOrCreateMaster(); err != nil {
			return nil, err
		}
	}

	key, err := security.DeriveKeyWithLabel(f.master, label, size)
	if err != nil {
		return nil, fmt.Errorf("keystore: derive key: %w", err)
	}
	return key, nil
}

// loadOrCreateMaster reads the master key file, creating it on first run.
// Caller holds the lock.
func (f *FileProvider) loadOrCreateMaster() error {
	if err := security.EnsureSecureDir(f.dir); err != nil {
		return fmt.Errorf("keystore: prepare directory: %w", err)
	}

	path := filepath.Join(f.dir, masterKeyFile)
	master, err := security.ReadSecureFile(path, 1024)
	if err == nil {
		if verr := security.ValidateKeyStrength(master); verr != nil {
			return fmt.Errorf("keystore: stored master key unusable: %w", verr)
		}
		f.master = master
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("keystore: read master key: %w", err)
	}

	master, err = security.GenerateKey(security.RecommendedKeySize)
	if err != nil {
		return fmt.Errorf("keystore: generate master key: %w", err)
	}
	if err := security.WriteSecretFile(path, master); err != nil {
		security.Wipe(master)
		return fmt.Errorf("keystore: store master key: %w", err)
	}

	f.master = master
	return nil
}

func (f *FileProvider) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.master != nil {
		security.Wipe(f.master)
		f.master = nil
	}
	f.closed = true
	return nil
}

var _ Provider = (*FileProvider)(nil)
