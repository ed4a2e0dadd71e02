package keystore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// ====== Labels ======

func TestValidateLabel(t *testing.T) {
	valid := []string{
		"event-log",
		"upload.signing",
		"a",
		"identity_v1",
		"k" + strings.Repeat("x", 63),
	}
	for _, label := range valid {
		if err := ValidateLabel(label); err != nil {
			t.Errorf("ValidateLabel(%q) = %v, want nil", label, err)
		}
	}

	invalid := []string{
		"",
		"UPPER",
		"has space",
		".leading-dot",
		"-leading-dash",
		"k" + strings.Repeat("x", 64),
	}
	for _, label := range invalid {
		if err := ValidateLabel(label); err == nil {
			t.Errorf("ValidateLabel(%q) = nil, want error", label)
		}
	}
}

// ====== Memory provider ======

func TestMemoryProviderStableKeys(t *testing.T) {
	p := NewMemoryProvider()
	defer p.Close()

	k1, err := p.GetOrCreateKey("event-log", 32)
	if err != nil {
		t.Fatalf("GetOrCreateKey failed: %v", err)
	}
	if len(k1) != 32 {
		t.Fatalf("key length = %d, want 32", len(k1))
	}

	k2, err := p.GetOrCreateKey("event-log", 32)
	if err != nil {
		t.Fatalf("second GetOrCreateKey failed: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("same label returned different keys")
	}
}

func TestMemoryProviderLabelSeparation(t *testing.T) {
	p := NewMemoryProvider()
	defer p.Close()

	k1, err := p.GetOrCreateKey("event-log", 32)
	if err != nil {
		t.Fatalf("GetOrCreateKey failed: %v", err)
	}
	k2, err := p.GetOrCreateKey("upload.signing", 32)
	if err != nil {
		t.Fatalf("GetOrCreateKey failed: %v", err)
	}
	if bytes.Equal(k1, k2) {
		t.Error("different labels returned the same key")
	}
}

func TestMemoryProviderReturnsCopies(t *testing.T) {
	p := NewMemoryProvider()
	defer p.Close()

	k1, err := p.GetOrCreateKey("event-log", 32)
	if err != nil {
		t.Fatalf("GetOrCreateKey failed: %v", err)
	}
	for i := range k1 {
		k1[i] = 0
	}

	k2, err := p.GetOrCreateKey("event-log", 32)
	if err != nil {
		t.Fatalf("second GetOrCreateKey failed: %v", err)
	}
	if bytes.Equal(k2, make([]byte, 32)) {
		t.Error("mutating a returned key corrupted the stored key")
	}
}

func TestMemoryProviderClosed(t *testing.T) {
	p := NewMemoryProvider()
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := p.GetOrCreateKey("event-log", 32); !errors.Is(err, ErrProviderClosed) {
		t.Errorf("GetOrCreateKey after Close = %v, want ErrProviderClosed", err)
	}
}

func TestMemoryProviderRejectsBadLabel(t *testing.T) {
	p := NewMemoryProvider()
	defer p.Close()

	if _, err := p.GetOrCreateKey("Not A Label", 32); !errors.Is(err, ErrInvalidLabel) {
		t.Errorf("GetOrCreateKey with bad label = %v, want ErrInvalidLabel", err)
	}
}

// ====== File provider ======

func TestFileProviderPersistence(t *testing.T) {
	dir := t.TempDir()

	p1 := NewFileProvider(dir)
	k1, err := p1.GetOrCreateKey("event-log", 32)
	if err != nil {
		t.Fatalf("GetOrCreateKey failed: %v", err)
	}
	if err := p1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	p2 := NewFileProvider(dir)
	defer p2.Close()
	k2, err := p2.GetOrCreateKey("event-log", 32)
	if err != nil {
		t.Fatalf("GetOrCreateKey on reopened provider failed: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("key is not stable across provider instances")
	}
}

func TestFileProviderLabelSeparation(t *testing.T) {
	p := NewFileProvider(t.TempDir())
	defer p.Close()

	k1, err := p.GetOrCreateKey("event-log", 32)
	if err != nil {
		t.Fatalf("GetOrCreateKey failed: %v", err)
	}
	k2, err := p.GetOrCreateKey("upload.signing", 32)
	if err != nil {
		t.Fatalf("GetOrCreateKey failed: %v", err)
	}
	if bytes.Equal(k1, k2) {
		t.Error("different labels derived the same key")
	}
}

func TestFileProviderKeySizes(t *testing.T) {
	p := NewFileProvider(t.TempDir())
	defer p.Close()

	for _, size := range []int{16, 32, 64} {
		k, err := p.GetOrCreateKey("sized", size)
		if err != nil {
			t.Fatalf("GetOrCreateKey(size=%d) failed: %v", size, err)
		}
		if len(k) != size {
			t.Errorf("key length = %d, want %d", len(k), size)
		}
	}
}

func TestFileProviderMasterKeyPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions not enforced on windows")
	}

	dir := t.TempDir()
	p := NewFileProvider(dir)
	defer p.Close()

	if _, err := p.GetOrCreateKey("event-log", 32); err != nil {
		t.Fatalf("GetOrCreateKey failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, masterKeyFile))
	if err != nil {
		t.Fatalf("master key file missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("master key permissions = %o, want 0600", perm)
	}
}

func TestFileProviderUnavailableWithoutDir(t *testing.T) {
	p := NewFileProvider("")
	if p.Available() {
		t.Error("provider with empty directory reports available")
	}
}

func TestFileProviderClosed(t *testing.T) {
	p := NewFileProvider(t.TempDir())
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := p.GetOrCreateKey("event-log", 32); !errors.Is(err, ErrProviderClosed) {
		t.Errorf("GetOrCreateKey after Close = %v, want ErrProviderClosed", err)
	}
}

// ====== Manager ======

type failingProvider struct {
	calls int
}

func (f *failingProvider) Name() string    { return "broken" }
func (f *failingProvider) Available() bool { return true }

func (f *failingProvider) GetOrCreateKey(label string, size int) ([]byte, error) {
	f.calls++
	return nil, errors.New("hardware unreachable")
}

func (f *failingProvider) Close() error { return nil }

func TestManagerFallsBackOnFailure(t *testing.T) {
	broken := &failingProvider{}
	m := NewManager(broken, nil)
	defer m.Close()

	k, err := m.GetOrCreateKey("event-log", 32)
	if err != nil {
		t.Fatalf("GetOrCreateKey did not fall back: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("fallback key length = %d, want 32", len(k))
	}
	if !m.Degraded() {
		t.Error("manager not marked degraded after provider failure")
	}
}

func TestManagerFallbackKeysStable(t *testing.T) {
	m := NewManager(&failingProvider{}, nil)
	defer m.Close()

	k1, err := m.GetOrCreateKey("event-log", 32)
	if err != nil {
		t.Fatalf("GetOrCreateKey failed: %v", err)
	}
	k2, err := m.GetOrCreateKey("event-log", 32)
	if err != nil {
		t.Fatalf("second GetOrCreateKey failed: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("fallback keys differ within a single process")
	}
}

func TestManagerDoesNotRetryFailedProvider(t *testing.T) {
	broken := &failingProvider{}
	m := NewManager(broken, nil)
	defer m.Close()

	if _, err := m.GetOrCreateKey("one", 32); err != nil {
		t.Fatalf("GetOrCreateKey failed: %v", err)
	}
	if _, err := m.GetOrCreateKey("two", 32); err != nil {
		t.Fatalf("GetOrCreateKey failed: %v", err)
	}
	if broken.calls != 1 {
		t.Errorf("failed provider called %d times, want 1", broken.calls)
	}
}

func TestManagerHealthyPath(t *testing.T) {
	m := NewManager(NewMemoryProvider(), nil)
	defer m.Close()

	if _, err := m.GetOrCreateKey("event-log", 32); err != nil {
		t.Fatalf("GetOrCreateKey failed: %v", err)
	}
	if m.Degraded() {
		t.Error("healthy manager reports degraded")
	}
	if got := m.ProviderName(); got != "memory" {
		t.Errorf("ProviderName = %q, want %q", got, "memory")
	}
}

// ====== Open and Detect ======

func TestOpenMemory(t *testing.T) {
	p, err := Open("memory", "", "")
	if err != nil {
		t.Fatalf("Open(memory) failed: %v", err)
	}
	defer p.Close()
	if p.Name() != "memory" {
		t.Errorf("Name = %q, want memory", p.Name())
	}
}

func TestOpenFile(t *testing.T) {
	p, err := Open("file", "", t.TempDir())
	if err != nil {
		t.Fatalf("Open(file) failed: %v", err)
	}
	defer p.Close()
	if p.Name() != "file" {
		t.Errorf("Name = %q, want file", p.Name())
	}
}

func TestOpenUnknown(t *testing.T) {
	if _, err := Open("hsm", "", ""); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Open(hsm) = %v, want ErrUnknownProvider", err)
	}
}

func TestOpenTPMWithoutDevice(t *testing.T) {
	if _, err := Open("tpm", filepath.Join(t.TempDir(), "no-such-tpm"), t.TempDir()); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("Open(tpm) without device = %v, want ErrNotAvailable", err)
	}
}

func TestDetectFallsBackToFile(t *testing.T) {
	p := Detect(filepath.Join(t.TempDir(), "no-such-tpm"), t.TempDir())
	defer p.Close()
	if p.Name() != "file" {
		t.Errorf("Detect without TPM returned %q, want file", p.Name())
	}
}
