//go:build linux

package keystore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"adaptd/internal/security"
)

// TPM device paths in order of preference
var tpmDevicePaths = []string{
	"/dev/tpmrm0", // TPM Resource Manager (preferred)
	"/dev/tpm0",   // Direct TPM access (fallback)
}

// sealPCRs binds sealed keys to firmware, bootloader, and secure boot state.
var sealPCRs = []uint{0, 4, 7}

// TPM-specific errors.
var (
	ErrSealedCorrupt = errors.New("keystore: sealed blob corrupted")
	ErrPCRMismatch   = errors.New("keystore: PCR values do not match sealing state")
)

// TPMProvider stores keys sealed to the TPM. Each label maps to a sealed
// blob on disk; the plaintext key only exists after an unseal that the
// current PCR state authorizes.
type TPMProvider struct {
	mu         sync.Mutex
	devicePath string
	dir        string
	tpm        transport.TPMCloser
	closed     bool
}

// newTPMProvider returns a TPM-backed provider if a usable device exists.
// devicePath may be empty to probe the standard device paths.
func newTPMProvider(devicePath, dir string) Provider {
	paths := tpmDevicePaths
	if devicePath != "" {
		paths = []string{devicePath}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			continue
		}
		f.Close()
		return &TPMProvider{devicePath: path, dir: dir}
	}
	return nil
}

func (p *TPMProvider) Name() string { return "tpm" }

// Available returns true if the TPM device exists and is accessible.
func (p *TPMProvider) Available() bool {
	if p.devicePath == "" {
		return false
	}
	_, err := os.Stat(p.devicePath)
	return err == nil
}

func (p *TPMProvider) GetOrCreateKey(label string, size int) ([]byte, error) {
	if err := ValidateLabel(label); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClosed
	}
	if err := p.ensureOpen(); err != nil {
		return nil, err
	}
	if err := security.EnsureSecureDir(p.dir); err != nil {
		return nil, fmt.Errorf("keystore: prepare directory: %w", err)
	}

	sealedPath := filepath.Join(p.dir, label+".sealed")
	sealed, err := security.ReadSecureFile(sealedPath, 8192)
	if err == nil {
		key, uerr := p.unseal(sealed)
		if uerr != nil {
			return nil, uerr
		}
		if len(key) != size {
			security.Wipe(key)
			return nil, fmt.Errorf("keystore: sealed key for %q has size %d, want %d", label, len(key), size)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("keystore: read sealed blob: %w", err)
	}

	key, err := security.GenerateKey(size)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate key: %w", err)
	}
	sealed, err = p.seal(key)
	if err != nil {
		security.Wipe(key)
		return nil, err
	}
	if err := security.WriteSecretFile(sealedPath, sealed); err != nil {
		security.Wipe(key)
		return nil, fmt.Errorf("keystore: store sealed blob: %w", err)
	}
	return key, nil
}

func (p *TPMProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.tpm != nil {
		err := p.tpm.Close()
		p.tpm = nil
		return err
	}
	return nil
}

// ensureOpen opens the TPM device lazily. Caller holds the lock.
func (p *TPMProvider) ensureOpen() error {
	if p.tpm != nil {
		return nil
	}
	t, err := transport.OpenTPM(p.devicePath)
	if err != nil {
		return fmt.Errorf("keystore: open %s: %w", p.devicePath, err)
	}
	p.tpm = t
	return nil
}

// seal wraps key material in a TPM keyed-hash object bound to the current
// PCR state. Blob format: len(pub) || pub || len(priv) || priv.
func (p *TPMProvider) seal(data []byte) ([]byte, error) {
	srkHandle, err := p.createPrimary()
	if err != nil {
		return nil, fmt.Errorf("keystore: create SRK: %w", err)
	}
	defer func() {
		flush := tpm2.FlushContext{FlushHandle: srkHandle}
		flush.Execute(p.tpm)
	}()

	policyDigest, err := p.pcrPolicyDigest()
	if err != nil {
		return nil, fmt.Errorf("keystore: compute PCR policy: %w", err)
	}

	createCmd := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: srkHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				Data: tpm2.NewTPMUSensitiveCreate(
					&tpm2.TPM2BSensitiveData{Buffer: data},
				),
			},
		},
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgKeyedHash,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:     true,
				FixedParent:  true,
				UserWithAuth: false,
			},
			AuthPolicy: tpm2.TPM2BDigest{Buffer: policyDigest},
		}),
	}

	createRsp, err := createCmd.Execute(p.tpm)
	if err != nil {
		return nil, fmt.Errorf("keystore: Create failed: %w", err)
	}

	pubBytes := tpm2.Marshal(createRsp.OutPublic)
	privBytes := tpm2.Marshal(createRsp.OutPrivate)

	sealed := make([]byte, 4+len(pubBytes)+4+len(privBytes))
	binary.BigEndian.PutUint32(sealed[0:4], uint32(len(pubBytes)))
	copy(sealed[4:], pubBytes)
	offset := 4 + len(pubBytes)
	binary.BigEndian.PutUint32(sealed[offset:offset+4], uint32(len(privBytes)))
	copy(sealed[offset+4:], privBytes)

	return sealed, nil
}

// unseal recovers key material from a sealed blob. Fails with
// ErrPCRMismatch when the platform state has changed since sealing.
func (p *TPMProvider) unseal(sealed []byte) ([]byte, error) {
	if len(sealed) < 8 {
		return nil, ErrSealedCorrupt
	}

	pubLen := binary.BigEndian.Uint32(sealed[0:4])
	if uint32(len(sealed)) < 4+pubLen+4 {
		return nil, ErrSealedCorrupt
	}
	pubBytes := sealed[4 : 4+pubLen]
	offset := 4 + pubLen
	privLen := binary.BigEndian.Uint32(sealed[offset : offset+4])
	if uint32(len(sealed)) < offset+4+privLen {
		return nil, ErrSealedCorrupt
	}
	privBytes := sealed[offset+4 : offset+4+privLen]

	outPublic, err := tpm2.Unmarshal[tpm2.TPM2BPublic](pubBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedCorrupt, err)
	}

	srkHandle, err := p.createPrimary()
	if err != nil {
		return nil, fmt.Errorf("keystore: create SRK: %w", err)
	}
	defer func() {
		flush := tpm2.FlushContext{FlushHandle: srkHandle}
		flush.Execute(p.tpm)
	}()

	loadCmd := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: srkHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic:  *outPublic,
		InPrivate: tpm2.TPM2BPrivate{Buffer: privBytes},
	}

	loadRsp, err := loadCmd.Execute(p.tpm)
	if err != nil {
		return nil, fmt.Errorf("keystore: Load failed: %w", err)
	}
	defer func() {
		flush := tpm2.FlushContext{FlushHandle: loadRsp.ObjectHandle}
		flush.Execute(p.tpm)
	}()

	sess, closeSess, err := tpm2.PolicySession(p.tpm, tpm2.TPMAlgSHA256, 16)
	if err != nil {
		return nil, fmt.Errorf("keystore: start policy session: %w", err)
	}
	defer closeSess()

	policyPCR := tpm2.PolicyPCR{
		PolicySession: sess.Handle(),
		Pcrs:          sealPCRSelection(),
	}
	if _, err := policyPCR.Execute(p.tpm); err != nil {
		return nil, fmt.Errorf("keystore: PolicyPCR failed: %w", err)
	}

	unsealCmd := tpm2.Unseal{
		ItemHandle: tpm2.AuthHandle{
			Handle: loadRsp.ObjectHandle,
			Name:   loadRsp.Name,
			Auth:   sess,
		},
	}

	unsealRsp, err := unsealCmd.Execute(p.tpm)
	if err != nil {
		return nil, ErrPCRMismatch
	}

	return unsealRsp.OutData.Buffer, nil
}

// createPrimary creates the storage root key under the owner hierarchy.
func (p *TPMProvider) createPrimary() (tpm2.TPMHandle, error) {
	createPrimaryCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgECC,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:            true,
				STClear:             false,
				FixedParent:         true,
				SensitiveDataOrigin: true,
				UserWithAuth:        true,
				Restricted:          true,
				Decrypt:             true,
			},
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgECC,
				&tpm2.TPMSECCParms{
					CurveID: tpm2.TPMECCNistP256,
					Scheme: tpm2.TPMTECCScheme{
						Scheme: tpm2.TPMAlgNull,
					},
				},
			),
		}),
	}

	rsp, err := createPrimaryCmd.Execute(p.tpm)
	if err != nil {
		return 0, err
	}
	return rsp.ObjectHandle, nil
}

// pcrPolicyDigest computes the policy digest for the seal PCR selection
// using a trial session.
func (p *TPMProvider) pcrPolicyDigest() ([]byte, error) {
	sess, closeSess, err := tpm2.PolicySession(p.tpm, tpm2.TPMAlgSHA256, 16, tpm2.Trial())
	if err != nil {
		return nil, err
	}
	defer closeSess()

	policyPCR := tpm2.PolicyPCR{
		PolicySession: sess.Handle(),
		Pcrs:          sealPCRSelection(),
	}
	if _, err := policyPCR.Execute(p.tpm); err != nil {
		return nil, err
	}

	getDigest := tpm2.PolicyGetDigest{
		PolicySession: sess.Handle(),
	}
	digestRsp, err := getDigest.Execute(p.tpm)
	if err != nil {
		return nil, err
	}
	return digestRsp.PolicyDigest.Buffer, nil
}

func sealPCRSelection() tpm2.TPMLPCRSelection {
	return tpm2.TPMLPCRSelection{
		PCRSelections: []tpm2.TPMSPCRSelection{
			{
				Hash:      tpm2.TPMAlgSHA256,
				PCRSelect: tpm2.PCClientCompatible.PCRs(sealPCRs...),
			},
		},
	}
}

var _ Provider = (*TPMProvider)(nil)
