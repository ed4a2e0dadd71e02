// Package proof produces and verifies the attestation artifact uploaded
// with every adapter update. The Engine interface is the unit of
// pluggability: the bundled StubEngine emulates the shape and cost profile
// of a zero-knowledge proof (commitment digest, fixed-size random
// query-response segment, integrity trailer, generation markedly slower
// than verification) without providing any actual soundness. Swapping in
// a real proof system means implementing Engine and nothing else.
package proof

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strconv"
	"time"

	"adaptd/internal/adapter"
)

// System tags the proof scheme that produced an artifact.
type System string

// SystemStub is the development scheme: structurally proof-shaped,
// cryptographically worthless.
const SystemStub System = "stub-commitment-v1"

// Default latencies model the cost asymmetry of real proof systems.
// Generation must stay strictly slower than verification; the round
// timeout budget in the federated client depends on it.
const (
	DefaultGenerateLatency = 250 * time.Millisecond
	DefaultVerifyLatency   = 25 * time.Millisecond
)

const (
	commitDomain = "adaptd/proof/stub/v1"

	querySectionSize = 64
	crcSize          = 4

	// minProofSize is the smallest payload Verify will even look at:
	// one commitment digest plus the integrity trailer.
	minProofSize = sha256.Size + crcSize
)

// Public input keys produced by the stub engine.
const (
	InputScheme      = "scheme"
	InputCommitment  = "commitment"
	InputVersion     = "adapter_version"
	InputRound       = "round"
	InputPayloadSize = "payload_size"
	InputChecksum    = "checksum"
)

var ErrEmptyAdapter = errors.New("proof: adapter payload empty")

// ProofError wraps a generation or verification fault. Either is fatal to
// the training round that hit it.
type ProofError struct {
	Op  string
	Err error
}

func (e *ProofError) Error() string { return fmt.Sprintf("proof: %s: %v", e.Op, e.Err) }
func (e *ProofError) Unwrap() error { return e.Err }

// Proof is created once per round right after training, consumed once by
// the verifier, then discarded. It is never persisted.
type Proof struct {
	System       System            `json:"system"`
	Payload      []byte            `json:"payload"`
	PublicInputs map[string]string `json:"public_inputs"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Engine generates and verifies proofs.
type Engine interface {
	Generate(ctx context.Context, weights adapter.Weights, meta adapter.Metadata) (Proof, error)
	Verify(ctx context.Context, p Proof) (bool, error)
}

// StubEngine is the default Engine.
type StubEngine struct {
	generateLatency time.Duration
	verifyLatency   time.Duration
}

// StubOption adjusts a StubEngine.
type StubOption func(*StubEngine)

// WithGenerateLatency overrides the simulated generation cost.
func WithGenerateLatency(d time.Duration) StubOption {
	return func(e *StubEngine) { e.generateLatency = d }
}

// WithVerifyLatency overrides the simulated verification cost.
func WithVerifyLatency(d time.Duration) StubOption {
	return func(e *StubEngine) { e.verifyLatency = d }
}

func NewStubEngine(opts ...StubOption) *StubEngine {
	e := &StubEngine{
		generateLatency: DefaultGenerateLatency,
		verifyLatency:   DefaultVerifyLatency,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ Engine = (*StubEngine)(nil)

// Generate builds a proof bound to the adapter. The commitment section is
// deterministic for a given payload and metadata; the query-response
// section is fresh randomness each call.
func (e *StubEngine) Generate(ctx context.Context, weights adapter.Weights, meta adapter.Metadata) (Proof, error) {
	if len(weights.Payload) == 0 {
		return Proof{}, &ProofError{Op: "generate", Err: ErrEmptyAdapter}
	}
	if err := wait(ctx, e.generateLatency); err != nil {
		return Proof{}, err
	}

	commitment := commit(weights, meta)

	payload := make([]byte, 0, sha256.Size+querySectionSize+crcSize)
	payload = append(payload, commitment...)

	query := make([]byte, querySectionSize)
	if _, err := io.ReadFull(rand.Reader, query); err != nil {
		return Proof{}, &ProofError{Op: "generate", Err: err}
	}
	payload = append(payload, query...)

	var crc [crcSize]byte
	binary.BigEndian.PutUint32(crc[:], crc32.ChecksumIEEE(payload))
	payload = append(payload, crc[:]...)

	inputs := map[string]string{
		InputScheme:      string(SystemStub),
		InputCommitment:  hex.EncodeToString(commitment),
		InputVersion:     meta.Version,
		InputRound:       strconv.FormatUint(meta.Round, 10),
		InputPayloadSize: strconv.Itoa(meta.ByteLen),
	}
	if meta.Checksum != "" {
		inputs[InputChecksum] = meta.Checksum
	}

	return Proof{
		System:       SystemStub,
		Payload:      payload,
		PublicInputs: inputs,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Verify performs structural validation only: size, scheme, commitment
// well-formedness and agreement with the payload, and the integrity
// trailer. It extracts no knowledge and provides no soundness.
func (e *StubEngine) Verify(ctx context.Context, p Proof) (bool, error) {
	if err := wait(ctx, e.verifyLatency); err != nil {
		return false, err
	}

	if p.System != SystemStub {
		return false, nil
	}
	if len(p.Payload) < minProofSize {
		return false, nil
	}
	if len(p.PublicInputs) == 0 {
		return false, nil
	}
	if p.PublicInputs[InputScheme] != string(SystemStub) {
		return false, nil
	}

	commitmentHex, ok := p.PublicInputs[InputCommitment]
	if !ok {
		return false, nil
	}
	commitment, err := hex.DecodeString(commitmentHex)
	if err != nil || len(commitment) != sha256.Size {
		return false, nil
	}
	if !bytes.Equal(commitment, p.Payload[:sha256.Size]) {
		return false, nil
	}

	body := p.Payload[:len(p.Payload)-crcSize]
	trailer := binary.BigEndian.Uint32(p.Payload[len(p.Payload)-crcSize:])
	if crc32.ChecksumIEEE(body) != trailer {
		return false, nil
	}
	return true, nil
}

// commit hashes the payload and a canonical big-endian encoding of the
// metadata under a fixed domain separator.
func commit(weights adapter.Weights, meta adapter.Metadata) []byte {
	h := sha256.New()
	h.Write([]byte(commitDomain))
	h.Write([]byte{0})
	h.Write(weights.Payload)

	writeString := func(s string) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	writeString(meta.Version)
	writeString(meta.DeviceID)
	writeString(meta.Checksum)

	var nums [24]byte
	binary.BigEndian.PutUint64(nums[0:8], meta.Round)
	binary.BigEndian.PutUint64(nums[8:16], uint64(meta.ByteLen))
	binary.BigEndian.PutUint64(nums[16:24], uint64(meta.CreatedAt.UnixNano()))
	h.Write(nums[:])

	return h.Sum(nil)
}

// wait blocks for the simulated latency or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
