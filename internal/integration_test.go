// Package internal provides integration tests for the adaptd learning core.
//
// These tests verify the complete on-device pipeline:
// 1. Capture context events into the encrypted log
// 2. Derive tool preferences from the log
// 3. Train a statistics adapter and describe it with metadata
// 4. Generate and verify an update proof
// 5. Reopen the stores and confirm everything survived
package internal

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"adaptd/internal/adapter"
	"adaptd/internal/event"
	"adaptd/internal/eventlog"
	"adaptd/internal/identity"
	"adaptd/internal/keystore"
	"adaptd/internal/preference"
	"adaptd/internal/proof"
	"adaptd/internal/trainer"
)

// =============================================================================
// INTEGRATION: Full Adaptation Pipeline
// =============================================================================

// TestFullAdaptationPipeline walks the whole local flow: events in, scores
// and a trained adapter out, proof verified, state intact after reopen.
func TestFullAdaptationPipeline(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()

	keys := keystore.NewManager(keystore.NewMemoryProvider(), nil)
	defer keys.Close()

	// Step 1: capture a plausible slice of context events.
	logPath := filepath.Join(tmpDir, "events.ael")
	store, err := eventlog.New(eventlog.Options{Path: logPath, Keys: keys})
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}

	for i := 0; i < 12; i++ {
		mustAppend(t, store, event.NewSuggestionAccepted("text_rewrite"))
	}
	for i := 0; i < 3; i++ {
		mustAppend(t, store, event.NewSuggestionRejected("text_rewrite"))
	}
	mustAppend(t, store, event.NewMessage(event.RoleUser, "tighten the intro"))
	mustAppend(t, store, event.NewToolExecuted("text_rewrite", true))
	mustAppend(t, store, event.NewPhotoEdited("IMG_0042"))

	// Step 2: preferences derived from the log.
	prefs := preference.New(store, nil)
	if got := prefs.AcceptanceRate("text_rewrite"); got != 0.8 {
		t.Errorf("AcceptanceRate(text_rewrite) = %v, want 0.8", got)
	}

	now := time.Now().UTC()
	rewrite := prefs.Score("text_rewrite", now)
	unseen := prefs.Score("photo_edit", now)
	if unseen != 0.5 {
		t.Errorf("score for unseen tool = %v, want exactly 0.5", unseen)
	}
	if rewrite <= unseen {
		t.Errorf("well-received tool scored %v, not above baseline %v", rewrite, unseen)
	}

	// Step 3: train an adapter from the same snapshot.
	tr := trainer.NewStatsTrainer(trainer.WithLatency(time.Millisecond))
	weights, err := tr.Train(ctx, store.Events(), nil)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if len(weights.Payload) == 0 {
		t.Fatal("trainer produced an empty payload")
	}

	meta := adapter.NewMetadata(weights, "stats-ema-v1", "device-0001", 0)
	if err := meta.Validate(); err != nil {
		t.Fatalf("metadata validate: %v", err)
	}
	if err := meta.VerifyChecksum(weights.Payload); err != nil {
		t.Fatalf("checksum verify: %v", err)
	}

	// Step 4: prove the update and check the proof.
	eng := proof.NewStubEngine(
		proof.WithGenerateLatency(2*time.Millisecond),
		proof.WithVerifyLatency(time.Millisecond),
	)
	prf, err := eng.Generate(ctx, weights, meta)
	if err != nil {
		t.Fatalf("generate proof: %v", err)
	}
	ok, err := eng.Verify(ctx, prf)
	if err != nil {
		t.Fatalf("verify proof: %v", err)
	}
	if !ok {
		t.Fatal("proof did not verify")
	}

	// Step 5: everything must survive a reopen under the same keys.
	wantEvents := store.Count()
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, err := eventlog.New(eventlog.Options{Path: logPath, Keys: keys})
	if err != nil {
		t.Fatalf("reopen event log: %v", err)
	}
	defer reopened.Close()

	if got := reopened.Count(); got != wantEvents {
		t.Fatalf("reopened log has %d events, want %d", got, wantEvents)
	}
	if got := preference.New(reopened, nil).AcceptanceRate("text_rewrite"); got != 0.8 {
		t.Errorf("AcceptanceRate after reopen = %v, want 0.8", got)
	}
}

// =============================================================================
// INTEGRATION: Identity Anchors the Round Chain
// =============================================================================

// TestIdentityAnchorsRoundChain checks that the device identity keeps its ID
// and monotonic round across reopens, and that its signatures over adapter
// payloads check out against the exposed public key.
func TestIdentityAnchorsRoundChain(t *testing.T) {
	tmpDir := t.TempDir()
	idPath := filepath.Join(tmpDir, "identity.json")

	keys := keystore.NewManager(keystore.NewMemoryProvider(), nil)
	defer keys.Close()

	id, err := identity.Open(idPath, keys, nil)
	if err != nil {
		t.Fatalf("open identity: %v", err)
	}

	deviceID := id.DeviceID()
	if deviceID == "" {
		t.Fatal("empty device ID")
	}
	if got := id.Round(); got != 0 {
		t.Fatalf("fresh identity at round %d, want 0", got)
	}

	payload := []byte(`{"version":1,"samples":17}`)
	sig := id.Sign(payload)
	if !ed25519.Verify(id.PublicKey(), payload, sig) {
		t.Fatal("payload signature did not verify")
	}

	for _, round := range []uint64{1, 2, 5} {
		if err := id.AdvanceRound(round); err != nil {
			t.Fatalf("advance to round %d: %v", round, err)
		}
	}
	if err := id.Close(); err != nil {
		t.Fatalf("close identity: %v", err)
	}

	reopened, err := identity.Open(idPath, keys, nil)
	if err != nil {
		t.Fatalf("reopen identity: %v", err)
	}
	defer reopened.Close()

	if got := reopened.DeviceID(); got != deviceID {
		t.Fatalf("device ID changed across reopen: %q -> %q", deviceID, got)
	}
	if got := reopened.Round(); got != 5 {
		t.Fatalf("round after reopen = %d, want 5", got)
	}
	if !bytes.Equal(reopened.PublicKey(), id.PublicKey()) {
		t.Fatal("public key changed across reopen")
	}
}

// =============================================================================
// INTEGRATION: Degraded Keys Still Learn
// =============================================================================

// failingProvider refuses every key request, forcing the manager onto
// ephemeral process keys.
type failingProvider struct{}

func (failingProvider) Name() string    { return "failing" }
func (failingProvider) Available() bool { return false }
func (failingProvider) GetOrCreateKey(string, int) ([]byte, error) {
	return nil, errors.New("provider offline")
}
func (failingProvider) Close() error { return nil }

// TestDegradedKeysStillLearn checks that a dead key provider costs
// persistence, not functionality: the log, preferences, and trainer all
// keep working on ephemeral keys.
func TestDegradedKeysStillLearn(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()

	keys := keystore.NewManager(failingProvider{}, nil)
	defer keys.Close()

	store, err := eventlog.New(eventlog.Options{
		Path: filepath.Join(tmpDir, "events.ael"),
		Keys: keys,
	})
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	defer store.Close()

	if !store.Degraded() {
		t.Fatal("store not degraded despite failing key provider")
	}

	for i := 0; i < 10; i++ {
		mustAppend(t, store, event.NewSuggestionAccepted("summarize"))
	}
	if got := store.Count(); got != 10 {
		t.Fatalf("count = %d, want 10", got)
	}

	prefs := preference.New(store, nil)
	if got := prefs.AcceptanceRate("summarize"); got != 1.0 {
		t.Errorf("AcceptanceRate(summarize) = %v, want 1.0", got)
	}

	weights, err := trainer.NewStatsTrainer(trainer.WithLatency(0)).Train(ctx, store.Events(), nil)
	if err != nil {
		t.Fatalf("train on degraded store: %v", err)
	}
	if len(weights.Payload) == 0 {
		t.Fatal("trainer produced an empty payload")
	}
}

func mustAppend(t *testing.T, store *eventlog.Store, e event.Event) {
	t.Helper()
	if err := store.Append(e); err != nil {
		t.Fatalf("append %s: %v", e.Kind(), err)
	}
}
