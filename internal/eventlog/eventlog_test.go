package eventlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"adaptd/internal/event"
	"adaptd/internal/keystore"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "events.ael")
	}
	if opts.Keys == nil {
		opts.Keys = keystore.NewMemoryProvider()
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ====== Append and query ======

func TestAppendAndEvents(t *testing.T) {
	s := newTestStore(t, Options{})

	events := []event.Event{
		event.NewMessage(event.RoleUser, "translate this"),
		event.NewSuggestionAccepted("translate"),
		event.NewToolExecuted("translate", true),
	}
	for _, e := range events {
		if err := s.Append(e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got := s.Events()
	if len(got) != len(events) {
		t.Fatalf("Events returned %d events, want %d", len(got), len(events))
	}
	for i := range events {
		if got[i].Kind() != events[i].Kind() {
			t.Errorf("event %d kind = %q, want %q", i, got[i].Kind(), events[i].Kind())
		}
	}
}

func TestAppendNil(t *testing.T) {
	s := newTestStore(t, Options{})
	if err := s.Append(nil); !errors.Is(err, ErrNilEvent) {
		t.Errorf("Append(nil) = %v, want ErrNilEvent", err)
	}
}

func TestCount(t *testing.T) {
	s := newTestStore(t, Options{})
	if s.Count() != 0 {
		t.Fatalf("empty store Count = %d", s.Count())
	}
	s.Append(event.NewTextEdited())
	s.Append(event.NewLocationAccessed())
	if s.Count() != 2 {
		t.Errorf("Count = %d, want 2", s.Count())
	}
}

func TestMaxEventsTrim(t *testing.T) {
	s := newTestStore(t, Options{MaxEvents: 5})

	for i := 0; i < 8; i++ {
		s.Append(event.NewMessage(event.RoleUser, fmt.Sprintf("msg %d", i)))
	}

	got := s.Events()
	if len(got) != 5 {
		t.Fatalf("Count after overflow = %d, want 5", len(got))
	}
	first, ok := got[0].(event.Message)
	if !ok {
		t.Fatalf("unexpected event type %T", got[0])
	}
	if first.Text != "msg 3" {
		t.Errorf("oldest surviving event = %q, want %q", first.Text, "msg 3")
	}
}

func TestEventsReturnsCopy(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Append(event.NewTextEdited())

	got := s.Events()
	got[0] = nil

	if s.Events()[0] == nil {
		t.Error("mutating the returned slice corrupted the log")
	}
}

// ====== Filters ======

func TestFilterKinds(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Append(event.NewMessage(event.RoleUser, "hi"))
	s.Append(event.NewSuggestionAccepted("summarize"))
	s.Append(event.NewSuggestionRejected("summarize"))
	s.Append(event.NewSuggestionAccepted("translate"))

	got := s.EventsWhere(Filter{Kinds: []event.Kind{event.KindSuggestionAccepted}})
	if len(got) != 2 {
		t.Fatalf("filtered %d events, want 2", len(got))
	}
	for _, e := range got {
		if e.Kind() != event.KindSuggestionAccepted {
			t.Errorf("filter leaked kind %q", e.Kind())
		}
	}
}

func TestFilterTool(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Append(event.NewSuggestionAccepted("summarize"))
	s.Append(event.NewSuggestionAccepted("translate"))
	s.Append(event.NewSuggestionRejected("summarize"))
	s.Append(event.NewMessage(event.RoleUser, "summarize"))

	got := s.EventsWhere(Filter{Tool: "summarize"})
	if len(got) != 2 {
		t.Fatalf("filtered %d events, want 2", len(got))
	}
}

func TestFilterTimeRange(t *testing.T) {
	s := newTestStore(t, Options{})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		s.Append(event.WithTime(event.NewTextEdited(), base.Add(time.Duration(i)*time.Hour)))
	}

	since := s.EventsWhere(Filter{Since: base.Add(time.Hour)})
	if len(since) != 2 {
		t.Errorf("Since filter returned %d events, want 2", len(since))
	}

	until := s.EventsWhere(Filter{Until: base.Add(time.Hour)})
	if len(until) != 1 {
		t.Errorf("Until filter returned %d events, want 1", len(until))
	}
}

func TestFilterPredicate(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Append(event.NewToolExecuted("summarize", true))
	s.Append(event.NewToolExecuted("summarize", false))
	s.Append(event.NewToolExecuted("translate", true))

	got := s.EventsWhere(Filter{Where: func(e event.Event) bool {
		exec, ok := e.(event.ToolExecuted)
		return ok && exec.Success
	}})
	if len(got) != 2 {
		t.Fatalf("predicate matched %d events, want 2", len(got))
	}
}

func TestFilterLimit(t *testing.T) {
	s := newTestStore(t, Options{})
	for i := 0; i < 5; i++ {
		s.Append(event.NewMessage(event.RoleUser, fmt.Sprintf("msg %d", i)))
	}

	got := s.EventsWhere(Filter{Limit: 2})
	if len(got) != 2 {
		t.Fatalf("limited to %d events, want 2", len(got))
	}
	last, _ := got[1].(event.Message)
	if last.Text != "msg 4" {
		t.Errorf("limit did not keep the most recent events, got %q", last.Text)
	}
}

// ====== Persistence ======

func TestFlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ael")
	keys := keystore.NewMemoryProvider()

	s1 := newTestStore(t, Options{Path: path, Keys: keys})
	orig := event.NewMessage(event.RoleAssistant, "done")
	s1.Append(orig)
	s1.Append(event.NewToolExecuted("summarize", false))
	if err := s1.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2 := newTestStore(t, Options{Path: path, Keys: keys})
	got := s2.Events()
	if len(got) != 2 {
		t.Fatalf("reloaded %d events, want 2", len(got))
	}
	msg, ok := got[0].(event.Message)
	if !ok {
		t.Fatalf("unexpected type %T", got[0])
	}
	if msg.Role != event.RoleAssistant || msg.Text != "done" {
		t.Errorf("reloaded message = %+v", msg)
	}
	if !msg.Time().Equal(orig.Time()) {
		t.Errorf("timestamp changed across reload: %v != %v", msg.Time(), orig.Time())
	}
	exec, ok := got[1].(event.ToolExecuted)
	if !ok {
		t.Fatalf("unexpected type %T", got[1])
	}
	if exec.Success {
		t.Error("failed execution reloaded as success")
	}
}

func TestCloseFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ael")
	keys := keystore.NewMemoryProvider()

	s1 := newTestStore(t, Options{Path: path, Keys: keys})
	s1.Append(event.NewQuerySubmitted("weather"))
	if err := s1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2 := newTestStore(t, Options{Path: path, Keys: keys})
	if s2.Count() != 1 {
		t.Errorf("Close did not persist, reloaded %d events", s2.Count())
	}
}

func TestSecondOpenRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ael")
	keys := keystore.NewMemoryProvider()
	s := newTestStore(t, Options{Path: path, Keys: keys})

	if _, err := New(Options{Path: path, Keys: keys}); !errors.Is(err, ErrLogLocked) {
		t.Fatalf("second open returned %v, want ErrLogLocked", err)
	}

	// The lock dies with the store.
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	newTestStore(t, Options{Path: path, Keys: keys})
}

func TestReadOnlyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ael")
	keys := keystore.NewMemoryProvider()

	w := newTestStore(t, Options{Path: path, Keys: keys})
	w.Append(event.NewSuggestionAccepted("translate"))
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// A reader opens alongside the live writer without a lock conflict.
	r := newTestStore(t, Options{Path: path, Keys: keys, ReadOnly: true})
	if r.Count() != 1 {
		t.Fatalf("read-only store loaded %d events, want 1", r.Count())
	}
	if err := r.Append(event.NewTextEdited()); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Append returned %v, want ErrReadOnly", err)
	}
	if err := r.Clear(context.Background()); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Clear returned %v, want ErrReadOnly", err)
	}
	if err := r.Flush(context.Background()); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Flush returned %v, want ErrReadOnly", err)
	}
}

func TestWrongKeyStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ael")

	s1 := newTestStore(t, Options{Path: path, Keys: keystore.NewMemoryProvider()})
	s1.Append(event.NewMotionDetected("walking"))
	s1.Close()

	s2 := newTestStore(t, Options{Path: path, Keys: keystore.NewMemoryProvider()})
	if s2.Count() != 0 {
		t.Errorf("store decrypted with the wrong key, got %d events", s2.Count())
	}
}

func TestCorruptBlobStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ael")
	keys := keystore.NewMemoryProvider()

	s1 := newTestStore(t, Options{Path: path, Keys: keys})
	s1.Append(event.NewPhotoEdited("asset-1"))
	s1.Close()

	if err := os.WriteFile(path, []byte("AEL1\x01not really ciphertext"), 0600); err != nil {
		t.Fatalf("corrupting blob: %v", err)
	}

	s2 := newTestStore(t, Options{Path: path, Keys: keys})
	if s2.Count() != 0 {
		t.Errorf("corrupt blob produced %d events, want 0", s2.Count())
	}

	s2.Append(event.NewVideoEdited("asset-2"))
	if err := s2.Flush(context.Background()); err != nil {
		t.Errorf("store unusable after corrupt load: %v", err)
	}
}

func TestClearRemovesBlob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ael")
	s := newTestStore(t, Options{Path: path})

	s.Append(event.NewTextEdited())
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := s.Clear(context.Background()); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("Count after Clear = %d", s.Count())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("blob still present after Clear: %v", err)
	}
}

func TestClearReportsRemoveFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ael")
	s := newTestStore(t, Options{Path: path})

	if err := s.Append(event.NewTextEdited()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Turn the blob path into a non-empty directory so removal fails.
	if err := os.MkdirAll(filepath.Join(path, "pin"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	err := s.Clear(context.Background())
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("Clear returned %v, want StorageError", err)
	}
	if s.Count() != 0 {
		t.Errorf("Count after failed Clear = %d, memory must still be cleared", s.Count())
	}
}

func TestAppendAfterClose(t *testing.T) {
	s := newTestStore(t, Options{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Append(event.NewTextEdited()); !errors.Is(err, ErrClosed) {
		t.Errorf("Append after Close = %v, want ErrClosed", err)
	}
}

// ====== Degraded keys ======

type brokenKeys struct{}

func (brokenKeys) Name() string    { return "broken" }
func (brokenKeys) Available() bool { return true }

func (brokenKeys) GetOrCreateKey(label string, size int) ([]byte, error) {
	return nil, errors.New("no hardware")
}

func (brokenKeys) Close() error { return nil }

func TestDegradedFollowsKeyManager(t *testing.T) {
	m := keystore.NewManager(brokenKeys{}, nil)
	defer m.Close()

	s := newTestStore(t, Options{Keys: m})
	if !s.Degraded() {
		t.Error("store not degraded despite key manager fallback")
	}

	healthy := newTestStore(t, Options{})
	if healthy.Degraded() {
		t.Error("store degraded with a working key provider")
	}
}

// ====== Background flusher ======

func TestPeriodicFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ael")
	s := newTestStore(t, Options{Path: path, FlushInterval: 20 * time.Millisecond})

	s.Append(event.NewLocationAccessed())

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("background flusher never wrote the blob")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
