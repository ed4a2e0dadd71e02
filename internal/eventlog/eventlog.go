// Package eventlog stores captured context events in memory and persists
// them to disk as a single AES-GCM encrypted blob. The log is the only
// source the preference engine and trainer read from; its contents never
// leave the device.
//
// A corrupt or unreadable blob is treated as an empty log: the store logs
// a warning and starts fresh rather than refusing to run. Losing history
// costs suggestion quality for a while; refusing to start costs the whole
// daemon.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"adaptd/internal/event"
	"adaptd/internal/logging"
	"adaptd/internal/metrics"
	"adaptd/internal/security"
)

const (
	// keyLabel identifies the log encryption key in the keystore.
	keyLabel = "eventlog"

	defaultMaxEvents = 10000
	flushDebounce    = 100 * time.Millisecond
)

var (
	ErrClosed    = errors.New("eventlog: store closed")
	ErrNilEvent  = errors.New("eventlog: nil event")
	ErrReadOnly  = errors.New("eventlog: store opened read-only")
	ErrLogLocked = errors.New("eventlog: event log held by another process")
)

// StorageError reports a failure of the underlying persistence layer.
// The in-memory log remains usable after one.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("eventlog: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// KeyProvider supplies the log's encryption key. keystore.Manager
// satisfies it.
type KeyProvider interface {
	GetOrCreateKey(label string, size int) ([]byte, error)
}

// Filter selects a subset of the log. Zero fields match everything.
type Filter struct {
	// Kinds restricts results to the listed event kinds.
	Kinds []event.Kind
	// Tool restricts results to events carrying this tool name.
	Tool string
	// Since excludes events before this time.
	Since time.Time
	// Until excludes events at or after this time.
	Until time.Time
	// Limit keeps only the most recent N matches when positive.
	Limit int
	// Where is an arbitrary extra predicate, applied after the field
	// filters.
	Where func(event.Event) bool
}

func (f Filter) matches(e event.Event) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if e.Kind() == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Tool != "" {
		tool, ok := event.ToolName(e)
		if !ok || tool != f.Tool {
			return false
		}
	}
	if !f.Since.IsZero() && e.Time().Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Time().Before(f.Until) {
		return false
	}
	if f.Where != nil && !f.Where(e) {
		return false
	}
	return true
}

// Options configures a Store.
type Options struct {
	// Path is the encrypted blob location.
	Path string
	// MaxEvents caps the in-memory log; oldest events are dropped first.
	// Zero means the default of 10000.
	MaxEvents int
	// FlushInterval enables periodic background flushing when positive.
	FlushInterval time.Duration
	// Keys supplies the encryption key.
	Keys KeyProvider
	// ReadOnly opens the log for inspection without taking the writer
	// lock. Append, Clear, and Flush are refused. The blob is replaced
	// atomically on every flush, so a reader always sees a complete
	// snapshot even while a writer is live.
	ReadOnly bool
	// Logger defaults to the process logger.
	Logger *logging.Logger
	// Metrics receives append and flush counts. Optional.
	Metrics *metrics.Metrics
}

// Store is an append-only log of context events with a bounded size.
// All methods are safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	events     []event.Event
	dirty      bool
	closed     bool
	trimWarned bool

	path      string
	maxEvents int
	readOnly  bool
	key       []byte
	keys      KeyProvider
	lock      *os.File
	log       *logging.Logger
	metrics   *metrics.Metrics

	flushInterval time.Duration
	kick          chan struct{}
	stop          chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
}

// New opens the store, loading any existing blob at opts.Path. An
// unreadable or corrupt blob starts the log empty. A writable store
// holds an exclusive lock beside the blob for its lifetime; opening a
// log another live writer already holds fails with ErrLogLocked.
// Read-only stores take no lock.
func New(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("eventlog: path required")
	}
	if opts.Keys == nil {
		return nil, errors.New("eventlog: key provider required")
	}

	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("eventlog")

	var lock *os.File
	if !opts.ReadOnly {
		var err error
		lock, err = acquireLock(opts.Path + ".lock")
		if err != nil {
			return nil, err
		}
	}

	key, err := opts.Keys.GetOrCreateKey(keyLabel, security.RecommendedKeySize)
	if err != nil {
		if lock != nil {
			releaseLock(lock)
		}
		return nil, fmt.Errorf("eventlog: obtain key: %w", err)
	}

	maxEvents := opts.MaxEvents
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}

	s := &Store{
		path:          opts.Path,
		maxEvents:     maxEvents,
		readOnly:      opts.ReadOnly,
		key:           key,
		keys:          opts.Keys,
		lock:          lock,
		log:           log,
		metrics:       opts.Metrics,
		flushInterval: opts.FlushInterval,
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	s.load()

	if s.flushInterval > 0 && !s.readOnly {
		go s.flushLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// acquireLock claims the single-writer lock file beside the blob. The
// file itself is replaced on every flush, so the lock lives on a stable
// sibling path instead.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, &StorageError{Op: "lock", Err: err}
	}
	if err := security.TryLockFile(f); err != nil {
		f.Close()
		if errors.Is(err, security.ErrLocked) {
			return nil, fmt.Errorf("%w: %s", ErrLogLocked, path)
		}
		return nil, &StorageError{Op: "lock", Err: err}
	}
	return f, nil
}

// releaseLock lets go of the lock file without removing it: unlinking
// would race a waiter that already opened the same path.
func releaseLock(f *os.File) {
	security.UnlockFile(f)
	f.Close()
}

// load reads the persisted blob. Every failure mode other than a missing
// file degrades to an empty log with a warning.
func (s *Store) load() {
	data, err := security.ReadSecureFile(s.path, maxBlobSize)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("event log unreadable, starting empty", "path", s.path, "error", err)
		}
		return
	}
	events, err := openEvents(s.key, data)
	if err != nil {
		s.log.Warn("event log corrupt, starting empty", "path", s.path, "error", err)
		return
	}
	if s.maxEvents > 0 && len(events) > s.maxEvents {
		events = events[len(events)-s.maxEvents:]
	}
	s.events = events
	s.log.Debug("event log loaded", "path", s.path, "events", len(events))
}

// Append records an event. The write hits memory only and pokes the
// background flusher; it never blocks on disk I/O.
func (s *Store) Append(e event.Event) error {
	if e == nil {
		return ErrNilEvent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.readOnly {
		return ErrReadOnly
	}

	s.events = append(s.events, e)
	if len(s.events) > s.maxEvents {
		excess := len(s.events) - s.maxEvents
		copy(s.events, s.events[excess:])
		s.events = s.events[:s.maxEvents]
		if !s.trimWarned {
			s.trimWarned = true
			s.log.Warn("event log at capacity, dropping oldest events", "max_events", s.maxEvents)
		}
	}
	s.dirty = true
	s.metrics.RecordEventLogged(len(s.events))

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

// Events returns a copy of the full log, oldest first.
func (s *Store) Events() []event.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]event.Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventsWhere returns a copy of the events matching f, oldest first.
func (s *Store) EventsWhere(f Filter) []event.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []event.Event
	for _, e := range s.events {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Count returns the number of events in the log.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Clear empties the log and removes the persisted blob. Memory is cleared
// even when removing the blob fails.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.readOnly {
		return ErrReadOnly
	}

	s.events = nil
	s.dirty = false
	s.metrics.SetLogEvents(0)

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return &StorageError{Op: "clear", Err: err}
	}
	return nil
}

// Flush forces a synchronous write if the log changed since the last one.
func (s *Store) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return ErrReadOnly
	}
	return s.flushLocked()
}

// Degraded reports whether the key provider fell back to ephemeral keys.
// The log still works, but its blob will not survive a process restart.
func (s *Store) Degraded() bool {
	type degradable interface{ Degraded() bool }
	if d, ok := s.keys.(degradable); ok {
		return d.Degraded()
	}
	return false
}

func (s *Store) flushLocked() error {
	if s.closed {
		return ErrClosed
	}
	if !s.dirty {
		return nil
	}

	err := s.writeLocked()
	s.metrics.RecordFlush(err)
	if err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func (s *Store) writeLocked() error {
	blob, err := sealEvents(s.key, s.events)
	if err != nil {
		return &StorageError{Op: "seal", Err: err}
	}
	if err := security.WriteSecretFile(s.path, blob); err != nil {
		return &StorageError{Op: "write", Err: err}
	}
	return nil
}

func (s *Store) flushLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.kick:
			// Let a burst of appends settle before hitting the disk.
			select {
			case <-time.After(flushDebounce):
			case <-s.stop:
				return
			}
		case <-s.stop:
			return
		}
		if err := s.Flush(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
			s.log.Warn("background flush failed", "error", err)
		}
	}
}

// Close stops the background flusher, performs a final flush, wipes the
// encryption key from memory, and releases the log lock.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done

		s.mu.Lock()
		err = s.flushLocked()
		s.closed = true
		security.Wipe(s.key)
		s.mu.Unlock()

		if s.lock != nil {
			releaseLock(s.lock)
		}
	})
	return err
}
