package fedclient

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"adaptd/internal/adapter"
	"adaptd/internal/device"
	"adaptd/internal/event"
	"adaptd/internal/eventlog"
	"adaptd/internal/history"
	"adaptd/internal/identity"
	"adaptd/internal/keystore"
	"adaptd/internal/proof"
)

// ====== Fixtures ======

// scriptedTrainer produces a payload derived from the event count and
// records the previous weights each call received.
type scriptedTrainer struct {
	mu    sync.Mutex
	delay time.Duration
	err   error
	calls int
	prevs [][]byte
}

func (s *scriptedTrainer) Train(ctx context.Context, events []event.Event, prev *adapter.Weights) (adapter.Weights, error) {
	s.mu.Lock()
	s.calls++
	if prev == nil {
		s.prevs = append(s.prevs, nil)
	} else {
		s.prevs = append(s.prevs, append([]byte(nil), prev.Payload...))
	}
	delay, trainErr := s.delay, s.err
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return adapter.Weights{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if trainErr != nil {
		return adapter.Weights{}, trainErr
	}
	payload, err := json.Marshal(map[string]int{"events": len(events)})
	if err != nil {
		return adapter.Weights{}, err
	}
	return adapter.Weights{Payload: payload}, nil
}

func (s *scriptedTrainer) trainCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedTrainer) prevPayloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.prevs))
	copy(out, s.prevs)
	return out
}

const servedGlobal = `{"version":1,"kind_freq":{"message":1},"samples":9}`

// aggServer fakes the aggregation endpoint. By default it accepts every
// upload and returns a global adapter one round ahead of the request.
type aggServer struct {
	t *testing.T

	mu       sync.Mutex
	requests []uploadRequest
	status   int
	message  string
	rawBody  []byte
	mangle   func(*roundResponse)
	block    chan struct{}

	srv *httptest.Server
}

func newAggServer(t *testing.T) *aggServer {
	t.Helper()
	s := &aggServer{t: t}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *aggServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/federated/update" {
		s.t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.t.Errorf("decode upload: %v", err)
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	status, message := s.status, s.message
	rawBody, mangle, block := s.rawBody, s.mangle, s.block
	s.mu.Unlock()

	if block != nil {
		<-block
	}
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(serverMessage{Message: message})
		return
	}
	if rawBody != nil {
		w.Write(rawBody)
		return
	}

	payload := []byte(servedGlobal)
	resp := roundResponse{Adapter: wireAdapter{
		Payload:  payload,
		Metadata: adapter.NewMetadata(adapter.Weights{Payload: payload}, "global-v1", "aggregate", req.Round+1),
	}}
	if mangle != nil {
		mangle(&resp)
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *aggServer) setError(status int, message string) {
	s.mu.Lock()
	s.status, s.message = status, message
	s.mu.Unlock()
}

func (s *aggServer) setRawBody(body []byte) {
	s.mu.Lock()
	s.rawBody = body
	s.mu.Unlock()
}

func (s *aggServer) setMangle(fn func(*roundResponse)) {
	s.mu.Lock()
	s.mangle = fn
	s.mu.Unlock()
}

func (s *aggServer) setBlock(ch chan struct{}) {
	s.mu.Lock()
	s.block = ch
	s.mu.Unlock()
}

func (s *aggServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *aggServer) last() uploadRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		s.t.Fatal("no requests recorded")
	}
	return s.requests[len(s.requests)-1]
}

type fixture struct {
	store   *eventlog.Store
	id      *identity.Store
	hist    *history.Store
	power   *device.StaticPower
	network *device.StaticNetwork
	trainer *scriptedTrainer
	server  *aggServer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	keys := keystore.NewMemoryProvider()

	store, err := eventlog.New(eventlog.Options{Path: filepath.Join(dir, "events.blob"), Keys: keys})
	if err != nil {
		t.Fatalf("eventlog.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	id, err := identity.Open(filepath.Join(dir, "identity.json"), keys, nil)
	if err != nil {
		t.Fatalf("identity.Open: %v", err)
	}
	t.Cleanup(func() { id.Close() })

	hist, err := history.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	return &fixture{
		store:   store,
		id:      id,
		hist:    hist,
		power:   device.NewStaticPower(0.9, true),
		network: device.NewStaticNetwork(device.NetworkState{Connected: true, Kind: device.NetworkWifi}),
		trainer: &scriptedTrainer{},
		server:  newAggServer(t),
	}
}

func (f *fixture) newClient(t *testing.T, cfg Config, opts ...Option) *Client {
	t.Helper()
	if cfg.BaseURL == "" {
		cfg.BaseURL = f.server.srv.URL
	}
	if cfg.RoundTimeout == 0 {
		cfg.RoundTimeout = 5 * time.Second
	}
	c, err := New(cfg, Deps{
		Store:    f.store,
		Trainer:  f.trainer,
		Proof:    proof.NewStubEngine(proof.WithGenerateLatency(time.Millisecond), proof.WithVerifyLatency(time.Millisecond)),
		Power:    f.power,
		Network:  f.network,
		Identity: f.id,
		History:  f.hist,
	}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func seedEvents(t *testing.T, store *eventlog.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := event.RoleUser
		if i%2 == 1 {
			role = event.RoleAssistant
		}
		if err := store.Append(event.NewMessage(role, "hello")); err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
	}
}

// roundUpdates waits for the running round and drains every buffered
// status update.
func roundUpdates(c *Client) []StatusUpdate {
	c.Wait()
	var got []StatusUpdate
	for {
		select {
		case u := <-c.Updates():
			got = append(got, u)
		default:
			return got
		}
	}
}

func lastFailure(t *testing.T, c *Client) error {
	t.Helper()
	for _, u := range roundUpdates(c) {
		if u.State == StateFailed {
			return u.Err
		}
	}
	t.Fatal("no failed status update observed")
	return nil
}

func waitForState(t *testing.T, c *Client, want RoundState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state never reached %v, stuck at %v", want, c.State())
}

// ====== Scheduling gates ======

func TestScheduleReportsInsufficientData(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f.store, DefaultMinEvents-1)
	c := f.newClient(t, Config{})

	err := c.Schedule(context.Background())
	var insufficient *InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("Schedule returned %v, want InsufficientDataError", err)
	}
	if insufficient.Have != DefaultMinEvents-1 || insufficient.Need != DefaultMinEvents {
		t.Errorf("have/need = %d/%d, want %d/%d",
			insufficient.Have, insufficient.Need, DefaultMinEvents-1, DefaultMinEvents)
	}
	if n := f.server.count(); n != 0 {
		t.Errorf("server saw %d requests, want 0", n)
	}
	if calls := f.trainer.trainCalls(); calls != 0 {
		t.Errorf("trainer ran %d times, want 0", calls)
	}
	if got := c.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestScheduleListsEveryUnmetCondition(t *testing.T) {
	f := newFixture(t)
	f.power.Set(device.BatteryStatus{Level: 0.1, Charging: false})
	f.network.Set(device.NetworkState{Connected: true, Kind: device.NetworkCellular, Metered: true})
	c := f.newClient(t, Config{})

	err := c.Schedule(context.Background())
	var unmet *ConditionsNotMetError
	if !errors.As(err, &unmet) {
		t.Fatalf("Schedule returned %v, want ConditionsNotMetError", err)
	}
	if len(unmet.Unmet) != 4 {
		t.Fatalf("unmet = %v, want all four conditions", unmet.Unmet)
	}
	if n := f.server.count(); n != 0 {
		t.Errorf("server saw %d requests, want 0", n)
	}
}

func TestConditionsSnapshot(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f.store, DefaultMinEvents)
	c := f.newClient(t, Config{MinBattery: 0.5})

	cond, err := c.Conditions(context.Background())
	if err != nil {
		t.Fatalf("Conditions: %v", err)
	}
	if !cond.Ready() {
		t.Fatalf("conditions not ready: %v", cond.Unmet())
	}

	f.power.Set(device.BatteryStatus{Level: 0.4, Charging: true})
	cond, err = c.Conditions(context.Background())
	if err != nil {
		t.Fatalf("Conditions: %v", err)
	}
	if cond.Ready() {
		t.Fatal("conditions ready below the battery floor")
	}
	unmet := cond.Unmet()
	if len(unmet) != 1 || !strings.Contains(unmet[0], "battery") {
		t.Errorf("unmet = %v, want a single battery failure", unmet)
	}
}

// ====== Happy path ======

func TestScheduleRunsFullRound(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f.store, 12)

	var (
		handlerMu    sync.Mutex
		handlerCalls int
		handlerMeta  adapter.Metadata
	)
	c := f.newClient(t, Config{}, WithAdapterHandler(func(w adapter.Weights, m adapter.Metadata) {
		handlerMu.Lock()
		defer handlerMu.Unlock()
		handlerCalls++
		handlerMeta = m
	}))

	if err := c.Schedule(context.Background()); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	updates := roundUpdates(c)

	want := []RoundState{
		StateConditionCheck, StateTraining, StateProofGeneration,
		StateUploading, StateReconcilingResponse, StateIdle,
	}
	if len(updates) != len(want) {
		t.Fatalf("got %d updates, want %d: %+v", len(updates), len(want), updates)
	}
	for i, u := range updates {
		if u.State != want[i] {
			t.Errorf("update %d state = %v, want %v", i, u.State, want[i])
		}
		if u.Err != nil {
			t.Errorf("update %d carries error %v", i, u.Err)
		}
	}

	if got := f.id.Round(); got != 1 {
		t.Errorf("identity round = %d, want 1", got)
	}

	handlerMu.Lock()
	calls, meta := handlerCalls, handlerMeta
	handlerMu.Unlock()
	if calls != 1 {
		t.Fatalf("adapter handler ran %d times, want 1", calls)
	}
	if meta.Round != 1 {
		t.Errorf("handler metadata round = %d, want 1", meta.Round)
	}
	if _, _, ok := c.Global(); !ok {
		t.Error("no global adapter cached after success")
	}

	// The round itself lands in the event log.
	if got := f.store.Count(); got != 13 {
		t.Errorf("event count = %d, want 13", got)
	}

	recs, err := f.hist.Recent(1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("history rows = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Outcome != history.OutcomeSuccess {
		t.Errorf("outcome = %q, want success", rec.Outcome)
	}
	if rec.Round != 0 || rec.ServerRound != 1 {
		t.Errorf("rounds = %d/%d, want 0/1", rec.Round, rec.ServerRound)
	}
	if rec.EventsUsed != 12 {
		t.Errorf("events used = %d, want 12", rec.EventsUsed)
	}

	req := f.server.last()
	if req.Round != 0 {
		t.Errorf("uploaded round = %d, want 0", req.Round)
	}
	if req.DeviceID != f.id.DeviceID() {
		t.Errorf("uploaded device = %q, want %q", req.DeviceID, f.id.DeviceID())
	}
}

func TestUploadIsSignedAndProved(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f.store, DefaultMinEvents)
	c := f.newClient(t, Config{})

	if err := c.Schedule(context.Background()); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	c.Wait()

	req := f.server.last()
	if len(req.Adapter.Payload) == 0 {
		t.Fatal("upload carries no adapter payload")
	}
	if !ed25519.Verify(f.id.PublicKey(), req.Adapter.Payload, req.Signature) {
		t.Error("upload signature does not verify against the device key")
	}
	if err := req.Adapter.Metadata.VerifyChecksum(req.Adapter.Payload); err != nil {
		t.Errorf("uploaded metadata rejects its own payload: %v", err)
	}
	if req.Adapter.Metadata.Version != DefaultAdapterVersion {
		t.Errorf("adapter version = %q, want %q", req.Adapter.Metadata.Version, DefaultAdapterVersion)
	}

	eng := proof.NewStubEngine(proof.WithVerifyLatency(time.Millisecond))
	ok, err := eng.Verify(context.Background(), req.Proof)
	if err != nil || !ok {
		t.Errorf("uploaded proof does not verify: ok=%v err=%v", ok, err)
	}
}

// rejectingProofEngine generates normally but fails every verification.
type rejectingProofEngine struct {
	real *proof.StubEngine
}

func (e *rejectingProofEngine) Generate(ctx context.Context, weights adapter.Weights, meta adapter.Metadata) (proof.Proof, error) {
	return e.real.Generate(ctx, weights, meta)
}

func (e *rejectingProofEngine) Verify(ctx context.Context, p proof.Proof) (bool, error) {
	return false, nil
}

func TestRejectedProofNeverUploaded(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f.store, DefaultMinEvents)
	c, err := New(Config{BaseURL: f.server.srv.URL, RoundTimeout: 5 * time.Second}, Deps{
		Store:    f.store,
		Trainer:  f.trainer,
		Proof:    &rejectingProofEngine{real: proof.NewStubEngine(proof.WithGenerateLatency(time.Millisecond))},
		Power:    f.power,
		Network:  f.network,
		Identity: f.id,
		History:  f.hist,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if err := c.Schedule(context.Background()); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	failure := lastFailure(t, c)
	var perr *proof.ProofError
	if !errors.As(failure, &perr) {
		t.Fatalf("round failed with %v, want *proof.ProofError", failure)
	}
	if n := f.server.count(); n != 0 {
		t.Errorf("server saw %d requests, want 0", n)
	}
	if got := f.id.Round(); got != 0 {
		t.Errorf("identity round = %d, want 0", got)
	}
}

// ====== ForceStart ======

func TestForceStartSkipsDeviceGates(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f.store, DefaultMinEvents)
	f.power.Set(device.BatteryStatus{Level: 0.05, Charging: false})
	f.network.Set(device.NetworkState{Connected: true, Kind: device.NetworkCellular, Metered: true})
	c := f.newClient(t, Config{})

	if err := c.ForceStart(context.Background()); err != nil {
		t.Fatalf("ForceStart: %v", err)
	}
	c.Wait()

	if got := f.id.Round(); got != 1 {
		t.Errorf("identity round = %d, want 1", got)
	}
	if n := f.server.count(); n != 1 {
		t.Errorf("server saw %d requests, want 1", n)
	}
}

func TestForceStartStillRequiresData(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f.store, 3)
	c := f.newClient(t, Config{})

	if err := c.ForceStart(context.Background()); err != nil {
		t.Fatalf("ForceStart: %v", err)
	}
	err := lastFailure(t, c)
	var insufficient *InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("round failed with %v, want InsufficientDataError", err)
	}
	if insufficient.Have != 3 {
		t.Errorf("have = %d, want 3", insufficient.Have)
	}
	if n := f.server.count(); n != 0 {
		t.Errorf("server saw %d requests, want 0", n)
	}
}

// ====== Concurrency guard ======

func TestOneRoundAtATime(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f.store, DefaultMinEvents)
	release := make(chan struct{})
	f.server.setBlock(release)
	c := f.newClient(t, Config{})

	if err := c.ForceStart(context.Background()); err != nil {
		t.Fatalf("ForceStart: %v", err)
	}
	waitForState(t, c, StateUploading)

	if err := c.Schedule(context.Background()); !errors.Is(err, ErrRoundInProgress) {
		t.Errorf("Schedule during round returned %v, want ErrRoundInProgress", err)
	}
	if err := c.ForceStart(context.Background()); !errors.Is(err, ErrRoundInProgress) {
		t.Errorf("ForceStart during round returned %v, want ErrRoundInProgress", err)
	}

	close(release)
	c.Wait()

	if err := c.ForceStart(context.Background()); err != nil {
		t.Fatalf("ForceStart after round: %v", err)
	}
	c.Wait()
	if got := f.id.Round(); got != 2 {
		t.Errorf("identity round = %d, want 2 after two rounds", got)
	}
}

func TestConcurrentSchedulesRunOneRound(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f.store, DefaultMinEvents)
	release := make(chan struct{})
	f.server.setBlock(release)
	c := f.newClient(t, Config{})

	const callers = 8
	start := make(chan struct{})
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- c.Schedule(context.Background())
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var started, refused int
	for err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrRoundInProgress):
			refused++
		default:
			t.Errorf("unexpected Schedule error: %v", err)
		}
	}
	if started != 1 || refused != callers-1 {
		t.Fatalf("schedule outcomes: %d started, %d refused; want 1 and %d",
			started, refused, callers-1)
	}

	close(release)
	c.Wait()

	if got := f.server.count(); got != 1 {
		t.Errorf("server saw %d uploads, want 1", got)
	}
	if got := f.id.Round(); got != 1 {
		t.Errorf("identity round = %d, want 1", got)
	}
}

// ====== Server rejection ======

func TestServerErrorFailsRound(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f.store, DefaultMinEvents)
	f.server.setError(http.StatusServiceUnavailable, "aggregator draining")
	c := f.newClient(t, Config{})

	if err := c.ForceStart(context.Background()); err != nil {
		t.Fatalf("ForceStart: %v", err)
	}
	err := lastFailure(t, c)
	var srvErr *ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("round failed with %v, want ServerError", err)
	}
	if srvErr.Code != http.StatusServiceUnavailable || srvErr.Message != "aggregator draining" {
		t.Errorf("server error = %+v", srvErr)
	}
	if got := f.id.Round(); got != 0 {
		t.Errorf("identity round advanced to %d on failure", got)
	}

	recs, err2 := f.hist.Recent(1)
	if err2 != nil {
		t.Fatalf("Recent: %v", err2)
	}
	if len(recs) != 1 || recs[0].Outcome != history.OutcomeFailed {
		t.Fatalf("history = %+v, want one failed row", recs)
	}
	if recs[0].Error == "" {
		t.Error("failed row has no error message")
	}
}

func TestStaleServerRoundRejected(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f.store, DefaultMinEvents)
	c := f.newClient(t, Config{})

	if err := c.ForceStart(context.Background()); err != nil {
		t.Fatalf("first round: %v", err)
	}
	c.Wait()
	if got := f.id.Round(); got != 1 {
		t.Fatalf("identity round = %d after first round, want 1", got)
	}

	// Equal to the client's round, not greater.
	f.server.setMangle(func(r *roundResponse) {
		r.Adapter.Metadata.Round = 1
	})
	if err := c.ForceStart(context.Background()); err != nil {
		t.Fatalf("second round: %v", err)
	}
	err := lastFailure(t, c)
	var srvErr *ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("round failed with %v, want ServerError", err)
	}
	if !strings.Contains(srvErr.Message, "does not advance") {
		t.Errorf("message = %q", srvErr.Message)
	}
	if got := f.id.Round(); got != 1 {
		t.Errorf("identity round = %d, want 1 still", got)
	}
}

func TestCorruptGlobalAdapterRejected(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f.store, DefaultMinEvents)
	f.server.setMangle(func(r *roundResponse) {
		r.Adapter.Payload = append(r.Adapter.Payload, '!')
	})
	c := f.newClient(t, Config{})

	if err := c.ForceStart(context.Background()); err != nil {
		t.Fatalf("ForceStart: %v", err)
	}
	err := lastFailure(t, c)
	var srvErr *ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("round failed with %v, want ServerError", err)
	}
	if got := f.id.Round(); got != 0 {
		t.Errorf("identity round = %d, want 0", got)
	}
	if _, _, ok := c.Global(); ok {
		t.Error("corrupt global adapter was cached")
	}
}

func TestMalformedResponseRejected(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f.store, DefaultMinEvents)
	f.server.setRawBody([]byte(`{"adapter":{"payload":""}}`))
	c := f.newClient(t, Config{})

	if err := c.ForceStart(context.Background()); err != nil {
		t.Fatalf("ForceStart: %v", err)
	}
	err := lastFailure(t, c)
	var srvErr *ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("round failed with %v, want ServerError", err)
	}
	if !strings.Contains(srvErr.Message, "malformed response") {
		t.Errorf("message = %q", srvErr.Message)
	}
}

func TestNetworkFailureFailsRound(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f.store, DefaultMinEvents)
	c := f.newClient(t, Config{BaseURL: "http://127.0.0.1:1"})

	if err := c.ForceStart(context.Background()); err != nil {
		t.Fatalf("ForceStart: %v", err)
	}
	err := lastFailure(t, c)
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("round failed with %v, want NetworkError", err)
	}
}

// ====== Timeouts ======

func TestRoundTimeout(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f.store, DefaultMinEvents)
	f.trainer.delay = time.Second
	c := f.newClient(t, Config{RoundTimeout: 30 * time.Millisecond})

	start := time.Now()
	if err := c.ForceStart(context.Background()); err != nil {
		t.Fatalf("ForceStart: %v", err)
	}
	err := lastFailure(t, c)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("round took %s to time out", elapsed)
	}
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("round failed with %v, want TimeoutError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("timeout does not unwrap to context.DeadlineExceeded")
	}
	if got := c.State(); got != StateIdle {
		t.Errorf("state = %v, want idle after timeout", got)
	}
}

// ====== Global adapter reuse ======

func TestGlobalAdapterFeedsNextRound(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f.store, DefaultMinEvents)
	c := f.newClient(t, Config{})

	for i := 0; i < 2; i++ {
		if err := c.ForceStart(context.Background()); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		c.Wait()
	}

	prevs := f.trainer.prevPayloads()
	if len(prevs) != 2 {
		t.Fatalf("trainer ran %d times, want 2", len(prevs))
	}
	if prevs[0] != nil {
		t.Errorf("first round saw previous weights %q", prevs[0])
	}
	if string(prevs[1]) != servedGlobal {
		t.Errorf("second round previous = %s, want the served global", prevs[1])
	}

	_, meta, ok := c.Global()
	if !ok {
		t.Fatal("no global adapter cached")
	}
	if meta.Round != 2 {
		t.Errorf("global metadata round = %d, want 2", meta.Round)
	}
}

// ====== Close ======

func TestCloseStopsScheduling(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f.store, DefaultMinEvents)
	c := f.newClient(t, Config{})

	if err := c.ForceStart(context.Background()); err != nil {
		t.Fatalf("ForceStart: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Schedule(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Schedule after Close returned %v, want ErrClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	// Close waited for the round; its updates stay readable until the
	// closed channel drains.
	var idles int
	for u := range c.Updates() {
		if u.State == StateIdle {
			idles++
		}
	}
	if idles != 1 {
		t.Errorf("read %d idle transitions, want 1", idles)
	}
}

// ====== Construction ======

func TestNewRequiresCollaborators(t *testing.T) {
	f := newFixture(t)
	deps := Deps{
		Store:    f.store,
		Trainer:  f.trainer,
		Proof:    proof.NewStubEngine(),
		Power:    f.power,
		Network:  f.network,
		Identity: f.id,
	}

	if _, err := New(Config{}, deps); err == nil {
		t.Error("New accepted an empty base URL")
	}
	deps.Trainer = nil
	if _, err := New(Config{BaseURL: "http://localhost:1"}, deps); err == nil {
		t.Error("New accepted a nil trainer")
	}
}
