// Package fedclient runs federated learning rounds against an
// aggregation server. A round trains a local adapter on the on-device
// event log, proves the training happened, uploads the signed result,
// and reconciles the server's global adapter back into local state.
//
// At most one round runs at a time. Schedule gates a round on device
// conditions (network, charging, battery, data volume); ForceStart
// skips the device gates but still refuses to train on too little
// data. Rounds run on a background goroutine and report progress on
// the Updates channel. Whatever happens, the client ends a round in
// Idle and stays usable.
package fedclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"adaptd/internal/adapter"
	"adaptd/internal/device"
	"adaptd/internal/event"
	"adaptd/internal/eventlog"
	"adaptd/internal/history"
	"adaptd/internal/identity"
	"adaptd/internal/logging"
	"adaptd/internal/metrics"
	"adaptd/internal/preference"
	"adaptd/internal/proof"
	"adaptd/internal/trainer"
)

const (
	// DefaultMinEvents is the event log floor below which no round
	// starts, scheduled or forced.
	DefaultMinEvents = 10

	// DefaultRoundTimeout bounds a whole round, training included.
	DefaultRoundTimeout = 5 * time.Minute

	// DefaultUploadTimeout is the per-request HTTP timeout used when no
	// client is supplied.
	DefaultUploadTimeout = 30 * time.Second

	// DefaultAdapterVersion tags uploads from the statistics trainer.
	DefaultAdapterVersion = "stats-ema-v1"

	// roundEventTool is the tool name recorded in the event log after
	// every round, so the log itself shows training activity.
	roundEventTool = "federated_training"

	// updateBuffer is the capacity of the status channel. A slow reader
	// loses updates rather than stalling a round.
	updateBuffer = 32
)

// Config carries the tunables. Zero values mean defaults.
type Config struct {
	// BaseURL of the aggregation server, e.g. "https://agg.example.org".
	BaseURL string

	// HTTPClient used for uploads. Nil means a client with
	// DefaultUploadTimeout.
	HTTPClient *http.Client

	// MinEvents to require in the log before training.
	MinEvents int

	// MinBattery is the charge floor in [0,1] for scheduled rounds.
	MinBattery float64

	// RoundTimeout bounds one round end to end.
	RoundTimeout time.Duration

	// AdapterVersion stamped into upload metadata.
	AdapterVersion string
}

// Deps are the collaborators a Client drives. Store, Trainer, Proof,
// Power, Network, and Identity are required; the rest may be nil.
type Deps struct {
	Store    *eventlog.Store
	Prefs    *preference.Engine
	Trainer  trainer.Trainer
	Proof    proof.Engine
	Power    device.PowerSource
	Network  device.NetworkMonitor
	Identity *identity.Store
	History  *history.Store
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
}

// Option adjusts a Client at construction.
type Option func(*Client)

// WithAdapterHandler registers fn to receive each accepted global
// adapter. It is called synchronously, exactly once per successful
// round, before the round is marked complete.
func WithAdapterHandler(fn func(adapter.Weights, adapter.Metadata)) Option {
	return func(c *Client) { c.handler = fn }
}

// Client is the federated learning round driver.
type Client struct {
	cfg  Config
	deps Deps
	log  *logging.Logger
	tr   *transport

	handler func(adapter.Weights, adapter.Metadata)
	updates chan StatusUpdate

	mu         sync.Mutex
	inProgress bool
	closed     bool
	state      RoundState
	global     *adapter.Weights
	globalMeta adapter.Metadata

	wg sync.WaitGroup
}

// New validates deps, applies defaults, and returns a ready client.
func New(cfg Config, deps Deps, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("fedclient: server base URL is required")
	}
	if deps.Store == nil {
		return nil, errors.New("fedclient: event store is required")
	}
	if deps.Trainer == nil {
		return nil, errors.New("fedclient: trainer is required")
	}
	if deps.Proof == nil {
		return nil, errors.New("fedclient: proof engine is required")
	}
	if deps.Power == nil {
		return nil, errors.New("fedclient: power source is required")
	}
	if deps.Network == nil {
		return nil, errors.New("fedclient: network monitor is required")
	}
	if deps.Identity == nil {
		return nil, errors.New("fedclient: identity store is required")
	}

	if cfg.MinEvents <= 0 {
		cfg.MinEvents = DefaultMinEvents
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = DefaultRoundTimeout
	}
	if cfg.AdapterVersion == "" {
		cfg.AdapterVersion = DefaultAdapterVersion
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultUploadTimeout}
	}

	log := deps.Logger
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("fedclient")

	tr, err := newTransport(cfg.BaseURL, httpClient, deps.Metrics)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		tr:      tr,
		updates: make(chan StatusUpdate, updateBuffer),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the current round state.
func (c *Client) State() RoundState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Updates returns the status channel. Sends never block; a full buffer
// drops updates. The channel is closed by Close.
func (c *Client) Updates() <-chan StatusUpdate {
	return c.updates
}

// Global returns a copy of the last accepted global adapter, if any.
func (c *Client) Global() (adapter.Weights, adapter.Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.global == nil {
		return adapter.Weights{}, adapter.Metadata{}, false
	}
	return c.global.Clone(), c.globalMeta, true
}

// Conditions evaluates every scheduling gate against the live device
// state and the event log.
func (c *Client) Conditions(ctx context.Context) (TrainingConditions, error) {
	batt, err := c.deps.Power.Status(ctx)
	if err != nil {
		return TrainingConditions{}, fmt.Errorf("fedclient: battery status: %w", err)
	}
	net := c.deps.Network.Current()
	return TrainingConditions{
		OnPreferredNetwork: net.Preferred(),
		IsCharging:         batt.Charging,
		BatteryLevel:       batt.Level,
		HasSufficientData:  c.deps.Store.Count() >= c.cfg.MinEvents,
		MinBatteryLevel:    c.cfg.MinBattery,
	}, nil
}

// Schedule starts a round in the background if every condition is met.
// When only the data floor fails it returns *InsufficientDataError; when
// any device condition fails it returns *ConditionsNotMetError listing
// all failures. Either way nothing has been trained or sent. A nil
// return means the round is running; watch Updates or call Wait.
func (c *Client) Schedule(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}
	cond, err := c.Conditions(ctx)
	if err != nil {
		c.release()
		return err
	}
	if unmet := cond.Unmet(); len(unmet) > 0 {
		c.release()
		if len(unmet) == 1 && !cond.HasSufficientData {
			return &InsufficientDataError{Have: c.deps.Store.Count(), Need: c.cfg.MinEvents}
		}
		return &ConditionsNotMetError{Unmet: unmet}
	}
	c.wg.Add(1)
	go c.round(ctx)
	return nil
}

// ForceStart starts a round regardless of network, charging, and
// battery state. The data floor still applies; it is enforced inside
// the round.
func (c *Client) ForceStart(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.round(ctx)
	return nil
}

// Wait blocks until no round is running.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close waits for any running round and closes the updates channel.
// Further Schedule and ForceStart calls return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.wg.Wait()
	close(c.updates)
	return nil
}

func (c *Client) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.inProgress {
		return ErrRoundInProgress
	}
	c.inProgress = true
	return nil
}

func (c *Client) release() {
	c.mu.Lock()
	c.inProgress = false
	c.mu.Unlock()
}

// roundResult accumulates what a round produced, for history rows and
// the success transition.
type roundResult struct {
	eventsUsed  int
	uploadedLen int
	serverRound uint64
}

// round drives one complete round. It owns the in-progress guard taken
// by begin and always returns the client to Idle.
func (c *Client) round(parent context.Context) {
	defer c.wg.Done()
	defer c.release()

	current := c.deps.Identity.Round()
	started := time.Now()

	ctx, cancel := context.WithTimeout(parent, c.cfg.RoundTimeout)
	defer cancel()

	var res roundResult
	err := c.runRound(ctx, current, &res)
	elapsed := time.Since(started)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = &TimeoutError{Elapsed: elapsed}
	}
	c.finish(current, started, elapsed, &res, err)
}

// runRound walks the state machine up to acceptance of the server
// response. State transitions are emitted as it goes; the caller turns
// the return value into the terminal transition.
func (c *Client) runRound(ctx context.Context, current uint64, res *roundResult) error {
	c.setState(StateConditionCheck, current, "checking training data", nil)
	events := c.deps.Store.Events()
	if len(events) < c.cfg.MinEvents {
		return &InsufficientDataError{Have: len(events), Need: c.cfg.MinEvents}
	}
	res.eventsUsed = len(events)

	c.setState(StateTraining, current, fmt.Sprintf("training on %d events", len(events)), nil)
	c.mu.Lock()
	prev := c.global
	c.mu.Unlock()
	weights, err := c.deps.Trainer.Train(ctx, events, prev)
	if err != nil {
		return fmt.Errorf("fedclient: train: %w", err)
	}
	meta := adapter.NewMetadata(weights, c.cfg.AdapterVersion, c.deps.Identity.DeviceID(), current)
	res.uploadedLen = len(weights.Payload)

	c.setState(StateProofGeneration, current, "generating training proof", nil)
	proofStart := time.Now()
	prf, err := c.deps.Proof.Generate(ctx, weights, meta)
	c.deps.Metrics.ObserveProofGenerate(time.Since(proofStart))
	if err != nil {
		return fmt.Errorf("fedclient: prove: %w", err)
	}

	// A proof the engine itself rejects never leaves the device.
	verifyStart := time.Now()
	ok, err := c.deps.Proof.Verify(ctx, prf)
	c.deps.Metrics.ObserveProofVerify(time.Since(verifyStart))
	if err != nil {
		return fmt.Errorf("fedclient: verify proof: %w", err)
	}
	if !ok {
		return &proof.ProofError{Op: "verify", Err: errors.New("generated proof failed self-check")}
	}

	c.setState(StateUploading, current, "uploading adapter update", nil)
	resp, err := c.tr.uploadRound(ctx, uploadRequest{
		DeviceID:  c.deps.Identity.DeviceID(),
		Round:     current,
		Adapter:   wireAdapter{Payload: weights.Payload, Metadata: meta},
		Proof:     prf,
		Signature: c.deps.Identity.Sign(weights.Payload),
	})
	if err != nil {
		return err
	}

	c.setState(StateReconcilingResponse, current, "reconciling global adapter", nil)
	global := adapter.Weights{Payload: resp.Adapter.Payload}
	respMeta := resp.Adapter.Metadata
	if err := respMeta.Validate(); err != nil {
		return &ServerError{Message: "invalid response metadata: " + err.Error()}
	}
	if respMeta.Round <= current {
		return &ServerError{Message: fmt.Sprintf("server round %d does not advance client round %d", respMeta.Round, current)}
	}
	if err := respMeta.VerifyChecksum(global.Payload); err != nil {
		return &ServerError{Message: "global adapter rejected: " + err.Error()}
	}

	if err := c.deps.Identity.AdvanceRound(respMeta.Round); err != nil {
		return fmt.Errorf("fedclient: advance round: %w", err)
	}

	c.mu.Lock()
	kept := global.Clone()
	c.global = &kept
	c.globalMeta = respMeta
	c.mu.Unlock()

	if c.handler != nil {
		c.handler(global.Clone(), respMeta)
	}

	res.serverRound = respMeta.Round
	return nil
}

// finish records the round outcome everywhere it is visible: the event
// log, the preference engine, round history, metrics, and the status
// channel.
func (c *Client) finish(round uint64, started time.Time, elapsed time.Duration, res *roundResult, roundErr error) {
	success := roundErr == nil

	if err := c.deps.Store.Append(event.NewToolExecuted(roundEventTool, success)); err != nil {
		c.log.Warn("append round event", "error", err)
	}
	if c.deps.Prefs != nil {
		c.deps.Prefs.Refresh()
	}

	if c.deps.History != nil {
		rec := &history.RoundRecord{
			Round:        round,
			DeviceID:     c.deps.Identity.DeviceID(),
			Outcome:      history.OutcomeSuccess,
			EventsUsed:   res.eventsUsed,
			PayloadBytes: res.uploadedLen,
			ServerRound:  res.serverRound,
			StartedAt:    started.UTC(),
			FinishedAt:   time.Now().UTC(),
		}
		if !success {
			rec.Outcome = history.OutcomeFailed
			rec.Error = roundErr.Error()
		}
		if _, err := c.deps.History.Record(rec); err != nil {
			c.log.Warn("record round history", "error", err)
		}
	}

	if success {
		c.deps.Metrics.RecordRound(string(history.OutcomeSuccess), elapsed)
		c.log.Info("round complete",
			"round", round,
			"server_round", res.serverRound,
			"events", res.eventsUsed,
			"payload_bytes", res.uploadedLen,
			"elapsed", elapsed.Round(time.Millisecond))
		c.setState(StateIdle, res.serverRound, "round complete", nil)
		return
	}

	c.deps.Metrics.RecordRound(string(history.OutcomeFailed), elapsed)
	c.log.Warn("round failed",
		"round", round,
		"elapsed", elapsed.Round(time.Millisecond),
		"error", roundErr)
	c.setState(StateFailed, round, "round failed", roundErr)
	c.setState(StateIdle, round, "ready", nil)
}

// setState publishes a state transition to the gauge, the log, and the
// status channel. Sends never block.
func (c *Client) setState(st RoundState, round uint64, msg string, err error) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()

	c.deps.Metrics.SetRoundState(int(st))
	if err != nil {
		c.log.Debug("round state", "state", st.String(), "round", round, "error", err)
	} else {
		c.log.Debug("round state", "state", st.String(), "round", round)
	}

	u := StatusUpdate{State: st, Message: msg, Err: err, Round: round, Time: time.Now().UTC()}
	select {
	case c.updates <- u:
	default:
		c.deps.Metrics.RecordUpdateDropped()
	}
}
