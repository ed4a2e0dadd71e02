// Package trainer turns an event log snapshot into adapter weights. The
// Trainer interface is the injection point for a real fine-tuning step;
// the bundled StatsTrainer learns descriptive statistics instead of model
// gradients, which keeps the full round pipeline exercisable on any
// machine while producing payloads with realistic shape and determinism.
package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"adaptd/internal/adapter"
	"adaptd/internal/event"
)

// ParamsVersion tags the payload layout.
const ParamsVersion = 1

// DefaultLatency models the cost of a local fine-tuning pass.
const DefaultLatency = 500 * time.Millisecond

// Blend ratio for merging a previous adapter into fresh statistics.
const (
	emaOld = 0.7
	emaNew = 0.3
)

var ErrNoEvents = errors.New("trainer: no events to learn from")

// Trainer produces new adapter weights from events, optionally continuing
// from a previous adapter.
type Trainer interface {
	Train(ctx context.Context, events []event.Event, prev *adapter.Weights) (adapter.Weights, error)
}

// Parameters is the learned parameter vector. Serialized with sorted map
// keys, so identical inputs yield byte-identical payloads.
type Parameters struct {
	Version      int                `json:"version"`
	KindFreq     map[string]float64 `json:"kind_freq"`
	ToolAccept   map[string]float64 `json:"tool_accept"`
	HourActivity [24]float64        `json:"hour_activity"`
	Samples      int                `json:"samples"`
}

// Feature is one named parameter for reporting.
type Feature struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Summary is a snapshot of what the trainer has learned so far.
type Summary struct {
	Updates     int       `json:"updates"`
	Features    int       `json:"features"`
	TopFeatures []Feature `json:"top_features"`
	LastUpdate  time.Time `json:"last_update,omitempty"`
}

const topFeatureCount = 5

// StatsTrainer is the default Trainer. Safe for concurrent use, though
// the federated client never runs two rounds at once.
type StatsTrainer struct {
	latency time.Duration

	mu      sync.Mutex
	updates int
	last    time.Time
	params  Parameters
}

// Option adjusts a StatsTrainer.
type Option func(*StatsTrainer)

// WithLatency overrides the simulated training cost.
func WithLatency(d time.Duration) Option {
	return func(t *StatsTrainer) { t.latency = d }
}

func NewStatsTrainer(opts ...Option) *StatsTrainer {
	t := &StatsTrainer{latency: DefaultLatency}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var _ Trainer = (*StatsTrainer)(nil)

// Train computes fresh statistics from events, blends them 70/30 with the
// previous adapter when one is given, and serializes the result. Apart
// from the simulated latency it is deterministic.
func (t *StatsTrainer) Train(ctx context.Context, events []event.Event, prev *adapter.Weights) (adapter.Weights, error) {
	if len(events) == 0 {
		return adapter.Weights{}, ErrNoEvents
	}

	if t.latency > 0 {
		timer := time.NewTimer(t.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return adapter.Weights{}, ctx.Err()
		case <-timer.C:
		}
	}

	params := learn(events)

	if prev != nil && len(prev.Payload) > 0 {
		var old Parameters
		if err := json.Unmarshal(prev.Payload, &old); err != nil {
			return adapter.Weights{}, fmt.Errorf("trainer: decode previous adapter: %w", err)
		}
		params = blend(old, params)
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return adapter.Weights{}, fmt.Errorf("trainer: encode parameters: %w", err)
	}

	t.mu.Lock()
	t.updates++
	t.last = time.Now().UTC()
	t.params = params
	t.mu.Unlock()

	return adapter.Weights{Payload: payload}, nil
}

// learn derives the statistics of one event slice: per-kind frequencies,
// per-tool acceptance rates, and an hour-of-day activity histogram.
func learn(events []event.Event) Parameters {
	params := Parameters{
		Version:    ParamsVersion,
		KindFreq:   make(map[string]float64),
		ToolAccept: make(map[string]float64),
		Samples:    len(events),
	}

	type counts struct{ accepted, rejected int }
	tools := make(map[string]*counts)

	total := float64(len(events))
	for _, ev := range events {
		params.KindFreq[string(ev.Kind())] += 1 / total
		params.HourActivity[ev.Time().UTC().Hour()] += 1 / total

		switch v := ev.(type) {
		case event.SuggestionAccepted:
			c, ok := tools[v.Tool]
			if !ok {
				c = &counts{}
				tools[v.Tool] = c
			}
			c.accepted++
		case event.SuggestionRejected:
			c, ok := tools[v.Tool]
			if !ok {
				c = &counts{}
				tools[v.Tool] = c
			}
			c.rejected++
		}
	}

	for tool, c := range tools {
		params.ToolAccept[tool] = float64(c.accepted) / float64(c.accepted+c.rejected)
	}
	return params
}

// blend merges fresh statistics into old parameters at emaOld/emaNew.
// Features absent on one side count as zero there, so stale features decay
// instead of vanishing.
func blend(old, fresh Parameters) Parameters {
	out := Parameters{
		Version:    ParamsVersion,
		KindFreq:   blendMap(old.KindFreq, fresh.KindFreq),
		ToolAccept: blendMap(old.ToolAccept, fresh.ToolAccept),
		Samples:    old.Samples + fresh.Samples,
	}
	for h := range out.HourActivity {
		out.HourActivity[h] = emaOld*old.HourActivity[h] + emaNew*fresh.HourActivity[h]
	}
	return out
}

func blendMap(old, fresh map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(old)+len(fresh))
	for k, v := range old {
		out[k] = emaOld * v
	}
	for k, v := range fresh {
		out[k] += emaNew * v
	}
	return out
}

// Summary reports what the trainer has learned so far.
func (t *StatsTrainer) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	features := make([]Feature, 0, len(t.params.KindFreq)+len(t.params.ToolAccept))
	for k, v := range t.params.KindFreq {
		features = append(features, Feature{Name: "kind:" + k, Value: v})
	}
	for k, v := range t.params.ToolAccept {
		features = append(features, Feature{Name: "tool:" + k, Value: v})
	}
	sort.Slice(features, func(i, j int) bool {
		if features[i].Value != features[j].Value {
			return features[i].Value > features[j].Value
		}
		return features[i].Name < features[j].Name
	})

	count := len(features)
	if t.updates > 0 {
		count += len(t.params.HourActivity)
	}
	top := features
	if len(top) > topFeatureCount {
		top = top[:topFeatureCount]
	}

	return Summary{
		Updates:     t.updates,
		Features:    count,
		TopFeatures: top,
		LastUpdate:  t.last,
	}
}
