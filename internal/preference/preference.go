// Package preference derives tool scores and quiet hours by replaying the
// event log. Nothing here is persisted: every number is a pure function of
// the current log snapshot, so a Refresh after any log change brings the
// engine fully up to date and there is no derived state to invalidate.
package preference

import (
	"sort"
	"sync"
	"time"

	"adaptd/internal/event"
	"adaptd/internal/logging"
)

// Scoring pipeline constants. Factors blend into the running score rather
// than summing, so extreme combinations dampen each other before the final
// clamp.
const (
	baseScore        = 0.5
	acceptanceWeight = 0.4
	quietPenalty     = 0.3
	recencyBoost     = 0.1
	recencyWindow    = 30 * 24 * time.Hour
	usageWeight      = 0.2
	usageSaturation  = 10

	// An hour needs at least this many suggestion samples before it can
	// be flagged quiet. One rejection at 3am is noise, not a pattern.
	minQuietSamples = 3
	quietThreshold  = 0.5
)

// EventSource is the log snapshot the engine recomputes from.
// eventlog.Store satisfies it.
type EventSource interface {
	Events() []event.Event
}

// ToolPreference is the derived per-tool record returned by All.
type ToolPreference struct {
	Tool           string    `json:"tool"`
	Score          float64   `json:"score"`
	Accepted       int       `json:"accepted"`
	Rejected       int       `json:"rejected"`
	Uses           int       `json:"uses"`
	LastUsed       time.Time `json:"last_used,omitempty"`
	AcceptanceRate float64   `json:"acceptance_rate"`
}

// QuietHour is an hour-of-day (UTC) with statistically significant
// historical rejection of suggestions.
type QuietHour struct {
	Hour                 int     `json:"hour"`
	RejectionProbability float64 `json:"rejection_probability"`
	Samples              int     `json:"samples"`
}

// ToolScore pairs a tool with its score at some instant.
type ToolScore struct {
	Tool  string  `json:"tool"`
	Score float64 `json:"score"`
}

type toolStats struct {
	accepted int
	rejected int
	uses     int
	lastUsed time.Time
}

type hourStats struct {
	samples  int
	rejected int
}

// Engine computes preferences from an event source. All methods are safe
// for concurrent use; queries read the cache built by the last Refresh.
type Engine struct {
	src EventSource
	log *logging.Logger

	mu    sync.RWMutex
	tools map[string]*toolStats
	hours [24]hourStats
}

// New builds an engine over src and performs an initial Refresh.
func New(src EventSource, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Default()
	}
	e := &Engine{
		src:   src,
		log:   log.WithComponent("preference"),
		tools: make(map[string]*toolStats),
	}
	e.Refresh()
	return e
}

// Refresh recomputes all derived state from a fresh log snapshot.
func (e *Engine) Refresh() {
	events := e.src.Events()

	tools := make(map[string]*toolStats)
	var hours [24]hourStats

	stat := func(tool string) *toolStats {
		st, ok := tools[tool]
		if !ok {
			st = &toolStats{}
			tools[tool] = st
		}
		return st
	}

	for _, ev := range events {
		switch v := ev.(type) {
		case event.SuggestionAccepted:
			st := stat(v.Tool)
			st.accepted++
			st.uses++
			if v.Time().After(st.lastUsed) {
				st.lastUsed = v.Time()
			}
			hours[v.Time().UTC().Hour()].samples++
		case event.SuggestionRejected:
			st := stat(v.Tool)
			st.rejected++
			h := v.Time().UTC().Hour()
			hours[h].samples++
			hours[h].rejected++
		case event.ToolExecuted:
			st := stat(v.Tool)
			st.uses++
			if v.Time().After(st.lastUsed) {
				st.lastUsed = v.Time()
			}
		}
	}

	e.mu.Lock()
	e.tools = tools
	e.hours = hours
	e.mu.Unlock()

	e.log.Debug("preferences recomputed", "tools", len(tools), "events", len(events))
}

// Score rates a tool at the given instant. A tool with no history scores
// exactly the 0.5 baseline.
func (e *Engine) Score(tool string, now time.Time) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st, ok := e.tools[tool]
	if !ok {
		return baseScore
	}
	return e.scoreLocked(st, now)
}

func (e *Engine) scoreLocked(st *toolStats, now time.Time) float64 {
	score := baseScore

	samples := st.accepted + st.rejected
	if samples > 0 {
		rate := float64(st.accepted) / float64(samples)
		score = (1-acceptanceWeight)*score + acceptanceWeight*rate
	}

	if h := e.hours[now.UTC().Hour()]; quiet(h) {
		prob := float64(h.rejected) / float64(h.samples)
		score *= 1 - quietPenalty*prob
	}

	if !st.lastUsed.IsZero() {
		age := now.Sub(st.lastUsed)
		if age < 0 {
			age = 0
		}
		if age <= recencyWindow {
			score *= 1 + recencyBoost*(1-float64(age)/float64(recencyWindow))
		}
	}

	if st.uses > 0 {
		uses := st.uses
		if uses > usageSaturation {
			uses = usageSaturation
		}
		score = (1-usageWeight)*score + usageWeight*float64(uses)/usageSaturation
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func quiet(h hourStats) bool {
	if h.samples < minQuietSamples {
		return false
	}
	return float64(h.rejected)/float64(h.samples) > quietThreshold
}

// AcceptanceRate returns accepted/(accepted+rejected) for a tool, zero
// when there are no suggestion samples.
func (e *Engine) AcceptanceRate(tool string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st, ok := e.tools[tool]
	if !ok {
		return 0
	}
	samples := st.accepted + st.rejected
	if samples == 0 {
		return 0
	}
	return float64(st.accepted) / float64(samples)
}

// QuietHours returns the flagged hours in ascending order. An hour with
// fewer than three samples is never flagged, whatever its rejection rate.
func (e *Engine) QuietHours() []QuietHour {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []QuietHour
	for h, st := range e.hours {
		if !quiet(st) {
			continue
		}
		out = append(out, QuietHour{
			Hour:                 h,
			RejectionProbability: float64(st.rejected) / float64(st.samples),
			Samples:              st.samples,
		})
	}
	return out
}

// Rank scores the given tools at now and returns them in descending score
// order. The sort is stable: equal scores keep the caller's ordering.
func (e *Engine) Rank(tools []string, now time.Time) []ToolScore {
	out := make([]ToolScore, 0, len(tools))
	for _, tool := range tools {
		out = append(out, ToolScore{Tool: tool, Score: e.Score(tool, now)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// Best returns the highest-scoring of the given tools. For ties the first
// maximal element wins. ok is false for an empty list.
func (e *Engine) Best(tools []string, now time.Time) (string, bool) {
	ranked := e.Rank(tools, now)
	if len(ranked) == 0 {
		return "", false
	}
	return ranked[0].Tool, true
}

// All returns the derived preference record for every tool in the log,
// scored at the current time.
func (e *Engine) All() map[string]ToolPreference {
	now := time.Now().UTC()

	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]ToolPreference, len(e.tools))
	for tool, st := range e.tools {
		samples := st.accepted + st.rejected
		rate := 0.0
		if samples > 0 {
			rate = float64(st.accepted) / float64(samples)
		}
		out[tool] = ToolPreference{
			Tool:           tool,
			Score:          e.scoreLocked(st, now),
			Accepted:       st.accepted,
			Rejected:       st.rejected,
			Uses:           st.uses,
			LastUsed:       st.lastUsed,
			AcceptanceRate: rate,
		}
	}
	return out
}
