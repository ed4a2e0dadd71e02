// event-gen seeds an adaptd data directory with synthetic context events so
// the preference engine and trainer have something to learn from without
// waiting for real usage.
//
// Usage:
//
//	go run tools/event-gen.go -days 14 -profile writer
//	go run tools/event-gen.go -profile photo-editor -seed 42
//	go run tools/event-gen.go -list
//
// Events are written through the normal encrypted log, so 'adaptd prefs'
// and 'adaptd train' pick them up directly.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"time"

	"adaptd/internal/config"
	"adaptd/internal/event"
	"adaptd/internal/eventlog"
	"adaptd/internal/keystore"
)

// ToolBias shapes how often a tool is suggested and how the user reacts.
type ToolBias struct {
	Tool       string
	Weight     float64 // relative suggestion frequency
	AcceptRate float64 // acceptance probability outside quiet hours
	ExecRate   float64 // probability an accepted suggestion is then executed
}

// UsageProfile defines parameters for simulating different usage patterns.
type UsageProfile struct {
	Name         string
	Description  string
	EventsPerDay int
	ActiveStart  int     // first active hour (UTC)
	ActiveEnd    int     // end of the active window, exclusive; may wrap past midnight
	SuggestShare float64 // share of events that are tool suggestions
	PhotoShare   float64 // share of ambient events that touch photo/video assets
	QuietHours   []int   // hours where suggestions are nearly always rejected
	Tools        []ToolBias
}

var profiles = map[string]UsageProfile{
	"writer": {
		Name:         "Writer",
		Description:  "Text-heavy daytime usage, rewrites accepted, morning meetings quiet",
		EventsPerDay: 45,
		ActiveStart:  8,
		ActiveEnd:    19,
		SuggestShare: 0.45,
		PhotoShare:   0.05,
		QuietHours:   []int{9},
		Tools: []ToolBias{
			{Tool: "text_rewrite", Weight: 3, AcceptRate: 0.85, ExecRate: 0.7},
			{Tool: "summarize", Weight: 2, AcceptRate: 0.75, ExecRate: 0.5},
			{Tool: "translate", Weight: 1, AcceptRate: 0.6, ExecRate: 0.4},
			{Tool: "photo_enhance", Weight: 0.3, AcceptRate: 0.3, ExecRate: 0.2},
		},
	},
	"photo-editor": {
		Name:         "Photo Editor",
		Description:  "Asset-heavy usage, image tools accepted, text tools mostly rejected",
		EventsPerDay: 60,
		ActiveStart:  10,
		ActiveEnd:    21,
		SuggestShare: 0.5,
		PhotoShare:   0.7,
		Tools: []ToolBias{
			{Tool: "photo_enhance", Weight: 3, AcceptRate: 0.9, ExecRate: 0.8},
			{Tool: "auto_crop", Weight: 2, AcceptRate: 0.7, ExecRate: 0.6},
			{Tool: "style_transfer", Weight: 1, AcceptRate: 0.5, ExecRate: 0.4},
			{Tool: "text_rewrite", Weight: 0.5, AcceptRate: 0.35, ExecRate: 0.2},
		},
	},
	"night-owl": {
		Name:         "Night Owl",
		Description:  "Late-night activity with suggestions rejected all morning",
		EventsPerDay: 35,
		ActiveStart:  21,
		ActiveEnd:    4,
		SuggestShare: 0.4,
		PhotoShare:   0.1,
		QuietHours:   []int{8, 9, 10},
		Tools: []ToolBias{
			{Tool: "summarize", Weight: 2, AcceptRate: 0.8, ExecRate: 0.6},
			{Tool: "text_rewrite", Weight: 2, AcceptRate: 0.7, ExecRate: 0.5},
			{Tool: "translate", Weight: 1, AcceptRate: 0.5, ExecRate: 0.3},
		},
	},
	"skeptic": {
		Name:         "Skeptic",
		Description:  "Rejects nearly everything; exercises low-score paths",
		EventsPerDay: 50,
		ActiveStart:  9,
		ActiveEnd:    18,
		SuggestShare: 0.6,
		PhotoShare:   0.1,
		Tools: []ToolBias{
			{Tool: "text_rewrite", Weight: 2, AcceptRate: 0.2, ExecRate: 0.5},
			{Tool: "summarize", Weight: 2, AcceptRate: 0.15, ExecRate: 0.5},
			{Tool: "auto_crop", Weight: 1, AcceptRate: 0.25, ExecRate: 0.5},
		},
	},
}

var messageLines = []string{
	"drafting the quarterly report",
	"can you tighten this paragraph",
	"looking for a shorter phrasing",
	"reviewing yesterday's notes",
	"what changed in the last revision",
}

var queryLines = []string{
	"photos from last weekend",
	"notes tagged travel",
	"documents edited this week",
	"shared albums",
}

func main() {
	var (
		configPath   = flag.String("config", config.ConfigPath(), "Config file path")
		profileName  = flag.String("profile", "writer", "Usage profile")
		days         = flag.Int("days", 14, "Days of history to generate")
		seed         = flag.Int64("seed", 0, "Random seed; 0 = use current time")
		listProfiles = flag.Bool("list", false, "List available profiles")
	)
	flag.Parse()

	if *listProfiles {
		fmt.Println("Available profiles:")
		names := make([]string, 0, len(profiles))
		for name := range profiles {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-14s %s\n", name, profiles[name].Description)
		}
		os.Exit(0)
	}

	profile, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown profile: %s\n", *profileName)
		fmt.Fprintf(os.Stderr, "Use -list to see available profiles\n")
		os.Exit(1)
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directories: %v\n", err)
		os.Exit(1)
	}

	provider, err := keystore.Open(cfg.Keystore.Provider, cfg.Keystore.TPMPath, cfg.Keystore.Directory)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening keystore: %v\n", err)
		os.Exit(1)
	}
	keys := keystore.NewManager(provider, nil)
	defer keys.Close()

	store, err := eventlog.New(eventlog.Options{
		Path:      cfg.EventLog.Path,
		MaxEvents: cfg.EventLog.MaxEvents,
		Keys:      keys,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening event log: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Seeding %d days with profile: %s\n", *days, profile.Name)
	fmt.Printf("Random seed: %d\n", *seed)

	counts := make(map[event.Kind]int)
	accepted := make(map[string]int)
	rejected := make(map[string]int)

	dayStart := time.Now().UTC().AddDate(0, 0, -*days)
	total := 0
	for day := 0; day < *days; day++ {
		for _, at := range dayTimes(rng, profile, dayStart.AddDate(0, 0, day)) {
			for _, ev := range synthesize(rng, profile, at) {
				if err := store.Append(ev); err != nil {
					fmt.Fprintf(os.Stderr, "Error appending event: %v\n", err)
					os.Exit(1)
				}
				counts[ev.Kind()]++
				total++
				if tool, ok := event.ToolName(ev); ok {
					switch ev.Kind() {
					case event.KindSuggestionAccepted:
						accepted[tool]++
					case event.KindSuggestionRejected:
						rejected[tool]++
					}
				}
			}
		}
	}

	if err := store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error flushing event log: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Seeded %d events into %s\n", total, cfg.EventLog.Path)
	fmt.Println()
	fmt.Println("Events by kind:")
	for _, kind := range event.Kinds() {
		if counts[kind] > 0 {
			fmt.Printf("  %-22s %d\n", kind, counts[kind])
		}
	}
	fmt.Println()
	fmt.Println("Suggestions by tool:")
	for _, bias := range profile.Tools {
		fmt.Printf("  %-16s %d accepted, %d rejected\n",
			bias.Tool, accepted[bias.Tool], rejected[bias.Tool])
	}
	fmt.Println()
	fmt.Println("Run 'adaptd prefs' to see the learned preferences.")
}

// dayTimes returns sorted capture times for one simulated day.
func dayTimes(rng *rand.Rand, p UsageProfile, day time.Time) []time.Time {
	times := make([]time.Time, 0, p.EventsPerDay)
	base := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	for i := 0; i < p.EventsPerDay; i++ {
		hour := pickHour(rng, p)
		times = append(times, base.Add(
			time.Duration(hour)*time.Hour+
				time.Duration(rng.Intn(60))*time.Minute+
				time.Duration(rng.Intn(60))*time.Second))
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return times
}

// pickHour chooses an hour inside the active window, with a steady trickle
// into quiet hours so they accumulate enough samples to be detected.
func pickHour(rng *rand.Rand, p UsageProfile) int {
	if len(p.QuietHours) > 0 && rng.Float64() < 0.2 {
		return p.QuietHours[rng.Intn(len(p.QuietHours))]
	}
	span := p.ActiveEnd - p.ActiveStart
	if span <= 0 {
		span += 24
	}
	return (p.ActiveStart + rng.Intn(span)) % 24
}

// synthesize produces the event(s) for one capture time: either an ambient
// context event or a tool suggestion with its outcome.
func synthesize(rng *rand.Rand, p UsageProfile, at time.Time) []event.Event {
	if rng.Float64() >= p.SuggestShare {
		return []event.Event{event.WithTime(ambient(rng, p), at)}
	}

	bias := pickTool(rng, p)
	acceptProb := bias.AcceptRate
	if quiet(p, at.Hour()) {
		acceptProb = 0.1
	}

	if rng.Float64() >= acceptProb {
		return []event.Event{event.WithTime(event.NewSuggestionRejected(bias.Tool), at)}
	}

	out := []event.Event{event.WithTime(event.NewSuggestionAccepted(bias.Tool), at)}
	if rng.Float64() < bias.ExecRate {
		success := rng.Float64() < 0.9
		out = append(out, event.WithTime(event.NewToolExecuted(bias.Tool, success), at.Add(5*time.Second)))
	}
	return out
}

// ambient picks a non-suggestion event for texture around the tool signals.
func ambient(rng *rand.Rand, p UsageProfile) event.Event {
	if rng.Float64() < p.PhotoShare {
		id := fmt.Sprintf("IMG_%04d", rng.Intn(10000))
		if rng.Float64() < 0.2 {
			return event.NewVideoEdited(id)
		}
		return event.NewPhotoEdited(id)
	}
	switch rng.Intn(6) {
	case 0:
		return event.NewMessage(event.RoleUser, messageLines[rng.Intn(len(messageLines))])
	case 1:
		return event.NewMessage(event.RoleAssistant, "done, take a look")
	case 2:
		return event.NewQuerySubmitted(queryLines[rng.Intn(len(queryLines))])
	case 3:
		return event.NewTextEdited()
	case 4:
		return event.NewLocationAccessed()
	default:
		return event.NewMotionDetected("stationary")
	}
}

func pickTool(rng *rand.Rand, p UsageProfile) ToolBias {
	total := 0.0
	for _, b := range p.Tools {
		total += b.Weight
	}
	r := rng.Float64() * total
	for _, b := range p.Tools {
		r -= b.Weight
		if r <= 0 {
			return b
		}
	}
	return p.Tools[len(p.Tools)-1]
}

func quiet(p UsageProfile, hour int) bool {
	for _, h := range p.QuietHours {
		if h == hour {
			return true
		}
	}
	return false
}
