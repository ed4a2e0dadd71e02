// adaptd - On-device adaptation daemon with federated learning
//
// adaptd keeps an encrypted log of context events on the device, derives
// tool preferences from it, and joins federated learning rounds that
// upload only signed adapter updates. Raw events never leave the device.
//
//	adaptd init     Initialize data directory, config, and device identity
//	adaptd run      Run the background daemon
//	adaptd status   Show daemon state, identity, and device conditions
//	adaptd train    Run a federated training round now
//	adaptd prefs    Show learned tool preferences
//	adaptd events   Inspect or clear the local event log
//	adaptd version  Print the version
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"adaptd/internal/config"
	"adaptd/internal/device"
	"adaptd/internal/event"
	"adaptd/internal/eventlog"
	"adaptd/internal/history"
	"adaptd/internal/identity"
	"adaptd/internal/keystore"
	"adaptd/internal/logging"
	"adaptd/internal/metrics"
	"adaptd/internal/preference"
)

// Version is the adaptd release version.
const Version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		cmdInit()
	case "run":
		cmdRun()
	case "status":
		cmdStatus()
	case "train":
		cmdTrain()
	case "prefs":
		cmdPrefs()
	case "events":
		cmdEvents()
	case "version":
		cmdVersion()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`adaptd - On-Device Adaptation with Federated Learning

USAGE:
    adaptd <command> [options]

COMMANDS:
    init      Initialize data directory, config, and device identity
    run       Run the background daemon
    status    Show daemon state, identity, and device conditions
    train     Run a federated training round now [-force] [-wait]
    prefs     Show learned tool preferences and quiet hours
    events    Inspect the local event log [-n count] [-clear]
    version   Print the version
    help      Show this help message

PRIVACY:
    All captured events stay on this device in an encrypted log.
    Federated training uploads only a small statistical adapter,
    signed by the device key, and only after you opt in
    (conditions.opt_in in the config, or ADAPTD_OPT_IN=true).

Run 'adaptd init' once, then 'adaptd run' to start the daemon.`)
}

func cmdVersion() {
	fmt.Printf("adaptd %s\n", Version)
}

// ====== Shared wiring ======

// loadConfig reads and validates the config at path ("" means the
// default location). Missing files yield defaults.
func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// newLogger builds the process logger from config. One-shot commands
// force stderr so their output is not swallowed by the log file.
func newLogger(cfg *config.Config, console bool) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	format := logging.FormatText
	if cfg.Logging.Format == "json" {
		format = logging.FormatJSON
	}
	output := cfg.Logging.Output
	if console {
		output = "stderr"
	}

	log, err := logging.New(&logging.Config{
		Level:          level,
		Format:         format,
		Output:         output,
		FilePath:       cfg.Logging.FilePath,
		MaxSize:        int64(cfg.Logging.MaxSizeMB),
		MaxBackups:     cfg.Logging.MaxBackups,
		RedactPatterns: cfg.Logging.RedactPatterns,
		Component:      "adaptd",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		return logging.Default()
	}
	logging.SetDefault(log)
	return log
}

func openKeystore(cfg *config.Config, log *logging.Logger) *keystore.Manager {
	provider, err := keystore.Open(cfg.Keystore.Provider, cfg.Keystore.TPMPath, cfg.Keystore.Directory)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening keystore (%s): %v\n", cfg.Keystore.Provider, err)
		os.Exit(1)
	}
	return keystore.NewManager(provider, log)
}

// openEventLog opens the encrypted log. Commands that only inspect it
// pass readOnly so they work while the daemon holds the writer lock.
func openEventLog(cfg *config.Config, keys *keystore.Manager, log *logging.Logger, m *metrics.Metrics, readOnly bool) *eventlog.Store {
	store, err := eventlog.New(eventlog.Options{
		Path:          cfg.EventLog.Path,
		MaxEvents:     cfg.EventLog.MaxEvents,
		FlushInterval: time.Duration(cfg.EventLog.FlushIntervalSec) * time.Second,
		Keys:          keys,
		ReadOnly:      readOnly,
		Logger:        log,
		Metrics:       m,
	})
	if err != nil {
		if errors.Is(err, eventlog.ErrLogLocked) {
			fmt.Fprintln(os.Stderr, "Error: the event log is in use by another adaptd process.")
			fmt.Fprintln(os.Stderr, "Stop the running daemon first, or wait for the other command to finish.")
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Error opening event log: %v\n", err)
		os.Exit(1)
	}
	return store
}

func openIdentity(cfg *config.Config, keys *keystore.Manager, log *logging.Logger) *identity.Store {
	id, err := identity.Open(cfg.Federated.IdentityPath, keys, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening device identity: %v\n", err)
		os.Exit(1)
	}
	return id
}

func openHistory(cfg *config.Config) *history.Store {
	hist, err := history.Open(cfg.Federated.HistoryPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening round history: %v\n", err)
		os.Exit(1)
	}
	return hist
}

// openDeviceMonitors returns live platform monitors, substituting static
// providers for conditions the config does not gate on and falling back
// to permissive static providers when the platform bus is unreachable.
func openDeviceMonitors(cfg *config.Config, log *logging.Logger) (device.PowerSource, device.NetworkMonitor) {
	power, network, err := device.System(log)
	if err != nil {
		log.Warn("device monitors unavailable, conditions treated as met", "error", err)
		return device.NewStaticPower(1.0, true),
			device.NewStaticNetwork(device.NetworkState{Connected: true, Kind: device.NetworkWifi})
	}
	if !cfg.Conditions.RequireCharging {
		power.Close()
		power = device.NewStaticPower(1.0, true)
	}
	if !cfg.Conditions.RequireUnmetered {
		network.Close()
		network = device.NewStaticNetwork(device.NetworkState{Connected: true, Kind: device.NetworkWifi})
	}
	return power, network
}

// ====== init ======

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", config.ConfigPath(), "Config file path")
	server := fs.String("server", "", "Aggregation server base URL")
	optIn := fs.Bool("opt-in", false, "Consent to federated training")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	if *server != "" {
		cfg.Federated.ServerURL = *server
	}
	if *optIn {
		cfg.Conditions.OptIn = true
	}

	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directories: %v\n", err)
		os.Exit(1)
	}
	if err := config.SaveConfig(cfg, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg, true)
	keys := openKeystore(cfg, log)
	defer keys.Close()

	id := openIdentity(cfg, keys, log)
	defer id.Close()

	pub := id.PublicKey()
	fmt.Println("adaptd initialized!")
	fmt.Println()
	fmt.Printf("  Data directory: %s\n", cfg.DataDir)
	fmt.Printf("  Config:         %s\n", *configPath)
	fmt.Printf("  Keystore:       %s\n", keys.ProviderName())
	fmt.Printf("  Device ID:      %s\n", id.DeviceID())
	fmt.Printf("  Public key:     %s...\n", hex.EncodeToString(pub[:8]))
	fmt.Println()
	if cfg.Conditions.OptIn {
		fmt.Println("Federated training: OPTED IN")
	} else {
		fmt.Println("Federated training: opted out (set conditions.opt_in = true to join)")
	}
	if cfg.Federated.ServerURL == "" {
		fmt.Println("No aggregation server configured (set federated.server_url).")
	}
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review the config file")
	fmt.Println("  2. Start the daemon with 'adaptd run'")
	fmt.Println("  3. Check learned preferences with 'adaptd prefs'")
}

// ====== status ======

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", config.ConfigPath(), "Config file path")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	log := newLogger(cfg, true)

	fmt.Println("=== adaptd Status ===")
	fmt.Println()
	fmt.Printf("Version:        %s\n", Version)
	fmt.Printf("Data directory: %s\n", cfg.DataDir)

	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		fmt.Println()
		fmt.Println("Not initialized. Run 'adaptd init' first.")
		return
	}

	keys := openKeystore(cfg, log)
	defer keys.Close()
	fmt.Printf("Keystore:       %s\n", keys.ProviderName())

	id := openIdentity(cfg, keys, log)
	defer id.Close()
	fmt.Printf("Device ID:      %s\n", id.DeviceID())
	fmt.Printf("Round:          %d\n", id.Round())

	store := openEventLog(cfg, keys, log, nil, true)
	defer store.Close()
	fmt.Printf("Events logged:  %d", store.Count())
	if store.Degraded() {
		fmt.Print("  (degraded: ephemeral keys, log will not survive restart)")
	}
	fmt.Println()

	hist := openHistory(cfg)
	defer hist.Close()
	if stats, err := hist.Stats(); err == nil {
		fmt.Printf("Rounds:         %d total, %d succeeded, %d failed\n",
			stats.Total, stats.Successes, stats.Failures)
		if !stats.LastSuccess.IsZero() {
			fmt.Printf("Last success:   %s\n", stats.LastSuccess.Local().Format(time.RFC3339))
		}
	}

	fmt.Println()
	if cfg.Conditions.OptIn {
		fmt.Println("Training consent: granted")
	} else {
		fmt.Println("Training consent: NOT granted (no training will run)")
	}
	if cfg.Federated.ServerURL != "" {
		fmt.Printf("Server:           %s\n", cfg.Federated.ServerURL)
	} else {
		fmt.Println("Server:           (not configured)")
	}

	printDeviceConditions(log)
}

// printDeviceConditions shows live battery and network state when the
// platform monitors are reachable.
func printDeviceConditions(log *logging.Logger) {
	power, network, err := device.System(log)
	if err != nil {
		fmt.Printf("Device state:     unavailable (%v)\n", err)
		return
	}
	defer power.Close()
	defer network.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if batt, err := power.Status(ctx); err == nil {
		state := "discharging"
		if batt.Charging {
			state = "charging"
		}
		fmt.Printf("Battery:          %.0f%% (%s)\n", batt.Level*100, state)
	} else {
		fmt.Printf("Battery:          unavailable (%v)\n", err)
	}

	net := network.Current()
	switch {
	case !net.Connected:
		fmt.Println("Network:          disconnected")
	case net.Metered:
		fmt.Printf("Network:          %s (metered)\n", net.Kind)
	default:
		fmt.Printf("Network:          %s (unmetered)\n", net.Kind)
	}
}

// ====== prefs ======

func cmdPrefs() {
	fs := flag.NewFlagSet("prefs", flag.ExitOnError)
	configPath := fs.String("config", config.ConfigPath(), "Config file path")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	log := newLogger(cfg, true)

	keys := openKeystore(cfg, log)
	defer keys.Close()
	store := openEventLog(cfg, keys, log, nil, true)
	defer store.Close()

	engine := preference.New(store, log)
	prefs := engine.All()

	if len(prefs) == 0 {
		fmt.Println("No tool preferences learned yet.")
		fmt.Printf("Events logged: %d\n", store.Count())
		return
	}

	tools := make([]preference.ToolPreference, 0, len(prefs))
	for _, p := range prefs {
		tools = append(tools, p)
	}
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].Score != tools[j].Score {
			return tools[i].Score > tools[j].Score
		}
		return tools[i].Tool < tools[j].Tool
	})

	fmt.Println("=== Tool Preferences ===")
	fmt.Println()
	for _, p := range tools {
		fmt.Printf("  %-20s score %.2f  acceptance %3.0f%%  (%d accepted, %d rejected, %d uses)\n",
			p.Tool, p.Score, p.AcceptanceRate*100, p.Accepted, p.Rejected, p.Uses)
	}

	quiet := engine.QuietHours()
	fmt.Println()
	if len(quiet) == 0 {
		fmt.Println("Quiet hours: none detected")
		return
	}
	fmt.Print("Quiet hours (UTC): ")
	for i, q := range quiet {
		if i > 0 {
			fmt.Print(", ")
		}
		fmt.Printf("%02d:00-%02d:00", q.Hour, (q.Hour+1)%24)
	}
	fmt.Println()
}

// ====== events ======

func cmdEvents() {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	configPath := fs.String("config", config.ConfigPath(), "Config file path")
	n := fs.Int("n", 20, "Number of recent events to show")
	clearLog := fs.Bool("clear", false, "Clear the event log")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	log := newLogger(cfg, true)

	keys := openKeystore(cfg, log)
	defer keys.Close()
	store := openEventLog(cfg, keys, log, nil, !*clearLog)
	defer store.Close()

	if *clearLog {
		count := store.Count()
		if err := store.Clear(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing event log: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Event log cleared (%d events removed).\n", count)
		return
	}

	events := store.Events()
	fmt.Printf("Event log: %d events\n", len(events))
	if len(events) == 0 {
		return
	}

	show := events
	if *n > 0 && len(show) > *n {
		show = show[len(show)-*n:]
	}
	fmt.Println()
	for _, e := range show {
		fmt.Printf("  %s  %s\n", e.Time().Local().Format("2006-01-02 15:04:05"), describeEvent(e))
	}
	if len(show) < len(events) {
		fmt.Printf("\n(showing last %d; use -n to change)\n", len(show))
	}
}

// describeEvent renders one log line per event. Free-text payloads are
// never printed.
func describeEvent(e event.Event) string {
	switch v := e.(type) {
	case event.Message:
		return fmt.Sprintf("message (%s)", v.Role)
	case event.SuggestionAccepted:
		return "suggestion accepted: " + v.Tool
	case event.SuggestionRejected:
		return "suggestion rejected: " + v.Tool
	case event.TextEdited:
		return "text edited"
	case event.PhotoEdited:
		return "photo edited: " + v.AssetID
	case event.VideoEdited:
		return "video edited: " + v.AssetID
	case event.ToolExecuted:
		if v.Success {
			return "tool executed: " + v.Tool
		}
		return "tool failed: " + v.Tool
	case event.QuerySubmitted:
		return "query submitted"
	case event.LocationAccessed:
		return "location accessed"
	case event.MotionDetected:
		return "motion: " + v.State
	default:
		return string(e.Kind())
	}
}
