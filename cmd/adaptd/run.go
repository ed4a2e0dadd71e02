package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"adaptd/internal/config"
	"adaptd/internal/fedclient"
	"adaptd/internal/logging"
	"adaptd/internal/metrics"
	"adaptd/internal/preference"
	"adaptd/internal/proof"
	"adaptd/internal/trainer"
)

// cmdRun starts the long-running daemon: the encrypted event log with its
// background flusher, device condition monitors, the optional metrics
// endpoint, and automatic federated round scheduling when a server is
// configured and the user has opted in.
func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", config.ConfigPath(), "Config file path")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directories: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg, false)
	defer log.Close()

	m := metrics.New()

	keys := openKeystore(cfg, log)
	defer keys.Close()

	store := openEventLog(cfg, keys, log, m, false)
	defer store.Close()

	id := openIdentity(cfg, keys, log)
	defer id.Close()

	hist := openHistory(cfg)
	defer hist.Close()

	prefs := preference.New(store, log)

	power, network := openDeviceMonitors(cfg, log)
	defer power.Close()
	defer network.Close()

	// Consent can be flipped at runtime through a config reload; the
	// scheduler reads this flag on every tick.
	var optIn atomic.Bool
	optIn.Store(cfg.Conditions.OptIn)

	var client *fedclient.Client
	if cfg.Federated.ServerURL != "" {
		var err error
		client, err = fedclient.New(fedclient.Config{
			BaseURL: cfg.Federated.ServerURL,
			HTTPClient: &http.Client{
				Timeout: time.Duration(cfg.Federated.UploadTimeoutSec) * time.Second,
			},
			MinBattery:   cfg.Conditions.MinBatteryLevel,
			RoundTimeout: time.Duration(cfg.Federated.RoundTimeoutSec) * time.Second,
		}, fedclient.Deps{
			Store:   store,
			Prefs:   prefs,
			Trainer: trainer.NewStatsTrainer(trainer.WithLatency(time.Duration(cfg.Trainer.LatencyMs) * time.Millisecond)),
			Proof: proof.NewStubEngine(
				proof.WithGenerateLatency(time.Duration(cfg.Proof.GenerateLatencyMs)*time.Millisecond),
				proof.WithVerifyLatency(time.Duration(cfg.Proof.VerifyLatencyMs)*time.Millisecond),
			),
			Power:    power,
			Network:  network,
			Identity: id,
			History:  hist,
			Metrics:  m,
			Logger:   log,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building federated client: %v\n", err)
			os.Exit(1)
		}
		defer client.Close()

		// Keep the status channel drained so round updates are never
		// counted as dropped. The client logs each transition itself.
		go func() {
			for range client.Updates() {
			}
		}()
	} else {
		log.Info("no aggregation server configured, federated training disabled")
	}

	metricsSrv := startMetricsServer(cfg, m, log)
	if metricsSrv != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			metricsSrv.Shutdown(ctx)
		}()
	}

	loader, cfgErrs := watchConfig(*configPath, &optIn, log)
	if loader != nil {
		defer loader.Close()
	}

	var tick <-chan time.Time
	if client != nil && cfg.Federated.AutoIntervalSec > 0 {
		interval := time.Duration(cfg.Federated.AutoIntervalSec) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
		log.Info("automatic round scheduling enabled", "interval", interval.String())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info("adaptd running",
		"version", Version,
		"data_dir", cfg.DataDir,
		"device_id", id.DeviceID(),
		"round", id.Round(),
		"events", store.Count(),
		"keystore", keys.ProviderName(),
	)

	for {
		select {
		case sig := <-sigChan:
			log.Info("shutting down", "signal", sig.String())
			return
		case <-tick:
			scheduleRound(client, &optIn, log)
		case err := <-cfgErrs:
			log.Warn("config reload failed", "error", err)
		}
	}
}

// scheduleRound makes one automatic scheduling attempt. Gate refusals
// are routine, so they log at debug level only.
func scheduleRound(client *fedclient.Client, optIn *atomic.Bool, log *logging.Logger) {
	if !optIn.Load() {
		log.Debug("skipping scheduled round, training consent not given")
		return
	}

	err := client.Schedule(context.Background())
	var insufficient *fedclient.InsufficientDataError
	var unmet *fedclient.ConditionsNotMetError
	switch {
	case err == nil:
		log.Info("training round scheduled")
	case errors.Is(err, fedclient.ErrRoundInProgress):
		log.Debug("round already in progress")
	case errors.As(err, &insufficient), errors.As(err, &unmet):
		log.Debug("round not scheduled", "reason", err.Error())
	default:
		log.Warn("schedule round", "error", err)
	}
}

// startMetricsServer serves the Prometheus endpoint when enabled.
func startMetricsServer(cfg *config.Config, m *metrics.Metrics, log *logging.Logger) *http.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}

	go func() {
		log.Info("metrics endpoint listening", "addr", cfg.Metrics.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics endpoint failed", "error", err)
		}
	}()
	return srv
}

// watchConfig hot-reloads the config file. Only the opt-in flag takes
// effect without a restart; other changes are picked up next start.
func watchConfig(path string, optIn *atomic.Bool, log *logging.Logger) (*config.Loader, <-chan error) {
	loader := config.NewLoader(path)
	if _, err := loader.Load(); err != nil {
		log.Warn("config watcher disabled", "error", err)
		return nil, nil
	}

	loader.OnChange(func(cfg *config.Config) {
		was := optIn.Swap(cfg.Conditions.OptIn)
		if was != cfg.Conditions.OptIn {
			log.Info("training consent changed", "opt_in", cfg.Conditions.OptIn)
		} else {
			log.Info("configuration reloaded")
		}
	})

	if err := loader.Watch(); err != nil {
		log.Warn("config watcher disabled", "error", err)
		loader.Close()
		return nil, nil
	}
	return loader, loader.Errors()
}
