package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"adaptd/internal/config"
	"adaptd/internal/fedclient"
	"adaptd/internal/preference"
	"adaptd/internal/proof"
	"adaptd/internal/trainer"
)

// cmdTrain runs a single federated training round and blocks until it
// finishes. -force skips the device condition gates (battery, charging,
// network); consent is still required, force or not.
func cmdTrain() {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	configPath := fs.String("config", config.ConfigPath(), "Config file path")
	server := fs.String("server", "", "Aggregation server base URL (overrides config)")
	force := fs.Bool("force", false, "Skip device condition checks")
	wait := fs.Bool("wait", true, "Stream round progress (false prints only the result)")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	if *server != "" {
		cfg.Federated.ServerURL = *server
	}

	if !cfg.Conditions.OptIn {
		fmt.Fprintln(os.Stderr, "Training consent not given.")
		fmt.Fprintln(os.Stderr, "Set conditions.opt_in = true in the config or run with ADAPTD_OPT_IN=true.")
		os.Exit(1)
	}
	if cfg.Federated.ServerURL == "" {
		fmt.Fprintln(os.Stderr, "No aggregation server configured (set federated.server_url or pass -server).")
		os.Exit(1)
	}

	log := newLogger(cfg, true)
	defer log.Close()

	keys := openKeystore(cfg, log)
	defer keys.Close()

	store := openEventLog(cfg, keys, log, nil, false)
	defer store.Close()

	id := openIdentity(cfg, keys, log)
	defer id.Close()

	hist := openHistory(cfg)
	defer hist.Close()

	prefs := preference.New(store, log)

	power, network := openDeviceMonitors(cfg, log)
	defer power.Close()
	defer network.Close()

	client, err := fedclient.New(fedclient.Config{
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
		Logger:   log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building federated client: %v\n", err)
		os.Exit(1)
	}

	// roundErr is read only after done is closed.
	var roundErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		for u := range client.Updates() {
			if u.Err != nil {
				roundErr = u.Err
				continue
			}
			if *wait && u.State != fedclient.StateIdle {
				fmt.Printf("  %s\n", u.Message)
			}
		}
	}()

	fmt.Printf("Starting training round %d...\n", id.Round())

	if *force {
		err = client.ForceStart(context.Background())
	} else {
		err = client.Schedule(context.Background())
	}
	if err != nil {
		client.Close()
		<-done

		var insufficient *fedclient.InsufficientDataError
		var unmet *fedclient.ConditionsNotMetError
		switch {
		case errors.As(err, &insufficient):
			fmt.Fprintf(os.Stderr, "Not enough training data: %d events logged, %d required.\n",
				insufficient.Have, insufficient.Need)
		case errors.As(err, &unmet):
			fmt.Fprintln(os.Stderr, "Training conditions not met:")
			for _, reason := range unmet.Unmet {
				fmt.Fprintf(os.Stderr, "  - %s\n", reason)
			}
			fmt.Fprintln(os.Stderr, "Use 'adaptd train -force' to override device conditions.")
		default:
			fmt.Fprintf(os.Stderr, "Error starting round: %v\n", err)
		}
		os.Exit(1)
	}

	client.Wait()
	client.Close()
	<-done

	if roundErr != nil {
		// Flush the round outcome event before the hard exit.
		store.Close()
		fmt.Fprintf(os.Stderr, "Training round failed: %v\n", roundErr)
		os.Exit(1)
	}

	fmt.Printf("Training round complete. Now at round %d.\n", id.Round())
}
