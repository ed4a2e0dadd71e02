// Command device-test is a manual testing tool for the D-Bus device monitors.
//
// It connects to UPower and NetworkManager over the system bus, prints the
// current battery and network state every second, and reports pushed network
// changes as they arrive, until interrupted with Ctrl+C.
//
// Usage:
//
//	go build -o device-test ./tools/device-test
//	./device-test
//
// Requirements:
//   - Linux with a system D-Bus
//   - UPower and NetworkManager running
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adaptd/internal/device"
)

func main() {
	fmt.Println("Device Monitor Test")
	fmt.Println("===================")
	fmt.Println()

	fmt.Print("Connecting to system bus... ")
	power, network, err := device.System(nil)
	if err != nil {
		fmt.Println("FAILED")
		fmt.Println()
		fmt.Printf("Could not reach the device monitors: %v\n", err)
		fmt.Println()
		fmt.Println("This tool needs a Linux system D-Bus with UPower and")
		fmt.Println("NetworkManager. On other platforms adaptd falls back to")
		fmt.Println("static providers, which this tool does not exercise.")
		os.Exit(1)
	}
	fmt.Println("OK")
	defer power.Close()
	defer network.Close()

	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	changes := network.Subscribe()

	printState(power, network)
	for {
		select {
		case <-sigChan:
			fmt.Println()
			fmt.Println("Stopped.")
			return
		case st := <-changes:
			fmt.Printf("  network change: %s\n", describe(st))
		case <-ticker.C:
			printState(power, network)
		}
	}
}

func printState(power device.PowerSource, network device.NetworkMonitor) {
	ctx, cancel := context.WithTimeout(context.Background(), 900*time.Millisecond)
	defer cancel()

	batt, err := power.Status(ctx)
	if err != nil {
		fmt.Printf("battery: error (%v)  ", err)
	} else {
		state := "discharging"
		if batt.Charging {
			state = "charging"
		}
		fmt.Printf("battery: %3.0f%% %-11s  ", batt.Level*100, state)
	}

	st := network.Current()
	fmt.Printf("network: %s  preferred=%v\n", describe(st), st.Preferred())
}

func describe(st device.NetworkState) string {
	if !st.Connected {
		return "disconnected"
	}
	if st.Metered {
		return fmt.Sprintf("%s (metered)", st.Kind)
	}
	return fmt.Sprintf("%s (unmetered)", st.Kind)
}
