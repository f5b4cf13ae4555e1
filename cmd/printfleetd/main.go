package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xnekj/printfleet"
	"github.com/xnekj/printfleet/internal/logging"
)

func main() {
	var (
		snapshot = flag.String("config", "", "Path of the fleet snapshot file (default printers_config.json)")
		verbose  = flag.Bool("v", false, "Verbose output")
		stats    = flag.Duration("stats", 0, "Interval for logging fleet metrics (0 disables)")
	)
	flag.Parse()

	// Set up logging
	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	metrics := printfleet.NewMetrics()

	fleet := printfleet.New(&printfleet.Options{
		SnapshotPath: *snapshot,
		Logger:       logger,
		Observer:     printfleet.NewMetricsObserver(metrics),
	})

	ports, err := fleet.ListSerialPorts()
	if err != nil {
		logger.Error("listing serial ports failed", "error", err)
		os.Exit(1)
	}
	if len(ports) == 0 {
		logger.Info("no serial devices found")
	}
	for _, p := range ports {
		fmt.Printf("Serial device: %s\n", p.Description)
	}

	for _, ps := range fleet.ListAllPrinters() {
		fmt.Printf("Printer %s on %s at %d baud: %s\n", ps.Name, ps.Port, ps.Baud, ps.Status)
	}

	if *stats > 0 {
		go func() {
			ticker := time.NewTicker(*stats)
			defer ticker.Stop()
			for range ticker.C {
				snap := metrics.Snapshot()
				logger.Info("fleet metrics",
					"commands", snap.CommandsSent,
					"polls", snap.Polls,
					"uploads", snap.Uploads,
					"upload_errors", snap.UploadErrors,
					"cancels", snap.Cancels,
					"disconnects", snap.Disconnects)
			}
		}()
	}

	fmt.Printf("Fleet manager running with %d printer(s). Press Ctrl+C to stop.\n",
		len(fleet.PrinterNames()))

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Close with a timeout so a wedged monitor join cannot hold the
	// process hostage.
	done := make(chan struct{})
	go func() {
		fleet.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("fleet stopped, snapshot saved")
	case <-time.After(30 * time.Second):
		logger.Info("shutdown timeout, forcing exit")
	}

	os.Exit(0)
}
