package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/e7canasta/duoscope/internal/camera"
	"github.com/e7canasta/duoscope/internal/core"
)

const (
	defaultConfigPath = "config/duoscope.yaml"
	probeMaxDevices   = 10
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	listCameras := flag.Bool("list-cameras", false, "Probe capture devices and exit")
	flag.Parse()

	// Setup structured logger
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if *listCameras {
		for _, info := range camera.Probe(probeMaxDevices) {
			fmt.Printf("device %d: %dx%d\n", info.ID, info.Width, info.Height)
		}
		return
	}

	slog.Info("starting duoscope service",
		"config", *configPath,
		"debug", *debug,
	)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	viewer, err := core.NewViewer(*configPath)
	if err != nil {
		slog.Error("failed to create duoscope service", "error", err)
		os.Exit(1)
	}

	// Start health check HTTP server (non-blocking)
	if addr := viewer.HealthAddr(); addr != "" {
		if err := viewer.StartHealthServer(addr); err != nil {
			slog.Error("failed to start health check server", "error", err)
			os.Exit(1)
		}
	}

	// Run service in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- viewer.Run(ctx) // Always send, even if nil
	}()

	// Wait for shutdown signal or error
	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("service error", "error", runErr)
		} else {
			slog.Info("service stopped (via MQTT shutdown command)")
		}
	}

	// Graceful shutdown
	shutdownTimeout := viewer.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := viewer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}

	if runErr != nil {
		os.Exit(1)
	}
	slog.Info("duoscope service stopped successfully")
}
