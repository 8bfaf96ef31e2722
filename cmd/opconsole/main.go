// Command opconsole runs the pick-and-place operator console backend: the
// camera source manager, frame pump, calibration state machine, and status
// sink, exposed over HTTP and the embedded message bus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pickpoint/opconsole/internal/actuator"
	"github.com/pickpoint/opconsole/internal/api"
	"github.com/pickpoint/opconsole/internal/bus"
	"github.com/pickpoint/opconsole/internal/calibration"
	"github.com/pickpoint/opconsole/internal/camera"
	"github.com/pickpoint/opconsole/internal/config"
	"github.com/pickpoint/opconsole/internal/coordinator"
	"github.com/pickpoint/opconsole/internal/database"
	"github.com/pickpoint/opconsole/internal/frame"
	"github.com/pickpoint/opconsole/internal/logging"
)

const defaultDataPath = "/data"

func main() {
	dataPath := getEnv("DATA_PATH", defaultDataPath)
	configPath := getEnv("CONFIG_PATH", filepath.Join(dataPath, "config.yaml"))

	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data directory: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		// First run: write the defaults so the operator has a file to edit.
		cfg = config.Default()
		cfg.SetPath(configPath)
		if err := cfg.Save(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write default config: %v\n", err)
			os.Exit(1)
		}
	}
	if cfg.Storage.DataPath == "" {
		cfg.Storage.DataPath = dataPath
	}

	// Every component log line also lands in the status sink, which is what
	// the console's log panel displays.
	sink := logging.NewSink(cfg.Logging.BufferLines)
	logger := slog.New(logging.NewSinkHandler(sink, os.Stdout, parseLevel(cfg.Logging.Level)))
	slog.SetDefault(logger)

	slog.Info("Starting operator console",
		"config_path", configPath,
		"data_path", cfg.Storage.DataPath,
		"api_port", cfg.Server.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(database.DefaultConfig(cfg.Storage.DataPath))
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.NewMigrator(db).Run(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	// The console keeps working without the bus; remote frontends just
	// cannot connect.
	var messageBus *bus.Bus
	if mb, err := bus.Start(cfg.Bus); err != nil {
		slog.Warn("Message bus unavailable, running standalone", "error", err)
	} else {
		messageBus = mb
		defer messageBus.Stop()
	}

	cameras := camera.NewManager(cfg, db, nil)
	pump := frame.NewPump(cfg, cameras)
	mover := actuator.NewClient(actuator.ClientConfig{
		URL:     cfg.Actuator.URL,
		Timeout: time.Duration(cfg.Actuator.TimeoutSeconds) * time.Second,
	})
	detector := calibration.NewDetector(cfg.Detection)
	repo := calibration.NewRepository(db)
	session := calibration.NewSession(cfg, cameras, mover, detector, repo)

	coord := coordinator.New(cameras, pump, session, sink, messageBus)
	if err := coord.Start(); err != nil {
		slog.Error("Failed to start coordinator", "error", err)
		os.Exit(1)
	}
	defer coord.Stop()

	apiServer := api.NewServer(cfg, coord, repo, sink)
	apiServer.Start()
	defer apiServer.Stop()

	if err := cfg.Watch(); err != nil {
		slog.Warn("Config hot reload unavailable", "error", err)
	}
	cfg.OnChange(func(c *config.Config) {
		slog.Info("Configuration reloaded", "path", configPath)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Router(cfg.Server),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("Server starting", "address", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	slog.Info("Shutting down console...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	// Abort any in-flight calibration, then release the camera handles.
	session.Reset()
	cameras.Shutdown(shutdownCtx)
	sink.Close()

	slog.Info("Console stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
