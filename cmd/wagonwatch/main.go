// Package main runs the wagon camera ingestion service: it starts every
// configured camera, serves the HTTP API and records camera history.
package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Spatial-NVR/WagonWatch/internal/api"
	"github.com/Spatial-NVR/WagonWatch/internal/camera"
	"github.com/Spatial-NVR/WagonWatch/internal/config"
	"github.com/Spatial-NVR/WagonWatch/internal/database"
	"github.com/Spatial-NVR/WagonWatch/internal/eventbus"
	"github.com/Spatial-NVR/WagonWatch/internal/history"
	"github.com/Spatial-NVR/WagonWatch/internal/logging"
	"github.com/Spatial-NVR/WagonWatch/internal/video/cvcapture"
)

const (
	defaultConfigPath = "config/cameras.yaml"
	statsInterval     = 2 * time.Second
	pruneInterval     = 6 * time.Hour
	shutdownTimeout   = 30 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to load .env", "error", err)
	}

	configPath := getEnv("WAGONWATCH_CONFIG", defaultConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}
	if level := os.Getenv("WAGONWATCH_LOG_LEVEL"); level != "" {
		cfg.System.Logging.Level = level
	}

	logger, err := logging.Setup(cfg.System.Logging)
	if err != nil {
		slog.Error("Failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer logger.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		logger.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting wagon camera service",
		"name", cfg.System.Name,
		"config", cfg.GetPath(),
		"cameras", len(cfg.CameraList()),
	)

	dbCfg := database.DefaultConfig(filepath.Dir(cfg.System.Database.Path))
	dbCfg.Path = cfg.System.Database.Path
	db, err := database.OpenAndMigrate(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()
	store := database.NewEventStore(db)

	recorder := history.NewRecorder(store, logger.Logger)
	recorder.Start(ctx)
	defer recorder.Stop()

	hub := api.NewHub(logger.Logger)
	notifiers := camera.Notifiers{hub}
	checks := map[string]api.HealthCheck{"database": db.Health}

	if cfg.System.Events.Enabled {
		bus, err := eventbus.New(eventbus.Config{Host: cfg.System.Events.Host, Port: cfg.System.Events.Port}, logger.Logger)
		if err != nil {
			return err
		}
		defer bus.Stop()

		if err := recorder.Subscribe(bus); err != nil {
			return err
		}
		notifiers = append(notifiers, bus)
		checks["event_bus"] = bus.HealthCheck
	} else {
		notifiers = append(notifiers, recorder)
	}

	opts := []camera.Option{
		camera.WithNotifier(notifiers),
		camera.WithLogger(logger.Logger),
	}
	if stream := cfg.Stream(); stream.Backend != cvcapture.BackendMJPEG {
		opts = append(opts, camera.WithOpener(cvcapture.NewOpener(stream.Backend, stream.Timeout())))
	}

	registry, err := camera.NewRegistry(cfg, opts...)
	if err != nil {
		return err
	}
	defer registry.StopAll()

	if err := registry.StartAll(ctx); err != nil {
		if startErr, ok := camera.IsStartError(err); ok {
			logger.Warn("Some cameras failed to start", "failed", startErr.IDs(), "configured", startErr.Total)
		} else {
			return err
		}
	}

	go hub.Run(ctx)
	go hub.PublishStats(ctx, statsInterval, registry.Stats)
	go registry.Monitor(ctx, camera.DefaultHealthInterval, camera.DefaultMaxStaleness)
	go pruneHistory(ctx, store, time.Duration(cfg.System.Database.RetentionDays)*24*time.Hour, logger.Logger)

	cfg.OnChange(func(c *config.Config) {
		res := registry.Reconcile(ctx, c.CameraList())
		for id, err := range res.Failed {
			logger.Error("Camera failed after config change", "camera", id, "error", err)
		}
	})
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := cfg.Watch(stopWatch); err != nil {
		logger.Warn("Config hot reload disabled", "error", err)
	}

	server := api.NewServer(registry, api.Options{
		Events:       store,
		Logs:         logger.Buffer,
		Hub:          hub,
		HealthChecks: checks,
		Logger:       logger.Logger,
	})

	// no write timeout: live view, log stream and websocket responses are long-lived
	httpServer := &http.Server{
		Addr:              cfg.System.API.Address,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Server stopped")
	return nil
}

// pruneHistory deletes history older than retention, once at startup and
// then every pruneInterval
func pruneHistory(ctx context.Context, store *database.EventStore, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		n, err := store.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Error("Failed to prune history", "error", err)
		} else if n > 0 {
			logger.Info("Pruned history", "rows", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
