// Package main is the entry point for the pantosmime milter.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pantosmime/pantosmime/internal/certstore"
	"github.com/pantosmime/pantosmime/internal/config"
	"github.com/pantosmime/pantosmime/internal/milter"
	"github.com/pantosmime/pantosmime/internal/session"
	"github.com/pantosmime/pantosmime/internal/smime"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	// Open the certificate store
	store, err := certstore.Open(cfg.Certificates.Directory, slog.Default())
	if err != nil {
		slog.Error("failed to open certificate store", "error", err)
		os.Exit(1)
	}

	policy, err := session.ParsePolicy(cfg.Encryption.OnMissingCertificate)
	if err != nil {
		slog.Error("invalid missing-certificate policy", "error", err)
		os.Exit(1)
	}

	server := milter.New(milter.ServerConfig{
		Network:     cfg.Milter.ListenNetwork,
		Address:     cfg.Milter.ListenAddress,
		IdleTimeout: time.Duration(cfg.Milter.IdleTimeout) * time.Second,
		Session: session.Config{
			Forced:             cfg.Encryption.Forced,
			MaxMessageSize:     cfg.Milter.MaxMessageSize,
			MissingCertificate: policy,
		},
		Store:     store,
		Harvester: smime.NewHarvester(store, slog.Default()),
		Logger:    slog.Default(),
	})

	slog.Info("starting pantosmime",
		"listen_network", cfg.Milter.ListenNetwork,
		"listen_address", cfg.Milter.ListenAddress,
		"cert_directory", cfg.Certificates.Directory,
		"known_certificates", store.Len(),
		"forced_addresses", len(cfg.Encryption.Forced),
		"on_missing_certificate", cfg.Encryption.OnMissingCertificate,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Start the server (blocks until context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("pantosmime stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
