// Command datafoldd runs the schema registry and field-resolution engine as
// an HTTP service. The cobra command itself is the smallest possible
// wrapper around config.LoadConfig and engine startup; nearly all of the
// wiring below mirrors the teacher's cmd/spoke/main.go construction order
// (load config, init logger, init OTel, init storage/engine, init health
// checker, register routes, start servers, wait for shutdown).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/datafold/internal/config"
	"github.com/platinummonkey/datafold/internal/engine"
	"github.com/platinummonkey/datafold/internal/extapi"
	"github.com/platinummonkey/datafold/internal/observability"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "datafoldd",
		Short:         "Run the datafold schema registry and field-resolution engine",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run()
		},
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting datafold engine")

	ctx := context.Background()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize OpenTelemetry")
	}

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	go func() {
		if err := eng.Watch(ctx); err != nil {
			logger.WithError(err).Error("Schema directory watcher stopped")
		}
	}()

	healthChecker := observability.NewHealthChecker(eng.DB(), eng.Redis())

	var handler http.Handler = extapi.NewRouter(eng)
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "datafoldd-api",
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		)
		logger.Info("OpenTelemetry HTTP instrumentation enabled")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, healthChecker)

	healthServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.HealthPort),
		Handler:      healthMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infof("Starting health server on port %s", cfg.Server.HealthPort)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	shutdownManager := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)

	shutdownManager.RegisterShutdownFunc("health-server", func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})

	shutdownManager.RegisterShutdownFunc("engine", func(_ context.Context) error {
		return eng.Shutdown()
	})

	if otelProviders != nil {
		shutdownManager.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}

	go func() {
		logger.Infof("Starting datafold API server on %s:%s", cfg.Server.Host, cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
			os.Exit(1)
		}
	}()

	logger.Info("Server started successfully, waiting for shutdown signal")
	if err := shutdownManager.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
		return err
	}

	logger.Info("Server shutdown complete")
	return nil
}
