package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lexiqai/talk-gateway/internal/assets"
	"github.com/lexiqai/talk-gateway/internal/config"
	"github.com/lexiqai/talk-gateway/internal/gateway"
	"github.com/lexiqai/talk-gateway/internal/observability"
	"github.com/lexiqai/talk-gateway/internal/protocol"
	"github.com/lexiqai/talk-gateway/internal/registry"
	"github.com/lexiqai/talk-gateway/internal/resilience"
	"github.com/lexiqai/talk-gateway/internal/talk"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("viewer_port", cfg.ViewerPort).
		Str("asset_dir", cfg.AssetDir).
		Int("fetch_timeout_s", cfg.FetchTimeout).
		Int("max_asset_files", cfg.MaxAssetFiles).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Talk Gateway Service starting")

	shutdownTracing, err := observability.InitTracing(context.Background(), cfg.TracingEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize tracing")
	}
	if cfg.TracingEndpoint != "" {
		logger.Info().Str("endpoint", cfg.TracingEndpoint).Msg("OTLP trace export enabled")
	}

	store, err := assets.NewStore(cfg.AssetDir, cfg.AssetBaseDir, cfg.MaxAssetFiles, observability.ForComponent("store"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open asset store")
	}

	greeting, err := protocol.EncodeStatus(protocol.ConnectedAck)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to encode viewer greeting")
	}
	viewers := registry.New(registry.Options{
		Greeting:   greeting,
		SendBuffer: cfg.ViewerSendBuffer,
		Logger:     observability.ForComponent("registry"),
	})

	fetcher := assets.NewFetcher(store, assets.FetcherOptions{
		Timeout: cfg.FetchTimeoutDuration(),
		Breakers: resilience.NewBreakerSet(
			"fetch",
			cfg.CircuitBreakerMaxFailures,
			cfg.CircuitBreakerResetDuration(),
		),
	}, observability.ForComponent("fetcher"))

	tracker, err := talk.NewTracker(cfg.TalkHistorySize)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create talk tracker")
	}
	service := talk.NewService(fetcher, store, viewers, observability.ForComponent("talk"))

	control := gateway.NewControlServer(gateway.ControlOptions{
		TalkPath:       cfg.TalkPath,
		AssetRoute:     cfg.AssetRoute,
		AssetDir:       store.Dir(),
		AllowOrigins:   cfg.CORSAllowedOrigins,
		MetricsEnabled: cfg.MetricsEnabled,
		ReadinessChecks: map[string]observability.HealthCheckFunc{
			"asset_dir": store.CheckWritable,
			"registry": func(ctx context.Context) (bool, error) {
				if !viewers.Running() {
					return false, errors.New("registry stopped")
				}
				return true, nil
			},
		},
	}, service, tracker, observability.ForComponent("control"))

	// The control response waits for the fetch, so the write timeout has
	// to leave room for it
	controlServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      control.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.FetchTimeoutDuration() + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	viewerServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ViewerPort),
		Handler:           gateway.NewViewerMux(cfg.ViewerPath, gateway.NewViewerHandler(viewers, observability.ForComponent("viewer"))),
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("http://localhost:%s%s", cfg.Port, cfg.TalkPath)).
			Msg("Control plane listening")
		if err := controlServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Control server failed to start")
		}
	}()

	go func() {
		logger.Info().
			Str("port", cfg.ViewerPort).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s%s", cfg.ViewerPort, cfg.ViewerPath)).
			Msg("Viewer endpoint listening")
		if err := viewerServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Viewer server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the servers
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down servers...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := controlServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Control server forced to shutdown")
	}
	// Hijacked viewer connections are not tracked by Shutdown; the registry
	// closes them below
	if err := viewerServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Viewer server forced to shutdown")
	}
	viewers.Stop()

	if err := shutdownTracing(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to flush traces")
	}

	logger.Info().Msg("Server exited gracefully")
}
