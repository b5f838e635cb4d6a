// Try-On Inference Proxy: main entry point
//
// Configuration is read once at startup from defaults, an optional YAML file
// and the environment (see pkg/config). The most common variables:
//
//	CONFIG_FILE           optional YAML configuration file
//	HTTP_PORT             HTTP API port (default: 8001)
//	GRPC_PORT             gRPC server port, empty disables (default: 50051)
//	METRICS_PORT          Prometheus metrics HTTP port (default: 9090)
//	BACKEND_URL           account backend base URL (default: http://localhost:8000)
//	AI_PROVIDER           openai or gemini (default: openai)
//	OPENAI_API_KEYS       comma-separated OpenAI API keys
//	GOOGLE_API_KEY        Gemini API key
//	THROTTLE_RPM          requests per identity per window (default: 10)
//	THROTTLE_BACKEND      memory or redis (default: memory)
//	REDIS_ADDR            Redis address for the redis throttle backend
//	MEDIA_ROOT            directory for generated images (default: media)
//	LOG_LEVEL             debug, info, warn or error (default: info)
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/abdhe/tryon-inference-proxy/pkg/backend"
	"github.com/abdhe/tryon-inference-proxy/pkg/config"
	"github.com/abdhe/tryon-inference-proxy/pkg/logging"
	"github.com/abdhe/tryon-inference-proxy/pkg/metrics"
	"github.com/abdhe/tryon-inference-proxy/pkg/pipeline"
	"github.com/abdhe/tryon-inference-proxy/pkg/provider"
	"github.com/abdhe/tryon-inference-proxy/pkg/proxy"
	"github.com/abdhe/tryon-inference-proxy/pkg/resilience"
	"github.com/abdhe/tryon-inference-proxy/pkg/storage"
	"github.com/abdhe/tryon-inference-proxy/pkg/throttle"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tryon-inference-proxy: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// -------------------------------------------------------------------------
	// Configuration and logging
	// -------------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	inferenceLog, closer, err := logging.NewInferenceLogger(logger, cfg.Log)
	if err != nil {
		return fmt.Errorf("logging: inference log: %w", err)
	}
	defer closer.Close()

	logger.Info("Starting Try-On Inference Proxy...",
		zap.String("service", cfg.Service.Name),
		zap.String("version", version),
		zap.String("provider", cfg.Provider.Name),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// Throttle guard
	// -------------------------------------------------------------------------
	guard, closeGuard := newGuard(ctx, cfg.Throttle, logger)
	defer closeGuard()

	identityMode, err := throttle.ParseIdentityMode(cfg.Throttle.Identity)
	if err != nil {
		return err
	}

	// -------------------------------------------------------------------------
	// Backend client
	// -------------------------------------------------------------------------
	retryCfg := resilience.RetryConfig{
		MaxAttempts:   cfg.Backend.MaxAttempts,
		BaseDelay:     cfg.Backend.BaseDelay,
		MaxDelay:      cfg.Backend.MaxDelay,
		MaxTotalDelay: cfg.Backend.MaxTotalDelay,
	}
	webhookRetry := retryCfg
	webhookRetry.MaxAttempts = cfg.Backend.WebhookMaxAttempts

	backendClient := backend.NewClient(backend.Config{
		BaseURL:      cfg.Backend.URL,
		Timeout:      cfg.Backend.Timeout,
		Retry:        retryCfg,
		WebhookRetry: webhookRetry,
	}, logger.Named("backend"))

	// -------------------------------------------------------------------------
	// Provider and circuit breaker
	// -------------------------------------------------------------------------
	prov, err := provider.New(ctx, cfg.Provider)
	if err != nil {
		return err
	}

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.Provider.FailureThreshold,
		Cooldown:         cfg.Provider.Cooldown,
		IsFailure:        provider.IsHealthFailure,
		OnStateChange: func(s resilience.CircuitState) {
			metrics.CircuitBreakerState.WithLabelValues(prov.Name()).Set(float64(s))
			logger.Warn("provider circuit breaker state changed",
				zap.String("provider", prov.Name()), zap.Stringer("state", s))
		},
	})

	// -------------------------------------------------------------------------
	// Media store and orchestrator
	// -------------------------------------------------------------------------
	store, err := storage.NewMediaStore(cfg.Media.Root, cfg.Media.URLPrefix, cfg.Media.DownloadTimeout, logger.Named("media"))
	if err != nil {
		return err
	}

	orch := pipeline.New(pipeline.Config{
		Guard:           guard,
		IdentityMode:    identityMode,
		Backend:         backendClient,
		Provider:        prov,
		Breaker:         breaker,
		Store:           store,
		Recorder:        logging.NewRequestLogger(inferenceLog),
		Logger:          logger.Named("pipeline"),
		ProviderTimeout: cfg.Provider.Timeout,
		AsyncWebhook:    cfg.Backend.WebhookAsync,

		WebhookSyncTimeout: cfg.Backend.WebhookSyncTimeout,
	})

	// -------------------------------------------------------------------------
	// Start HTTP API server
	// -------------------------------------------------------------------------
	httpServer := &http.Server{
		Addr: ":" + cfg.Service.HTTPPort,
		Handler: proxy.NewHTTPHandler(proxy.HTTPConfig{
			Runner:         orch,
			ServiceName:    cfg.Service.Name,
			Version:        version,
			MediaRoot:      store.Root(),
			MediaURLPrefix: cfg.Media.URLPrefix,
			CORSOrigins:    cfg.Service.CORSOrigins,
			Logger:         logger.Named("http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 3)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Start gRPC server
	// -------------------------------------------------------------------------
	var grpcServer *grpc.Server
	if cfg.Service.GRPCPort != "" {
		grpcServer = grpc.NewServer(
			grpc.MaxRecvMsgSize(1*1024*1024), // 1MB
			grpc.UnaryInterceptor(proxy.UnaryLogger(logger.Named("grpc"))),
		)
		proxy.RegisterInferenceServer(grpcServer, proxy.NewHandler(orch, logger.Named("grpc")))
		reflection.Register(grpcServer) // Enable gRPC reflection for grpcurl

		grpcLis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
		if err != nil {
			return fmt.Errorf("listen on gRPC port %s: %w", cfg.Service.GRPCPort, err)
		}
		go func() {
			logger.Info("gRPC server listening", zap.String("addr", grpcLis.Addr().String()))
			if err := grpcServer.Serve(grpcLis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	// -------------------------------------------------------------------------
	// Start HTTP metrics server
	// -------------------------------------------------------------------------
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	metricsServer := &http.Server{
		Addr:         ":" + cfg.Service.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Metrics server listening", zap.String("addr", metricsServer.Addr+"/metrics"))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Graceful shutdown
	// -------------------------------------------------------------------------
	select {
	case <-ctx.Done():
		logger.Info("Received signal, shutting down...")
	case err := <-errCh:
		logger.Error("server failed, shutting down", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	if grpcServer != nil {
		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")
	}

	// Let in-flight usage webhooks finish before the process exits.
	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("usage webhooks still pending at shutdown")
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown error", zap.Error(err))
	}
	logger.Info("Metrics server stopped")

	logger.Info("Try-On Inference Proxy shut down successfully")
	return nil
}

// newGuard builds the configured throttle guard. A Redis guard whose server
// is unreachable at startup is replaced by the in-memory guard.
func newGuard(ctx context.Context, cfg config.ThrottleConfig, logger *zap.Logger) (throttle.Guard, func()) {
	tcfg := throttle.Config{Limit: cfg.Limit, Window: cfg.Window}

	if cfg.Backend == "redis" {
		client := throttle.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		guard := throttle.NewRedisGuard(client, tcfg, logger.Named("throttle"))

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := guard.Ping(pingCtx)
		cancel()
		if err == nil {
			logger.Info("Redis throttle enabled", zap.String("addr", cfg.Redis.Addr))
			go guard.Fallback().Run(ctx, cfg.Window)
			return guard, func() { _ = guard.Close() }
		}
		logger.Warn("Redis connection failed, using in-memory throttle", zap.Error(err))
		_ = guard.Close()
	}

	guard := throttle.NewMemoryGuard(tcfg)
	go guard.Run(ctx, cfg.Window)
	return guard, func() {}
}
