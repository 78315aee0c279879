package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"synthmargin/core/events"
	"synthmargin/gateway/middleware"
	"synthmargin/native/swap"
	"synthmargin/observability"
	"synthmargin/observability/logging"
	telemetry "synthmargin/observability/otel"
	"synthmargin/services/margind/audit"
	"synthmargin/services/margind/config"
	"synthmargin/services/margind/idempotency"
	"synthmargin/services/margind/outbox"
	"synthmargin/services/margind/runtime"
	"synthmargin/services/margind/server"
	"synthmargin/services/margind/stream"
	"synthmargin/storage"
)

const (
	serviceName   = "margind"
	shutdownDrain = 5 * time.Second
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/margind/config.yaml", "path to margind config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "margind: load config: %v\n", err)
		os.Exit(1)
	}
	opts := []logging.Option{logging.WithLevel(logging.ParseLevel(cfg.Logging.Level))}
	if cfg.Logging.File != "" {
		opts = append(opts, logging.WithFile(cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups))
	}
	logger, logCloser := logging.Setup(serviceName, cfg.Environment, opts...)
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("margind stopped", slog.String("error", err.Error()))
		_ = logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry == nil {
			return
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	db, err := openState(cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	box, err := outbox.Open(cfg.Outbox.DSN, logger)
	if err != nil {
		return fmt.Errorf("open outbox %s: %w", logging.MaskDSN(cfg.Outbox.DSN), err)
	}
	defer box.Close()
	hub := stream.NewHub(box, logger.With(slog.String("component", "stream")))
	relay := outbox.NewRelay(box, hub, cfg.Outbox.RelayInterval, cfg.Outbox.BatchSize, logger.With(slog.String("component", "relay")))

	markets, err := config.LoadMarkets(cfg.MarketsFile)
	if err != nil {
		return err
	}
	rt, err := runtime.New(runtime.Options{
		Database:     db,
		Markets:      markets,
		Feeds:        remoteFeeds(cfg.Oracle, logger),
		OracleMaxAge: cfg.Oracle.MaxAge,
		Emitter:      events.Fanout{box, observability.Events()},
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	replies, err := idempotency.Open(cfg.Idempotency.Path, cfg.Idempotency.TTL, logger.With(slog.String("component", "idempotency")))
	if err != nil {
		return err
	}
	defer replies.Close()

	exporter, err := audit.NewExporter(rt, cfg.Audit.Dir, logger.With(slog.String("component", "audit")))
	if err != nil {
		return err
	}

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for key, limit := range cfg.RateLimits {
		limits[key] = middleware.RateLimit{
			RatePerSecond: limit.RatePerSecond,
			Burst:         limit.Burst,
			DefaultTokens: limit.DefaultTokens,
			Tokens:        limit.Tokens,
		}
	}
	handler, err := server.New(server.Config{
		Runtime: rt,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew,
		}, logger),
		RateLimiter:   middleware.NewRateLimiter(limits, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: serviceName, LogRequests: cfg.Logging.Requests}, logger),
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins, AllowCredentials: cfg.CORS.AllowCredentials},
		Idempotency:   replies,
		Stream:        hub,
		Exporter:      exporter,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(otelgrpc.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(otelgrpc.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	grpcListener, err := net.Listen("tcp", cfg.GRPCListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GRPCListenAddress, err)
	}

	go relay.Run(ctx)
	go exporter.Run(ctx, cfg.Audit.Interval)
	go pruneReplies(ctx, replies, cfg.Idempotency.TTL, logger)

	serverErr := make(chan error, 2)
	go func() {
		logger.Info("margind http listening", slog.String("addr", cfg.ListenAddress), slog.Any("markets", rt.Assets()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("serve http: %w", err)
		}
	}()
	go func() {
		logger.Info("margind grpc health listening", slog.String("addr", cfg.GRPCListenAddress))
		if err := grpcServer.Serve(grpcListener); err != nil {
			serverErr <- fmt.Errorf("serve grpc: %w", err)
		}
	}()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
	}
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forcing http stop", slog.String("error", err.Error()))
		_ = httpServer.Close()
	}
	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("forcing grpc stop")
		grpcServer.Stop()
	}
	// Deliver whatever the last requests committed before the outbox closes.
	if _, err := relay.Flush(shutdownCtx); err != nil {
		logger.Warn("final relay flush failed", slog.String("error", err.Error()))
	}
	return runErr
}

func openState(cfg config.StorageConfig) (storage.Database, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemDB(), nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		db, err := storage.NewLevelDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open leveldb %s: %w", cfg.Path, err)
		}
		return db, nil
	}
}

func remoteFeeds(cfg config.OracleConfig, logger *slog.Logger) []runtime.Feed {
	client := otelhttp.DefaultClient
	if cfg.Timeout > 0 {
		client = &http.Client{Timeout: cfg.Timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	feeds := make([]runtime.Feed, 0, len(cfg.Feeds))
	for _, feed := range cfg.Feeds {
		logger.Info("oracle feed configured",
			slog.String("feed", feed.Name),
			slog.String("endpoint", feed.Endpoint),
			logging.MaskField("api_key", feed.APIKey))
		feeds = append(feeds, runtime.Feed{
			Name: feed.Name,
			Feed: swap.NewHTTPFeed(feed.Name, client, feed.Endpoint, feed.APIKey),
		})
	}
	return feeds
}

func pruneReplies(ctx context.Context, store *idempotency.Store, ttl time.Duration, logger *slog.Logger) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Prune()
			if err != nil {
				logger.Warn("idempotency prune failed", slog.String("error", err.Error()))
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency records pruned", slog.Int("removed", removed))
			}
		}
	}
}
