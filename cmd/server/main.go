// Package main runs the rate stream service: the upstream trade feed, the
// hourly aggregator, the downstream websocket broadcaster and the read API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rate-stream/internal/api"
	"rate-stream/internal/config"
	"rate-stream/internal/finnhub"
	"rate-stream/internal/logging"
	"rate-stream/internal/rates"
	kafkasink "rate-stream/internal/sink/kafka"
	"rate-stream/internal/storage"
	chstore "rate-stream/internal/storage/clickhouse"
	"rate-stream/internal/storage/memory"
	"rate-stream/internal/storage/migrations"
	pgstore "rate-stream/internal/storage/postgres"
	redisstore "rate-stream/internal/storage/redis"
	"rate-stream/internal/stream"
)

// shutdownTimeout bounds the graceful shutdown sequence.
const shutdownTimeout = 30 * time.Second

// Server holds all components of the service.
type Server struct {
	cfg    *config.Config
	stores *allStores
	logger *zap.Logger

	connector   *finnhub.Connector
	aggregator  *rates.Aggregator
	broadcaster *stream.Broadcaster
	router      *rates.Router
	kafka       *kafkasink.Publisher
	http        *http.Server
}

// allStores holds the selected storage implementations.
type allStores struct {
	hourly storage.HourlyAverageStore
	latest storage.LatestRateStore
}

func main() {
	configPath := flag.String("config", "", "Optional YAML config file (env vars take precedence)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, cleanup, err := createStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to create stores", zap.Error(err))
	}
	defer cleanup()

	server := newServer(cfg, stores, logger)

	// Channel to signal completion
	done := make(chan struct{})

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
			cancel()
		case <-done:
			return
		}

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing immediate shutdown", zap.String("signal", sig.String()))
			os.Exit(1)
		case <-time.After(shutdownTimeout + 5*time.Second):
			logger.Error("graceful shutdown timed out, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = server.Run(ctx)
	close(done)

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", zap.Error(err))
		cleanup()
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// createStores creates the hourly average and latest rate stores for the configured backends.
func createStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*allStores, func(), error) {
	stores := &allStores{}
	var closers []func()

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		closers = nil
	}

	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		closers = append(closers, pool.Close)

		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
		stores.hourly = pgstore.NewHourlyAverageStore(pool)

	case config.BackendClickhouse:
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.Storage.ClickhouseDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		closers = append(closers, func() { _ = conn.Close() })
		stores.hourly = chstore.NewHourlyAverageStore(conn)

	default:
		stores.hourly = memory.NewHourlyAverageStore()
	}

	if cfg.Storage.RedisAddr != "" {
		client, err := redisstore.NewClient(ctx, cfg.Storage.RedisAddr)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		stores.latest = redisstore.NewLatestRateStore(client, 0)
	} else {
		stores.latest = memory.NewLatestRateStore()
	}

	logger.Info("stores ready",
		zap.String("backend", cfg.Storage.Backend),
		zap.Bool("redis", cfg.Storage.RedisAddr != ""))

	return stores, cleanup, nil
}

// newServer wires the pipeline: connector -> router -> aggregator -> publishers.
func newServer(cfg *config.Config, stores *allStores, logger *zap.Logger) *Server {
	s := &Server{cfg: cfg, stores: stores, logger: logger}

	s.connector = finnhub.NewConnector(finnhub.Config{
		URL:                cfg.Finnhub.WSURL,
		APIKey:             cfg.Finnhub.APIKey,
		HeartbeatInterval:  cfg.Finnhub.HeartbeatInterval,
		StaleAfter:         cfg.Finnhub.StaleAfter,
		ReconnectBaseDelay: cfg.Finnhub.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Finnhub.ReconnectMaxDelay,
	}, logger)

	s.aggregator = rates.NewAggregator(stores.hourly, cfg.FlushTimeout, logger)
	s.broadcaster = stream.NewBroadcaster(logger)

	s.router = rates.NewRouter(s.aggregator, logger)
	s.router.AddPublisher("broadcaster", s.broadcaster)
	s.router.AddQueuedPublisher("latest_rate", rates.NewLatestRatePublisher(stores.latest), rates.DefaultQueueSize)
	if len(cfg.Kafka.Brokers) > 0 {
		writer := kafkasink.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		s.kafka = kafkasink.NewPublisher(writer, logger)
		s.router.AddQueuedPublisher("kafka", s.kafka, rates.DefaultQueueSize)
	}
	s.router.Attach(s.connector)

	apiServer := api.NewServer(api.Deps{
		Hourly:   stores.hourly,
		Latest:   stores.latest,
		Feed:     s.connector,
		Sessions: s.broadcaster,
		WS:       stream.NewHandler(s.broadcaster, cfg.Stream.SendBuffer, logger),
	}, logger)
	s.http = apiServer.HTTPServer(cfg.HTTPAddr)

	return s
}

// Run starts the HTTP server and the feed, and blocks until ctx is cancelled
// or the HTTP server fails. It always shuts everything down before returning.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting server", zap.String("addr", s.cfg.HTTPAddr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if err := s.connector.Connect(); err != nil {
		return fmt.Errorf("start feed: %w", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case runErr = <-errCh:
	}

	s.shutdown()
	return runErr
}

// shutdown stops intake first, then drains the publisher queues and the
// aggregator so the active hours are persisted, then closes the sinks.
func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.connector.Disconnect()

	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}

	if err := s.router.Close(ctx); err != nil {
		s.logger.Warn("drain publishers on shutdown", zap.Error(err))
	}

	if err := s.aggregator.Close(ctx); err != nil {
		s.logger.Error("flush hourly averages on shutdown", zap.Error(err))
	}

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Warn("close kafka publisher", zap.Error(err))
		}
	}
}
