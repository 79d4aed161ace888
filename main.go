package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hongzhonglu/vivarium/internal/bus"
	cfg "github.com/hongzhonglu/vivarium/internal/config"
	"github.com/hongzhonglu/vivarium/internal/gateway"
	"github.com/hongzhonglu/vivarium/internal/health"
	"github.com/hongzhonglu/vivarium/internal/httpapi"
	_ "github.com/hongzhonglu/vivarium/internal/metrics" // Import for side effects
	"github.com/hongzhonglu/vivarium/internal/shepherd"
)

func main() {
	// Load configuration first; problems here are fatal.
	config, err := cfg.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	var logger *zap.Logger
	if config.Logging.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core collaborators: event bus, last-message cache, broker producer.
	eventBus := bus.New(config.Bus.Capacity, logger)
	cache := gateway.NewCache()
	producer := gateway.NewProducer(config.Kafka.Host, logger)
	defer producer.Close()

	// Agent supervisor and the gateway that feeds it.
	supervisor := shepherd.New(producer, config, logger)
	dispatcher := gateway.NewDispatcher(cache, eventBus, supervisor.Handle, logger)
	consumer := gateway.NewConsumer(
		config.Kafka.Host,
		config.Kafka.GroupID,
		config.Kafka.Subscribe,
		dispatcher,
		logger,
	)
	defer consumer.Close()

	// The poll loop's exit outside shutdown is fatal for the service.
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		consumer.Run(ctx)
	}()

	// Health manager with broker and registry checkers.
	hm := health.NewManager(logger)
	hm.RegisterChecker(health.NewBrokerHealthChecker(config.Kafka.Host))
	hm.RegisterChecker(health.NewRegistryHealthChecker(supervisor))

	// HTTP surface: Lens index + static assets, /ws, /status, health, metrics.
	mux := http.NewServeMux()
	httpapi.NewServer(eventBus, cache, producer, supervisor, config, httpapi.LensClientHandler, logger).
		RegisterRoutes(mux)
	health.NewHTTPHandler(hm, logger).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(config.Service.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Shepherd HTTP server listening",
			zap.Int("port", config.Service.Port),
			zap.String("broker", config.Kafka.Host),
			zap.Strings("subscribe", config.Kafka.Subscribe))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Wait for a shutdown signal or the poll loop dying underneath us.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case <-pollDone:
		logger.Error("Consumer poll loop exited, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.Service.GracefulTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	cancel()
	<-pollDone
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Agent shutdown incomplete", zap.Error(err))
	}
	if err := eventBus.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Event bus shutdown incomplete", zap.Error(err))
	}
	logger.Info("Shepherd stopped")
}
