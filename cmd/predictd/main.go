package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/leadscore/internal/api"
	"github.com/Alias1177/leadscore/internal/cache"
	"github.com/Alias1177/leadscore/internal/config"
	"github.com/Alias1177/leadscore/internal/database"
	"github.com/Alias1177/leadscore/internal/events"
	"github.com/Alias1177/leadscore/internal/metrics"
	"github.com/Alias1177/leadscore/internal/notify"
	"github.com/Alias1177/leadscore/internal/scoring"
	"github.com/Alias1177/leadscore/internal/service"
	"github.com/Alias1177/leadscore/models"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	printConfig(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Prediction service failed")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// closers run in reverse order on exit
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Warn().Err(err).Msg("Close failed")
			}
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	resultCache, err := setupCache(ctx, cfg, &closers)
	if err != nil {
		return err
	}

	scorer := setupScorer(cfg)

	hub := notify.NewWebSocketHub(nil)
	closers = append(closers, hub)
	notifier, err := setupNotifier(cfg, hub, &closers)
	if err != nil {
		return err
	}

	sinks := []events.Sink{events.NewLogSink(log.Logger), collector}
	if cfg.Kafka.EventsTopic != "" && len(cfg.Kafka.Brokers) > 0 {
		kafkaSink := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
		closers = append(closers, kafkaSink)
		sinks = append(sinks, kafkaSink)
	}
	bus := events.NewBus(cfg.EventBuffer, sinks...)
	defer bus.Close()

	svc := service.New(service.Dependencies{
		Scorer:    scorer,
		Cache:     resultCache,
		Notifier:  notifier,
		Events:    bus,
		Observers: []metrics.Observer{collector},
		Gauge:     collector,
	}, service.OptionsFromConfig(cfg))

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = svc.Initialize(initCtx)
	cancel()
	if err != nil {
		return err
	}

	hub.SetDisconnectHandler(func(clientID string) {
		if n := svc.StopClient(clientID); n > 0 {
			log.Info().Str("client_id", clientID).Int("streams", n).Msg("Stopped streams of disconnected client")
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/", api.NewHandler(svc).Routes())
	mux.Handle("GET /ws", hub)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown")
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Service shutdown")
	}
	log.Info().Int64("dropped_events", bus.Dropped()).Msg("Prediction service exited")
	return nil
}

func setupCache(ctx context.Context, cfg *config.Config, closers *[]io.Closer) (models.ResultCache, error) {
	switch cfg.Cache.Backend {
	case "postgres":
		db, err := database.New(ctx, database.ConnectionParams{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("connect result cache database: %w", err)
		}
		*closers = append(*closers, db)
		go purgeExpired(ctx, db, cfg.Cache.CleanupInterval)
		return db, nil
	default:
		mem := cache.NewMemory(ctx, cfg.Cache.CleanupInterval)
		*closers = append(*closers, mem)
		return mem, nil
	}
}

func purgeExpired(ctx context.Context, db *database.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PurgeExpired(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to purge expired predictions")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("Purged expired predictions")
			}
		}
	}
}

func setupScorer(cfg *config.Config) models.Scorer {
	if cfg.Scoring.Mode == "remote" {
		return scoring.NewRemoteClient(scoring.RemoteOptions{
			BaseURL:        cfg.Scoring.URL,
			APIKey:         cfg.Scoring.APIKey,
			RequestTimeout: cfg.Scoring.Timeout,
			RequestsPerSec: cfg.Scoring.RequestsPerSec,
		})
	}
	return scoring.NewLocalScorer(scoring.LocalOptions{})
}

func setupNotifier(cfg *config.Config, hub *notify.WebSocketHub, closers *[]io.Closer) (models.Notifier, error) {
	var channels notify.Multi
	for _, name := range cfg.Notify.Channels {
		switch name {
		case "log":
			channels = append(channels, notify.NewLogNotifier(log.Logger))
		case "websocket":
			channels = append(channels, hub)
		case "kafka":
			k := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.UpdatesTopic)
			*closers = append(*closers, k)
			channels = append(channels, k)
		case "telegram":
			t, err := notify.NewTelegramNotifier(cfg.Notify.TelegramBotToken)
			if err != nil {
				return nil, fmt.Errorf("telegram notifier: %w", err)
			}
			channels = append(channels, t)
		}
	}
	if len(channels) == 1 {
		return channels[0], nil
	}
	return channels, nil
}

// setupLogging configures the global logger
func setupLogging(level, format string) {
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log.Logger = log.Logger.Level(lvl)
}

func printConfig(cfg *config.Config) {
	log.Info().
		Str("HTTPAddr", cfg.HTTPAddr).
		Str("CacheBackend", cfg.Cache.Backend).
		Dur("CacheTTL", cfg.Cache.TTL).
		Str("Scorer", cfg.Scoring.Mode).
		Strs("Notifiers", cfg.Notify.Channels).
		Dur("StreamInterval", cfg.Stream.Interval).
		Int("BatchMaxConcurrency", cfg.Batch.MaxConcurrency).
		Bool("SingleFlight", cfg.SingleFlight).
		Msg("Configuration loaded")
}
