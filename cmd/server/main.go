package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/zone-dispatch/internal/config"
	"github.com/example/zone-dispatch/internal/dispatch"
	"github.com/example/zone-dispatch/internal/eta"
	"github.com/example/zone-dispatch/internal/fleet"
	httpapi "github.com/example/zone-dispatch/internal/http"
	"github.com/example/zone-dispatch/internal/ingest"
	"github.com/example/zone-dispatch/internal/janitor"
	"github.com/example/zone-dispatch/internal/locator"
	"github.com/example/zone-dispatch/internal/logging"
	"github.com/example/zone-dispatch/internal/matcher"
	"github.com/example/zone-dispatch/internal/models"
	"github.com/example/zone-dispatch/internal/payments"
	"github.com/example/zone-dispatch/internal/storage"
	"github.com/example/zone-dispatch/internal/surcharge"
	"github.com/example/zone-dispatch/internal/zones"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var health []httpapi.Pinger

	var drivers fleet.Directory
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		rd := fleet.NewRedisDirectory(rc)
		if err := rd.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		drivers = rd
		health = append(health, rd)
	} else {
		logger.Warn("REDIS_ADDR not set; driver state is kept in memory")
		drivers = fleet.NewMemoryDirectory()
	}

	var (
		store  storage.RideStore
		source zones.Source
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx, logger); err != nil {
				return err
			}
		}
		pgZones := zones.NewPostgresSource(ps.DB())
		if cfg.ZonesFile != "" {
			if err := seedZones(ctx, cfg.ZonesFile, pgZones.SaveZone, logger); err != nil {
				return err
			}
		}
		store, source = ps, pgZones
		health = append(health, ps)
	} else {
		logger.Warn("PG_DSN not set; rides and zones are kept in memory")
		memZones := zones.NewMemorySource()
		if cfg.ZonesFile != "" {
			put := func(_ context.Context, z models.Zone) error { memZones.Put(z); return nil }
			if err := seedZones(ctx, cfg.ZonesFile, put, logger); err != nil {
				return err
			}
		}
		store, source = storage.NewMemoryStore(), memZones
	}

	registry := zones.NewRegistry(source, drivers, logger)
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("load zones: %w", err)
	}
	logger.Info("zones_loaded", "count", len(registry.Zones()))

	ws := dispatch.NewWSRegistry(logger)
	events := dispatch.NewFanout(logger, dispatch.Sink{Name: "ws", Publisher: ws})
	if len(cfg.KafkaBrokers) > 0 {
		kp := dispatch.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		defer kp.Close()
		events.Add("kafka", kp)
	}
	if cfg.AMQPURL != "" {
		ap, err := dispatch.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		defer ap.Close()
		events.Add("amqp", ap)
	}
	if cfg.FirebaseProjectID != "" {
		fp, err := dispatch.NewFCMPublisher(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentialsFile)
		if err != nil {
			return err
		}
		events.Add("fcm", fp)
	}
	if cfg.WebhookURL != "" {
		events.Add("webhook", dispatch.NewWebhookPublisher(cfg.WebhookURL))
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(5 * time.Minute), DefaultSpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	svc := &matcher.Service{
		Zones:     registry,
		Locator:   &locator.Locator{Drivers: drivers, Staleness: cfg.Staleness},
		Drivers:   drivers,
		Store:     store,
		Surcharge: surcharge.New(cfg.SurchargePerKm, cfg.SurchargeMinimum),
		Events:    events,
		ETA:       estimator,
		Logger:    logger,
	}
	if cfg.StripeAPIKey != "" {
		svc.Holds = payments.NewStripeClient(cfg.StripeAPIKey, cfg.SurchargeCurrency)
	}

	deps := httpapi.Deps{
		Zones:   registry,
		Drivers: drivers,
		Tracker: &fleet.Tracker{Drivers: drivers, Zones: registry, Logger: logger},
		Matcher: svc,
		Store:   store,
		WS:      ws,
		Health:  health,
	}
	// the consumer applies forwarded pings to Redis, so only forward when it is shared
	if len(cfg.KafkaBrokers) > 0 && cfg.RedisAddr != "" {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer kp.Close()
		deps.Locations = kp
	}
	api := httpapi.NewServer(deps, logger)

	jan := &janitor.Janitor{Logger: logger, Tasks: []janitor.Task{
		{Name: "stale_drivers", Interval: cfg.JanitorInterval, Run: janitor.MarkStaleDrivers(drivers, cfg.DriverOfflineAfter, time.Now, logger)},
		{Name: "prune_runs", Interval: cfg.JanitorInterval, Run: janitor.PruneRuns(svc, cfg.RunRetention)},
		{Name: "reload_zones", Interval: cfg.JanitorInterval, Run: janitor.ReloadZones(registry)},
	}}
	go jan.Run(ctx)

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, logger)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("zone-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func seedZones(ctx context.Context, path string, save func(context.Context, models.Zone) error, logger *slog.Logger) error {
	zs, err := zones.ReadZonesFile(path)
	if err != nil {
		return fmt.Errorf("zones file: %w", err)
	}
	for _, z := range zs {
		if err := save(ctx, z); err != nil {
			return fmt.Errorf("seed zone %s: %w", z.ID, err)
		}
	}
	logger.Info("zones_seeded", "file", path, "count", len(zs))
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "error", err)
	}
}
