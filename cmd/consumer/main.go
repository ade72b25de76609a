package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/zone-dispatch/internal/config"
	"github.com/example/zone-dispatch/internal/fleet"
	"github.com/example/zone-dispatch/internal/janitor"
	"github.com/example/zone-dispatch/internal/logging"
	"github.com/example/zone-dispatch/internal/models"
	"github.com/example/zone-dispatch/internal/zones"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zone_dispatch",
		Name:      "consumer_messages_consumed_total",
		Help:      "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zone_dispatch",
		Name:      "consumer_messages_invalid_total",
		Help:      "Total messages that could not be decoded or were rejected",
	})
	reportErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zone_dispatch",
		Name:      "consumer_report_errors_total",
		Help:      "Total location reports that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, reportErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()
	drivers := fleet.NewRedisDirectory(rc)

	var source zones.Source
	if cfg.PGDSN != "" {
		db, err := sql.Open("postgres", cfg.PGDSN)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		source = zones.NewPostgresSource(db)
	} else {
		zs, err := zones.ReadZonesFile(cfg.ZonesFile)
		if err != nil {
			logger.Error("zones file", "error", err)
			os.Exit(1)
		}
		source = zones.NewMemorySource(zs...)
	}
	registry := zones.NewRegistry(source, drivers, logger)
	if err := registry.Load(ctx); err != nil {
		logger.Error("load zones", "error", err)
		os.Exit(1)
	}
	tracker := &fleet.Tracker{Drivers: drivers, Zones: registry, Logger: logger}

	// zone edits made through the API show up here on the next reload
	jan := &janitor.Janitor{Logger: logger, Tasks: []janitor.Task{
		{Name: "reload_zones", Interval: time.Minute, Run: janitor.ReloadZones(registry)},
	}}
	go jan.Run(ctx)

	go serveOps(metricsAddr, drivers, logger)

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.Topic, GroupID: cfg.GroupID, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.Topic, "brokers", cfg.KafkaBrokers, "group", cfg.GroupID)
	consume(ctx, r, tracker, cfg.MaxRetries, cfg.RetryBackoff, logger)
	logger.Info("shutting down consumer")
}

func serveOps(addr string, drivers *fleet.RedisDirectory, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := drivers.Ping(r.Context()); err != nil {
			http.Error(w, "redis not ready", 503)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Reporter applies one location update.
type Reporter interface {
	Report(ctx context.Context, u models.LocationUpdate) (string, error)
}

func consume(ctx context.Context, r messageReader, rep Reporter, attempts int, delay time.Duration, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var u models.LocationUpdate
		if err := json.Unmarshal(m.Value, &u); err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err, "offset", m.Offset)
			continue
		}
		if err := reportWithRetry(ctx, rep, u, attempts, delay); err != nil {
			if permanent(err) {
				msgsInvalid.Inc()
				logger.Warn("location rejected", "driver_id", u.DriverID, "error", err)
				continue
			}
			reportErrors.Inc()
			logger.Error("location update failed", "driver_id", u.DriverID, "error", err)
		}
	}
}

// permanent errors are not worth retrying: the same message fails again.
func permanent(err error) bool {
	return errors.Is(err, fleet.ErrInvalidCoord) || errors.Is(err, fleet.ErrDriverNotFound)
}

// reportWithRetry retries transient failures with doubling delay.
func reportWithRetry(ctx context.Context, rep Reporter, u models.LocationUpdate, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = rep.Report(ctx, u); err == nil || permanent(err) {
			return err
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
