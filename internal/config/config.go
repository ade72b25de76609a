package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Backing services are optional: with no REDIS_ADDR or PG_DSN the server
// keeps drivers and rides in memory.
type ServerConfig struct {
	HTTPAddr        string
	MetricsAddr     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	PGDSN         string
	RunMigrations bool
	ZonesFile     string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventTopic    string

	AMQPURL      string
	AMQPExchange string

	FirebaseProjectID       string
	FirebaseCredentialsFile string

	WebhookURL string

	StripeAPIKey      string
	SurchargeCurrency string

	Staleness          time.Duration
	SurchargePerKm     float64
	SurchargeMinimum   float64
	RunRetention       time.Duration
	JanitorInterval    time.Duration
	DriverOfflineAfter time.Duration

	OSRMEndpoint    string
	DefaultSpeedMps float64

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		KafkaLocationTopic: "driver-locations",
		KafkaEventTopic:    "dispatch-events",
		AMQPExchange:       "dispatch.events",
		SurchargeCurrency:  "inr",
		Staleness:          120 * time.Second,
		SurchargePerKm:     10,
		SurchargeMinimum:   25,
		RunRetention:       30 * time.Minute,
		JanitorInterval:    time.Minute,
		DriverOfflineAfter: 60 * time.Minute,
		DefaultSpeedMps:    8,
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.ZonesFile, "ZONES_FILE")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")

	setStringFromEnv(&cfg.AMQPURL, "AMQP_URL")
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	setStringFromEnv(&cfg.FirebaseProjectID, "FIREBASE_PROJECT_ID")
	setStringFromEnv(&cfg.FirebaseCredentialsFile, "FIREBASE_CREDENTIALS_FILE")

	setStringFromEnv(&cfg.WebhookURL, "WEBHOOK_URL")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.SurchargeCurrency, "SURCHARGE_CURRENCY")

	setDurationFromEnv(&cfg.Staleness, "DISPATCH_STALENESS", &errs)
	setFloatFromEnv(&cfg.SurchargePerKm, "DISPATCH_SURCHARGE_PER_KM", &errs)
	setFloatFromEnv(&cfg.SurchargeMinimum, "DISPATCH_SURCHARGE_MIN", &errs)
	setDurationFromEnv(&cfg.RunRetention, "DISPATCH_RUN_RETENTION", &errs)
	setDurationFromEnv(&cfg.JanitorInterval, "JANITOR_INTERVAL", &errs)
	setDurationFromEnv(&cfg.DriverOfflineAfter, "DRIVER_OFFLINE_AFTER", &errs)

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.Staleness <= 0 {
		errs = append(errs, errors.New("DISPATCH_STALENESS must be > 0"))
	}
	if cfg.SurchargePerKm < 0 || cfg.SurchargeMinimum < 0 {
		errs = append(errs, errors.New("surcharge rates must be >= 0"))
	}
	if cfg.JanitorInterval <= 0 {
		errs = append(errs, errors.New("JANITOR_INTERVAL must be > 0"))
	}
	if cfg.DefaultSpeedMps <= 0 {
		errs = append(errs, errors.New("DEFAULT_SPEED_MPS must be > 0"))
	}
	if cfg.FirebaseCredentialsFile != "" && cfg.FirebaseProjectID == "" {
		errs = append(errs, errors.New("FIREBASE_PROJECT_ID is required with FIREBASE_CREDENTIALS_FILE"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig is the location feed consumer's configuration.
type ConsumerConfig struct {
	KafkaBrokers []string
	Topic        string
	GroupID      string

	RedisAddr     string
	RedisPassword string

	PGDSN     string
	ZonesFile string

	MaxRetries   int
	RetryBackoff time.Duration

	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		Topic:        "driver-locations",
		GroupID:      "zone-dispatch-locations",
		MaxRetries:   3,
		RetryBackoff: 200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Topic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.GroupID, "KAFKA_GROUP")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.ZonesFile, "ZONES_FILE")
	setIntFromEnv(&cfg.MaxRetries, "CONSUMER_MAX_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryBackoff, "CONSUMER_RETRY_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required"))
	}
	if cfg.RedisAddr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required"))
	}
	if cfg.PGDSN == "" && cfg.ZonesFile == "" {
		errs = append(errs, errors.New("one of PG_DSN or ZONES_FILE is required to load zones"))
	}
	if cfg.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_MAX_RETRIES must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
