package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Event sinks used when the store does not relay events through the outbox.
const (
	SinkNone  = "none"
	SinkNATS  = "nats"
	SinkKafka = "kafka"
)

// Config captures the tunables of the trip service. Values come from the
// environment with defaults that run locally against the in-memory store.
type Config struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string
	TracingEnabled  bool

	JWTSecret  string
	TokenTTL   time.Duration
	BcryptCost int

	StoreDriver   string
	PostgresDSN   string
	RunMigrations bool
	MongoURI      string
	MongoDatabase string

	RedisAddr      string
	RedisPassword  string
	IdempotencyTTL time.Duration

	NATSURL       string
	EventsSubject string
	EventsSink    string
	KafkaBrokers  []string
	KafkaTopic    string

	OutboxPoll  time.Duration
	OutboxBatch int
	OutboxRetry int

	RateReadPerSec  float64
	RateReadBurst   float64
	RateWritePerSec float64
	RateWriteBurst  float64
	RateBookPerSec  float64
	RateBookBurst   float64
}

func defaults() Config {
	return Config{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		TokenTTL:        7 * 24 * time.Hour,
		StoreDriver:     StoreMemory,
		MongoDatabase:   "tripsplit",
		IdempotencyTTL:  24 * time.Hour,
		EventsSubject:   "trip.events",
		EventsSink:      SinkNATS,
		KafkaTopic:      "trip-events",
		OutboxPoll:      200 * time.Millisecond,
		OutboxBatch:     100,
		OutboxRetry:     3,
		RateReadPerSec:  20,
		RateReadBurst:   40,
		RateWritePerSec: 5,
		RateWriteBurst:  10,
		RateBookPerSec:  1,
		RateBookBurst:   3,
	}
}

// Load reads the configuration, reporting every invalid variable at once.
func Load() (Config, error) {
	cfg := defaults()
	var errs []error

	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setDuration(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDuration(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDuration(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setBool(&cfg.TracingEnabled, "TRACING_ENABLED", &errs)

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setDuration(&cfg.TokenTTL, "JWT_TTL", &errs)
	setInt(&cfg.BcryptCost, "BCRYPT_COST", &errs)

	if v := os.Getenv("STORE_DRIVER"); v != "" {
		cfg.StoreDriver = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.PostgresDSN = firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	setBool(&cfg.RunMigrations, "MIGRATE", &errs)
	cfg.MongoURI = os.Getenv("MONGO_URI")
	setString(&cfg.MongoDatabase, "MONGO_DATABASE")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDuration(&cfg.IdempotencyTTL, "IDEMPOTENCY_TTL", &errs)

	cfg.NATSURL = os.Getenv("NATS_URL")
	setString(&cfg.EventsSubject, "EVENTS_SUBJECT")
	if v := os.Getenv("EVENTS_SINK"); v != "" {
		cfg.EventsSink = strings.ToLower(strings.TrimSpace(v))
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setString(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setDuration(&cfg.OutboxPoll, "OUTBOX_POLL", &errs)
	setInt(&cfg.OutboxBatch, "OUTBOX_BATCH", &errs)
	setInt(&cfg.OutboxRetry, "OUTBOX_RETRY_MAX", &errs)

	setFloat(&cfg.RateReadPerSec, "RATE_READ_PER_SEC", &errs)
	setFloat(&cfg.RateReadBurst, "RATE_READ_BURST", &errs)
	setFloat(&cfg.RateWritePerSec, "RATE_WRITE_PER_SEC", &errs)
	setFloat(&cfg.RateWriteBurst, "RATE_WRITE_BURST", &errs)
	setFloat(&cfg.RateBookPerSec, "RATE_BOOK_PER_SEC", &errs)
	setFloat(&cfg.RateBookBurst, "RATE_BOOK_BURST", &errs)

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c Config) validate() []error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres store"))
		}
	case StoreMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGO_URI is required for the mongo store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	switch c.EventsSink {
	case SinkNone, SinkNATS:
	case SinkKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EVENTS_SINK %q", c.EventsSink))
	}
	if c.OutboxBatch <= 0 {
		errs = append(errs, errors.New("OUTBOX_BATCH must be > 0"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("JWT_TTL must be > 0"))
	}
	return errs
}

func setDuration(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloat(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setInt(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBool(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setString(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
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
