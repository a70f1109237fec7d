package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/tripsplit/internal/auth"
	"github.com/example/tripsplit/internal/config"
	"github.com/example/tripsplit/internal/http/middleware"
	outboxworker "github.com/example/tripsplit/internal/outbox"
	"github.com/example/tripsplit/internal/trip/booking"
	"github.com/example/tripsplit/internal/trip/domain"
	"github.com/example/tripsplit/internal/trip/handler"
	"github.com/example/tripsplit/internal/trip/matching"
	"github.com/example/tripsplit/internal/trip/repository"
	tripservice "github.com/example/tripsplit/internal/trip/service"
	"github.com/example/tripsplit/pkg/observability"
	outboxpkg "github.com/example/tripsplit/pkg/outbox"
)

const serviceName = "trip-service"

type store interface {
	domain.TripStore
	domain.UserStore
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgErr := config.Load()
	logger := observability.SetupLogger(serviceName, cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck
	if cfgErr != nil {
		logger.Fatal("invalid configuration", zap.Error(cfgErr))
	}

	if cfg.TracingEnabled {
		shutdown, err := observability.SetupTracer(ctx, serviceName)
		if err != nil {
			logger.Warn("tracer setup failed", zap.Error(err))
		} else {
			defer shutdown(context.Background()) //nolint:errcheck
		}
	}

	checks := map[string]observability.Check{}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("tripservice")); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	var (
		trips     store
		db        *sql.DB
		useOutbox bool
	)
	switch cfg.StoreDriver {
	case config.StorePostgres:
		var err error
		db, err = openPostgres(ctx, cfg)
		if err != nil {
			logger.Fatal("postgres", zap.Error(err))
		}
		defer db.Close()
		outboxTopic := ""
		if natsConn != nil && cfg.EventsSink == config.SinkNATS {
			outboxTopic = cfg.EventsSubject
			useOutbox = true
		}
		trips = repository.NewPostgresRepository(db, outboxTopic)
		checks["postgres"] = db.PingContext
	case config.StoreMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			logger.Fatal("mongo connect", zap.Error(err))
		}
		defer client.Disconnect(context.Background()) //nolint:errcheck
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			logger.Fatal("mongo ping", zap.Error(err))
		}
		repo := repository.NewMongoRepository(client, cfg.MongoDatabase)
		if err := repo.EnsureIndexes(ctx); err != nil {
			logger.Fatal("mongo indexes", zap.Error(err))
		}
		trips = repo
		checks["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, readpref.Primary()) }
	default:
		trips = repository.NewMemoryRepository()
	}

	var idem domain.IdempotencyRepository = repository.NewMemoryIdempotencyRepo(cfg.IdempotencyTTL)
	var limiter *middleware.RateLimiter
	if redisClient != nil {
		idem = repository.NewRedisIdempotencyRepo(redisClient, "", cfg.IdempotencyTTL)
		limiter = middleware.NewRateLimiter(redisClient,
			middleware.RateConfig{Rate: cfg.RateReadPerSec, Burst: cfg.RateReadBurst},
			middleware.RateConfig{Rate: cfg.RateWritePerSec, Burst: cfg.RateWriteBurst},
			middleware.RateConfig{Rate: cfg.RateBookPerSec, Burst: cfg.RateBookBurst},
			logger)
	}

	var events domain.EventPublisher
	switch {
	case useOutbox:
		worker := outboxworker.NewWorker(db, natsConn, logger, outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	case cfg.EventsSink == config.SinkKafka:
		kafkaPub := outboxpkg.NewKafkaPublisher(outboxpkg.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		defer kafkaPub.Close() //nolint:errcheck
		events = kafkaPub
	case cfg.EventsSink == config.SinkNATS && natsConn != nil:
		events = outboxpkg.NewPublisher(natsConn, cfg.EventsSubject)
	default:
		logger.Warn("trip events disabled", zap.String("sink", cfg.EventsSink), zap.Bool("nats", natsConn != nil))
	}

	finder, err := matching.NewFinder(trips, logger)
	if err != nil {
		logger.Fatal("match finder", zap.Error(err))
	}
	booker, err := booking.NewCoordinator(trips, logger)
	if err != nil {
		logger.Fatal("booking coordinator", zap.Error(err))
	}
	accounts, err := auth.NewService(trips, cfg.JWTSecret, cfg.TokenTTL, cfg.BcryptCost, logger)
	if err != nil {
		logger.Fatal("auth service", zap.Error(err))
	}

	svc := tripservice.New(trips, finder, booker, events, domain.SystemClock{}, idem, logger)
	tripHTTP := handler.NewHTTP(svc, accounts, cfg.JWTSecret, limiter.Middleware, logger)

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter(checks))
	r.Mount("/", tripHTTP.Router())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	go func() {
		logger.Info("trip service listening", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

func openPostgres(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if cfg.RunMigrations {
		if err := repository.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
