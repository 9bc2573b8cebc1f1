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
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/solomilloinc/transport-api-sub000/internal/cleanup"
	"github.com/solomilloinc/transport-api-sub000/internal/config"
	ratelimitmw "github.com/solomilloinc/transport-api-sub000/internal/http/middleware"
	outboxworker "github.com/solomilloinc/transport-api-sub000/internal/outbox"
	"github.com/solomilloinc/transport-api-sub000/internal/slotlock/domain"
	"github.com/solomilloinc/transport-api-sub000/internal/slotlock/handler"
	"github.com/solomilloinc/transport-api-sub000/internal/slotlock/repository"
	slotlockservice "github.com/solomilloinc/transport-api-sub000/internal/slotlock/service"
	"github.com/solomilloinc/transport-api-sub000/pkg/observability"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("reserve-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "reserve-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg := config.Load()

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("reserveservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	store, prices := buildStores(ctx, db, logger)

	var idem domain.IdempotencyStore
	if redisClient != nil {
		idem = repository.NewRedisIdempotencyStore(redisClient, "", 2*cfg.SlotLockTimeout)
	} else {
		idem = repository.NewMemoryIdempotencyStore()
	}

	svc := slotlockservice.New(store, prices, domain.SystemClock{}, idem, logger.Named("slotlock"), slotlockservice.Config{
		LockTimeout:     cfg.SlotLockTimeout,
		CleanupInterval: cfg.SlotLockCleanupInterval,
		MaxLocksPerUser: cfg.MaxSimultaneousLocks,
		MaxAttempts:     cfg.AcquireMaxAttempts,
		RetryBackoff:    cfg.AcquireRetryBackoff,
	})

	limiter := ratelimitmw.NewRateLimiter(redisClient, ratelimitmw.Budgets{
		Read:    ratelimitmw.RateConfig{Rate: cfg.RateReadPerSec, Burst: cfg.RateReadBurst},
		Write:   ratelimitmw.RateConfig{Rate: cfg.RateWritePerSec, Burst: cfg.RateWriteBurst},
		Acquire: ratelimitmw.RateConfig{Rate: cfg.RateAcquirePerSec, Burst: cfg.RateAcquireBurst},
	})

	lockHTTP := handler.NewHTTP(svc, cfg.JWTSecret)

	r := chi.NewRouter()
	if limiter != nil {
		r.Use(limiter.Middleware)
	}
	r.Mount("/", lockHTTP.Router())
	r.Mount("/observability", observability.MetricsRouter())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweeper := cleanup.NewWorker(svc, cfg.SlotLockCleanupInterval, logger.Named("cleanup"))
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("cleanup worker stopped", zap.Error(err))
		}
	}()

	if db != nil && natsConn != nil {
		dispatcher := outboxworker.NewDispatcher(db, natsConn, logger.Named("outbox"), outboxworker.DispatcherConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
		})
		go func() {
			if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox dispatcher stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox dispatcher disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	go func() {
		logger.Info("reserve service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// buildStores wires the persistent stack when Postgres is configured and an
// in-memory one otherwise (local demos and tests).
func buildStores(ctx context.Context, db *sql.DB, logger *zap.Logger) (domain.Store, domain.PriceSource) {
	if db != nil {
		store := repository.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			logger.Fatal("migrate slot lock schema", zap.Error(err))
		}
		return store, repository.NewPostgresPriceSource(db)
	}
	logger.Warn("postgres not configured, using in-memory slot lock store")
	capacity := repository.NewMemoryCapacitySource()
	return repository.NewMemoryStore(capacity), repository.NewMemoryPriceSource()
}
