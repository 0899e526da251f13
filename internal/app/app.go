package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/zoobzio/clockz"

	"github.com/DrorGr/amesaFE-sub002/internal/config"
	"github.com/DrorGr/amesaFE-sub002/internal/event"
	"github.com/DrorGr/amesaFE-sub002/internal/flow"
	"github.com/DrorGr/amesaFE-sub002/internal/gateway"
	handler "github.com/DrorGr/amesaFE-sub002/internal/handler/http"
	"github.com/DrorGr/amesaFE-sub002/internal/provider"
	"github.com/DrorGr/amesaFE-sub002/internal/provider/commerce"
	providermock "github.com/DrorGr/amesaFE-sub002/internal/provider/mock"
	"github.com/DrorGr/amesaFE-sub002/internal/provider/stripe"
	"github.com/DrorGr/amesaFE-sub002/internal/reconciler"
	"github.com/DrorGr/amesaFE-sub002/internal/repository/postgres"
	"github.com/DrorGr/amesaFE-sub002/internal/scratch"
	"github.com/DrorGr/amesaFE-sub002/pkg/database"
	"github.com/DrorGr/amesaFE-sub002/pkg/health"
	"github.com/DrorGr/amesaFE-sub002/pkg/httpclient"
	pkgkafka "github.com/DrorGr/amesaFE-sub002/pkg/kafka"
	"github.com/DrorGr/amesaFE-sub002/pkg/middleware"
	"github.com/DrorGr/amesaFE-sub002/pkg/tracing"
)

const serviceName = "payflow"

// App wires together all dependencies and runs the payflow service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *redis.Client
	producer       *pkgkafka.Producer
	dlq            *pkgkafka.DLQProducer
	consumer       *pkgkafka.Consumer
	manager        *flow.Manager
	reconciler     *reconciler.Reconciler
	limiter        *middleware.RateLimiter
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := &App{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	clock := clockz.RealClock

	// Initialize OpenTelemetry tracing.
	tracingCfg := cfg.Tracing
	tracingCfg.ServiceName = serviceName
	tracerShutdown, err := tracing.InitTracer(ctx, tracingCfg)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	a.tracerShutdown = tracerShutdown

	// Initialize the settlement ledger.
	pool, err := database.NewPostgresPool(ctx, &cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	a.pool = pool
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.Postgres.Host),
		slog.Int("port", cfg.Postgres.Port),
		slog.String("database", cfg.Postgres.DBName),
	)
	if err := database.RegisterPoolMetrics(prometheus.DefaultRegisterer, pool, serviceName); err != nil {
		logger.Warn("pool metrics not registered", slog.String("error", err.Error()))
	}
	if err := database.RunMigrations(ctx, pool, postgres.Migrations(), logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")
	if cfg.SlowQueryThreshold > 0 {
		database.SetSlowQueryLogging(cfg.SlowQueryThreshold, logger)
	}
	settlements := postgres.NewSettlementRepository(pool)

	// Recovery records and event deduplication.
	var (
		store      scratch.Store
		dedupStore pkgkafka.IdempotencyStore
	)
	if cfg.Scratch == config.ScratchRedis {
		rdb, err := database.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		a.redis = rdb
		store = scratch.NewRedisStore(rdb, clock)
		dedupStore = pkgkafka.NewRedisIdempotencyStore(rdb, serviceName+":events:", cfg.EventDedupTTL)
		logger.Info("connected to Redis", slog.String("addr", cfg.Redis.Addr()))
	} else {
		store = scratch.NewMemoryStore(clock)
		dedupStore = pkgkafka.NewMemoryIdempotencyStore(cfg.EventDedupTTL)
		logger.Warn("recovery records kept in memory; card authentication redirects will not survive a restart")
	}

	// Kafka producer.
	kafkaCfg := cfg.Kafka
	a.producer = pkgkafka.NewProducer(kafkaCfg, logger)
	events := event.NewProducer(a.producer, logger)
	logger.Info("kafka producer initialized", slog.Any("brokers", kafkaCfg.Brokers))

	// Lottery backend with circuit breaker.
	lotteryDoer := httpclient.NewCircuitBreakerClient(httpclient.New(cfg.LotteryHTTP), cfg.LotteryBreaker, logger)
	backend := gateway.NewClient(cfg.Lottery, lotteryDoer)

	card, crypto := a.providers(clock)
	containers := flow.NewContainers()

	a.manager = flow.NewManager(flow.Deps{
		Pricing:      backend,
		Reservations: backend,
		Tickets:      backend,
		Card:         card,
		Crypto:       crypto,
		Keys:         gateway.UUIDKeys{},
		Scratch:      store,
		Surface:      containers,
		Recorder:     settlements,
		Events:       events,
		Clock:        clock,
		Logger:       logger,
	}, cfg.Flow)

	// Server-side issuance for settlements the browser left behind.
	a.reconciler = reconciler.New(settlements, backend, events, clock, cfg.Reconciler, logger)
	if !cfg.ReconcilerDisabled {
		a.dlq = pkgkafka.NewDLQProducer(kafkaCfg.Brokers, logger)
		a.consumer = pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
			Brokers:    kafkaCfg.Brokers,
			GroupID:    cfg.KafkaGroupID,
			Topics:     reconciler.Topics,
			MaxRetries: cfg.KafkaMaxRetries,
			Backoff:    cfg.KafkaRetryBackoff,
		}, a.reconciler.Handler(dedupStore), a.dlq, logger)
	}

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	if a.redis != nil {
		rdb := a.redis
		healthHandler.RegisterCritical("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}
	healthHandler.Register("kafka", func(ctx context.Context) error {
		return a.producer.Ping(ctx)
	})

	// HTTP router.
	if cfg.RateLimitRPS > 0 {
		a.limiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute, logger)
	}
	router := handler.NewRouter(
		handler.RouterConfig{
			JWTSecret:           cfg.JWTSecret,
			CORS:                cfg.CORS,
			RequestTimeout:      cfg.RequestTimeout,
			MetricsAllowedCIDRs: cfg.MetricsAllowedCIDRs,
			PprofAllowedCIDRs:   cfg.PprofAllowedCIDRs,
		},
		handler.NewFlowHandler(a.manager, containers, logger),
		handler.NewSettlementHandler(settlements, logger),
		healthHandler,
		a.limiter,
		logger,
	)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// providers selects the payment rails.
func (a *App) providers(clock clockz.Clock) (provider.CardProvider, provider.CryptoProvider) {
	cfg := a.cfg
	if cfg.Providers == config.ProvidersLive {
		commerceDoer := httpclient.NewCircuitBreakerClient(httpclient.New(cfg.CommerceHTTP), cfg.CommerceBreaker, a.logger)
		a.logger.Info("using live payment providers")
		return stripe.New(cfg.Stripe, nil, clock), commerce.New(cfg.Commerce, commerceDoer)
	}
	a.logger.Warn("using in-memory mock payment providers")
	return providermock.NewCard(clock, cfg.MockIntentTTL),
		providermock.NewCrypto(clock, cfg.MockIntentTTL, cfg.MockSettleAfter)
}

// Run starts the HTTP server, the flow sweeper and the reconciler, and
// blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	a.manager.StartSweeper()
	if !a.cfg.ReconcilerDisabled {
		a.reconciler.Start()
	}

	if a.consumer != nil {
		go func() {
			a.logger.Info("starting reconciler consumer", slog.Any("topics", reconciler.Topics))
			if err := a.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("reconciler consumer: %w", err)
			}
		}()
	}

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		_ = a.Shutdown()
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in order:
// 1. HTTP server (drain in-flight requests)
// 2. Open flows and the sweepers
// 3. Reconciler consumer
// 4. Tracer
// 5. Kafka producers, Redis and PostgreSQL
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	flowCtx, flowCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flowCancel()
	a.manager.Stop(flowCtx)
	a.reconciler.Stop()

	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			a.logger.Error("kafka consumer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	errs = append(errs, a.closeResources()...)

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// closeResources releases connections. It is safe on a partially built App.
func (a *App) closeResources() []error {
	var errs []error
	if a.limiter != nil {
		a.limiter.Close()
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if a.dlq != nil {
		if err := a.dlq.Close(); err != nil {
			a.logger.Error("kafka dlq producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errs
}
