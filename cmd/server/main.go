package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"openbooking/config"
	"openbooking/internal/api"
	"openbooking/internal/broker"
	"openbooking/internal/calc"
	"openbooking/internal/clock"
	"openbooking/internal/engine"
	"openbooking/internal/idempotency"
	"openbooking/internal/idtemplate"
	"openbooking/internal/models"
	"openbooking/internal/rpde"
	"openbooking/internal/store"
	"openbooking/internal/store/memstore"
	"openbooking/internal/store/sqlstore"
	"openbooking/internal/util"
	"openbooking/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting open booking service", zap.String("base_url", cfg.Server.BaseURL))

	tp, err := util.InitTracer("openbooking", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	if tp != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	clk := clock.NewSystem()

	st, closeStore, err := openStore(cfg.Database, clk)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer closeStore()
	logger.Info("Store ready", zap.String("driver", cfg.Database.Driver))

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var cache idempotency.Cache
	if cfg.Redis.Addr != "" {
		rdb, err := idempotency.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer rdb.Close()
		cache = idempotency.NewRedisCache(rdb, cfg.Redis.IdempotencyTTL)
		logger.Info("Redis connected")
	} else {
		memCache := idempotency.NewMemoryCache(cfg.Redis.IdempotencyTTL, clk)
		go sweep(workerCtx, time.Minute, memCache.Sweep)
		cache = memCache
	}

	ids, err := idtemplate.Default(cfg.Server.BaseURL)
	if err != nil {
		logger.Fatal("Failed to register id templates", zap.Error(err))
	}

	opts := []engine.Option{engine.WithClock(clk), engine.WithLogger(logger)}
	if len(cfg.Kafka.Brokers) > 0 {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrderEvents)
		defer producer.Close()
		opts = append(opts, engine.WithNotifier(broker.NewEventPublisher(producer)))
		logger.Info("Kafka producer initialized")
	}

	bookingEngine, err := engine.New(engineConfig(cfg), st, ids, cache, opts...)
	if err != nil {
		logger.Fatal("Failed to create booking engine", zap.Error(err))
	}

	reaper := worker.NewLeaseReaper(bookingEngine, cfg.Booking.LeaseReapEvery, logger)
	go func() {
		if err := reaper.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Lease reaper error", zap.Error(err))
		}
	}()

	var actionWorker *worker.SellerActionWorker
	if len(cfg.Kafka.Brokers) > 0 {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicSellerAction, cfg.Kafka.ConsumerGroup)
		actionWorker = worker.NewSellerActionWorker(consumer, bookingEngine)
		go func() {
			if err := actionWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Seller action worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	limiter := api.NewClientLimiter(cfg.Server.RateLimitPerMin)
	if limiter != nil {
		go sweep(workerCtx, time.Minute, limiter.Sweep)
	}

	router := gin.New()
	handler := api.NewHandler(bookingEngine, limiter, logger)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	reaper.Stop()
	workerCancel()
	if actionWorker != nil {
		actionWorker.Stop()
	}

	logger.Info("Server exited")
}

func openStore(cfg config.DatabaseConfig, clk clock.Clock) (store.OrderStore, func(), error) {
	if cfg.Driver == "memory" {
		return memstore.New(clk), func() {}, nil
	}
	st, err := sqlstore.New(cfg.Driver, cfg.URL, clk)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}

func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig(cfg.Server.BaseURL)
	ec.LockTimeout = cfg.Booking.LockTimeout
	ec.LeaseTTL = cfg.Booking.LeaseTTL
	ec.LeasingEnabled = cfg.Booking.LeasingEnabled

	ec.Tax = calc.DefaultSettings()
	if strings.EqualFold(cfg.Booking.TaxMode, "net") {
		ec.Tax.TaxMode = models.TaxModeNet
	}
	ec.Tax.IncludeTaxB2C = cfg.Booking.IncludeTaxB2C
	ec.Tax.IncludeTaxB2B = cfg.Booking.IncludeTaxB2B

	ec.Feed = rpde.DefaultSettings()
	ec.Feed.PageSize = cfg.Feed.PageSize
	ec.Feed.SafetyWindow = cfg.Feed.SafetyWindow
	ec.Feed.MaxAge = cfg.Feed.MaxAge
	ec.Feed.LastPageMaxAge = cfg.Feed.LastPageMaxAge
	return ec
}

func sweep(ctx context.Context, every time.Duration, fn func() int) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
