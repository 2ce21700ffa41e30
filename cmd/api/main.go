package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/keyshop/internal/config"
	"github.com/ariefcatur/keyshop/internal/httpx"
	kafkax "github.com/ariefcatur/keyshop/internal/kafka"
	"github.com/ariefcatur/keyshop/internal/logging"
	"github.com/ariefcatur/keyshop/internal/memory"
	"github.com/ariefcatur/keyshop/internal/metrics"
	"github.com/ariefcatur/keyshop/internal/notify"
	"github.com/ariefcatur/keyshop/internal/orders"
	"github.com/ariefcatur/keyshop/internal/postgres"
	"github.com/ariefcatur/keyshop/internal/redisx"
	"github.com/ariefcatur/keyshop/internal/scheduler"
	"github.com/ariefcatur/keyshop/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config_invalid", zap.Error(err))
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}, cfg.ServiceName)
	defer log.Sync()
	zap.ReplaceGlobals(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.OtelEndpoint,
		Insecure:       true,
	})
	if err != nil {
		log.Fatal("tracing_setup_failed", zap.Error(err))
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Storage
	var store orders.Store
	switch cfg.StorageDriver {
	case "memory":
		mem := memory.New()
		seedDemo(mem)
		store = mem
		log.Warn("storage_in_memory", zap.String("hint", "state is lost on restart"))
	default:
		if cfg.MigrateOnStart {
			if err := postgres.MigrateUp(cfg.PostgresDSN, log); err != nil {
				log.Fatal("migrate_failed", zap.Error(err))
			}
		}
		db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolConfig{MaxConns: cfg.PostgresMaxConns})
		if err != nil {
			log.Fatal("db_connect_failed", zap.Error(err))
		}
		defer db.Close()
		store = postgres.NewStore(db)
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	var cache orders.Cache = redisx.NewCache(rdb)
	if err := redisx.Ping(ctx, rdb); err != nil {
		log.Warn("redis_unavailable_using_memory_cache", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		mc := memory.NewCache()
		defer mc.Close()
		cache = mc
	}

	// Kafka producer for lifecycle events, sync writer for outbound email
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start()
	mailer := notify.NewKafkaNotifier(cfg.KafkaBrokers)

	// Orders + deadline scheduler. The scheduler calls back into the service, so it
	// gets closures that read svc once it is set.
	var svc *orders.Service
	sched := scheduler.New(scheduler.Config{
		SweepInterval: cfg.SweepInterval,
		RetryDelay:    cfg.RetryDelay,
		DeliveryGrace: cfg.DeliveryGrace,
	}, func(ctx context.Context, orderID string) error {
		return svc.Expire(ctx, orderID)
	}, func(ctx context.Context, dueBefore time.Time) ([]scheduler.Deadline, error) {
		return svc.PendingDeadlines(ctx, dueBefore)
	}, log, m).WithStranded(func(ctx context.Context, paidBefore time.Time) ([]string, error) {
		return svc.StrandedPayments(ctx, paidBefore)
	}, func(ctx context.Context, orderID string) error {
		return svc.AbandonDelivery(ctx, orderID)
	})

	svc = orders.NewService(orders.Deps{
		Store:         store,
		Timers:        sched,
		Notifier:      mailer,
		Cache:         cache,
		Publisher:     kafkax.NewEventPublisher(prod),
		Log:           log,
		Metrics:       m,
		PaymentWindow: cfg.PaymentWindow,
		ServiceName:   cfg.ServiceName,
	})

	if err := sched.Recover(ctx); err != nil {
		log.Fatal("scheduler_recover_failed", zap.Error(err))
	}
	if err := sched.Start(ctx); err != nil {
		log.Fatal("scheduler_start_failed", zap.Error(err))
	}

	// HTTP
	router := httpx.NewRouter(log, reg)
	(&httpx.OrdersHandler{Service: svc}).Register(router)
	(&httpx.ProductsHandler{Service: svc}).Register(router)
	(&httpx.AdminOrdersHandler{Service: svc}).Register(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	// graceful shutdown
	go func() {
		log.Info("http_listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http_listen_failed", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting_down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	if err := sched.Stop(ctx2); err != nil {
		log.Warn("scheduler_stop_timeout", zap.Error(err))
	}
	prod.Close()      // close inbox -> flush & close writer
	prod.WaitClosed() // drain
	_ = mailer.Close()
	cancel()
	if err := shutdownTracing(ctx2); err != nil {
		log.Warn("tracing_shutdown_failed", zap.Error(err))
	}
}
