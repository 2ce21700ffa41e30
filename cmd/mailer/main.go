package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/keyshop/internal/config"
	kafkax "github.com/ariefcatur/keyshop/internal/kafka"
	"github.com/ariefcatur/keyshop/internal/logging"
	"github.com/ariefcatur/keyshop/internal/notify"
	"github.com/ariefcatur/keyshop/internal/orders"
	"github.com/ariefcatur/keyshop/internal/redisx"
	"github.com/ariefcatur/keyshop/internal/telemetry"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config_invalid", zap.Error(err))
	}
	service := cfg.ServiceName + "-mailer"
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}, service)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.Config{
		ServiceName: service,
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    true,
	})
	if err != nil {
		log.Fatal("tracing_setup_failed", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	// Redis for redelivery dedup
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	m := &notify.Mailer{
		Sender:      notify.LogSender{Log: log},
		Dedup:       redisx.NewCache(rdb),
		Log:         log,
		ServiceName: service,
	}

	// Consumer
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.MailerGroup, orders.TopicEmailOutbound, cfg.MailerWorkers, log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info("mailer_consumer_started",
			zap.String("group", cfg.MailerGroup),
			zap.String("topic", orders.TopicEmailOutbound),
			zap.Int("workers", cfg.MailerWorkers),
		)
		if err := cons.Start(ctx, m.Handle); err != nil && ctx.Err() == nil {
			log.Error("consumer_exit", zap.Error(err))
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("shutting_down_consumer")
	cancel()
	<-done
}
