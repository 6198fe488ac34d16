package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arafuse/CryptoWatcher/internal/exchange"
	"github.com/arafuse/CryptoWatcher/internal/modules/config"
	"github.com/arafuse/CryptoWatcher/internal/modules/detector"
	"github.com/arafuse/CryptoWatcher/internal/modules/health"
	"github.com/arafuse/CryptoWatcher/internal/modules/indicator"
	"github.com/arafuse/CryptoWatcher/internal/modules/market"
	"github.com/arafuse/CryptoWatcher/internal/modules/postgres"
	telegram "github.com/arafuse/CryptoWatcher/internal/modules/telegram_bot"
	"github.com/arafuse/CryptoWatcher/internal/modules/trader"
	"github.com/arafuse/CryptoWatcher/internal/runner"
	"github.com/arafuse/CryptoWatcher/pkg/logger"
	"github.com/arafuse/CryptoWatcher/pkg/tracing"

	"go.uber.org/fx"
)

const serviceName = "cryptowatcher"

func main() {
	logger.SetServiceName(serviceName)
	if err := logger.Init(); err != nil {
		log.Fatal(err)
	}

	// повторный сигнал — жёсткий выход
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigs := make(chan os.Signal, 2)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		<-sigs
		logger.Info("Shutting down, interrupt again to force exit.")
		cancel()
		<-sigs
		os.Exit(1)
	}()

	app := fx.New(
		fx.Provide(
			func() context.Context {
				return ctx
			},
			func(cfg *config.Config) exchange.Client {
				return exchange.NewBittrexClient(exchange.BittrexConfig{
					BaseURL:    cfg.APIBaseURL,
					APIKey:     cfg.APIKey,
					APISecret:  cfg.APISecret,
					MaxRetries: cfg.HTTPMaxRetries,
					MaxBackoff: time.Duration(cfg.HTTPMaxBackoffSecs) * time.Second,
				})
			},
		),
		config.Module(),
		postgres.Module(),
		market.Module(),
		indicator.Module(),
		trader.Module(),
		detector.Module(),
		telegram.Module(),
		health.Module(),
		runner.Module(),
		fx.Invoke(func(cfg *config.Config) {
			logger.SetVerbosity(cfg.Verbosity)
			tracing.SetServiceName(serviceName)
			if cfg.Jaeger.Host != "" {
				if _, _, err := tracing.InitTracer(tracing.Config{
					Host: cfg.Jaeger.Host,
					Port: cfg.Jaeger.Port,
				}); err != nil {
					logger.Warn("Tracer init failed: %v", err)
				}
			}
		}),
	)

	app.Run()
}
