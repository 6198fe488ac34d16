package telegram

import (
	"context"

	"go.uber.org/fx"

	"github.com/arafuse/CryptoWatcher/internal/modules/config"
	detectorsvc "github.com/arafuse/CryptoWatcher/internal/modules/detector/service"
	marketsvc "github.com/arafuse/CryptoWatcher/internal/modules/market/service"
	tradersvc "github.com/arafuse/CryptoWatcher/internal/modules/trader/service"
	"github.com/arafuse/CryptoWatcher/internal/notify"
	"github.com/arafuse/CryptoWatcher/pkg/logger"
)

func Module() fx.Option {
	return fx.Module("telegram",
		// Нотифайер: Telegram при заданном токене, иначе stdout
		fx.Provide(
			func(conf *config.Config, market *marketsvc.Market, trader *tradersvc.Trader) notify.Notifier {
				if conf.Telegram.Token == "" {
					return notify.NewStdout()
				}
				t, err := notify.NewTelegram(conf.Telegram.Token, conf.Telegram.ChatID, market, trader)
				if err != nil {
					logger.Warn("Telegram init failed, falling back to stdout: %v", err)
					return notify.NewStdout()
				}
				return t
			},
		),

		// Адаптер: notify.Notifier -> detector Alerter
		fx.Provide(
			func(n notify.Notifier) detectorsvc.Alerter {
				return n
			},
		),

		// Запуск long-polling через Lifecycle
		fx.Invoke(
			func(lc fx.Lifecycle, n notify.Notifier, ctx context.Context) {
				t, ok := n.(*notify.Telegram)
				if !ok {
					return
				}
				lc.Append(fx.Hook{
					OnStart: func(_ context.Context) error {
						return t.Start(ctx)
					},
					OnStop: func(_ context.Context) error {
						t.Stop()
						return nil
					},
				})
			},
		),
	)
}
