package runner

import (
	"context"

	"go.uber.org/fx"

	"github.com/arafuse/CryptoWatcher/pkg/logger"
)

func Module() fx.Option {
	return fx.Module("runner",
		fx.Provide(
			NewWatcher,
		),
		fx.Invoke(func(lc fx.Lifecycle, w *Watcher, shutdowner fx.Shutdowner, ctx context.Context) {
			lc.Append(fx.Hook{
				OnStart: func(_ context.Context) error {
					go func() {
						if err := w.Run(ctx); err != nil && ctx.Err() == nil {
							logger.Error("Watcher stopped: %v", err)
						}
						_ = shutdowner.Shutdown()
					}()
					return nil
				},
			})
		}),
	)
}
