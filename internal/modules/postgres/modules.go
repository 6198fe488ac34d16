package postgres

import (
	"context"
	"fmt"

	"github.com/arafuse/CryptoWatcher/internal/modules/config"
	"github.com/arafuse/CryptoWatcher/internal/state"
	"github.com/arafuse/CryptoWatcher/pkg/db"
	"github.com/arafuse/CryptoWatcher/pkg/logger"

	"go.uber.org/fx"
)

// Module провайдит пул соединений и checkpoint store. Без DSN работаем
// с in-memory store (состояние не переживёт рестарт).
func Module() fx.Option {
	return fx.Module("postgres",
		fx.Provide(
			func(ctx context.Context, cfg *config.Config) (state.Store, error) {
				if cfg.DB == "" {
					logger.Warn("No database DSN configured, checkpoints will not survive restarts.")
					return state.NewMemoryStore(), nil
				}

				poolMaster, err := db.NewPool(ctx, db.PoolConfig{
					DSN: cfg.DB,
				})
				if err != nil {
					return nil, fmt.Errorf("failed to create poolMaster: %w", err)
				}

				err = poolMaster.Ping(ctx)
				if err != nil {
					return nil, err
				}

				return state.NewPgStore(ctx, db.NewPgTxManager(poolMaster))
			},
		),
	)
}
