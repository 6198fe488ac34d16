package market

import (
	"go.uber.org/fx"

	"github.com/arafuse/CryptoWatcher/internal/modules/market/service"
)

// Module — рыночные данные: пары, тики, пересчёт к торговой базе.
func Module() fx.Option {
	return fx.Module("market",
		fx.Provide(
			service.NewMarket,
		),
	)
}
