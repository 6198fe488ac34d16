package trader

import (
	"go.uber.org/fx"

	detectorsvc "github.com/arafuse/CryptoWatcher/internal/modules/detector/service"
	"github.com/arafuse/CryptoWatcher/internal/modules/trader/service"
)

// Module — исполнение действий детекций: покупки, продажи, стопы.
func Module() fx.Option {
	return fx.Module("trader",
		fx.Provide(
			service.NewTrader,
			func(t *service.Trader) detectorsvc.Trader { return t },
		),
	)
}
