package indicator

import (
	"go.uber.org/fx"

	"github.com/arafuse/CryptoWatcher/internal/modules/indicator/service"
)

// Module — производные ряды: скользящие средние, полосы Боллинджера, RSI.
func Module() fx.Option {
	return fx.Module("indicator",
		fx.Provide(
			service.NewIndicator,
		),
	)
}
