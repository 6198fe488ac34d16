package detector

import (
	"time"

	"go.uber.org/fx"

	"github.com/arafuse/CryptoWatcher/internal/helper"
	"github.com/arafuse/CryptoWatcher/internal/modules/config"
	"github.com/arafuse/CryptoWatcher/internal/modules/detector/service"
	indsvc "github.com/arafuse/CryptoWatcher/internal/modules/indicator/service"
	marketsvc "github.com/arafuse/CryptoWatcher/internal/modules/market/service"
	"github.com/arafuse/CryptoWatcher/internal/state"
)

// Module — детекции рыночных событий и диспатч их действий.
func Module() fx.Option {
	return fx.Module("detector",
		fx.Provide(
			func(conf *config.Config, market *marketsvc.Market, indicator *indsvc.Indicator,
				store state.Store, reporter service.Alerter, trader service.Trader) *service.Detector {

				prefix := helper.TimePrefix(time.Now().UTC(), time.Duration(conf.OutputRolloverSecs)*time.Second)
				return service.NewDetector(conf, market, indicator, store, reporter, trader, prefix)
			},
		),
	)
}
