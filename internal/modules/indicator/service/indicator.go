package service

import (
	"github.com/arafuse/CryptoWatcher/internal/helper"
	"github.com/arafuse/CryptoWatcher/internal/modules/config"
	marketsvc "github.com/arafuse/CryptoWatcher/internal/modules/market/service"
	"github.com/arafuse/CryptoWatcher/pkg/logger"
)

// BBands — верхняя и нижняя полосы Боллинджера.
type BBands struct {
	High []float64
	Low  []float64
}

// Indicator держит производные ряды по парам: скользящие средние,
// их сглаженные версии, средние производных объёма, полосы Боллинджера
// и RSI. Считается поверх данных Market, доступ сериализуется тем же
// внешним замком.
type Indicator struct {
	conf   *config.Config
	market *marketsvc.Market

	// несглаженные ряды, по ним идут инкрементальные обновления
	SourceCloseValueMAs  map[string]map[int][]float64
	SourceCloseValueEMAs map[string]map[int][]float64

	// версии после фильтра, их видят правила детекций
	CloseValueMAs  map[string]map[int][]float64
	CloseValueEMAs map[string]map[int][]float64

	VolumeDerivMAs map[string]map[int][]float64
	BollingerBands map[string]*BBands
	RSI            map[string][]float64
}

func NewIndicator(conf *config.Config, market *marketsvc.Market) *Indicator {
	return &Indicator{
		conf:   conf,
		market: market,

		SourceCloseValueMAs:  map[string]map[int][]float64{},
		SourceCloseValueEMAs: map[string]map[int][]float64{},
		CloseValueMAs:        map[string]map[int][]float64{},
		CloseValueEMAs:       map[string]map[int][]float64{},
		VolumeDerivMAs:       map[string]map[int][]float64{},
		BollingerBands:       map[string]*BBands{},
		RSI:                  map[string][]float64{},
	}
}

func (ind *Indicator) isTradeBasePair(pair string) bool {
	base, _, _ := helper.SplitPair(pair)
	return base == ind.conf.TradeBase
}

// RefreshDerivedData пересчитывает все производные данные пары с нуля.
func (ind *Indicator) RefreshDerivedData(pair string) {
	ind.market.RefreshAdjustedTickData(pair)
	ind.refreshMAs(pair)
	ind.refreshEMAs(pair)
	ind.filterMAs(pair)
	ind.filterEMAs(pair)
	ind.refreshBBands(pair)
	ind.refreshIndicators(pair)
}

// UpdateDerivedData досчитывает производные данные для новых тиков.
func (ind *Indicator) UpdateDerivedData(pair string) {
	ind.market.UpdateAdjustedTickData(pair)
	ind.updateMAs(pair)
	ind.updateEMAs(pair)
	ind.filterMAs(pair)
	ind.filterEMAs(pair)
	ind.updateBBands(pair)
	ind.refreshIndicators(pair)
}

func (ind *Indicator) refreshMAs(pair string) {
	ind.SourceCloseValueMAs[pair] = map[int][]float64{}
	ind.CloseValueMAs[pair] = map[int][]float64{}
	ind.VolumeDerivMAs[pair] = map[int][]float64{}
	ind.BollingerBands[pair] = &BBands{}

	adjusted := ind.market.AdjustedCloseValues[pair]
	for _, window := range ind.conf.MAWindows {
		source := tail(adjusted, ind.conf.ChartAge+window)
		if len(source) < window {
			logger.Error("Cannot refresh MA %d for %s with data length of %d!", window, pair, len(adjusted))
			continue
		}
		ma := helper.MovingAverage(source, window)[window:]
		ind.SourceCloseValueMAs[pair][window] = ma
		ind.CloseValueMAs[pair][window] = ma
	}

	derivs := ind.market.BaseVolumes[pair][1]
	for _, window := range ind.conf.VDMAWindows {
		source := tail(derivs, ind.conf.ChartAge+window)
		if len(source) < window {
			logger.Error("Cannot refresh VDMA %d for %s with data length of %d!", window, pair, len(derivs))
			continue
		}
		ind.VolumeDerivMAs[pair][window] = helper.MovingAverage(source, window)[window:]
	}

	logger.Debug(1, "%s Refreshed moving averages.", pair)
}

func (ind *Indicator) refreshEMAs(pair string) {
	ind.SourceCloseValueEMAs[pair] = map[int][]float64{}
	ind.CloseValueEMAs[pair] = map[int][]float64{}

	if ind.conf.EMATradeBaseOnly && !ind.isTradeBasePair(pair) {
		for _, window := range ind.conf.EMAWindows {
			ind.SourceCloseValueEMAs[pair][window] = []float64{}
			ind.CloseValueEMAs[pair][window] = []float64{}
		}
		return
	}

	adjusted := ind.market.AdjustedCloseValues[pair]
	for _, window := range ind.conf.EMAWindows {
		source := tail(adjusted, ind.conf.ChartAge+window*2)
		if len(source) < window*2 {
			logger.Error("Cannot refresh EMA %d for %s with data length of %d!", window, pair, len(adjusted))
			continue
		}
		ema := helper.ExponentialMovingAverage(source, window)[window*2:]
		ind.SourceCloseValueEMAs[pair][window] = ema
		ind.CloseValueEMAs[pair][window] = ema
	}

	logger.Debug(1, "%s Refreshed exponential moving averages.", pair)
}

func (ind *Indicator) updateMAs(pair string) {
	num := ind.market.LastUpdateNums[pair]
	adjusted := ind.market.AdjustedCloseValues[pair]

	for _, window := range ind.conf.MAWindows {
		ma, ok := ind.SourceCloseValueMAs[pair][window]
		if !ok || len(adjusted) < num+window {
			logger.Error("Cannot update MA %d for %s with data length of %d!", window, pair, len(adjusted))
			continue
		}

		for index := len(adjusted) - num; index < len(adjusted); index++ {
			ma = append(ma, helper.Mean(adjusted[index-window:index]))
		}

		if truncate := len(ma) - ind.market.MinTickLength; truncate > 60 {
			ma = ma[truncate:]
		}

		ind.SourceCloseValueMAs[pair][window] = ma
		ind.CloseValueMAs[pair][window] = ma
	}

	derivs := ind.market.BaseVolumes[pair][1]
	for _, window := range ind.conf.VDMAWindows {
		ma, ok := ind.VolumeDerivMAs[pair][window]
		if !ok || len(derivs) < num+window {
			logger.Error("Cannot update VDMA %d for %s with data length of %d!", window, pair, len(derivs))
			continue
		}

		for index := len(derivs) - num; index < len(derivs); index++ {
			ma = append(ma, helper.Mean(derivs[index-window:index]))
		}

		if truncate := len(ma) - ind.market.MinTickLength; truncate > 60 {
			ma = ma[truncate:]
		}

		ind.VolumeDerivMAs[pair][window] = ma
	}

	logger.Debug(1, "%s Updated moving averages.", pair)
}

func (ind *Indicator) updateEMAs(pair string) {
	if ind.conf.EMATradeBaseOnly && !ind.isTradeBasePair(pair) {
		return
	}

	num := ind.market.LastUpdateNums[pair]
	adjusted := ind.market.AdjustedCloseValues[pair]

	for _, window := range ind.conf.EMAWindows {
		ema, ok := ind.SourceCloseValueEMAs[pair][window]
		if !ok || len(adjusted) < num+window*2 {
			logger.Error("Cannot update EMA %d for %s with data length of %d!", window, pair, len(adjusted))
			continue
		}

		for index := len(adjusted) - num; index < len(adjusted); index++ {
			ema = append(ema, helper.EMAStep(adjusted, window, index))
		}

		if truncate := len(ema) - ind.market.MinTickLength; truncate > 60 {
			ema = ema[truncate:]
		}

		ind.SourceCloseValueEMAs[pair][window] = ema
		ind.CloseValueEMAs[pair][window] = ema
	}

	logger.Debug(1, "%s Updated exponential moving averages.", pair)
}

// filterMAs сглаживает скользящие средние фильтром Савицкого-Голея.
// Снижает шум и повышает точность детекций на подходящих параметрах.
// Хвост ряда дополняется последним значением, чтобы фильтр не съезжал
// на краю.
func (ind *Indicator) filterMAs(pair string) {
	if !ind.conf.MAFilter {
		return
	}

	filterWindow := ind.conf.MAFilterWindow

	for _, window := range ind.conf.MAWindows {
		source := ind.SourceCloseValueMAs[pair][window]
		if len(source) == 0 {
			continue
		}
		if len(source) <= filterWindow {
			logger.Warn("Not enough data to filter MA %d for %s.", window, pair)
			continue
		}

		padded := make([]float64, 0, len(source)+filterWindow)
		padded = append(padded, source...)
		padValue := source[len(source)-1]
		for i := 0; i < filterWindow; i++ {
			padded = append(padded, padValue)
		}

		result := helper.SavGol(padded, filterWindow, ind.conf.MAFilterOrder)
		ind.CloseValueMAs[pair][window] = result[:len(result)-filterWindow]
	}

	logger.Debug(1, "%s Filtered moving averages.", pair)
}

func (ind *Indicator) filterEMAs(pair string) {
	if ind.conf.EMATradeBaseOnly && !ind.isTradeBasePair(pair) {
		return
	}
	if !ind.conf.MAFilter {
		return
	}

	filterWindow := ind.conf.MAFilterWindow

	for _, window := range ind.conf.EMAWindows {
		source := ind.SourceCloseValueEMAs[pair][window]
		if len(source) == 0 {
			continue
		}
		if len(source) <= filterWindow {
			logger.Warn("Not enough data to filter EMA %d for %s.", window, pair)
			continue
		}

		// хвостовое дополнение остаётся в несглаженном ряду
		padValue := source[len(source)-1]
		for i := 0; i < filterWindow; i++ {
			source = append(source, padValue)
		}
		ind.SourceCloseValueEMAs[pair][window] = source

		result := helper.SavGol(source, filterWindow, ind.conf.MAFilterOrder)
		ind.CloseValueEMAs[pair][window] = result[:len(result)-filterWindow]
	}

	logger.Debug(1, "%s Filtered exponential moving averages.", pair)
}

func (ind *Indicator) refreshBBands(pair string) {
	if !ind.conf.EnableBBands {
		return
	}

	bbandWindow := ind.conf.MAWindows[ind.conf.BBandMA]
	source := tail(ind.market.AdjustedCloseValues[pair], ind.conf.ChartAge+bbandWindow)
	sourceMA := ind.CloseValueMAs[pair][bbandWindow]

	var high, low []float64
	maIndex := 0

	for index := bbandWindow; index < len(source) && maIndex < len(sourceMA); index++ {
		stdev := helper.StdDev(source[index-bbandWindow:index]) * ind.conf.BBandMult
		high = append(high, sourceMA[maIndex]+stdev)
		low = append(low, sourceMA[maIndex]-stdev)
		maIndex++
	}

	ind.BollingerBands[pair] = &BBands{High: high, Low: low}
	logger.Debug(1, "%s Refreshed Bollinger bands.", pair)
}

func (ind *Indicator) updateBBands(pair string) {
	if !ind.conf.EnableBBands {
		return
	}

	bbandWindow := ind.conf.MAWindows[ind.conf.BBandMA]
	source := ind.market.AdjustedCloseValues[pair]
	sourceMA := ind.CloseValueMAs[pair][bbandWindow]
	num := ind.market.LastUpdateNums[pair]

	bands, ok := ind.BollingerBands[pair]
	if !ok {
		bands = &BBands{}
		ind.BollingerBands[pair] = bands
	}

	maIndex := len(sourceMA) - num
	for index := len(source) - num; index < len(source); index++ {
		if index < bbandWindow || maIndex < 0 || maIndex >= len(sourceMA) {
			maIndex++
			continue
		}
		stdev := helper.StdDev(source[index-bbandWindow:index]) * ind.conf.BBandMult
		bands.High = append(bands.High, sourceMA[maIndex]+stdev)
		bands.Low = append(bands.Low, sourceMA[maIndex]-stdev)
		maIndex++
	}

	logger.Debug(1, "%s Updated Bollinger bands.", pair)
}

func (ind *Indicator) refreshIndicators(pair string) {
	if ind.conf.EnableRSI {
		ind.refreshRSI(pair)
	}
}

// refreshRSI — область значений индекса относительной силы со
// сглаживанием Уайлдера.
func (ind *Indicator) refreshRSI(pair string) {
	source := tail(ind.market.AdjustedCloseValues[pair], ind.conf.RSISize)
	deltas := helper.Diff(source)
	n := ind.conf.RSIWindow

	if len(deltas) < n+1 {
		return
	}

	var up, down float64
	for _, value := range deltas[:n+1] {
		if value >= 0 {
			up += value
		} else {
			down -= value
		}
	}
	up /= float64(n)
	down /= float64(n)

	rs := 0.0
	if down != 0 {
		rs = up / down
	}

	rsi := make([]float64, len(source))
	for i := 0; i < n && i < len(rsi); i++ {
		rsi[i] = 100.0 - 100.0/(1.0+rs)
	}

	for i := n; i < len(source); i++ {
		delta := deltas[i-1]
		var upval, downval float64
		if delta > 0 {
			upval = delta
		} else {
			downval = -delta
		}

		up = (up*float64(n-1) + upval) / float64(n)
		down = (down*float64(n-1) + downval) / float64(n)

		rs = 0.0
		if down != 0 {
			rs = up / down
		}
		rsi[i] = 100.0 - 100.0/(1.0+rs)
	}

	ind.RSI[pair] = rsi
}

func tail(source []float64, n int) []float64 {
	if len(source) > n {
		return source[len(source)-n:]
	}
	return source
}
