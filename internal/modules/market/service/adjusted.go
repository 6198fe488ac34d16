package service

import (
	"github.com/arafuse/CryptoWatcher/internal/helper"
	"github.com/arafuse/CryptoWatcher/pkg/logger"
)

// RefreshAdjustedTickData пересчитывает значения закрытия пары к торговой
// базе с нуля. Для пар на торговой базе ряд совпадает с исходным; остальные
// выравниваются по таймстемпам с convert-парой и домножаются на её курс.
func (m *Market) RefreshAdjustedTickData(pair string) {
	volumes := m.BaseVolumes[pair]
	volumes[1] = []float64{}
	m.BaseVolumes[pair] = volumes

	times := m.CloseTimes[pair]
	if len(times) == 0 {
		return
	}
	m.lastAdjustedCloseTimes[pair] = times[len(times)-1]

	pairBase, _, _ := helper.SplitPair(pair)
	if m.conf.TradeBase == pairBase {
		m.AdjustedCloseValues[pair] = m.CloseValues[pair]
		m.refreshVolumeDerivatives(pair)
		return
	}

	convertPair := helper.JoinPair(m.conf.TradeBase, pairBase)
	convertTimes := m.CloseTimes[convertPair]
	convertValues := m.CloseValues[convertPair]

	values := m.CloseValues[pair]
	adjusted := make([]float64, len(times))

	sourceIndex := len(times) - 1
	convertIndex := indexOfTime(convertTimes, times[len(times)-1])

	if convertIndex < 0 {
		// пара закончилась позже convert-пары: хвост приближаем последним курсом
		convertIndex = len(convertTimes) - 1
		sourceIndex = indexOfTime(times, convertTimes[len(convertTimes)-1])
		if sourceIndex < 0 {
			m.AdjustedCloseValues[pair] = []float64{}
			logger.Error("%s ends at %d before start of convert pair %s data at %d.",
				pair, times[len(times)-1], convertPair, convertTimes[0])
			return
		}

		convertValue := convertValues[len(convertValues)-1]
		for index := len(times) - 1; index > sourceIndex; index-- {
			adjusted[index] = values[index] * convertValue
		}
		logger.Debug(0, "%s last %d adjusted values are approximate.", pair, len(times)-1-sourceIndex)
	}

	ci := convertIndex
	for index := sourceIndex; index >= 0; index-- {
		convertValue := convertValues[0]
		if ci > -1 {
			convertValue = convertValues[ci]
		}
		adjusted[index] = values[index] * convertValue
		ci--
	}

	if ci < 0 {
		logger.Debug(0, "%s first %d adjusted values are approximate.", pair, -ci)
	}

	m.AdjustedCloseValues[pair] = adjusted
	m.refreshVolumeDerivatives(pair)
}

// refreshVolumeDerivatives пересчитывает производные суточных объёмов.
// У пар вне торговой базы производные усредняются с convert-парой: операции
// идут по объёму относительно торговой базы.
func (m *Market) refreshVolumeDerivatives(pair string) {
	volumes := m.BaseVolumes[pair]
	if len(volumes[0]) == 0 {
		return
	}

	volumes[1] = append(volumes[1], 0)
	for index := 1; index < len(volumes[0]); index++ {
		volume := volumes[0][index]
		prevVolume := volumes[0][index-1]
		volumes[1] = append(volumes[1], (volume-prevVolume)/volume*100.0)
	}
	m.BaseVolumes[pair] = volumes

	convertPair, ok := helper.ConvertPair(pair, m.conf.TradeBase)
	if !ok {
		return
	}

	times := m.CloseTimes[pair]
	convertTimes := m.CloseTimes[convertPair]
	convertDerivs := m.BaseVolumes[convertPair][1]
	if len(times) == 0 || len(convertTimes) == 0 || len(convertDerivs) == 0 {
		return
	}

	sourceIndex := len(times) - 1
	convertIndex := indexOfTime(convertTimes, times[len(times)-1])

	if convertIndex < 0 {
		convertIndex = len(convertTimes) - 1
		sourceIndex = indexOfTime(times, convertTimes[len(convertTimes)-1])
		if sourceIndex < 0 {
			logger.Error("%s ends at %d before start of convert pair %s data at %d.",
				pair, times[len(times)-1], convertPair, convertTimes[0])
			return
		}

		convertDeriv := convertDerivs[len(convertDerivs)-1]
		for index := len(times) - 1; index > sourceIndex && index < len(volumes[1]); index-- {
			volumes[1][index] = (volumes[1][index] + convertDeriv) / 2
		}
		logger.Debug(0, "%s last %d averaged volume derivatives are approximate.",
			pair, len(times)-1-sourceIndex)
	}

	ci := convertIndex
	for index := sourceIndex; index >= 0; index-- {
		convertDeriv := convertDerivs[0]
		if ci > -1 {
			convertDeriv = convertDerivs[ci]
		}
		if index < len(volumes[1]) {
			volumes[1][index] = (volumes[1][index] + convertDeriv) / 2
		}
		ci--
	}
	m.BaseVolumes[pair] = volumes

	if ci < 0 {
		logger.Debug(0, "%s first %d averaged volume derivatives are approximate.", pair, -ci)
	}
}

// UpdateAdjustedTickData досчитывает пересчитанные значения для новых тиков
// с момента последнего обновления.
func (m *Market) UpdateAdjustedTickData(pair string) {
	times := m.CloseTimes[pair]
	if len(times) == 0 {
		return
	}

	lastTime := m.lastAdjustedCloseTimes[pair]
	startIndex := indexOfTime(times, lastTime) + 1
	if startIndex == 0 {
		logger.Error("%s has no adjusted close times.", pair)
		lastTime = 0
	}

	diff := len(times) - startIndex
	if diff != 1 {
		logger.Debug(0, "%s got diff %d, source length %d, last time %d.", pair, diff, len(times), lastTime)
	}

	pairBase, _, _ := helper.SplitPair(pair)
	if m.conf.TradeBase == pairBase {
		m.AdjustedCloseValues[pair] = m.CloseValues[pair]
		m.lastAdjustedCloseTimes[pair] = times[len(times)-1]
		m.updateVolumeDerivatives(pair, diff, startIndex)
		m.truncateAdjustedTickData(pair)
		return
	}

	convertPair := helper.JoinPair(m.conf.TradeBase, pairBase)
	convertValues := m.CloseValues[convertPair]
	missing := 0

	for index := 0; index < diff; index++ {
		var convertValue float64
		if startIndex+index < len(convertValues) {
			convertValue = convertValues[startIndex+index]
		} else if len(convertValues) > 0 {
			convertValue = convertValues[len(convertValues)-1]
			missing++
		}

		closeValue := m.CloseValues[pair][startIndex+index]
		m.AdjustedCloseValues[pair] = append(m.AdjustedCloseValues[pair], closeValue*convertValue)
	}

	if missing > 0 {
		logger.Debug(0, "%s padded %d values at end.", pair, missing)
	}

	m.lastAdjustedCloseTimes[pair] = times[len(times)-1]
	m.updateVolumeDerivatives(pair, diff, startIndex)
	m.truncateAdjustedTickData(pair)
}

func (m *Market) updateVolumeDerivatives(pair string, diff, startIndex int) {
	volumes := m.BaseVolumes[pair]
	if len(volumes[0]) == 0 || len(volumes[1]) == 0 {
		return
	}

	sourceLength := len(volumes[0])
	for index := sourceLength - diff; index < sourceLength; index++ {
		prevIndex := index - 1
		if prevIndex < 0 {
			prevIndex = sourceLength - 1
		}
		volume := volumes[0][index]
		prevVolume := volumes[0][prevIndex]
		volumes[1] = append(volumes[1], (volume-prevVolume)/volume*100.0)
	}

	convertPair, ok := helper.ConvertPair(pair, m.conf.TradeBase)
	if !ok {
		m.BaseVolumes[pair] = volumes
		return
	}

	convertDerivs := m.BaseVolumes[convertPair][1]
	missing := 0

	for index := 0; index < diff; index++ {
		if startIndex+index >= len(volumes[1]) {
			break
		}
		var convertDeriv float64
		if startIndex+index < len(convertDerivs) {
			convertDeriv = convertDerivs[startIndex+index]
		} else if len(convertDerivs) > 0 {
			convertDeriv = convertDerivs[len(convertDerivs)-1]
			missing++
		}
		volumes[1][startIndex+index] = (volumes[1][startIndex+index] + convertDeriv) / 2
	}
	m.BaseVolumes[pair] = volumes

	if missing > 0 {
		logger.Debug(0, "%s last %d averaged volume derivatives are approximate.", pair, missing)
	}
}
