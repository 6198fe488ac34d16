package service

import (
	"context"
	"time"

	"github.com/arafuse/CryptoWatcher/internal/models"
	"github.com/arafuse/CryptoWatcher/pkg/logger"

	"github.com/pkg/errors"
)

// ErrTooEarly возвращается из UpdateTickData при вызове до границы
// следующего тика.
var ErrTooEarly = errors.New("must wait for new tick data")

// RefreshTickData загружает историю тиков пары с нуля. Свежий бэкап
// используется целиком вместо похода в API; конкурентные загрузки
// разносятся по времени, чтобы не упереться в лимиты API.
//
// Начальные суточные объёмы — копии текущего объёма: исторических данных
// по ним API не отдаёт.
func (m *Market) RefreshTickData(ctx context.Context, pair string) error {
	m.BaseVolumes[pair] = [2][]float64{{}, {}}

	hasBackup := len(m.closeTimesBackup[pair]) > 0 &&
		len(m.closeValuesBackup[pair]) > 0 &&
		len(m.volumesBackup[pair]) > 0

	interval := m.conf.TickIntervalSecs

	if hasBackup && m.closeTimesBackup[pair][len(m.closeTimesBackup[pair])-1] >= m.now()-interval*2 {
		m.CloseTimes[pair] = m.closeTimesBackup[pair]
		m.CloseValues[pair] = m.closeValuesBackup[pair]
		volumes := m.BaseVolumes[pair]
		volumes[0] = m.volumesBackup[pair]
		m.BaseVolumes[pair] = volumes

		logger.Info("%s Using %d ticks from backup.", pair, len(m.closeTimesBackup[pair]))
		return nil
	}

	m.refreshMu.Lock()
	rateLimit := time.Duration(float64(len(m.dataRefreshing)) * m.conf.APIInitialRateLimitSecs * float64(time.Second))
	m.dataRefreshing[pair] = struct{}{}
	m.refreshMu.Unlock()

	if rateLimit > 0 {
		select {
		case <-ctx.Done():
			m.doneRefreshing(pair)
			return ctx.Err()
		case <-time.After(rateLimit):
		}
	}

	ticks, err := m.client.GetTicks(ctx, pair, 0)
	m.doneRefreshing(pair)

	if err != nil {
		logger.Error("%s failed to get tick data: %v", pair, err)
		return err
	}
	if len(ticks) == 0 {
		logger.Error("%s API returned no tick data.", pair)
		return errors.Errorf("%s API returned no tick data", pair)
	}

	logger.Debug(0, "%s API ticks size %d, start %d, end %d.",
		pair, len(ticks), ticks[0].Time, ticks[len(ticks)-1].Time)

	last, err := m.client.GetLastValues(ctx, pair)
	if err != nil {
		logger.Error("%s failed to get last values: %v", pair, err)
		return err
	}

	times, values := expandTicks(ticks, interval)
	m.CloseTimes[pair] = times
	m.CloseValues[pair] = values

	volumes := m.BaseVolumes[pair]
	volumes[0] = make([]float64, len(times))
	for i := range volumes[0] {
		volumes[0][i] = last.Volume
	}
	m.BaseVolumes[pair] = volumes

	m.truncateTickData(pair)
	m.spliceBackupTickData(pair)
	logger.Info("%s refreshed tick data.", pair)
	return nil
}

func (m *Market) doneRefreshing(pair string) {
	m.refreshMu.Lock()
	delete(m.dataRefreshing, pair)
	m.refreshMu.Unlock()
}

// expandTicks разворачивает разреженные тики API в плотные ряды: пропуски
// заполняются последним известным значением.
func expandTicks(ticks []models.RawTick, interval int64) ([]int64, []float64) {
	times := make([]int64, 0, len(ticks))
	values := make([]float64, 0, len(ticks))

	lastTime := ticks[0].Time
	lastValue := ticks[0].Close
	times = append(times, lastTime)
	values = append(values, lastValue)

	for _, tick := range ticks[1:] {
		for tick.Time-lastTime > interval {
			lastTime += interval
			times = append(times, lastTime)
			values = append(values, lastValue)
		}
		lastTime = tick.Time
		lastValue = tick.Close
		times = append(times, lastTime)
		values = append(values, lastValue)
	}

	return times, values
}

// spliceBackupTickData вклеивает бэкап в свежие данные пары. При разрыве
// между рядами склейка не выполняется.
func (m *Market) spliceBackupTickData(pair string) {
	backupTimes := m.closeTimesBackup[pair]
	backupValues := m.closeValuesBackup[pair]
	backupVolumes := m.volumesBackup[pair]

	if len(backupTimes) == 0 || len(backupValues) == 0 || len(backupVolumes) == 0 {
		return
	}

	times := m.CloseTimes[pair]
	values := m.CloseValues[pair]
	volumes := m.BaseVolumes[pair][0]
	interval := m.conf.TickIntervalSecs

	backupStart := backupTimes[0]
	backupEnd := backupTimes[len(backupTimes)-1]
	start := times[0]
	end := times[len(times)-1]

	if backupStart > end {
		logger.Debug(0, "%s tick backup has a gap of %d seconds after market data.", pair, backupStart-end)
		return
	}
	if start > backupEnd {
		logger.Debug(0, "%s tick backup has a gap of %d seconds before market data.", pair, start-backupEnd)
		return
	}

	endTime := end
	if backupEnd > endTime {
		endTime = backupEnd
	}
	startTime := start
	if backupStart < startTime {
		startTime = backupStart
	}
	if (endTime-startTime)/interval > int64(m.MinTickLength) {
		startTime = endTime - int64(m.MinTickLength)*interval
	}

	length := int((endTime - startTime) / interval)
	numSpliced := 0
	newTimes := make([]int64, 0, length)
	newValues := make([]float64, 0, length)
	newVolumes := make([]float64, 0, length)

	currentTime := startTime
	for i := 0; i < length; i++ {
		var value, volume float64
		if index := indexOfTime(backupTimes, currentTime); index >= 0 {
			value = backupValues[index]
			volume = backupVolumes[index]
			numSpliced++
		} else if index := indexOfTime(times, currentTime); index >= 0 {
			value = values[index]
			volume = volumes[index]
		} else {
			currentTime += interval
			continue
		}

		newTimes = append(newTimes, currentTime)
		newValues = append(newValues, value)
		newVolumes = append(newVolumes, volume)
		currentTime += interval
	}

	vols := m.BaseVolumes[pair]
	vols[0] = newVolumes
	m.BaseVolumes[pair] = vols
	m.CloseValues[pair] = newValues
	m.CloseTimes[pair] = newTimes

	logger.Debug(0, "%s spliced %d ticks from backup.", pair, numSpliced)
}

// UpdateTickData добавляет свежий тик пары. Пропущенные тики
// восстанавливаются из бэкапа или интерполируются; пары со слишком большим
// разрывом снимаются с отслеживания и уходят в грейлист.
func (m *Market) UpdateTickData(ctx context.Context, pair string) error {
	m.LastUpdateNums[pair] = 0

	closeTime, tickGap, err := m.tickDelta(pair)
	if err != nil {
		return err
	}

	if tickGap > m.conf.TickGapMax {
		logger.Info("%s is missing too many ticks, removing from pairs list.", pair)
		m.removePair(pair)

		if _, ok := m.GreylistPairs[pair]; !ok {
			logger.Info("%s greylisting for %d seconds.", pair, m.conf.PairsGreylistSecs)
			m.GreylistPairs[pair] = m.now() + m.conf.PairsGreylistSecs
		}
		return errors.Errorf("%s is missing too many ticks", pair)
	}

	last, err := m.client.GetLastValues(ctx, pair)
	if err != nil {
		logger.Error("%s failed to get last values: %v", pair, err)
		return err
	}

	interpolated := m.restoreTicks(pair, tickGap, last.Value, last.Volume)
	if interpolated > 0 {
		m.scheduleBackRefresh(ctx, pair, tickGap)
	}

	logger.Debug(1, "%s adding new tick value %v at %d.", pair, last.Value, closeTime)
	m.CloseTimes[pair] = append(m.CloseTimes[pair], closeTime)
	m.CloseValues[pair] = append(m.CloseValues[pair], last.Value)
	volumes := m.BaseVolumes[pair]
	volumes[0] = append(volumes[0], last.Volume)
	m.BaseVolumes[pair] = volumes

	m.LastUpdateNums[pair] = tickGap + 1
	m.truncateTickData(pair)
	m.backupTickData(ctx, pair)

	logger.Debug(1, "%s updated tick data.", pair)
	return nil
}

func (m *Market) removePair(pair string) {
	for i, p := range m.Pairs {
		if p == pair {
			m.Pairs = append(m.Pairs[:i], m.Pairs[i+1:]...)
			return
		}
	}
}

// tickDelta считает время закрытия текущего тика и разрыв в тиках с
// последнего обновления. До границы нового тика возвращает ErrTooEarly.
func (m *Market) tickDelta(pair string) (int64, int, error) {
	times := m.CloseTimes[pair]
	if len(times) == 0 {
		return 0, 0, errors.Errorf("%s has no previous closing time", pair)
	}
	lastTime := times[len(times)-1]

	currentTime := m.now()
	interval := m.conf.TickIntervalSecs
	closeTime := currentTime - currentTime%interval

	if closeTime < lastTime {
		return 0, 0, errors.Errorf("you are %d seconds behind, please adjust", lastTime-closeTime)
	}

	deltaSeconds := closeTime - lastTime
	if deltaSeconds == 0 {
		logger.Info("%s must wait %d seconds for new tick data.", pair, interval-currentTime%interval)
		return 0, 0, ErrTooEarly
	}

	tickGap := 0
	if deltaSeconds > interval {
		tickGap = int(deltaSeconds / interval)
		logger.Info("%s is missing %d ticks.", pair, tickGap)
	}

	return closeTime, tickGap, nil
}

// restoreTicks восстанавливает пропущенные тики из бэкапа либо
// интерполяцией к последнему реальному значению. Возвращает число
// интерполированных тиков.
func (m *Market) restoreTicks(pair string, num int, endValue, endVolume float64) int {
	if num == 0 {
		return 0
	}

	interval := m.conf.TickIntervalSecs
	volumes := m.BaseVolumes[pair]
	lastVolume := volumes[0][len(volumes[0])-1]
	lastValue := m.CloseValues[pair][len(m.CloseValues[pair])-1]
	interpolated := 0

	for index := 0; index < num; index++ {
		timestamp := m.CloseTimes[pair][len(m.CloseTimes[pair])-1] + interval

		var value, volume float64
		if timeIndex := indexOfTime(m.closeTimesBackup[pair], timestamp); timeIndex >= 0 &&
			timeIndex < len(m.closeValuesBackup[pair]) && timeIndex < len(m.volumesBackup[pair]) {

			value = m.closeValuesBackup[pair][timeIndex]
			volume = m.volumesBackup[pair][timeIndex]
			logger.Debug(0, "%s restored missing tick %d from backup.", pair, index)
		} else {
			step := float64(num - index + 1)
			value = lastValue + (endValue-lastValue)/step
			volume = lastVolume + (endVolume-lastVolume)/step
			logger.Debug(0, "%s interpolated missing tick %d.", pair, index)
			interpolated++
		}

		volumes[0] = append(volumes[0], volume)
		m.CloseValues[pair] = append(m.CloseValues[pair], value)
		m.CloseTimes[pair] = append(m.CloseTimes[pair], timestamp)
	}
	m.BaseVolumes[pair] = volumes

	return interpolated
}
