package service

import (
	"context"
	"math/rand"

	"github.com/arafuse/CryptoWatcher/internal/models"
	"github.com/arafuse/CryptoWatcher/internal/state"
	"github.com/arafuse/CryptoWatcher/pkg/logger"
)

// scheduleBackRefresh планирует будущую перезагрузку интерполированных
// тиков, когда API отдаст реальные данные. Момент выбирается не раньше
// back_refresh_min_secs и с разбросом, чтобы не скапливаться на одном тике.
func (m *Market) scheduleBackRefresh(ctx context.Context, pair string, num int) {
	interval := m.conf.TickIntervalSecs

	futureSecs := float64(interval * int64(num) * 2)
	if futureSecs < float64(m.conf.BackRefreshMinSecs) {
		futureSecs = float64(m.conf.BackRefreshMinSecs) + futureSecs/2
	}
	futureSecs += rand.Float64() * futureSecs / 2

	if num > 0 {
		times := m.CloseTimes[pair]
		m.BackRefreshes = append(m.BackRefreshes, models.BackRefresh{
			Pair:  pair,
			Start: times[len(times)-num],
			End:   times[len(times)-1] + interval,
			Time:  m.now() + int64(futureSecs),
		})
	}

	logger.Info("%s scheduled back-refresh of %d ticks in %.0f seconds.", pair, num, futureSecs)
	m.saveBackRefreshes(ctx)
}

func (m *Market) saveBackRefreshes(ctx context.Context) {
	if err := m.store.Save(ctx, state.Key("market", "back_refreshes"), m.BackRefreshes); err != nil {
		logger.Error("failed to save back-refreshes: %v", err)
	}
}

// CheckBackRefreshes обрабатывает назначенные перезагрузки, у которых
// подошёл срок. Возвращает пары с изменёнными тиками. За один вызов
// выполняется не больше back_refresh_max_per_tick перезагрузок.
func (m *Market) CheckBackRefreshes(ctx context.Context) (map[string]struct{}, error) {
	var removeIndexes []int
	updatedPairs := map[string]struct{}{}
	refreshes := 0

	clockPair := m.conf.BasePairs[0]
	clockTimes := m.CloseTimes[clockPair]
	if len(clockTimes) == 0 {
		return updatedPairs, nil
	}
	lastTime := clockTimes[len(clockTimes)-1]

	for index, refresh := range m.BackRefreshes {
		if lastTime > refresh.Time {
			refreshNum := int((lastTime - refresh.Start) / m.conf.TickIntervalSecs)
			removeIndexes = append(removeIndexes, index)

			if _, tracked := m.CloseTimes[refresh.Pair]; tracked {
				refreshes++
				ticks, err := m.client.GetTicks(ctx, refresh.Pair, refreshNum)
				if err != nil {
					logger.Error("%s back-refresh failed: %v", refresh.Pair, err)
					continue
				}

				overwritten := m.overwriteTickData(refresh.Pair, refresh.Start, refresh.End, ticks)
				if overwritten > 0 {
					logger.Info("%s back-refreshed %d ticks.", refresh.Pair, overwritten)
					updatedPairs[refresh.Pair] = struct{}{}
				}
			}
		}

		if refreshes >= m.conf.BackRefreshMaxPerTick {
			break
		}
	}

	for i := len(removeIndexes) - 1; i >= 0; i-- {
		index := removeIndexes[i]
		m.BackRefreshes = append(m.BackRefreshes[:index], m.BackRefreshes[index+1:]...)
	}

	if len(removeIndexes) > 0 {
		m.saveBackRefreshes(ctx)
	}

	return updatedPairs, nil
}

// overwriteTickData перезаписывает значения закрытия в окне
// [startTime, endTime) данными из свежих тиков API.
func (m *Market) overwriteTickData(pair string, startTime, endTime int64, ticks []models.RawTick) int {
	if len(ticks) == 0 {
		return 0
	}

	closeTimes, closeValues := expandTicks(ticks, m.conf.TickIntervalSecs)

	sourceIndex := indexOfTime(closeTimes, startTime)
	destIndex := indexOfTime(m.CloseTimes[pair], startTime)
	if sourceIndex < 0 || destIndex < 0 {
		logger.Error("%s start time %d not found.", pair, startTime)
		return 0
	}

	length := int((endTime - startTime) / m.conf.TickIntervalSecs)
	overwritten := 0

	for i := 0; i < length; i++ {
		if sourceIndex >= len(closeValues) || destIndex >= len(m.CloseValues[pair]) {
			logger.Error("%s invalid index on back-refresh.", pair)
			break
		}
		m.CloseValues[pair][destIndex] = closeValues[sourceIndex]
		overwritten++
		sourceIndex++
		destIndex++
	}

	return overwritten
}
