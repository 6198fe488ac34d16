package service

import (
	"context"
	"sort"
	"time"

	"github.com/arafuse/CryptoWatcher/internal/helper"
	"github.com/arafuse/CryptoWatcher/internal/models"
	"github.com/arafuse/CryptoWatcher/internal/state"
	"github.com/arafuse/CryptoWatcher/pkg/logger"
)

func nowUnix() int64 {
	return time.Now().Unix()
}

// RefreshPairs обновляет список отслеживаемых пар по суточным объёмам и
// фильтрам изменения цены. Результат упорядочен по объёму и ограничен
// max_pairs; базовые пары, не попавшие в список, уходят в ExtraBasePairs.
func (m *Market) RefreshPairs(ctx context.Context) error {
	summaries, err := m.client.GetMarketSummaries(ctx)
	if err != nil {
		logger.Error("Could not get market summaries data: %v", err)
		return err
	}

	changes, volumes, minTradeQtys, minTradeSizes := m.extractFilteredSummaries(ctx, summaries)
	bases := m.conf.Bases()

	byVolume := make([]string, 0, len(volumes))
	for pair := range volumes {
		byVolume = append(byVolume, pair)
	}
	sort.Slice(byVolume, func(i, j int) bool {
		if volumes[byVolume[i]] != volumes[byVolume[j]] {
			return volumes[byVolume[i]] > volumes[byVolume[j]]
		}
		return byVolume[i] < byVolume[j]
	})

	pairs := make([]string, 0, len(byVolume))
	for _, pair := range byVolume {
		if m.pairPreferFiltered(pair, bases, volumes) {
			continue
		}
		if m.handleGreylisted(pair) {
			continue
		}

		pairs = append(pairs, pair)
		logger.Debug(1, "Added pair %s: volume %v, change %v.", pair, volumes[pair], changes[pair])

		if m.conf.MaxPairs > 0 && len(pairs) >= m.conf.MaxPairs {
			break
		}
	}

	if m.conf.AppNodeIndex >= 0 {
		pairs = splitShard(pairs, m.conf.AppNodeMax, m.conf.AppNodeIndex)
	}
	m.Pairs = pairs

	extra := make([]string, 0, len(m.conf.BasePairs))
	for _, pair := range m.conf.BasePairs {
		if !contains(pairs, pair) {
			extra = append(extra, pair)
		}
	}
	m.ExtraBasePairs = extra
	m.MinTradeQtys = minTradeQtys
	m.MinTradeSizes = minTradeSizes

	return nil
}

// handleGreylisted проверяет грейлист и снимает истёкшие записи.
func (m *Market) handleGreylisted(pair string) bool {
	until, greylisted := m.GreylistPairs[pair]
	now := m.now()

	if greylisted && now >= until {
		delete(m.GreylistPairs, pair)
		greylisted = false
	}

	if greylisted {
		logger.Debug(0, "%s is still greylisted for %d seconds.", pair, until-now)
	}

	return greylisted
}

// pairPreferFiltered отбрасывает пару, если та же котируемая валюта уже
// торгуется к более предпочтительной базе.
func (m *Market) pairPreferFiltered(pair string, bases []string, volumes map[string]float64) bool {
	if !m.conf.PairPreferFilter {
		return false
	}

	base, quote, ok := helper.SplitPair(pair)
	if !ok {
		return false
	}

	for _, preferred := range bases {
		if preferred == base {
			break
		}
		if _, present := volumes[helper.JoinPair(preferred, quote)]; present {
			return true
		}
	}

	return false
}

// extractFilteredSummaries отбирает активные пары с достаточным объёмом и
// считает изменение цены с прошлой проверки. Минимальные размеры сделок
// всегда включают базовые пары.
func (m *Market) extractFilteredSummaries(ctx context.Context, summaries map[string]*models.Summary) (
	changes, volumes, minTradeQtys, minTradeSizes map[string]float64) {

	changes = map[string]float64{}
	volumes = map[string]float64{}
	minTradeQtys = map[string]float64{}
	minTradeSizes = map[string]float64{}

	for pair, summary := range summaries {
		var change float64
		if last, ok := m.lastPairs[pair]; ok {
			if last.Value != 0 {
				change = summary.Last/last.Value - 1.0
			}
		} else if summary.PrevDay != 0 {
			change = summary.Last/summary.PrevDay - 1.0
		}

		minVolume, hasMinVolume := m.conf.MinBaseVolumes[summary.BaseCurrency]
		filtered := m.applyPairChangeFilter(pair, change, summary.Last)

		switch {
		case summary.Active && !filtered && summary.BaseVolume != 0 &&
			hasMinVolume && minVolume != 0 && summary.BaseVolume >= minVolume:

			changes[pair] = change
			volumes[pair] = summary.BaseVolume
			minTradeQtys[pair] = summary.MinTradeQty
			minTradeSizes[pair] = summary.MinTradeSize
			logger.Debug(1, "Filtered pair %s: volume %v, change %v.", pair, summary.BaseVolume, change)

		case contains(m.conf.BasePairs, pair):
			minTradeQtys[pair] = summary.MinTradeQty
			minTradeSizes[pair] = summary.MinTradeSize
		}
	}

	if err := m.store.Save(ctx, state.Key("market", "last_pairs"), m.lastPairs); err != nil {
		logger.Error("failed to save pair filter states: %v", err)
	}

	return changes, volumes, minTradeQtys, minTradeSizes
}

// applyPairChangeFilter фильтрует пару по изменению цены. Пара допускается
// при росте на pair_change_min, держится при просадке до pair_change_dip и
// возвращается после восстановления.
func (m *Market) applyPairChangeFilter(pair string, change, value float64) bool {
	if !m.conf.PairChangeFilter {
		return false
	}

	if !m.conf.PairDipFilter {
		return change < m.conf.PairChangeMin
	}

	changeMin := m.conf.PairChangeMin
	changeMax := m.conf.PairChangeMin
	changeDip := m.conf.PairChangeDip
	changeCutoff := m.conf.PairChangeCutoff

	var (
		changeDelta float64
		filtered    bool
	)

	if last, ok := m.lastPairs[pair]; ok {
		changeDelta = last.Delta + change
		filtered = last.Filtered

		if filtered {
			if changeDelta < -changeDip {
				changeDelta = -changeDip
			} else if changeDelta >= changeMin {
				logger.Debug(0, "Re-added pair %s.", pair)
				filtered = false
				if changeDelta > changeMax {
					changeDelta = changeMax
				}
			}
		} else {
			if changeDelta <= -changeCutoff {
				logger.Debug(0, "Dropped pair %s.", pair)
				filtered = true
				if changeDelta < -changeDip {
					changeDelta = -changeDip
				}
			} else if changeDelta > changeMax {
				changeDelta = changeMax
			}
		}
	} else {
		changeDelta = change
		if change >= changeMin {
			if changeDelta > changeMax {
				changeDelta = changeMax
			}
		} else {
			filtered = true
			if changeDelta < -changeDip {
				changeDelta = -changeDip
			}
		}
	}

	m.lastPairs[pair] = &models.PairFilterState{
		Value:    value,
		Change:   change,
		Delta:    changeDelta,
		Filtered: filtered,
	}

	return filtered
}

func splitShard(pairs []string, shards, index int) []string {
	if shards <= 1 {
		return pairs
	}
	size := len(pairs) / shards
	rem := len(pairs) % shards

	start := 0
	for i := 0; i < shards; i++ {
		length := size
		if i < rem {
			length++
		}
		if i == index {
			return pairs[start : start+length]
		}
		start += length
	}
	return nil
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
