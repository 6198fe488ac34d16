package service

import (
	"github.com/arafuse/CryptoWatcher/internal/models"
	"github.com/arafuse/CryptoWatcher/pkg/logger"
)

// filterDetection прогоняет сработавшую детекцию через цепочку фильтров.
// Возвращает true, когда детекция не сработала или отсеяна; отсеивание
// сбрасывает её триггеры.
func (d *Detector) filterDetection(pair, name string, detection *models.Detection,
	triggers []*models.Trigger, data *models.TriggerData) bool {

	triggered := data.AllSet()
	if !triggered {
		return true
	}
	setTriggersTimeFrame(data)

	if triggered && (detection.ValueRangeMin != nil || detection.ValueRangeMax != nil) {
		triggered = !d.filterValueRange(pair, name, detection, data)
	}
	if triggered && detection.TimeFrameMin != nil {
		triggered = !d.filterTimeFrame(pair, name, detection, data)
	}
	if triggered && detection.DistanceRange != nil {
		triggered = !d.filterDistanceRange(pair, name, detection, data)
	}
	if triggered && detection.MaxConsecutive != nil {
		triggered = !d.filterMaxConsecutive(pair, name, detection)
	}
	if triggered && len(detection.Follow) > 0 {
		triggered = !d.filterFollow(pair, name, detection.Follow, false, data)
	}
	if triggered && len(detection.FollowAll) > 0 {
		triggered = !d.filterFollow(pair, name, detection.FollowAll, true, data)
	}
	if triggered && len(detection.FollowTrade) > 0 {
		triggered = !d.filterFollowTrade(pair, name, detection, data)
	}
	if triggered && detection.Overlap != nil {
		triggered = !d.filterOverlap(pair, name, detection, data)
	}
	if triggered {
		triggered = !d.filterOccurrence(pair, name, detection)
	}

	if triggered && d.conf.TradeUseIndicators && d.conf.EnableRSI &&
		(detection.Action == "buy" || detection.Action == "rebuy") &&
		d.IndicatorStates[pair].Descending {

		d.reporter.SendAlert(pair, data, name, "RSI SKIP BUY")
		logger.Info("%s detection '%s' skipping buy on descending RSI.", pair, name)
		d.clearTriggers(pair, name)
		triggered = false
	}

	return !triggered
}

func (d *Detector) clearTriggers(pair, name string) {
	d.DetectionTriggers[pair][name] = []*models.Trigger{}
}

// filterValueRange отсеивает по разбросу нормированных значений средних
// между условиями. Пороговое значение 0 выключает проверку.
func (d *Detector) filterValueRange(pair, name string, detection *models.Detection,
	data *models.TriggerData) bool {

	if len(data.SetTriggers) <= 1 || len(data.MANormValues) == 0 {
		return false
	}

	min, max := data.MANormValues[0], data.MANormValues[0]
	for _, v := range data.MANormValues[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	valueRange := max - min
	data.ValueRange = valueRange

	if detection.ValueRangeMax != nil && *detection.ValueRangeMax != 0 && valueRange >= *detection.ValueRangeMax {
		logger.Debug(0, "%s detection '%s' filtered on value range %v >= %v.",
			pair, name, valueRange, *detection.ValueRangeMax)
		d.clearTriggers(pair, name)
		return true
	}
	if detection.ValueRangeMin != nil && *detection.ValueRangeMin != 0 && valueRange < *detection.ValueRangeMin {
		logger.Debug(0, "%s detection '%s' filtered on value range %v < %v.",
			pair, name, valueRange, *detection.ValueRangeMin)
		d.clearTriggers(pair, name)
		return true
	}

	return false
}

func (d *Detector) filterTimeFrame(pair, name string, detection *models.Detection,
	data *models.TriggerData) bool {

	if len(data.SetTriggers) <= 1 {
		return false
	}

	if data.TimeFrame < *detection.TimeFrameMin {
		logger.Debug(0, "%s detection '%s' filtered on time frame %d < %d.",
			pair, name, data.TimeFrame, *detection.TimeFrameMin)
		d.clearTriggers(pair, name)
		return true
	}
	return false
}

func (d *Detector) filterDistanceRange(pair, name string, detection *models.Detection,
	data *models.TriggerData) bool {

	if len(data.SetTriggers) <= 1 || len(data.MANormDistances) == 0 {
		return false
	}

	min, max := data.MANormDistances[0], data.MANormDistances[0]
	for _, v := range data.MANormDistances[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	if max-min > *detection.DistanceRange {
		logger.Debug(0, "%s detection '%s' filtered on distance range %v > %v.",
			pair, name, max-min, *detection.DistanceRange)
		d.clearTriggers(pair, name)
		return true
	}
	return false
}

// filterMaxConsecutive отсеивает детекцию, уже выстрелившую подряд больше
// разрешённого в своей первой группе.
func (d *Detector) filterMaxConsecutive(pair, name string, detection *models.Detection) bool {
	last, ok := d.LastDetections[pair][detection.Groups[0]]
	if !ok {
		return false
	}

	if last.Count > *detection.MaxConsecutive {
		logger.Debug(0, "%s detection '%s' filtered on %d consecutive detections.",
			pair, name, last.Count)
		d.clearTriggers(pair, name)
		return true
	}
	return false
}

// filterFollow требует предшествующей детекции нужного типа в одной из
// групп, во временном окне и в допустимой дельте цены. При all=false
// достаточно одного прошедшего правила, при all=true — по совпадению на
// каждое.
func (d *Detector) filterFollow(pair, name string, specs []models.FollowSpec, all bool,
	data *models.TriggerData) bool {

	filtered := false

	for _, spec := range specs {
		passed := false
		for _, group := range spec.Groups {
			if d.followGroupPasses(pair, spec, group, data) {
				passed = true
				if !all {
					break
				}
			}
		}

		if all && !passed {
			filtered = true
			break
		}
		if !all && passed {
			return false
		}
	}

	if !all {
		filtered = true
	}

	if filtered {
		logger.Debug(0, "%s detection '%s' filtered on follow rules.", pair, name)
		d.clearTriggers(pair, name)
	}
	return filtered
}

func (d *Detector) followGroupPasses(pair string, spec models.FollowSpec, group string,
	data *models.TriggerData) bool {

	last, ok := d.LastDetections[pair][group]
	if !ok {
		// пары без прошлых детекций в группе проходят только правила
		// с null-типом
		return spec.AnyType
	}

	if !contains(spec.Types, last.Type) {
		return false
	}

	minSecs := d.conf.DetectionMinFollowSecs
	if spec.MinSecs != nil {
		minSecs = *spec.MinSecs
	}
	maxSecs := d.conf.DetectionMaxFollowSecs
	if spec.MaxSecs != nil {
		maxSecs = *spec.MaxSecs
	}

	secs := data.CurrentTime - last.Time
	if secs < minSecs || secs > maxSecs {
		return false
	}

	adjusted := d.market.AdjustedCloseValues[pair]
	if len(adjusted) == 0 {
		return false
	}
	value := adjusted[len(adjusted)-1]

	maValue := value
	if len(data.MAValues) > 0 {
		maValue = data.MAValues[0]
	}

	var delta, maDelta float64
	if value != 0 {
		delta = 1.0 - last.Value/value
	}
	if maValue != 0 {
		maDelta = 1.0 - last.MAValue/maValue
	}

	if spec.MinDelta != nil && delta < *spec.MinDelta {
		return false
	}
	if spec.MaxDelta != nil && delta > *spec.MaxDelta {
		return false
	}
	if spec.MinMADelta != nil && maDelta < *spec.MinMADelta {
		return false
	}
	if spec.MaxMADelta != nil && maDelta > *spec.MaxMADelta {
		return false
	}

	data.Followed = append(data.Followed, models.FollowedDetection{
		Snapshot: group,
		Name:     last.Name,
		Time:     last.Time,
		Delta:    delta,
	})
	return true
}

// filterFollowTrade требует недавней сделки одного из перечисленных типов.
// Отсутствующее время или цена сделки пропускает соответствующую проверку.
func (d *Detector) filterFollowTrade(pair, name string, detection *models.Detection,
	data *models.TriggerData) bool {

	adjusted := d.market.AdjustedCloseValues[pair]
	var value float64
	if len(adjusted) > 0 {
		value = adjusted[len(adjusted)-1]
	}

	for _, spec := range detection.FollowTrade {
		for _, tradeType := range spec.Types {
			tradeValue, tradeTime, ok := d.trader.LastTrade(pair, tradeType)
			if !ok {
				continue
			}

			if spec.MinSecs != nil || spec.MaxSecs != nil {
				if tradeTime == 0 {
					continue
				}
				secs := data.CurrentTime - tradeTime
				if spec.MinSecs != nil && secs < *spec.MinSecs {
					continue
				}
				if spec.MaxSecs != nil && secs > *spec.MaxSecs {
					continue
				}
			}

			if spec.MinDelta != nil || spec.MaxDelta != nil {
				if tradeValue == 0 || value == 0 {
					continue
				}
				delta := 1.0 - tradeValue/value
				if spec.MinDelta != nil && delta < *spec.MinDelta {
					continue
				}
				if spec.MaxDelta != nil && delta > *spec.MaxDelta {
					continue
				}
			}

			return false
		}
	}

	logger.Debug(0, "%s detection '%s' filtered on follow trade rules.", pair, name)
	d.clearTriggers(pair, name)
	return true
}

// filterOverlap не даёт покупкам идти слишком часто по одной паре.
func (d *Detector) filterOverlap(pair, name string, detection *models.Detection,
	data *models.TriggerData) bool {

	if detection.Action != "buy" && detection.Action != "rebuy" {
		return false
	}

	hasOpen, lastOpenTime := d.trader.OpenTrades(pair)
	if !hasOpen {
		return false
	}

	minutes := float64(data.CurrentTime-lastOpenTime) / 60.0
	if minutes < *detection.Overlap {
		d.reporter.SendAlert(pair, data, name, "OVERLAP SKIP BUY")
		logger.Info("%s detection '%s' skipping buy %v minutes after last open trade.",
			pair, name, minutes)
		d.clearTriggers(pair, name)
		return true
	}
	return false
}

// filterOccurrence копит срабатывания до нужного числа и пропускает только
// последнее, сбрасывая счётчик.
func (d *Detector) filterOccurrence(pair, name string, detection *models.Detection) bool {
	state := d.DetectionStates[pair][name]
	state.Occurrence++

	if state.Occurrence < detection.Occurrence {
		logger.Debug(0, "%s detection '%s' on occurrence %d of %d.",
			pair, name, state.Occurrence, detection.Occurrence)
		d.clearTriggers(pair, name)
		return true
	}

	state.Occurrence = 0
	return false
}
