package service

import (
	"github.com/arafuse/CryptoWatcher/internal/helper"
	"github.com/arafuse/CryptoWatcher/internal/models"
	"github.com/arafuse/CryptoWatcher/pkg/logger"
)

// checkRule вычисляет состояние одного правила. Результаты кэшируются на
// цикл по значению правила: одинаковые правила в разных детекциях не
// пересчитываются.
func (d *Detector) checkRule(pair string, rule models.Rule, conditionIndex int, name string) ruleResult {
	if cached, ok := d.cache[pair].rule[rule]; ok {
		return cached
	}

	var result ruleResult
	cache := true

	switch rule.Kind {
	case models.RuleMAPosition, models.RuleEMAPosition:
		result = d.checkMAPosition(pair, rule)
	case models.RuleMACrossover, models.RuleEMACrossover:
		result, cache = d.checkMACrossover(pair, rule, conditionIndex, name)
	case models.RuleMADistanceMin, models.RuleMADistanceMax,
		models.RuleEMADistanceMin, models.RuleEMADistanceMax:
		result, cache = d.checkMADistance(pair, rule)
	case models.RuleMASlopeMin, models.RuleMASlopeMax, models.RuleMACurveMin, models.RuleMACurveMax,
		models.RuleEMASlopeMin, models.RuleEMASlopeMax, models.RuleEMACurveMin, models.RuleEMACurveMax:
		result = d.checkMAProperty(pair, rule)
	case models.RuleVDMAYPosition:
		result, cache = d.checkVDMAYPosition(pair, rule)
	case models.RuleVDMAXCrossover:
		result = d.checkVDMAXCrossover(pair, rule, conditionIndex, name)
	case models.RuleVDMACrossover:
		result, cache = d.checkVDMACrossover(pair, rule, conditionIndex, name)
	case models.RuleNewPair:
		result = ruleResult{
			state: boolState(d.PairStates[pair].NewlyAdded == rule.Flag),
			valid: true,
			meta:  &models.Trigger{NewlyAdded: []bool{d.PairStates[pair].NewlyAdded}},
		}
	case models.RuleStartupPair:
		result = ruleResult{
			state: boolState(d.PairStates[pair].StartupAdded == rule.Flag),
			valid: true,
			meta:  &models.Trigger{StartupAdded: []bool{d.PairStates[pair].StartupAdded}},
		}
	case models.RulePair:
		result = ruleResult{state: boolState(pair == rule.Name), valid: true}
	case models.RulePairBase:
		base, _, _ := helper.SplitPair(pair)
		result = ruleResult{state: boolState(base == rule.Name), valid: true}
	default:
		logger.Warn("%s unknown rule '%s' on detection '%s'.", pair, rule.Kind, name)
		result = ruleResult{}
	}

	if cache {
		d.cache[pair].rule[rule] = result
	}
	return result
}

func boolState(b bool) int {
	if b {
		return 1
	}
	return 0
}

// maSeries отдаёт ряды скользящих средних и окна для правила, c учётом
// EMA-варианта.
func (d *Detector) maSeries(pair string, rule models.Rule) (map[int][]float64, []int) {
	if rule.Kind.IsEMA() {
		return d.indicator.CloseValueEMAs[pair], d.conf.EMAWindows
	}
	return d.indicator.CloseValueMAs[pair], d.conf.MAWindows
}

// emaLogSuppressed: для пар вне торговой базы EMA не считаются, шуметь в
// лог об этом не нужно.
func (d *Detector) emaLogSuppressed(pair string, rule models.Rule) bool {
	base, _, _ := helper.SplitPair(pair)
	return rule.Kind.IsEMA() && d.conf.EMATradeBaseOnly && base != d.conf.TradeBase
}

func (d *Detector) ruleWindows(pair string, rule models.Rule) (first, second []float64, ok bool) {
	series, windows := d.maSeries(pair, rule)
	if series == nil || rule.First >= len(windows) || rule.Second >= len(windows) {
		return nil, nil, false
	}
	return series[windows[rule.First]], series[windows[rule.Second]], true
}

func (d *Detector) checkMAPosition(pair string, rule models.Rule) ruleResult {
	first, second, ok := d.ruleWindows(pair, rule)
	if !ok || len(first) == 0 || len(second) == 0 ||
		helper.IsClose(first[len(first)-1], 0.0) || helper.IsClose(second[len(second)-1], 0.0) {

		if !d.emaLogSuppressed(pair, rule) {
			logger.Debug(1, "%s insufficient data for rule '%s'.", pair, rule.Kind)
		}
		return ruleResult{valid: true}
	}

	firstValue := first[len(first)-1]
	secondValue := second[len(second)-1]

	state := 1
	if firstValue < secondValue {
		state = 0
	}

	return ruleResult{
		state: state,
		valid: true,
		meta:  &models.Trigger{MAValues: []float64{firstValue, secondValue}},
	}
}

// checkMACrossover даёт единицу только на тике пересечения: быстрая средняя
// выше медленной, а в залипшем триггере она была ниже.
func (d *Detector) checkMACrossover(pair string, rule models.Rule, conditionIndex int, name string) (ruleResult, bool) {
	first, second, ok := d.ruleWindows(pair, rule)
	if !ok || len(first) < 2 || len(second) < 2 ||
		helper.IsClose(first[len(first)-2], 0.0) || helper.IsClose(second[len(second)-2], 0.0) {

		if !d.emaLogSuppressed(pair, rule) {
			logger.Debug(1, "%s insufficient data for rule '%s'.", pair, rule.Kind)
		}
		return ruleResult{
			valid: true,
			meta:  &models.Trigger{MAValues: []float64{0.0}, MAPositions: []int{0}},
		}, false
	}

	midpoint := (first[len(first)-2] + first[len(first)-1] +
		second[len(second)-2] + second[len(second)-1]) / 4.0

	if first[len(first)-1] < second[len(second)-1] {
		return ruleResult{
			valid: true,
			meta:  &models.Trigger{MAValues: []float64{midpoint}, MAPositions: []int{0}},
		}, true
	}

	cross := 0
	if prev := d.previousTrigger(pair, name, conditionIndex); prev != nil &&
		len(prev.MAPositions) > 0 && prev.MAPositions[0] == 0 {
		cross = 1
	}

	return ruleResult{
		state: cross,
		valid: true,
		meta:  &models.Trigger{MAValues: []float64{midpoint}, MAPositions: []int{1}},
	}, true
}

func (d *Detector) checkMADistance(pair string, rule models.Rule) (ruleResult, bool) {
	first, second, ok := d.ruleWindows(pair, rule)
	if !ok || len(first) == 0 || len(second) == 0 ||
		helper.IsClose(first[len(first)-1], 0.0) || helper.IsClose(second[len(second)-1], 0.0) {

		if !d.emaLogSuppressed(pair, rule) {
			logger.Debug(1, "%s insufficient data for rule '%s'.", pair, rule.Kind)
		}
		return ruleResult{valid: true}, false
	}

	firstValue := first[len(first)-1]
	secondValue := second[len(second)-1]

	max := firstValue
	if secondValue > max {
		max = secondValue
	}
	normDistance := (firstValue - secondValue) / max
	if normDistance < 0 {
		normDistance = -normDistance
	}

	var state int
	switch rule.Kind {
	case models.RuleMADistanceMin, models.RuleEMADistanceMin:
		state = boolState(normDistance >= rule.Value)
	default:
		state = boolState(normDistance <= rule.Value)
	}

	distance := firstValue - secondValue
	if distance < 0 {
		distance = -distance
	}

	return ruleResult{
		state: state,
		valid: true,
		meta: &models.Trigger{
			MAValues:        []float64{firstValue, secondValue},
			MADistances:     []float64{distance},
			MANormDistances: []float64{normDistance},
		},
	}, true
}

// sampleSize подбирает длину выборки под окно: у коротких средних наклон
// считается по соседнему меньшему окну.
func (d *Detector) sampleSize(windows []int, index int) int {
	switch {
	case index < 1:
		return windows[0]
	case index > 6:
		return windows[5]
	default:
		return windows[index-1]
	}
}

func (d *Detector) checkMAProperty(pair string, rule models.Rule) ruleResult {
	series, windows := d.maSeries(pair, rule)
	if series == nil || rule.First >= len(windows) {
		return ruleResult{valid: true}
	}
	window := windows[rule.First]
	ma := series[window]

	size := d.sampleSize(windows, rule.First)
	if len(ma) < size {
		if !d.emaLogSuppressed(pair, rule) {
			logger.Debug(1, "%s insufficient data for rule '%s'.", pair, rule.Kind)
		}
		return ruleResult{valid: true}
	}

	sample := ma[len(ma)-size:]
	if helper.IsClose(sample[0], 0.0) {
		if !d.emaLogSuppressed(pair, rule) {
			logger.Debug(1, "%s insufficient data for rule '%s'.", pair, rule.Kind)
		}
		return ruleResult{valid: true}
	}

	matype := "ma"
	if rule.Kind.IsEMA() {
		matype = "ema"
	}

	var (
		prop  string
		curve bool
	)
	switch rule.Kind {
	case models.RuleMACurveMin, models.RuleMACurveMax, models.RuleEMACurveMin, models.RuleEMACurveMax:
		prop = matype + "_curve"
		curve = true
	default:
		prop = matype + "_slope"
	}

	key := propKey{prop: prop, window: window}
	value, ok := d.cache[pair].property[key]
	if !ok {
		if curve {
			value = helper.CurvatureAvg(sample, 0) * 1000.0
		} else {
			value = helper.NormSlopeAvg(sample, 0) * 1000.0
		}
		d.cache[pair].property[key] = value
	}

	var state int
	switch rule.Kind {
	case models.RuleMASlopeMin, models.RuleMACurveMin, models.RuleEMASlopeMin, models.RuleEMACurveMin:
		state = boolState(value >= rule.Value)
	default:
		state = boolState(value <= rule.Value)
	}

	meta := &models.Trigger{}
	if curve {
		meta.MACurves = []float64{value}
	} else {
		meta.MASlopes = []float64{value}
	}

	return ruleResult{state: state, valid: true, meta: meta}
}

func (d *Detector) vdmaWindow(pair string, index int) ([]float64, bool) {
	if index >= len(d.conf.VDMAWindows) {
		return nil, false
	}
	series := d.indicator.VolumeDerivMAs[pair]
	if series == nil {
		return nil, true
	}
	return series[d.conf.VDMAWindows[index]], true
}

func (d *Detector) checkVDMAYPosition(pair string, rule models.Rule) (ruleResult, bool) {
	ma, _ := d.vdmaWindow(pair, rule.First)
	if len(ma) == 0 {
		logger.Debug(1, "%s insufficient data for rule '%s'.", pair, rule.Kind)
		return ruleResult{valid: true}, false
	}

	value := ma[len(ma)-1]
	var state int
	if rule.Flag {
		state = boolState(value >= rule.Value)
	} else {
		state = boolState(value < rule.Value)
	}

	return ruleResult{
		state: state,
		valid: true,
		meta:  &models.Trigger{VDMAValues: []float64{value}},
	}, true
}

// checkVDMAXCrossover ловит пересечение нуля производной объёма в заданном
// направлении, по позиции из залипшего триггера.
func (d *Detector) checkVDMAXCrossover(pair string, rule models.Rule, conditionIndex int, name string) ruleResult {
	ma, validRule := d.vdmaWindow(pair, rule.First)
	if !validRule {
		logger.Warn("%s invalid rule '%s' window index %d.", pair, rule.Kind, rule.First)
		return ruleResult{}
	}
	if len(ma) == 0 {
		logger.Debug(1, "%s insufficient data for rule '%s'.", pair, rule.Kind)
		return ruleResult{valid: true}
	}

	value := ma[len(ma)-1]
	prev := d.previousTrigger(pair, name, conditionIndex)

	position := 1
	if value < 0 {
		position = 0
	}

	cross := 0
	if prev != nil && len(prev.VDMAYPositions) > 0 {
		if position == 0 && !rule.Flag && prev.VDMAYPositions[0] == 1 {
			cross = 1
		} else if position == 1 && rule.Flag && prev.VDMAYPositions[0] == 0 {
			cross = 1
		}
	}

	return ruleResult{
		state: cross,
		valid: true,
		meta: &models.Trigger{
			VDMAValues:     []float64{value},
			VDMAYPositions: []int{position},
		},
	}
}

func (d *Detector) checkVDMACrossover(pair string, rule models.Rule, conditionIndex int, name string) (ruleResult, bool) {
	firstMA, _ := d.vdmaWindow(pair, rule.First)
	secondMA, _ := d.vdmaWindow(pair, rule.Second)

	if len(firstMA) < 2 || len(secondMA) < 2 {
		logger.Debug(1, "%s insufficient data for rule '%s'.", pair, rule.Kind)
		return ruleResult{
			valid: true,
			meta:  &models.Trigger{VDMAValues: []float64{0.0}, VDMAPositions: []int{0}},
		}, false
	}

	midpoint := (firstMA[len(firstMA)-2] + firstMA[len(firstMA)-1] +
		secondMA[len(secondMA)-2] + secondMA[len(secondMA)-1]) / 4.0

	if firstMA[len(firstMA)-1] < secondMA[len(secondMA)-1] {
		return ruleResult{
			valid: true,
			meta:  &models.Trigger{VDMAValues: []float64{midpoint}, VDMAPositions: []int{0}},
		}, true
	}

	cross := 0
	if prev := d.previousTrigger(pair, name, conditionIndex); prev != nil &&
		len(prev.VDMAPositions) > 0 && prev.VDMAPositions[0] == 0 {
		cross = 1
	}

	return ruleResult{
		state: cross,
		valid: true,
		meta:  &models.Trigger{VDMAValues: []float64{midpoint}, VDMAPositions: []int{1}},
	}, true
}

func (d *Detector) previousTrigger(pair, name string, conditionIndex int) *models.Trigger {
	triggers, ok := d.DetectionTriggers[pair][name]
	if !ok || conditionIndex >= len(triggers) {
		return nil
	}
	return triggers[conditionIndex]
}
