package service

import (
	"context"
	"sync"

	"github.com/arafuse/CryptoWatcher/internal/helper"
	"github.com/arafuse/CryptoWatcher/internal/models"
	"github.com/arafuse/CryptoWatcher/internal/modules/config"
	indsvc "github.com/arafuse/CryptoWatcher/internal/modules/indicator/service"
	marketsvc "github.com/arafuse/CryptoWatcher/internal/modules/market/service"
	"github.com/arafuse/CryptoWatcher/internal/state"
	"github.com/arafuse/CryptoWatcher/pkg/logger"
)

// Alerter отправляет уведомления о детекциях.
type Alerter interface {
	SendAlert(pair string, data *models.TriggerData, detection string, prefix string)
}

// Trader — действия, которые детектор может диспатчить, и данные о
// сделках для фильтров follow_trade и overlap.
type Trader interface {
	Buy(ctx context.Context, pair, detection string, data *models.TriggerData) error
	Hold(ctx context.Context, pair, detection string, data *models.TriggerData) error
	Rebuy(ctx context.Context, pair, detection string, data *models.TriggerData) error
	SellPush(ctx context.Context, pair, detection string, data *models.TriggerData) error
	PushRelease(ctx context.Context, pair, detection string, data *models.TriggerData) error
	SoftSell(ctx context.Context, pair, detection string, data *models.TriggerData) error
	HardSell(ctx context.Context, pair, detection string, data *models.TriggerData) error
	DumpSell(ctx context.Context, pair, detection string, data *models.TriggerData) error
	SoftStop(ctx context.Context, pair, detection string, data *models.TriggerData) error
	HardStop(ctx context.Context, pair, detection string, data *models.TriggerData) error
	StopHold(ctx context.Context, pair, detection string, data *models.TriggerData) error
	EnableRefill(ctx context.Context, pair, detection string, data *models.TriggerData) error
	DisableRefill(ctx context.Context, pair, detection string, data *models.TriggerData) error
	EnableBuy(ctx context.Context, pair, detection string, data *models.TriggerData) error
	DisableBuy(ctx context.Context, pair, detection string, data *models.TriggerData) error
	Pullout(ctx context.Context, pair, detection string, data *models.TriggerData) error

	LastTrade(pair, tradeType string) (value float64, tm int64, ok bool)
	OpenTrades(pair string) (hasOpen bool, lastOpenTime int64)
}

// PairState — признаки недавно добавленных пар для правил new_pair и
// startup_pair.
type PairState struct {
	NewlyAdded   bool `json:"newly_added"`
	StartupAdded bool `json:"startup_added"`
}

// RSIState — глобальное состояние RSI пары, влияет на разрешение покупок.
type RSIState struct {
	Overbought bool `json:"overbought"`
	Oversold   bool `json:"oversold"`
	Descending bool `json:"descending"`
}

// PairStats — счётчики детекций пары за один временной префикс.
type PairStats struct {
	LastUpdateTime int64                            `json:"last_update_time"`
	Counts         map[string]*models.DetectionStat `json:"counts"`
}

type propKey struct {
	prop   string
	window int
}

type ruleResult struct {
	state int
	valid bool
	meta  *models.Trigger
}

type pairCache struct {
	rule     map[models.Rule]ruleResult
	property map[propKey]float64
}

// Detector находит события в рыночных данных и диспатчит действия.
type Detector struct {
	conf      *config.Config
	market    *marketsvc.Market
	indicator *indsvc.Indicator
	store     state.Store
	reporter  Alerter
	trader    Trader

	TimePrefix string

	// pair -> имя детекции -> триггер на каждое условие
	DetectionTriggers map[string]map[string][]*models.Trigger

	// префикс времени -> pair -> статистика
	DetectionStats map[string]map[string]*PairStats

	// pair -> группа -> последняя детекция
	LastDetections map[string]map[string]*models.LastDetection

	// pair -> имя детекции -> состояние occurrence
	DetectionStates map[string]map[string]*models.DetectionState

	PairStates      map[string]*PairState
	IndicatorStates map[string]*RSIState

	// живёт в пределах одного цикла обновления триггеров
	cache map[string]*pairCache

	actionMu sync.Mutex
}

func NewDetector(conf *config.Config, market *marketsvc.Market, indicator *indsvc.Indicator,
	store state.Store, reporter Alerter, trader Trader, timePrefix string) *Detector {

	return &Detector{
		conf:      conf,
		market:    market,
		indicator: indicator,
		store:     store,
		reporter:  reporter,
		trader:    trader,

		TimePrefix: timePrefix,

		DetectionTriggers: map[string]map[string][]*models.Trigger{},
		DetectionStats:    map[string]map[string]*PairStats{timePrefix: {}},
		LastDetections:    map[string]map[string]*models.LastDetection{},
		DetectionStates:   map[string]map[string]*models.DetectionState{},
		PairStates:        map[string]*PairState{},
		IndicatorStates:   map[string]*RSIState{},
		cache:             map[string]*pairCache{},
	}
}

// SyncPairs готовит служебные структуры под текущий список пар и убирает
// устаревшие данные по парам, снятым с отслеживания, чтобы не ловить
// ложные срабатывания.
func (d *Detector) SyncPairs() {
	for _, pair := range d.market.Pairs {
		d.preparePair(pair)
	}

	for pair := range d.DetectionTriggers {
		if !d.tracked(pair) {
			delete(d.DetectionTriggers, pair)
		}
	}
	for pair := range d.LastDetections {
		if !d.tracked(pair) {
			delete(d.LastDetections, pair)
		}
	}
}

func (d *Detector) tracked(pair string) bool {
	for _, p := range d.market.Pairs {
		if p == pair {
			return true
		}
	}
	return false
}

func (d *Detector) preparePair(pair string) {
	if _, ok := d.cache[pair]; !ok {
		d.cache[pair] = &pairCache{
			rule:     map[models.Rule]ruleResult{},
			property: map[propKey]float64{},
		}
	}
	if _, ok := d.PairStates[pair]; !ok {
		d.PairStates[pair] = &PairState{}
	}
	if _, ok := d.IndicatorStates[pair]; !ok {
		d.IndicatorStates[pair] = &RSIState{}
	}
	if _, ok := d.DetectionStates[pair]; !ok {
		d.DetectionStates[pair] = map[string]*models.DetectionState{}
	}
	for name := range d.conf.Detections {
		if _, ok := d.DetectionStates[pair][name]; !ok {
			d.DetectionStates[pair][name] = &models.DetectionState{}
		}
	}
	d.prepareDetectionStats(pair)
	if _, ok := d.LastDetections[pair]; !ok {
		d.LastDetections[pair] = map[string]*models.LastDetection{}
	}
}

func (d *Detector) prepareDetectionStats(pair string) {
	prefix := d.DetectionStats[d.TimePrefix]
	if prefix == nil {
		prefix = map[string]*PairStats{}
		d.DetectionStats[d.TimePrefix] = prefix
	}
	stats, ok := prefix[pair]
	if !ok {
		stats = &PairStats{Counts: map[string]*models.DetectionStat{}}
		prefix[pair] = stats
	}
	for name := range d.conf.Detections {
		if _, ok := stats.Counts[name]; !ok {
			stats.Counts[name] = &models.DetectionStat{}
		}
	}
}

// SyncTimePrefix открывает статистику на новом временном префиксе.
func (d *Detector) SyncTimePrefix(timePrefix string) {
	d.TimePrefix = timePrefix
	d.DetectionStats[timePrefix] = map[string]*PairStats{}

	for _, pair := range d.market.Pairs {
		d.prepareDetectionStats(pair)
	}
}

// UpdateDetectionTriggers перепроверяет условия всех детекций пары.
// Сработавшее условие залипает: повторная проверка только освежает его
// время, пока детекция не выстрелит или не истечёт таймаут.
func (d *Detector) UpdateDetectionTriggers(ctx context.Context, pair string) {
	d.cache[pair].rule = map[models.Rule]ruleResult{}
	d.cache[pair].property = map[propKey]float64{}

	detections := map[string][]*models.Trigger{}

	for name, detection := range d.conf.Detections {
		triggers := make([]*models.Trigger, 0, len(detection.Conditions))

		for conditionIndex := range detection.Conditions {
			var old *models.Trigger
			if existing, ok := d.DetectionTriggers[pair][name]; ok && conditionIndex < len(existing) {
				old = existing[conditionIndex]
			}

			var trigger *models.Trigger
			if old != nil && old.Set {
				test := d.detectionTrigger(pair, name, conditionIndex)
				trigger = old
				if test.Set {
					trigger.Time = test.Time
					logger.Debug(1, "%s updating fulfilled detection '%s' condition %d time on re-trigger.",
						pair, name, conditionIndex)
				}
				logger.Debug(1, "%s keeping fulfilled detection '%s' condition %d.", pair, name, conditionIndex)
			} else {
				trigger = d.detectionTrigger(pair, name, conditionIndex)
			}

			triggers = append(triggers, trigger)
		}

		detections[name] = triggers
	}

	times := d.market.CloseTimes[pair]
	if len(times) > 0 {
		d.DetectionStats[d.TimePrefix][pair].LastUpdateTime = times[len(times)-1]
	}
	d.DetectionTriggers[pair] = detections

	d.saveStats(ctx)
	d.saveTriggers(ctx)
}

// detectionTrigger проверяет все правила одного условия. Условие
// срабатывает, если ни одно правило не вернуло ноль.
func (d *Detector) detectionTrigger(pair, name string, conditionIndex int) *models.Trigger {
	times := d.market.CloseTimes[pair]
	trigger := &models.Trigger{}
	if len(times) > 0 {
		trigger.Time = times[len(times)-1]
	}

	var states []int

	for _, rule := range d.conf.Detections[name].Conditions[conditionIndex] {
		result := d.checkRule(pair, rule, conditionIndex, name)
		if !result.valid {
			logger.Warn("%s got no state for rule '%s' on detection '%s', skipping.", pair, rule.Kind, name)
			continue
		}

		states = append(states, result.state)
		if result.meta != nil {
			mergeMeta(trigger, result.meta)
		}
	}

	sum := 0
	for _, state := range states {
		sum += state
	}
	trigger.Set = sum == len(states)

	logger.Debug(1, "%s states on detection '%s' condition %d are %v.", pair, name, conditionIndex, states)
	return trigger
}

func mergeMeta(dst, src *models.Trigger) {
	dst.MAValues = append(dst.MAValues, src.MAValues...)
	dst.MADistances = append(dst.MADistances, src.MADistances...)
	dst.MANormDistances = append(dst.MANormDistances, src.MANormDistances...)
	dst.MAPositions = append(dst.MAPositions, src.MAPositions...)
	dst.MASlopes = append(dst.MASlopes, src.MASlopes...)
	dst.MACurves = append(dst.MACurves, src.MACurves...)
	dst.VDMAValues = append(dst.VDMAValues, src.VDMAValues...)
	dst.VDMAPositions = append(dst.VDMAPositions, src.VDMAPositions...)
	dst.VDMAYPositions = append(dst.VDMAYPositions, src.VDMAYPositions...)
	dst.NewlyAdded = append(dst.NewlyAdded, src.NewlyAdded...)
	dst.StartupAdded = append(dst.StartupAdded, src.StartupAdded...)
}

// UpdateIndicatorStates обновляет глобальные состояния индикаторов пары.
func (d *Detector) UpdateIndicatorStates(pair string) {
	if d.conf.EnableRSI {
		d.updateRSIStates(pair)
	}
}

func (d *Detector) updateRSIStates(pair string) {
	rsi := d.indicator.RSI[pair]
	if len(rsi) == 0 {
		return
	}

	states := d.IndicatorStates[pair]
	wasOverbought := states.Overbought
	wasOversold := states.Oversold

	states.Overbought = rsi[len(rsi)-1] > d.conf.RSIOverbought
	states.Oversold = rsi[len(rsi)-1] < d.conf.RSIOversold

	if wasOverbought && !states.Overbought {
		states.Descending = true
		logger.Debug(1, "%s RSI is descending.", pair)
	} else if !wasOversold && states.Oversold {
		states.Descending = false
		logger.Debug(1, "%s RSI is ascending.", pair)
	}
}

// ProcessDetections проверяет триггеры пары и диспатчит действия по
// сработавшим детекциям. Резкое падение цены за последний тик откладывает
// действие до следующего цикла.
func (d *Detector) ProcessDetections(ctx context.Context, pair string) {
	times := d.market.CloseTimes[pair]

	for name, triggers := range d.DetectionTriggers[pair] {
		detection := d.conf.Detections[name]
		d.timeoutTriggers(pair, name, detection, triggers)

		data := aggregateTriggerData(triggers)
		normalizeTriggerValues(data)
		if len(times) > 0 {
			data.CurrentTime = times[len(times)-1]
		}

		if d.filterDetection(pair, name, detection, triggers, data) {
			continue
		}

		values := d.market.CloseValues[pair]
		if len(values) >= 2 && values[len(values)-2] != 0 {
			if values[len(values)-1]/values[len(values)-2] <= d.conf.DetectionFlashCrashSens {
				logger.Warn("%s deferring action due to possible FLASH CRASH.", pair)
				continue
			}
		}

		d.dispatchDetectionAction(ctx, pair, name, detection, data)
		d.updateDetectionStats(ctx, pair, name, "")
		d.DetectionTriggers[pair][name] = []*models.Trigger{}
	}

	logger.Debug(1, "%s processed %d detections.", pair, len(d.DetectionTriggers[pair]))
}

// timeoutTriggers снимает триггеры, пережившие time_frame_max.
func (d *Detector) timeoutTriggers(pair, name string, detection *models.Detection, triggers []*models.Trigger) {
	if detection.TimeFrameMax == nil {
		return
	}

	times := d.market.CloseTimes[pair]
	if len(times) == 0 {
		return
	}
	currentTime := times[len(times)-1]

	for index, trigger := range triggers {
		if currentTime-trigger.Time > *detection.TimeFrameMax {
			trigger.Set = false
			logger.Debug(0, "%s detection '%s' trigger %d timed out at %s.",
				pair, name, index, helper.UTCTimeString(currentTime))
		}
	}
}

func aggregateTriggerData(triggers []*models.Trigger) *models.TriggerData {
	data := &models.TriggerData{}

	for _, trigger := range triggers {
		data.Times = append(data.Times, trigger.Time)
		data.SetTriggers = append(data.SetTriggers, trigger.Set)
		data.MAValues = append(data.MAValues, trigger.MAValues...)
		data.MADistances = append(data.MADistances, trigger.MADistances...)
		data.MANormDistances = append(data.MANormDistances, trigger.MANormDistances...)
		data.MACurves = append(data.MACurves, trigger.MACurves...)
		data.MASlopes = append(data.MASlopes, trigger.MASlopes...)
		data.NewlyAdded = append(data.NewlyAdded, trigger.NewlyAdded...)
		data.StartupAdded = append(data.StartupAdded, trigger.StartupAdded...)
	}

	return data
}

func normalizeTriggerValues(data *models.TriggerData) {
	max := 1.0
	if len(data.MAValues) > 0 {
		max = data.MAValues[0]
		for _, v := range data.MAValues[1:] {
			if v > max {
				max = v
			}
		}
		if max == 0.0 {
			max = 1.0
		}
	}

	data.MANormValues = make([]float64, 0, len(data.MAValues))
	for _, v := range data.MAValues {
		data.MANormValues = append(data.MANormValues, v/max)
	}
}

func setTriggersTimeFrame(data *models.TriggerData) {
	if len(data.Times) == 0 {
		return
	}
	min, max := data.Times[0], data.Times[0]
	for _, t := range data.Times[1:] {
		if t < min {
			min = t
		}
		if t > max {
			max = t
		}
	}
	data.TimeFrame = max - min
}

// dispatchDetectionAction выполняет действие детекции под общим замком.
// Неизвестное действие деградирует до алерта.
func (d *Detector) dispatchDetectionAction(ctx context.Context, pair, name string,
	detection *models.Detection, data *models.TriggerData) {

	if !d.actionMu.TryLock() {
		logger.Debug(0, "%s detection action dispatch: Waiting for detection action in progress.", pair)
		d.actionMu.Lock()
	}
	defer d.actionMu.Unlock()

	var err error
	switch detection.Action {
	case "none":
	case "alert":
		d.reporter.SendAlert(pair, data, name, "")
	case "buy":
		err = d.trader.Buy(ctx, pair, name, data)
	case "holdbuy":
		err = d.trader.Hold(ctx, pair, name, data)
	case "rebuy":
		err = d.trader.Rebuy(ctx, pair, name, data)
	case "sellpush":
		err = d.trader.SellPush(ctx, pair, name, data)
	case "pushrelease":
		err = d.trader.PushRelease(ctx, pair, name, data)
	case "softsell":
		err = d.trader.SoftSell(ctx, pair, name, data)
	case "hardsell":
		err = d.trader.HardSell(ctx, pair, name, data)
	case "dumpsell":
		err = d.trader.DumpSell(ctx, pair, name, data)
	case "softstop":
		err = d.trader.SoftStop(ctx, pair, name, data)
	case "hardstop":
		err = d.trader.HardStop(ctx, pair, name, data)
	case "stophold":
		err = d.trader.StopHold(ctx, pair, name, data)
	case "refillon":
		err = d.trader.EnableRefill(ctx, pair, name, data)
	case "refilloff":
		err = d.trader.DisableRefill(ctx, pair, name, data)
	case "buyon":
		err = d.trader.EnableBuy(ctx, pair, name, data)
	case "buyoff":
		err = d.trader.DisableBuy(ctx, pair, name, data)
	case "pullout":
		err = d.trader.Pullout(ctx, pair, name, data)
	case "reset":
		d.resetDetectionState(pair, name, data)
	default:
		d.reporter.SendAlert(pair, data, name, "")
		logger.Warn("%s detection '%s' invalid action '%s', defaulting to 'alert'.", pair, name, detection.Action)
	}

	if err != nil {
		logger.Error("%s detection '%s' action '%s' failed: %v", pair, name, detection.Action, err)
	}

	d.saveDetectionStates(ctx)
}

// resetDetectionState обнуляет occurrence перечисленных детекций.
func (d *Detector) resetDetectionState(pair, name string, data *models.TriggerData) {
	detection := d.conf.Detections[name]
	if detection.Apply == nil {
		return
	}

	for applyName := range d.conf.Detections {
		if !contains(detection.Apply.Names, applyName) {
			continue
		}
		states, ok := d.DetectionStates[pair]
		if !ok {
			continue
		}
		if state, ok := states[applyName]; ok && state.Occurrence != 0 {
			state.Occurrence = 0
			d.reporter.SendAlert(pair, data, applyName, "RESET "+applyName)
		}
	}
}

// updateDetectionStats фиксирует сработавшую детекцию в статистике и в
// последних детекциях её групп.
func (d *Detector) updateDetectionStats(ctx context.Context, pair, name, overrideType string) {
	d.prepareDetectionStats(pair)
	d.DetectionStats[d.TimePrefix][pair].Counts[name].Count++

	detection := d.conf.Detections[name]

	var currentTime int64
	if times := d.market.CloseTimes[pair]; len(times) > 0 {
		currentTime = times[len(times)-1]
	}

	var lastValue float64
	if adjusted := d.market.AdjustedCloseValues[pair]; len(adjusted) > 0 {
		lastValue = adjusted[len(adjusted)-1]
	}

	// первое MA-значение первого триггера, или текущая цена когда
	// метаданных нет
	maValue := lastValue
	if triggers, ok := d.DetectionTriggers[pair][name]; ok && len(triggers) > 0 && len(triggers[0].MAValues) > 0 {
		maValue = triggers[0].MAValues[0]
	}

	for _, group := range detection.Groups {
		last, ok := d.LastDetections[pair][group]
		reset := false

		if ok && last.Name == name {
			last.Count++
			last.Value = lastValue
			last.MAValue = maValue
			last.Time = currentTime
		} else if ok {
			reset = true
		} else {
			last = &models.LastDetection{}
			d.LastDetections[pair][group] = last
			reset = true
		}

		if reset {
			if last.Type != detection.Type {
				last.OrigName = name
				if overrideType != "" {
					last.Type = overrideType
				} else {
					last.Type = detection.Type
				}
			}
			last.Name = name
			last.Count = 1
			last.Value = lastValue
			last.MAValue = maValue
			last.Time = currentTime
		}
	}

	d.saveStats(ctx)
	d.saveLastDetections(ctx)

	logger.Debug(2, "%s updated detection statistics.", pair)
}

// RestoreDetectionTriggers поднимает сохранённые триггеры, отбрасывая
// протухшие: они пропустили события и могли бы дать ложные срабатывания.
// Короткое окно сохраняется ради быстрых рестартов, чтобы не терять
// ключевые кроссоверы.
func (d *Detector) RestoreDetectionTriggers(ctx context.Context) error {
	var saved map[string]map[string][]*models.Trigger
	if _, err := d.store.Load(ctx, state.Key("detector", "detection_triggers"), &saved); err != nil {
		return err
	}

	for pair, triggers := range saved {
		if d.tracked(pair) {
			d.DetectionTriggers[pair] = triggers
		}
	}

	timeout := d.conf.DetectionRestoreTimeoutSecs

	for _, pair := range d.market.Pairs {
		times, ok := d.market.CloseTimes[pair]
		if !ok || len(times) == 0 {
			continue
		}
		if _, ok := d.DetectionTriggers[pair]; !ok {
			continue
		}

		currentTime := times[len(times)-1]
		var lastUpdateTime int64
		if stats, ok := d.DetectionStats[d.TimePrefix][pair]; ok {
			lastUpdateTime = stats.LastUpdateTime
		}

		if currentTime-lastUpdateTime > timeout {
			logger.Warn("Dropping stale triggers for %s.", pair)
			delete(d.DetectionTriggers, pair)
		} else {
			logger.Info("Keeping restored triggers for %s.", pair)
		}
	}

	return nil
}

// Restore поднимает сохранённые последние детекции и статистику.
func (d *Detector) Restore(ctx context.Context) error {
	if _, err := d.store.Load(ctx, state.Key("detector", "last_detections"), &d.LastDetections); err != nil {
		return err
	}
	if _, err := d.store.Load(ctx, state.Key("detector", "detection_stats"), &d.DetectionStats); err != nil {
		return err
	}
	if _, err := d.store.Load(ctx, state.Key("detector", "detection_states"), &d.DetectionStates); err != nil {
		return err
	}
	if d.DetectionStats[d.TimePrefix] == nil {
		d.DetectionStats[d.TimePrefix] = map[string]*PairStats{}
	}
	return nil
}

func (d *Detector) saveTriggers(ctx context.Context) {
	if err := d.store.Save(ctx, state.Key("detector", "detection_triggers"), d.DetectionTriggers); err != nil {
		logger.Error("failed to save detection triggers: %v", err)
	}
}

func (d *Detector) saveStats(ctx context.Context) {
	if err := d.store.Save(ctx, state.Key("detector", "detection_stats"), d.DetectionStats); err != nil {
		logger.Error("failed to save detection stats: %v", err)
	}
}

func (d *Detector) saveLastDetections(ctx context.Context) {
	if err := d.store.Save(ctx, state.Key("detector", "last_detections"), d.LastDetections); err != nil {
		logger.Error("failed to save last detections: %v", err)
	}
}

func (d *Detector) saveDetectionStates(ctx context.Context) {
	if err := d.store.Save(ctx, state.Key("detector", "detection_states"), d.DetectionStates); err != nil {
		logger.Error("failed to save detection states: %v", err)
	}
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
