package runner

import (
	"context"
	"sync"
	"time"

	"github.com/arafuse/CryptoWatcher/internal/exchange"
	"github.com/arafuse/CryptoWatcher/internal/helper"
	"github.com/arafuse/CryptoWatcher/internal/modules/config"
	detectorsvc "github.com/arafuse/CryptoWatcher/internal/modules/detector/service"
	healthsvc "github.com/arafuse/CryptoWatcher/internal/modules/health/service"
	indsvc "github.com/arafuse/CryptoWatcher/internal/modules/indicator/service"
	marketsvc "github.com/arafuse/CryptoWatcher/internal/modules/market/service"
	tradersvc "github.com/arafuse/CryptoWatcher/internal/modules/trader/service"
	"github.com/arafuse/CryptoWatcher/internal/notify"
	"github.com/arafuse/CryptoWatcher/pkg/logger"
	"github.com/arafuse/CryptoWatcher/pkg/tracing"

	"github.com/pkg/errors"
)

// Watcher гоняет циклы обновления данных: обновление пар, тиков,
// производных рядов, детекций и торговых целей. Циклы конкурируют за
// общий замок рыночных данных.
type Watcher struct {
	conf      *config.Config
	client    exchange.Client
	market    *marketsvc.Market
	indicator *indsvc.Indicator
	detector  *detectorsvc.Detector
	trader    *tradersvc.Trader
	notifier  notify.Notifier
	health    *healthsvc.State

	// пары, которые уже встречались, для разметки новых
	knownPairs map[string]struct{}
	started    bool

	healthMu     sync.Mutex
	lastTickTime time.Time
}

func NewWatcher(conf *config.Config, client exchange.Client, market *marketsvc.Market,
	indicator *indsvc.Indicator, detector *detectorsvc.Detector, trader *tradersvc.Trader,
	notifier notify.Notifier, health *healthsvc.State) *Watcher {

	return &Watcher{
		conf:      conf,
		client:    client,
		market:    market,
		indicator: indicator,
		detector:  detector,
		trader:    trader,
		notifier:  notifier,
		health:    health,

		knownPairs: map[string]struct{}{},
	}
}

// Run восстанавливает состояние, делает первичную загрузку данных и
// запускает рабочие циклы. Блокируется до отмены контекста.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.restore(ctx); err != nil {
		return err
	}

	w.market.Lock("startup")
	if err := w.refreshPairs(ctx); err != nil {
		w.market.Unlock()
		return errors.Wrap(err, "initial pairs refresh failed")
	}
	if err := w.detector.RestoreDetectionTriggers(ctx); err != nil {
		logger.Error("Failed to restore detection triggers: %v", err)
	}
	w.market.Unlock()
	w.started = true
	w.health.SetReady(true)

	w.notifier.Sendf("📈 Watching %d pairs.", len(w.market.Pairs))

	var wg sync.WaitGroup
	loops := []func(context.Context){
		w.updateLoop,
		w.refreshPairsLoop,
		w.tickerLoop,
		w.rolloverLoop,
		w.healthLoop,
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(loop func(context.Context)) {
			defer wg.Done()
			loop(ctx)
		}(loop)
	}

	wg.Wait()
	return ctx.Err()
}

func (w *Watcher) restore(ctx context.Context) error {
	if err := w.market.Restore(ctx); err != nil {
		return errors.Wrap(err, "failed to restore market state")
	}
	if err := w.trader.Restore(ctx); err != nil {
		return errors.Wrap(err, "failed to restore trader state")
	}
	if err := w.detector.Restore(ctx); err != nil {
		return errors.Wrap(err, "failed to restore detector state")
	}
	return nil
}

// sleepUntil спит до следующего момента offset секунд после границы
// интервала period.
func sleepUntil(ctx context.Context, period, offset int64) bool {
	now := time.Now().Unix()
	next := now - now%period + period + offset

	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Duration(next-now) * time.Second):
		return true
	}
}

// refreshPairsLoop обновляет список пар на середине каждого интервала,
// чтобы не толкаться с циклом обновления тиков на границе.
func (w *Watcher) refreshPairsLoop(ctx context.Context) {
	interval := w.conf.TickIntervalSecs

	for sleepUntil(ctx, interval, interval/2) {
		span, spanCtx := tracing.StartSpan(ctx, "refresh_pairs")

		w.market.Lock("pairs refresh")
		if err := w.refreshPairs(spanCtx); err != nil {
			logger.Error("Pairs refresh failed: %v", err)
		}
		w.market.Unlock()

		span.Finish()
	}
}

// refreshPairs обновляет список пар и догружает историю для новых.
// Пары торговой базы идут первыми: от их данных зависят пересчёты
// остальных. Вызывается под рыночным замком.
func (w *Watcher) refreshPairs(ctx context.Context) error {
	if err := w.market.RefreshPairs(ctx); err != nil {
		return err
	}

	all := make([]string, 0, len(w.market.Pairs)+len(w.market.ExtraBasePairs))
	all = append(all, w.market.Pairs...)
	all = append(all, w.market.ExtraBasePairs...)

	var missing []string
	for _, pair := range w.tradeBaseFirst(all) {
		if len(w.market.CloseTimes[pair]) == 0 {
			missing = append(missing, pair)
		}
	}

	var wg sync.WaitGroup
	for _, pair := range missing {
		wg.Add(1)
		go func(pair string) {
			defer wg.Done()
			if err := w.market.RefreshTickData(ctx, pair); err != nil {
				logger.Error("%s failed to refresh tick data: %v", pair, err)
			}
		}(pair)
	}
	wg.Wait()

	for _, pair := range w.tradeBaseFirst(missing) {
		if len(w.market.CloseTimes[pair]) == 0 {
			continue
		}
		w.indicator.RefreshDerivedData(pair)
	}

	w.detector.SyncPairs()
	w.trader.SyncPairs()
	w.markPairStates()

	logger.Info("Refreshed pairs list: %d tracked, %d extra base pairs.",
		len(w.market.Pairs), len(w.market.ExtraBasePairs))
	return nil
}

// markPairStates помечает пары, добавленные на старте и добавленные по
// ходу работы, для правил startup_pair и new_pair.
func (w *Watcher) markPairStates() {
	for _, pair := range w.market.Pairs {
		_, known := w.knownPairs[pair]
		if known {
			continue
		}
		w.knownPairs[pair] = struct{}{}

		state, ok := w.detector.PairStates[pair]
		if !ok {
			continue
		}
		if w.started {
			state.NewlyAdded = true
		} else {
			state.StartupAdded = true
		}
	}
}

// tradeBaseFirst упорядочивает пары так, чтобы пары торговой базы шли
// раньше остальных.
func (w *Watcher) tradeBaseFirst(pairs []string) []string {
	ordered := make([]string, 0, len(pairs))
	var rest []string

	for _, pair := range pairs {
		base, _, _ := helper.SplitPair(pair)
		if base == w.conf.TradeBase {
			ordered = append(ordered, pair)
		} else {
			rest = append(rest, pair)
		}
	}
	return append(ordered, rest...)
}

// updateLoop — основной цикл: раз в интервал досчитывает тики, ряды и
// детекции по всем парам.
func (w *Watcher) updateLoop(ctx context.Context) {
	for sleepUntil(ctx, w.conf.TickIntervalSecs, 1) {
		span, spanCtx := tracing.StartSpan(ctx, "update_cycle")
		w.updateCycle(spanCtx)
		span.Finish()
	}
}

func (w *Watcher) updateCycle(ctx context.Context) {
	w.market.Lock("data update")
	defer w.market.Unlock()

	all := make([]string, 0, len(w.market.Pairs)+len(w.market.ExtraBasePairs))
	all = append(all, w.market.Pairs...)
	all = append(all, w.market.ExtraBasePairs...)

	updated := map[string]struct{}{}
	for _, pair := range w.tradeBaseFirst(all) {
		err := w.market.UpdateTickData(ctx, pair)
		switch {
		case errors.Is(err, marketsvc.ErrTooEarly):
		case err != nil:
			logger.Error("%s tick update failed: %v", pair, err)
		default:
			updated[pair] = struct{}{}
		}
	}

	for _, pair := range w.conf.BasePairs {
		if _, ok := updated[pair]; !ok {
			continue
		}
		if err := w.market.UpdateBaseRate(ctx, pair); err != nil {
			logger.Error("%s base rate update failed: %v", pair, err)
		}
	}
	if err := w.market.UpdateTradeMinimums(); err != nil {
		logger.Error("Trade minimums update failed: %v", err)
	}

	w.cleanUntrackedData()
	w.detector.SyncPairs()

	for _, pair := range w.tradeBaseFirst(w.market.Pairs) {
		if _, ok := updated[pair]; !ok {
			continue
		}

		w.indicator.UpdateDerivedData(pair)
		w.detector.UpdateDetectionTriggers(ctx, pair)
		w.detector.UpdateIndicatorStates(pair)
		w.detector.ProcessDetections(ctx, pair)

		if err := w.trader.Update(ctx, pair); err != nil {
			logger.Error("%s trader update failed: %v", pair, err)
		}
	}

	refreshed, err := w.market.CheckBackRefreshes(ctx)
	if err != nil {
		logger.Error("Back-refresh check failed: %v", err)
	}
	for pair := range refreshed {
		if contains(w.market.Pairs, pair) {
			w.indicator.RefreshDerivedData(pair)
		}
	}

	w.market.SaveBackupIndex(ctx)

	w.healthMu.Lock()
	w.lastTickTime = time.Now()
	w.healthMu.Unlock()

	open, _ := w.trader.ReportTrades()
	w.health.TouchTick(time.Now())
	w.health.SetPairsTracked(len(w.market.Pairs))
	w.health.SetOpenTrades(open)
}

// cleanUntrackedData выбрасывает данные пар, снятых с отслеживания. Пары
// с открытыми сделками и базовые пары остаются.
func (w *Watcher) cleanUntrackedData() {
	keep := map[string]struct{}{}
	for _, pair := range w.market.Pairs {
		keep[pair] = struct{}{}
	}
	for _, pair := range w.market.ExtraBasePairs {
		keep[pair] = struct{}{}
	}
	for _, pair := range w.conf.BasePairs {
		keep[pair] = struct{}{}
	}
	for _, pair := range w.trader.OpenTradePairs() {
		keep[pair] = struct{}{}
	}

	for pair := range w.market.CloseTimes {
		if _, ok := keep[pair]; ok {
			continue
		}
		delete(w.market.CloseTimes, pair)
		delete(w.market.CloseValues, pair)
		delete(w.market.AdjustedCloseValues, pair)
		delete(w.market.BaseVolumes, pair)
		delete(w.market.LastUpdateNums, pair)
		delete(w.indicator.SourceCloseValueMAs, pair)
		delete(w.indicator.SourceCloseValueEMAs, pair)
		delete(w.indicator.CloseValueMAs, pair)
		delete(w.indicator.CloseValueEMAs, pair)
		delete(w.indicator.VolumeDerivMAs, pair)
		delete(w.indicator.BollingerBands, pair)
		delete(w.indicator.RSI, pair)
		logger.Debug(0, "Cleaned data for untracked pair %s.", pair)
	}
}

// tickerLoop держит кеш последних значений биржевого клиента тёплым через
// WebSocket, чтобы цикл тиков не ходил за ними по REST. Подписка
// пересоздаётся периодически: список пар меняется по ходу работы.
func (w *Watcher) tickerLoop(ctx context.Context) {
	if w.conf.APIWSURL == "" {
		return
	}
	streamer, ok := w.client.(exchange.TickerStreamer)
	if !ok {
		logger.Debug(0, "Exchange client has no ticker stream.")
		return
	}

	resubSecs := w.conf.TickIntervalSecs * 10

	for ctx.Err() == nil {
		pairs := w.streamPairs()
		if len(pairs) == 0 {
			if !sleepUntil(ctx, w.conf.TickIntervalSecs, 0) {
				return
			}
			continue
		}

		streamCtx, cancel := context.WithCancel(ctx)
		updates := streamer.StreamTickers(streamCtx, w.conf.APIWSURL, pairs)
		resub := time.NewTimer(time.Duration(resubSecs) * time.Second)

		received := 0
		for updates != nil {
			select {
			case <-ctx.Done():
				updates = nil
			case <-resub.C:
				updates = nil
			case _, open := <-updates:
				if !open {
					updates = nil
					break
				}
				received++
			}
		}

		cancel()
		resub.Stop()
		logger.Debug(1, "Ticker stream got %d updates over %d pairs, resubscribing.",
			received, len(pairs))
	}
}

func (w *Watcher) streamPairs() []string {
	w.market.Lock("ticker stream")
	defer w.market.Unlock()

	pairs := make([]string, 0, len(w.market.Pairs)+len(w.market.ExtraBasePairs))
	pairs = append(pairs, w.market.Pairs...)
	pairs = append(pairs, w.market.ExtraBasePairs...)
	return pairs
}

// rolloverLoop открывает новый временной префикс статистики детекций.
func (w *Watcher) rolloverLoop(ctx context.Context) {
	rollover := w.conf.OutputRolloverSecs
	if rollover <= 0 {
		return
	}

	for sleepUntil(ctx, rollover, 1) {
		prefix := helper.TimePrefix(time.Now().UTC(), time.Duration(rollover)*time.Second)

		w.market.Lock("stats rollover")
		w.detector.SyncTimePrefix(prefix)
		w.market.Unlock()

		logger.Info("Rolled detection statistics over to %s.", prefix)
	}
}

// healthLoop шлёт периодическую сводку состояния.
func (w *Watcher) healthLoop(ctx context.Context) {
	interval := w.conf.HealthIntervalSecs
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.healthMu.Lock()
			lastTick := w.lastTickTime
			w.healthMu.Unlock()

			age := time.Duration(0)
			if !lastTick.IsZero() {
				age = time.Since(lastTick).Round(time.Second)
			}
			open, value := w.trader.ReportTrades()

			logger.Info("health: %d pairs, last tick %v ago, %d open trades.",
				len(w.market.Pairs), age, open)
			w.notifier.Sendf("💓 %d pairs tracked, last tick %v ago, %d open trades worth %.8f.",
				len(w.market.Pairs), age, open, value)
		}
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
