package service

import (
	"context"
	"sync"
	"time"

	"github.com/arafuse/CryptoWatcher/internal/exchange"
	"github.com/arafuse/CryptoWatcher/internal/models"
	"github.com/arafuse/CryptoWatcher/internal/modules/config"
	marketsvc "github.com/arafuse/CryptoWatcher/internal/modules/market/service"
	"github.com/arafuse/CryptoWatcher/internal/state"
	"github.com/arafuse/CryptoWatcher/pkg/logger"

	"github.com/pkg/errors"
)

// tradeTypes перечисляет типы последних сделок, видимые фильтрам детекций.
var tradeTypes = []string{"buy", "rebuy", "sell", "stop"}

// pairTradeState — флаги пары, которыми управляют действия детекций.
type pairTradeState struct {
	BuyEnabled    bool `json:"buy_enabled"`
	RefillEnabled bool `json:"refill_enabled"`
	Held          bool `json:"held"`
}

// Trader исполняет действия детекций: лимитные покупки и продажи,
// стоп-цели и целевые уровни фиксации. В режиме симуляции ордера не
// уходят на биржу, состояние ведётся так же.
type Trader struct {
	conf   *config.Config
	client exchange.Client
	market *marketsvc.Market
	store  state.Store

	mu         sync.Mutex
	trades     map[string]*models.PairTrades
	lastTrades map[string]map[string]*models.LastTrade
	states     map[string]*pairTradeState
}

func NewTrader(conf *config.Config, client exchange.Client, market *marketsvc.Market,
	store state.Store) *Trader {

	return &Trader{
		conf:   conf,
		client: client,
		market: market,
		store:  store,

		trades:     map[string]*models.PairTrades{},
		lastTrades: map[string]map[string]*models.LastTrade{},
		states:     map[string]*pairTradeState{},
	}
}

// SyncPairs готовит торговое состояние под текущий список пар. Пары с
// открытыми сделками не выбрасываются даже после снятия с отслеживания.
func (t *Trader) SyncPairs() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, pair := range t.market.Pairs {
		t.preparePair(pair)
	}
}

func (t *Trader) preparePair(pair string) {
	if _, ok := t.trades[pair]; !ok {
		t.trades[pair] = &models.PairTrades{}
	}
	if _, ok := t.lastTrades[pair]; !ok {
		t.lastTrades[pair] = map[string]*models.LastTrade{}
	}
	for _, tradeType := range tradeTypes {
		if _, ok := t.lastTrades[pair][tradeType]; !ok {
			t.lastTrades[pair][tradeType] = &models.LastTrade{}
		}
	}
	if _, ok := t.states[pair]; !ok {
		t.states[pair] = &pairTradeState{BuyEnabled: true, RefillEnabled: true}
	}
}

// OpenTradePairs — пары с открытыми сделками, их данные нельзя вычищать.
func (t *Trader) OpenTradePairs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pairs []string
	for pair, trades := range t.trades {
		if len(trades.Open) > 0 {
			pairs = append(pairs, pair)
		}
	}
	return pairs
}

// LastTrade отдаёт значение и время последней сделки данного типа.
func (t *Trader) LastTrade(pair, tradeType string) (float64, int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.lastTrades[pair][tradeType]
	if !ok {
		return 0, 0, false
	}
	return last.Value, last.Time, true
}

// OpenTrades отдаёт признак открытых сделок и время последнего открытия.
func (t *Trader) OpenTrades(pair string) (bool, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	trades, ok := t.trades[pair]
	if !ok {
		return false, 0
	}
	return len(trades.Open) > 0, trades.LastOpenTime
}

func (t *Trader) currentValue(pair string) (float64, error) {
	values := t.market.AdjustedCloseValues[pair]
	if len(values) == 0 {
		return 0, errors.Errorf("%s has no adjusted close values", pair)
	}
	return values[len(values)-1], nil
}

func (t *Trader) currentTime(pair string) int64 {
	times := t.market.CloseTimes[pair]
	if len(times) == 0 {
		return time.Now().Unix()
	}
	return times[len(times)-1]
}

// Buy открывает позицию минимально безопасного размера по текущей цене.
func (t *Trader) Buy(ctx context.Context, pair, detection string, data *models.TriggerData) error {
	return t.buy(ctx, pair, detection, "buy", false)
}

// Rebuy докупает к уже открытой позиции.
func (t *Trader) Rebuy(ctx context.Context, pair, detection string, data *models.TriggerData) error {
	return t.buy(ctx, pair, detection, "rebuy", true)
}

func (t *Trader) buy(ctx context.Context, pair, detection, tradeType string, requireOpen bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preparePair(pair)

	if !t.states[pair].BuyEnabled {
		logger.Info("%s buys are disabled, skipping %s.", pair, tradeType)
		return nil
	}
	if requireOpen && len(t.trades[pair].Open) == 0 {
		logger.Info("%s has no open trades, skipping %s.", pair, tradeType)
		return nil
	}
	if !requireOpen && t.conf.TradeMaxOpen > 0 && t.openTradeCount() >= t.conf.TradeMaxOpen {
		logger.Info("%s at open trade limit of %d, skipping buy.", pair, t.conf.TradeMaxOpen)
		return nil
	}

	value, err := t.currentValue(pair)
	if err != nil {
		return err
	}
	if value == 0 {
		return errors.Errorf("%s has zero current value", pair)
	}

	size := t.market.MinSafeTradeSize
	if minSize, ok := t.market.MinTradeSizes[pair]; ok && size < minSize {
		size = minSize * (1.0 + t.conf.TradeMinSafePercent)
	}
	quantity := size / value

	if !t.conf.TradeSimulate {
		balance, err := t.client.GetBalance(ctx, t.conf.TradeBase)
		if err != nil {
			return errors.Wrapf(err, "%s failed to get %s balance", pair, t.conf.TradeBase)
		}
		if balance < size {
			logger.Warn("%s insufficient %s balance %v for trade size %v.",
				pair, t.conf.TradeBase, balance, size)
			return nil
		}

		filled, err := t.executeOrder(ctx, pair, "buy", quantity, value)
		if err != nil {
			return err
		}
		if !filled {
			return nil
		}
	}

	now := t.currentTime(pair)
	t.trades[pair].Open = append(t.trades[pair].Open, &models.OpenTrade{
		Quantity:  quantity,
		OpenValue: value,
		OpenTime:  now,
		Detection: detection,
	})
	t.trades[pair].LastOpenTime = now
	t.lastTrades[pair][tradeType] = &models.LastTrade{Value: value, Time: now}

	logger.Info("%s %s of %v at %v on detection '%s'.", pair, tradeType, quantity, value, detection)
	t.save(ctx)
	return nil
}

func (t *Trader) openTradeCount() int {
	count := 0
	for _, trades := range t.trades {
		count += len(trades.Open)
	}
	return count
}

// executeOrder ставит лимитный ордер и ждёт исполнения до таймаута,
// после чего снимает его. Возвращает признак полного исполнения.
func (t *Trader) executeOrder(ctx context.Context, pair, side string, quantity, price float64) (bool, error) {
	var (
		orderID string
		err     error
	)
	if side == "buy" {
		orderID, err = t.client.BuyLimit(ctx, pair, quantity, price)
	} else {
		orderID, err = t.client.SellLimit(ctx, pair, quantity, price)
	}
	if err != nil {
		return false, errors.Wrapf(err, "%s failed to place %s order", pair, side)
	}

	deadline := time.Now().Add(time.Duration(t.conf.TradeOrderTimeoutSecs) * time.Second)

	for time.Now().Before(deadline) {
		order, err := t.client.GetOrder(ctx, orderID)
		if err != nil {
			return false, errors.Wrapf(err, "%s failed to poll order %s", pair, orderID)
		}
		if !order.Open && order.QuantityLeft == 0 {
			return true, nil
		}
		if !order.Open {
			logger.Warn("%s order %s closed with %v unfilled.", pair, orderID, order.QuantityLeft)
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	logger.Warn("%s %s order %s timed out, cancelling.", pair, side, orderID)
	if err := t.client.CancelOrder(ctx, orderID); err != nil {
		return false, errors.Wrapf(err, "%s failed to cancel order %s", pair, orderID)
	}
	return false, nil
}

// Hold помечает пару удерживаемой: продажи по целям пропускаются.
func (t *Trader) Hold(ctx context.Context, pair, detection string, data *models.TriggerData) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preparePair(pair)

	t.states[pair].Held = true
	logger.Info("%s holding on detection '%s'.", pair, detection)
	t.save(ctx)
	return nil
}

// StopHold снимает удержание пары.
func (t *Trader) StopHold(ctx context.Context, pair, detection string, data *models.TriggerData) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preparePair(pair)

	t.states[pair].Held = false
	logger.Info("%s released hold on detection '%s'.", pair, detection)
	t.save(ctx)
	return nil
}

// SellPush выставляет цель фиксации выше текущей цены на открытых сделках.
func (t *Trader) SellPush(ctx context.Context, pair, detection string, data *models.TriggerData) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preparePair(pair)

	value, err := t.currentValue(pair)
	if err != nil {
		return err
	}

	target := value * (1.0 + t.conf.TradePushPercent)
	for _, trade := range t.trades[pair].Open {
		trade.PushValue = target
	}

	logger.Info("%s sell-push target %v on detection '%s'.", pair, target, detection)
	t.save(ctx)
	return nil
}

// PushRelease снимает цели фиксации.
func (t *Trader) PushRelease(ctx context.Context, pair, detection string, data *models.TriggerData) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preparePair(pair)

	for _, trade := range t.trades[pair].Open {
		trade.PushValue = 0
	}

	logger.Info("%s released sell-push on detection '%s'.", pair, detection)
	t.save(ctx)
	return nil
}

// SoftStop выставляет стоп ниже текущей цены на открытых сделках.
func (t *Trader) SoftStop(ctx context.Context, pair, detection string, data *models.TriggerData) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preparePair(pair)

	value, err := t.currentValue(pair)
	if err != nil {
		return err
	}

	target := value * (1.0 - t.conf.TradeStopPercent)
	for _, trade := range t.trades[pair].Open {
		trade.StopValue = target
	}

	logger.Info("%s stop target %v on detection '%s'.", pair, target, detection)
	t.save(ctx)
	return nil
}

// HardStop немедленно закрывает открытые сделки как сработавший стоп.
func (t *Trader) HardStop(ctx context.Context, pair, detection string, data *models.TriggerData) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sellAll(ctx, pair, detection, "stop", 1.0)
}

// SoftSell продаёт открытые сделки по текущей цене.
func (t *Trader) SoftSell(ctx context.Context, pair, detection string, data *models.TriggerData) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sellAll(ctx, pair, detection, "sell", 1.0)
}

// HardSell продаёт чуть ниже рынка, чтобы перейти спред.
func (t *Trader) HardSell(ctx context.Context, pair, detection string, data *models.TriggerData) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sellAll(ctx, pair, detection, "sell", 0.9975)
}

// DumpSell сбрасывает позицию с большим запасом по цене.
func (t *Trader) DumpSell(ctx context.Context, pair, detection string, data *models.TriggerData) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sellAll(ctx, pair, detection, "sell", 0.95)
}

// sellAll закрывает все открытые сделки пары. Вызывается под t.mu.
func (t *Trader) sellAll(ctx context.Context, pair, detection, tradeType string, priceMult float64) error {
	t.preparePair(pair)

	if len(t.trades[pair].Open) == 0 {
		logger.Debug(0, "%s has no open trades to sell.", pair)
		return nil
	}
	if t.states[pair].Held && tradeType != "stop" {
		logger.Info("%s is held, skipping sell on detection '%s'.", pair, detection)
		return nil
	}

	value, err := t.currentValue(pair)
	if err != nil {
		return err
	}
	price := value * priceMult

	var quantity float64
	for _, trade := range t.trades[pair].Open {
		quantity += trade.Quantity
	}

	if !t.conf.TradeSimulate {
		filled, err := t.executeOrder(ctx, pair, "sell", quantity, price)
		if err != nil {
			return err
		}
		if !filled {
			return nil
		}
	}

	t.trades[pair].Open = nil
	t.lastTrades[pair][tradeType] = &models.LastTrade{Value: value, Time: t.currentTime(pair)}

	logger.Info("%s %s of %v at %v on detection '%s'.", pair, tradeType, quantity, price, detection)
	t.save(ctx)
	return nil
}

// EnableRefill разрешает докупки.
func (t *Trader) EnableRefill(ctx context.Context, pair, detection string, data *models.TriggerData) error {
	return t.setRefill(ctx, pair, detection, true)
}

// DisableRefill запрещает докупки.
func (t *Trader) DisableRefill(ctx context.Context, pair, detection string, data *models.TriggerData) error {
	return t.setRefill(ctx, pair, detection, false)
}

func (t *Trader) setRefill(ctx context.Context, pair, detection string, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preparePair(pair)

	t.states[pair].RefillEnabled = enabled
	logger.Info("%s refill enabled=%v on detection '%s'.", pair, enabled, detection)
	t.save(ctx)
	return nil
}

// EnableBuy разрешает покупки по паре.
func (t *Trader) EnableBuy(ctx context.Context, pair, detection string, data *models.TriggerData) error {
	return t.setBuyEnabled(ctx, pair, detection, true)
}

// DisableBuy запрещает покупки по паре.
func (t *Trader) DisableBuy(ctx context.Context, pair, detection string, data *models.TriggerData) error {
	return t.setBuyEnabled(ctx, pair, detection, false)
}

func (t *Trader) setBuyEnabled(ctx context.Context, pair, detection string, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preparePair(pair)

	t.states[pair].BuyEnabled = enabled
	logger.Info("%s buys enabled=%v on detection '%s'.", pair, enabled, detection)
	t.save(ctx)
	return nil
}

// Pullout закрывает позицию и запрещает дальнейшие покупки по паре.
func (t *Trader) Pullout(ctx context.Context, pair, detection string, data *models.TriggerData) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preparePair(pair)

	t.states[pair].BuyEnabled = false
	return t.sellAll(ctx, pair, detection, "sell", 0.9975)
}

// Update проверяет цели фиксации и стопы пары против текущей цены.
// Вызывается на каждом тике после обновления данных.
func (t *Trader) Update(ctx context.Context, pair string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preparePair(pair)

	if len(t.trades[pair].Open) == 0 {
		return nil
	}

	value, err := t.currentValue(pair)
	if err != nil {
		return err
	}

	for _, trade := range t.trades[pair].Open {
		if trade.StopValue > 0 && value <= trade.StopValue {
			logger.Info("%s stop target %v hit at %v.", pair, trade.StopValue, value)
			return t.sellAll(ctx, pair, trade.Detection, "stop", 0.9975)
		}
		if trade.PushValue > 0 && value >= trade.PushValue {
			logger.Info("%s sell-push target %v hit at %v.", pair, trade.PushValue, value)
			return t.sellAll(ctx, pair, trade.Detection, "sell", 1.0)
		}
	}

	return nil
}

// ReportTrades сводит открытые позиции для health-отчёта.
func (t *Trader) ReportTrades() (open int, value float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for pair, trades := range t.trades {
		for _, trade := range trades.Open {
			open++
			if current, err := t.currentValue(pair); err == nil {
				value += trade.Quantity * current
			}
		}
	}
	return open, value
}

// Restore поднимает сохранённое торговое состояние.
func (t *Trader) Restore(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.store.Load(ctx, state.Key("trader", "trades"), &t.trades); err != nil {
		return err
	}
	if _, err := t.store.Load(ctx, state.Key("trader", "last_trades"), &t.lastTrades); err != nil {
		return err
	}
	if _, err := t.store.Load(ctx, state.Key("trader", "states"), &t.states); err != nil {
		return err
	}
	return nil
}

func (t *Trader) save(ctx context.Context) {
	if err := t.store.Save(ctx, state.Key("trader", "trades"), t.trades); err != nil {
		logger.Error("failed to save trades: %v", err)
	}
	if err := t.store.Save(ctx, state.Key("trader", "last_trades"), t.lastTrades); err != nil {
		logger.Error("failed to save last trades: %v", err)
	}
	if err := t.store.Save(ctx, state.Key("trader", "states"), t.states); err != nil {
		logger.Error("failed to save trade states: %v", err)
	}
}
