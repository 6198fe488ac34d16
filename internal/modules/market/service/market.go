package service

import (
	"context"
	"sync"

	"github.com/arafuse/CryptoWatcher/internal/exchange"
	"github.com/arafuse/CryptoWatcher/internal/helper"
	"github.com/arafuse/CryptoWatcher/internal/models"
	"github.com/arafuse/CryptoWatcher/internal/modules/config"
	"github.com/arafuse/CryptoWatcher/internal/state"
	"github.com/arafuse/CryptoWatcher/pkg/logger"

	"github.com/pkg/errors"
)

// Market держит рыночные данные по отслеживаемым парам: сырые тики,
// пересчитанные к торговой базе значения, объёмы и их производные.
// Доступ сериализуется внешним Lock/Unlock, внутренних блокировок на
// данных нет.
type Market struct {
	conf   *config.Config
	client exchange.Client
	store  state.Store

	Pairs          []string
	ExtraBasePairs []string

	CloseTimes          map[string][]int64
	CloseValues         map[string][]float64
	AdjustedCloseValues map[string][]float64

	// BaseVolumes[pair][0] — суточные объёмы, [1] — их производные.
	BaseVolumes map[string][2][]float64

	closeTimesBackup  map[string][]int64
	closeValuesBackup map[string][]float64
	volumesBackup     map[string][]float64

	lastPairs     map[string]*models.PairFilterState
	GreylistPairs map[string]int64
	BackRefreshes []models.BackRefresh

	LastUpdateNums         map[string]int
	lastAdjustedCloseTimes map[string]int64

	BaseRates        map[string]float64
	MinTradeQtys     map[string]float64
	MinTradeSizes    map[string]float64
	MinTradeSize     float64
	MinSafeTradeSize float64

	MinTickLength int

	dataMu    sync.Mutex
	refreshMu sync.Mutex
	// пары с загрузкой истории в полёте, для rate limit
	dataRefreshing map[string]struct{}

	// перекрывает time.Now в тестах
	now func() int64
}

func NewMarket(conf *config.Config, client exchange.Client, store state.Store) *Market {
	return &Market{
		conf:   conf,
		client: client,
		store:  store,

		CloseTimes:          map[string][]int64{},
		CloseValues:         map[string][]float64{},
		AdjustedCloseValues: map[string][]float64{},
		BaseVolumes:         map[string][2][]float64{},

		closeTimesBackup:  map[string][]int64{},
		closeValuesBackup: map[string][]float64{},
		volumesBackup:     map[string][]float64{},

		lastPairs:     map[string]*models.PairFilterState{},
		GreylistPairs: map[string]int64{},

		LastUpdateNums:         map[string]int{},
		lastAdjustedCloseTimes: map[string]int64{},

		BaseRates:     map[string]float64{},
		MinTradeQtys:  map[string]float64{},
		MinTradeSizes: map[string]float64{},

		MinTickLength:  helper.MinTickLength(conf.MAWindows, conf.EMAWindows, conf.ChartAge),
		dataRefreshing: map[string]struct{}{},
		now:            nowUnix,
	}
}

// Lock — монопольный доступ к рыночным данным. waiter идёт в лог при
// ожидании, чтобы различать конкурирующие циклы.
func (m *Market) Lock(waiter string) {
	if !m.dataMu.TryLock() {
		logger.Debug(1, "%s: Waiting for market data access in progress.", waiter)
		m.dataMu.Lock()
	}
}

func (m *Market) Unlock() {
	m.dataMu.Unlock()
}

// UpdateBaseRate запоминает текущий курс базовой пары и обратной к ней.
func (m *Market) UpdateBaseRate(ctx context.Context, pair string) error {
	values := m.CloseValues[pair]
	if len(values) == 0 {
		return errors.Errorf("%s has no close values", pair)
	}
	value := values[len(values)-1]

	if !helper.IsClose(m.BaseRates[pair], value) {
		logger.Debug(1, "Updated %s base currency rate.", pair)
		logger.Debug(2, "%s new currency rate is %v", pair, value)
	}

	m.BaseRates[pair] = value

	base, quote, ok := helper.SplitPair(pair)
	if ok && value != 0 {
		m.BaseRates[helper.JoinPair(quote, base)] = 1.0 / value
	}

	return m.store.Save(ctx, state.Key("market", "base_rates"), m.BaseRates)
}

// UpdateTradeMinimums пересчитывает минимальный размер сделки по текущим
// курсам базовых валют.
func (m *Market) UpdateTradeMinimums() error {
	tradeBase := m.conf.TradeBase
	tradeBaseBTCPair := helper.JoinPair(tradeBase, "BTC")

	tradeBaseRate := 1.0
	if tradeBase != "BTC" {
		tradeBaseRate = m.BaseRates[tradeBaseBTCPair]
	}

	baseMult, err := m.PairBaseMult(tradeBase, tradeBaseBTCPair)
	if err != nil {
		return err
	}

	m.MinTradeSize = tradeBaseRate * m.conf.TradeMinSizeBTC * baseMult
	m.MinSafeTradeSize = m.MinTradeSize * (1.0 + m.conf.TradeMinSafePercent)
	return nil
}

// PairBaseMult — множитель пересчёта пары в другую базовую валюту.
// Например ("USDT", "ETH-CVC") даст курс 'USDT-ETH'.
func (m *Market) PairBaseMult(base, pair string) (float64, error) {
	pairBase, _, _ := helper.SplitPair(pair)
	return m.BaseMult(base, pairBase)
}

func (m *Market) BaseMult(base, otherBase string) (float64, error) {
	if base == otherBase {
		return 1.0, nil
	}
	convertPair := helper.JoinPair(base, otherBase)
	rate, ok := m.BaseRates[convertPair]
	if !ok {
		return 0, errors.Errorf("invalid base rate %s", convertPair)
	}
	return rate, nil
}

// ConvertPairBase — значение пары, пересчитанное к другой базе.
func (m *Market) ConvertPairBase(base, pair string) (float64, error) {
	values := m.CloseValues[pair]
	if len(values) == 0 {
		return 0, errors.Errorf("%s has no close values", pair)
	}
	mult, err := m.PairBaseMult(base, pair)
	if err != nil {
		return 0, err
	}
	return values[len(values)-1] * mult, nil
}

// LastFilterStates отдаёт снимок состояний фильтра изменений, для тестов.
func (m *Market) LastFilterStates() map[string]models.PairFilterState {
	out := make(map[string]models.PairFilterState, len(m.lastPairs))
	for pair, st := range m.lastPairs {
		out[pair] = *st
	}
	return out
}

func (m *Market) truncateTickData(pair string) {
	truncate := len(m.CloseTimes[pair]) - m.MinTickLength
	if truncate <= 60 {
		return
	}
	volumes := m.BaseVolumes[pair]
	volumes[0] = volumes[0][truncate:]
	m.BaseVolumes[pair] = volumes
	m.CloseValues[pair] = m.CloseValues[pair][truncate:]
	m.CloseTimes[pair] = m.CloseTimes[pair][truncate:]
}

func (m *Market) truncateAdjustedTickData(pair string) {
	truncate := len(m.CloseTimes[pair]) - m.MinTickLength
	if truncate <= 60 {
		return
	}
	volumes := m.BaseVolumes[pair]
	volumes[1] = volumes[1][truncate:]
	m.BaseVolumes[pair] = volumes
	m.AdjustedCloseValues[pair] = m.AdjustedCloseValues[pair][truncate:]
}

func (m *Market) backupTickData(ctx context.Context, pair string) {
	m.volumesBackup[pair] = tailFloats(m.BaseVolumes[pair][0], m.MinTickLength)
	m.closeValuesBackup[pair] = tailFloats(m.CloseValues[pair], m.MinTickLength)
	m.closeTimesBackup[pair] = tailTimes(m.CloseTimes[pair], m.MinTickLength)

	m.saveBackup(ctx, pair)
}

func (m *Market) saveBackup(ctx context.Context, pair string) {
	if err := m.store.Save(ctx, state.Key("market", "volumes_backup", pair), m.volumesBackup[pair]); err != nil {
		logger.Error("%s failed to save volumes backup: %v", pair, err)
	}
	if err := m.store.Save(ctx, state.Key("market", "close_values_backup", pair), m.closeValuesBackup[pair]); err != nil {
		logger.Error("%s failed to save close values backup: %v", pair, err)
	}
	if err := m.store.Save(ctx, state.Key("market", "close_times_backup", pair), m.closeTimesBackup[pair]); err != nil {
		logger.Error("%s failed to save close times backup: %v", pair, err)
	}
}

// Restore поднимает сохранённое состояние фильтров и бэкапы тиков.
// Бэкапы хранятся по паре, ключи перечислены отдельным списком.
func (m *Market) Restore(ctx context.Context) error {
	if _, err := m.store.Load(ctx, state.Key("market", "last_pairs"), &m.lastPairs); err != nil {
		return err
	}
	if _, err := m.store.Load(ctx, state.Key("market", "back_refreshes"), &m.BackRefreshes); err != nil {
		return err
	}
	if _, err := m.store.Load(ctx, state.Key("market", "base_rates"), &m.BaseRates); err != nil {
		return err
	}

	var backupPairs []string
	if _, err := m.store.Load(ctx, state.Key("market", "backup_pairs"), &backupPairs); err != nil {
		return err
	}
	for _, pair := range backupPairs {
		var (
			times   []int64
			values  []float64
			volumes []float64
		)
		if _, err := m.store.Load(ctx, state.Key("market", "close_times_backup", pair), &times); err != nil {
			return err
		}
		if _, err := m.store.Load(ctx, state.Key("market", "close_values_backup", pair), &values); err != nil {
			return err
		}
		if _, err := m.store.Load(ctx, state.Key("market", "volumes_backup", pair), &volumes); err != nil {
			return err
		}
		if len(times) > 0 && len(values) > 0 && len(volumes) > 0 {
			m.closeTimesBackup[pair] = times
			m.closeValuesBackup[pair] = values
			m.volumesBackup[pair] = volumes
		}
	}

	return nil
}

// SaveBackupIndex сохраняет список пар с бэкапами, вызывается в конце цикла.
func (m *Market) SaveBackupIndex(ctx context.Context) {
	pairs := make([]string, 0, len(m.closeTimesBackup))
	for pair := range m.closeTimesBackup {
		pairs = append(pairs, pair)
	}
	if err := m.store.Save(ctx, state.Key("market", "backup_pairs"), pairs); err != nil {
		logger.Error("failed to save backup index: %v", err)
	}
}

func tailFloats(source []float64, n int) []float64 {
	if len(source) > n {
		source = source[len(source)-n:]
	}
	out := make([]float64, len(source))
	copy(out, source)
	return out
}

func tailTimes(source []int64, n int) []int64 {
	if len(source) > n {
		source = source[len(source)-n:]
	}
	out := make([]int64, len(source))
	copy(out, source)
	return out
}

func indexOfTime(times []int64, target int64) int {
	for i, t := range times {
		if t == target {
			return i
		}
	}
	return -1
}
