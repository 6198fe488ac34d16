package service

import (
	"context"
	"testing"

	"github.com/arafuse/CryptoWatcher/internal/exchange"
	"github.com/arafuse/CryptoWatcher/internal/models"
	"github.com/arafuse/CryptoWatcher/internal/modules/config"
	"github.com/arafuse/CryptoWatcher/internal/state"
)

// testConfig даёт маленькие окна, чтобы не тащить тысячи тиков в тесты.
// MinTickLength для них равен 3 + 5 = 8.
func testConfig() *config.Config {
	return &config.Config{
		TradeBase:             "USDT",
		TickIntervalSecs:      60,
		TickGapMax:            60,
		PairsGreylistSecs:     900,
		BackRefreshMinSecs:    3600,
		BackRefreshMaxPerTick: 3,
		MinBaseVolumes:        map[string]float64{"USDT": 1000},
		BaseCurrencies:        []string{"USDT"},
		BasePairs:             []string{"USDT-BTC"},
		MAWindows:             []int{2, 3},
		ChartAge:              5,
		AppNodeIndex:          -1,
		TradeMinSizeBTC:       0.0011,
		TradeMinSafePercent:   0.03,
	}
}

func newTestMarket(t *testing.T, conf *config.Config) (*Market, *exchange.FakeClient, *state.MemoryStore) {
	t.Helper()
	client := exchange.NewFakeClient()
	store := state.NewMemoryStore()
	m := NewMarket(conf, client, store)
	return m, client, store
}

// seedTicks раскладывает плотный ряд по паре начиная с startTime.
func seedTicks(m *Market, pair string, startTime int64, values []float64, volume float64) {
	times := make([]int64, len(values))
	volumes := make([]float64, len(values))
	for i := range values {
		times[i] = startTime + int64(i)*m.conf.TickIntervalSecs
		volumes[i] = volume
	}
	m.CloseTimes[pair] = times
	m.CloseValues[pair] = append([]float64(nil), values...)
	m.BaseVolumes[pair] = [2][]float64{volumes, {}}
}

func TestUpdateBaseRateStoresInverse(t *testing.T) {
	m, _, store := newTestMarket(t, testConfig())
	seedTicks(m, "USDT-BTC", 6000, []float64{39000, 40000}, 5000)

	if err := m.UpdateBaseRate(context.Background(), "USDT-BTC"); err != nil {
		t.Fatalf("UpdateBaseRate: %v", err)
	}

	if m.BaseRates["USDT-BTC"] != 40000 {
		t.Errorf("rate: %v", m.BaseRates["USDT-BTC"])
	}
	if m.BaseRates["BTC-USDT"] != 1.0/40000 {
		t.Errorf("inverse rate: %v", m.BaseRates["BTC-USDT"])
	}

	var saved map[string]float64
	if ok, _ := store.Load(context.Background(), "market/base_rates", &saved); !ok {
		t.Fatal("base rates not persisted")
	}
	if saved["USDT-BTC"] != 40000 {
		t.Errorf("persisted rate: %v", saved["USDT-BTC"])
	}
}

func TestUpdateBaseRateNoValues(t *testing.T) {
	m, _, _ := newTestMarket(t, testConfig())
	if err := m.UpdateBaseRate(context.Background(), "USDT-BTC"); err == nil {
		t.Error("expected error for pair with no close values")
	}
}

func TestUpdateTradeMinimums(t *testing.T) {
	m, _, _ := newTestMarket(t, testConfig())
	m.BaseRates["USDT-BTC"] = 40000

	if err := m.UpdateTradeMinimums(); err != nil {
		t.Fatalf("UpdateTradeMinimums: %v", err)
	}

	want := 40000 * 0.0011
	if m.MinTradeSize != want {
		t.Errorf("MinTradeSize: got %v, want %v", m.MinTradeSize, want)
	}
	if m.MinSafeTradeSize != want*1.03 {
		t.Errorf("MinSafeTradeSize: got %v, want %v", m.MinSafeTradeSize, want*1.03)
	}
}

func TestBaseMult(t *testing.T) {
	m, _, _ := newTestMarket(t, testConfig())
	m.BaseRates["USDT-BTC"] = 40000

	if mult, err := m.BaseMult("USDT", "USDT"); err != nil || mult != 1.0 {
		t.Errorf("same base: %v, %v", mult, err)
	}
	if mult, err := m.BaseMult("USDT", "BTC"); err != nil || mult != 40000 {
		t.Errorf("cross base: %v, %v", mult, err)
	}
	if _, err := m.BaseMult("USDT", "ETH"); err == nil {
		t.Error("missing rate must error")
	}
}

func TestTruncateTickData(t *testing.T) {
	m, _, _ := newTestMarket(t, testConfig())

	// урезание держит гистерезис в 60 тиков сверх минимальной длины
	values := make([]float64, m.MinTickLength+60)
	for i := range values {
		values[i] = float64(i)
	}
	seedTicks(m, "USDT-AAA", 6000, values, 100)
	m.truncateTickData("USDT-AAA")
	if len(m.CloseTimes["USDT-AAA"]) != m.MinTickLength+60 {
		t.Errorf("within bound: truncated to %d", len(m.CloseTimes["USDT-AAA"]))
	}

	values = append(values, float64(len(values)))
	seedTicks(m, "USDT-AAA", 6000, values, 100)
	m.truncateTickData("USDT-AAA")
	if len(m.CloseTimes["USDT-AAA"]) != m.MinTickLength {
		t.Fatalf("over bound: got %d, want %d", len(m.CloseTimes["USDT-AAA"]), m.MinTickLength)
	}
	// остаётся хвост ряда, не начало
	first := m.CloseValues["USDT-AAA"][0]
	if first != float64(len(values)-m.MinTickLength) {
		t.Errorf("first kept value: %v", first)
	}
}

func TestBackupRoundTrip(t *testing.T) {
	m, _, store := newTestMarket(t, testConfig())
	ctx := context.Background()

	values := make([]float64, m.MinTickLength+5)
	for i := range values {
		values[i] = float64(i) + 0.5
	}
	seedTicks(m, "USDT-AAA", 6000, values, 100)
	m.backupTickData(ctx, "USDT-AAA")
	m.SaveBackupIndex(ctx)

	// бэкап хранит хвост минимальной длины
	if len(m.closeTimesBackup["USDT-AAA"]) != m.MinTickLength {
		t.Fatalf("backup length: %d", len(m.closeTimesBackup["USDT-AAA"]))
	}

	restored := NewMarket(m.conf, exchange.NewFakeClient(), store)
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(restored.closeTimesBackup["USDT-AAA"]) != m.MinTickLength {
		t.Errorf("restored backup length: %d", len(restored.closeTimesBackup["USDT-AAA"]))
	}
	wantFirst := values[len(values)-m.MinTickLength]
	if restored.closeValuesBackup["USDT-AAA"][0] != wantFirst {
		t.Errorf("restored first value: %v, want %v", restored.closeValuesBackup["USDT-AAA"][0], wantFirst)
	}
}

func TestRestoreLoadsFilterStates(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	saved := map[string]*models.PairFilterState{
		"USDT-AAA": {Value: 1.5, Change: 0.01, Delta: 0.0015, Filtered: false},
	}
	if err := store.Save(ctx, "market/last_pairs", saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m := NewMarket(testConfig(), exchange.NewFakeClient(), store)
	if err := m.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	states := m.LastFilterStates()
	if st, ok := states["USDT-AAA"]; !ok || st.Value != 1.5 || st.Delta != 0.0015 {
		t.Errorf("filter states: %+v", states)
	}
}
