package service

import (
	"math"
	"testing"

	"github.com/arafuse/CryptoWatcher/internal/exchange"
	"github.com/arafuse/CryptoWatcher/internal/modules/config"
	marketsvc "github.com/arafuse/CryptoWatcher/internal/modules/market/service"
	"github.com/arafuse/CryptoWatcher/internal/state"
)

func testConfig() *config.Config {
	return &config.Config{
		TradeBase:        "USDT",
		TickIntervalSecs: 60,
		ChartAge:         5,
		MAWindows:        []int{2, 3},
		VDMAWindows:      []int{2},
		EMAWindows:       []int{1},
		EMATradeBaseOnly: true,
		MAFilterWindow:   5,
		MAFilterOrder:    3,
		BBandMA:          0,
		BBandMult:        2,
		RSIWindow:        2,
		RSISize:          10,
	}
}

func newTestIndicator(t *testing.T, conf *config.Config) (*Indicator, *marketsvc.Market) {
	t.Helper()
	market := marketsvc.NewMarket(conf, exchange.NewFakeClient(), state.NewMemoryStore())
	return NewIndicator(conf, market), market
}

// seedPair кладёт готовый плотный ряд в Market, минуя API.
func seedPair(m *marketsvc.Market, pair string, values []float64, interval int64) {
	times := make([]int64, len(values))
	volumes := make([]float64, len(values))
	for i := range values {
		times[i] = 6000 + int64(i)*interval
		volumes[i] = 100
	}
	m.CloseTimes[pair] = times
	m.CloseValues[pair] = append([]float64(nil), values...)
	m.BaseVolumes[pair] = [2][]float64{volumes, {}}
}

func TestRefreshMAs(t *testing.T) {
	ind, market := newTestIndicator(t, testConfig())
	seedPair(market, "USDT-AAA", []float64{1, 2, 3, 4, 5, 6, 7, 8}, 60)

	ind.RefreshDerivedData("USDT-AAA")

	// окно 2 над хвостом chart_age+2: средние строго по прошлым значениям
	ma := ind.CloseValueMAs["USDT-AAA"][2]
	want := []float64{2.5, 3.5, 4.5, 5.5, 6.5}
	if len(ma) != len(want) {
		t.Fatalf("ma length: %d", len(ma))
	}
	for i := range want {
		if math.Abs(ma[i]-want[i]) > 1e-9 {
			t.Errorf("ma[%d]: got %v, want %v", i, ma[i], want[i])
		}
	}
	// без фильтра сглаженный ряд и исходный совпадают
	if len(ind.SourceCloseValueMAs["USDT-AAA"][2]) != len(ma) {
		t.Error("source and filtered series must match without a filter")
	}
}

func TestUpdateMAsMatchesRefresh(t *testing.T) {
	conf := testConfig()
	ind, market := newTestIndicator(t, conf)
	seedPair(market, "USDT-AAA", []float64{1, 2, 4, 8, 9, 7, 6, 5, 4, 3}, 60)

	ind.RefreshDerivedData("USDT-AAA")

	// приходит новый тик
	market.CloseTimes["USDT-AAA"] = append(market.CloseTimes["USDT-AAA"], 6600)
	market.CloseValues["USDT-AAA"] = append(market.CloseValues["USDT-AAA"], 10)
	vols := market.BaseVolumes["USDT-AAA"]
	vols[0] = append(vols[0], 100)
	market.BaseVolumes["USDT-AAA"] = vols
	market.LastUpdateNums["USDT-AAA"] = 1

	ind.UpdateDerivedData("USDT-AAA")

	// инкрементальный пересчёт совпадает с полным
	fresh := NewIndicator(conf, market)
	fresh.RefreshDerivedData("USDT-AAA")

	for _, window := range conf.MAWindows {
		got := ind.CloseValueMAs["USDT-AAA"][window]
		want := fresh.CloseValueMAs["USDT-AAA"][window]
		if math.Abs(got[len(got)-1]-want[len(want)-1]) > 1e-9 {
			t.Errorf("window %d: incremental %v, full %v", window, got[len(got)-1], want[len(want)-1])
		}
	}
}

func TestVolumeDerivMAs(t *testing.T) {
	ind, market := newTestIndicator(t, testConfig())
	seedPair(market, "USDT-AAA", []float64{1, 1, 1, 1, 1, 1}, 60)
	vols := market.BaseVolumes["USDT-AAA"]
	vols[0] = []float64{100, 200, 400, 400, 800, 800}
	market.BaseVolumes["USDT-AAA"] = vols

	ind.RefreshDerivedData("USDT-AAA")

	// производные объёма [0, 50, 50, 0, 50, 0], VDMA окна 2 начиная с
	// индекса 2: [25, 50, 25, 25]
	vdma := ind.VolumeDerivMAs["USDT-AAA"][2]
	want := []float64{25, 50, 25, 25}
	if len(vdma) != len(want) {
		t.Fatalf("vdma: %v", vdma)
	}
	for i := range want {
		if math.Abs(vdma[i]-want[i]) > 1e-9 {
			t.Errorf("vdma[%d]: got %v, want %v", i, vdma[i], want[i])
		}
	}
}

func TestEMARestrictedToTradeBase(t *testing.T) {
	ind, market := newTestIndicator(t, testConfig())
	seedPair(market, "USDT-BTC", []float64{40000, 40000, 40000, 40000}, 60)
	seedPair(market, "BTC-ETH", []float64{1, 2, 3, 4}, 60)

	ind.RefreshDerivedData("USDT-BTC")
	ind.RefreshDerivedData("BTC-ETH")

	if len(ind.CloseValueEMAs["USDT-BTC"][1]) == 0 {
		t.Error("trade base pair must get EMAs")
	}
	// вне торговой базы EMA выключены, но ключи присутствуют
	got, ok := ind.CloseValueEMAs["BTC-ETH"][1]
	if !ok {
		t.Fatal("window entry missing for restricted pair")
	}
	if len(got) != 0 {
		t.Errorf("restricted pair EMAs: %v", got)
	}
}

func TestRefreshEMAValues(t *testing.T) {
	ind, market := newTestIndicator(t, testConfig())
	seedPair(market, "USDT-AAA", []float64{1, 2, 3, 4}, 60)

	ind.RefreshDerivedData("USDT-AAA")

	// окно 1: каждый шаг полностью замещает затравку предыдущим значением
	ema := ind.CloseValueEMAs["USDT-AAA"][1]
	want := []float64{2, 3}
	if len(ema) != len(want) {
		t.Fatalf("ema: %v", ema)
	}
	for i := range want {
		if math.Abs(ema[i]-want[i]) > 1e-9 {
			t.Errorf("ema[%d]: got %v, want %v", i, ema[i], want[i])
		}
	}
}

func TestFilterMAsKeepsSourceSeries(t *testing.T) {
	conf := testConfig()
	conf.MAFilter = true
	conf.ChartAge = 30
	ind, market := newTestIndicator(t, conf)

	values := make([]float64, 30)
	for i := range values {
		values[i] = float64(i)
	}
	seedPair(market, "USDT-AAA", values, 60)

	ind.RefreshDerivedData("USDT-AAA")

	source := ind.SourceCloseValueMAs["USDT-AAA"][2]
	filtered := ind.CloseValueMAs["USDT-AAA"][2]
	if len(filtered) != len(source) {
		t.Fatalf("filtered length %d, source %d", len(filtered), len(source))
	}
	// линейный ряд фильтр воспроизводит точно; у края ряд искажается
	// хвостовым дополнением, его не проверяем
	for i := 0; i < len(source)-conf.MAFilterWindow; i++ {
		if math.Abs(filtered[i]-source[i]) > 1e-6 {
			t.Errorf("[%d]: filtered %v, source %v", i, filtered[i], source[i])
		}
	}
}

func TestFilterEMAsExtendSource(t *testing.T) {
	conf := testConfig()
	conf.MAFilter = true
	conf.ChartAge = 30
	ind, market := newTestIndicator(t, conf)

	values := make([]float64, 30)
	for i := range values {
		values[i] = float64(i)
	}
	seedPair(market, "USDT-AAA", values, 60)

	ind.RefreshDerivedData("USDT-AAA")

	// сглаживание EMA дополняет и несглаженный ряд хвостовыми значениями
	source := ind.SourceCloseValueEMAs["USDT-AAA"][1]
	filtered := ind.CloseValueEMAs["USDT-AAA"][1]
	if len(source) != len(filtered)+conf.MAFilterWindow {
		t.Errorf("source %d, filtered %d, filter window %d", len(source), len(filtered), conf.MAFilterWindow)
	}
	pad := source[len(source)-1]
	if source[len(source)-conf.MAFilterWindow] != pad {
		t.Error("source tail must be padded with the last value")
	}
}

func TestBollingerBands(t *testing.T) {
	conf := testConfig()
	conf.EnableBBands = true
	ind, market := newTestIndicator(t, conf)
	seedPair(market, "USDT-AAA", []float64{1, 3, 1, 3, 1, 3, 1, 3}, 60)

	ind.RefreshDerivedData("USDT-AAA")

	bands := ind.BollingerBands["USDT-AAA"]
	ma := ind.CloseValueMAs["USDT-AAA"][2]
	if len(bands.High) != len(ma) {
		t.Fatalf("bands length %d, ma %d", len(bands.High), len(ma))
	}
	// окно из 1 и 3: среднее 2, популяционное отклонение 1, множитель 2
	for i := range bands.High {
		if math.Abs(bands.High[i]-(ma[i]+2)) > 1e-9 {
			t.Errorf("high[%d]: got %v, want %v", i, bands.High[i], ma[i]+2)
		}
		if math.Abs(bands.Low[i]-(ma[i]-2)) > 1e-9 {
			t.Errorf("low[%d]: got %v, want %v", i, bands.Low[i], ma[i]-2)
		}
	}
}

func TestRSIRisingSeries(t *testing.T) {
	conf := testConfig()
	conf.EnableRSI = true
	ind, market := newTestIndicator(t, conf)
	seedPair(market, "USDT-AAA", []float64{1, 2, 3, 4, 5, 6}, 60)

	ind.RefreshDerivedData("USDT-AAA")

	// без падений rs обнуляется защитой от деления на ноль
	for i, v := range ind.RSI["USDT-AAA"] {
		if v != 0 {
			t.Errorf("rsi[%d]: %v", i, v)
		}
	}
}

func TestRSIWilderSmoothing(t *testing.T) {
	conf := testConfig()
	conf.EnableRSI = true
	ind, market := newTestIndicator(t, conf)
	seedPair(market, "USDT-AAA", []float64{10, 11, 10, 11, 10, 11}, 60)

	ind.RefreshDerivedData("USDT-AAA")

	rsi := ind.RSI["USDT-AAA"]
	want := []float64{66.6667, 66.6667, 40, 66.6667, 35.2941, 66.6667}
	if len(rsi) != len(want) {
		t.Fatalf("rsi: %v", rsi)
	}
	for i := range want {
		if math.Abs(rsi[i]-want[i]) > 1e-3 {
			t.Errorf("rsi[%d]: got %v, want %v", i, rsi[i], want[i])
		}
	}
}

func TestRSITooShort(t *testing.T) {
	conf := testConfig()
	conf.EnableRSI = true
	ind, market := newTestIndicator(t, conf)
	seedPair(market, "USDT-AAA", []float64{1, 2}, 60)

	ind.RefreshDerivedData("USDT-AAA")

	if len(ind.RSI["USDT-AAA"]) != 0 {
		t.Errorf("rsi on short series: %v", ind.RSI["USDT-AAA"])
	}
}
