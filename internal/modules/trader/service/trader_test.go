package service

import (
	"context"
	"math"
	"testing"

	"github.com/arafuse/CryptoWatcher/internal/exchange"
	"github.com/arafuse/CryptoWatcher/internal/models"
	"github.com/arafuse/CryptoWatcher/internal/modules/config"
	marketsvc "github.com/arafuse/CryptoWatcher/internal/modules/market/service"
	"github.com/arafuse/CryptoWatcher/internal/state"
)

func testConfig() *config.Config {
	return &config.Config{
		TradeBase:             "USDT",
		TickIntervalSecs:      60,
		ChartAge:              5,
		MAWindows:             []int{2, 3},
		TradeSimulate:         true,
		TradeMaxOpen:          2,
		TradeMinSafePercent:   0.03,
		TradePushPercent:      0.05,
		TradeStopPercent:      0.04,
		TradeOrderTimeoutSecs: 5,
	}
}

func newTestTrader(t *testing.T, conf *config.Config) (*Trader, *exchange.FakeClient, *state.MemoryStore) {
	t.Helper()
	client := exchange.NewFakeClient()
	store := state.NewMemoryStore()
	market := marketsvc.NewMarket(conf, client, store)
	market.MinSafeTradeSize = 10
	trader := NewTrader(conf, client, market, store)
	return trader, client, store
}

// seedTraderPair кладёт ряд в Market и готовит торговое состояние пары.
func seedTraderPair(tr *Trader, pair string, values []float64) {
	times := make([]int64, len(values))
	for i := range values {
		times[i] = 6000 + int64(i)*tr.conf.TickIntervalSecs
	}
	tr.market.CloseTimes[pair] = times
	tr.market.AdjustedCloseValues[pair] = append([]float64(nil), values...)

	tracked := false
	for _, p := range tr.market.Pairs {
		if p == pair {
			tracked = true
		}
	}
	if !tracked {
		tr.market.Pairs = append(tr.market.Pairs, pair)
	}
	tr.SyncPairs()
}

func TestBuyOpensTrade(t *testing.T) {
	ctx := context.Background()
	tr, client, store := newTestTrader(t, testConfig())
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5})

	if err := tr.Buy(ctx, "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}

	hasOpen, lastOpen := tr.OpenTrades("USDT-AAA")
	if !hasOpen || lastOpen != 6060 {
		t.Fatalf("open trades: %v, %d", hasOpen, lastOpen)
	}
	trade := tr.trades["USDT-AAA"].Open[0]
	if trade.Quantity != 2 || trade.OpenValue != 5 || trade.Detection != "dip" {
		t.Errorf("trade: %+v", trade)
	}
	value, tm, ok := tr.LastTrade("USDT-AAA", "buy")
	if !ok || value != 5 || tm != 6060 {
		t.Errorf("last trade: %v, %d, %v", value, tm, ok)
	}
	// в симуляции ордера не уходят на биржу
	if len(client.Placed) != 0 {
		t.Errorf("placed orders: %+v", client.Placed)
	}

	var saved map[string]*models.PairTrades
	if ok, _ := store.Load(ctx, "trader/trades", &saved); !ok {
		t.Fatal("trades not persisted")
	}
	if len(saved["USDT-AAA"].Open) != 1 {
		t.Errorf("persisted trades: %+v", saved["USDT-AAA"])
	}
}

func TestBuySizeUsesPairMinimum(t *testing.T) {
	tr, _, _ := newTestTrader(t, testConfig())
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5})
	tr.market.MinTradeSizes["USDT-AAA"] = 20

	if err := tr.Buy(context.Background(), "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}

	// минимум пары с запасом: 20 * 1.03 / 5
	want := 20 * 1.03 / 5.0
	if got := tr.trades["USDT-AAA"].Open[0].Quantity; math.Abs(got-want) > 1e-9 {
		t.Errorf("quantity: %v, want %v", got, want)
	}
}

func TestBuyRespectsMaxOpen(t *testing.T) {
	ctx := context.Background()
	conf := testConfig()
	conf.TradeMaxOpen = 1
	tr, _, _ := newTestTrader(t, conf)
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5})
	seedTraderPair(tr, "USDT-BBB", []float64{2, 3})

	if err := tr.Buy(ctx, "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if err := tr.Buy(ctx, "USDT-BBB", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}

	if hasOpen, _ := tr.OpenTrades("USDT-BBB"); hasOpen {
		t.Error("buy over the open trade limit must be skipped")
	}
}

func TestDisableBuySkipsBuys(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTrader(t, testConfig())
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5})

	if err := tr.DisableBuy(ctx, "USDT-AAA", "cooloff", nil); err != nil {
		t.Fatalf("DisableBuy: %v", err)
	}
	if err := tr.Buy(ctx, "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if hasOpen, _ := tr.OpenTrades("USDT-AAA"); hasOpen {
		t.Fatal("buy must be skipped while disabled")
	}

	if err := tr.EnableBuy(ctx, "USDT-AAA", "cooloff_end", nil); err != nil {
		t.Fatalf("EnableBuy: %v", err)
	}
	if err := tr.Buy(ctx, "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if hasOpen, _ := tr.OpenTrades("USDT-AAA"); !hasOpen {
		t.Error("buy must go through after re-enabling")
	}
}

func TestRebuyRequiresOpenTrade(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTrader(t, testConfig())
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5})

	if err := tr.Rebuy(ctx, "USDT-AAA", "refill", nil); err != nil {
		t.Fatalf("Rebuy: %v", err)
	}
	if hasOpen, _ := tr.OpenTrades("USDT-AAA"); hasOpen {
		t.Fatal("rebuy without open trades must be skipped")
	}

	if err := tr.Buy(ctx, "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if err := tr.Rebuy(ctx, "USDT-AAA", "refill", nil); err != nil {
		t.Fatalf("Rebuy: %v", err)
	}
	if got := len(tr.trades["USDT-AAA"].Open); got != 2 {
		t.Errorf("open trades: %d", got)
	}
	if _, _, ok := tr.LastTrade("USDT-AAA", "rebuy"); !ok {
		t.Error("rebuy must record a last trade")
	}
}

func TestBuyPlacesLimitOrder(t *testing.T) {
	conf := testConfig()
	conf.TradeSimulate = false
	tr, client, _ := newTestTrader(t, conf)
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5})
	client.Balances["USDT"] = 100

	if err := tr.Buy(context.Background(), "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}

	if len(client.Placed) != 1 {
		t.Fatalf("placed orders: %d", len(client.Placed))
	}
	order := client.Placed[0]
	if order.Side != "buy" || order.Pair != "USDT-AAA" || order.Price != 5 || order.Quantity != 2 {
		t.Errorf("order: %+v", order)
	}
	if hasOpen, _ := tr.OpenTrades("USDT-AAA"); !hasOpen {
		t.Error("filled buy must open a trade")
	}
}

func TestBuyInsufficientBalance(t *testing.T) {
	conf := testConfig()
	conf.TradeSimulate = false
	tr, client, _ := newTestTrader(t, conf)
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5})
	client.Balances["USDT"] = 1

	if err := tr.Buy(context.Background(), "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}

	if len(client.Placed) != 0 {
		t.Errorf("placed orders: %+v", client.Placed)
	}
	if hasOpen, _ := tr.OpenTrades("USDT-AAA"); hasOpen {
		t.Error("trade must not open without balance")
	}
}

func TestSoftSellClosesTrades(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTrader(t, testConfig())
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5})

	if err := tr.Buy(ctx, "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if err := tr.SoftSell(ctx, "USDT-AAA", "peak", nil); err != nil {
		t.Fatalf("SoftSell: %v", err)
	}

	if hasOpen, _ := tr.OpenTrades("USDT-AAA"); hasOpen {
		t.Error("trades must close on sell")
	}
	value, _, ok := tr.LastTrade("USDT-AAA", "sell")
	if !ok || value != 5 {
		t.Errorf("last sell: %v, %v", value, ok)
	}
}

func TestHeldPairSkipsSellButNotStop(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTrader(t, testConfig())
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5})

	if err := tr.Buy(ctx, "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if err := tr.Hold(ctx, "USDT-AAA", "keep", nil); err != nil {
		t.Fatalf("Hold: %v", err)
	}

	if err := tr.SoftSell(ctx, "USDT-AAA", "peak", nil); err != nil {
		t.Fatalf("SoftSell: %v", err)
	}
	if hasOpen, _ := tr.OpenTrades("USDT-AAA"); !hasOpen {
		t.Fatal("held pair must skip sells")
	}

	// стоп пробивает удержание
	if err := tr.HardStop(ctx, "USDT-AAA", "crash", nil); err != nil {
		t.Fatalf("HardStop: %v", err)
	}
	if hasOpen, _ := tr.OpenTrades("USDT-AAA"); hasOpen {
		t.Error("hard stop must close a held pair")
	}
	if _, _, ok := tr.LastTrade("USDT-AAA", "stop"); !ok {
		t.Error("stop must record a last trade")
	}
}

func TestStopHoldReleasesPair(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTrader(t, testConfig())
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5})

	if err := tr.Buy(ctx, "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if err := tr.Hold(ctx, "USDT-AAA", "keep", nil); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if err := tr.StopHold(ctx, "USDT-AAA", "release", nil); err != nil {
		t.Fatalf("StopHold: %v", err)
	}

	if err := tr.SoftSell(ctx, "USDT-AAA", "peak", nil); err != nil {
		t.Fatalf("SoftSell: %v", err)
	}
	if hasOpen, _ := tr.OpenTrades("USDT-AAA"); hasOpen {
		t.Error("released pair must sell")
	}
}

func TestSellPushTargetHitOnUpdate(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTrader(t, testConfig())
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5})

	if err := tr.Buy(ctx, "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if err := tr.SellPush(ctx, "USDT-AAA", "rally", nil); err != nil {
		t.Fatalf("SellPush: %v", err)
	}
	if got := tr.trades["USDT-AAA"].Open[0].PushValue; math.Abs(got-5.25) > 1e-9 {
		t.Fatalf("push target: %v", got)
	}

	// цена ниже цели, продажи нет
	if err := tr.Update(ctx, "USDT-AAA"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if hasOpen, _ := tr.OpenTrades("USDT-AAA"); !hasOpen {
		t.Fatal("sold below push target")
	}

	seedTraderPair(tr, "USDT-AAA", []float64{4, 5, 5.3})
	if err := tr.Update(ctx, "USDT-AAA"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if hasOpen, _ := tr.OpenTrades("USDT-AAA"); hasOpen {
		t.Error("push target hit must sell")
	}
	value, _, ok := tr.LastTrade("USDT-AAA", "sell")
	if !ok || value != 5.3 {
		t.Errorf("last sell: %v, %v", value, ok)
	}
}

func TestPushReleaseClearsTargets(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTrader(t, testConfig())
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5})

	if err := tr.Buy(ctx, "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if err := tr.SellPush(ctx, "USDT-AAA", "rally", nil); err != nil {
		t.Fatalf("SellPush: %v", err)
	}
	if err := tr.PushRelease(ctx, "USDT-AAA", "fade", nil); err != nil {
		t.Fatalf("PushRelease: %v", err)
	}

	if got := tr.trades["USDT-AAA"].Open[0].PushValue; got != 0 {
		t.Fatalf("push target after release: %v", got)
	}
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5, 9})
	if err := tr.Update(ctx, "USDT-AAA"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if hasOpen, _ := tr.OpenTrades("USDT-AAA"); !hasOpen {
		t.Error("released push target must not sell")
	}
}

func TestSoftStopTargetHitOnUpdate(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTrader(t, testConfig())
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5})

	if err := tr.Buy(ctx, "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if err := tr.SoftStop(ctx, "USDT-AAA", "guard", nil); err != nil {
		t.Fatalf("SoftStop: %v", err)
	}
	if got := tr.trades["USDT-AAA"].Open[0].StopValue; math.Abs(got-4.8) > 1e-9 {
		t.Fatalf("stop target: %v", got)
	}

	seedTraderPair(tr, "USDT-AAA", []float64{4, 5, 4.7})
	if err := tr.Update(ctx, "USDT-AAA"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if hasOpen, _ := tr.OpenTrades("USDT-AAA"); hasOpen {
		t.Error("stop target hit must sell")
	}
	if _, _, ok := tr.LastTrade("USDT-AAA", "stop"); !ok {
		t.Error("stop must record a last trade")
	}
}

func TestSellPriceMultipliers(t *testing.T) {
	cases := []struct {
		name string
		sell func(*Trader, context.Context) error
		mult float64
	}{
		{"soft sell", func(tr *Trader, ctx context.Context) error {
			return tr.SoftSell(ctx, "USDT-AAA", "peak", nil)
		}, 1.0},
		{"hard sell", func(tr *Trader, ctx context.Context) error {
			return tr.HardSell(ctx, "USDT-AAA", "slide", nil)
		}, 0.9975},
		{"dump sell", func(tr *Trader, ctx context.Context) error {
			return tr.DumpSell(ctx, "USDT-AAA", "panic", nil)
		}, 0.95},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conf := testConfig()
			conf.TradeSimulate = false
			tr, client, _ := newTestTrader(t, conf)
			seedTraderPair(tr, "USDT-AAA", []float64{4, 5})
			tr.trades["USDT-AAA"].Open = []*models.OpenTrade{{Quantity: 2, OpenValue: 4, OpenTime: 6000}}

			if err := tc.sell(tr, context.Background()); err != nil {
				t.Fatalf("sell: %v", err)
			}
			if len(client.Placed) != 1 {
				t.Fatalf("placed orders: %d", len(client.Placed))
			}
			order := client.Placed[0]
			if order.Side != "sell" || order.Quantity != 2 {
				t.Errorf("order: %+v", order)
			}
			if want := 5 * tc.mult; math.Abs(order.Price-want) > 1e-9 {
				t.Errorf("price: %v, want %v", order.Price, want)
			}
		})
	}
}

func TestPulloutSellsAndDisablesBuys(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTrader(t, testConfig())
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5})

	if err := tr.Buy(ctx, "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if err := tr.Pullout(ctx, "USDT-AAA", "delist", nil); err != nil {
		t.Fatalf("Pullout: %v", err)
	}

	if hasOpen, _ := tr.OpenTrades("USDT-AAA"); hasOpen {
		t.Fatal("pullout must close trades")
	}
	if err := tr.Buy(ctx, "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if hasOpen, _ := tr.OpenTrades("USDT-AAA"); hasOpen {
		t.Error("buys must stay disabled after pullout")
	}
}

func TestRefillFlags(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTrader(t, testConfig())
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5})

	if err := tr.DisableRefill(ctx, "USDT-AAA", "drain", nil); err != nil {
		t.Fatalf("DisableRefill: %v", err)
	}
	if tr.states["USDT-AAA"].RefillEnabled {
		t.Error("refill must be disabled")
	}
	if err := tr.EnableRefill(ctx, "USDT-AAA", "refill", nil); err != nil {
		t.Fatalf("EnableRefill: %v", err)
	}
	if !tr.states["USDT-AAA"].RefillEnabled {
		t.Error("refill must be enabled")
	}
}

func TestOpenTradePairs(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTrader(t, testConfig())
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5})
	seedTraderPair(tr, "USDT-BBB", []float64{2, 3})

	if err := tr.Buy(ctx, "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}

	pairs := tr.OpenTradePairs()
	if len(pairs) != 1 || pairs[0] != "USDT-AAA" {
		t.Errorf("open trade pairs: %v", pairs)
	}
}

func TestReportTrades(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTrader(t, testConfig())
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5})

	if err := tr.Buy(ctx, "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if err := tr.Rebuy(ctx, "USDT-AAA", "refill", nil); err != nil {
		t.Fatalf("Rebuy: %v", err)
	}

	open, value := tr.ReportTrades()
	if open != 2 {
		t.Errorf("open count: %d", open)
	}
	// обе сделки по 2 единицы при текущей цене 5
	if math.Abs(value-20) > 1e-9 {
		t.Errorf("report value: %v", value)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	conf := testConfig()
	tr, _, store := newTestTrader(t, conf)
	seedTraderPair(tr, "USDT-AAA", []float64{4, 5})

	if err := tr.Buy(ctx, "USDT-AAA", "dip", nil); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if err := tr.DisableBuy(ctx, "USDT-AAA", "cooloff", nil); err != nil {
		t.Fatalf("DisableBuy: %v", err)
	}

	restored := NewTrader(conf, exchange.NewFakeClient(), tr.market, store)
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	hasOpen, lastOpen := restored.OpenTrades("USDT-AAA")
	if !hasOpen || lastOpen != 6060 {
		t.Errorf("restored open trades: %v, %d", hasOpen, lastOpen)
	}
	if value, _, ok := restored.LastTrade("USDT-AAA", "buy"); !ok || value != 5 {
		t.Errorf("restored last trade: %v, %v", value, ok)
	}
	if restored.states["USDT-AAA"].BuyEnabled {
		t.Error("restored buy flag must stay disabled")
	}
}
