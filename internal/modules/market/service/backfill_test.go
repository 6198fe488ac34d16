package service

import (
	"context"
	"testing"

	"github.com/arafuse/CryptoWatcher/internal/models"
)

func TestScheduleBackRefresh(t *testing.T) {
	m, _, store := newTestMarket(t, testConfig())
	seedTicks(m, "USDT-AAA", 6000, []float64{1, 2, 3, 4}, 10)

	now := int64(100000)
	m.now = func() int64 { return now }

	m.scheduleBackRefresh(context.Background(), "USDT-AAA", 2)

	if len(m.BackRefreshes) != 1 {
		t.Fatalf("back refreshes: %+v", m.BackRefreshes)
	}
	entry := m.BackRefreshes[0]
	if entry.Start != 6120 {
		t.Errorf("start: %d", entry.Start)
	}
	if entry.End != 6180+60 {
		t.Errorf("end: %d", entry.End)
	}
	// не раньше минимальной задержки
	if entry.Time < now+m.conf.BackRefreshMinSecs {
		t.Errorf("time %d before minimum delay", entry.Time)
	}

	var saved []models.BackRefresh
	if ok, _ := store.Load(context.Background(), "market/back_refreshes", &saved); !ok || len(saved) != 1 {
		t.Errorf("persisted: %+v", saved)
	}
}

func TestOverwriteTickDataWindow(t *testing.T) {
	m, _, _ := newTestMarket(t, testConfig())
	seedTicks(m, "USDT-AAA", 6000, []float64{1, 2, 3, 4, 5}, 10)

	// свежие данные по всему ряду, но перезаписывается только [6060, 6180)
	ticks := rawTicks(6000, 10, 20, 30, 40, 50)
	overwritten := m.overwriteTickData("USDT-AAA", 6060, 6180, ticks)

	if overwritten != 2 {
		t.Fatalf("overwritten: %d", overwritten)
	}
	want := []float64{1, 20, 30, 4, 5}
	for i, v := range m.CloseValues["USDT-AAA"] {
		if v != want[i] {
			t.Errorf("values[%d]: got %v, want %v", i, v, want[i])
		}
	}
}

func TestOverwriteTickDataStartMissing(t *testing.T) {
	m, _, _ := newTestMarket(t, testConfig())
	seedTicks(m, "USDT-AAA", 6000, []float64{1, 2, 3}, 10)

	ticks := rawTicks(6000, 10, 20, 30)
	if got := m.overwriteTickData("USDT-AAA", 9999, 10059, ticks); got != 0 {
		t.Errorf("unknown start time: overwrote %d", got)
	}
}

func TestCheckBackRefreshes(t *testing.T) {
	m, client, _ := newTestMarket(t, testConfig())
	// опорные часы на тик впереди, чтобы запрошенное окно покрыло start
	seedTicks(m, "USDT-BTC", 6000, []float64{1, 2, 3, 4, 5, 6}, 10)
	seedTicks(m, "USDT-AAA", 6000, []float64{1, 2, 3, 4, 5}, 10)
	client.Ticks["USDT-AAA"] = rawTicks(6000, 10, 20, 30, 40, 50)

	m.BackRefreshes = []models.BackRefresh{
		{Pair: "USDT-AAA", Start: 6120, End: 6240, Time: 100}, // срок подошёл
		{Pair: "USDT-AAA", Start: 6120, End: 6240, Time: 99999},
	}

	updated, err := m.CheckBackRefreshes(context.Background())
	if err != nil {
		t.Fatalf("CheckBackRefreshes: %v", err)
	}

	if _, ok := updated["USDT-AAA"]; !ok {
		t.Error("pair not reported as updated")
	}
	// выполненная запись снимается, будущая остаётся
	if len(m.BackRefreshes) != 1 || m.BackRefreshes[0].Time != 99999 {
		t.Errorf("remaining: %+v", m.BackRefreshes)
	}
	want := []float64{1, 2, 30, 40, 5}
	for i, v := range m.CloseValues["USDT-AAA"] {
		if v != want[i] {
			t.Errorf("values[%d]: got %v, want %v", i, v, want[i])
		}
	}
}

func TestCheckBackRefreshesUntrackedPairDropped(t *testing.T) {
	m, _, _ := newTestMarket(t, testConfig())
	seedTicks(m, "USDT-BTC", 6000, []float64{1, 2, 3, 4, 5}, 10)

	m.BackRefreshes = []models.BackRefresh{
		{Pair: "USDT-GONE", Start: 6120, End: 6240, Time: 100},
	}

	updated, err := m.CheckBackRefreshes(context.Background())
	if err != nil {
		t.Fatalf("CheckBackRefreshes: %v", err)
	}
	if len(updated) != 0 {
		t.Errorf("updated: %v", updated)
	}
	// запись по снятой паре убирается без похода в API
	if len(m.BackRefreshes) != 0 {
		t.Errorf("remaining: %+v", m.BackRefreshes)
	}
}

func TestCheckBackRefreshesPerTickCap(t *testing.T) {
	conf := testConfig()
	conf.BackRefreshMaxPerTick = 1
	m, client, _ := newTestMarket(t, conf)
	seedTicks(m, "USDT-BTC", 6000, []float64{1, 2, 3, 4, 5, 6}, 10)
	seedTicks(m, "USDT-AAA", 6000, []float64{1, 2, 3, 4, 5}, 10)
	seedTicks(m, "USDT-BBB", 6000, []float64{1, 2, 3, 4, 5}, 10)
	client.Ticks["USDT-AAA"] = rawTicks(6000, 10, 20, 30, 40, 50)
	client.Ticks["USDT-BBB"] = rawTicks(6000, 10, 20, 30, 40, 50)

	m.BackRefreshes = []models.BackRefresh{
		{Pair: "USDT-AAA", Start: 6120, End: 6240, Time: 100},
		{Pair: "USDT-BBB", Start: 6120, End: 6240, Time: 100},
	}

	updated, err := m.CheckBackRefreshes(context.Background())
	if err != nil {
		t.Fatalf("CheckBackRefreshes: %v", err)
	}
	if len(updated) != 1 {
		t.Errorf("updated: %v", updated)
	}
	// вторая запись ждёт следующего тика
	if len(m.BackRefreshes) != 1 || m.BackRefreshes[0].Pair != "USDT-BBB" {
		t.Errorf("remaining: %+v", m.BackRefreshes)
	}
}
