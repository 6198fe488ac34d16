package state

import (
	"context"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	saved := map[string][]float64{"USDT-BTC": {1.5, 2.5}}
	if err := s.Save(ctx, "market/close_values_backup/USDT-BTC", saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var loaded map[string][]float64
	ok, err := s.Load(ctx, "market/close_values_backup/USDT-BTC", &loaded)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if len(loaded["USDT-BTC"]) != 2 || loaded["USDT-BTC"][1] != 2.5 {
		t.Errorf("loaded %v", loaded)
	}
}

func TestMemoryStoreMissingKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var dest []int64
	ok, err := s.Load(ctx, "missing", &dest)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing key")
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Save(ctx, "trader/trades", 42); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, "trader/trades"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var dest int
	if ok, _ := s.Load(ctx, "trader/trades", &dest); ok {
		t.Error("key must be gone after Delete")
	}
}

func TestKey(t *testing.T) {
	if got := Key("market", "close_times_backup", "USDT-BTC"); got != "market/close_times_backup/USDT-BTC" {
		t.Errorf("got %q", got)
	}
	if got := Key("detector"); got != "detector" {
		t.Errorf("got %q", got)
	}
}
