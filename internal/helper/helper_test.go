package helper

import (
	"testing"
	"time"
)

func TestSplitPair(t *testing.T) {
	base, quote, ok := SplitPair("USDT-BTC")
	if !ok || base != "USDT" || quote != "BTC" {
		t.Fatalf("SplitPair: got (%q, %q, %v)", base, quote, ok)
	}

	for _, bad := range []string{"BTC", "-BTC", "USDT-", ""} {
		if _, _, ok := SplitPair(bad); ok {
			t.Errorf("SplitPair(%q): expected not ok", bad)
		}
	}
}

func TestConvertPair(t *testing.T) {
	pair, ok := ConvertPair("BTC-ETH", "USDT")
	if !ok || pair != "USDT-BTC" {
		t.Fatalf("ConvertPair: got (%q, %v)", pair, ok)
	}

	if _, ok := ConvertPair("USDT-BTC", "USDT"); ok {
		t.Error("ConvertPair: trade base pair needs no conversion")
	}
	if _, ok := ConvertPair("garbage", "USDT"); ok {
		t.Error("ConvertPair: expected not ok for malformed pair")
	}
}

func TestMinTickLength(t *testing.T) {
	tests := []struct {
		name     string
		ma, ema  []int
		chartAge int
		want     int
	}{
		{"default windows", []int{5, 13, 34, 89, 233, 610, 1597}, nil, 1440, 1597 + 1440},
		{"second ma window dominates tail", []int{200, 300}, nil, 100, 300 + 200},
		{"ema head dominates", []int{5, 13}, []int{8, 21}, 10, 42 + 10},
		{"single window", []int{34}, nil, 100, 34 + 100},
	}

	for _, tt := range tests {
		if got := MinTickLength(tt.ma, tt.ema, tt.chartAge); got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestBackoff(t *testing.T) {
	if d := Backoff(0, 30*time.Second); d != 0 {
		t.Errorf("attempt 0: got %v, want 0", d)
	}
	if d := Backoff(-1, 30*time.Second); d != 0 {
		t.Errorf("negative attempt: got %v, want 0", d)
	}

	// база 2^3 = 8s плюс джиттер до 2s
	if d := Backoff(3, 30*time.Second); d < 8*time.Second || d > 10*time.Second {
		t.Errorf("attempt 3: got %v, want [8s, 10s]", d)
	}

	// база упирается в максимум
	if d := Backoff(10, 30*time.Second); d < 30*time.Second || d > 32*time.Second {
		t.Errorf("attempt 10: got %v, want [30s, 32s]", d)
	}
}

func TestTimePrefix(t *testing.T) {
	at := time.Date(2021, 3, 15, 17, 42, 9, 0, time.UTC)

	if got := TimePrefix(at, 24*time.Hour); got != "20210315-000000" {
		t.Errorf("daily rollover: got %q", got)
	}
	if got := TimePrefix(at, time.Hour); got != "20210315-170000" {
		t.Errorf("hourly rollover: got %q", got)
	}
	// нулевой роллловер трактуется как сутки
	if got := TimePrefix(at, 0); got != "20210315-000000" {
		t.Errorf("zero rollover: got %q", got)
	}
}

func TestUTCTimeString(t *testing.T) {
	if got := UTCTimeString(1615830129); got != "2021-03-15 17:42:09" {
		t.Errorf("got %q", got)
	}
}

func TestIsClose(t *testing.T) {
	if !IsClose(1.0, 1.0) {
		t.Error("identical values must be close")
	}
	if !IsClose(1.0, 1.0+1e-12) {
		t.Error("values within relative tolerance must be close")
	}
	if IsClose(1.0, 1.0001) {
		t.Error("distinct values must not be close")
	}
	if IsClose(0.0, 1e-3) {
		t.Error("zero against nonzero must not be close")
	}
}

func TestRoundToStep(t *testing.T) {
	if got := RoundDownToStep(1.07, 0.05); !IsClose(got, 1.05) {
		t.Errorf("RoundDownToStep: got %v", got)
	}
	if got := RoundUpToStep(1.07, 0.05); !IsClose(got, 1.1) {
		t.Errorf("RoundUpToStep: got %v", got)
	}
	// значение уже на шаге не двигается
	if got := RoundDownToStep(1.05, 0.05); !IsClose(got, 1.05) {
		t.Errorf("RoundDownToStep on step: got %v", got)
	}
	if got := RoundDownToStep(1.07, 0); got != 1.07 {
		t.Errorf("zero step: got %v", got)
	}
}
