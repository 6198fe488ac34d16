package helper

import (
	"math"
	"math/rand"
	"strings"
	"time"
)

// SplitPair разбирает "BTC-ETH" на базовую и котируемую валюту.
func SplitPair(pair string) (base string, quote string, ok bool) {
	i := strings.IndexByte(pair, '-')
	if i <= 0 || i >= len(pair)-1 {
		return "", "", false
	}
	return pair[:i], pair[i+1:], true
}

func JoinPair(base, quote string) string { return base + "-" + quote }

// ConvertPair returns the pair used to convert a quote currency into the trade base,
// eg. for "BTC-ETH" with trade base "USDT" that is "USDT-BTC".
func ConvertPair(pair, tradeBase string) (string, bool) {
	base, _, ok := SplitPair(pair)
	if !ok || base == tradeBase {
		return "", false
	}
	return JoinPair(tradeBase, base), true
}

// MinTickLength is the minimum series length needed before every derived
// indicator can be computed over a full chart window.
func MinTickLength(maWindows, emaWindows []int, chartAge int) int {
	last := func(w []int, back int) int {
		if len(w) < back {
			return 0
		}
		return w[len(w)-back]
	}

	head := last(maWindows, 1)
	if e := last(emaWindows, 1) * 2; e > head {
		head = e
	}

	tail := chartAge
	if m := last(maWindows, 2); m > tail {
		tail = m
	}
	if e := last(emaWindows, 2); e > tail {
		tail = e
	}

	return head + tail
}

// Backoff возвращает экспоненциальную задержку для повторной попытки.
// Первая попытка (attempt == 0) идёт без задержки.
func Backoff(attempt int, maxBackoff time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := time.Duration(math.Exp2(float64(attempt))) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Float64() * 2 * float64(time.Second))
	return d + jitter
}

// TimePrefix formats the rollover bucket a timestamp falls into, used to key
// per-period detection stats.
func TimePrefix(t time.Time, rollover time.Duration) string {
	if rollover <= 0 {
		rollover = 24 * time.Hour
	}
	sec := t.UTC().Unix()
	sec -= sec % int64(rollover/time.Second)
	return time.Unix(sec, 0).UTC().Format("20060102-150405")
}

// UTCTimeString formats a tick timestamp for logs and alerts.
func UTCTimeString(sec int64) string {
	return time.Unix(sec, 0).UTC().Format("2006-01-02 15:04:05")
}

// IsClose mirrors relative float comparison with a 1e-9 tolerance.
func IsClose(a, b float64) bool {
	if a == b {
		return true
	}
	diff := math.Abs(a - b)
	return diff <= 1e-9*math.Max(math.Abs(a), math.Abs(b))
}

func RoundDownToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	steps := math.Floor(qty/step + 1e-12)
	return steps * step
}

func RoundUpToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	steps := math.Ceil(qty/step - 1e-12)
	return steps * step
}
