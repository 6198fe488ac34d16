package models

// RawTick is a single sparse candle as returned by an exchange API. Intervals
// with no trades are skipped by most APIs, so consumers must expand gaps.
type RawTick struct {
	Time       int64   `json:"T"`
	Open       float64 `json:"O"`
	High       float64 `json:"H"`
	Low        float64 `json:"L"`
	Close      float64 `json:"C"`
	Volume     float64 `json:"V"`
	BaseVolume float64 `json:"BV"`
}

// Summary is a 24-hour market summary for a single pair.
type Summary struct {
	Pair         string  `json:"pair"`
	Active       bool    `json:"active"`
	BaseCurrency string  `json:"baseCurrency"`
	MinTradeQty  float64 `json:"minTradeQty"`
	MinTradeSize float64 `json:"minTradeSize"`
	BaseVolume   float64 `json:"baseVolume"`
	PrevDay      float64 `json:"prevDay"`
	Last         float64 `json:"last"`
}

// LastValues is the most recent close value and rolling 24-hour base volume
// for a pair, usually served from a ticker cache.
type LastValues struct {
	Value  float64
	Volume float64
}

// BackRefresh is a scheduled backfill of a tick range whose real data was not
// yet available from the API when the gap was first seen.
type BackRefresh struct {
	Pair  string `json:"pair"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
	Time  int64  `json:"time"`
}

// PairFilterState carries the dip-filter state for one pair between refreshes.
type PairFilterState struct {
	Value    float64 `json:"value"`
	Change   float64 `json:"change"`
	Delta    float64 `json:"delta"`
	Filtered bool    `json:"filtered"`
}
