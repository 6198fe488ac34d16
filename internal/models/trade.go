package models

// Order is an open or settled exchange order.
type Order struct {
	ID           string  `json:"id"`
	Pair         string  `json:"pair"`
	Side         string  `json:"side"` // "buy" | "sell"
	Quantity     float64 `json:"quantity"`
	QuantityLeft float64 `json:"quantityLeft"`
	Price        float64 `json:"price"`
	Open         bool    `json:"open"`
}

// LastTrade is the most recent trade of a given type for a pair, consumed by
// follow_trade detection filters.
type LastTrade struct {
	Value float64 `json:"value"`
	Time  int64   `json:"time"`
}

// OpenTrade is a filled buy the trader is holding.
type OpenTrade struct {
	Quantity  float64 `json:"quantity"`
	OpenValue float64 `json:"open_value"`
	OpenTime  int64   `json:"open_time"`
	Detection string  `json:"detection"`
	PushValue float64 `json:"push_value"` // sell-push target, 0 when released
	StopValue float64 `json:"stop_value"` // stop-loss value, 0 when off
}

// PairTrades is the trader's open-trade state for one pair.
type PairTrades struct {
	Open         []*OpenTrade `json:"open"`
	LastOpenTime int64        `json:"last_open_time"`
}
