package models

// Trigger is the sticky state of one detection condition for one pair, plus
// the metadata collected by the rules that set it.
type Trigger struct {
	Time            int64     `json:"time"`
	Set             bool      `json:"set"`
	MAValues        []float64 `json:"ma_values"`
	MADistances     []float64 `json:"ma_distances"`
	MANormDistances []float64 `json:"ma_norm_distances"`
	MAPositions     []int     `json:"ma_positions"`
	MASlopes        []float64 `json:"ma_slopes"`
	MACurves        []float64 `json:"ma_curves"`
	VDMAValues      []float64 `json:"vdma_values"`
	VDMAPositions   []int     `json:"vdma_positions"`
	VDMAYPositions  []int     `json:"vdma_y_positions"`
	NewlyAdded      []bool    `json:"newly_added"`
	StartupAdded    []bool    `json:"startup_added"`
}

// FollowedDetection records a previous detection that satisfied a follow rule.
type FollowedDetection struct {
	Snapshot string  `json:"snapshot"`
	Name     string  `json:"name"`
	Time     int64   `json:"time"`
	Delta    float64 `json:"delta"`
}

// TriggerData is the aggregate of all of a detection's condition triggers,
// passed through the filter chain and into the dispatched action.
type TriggerData struct {
	SetTriggers     []bool
	Times           []int64
	MAValues        []float64
	MANormValues    []float64
	MADistances     []float64
	MANormDistances []float64
	MASlopes        []float64
	MACurves        []float64
	NewlyAdded      []bool
	StartupAdded    []bool
	Followed        []FollowedDetection
	ValueRange      float64
	TimeFrame       int64
	CurrentTime     int64
}

// AllSet reports whether every condition trigger is currently set.
func (d *TriggerData) AllSet() bool {
	for _, set := range d.SetTriggers {
		if !set {
			return false
		}
	}
	return len(d.SetTriggers) > 0
}

// LastDetection is the most recent fired detection in a group for a pair.
type LastDetection struct {
	Name     string  `json:"name"`
	OrigName string  `json:"orig_name"`
	Type     string  `json:"type"`
	Count    int     `json:"count"`
	Value    float64 `json:"value"`
	MAValue  float64 `json:"ma_value"`
	Time     int64   `json:"time"`
}

// DetectionState is per-pair mutable state for one detection.
type DetectionState struct {
	Occurrence int `json:"occurrence"`
}

// DetectionStat counts detections per pair per time prefix.
type DetectionStat struct {
	Count int `json:"count"`
}

// Command is a detection action routed to the trader.
type Command struct {
	Action    string
	Pair      string
	Detection string
	Data      *TriggerData
}
