package models

// FollowSpec constrains a detection to fire only within a time and delta
// envelope after a previous detection in one of the named groups.
type FollowSpec struct {
	Groups     []string `yaml:"groups"`
	Types      []string `yaml:"types"`
	AnyType    bool     `yaml:"-"` // set when types contains a null entry
	MinDelta   *float64 `yaml:"min_delta"`
	MaxDelta   *float64 `yaml:"max_delta"`
	MinMADelta *float64 `yaml:"min_ma_delta"`
	MaxMADelta *float64 `yaml:"max_ma_delta"`
	MinSecs    *int64   `yaml:"min_secs"`
	MaxSecs    *int64   `yaml:"max_secs"`
}

// UnmarshalYAML keeps track of null entries in 'types', which mean the rule
// also matches pairs with no previous detection in the group.
func (f *FollowSpec) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain struct {
		Groups     []string  `yaml:"groups"`
		Types      []*string `yaml:"types"`
		MinDelta   *float64  `yaml:"min_delta"`
		MaxDelta   *float64  `yaml:"max_delta"`
		MinMADelta *float64  `yaml:"min_ma_delta"`
		MaxMADelta *float64  `yaml:"max_ma_delta"`
		MinSecs    *int64    `yaml:"min_secs"`
		MaxSecs    *int64    `yaml:"max_secs"`
	}
	var p plain
	if err := unmarshal(&p); err != nil {
		return err
	}

	f.Groups = p.Groups
	f.MinDelta = p.MinDelta
	f.MaxDelta = p.MaxDelta
	f.MinMADelta = p.MinMADelta
	f.MaxMADelta = p.MaxMADelta
	f.MinSecs = p.MinSecs
	f.MaxSecs = p.MaxSecs
	f.Types = nil
	f.AnyType = false

	for _, t := range p.Types {
		if t == nil {
			f.AnyType = true
			continue
		}
		f.Types = append(f.Types, *t)
	}

	return nil
}

// FollowTradeSpec constrains a detection relative to the last trade of the
// given types for the pair.
type FollowTradeSpec struct {
	Types    []string `yaml:"types"`
	MinDelta *float64 `yaml:"min_delta"`
	MaxDelta *float64 `yaml:"max_delta"`
	MinSecs  *int64   `yaml:"min_secs"`
	MaxSecs  *int64   `yaml:"max_secs"`
}

// ApplySpec names the detections a 'reset' action applies to.
type ApplySpec struct {
	Names []string `yaml:"names"`
}

// Detection is a configured detection: a set of conditions (each a
// conjunction of rules), optional filters, and the action to dispatch when
// every condition has triggered and no filter vetoes.
type Detection struct {
	Action         string            `yaml:"action"`
	Type           string            `yaml:"type"`
	Groups         []string          `yaml:"groups"`
	Conditions     [][]Rule          `yaml:"conditions"`
	Occurrence     int               `yaml:"occurrence"`
	TimeFrameMin   *int64            `yaml:"time_frame_min"`
	TimeFrameMax   *int64            `yaml:"time_frame_max"`
	ValueRangeMin  *float64          `yaml:"value_range_min"`
	ValueRangeMax  *float64          `yaml:"value_range_max"`
	DistanceRange  *float64          `yaml:"distance_range"`
	MaxConsecutive *int              `yaml:"max_consecutive"`
	Overlap        *float64          `yaml:"overlap"` // minutes
	Follow         []FollowSpec      `yaml:"follow"`
	FollowAll      []FollowSpec      `yaml:"follow_all"`
	FollowTrade    []FollowTradeSpec `yaml:"follow_trade"`
	Apply          *ApplySpec        `yaml:"apply"`
}

// Normalize fills in the implicit defaults after decoding.
func (d *Detection) Normalize() {
	if d.Action == "" {
		d.Action = "alert"
	}
	if d.Type == "" {
		d.Type = "default"
	}
	if len(d.Groups) == 0 {
		d.Groups = []string{"default"}
	}
	if d.Occurrence <= 0 {
		d.Occurrence = 1
	}
}
