package models

import (
	"fmt"
)

// RuleKind enumerates every supported detection condition rule.
type RuleKind string

const (
	RuleMAPosition     RuleKind = "ma_position"
	RuleMACrossover    RuleKind = "ma_crossover"
	RuleMADistanceMin  RuleKind = "ma_distance_min"
	RuleMADistanceMax  RuleKind = "ma_distance_max"
	RuleMASlopeMin     RuleKind = "ma_slope_min"
	RuleMASlopeMax     RuleKind = "ma_slope_max"
	RuleMACurveMin     RuleKind = "ma_curve_min"
	RuleMACurveMax     RuleKind = "ma_curve_max"
	RuleEMAPosition    RuleKind = "ema_position"
	RuleEMACrossover   RuleKind = "ema_crossover"
	RuleEMADistanceMin RuleKind = "ema_distance_min"
	RuleEMADistanceMax RuleKind = "ema_distance_max"
	RuleEMASlopeMin    RuleKind = "ema_slope_min"
	RuleEMASlopeMax    RuleKind = "ema_slope_max"
	RuleEMACurveMin    RuleKind = "ema_curve_min"
	RuleEMACurveMax    RuleKind = "ema_curve_max"
	RuleVDMACrossover  RuleKind = "vdma_crossover"
	RuleVDMAYPosition  RuleKind = "vdma_yposition"
	RuleVDMAXCrossover RuleKind = "vdma_xcrossover"
	RuleNewPair        RuleKind = "new_pair"
	RuleStartupPair    RuleKind = "startup_pair"
	RulePair           RuleKind = "pair"
	RulePairBase       RuleKind = "pair_base"
)

// IsEMA reports whether the rule operates on exponential moving averages.
func (k RuleKind) IsEMA() bool {
	switch k {
	case RuleEMAPosition, RuleEMACrossover, RuleEMADistanceMin, RuleEMADistanceMax,
		RuleEMASlopeMin, RuleEMASlopeMax, RuleEMACurveMin, RuleEMACurveMax:
		return true
	}
	return false
}

// Rule is a single condition rule. Rules are written in config as flow
// sequences, eg. [ma_crossover, 0, 1] or [vdma_yposition, 0, 0.0, true].
// The struct is comparable so evaluated results can be memoized per cycle.
type Rule struct {
	Kind  RuleKind
	First int     // first window index
	Second int    // second window index
	Value float64 // threshold, y-axis value or normalized distance
	Flag  bool    // truth value / direction, depending on kind
	Name  string  // pair or base name for pair / pair_base rules
}

// UnmarshalYAML decodes the positional tuple form of a rule.
func (r *Rule) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw []interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return fmt.Errorf("empty rule")
	}

	kind, ok := raw[0].(string)
	if !ok {
		return fmt.Errorf("rule kind must be a string, got %T", raw[0])
	}
	r.Kind = RuleKind(kind)
	args := raw[1:]

	switch r.Kind {
	case RuleMAPosition, RuleMACrossover, RuleEMAPosition, RuleEMACrossover, RuleVDMACrossover:
		return r.decodeInts(args, 2)

	case RuleMADistanceMin, RuleMADistanceMax, RuleEMADistanceMin, RuleEMADistanceMax:
		if err := r.decodeInts(args, 2); err != nil {
			return err
		}
		return decodeFloat(args, 2, &r.Value)

	case RuleMASlopeMin, RuleMASlopeMax, RuleMACurveMin, RuleMACurveMax,
		RuleEMASlopeMin, RuleEMASlopeMax, RuleEMACurveMin, RuleEMACurveMax:
		if err := r.decodeInts(args, 1); err != nil {
			return err
		}
		return decodeFloat(args, 1, &r.Value)

	case RuleVDMAYPosition:
		if err := r.decodeInts(args, 1); err != nil {
			return err
		}
		if err := decodeFloat(args, 1, &r.Value); err != nil {
			return err
		}
		return decodeBool(args, 2, &r.Flag)

	case RuleVDMAXCrossover:
		if err := r.decodeInts(args, 1); err != nil {
			return err
		}
		return decodeBool(args, 1, &r.Flag)

	case RuleNewPair, RuleStartupPair:
		return decodeBool(args, 0, &r.Flag)

	case RulePair, RulePairBase:
		if len(args) < 1 {
			return fmt.Errorf("rule %s needs a name argument", r.Kind)
		}
		name, ok := args[0].(string)
		if !ok {
			return fmt.Errorf("rule %s name must be a string", r.Kind)
		}
		r.Name = name
		return nil

	default:
		return fmt.Errorf("unknown rule kind %q", kind)
	}
}

func (r *Rule) decodeInts(args []interface{}, n int) error {
	dests := []*int{&r.First, &r.Second}
	if len(args) < n {
		return fmt.Errorf("rule %s needs %d index arguments", r.Kind, n)
	}
	for i := 0; i < n; i++ {
		v, ok := toInt(args[i])
		if !ok {
			return fmt.Errorf("rule %s argument %d must be an integer", r.Kind, i+1)
		}
		*dests[i] = v
	}
	return nil
}

func decodeFloat(args []interface{}, pos int, dest *float64) error {
	if len(args) <= pos {
		return fmt.Errorf("missing float argument at position %d", pos+1)
	}
	switch v := args[pos].(type) {
	case float64:
		*dest = v
	case int:
		*dest = float64(v)
	default:
		return fmt.Errorf("argument %d must be a number, got %T", pos+1, args[pos])
	}
	return nil
}

func decodeBool(args []interface{}, pos int, dest *bool) error {
	if len(args) <= pos {
		return fmt.Errorf("missing bool argument at position %d", pos+1)
	}
	v, ok := args[pos].(bool)
	if !ok {
		return fmt.Errorf("argument %d must be a bool, got %T", pos+1, args[pos])
	}
	*dest = v
	return nil
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
