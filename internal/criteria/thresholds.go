package criteria

import (
	"errors"
	"fmt"
)

// Thresholds are the tunable constants of the amended criteria.
// Each named set is one point in the threshold history; sets are never edited in place.
type Thresholds struct {
	Set                 string  `json:"set" yaml:"set"`
	MaxEventRate        float64 `json:"max_event_rate" yaml:"max_event_rate"`
	MinBitFlipCount     int     `json:"min_bitflip_count" yaml:"min_bitflip_count"`
	MaxBitFlipCount     int     `json:"max_bitflip_count" yaml:"max_bitflip_count"`
	MaxMissingGTIDCount int     `json:"max_missing_gtid_count" yaml:"max_missing_gtid_count"`
	Note                string  `json:"note,omitempty" yaml:"note,omitempty"`
}

var thresholdHistory = []Thresholds{
	{
		Set:                 "2017-05-15",
		MaxEventRate:        1200,
		MinBitFlipCount:     0,
		MaxBitFlipCount:     0,
		MaxMissingGTIDCount: 10,
		Note:                "first amended criteria",
	},
	{
		Set:                 "2017-06-19",
		MaxEventRate:        7000,
		MinBitFlipCount:     0,
		MaxBitFlipCount:     0,
		MaxMissingGTIDCount: 10,
		Note:                "event-rate ceiling raised from 1200 to 7000, agreed at the RS/DQ meeting of 19/06/2017",
	},
}

// ThresholdHistory returns every threshold set, oldest first.
func ThresholdHistory() []Thresholds {
	out := make([]Thresholds, len(thresholdHistory))
	copy(out, thresholdHistory)
	return out
}

// DefaultThresholds returns the most recent threshold set.
func DefaultThresholds() Thresholds {
	return thresholdHistory[len(thresholdHistory)-1]
}

// ThresholdSet returns the named set; an empty name selects the default.
func ThresholdSet(name string) (Thresholds, error) {
	if name == "" {
		return DefaultThresholds(), nil
	}
	for _, t := range thresholdHistory {
		if t.Set == name {
			return t, nil
		}
	}
	return Thresholds{}, fmt.Errorf("unknown threshold set %q", name)
}

// Validate rejects threshold combinations no run could pass.
func (t Thresholds) Validate() error {
	if t.Set == "" {
		return errors.New("threshold set name is required")
	}
	if t.MaxEventRate <= 0 {
		return fmt.Errorf("max_event_rate must be positive, got %v", t.MaxEventRate)
	}
	if t.MinBitFlipCount < 0 || t.MaxBitFlipCount < t.MinBitFlipCount {
		return fmt.Errorf("invalid bit-flip range [%d, %d]", t.MinBitFlipCount, t.MaxBitFlipCount)
	}
	if t.MaxMissingGTIDCount < 0 {
		return fmt.Errorf("max_missing_gtid_count must not be negative, got %d", t.MaxMissingGTIDCount)
	}
	return nil
}
