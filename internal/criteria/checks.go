package criteria

import (
	"runselect/internal/dq"
)

// Sub-check names for the recomputed checks.
const (
	MissingGTIDCountCheck = "missing_gtid_count"
	BitFlipGTIDCountCheck = "bitflip_gtid_count"
	EventRateRecomputed   = "event_rate_recomputed"
)

// Raw parameter paths read by the recomputed checks.
const (
	MissingGTIDsField  = "check_params.missing_gtids"
	BitFlipGTIDsField  = "check_params.bitflip_gtids"
	MinEventRateField  = "criteria.min_event_rate"
	MeanEventRateField = "check_params.mean_event_rate"
)

// outcome requires the stored result of field to be 1.
func outcome(field string) SubCheck {
	return SubCheck{
		Name:   field,
		Fields: []string{field},
		Eval: func(rec dq.ProcessorRecord) (bool, error) {
			return rec.Outcome(field)
		},
	}
}

func outcomes(fields ...string) []SubCheck {
	out := make([]SubCheck, len(fields))
	for i, f := range fields {
		out[i] = outcome(f)
	}
	return out
}

// missingGTIDCount passes when no more than max GTIDs were reported missing.
func missingGTIDCount(max int) SubCheck {
	return SubCheck{
		Name:   MissingGTIDCountCheck,
		Fields: []string{MissingGTIDsField},
		Eval: func(rec dq.ProcessorRecord) (bool, error) {
			n, err := rec.Count(MissingGTIDsField)
			if err != nil {
				return false, err
			}
			return n <= max, nil
		},
	}
}

// bitFlipCount passes when the number of bit-flipped GTIDs lies in [min, max].
func bitFlipCount(min, max int) SubCheck {
	return SubCheck{
		Name:   BitFlipGTIDCountCheck,
		Fields: []string{BitFlipGTIDsField},
		Eval: func(rec dq.ProcessorRecord) (bool, error) {
			n, err := rec.Count(BitFlipGTIDsField)
			if err != nil {
				return false, err
			}
			return n >= min && n <= max, nil
		},
	}
}

// eventRate keeps a stored pass; a stored fail is recomputed against
// [criteria.min_event_rate, maxRate] using the mean event rate.
func eventRate(maxRate float64) SubCheck {
	return SubCheck{
		Name:   EventRateRecomputed,
		Fields: []string{"event_rate"},
		Eval: func(rec dq.ProcessorRecord) (bool, error) {
			stored, err := rec.Outcome("event_rate")
			if err != nil || stored {
				return stored, err
			}
			minRate, err := rec.Number(MinEventRateField)
			if err != nil {
				return false, err
			}
			mean, err := rec.Number(MeanEventRateField)
			if err != nil {
				return false, err
			}
			return mean >= minRate && mean <= maxRate, nil
		},
	}
}
