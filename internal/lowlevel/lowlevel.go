// Package lowlevel evaluates the run-level checks taken from the RUN and DQLL
// tables: run type flags, run duration, crate high voltage and crate DAC values.
package lowlevel

import (
	"fmt"

	"runselect/internal/dq"
)

// Run type bits of the RUN table.
const (
	PhysicsRunMask      uint32 = 0x4       // bit 2
	DCRActivityMask     uint32 = 0x200000  // bit 21
	CompCoilOffMask     uint32 = 0x400000  // bit 22
	PMTOffMask          uint32 = 0x800000  // bit 23
	SLAssayMask         uint32 = 0x4000000 // bit 26
	UnusualActivityMask uint32 = 0x8000000 // bit 27
)

// MinDurationSeconds is the shortest run accepted by run selection.
const MinDurationSeconds = 1800

var disqualifyingFlags = []struct {
	mask uint32
	name string
}{
	{DCRActivityMask, "DCR activity"},
	{CompCoilOffMask, "compensation coils off"},
	{PMTOffMask, "PMTs off"},
	{SLAssayMask, "SLAssay"},
	{UnusualActivityMask, "unusual activity"},
}

// RunTable is the subset of the RUN table used here.
type RunTable struct {
	RunType uint32 `json:"runtype"`
}

// DQLL is the subset of the DQLL table used here. The scalar fields are
// pointers so that an absent key is told apart from a zero value.
type DQLL struct {
	DurationSeconds  *float64 `json:"duration_seconds"`
	CrateHVStatusA   []bool   `json:"crate_hv_status_a"`
	Crate16HVStatusB *bool    `json:"crate_16_hv_status_b"`
	CrateHVDACA      []int    `json:"crate_hv_dac_a"`
	Crate16HVDACB    *int     `json:"crate_16_hv_dac_b"`
}

// DQLLSource names the DQLL table in field errors.
const DQLLSource dq.Processor = "dqll"

// Validate reports the first required key absent from the row.
func (d DQLL) Validate() error {
	switch {
	case d.DurationSeconds == nil:
		return dq.MissingFieldError{Processor: DQLLSource, Field: "duration_seconds"}
	case d.Crate16HVStatusB == nil:
		return dq.MissingFieldError{Processor: DQLLSource, Field: "crate_16_hv_status_b"}
	case d.Crate16HVDACB == nil:
		return dq.MissingFieldError{Processor: DQLLSource, Field: "crate_16_hv_dac_b"}
	}
	return nil
}

// Result holds the four low-level verdicts. Skip is set for runs that are not
// physics runs; such runs are left out of the run list.
type Result struct {
	RunType  dq.Verdict `json:"run_type" enum:"pass,fail,unavailable"`
	Duration dq.Verdict `json:"duration" enum:"pass,fail,unavailable"`
	CrateHV  dq.Verdict `json:"crate_hv" enum:"pass,fail,unavailable"`
	CrateDAC dq.Verdict `json:"crate_dac" enum:"pass,fail,unavailable"`
	Skip     bool       `json:"skip,omitempty"`
	Notes    []string   `json:"notes,omitempty"`
}

// Check evaluates the run-level checks. A nil table means it was not found.
// A DQLL row missing a required key is a MissingFieldError, never a Fail.
func Check(run *RunTable, dqll *DQLL) (Result, error) {
	var res Result
	res.RunType, res.Skip, res.Notes = checkRunType(run)
	if dqll == nil {
		res.Duration, res.CrateHV, res.CrateDAC = dq.Unavailable, dq.Unavailable, dq.Unavailable
		return res, nil
	}
	if err := dqll.Validate(); err != nil {
		return Result{}, err
	}
	res.Duration = dq.Pass
	if *dqll.DurationSeconds < MinDurationSeconds {
		res.Duration = dq.Fail
		res.Notes = append(res.Notes, "duration is less than 30 minutes")
	}
	res.CrateHV = dq.Pass
	for i, on := range dqll.CrateHVStatusA {
		if !on {
			res.CrateHV = dq.Fail
			res.Notes = append(res.Notes, fmt.Sprintf("crate %d HV is off", i))
		}
	}
	if !*dqll.Crate16HVStatusB {
		res.CrateHV = dq.Fail
		res.Notes = append(res.Notes, "OWLs HV is off")
	}
	res.CrateDAC = dq.Pass
	for i, dac := range dqll.CrateHVDACA {
		if dac == 0 {
			res.CrateDAC = dq.Fail
			res.Notes = append(res.Notes, fmt.Sprintf("crate %d DAC value is 0", i))
		}
	}
	if *dqll.Crate16HVDACB == 0 {
		res.CrateDAC = dq.Fail
		res.Notes = append(res.Notes, "OWLs DAC value is 0")
	}
	return res, nil
}

func checkRunType(run *RunTable) (dq.Verdict, bool, []string) {
	if run == nil {
		return dq.Unavailable, false, nil
	}
	if run.RunType&PhysicsRunMask != PhysicsRunMask {
		return dq.Fail, true, []string{"not a physics run"}
	}
	verdict := dq.Pass
	var notes []string
	for _, f := range disqualifyingFlags {
		if run.RunType&f.mask == f.mask {
			verdict = dq.Fail
			notes = append(notes, f.name+" bit set")
		}
	}
	return verdict, false, notes
}
