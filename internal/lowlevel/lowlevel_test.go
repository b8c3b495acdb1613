package lowlevel

import (
	"encoding/json"
	"errors"
	"testing"

	"runselect/internal/dq"
)

func ptr[T any](v T) *T { return &v }

func goodDQLL() *DQLL {
	return &DQLL{
		DurationSeconds:  ptr(3600.0),
		CrateHVStatusA:   []bool{true, true, true},
		Crate16HVStatusB: ptr(true),
		CrateHVDACA:      []int{2500, 2500, 2500},
		Crate16HVDACB:    ptr(2200),
	}
}

func mustCheck(t *testing.T, run *RunTable, dqll *DQLL) Result {
	t.Helper()
	res, err := Check(run, dqll)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	return res
}

func TestCheckGoodRun(t *testing.T) {
	res := mustCheck(t, &RunTable{RunType: PhysicsRunMask}, goodDQLL())
	if res.Skip {
		t.Fatal("physics run must not be skipped")
	}
	for name, v := range map[string]dq.Verdict{
		"run type": res.RunType, "duration": res.Duration, "crate hv": res.CrateHV, "crate dac": res.CrateDAC,
	} {
		if v != dq.Pass {
			t.Errorf("%s = %s", name, v)
		}
	}
	if len(res.Notes) != 0 {
		t.Errorf("unexpected notes %v", res.Notes)
	}
}

func TestCheckRunTypeFlags(t *testing.T) {
	cases := []struct {
		mask uint32
		want dq.Verdict
		skip bool
	}{
		{0, dq.Fail, true},
		{PhysicsRunMask | DCRActivityMask, dq.Fail, false},
		{PhysicsRunMask | CompCoilOffMask, dq.Fail, false},
		{PhysicsRunMask | PMTOffMask, dq.Fail, false},
		{PhysicsRunMask | SLAssayMask, dq.Fail, false},
		{PhysicsRunMask | UnusualActivityMask, dq.Fail, false},
		{PhysicsRunMask | 0x1, dq.Pass, false},
	}
	for _, tc := range cases {
		res := mustCheck(t, &RunTable{RunType: tc.mask}, goodDQLL())
		if res.RunType != tc.want || res.Skip != tc.skip {
			t.Errorf("mask %#x: run type %s skip %v, want %s %v", tc.mask, res.RunType, res.Skip, tc.want, tc.skip)
		}
	}
}

func TestCheckDQLLFailures(t *testing.T) {
	short := goodDQLL()
	short.DurationSeconds = ptr(1799.0)
	if res := mustCheck(t, &RunTable{RunType: PhysicsRunMask}, short); res.Duration != dq.Fail {
		t.Errorf("short run duration = %s", res.Duration)
	}

	hvOff := goodDQLL()
	hvOff.CrateHVStatusA[1] = false
	if res := mustCheck(t, &RunTable{RunType: PhysicsRunMask}, hvOff); res.CrateHV != dq.Fail || res.CrateDAC != dq.Pass {
		t.Errorf("crate hv off: hv %s dac %s", res.CrateHV, res.CrateDAC)
	}

	owlOff := goodDQLL()
	owlOff.Crate16HVStatusB = ptr(false)
	if res := mustCheck(t, &RunTable{RunType: PhysicsRunMask}, owlOff); res.CrateHV != dq.Fail {
		t.Errorf("owl hv off: %s", res.CrateHV)
	}

	dacZero := goodDQLL()
	dacZero.CrateHVDACA[2] = 0
	if res := mustCheck(t, &RunTable{RunType: PhysicsRunMask}, dacZero); res.CrateDAC != dq.Fail {
		t.Errorf("dac zero: %s", res.CrateDAC)
	}

	owlDAC := goodDQLL()
	owlDAC.Crate16HVDACB = ptr(0)
	if res := mustCheck(t, &RunTable{RunType: PhysicsRunMask}, owlDAC); res.CrateDAC != dq.Fail {
		t.Errorf("owl dac zero: %s", res.CrateDAC)
	}
}

func TestCheckMissingTables(t *testing.T) {
	res := mustCheck(t, nil, nil)
	if res.Skip {
		t.Fatal("missing RUN table must not skip the run")
	}
	for name, v := range map[string]dq.Verdict{
		"run type": res.RunType, "duration": res.Duration, "crate hv": res.CrateHV, "crate dac": res.CrateDAC,
	} {
		if v != dq.Unavailable {
			t.Errorf("%s = %s, want unavailable", name, v)
		}
	}
}

func TestCheckMissingDQLLKeys(t *testing.T) {
	cases := []struct {
		field string
		clear func(*DQLL)
	}{
		{"duration_seconds", func(d *DQLL) { d.DurationSeconds = nil }},
		{"crate_16_hv_status_b", func(d *DQLL) { d.Crate16HVStatusB = nil }},
		{"crate_16_hv_dac_b", func(d *DQLL) { d.Crate16HVDACB = nil }},
	}
	for _, tc := range cases {
		row := goodDQLL()
		tc.clear(row)
		_, err := Check(&RunTable{RunType: PhysicsRunMask}, row)
		var missing dq.MissingFieldError
		if !errors.As(err, &missing) || missing.Field != tc.field || missing.Processor != DQLLSource {
			t.Errorf("%s: err = %v", tc.field, err)
		}
	}

	var empty DQLL
	if err := json.Unmarshal([]byte(`{}`), &empty); err != nil {
		t.Fatal(err)
	}
	if _, err := Check(nil, &empty); !errors.Is(err, dq.ErrMissingField) {
		t.Errorf("empty row: err = %v", err)
	}
}
