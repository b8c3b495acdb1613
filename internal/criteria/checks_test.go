package criteria

import (
	"errors"
	"testing"

	"runselect/internal/dq"
)

func timeRecord(stored int, minRate, mean float64) dq.ProcessorRecord {
	return dq.ProcessorRecord{Processor: dq.Time, Checks: dq.Checks{
		"event_rate":           stored,
		"event_separation":     1,
		"retriggers":           1,
		"run_header":           1,
		"10Mhz_UT_comparrison": 1,
		"clock_forward":        1,
		"criteria":             map[string]any{"min_event_rate": minRate},
		"check_params":         map[string]any{"mean_event_rate": mean},
	}}
}

func TestAmendedEventRate(t *testing.T) {
	c := mustCatalog(t, DefaultThresholds())
	rev, _ := c.Lookup(TimeAmendedEventRate)
	cases := []struct {
		name   string
		stored int
		mean   float64
		want   dq.Verdict
	}{
		{"within amended ceiling", 0, 6500, dq.Pass},
		{"above ceiling", 0, 7500, dq.Fail},
		{"at ceiling", 0, 7000, dq.Pass},
		{"at floor", 0, 500, dq.Pass},
		{"below floor", 0, 499, dq.Fail},
		{"stored pass is kept", 1, 99999, dq.Pass},
	}
	for _, tc := range cases {
		res, err := rev.Evaluate(timeRecord(tc.stored, 500, tc.mean))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if res.Verdict != tc.want {
			t.Errorf("%s: verdict %s, want %s", tc.name, res.Verdict, tc.want)
		}
	}
}

func TestEventRateCeilingFollowsThresholdSet(t *testing.T) {
	old, err := ThresholdSet("2017-05-15")
	if err != nil {
		t.Fatal(err)
	}
	c := mustCatalog(t, old)
	rev, _ := c.Lookup(TimeAmendedEventRate)
	res, err := rev.Evaluate(timeRecord(0, 500, 6500))
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict != dq.Fail {
		t.Fatalf("6500 Hz must fail under the 1200 Hz ceiling, got %s", res.Verdict)
	}
	orig, _ := c.Lookup(TimeOriginal)
	res, err = orig.Evaluate(timeRecord(0, 500, 6500))
	if err != nil || res.Verdict != dq.Fail {
		t.Fatalf("original time revision ignores recomputation: %s %v", res.Verdict, err)
	}
}

func TestEventRateRecomputeNeedsParams(t *testing.T) {
	c := mustCatalog(t, DefaultThresholds())
	rev, _ := c.Lookup(TimeAmendedEventRate)
	rec := timeRecord(0, 500, 6500)
	delete(rec.Checks, "check_params")
	_, err := rev.Evaluate(rec)
	var mf dq.MissingFieldError
	if !errors.As(err, &mf) || mf.Field != MeanEventRateField {
		t.Fatalf("expected missing mean event rate, got %v", err)
	}
	rec = timeRecord(1, 500, 6500)
	delete(rec.Checks, "check_params")
	delete(rec.Checks, "criteria")
	if res, err := rev.Evaluate(rec); err != nil || res.Verdict != dq.Pass {
		t.Fatalf("stored pass needs no params: %s %v", res.Verdict, err)
	}
}

func triggerRecord(missing, bitflips int) dq.ProcessorRecord {
	return dq.ProcessorRecord{Processor: dq.Trigger, Checks: dq.Checks{
		"n100l_trigger_rate":     1,
		"esumh_trigger_rate":     1,
		"triggerProcMissingGTID": 0,
		"triggerProcBitFlipGTID": 0,
		"check_params": map[string]any{
			"missing_gtids": make([]any, missing),
			"bitflip_gtids": make([]any, bitflips),
		},
	}}
}

func TestAmendedGTIDCounts(t *testing.T) {
	c := mustCatalog(t, DefaultThresholds())
	rev, _ := c.Lookup(TriggerAmendedCounts)
	cases := []struct {
		missing, bitflips int
		want              dq.Verdict
		failed            string
	}{
		{0, 0, dq.Pass, ""},
		{10, 0, dq.Pass, ""},
		{11, 0, dq.Fail, MissingGTIDCountCheck},
		{0, 1, dq.Fail, BitFlipGTIDCountCheck},
	}
	for _, tc := range cases {
		res, err := rev.Evaluate(triggerRecord(tc.missing, tc.bitflips))
		if err != nil {
			t.Fatalf("missing=%d bitflips=%d: %v", tc.missing, tc.bitflips, err)
		}
		if res.Verdict != tc.want {
			t.Errorf("missing=%d bitflips=%d: verdict %s, want %s", tc.missing, tc.bitflips, res.Verdict, tc.want)
		}
		failed := res.Failed()
		if tc.failed == "" && len(failed) != 0 {
			t.Errorf("unexpected failures %v", failed)
		}
		if tc.failed != "" && (len(failed) != 1 || failed[0] != tc.failed) {
			t.Errorf("failed = %v, want [%s]", failed, tc.failed)
		}
	}
}

func TestValidateReportsFirstMissingField(t *testing.T) {
	c := mustCatalog(t, DefaultThresholds())
	rev, _ := c.Lookup(RunOriginal)
	rec := dq.ProcessorRecord{Processor: dq.RunMeta, Checks: dq.Checks{"run_type": 1, "mc_flag": 1}}
	_, err := rev.Evaluate(rec)
	var mf dq.MissingFieldError
	if !errors.As(err, &mf) || mf.Field != "trigger" || mf.Processor != dq.RunMeta {
		t.Fatalf("expected missing trigger, got %v", err)
	}
	relaxed, _ := c.Lookup(RunAmendedNoTrigger)
	if res, err := relaxed.Evaluate(rec); err != nil || res.Verdict != dq.Pass {
		t.Fatalf("relaxed revision does not read trigger: %s %v", res.Verdict, err)
	}
}
