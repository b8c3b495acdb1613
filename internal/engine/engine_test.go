package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"runselect/internal/criteria"
	"runselect/internal/dq"
	"runselect/internal/engine"
)

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	e, err := engine.NewDefault()
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e
}

// goodRecord returns a physics run where every stored outcome is 1 and the
// raw parameters satisfy the amended recomputations.
func goodRecord() *dq.CheckRecord {
	return &dq.CheckRecord{
		RunRange: []int{100500, 100500},
		Checks: map[dq.Processor]dq.Checks{
			dq.Trigger: {
				"n100l_trigger_rate":     1,
				"esumh_trigger_rate":     1,
				"triggerProcMissingGTID": 1,
				"triggerProcBitFlipGTID": 1,
				"check_params": map[string]any{
					"missing_gtids": []any{},
					"bitflip_gtids": []any{},
				},
			},
			dq.Time: {
				"event_rate":           1,
				"event_separation":     1,
				"retriggers":           1,
				"run_header":           1,
				"10Mhz_UT_comparrison": 1,
				"clock_forward":        1,
				"delta_t_comparison":   1,
				"criteria":             map[string]any{"min_event_rate": 500.0},
				"check_params":         map[string]any{"mean_event_rate": 3000.0},
			},
			dq.RunMeta: {
				"run_type":   1,
				"mc_flag":    1,
				"run_length": 1,
				"trigger":    1,
			},
			dq.PMT: {
				"general_coverage": 1,
				"crate_coverage":   1,
				"panel_coverage":   1,
			},
		},
	}
}

func TestAllTrueRecordPassesBothTracks(t *testing.T) {
	e := newEngine(t)
	for _, run := range []int{100000, 100599, 100600, 101265, 101266, 200000} {
		v, err := e.EvaluateRun(goodRecord(), run)
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if !v.IsPhysicsRun {
			t.Fatalf("run %d should be a physics run", run)
		}
		for _, track := range dq.Tracks {
			tv := v.Track(track)
			for _, p := range dq.PhysicsProcessors {
				if tv.Get(p) != dq.Pass {
					t.Errorf("run %d %s %s = %s", run, track, p, tv.Get(p))
				}
			}
			if tv.Overall != dq.Pass {
				t.Errorf("run %d %s overall = %s", run, track, tv.Overall)
			}
		}
	}
}

func TestTriggerAmendedBoundary(t *testing.T) {
	e := newEngine(t)
	rec := goodRecord()
	trig := rec.Checks[dq.Trigger]
	// Stored GTID outcomes failed, raw lists are within amended limits.
	trig["triggerProcMissingGTID"] = 0
	trig["triggerProcBitFlipGTID"] = 0
	trig["check_params"] = map[string]any{
		"missing_gtids": []any{1.0, 2.0, 3.0},
		"bitflip_gtids": []any{},
	}

	before, err := e.EvaluateRun(rec, 101265)
	if err != nil {
		t.Fatal(err)
	}
	after, err := e.EvaluateRun(rec, 101266)
	if err != nil {
		t.Fatal(err)
	}
	if before.Amended.Trigger != dq.Pass {
		t.Fatalf("run 101265 amended trigger = %s, want pass", before.Amended.Trigger)
	}
	if after.Amended.Trigger != dq.Fail {
		t.Fatalf("run 101266 amended trigger = %s, want fail", after.Amended.Trigger)
	}
	if before.Original.Trigger != dq.Fail || after.Original.Trigger != dq.Fail {
		t.Fatal("original trigger must fail on both sides of the boundary")
	}
	if got := before.Amended.Details[0].Revision; got != criteria.TriggerAmendedCounts {
		t.Fatalf("run 101265 revision %s", got)
	}
	if got := after.Amended.Details[0].Revision; got != criteria.TriggerOriginal {
		t.Fatalf("run 101266 revision %s", got)
	}
}

func TestRunMetaAmendedBoundary(t *testing.T) {
	e := newEngine(t)
	rec := goodRecord()
	rec.Checks[dq.RunMeta]["trigger"] = 0

	before, err := e.EvaluateRun(rec, 100599)
	if err != nil {
		t.Fatal(err)
	}
	if before.Amended.Run != dq.Pass || before.Amended.Overall != dq.Pass {
		t.Fatalf("run 100599 ignores trigger on the amended track: %+v", before.Amended)
	}
	if before.Original.Run != dq.Fail || before.Original.Overall != dq.Fail {
		t.Fatalf("run 100599 original track requires trigger: %+v", before.Original)
	}
	after, err := e.EvaluateRun(rec, 100600)
	if err != nil {
		t.Fatal(err)
	}
	if after.Amended.Run != dq.Fail {
		t.Fatalf("run 100600 amended track requires trigger, got %s", after.Amended.Run)
	}
}

func TestAmendedTrackIgnoresMissingTriggerBeforeBoundary(t *testing.T) {
	e := newEngine(t)
	rec := goodRecord()
	delete(rec.Checks[dq.RunMeta], "trigger")
	_, err := e.EvaluateTrack(rec, 100599, dq.Amended)
	if err != nil {
		t.Fatalf("relaxed revision must not read trigger: %v", err)
	}
	_, err = e.EvaluateRun(rec, 100599)
	if !errors.Is(err, dq.ErrMissingField) {
		t.Fatalf("original track still needs trigger, got %v", err)
	}
}

func TestAmendedEventRateRecompute(t *testing.T) {
	e := newEngine(t)
	rec := goodRecord()
	timeProc := rec.Checks[dq.Time]
	timeProc["event_rate"] = 0
	timeProc["criteria"] = map[string]any{"min_event_rate": 500.0}
	timeProc["check_params"] = map[string]any{"mean_event_rate": 6500.0}

	v, err := e.EvaluateRun(rec, 100700)
	if err != nil {
		t.Fatal(err)
	}
	if v.Amended.Time != dq.Pass || v.Original.Time != dq.Fail {
		t.Fatalf("6500 Hz: amended %s original %s", v.Amended.Time, v.Original.Time)
	}

	timeProc["check_params"] = map[string]any{"mean_event_rate": 7500.0}
	v, err = e.EvaluateRun(rec, 100700)
	if err != nil {
		t.Fatal(err)
	}
	if v.Amended.Time != dq.Fail {
		t.Fatalf("7500 Hz must fail, got %s", v.Amended.Time)
	}
	if diff := cmp.Diff([]string{criteria.EventRateRecomputed}, v.Amended.Details[1].Failed); diff != "" {
		t.Fatalf("failed sub-checks (-want +got):\n%s", diff)
	}
}

func TestAbsentRecordIsUniformlyUnavailable(t *testing.T) {
	e := newEngine(t)
	v, err := e.EvaluateRun(nil, 123456)
	if err != nil {
		t.Fatalf("absent record must not error: %v", err)
	}
	want := engine.RunVerdict{
		RunNumber: 123456,
		Original: engine.TrackVerdict{
			Trigger: dq.Unavailable, Time: dq.Unavailable, Run: dq.Unavailable, PMT: dq.Unavailable, Overall: dq.Unavailable,
		},
		Amended: engine.TrackVerdict{
			Trigger: dq.Unavailable, Time: dq.Unavailable, Run: dq.Unavailable, PMT: dq.Unavailable, Overall: dq.Unavailable,
		},
	}
	if diff := cmp.Diff(want, v); diff != "" {
		t.Fatalf("absent verdict (-want +got):\n%s", diff)
	}
	if v.Available() {
		t.Fatal("absent verdict must not be available")
	}
}

func TestMissingFieldIsAnErrorNotAFail(t *testing.T) {
	e := newEngine(t)
	rec := goodRecord()
	delete(rec.Checks[dq.PMT], "panel_coverage")
	_, err := e.EvaluateRun(rec, 100700)
	var mf dq.MissingFieldError
	if !errors.As(err, &mf) {
		t.Fatalf("expected MissingFieldError, got %v", err)
	}
	if mf.Processor != dq.PMT || mf.Field != "panel_coverage" {
		t.Fatalf("error names %s/%s", mf.Processor, mf.Field)
	}

	rec = goodRecord()
	delete(rec.Checks, dq.Time)
	_, err = e.EvaluateRun(rec, 100700)
	if !errors.As(err, &mf) || mf.Processor != dq.Time || mf.Field != "" {
		t.Fatalf("expected missing time section, got %v", err)
	}
}

func TestUnknownBoundaryIsAnError(t *testing.T) {
	e := newEngine(t)
	_, err := e.EvaluateRun(goodRecord(), -5)
	if !errors.Is(err, criteria.ErrUnknownRevisionBoundary) {
		t.Fatalf("expected unknown boundary, got %v", err)
	}
}

func TestEvaluateRunIsIdempotent(t *testing.T) {
	e := newEngine(t)
	rec := goodRecord()
	rec.Checks[dq.Time]["retriggers"] = 0
	first, err := e.EvaluateRun(rec, 100650)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.EvaluateRun(rec, 100650)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("repeated evaluation differs (-first +second):\n%s", diff)
	}
}

func TestAggregate(t *testing.T) {
	cases := []struct {
		in   []dq.Verdict
		want dq.Verdict
	}{
		{[]dq.Verdict{dq.Pass, dq.Pass, dq.Pass, dq.Pass}, dq.Pass},
		{[]dq.Verdict{dq.Pass, dq.Fail, dq.Pass, dq.Pass}, dq.Fail},
		{[]dq.Verdict{dq.Unavailable, dq.Unavailable, dq.Unavailable, dq.Unavailable}, dq.Unavailable},
		{nil, dq.Unavailable},
	}
	for _, tc := range cases {
		if got := engine.Aggregate(tc.in...); got != tc.want {
			t.Errorf("Aggregate(%v) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestClassifyPhysicsRun(t *testing.T) {
	e := newEngine(t)
	rec := goodRecord()
	if !e.ClassifyPhysicsRun(rec) {
		t.Fatal("expected physics run")
	}
	rec.Checks[dq.Tellie] = dq.Checks{}
	if e.ClassifyPhysicsRun(rec) {
		t.Fatal("tellie run is not a physics run")
	}
	v, err := e.EvaluateRun(rec, 100700)
	if err != nil {
		t.Fatal(err)
	}
	if v.IsPhysicsRun {
		t.Fatal("verdict must carry the classification")
	}
}

func TestEvaluateBatchKeepsOrder(t *testing.T) {
	e := newEngine(t)
	bad := goodRecord()
	delete(bad.Checks[dq.Trigger], "esumh_trigger_rate")
	inputs := []engine.RunInput{
		{RunNumber: 100001, Record: goodRecord()},
		{RunNumber: 100002, Record: nil},
		{RunNumber: 100003, Record: bad},
		{RunNumber: 100004, Record: goodRecord()},
	}
	out, err := e.EvaluateBatch(context.Background(), inputs, 3)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(out) != len(inputs) {
		t.Fatalf("expected %d outcomes, got %d", len(inputs), len(out))
	}
	if out[0].Err != nil || out[0].Verdict.RunNumber != 100001 || out[0].Verdict.Amended.Overall != dq.Pass {
		t.Fatalf("outcome 0: %+v", out[0])
	}
	if out[1].Err != nil || out[1].Verdict.Original.Overall != dq.Unavailable {
		t.Fatalf("outcome 1: %+v", out[1])
	}
	if !errors.Is(out[2].Err, dq.ErrMissingField) {
		t.Fatalf("outcome 2 should carry the missing field: %v", out[2].Err)
	}
	if out[3].Err != nil || out[3].Verdict.RunNumber != 100004 {
		t.Fatalf("outcome 3: %+v", out[3])
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.EvaluateBatch(ctx, inputs, 2); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
