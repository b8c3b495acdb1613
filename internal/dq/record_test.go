package dq

import (
	"errors"
	"testing"
)

const sampleDoc = `{
  "run_range": [100123, 100123],
  "checks": {
    "dqtriggerproc": {
      "n100l_trigger_rate": 1,
      "esumh_trigger_rate": 1,
      "triggerProcMissingGTID": 0,
      "triggerProcBitFlipGTID": 1,
      "check_params": {"missing_gtids": [1, 2, 3], "bitflip_gtids": []}
    },
    "dqtimeproc": {
      "event_rate": 0,
      "criteria": {"min_event_rate": 500},
      "check_params": {"mean_event_rate": 6500.5}
    },
    "dqrunproc": {"run_type": true, "mc_flag": false},
    "dqpmtproc": {"general_coverage": 1, "crate_coverage": 1, "panel_coverage": 1}
  }
}`

func TestParseDocument(t *testing.T) {
	rec, err := ParseDocument([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rec.RunRange) != 2 || rec.RunRange[0] != 100123 {
		t.Fatalf("unexpected run range %v", rec.RunRange)
	}
	trig, err := rec.Processor(Trigger)
	if err != nil {
		t.Fatalf("trigger section: %v", err)
	}
	if ok, err := trig.Outcome("n100l_trigger_rate"); err != nil || !ok {
		t.Fatalf("n100l: %v %v", ok, err)
	}
	if ok, err := trig.Outcome("triggerProcMissingGTID"); err != nil || ok {
		t.Fatalf("missing gtid outcome: %v %v", ok, err)
	}
	if n, err := trig.Count("check_params.missing_gtids"); err != nil || n != 3 {
		t.Fatalf("missing gtid count: %d %v", n, err)
	}
	if n, err := trig.Count("check_params.bitflip_gtids"); err != nil || n != 0 {
		t.Fatalf("bitflip count: %d %v", n, err)
	}
	timeProc, _ := rec.Processor(Time)
	if v, err := timeProc.Number("check_params.mean_event_rate"); err != nil || v != 6500.5 {
		t.Fatalf("mean event rate: %v %v", v, err)
	}
	runProc, _ := rec.Processor(RunMeta)
	if ok, err := runProc.Outcome("run_type"); err != nil || !ok {
		t.Fatalf("bool outcome: %v %v", ok, err)
	}
	if ok, err := runProc.Outcome("mc_flag"); err != nil || ok {
		t.Fatalf("bool outcome false: %v %v", ok, err)
	}
}

func TestParseDocumentRejectsEmpty(t *testing.T) {
	cases := map[string]string{
		"not json":  `{`,
		"no checks": `{"run_range":[1,1]}`,
		"bad range": `{"run_range":[1],"checks":{"dqpmtproc":{}}}`,
		"nil proc":  `{"checks":{"dqpmtproc":null}}`,
	}
	for name, doc := range cases {
		if _, err := ParseDocument([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestMissingFieldErrors(t *testing.T) {
	rec, err := ParseDocument([]byte(sampleDoc))
	if err != nil {
		t.Fatal(err)
	}
	_, err = rec.Processor(Tellie)
	var mf MissingFieldError
	if !errors.As(err, &mf) || mf.Processor != Tellie || mf.Field != "" {
		t.Fatalf("expected missing processor error, got %v", err)
	}
	trig, _ := rec.Processor(Trigger)
	_, err = trig.Outcome("clock_forward")
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	if !errors.As(err, &mf) || mf.Field != "clock_forward" || mf.Processor != Trigger {
		t.Fatalf("error should name processor and field: %v", err)
	}
	_, err = trig.Count("check_params.nope")
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("nested missing: %v", err)
	}
	_, err = trig.Number("n100l_trigger_rate.deeper")
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("path through scalar: %v", err)
	}
	if errors.Is(err, ErrInvalidField) {
		t.Fatalf("missing must not match invalid")
	}
}

func TestInvalidFieldErrors(t *testing.T) {
	p := ProcessorRecord{Processor: Time, Checks: Checks{
		"event_rate": 9,
		"label":      "x",
		"params":     map[string]any{"list": 3},
	}}
	if _, err := p.Outcome("event_rate"); !errors.Is(err, ErrInvalidField) {
		t.Fatalf("9 is not an outcome: %v", err)
	}
	if _, err := p.Number("label"); !errors.Is(err, ErrInvalidField) {
		t.Fatalf("string is not a number: %v", err)
	}
	if _, err := p.Count("params.list"); !errors.Is(err, ErrInvalidField) {
		t.Fatalf("scalar is not a list: %v", err)
	}
}

func TestDigit(t *testing.T) {
	p := ProcessorRecord{Processor: PMT, Checks: Checks{"a": 1, "b": 0, "c": "bad"}}
	if p.Digit("a") != 1 || p.Digit("b") != 0 || p.Digit("c") != 9 || p.Digit("d") != 9 {
		t.Fatalf("unexpected digits %d%d%d%d", p.Digit("a"), p.Digit("b"), p.Digit("c"), p.Digit("d"))
	}
	if Pass.Digit() != 1 || Fail.Digit() != 0 || Unavailable.Digit() != 9 {
		t.Fatal("verdict digits")
	}
}

func TestIsPhysicsRun(t *testing.T) {
	physics := &CheckRecord{Checks: map[Processor]Checks{
		Trigger: {}, Time: {}, RunMeta: {}, PMT: {},
	}}
	if !IsPhysicsRun(physics) {
		t.Fatal("four physics processors should classify true")
	}
	withTellie := &CheckRecord{Checks: map[Processor]Checks{
		Trigger: {}, Time: {}, RunMeta: {}, PMT: {}, Tellie: {},
	}}
	if IsPhysicsRun(withTellie) {
		t.Fatal("tellie run should classify false")
	}
	withSmellie := &CheckRecord{Checks: map[Processor]Checks{
		Trigger: {}, Time: {}, RunMeta: {}, PMT: {}, Smellie: {},
	}}
	if IsPhysicsRun(withSmellie) {
		t.Fatal("smellie run should classify false")
	}
	missingPMT := &CheckRecord{Checks: map[Processor]Checks{
		Trigger: {}, Time: {}, RunMeta: {},
	}}
	if IsPhysicsRun(missingPMT) {
		t.Fatal("missing pmt should classify false")
	}
	if IsPhysicsRun(nil) {
		t.Fatal("absent record should classify false")
	}
}
