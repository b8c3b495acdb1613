package engine_test

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"runselect/internal/criteria"
	"runselect/internal/dq"
	"runselect/internal/engine"
)

var recomputed = map[string]bool{
	criteria.MissingGTIDCountCheck: true,
	criteria.BitFlipGTIDCountCheck: true,
	criteria.EventRateRecomputed:   true,
}

// storedChecks lists the sub-checks of rev that read a stored 0/1 outcome.
func storedChecks(rev criteria.Revision) []string {
	var out []string
	for _, name := range rev.SubCheckNames() {
		if !recomputed[name] {
			out = append(out, name)
		}
	}
	return out
}

func TestPropertySingleFlipFails(t *testing.T) {
	e := newEngine(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("flipping one required outcome fails that processor", prop.ForAll(
		func(run, procIdx, trackIdx, checkIdx int) bool {
			p := dq.PhysicsProcessors[procIdx]
			track := dq.Tracks[trackIdx]
			rev, err := e.Catalog.Select(p, track, run)
			if err != nil {
				t.Logf("select: %v", err)
				return false
			}
			names := storedChecks(rev)
			name := names[checkIdx%len(names)]
			rec := goodRecord()
			rec.Checks[p][name] = 0
			pv, err := e.EvaluateProcessor(rec, p, track, run)
			if err != nil {
				t.Logf("evaluate: %v", err)
				return false
			}
			if pv.Verdict != dq.Fail {
				t.Logf("run %d %s %s: flipping %s gave %s", run, track, p, name, pv.Verdict)
				return false
			}
			tv, err := e.EvaluateTrack(rec, run, track)
			if err != nil {
				return false
			}
			return tv.Overall == dq.Fail
		},
		gen.IntRange(99000, 103000),
		gen.IntRange(0, 3),
		gen.IntRange(0, 1),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}

func TestPropertyOverallIsConjunction(t *testing.T) {
	e := newEngine(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	fields := []struct {
		proc dq.Processor
		name string
	}{
		{dq.Trigger, "n100l_trigger_rate"},
		{dq.Trigger, "triggerProcMissingGTID"},
		{dq.Time, "event_rate"},
		{dq.Time, "clock_forward"},
		{dq.RunMeta, "trigger"},
		{dq.RunMeta, "mc_flag"},
		{dq.PMT, "crate_coverage"},
	}

	properties.Property("overall passes iff every processor passes, and evaluation is repeatable", prop.ForAll(
		func(run, mask int) bool {
			rec := goodRecord()
			for i, f := range fields {
				if mask&(1<<i) != 0 {
					rec.Checks[f.proc][f.name] = 0
				}
			}
			first, err := e.EvaluateRun(rec, run)
			if err != nil {
				t.Logf("evaluate: %v", err)
				return false
			}
			second, err := e.EvaluateRun(rec, run)
			if err != nil || !reflect.DeepEqual(first, second) {
				return false
			}
			for _, track := range dq.Tracks {
				tv := first.Track(track)
				all := true
				for _, p := range dq.PhysicsProcessors {
					all = all && tv.Get(p) == dq.Pass
				}
				if all != (tv.Overall == dq.Pass) {
					return false
				}
				if !all && tv.Overall != dq.Fail {
					return false
				}
			}
			return true
		},
		gen.IntRange(99000, 103000),
		gen.IntRange(0, 1<<7-1),
	))

	properties.TestingRun(t)
}

func TestPropertyProcessorOrderIsNotObservable(t *testing.T) {
	e := newEngine(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("evaluating processors one by one in reverse matches the track verdict", prop.ForAll(
		func(run, flip int) bool {
			rec := goodRecord()
			p := dq.PhysicsProcessors[flip%4]
			for name := range rec.Checks[p] {
				if name == "check_params" || name == "criteria" {
					continue
				}
				rec.Checks[p][name] = 0
				break
			}
			for _, track := range dq.Tracks {
				tv, err := e.EvaluateTrack(rec, run, track)
				if err != nil {
					return false
				}
				var verdicts []dq.Verdict
				for i := len(dq.PhysicsProcessors) - 1; i >= 0; i-- {
					pv, err := e.EvaluateProcessor(rec, dq.PhysicsProcessors[i], track, run)
					if err != nil {
						return false
					}
					if pv.Verdict != tv.Get(pv.Processor) {
						return false
					}
					verdicts = append(verdicts, pv.Verdict)
				}
				if engine.Aggregate(verdicts...) != tv.Overall {
					return false
				}
			}
			return true
		},
		gen.IntRange(99000, 103000),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}
