package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"runselect/internal/criteria"
	"runselect/internal/dq"
)

// Engine evaluates DQHL verdicts. It holds only the read-only catalog and is
// safe to share across goroutines.
type Engine struct {
	Catalog *criteria.Catalog
}

func New(cat *criteria.Catalog) Engine {
	return Engine{Catalog: cat}
}

// NewDefault builds an engine on the current threshold set.
func NewDefault() (Engine, error) {
	cat, err := criteria.NewCatalog(criteria.DefaultThresholds())
	if err != nil {
		return Engine{}, err
	}
	return New(cat), nil
}

// ProcessorVerdict is the result for one processor under one track.
type ProcessorVerdict struct {
	Processor dq.Processor `json:"processor"`
	Revision  string       `json:"revision,omitempty"`
	Verdict   dq.Verdict   `json:"verdict" enum:"pass,fail,unavailable"`
	Failed    []string     `json:"failed,omitempty"`
}

// TrackVerdict aggregates the four processors under one track.
type TrackVerdict struct {
	Trigger dq.Verdict         `json:"trigger" enum:"pass,fail,unavailable"`
	Time    dq.Verdict         `json:"time" enum:"pass,fail,unavailable"`
	Run     dq.Verdict         `json:"run" enum:"pass,fail,unavailable"`
	PMT     dq.Verdict         `json:"pmt" enum:"pass,fail,unavailable"`
	Overall dq.Verdict         `json:"overall" enum:"pass,fail,unavailable"`
	Details []ProcessorVerdict `json:"details,omitempty"`
}

// Get returns the verdict for p.
func (t TrackVerdict) Get(p dq.Processor) dq.Verdict {
	switch p {
	case dq.Trigger:
		return t.Trigger
	case dq.Time:
		return t.Time
	case dq.RunMeta:
		return t.Run
	case dq.PMT:
		return t.PMT
	}
	return dq.Unavailable
}

func (t *TrackVerdict) set(p dq.Processor, v dq.Verdict) {
	switch p {
	case dq.Trigger:
		t.Trigger = v
	case dq.Time:
		t.Time = v
	case dq.RunMeta:
		t.Run = v
	case dq.PMT:
		t.PMT = v
	}
}

// RunVerdict is the full result for one run.
type RunVerdict struct {
	RunNumber    int          `json:"run"`
	IsPhysicsRun bool         `json:"is_physics_run"`
	Original     TrackVerdict `json:"original"`
	Amended      TrackVerdict `json:"amended"`
}

// Track returns the verdict for t.
func (r RunVerdict) Track(t dq.Track) TrackVerdict {
	if t == dq.Original {
		return r.Original
	}
	return r.Amended
}

// Available reports whether the run document was present.
func (r RunVerdict) Available() bool {
	return r.Original.Overall != dq.Unavailable
}

func unavailableTrack() TrackVerdict {
	return TrackVerdict{
		Trigger: dq.Unavailable,
		Time:    dq.Unavailable,
		Run:     dq.Unavailable,
		PMT:     dq.Unavailable,
		Overall: dq.Unavailable,
	}
}

// Unavailable is the verdict for a run whose document could not be supplied.
func Unavailable(run int) RunVerdict {
	return RunVerdict{
		RunNumber: run,
		Original:  unavailableTrack(),
		Amended:   unavailableTrack(),
	}
}

// Aggregate combines processor verdicts: Pass iff all pass, Fail if any fails,
// otherwise Unavailable.
func Aggregate(verdicts ...dq.Verdict) dq.Verdict {
	if len(verdicts) == 0 {
		return dq.Unavailable
	}
	all := true
	for _, v := range verdicts {
		if v == dq.Fail {
			return dq.Fail
		}
		if v != dq.Pass {
			all = false
		}
	}
	if all {
		return dq.Pass
	}
	return dq.Unavailable
}

// ClassifyPhysicsRun reports whether rec should be evaluated at all.
func (e Engine) ClassifyPhysicsRun(rec *dq.CheckRecord) bool {
	return dq.IsPhysicsRun(rec)
}

// EvaluateRun computes both tracks for one run. A nil record yields the
// all-Unavailable verdict. Missing fields and uncovered runs are returned as
// errors and never folded into Fail.
func (e Engine) EvaluateRun(rec *dq.CheckRecord, run int) (RunVerdict, error) {
	if rec == nil {
		return Unavailable(run), nil
	}
	if e.Catalog == nil {
		return RunVerdict{}, errors.New("engine has no criteria catalog")
	}
	out := RunVerdict{RunNumber: run, IsPhysicsRun: dq.IsPhysicsRun(rec)}
	orig, err := e.EvaluateTrack(rec, run, dq.Original)
	if err != nil {
		return RunVerdict{}, err
	}
	amended, err := e.EvaluateTrack(rec, run, dq.Amended)
	if err != nil {
		return RunVerdict{}, err
	}
	out.Original = orig
	out.Amended = amended
	return out, nil
}

// EvaluateTrack computes the four processor verdicts and the overall verdict for one track.
func (e Engine) EvaluateTrack(rec *dq.CheckRecord, run int, track dq.Track) (TrackVerdict, error) {
	var tv TrackVerdict
	verdicts := make([]dq.Verdict, 0, len(dq.PhysicsProcessors))
	for _, p := range dq.PhysicsProcessors {
		pv, err := e.EvaluateProcessor(rec, p, track, run)
		if err != nil {
			return TrackVerdict{}, err
		}
		tv.set(p, pv.Verdict)
		tv.Details = append(tv.Details, pv)
		verdicts = append(verdicts, pv.Verdict)
	}
	tv.Overall = Aggregate(verdicts...)
	return tv, nil
}

// EvaluateProcessor applies the revision selected for (p, track, run).
func (e Engine) EvaluateProcessor(rec *dq.CheckRecord, p dq.Processor, track dq.Track, run int) (ProcessorVerdict, error) {
	rev, err := e.Catalog.Select(p, track, run)
	if err != nil {
		return ProcessorVerdict{}, fmt.Errorf("run %d: %w", run, err)
	}
	section, err := rec.Processor(p)
	if err != nil {
		return ProcessorVerdict{}, fmt.Errorf("run %d %s track: %w", run, track, err)
	}
	res, err := rev.Evaluate(section)
	if err != nil {
		return ProcessorVerdict{}, fmt.Errorf("run %d %s track, revision %s: %w", run, track, rev.ID, err)
	}
	return ProcessorVerdict{
		Processor: p,
		Revision:  rev.ID,
		Verdict:   res.Verdict,
		Failed:    res.Failed(),
	}, nil
}

// RunInput pairs a run number with its record; a nil Record means absent.
type RunInput struct {
	RunNumber int
	Record    *dq.CheckRecord
}

// RunOutcome is one entry of a batch evaluation.
type RunOutcome struct {
	Verdict RunVerdict
	Err     error
}

// EvaluateBatch evaluates runs concurrently with at most parallel workers.
// Outcomes keep the input order; per-run errors are reported in the outcome.
func (e Engine) EvaluateBatch(ctx context.Context, inputs []RunInput, parallel int) ([]RunOutcome, error) {
	if parallel <= 0 {
		parallel = 1
	}
	out := make([]RunOutcome, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, in := range inputs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			v, err := e.EvaluateRun(in.Record, in.RunNumber)
			out[i] = RunOutcome{Verdict: v, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}
