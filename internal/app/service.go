package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"runselect/internal/domain"
	"runselect/internal/dq"
	"runselect/internal/engine"
	"runselect/internal/events"
	"runselect/internal/logging"
	"runselect/internal/lowlevel"
	"runselect/internal/report"
	"runselect/internal/repo"
)

// Service ties the engine to the workspace store.
type Service struct {
	Repo     repo.Repo
	Events   events.Writer
	Engine   engine.Engine
	Parallel int
	Now      func() time.Time
	Log      *slog.Logger
}

func (s Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s Service) log() *slog.Logger {
	if s.Log == nil {
		return logging.New("app")
	}
	return s.Log
}

// ThresholdSet names the thresholds the engine was built with.
func (s Service) ThresholdSet() string {
	return s.Engine.Catalog.Thresholds().Set
}

// DocumentInput is one DQ document as written by the DQ processors.
type DocumentInput struct {
	Run      int                        `json:"run,omitempty"`
	DocID    string                     `json:"_id,omitempty"`
	RunRange []int                      `json:"run_range,omitempty"`
	Checks   map[dq.Processor]dq.Checks `json:"checks"`
}

// RunNumber is Run when set, else the start of run_range.
func (d DocumentInput) RunNumber() (int, error) {
	if d.Run > 0 {
		return d.Run, nil
	}
	if len(d.RunRange) > 0 && d.RunRange[0] > 0 {
		return d.RunRange[0], nil
	}
	return 0, errors.New("document has neither run nor run_range")
}

// Record validates the document and returns its CheckRecord.
func (d DocumentInput) Record() (*dq.CheckRecord, error) {
	rec := &dq.CheckRecord{RunRange: d.RunRange, Checks: d.Checks}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// RunStateInput is one RUN table row.
type RunStateInput struct {
	Run     int    `json:"run"`
	RunType uint32 `json:"runtype"`
}

// DQLLInput is one DQLL table row.
type DQLLInput struct {
	Run int `json:"run"`
	lowlevel.DQLL
}

// ParseList decodes either a JSON array of T or a single T.
func ParseList[T any](data []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty input")
	}
	if trimmed[0] == '[' {
		var out []T
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var one T
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

func (s Service) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ImportDocuments stores every document or none.
func (s Service) ImportDocuments(ctx context.Context, docs []DocumentInput, actorID string) (int, error) {
	ts := s.now().UTC().Format(time.RFC3339)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for i, d := range docs {
			run, err := d.RunNumber()
			if err != nil {
				return fmt.Errorf("document %d: %w", i, err)
			}
			rec, err := d.Record()
			if err != nil {
				return fmt.Errorf("document for run %d: %w", run, err)
			}
			if err := s.putDocument(ctx, tx, run, d.DocID, rec, ts, actorID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.log().Info("documents imported", "count", len(docs))
	return len(docs), nil
}

// PutDocument stores rec as the document of run, replacing any previous one.
func (s Service) PutDocument(ctx context.Context, run int, docID string, rec *dq.CheckRecord, actorID string) (domain.RunDocument, error) {
	if err := rec.Validate(); err != nil {
		return domain.RunDocument{}, err
	}
	ts := s.now().UTC().Format(time.RFC3339)
	if err := s.inTx(ctx, func(tx *sql.Tx) error {
		return s.putDocument(ctx, tx, run, docID, rec, ts, actorID)
	}); err != nil {
		return domain.RunDocument{}, err
	}
	return s.Repo.GetDocument(ctx, run)
}

func (s Service) putDocument(ctx context.Context, tx *sql.Tx, run int, docID string, rec *dq.CheckRecord, ts, actorID string) error {
	checks, err := json.Marshal(rec.Checks)
	if err != nil {
		return fmt.Errorf("marshal checks of run %d: %w", run, err)
	}
	doc := domain.RunDocument{Run: run, DocID: docID, ChecksJSON: string(checks), ImportedAt: ts}
	if len(rec.RunRange) > 0 {
		rr, _ := json.Marshal(rec.RunRange)
		doc.RunRangeJSON = string(rr)
	}
	if err := s.Repo.UpsertDocumentTx(ctx, tx, doc); err != nil {
		return fmt.Errorf("store document of run %d: %w", run, err)
	}
	return s.Events.Append(ctx, tx, events.DocumentImported, events.KindRun, fmt.Sprint(run), actorID, events.EventPayload{
		"doc_id":     docID,
		"processors": rec.ProcessorNames(),
	})
}

func (s Service) ImportRunStates(ctx context.Context, rows []RunStateInput, actorID string) (int, error) {
	ts := s.now().UTC().Format(time.RFC3339)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			if r.Run <= 0 {
				return fmt.Errorf("run state with invalid run %d", r.Run)
			}
			if err := s.Repo.UpsertRunStateTx(ctx, tx, domain.RunState{Run: r.Run, RunType: r.RunType, ImportedAt: ts}); err != nil {
				return fmt.Errorf("store run state of run %d: %w", r.Run, err)
			}
			if err := s.Events.Append(ctx, tx, events.RunStateImported, events.KindRun, fmt.Sprint(r.Run), actorID,
				events.EventPayload{"runtype": r.RunType}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s Service) ImportDQLL(ctx context.Context, rows []DQLLInput, actorID string) (int, error) {
	ts := s.now().UTC().Format(time.RFC3339)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			if r.Run <= 0 {
				return fmt.Errorf("dqll row with invalid run %d", r.Run)
			}
			if err := r.DQLL.Validate(); err != nil {
				return fmt.Errorf("dqll row of run %d: %w", r.Run, err)
			}
			data, err := json.Marshal(r.DQLL)
			if err != nil {
				return err
			}
			if err := s.Repo.UpsertDQLLTx(ctx, tx, domain.DQLLTable{Run: r.Run, DataJSON: string(data), ImportedAt: ts}); err != nil {
				return fmt.Errorf("store dqll of run %d: %w", r.Run, err)
			}
			if err := s.Events.Append(ctx, tx, events.DQLLImported, events.KindRun, fmt.Sprint(r.Run), actorID, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// LoadRecord returns the stored record of run, or nil when there is none.
func (s Service) LoadRecord(ctx context.Context, run int) (*dq.CheckRecord, error) {
	doc, err := s.Repo.GetDocument(ctx, run)
	if errors.Is(err, repo.ErrNotFound) {
		s.log().Warn("DQHL results not present", "run", run)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := &dq.CheckRecord{}
	if err := json.Unmarshal([]byte(doc.ChecksJSON), &rec.Checks); err != nil {
		return nil, fmt.Errorf("stored document of run %d: %w", run, err)
	}
	if doc.RunRangeJSON != "" {
		if err := json.Unmarshal([]byte(doc.RunRangeJSON), &rec.RunRange); err != nil {
			return nil, fmt.Errorf("stored run range of run %d: %w", run, err)
		}
	}
	return rec, rec.Validate()
}

// LoadLowLevel runs the run-level checks on the stored RUN and DQLL tables.
func (s Service) LoadLowLevel(ctx context.Context, run int) (lowlevel.Result, error) {
	var rt *lowlevel.RunTable
	st, err := s.Repo.GetRunState(ctx, run)
	switch {
	case err == nil:
		rt = &lowlevel.RunTable{RunType: st.RunType}
	case !errors.Is(err, repo.ErrNotFound):
		return lowlevel.Result{}, err
	}
	var dqll *lowlevel.DQLL
	row, err := s.Repo.GetDQLL(ctx, run)
	switch {
	case err == nil:
		dqll = &lowlevel.DQLL{}
		if err := json.Unmarshal([]byte(row.DataJSON), dqll); err != nil {
			return lowlevel.Result{}, fmt.Errorf("stored dqll of run %d: %w", run, err)
		}
	case !errors.Is(err, repo.ErrNotFound):
		return lowlevel.Result{}, err
	}
	res, err := lowlevel.Check(rt, dqll)
	if err != nil {
		return lowlevel.Result{}, fmt.Errorf("stored dqll of run %d: %w", run, err)
	}
	return res, nil
}

// Outcome is one evaluated and persisted run.
type Outcome struct {
	Verdict    engine.RunVerdict `json:"verdict"`
	LowLevel   lowlevel.Result   `json:"lowlevel"`
	Evaluation domain.Evaluation `json:"evaluation"`
	Record     *dq.CheckRecord   `json:"-"`
}

// Row is the run-list row of the outcome.
func (o Outcome) Row() report.Row {
	return report.Row{Run: o.Verdict.RunNumber, LowLevel: o.LowLevel, Verdict: o.Verdict, Record: o.Record}
}

// EvaluateStored evaluates the stored document of run and records the result.
func (s Service) EvaluateStored(ctx context.Context, run int, actorID string) (Outcome, error) {
	out, err := s.evaluate(ctx, run)
	if err != nil {
		return Outcome{}, err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		return s.record(ctx, tx, &out, actorID)
	})
	return out, err
}

// Evaluate evaluates the stored tables of run without recording the result.
func (s Service) Evaluate(ctx context.Context, run int) (Outcome, error) {
	return s.evaluate(ctx, run)
}

func (s Service) evaluate(ctx context.Context, run int) (Outcome, error) {
	rec, ll, err := s.load(ctx, run)
	if err != nil {
		return Outcome{}, err
	}
	v, err := s.Engine.EvaluateRun(rec, run)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Verdict: v, LowLevel: ll, Record: rec}, nil
}

func (s Service) load(ctx context.Context, run int) (*dq.CheckRecord, lowlevel.Result, error) {
	rec, err := s.LoadRecord(ctx, run)
	if err != nil {
		return nil, lowlevel.Result{}, err
	}
	ll, err := s.LoadLowLevel(ctx, run)
	if err != nil {
		return nil, lowlevel.Result{}, err
	}
	return rec, ll, nil
}

func (s Service) nonPhysics(rec *dq.CheckRecord, ll lowlevel.Result) bool {
	return ll.Skip || rec != nil && !s.Engine.ClassifyPhysicsRun(rec)
}

func (s Service) record(ctx context.Context, tx *sql.Tx, out *Outcome, actorID string) error {
	ev, err := s.newEvaluation(out.Verdict, out.LowLevel)
	if err != nil {
		return err
	}
	if err := s.Repo.InsertEvaluationTx(ctx, tx, ev); err != nil {
		return fmt.Errorf("store evaluation of run %d: %w", ev.Run, err)
	}
	out.Evaluation = ev
	s.log().Debug("run evaluated", "run", ev.Run, "original", ev.OriginalOverall, "amended", ev.AmendedOverall)
	return s.Events.Append(ctx, tx, events.RunEvaluated, events.KindRun, fmt.Sprint(ev.Run), actorID, events.EventPayload{
		"evaluation_id": ev.ID,
		"physics":       ev.Physics,
		"original":      ev.OriginalOverall,
		"amended":       ev.AmendedOverall,
		"thresholds":    ev.Thresholds,
	})
}

func (s Service) newEvaluation(v engine.RunVerdict, ll lowlevel.Result) (domain.Evaluation, error) {
	orig, err := json.Marshal(v.Original)
	if err != nil {
		return domain.Evaluation{}, err
	}
	amended, err := json.Marshal(v.Amended)
	if err != nil {
		return domain.Evaluation{}, err
	}
	low, err := json.Marshal(ll)
	if err != nil {
		return domain.Evaluation{}, err
	}
	ts := s.now().UTC().Format(time.RFC3339Nano)
	th := s.ThresholdSet()
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("runselect:evaluation:%d:%s:%s", v.RunNumber, th, ts)))
	return domain.Evaluation{
		ID:              id.String(),
		Run:             v.RunNumber,
		Physics:         v.IsPhysicsRun,
		OriginalOverall: string(v.Original.Overall),
		AmendedOverall:  string(v.Amended.Overall),
		OriginalJSON:    string(orig),
		AmendedJSON:     string(amended),
		LowLevelJSON:    string(low),
		Thresholds:      th,
		EvaluatedAt:     ts,
	}, nil
}

// VerdictOf rebuilds the run verdict stored in e.
func VerdictOf(e domain.Evaluation) (engine.RunVerdict, error) {
	v := engine.RunVerdict{RunNumber: e.Run, IsPhysicsRun: e.Physics}
	if err := json.Unmarshal([]byte(e.OriginalJSON), &v.Original); err != nil {
		return v, fmt.Errorf("evaluation %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(e.AmendedJSON), &v.Amended); err != nil {
		return v, fmt.Errorf("evaluation %s: %w", e.ID, err)
	}
	return v, nil
}

// RunError is a run whose evaluation failed.
type RunError struct {
	Run int
	Err error
}

func (e RunError) Error() string { return fmt.Sprintf("run %d: %v", e.Run, e.Err) }
func (e RunError) Unwrap() error { return e.Err }

// RangeResult lists the evaluated runs in run order.
type RangeResult struct {
	Outcomes []Outcome
	Skipped  []int
	Errors   []RunError
}

// Err joins the per-run errors.
func (r RangeResult) Err() error {
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

type rangeSlot struct {
	run     int
	rec     *dq.CheckRecord
	ll      lowlevel.Result
	verdict engine.RunVerdict
	skip    bool
	err     error
}

// EvaluateRange evaluates every run number in [first,last] and records all
// results in a single transaction. Runs the RUN table or the document mark as
// non-physics are skipped; runs with no stored tables are evaluated as
// Unavailable. Verdicts are computed with up to Parallel workers. Per-run
// failures are reported in RangeResult.Errors.
func (s Service) EvaluateRange(ctx context.Context, first, last int, actorID string) (RangeResult, error) {
	if first > last {
		return RangeResult{}, fmt.Errorf("first run %d is after last run %d", first, last)
	}
	slots := make([]rangeSlot, 0, last-first+1)
	var inputs []engine.RunInput
	var pending []int
	for run := first; run <= last; run++ {
		if err := ctx.Err(); err != nil {
			return RangeResult{}, err
		}
		slot := rangeSlot{run: run}
		slot.rec, slot.ll, slot.err = s.load(ctx, run)
		if slot.err == nil {
			slot.skip = s.nonPhysics(slot.rec, slot.ll)
			if !slot.skip {
				pending = append(pending, len(slots))
				inputs = append(inputs, engine.RunInput{RunNumber: run, Record: slot.rec})
			}
		}
		slots = append(slots, slot)
	}
	outs, err := s.Engine.EvaluateBatch(ctx, inputs, s.Parallel)
	if err != nil {
		return RangeResult{}, err
	}
	for i, o := range outs {
		slot := &slots[pending[i]]
		slot.verdict, slot.err = o.Verdict, o.Err
	}

	var res RangeResult
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		for _, slot := range slots {
			switch {
			case slot.err != nil:
				res.Errors = append(res.Errors, RunError{Run: slot.run, Err: slot.err})
			case slot.skip:
				res.Skipped = append(res.Skipped, slot.run)
			default:
				out := Outcome{Verdict: slot.verdict, LowLevel: slot.ll, Record: slot.rec}
				if err := s.record(ctx, tx, &out, actorID); err != nil {
					return err
				}
				res.Outcomes = append(res.Outcomes, out)
			}
		}
		return nil
	})
	if err != nil {
		return RangeResult{}, err
	}
	s.log().Info("run range evaluated", "first", first, "last", last,
		"evaluated", len(res.Outcomes), "skipped", len(res.Skipped), "errors", len(res.Errors))
	return res, nil
}

// Stats tallies the latest evaluation of every run in [first,last]. Known
// runs without an evaluation count as skipped.
func (s Service) Stats(ctx context.Context, first, last int) (*report.Stats, error) {
	evals, err := s.Repo.LatestEvaluations(ctx, first, last)
	if err != nil {
		return nil, err
	}
	known, err := s.Repo.ListKnownRuns(ctx, first, last)
	if err != nil {
		return nil, err
	}
	st := report.NewStats()
	evaluated := make(map[int]bool, len(evals))
	for _, e := range evals {
		v, err := VerdictOf(e)
		if err != nil {
			return nil, err
		}
		evaluated[e.Run] = true
		st.Add(v)
	}
	for _, run := range known {
		if !evaluated[run] {
			st.Skip()
		}
	}
	return st, nil
}
