package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"runselect/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// execer runs on tx when given, otherwise directly on the db.
func (r Repo) execer(tx *sql.Tx) func(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext
	}
	return r.DB.ExecContext
}

func (r Repo) UpsertDocumentTx(ctx context.Context, tx *sql.Tx, d domain.RunDocument) error {
	_, err := r.execer(tx)(ctx, `INSERT INTO dq_documents(run,doc_id,checks_json,run_range_json,imported_at) VALUES (?,?,?,?,?)
ON CONFLICT(run) DO UPDATE SET doc_id=excluded.doc_id, checks_json=excluded.checks_json, run_range_json=excluded.run_range_json, imported_at=excluded.imported_at`,
		d.Run, nullable(d.DocID), d.ChecksJSON, nullable(d.RunRangeJSON), d.ImportedAt)
	return err
}

func (r Repo) GetDocument(ctx context.Context, run int) (domain.RunDocument, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT run,COALESCE(doc_id,''),checks_json,COALESCE(run_range_json,''),imported_at FROM dq_documents WHERE run=?`, run)
	var d domain.RunDocument
	err := row.Scan(&d.Run, &d.DocID, &d.ChecksJSON, &d.RunRangeJSON, &d.ImportedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

// ListKnownRuns returns the runs in [first,last] with any imported table.
func (r Repo) ListKnownRuns(ctx context.Context, first, last int) ([]int, error) {
	return r.listRuns(ctx, `SELECT run FROM dq_documents WHERE run BETWEEN ?1 AND ?2
UNION SELECT run FROM run_state WHERE run BETWEEN ?1 AND ?2
UNION SELECT run FROM dqll WHERE run BETWEEN ?1 AND ?2
ORDER BY run`, first, last)
}

func (r Repo) listRuns(ctx context.Context, query string, args ...any) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []int
	for rows.Next() {
		var run int
		if err := rows.Scan(&run); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r Repo) UpsertRunStateTx(ctx context.Context, tx *sql.Tx, s domain.RunState) error {
	_, err := r.execer(tx)(ctx, `INSERT INTO run_state(run,run_type,imported_at) VALUES (?,?,?)
ON CONFLICT(run) DO UPDATE SET run_type=excluded.run_type, imported_at=excluded.imported_at`,
		s.Run, int64(s.RunType), s.ImportedAt)
	return err
}

func (r Repo) GetRunState(ctx context.Context, run int) (domain.RunState, error) {
	var s domain.RunState
	var runType int64
	err := r.DB.QueryRowContext(ctx, `SELECT run,run_type,imported_at FROM run_state WHERE run=?`, run).
		Scan(&s.Run, &runType, &s.ImportedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.RunType = uint32(runType)
	return s, err
}

func (r Repo) UpsertDQLLTx(ctx context.Context, tx *sql.Tx, d domain.DQLLTable) error {
	_, err := r.execer(tx)(ctx, `INSERT INTO dqll(run,data_json,imported_at) VALUES (?,?,?)
ON CONFLICT(run) DO UPDATE SET data_json=excluded.data_json, imported_at=excluded.imported_at`,
		d.Run, d.DataJSON, d.ImportedAt)
	return err
}

func (r Repo) GetDQLL(ctx context.Context, run int) (domain.DQLLTable, error) {
	var d domain.DQLLTable
	err := r.DB.QueryRowContext(ctx, `SELECT run,data_json,imported_at FROM dqll WHERE run=?`, run).
		Scan(&d.Run, &d.DataJSON, &d.ImportedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) InsertEvaluationTx(ctx context.Context, tx *sql.Tx, e domain.Evaluation) error {
	_, err := r.execer(tx)(ctx, `INSERT INTO evaluations(id,run,physics,original_overall,amended_overall,original_json,amended_json,lowlevel_json,thresholds,evaluated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET evaluated_at=excluded.evaluated_at`,
		e.ID, e.Run, e.Physics, e.OriginalOverall, e.AmendedOverall, e.OriginalJSON, e.AmendedJSON,
		nullable(e.LowLevelJSON), e.Thresholds, e.EvaluatedAt)
	return err
}

const evaluationColumns = `id,run,physics,original_overall,amended_overall,original_json,amended_json,COALESCE(lowlevel_json,''),thresholds,evaluated_at`

func scanEvaluations(rows *sql.Rows) ([]domain.Evaluation, error) {
	defer rows.Close()
	var res []domain.Evaluation
	for rows.Next() {
		var e domain.Evaluation
		if err := rows.Scan(&e.ID, &e.Run, &e.Physics, &e.OriginalOverall, &e.AmendedOverall,
			&e.OriginalJSON, &e.AmendedJSON, &e.LowLevelJSON, &e.Thresholds, &e.EvaluatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListEvaluations returns the evaluations of a run, newest first.
func (r Repo) ListEvaluations(ctx context.Context, run, limit int) ([]domain.Evaluation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM evaluations WHERE run=? ORDER BY evaluated_at DESC, id DESC LIMIT ?`, evaluationColumns), run, limit)
	if err != nil {
		return nil, err
	}
	return scanEvaluations(rows)
}

// LatestEvaluation returns the newest evaluation of a run.
func (r Repo) LatestEvaluation(ctx context.Context, run int) (domain.Evaluation, error) {
	evals, err := r.ListEvaluations(ctx, run, 1)
	if err != nil {
		return domain.Evaluation{}, err
	}
	if len(evals) == 0 {
		return domain.Evaluation{}, ErrNotFound
	}
	return evals[0], nil
}

// LatestEvaluations returns the newest evaluation of every run in [first,last], by run.
func (r Repo) LatestEvaluations(ctx context.Context, first, last int) ([]domain.Evaluation, error) {
	query := fmt.Sprintf(`SELECT %s FROM evaluations e WHERE run BETWEEN ? AND ?
AND id = (SELECT id FROM evaluations x WHERE x.run=e.run ORDER BY evaluated_at DESC, id DESC LIMIT 1)
ORDER BY run`, evaluationColumns)
	rows, err := r.DB.QueryContext(ctx, query, first, last)
	if err != nil {
		return nil, err
	}
	return scanEvaluations(rows)
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

// LatestEventsFrom returns events older than cursor, newest first; cursor 0 starts at the newest.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
