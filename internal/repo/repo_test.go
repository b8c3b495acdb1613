package repo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"runselect/internal/db"
	"runselect/internal/domain"
	"runselect/internal/migrate"
	"runselect/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestDocumentUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	if _, err := r.GetDocument(ctx, 100500); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	doc := domain.RunDocument{Run: 100500, DocID: "a", ChecksJSON: `{}`, ImportedAt: "2017-06-20T00:00:00Z"}
	if err := r.UpsertDocumentTx(ctx, nil, doc); err != nil {
		t.Fatalf("insert: %v", err)
	}
	doc.DocID, doc.ChecksJSON = "b", `{"x":1}`
	if err := r.UpsertDocumentTx(ctx, nil, doc); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := r.GetDocument(ctx, 100500)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(doc, got); diff != "" {
		t.Errorf("document (-want +got):\n%s", diff)
	}
}

func TestKnownRunsUnion(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	ts := "2017-06-20T00:00:00Z"
	must(t, r.UpsertDocumentTx(ctx, nil, domain.RunDocument{Run: 3, ChecksJSON: `{}`, ImportedAt: ts}))
	must(t, r.UpsertRunStateTx(ctx, nil, domain.RunState{Run: 1, RunType: 0x4, ImportedAt: ts}))
	must(t, r.UpsertDQLLTx(ctx, nil, domain.DQLLTable{Run: 2, DataJSON: `{}`, ImportedAt: ts}))
	must(t, r.UpsertRunStateTx(ctx, nil, domain.RunState{Run: 3, RunType: 0x8000004, ImportedAt: ts}))
	must(t, r.UpsertRunStateTx(ctx, nil, domain.RunState{Run: 9, RunType: 0, ImportedAt: ts}))

	runs, err := r.ListKnownRuns(ctx, 1, 5)
	if err != nil {
		t.Fatalf("known runs: %v", err)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, runs); diff != "" {
		t.Errorf("known runs (-want +got):\n%s", diff)
	}
	st, err := r.GetRunState(ctx, 3)
	if err != nil || st.RunType != 0x8000004 {
		t.Errorf("run state = %+v, %v", st, err)
	}
}

func TestLatestEvaluations(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	for _, e := range []domain.Evaluation{
		{ID: "a", Run: 10, OriginalOverall: "fail", AmendedOverall: "fail", EvaluatedAt: "2017-06-01T00:00:00Z"},
		{ID: "b", Run: 10, OriginalOverall: "fail", AmendedOverall: "pass", EvaluatedAt: "2017-06-02T00:00:00Z"},
		{ID: "c", Run: 11, OriginalOverall: "pass", AmendedOverall: "pass", EvaluatedAt: "2017-06-01T00:00:00Z"},
		{ID: "d", Run: 20, OriginalOverall: "pass", AmendedOverall: "pass", EvaluatedAt: "2017-06-01T00:00:00Z"},
	} {
		e.OriginalJSON, e.AmendedJSON, e.Thresholds = "{}", "{}", "2017-06-19"
		must(t, r.InsertEvaluationTx(ctx, nil, e))
	}
	latest, err := r.LatestEvaluations(ctx, 10, 15)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	var ids []string
	for _, e := range latest {
		ids = append(ids, e.ID)
	}
	if diff := cmp.Diff([]string{"b", "c"}, ids); diff != "" {
		t.Errorf("latest ids (-want +got):\n%s", diff)
	}
	one, err := r.LatestEvaluation(ctx, 10)
	if err != nil || one.ID != "b" {
		t.Errorf("latest for run 10 = %+v, %v", one, err)
	}
	if _, err := r.LatestEvaluation(ctx, 99); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	key := domain.APIKey{ID: "k1", ActorID: "runlist-cron", Role: "shifter", KeyHash: repo.HashAPIKey(" secret ")}
	must(t, r.InsertAPIKey(ctx, nil, key))
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret"))
	if err != nil || got.ActorID != "runlist-cron" || got.Role != "shifter" {
		t.Fatalf("by hash = %+v, %v", got, err)
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k2", ActorID: "x", KeyHash: "h"}); err == nil {
		t.Error("expected role required")
	}
	must(t, r.DeleteAPIKey(ctx, nil, "k1"))
	if err := r.DeleteAPIKey(ctx, nil, "k1"); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
	keys, err := r.ListAPIKeys(ctx, "")
	if err != nil || len(keys) != 0 {
		t.Errorf("keys = %v, %v", keys, err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
