package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"testing"

	"bylawscan/internal/db"
	"bylawscan/internal/domain"
	"bylawscan/internal/migrate"
	"bylawscan/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	if err := r.InsertOrganization(context.Background(), domain.Organization{
		ID: "org-1", Name: "Springfield", CreatedAt: "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert org: %v", err)
	}
	return r
}

func seedDocument(t *testing.T, r repo.Repo, id, orgID string) domain.Document {
	t.Helper()
	d := domain.Document{
		ID:        id,
		OrgID:     orgID,
		Title:     "Zoning Bylaw " + id,
		SourceURL: "https://example.gov/bylaws/" + id,
		CreatedAt: "2026-01-01T00:00:00Z",
	}
	if err := r.InsertDocument(context.Background(), d); err != nil {
		t.Fatalf("insert doc %s: %v", id, err)
	}
	return d
}

func completeStage(t *testing.T, r repo.Repo, id string, stage domain.Stage) {
	t.Helper()
	out := repo.StageOutcome{Success: true}
	switch stage {
	case domain.StageDownload:
		out.RawBody = []byte("raw")
		out.ContentType = "text/plain"
	case domain.StageExtraction:
		out.Text = "accessory dwelling unit text"
	case domain.StageAnalysis:
		out.Analysis = &domain.Analysis{IsRelevant: true, Confidence: 0.5}
	}
	if err := r.TransitionStage(context.Background(), id, stage, out); err != nil {
		t.Fatalf("complete %s for %s: %v", stage, id, err)
	}
}

func TestTransitionStagePersistsPayloads(t *testing.T) {
	r := newTestRepo(t)
	seedDocument(t, r, "doc-1", "org-1")
	ctx := context.Background()

	completeStage(t, r, "doc-1", domain.StageDownload)
	completeStage(t, r, "doc-1", domain.StageExtraction)
	if err := r.TransitionStage(ctx, "doc-1", domain.StageAnalysis, repo.StageOutcome{
		Success: true,
		Analysis: &domain.Analysis{
			IsRelevant: true,
			Confidence: 0.667,
			Matches:    []domain.PhraseMatch{{Phrase: "accessory dwelling unit", Count: 2, Weight: 1.0}},
		},
	}); err != nil {
		t.Fatalf("analysis transition: %v", err)
	}

	doc, err := r.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get doc: %v", err)
	}
	if string(doc.RawBody) != "raw" || doc.ContentType != "text/plain" {
		t.Errorf("download payload not persisted: body=%q type=%q", doc.RawBody, doc.ContentType)
	}
	if doc.ExtractedText == nil || *doc.ExtractedText != "accessory dwelling unit text" {
		t.Errorf("extracted text not persisted: %v", doc.ExtractedText)
	}
	if doc.IsRelevant == nil || !*doc.IsRelevant {
		t.Error("expected is_relevant true")
	}
	if doc.RelevanceConfidence == nil || *doc.RelevanceConfidence != 0.667 {
		t.Errorf("confidence = %v, want 0.667", doc.RelevanceConfidence)
	}
	if doc.AnalysisExplanation == nil || *doc.AnalysisExplanation == "" {
		t.Error("expected analysis explanation JSON")
	}
	if doc.DownloadCompletedAt == nil || doc.ExtractionCompletedAt == nil || doc.AnalysisCompletedAt == nil {
		t.Error("expected completion timestamps on all stages")
	}
}

func TestTransitionStageFailureRecordsError(t *testing.T) {
	r := newTestRepo(t)
	seedDocument(t, r, "doc-1", "org-1")
	ctx := context.Background()

	if err := r.TransitionStage(ctx, "doc-1", domain.StageDownload, repo.StageOutcome{
		ErrorMessage: "HTTP 404",
	}); err != nil {
		t.Fatalf("fail transition: %v", err)
	}
	doc, err := r.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get doc: %v", err)
	}
	if doc.DownloadStatus != domain.StageFailed {
		t.Errorf("download status = %s, want failed", doc.DownloadStatus)
	}
	if doc.DownloadError == nil || *doc.DownloadError != "HTTP 404" {
		t.Errorf("download error = %v, want HTTP 404", doc.DownloadError)
	}
	if len(doc.RawBody) != 0 {
		t.Error("failed download must not store a body")
	}
}

func TestTransitionStageGuards(t *testing.T) {
	r := newTestRepo(t)
	seedDocument(t, r, "doc-1", "org-1")
	ctx := context.Background()

	completeStage(t, r, "doc-1", domain.StageDownload)

	// A completed stage is not a legal source state.
	err := r.TransitionStage(ctx, "doc-1", domain.StageDownload, repo.StageOutcome{Success: true, RawBody: []byte("again")})
	if !errors.Is(err, repo.ErrInvalidStageTransition) {
		t.Errorf("re-complete: err = %v, want ErrInvalidStageTransition", err)
	}

	err = r.TransitionStage(ctx, "missing", domain.StageDownload, repo.StageOutcome{Success: true})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("unknown doc: err = %v, want ErrNotFound", err)
	}
}

func TestMarkStageProcessingIsSingleClaim(t *testing.T) {
	r := newTestRepo(t)
	seedDocument(t, r, "doc-1", "org-1")
	ctx := context.Background()

	if err := r.MarkStageProcessing(ctx, "doc-1", domain.StageDownload); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	doc, _ := r.GetDocument(ctx, "doc-1")
	if doc.DownloadStatus != domain.StageProcessing {
		t.Fatalf("download status = %s, want processing", doc.DownloadStatus)
	}

	err := r.MarkStageProcessing(ctx, "doc-1", domain.StageDownload)
	if !errors.Is(err, repo.ErrInvalidStageTransition) {
		t.Errorf("second claim: err = %v, want ErrInvalidStageTransition", err)
	}
}

func TestEligibleDocumentsGatesOnPrecedingStage(t *testing.T) {
	r := newTestRepo(t)
	seedDocument(t, r, "doc-raw", "org-1")
	seedDocument(t, r, "doc-downloaded", "org-1")
	completeStage(t, r, "doc-downloaded", domain.StageDownload)
	ctx := context.Background()

	docs, err := r.EligibleDocuments(ctx, domain.StageExtraction, repo.EligibilityFilter{})
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "doc-downloaded" {
		t.Fatalf("extraction eligibility = %v, want only doc-downloaded", ids(docs))
	}

	// First stage has no gate: both pending downloads are schedulable.
	docs, err = r.EligibleDocuments(ctx, domain.StageDownload, repo.EligibilityFilter{})
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "doc-raw" {
		t.Fatalf("download eligibility = %v, want only doc-raw", ids(docs))
	}
}

func TestEligibleDocumentsStatusAndOrgFilters(t *testing.T) {
	r := newTestRepo(t)
	if err := r.InsertOrganization(context.Background(), domain.Organization{
		ID: "org-2", Name: "Shelbyville", CreatedAt: "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert org: %v", err)
	}
	seedDocument(t, r, "doc-pending", "org-1")
	seedDocument(t, r, "doc-failed", "org-1")
	seedDocument(t, r, "doc-done", "org-1")
	seedDocument(t, r, "doc-other", "org-2")
	ctx := context.Background()

	if err := r.TransitionStage(ctx, "doc-failed", domain.StageDownload, repo.StageOutcome{ErrorMessage: "boom"}); err != nil {
		t.Fatalf("fail doc: %v", err)
	}
	completeStage(t, r, "doc-done", domain.StageDownload)

	cases := []struct {
		name   string
		filter repo.EligibilityFilter
		want   []string
	}{
		{"pending only", repo.EligibilityFilter{}, []string{"doc-other", "doc-pending"}},
		{"with failed", repo.EligibilityFilter{IncludeFailed: true}, []string{"doc-failed", "doc-other", "doc-pending"}},
		{"with completed", repo.EligibilityFilter{IncludeCompleted: true}, []string{"doc-done", "doc-other", "doc-pending"}},
		{"org scoped", repo.EligibilityFilter{OrgIDs: []string{"org-2"}, IncludeFailed: true}, []string{"doc-other"}},
	}
	for _, tc := range cases {
		docs, err := r.EligibleDocuments(ctx, domain.StageDownload, tc.filter)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		got := ids(docs)
		if !equal(sorted(got), tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestResetStageReschedulesOnlyListedStatuses(t *testing.T) {
	r := newTestRepo(t)
	seedDocument(t, r, "doc-failed", "org-1")
	seedDocument(t, r, "doc-done", "org-1")
	ctx := context.Background()

	if err := r.TransitionStage(ctx, "doc-failed", domain.StageDownload, repo.StageOutcome{ErrorMessage: "timeout"}); err != nil {
		t.Fatalf("fail doc: %v", err)
	}
	completeStage(t, r, "doc-done", domain.StageDownload)

	err := r.ResetStage(ctx, domain.StageDownload, []string{"doc-failed", "doc-done"}, []domain.StageStatus{domain.StageFailed})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}

	failed, _ := r.GetDocument(ctx, "doc-failed")
	if failed.DownloadStatus != domain.StagePending {
		t.Errorf("failed doc status = %s, want pending", failed.DownloadStatus)
	}
	if failed.DownloadError != nil || failed.DownloadCompletedAt != nil {
		t.Error("reset must clear the previous outcome")
	}
	done, _ := r.GetDocument(ctx, "doc-done")
	if done.DownloadStatus != domain.StageCompleted {
		t.Errorf("completed doc status = %s, want completed (not in from set)", done.DownloadStatus)
	}
}

func TestJobStageDocumentsRestrictedToSnapshot(t *testing.T) {
	r := newTestRepo(t)
	seedDocument(t, r, "doc-in", "org-1")
	seedDocument(t, r, "doc-out", "org-1")
	ctx := context.Background()

	job := domain.Job{
		ID:        "job-1",
		Operation: domain.OpDownloadAll,
		TargetOrgs: []string{
			domain.TargetAll,
		},
		Priority:  domain.PriorityNormal,
		Options:   domain.JobOptions{SkipExisting: true, BatchSize: 10},
		Status:    domain.JobQueued,
		CreatedAt: "2026-01-02T00:00:00Z",
	}
	withTx(t, r.DB, func(tx *sql.Tx) error {
		if err := r.InsertJob(ctx, tx, job); err != nil {
			return err
		}
		return r.SnapshotJobDocuments(ctx, tx, job.ID, []string{"doc-in"})
	})

	docs, err := r.JobStageDocuments(ctx, job.ID, domain.StageDownload)
	if err != nil {
		t.Fatalf("stage docs: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "doc-in" {
		t.Fatalf("stage docs = %v, want only doc-in", ids(docs))
	}

	all, err := r.JobDocuments(ctx, job.ID)
	if err != nil {
		t.Fatalf("job docs: %v", err)
	}
	if len(all) != 1 || all[0].ID != "doc-in" {
		t.Fatalf("job docs = %v, want only doc-in", ids(all))
	}
}

func TestListDocumentsFilters(t *testing.T) {
	r := newTestRepo(t)
	seedDocument(t, r, "doc-1", "org-1")
	seedDocument(t, r, "doc-2", "org-1")
	ctx := context.Background()

	completeStage(t, r, "doc-1", domain.StageDownload)
	completeStage(t, r, "doc-1", domain.StageExtraction)
	completeStage(t, r, "doc-1", domain.StageAnalysis)

	relevant := true
	docs, err := r.ListDocuments(ctx, repo.DocumentFilters{Relevant: &relevant})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "doc-1" {
		t.Fatalf("relevant filter = %v, want only doc-1", ids(docs))
	}

	docs, err = r.ListDocuments(ctx, repo.DocumentFilters{Stage: domain.StageDownload, Status: domain.StagePending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "doc-2" {
		t.Fatalf("stage filter = %v, want only doc-2", ids(docs))
	}
}

func TestFinalizeJobRequiresTerminalStatus(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	job := domain.Job{
		ID:         "job-1",
		Operation:  domain.OpFullPipeline,
		TargetOrgs: []string{domain.TargetAll},
		Priority:   domain.PriorityNormal,
		Options:    domain.JobOptions{SkipExisting: true, BatchSize: 10},
		Status:     domain.JobQueued,
		CreatedAt:  "2026-01-02T00:00:00Z",
	}
	withTx(t, r.DB, func(tx *sql.Tx) error {
		return r.InsertJob(ctx, tx, job)
	})

	if err := r.FinalizeJob(ctx, job.ID, domain.JobRunning, "", "2026-01-02T00:01:00Z"); err == nil {
		t.Error("finalize to running must be rejected")
	}
	if err := r.FinalizeJob(ctx, job.ID, domain.JobCompleted, "", "2026-01-02T00:01:00Z"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	// Terminal jobs never change status again.
	err := r.FinalizeJob(ctx, job.ID, domain.JobFailed, "late failure", "2026-01-02T00:02:00Z")
	if !errors.Is(err, repo.ErrConflict) {
		t.Errorf("re-finalize: err = %v, want ErrConflict", err)
	}
}

func withTx(t *testing.T, conn *sql.DB, fn func(*sql.Tx) error) {
	t.Helper()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func ids(docs []domain.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
