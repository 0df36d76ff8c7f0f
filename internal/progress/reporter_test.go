package progress_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"bylawscan/internal/db"
	"bylawscan/internal/domain"
	"bylawscan/internal/migrate"
	"bylawscan/internal/progress"
	"bylawscan/internal/repo"
)

func newTestReporter(t *testing.T, total int) (progress.Reporter, string) {
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
	ctx := context.Background()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	job := domain.Job{
		ID:              "job-1",
		Operation:       domain.OpFullPipeline,
		TargetOrgs:      []string{domain.TargetAll},
		Priority:        domain.PriorityNormal,
		Options:         domain.JobOptions{SkipExisting: true, BatchSize: 25},
		Status:          domain.JobQueued,
		TotalOperations: total,
		CreatedAt:       "2026-01-01T00:00:00Z",
	}
	if err := r.InsertJob(ctx, tx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	if err := r.InsertProgress(ctx, tx, domain.ProgressSnapshot{
		JobID:           "job-1",
		StartTime:       "2026-01-01T00:00:00Z",
		TotalOperations: total,
		UpdatedAt:       "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert progress: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return progress.Reporter{Repo: r}, "job-1"
}

func TestReadWithoutCompletionsHasNoEstimate(t *testing.T) {
	rep, jobID := newTestReporter(t, 30)
	snap, err := rep.Read(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if snap.EstimatedSecondsRemaining != nil {
		t.Fatal("estimate must be absent before any completed operation")
	}
	if snap.TotalOperations != 30 || snap.CompletedOperations != 0 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
}

func TestRecordAccumulatesPerStageCounts(t *testing.T) {
	rep, jobID := newTestReporter(t, 9)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := rep.Record(ctx, jobID, domain.StageDownload, true); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := rep.Record(ctx, jobID, domain.StageDownload, false); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := rep.Record(ctx, jobID, domain.StageExtraction, true); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := rep.Record(ctx, jobID, domain.StageAnalysis, false); err != nil {
		t.Fatalf("Record: %v", err)
	}

	snap, err := rep.Read(ctx, jobID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if snap.CompletedOperations != 6 {
		t.Fatalf("expected 6 completed operations, got %d", snap.CompletedOperations)
	}
	if snap.Downloads.Succeeded != 3 || snap.Downloads.Failed != 1 {
		t.Fatalf("download counts wrong: %+v", snap.Downloads)
	}
	if snap.Extractions.Succeeded != 1 || snap.Analyses.Failed != 1 {
		t.Fatalf("stage counts wrong: %+v", snap)
	}
}

func TestRecordConcurrentIncrementsNeverLost(t *testing.T) {
	rep, jobID := newTestReporter(t, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stage := domain.AllStages()[i%3]
			errs <- rep.Record(ctx, jobID, stage, i%2 == 0)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	snap, err := rep.Read(ctx, jobID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if snap.CompletedOperations != 100 {
		t.Fatalf("lost increments: got %d of 100", snap.CompletedOperations)
	}
	sum := snap.Downloads.Succeeded + snap.Downloads.Failed +
		snap.Extractions.Succeeded + snap.Extractions.Failed +
		snap.Analyses.Succeeded + snap.Analyses.Failed
	if sum != 100 {
		t.Fatalf("per-stage counts do not add up: %d", sum)
	}
}

func TestReadLinearEstimate(t *testing.T) {
	rep, jobID := newTestReporter(t, 30)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := rep.Record(ctx, jobID, domain.StageDownload, true); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	// 10 ops in 20s elapsed -> 0.5 ops/s -> 20 remaining ops = 40s.
	rep.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 20, 0, time.UTC) }
	snap, err := rep.Read(ctx, jobID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if snap.EstimatedSecondsRemaining == nil {
		t.Fatal("expected estimate")
	}
	if math.Abs(*snap.EstimatedSecondsRemaining-40) > 1e-9 {
		t.Fatalf("expected 40s remaining, got %v", *snap.EstimatedSecondsRemaining)
	}
}

func TestRecordUnknownJob(t *testing.T) {
	rep, _ := newTestReporter(t, 1)
	if err := rep.Record(context.Background(), "nope", domain.StageDownload, true); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
