package worker_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bylawscan/internal/db"
	"bylawscan/internal/domain"
	"bylawscan/internal/migrate"
	"bylawscan/internal/repo"
	"bylawscan/internal/worker"
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

func seedDocuments(t *testing.T, r repo.Repo, n int) []domain.Document {
	t.Helper()
	docs := make([]domain.Document, 0, n)
	for i := 0; i < n; i++ {
		d := domain.Document{
			ID:        fmt.Sprintf("doc-%d", i),
			OrgID:     "org-1",
			Title:     fmt.Sprintf("Bylaw %d", i),
			SourceURL: fmt.Sprintf("https://example.gov/bylaws/%d", i),
			CreatedAt: fmt.Sprintf("2026-01-01T00:00:%02dZ", i),
		}
		if err := r.InsertDocument(context.Background(), d); err != nil {
			t.Fatalf("insert doc: %v", err)
		}
		docs = append(docs, d)
	}
	return docs
}

func TestRunStageFailureIsolation(t *testing.T) {
	r := newTestRepo(t)
	docs := seedDocuments(t, r, 3)
	ctx := context.Background()

	results, stopped, err := worker.Runner{Repo: r}.RunStage(ctx, worker.StageRun{
		Stage:       domain.StageDownload,
		Documents:   docs,
		Concurrency: 2,
		Op: func(ctx context.Context, doc domain.Document) repo.StageOutcome {
			if doc.ID == "doc-1" {
				return repo.StageOutcome{ErrorMessage: "connection refused"}
			}
			return repo.StageOutcome{Success: true, RawBody: []byte("body"), ContentType: "text/plain"}
		},
	})
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if stopped {
		t.Fatal("unexpected early stop")
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
			if res.DocumentID != "doc-1" || res.Error != "connection refused" {
				t.Fatalf("unexpected failure record: %+v", res)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("expected exactly 1 failure, got %d", failed)
	}

	got, err := r.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DownloadStatus != domain.StageFailed || got.DownloadError == nil {
		t.Fatalf("failed doc not persisted: %+v", got)
	}
	got, err = r.GetDocument(ctx, "doc-2")
	if err != nil {
		t.Fatal(err)
	}
	if got.DownloadStatus != domain.StageCompleted {
		t.Fatalf("sibling doc should have completed, got %s", got.DownloadStatus)
	}
}

func TestRunStageBoundedConcurrency(t *testing.T) {
	r := newTestRepo(t)
	docs := seedDocuments(t, r, 8)

	var inFlight, peak int32
	results, _, err := worker.Runner{Repo: r}.RunStage(context.Background(), worker.StageRun{
		Stage:       domain.StageDownload,
		Documents:   docs,
		Concurrency: 2,
		Op: func(ctx context.Context, doc domain.Document) repo.StageOutcome {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return repo.StageOutcome{Success: true, RawBody: []byte("x")}
		},
	})
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if len(results) != 8 {
		t.Fatalf("expected 8 results, got %d", len(results))
	}
	if atomic.LoadInt32(&peak) > 2 {
		t.Fatalf("concurrency limit exceeded: peak %d", peak)
	}
}

func TestRunStageCooperativeStop(t *testing.T) {
	r := newTestRepo(t)
	docs := seedDocuments(t, r, 3)

	var checks int
	results, stopped, err := worker.Runner{Repo: r}.RunStage(context.Background(), worker.StageRun{
		Stage:       domain.StageDownload,
		Documents:   docs,
		Concurrency: 1,
		ShouldStop: func(ctx context.Context) (bool, error) {
			checks++
			return checks > 1, nil
		},
		Op: func(ctx context.Context, doc domain.Document) repo.StageOutcome {
			return repo.StageOutcome{Success: true, RawBody: []byte("x")}
		},
	})
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if !stopped {
		t.Fatal("expected early stop")
	}
	if len(results) != 1 {
		t.Fatalf("expected the already-dispatched document to finish, got %d results", len(results))
	}

	got, err := r.GetDocument(context.Background(), "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DownloadStatus != domain.StagePending {
		t.Fatalf("undispatched doc must stay pending, got %s", got.DownloadStatus)
	}
}

func TestRunStagePerDocumentTimeout(t *testing.T) {
	r := newTestRepo(t)
	docs := seedDocuments(t, r, 1)

	results, _, err := worker.Runner{Repo: r}.RunStage(context.Background(), worker.StageRun{
		Stage:       domain.StageDownload,
		Documents:   docs,
		Concurrency: 1,
		Timeout:     20 * time.Millisecond,
		Op: func(ctx context.Context, doc domain.Document) repo.StageOutcome {
			<-ctx.Done()
			return repo.StageOutcome{ErrorMessage: ctx.Err().Error()}
		},
	})
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if len(results) != 1 || results[0].Success {
		t.Fatalf("expected timed-out failure, got %+v", results)
	}

	got, err := r.GetDocument(context.Background(), "doc-0")
	if err != nil {
		t.Fatal(err)
	}
	if got.DownloadStatus != domain.StageFailed {
		t.Fatalf("timeout must fail the stage, got %s", got.DownloadStatus)
	}
}

func TestRunStagePanicIsolation(t *testing.T) {
	r := newTestRepo(t)
	docs := seedDocuments(t, r, 2)

	results, _, err := worker.Runner{Repo: r}.RunStage(context.Background(), worker.StageRun{
		Stage:       domain.StageDownload,
		Documents:   docs,
		Concurrency: 1,
		Op: func(ctx context.Context, doc domain.Document) repo.StageOutcome {
			if doc.ID == "doc-0" {
				panic("malformed content")
			}
			return repo.StageOutcome{Success: true, RawBody: []byte("x")}
		},
	})
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both documents attempted, got %d", len(results))
	}
	for _, res := range results {
		if res.DocumentID == "doc-0" && res.Success {
			t.Fatal("panicking op must fail its document")
		}
	}
}

func TestRunStageSkipsDocumentsClaimedElsewhere(t *testing.T) {
	r := newTestRepo(t)
	docs := seedDocuments(t, r, 3)
	ctx := context.Background()

	// A concurrent job's worker already claimed doc-0 and finished doc-1.
	if err := r.MarkStageProcessing(ctx, "doc-0", domain.StageDownload); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkStageProcessing(ctx, "doc-1", domain.StageDownload); err != nil {
		t.Fatal(err)
	}
	if err := r.TransitionStage(ctx, "doc-1", domain.StageDownload, repo.StageOutcome{Success: true, RawBody: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	results, stopped, err := worker.Runner{Repo: r}.RunStage(ctx, worker.StageRun{
		Stage:       domain.StageDownload,
		Documents:   docs,
		Concurrency: 2,
		Op: func(ctx context.Context, doc domain.Document) repo.StageOutcome {
			return repo.StageOutcome{Success: true, RawBody: []byte("mine")}
		},
	})
	if err != nil {
		t.Fatalf("a lost claim must not abort the batch: %v", err)
	}
	if stopped {
		t.Fatal("unexpected early stop")
	}
	if len(results) != 1 || results[0].DocumentID != "doc-2" {
		t.Fatalf("expected only the unclaimed document processed, got %+v", results)
	}

	// The other job's state is untouched.
	got, err := r.GetDocument(ctx, "doc-0")
	if err != nil {
		t.Fatal(err)
	}
	if got.DownloadStatus != domain.StageProcessing {
		t.Fatalf("claimed doc must stay with its owner, got %s", got.DownloadStatus)
	}
	got, err = r.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.RawBody) != "x" {
		t.Fatalf("finished doc must keep the other job's payload, got %q", got.RawBody)
	}
}

func TestRunStageAbortsOnCoordinationError(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	// A document that is not in the store is a store-level fault, not a race.
	_, _, err := worker.Runner{Repo: r}.RunStage(ctx, worker.StageRun{
		Stage:       domain.StageDownload,
		Documents:   []domain.Document{{ID: "ghost"}},
		Concurrency: 1,
		Op: func(ctx context.Context, doc domain.Document) repo.StageOutcome {
			return repo.StageOutcome{Success: true}
		},
	})
	if err == nil {
		t.Fatal("expected batch abort on stage coordination error")
	}
}

func TestRunStageOnResultConcurrencySafe(t *testing.T) {
	r := newTestRepo(t)
	docs := seedDocuments(t, r, 6)

	var mu sync.Mutex
	seen := map[string]bool{}
	_, _, err := worker.Runner{Repo: r}.RunStage(context.Background(), worker.StageRun{
		Stage:       domain.StageDownload,
		Documents:   docs,
		Concurrency: 3,
		Op: func(ctx context.Context, doc domain.Document) repo.StageOutcome {
			return repo.StageOutcome{Success: true, RawBody: []byte("x")}
		},
		OnResult: func(ctx context.Context, stage domain.Stage, res worker.StageResult) error {
			mu.Lock()
			defer mu.Unlock()
			seen[res.DocumentID] = true
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if len(seen) != 6 {
		t.Fatalf("expected OnResult for every document, got %d", len(seen))
	}
}
