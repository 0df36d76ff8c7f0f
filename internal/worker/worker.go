// Package worker runs one pipeline stage over a batch of documents with
// bounded parallelism.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"bylawscan/internal/domain"
	"bylawscan/internal/repo"
)

// Op performs one stage's work on one document. Per-document problems are
// reported in the outcome, not as an error; the worker persists the outcome
// either way.
type Op func(ctx context.Context, doc domain.Document) repo.StageOutcome

// StageResult is the per-document record returned to the orchestrator.
type StageResult struct {
	DocumentID string
	Success    bool
	Error      string
}

// StageRun describes one batch.
type StageRun struct {
	Stage       domain.Stage
	Documents   []domain.Document
	Concurrency int
	// Timeout bounds each document's op; expiry is a per-document failure.
	Timeout time.Duration
	Op      Op
	// ShouldStop is consulted between dispatches for cooperative
	// cancellation. Already-dispatched documents run to completion.
	ShouldStop func(ctx context.Context) (bool, error)
	// OnResult is invoked after each document's outcome is persisted; it
	// must be safe for concurrent calls. An error aborts the batch.
	OnResult func(ctx context.Context, stage domain.Stage, res StageResult) error
}

// Runner executes stage batches against the record store.
type Runner struct {
	Repo repo.Repo
	Log  *slog.Logger
}

// RunStage processes the batch. One document's failure never aborts its
// siblings, and a document claimed by a concurrent job is skipped; store
// errors abort the whole batch. The second return reports whether dispatch
// stopped early on a cancellation request.
func (r Runner) RunStage(ctx context.Context, run StageRun) ([]StageResult, bool, error) {
	if run.Concurrency < 1 {
		run.Concurrency = 1
	}
	log := r.Log
	if log == nil {
		log = slog.Default()
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(run.Concurrency)

	var mu sync.Mutex
	results := make([]StageResult, 0, len(run.Documents))
	stopped := false

	for _, doc := range run.Documents {
		if gctx.Err() != nil {
			break
		}
		if run.ShouldStop != nil {
			stop, err := run.ShouldStop(gctx)
			if err != nil {
				eg.Wait()
				return results, false, err
			}
			if stop {
				stopped = true
				break
			}
		}

		doc := doc
		eg.Go(func() error {
			if err := r.Repo.MarkStageProcessing(gctx, doc.ID, run.Stage); err != nil {
				// A concurrent job holding the same document in its snapshot
				// won the claim. The document is its to finish; skip it here.
				if errors.Is(err, repo.ErrInvalidStageTransition) {
					log.Debug("document claimed by another job", "stage", run.Stage, "document", doc.ID)
					return nil
				}
				return fmt.Errorf("mark %s processing for %s: %w", run.Stage, doc.ID, err)
			}

			out := r.execute(gctx, run, doc)
			if err := r.Repo.TransitionStage(gctx, doc.ID, run.Stage, out); err != nil {
				return fmt.Errorf("transition %s for %s: %w", run.Stage, doc.ID, err)
			}

			res := StageResult{DocumentID: doc.ID, Success: out.Success, Error: out.ErrorMessage}
			if out.Success {
				log.Debug("stage completed", "stage", run.Stage, "document", doc.ID)
			} else {
				log.Warn("stage failed", "stage", run.Stage, "document", doc.ID, "error", out.ErrorMessage)
			}

			mu.Lock()
			results = append(results, res)
			mu.Unlock()

			if run.OnResult != nil {
				if err := run.OnResult(gctx, run.Stage, res); err != nil {
					return fmt.Errorf("record result for %s: %w", doc.ID, err)
				}
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return results, stopped, err
	}
	return results, stopped, nil
}

// execute runs the op under the per-document deadline with panic isolation:
// a panicking op fails its document, not the batch.
func (r Runner) execute(ctx context.Context, run StageRun, doc domain.Document) (out repo.StageOutcome) {
	opCtx := ctx
	if run.Timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, run.Timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			out = repo.StageOutcome{ErrorMessage: fmt.Sprintf("panic: %v", rec)}
		}
	}()

	out = run.Op(opCtx, doc)
	if !out.Success && out.ErrorMessage == "" {
		out.ErrorMessage = "operation failed"
	}
	if opCtx.Err() == context.DeadlineExceeded && !out.Success {
		out.ErrorMessage = fmt.Sprintf("timed out after %s: %s", run.Timeout, out.ErrorMessage)
	}
	return out
}
