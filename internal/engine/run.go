package engine

import (
	"context"
	"fmt"
	"log/slog"

	"bylawscan/internal/config"
	"bylawscan/internal/domain"
	"bylawscan/internal/events"
	"bylawscan/internal/repo"
	"bylawscan/internal/worker"
)

// runJob is the supervisor for one job: it drives the operation's stages in
// order, each stage parallelized internally, and finalizes the job exactly
// once. Per-document failures accumulate in counters; only store-level
// errors fail the job.
func (e *Engine) runJob(ctx context.Context, job domain.Job) {
	log := e.Log.With("job", job.ID, "operation", job.Operation)

	if err := e.Repo.MarkJobRunning(ctx, job.ID, e.ts()); err != nil {
		log.Error("mark running", "error", err)
		return
	}
	if err := e.Events.AppendDirect(ctx, "job.started", "job", job.ID, nil); err != nil {
		log.Error("append start event", "error", err)
	}

	runner := worker.Runner{Repo: e.Repo, Log: log}
	shouldStop := func(ctx context.Context) (bool, error) {
		return e.Repo.JobCancelRequested(ctx, job.ID)
	}

	for _, stage := range job.Operation.Stages() {
		cancelled, err := shouldStop(ctx)
		if err != nil {
			e.finalize(ctx, log, job.ID, domain.JobFailed, err.Error())
			return
		}
		if cancelled {
			e.finalize(ctx, log, job.ID, domain.JobCancelled, "")
			return
		}

		docs, err := e.Repo.JobStageDocuments(ctx, job.ID, stage)
		if err != nil {
			e.finalize(ctx, log, job.ID, domain.JobFailed, fmt.Sprintf("select %s batch: %v", stage, err))
			return
		}
		log.Info("stage starting", "stage", stage, "documents", len(docs))

		// The stage runs in batches of batch_size documents; dispatch inside
		// a batch re-checks the cancel flag before every document.
		batch := job.Options.BatchSize
		if batch < 1 {
			batch = len(docs)
		}
		stageCfg := e.stageConfig(stage)
		for start := 0; start < len(docs); start += batch {
			end := start + batch
			if end > len(docs) {
				end = len(docs)
			}
			_, stopped, err := runner.RunStage(ctx, worker.StageRun{
				Stage:       stage,
				Documents:   docs[start:end],
				Concurrency: stageCfg.Concurrency,
				Timeout:     stageCfg.Timeout(),
				Op:          e.stageOp(stage),
				ShouldStop:  shouldStop,
				OnResult: func(ctx context.Context, stage domain.Stage, res worker.StageResult) error {
					return e.Progress.Record(ctx, job.ID, stage, res.Success)
				},
			})
			if err != nil {
				e.finalize(ctx, log, job.ID, domain.JobFailed, err.Error())
				return
			}
			if stopped {
				e.finalize(ctx, log, job.ID, domain.JobCancelled, "")
				return
			}
		}
	}

	if job.Options.ValidateResults {
		if err := e.validateResults(ctx, log, job); err != nil {
			log.Warn("result validation", "error", err)
		}
	}
	e.finalize(ctx, log, job.ID, domain.JobCompleted, "")
}

func (e *Engine) finalize(ctx context.Context, log *slog.Logger, jobID string, status domain.JobStatus, errMessage string) {
	if err := e.Repo.FinalizeJob(ctx, jobID, status, errMessage, e.ts()); err != nil {
		log.Error("finalize job", "status", status, "error", err)
		return
	}
	payload := events.EventPayload{"status": string(status)}
	if errMessage != "" {
		payload["error"] = errMessage
	}
	if err := e.Events.AppendDirect(ctx, "job."+string(status), "job", jobID, payload); err != nil {
		log.Error("append finalize event", "error", err)
	}
	log.Info("job finished", "status", status)
}

func (e *Engine) stageConfig(stage domain.Stage) config.StageConfig {
	switch stage {
	case domain.StageDownload:
		return e.Config.Stages.Download
	case domain.StageExtraction:
		return e.Config.Stages.Extraction
	default:
		return e.Config.Stages.Analysis
	}
}

// stageOp binds a stage to its per-document operation. Problems with the
// document itself come back as failed outcomes, never as errors.
func (e *Engine) stageOp(stage domain.Stage) worker.Op {
	switch stage {
	case domain.StageDownload:
		return func(ctx context.Context, doc domain.Document) repo.StageOutcome {
			body, err := e.Fetcher.Fetch(ctx, doc.SourceURL)
			if err != nil {
				return repo.StageOutcome{ErrorMessage: err.Error()}
			}
			return repo.StageOutcome{Success: true, RawBody: body.Raw, ContentType: body.ContentType}
		}
	case domain.StageExtraction:
		return func(ctx context.Context, doc domain.Document) repo.StageOutcome {
			if len(doc.RawBody) == 0 {
				return repo.StageOutcome{ErrorMessage: "no downloaded content"}
			}
			text, err := e.Extractor.Extract(ctx, doc.RawBody, doc.ContentType, doc.SourceURL)
			if err != nil {
				return repo.StageOutcome{ErrorMessage: err.Error()}
			}
			return repo.StageOutcome{Success: true, Text: text}
		}
	default:
		return func(ctx context.Context, doc domain.Document) repo.StageOutcome {
			if doc.ExtractedText == nil {
				return repo.StageOutcome{ErrorMessage: "no extracted text"}
			}
			analysis := e.Scorer.Score(*doc.ExtractedText)
			return repo.StageOutcome{Success: true, Analysis: &analysis}
		}
	}
}

// validateResults sanity-checks analysis outputs over the job's snapshot and
// records anomalies as a warning event. Anomalies never fail the job.
func (e *Engine) validateResults(ctx context.Context, log *slog.Logger, job domain.Job) error {
	docs, err := e.Repo.JobDocuments(ctx, job.ID)
	if err != nil {
		return err
	}
	anomalies := 0
	for _, d := range docs {
		if d.AnalysisStatus != domain.StageCompleted {
			continue
		}
		switch {
		case d.IsRelevant == nil || d.RelevanceConfidence == nil || d.AnalysisExplanation == nil:
			anomalies++
			log.Warn("analysis output incomplete", "document", d.ID)
		case *d.RelevanceConfidence < 0 || *d.RelevanceConfidence > 1:
			anomalies++
			log.Warn("confidence out of range", "document", d.ID, "confidence", *d.RelevanceConfidence)
		}
	}
	if anomalies > 0 {
		return e.Events.AppendDirect(ctx, "job.validation_warning", "job", job.ID, events.EventPayload{"anomalies": anomalies})
	}
	return nil
}
