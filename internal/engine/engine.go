// Package engine orchestrates bulk pipeline jobs: it owns job lifecycle,
// the frozen target snapshot, and the supervisor goroutine that drives stage
// workers to completion.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"bylawscan/internal/config"
	"bylawscan/internal/domain"
	"bylawscan/internal/events"
	"bylawscan/internal/extract"
	"bylawscan/internal/fetch"
	"bylawscan/internal/progress"
	"bylawscan/internal/repo"
	"bylawscan/internal/scorer"
)

// ErrValidation marks synchronous request validation failures; no job is
// created when it is returned.
var ErrValidation = errors.New("validation")

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Progress progress.Reporter
	Log      *slog.Logger
	Now      func() time.Time

	Fetcher   *fetch.Fetcher
	Extractor *extract.Extractor
	Scorer    scorer.Scorer

	// wg tracks job supervisors so Close can drain them.
	wg sync.WaitGroup
}

func New(db *sql.DB, cfg *config.Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	r := repo.Repo{DB: db}
	return &Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Progress:  progress.Reporter{Repo: r},
		Log:       log,
		Now:       time.Now,
		Fetcher:   fetch.New(cfg.Fetch.UserAgent, cfg.Fetch.MaxRedirects, cfg.Fetch.MaxBodyBytes),
		Extractor: extract.New(),
		Scorer:    scorer.New(cfg.Scorer.Threshold, cfg.Scorer.RepeatCap, cfg.Scorer.Lexicon, cfg.Scorer.ExtraPhrases),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Close waits for running job supervisors to finish their current work.
func (e *Engine) Close() {
	e.wg.Wait()
}

// CreateOrganization registers a municipality.
func (e *Engine) CreateOrganization(ctx context.Context, name, state, website string) (domain.Organization, error) {
	if name == "" {
		return domain.Organization{}, fmt.Errorf("%w: organization name is required", ErrValidation)
	}
	o := domain.Organization{
		ID:        uuid.NewString(),
		Name:      name,
		State:     state,
		Website:   website,
		CreatedAt: e.ts(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Organization{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO organizations(id,name,state,website,created_at) VALUES (?,?,?,?,?)`,
		o.ID, o.Name, nullableStr(o.State), nullableStr(o.Website), o.CreatedAt); err != nil {
		return domain.Organization{}, fmt.Errorf("insert organization: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "organization.created", "organization", o.ID, events.EventPayload{"name": o.Name}); err != nil {
		return domain.Organization{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Organization{}, err
	}
	return o, nil
}

// IngestDocument registers a discovered document with all stages pending.
// Discovery itself is an external collaborator; this is its entry point.
func (e *Engine) IngestDocument(ctx context.Context, orgID, title, sourceURL, contentType string) (domain.Document, error) {
	if orgID == "" || title == "" || sourceURL == "" {
		return domain.Document{}, fmt.Errorf("%w: org_id, title and source_url are required", ErrValidation)
	}
	if _, err := e.Repo.GetOrganization(ctx, orgID); err != nil {
		return domain.Document{}, err
	}
	d := domain.Document{
		ID:               uuid.NewString(),
		OrgID:            orgID,
		Title:            title,
		SourceURL:        sourceURL,
		ContentType:      contentType,
		DownloadStatus:   domain.StagePending,
		ExtractionStatus: domain.StagePending,
		AnalysisStatus:   domain.StagePending,
		CreatedAt:        e.ts(),
	}
	if err := e.Repo.InsertDocument(ctx, d); err != nil {
		return domain.Document{}, fmt.Errorf("insert document: %w", err)
	}
	if err := e.Events.AppendDirect(ctx, "document.ingested", "document", d.ID, events.EventPayload{"org_id": orgID, "title": title}); err != nil {
		return domain.Document{}, err
	}
	return d, nil
}

// ScoreText runs the relevance scorer over arbitrary text, outside any job.
func (e *Engine) ScoreText(text string) domain.Analysis {
	return e.Scorer.Score(text)
}

// StartJobOptions are the parameters of a start-job request.
type StartJobOptions struct {
	Operation  domain.Operation
	TargetOrgs []string
	Priority   domain.Priority
	Options    *domain.JobOptions
}

// StartJob validates the request, creates the job in queued with its frozen
// document snapshot, and begins execution asynchronously. The returned job
// is in queued or running.
func (e *Engine) StartJob(ctx context.Context, opts StartJobOptions) (domain.Job, error) {
	if !opts.Operation.Valid() {
		return domain.Job{}, fmt.Errorf("%w: unknown operation %q", ErrValidation, opts.Operation)
	}
	if len(opts.TargetOrgs) == 0 {
		return domain.Job{}, fmt.Errorf("%w: target organizations must be non-empty or %q", ErrValidation, domain.TargetAll)
	}
	priority := opts.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if !priority.Valid() {
		return domain.Job{}, fmt.Errorf("%w: unknown priority %q", ErrValidation, priority)
	}

	jobOpts := domain.JobOptions{SkipExisting: true}
	if opts.Options != nil {
		jobOpts = *opts.Options
	}
	if jobOpts.BatchSize == 0 {
		jobOpts.BatchSize = e.Config.Jobs.DefaultBatchSize
	}
	if jobOpts.BatchSize < 1 {
		return domain.Job{}, fmt.Errorf("%w: batch_size must be >= 1", ErrValidation)
	}

	job := domain.Job{
		ID:         uuid.NewString(),
		Operation:  opts.Operation,
		TargetOrgs: opts.TargetOrgs,
		Priority:   priority,
		Options:    jobOpts,
		Status:     domain.JobQueued,
		CreatedAt:  e.ts(),
	}

	var orgFilter []string
	if !job.TargetsAll() {
		for _, id := range job.TargetOrgs {
			if id == domain.TargetAll {
				return domain.Job{}, fmt.Errorf("%w: %q cannot be combined with explicit organization ids", ErrValidation, domain.TargetAll)
			}
		}
		ok, err := e.Repo.OrganizationsExist(ctx, job.TargetOrgs)
		if err != nil {
			return domain.Job{}, err
		}
		if !ok {
			return domain.Job{}, fmt.Errorf("%w: unknown organization in target set", ErrValidation)
		}
		orgFilter = job.TargetOrgs
	}

	// Freeze the target set: a document is in the snapshot when at least one
	// in-scope stage is schedulable for it. New eligible documents appearing
	// later never join a running job.
	stages := job.Operation.Stages()
	filter := repo.EligibilityFilter{
		OrgIDs:           orgFilter,
		IncludeFailed:    jobOpts.RetryFailed,
		IncludeCompleted: !jobOpts.SkipExisting,
	}
	seen := map[string]bool{}
	var snapshot []string
	for _, stage := range stages {
		docs, err := e.Repo.EligibleDocuments(ctx, stage, filter)
		if err != nil {
			return domain.Job{}, err
		}
		for _, d := range docs {
			if !seen[d.ID] {
				seen[d.ID] = true
				snapshot = append(snapshot, d.ID)
			}
		}
	}
	job.TotalOperations = len(snapshot) * len(stages)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertJob(ctx, tx, job); err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if err := e.Repo.InsertProgress(ctx, tx, domain.ProgressSnapshot{
		JobID:           job.ID,
		StartTime:       job.CreatedAt,
		TotalOperations: job.TotalOperations,
		UpdatedAt:       job.CreatedAt,
	}); err != nil {
		return domain.Job{}, fmt.Errorf("insert progress: %w", err)
	}
	if err := e.Repo.SnapshotJobDocuments(ctx, tx, job.ID, snapshot); err != nil {
		return domain.Job{}, fmt.Errorf("snapshot documents: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "job.created", "job", job.ID, events.EventPayload{
		"operation": string(job.Operation),
		"documents": len(snapshot),
		"total":     job.TotalOperations,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}

	// Retry-as-reschedule: previously failed (and, without skip_existing,
	// completed) stages go back to pending so workers only ever advance
	// pending work.
	var from []domain.StageStatus
	if jobOpts.RetryFailed {
		from = append(from, domain.StageFailed)
	}
	if !jobOpts.SkipExisting {
		from = append(from, domain.StageCompleted)
	}
	if len(from) > 0 {
		for _, stage := range stages {
			if err := e.Repo.ResetStage(ctx, stage, snapshot, from); err != nil {
				return domain.Job{}, fmt.Errorf("reschedule %s: %w", stage, err)
			}
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// The supervisor outlives the request context.
		e.runJob(context.Background(), job)
	}()
	return job, nil
}

// GetJob returns the current job snapshot.
func (e *Engine) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return e.Repo.GetJob(ctx, id)
}

// GetProgress returns the job's progress snapshot with the derived estimate.
func (e *Engine) GetProgress(ctx context.Context, id string) (domain.ProgressSnapshot, error) {
	return e.Progress.Read(ctx, id)
}

// ListJobs returns one page of job history plus the unpaged total.
func (e *Engine) ListJobs(ctx context.Context, f repo.JobFilters) ([]domain.Job, int, error) {
	return e.Repo.ListJobs(ctx, f)
}

// CancelJob requests cooperative cancellation. In-flight document operations
// finish; no further documents are dispatched. Cancelling a terminal job is
// a no-op returning the unchanged job.
func (e *Engine) CancelJob(ctx context.Context, id string) (domain.Job, error) {
	job, err := e.Repo.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	if err := e.Repo.RequestJobCancel(ctx, id); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.AppendDirect(ctx, "job.cancel_requested", "job", id, nil); err != nil {
		return domain.Job{}, err
	}
	return e.Repo.GetJob(ctx, id)
}

// DeleteJob removes a terminal job and its snapshots.
func (e *Engine) DeleteJob(ctx context.Context, id string) error {
	if err := e.Repo.DeleteJob(ctx, id); err != nil {
		return err
	}
	return e.Events.AppendDirect(ctx, "job.deleted", "job", id, nil)
}

// FailInterruptedJobs marks jobs left non-terminal by a previous process as
// failed. Called once at startup; a new job must be created to retry.
func (e *Engine) FailInterruptedJobs(ctx context.Context) error {
	for _, status := range []domain.JobStatus{domain.JobQueued, domain.JobRunning} {
		jobs, _, err := e.Repo.ListJobs(ctx, repo.JobFilters{Status: status})
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if err := e.Repo.FinalizeJob(ctx, job.ID, domain.JobFailed, "interrupted by process restart", e.ts()); err != nil {
				return err
			}
			e.Log.Warn("failed interrupted job", "job", job.ID)
		}
	}
	return nil
}

func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
