package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bylawscan/internal/domain"
)

const documentColumns = `id,org_id,title,source_url,content_type,raw_body,extracted_text,
download_status,download_error,download_completed_at,
extraction_status,extraction_error,extraction_completed_at,
analysis_status,analysis_error,analysis_completed_at,
is_relevant,relevance_confidence,analysis_explanation,created_at`

func scanDocument(scan func(...any) error) (domain.Document, error) {
	var d domain.Document
	var contentType, extractedText sql.NullString
	var dlErr, dlAt, exErr, exAt, anErr, anAt, explanation sql.NullString
	var relevant sql.NullInt64
	var confidence sql.NullFloat64
	err := scan(&d.ID, &d.OrgID, &d.Title, &d.SourceURL, &contentType, &d.RawBody, &extractedText,
		&d.DownloadStatus, &dlErr, &dlAt,
		&d.ExtractionStatus, &exErr, &exAt,
		&d.AnalysisStatus, &anErr, &anAt,
		&relevant, &confidence, &explanation, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if contentType.Valid {
		d.ContentType = contentType.String
	}
	if extractedText.Valid {
		d.ExtractedText = &extractedText.String
	}
	if dlErr.Valid {
		d.DownloadError = &dlErr.String
	}
	if dlAt.Valid {
		d.DownloadCompletedAt = &dlAt.String
	}
	if exErr.Valid {
		d.ExtractionError = &exErr.String
	}
	if exAt.Valid {
		d.ExtractionCompletedAt = &exAt.String
	}
	if anErr.Valid {
		d.AnalysisError = &anErr.String
	}
	if anAt.Valid {
		d.AnalysisCompletedAt = &anAt.String
	}
	if relevant.Valid {
		b := relevant.Int64 != 0
		d.IsRelevant = &b
	}
	if confidence.Valid {
		c := confidence.Float64
		d.RelevanceConfidence = &c
	}
	if explanation.Valid {
		d.AnalysisExplanation = &explanation.String
	}
	return d, nil
}

func (r Repo) InsertDocument(ctx context.Context, d domain.Document) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO documents(id,org_id,title,source_url,content_type,download_status,extraction_status,analysis_status,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.OrgID, d.Title, d.SourceURL, nullable(d.ContentType),
		domain.StagePending, domain.StagePending, domain.StagePending, d.CreatedAt)
	return err
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id)
	return scanDocument(row.Scan)
}

type DocumentFilters struct {
	OrgID    string
	Stage    domain.Stage
	Status   domain.StageStatus
	Relevant *bool
	Limit    int
}

func (r Repo) ListDocuments(ctx context.Context, f DocumentFilters) ([]domain.Document, error) {
	var clauses []string
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.Stage != "" && f.Status != "" {
		prefix, err := stagePrefix(f.Stage)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, prefix+"_status=?")
		args = append(args, f.Status)
	}
	if f.Relevant != nil {
		clauses = append(clauses, "is_relevant=?")
		args = append(args, boolToInt(*f.Relevant))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + documentColumns + ` FROM documents ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// StageOutcome is the result of one stage operation on one document.
// Exactly one of the payload groups is meaningful, depending on the stage.
type StageOutcome struct {
	Success      bool
	ErrorMessage string

	RawBody     []byte
	ContentType string

	Text string

	Analysis *domain.Analysis
}

// MarkStageProcessing flips the stage from pending to processing so a
// concurrent observer never sees pending while work is in flight. The
// stage worker is the sole writer of the stage; any other current status
// is a coordination bug.
func (r Repo) MarkStageProcessing(ctx context.Context, id string, stage domain.Stage) error {
	prefix, err := stagePrefix(stage)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx,
		fmt.Sprintf(`UPDATE documents SET %s_status=? WHERE id=? AND %s_status=?`, prefix, prefix),
		domain.StageProcessing, id, domain.StagePending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.classifyStageFailure(ctx, id)
	}
	return nil
}

// TransitionStage finalizes a stage for a document: completed with its
// payload, or failed with the captured error message. The stage must
// currently be pending or processing. Touches only the single document row.
func (r Repo) TransitionStage(ctx context.Context, id string, stage domain.Stage, out StageOutcome) error {
	prefix, err := stagePrefix(stage)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)

	var query string
	var args []any
	if !out.Success {
		query = fmt.Sprintf(`UPDATE documents SET %s_status=?, %s_error=?, %s_completed_at=?
WHERE id=? AND %s_status IN (?,?)`, prefix, prefix, prefix, prefix)
		args = []any{domain.StageFailed, out.ErrorMessage, now, id, domain.StagePending, domain.StageProcessing}
	} else {
		switch stage {
		case domain.StageDownload:
			query = `UPDATE documents SET download_status=?, download_error=NULL, download_completed_at=?, raw_body=?, content_type=?
WHERE id=? AND download_status IN (?,?)`
			args = []any{domain.StageCompleted, now, out.RawBody, nullable(out.ContentType), id, domain.StagePending, domain.StageProcessing}
		case domain.StageExtraction:
			query = `UPDATE documents SET extraction_status=?, extraction_error=NULL, extraction_completed_at=?, extracted_text=?
WHERE id=? AND extraction_status IN (?,?)`
			args = []any{domain.StageCompleted, now, out.Text, id, domain.StagePending, domain.StageProcessing}
		case domain.StageAnalysis:
			if out.Analysis == nil {
				return fmt.Errorf("analysis outcome missing payload")
			}
			explanation, err := json.Marshal(out.Analysis.Matches)
			if err != nil {
				return fmt.Errorf("marshal analysis explanation: %w", err)
			}
			query = `UPDATE documents SET analysis_status=?, analysis_error=NULL, analysis_completed_at=?, is_relevant=?, relevance_confidence=?, analysis_explanation=?
WHERE id=? AND analysis_status IN (?,?)`
			args = []any{domain.StageCompleted, now, boolToInt(out.Analysis.IsRelevant), out.Analysis.Confidence, string(explanation), id, domain.StagePending, domain.StageProcessing}
		}
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.classifyStageFailure(ctx, id)
	}
	return nil
}

func (r Repo) classifyStageFailure(ctx context.Context, id string) error {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id=?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrInvalidStageTransition
}

// ResetStage reschedules documents whose stage is in one of the given
// statuses back to pending, clearing the previous outcome. Retrying a
// failure is a reschedule, not hidden control flow: the new attempt runs
// under a fresh job against a pending stage.
func (r Repo) ResetStage(ctx context.Context, stage domain.Stage, ids []string, from []domain.StageStatus) error {
	if len(ids) == 0 || len(from) == 0 {
		return nil
	}
	prefix, err := stagePrefix(stage)
	if err != nil {
		return err
	}
	idPh := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	fromPh := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	query := fmt.Sprintf(`UPDATE documents SET %s_status=?, %s_error=NULL, %s_completed_at=NULL
WHERE id IN (%s) AND %s_status IN (%s)`, prefix, prefix, prefix, idPh, prefix, fromPh)
	args := []any{domain.StagePending}
	for _, id := range ids {
		args = append(args, id)
	}
	for _, s := range from {
		args = append(args, s)
	}
	_, err = r.DB.ExecContext(ctx, query, args...)
	return err
}

// EligibilityFilter selects documents for a stage snapshot.
type EligibilityFilter struct {
	// OrgIDs restricts to these organizations; empty means all.
	OrgIDs []string
	// IncludeFailed also selects documents whose stage previously failed.
	IncludeFailed bool
	// IncludeCompleted also selects documents whose stage already completed
	// (used when skip_existing is off; the engine reschedules them).
	IncludeCompleted bool
}

// EligibleDocuments returns documents whose preceding stage is completed
// and whose own stage status allows scheduling.
func (r Repo) EligibleDocuments(ctx context.Context, stage domain.Stage, f EligibilityFilter) ([]domain.Document, error) {
	prefix, err := stagePrefix(stage)
	if err != nil {
		return nil, err
	}
	clauses := []string{}
	var args []any

	statuses := []any{domain.StagePending}
	if f.IncludeFailed {
		statuses = append(statuses, domain.StageFailed)
	}
	if f.IncludeCompleted {
		statuses = append(statuses, domain.StageCompleted)
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	clauses = append(clauses, fmt.Sprintf("%s_status IN (%s)", prefix, ph))
	args = append(args, statuses...)

	if prev := precedingStage(stage); prev != "" {
		prevPrefix, err := stagePrefix(prev)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, prevPrefix+"_status=?")
		args = append(args, domain.StageCompleted)
	}
	if len(f.OrgIDs) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.OrgIDs)), ",")
		clauses = append(clauses, fmt.Sprintf("org_id IN (%s)", ph))
		for _, id := range f.OrgIDs {
			args = append(args, id)
		}
	}
	query := `SELECT ` + documentColumns + ` FROM documents WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// SnapshotJobDocuments records the frozen document set a job operates on.
func (r Repo) SnapshotJobDocuments(ctx context.Context, tx *sql.Tx, jobID string, docIDs []string) error {
	for _, id := range docIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO job_documents(job_id,document_id) VALUES (?,?)`, jobID, id); err != nil {
			return err
		}
	}
	return nil
}

// JobDocuments returns every document in a job's frozen snapshot.
func (r Repo) JobDocuments(ctx context.Context, jobID string) ([]domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents
JOIN job_documents jd ON jd.document_id = documents.id AND jd.job_id=?
ORDER BY documents.created_at ASC, documents.id ASC`
	rows, err := r.DB.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// JobStageDocuments returns the snapshot documents currently schedulable
// for a stage: own stage pending, preceding stage completed.
func (r Repo) JobStageDocuments(ctx context.Context, jobID string, stage domain.Stage) ([]domain.Document, error) {
	prefix, err := stagePrefix(stage)
	if err != nil {
		return nil, err
	}
	clauses := []string{prefix + "_status=?"}
	args := []any{domain.StagePending}
	if prev := precedingStage(stage); prev != "" {
		prevPrefix, _ := stagePrefix(prev)
		clauses = append(clauses, prevPrefix+"_status=?")
		args = append(args, domain.StageCompleted)
	}
	args = append([]any{jobID}, args...)
	query := `SELECT ` + documentColumns + ` FROM documents
JOIN job_documents jd ON jd.document_id = documents.id AND jd.job_id=?
WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY documents.created_at ASC, documents.id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
