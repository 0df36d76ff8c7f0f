package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"bylawscan/internal/domain"
)

const jobColumns = `id,operation,target_orgs_json,priority,skip_existing,retry_failed,validate_results,batch_size,
status,cancel_requested,total_operations,completed_operations,error_message,created_at,started_at,completed_at`

func scanJob(scan func(...any) error) (domain.Job, error) {
	var j domain.Job
	var targets string
	var skipExisting, retryFailed, validateResults, cancelRequested int
	var errMsg, startedAt, completedAt sql.NullString
	err := scan(&j.ID, &j.Operation, &targets, &j.Priority, &skipExisting, &retryFailed, &validateResults, &j.Options.BatchSize,
		&j.Status, &cancelRequested, &j.TotalOperations, &j.CompletedOperations, &errMsg, &j.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if err := json.Unmarshal([]byte(targets), &j.TargetOrgs); err != nil {
		return j, fmt.Errorf("decode job targets: %w", err)
	}
	j.Options.SkipExisting = skipExisting != 0
	j.Options.RetryFailed = retryFailed != 0
	j.Options.ValidateResults = validateResults != 0
	j.CancelRequested = cancelRequested != 0
	if errMsg.Valid {
		j.ErrorMessage = &errMsg.String
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.String
	}
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	targets, err := json.Marshal(j.TargetOrgs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO jobs(id,operation,target_orgs_json,priority,skip_existing,retry_failed,validate_results,batch_size,status,total_operations,completed_operations,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Operation, string(targets), j.Priority,
		boolToInt(j.Options.SkipExisting), boolToInt(j.Options.RetryFailed), boolToInt(j.Options.ValidateResults), j.Options.BatchSize,
		j.Status, j.TotalOperations, j.CompletedOperations, j.CreatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

type JobFilters struct {
	Status    domain.JobStatus
	Operation domain.Operation
	Limit     int
	Offset    int
}

// ListJobs returns one page of job history plus the unpaged total count.
func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, int, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Operation != "" {
		clauses = append(clauses, "operation=?")
		args = append(args, f.Operation)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM jobs `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + jobColumns + ` FROM jobs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, j)
	}
	return res, total, rows.Err()
}

// MarkJobRunning transitions queued -> running.
func (r Repo) MarkJobRunning(ctx context.Context, id, startedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status=?, started_at=? WHERE id=? AND status=?`,
		domain.JobRunning, startedAt, id, domain.JobQueued)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.classifyJobFailure(ctx, id)
	}
	return nil
}

// FinalizeJob moves a non-terminal job to a terminal status. Finalizing an
// already-terminal job is a coordination bug.
func (r Repo) FinalizeJob(ctx context.Context, id string, status domain.JobStatus, errMessage, completedAt string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %q", status)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status=?, error_message=?, completed_at=? WHERE id=? AND status IN (?,?)`,
		status, nullable(errMessage), completedAt, id, domain.JobQueued, domain.JobRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.classifyJobFailure(ctx, id)
	}
	return nil
}

func (r Repo) classifyJobFailure(ctx context.Context, id string) error {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id=?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

// RequestJobCancel sets the cooperative cancellation flag.
func (r Repo) RequestJobCancel(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET cancel_requested=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// JobCancelRequested reads the cancellation flag; the supervisor checks it
// between document dispatches.
func (r Repo) JobCancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := r.DB.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id=?`, id).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return flag != 0, nil
}

// DeleteJob removes a terminal job together with its progress snapshot and
// document snapshot. Deleting a non-terminal job is a conflict.
func (r Repo) DeleteJob(ctx context.Context, id string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status domain.JobStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !status.Terminal() {
		return ErrConflict
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_progress WHERE job_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_documents WHERE job_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}
