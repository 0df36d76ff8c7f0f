package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bylawscan/internal/domain"
)

func (r Repo) InsertProgress(ctx context.Context, tx *sql.Tx, snap domain.ProgressSnapshot) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO job_progress(job_id,start_time,total_operations,completed_operations,updated_at)
VALUES (?,?,?,?,?)`,
		snap.JobID, snap.StartTime, snap.TotalOperations, snap.CompletedOperations, snap.UpdatedAt)
	return err
}

// IncrementProgress records one finished document attempt. Both updates are
// single additive statements inside one tx, so concurrent stage workers
// never lose an increment.
func (r Repo) IncrementProgress(ctx context.Context, jobID string, stage domain.Stage, success bool) error {
	prefix, err := stagePrefix(stage)
	if err != nil {
		return err
	}
	col := prefix + "_failed"
	if success {
		col = prefix + "_succeeded"
	}
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE job_progress SET completed_operations=completed_operations+1, %s=%s+1, updated_at=? WHERE job_id=?`, col, col),
		now, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET completed_operations=completed_operations+1 WHERE id=?`, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) GetProgress(ctx context.Context, jobID string) (domain.ProgressSnapshot, error) {
	var s domain.ProgressSnapshot
	err := r.DB.QueryRowContext(ctx, `SELECT job_id,start_time,total_operations,completed_operations,
download_succeeded,download_failed,extraction_succeeded,extraction_failed,analysis_succeeded,analysis_failed,updated_at
FROM job_progress WHERE job_id=?`, jobID).
		Scan(&s.JobID, &s.StartTime, &s.TotalOperations, &s.CompletedOperations,
			&s.Downloads.Succeeded, &s.Downloads.Failed,
			&s.Extractions.Succeeded, &s.Extractions.Failed,
			&s.Analyses.Succeeded, &s.Analyses.Failed, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}
