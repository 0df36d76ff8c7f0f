// Package progress maintains the durable per-job progress snapshot that
// external pollers read.
package progress

import (
	"context"
	"time"

	"bylawscan/internal/domain"
	"bylawscan/internal/repo"
)

// Reporter records and reads job progress. Record is additive in the store,
// so concurrent stage workers on the same job never lose an increment.
type Reporter struct {
	Repo repo.Repo
	Now  func() time.Time
}

// Record registers one finished document attempt for the job.
func (p Reporter) Record(ctx context.Context, jobID string, stage domain.Stage, success bool) error {
	return p.Repo.IncrementProgress(ctx, jobID, stage, success)
}

// Read returns the snapshot with the time-remaining estimate derived from
// linear extrapolation over elapsed time. The estimate is absent until at
// least one operation has completed.
func (p Reporter) Read(ctx context.Context, jobID string) (domain.ProgressSnapshot, error) {
	snap, err := p.Repo.GetProgress(ctx, jobID)
	if err != nil {
		return snap, err
	}
	if snap.CompletedOperations == 0 {
		return snap, nil
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	started, err := time.Parse(time.RFC3339, snap.StartTime)
	if err != nil {
		return snap, nil
	}
	elapsed := now().UTC().Sub(started).Seconds()
	if elapsed <= 0 {
		return snap, nil
	}
	rate := float64(snap.CompletedOperations) / elapsed
	remaining := float64(snap.TotalOperations-snap.CompletedOperations) / rate
	if remaining < 0 {
		remaining = 0
	}
	snap.EstimatedSecondsRemaining = &remaining
	return snap, nil
}
