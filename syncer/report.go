package syncer

import "time"

// Report is the outcome of one committed sync cycle.
type Report struct {
	CycleID    string
	StartedAt  time.Time
	FinishedAt time.Time

	// CursorBefore and CursorAfter are nil while no cursor exists.
	CursorBefore *time.Time
	CursorAfter  *time.Time

	// Inserted keeps source order, which is newest first.
	Inserted      []Intervention
	StatusChanges []StatusChange

	NewCount     int
	ChangedCount int

	RejectedRows      int
	SnapshotSize      int
	SnapshotDigest    string
	DuplicatesSkipped int
	// SnapshotDuplicates counts rows repeating a reported_at already seen earlier in the same snapshot.
	SnapshotDuplicates int
	// BelowCursorSkipped counts unknown rows at or below the cursor that were not inserted.
	BelowCursorSkipped int
}

// Empty reports whether the cycle changed nothing.
func (r *Report) Empty() bool {
	return r == nil || (len(r.Inserted) == 0 && len(r.StatusChanges) == 0)
}

// Duration is the wall time between cycle start and commit.
func (r *Report) Duration() time.Duration {
	if r == nil || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
