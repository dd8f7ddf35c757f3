package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ReconcileOptions tunes the reconciler.
type ReconcileOptions struct {
	// BackfillBelowCursor inserts unknown rows at or below the cursor instead of skipping them.
	// The cursor still only moves forward.
	BackfillBelowCursor bool `yaml:"backfill_below_cursor"`

	// Outbox writes a Notification for every insert and status change in the
	// same unit of work. Set by the runner when a notifier is configured.
	Outbox bool `yaml:"-"`
}

// Reconciler turns a normalized snapshot into inserts, status updates and a
// cursor move, all inside one store unit of work.
type Reconciler struct {
	store  Store
	opts   ReconcileOptions
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler binds a reconciler to store. A nil logger discards output.
func NewReconciler(store Store, opts ReconcileOptions, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reconciler{
		store:  store,
		opts:   opts,
		logger: logger.With("component", "reconciler"),
		now:    time.Now,
	}
}

// Reconcile applies snapshot to the store. On error nothing is committed and
// the returned report is nil.
func (rc *Reconciler) Reconcile(ctx context.Context, snapshot []Intervention) (*Report, error) {
	rep := &Report{
		CycleID:        uuid.NewString(),
		StartedAt:      rc.now().UTC(),
		SnapshotSize:   len(snapshot),
		SnapshotDigest: SnapshotDigest(snapshot),
	}
	err := rc.store.WithTx(ctx, func(tx Tx) error {
		// Reset so a retried unit never carries partial results.
		rep.Inserted, rep.StatusChanges = nil, nil
		rep.DuplicatesSkipped, rep.SnapshotDuplicates, rep.BelowCursorSkipped = 0, 0, 0
		return rc.apply(ctx, tx, snapshot, rep)
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile cycle %s: %w", rep.CycleID, err)
	}
	rep.NewCount = len(rep.Inserted)
	rep.ChangedCount = len(rep.StatusChanges)
	rep.FinishedAt = rc.now().UTC()
	return rep, nil
}

func (rc *Reconciler) apply(ctx context.Context, tx Tx, snapshot []Intervention, rep *Report) error {
	cur, hasCursor, err := tx.Cursor(ctx)
	if err != nil {
		return err
	}
	if hasCursor {
		rep.CursorBefore = timePtr(cur)
	}

	var (
		inserts []Intervention
		updates []StatusChange
		changed []Intervention
		seen    = make(map[int64]struct{}, len(snapshot))
	)
	for _, r := range snapshot {
		key := keyTime(r.ReportedAt)
		if _, dup := seen[key.Unix()]; dup {
			rep.SnapshotDuplicates++
			rc.logger.Debug("duplicate reported_at in snapshot, keeping first",
				"reported_at", FormatTimestamp(key))
			continue
		}
		seen[key.Unix()] = struct{}{}

		existing, err := tx.FindByReportedAt(ctx, key)
		if err != nil {
			return err
		}
		if existing == nil {
			if hasCursor && !key.After(cur) && !rc.opts.BackfillBelowCursor {
				rep.BelowCursorSkipped++
				continue
			}
			r.ReportedAt = key
			inserts = append(inserts, r)
			continue
		}
		if existing.Status != r.Status {
			updates = append(updates, StatusChange{
				ID:         existing.ID,
				ReportedAt: existing.ReportedAt,
				From:       existing.Status,
				To:         r.Status,
			})
			changed = append(changed, *existing)
		}
	}

	// The cursor follows rows that actually landed, not rows that were staged.
	var maxInserted time.Time

	for _, r := range inserts {
		stored, err := tx.Insert(ctx, r)
		if errors.Is(err, ErrDuplicateKey) {
			rep.DuplicatesSkipped++
			rc.logger.Warn("insert skipped: duplicate key",
				"cycle", rep.CycleID, "reported_at", FormatTimestamp(r.ReportedAt))
			continue
		}
		if err != nil {
			return err
		}
		if rc.opts.Outbox {
			if err := tx.Enqueue(ctx, newInterventionNotification(rep.CycleID, stored)); err != nil {
				return err
			}
		}
		rep.Inserted = append(rep.Inserted, stored)
		if stored.ReportedAt.After(maxInserted) {
			maxInserted = stored.ReportedAt
		}
	}
	for i, u := range updates {
		if err := tx.UpdateStatus(ctx, u.ID, u.To); err != nil {
			return err
		}
		if rc.opts.Outbox {
			if err := tx.Enqueue(ctx, statusChangeNotification(rep.CycleID, u, changed[i])); err != nil {
				return err
			}
		}
		rep.StatusChanges = append(rep.StatusChanges, u)
	}

	if len(rep.Inserted) == 0 {
		if hasCursor {
			rep.CursorAfter = timePtr(cur)
		}
		return nil
	}
	next := maxInserted
	if hasCursor && cur.After(next) {
		next = cur
	}
	if err := tx.SetCursor(ctx, next); err != nil {
		return err
	}
	rep.CursorAfter = timePtr(next)
	return nil
}
