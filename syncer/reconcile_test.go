package syncer

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "sirena.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func snapshotOf(t *testing.T, rows ...[]string) []Intervention {
	t.Helper()
	recs, errs := NormalizeSnapshot(rows)
	require.Empty(t, errs)
	return recs
}

func cursorOf(t *testing.T, st Store) (time.Time, bool) {
	t.Helper()
	c, ok, err := st.Cursor(context.Background())
	require.NoError(t, err)
	return c, ok
}

func TestReconcile_Examples(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			rc := NewReconciler(st, ReconcileOptions{}, nil)
			ctx := context.Background()

			// First run: empty store, one row.
			rep, err := rc.Reconcile(ctx, snapshotOf(t, sampleRow("15.03.2024 14:30", "Otevřená OS")))
			require.NoError(t, err)
			require.Len(t, rep.Inserted, 1)
			assert.Empty(t, rep.StatusChanges)
			assert.Nil(t, rep.CursorBefore)
			require.NotNil(t, rep.CursorAfter)
			assert.Equal(t, "15.03.2024 14:30", FormatTimestamp(*rep.CursorAfter))
			assert.Equal(t, 1, rep.NewCount)
			assert.NotEmpty(t, rep.CycleID)
			assert.False(t, rep.FinishedAt.Before(rep.StartedAt))

			// Same row, status closed: update only, cursor untouched.
			rep, err = rc.Reconcile(ctx, snapshotOf(t, sampleRow("15.03.2024 14:30", "Uzavřená")))
			require.NoError(t, err)
			assert.Empty(t, rep.Inserted)
			require.Len(t, rep.StatusChanges, 1)
			ch := rep.StatusChanges[0]
			assert.Equal(t, "Otevřená OS", ch.From)
			assert.Equal(t, "Uzavřená", ch.To)
			assert.Equal(t, "15.03.2024 14:30", FormatTimestamp(ch.ReportedAt))
			cur, ok := cursorOf(t, st)
			require.True(t, ok)
			assert.Equal(t, "15.03.2024 14:30", FormatTimestamp(cur))

			stored, err := st.FindByReportedAt(ctx, ch.ReportedAt)
			require.NoError(t, err)
			assert.Equal(t, "Uzavřená", stored.Status)
			assert.Equal(t, ch.ID, stored.ID)

			// Nothing changed: empty report.
			rep, err = rc.Reconcile(ctx, snapshotOf(t, sampleRow("15.03.2024 14:30", "Uzavřená")))
			require.NoError(t, err)
			assert.True(t, rep.Empty())
		})
	}
}

func TestReconcile_MixedCycleMovesCursorToNewestInsert(t *testing.T) {
	st := newSQLiteStore(t)
	rc := NewReconciler(st, ReconcileOptions{}, nil)
	ctx := context.Background()

	_, err := rc.Reconcile(ctx, snapshotOf(t,
		sampleRow("15.03.2024 14:30", "Otevřená OS"),
		sampleRow("15.03.2024 14:10", "Otevřená OS"),
	))
	require.NoError(t, err)

	rep, err := rc.Reconcile(ctx, snapshotOf(t,
		sampleRow("15.03.2024 15:05", "Otevřená OS"),
		sampleRow("15.03.2024 14:50", "Otevřená OS"),
		sampleRow("15.03.2024 14:30", "Otevřená OS"),
		sampleRow("15.03.2024 14:10", "Uzavřená"),
	))
	require.NoError(t, err)
	require.Len(t, rep.Inserted, 2)
	assert.Equal(t, "15.03.2024 15:05", FormatTimestamp(rep.Inserted[0].ReportedAt))
	assert.Equal(t, "15.03.2024 14:50", FormatTimestamp(rep.Inserted[1].ReportedAt))
	require.Len(t, rep.StatusChanges, 1)
	assert.Equal(t, "15.03.2024 14:10", FormatTimestamp(rep.StatusChanges[0].ReportedAt))

	assert.Equal(t, "15.03.2024 14:30", FormatTimestamp(*rep.CursorBefore))
	assert.Equal(t, "15.03.2024 15:05", FormatTimestamp(*rep.CursorAfter))
	cur, _ := cursorOf(t, st)
	assert.Equal(t, "15.03.2024 15:05", FormatTimestamp(cur))
}

func TestReconcile_RowsBelowCursor(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()
	rc := NewReconciler(st, ReconcileOptions{}, nil)

	_, err := rc.Reconcile(ctx, snapshotOf(t, sampleRow("15.03.2024 14:30", "Otevřená OS")))
	require.NoError(t, err)

	late := snapshotOf(t,
		sampleRow("15.03.2024 14:30", "Otevřená OS"),
		sampleRow("15.03.2024 14:00", "Otevřená OS"),
	)
	rep, err := rc.Reconcile(ctx, late)
	require.NoError(t, err)
	assert.Empty(t, rep.Inserted)
	assert.Equal(t, 1, rep.BelowCursorSkipped)

	backfill := NewReconciler(st, ReconcileOptions{BackfillBelowCursor: true}, nil)
	rep, err = backfill.Reconcile(ctx, late)
	require.NoError(t, err)
	require.Len(t, rep.Inserted, 1)
	assert.Equal(t, "15.03.2024 14:00", FormatTimestamp(rep.Inserted[0].ReportedAt))
	cur, _ := cursorOf(t, st)
	assert.Equal(t, "15.03.2024 14:30", FormatTimestamp(cur), "cursor never moves back")
}

func TestReconcile_IdentityCheckIgnoresStaleCursor(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()
	insertAll(t, st, mustRecord(t, "15.03.2024 14:30", "Otevřená OS"))

	// Stored record newer than any cursor: must not be inserted twice.
	rc := NewReconciler(st, ReconcileOptions{}, nil)
	rep, err := rc.Reconcile(ctx, snapshotOf(t, sampleRow("15.03.2024 14:30", "Otevřená OS")))
	require.NoError(t, err)
	assert.Empty(t, rep.Inserted)
	_, ok := cursorOf(t, st)
	assert.False(t, ok)

	n, err := st.Count(ctx, Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestReconcile_DuplicateTimestampsInSnapshotFirstWins(t *testing.T) {
	st := newSQLiteStore(t)
	rc := NewReconciler(st, ReconcileOptions{}, nil)
	ctx := context.Background()

	rep, err := rc.Reconcile(ctx, snapshotOf(t,
		sampleRow("15.03.2024 14:30", "Otevřená OS"),
		sampleRow("15.03.2024 14:30", "Uzavřená"),
	))
	require.NoError(t, err)
	require.Len(t, rep.Inserted, 1)
	assert.Equal(t, "Otevřená OS", rep.Inserted[0].Status)
	assert.Equal(t, 1, rep.SnapshotDuplicates)
	assert.Empty(t, rep.StatusChanges)

	// Against a stored record the later duplicate is dropped before the
	// status comparison, so it cannot close the intervention.
	rep, err = rc.Reconcile(ctx, snapshotOf(t,
		sampleRow("15.03.2024 14:30", "Otevřená OS"),
		sampleRow("15.03.2024 14:30", "Uzavřená"),
	))
	require.NoError(t, err)
	assert.Empty(t, rep.StatusChanges)
	assert.Equal(t, 1, rep.SnapshotDuplicates)
	got, err := st.FindByReportedAt(ctx, mustTS(t, "15.03.2024 14:30"))
	require.NoError(t, err)
	assert.Equal(t, "Otevřená OS", got.Status)
}

// staleLookupStore hides stored rows from FindByReportedAt, as when another
// writer commits between the lookup and the insert.
type staleLookupStore struct {
	Store
}

type staleLookupTx struct {
	Tx
}

func (s *staleLookupStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	return s.Store.WithTx(ctx, func(tx Tx) error { return fn(&staleLookupTx{Tx: tx}) })
}

func (t *staleLookupTx) FindByReportedAt(ctx context.Context, ts time.Time) (*Intervention, error) {
	return nil, nil
}

func TestReconcile_DuplicateKeyOnInsertIsSkipped(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()
			insertAll(t, st, mustRecord(t, "15.03.2024 14:30", "Otevřená OS"))

			rc := NewReconciler(&staleLookupStore{Store: st}, ReconcileOptions{}, nil)
			rep, err := rc.Reconcile(ctx, snapshotOf(t,
				sampleRow("15.03.2024 15:00", "Otevřená OS"),
				sampleRow("15.03.2024 14:30", "Otevřená OS"),
			))
			require.NoError(t, err)
			require.Len(t, rep.Inserted, 1)
			assert.Equal(t, "15.03.2024 15:00", FormatTimestamp(rep.Inserted[0].ReportedAt))
			assert.Equal(t, 1, rep.DuplicatesSkipped)
			require.NotNil(t, rep.CursorAfter)
			assert.Equal(t, "15.03.2024 15:00", FormatTimestamp(*rep.CursorAfter))

			n, err := st.Count(ctx, Filter{})
			require.NoError(t, err)
			assert.EqualValues(t, 2, n)
			cur, ok := cursorOf(t, st)
			require.True(t, ok)
			assert.Equal(t, "15.03.2024 15:00", FormatTimestamp(cur))
		})
	}
}

func TestReconcile_CursorIgnoresSkippedNewestInsert(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()
	insertAll(t, st, mustRecord(t, "15.03.2024 15:00", "Otevřená OS"))
	require.NoError(t, st.WithTx(ctx, func(tx Tx) error {
		return tx.SetCursor(ctx, mustTS(t, "15.03.2024 14:00"))
	}))

	rc := NewReconciler(&staleLookupStore{Store: st}, ReconcileOptions{}, nil)
	rep, err := rc.Reconcile(ctx, snapshotOf(t,
		sampleRow("15.03.2024 15:00", "Otevřená OS"),
		sampleRow("15.03.2024 14:30", "Otevřená OS"),
	))
	require.NoError(t, err)
	require.Len(t, rep.Inserted, 1)
	assert.Equal(t, 1, rep.DuplicatesSkipped)
	assert.Equal(t, "15.03.2024 14:30", FormatTimestamp(*rep.CursorAfter))
	cur, _ := cursorOf(t, st)
	assert.Equal(t, "15.03.2024 14:30", FormatTimestamp(cur))
}

func TestReconcile_OutboxQueuesEveryChange(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			plain := NewReconciler(st, ReconcileOptions{}, nil)
			_, err := plain.Reconcile(ctx, snapshotOf(t, sampleRow("15.03.2024 14:10", "Otevřená OS")))
			require.NoError(t, err)
			pending, err := st.PendingNotifications(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, pending)

			rc := NewReconciler(st, ReconcileOptions{Outbox: true}, nil)
			rep, err := rc.Reconcile(ctx, snapshotOf(t,
				sampleRow("15.03.2024 14:30", "Otevřená OS"),
				sampleRow("15.03.2024 14:10", "Uzavřená"),
			))
			require.NoError(t, err)
			require.Len(t, rep.Inserted, 1)
			require.Len(t, rep.StatusChanges, 1)

			pending, err = st.PendingNotifications(ctx, 0)
			require.NoError(t, err)
			require.Len(t, pending, 2)
			assert.Equal(t, EventNew, pending[0].Event)
			assert.Equal(t, rep.CycleID, pending[0].CycleID)
			assert.Equal(t, rep.Inserted[0].ID, pending[0].InterventionID)
			assert.Equal(t, "15.03.2024 14:30", FormatTimestamp(pending[0].ReportedAt))
			assert.Equal(t, EventStatusChange, pending[1].Event)
			assert.Equal(t, "Otevřená OS", pending[1].PreviousStatus)
			assert.Equal(t, "Uzavřená", pending[1].Status)
			assert.Equal(t, "Požár", pending[1].EventType)
		})
	}
}

func TestReconcile_OutboxRolledBackWithCycle(t *testing.T) {
	base := newSQLiteStore(t)
	ctx := context.Background()
	rc := NewReconciler(&failingStore{Store: base, failOn: "cursor"}, ReconcileOptions{Outbox: true}, nil)
	_, err := rc.Reconcile(ctx, snapshotOf(t, sampleRow("15.03.2024 14:30", "Otevřená OS")))
	require.Error(t, err)

	pending, err := base.PendingNotifications(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

type failingStore struct {
	Store
	failOn string
}

type failingTx struct {
	Tx
	failOn string
}

func (f *failingStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	return f.Store.WithTx(ctx, func(tx Tx) error { return fn(&failingTx{Tx: tx, failOn: f.failOn}) })
}

func (f *failingTx) UpdateStatus(ctx context.Context, id uint, status string) error {
	if f.failOn == "update" {
		return &StoreError{Op: "update_status", Err: errors.New("disk full")}
	}
	return f.Tx.UpdateStatus(ctx, id, status)
}

func (f *failingTx) SetCursor(ctx context.Context, t time.Time) error {
	if f.failOn == "cursor" {
		return &StoreError{Op: "set_cursor", Err: errors.New("disk full")}
	}
	return f.Tx.SetCursor(ctx, t)
}

func TestReconcile_StoreErrorRollsBackWholeCycle(t *testing.T) {
	for _, failOn := range []string{"update", "cursor"} {
		t.Run(failOn, func(t *testing.T) {
			base := newSQLiteStore(t)
			ctx := context.Background()
			_, err := NewReconciler(base, ReconcileOptions{}, nil).
				Reconcile(ctx, snapshotOf(t, sampleRow("15.03.2024 14:30", "Otevřená OS")))
			require.NoError(t, err)

			rc := NewReconciler(&failingStore{Store: base, failOn: failOn}, ReconcileOptions{}, nil)
			rep, err := rc.Reconcile(ctx, snapshotOf(t,
				sampleRow("15.03.2024 15:00", "Otevřená OS"),
				sampleRow("15.03.2024 14:30", "Uzavřená"),
			))
			require.Error(t, err)
			assert.Nil(t, rep)
			var se *StoreError
			assert.True(t, errors.As(err, &se))

			n, err := base.Count(ctx, Filter{})
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)
			cur, _ := cursorOf(t, base)
			assert.Equal(t, "15.03.2024 14:30", FormatTimestamp(cur))
			got, err := base.FindByReportedAt(ctx, mustTS(t, "15.03.2024 14:30"))
			require.NoError(t, err)
			assert.Equal(t, "Otevřená OS", got.Status)
		})
	}
}

// randomSnapshot draws rows from a fixed window of minutes so consecutive
// snapshots overlap, change statuses and sometimes go backwards.
func randomSnapshot(t *testing.T, r *rand.Rand) []Intervention {
	statuses := []string{"Otevřená OS", "Probíhá", "Uzavřená"}
	base := time.Date(2024, 3, 15, 12, 0, 0, 0, SourceLocation)
	n := r.IntN(8)
	rows := make([][]string, 0, n)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(r.IntN(40)) * time.Minute)
		rows = append(rows, sampleRow(ts.Format(TimestampLayout), statuses[r.IntN(len(statuses))]))
	}
	return snapshotOf(t, rows...)
}

func TestReconcile_Properties(t *testing.T) {
	st, err := OpenFileStore("")
	require.NoError(t, err)
	rc := NewReconciler(st, ReconcileOptions{}, nil)
	ctx := context.Background()
	r := rand.New(rand.NewPCG(1, 2))

	var prevCursor time.Time
	for i := 0; i < 200; i++ {
		snap := randomSnapshot(t, r)
		rep, err := rc.Reconcile(ctx, snap)
		require.NoError(t, err)

		cur, ok := cursorOf(t, st)
		if ok {
			assert.False(t, cur.Before(prevCursor), "cursor moved back at step %d", i)
			prevCursor = cur
		}
		if len(rep.Inserted) == 0 {
			if rep.CursorBefore == nil {
				assert.Nil(t, rep.CursorAfter)
			} else {
				assert.True(t, rep.CursorAfter.Equal(*rep.CursorBefore))
			}
		} else {
			newest := rep.Inserted[0].ReportedAt
			for _, ins := range rep.Inserted {
				if ins.ReportedAt.After(newest) {
					newest = ins.ReportedAt
				}
			}
			want := newest
			if rep.CursorBefore != nil && rep.CursorBefore.After(want) {
				want = *rep.CursorBefore
			}
			assert.True(t, rep.CursorAfter.Equal(want), "step %d", i)
		}

		// Idempotence: the same snapshot again changes nothing.
		again, err := rc.Reconcile(ctx, snap)
		require.NoError(t, err)
		assert.True(t, again.Empty(), "step %d: second pass not empty", i)
	}

	page, err := st.Page(ctx, Filter{}, MaxPageSize, 0)
	require.NoError(t, err)
	seen := map[int64]bool{}
	for _, rec := range page {
		assert.False(t, seen[rec.ReportedAt.Unix()], "duplicate reported_at %s", rec.ReportedAt)
		seen[rec.ReportedAt.Unix()] = true
		assert.False(t, rec.UpdatedAt.Before(rec.CreatedAt))
	}
}
