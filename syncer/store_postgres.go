package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS interventions (
		id                BIGSERIAL PRIMARY KEY,
		reported_at       TIMESTAMPTZ NOT NULL UNIQUE,
		status            TEXT NOT NULL,
		event_type        TEXT NOT NULL,
		event_subtype     TEXT NOT NULL,
		region            TEXT NOT NULL,
		district          TEXT NOT NULL,
		municipality_area TEXT NOT NULL,
		municipality      TEXT NOT NULL,
		locality_part     TEXT NOT NULL,
		street            TEXT NOT NULL,
		road              TEXT NOT NULL,
		media_note        TEXT NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`ALTER TABLE interventions ADD COLUMN IF NOT EXISTS state TEXT NOT NULL DEFAULT ''`,
	`CREATE INDEX IF NOT EXISTS idx_interventions_status ON interventions (status)`,
	`CREATE INDEX IF NOT EXISTS idx_interventions_state ON interventions (state)`,
	`CREATE INDEX IF NOT EXISTS idx_interventions_event_type ON interventions (event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_interventions_district ON interventions (district)`,
	`CREATE TABLE IF NOT EXISTS sync_cursors (
		id          INTEGER PRIMARY KEY,
		reported_at TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id              BIGSERIAL PRIMARY KEY,
		created_at      TIMESTAMPTZ NOT NULL,
		cycle_id        TEXT NOT NULL,
		event           TEXT NOT NULL,
		intervention_id BIGINT NOT NULL,
		reported_at     TIMESTAMPTZ NOT NULL,
		status          TEXT NOT NULL,
		previous_status TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		event_subtype   TEXT NOT NULL,
		municipality    TEXT NOT NULL,
		district        TEXT NOT NULL,
		sent            BOOLEAN NOT NULL DEFAULT FALSE,
		attempts        INTEGER NOT NULL DEFAULT 0,
		send_error      TEXT NOT NULL DEFAULT '',
		sent_at         TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_pending ON notifications (id) WHERE NOT sent`,
}

const interventionColumns = `id, reported_at, status, state, event_type, event_subtype, region, district,
	municipality_area, municipality, locality_part, street, road, media_note, created_at, updated_at`

const notificationColumns = `id, created_at, cycle_id, event, intervention_id, reported_at, status,
	previous_status, event_type, event_subtype, municipality, district, sent, attempts, send_error, sent_at`

const pgUniqueViolation = "23505"

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the networked SQL backend.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// OpenPostgresStore connects, pings and creates the schema if missing.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, storeErr("open", fmt.Errorf("unable to create connection pool: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storeErr("open", fmt.Errorf("unable to ping database: %w", err))
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, storeErr("migrate", err)
		}
	}
	if err := pgBackfillStates(ctx, pool); err != nil {
		pool.Close()
		return nil, storeErr("migrate", err)
	}
	return &PostgresStore{Pool: pool}, nil
}

// pgBackfillStates classifies rows written before the state column existed.
func pgBackfillStates(ctx context.Context, q pgQuerier) error {
	rows, err := q.Query(ctx, `SELECT DISTINCT status FROM interventions WHERE state = ''`)
	if err != nil {
		return err
	}
	statuses, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return err
	}
	for _, status := range statuses {
		if _, err := q.Exec(ctx, `UPDATE interventions SET state = $1 WHERE state = '' AND status = $2`,
			ClassifyStatus(status), status); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.Pool != nil {
		s.Pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return storeErr("ping", s.Pool.Ping(ctx))
}

func (s *PostgresStore) Cursor(ctx context.Context) (time.Time, bool, error) {
	return pgCursor(ctx, s.Pool)
}

func (s *PostgresStore) FindByReportedAt(ctx context.Context, t time.Time) (*Intervention, error) {
	return pgFind(ctx, s.Pool, t)
}

func (s *PostgresStore) Get(ctx context.Context, id uint) (*Intervention, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+interventionColumns+` FROM interventions WHERE id = $1`, int64(id))
	rec, err := scanIntervention(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Page(ctx context.Context, f Filter, limit, offset int) ([]Intervention, error) {
	limit, offset = ClampPage(limit, offset)
	where, args := pgWhere(f)
	n := len(args)
	args = append(args, limit, offset)
	rows, err := s.Pool.Query(ctx,
		fmt.Sprintf(`SELECT `+interventionColumns+` FROM interventions%s ORDER BY reported_at DESC LIMIT $%d OFFSET $%d`,
			where, n+1, n+2),
		args...)
	if err != nil {
		return nil, storeErr("page", err)
	}
	defer rows.Close()

	out := make([]Intervention, 0, limit)
	for rows.Next() {
		rec, err := scanIntervention(rows)
		if err != nil {
			return nil, storeErr("page", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("page", err)
	}
	return out, nil
}

func (s *PostgresStore) NewerThan(ctx context.Context, t time.Time) (*Intervention, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+interventionColumns+` FROM interventions WHERE reported_at > $1 ORDER BY reported_at DESC LIMIT 1`,
		keyTime(t))
	rec, err := scanIntervention(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("newer_than", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Count(ctx context.Context, f Filter) (int64, error) {
	where, args := pgWhere(f)
	var n int64
	if err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM interventions`+where, args...).Scan(&n); err != nil {
		return 0, storeErr("count", err)
	}
	return n, nil
}

func (s *PostgresStore) Stats(ctx context.Context, f Filter) (*Stats, error) {
	where, args := pgWhere(f)
	groups := make(map[string]map[string]int64, 3)
	var total int64
	for _, col := range []string{"state", "event_type", "district"} {
		rows, err := s.Pool.Query(ctx,
			`SELECT `+col+`, COUNT(*) FROM interventions`+where+` GROUP BY `+col, args...)
		if err != nil {
			return nil, storeErr("stats", err)
		}
		counts := map[string]int64{}
		var sum int64
		var key string
		var n int64
		_, err = pgx.ForEachRow(rows, []any{&key, &n}, func() error {
			counts[key] = n
			sum += n
			return nil
		})
		if err != nil {
			return nil, storeErr("stats", err)
		}
		groups[col] = counts
		total = sum
	}
	return newStats(total, groups["state"], groups["event_type"], groups["district"]), nil
}

func (s *PostgresStore) PendingNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = DefaultOutboxBatch
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE NOT sent ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, storeErr("pending_notifications", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, storeErr("pending_notifications", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("pending_notifications", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkNotification(ctx context.Context, id uint, sendErr error) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if sendErr != nil {
		tag, err = s.Pool.Exec(ctx,
			`UPDATE notifications SET attempts = attempts + 1, send_error = $1 WHERE id = $2`,
			sendErr.Error(), int64(id))
	} else {
		tag, err = s.Pool.Exec(ctx,
			`UPDATE notifications SET attempts = attempts + 1, sent = TRUE, send_error = '', sent_at = $1 WHERE id = $2`,
			time.Now().UTC(), int64(id))
	}
	if err != nil {
		return storeErr("mark_notification", err)
	}
	if tag.RowsAffected() == 0 {
		return storeErr("mark_notification", fmt.Errorf("notification %d: %w", id, ErrNotFound))
	}
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return storeErr("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return storeErr("commit", tx.Commit(ctx))
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Cursor(ctx context.Context) (time.Time, bool, error) {
	return pgCursor(ctx, t.tx)
}

func (t *pgTx) FindByReportedAt(ctx context.Context, ts time.Time) (*Intervention, error) {
	return pgFind(ctx, t.tx, ts)
}

func (t *pgTx) Insert(ctx context.Context, rec Intervention) (Intervention, error) {
	now := time.Now().UTC()
	rec.ReportedAt = keyTime(rec.ReportedAt)
	rec.State = ClassifyStatus(rec.Status)
	rec.CreatedAt = now
	rec.UpdatedAt = now

	// Begin on a pgx.Tx opens a savepoint; a unique violation only rolls that back.
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return Intervention{}, storeErr("insert", err)
	}
	defer func() { _ = sp.Rollback(ctx) }()

	var id int64
	err = sp.QueryRow(ctx, `INSERT INTO interventions (
		reported_at, status, state, event_type, event_subtype, region, district,
		municipality_area, municipality, locality_part, street, road, media_note, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15) RETURNING id`,
		rec.ReportedAt, rec.Status, rec.State, rec.EventType, rec.EventSubtype, rec.Region, rec.District,
		rec.MunicipalityArea, rec.Municipality, rec.LocalityPart, rec.Street, rec.Road, rec.MediaNote,
		rec.CreatedAt, rec.UpdatedAt,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Intervention{}, ErrDuplicateKey
		}
		return Intervention{}, storeErr("insert", err)
	}
	if err := sp.Commit(ctx); err != nil {
		return Intervention{}, storeErr("insert", err)
	}
	rec.ID = uint(id)
	return rec, nil
}

func (t *pgTx) UpdateStatus(ctx context.Context, id uint, status string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE interventions SET status = $1, state = $2, updated_at = $3 WHERE id = $4`,
		status, ClassifyStatus(status), time.Now().UTC(), int64(id))
	if err != nil {
		return storeErr("update_status", err)
	}
	if tag.RowsAffected() == 0 {
		return storeErr("update_status", fmt.Errorf("id %d: %w", id, ErrNotFound))
	}
	return nil
}

func (t *pgTx) SetCursor(ctx context.Context, ts time.Time) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO sync_cursors (id, reported_at, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET reported_at = EXCLUDED.reported_at, updated_at = EXCLUDED.updated_at`,
		cursorRowID, keyTime(ts), time.Now().UTC())
	return storeErr("set_cursor", err)
}

func (t *pgTx) Enqueue(ctx context.Context, n Notification) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO notifications (
		created_at, cycle_id, event, intervention_id, reported_at, status, previous_status,
		event_type, event_subtype, municipality, district
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		time.Now().UTC(), n.CycleID, n.Event, int64(n.InterventionID), keyTime(n.ReportedAt),
		n.Status, n.PreviousStatus, n.EventType, n.EventSubtype, n.Municipality, n.District)
	return storeErr("enqueue", err)
}

// pgWhere renders the filter as a WHERE clause with positional array arguments.
func pgWhere(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, values []string) {
		if len(values) == 0 {
			return
		}
		args = append(args, values)
		conds = append(conds, fmt.Sprintf("%s = ANY($%d)", col, len(args)))
	}
	add("state", f.States)
	add("event_type", f.EventTypes)
	add("region", f.Regions)
	add("district", f.Districts)
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func pgCursor(ctx context.Context, q pgQuerier) (time.Time, bool, error) {
	var t time.Time
	err := q.QueryRow(ctx, `SELECT reported_at FROM sync_cursors WHERE id = $1`, cursorRowID).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storeErr("cursor", err)
	}
	return t.UTC(), true, nil
}

func pgFind(ctx context.Context, q pgQuerier, t time.Time) (*Intervention, error) {
	row := q.QueryRow(ctx,
		`SELECT `+interventionColumns+` FROM interventions WHERE reported_at = $1`, keyTime(t))
	rec, err := scanIntervention(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find", err)
	}
	return &rec, nil
}

func scanIntervention(row pgx.Row) (Intervention, error) {
	var (
		rec Intervention
		id  int64
	)
	err := row.Scan(&id, &rec.ReportedAt, &rec.Status, &rec.State, &rec.EventType, &rec.EventSubtype,
		&rec.Region, &rec.District, &rec.MunicipalityArea, &rec.Municipality, &rec.LocalityPart,
		&rec.Street, &rec.Road, &rec.MediaNote, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Intervention{}, err
	}
	rec.ID = uint(id)
	rec.ReportedAt = rec.ReportedAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func scanNotification(row pgx.Row) (Notification, error) {
	var (
		n           Notification
		id, interID int64
		sentAt      *time.Time
	)
	err := row.Scan(&id, &n.CreatedAt, &n.CycleID, &n.Event, &interID, &n.ReportedAt, &n.Status,
		&n.PreviousStatus, &n.EventType, &n.EventSubtype, &n.Municipality, &n.District,
		&n.Sent, &n.Attempts, &n.SendError, &sentAt)
	if err != nil {
		return Notification{}, err
	}
	n.ID = uint(id)
	n.InterventionID = uint(interID)
	n.CreatedAt = n.CreatedAt.UTC()
	n.ReportedAt = n.ReportedAt.UTC()
	if sentAt != nil {
		utc := sentAt.UTC()
		n.SentAt = &utc
	}
	return n, nil
}
