package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLiteStore is the embedded SQL backend.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path and migrates the schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, storeErr("open", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, storeErr("open", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Intervention{}, &SyncCursor{}, &Notification{}); err != nil {
		_ = sqlDB.Close()
		return nil, storeErr("migrate", err)
	}
	if err := gormBackfillStates(db); err != nil {
		_ = sqlDB.Close()
		return nil, storeErr("migrate", err)
	}
	return &SQLiteStore{db: db}, nil
}

// gormBackfillStates classifies rows written before the state column existed.
func gormBackfillStates(db *gorm.DB) error {
	var rows []Intervention
	if err := db.Select("id", "status").Where("state = ? OR state IS NULL", "").Find(&rows).Error; err != nil {
		return err
	}
	for _, r := range rows {
		err := db.Model(&Intervention{}).Where("id = ?", r.ID).
			UpdateColumn("state", ClassifyStatus(r.Status)).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return storeErr("ping", err)
	}
	return storeErr("ping", sqlDB.PingContext(ctx))
}

func (s *SQLiteStore) Cursor(ctx context.Context) (time.Time, bool, error) {
	return gormCursor(s.db.WithContext(ctx))
}

func (s *SQLiteStore) FindByReportedAt(ctx context.Context, t time.Time) (*Intervention, error) {
	return gormFind(s.db.WithContext(ctx), t)
}

func (s *SQLiteStore) Get(ctx context.Context, id uint) (*Intervention, error) {
	var rec Intervention
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) Page(ctx context.Context, f Filter, limit, offset int) ([]Intervention, error) {
	limit, offset = ClampPage(limit, offset)
	var out []Intervention
	err := gormFilter(s.db.WithContext(ctx), f).
		Order("reported_at desc").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, storeErr("page", err)
	}
	return out, nil
}

func (s *SQLiteStore) NewerThan(ctx context.Context, t time.Time) (*Intervention, error) {
	var rec Intervention
	err := s.db.WithContext(ctx).
		Where("reported_at > ?", keyTime(t)).
		Order("reported_at desc").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("newer_than", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) Count(ctx context.Context, f Filter) (int64, error) {
	var n int64
	if err := gormFilter(s.db.WithContext(ctx).Model(&Intervention{}), f).Count(&n).Error; err != nil {
		return 0, storeErr("count", err)
	}
	return n, nil
}

func (s *SQLiteStore) Stats(ctx context.Context, f Filter) (*Stats, error) {
	groups := make(map[string]map[string]int64, 3)
	var total int64
	for _, col := range []string{"state", "event_type", "district"} {
		var rows []struct {
			Grp string
			N   int64
		}
		err := gormFilter(s.db.WithContext(ctx).Model(&Intervention{}), f).
			Select(col + " AS grp, COUNT(*) AS n").
			Group(col).
			Scan(&rows).Error
		if err != nil {
			return nil, storeErr("stats", err)
		}
		m := make(map[string]int64, len(rows))
		var sum int64
		for _, r := range rows {
			m[r.Grp] += r.N
			sum += r.N
		}
		groups[col] = m
		total = sum
	}
	return newStats(total, groups["state"], groups["event_type"], groups["district"]), nil
}

func (s *SQLiteStore) PendingNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = DefaultOutboxBatch
	}
	var out []Notification
	err := s.db.WithContext(ctx).
		Where("sent = ?", false).
		Order("id asc").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, storeErr("pending_notifications", err)
	}
	return out, nil
}

func (s *SQLiteStore) MarkNotification(ctx context.Context, id uint, sendErr error) error {
	updates := map[string]any{"attempts": gorm.Expr("attempts + 1")}
	if sendErr != nil {
		updates["send_error"] = sendErr.Error()
	} else {
		now := time.Now().UTC()
		updates["sent"] = true
		updates["send_error"] = ""
		updates["sent_at"] = &now
	}
	res := s.db.WithContext(ctx).Model(&Notification{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return storeErr("mark_notification", res.Error)
	}
	if res.RowsAffected == 0 {
		return storeErr("mark_notification", fmt.Errorf("notification %d: %w", id, ErrNotFound))
	}
	return nil
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) Cursor(ctx context.Context) (time.Time, bool, error) {
	return gormCursor(t.db.WithContext(ctx))
}

func (t *gormTx) FindByReportedAt(ctx context.Context, ts time.Time) (*Intervention, error) {
	return gormFind(t.db.WithContext(ctx), ts)
}

func (t *gormTx) Insert(ctx context.Context, rec Intervention) (Intervention, error) {
	db := t.db.WithContext(ctx)
	existing, err := gormFind(db, rec.ReportedAt)
	if err != nil {
		return Intervention{}, err
	}
	if existing != nil {
		return Intervention{}, ErrDuplicateKey
	}
	now := time.Now().UTC()
	rec.ID = 0
	rec.ReportedAt = keyTime(rec.ReportedAt)
	rec.State = ClassifyStatus(rec.Status)
	rec.CreatedAt = now
	rec.UpdatedAt = now
	// Nested Transaction runs under a savepoint, so a failed insert does not abort the unit.
	err = db.Transaction(func(sp *gorm.DB) error {
		return sp.Create(&rec).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return Intervention{}, ErrDuplicateKey
		}
		return Intervention{}, storeErr("insert", err)
	}
	return rec, nil
}

func (t *gormTx) UpdateStatus(ctx context.Context, id uint, status string) error {
	res := t.db.WithContext(ctx).
		Model(&Intervention{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "state": ClassifyStatus(status), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return storeErr("update_status", res.Error)
	}
	if res.RowsAffected == 0 {
		return storeErr("update_status", fmt.Errorf("id %d: %w", id, ErrNotFound))
	}
	return nil
}

func (t *gormTx) SetCursor(ctx context.Context, ts time.Time) error {
	row := SyncCursor{ID: cursorRowID, ReportedAt: keyTime(ts), UpdatedAt: time.Now().UTC()}
	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"reported_at", "updated_at"}),
	}).Create(&row).Error
	return storeErr("set_cursor", err)
}

func (t *gormTx) Enqueue(ctx context.Context, n Notification) error {
	n.ID = 0
	n.CreatedAt = time.Now().UTC()
	n.Sent = false
	return storeErr("enqueue", t.db.WithContext(ctx).Create(&n).Error)
}

func gormFilter(db *gorm.DB, f Filter) *gorm.DB {
	if len(f.States) > 0 {
		db = db.Where("state IN ?", f.States)
	}
	if len(f.EventTypes) > 0 {
		db = db.Where("event_type IN ?", f.EventTypes)
	}
	if len(f.Regions) > 0 {
		db = db.Where("region IN ?", f.Regions)
	}
	if len(f.Districts) > 0 {
		db = db.Where("district IN ?", f.Districts)
	}
	return db
}

func gormCursor(db *gorm.DB) (time.Time, bool, error) {
	var c SyncCursor
	err := db.Where("id = ?", cursorRowID).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storeErr("cursor", err)
	}
	return c.ReportedAt.UTC(), true, nil
}

func gormFind(db *gorm.DB, t time.Time) (*Intervention, error) {
	var rec Intervention
	err := db.Where("reported_at = ?", keyTime(t)).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find", err)
	}
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "duplicate key")
}
