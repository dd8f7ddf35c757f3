package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultPageSize is used when a caller passes a non-positive limit.
	DefaultPageSize = 20
	// MaxPageSize caps a single page.
	MaxPageSize = 100
)

// Reader is the read-only half of a Store, used by the query API.
type Reader interface {
	// Cursor returns the persisted watermark; ok is false before the first insert.
	Cursor(ctx context.Context) (t time.Time, ok bool, err error)
	// FindByReportedAt returns nil, nil when no record has that timestamp.
	FindByReportedAt(ctx context.Context, t time.Time) (*Intervention, error)
	// Get returns nil, nil for an unknown id.
	Get(ctx context.Context, id uint) (*Intervention, error)
	// Page lists records matching f, newest first. See ClampPage for limit and offset rules.
	Page(ctx context.Context, f Filter, limit, offset int) ([]Intervention, error)
	// NewerThan returns the newest record strictly after t, or nil.
	NewerThan(ctx context.Context, t time.Time) (*Intervention, error)
	Count(ctx context.Context, f Filter) (int64, error)
	// Stats groups the records matching f by state, event type and district.
	Stats(ctx context.Context, f Filter) (*Stats, error)
	Ping(ctx context.Context) error
}

// Store persists interventions and the sync cursor.
type Store interface {
	Reader
	// WithTx runs fn as one atomic unit. Changes are visible iff fn returns nil.
	WithTx(ctx context.Context, fn func(Tx) error) error
	// PendingNotifications returns up to limit undelivered outbox entries, oldest first.
	PendingNotifications(ctx context.Context, limit int) ([]Notification, error)
	// MarkNotification records one delivery attempt. A nil sendErr marks the entry sent.
	MarkNotification(ctx context.Context, id uint, sendErr error) error
	Close() error
}

// Tx is the mutating view handed to WithTx callbacks.
type Tx interface {
	Cursor(ctx context.Context) (time.Time, bool, error)
	FindByReportedAt(ctx context.Context, t time.Time) (*Intervention, error)
	// Insert assigns ID and sets CreatedAt = UpdatedAt = now. An existing
	// reported_at yields ErrDuplicateKey and leaves the unit usable.
	Insert(ctx context.Context, rec Intervention) (Intervention, error)
	// UpdateStatus overwrites status and state and refreshes UpdatedAt.
	UpdateStatus(ctx context.Context, id uint, status string) error
	SetCursor(ctx context.Context, t time.Time) error
	// Enqueue adds a pending outbox entry that commits with the unit.
	Enqueue(ctx context.Context, n Notification) error
}

// ClampPage applies the shared paging rules: limit in [1, MaxPageSize] with
// non-positive values mapped to DefaultPageSize, and offset >= 0.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// DefaultOutboxBatch bounds one outbox delivery pass.
const DefaultOutboxBatch = 500

// keyTime is the canonical stored form of a reported_at value.
func keyTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// Store drivers accepted by OpenStore.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverFile     = "file"
)

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
	// File is the JSON document path for the file driver.
	File string `yaml:"file"`
}

// OpenStore opens the backend named by cfg.Driver.
func OpenStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		st, err = openAs(OpenSQLiteStore(cfg.Path))
	case DriverPostgres:
		st, err = openAs(OpenPostgresStore(ctx, cfg.DSN))
	case DriverFile:
		st, err = openAs(OpenFileStore(cfg.File))
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func openAs[S Store](s S, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
