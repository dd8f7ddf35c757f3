package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Fetcher returns the raw rows of the current source snapshot.
type Fetcher interface {
	Fetch(ctx context.Context) ([][]string, error)
}

// FetcherFunc adapts a plain function to Fetcher.
type FetcherFunc func(ctx context.Context) ([][]string, error)

func (f FetcherFunc) Fetch(ctx context.Context) ([][]string, error) { return f(ctx) }

// RunnerState is the poll loop phase shown by the status endpoint.
type RunnerState string

const (
	RunnerIdle        RunnerState = "idle"
	RunnerFetching    RunnerState = "fetching"
	RunnerReconciling RunnerState = "reconciling"
)

type RunnerConfig struct {
	Fetcher    Fetcher
	Store      Store
	Reconcile  ReconcileOptions
	Schedule   *Schedule
	Publishers []Publisher
	// Notifier, when set, turns on the persisted outbox: every insert and
	// status change is queued in the cycle's unit of work and delivered from there.
	Notifier   Notifier
	Metrics    *Metrics
	Logger     *slog.Logger
}

// Runner drives fetch, normalize, reconcile and publish cycles. Cycles never overlap.
type Runner struct {
	fetcher    Fetcher
	store      Store
	notifier   Notifier
	reconciler *Reconciler
	schedule   *Schedule
	publishers []Publisher
	metrics    *Metrics
	logger     *slog.Logger

	cycleMu sync.Mutex

	mu          sync.RWMutex
	state       RunnerState
	lastReport  *Report
	lastChanges *Report
	lastErr     error
	lastRunAt   time.Time
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("Fetcher is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	if cfg.Schedule == nil {
		cfg.Schedule = FixedSchedule(DefaultInterval)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg.Reconcile.Outbox = cfg.Notifier != nil
	return &Runner{
		fetcher:    cfg.Fetcher,
		store:      cfg.Store,
		notifier:   cfg.Notifier,
		reconciler: NewReconciler(cfg.Store, cfg.Reconcile, cfg.Logger),
		schedule:   cfg.Schedule,
		publishers: cfg.Publishers,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With("component", "runner"),
		state:      RunnerIdle,
	}, nil
}

// AddPublisher registers p for subsequent cycles.
func (r *Runner) AddPublisher(p Publisher) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()
	r.publishers = append(r.publishers, p)
}

func (r *Runner) State() RunnerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// LastReport is the report of the most recent committed cycle, empty or not.
func (r *Runner) LastReport() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastReport
}

// LatestChanges is the most recent report that inserted or changed something.
func (r *Runner) LatestChanges() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastChanges
}

// LastError is the error of the most recent cycle, nil if it succeeded.
func (r *Runner) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// LastRunAt is when the most recent cycle finished, successful or not.
func (r *Runner) LastRunAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRunAt
}

func (r *Runner) setState(s RunnerState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Runner) finish(rep *Report, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = RunnerIdle
	r.lastErr = err
	r.lastRunAt = time.Now().UTC()
	if err == nil {
		r.lastReport = rep
		if !rep.Empty() {
			r.lastChanges = rep
		}
	}
}

// RunOnce performs one cycle. Rejected rows are logged and counted; fetch and
// store failures abort the cycle with nothing committed.
func (r *Runner) RunOnce(ctx context.Context) (*Report, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	start := time.Now().UTC()
	r.deliverPending(ctx)
	r.setState(RunnerFetching)
	r.logger.Debug("cycle start")

	rows, err := r.fetcher.Fetch(ctx)
	if err != nil {
		err = fmt.Errorf("fetch: %w", err)
		r.metrics.observeFailure("fetch_error")
		r.finish(nil, err)
		return nil, err
	}

	recs, rejected := NormalizeSnapshot(rows)
	for _, rerr := range rejected {
		r.logger.Warn("row rejected", "err", rerr)
	}
	r.metrics.observeRejected(rejected)

	r.setState(RunnerReconciling)
	rep, err := r.reconciler.Reconcile(ctx, recs)
	if err != nil {
		r.metrics.observeFailure("store_error")
		r.finish(nil, err)
		return nil, err
	}
	rep.StartedAt = start
	rep.RejectedRows = len(rejected)
	r.metrics.observeSuccess(rep)
	r.finish(rep, nil)

	attrs := []any{
		"cycle", rep.CycleID,
		"rows", len(rows),
		"rejected", rep.RejectedRows,
		"new", rep.NewCount,
		"changed", rep.ChangedCount,
		"digest", rep.SnapshotDigest,
		"elapsed", time.Since(start),
	}
	if rep.CursorAfter != nil {
		attrs = append(attrs, "cursor", FormatTimestamp(*rep.CursorAfter))
	}
	if rep.Empty() {
		r.logger.Debug("cycle done, nothing new", attrs...)
		return rep, nil
	}
	r.deliverPending(ctx)
	r.logger.Info("cycle done", attrs...)
	for _, rec := range rep.Inserted {
		r.logger.Info("new intervention",
			"reported_at", FormatTimestamp(rec.ReportedAt),
			"status", rec.Status,
			"event_type", rec.EventType,
			"municipality", rec.Municipality,
			"district", rec.District)
	}
	for _, ch := range rep.StatusChanges {
		r.logger.Info("status changed",
			"id", ch.ID,
			"reported_at", FormatTimestamp(ch.ReportedAt),
			"from", ch.From,
			"to", ch.To)
	}
	r.publish(ctx, rep)
	return rep, nil
}

func (r *Runner) publish(ctx context.Context, rep *Report) {
	for _, p := range r.publishers {
		if err := p.Publish(ctx, rep); err != nil {
			r.logger.Warn("publish failed", "cycle", rep.CycleID, "err", err)
		}
	}
}

// deliverPending sends queued outbox entries oldest first and records each
// outcome. Delivery failures never fail the cycle.
func (r *Runner) deliverPending(ctx context.Context) {
	if r.notifier == nil {
		return
	}
	pending, err := r.store.PendingNotifications(ctx, DefaultOutboxBatch)
	if err != nil {
		r.logger.Warn("load pending notifications failed", "err", err)
		return
	}
	for _, n := range pending {
		if ctx.Err() != nil {
			return
		}
		sendErr := r.notifier.Notify(ctx, n)
		if sendErr != nil {
			r.logger.Warn("notification failed", "id", n.ID, "event", n.Event,
				"reported_at", FormatTimestamp(n.ReportedAt), "attempt", n.Attempts+1, "err", sendErr)
			r.metrics.observeNotification("error")
		} else {
			r.metrics.observeNotification("sent")
		}
		if err := r.store.MarkNotification(ctx, n.ID, sendErr); err != nil {
			r.logger.Warn("mark notification failed", "id", n.ID, "err", err)
		}
	}
}

func (r *Runner) runCycle(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cycle panic: %v", p)
			r.logger.Error("cycle panicked", "panic", p, "stack", string(debug.Stack()))
			r.metrics.observeFailure("panic")
			r.finish(nil, err)
		}
	}()
	_, err = r.RunOnce(ctx)
	return err
}

// Run cycles until ctx is done, waiting Schedule.Next() between the end of
// one cycle and the start of the next. Cycle errors are logged and never stop the loop.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("poll loop start", "schedule", r.schedule.String())
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("cycle failed", "err", err)
		}
		wait := r.schedule.Next()
		r.logger.Debug("next cycle", "in", wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			r.logger.Info("poll loop stopping")
			return ctx.Err()
		case <-t.C:
		}
	}
}
