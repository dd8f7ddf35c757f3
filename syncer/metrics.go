package syncer

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the sync engine collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDur      prometheus.Summary
	inserted      prometheus.Counter
	statusChanges *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	duplicates    prometheus.Counter
	snapshotSize  prometheus.Gauge
	cursorTS      prometheus.Gauge
	lastSuccessTS prometheus.Gauge
	notifications *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}
	m.cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sirena",
		Name:      "sync_cycles_total",
		Help:      "Sync cycles by outcome",
	}, []string{"outcome"})
	m.cycleDur = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "sirena",
		Name:      "sync_cycle_duration_seconds",
		Help:      "Time from the start of a cycle's fetch to its commit",
	})
	m.inserted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sirena",
		Name:      "interventions_inserted_total",
		Help:      "New interventions stored",
	})
	m.statusChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sirena",
		Name:      "status_changes_total",
		Help:      "Reconciled status changes by resulting state",
	}, []string{"state"})
	m.rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sirena",
		Name:      "rows_rejected_total",
		Help:      "Source rows rejected by the normalizer",
	}, []string{"reason"})
	m.duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sirena",
		Name:      "duplicate_inserts_skipped_total",
		Help:      "Inserts skipped because reported_at already existed",
	})
	m.snapshotSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sirena",
		Name:      "snapshot_rows",
		Help:      "Normalized rows in the last fetched snapshot",
	})
	m.cursorTS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sirena",
		Name:      "sync_cursor_timestamp_seconds",
		Help:      "Unix timestamp of the sync cursor",
	})
	m.lastSuccessTS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sirena",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last committed cycle",
	})
	m.notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sirena",
		Name:      "notifications_total",
		Help:      "Outbox delivery attempts by outcome",
	}, []string{"outcome"})
	m.Registry.MustRegister(
		m.cycles, m.cycleDur, m.inserted, m.statusChanges, m.rejected,
		m.duplicates, m.snapshotSize, m.cursorTS, m.lastSuccessTS, m.notifications,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) observeRejected(errs []error) {
	if m == nil {
		return
	}
	for _, err := range errs {
		reason := "other"
		var ne *NormalizationError
		if errors.As(err, &ne) {
			reason = ne.ReasonLabel()
		}
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) observeSuccess(rep *Report) {
	if m == nil || rep == nil {
		return
	}
	m.cycles.WithLabelValues("ok").Inc()
	m.cycleDur.Observe(rep.Duration().Seconds())
	m.inserted.Add(float64(len(rep.Inserted)))
	for _, ch := range rep.StatusChanges {
		m.statusChanges.WithLabelValues(ClassifyStatus(ch.To)).Inc()
	}
	m.duplicates.Add(float64(rep.DuplicatesSkipped))
	m.snapshotSize.Set(float64(rep.SnapshotSize))
	if rep.CursorAfter != nil {
		m.cursorTS.Set(float64(rep.CursorAfter.Unix()))
	}
	m.lastSuccessTS.Set(float64(rep.FinishedAt.Unix()))
}

func (m *Metrics) observeFailure(outcome string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeNotification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}
