package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Notification outcome label values.
const (
	// NotifyStarted means the notification started a cycle immediately.
	NotifyStarted = "started"
	// NotifyQueued means it arrived during a cycle and set the pending flag.
	NotifyQueued = "queued"
	// NotifyCoalesced means the pending flag was already set.
	NotifyCoalesced = "coalesced"
)

// ArchiverMetrics holds the metrics of the archival control loop. Every
// series is labelled by board so one process can archive several boards.
//
// A nil *ArchiverMetrics records nothing.
type ArchiverMetrics struct {
	// CyclesTotal counts evaluation cycles by result (success/failure).
	CyclesTotal *prometheus.CounterVec

	// CycleDuration tracks end-to-end cycle latency including page
	// fetches and moderation actions.
	CycleDuration *prometheus.HistogramVec

	// ActionsTotal counts moderation submissions by action (locked/purged)
	// and status.
	ActionsTotal *prometheus.CounterVec

	// TrackedThreads is the number of threads in the tracked locked set.
	TrackedThreads *prometheus.GaugeVec

	// NotificationsTotal counts scheduler notifications by outcome.
	NotificationsTotal *prometheus.CounterVec

	// PageFetchesTotal counts ranked page fetches by ranking source.
	PageFetchesTotal *prometheus.CounterVec

	// BackupsTotal counts state backup uploads by status.
	BackupsTotal *prometheus.CounterVec

	// AuditEventsTotal counts audit events published by status.
	AuditEventsTotal *prometheus.CounterVec

	// LockHeld is 1 while this process holds the board's process lock.
	LockHeld *prometheus.GaugeVec
}

// NewArchiverMetrics creates archiver metrics registered with the default
// registry.
func NewArchiverMetrics() *ArchiverMetrics {
	return NewArchiverMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewArchiverMetricsWithRegistry creates archiver metrics registered with reg.
// Useful for testing to avoid conflicts with the default registry.
func NewArchiverMetricsWithRegistry(reg prometheus.Registerer) *ArchiverMetrics {
	m := &ArchiverMetrics{
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "archivist",
				Subsystem: "cycle",
				Name:      "total",
				Help:      "Total number of evaluation cycles by result.",
			},
			[]string{"board", "status"},
		),
		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "archivist",
				Subsystem: "cycle",
				Name:      "duration_seconds",
				Help:      "Duration of evaluation cycles in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"board"},
		),
		ActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "archivist",
				Subsystem: "moderation",
				Name:      "actions_total",
				Help:      "Total number of moderation actions submitted by action and status.",
			},
			[]string{"board", "action", "status"},
		),
		TrackedThreads: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "archivist",
				Subsystem: "state",
				Name:      "tracked_threads",
				Help:      "Number of locked threads awaiting purge.",
			},
			[]string{"board"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "archivist",
				Subsystem: "scheduler",
				Name:      "notifications_total",
				Help:      "Total number of update notifications by outcome (started, queued, coalesced).",
			},
			[]string{"board", "outcome"},
		),
		PageFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "archivist",
				Subsystem: "ranking",
				Name:      "page_fetches_total",
				Help:      "Total number of ranked page fetches by ranking source.",
			},
			[]string{"board", "source"},
		),
		BackupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "archivist",
				Subsystem: "backup",
				Name:      "uploads_total",
				Help:      "Total number of state backup uploads by status.",
			},
			[]string{"board", "status"},
		),
		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "archivist",
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Total number of audit events published by status.",
			},
			[]string{"board", "status"},
		),
		LockHeld: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "archivist",
				Subsystem: "pidlock",
				Name:      "held",
				Help:      "1 if this process holds the board's process lock, 0 otherwise.",
			},
			[]string{"board"},
		),
	}

	reg.MustRegister(m.CyclesTotal)
	reg.MustRegister(m.CycleDuration)
	reg.MustRegister(m.ActionsTotal)
	reg.MustRegister(m.TrackedThreads)
	reg.MustRegister(m.NotificationsTotal)
	reg.MustRegister(m.PageFetchesTotal)
	reg.MustRegister(m.BackupsTotal)
	reg.MustRegister(m.AuditEventsTotal)
	reg.MustRegister(m.LockHeld)

	return m
}

func status(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}

// RecordCycle records a completed evaluation cycle.
func (m *ArchiverMetrics) RecordCycle(board string, durationSeconds float64, success bool) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(board, status(success)).Inc()
	m.CycleDuration.WithLabelValues(board).Observe(durationSeconds)
}

// RecordAction records one moderation submission.
func (m *ArchiverMetrics) RecordAction(board, action string, success bool) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(board, action, status(success)).Inc()
}

// RecordTrackedThreads sets the tracked locked thread count.
func (m *ArchiverMetrics) RecordTrackedThreads(board string, count int) {
	if m == nil {
		return
	}
	m.TrackedThreads.WithLabelValues(board).Set(float64(count))
}

// RecordNotification records a scheduler notification outcome.
func (m *ArchiverMetrics) RecordNotification(board, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(board, outcome).Inc()
}

// RecordPageFetches adds n page fetches for source.
func (m *ArchiverMetrics) RecordPageFetches(board, source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PageFetchesTotal.WithLabelValues(board, source).Add(float64(n))
}

// RecordBackup records one backup upload.
func (m *ArchiverMetrics) RecordBackup(board string, success bool) {
	if m == nil {
		return
	}
	m.BackupsTotal.WithLabelValues(board, status(success)).Inc()
}

// RecordAuditEvent records one audit publish.
func (m *ArchiverMetrics) RecordAuditEvent(board string, success bool) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.WithLabelValues(board, status(success)).Inc()
}

// RecordLockHeld sets the process lock gauge.
func (m *ArchiverMetrics) RecordLockHeld(board string, held bool) {
	if m == nil {
		return
	}
	v := 0.0
	if held {
		v = 1
	}
	m.LockHeld.WithLabelValues(board).Set(v)
}
