// Package metrics provides Prometheus metrics for observability.
//
// This package exposes metrics for the archival control loop including:
//   - Evaluation cycle counts and latency by board
//   - Moderation actions by action (locked/purged) and status
//   - Tracked locked threads awaiting purge
//   - Scheduler notification outcomes (started, queued, coalesced)
//   - Ranked page fetches by ranking source
//   - State backup uploads and audit events
//
// Metrics are exposed via a dedicated HTTP server on /metrics in Prometheus format.
//
// Usage:
//
//	m := metrics.NewArchiverMetrics()
//	a, err := archiver.New(board, limits, plat, store, archiver.WithMetrics(m))
//
//	metricsServer := metrics.NewServer(":9190")
//	metricsServer.Start()
package metrics
