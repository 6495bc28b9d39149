// Package server exposes liveness and readiness probes for archivistd.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dray-io/archivist/internal/logging"
)

// ReadinessChecker is implemented by components that take part in /readyz.
// Each running board archiver registers one.
type ReadinessChecker interface {
	// Name returns the name of the component for display in health status.
	Name() string

	// CheckReady returns nil if the component is ready, or an error
	// describing why it is not.
	CheckReady(ctx context.Context) error
}

// HealthServer provides the /healthz and /readyz handlers. It does not own a
// listener; Handler is mounted on the metrics server.
type HealthServer struct {
	mu               sync.RWMutex
	logger           *logging.Logger
	shutDown         atomic.Bool
	workers          map[string]bool
	readinessChecks  []ReadinessChecker
	readinessTimeout time.Duration
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status  string                 `json:"status"`
	Workers map[string]bool        `json:"workers,omitempty"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// DefaultReadinessTimeout is the default timeout for readiness checks.
const DefaultReadinessTimeout = 5 * time.Second

// NewHealthServer creates a new HealthServer.
func NewHealthServer(logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &HealthServer{
		logger:           logger,
		workers:          make(map[string]bool),
		readinessChecks:  make([]ReadinessChecker, 0),
		readinessTimeout: DefaultReadinessTimeout,
	}
}

// RegisterReadinessCheck registers a component for readiness checking.
// The component will be checked on each /readyz request.
func (h *HealthServer) RegisterReadinessCheck(checker ReadinessChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessChecks = append(h.readinessChecks, checker)
}

// SetReadinessTimeout sets the timeout for individual readiness checks.
func (h *HealthServer) SetReadinessTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessTimeout = d
}

// WorkerStarted marks a long-running worker (one per board) as running.
func (h *HealthServer) WorkerStarted(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workers[name] = true
}

// WorkerStopped marks a worker as no longer running. A stopped worker makes
// /healthz report degraded until the process exits.
func (h *HealthServer) WorkerStopped(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.workers[name]; ok {
		h.workers[name] = false
	}
	h.logger.Warnf("worker stopped", map[string]any{"worker": name})
}

// SetShuttingDown marks the process as shutting down.
// After this is called, /healthz and /readyz return 503.
func (h *HealthServer) SetShuttingDown() {
	h.shutDown.Store(true)
}

// IsShuttingDown returns true if the process is shutting down.
func (h *HealthServer) IsShuttingDown() bool {
	return h.shutDown.Load()
}

// Handler returns a mux serving the probes and the pprof endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Patterns lists the paths served by Handler.
func (h *HealthServer) Patterns() []string {
	return []string{"/healthz", "/readyz", "/debug/pprof/"}
}

func writeStatus(w http.ResponseWriter, r *http.Request, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if r.Method != http.MethodHead {
		json.NewEncoder(w).Encode(status)
	}
}

// handleHealthz handles the /healthz liveness endpoint.
func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeStatus(w, r, h.checkLiveness())
}

func (h *HealthServer) checkLiveness() HealthStatus {
	status := HealthStatus{
		Status:  "ok",
		Workers: make(map[string]bool),
		Checks:  make(map[string]CheckResult),
	}

	if h.shutDown.Load() {
		status.Status = "shutting_down"
		status.Checks["shutdown"] = CheckResult{
			Healthy: false,
			Message: "archivist is shutting down",
		}
		return status
	}

	status.Checks["shutdown"] = CheckResult{
		Healthy: true,
		Message: "archivist is running",
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var stopped []string
	for name, running := range h.workers {
		status.Workers[name] = running
		if !running {
			stopped = append(stopped, name)
		}
	}

	if len(stopped) > 0 {
		sort.Strings(stopped)
		status.Status = "degraded"
		status.Checks["workers"] = CheckResult{
			Healthy: false,
			Message: "stopped: " + strings.Join(stopped, ", "),
		}
	} else if len(h.workers) > 0 {
		status.Checks["workers"] = CheckResult{
			Healthy: true,
			Message: "all workers are running",
		}
	}

	return status
}

// CheckHealth returns the current health status without making an HTTP request.
func (h *HealthServer) CheckHealth() HealthStatus {
	return h.checkLiveness()
}

// handleReadyz handles the /readyz readiness endpoint.
func (h *HealthServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeStatus(w, r, h.checkReadiness(r.Context()))
}

func (h *HealthServer) checkReadiness(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult),
	}

	if h.shutDown.Load() {
		status.Status = "shutting_down"
		status.Checks["shutdown"] = CheckResult{
			Healthy: false,
			Message: "archivist is shutting down",
		}
		return status
	}

	status.Checks["shutdown"] = CheckResult{
		Healthy: true,
		Message: "archivist is running",
	}

	h.mu.RLock()
	checks := make([]ReadinessChecker, len(h.readinessChecks))
	copy(checks, h.readinessChecks)
	timeout := h.readinessTimeout
	h.mu.RUnlock()

	for _, checker := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := checker.CheckReady(checkCtx)
		cancel()

		if err != nil {
			status.Status = "not_ready"
			status.Checks[checker.Name()] = CheckResult{
				Healthy: false,
				Message: err.Error(),
			}
		} else {
			status.Checks[checker.Name()] = CheckResult{
				Healthy: true,
				Message: "healthy",
			}
		}
	}

	return status
}

// CheckReadiness returns the current readiness status without making an HTTP request.
func (h *HealthServer) CheckReadiness(ctx context.Context) HealthStatus {
	return h.checkReadiness(ctx)
}
