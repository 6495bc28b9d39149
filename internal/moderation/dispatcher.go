// Package moderation applies lifecycle decisions to the platform and
// records their outcome in the board state.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dray-io/archivist/internal/audit"
	"github.com/dray-io/archivist/internal/lifecycle"
	"github.com/dray-io/archivist/internal/logging"
	"github.com/dray-io/archivist/internal/metrics"
	"github.com/dray-io/archivist/internal/platform"
	"github.com/dray-io/archivist/internal/state"
	"golang.org/x/time/rate"
)

// ErrPersist marks an action the platform acknowledged but whose state
// update could not be written. The update stays pending in the Dispatcher
// and is written by the next successful Sync; the action is not resubmitted.
var ErrPersist = errors.New("moderation: persist state")

// auditTimeout bounds a single audit publish so an unreachable broker cannot
// stall a cycle.
const auditTimeout = 10 * time.Second

// ActionError reports one failed candidate.
type ActionError struct {
	Thread string
	Action platform.Action
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("moderation: %s %s: %v", e.Action, e.Thread, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Submitter submits moderation actions.
type Submitter interface {
	Moderate(ctx context.Context, signer platform.Signer, mod platform.Moderation) error
}

// Report lists the candidates that were acknowledged and persisted.
type Report struct {
	Locked []string
	Purged []string
}

// Changed reports whether the tracked state was modified.
func (r Report) Changed() bool {
	return len(r.Locked) > 0 || len(r.Purged) > 0
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLimiter paces submissions. The default is unlimited.
func WithLimiter(l *rate.Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithActionsPerSecond paces submissions to perSecond. Non-positive values
// disable pacing.
func WithActionsPerSecond(perSecond float64) Option {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithMetrics records action outcomes.
func WithMetrics(m *metrics.ArchiverMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithAudit publishes acknowledged actions to sink.
func WithAudit(sink audit.Sink) Option {
	return func(d *Dispatcher) { d.audit = sink }
}

// WithClock replaces the unix-seconds clock used for lock timestamps.
func WithClock(now func() int64) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher applies decisions for a single board.
type Dispatcher struct {
	board   string
	store   state.Store
	submit  Submitter
	limiter *rate.Limiter
	metrics *metrics.ArchiverMetrics
	audit   audit.Sink
	now     func() int64

	mu sync.Mutex
	// pending holds acknowledged effects not yet written. A nil entry is a
	// purge.
	pending map[string]*state.LockedThread
}

// NewDispatcher returns a Dispatcher for board.
func NewDispatcher(board string, store state.Store, submit Submitter, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		board:   board,
		store:   store,
		submit:  submit,
		limiter: rate.NewLimiter(rate.Inf, 1),
		audit:   audit.NopSink{},
		now:     func() int64 { return time.Now().Unix() },
		pending: make(map[string]*state.LockedThread),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch locks, then purges, every candidate of dec one at a time.
//
// A failed candidate does not stop the others: each failure is returned as
// an *ActionError joined into the result. State is persisted after every
// acknowledged action. Once an action has been submitted its outcome is
// awaited even if ctx is cancelled; cancellation only prevents further
// submissions.
func (d *Dispatcher) Dispatch(ctx context.Context, signer platform.Signer, dec lifecycle.Decision) (Report, error) {
	log := logging.FromCtx(ctx).WithBoard(d.board)

	var (
		report Report
		errs   []error
	)

	type item struct {
		thread string
		action platform.Action
	}
	items := make([]item, 0, len(dec.ToLock)+len(dec.ToPurge))
	for _, id := range dec.ToLock {
		items = append(items, item{id, platform.ActionLock})
	}
	for _, id := range dec.ToPurge {
		items = append(items, item{id, platform.ActionPurge})
	}

	for i, it := range items {
		if err := d.limiter.Wait(ctx); err != nil {
			log.Warnf("moderation interrupted", map[string]any{
				"remaining": len(items) - i,
				"error":     err,
			})
			errs = append(errs, err)
			break
		}

		err := d.apply(ctx, signer, it.thread, it.action)
		d.metrics.RecordAction(d.board, string(it.action), err == nil)
		if err != nil {
			log.Warnf("moderation action failed", map[string]any{
				"thread": it.thread,
				"action": string(it.action),
				"error":  err,
			})
			errs = append(errs, &ActionError{Thread: it.thread, Action: it.action, Err: err})
			continue
		}

		log.Infof("moderation action applied", map[string]any{
			"thread": it.thread,
			"action": string(it.action),
		})
		switch it.action {
		case platform.ActionLock:
			report.Locked = append(report.Locked, it.thread)
		case platform.ActionPurge:
			report.Purged = append(report.Purged, it.thread)
		}
	}

	cur, _ := d.Sync()
	d.metrics.RecordTrackedThreads(d.board, len(cur.LockedThreads))
	return report, errors.Join(errs...)
}

// Sync writes any acknowledged effects whose earlier save failed and
// returns the board state with those effects applied. The merged state is
// returned even when the write fails again, so callers never act on a
// view that forgets an acknowledged lock or purge.
func (d *Dispatcher) Sync() (state.BoardState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.store.Load()
	if len(d.pending) == 0 {
		return s, nil
	}
	for thread, lt := range d.pending {
		if lt == nil {
			delete(s.LockedThreads, thread)
			continue
		}
		s.LockedThreads[thread] = *lt
	}
	if err := d.store.Save(s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	clear(d.pending)
	return s, nil
}

// Pending returns the number of acknowledged effects awaiting a write.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// apply submits one action and, on acknowledgement, persists its effect.
func (d *Dispatcher) apply(ctx context.Context, signer platform.Signer, thread string, action platform.Action) error {
	mod := platform.Moderation{Board: d.board, Thread: thread, Action: action}
	if err := d.submit.Moderate(context.WithoutCancel(ctx), signer, mod); err != nil {
		return err
	}

	at := d.now()
	d.mu.Lock()
	switch action {
	case platform.ActionLock:
		d.pending[thread] = &state.LockedThread{LockTimestamp: at}
	case platform.ActionPurge:
		d.pending[thread] = nil
	}
	d.mu.Unlock()

	d.publish(ctx, audit.NewEvent(d.board, thread, action, at))
	_, err := d.Sync()
	return err
}

func (d *Dispatcher) publish(ctx context.Context, ev audit.Event) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	err := d.audit.Publish(pubCtx, ev)
	if _, nop := d.audit.(audit.NopSink); !nop {
		d.metrics.RecordAuditEvent(d.board, err == nil)
	}
	if err != nil {
		logging.FromCtx(ctx).WithBoard(d.board).Warnf("audit publish failed", map[string]any{
			"thread": ev.Thread,
			"event":  ev.ID,
			"error":  err,
		})
	}
}
