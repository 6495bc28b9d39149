// Package scheduler runs a board's evaluation cycle in response to update
// notifications, one cycle at a time.
//
// The scheduler has three states. Idle: a notification starts a cycle.
// Running: a notification sets the pending flag. Running+Pending: further
// notifications are absorbed. When a cycle finishes with the pending flag
// set, the flag is cleared and exactly one more cycle starts. Any burst of
// notifications during one cycle therefore produces exactly one follow-up.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/dray-io/archivist/internal/metrics"
)

// ErrStopped is returned by WaitIdle after Stop.
var ErrStopped = errors.New("scheduler: stopped")

// CycleFunc runs one evaluation cycle. ctx is cancelled by Stop.
type CycleFunc func(ctx context.Context)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics records notification outcomes for board.
func WithMetrics(board string, m *metrics.ArchiverMetrics) Option {
	return func(s *Scheduler) {
		s.board = board
		s.metrics = m
	}
}

// Scheduler serializes cycles and coalesces notifications.
type Scheduler struct {
	cycle CycleFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	pending bool
	stopped bool
	// done is closed when the current run of cycles ends. nil while idle.
	done chan struct{}

	board   string
	metrics *metrics.ArchiverMetrics
}

// New returns an idle scheduler running cycle.
func New(cycle CycleFunc, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cycle:  cycle,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify reports that the board may have changed. It never blocks.
func (s *Scheduler) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.running {
		if s.pending {
			s.metrics.RecordNotification(s.board, metrics.NotifyCoalesced)
			return
		}
		s.pending = true
		s.metrics.RecordNotification(s.board, metrics.NotifyQueued)
		return
	}

	s.running = true
	s.done = make(chan struct{})
	s.metrics.RecordNotification(s.board, metrics.NotifyStarted)
	go s.loop(s.done)
}

func (s *Scheduler) loop(done chan struct{}) {
	for {
		s.cycle(s.ctx)

		s.mu.Lock()
		if s.pending && !s.stopped {
			s.pending = false
			s.mu.Unlock()
			continue
		}
		s.running = false
		s.pending = false
		s.done = nil
		close(done)
		s.mu.Unlock()
		return
	}
}

// State reports the current flags.
func (s *Scheduler) State() (running, pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.pending
}

// WaitIdle blocks until no cycle is running or ctx is done.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		done := s.done
		stopped := s.stopped
		s.mu.Unlock()

		if done == nil {
			if stopped {
				return ErrStopped
			}
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop prevents further cycles, cancels the context of the in-flight cycle
// and waits for it to return. A pending follow-up is discarded. Stop returns
// ctx.Err() if ctx ends first; the cycle keeps winding down in that case.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.pending = false
	done := s.done
	s.mu.Unlock()

	s.cancel()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
