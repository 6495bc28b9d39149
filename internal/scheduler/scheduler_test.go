package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dray-io/archivist/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// blockingCycle counts cycles; each cycle blocks until released.
type blockingCycle struct {
	started chan struct{}
	release chan struct{}
	count   atomic.Int32
	active  atomic.Int32
	overlap atomic.Bool
}

func newBlockingCycle() *blockingCycle {
	return &blockingCycle{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingCycle) run(ctx context.Context) {
	if b.active.Add(1) > 1 {
		b.overlap.Store(true)
	}
	defer b.active.Add(-1)
	b.count.Add(1)
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
}

func waitStarted(t *testing.T, b *blockingCycle) {
	t.Helper()
	select {
	case <-b.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cycle to start")
	}
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func TestScheduler_IdleNotifyStartsCycle(t *testing.T) {
	b := newBlockingCycle()
	s := New(b.run)

	s.Notify()
	waitStarted(t, b)
	if running, pending := s.State(); !running || pending {
		t.Fatalf("expected Running, got running=%v pending=%v", running, pending)
	}

	b.release <- struct{}{}
	waitIdle(t, s)
	if running, _ := s.State(); running {
		t.Error("expected Idle after completion")
	}
	if got := b.count.Load(); got != 1 {
		t.Errorf("cycles = %d, want 1", got)
	}
}

func TestScheduler_BurstCoalescesIntoOneFollowUp(t *testing.T) {
	b := newBlockingCycle()
	s := New(b.run)

	s.Notify()
	waitStarted(t, b)

	s.Notify()
	s.Notify()
	if running, pending := s.State(); !running || !pending {
		t.Fatalf("expected Running+Pending, got running=%v pending=%v", running, pending)
	}
	for i := 0; i < 10; i++ {
		s.Notify()
	}

	b.release <- struct{}{}
	waitStarted(t, b)
	b.release <- struct{}{}
	waitIdle(t, s)

	if got := b.count.Load(); got != 2 {
		t.Fatalf("cycles = %d, want 2", got)
	}
	if b.overlap.Load() {
		t.Error("cycles overlapped")
	}
}

func TestScheduler_NotificationAfterCompletionStartsNewCycle(t *testing.T) {
	var count atomic.Int32
	s := New(func(context.Context) { count.Add(1) })

	s.Notify()
	waitIdle(t, s)
	s.Notify()
	waitIdle(t, s)

	if got := count.Load(); got != 2 {
		t.Errorf("cycles = %d, want 2", got)
	}
}

func TestScheduler_ConcurrentNotifyNeverOverlaps(t *testing.T) {
	var active, maxActive atomic.Int32
	s := New(func(context.Context) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Notify()
		}()
	}
	wg.Wait()
	waitIdle(t, s)

	if got := maxActive.Load(); got != 1 {
		t.Errorf("max concurrent cycles = %d, want 1", got)
	}
}

func TestScheduler_StopWaitsForInFlightCycle(t *testing.T) {
	finished := make(chan struct{})
	entered := make(chan struct{})
	s := New(func(ctx context.Context) {
		close(entered)
		<-ctx.Done()
		// Persisting whatever already succeeded.
		time.Sleep(20 * time.Millisecond)
		close(finished)
	})

	s.Notify()
	<-entered
	s.Notify() // pending follow-up must be discarded

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the cycle finished")
	}

	s.Notify()
	if running, _ := s.State(); running {
		t.Error("no cycle may start after Stop")
	}
	if err := s.WaitIdle(context.Background()); err != ErrStopped {
		t.Errorf("WaitIdle after Stop = %v, want ErrStopped", err)
	}
}

func TestScheduler_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	s := New(func(context.Context) {
		close(entered)
		<-release
	})
	s.Notify()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); err != context.DeadlineExceeded {
		t.Errorf("Stop = %v, want DeadlineExceeded", err)
	}
	close(release)
}

func TestScheduler_StopWhenIdle(t *testing.T) {
	s := New(func(context.Context) {})
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestScheduler_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewArchiverMetricsWithRegistry(reg)
	b := newBlockingCycle()
	s := New(b.run, WithMetrics("music.eth", m))

	s.Notify()
	waitStarted(t, b)
	s.Notify()
	s.Notify()
	s.Notify()
	b.release <- struct{}{}
	waitStarted(t, b)
	b.release <- struct{}{}
	waitIdle(t, s)

	want := map[string]float64{
		metrics.NotifyStarted:   1,
		metrics.NotifyQueued:    1,
		metrics.NotifyCoalesced: 2,
	}
	for outcome, v := range want {
		var dm io_prometheus_client.Metric
		if err := m.NotificationsTotal.WithLabelValues("music.eth", outcome).Write(&dm); err != nil {
			t.Fatal(err)
		}
		if got := dm.GetCounter().GetValue(); got != v {
			t.Errorf("%s = %v, want %v", outcome, got, v)
		}
	}
}
