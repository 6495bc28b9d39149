package pidlock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dray-io/archivist/internal/state"
)

func aliveSet(pids ...int) ProbeFunc {
	set := make(map[int]bool, len(pids))
	for _, p := range pids {
		set[p] = true
	}
	return func(pid int) bool { return set[pid] }
}

func TestClaim_NoExistingLock(t *testing.T) {
	s, err := Claim(state.New(), "music.eth", 100, aliveSet())
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if s.Lock == nil || s.Lock.PID != 100 {
		t.Fatalf("expected lock pid 100, got %+v", s.Lock)
	}
}

func TestClaim_LiveHolderFails(t *testing.T) {
	in := state.New()
	in.Lock = &state.ProcessLock{PID: 7}

	_, err := Claim(in, "music.eth", 100, aliveSet(7))
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected *HeldError, got %T", err)
	}
	if held.Board != "music.eth" || held.PID != 7 {
		t.Errorf("unexpected HeldError %+v", held)
	}
	if in.Lock.PID != 7 {
		t.Error("input state must not be modified")
	}
}

func TestClaim_StaleHolderIsReplaced(t *testing.T) {
	in := state.New()
	in.Lock = &state.ProcessLock{PID: 99999}
	in.LockedThreads["t"] = state.LockedThread{LockTimestamp: 5}

	out, err := Claim(in, "music.eth", 100, aliveSet())
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if out.Lock.PID != 100 {
		t.Errorf("expected takeover by 100, got %d", out.Lock.PID)
	}
	if !out.IsLocked("t") {
		t.Error("claim must preserve tracked threads")
	}
}

func TestClaim_OwnPIDIsStale(t *testing.T) {
	in := state.New()
	in.Lock = &state.ProcessLock{PID: 1}

	out, err := Claim(in, "b", 1, aliveSet(1))
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if out.Lock.PID != 1 {
		t.Errorf("unexpected pid %d", out.Lock.PID)
	}
}

func TestClaim_InvalidPID(t *testing.T) {
	if _, err := Claim(state.New(), "b", 0, aliveSet()); !errors.Is(err, ErrInvalidPID) {
		t.Fatalf("expected ErrInvalidPID, got %v", err)
	}
}

func TestClear(t *testing.T) {
	in := state.New()
	in.Lock = &state.ProcessLock{PID: 5}

	if _, ok := Clear(in, 6); ok {
		t.Error("must not clear a lock owned by another pid")
	}
	out, ok := Clear(in, 5)
	if !ok || out.Lock != nil {
		t.Errorf("expected cleared lock, got %+v ok=%v", out.Lock, ok)
	}
	if in.Lock == nil {
		t.Error("input state must not be modified")
	}
}

func TestLocker_AcquirePersistsBeforeReturning(t *testing.T) {
	store := state.NewMemStore()
	l := New(store, "music.eth", WithPID(42), WithProbe(aliveSet()))

	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !l.Held() {
		t.Error("expected Held after Acquire")
	}
	if got := store.Load().Lock; got == nil || got.PID != 42 {
		t.Fatalf("expected persisted pid 42, got %+v", got)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if store.Load().Lock != nil {
		t.Error("expected lock cleared after Release")
	}
	if err := l.Release(); !errors.Is(err, ErrNotHeld) {
		t.Errorf("second Release should return ErrNotHeld, got %v", err)
	}
}

func TestLocker_SecondLiveProcessFails(t *testing.T) {
	store := state.NewMemStore()
	first := New(store, "music.eth", WithPID(10), WithProbe(aliveSet(10, 11)))
	second := New(store, "music.eth", WithPID(11), WithProbe(aliveSet(10, 11)))

	if err := first.Acquire(); err != nil {
		t.Fatal(err)
	}
	err := second.Acquire()
	var held *HeldError
	if !errors.As(err, &held) || held.PID != 10 {
		t.Fatalf("expected HeldError naming pid 10, got %v", err)
	}
	if second.Held() {
		t.Error("second locker must not report Held")
	}
}

func TestLocker_ReleaseAfterTakeoverLeavesRecord(t *testing.T) {
	store := state.NewMemStore()
	l := New(store, "b", WithPID(10), WithProbe(aliveSet()))
	if err := l.Acquire(); err != nil {
		t.Fatal(err)
	}

	s := store.Load()
	s.Lock = &state.ProcessLock{PID: 77}
	if err := store.Save(s); err != nil {
		t.Fatal(err)
	}

	if err := l.Release(); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
	if store.Load().Lock.PID != 77 {
		t.Error("release must not clobber another holder")
	}
}

func TestLocker_SaveFailure(t *testing.T) {
	store := state.NewMemStore()
	store.FailSaves(errors.New("disk full"))
	l := New(store, "b", WithPID(10), WithProbe(aliveSet()))

	if err := l.Acquire(); err == nil {
		t.Fatal("expected error")
	}
	if l.Held() {
		t.Error("failed acquire must not report Held")
	}
}

func TestLocker_StaleRecordOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "music.eth.json")
	s := state.New()
	s.Lock = &state.ProcessLock{PID: 1 << 22} // above default pid_max
	if err := state.Save(path, s); err != nil {
		t.Fatal(err)
	}

	l := New(state.NewFileStore(path), "music.eth")
	if err := l.Acquire(); err != nil {
		t.Fatalf("expected stale lock takeover, got %v", err)
	}
	if got := state.Load(path).Lock; got == nil || got.PID != os.Getpid() {
		t.Fatalf("expected own pid recorded, got %+v", got)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
}

// pairedLoadStore holds each Load until a concurrent Load arrives or a
// short timeout passes, so two unserialized claims read the same record.
type pairedLoadStore struct {
	*state.FileStore
	meet chan struct{}
}

func (p *pairedLoadStore) Load() state.BoardState {
	select {
	case p.meet <- struct{}{}:
	case <-p.meet:
	case <-time.After(100 * time.Millisecond):
	}
	return p.FileStore.Load()
}

func TestLocker_ConcurrentAcquireOnSameFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "music.eth.json")
	store := &pairedLoadStore{FileStore: state.NewFileStore(path), meet: make(chan struct{})}
	alive := aliveSet(101, 202)
	lockers := []*Locker{
		New(store, "music.eth", WithPID(101), WithProbe(alive)),
		New(store, "music.eth", WithPID(202), WithProbe(alive)),
	}

	errs := make([]error, len(lockers))
	var wg sync.WaitGroup
	for i, l := range lockers {
		wg.Add(1)
		go func(i int, l *Locker) {
			defer wg.Done()
			errs[i] = l.Acquire()
		}(i, l)
	}
	wg.Wait()

	var winner, loser int
	switch {
	case errs[0] == nil && errs[1] != nil:
		winner, loser = 0, 1
	case errs[1] == nil && errs[0] != nil:
		winner, loser = 1, 0
	default:
		t.Fatalf("expected exactly one successful Acquire, got %v and %v", errs[0], errs[1])
	}

	var held *HeldError
	if !errors.As(errs[loser], &held) || held.PID != lockers[winner].PID() {
		t.Fatalf("expected HeldError naming pid %d, got %v", lockers[winner].PID(), errs[loser])
	}
	if lockers[loser].Held() {
		t.Error("losing locker must not report Held")
	}
	if got := state.Load(path).Lock; got == nil || got.PID != lockers[winner].PID() {
		t.Fatalf("expected record for pid %d, got %+v", lockers[winner].PID(), got)
	}
}

func TestProcessAlive(t *testing.T) {
	if !ProcessAlive(os.Getpid()) {
		t.Error("current process must be alive")
	}
	if ProcessAlive(0) || ProcessAlive(-1) {
		t.Error("non-positive pids are never alive")
	}
}
