// Package pidlock guarantees at most one live archiver per board.
//
// The lock is a {pid} record stored inside the board's state file. A record
// naming a process that no longer exists is stale and is taken over. Stores
// that implement Exclusive serialize the claim across processes, so two
// launches racing on the same file cannot both succeed.
package pidlock

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dray-io/archivist/internal/state"
)

var (
	// ErrLockHeld is returned when a live process already holds the board.
	ErrLockHeld = errors.New("pidlock: board locked by another live process")

	// ErrNotHeld is returned by Release when this process does not hold the lock.
	ErrNotHeld = errors.New("pidlock: lock not held")

	// ErrInvalidPID is returned for non-positive process ids.
	ErrInvalidPID = errors.New("pidlock: invalid pid")
)

// HeldError names the board and the process blocking it.
type HeldError struct {
	Board string
	PID   int
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("pidlock: board %q is already being archived by live process %d", e.Board, e.PID)
}

func (e *HeldError) Unwrap() error { return ErrLockHeld }

// ProbeFunc reports whether a process id refers to a live process.
// Any failure to probe must be reported as not alive.
type ProbeFunc func(pid int) bool

// Claim returns s with its lock record set to pid. It fails with a
// *HeldError when the existing record names a different, live process.
// A record naming pid itself is treated as stale: the only way to observe
// our own pid is a leftover from an earlier run that reused it.
func Claim(s state.BoardState, board string, pid int, alive ProbeFunc) (state.BoardState, error) {
	if pid <= 0 {
		return s, ErrInvalidPID
	}
	if s.Lock != nil && s.Lock.PID != pid && s.Lock.PID > 0 && alive(s.Lock.PID) {
		return s, &HeldError{Board: board, PID: s.Lock.PID}
	}
	out := s.Clone()
	out.Lock = &state.ProcessLock{PID: pid}
	return out, nil
}

// Clear returns s without a lock record if the record belongs to pid.
// The boolean is false when the record is missing or owned by someone else.
func Clear(s state.BoardState, pid int) (state.BoardState, bool) {
	if s.Lock == nil || s.Lock.PID != pid {
		return s, false
	}
	out := s.Clone()
	out.Lock = nil
	return out, true
}

// Exclusive is implemented by stores that can serialize a load-modify-save
// sequence across processes. state.FileStore implements it with flock.
type Exclusive interface {
	Exclusive() (release func() error, err error)
}

// Locker binds Claim and Clear to a board's store.
type Locker struct {
	store state.Store
	board string
	pid   int
	alive ProbeFunc

	mu   sync.Mutex
	held bool
}

// Option configures a Locker.
type Option func(*Locker)

// WithPID overrides the process id recorded in the lock.
func WithPID(pid int) Option {
	return func(l *Locker) { l.pid = pid }
}

// WithProbe overrides the liveness probe.
func WithProbe(p ProbeFunc) Option {
	return func(l *Locker) { l.alive = p }
}

// New returns a Locker for board backed by store. By default it records
// the current process id and probes liveness with signal 0.
func New(store state.Store, board string, opts ...Option) *Locker {
	l := &Locker{
		store: store,
		board: board,
		pid:   os.Getpid(),
		alive: ProcessAlive,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// PID returns the process id this locker records.
func (l *Locker) PID() int { return l.pid }

// Acquire claims the board and persists the claim before returning. The
// claim is read back after saving and fails with a *HeldError if another
// process's record replaced it.
func (l *Locker) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	unlock, err := l.exclusive()
	if err != nil {
		return err
	}
	defer unlock()

	next, err := Claim(l.store.Load(), l.board, l.pid, l.alive)
	if err != nil {
		return err
	}
	if err := l.store.Save(next); err != nil {
		return fmt.Errorf("pidlock: persist lock for %q: %w", l.board, err)
	}
	if got := l.store.Load().Lock; got == nil || got.PID != l.pid {
		pid := 0
		if got != nil {
			pid = got.PID
		}
		return &HeldError{Board: l.board, PID: pid}
	}
	l.held = true
	return nil
}

// Release clears the lock record and persists the result. Releasing a
// lock that was taken over by another process leaves the record untouched
// and returns ErrNotHeld.
func (l *Locker) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return ErrNotHeld
	}
	l.held = false

	unlock, err := l.exclusive()
	if err != nil {
		return err
	}
	defer unlock()

	next, ok := Clear(l.store.Load(), l.pid)
	if !ok {
		return ErrNotHeld
	}
	if err := l.store.Save(next); err != nil {
		return fmt.Errorf("pidlock: persist release for %q: %w", l.board, err)
	}
	return nil
}

func (l *Locker) exclusive() (func(), error) {
	ex, ok := l.store.(Exclusive)
	if !ok {
		return func() {}, nil
	}
	release, err := ex.Exclusive()
	if err != nil {
		return nil, fmt.Errorf("pidlock: serialize %q: %w", l.board, err)
	}
	return func() { _ = release() }, nil
}

// Held reports whether Acquire succeeded and Release has not been called.
func (l *Locker) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}
