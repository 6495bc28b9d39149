// Package lifecycle decides which threads to lock and which to purge.
//
// Evaluate is a pure function of the ranked thread list, the board limits
// and the tracked state. It performs no I/O and reads no clock.
package lifecycle

import (
	"errors"
	"sort"

	"github.com/dray-io/archivist/internal/platform"
	"github.com/dray-io/archivist/internal/state"
)

// Limits are the per-board thresholds.
type Limits struct {
	// Capacity is the number of non-pinned threads kept in the active
	// window (per-page times pages).
	Capacity int
	// BumpLimit is the reply count at which a thread is locked regardless
	// of its rank. Reaching the limit locks rather than merely freezing
	// the thread's bump order.
	BumpLimit int
	// PurgeAfterSeconds is the delay between lock and purge.
	PurgeAfterSeconds int64
}

// Validate reports limits that would make every decision meaningless.
func (l Limits) Validate() error {
	var errs []error
	if l.Capacity <= 0 {
		errs = append(errs, errors.New("lifecycle: capacity must be positive"))
	}
	if l.BumpLimit <= 0 {
		errs = append(errs, errors.New("lifecycle: bump limit must be positive"))
	}
	if l.PurgeAfterSeconds < 0 {
		errs = append(errs, errors.New("lifecycle: purge delay must not be negative"))
	}
	return errors.Join(errs...)
}

// Reason records why a thread became a lock candidate.
type Reason string

const (
	ReasonCapacity  Reason = "capacity"
	ReasonBumpLimit Reason = "bump_limit"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	// ToLock holds lock candidates in rank order.
	ToLock []string
	// ToPurge holds purge candidates sorted by identifier.
	ToPurge []string
	// Reasons maps every lock candidate to the first rule that selected it.
	Reasons map[string]Reason
}

// Empty reports whether the decision requires no action.
func (d Decision) Empty() bool {
	return len(d.ToLock) == 0 && len(d.ToPurge) == 0
}

// Evaluate computes the lock and purge candidates at time now (unix
// seconds).
//
// Pinned threads never become lock candidates. Threads the platform already
// reports as locked, and threads already tracked in s, are never
// re-submitted. A tracked thread is purged once strictly more than
// PurgeAfterSeconds have elapsed since it was locked.
func Evaluate(ranked []platform.ThreadSummary, limits Limits, s state.BoardState, now int64) Decision {
	d := Decision{
		ToLock:  []string{},
		ToPurge: []string{},
		Reasons: make(map[string]Reason),
	}

	seen := make(map[string]struct{}, len(ranked))
	pos := 0
	for _, t := range ranked {
		if t.Pinned {
			continue
		}
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		idx := pos
		pos++

		var reason Reason
		switch {
		case idx >= limits.Capacity:
			reason = ReasonCapacity
		case t.Replies >= limits.BumpLimit:
			reason = ReasonBumpLimit
		default:
			continue
		}
		if t.Locked || s.IsLocked(t.ID) {
			continue
		}
		d.ToLock = append(d.ToLock, t.ID)
		d.Reasons[t.ID] = reason
	}

	for id, lt := range s.LockedThreads {
		if now-lt.LockTimestamp > limits.PurgeAfterSeconds {
			d.ToPurge = append(d.ToPurge, id)
		}
	}
	sort.Strings(d.ToPurge)

	return d
}
