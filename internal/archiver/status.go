package archiver

import (
	"sort"
	"time"

	"github.com/dray-io/archivist/internal/pidlock"
	"github.com/dray-io/archivist/internal/state"
)

// Status is a read-only view of a board's persisted state.
type Status struct {
	Board   string         `json:"board"`
	Signer  string         `json:"signer,omitempty"`
	Lock    *LockStatus    `json:"lock,omitempty"`
	Threads []ThreadStatus `json:"threads"`
}

// LockStatus describes the process-lock record.
type LockStatus struct {
	PID   int  `json:"pid"`
	Alive bool `json:"alive"`
}

// ThreadStatus describes one tracked locked thread.
type ThreadStatus struct {
	ID       string    `json:"id"`
	LockedAt time.Time `json:"lockedAt"`
	// PurgeAt is when the thread becomes a purge candidate.
	PurgeAt time.Time `json:"purgeAt"`
	// Due is true once the thread would be purged by the next cycle.
	Due bool `json:"due"`
}

// Inspect builds the Status of board from s as of now. It does not touch
// the platform or modify s.
func Inspect(board string, s state.BoardState, purgeAfterSeconds int64, now time.Time, alive pidlock.ProbeFunc) Status {
	st := Status{Board: board, Threads: make([]ThreadStatus, 0, len(s.LockedThreads))}
	if signer, ok := s.Signers[board]; ok {
		st.Signer = signer.Address
	}
	if s.Lock != nil {
		st.Lock = &LockStatus{PID: s.Lock.PID, Alive: s.Lock.PID > 0 && alive(s.Lock.PID)}
	}

	for id, lt := range s.LockedThreads {
		purgeAt := lt.LockTimestamp + purgeAfterSeconds
		st.Threads = append(st.Threads, ThreadStatus{
			ID:       id,
			LockedAt: time.Unix(lt.LockTimestamp, 0),
			PurgeAt:  time.Unix(purgeAt, 0),
			Due:      now.Unix()-lt.LockTimestamp > purgeAfterSeconds,
		})
	}
	sort.Slice(st.Threads, func(i, j int) bool {
		a, b := st.Threads[i], st.Threads[j]
		if !a.LockedAt.Equal(b.LockedAt) {
			return a.LockedAt.Before(b.LockedAt)
		}
		return a.ID < b.ID
	})
	return st
}
