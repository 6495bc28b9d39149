package archiver

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/dray-io/archivist/internal/platform"
	"github.com/dray-io/archivist/internal/state"
)

func TestInspect(t *testing.T) {
	s := state.New()
	s.Signers["music.eth"] = platform.Signer{Address: "12D3Koo"}
	s.Signers["other.eth"] = platform.Signer{Address: "ignored"}
	s.LockedThreads["QmB"] = state.LockedThread{LockTimestamp: 1000}
	s.LockedThreads["QmA"] = state.LockedThread{LockTimestamp: 1000}
	s.LockedThreads["QmC"] = state.LockedThread{LockTimestamp: 500}
	s.Lock = &state.ProcessLock{PID: 77}

	now := time.Unix(1600, 0)
	st := Inspect("music.eth", s, 600, now, func(pid int) bool { return pid == 77 })

	if st.Signer != "12D3Koo" {
		t.Errorf("signer = %q", st.Signer)
	}
	if st.Lock == nil || st.Lock.PID != 77 || !st.Lock.Alive {
		t.Errorf("unexpected lock %+v", st.Lock)
	}
	if len(st.Threads) != 3 {
		t.Fatalf("expected 3 threads, got %d", len(st.Threads))
	}

	wantOrder := []string{"QmC", "QmA", "QmB"}
	for i, id := range wantOrder {
		if st.Threads[i].ID != id {
			t.Errorf("thread %d = %s, want %s", i, st.Threads[i].ID, id)
		}
	}

	// QmC: locked 1100s ago, past the 600s delay.
	if !st.Threads[0].Due {
		t.Error("QmC should be due")
	}
	// QmA: locked exactly 600s ago, not yet due.
	if st.Threads[1].Due {
		t.Error("QmA should not be due at the exact boundary")
	}
	if got := st.Threads[1].PurgeAt.Unix(); got != 1600 {
		t.Errorf("QmA purge at %d, want 1600", got)
	}
}

func TestInspect_EmptyState(t *testing.T) {
	st := Inspect("music.eth", state.New(), 600, time.Unix(0, 0), func(int) bool { return true })
	if st.Signer != "" || st.Lock != nil || len(st.Threads) != 0 {
		t.Errorf("expected empty status, got %+v", st)
	}
	if st.Threads == nil {
		t.Error("threads must be an empty list, not nil")
	}

	doc, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(doc), `"threads":[]`) {
		t.Errorf("expected empty threads array in %s", doc)
	}
}

func TestInspect_DeadLockHolder(t *testing.T) {
	s := state.New()
	s.Lock = &state.ProcessLock{PID: 12345}
	st := Inspect("music.eth", s, 600, time.Unix(0, 0), func(int) bool { return false })
	if st.Lock == nil || st.Lock.Alive {
		t.Errorf("expected dead lock holder, got %+v", st.Lock)
	}
}
