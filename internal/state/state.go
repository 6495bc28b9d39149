// Package state persists the per-board archiver record: signer material,
// tracked locked threads and the process-lock record.
//
// Every mutation reads the whole record, changes it and writes the whole
// record back. There is no partial-update API.
package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dray-io/archivist/internal/platform"
)

// LockedThread records when a lock action was acknowledged for a thread.
type LockedThread struct {
	// LockTimestamp is a unix timestamp in seconds.
	LockTimestamp int64 `json:"lockTimestamp"`
}

// ProcessLock identifies the archiver process holding a board.
type ProcessLock struct {
	PID int `json:"pid"`
}

// BoardState is the persisted record of one board.
type BoardState struct {
	Signers       map[string]platform.Signer `json:"signers"`
	LockedThreads map[string]LockedThread    `json:"lockedThreads"`
	Lock          *ProcessLock               `json:"lock,omitempty"`
}

// New returns an empty, structurally valid state.
func New() BoardState {
	return BoardState{
		Signers:       make(map[string]platform.Signer),
		LockedThreads: make(map[string]LockedThread),
	}
}

// Clone returns a deep copy.
func (s BoardState) Clone() BoardState {
	out := New()
	for k, v := range s.Signers {
		out.Signers[k] = v
	}
	for k, v := range s.LockedThreads {
		out.LockedThreads[k] = v
	}
	if s.Lock != nil {
		l := *s.Lock
		out.Lock = &l
	}
	return out
}

// IsLocked reports whether a lock action was already recorded for thread.
func (s BoardState) IsLocked(thread string) bool {
	_, ok := s.LockedThreads[thread]
	return ok
}

// LockedIDs returns the tracked thread ids in sorted order.
func (s BoardState) LockedIDs() []string {
	ids := make([]string, 0, len(s.LockedThreads))
	for id := range s.LockedThreads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *BoardState) normalize() {
	if s.Signers == nil {
		s.Signers = make(map[string]platform.Signer)
	}
	if s.LockedThreads == nil {
		s.LockedThreads = make(map[string]LockedThread)
	}
}

// FileName maps a board address onto a single path element.
func FileName(board string) string {
	return nameReplacer.Replace(board) + ".json"
}

var nameReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_")

// Decode parses a state document. Unlike Load it reports malformed input.
func Decode(data []byte) (BoardState, error) {
	var s BoardState
	if err := json.Unmarshal(data, &s); err != nil {
		return BoardState{}, fmt.Errorf("state: decode: %w", err)
	}
	s.normalize()
	return s, nil
}

// Load reads the state at path. A missing or malformed file yields an
// empty state; Load never fails.
func Load(path string) BoardState {
	data, err := os.ReadFile(path)
	if err != nil {
		return New()
	}
	s, err := Decode(data)
	if err != nil {
		return New()
	}
	return s
}

// Save writes the full state to path as indented JSON with a trailing
// newline. Missing parent directories are created. The file is written to a
// temporary sibling and renamed into place so readers never see a partial
// document.
func Save(path string, s BoardState) error {
	s.normalize()
	data, err := Encode(s)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("state: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("state: rename into %s: %w", path, err)
	}
	return nil
}

// Encode renders the on-disk representation of s.
func Encode(s BoardState) ([]byte, error) {
	s.normalize()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("state: encode: %w", err)
	}
	return buf.Bytes(), nil
}
