package state

import (
	"sync"
)

// Store loads and saves the state of a single board. Components that
// mutate state depend on Store so they can be exercised without a disk.
type Store interface {
	Load() BoardState
	Save(BoardState) error
}

// FileStore is a Store bound to one state file.
type FileStore struct {
	path string
}

// NewFileStore returns a Store reading and writing path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load() BoardState { return Load(f.path) }

func (f *FileStore) Save(s BoardState) error { return Save(f.path, s) }

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu        sync.Mutex
	state     BoardState
	saves     int
	failSaves error
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{state: New()}
}

func (m *MemStore) Load() BoardState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

func (m *MemStore) Save(s BoardState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves != nil {
		return m.failSaves
	}
	m.state = s.Clone()
	m.saves++
	return nil
}

// SaveCount returns the number of successful saves.
func (m *MemStore) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// FailSaves makes subsequent saves return err. Pass nil to clear.
func (m *MemStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSaves = err
}
