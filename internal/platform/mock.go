package platform

import (
	"context"
	"fmt"
	"sync"
)

// MockPlatform is an in-memory Platform for tests.
type MockPlatform struct {
	mu          sync.Mutex
	boards      map[string]*Board
	pages       map[string]*Page
	moderations []Moderation
	failures    map[string]error
	pageErrs    map[string]error
	subs        map[string]map[int]func()
	nextSub     int
	signers     int
	fetches     int

	// FetchHook, when set, runs at the start of every FetchPage call
	// outside the mock's lock. Tests use it to block or count fetches.
	FetchHook func(ctx context.Context, board, ref string)
}

// NewMockPlatform returns an empty mock.
func NewMockPlatform() *MockPlatform {
	return &MockPlatform{
		boards:   make(map[string]*Board),
		pages:    make(map[string]*Page),
		failures: make(map[string]error),
		pageErrs: make(map[string]error),
		subs:     make(map[string]map[int]func()),
	}
}

// SetBoard installs or replaces a board record.
func (m *MockPlatform) SetBoard(b Board) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := b
	cp.Roles = make(map[string]Role, len(b.Roles))
	for k, v := range b.Roles {
		cp.Roles[k] = v
	}
	m.boards[b.Address] = &cp
}

// SetPage installs a page under ref.
func (m *MockPlatform) SetPage(ref string, p Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.pages[ref] = &cp
}

// FailPage makes FetchPage for ref return err. Pass nil to clear.
func (m *MockPlatform) FailPage(ref string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.pageErrs, ref)
		return
	}
	m.pageErrs[ref] = err
}

// FailModeration makes Moderate for thread return err. Pass nil to clear.
func (m *MockPlatform) FailModeration(thread string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, thread)
		return
	}
	m.failures[thread] = err
}

// Moderations returns the acknowledged moderation submissions in order.
func (m *MockPlatform) Moderations() []Moderation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Moderation(nil), m.moderations...)
}

// FetchCount returns the number of FetchPage calls so far.
func (m *MockPlatform) FetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// Notify invokes every subscriber of board.
func (m *MockPlatform) Notify(board string) {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.subs[board]))
	for _, fn := range m.subs[board] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Subscribers returns the number of active subscriptions for board.
func (m *MockPlatform) Subscribers(board string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[board])
}

func (m *MockPlatform) CreateSigner(_ context.Context) (Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signers++
	return Signer{
		Address:    fmt.Sprintf("signer-%d", m.signers),
		PrivateKey: fmt.Sprintf("key-%d", m.signers),
		Type:       "ed25519",
	}, nil
}

func (m *MockPlatform) GetBoard(_ context.Context, address string) (*Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBoardNotFound, address)
	}
	cp := *b
	cp.Roles = make(map[string]Role, len(b.Roles))
	for k, v := range b.Roles {
		cp.Roles[k] = v
	}
	return &cp, nil
}

func (m *MockPlatform) GrantRole(_ context.Context, board, address string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[board]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBoardNotFound, board)
	}
	if !b.Local {
		return ErrNotLocal
	}
	if b.Roles == nil {
		b.Roles = make(map[string]Role)
	}
	b.Roles[address] = role
	return nil
}

func (m *MockPlatform) FetchPage(ctx context.Context, board, ref string) (*Page, error) {
	m.mu.Lock()
	m.fetches++
	hook := m.FetchHook
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, board, ref)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.pageErrs[ref]; ok {
		return nil, err
	}
	p, ok := m.pages[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPageNotFound, ref)
	}
	cp := *p
	cp.Threads = append([]ThreadSummary(nil), p.Threads...)
	return &cp, nil
}

func (m *MockPlatform) Moderate(ctx context.Context, _ Signer, mod Moderation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failures[mod.Thread]; ok {
		return err
	}
	m.moderations = append(m.moderations, mod)
	return nil
}

func (m *MockPlatform) Subscribe(_ context.Context, board string, fn func()) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[board] == nil {
		m.subs[board] = make(map[int]func())
	}
	id := m.nextSub
	m.nextSub++
	m.subs[board][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[board], id)
		})
	}, nil
}
