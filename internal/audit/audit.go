// Package audit publishes one event per acknowledged moderation action.
//
// The stream is informational. Publishing failures are reported to the
// caller, which logs them; they never affect tracked state.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dray-io/archivist/internal/platform"
	"github.com/google/uuid"
)

// Event describes one acknowledged lock or purge.
type Event struct {
	ID     string          `json:"id"`
	Board  string          `json:"board"`
	Thread string          `json:"thread"`
	Action platform.Action `json:"action"`
	// At is the unix time in seconds at which the action was acknowledged.
	At int64 `json:"at"`
}

// NewEvent returns an event with a fresh random id.
func NewEvent(board, thread string, action platform.Action, at int64) Event {
	return Event{
		ID:     uuid.NewString(),
		Board:  board,
		Thread: thread,
		Action: action,
		At:     at,
	}
}

// Encode returns the wire representation of e.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("audit: encode event %s: %w", e.ID, err)
	}
	return data, nil
}

// Sink receives audit events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }
func (NopSink) Close()                               {}

// MemorySink keeps events in memory. Used in tests and by the status
// tooling.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *MemorySink) Close() {}

// Events returns the published events in order.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Fail makes subsequent publishes return err. Pass nil to clear.
func (m *MemorySink) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
