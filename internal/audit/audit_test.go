package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/dray-io/archivist/internal/platform"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	a := NewEvent("music.eth", "Qm1", platform.ActionLock, 1700000000)
	b := NewEvent("music.eth", "Qm1", platform.ActionLock, 1700000000)

	_, err := uuid.Parse(a.ID)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestEventEncode(t *testing.T) {
	ev := Event{ID: "id-1", Board: "music.eth", Thread: "Qm1", Action: platform.ActionPurge, At: 42}
	data, err := ev.Encode()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, map[string]any{
		"id":     "id-1",
		"board":  "music.eth",
		"thread": "Qm1",
		"action": "purged",
		"at":     float64(42),
	}, got)
}

func TestRecordKeyedByBoard(t *testing.T) {
	ev := NewEvent("news.eth", "Qm9", platform.ActionLock, 7)
	rec, err := record("archivist.moderation", ev)
	require.NoError(t, err)

	assert.Equal(t, "archivist.moderation", rec.Topic)
	assert.Equal(t, []byte("news.eth"), rec.Key)
	require.Len(t, rec.Headers, 1)
	assert.Equal(t, "locked", string(rec.Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(rec.Value, &decoded))
	assert.Equal(t, ev, decoded)
}

func TestNewKafkaSinkValidation(t *testing.T) {
	_, err := NewKafkaSink(context.Background(), KafkaConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaSink(context.Background(), KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, Event{ID: "1"}))
	boom := errors.New("down")
	s.Fail(boom)
	assert.ErrorIs(t, s.Publish(ctx, Event{ID: "2"}), boom)
	s.Fail(nil)
	require.NoError(t, s.Publish(ctx, Event{ID: "3"}))

	got := s.Events()
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
}

func TestNopSink(t *testing.T) {
	var s Sink = NopSink{}
	assert.NoError(t, s.Publish(context.Background(), Event{}))
	s.Close()
}
