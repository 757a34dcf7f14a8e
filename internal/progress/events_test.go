package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversToNoteAndBroadcastTopics(t *testing.T) {
	hub := NewHub()
	note, cancelNote := hub.Subscribe(NoteTopic("n1"), 4)
	defer cancelNote()
	broadcast, cancelBroadcast := hub.Subscribe(BroadcastTopic, 4)
	defer cancelBroadcast()
	other, cancelOther := hub.Subscribe(NoteTopic("n2"), 4)
	defer cancelOther()

	require.NoError(t, hub.Emit(context.Background(), "n1", Event{Type: EventProgress, Stage: StageMemory, Message: "m"}))

	select {
	case event := <-note:
		assert.Equal(t, "n1", event.NoteID)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("note subscriber got nothing")
	}
	select {
	case event := <-broadcast:
		assert.Equal(t, StageMemory, event.Stage)
	case <-time.After(time.Second):
		t.Fatal("broadcast subscriber got nothing")
	}
	assert.Empty(t, other)
}

func TestHubNeverBlocksOnSlowSubscribers(t *testing.T) {
	hub := NewHub()
	events, cancel := hub.Subscribe(BroadcastTopic, 1)
	defer cancel()

	for range 10 {
		require.NoError(t, hub.Emit(context.Background(), "n1", Event{Type: EventProgress}))
	}
	assert.Len(t, events, 1)

	require.NoError(t, hub.Emit(context.Background(), "nobody-listens", Event{Type: EventComplete}))
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	hub := NewHub()
	events, cancel := hub.Subscribe("topic", 0)
	assert.Equal(t, 1, hub.SubscriberCount("topic"))

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)
	assert.Zero(t, hub.SubscriberCount("topic"))
}

type failingEmitter struct{ err error }

func (f failingEmitter) Emit(context.Context, string, Event) error { return f.err }

func TestMultiReturnsFirstError(t *testing.T) {
	hub := NewHub()
	events, cancel := hub.Subscribe(NoteTopic("n1"), 1)
	defer cancel()

	first := errors.New("first")
	multi := Multi{failingEmitter{err: first}, nil, hub, failingEmitter{err: errors.New("second")}}
	err := multi.Emit(context.Background(), "n1", Event{Type: EventError, Stage: StageFailed})
	assert.ErrorIs(t, err, first)
	assert.Len(t, events, 1)

	assert.NoError(t, Nop{}.Emit(context.Background(), "n1", Event{}))
}

func TestParseEvent(t *testing.T) {
	event, err := parseEvent(`{"type":"complete","note_id":"n1","stage":"complete","message":"done","timestamp":"2026-01-01T00:00:00Z"}`)
	require.NoError(t, err)
	assert.Equal(t, EventComplete, event.Type)
	assert.Equal(t, "n1", event.NoteID)

	_, err = parseEvent(`{"type":"weird"}`)
	assert.Error(t, err)

	_, err = parseEvent(`not json`)
	assert.Error(t, err)
}
