package progress

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

const (
	StageMemory     = "memory"
	StageReasoning  = "reasoning"
	StageValidation = "validation"
	StageSaving     = "saving"
	StageComplete   = "complete"
	// StageRetry marks an error the queue will retry; StageFailed is terminal.
	StageRetry  = "retry"
	StageFailed = "failed"
)

// BroadcastTopic receives every event for every note.
const BroadcastTopic = "broadcast"

func NoteTopic(noteID string) string {
	return "enhancement:" + noteID
}

type Event struct {
	Type      EventType `json:"type"`
	NoteID    string    `json:"note_id,omitempty"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Emitter publishes an event on the note topic and the broadcast topic.
// Emit never blocks on slow or absent subscribers.
type Emitter interface {
	Emit(ctx context.Context, noteID string, event Event) error
}

type Nop struct{}

func (Nop) Emit(context.Context, string, Event) error { return nil }

// Multi fans an event out to several emitters and returns the first error.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, noteID string, event Event) error {
	var first error
	for _, emitter := range m {
		if emitter == nil {
			continue
		}
		if err := emitter.Emit(ctx, noteID, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Hub is an in-process pub/sub keyed by topic.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]chan Event)}
}

// Subscribe returns a channel of events for topic and a cancel func that
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(topic string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[uint64]chan Event)
	}
	h.subs[topic][id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if topicSubs, ok := h.subs[topic]; ok {
				delete(topicSubs, id)
				if len(topicSubs) == 0 {
					delete(h.subs, topic)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

func (h *Hub) Emit(_ context.Context, noteID string, event Event) error {
	if event.NoteID == "" {
		event.NoteID = noteID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	h.Publish(NoteTopic(noteID), event)
	h.Publish(BroadcastTopic, event)
	return nil
}

// Publish delivers to one topic only. Full subscriber buffers drop the event.
func (h *Hub) Publish(topic string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[topic] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
