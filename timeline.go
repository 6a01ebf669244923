package tradepost

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// TimelineState is the merge engine's state for the open conversation.
type TimelineState string

const (
	TimelineIdle    TimelineState = "idle"
	TimelineLoading TimelineState = "loading"
	TimelineReady   TimelineState = "ready"
	TimelineFailed  TimelineState = "failed"
)

// historyLoader loads a conversation's message history. *Client satisfies
// it; tests substitute their own.
type historyLoader interface {
	GetConversation(ctx context.Context, conversationID string) (*ConversationDetail, error)
}

// Timeline owns the ordered message list for the currently open
// conversation. It merges REST-loaded history, realtime pushes, and local
// sends into one list, deduplicated by message id. The timeline renders
// in ascending creation-time order: history arrives ordered from the
// server and pushes are appended in arrival order, so no re-sort happens.
type Timeline struct {
	mu             sync.Mutex
	state          TimelineState
	conversationID string
	generation     uint64
	messages       []Message
	seen           map[string]struct{}
	pending        []Message // pushes that arrived while history was loading
	detail         *ConversationDetail
	loadErr        error
	log            zerolog.Logger
}

// NewTimeline creates an empty timeline in the idle state.
func NewTimeline(log zerolog.Logger) *Timeline {
	return &Timeline{
		state: TimelineIdle,
		seen:  make(map[string]struct{}),
		log:   log,
	}
}

// Load switches the timeline to the given conversation and fetches its
// history. The previous timeline is discarded immediately. If another
// Load starts before this one's response arrives, the stale response is
// discarded: only the most recent selection ever populates the timeline.
func (t *Timeline) Load(ctx context.Context, loader historyLoader, conversationID string) error {
	gen := t.beginLoad(conversationID)

	detail, err := loader.GetConversation(ctx, conversationID)
	if !t.completeLoad(gen, detail, err) {
		// A newer selection superseded this load.
		return nil
	}
	return err
}

// beginLoad clears state and marks the timeline loading. It returns the
// load generation used to detect stale completions.
func (t *Timeline) beginLoad(conversationID string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generation++
	t.state = TimelineLoading
	t.conversationID = conversationID
	t.messages = nil
	t.pending = nil
	t.seen = make(map[string]struct{})
	t.detail = nil
	t.loadErr = nil
	return t.generation
}

// completeLoad applies a finished load. It reports whether the result was
// current; stale results are dropped without touching state.
func (t *Timeline) completeLoad(gen uint64, detail *ConversationDetail, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.generation {
		t.log.Debug().Uint64("generation", gen).Msg("discarding stale history load")
		return false
	}

	if err != nil {
		t.state = TimelineFailed
		t.loadErr = err
		t.messages = nil
		t.pending = nil
		return true
	}

	t.state = TimelineReady
	t.detail = detail
	for _, m := range detail.Messages {
		t.appendLocked(m)
	}
	// Pushes that raced the history fetch; dedup collapses any overlap.
	for _, m := range t.pending {
		t.appendLocked(m)
	}
	t.pending = nil
	return true
}

// ApplyPush merges a realtime-delivered message. Messages for other
// conversations and duplicates are ignored. Returns true when the
// timeline changed.
func (t *Timeline) ApplyPush(msg Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msg.ConversationID != t.conversationID {
		return false
	}

	switch t.state {
	case TimelineReady:
		return t.appendLocked(msg)
	case TimelineLoading:
		if _, dup := t.seen[msg.ID]; dup {
			return false
		}
		t.pending = append(t.pending, msg)
		return true
	default:
		return false
	}
}

// AppendLocal appends a locally-sent message (the REST send path, where
// no push will arrive). Duplicates by id are ignored.
func (t *Timeline) AppendLocal(msg Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TimelineReady || msg.ConversationID != t.conversationID {
		return false
	}
	return t.appendLocked(msg)
}

func (t *Timeline) appendLocked(msg Message) bool {
	if _, dup := t.seen[msg.ID]; dup {
		return false
	}
	t.seen[msg.ID] = struct{}{}
	t.messages = append(t.messages, msg)
	return true
}

// Reset discards the timeline and returns to idle.
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generation++
	t.state = TimelineIdle
	t.conversationID = ""
	t.messages = nil
	t.pending = nil
	t.seen = make(map[string]struct{})
	t.detail = nil
	t.loadErr = nil
}

// State returns the current timeline state.
func (t *Timeline) State() TimelineState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ConversationID returns the id of the open conversation, or "" when
// idle.
func (t *Timeline) ConversationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

// Messages returns a copy of the ordered timeline.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Detail returns the loaded conversation metadata, or nil before a
// successful load.
func (t *Timeline) Detail() *ConversationDetail {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detail
}

// Err returns the load error when the timeline is in the failed state.
func (t *Timeline) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadErr
}
