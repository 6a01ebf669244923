package tradepost

import (
	"sort"
	"sync"
	"time"
)

// Inbox owns the ordered conversation list. Realtime summary updates bump
// the last-message preview, timestamp, and unread counter and trigger a
// full re-sort by recency. The inbox never holds message bodies beyond
// the preview.
type Inbox struct {
	mu            sync.Mutex
	conversations []Conversation
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{}
}

// SetAll replaces the conversation list, typically from the initial REST
// load, and sorts it by recency.
func (in *Inbox) SetAll(conversations []Conversation) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.conversations = make([]Conversation, len(conversations))
	copy(in.conversations, conversations)
	in.sortLocked()
}

// ApplyUpdate applies a realtime summary update. When the conversation is
// currently open the unread count is forced to 0 (the user is looking at
// it); otherwise it increments by 1. Updates for conversations not in the
// list are a no-op: the list is never speculatively grown client-side, a
// later full reload picks new threads up. Returns false for the no-op
// case.
func (in *Inbox) ApplyUpdate(conversationID string, last LastMessage, timestamp time.Time, isCurrentlyOpen bool) bool {
	return in.applyUpdate(conversationID, last, timestamp, isCurrentlyOpen, false)
}

// applyUpdate additionally supports suppressing the unread increment for
// updates caused by the local user's own sends.
func (in *Inbox) applyUpdate(conversationID string, last LastMessage, timestamp time.Time, isCurrentlyOpen, ownMessage bool) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	idx := -1
	for i := range in.conversations {
		if in.conversations[i].ID == conversationID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	c := &in.conversations[idx]
	lastCopy := last
	c.LastMessage = &lastCopy
	c.UpdatedAt = timestamp
	switch {
	case isCurrentlyOpen:
		c.UnreadCount = 0
	case ownMessage:
		// unchanged
	default:
		c.UnreadCount++
	}

	in.sortLocked()
	return true
}

// MarkRead zeroes the unread count for a conversation, mirroring the
// implicit server-side mark-read that happens when history is fetched.
func (in *Inbox) MarkRead(conversationID string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for i := range in.conversations {
		if in.conversations[i].ID == conversationID {
			in.conversations[i].UnreadCount = 0
			return
		}
	}
}

// Conversations returns a copy of the list, most recent first.
func (in *Inbox) Conversations() []Conversation {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]Conversation, len(in.conversations))
	copy(out, in.conversations)
	return out
}

// Get returns the conversation with the given id, if present.
func (in *Inbox) Get(conversationID string) (Conversation, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for i := range in.conversations {
		if in.conversations[i].ID == conversationID {
			return in.conversations[i], true
		}
	}
	return Conversation{}, false
}

// TotalUnread sums unread counts across all conversations.
func (in *Inbox) TotalUnread() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	total := 0
	for i := range in.conversations {
		total += in.conversations[i].UnreadCount
	}
	return total
}

// sortLocked re-sorts descending by update time. The sort is stable so
// conversations with untouched timestamps keep their relative order.
func (in *Inbox) sortLocked() {
	sort.SliceStable(in.conversations, func(i, j int) bool {
		return in.conversations[i].UpdatedAt.After(in.conversations[j].UpdatedAt)
	})
}
