package tradepost

import (
	"context"
	"sync"
	"time"
)

// announcementClient is the slice of the REST client the board uses.
type announcementClient interface {
	ListAnnouncements(ctx context.Context) ([]Announcement, error)
	MarkAnnouncementRead(ctx context.Context, announcementID string) error
}

// AnnouncementBoard mirrors the platform's broadcast announcements: a
// read-mostly list with its own unread counter, refreshed by explicit
// re-fetch (there is no push channel for announcements).
type AnnouncementBoard struct {
	mu     sync.Mutex
	items  []Announcement
	client announcementClient
}

// NewAnnouncementBoard creates an empty board backed by the given client.
func NewAnnouncementBoard(client announcementClient) *AnnouncementBoard {
	return &AnnouncementBoard{client: client}
}

// Refresh re-fetches the announcement list.
func (b *AnnouncementBoard) Refresh(ctx context.Context) error {
	items, err := b.client.ListAnnouncements(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.items = items
	b.mu.Unlock()
	return nil
}

// Items returns a copy of the announcement list.
func (b *AnnouncementBoard) Items() []Announcement {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Announcement, len(b.items))
	copy(out, b.items)
	return out
}

// UnreadCount drives the badge, independent of conversation unread
// counts.
func (b *AnnouncementBoard) UnreadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for i := range b.items {
		if !b.items[i].Read {
			count++
		}
	}
	return count
}

// Select returns the announcement and marks it read if it wasn't. The
// local flag flips only after the server acknowledges.
func (b *AnnouncementBoard) Select(ctx context.Context, announcementID string) (*Announcement, error) {
	b.mu.Lock()
	idx := -1
	for i := range b.items {
		if b.items[i].ID == announcementID {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return nil, &APIError{Message: "unknown announcement: " + announcementID}
	}
	if b.items[idx].Read {
		item := b.items[idx]
		b.mu.Unlock()
		return &item, nil
	}
	b.mu.Unlock()

	if err := b.client.MarkAnnouncementRead(ctx, announcementID); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// A concurrent Refresh may have replaced the list; find the item
	// again before flipping it.
	for i := range b.items {
		if b.items[i].ID == announcementID {
			now := time.Now()
			b.items[i].Read = true
			b.items[i].ReadAt = &now
			item := b.items[i]
			return &item, nil
		}
	}
	return nil, &APIError{Message: "unknown announcement: " + announcementID}
}
