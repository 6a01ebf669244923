package tradepost

import "time"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// MessageKind distinguishes text messages from image messages.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
)

// ============================================================================
// Messaging Types
// ============================================================================

// Participant identifies one party in a conversation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// AdRef is the listing a conversation was started from, if any.
type AdRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Message is a single chat message. Kind "image" always carries a
// non-empty AttachmentURL; kind "text" always carries non-empty Content
// (for image messages Content is the optional caption).
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Sender         Participant `json:"sender"`
	Kind           MessageKind `json:"type"`
	Content        string      `json:"content"`
	AttachmentURL  string      `json:"attachmentUrl,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	Edited         bool        `json:"edited,omitempty"`
	Deleted        bool        `json:"deleted,omitempty"`
}

// LastMessage is the preview summary shown in the conversation list.
type LastMessage struct {
	Content  string      `json:"content"`
	Kind     MessageKind `json:"type"`
	SenderID string      `json:"senderId"`
	SentAt   time.Time   `json:"sentAt"`
}

// Conversation is one thread between two or more participants.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	Ad           *AdRef        `json:"ad,omitempty"`
	LastMessage  *LastMessage  `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// ConversationDetail is a conversation with its message history embedded,
// as returned by GET /conversations/{id}. Messages are ordered ascending
// by creation time.
type ConversationDetail struct {
	Conversation
	Messages []Message `json:"messages"`
}

// ============================================================================
// Announcements
// ============================================================================

// Announcement is a broadcast notice from the platform.
type Announcement struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
	Read      bool       `json:"read"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// ============================================================================
// Wire envelopes
// ============================================================================

// uploadResult is the response of POST /messages/upload.
type uploadResult struct {
	URL string `json:"url"`
}

// errorEnvelope covers both error body shapes the API produces.
type errorEnvelope struct {
	Error   *APIError `json:"error,omitempty"`
	Message string    `json:"message,omitempty"`
}
