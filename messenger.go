package tradepost

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNoToken means no auth token was supplied. Messaging cannot run
	// in this state; the caller must re-authenticate, not render an
	// empty inbox.
	ErrNoToken = errors.New("tradepost: missing auth token, re-authentication required")

	// ErrNotConnected means a realtime command was issued without a live
	// channel.
	ErrNotConnected = errors.New("tradepost: realtime channel not connected")

	// ErrSendInProgress means Submit was called while a previous send
	// was still in flight.
	ErrSendInProgress = errors.New("tradepost: send already in progress")
)

// MessengerConfig configures the messaging engine.
type MessengerConfig struct {
	// Token is the opaque bearer string from the session layer.
	// Required.
	Token string

	// SelfID is the local user's id, used to suppress unread increments
	// and typing indicators caused by the user's own activity.
	SelfID string

	// BaseURL overrides the REST API base URL.
	BaseURL string

	// RealtimeEndpoint is the websocket URL. Empty is a valid, supported
	// mode: everything runs over REST.
	RealtimeEndpoint string

	// TypingIdleWindow and TypingTTL override the 3-second typing
	// windows; useful in tests.
	TypingIdleWindow time.Duration
	TypingTTL        time.Duration

	Logger        *zerolog.Logger
	ClientOptions []ClientOption
}

// Messenger is the message synchronization and delivery engine. It owns
// conversation selection, routes realtime events into the timeline and
// the inbox, and sends through whichever transport is available.
type Messenger struct {
	client   *Client
	realtime *RealtimeClient
	inbox    *Inbox
	timeline *Timeline
	composer *Composer
	board    *AnnouncementBoard
	selfID   string
	log      zerolog.Logger

	mu     sync.Mutex
	openID string

	typistMu  sync.Mutex
	typists   map[string]*time.Timer
	typingTTL time.Duration

	cbMu          sync.RWMutex
	onMessage     func(Message)
	onInboxChange func(Conversation)
}

// NewMessenger builds the engine. It fails when no token is supplied;
// there is no degraded anonymous mode.
func NewMessenger(cfg MessengerConfig) (*Messenger, error) {
	if cfg.Token == "" {
		return nil, ErrNoToken
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	opts := cfg.ClientOptions
	if cfg.BaseURL != "" {
		opts = append([]ClientOption{WithBaseURL(cfg.BaseURL)}, opts...)
	}
	client := NewClient(cfg.Token, opts...)

	ttl := cfg.TypingTTL
	if ttl <= 0 {
		ttl = TypingIdleWindow
	}

	m := &Messenger{
		client:    client,
		inbox:     NewInbox(),
		timeline:  NewTimeline(log),
		board:     NewAnnouncementBoard(client),
		selfID:    cfg.SelfID,
		log:       log,
		typists:   make(map[string]*time.Timer),
		typingTTL: ttl,
	}
	m.composer = newComposer(m, cfg.TypingIdleWindow, log)

	if cfg.RealtimeEndpoint != "" {
		m.realtime = NewRealtimeClient(RealtimeConfig{
			Endpoint:      cfg.RealtimeEndpoint,
			Token:         cfg.Token,
			AutoReconnect: true,
			Logger:        log,
		})
		m.realtime.OnMessageNew(m.handleMessageNew)
		m.realtime.OnTypingUpdate(m.handleTypingUpdate)
		m.realtime.OnConversationUpdated(m.handleConversationUpdated)
		m.realtime.OnDisconnected(func(reason string) {
			m.log.Warn().Str("reason", reason).Msg("realtime channel lost, falling back to REST")
			m.clearTypists()
		})
	}

	return m, nil
}

// Start loads the conversation list and brings up the realtime channel.
// A failed channel connect is not fatal: the engine stays fully usable
// over REST and reports the degradation through Connected.
func (m *Messenger) Start(ctx context.Context) error {
	conversations, err := m.client.ListConversations(ctx)
	if err != nil {
		return err
	}
	m.inbox.SetAll(conversations)

	if err := m.board.Refresh(ctx); err != nil {
		m.log.Warn().Err(err).Msg("announcement refresh failed")
	}

	if m.realtime != nil {
		if err := m.realtime.Connect(ctx); err != nil {
			m.log.Warn().Err(err).Msg("realtime connect failed, running over REST")
		}
	}
	return nil
}

// Connected reports whether the live channel is available.
func (m *Messenger) Connected() bool {
	return m.realtime != nil && m.realtime.Connected()
}

// Inbox returns the conversation list synchronizer.
func (m *Messenger) Inbox() *Inbox { return m.inbox }

// Timeline returns the message timeline for the open conversation.
func (m *Messenger) Timeline() *Timeline { return m.timeline }

// Composer returns the message composer.
func (m *Messenger) Composer() *Composer { return m.composer }

// Announcements returns the announcement board.
func (m *Messenger) Announcements() *AnnouncementBoard { return m.board }

// OnMessage registers a callback invoked for every pushed message, in
// arrival order, after timeline routing. Only one callback is held; a
// second call replaces the first.
func (m *Messenger) OnMessage(fn func(Message)) {
	m.cbMu.Lock()
	m.onMessage = fn
	m.cbMu.Unlock()
}

// OnInboxChange registers a callback invoked with the updated entry
// whenever realtime activity reorders the conversation list.
func (m *Messenger) OnInboxChange(fn func(Conversation)) {
	m.cbMu.Lock()
	m.onInboxChange = fn
	m.cbMu.Unlock()
}

// OpenConversationID returns the currently open conversation id, or "".
func (m *Messenger) OpenConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openID
}

// Open selects a conversation: the previous timeline is discarded, the
// composer is retargeted, and history is loaded over REST (which also
// marks the conversation read server-side). Selecting another
// conversation while a load is in flight is safe; the stale response is
// discarded.
func (m *Messenger) Open(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	m.openID = conversationID
	m.mu.Unlock()
	m.clearTypists()
	m.composer.Reset(conversationID)

	if err := m.timeline.Load(ctx, m.client, conversationID); err != nil {
		return err
	}

	// The fetch marked it read server-side; mirror that locally and let
	// other sessions know.
	m.inbox.MarkRead(conversationID)
	if m.Connected() {
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.realtime.MarkRead(rctx, conversationID); err != nil {
				m.log.Debug().Err(err).Msg("realtime mark-read failed")
			}
		}()
	}
	return nil
}

// CloseConversation deselects the open conversation.
func (m *Messenger) CloseConversation() {
	m.mu.Lock()
	m.openID = ""
	m.mu.Unlock()
	m.clearTypists()
	m.composer.Reset("")
	m.timeline.Reset()
}

// TypingUsers returns ids of users currently typing in the open
// conversation. Entries expire after the typing TTL without a fresh
// start-typing signal.
func (m *Messenger) TypingUsers() []string {
	m.typistMu.Lock()
	defer m.typistMu.Unlock()
	out := make([]string, 0, len(m.typists))
	for id := range m.typists {
		out = append(out, id)
	}
	return out
}

// Close tears the engine down: typing timers are cancelled, previews
// released, and the channel closed.
func (m *Messenger) Close() {
	m.composer.Close()
	m.clearTypists()
	m.timeline.Reset()
	if m.realtime != nil {
		m.realtime.Disconnect()
	}
}

// ============================================================================
// Realtime event handlers
// ============================================================================

// handleMessageNew routes a pushed message. The open-conversation id is
// read at delivery time, never captured at subscription time, so a
// conversation switch between subscribe and delivery cannot misroute the
// message.
func (m *Messenger) handleMessageNew(msg Message) {
	if msg.ConversationID == m.OpenConversationID() {
		m.timeline.ApplyPush(msg)
	}

	m.cbMu.RLock()
	fn := m.onMessage
	m.cbMu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

func (m *Messenger) handleTypingUpdate(p TypingUpdatePayload) {
	if p.UserID == m.selfID || p.ConversationID != m.OpenConversationID() {
		return
	}

	m.typistMu.Lock()
	defer m.typistMu.Unlock()
	if p.IsTyping {
		if timer, ok := m.typists[p.UserID]; ok {
			timer.Reset(m.typingTTL)
			return
		}
		userID := p.UserID
		m.typists[userID] = time.AfterFunc(m.typingTTL, func() {
			m.typistMu.Lock()
			delete(m.typists, userID)
			m.typistMu.Unlock()
		})
	} else {
		if timer, ok := m.typists[p.UserID]; ok {
			timer.Stop()
			delete(m.typists, p.UserID)
		}
	}
}

func (m *Messenger) handleConversationUpdated(p ConversationUpdatedPayload) {
	open := p.ConversationID == m.OpenConversationID()
	own := m.selfID != "" && p.LastMessage.SenderID == m.selfID
	if !m.inbox.applyUpdate(p.ConversationID, p.LastMessage, p.Timestamp, open, own) {
		return
	}

	m.cbMu.RLock()
	fn := m.onInboxChange
	m.cbMu.RUnlock()
	if fn != nil {
		if conv, ok := m.inbox.Get(p.ConversationID); ok {
			fn(conv)
		}
	}
}

func (m *Messenger) clearTypists() {
	m.typistMu.Lock()
	defer m.typistMu.Unlock()
	for id, timer := range m.typists {
		timer.Stop()
		delete(m.typists, id)
	}
}

// ============================================================================
// composerTransport
// ============================================================================

func (m *Messenger) uploadImage(ctx context.Context, data []byte, filename, conversationID string) (string, error) {
	return m.client.UploadImage(ctx, data, filename, conversationID)
}

// sendMessage delivers through the live channel when connected, falling
// back to REST otherwise. The connected flag is sampled per call. On the
// realtime path the persisted message is NOT appended locally: the push
// event is the source of truth and an optimistic append would double the
// entry under concurrent delivery. On the REST path no push will arrive,
// so the response is appended directly.
func (m *Messenger) sendMessage(ctx context.Context, conversationID, content string, kind MessageKind, attachmentURL string) (*Message, error) {
	if m.Connected() {
		msg, err := m.realtime.SendMessage(ctx, conversationID, content, kind, attachmentURL)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, ErrNotConnected) {
			return nil, err
		}
		// Channel dropped between the check and the write; use REST.
	}

	msg, err := m.client.PostMessage(ctx, conversationID, content, kind, attachmentURL)
	if err != nil {
		return nil, err
	}
	m.timeline.AppendLocal(*msg)

	// Bump the sender's own list entry. The conversation is open for the
	// sender, so unread stays 0.
	m.inbox.applyUpdate(conversationID, LastMessage{
		Content:  msg.Content,
		Kind:     msg.Kind,
		SenderID: msg.Sender.ID,
		SentAt:   msg.CreatedAt,
	}, msg.CreatedAt, true, true)
	return msg, nil
}

func (m *Messenger) startTyping(conversationID string) {
	if !m.Connected() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.realtime.StartTyping(ctx, conversationID); err != nil {
			m.log.Debug().Err(err).Msg("start-typing signal failed")
		}
	}()
}

func (m *Messenger) stopTyping(conversationID string) {
	if !m.Connected() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.realtime.StopTyping(ctx, conversationID); err != nil {
			m.log.Debug().Err(err).Msg("stop-typing signal failed")
		}
	}()
}
