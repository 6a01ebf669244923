package tradepost

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// TypingUpdatePayload is sent when a user starts or stops typing.
type TypingUpdatePayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ConversationUpdatedPayload is sent when a conversation's last-message
// summary changes.
type ConversationUpdatedPayload struct {
	ConversationID string      `json:"conversationId"`
	LastMessage    LastMessage `json:"lastMessage"`
	Timestamp      time.Time   `json:"timestamp"`
}

// messageAckPayload resolves an in-flight message:send command with the
// persisted message.
type messageAckPayload struct {
	RequestID string  `json:"requestId"`
	Message   Message `json:"message"`
}

// pongPayload is the response to a ping command.
type pongPayload struct {
	RequestID string `json:"requestId"`
}

// realtimeEnvelope is the wire format for all realtime events.
type realtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// realtimeCommand is a client-to-server command.
type realtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime channel.
type RealtimeConfig struct {
	// Endpoint is the websocket URL (ws:// or wss://). Empty means no
	// realtime channel is configured; Connect becomes a no-op and the
	// client stays in REST-only mode.
	Endpoint             string
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu                    sync.RWMutex
	onMessageNew          []func(Message)
	onTyping              []func(TypingUpdatePayload)
	onConversationUpdated []func(ConversationUpdatedPayload)
	onConnected           []func()
	onDisconnected        []func(reason string)
	onReconnecting        []func(attempt int, delay time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{}
}

func (d *eventDispatcher) dispatch(env realtimeEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case "message:new":
		var p Message
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMessageNew {
				h(p)
			}
		}
	case "typing:update":
		var p TypingUpdatePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onTyping {
				h(p)
			}
		}
	case "conversation:updated":
		var p ConversationUpdatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onConversationUpdated {
				h(p)
			}
		}
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the realtime channel adapter: a websocket client with
// auto-reconnect and heartbeat. Connection failures never propagate as
// panics or fatal errors; callers observe them through Connected and the
// disconnected meta-event and fall back to REST.
type RealtimeClient struct {
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	log              zerolog.Logger

	requestCounter int
	pendingMu      sync.Mutex
	pendingAcks    map[string]chan Message
	pendingPings   map[string]chan pongPayload
}

// NewRealtimeClient creates a realtime channel client. Call Connect to
// establish the connection.
func NewRealtimeClient(config RealtimeConfig) *RealtimeClient {
	cfg := config
	cfg.defaults()
	return &RealtimeClient{
		config:       &cfg,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(),
		recon:        newReconnector(&cfg),
		log:          cfg.Logger,
		pendingAcks:  make(map[string]chan Message),
		pendingPings: make(map[string]chan pongPayload),
	}
}

// OnMessageNew registers a handler for new messages.
func (rc *RealtimeClient) OnMessageNew(h func(Message)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onMessageNew = append(rc.dispatcher.onMessageNew, h)
	rc.dispatcher.mu.Unlock()
}

// OnTypingUpdate registers a handler for typing indicators.
func (rc *RealtimeClient) OnTypingUpdate(h func(TypingUpdatePayload)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onTyping = append(rc.dispatcher.onTyping, h)
	rc.dispatcher.mu.Unlock()
}

// OnConversationUpdated registers a handler for conversation summary
// updates.
func (rc *RealtimeClient) OnConversationUpdated(h func(ConversationUpdatedPayload)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onConversationUpdated = append(rc.dispatcher.onConversationUpdated, h)
	rc.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rc *RealtimeClient) OnConnected(h func()) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onConnected = append(rc.dispatcher.onConnected, h)
	rc.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rc *RealtimeClient) OnDisconnected(h func(reason string)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onDisconnected = append(rc.dispatcher.onDisconnected, h)
	rc.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rc *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onReconnecting = append(rc.dispatcher.onReconnecting, h)
	rc.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Connected reports whether the live channel is currently available.
func (rc *RealtimeClient) Connected() bool {
	return rc.State() == StateConnected
}

// Connect establishes the websocket connection. When no endpoint is
// configured this is not an error: the client simply stays disconnected
// and everything runs over REST.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	if rc.config.Endpoint == "" {
		rc.log.Debug().Msg("no realtime endpoint configured, staying in REST-only mode")
		return nil
	}

	rc.mu.Lock()
	if rc.state == StateConnected || rc.state == StateConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.intentionalClose = false
	rc.mu.Unlock()

	wsURL := rc.config.Endpoint
	if strings.Contains(wsURL, "?") {
		wsURL += "&token=" + rc.config.Token
	} else {
		wsURL += "?token=" + rc.config.Token
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rc.mu.Lock()
		rc.state = StateDisconnected
		rc.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	rc.mu.Lock()
	rc.conn = conn
	rc.state = StateConnected
	rc.mu.Unlock()
	rc.recon.markConnected()

	rc.log.Debug().Str("endpoint", rc.config.Endpoint).Msg("realtime channel connected")
	rc.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rc.mu.Lock()
	rc.cancelFn = cancel
	rc.mu.Unlock()

	go rc.readLoop(connCtx, conn)
	go rc.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = StateDisconnected
	rc.mu.Unlock()

	rc.clearPending()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// SendMessage sends a message over the channel and resolves with the
// persisted message once the server acknowledges it.
func (rc *RealtimeClient) SendMessage(ctx context.Context, conversationID, content string, kind MessageKind, attachmentURL string) (*Message, error) {
	rc.mu.Lock()
	rc.requestCounter++
	requestID := fmt.Sprintf("msg-%d", rc.requestCounter)
	rc.mu.Unlock()

	ch := make(chan Message, 1)
	rc.pendingMu.Lock()
	rc.pendingAcks[requestID] = ch
	rc.pendingMu.Unlock()

	payload := map[string]string{
		"conversationId": conversationID,
		"content":        content,
		"type":           string(kind),
	}
	if attachmentURL != "" {
		payload["attachmentUrl"] = attachmentURL
	}
	err := rc.send(ctx, &realtimeCommand{
		Type:      "message:send",
		Payload:   payload,
		RequestID: requestID,
	})
	if err != nil {
		rc.dropAck(requestID)
		return nil, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &msg, nil
	case <-time.After(10 * time.Second):
		rc.dropAck(requestID)
		return nil, fmt.Errorf("send acknowledgment timeout")
	case <-ctx.Done():
		rc.dropAck(requestID)
		return nil, ctx.Err()
	}
}

// MarkRead tells the server the conversation has been read.
func (rc *RealtimeClient) MarkRead(ctx context.Context, conversationID string) error {
	return rc.send(ctx, &realtimeCommand{
		Type:    "conversation:read",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// StartTyping signals that the local user started typing.
func (rc *RealtimeClient) StartTyping(ctx context.Context, conversationID string) error {
	return rc.send(ctx, &realtimeCommand{
		Type:    "typing:start",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// StopTyping signals that the local user stopped typing.
func (rc *RealtimeClient) StopTyping(ctx context.Context, conversationID string) error {
	return rc.send(ctx, &realtimeCommand{
		Type:    "typing:stop",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

func (rc *RealtimeClient) send(ctx context.Context, cmd *realtimeCommand) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (rc *RealtimeClient) ping(ctx context.Context) error {
	rc.mu.Lock()
	rc.requestCounter++
	requestID := fmt.Sprintf("ping-%d", rc.requestCounter)
	rc.mu.Unlock()

	ch := make(chan pongPayload, 1)
	rc.pendingMu.Lock()
	rc.pendingPings[requestID] = ch
	rc.pendingMu.Unlock()

	err := rc.send(ctx, &realtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		rc.dropPing(requestID)
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(10 * time.Second):
		rc.dropPing(requestID)
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		rc.dropPing(requestID)
		return ctx.Err()
	}
}

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			rc.mu.Unlock()
			if intentional {
				return
			}

			rc.mu.Lock()
			rc.state = StateDisconnected
			rc.conn = nil
			rc.mu.Unlock()

			rc.clearPending()
			rc.log.Debug().Err(err).Msg("realtime channel dropped")
			rc.dispatcher.emitDisconnected(err.Error())

			if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
				rc.scheduleReconnect(ctx)
			}
			return
		}

		var env realtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case "message:ack":
			var p messageAckPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				rc.pendingMu.Lock()
				ch, ok := rc.pendingAcks[p.RequestID]
				if ok {
					delete(rc.pendingAcks, p.RequestID)
				}
				rc.pendingMu.Unlock()
				if ok {
					ch <- p.Message
				}
			}
		case "pong":
			var p pongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				rc.pendingMu.Lock()
				ch, ok := rc.pendingPings[p.RequestID]
				if ok {
					delete(rc.pendingPings, p.RequestID)
				}
				rc.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		default:
			rc.dispatcher.dispatch(env)
		}
	}
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rc.State() != StateConnected {
				return
			}
			if err := rc.ping(ctx); err != nil {
				rc.mu.Lock()
				conn := rc.conn
				rc.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rc *RealtimeClient) scheduleReconnect(ctx context.Context) {
	delay := rc.recon.nextDelay()
	rc.mu.Lock()
	rc.state = StateReconnecting
	rc.mu.Unlock()

	rc.log.Debug().Int("attempt", rc.recon.attempt).Dur("delay", delay).Msg("realtime reconnecting")
	rc.dispatcher.emitReconnecting(rc.recon.attempt, delay)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	rc.mu.Lock()
	rc.state = StateDisconnected
	rc.mu.Unlock()

	if err := rc.Connect(ctx); err != nil {
		if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
			rc.scheduleReconnect(ctx)
		}
	}
}

func (rc *RealtimeClient) clearPending() {
	rc.pendingMu.Lock()
	for k, ch := range rc.pendingAcks {
		close(ch)
		delete(rc.pendingAcks, k)
	}
	for k, ch := range rc.pendingPings {
		close(ch)
		delete(rc.pendingPings, k)
	}
	rc.pendingMu.Unlock()
}

func (rc *RealtimeClient) dropAck(requestID string) {
	rc.pendingMu.Lock()
	delete(rc.pendingAcks, requestID)
	rc.pendingMu.Unlock()
}

func (rc *RealtimeClient) dropPing(requestID string) {
	rc.pendingMu.Lock()
	delete(rc.pendingPings, requestID)
	rc.pendingMu.Unlock()
}
