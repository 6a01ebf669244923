package tradepost

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MaxImageBytes is the attachment size cap, inclusive.
	MaxImageBytes = 5 * 1024 * 1024

	// TypingIdleWindow is how long after the last keystroke the
	// stop-typing signal fires.
	TypingIdleWindow = 3 * time.Second
)

// allowedImageTypes is the attachment MIME allow-list.
var allowedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

// PendingUpload is the transient state between selecting an image and
// either sending it or removing it.
type PendingUpload struct {
	FileName   string
	MimeType   string
	Size       int64
	Data       []byte
	PreviewURL string
	// release frees the preview resource; called exactly once, on
	// removal, successful send, or composer teardown.
	release func()
}

// composerTransport is what the composer needs from the engine: uploads,
// sends, and typing-presence signals. The Messenger implements it,
// choosing between the realtime channel and REST per call.
type composerTransport interface {
	uploadImage(ctx context.Context, data []byte, filename, conversationID string) (string, error)
	sendMessage(ctx context.Context, conversationID, content string, kind MessageKind, attachmentURL string) (*Message, error)
	startTyping(conversationID string)
	stopTyping(conversationID string)
}

// Composer manages the message input for the open conversation: text
// state, typing-presence signaling, image attachment, and the send
// operation.
type Composer struct {
	mu             sync.Mutex
	conversationID string
	text           string
	pending        *PendingUpload
	validationErr  error
	sending        bool

	typing      bool
	typingTimer *time.Timer
	idleWindow  time.Duration

	transport composerTransport
	log       zerolog.Logger
}

func newComposer(transport composerTransport, idleWindow time.Duration, log zerolog.Logger) *Composer {
	if idleWindow <= 0 {
		idleWindow = TypingIdleWindow
	}
	return &Composer{
		idleWindow: idleWindow,
		transport:  transport,
		log:        log,
	}
}

// Reset retargets the composer at a new conversation, discarding input
// state and cancelling any typing signal for the previous one.
func (c *Composer) Reset(conversationID string) {
	c.mu.Lock()
	prev := c.conversationID
	c.stopTypingLocked(prev)
	c.conversationID = conversationID
	c.text = ""
	c.validationErr = nil
	c.releasePendingLocked()
	c.mu.Unlock()
}

// SetText records a keystroke. A transition from idle sends start-typing
// immediately; every further keystroke restarts the inactivity timer.
func (c *Composer) SetText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
	if text == "" {
		return
	}

	conversationID := c.conversationID
	if !c.typing {
		c.typing = true
		c.transport.startTyping(conversationID)
	}
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.idleWindow, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		// Only fire for the conversation the timer was armed for.
		if c.typing && c.conversationID == conversationID {
			c.typing = false
			c.transport.stopTyping(conversationID)
		}
	})
}

// Text returns the current input text.
func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// Attach validates a selected image and holds it as the pending upload.
// Files outside the MIME allow-list or over the size cap are rejected
// before any network call; the error is also retained for display via
// ValidationErr.
func (c *Composer) Attach(fileName, mimeType string, size int64, data []byte, previewURL string, release func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := allowedImageTypes[mimeType]; !ok {
		c.validationErr = &APIError{Message: "unsupported image type: " + mimeType}
		return c.validationErr
	}
	if size > MaxImageBytes {
		c.validationErr = &APIError{Message: "image exceeds the 5 MB limit"}
		return c.validationErr
	}

	c.validationErr = nil
	c.releasePendingLocked()
	c.pending = &PendingUpload{
		FileName:   fileName,
		MimeType:   mimeType,
		Size:       size,
		Data:       data,
		PreviewURL: previewURL,
		release:    release,
	}
	return nil
}

// RemoveAttachment discards the pending upload and releases its preview.
func (c *Composer) RemoveAttachment() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releasePendingLocked()
	c.validationErr = nil
}

// Pending returns the pending upload, or nil.
func (c *Composer) Pending() *PendingUpload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// ValidationErr returns the last attachment validation error, or nil.
func (c *Composer) ValidationErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validationErr
}

// Sending reports whether a submit is currently in flight.
func (c *Composer) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

// Submit sends the composed message. With a pending upload present the
// image is uploaded first and sent as kind "image" with the text as
// caption; otherwise non-empty text is sent as kind "text". Empty input
// is a no-op. A failed upload or send leaves the text and pending upload
// intact for retry; input is cleared only after the send resolves.
// A second Submit while one is in flight returns ErrSendInProgress.
func (c *Composer) Submit(ctx context.Context) (*Message, error) {
	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		return nil, ErrSendInProgress
	}

	conversationID := c.conversationID
	text := c.text
	pending := c.pending
	if pending == nil && strings.TrimSpace(text) == "" {
		c.mu.Unlock()
		return nil, nil
	}

	c.sending = true
	c.stopTypingLocked(conversationID)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.sending = false
		c.mu.Unlock()
	}()

	var msg *Message
	if pending != nil {
		attachmentURL, err := c.transport.uploadImage(ctx, pending.Data, pending.FileName, conversationID)
		if err != nil {
			c.log.Debug().Err(err).Msg("image upload failed, keeping pending upload")
			return nil, err
		}
		msg, err = c.transport.sendMessage(ctx, conversationID, text, MessageImage, attachmentURL)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		msg, err = c.transport.sendMessage(ctx, conversationID, text, MessageText, "")
		if err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	c.text = ""
	c.releasePendingLocked()
	c.mu.Unlock()
	return msg, nil
}

// Close cancels the typing timer, emits a final stop-typing if needed,
// and releases any pending preview.
func (c *Composer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTypingLocked(c.conversationID)
	c.releasePendingLocked()
}

// stopTypingLocked cancels the inactivity timer and sends stop-typing if
// a signaling episode is active. Callers hold c.mu.
func (c *Composer) stopTypingLocked(conversationID string) {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	if c.typing {
		c.typing = false
		if conversationID != "" {
			c.transport.stopTyping(conversationID)
		}
	}
}

func (c *Composer) releasePendingLocked() {
	if c.pending != nil && c.pending.release != nil {
		c.pending.release()
	}
	c.pending = nil
}
