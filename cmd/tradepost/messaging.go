package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	tradepost "github.com/tradepost/tradepost-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// inbox
	inboxUnreadOnly bool
	inboxJSON       bool

	// open
	openLimit int
	openJSON  bool

	// send
	sendImagePath string
	sendJSON      bool
)

func init() {
	inboxCmd.Flags().BoolVar(&inboxUnreadOnly, "unread", false, "Only show conversations with unread messages")
	inboxCmd.Flags().BoolVar(&inboxJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(inboxCmd)

	openCmd.Flags().IntVar(&openLimit, "limit", 0, "Only show the last N messages (0 = all)")
	openCmd.Flags().BoolVar(&openJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(openCmd)

	sendCmd.Flags().StringVar(&sendImagePath, "image", "", "Attach an image file (jpeg, png, gif or webp, max 5 MB)")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(sendCmd)

	rootCmd.AddCommand(watchCmd)
}

// ============================================================================
// inbox
// ============================================================================

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conversations, err := client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if inboxUnreadOnly {
			filtered := conversations[:0]
			for _, c := range conversations {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			conversations = filtered
		}

		if inboxJSON {
			return printJSON(conversations)
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range conversations {
			fmt.Println(formatConversation(c))
		}
		return nil
	},
}

func formatConversation(c tradepost.Conversation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s", c.ID, c.UpdatedAt.Local().Format("2006-01-02 15:04"))
	if c.Ad != nil {
		fmt.Fprintf(&b, "  [%s]", c.Ad.Title)
	}
	if c.LastMessage != nil {
		preview := c.LastMessage.Content
		if c.LastMessage.Kind == tradepost.MessageImage {
			preview = "(image)"
		}
		if len(preview) > 48 {
			preview = preview[:45] + "..."
		}
		fmt.Fprintf(&b, "  %s", preview)
	}
	if c.UnreadCount > 0 {
		fmt.Fprintf(&b, "  (%d unread)", c.UnreadCount)
	}
	return b.String()
}

// ============================================================================
// open
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open <conversation-id>",
	Short: "Show a conversation's message history",
	Long:  "Fetch and print a conversation. Opening a conversation marks it read.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		detail, err := client.GetConversation(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if openJSON {
			return printJSON(detail)
		}

		messages := detail.Messages
		if openLimit > 0 && len(messages) > openLimit {
			messages = messages[len(messages)-openLimit:]
		}
		for _, msg := range messages {
			fmt.Println(formatMessage(msg))
		}
		return nil
	},
}

func formatMessage(msg tradepost.Message) string {
	name := msg.Sender.DisplayName
	if name == "" {
		name = msg.Sender.ID
	}
	ts := msg.CreatedAt.Local().Format("15:04")

	switch {
	case msg.Deleted:
		return fmt.Sprintf("[%s] %s: (message deleted)", ts, name)
	case msg.Kind == tradepost.MessageImage:
		line := fmt.Sprintf("[%s] %s: (image) %s", ts, name, msg.AttachmentURL)
		if msg.Content != "" {
			line += " " + msg.Content
		}
		return line
	default:
		line := fmt.Sprintf("[%s] %s: %s", ts, name, msg.Content)
		if msg.Edited {
			line += " (edited)"
		}
		return line
	}
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [message]",
	Short: "Send a message to a conversation",
	Long:  "Send a text message, an image, or an image with a caption.\nExample: tradepost send conv-42 \"Is this still available?\"",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		text := ""
		if len(args) == 2 {
			text = args[1]
		}
		if text == "" && sendImagePath == "" {
			return fmt.Errorf("nothing to send: supply a message, --image, or both")
		}

		m := getMessenger(false, nil)
		defer m.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := m.Open(ctx, conversationID); err != nil {
			return fmt.Errorf("cannot open conversation: %w", err)
		}

		composer := m.Composer()
		if sendImagePath != "" {
			data, err := os.ReadFile(sendImagePath)
			if err != nil {
				return fmt.Errorf("cannot read image: %w", err)
			}
			if err := composer.Attach(filepath.Base(sendImagePath), detectImageType(sendImagePath, data), int64(len(data)), data, "", nil); err != nil {
				return err
			}
		}
		composer.SetText(text)

		msg, err := composer.Submit(ctx)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent message %s\n", msg.ID)
		return nil
	},
}

// detectImageType resolves the MIME type from the file extension, falling
// back to content sniffing for files without one.
func detectImageType(path string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a conversation live",
	Long:  "Open a conversation over the realtime channel and print messages as they arrive. Press Ctrl-C to stop.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]

		logger := consoleLogger()
		m := getMessenger(true, &logger)
		defer m.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := m.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("cannot start messenger: %w", err)
		}
		if err := m.Open(ctx, conversationID); err != nil {
			cancel()
			return fmt.Errorf("cannot open conversation: %w", err)
		}
		cancel()

		for _, msg := range m.Timeline().Messages() {
			fmt.Println(formatMessage(msg))
		}
		if !m.Connected() {
			fmt.Fprintln(os.Stderr, "Realtime channel unavailable; no live updates will arrive.")
			return nil
		}

		m.OnMessage(func(msg tradepost.Message) {
			if msg.ConversationID == conversationID {
				fmt.Println(formatMessage(msg))
			}
		})
		m.OnInboxChange(func(c tradepost.Conversation) {
			if c.ID != conversationID && c.UnreadCount > 0 {
				fmt.Fprintf(os.Stderr, "Activity in %s (%d unread)\n", c.ID, c.UnreadCount)
			}
		})

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("\nStopped.")
		return nil
	},
}

// ============================================================================
// Shared output helpers
// ============================================================================

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
