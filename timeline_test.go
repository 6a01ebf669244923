package tradepost_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	tradepost "github.com/tradepost/tradepost-go"
)

// fakeLoader serves canned conversation details, optionally blocking
// until released so tests can interleave pushes with an in-flight load.
type fakeLoader struct {
	mu      sync.Mutex
	details map[string]*tradepost.ConversationDetail
	errs    map[string]error
	block   chan struct{}
	calls   int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		details: make(map[string]*tradepost.ConversationDetail),
		errs:    make(map[string]error),
	}
}

func (f *fakeLoader) GetConversation(ctx context.Context, conversationID string) (*tradepost.ConversationDetail, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err := f.errs[conversationID]; err != nil {
		return nil, err
	}
	d, ok := f.details[conversationID]
	if !ok {
		return nil, &tradepost.APIError{Message: "conversation not found"}
	}
	return d, nil
}

func makeDetail(conversationID string, n int) *tradepost.ConversationDetail {
	d := &tradepost.ConversationDetail{}
	d.ID = conversationID
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		d.Messages = append(d.Messages, tradepost.Message{
			ID:             fmt.Sprintf("%s-hist-%d", conversationID, i),
			ConversationID: conversationID,
			Kind:           tradepost.MessageText,
			Content:        fmt.Sprintf("message %d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
	}
	return d
}

func pushMsg(conversationID, id string) tradepost.Message {
	return tradepost.Message{
		ID:             id,
		ConversationID: conversationID,
		Kind:           tradepost.MessageText,
		Content:        "pushed " + id,
		CreatedAt:      time.Now(),
	}
}

func messageIDs(msgs []tradepost.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func TestTimeline_LoadThenPush(t *testing.T) {
	loader := newFakeLoader()
	loader.details["conv-1"] = makeDetail("conv-1", 3)

	tl := tradepost.NewTimeline(zerolog.Nop())
	if tl.State() != tradepost.TimelineIdle {
		t.Fatalf("initial state = %s, want idle", tl.State())
	}

	if err := tl.Load(context.Background(), loader, "conv-1"); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if tl.State() != tradepost.TimelineReady {
		t.Fatalf("state = %s, want ready", tl.State())
	}

	for i := 0; i < 3; i++ {
		if !tl.ApplyPush(pushMsg("conv-1", fmt.Sprintf("push-%d", i))) {
			t.Fatalf("push %d not applied", i)
		}
	}

	want := []string{"conv-1-hist-0", "conv-1-hist-1", "conv-1-hist-2", "push-0", "push-1", "push-2"}
	got := messageIDs(tl.Messages())
	if len(got) != len(want) {
		t.Fatalf("messages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("messages = %v, want %v", got, want)
		}
	}
}

func TestTimeline_Dedup(t *testing.T) {
	loader := newFakeLoader()
	loader.details["conv-1"] = makeDetail("conv-1", 2)

	tl := tradepost.NewTimeline(zerolog.Nop())
	if err := tl.Load(context.Background(), loader, "conv-1"); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	t.Run("push duplicating history", func(t *testing.T) {
		if tl.ApplyPush(pushMsg("conv-1", "conv-1-hist-1")) {
			t.Error("duplicate of a history message was applied")
		}
	})

	t.Run("push duplicating push", func(t *testing.T) {
		if !tl.ApplyPush(pushMsg("conv-1", "push-a")) {
			t.Fatal("first push not applied")
		}
		if tl.ApplyPush(pushMsg("conv-1", "push-a")) {
			t.Error("second delivery of the same push was applied")
		}
	})

	t.Run("local send echoed by push", func(t *testing.T) {
		if !tl.AppendLocal(pushMsg("conv-1", "local-1")) {
			t.Fatal("local append failed")
		}
		if tl.ApplyPush(pushMsg("conv-1", "local-1")) {
			t.Error("push echo of a local send was applied")
		}
	})

	if got := len(tl.Messages()); got != 4 {
		t.Errorf("timeline has %d messages, want 4", got)
	}
}

func TestTimeline_IgnoresOtherConversations(t *testing.T) {
	loader := newFakeLoader()
	loader.details["conv-1"] = makeDetail("conv-1", 1)

	tl := tradepost.NewTimeline(zerolog.Nop())
	if err := tl.Load(context.Background(), loader, "conv-1"); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if tl.ApplyPush(pushMsg("conv-2", "stray-1")) {
		t.Error("push for another conversation was applied")
	}
	if tl.AppendLocal(pushMsg("conv-2", "stray-2")) {
		t.Error("local append for another conversation was applied")
	}
	if got := len(tl.Messages()); got != 1 {
		t.Errorf("timeline has %d messages, want 1", got)
	}
}

func TestTimeline_LoadFailure(t *testing.T) {
	loader := newFakeLoader()
	loader.errs["conv-1"] = &tradepost.APIError{Message: "server unavailable"}

	tl := tradepost.NewTimeline(zerolog.Nop())
	err := tl.Load(context.Background(), loader, "conv-1")
	if err == nil {
		t.Fatal("expected load error")
	}
	if tl.State() != tradepost.TimelineFailed {
		t.Fatalf("state = %s, want failed", tl.State())
	}
	if tl.Err() == nil {
		t.Error("Err() = nil after failed load")
	}
	if len(tl.Messages()) != 0 {
		t.Error("failed timeline should hold no messages")
	}
}

func TestTimeline_PushesBufferedDuringLoad(t *testing.T) {
	loader := newFakeLoader()
	loader.details["conv-1"] = makeDetail("conv-1", 2)
	loader.block = make(chan struct{})

	tl := tradepost.NewTimeline(zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- tl.Load(context.Background(), loader, "conv-1") }()

	waitForState(t, tl, tradepost.TimelineLoading)

	// One buffered push overlaps history; dedup collapses it at merge.
	tl.ApplyPush(pushMsg("conv-1", "push-early"))
	tl.ApplyPush(pushMsg("conv-1", "conv-1-hist-1"))

	close(loader.block)
	if err := <-done; err != nil {
		t.Fatalf("Load error: %v", err)
	}

	want := []string{"conv-1-hist-0", "conv-1-hist-1", "push-early"}
	got := messageIDs(tl.Messages())
	if len(got) != len(want) {
		t.Fatalf("messages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("messages = %v, want %v", got, want)
		}
	}
}

func TestTimeline_SwitchDuringLoadDiscardsStaleResult(t *testing.T) {
	slow := newFakeLoader()
	slow.details["conv-1"] = makeDetail("conv-1", 5)
	slow.block = make(chan struct{})

	fast := newFakeLoader()
	fast.details["conv-2"] = makeDetail("conv-2", 1)

	tl := tradepost.NewTimeline(zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- tl.Load(context.Background(), slow, "conv-1") }()
	waitForState(t, tl, tradepost.TimelineLoading)

	// The user switches conversations before the first load returns.
	if err := tl.Load(context.Background(), fast, "conv-2"); err != nil {
		t.Fatalf("second Load error: %v", err)
	}

	close(slow.block)
	if err := <-done; err != nil {
		t.Fatalf("superseded Load should return nil, got %v", err)
	}

	if tl.ConversationID() != "conv-2" {
		t.Fatalf("conversation = %q, want conv-2", tl.ConversationID())
	}
	got := messageIDs(tl.Messages())
	if len(got) != 1 || got[0] != "conv-2-hist-0" {
		t.Fatalf("messages = %v, want only conv-2 history", got)
	}
}

func TestTimeline_Reset(t *testing.T) {
	loader := newFakeLoader()
	loader.details["conv-1"] = makeDetail("conv-1", 2)

	tl := tradepost.NewTimeline(zerolog.Nop())
	if err := tl.Load(context.Background(), loader, "conv-1"); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	tl.Reset()
	if tl.State() != tradepost.TimelineIdle {
		t.Errorf("state = %s, want idle", tl.State())
	}
	if len(tl.Messages()) != 0 {
		t.Error("reset timeline should be empty")
	}
	if tl.ApplyPush(pushMsg("conv-1", "after-reset")) {
		t.Error("push applied after reset")
	}
}

func waitForState(t *testing.T, tl *tradepost.Timeline, want tradepost.TimelineState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tl.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeline never reached state %s", want)
}
