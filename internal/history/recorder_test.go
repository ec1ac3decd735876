package history

import (
	"context"
	"strings"
	"testing"

	"github.com/convodeck/convodeck/backend/internal/store"
	"github.com/convodeck/convodeck/backend/pkg/models"
)

func newTestRecorder(t *testing.T) (*Recorder, store.Store) {
	t.Helper()
	t.Setenv("CONVODECK_DATA_DIR", t.TempDir())
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return NewRecorder(s), s
}

func seedThread(t *testing.T, s store.Store, threadID string) {
	t.Helper()
	err := s.EnsureThread(context.Background(), &models.Thread{
		ID: threadID, AgentID: "a1", ExternalUserID: "u1", Channel: models.ChannelAPI, Workspace: "default",
	})
	if err != nil {
		t.Fatalf("EnsureThread: %v", err)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short"); got != "short" {
		t.Errorf("short string modified: %q", got)
	}

	exact := strings.Repeat("a", MaxMessageChars)
	if got := Truncate(exact); got != exact {
		t.Error("string at the cap must pass through unchanged")
	}

	long := strings.Repeat("b", MaxMessageChars+1)
	got := Truncate(long)
	if len([]rune(got)) != MaxMessageChars {
		t.Fatalf("truncated length = %d, want %d", len([]rune(got)), MaxMessageChars)
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("truncation marker missing")
	}
	// The first max-3 characters are preserved exactly.
	if got[:MaxMessageChars-3] != long[:MaxMessageChars-3] {
		t.Error("truncation did not preserve the leading characters")
	}
}

func TestRecordAndThread(t *testing.T) {
	r, s := newTestRecorder(t)
	ctx := context.Background()
	seedThread(t, s, "a1:u1")

	turn := &models.TurnResult{
		ThreadID:     "a1:u1",
		Response:     "answer one",
		TotalTokens:  120,
		ResponseTime: 1.5,
		Model:        "test-model",
		Success:      true,
	}
	msg, err := r.Record(ctx, "a1:u1", turn, "question one")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if msg.ID == "" || msg.Metadata == nil {
		t.Fatalf("incomplete message: %+v", msg)
	}
	if !msg.Metadata.IsSuccess || msg.Metadata.TotalTokens != 120 {
		t.Errorf("metadata = %+v", msg.Metadata)
	}

	turn2 := &models.TurnResult{Response: "answer two", TotalTokens: 80, ResponseTime: 0.5, Model: "test-model", Success: false, Reason: "provider down"}
	if _, err := r.Record(ctx, "a1:u1", turn2, "question two"); err != nil {
		t.Fatalf("Record (2nd): %v", err)
	}

	th, err := r.Thread(ctx, "a1:u1")
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}
	if len(th.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(th.Messages))
	}
	if th.Messages[0].UserMessage != "question one" {
		t.Error("history not in chronological order")
	}
	if th.Messages[1].Metadata == nil || th.Messages[1].Metadata.IsSuccess {
		t.Error("failed turn metadata lost")
	}
	if th.Stats.TokenUsage != 200 || th.Stats.MessageCount != 2 {
		t.Errorf("stats = %+v", th.Stats)
	}
	if th.Stats.AvgResponseTime != 1.0 {
		t.Errorf("AvgResponseTime = %f, want 1.0", th.Stats.AvgResponseTime)
	}
}

func TestRecordTruncatesLongResponse(t *testing.T) {
	r, s := newTestRecorder(t)
	ctx := context.Background()
	seedThread(t, s, "a1:u1")

	long := strings.Repeat("x", MaxMessageChars*2)
	turn := &models.TurnResult{Response: long, Model: "test-model", Success: true}
	msg, err := r.Record(ctx, "a1:u1", turn, long)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len([]rune(msg.Response)) != MaxMessageChars {
		t.Errorf("stored response length = %d", len([]rune(msg.Response)))
	}
	if len([]rune(msg.UserMessage)) != MaxMessageChars {
		t.Errorf("stored user message length = %d", len([]rune(msg.UserMessage)))
	}
}

func TestThreadNotFound(t *testing.T) {
	r, _ := newTestRecorder(t)

	_, err := r.Thread(context.Background(), "missing:thread")
	if err == nil {
		t.Fatal("expected error for unknown thread")
	}
	if _, ok := err.(*store.ErrNotFound); !ok {
		t.Errorf("expected *store.ErrNotFound, got %T", err)
	}
}
