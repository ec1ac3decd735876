package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/convodeck/convodeck/backend/pkg/models"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteAgentCRUD(t *testing.T) {
	s := newSQLiteTestStore(t)
	ctx := context.Background()

	if err := s.CreateAgent(ctx, testAgent("a1")); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	got, err := s.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Kind != models.AgentCustomerService {
		t.Errorf("Kind = %q", got.Kind)
	}

	got.TrustThreshold = 60
	if err := s.UpdateAgent(ctx, got); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	got2, _ := s.GetAgent(ctx, "a1")
	if got2.TrustThreshold != 60 {
		t.Errorf("TrustThreshold = %d, want 60", got2.TrustThreshold)
	}

	if err := s.DeleteAgent(ctx, "a1"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := s.GetAgent(ctx, "a1"); err == nil {
		t.Error("GetAgent after delete should fail")
	}
	if err := s.DeleteAgent(ctx, "a1"); err == nil {
		t.Error("second delete should report not found")
	}
}

func TestSQLiteNotFoundType(t *testing.T) {
	s := newSQLiteTestStore(t)

	_, err := s.GetDocument(context.Background(), "nope")
	if _, ok := err.(*ErrNotFound); !ok {
		t.Fatalf("expected *ErrNotFound, got %T (%v)", err, err)
	}
}

func TestSQLiteAppendTurnAndHistory(t *testing.T) {
	s := newSQLiteTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	s.CreateAgent(ctx, testAgent("a1"))
	tid := models.ThreadID("a1", "u1")
	s.EnsureThread(ctx, &models.Thread{ID: tid, AgentID: "a1", ExternalUserID: "u1",
		Channel: models.ChannelAPI, Workspace: "default", CreatedAt: base})

	ids := []string{"h1", "h2", "h3"}
	for i, id := range ids {
		err := s.AppendTurn(ctx, &models.HistoryMessage{
			ID: id, ThreadID: tid, UserMessage: "q", Response: "a",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			Metadata:  &models.Metadata{TotalTokens: 10, ResponseTime: 1.5, Model: "m", IsSuccess: true},
		})
		if err != nil {
			t.Fatalf("AppendTurn %s: %v", id, err)
		}
	}

	turns, err := s.ListHistory(ctx, tid, 0)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("got %d turns, want 3", len(turns))
	}
	if turns[0].ID != "h1" || turns[2].ID != "h3" {
		t.Errorf("history out of order: %s..%s", turns[0].ID, turns[2].ID)
	}
	if turns[0].Metadata == nil || turns[0].Metadata.TotalTokens != 10 {
		t.Error("metadata missing on read")
	}

	last2, _ := s.ListHistory(ctx, tid, 2)
	if len(last2) != 2 || last2[0].ID != "h2" {
		t.Errorf("limited history wrong window: %+v", last2)
	}

	n, _ := s.CountHistory(ctx, tid)
	if n != 3 {
		t.Errorf("CountHistory = %d, want 3", n)
	}

	stats, err := s.ThreadStats(ctx, tid)
	if err != nil {
		t.Fatalf("ThreadStats: %v", err)
	}
	if stats.TokenUsage != 30 || stats.MessageCount != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSQLiteHistorySameSecondKeepsCompletionOrder(t *testing.T) {
	s := newSQLiteTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	s.CreateAgent(ctx, testAgent("a1"))
	tid := models.ThreadID("a1", "u1")
	s.EnsureThread(ctx, &models.Thread{ID: tid, AgentID: "a1", ExternalUserID: "u1",
		Channel: models.ChannelAPI, Workspace: "default", CreatedAt: base})

	// Back-to-back turns in the same second, with IDs whose lexical order
	// is the reverse of completion order. Read order must follow insertion,
	// not timestamps or IDs.
	first := base.Add(100 * time.Millisecond)
	second := base.Add(600 * time.Millisecond)
	for _, turn := range []struct {
		id string
		at time.Time
	}{
		{"zz-first", first},
		{"aa-second", second},
	} {
		err := s.AppendTurn(ctx, &models.HistoryMessage{
			ID: turn.id, ThreadID: tid, UserMessage: "q", Response: "a",
			CreatedAt: turn.at,
			Metadata:  &models.Metadata{IsSuccess: true},
		})
		if err != nil {
			t.Fatalf("AppendTurn %s: %v", turn.id, err)
		}
	}

	turns, err := s.ListHistory(ctx, tid, 0)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].ID != "zz-first" || turns[1].ID != "aa-second" {
		t.Errorf("history out of completion order: [%s %s]", turns[0].ID, turns[1].ID)
	}
	if !turns[0].CreatedAt.Equal(first) {
		t.Errorf("CreatedAt lost precision: %v != %v", turns[0].CreatedAt, first)
	}
}

func TestSQLiteEnsureThreadIdempotent(t *testing.T) {
	s := newSQLiteTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.CreateAgent(ctx, testAgent("a1"))
	th := &models.Thread{ID: models.ThreadID("a1", "u1"), AgentID: "a1", ExternalUserID: "u1",
		Channel: models.ChannelTelegram, Workspace: "default", CreatedAt: now}
	if err := s.EnsureThread(ctx, th); err != nil {
		t.Fatalf("EnsureThread: %v", err)
	}
	if err := s.EnsureThread(ctx, th); err != nil {
		t.Fatalf("EnsureThread (2nd): %v", err)
	}

	threads, _ := s.ListThreads(ctx, "a1")
	if len(threads) != 1 {
		t.Errorf("got %d threads, want 1", len(threads))
	}
}

func TestSQLiteIntegrationLookups(t *testing.T) {
	s := newSQLiteTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.CreateAgent(ctx, testAgent("a1"))
	err := s.CreateIntegration(ctx, &models.Integration{
		ID: "i1", AgentID: "a1", Workspace: "default",
		Channel: models.ChannelTelegram, Token: "tg-token",
		Config: map[string]string{"parse_mode": "Markdown"},
		Active: true, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateIntegration: %v", err)
	}

	byChan, err := s.GetIntegrationByChannel(ctx, "a1", models.ChannelTelegram)
	if err != nil {
		t.Fatalf("GetIntegrationByChannel: %v", err)
	}
	if byChan.Config["parse_mode"] != "Markdown" {
		t.Errorf("config lost: %+v", byChan.Config)
	}

	byToken, err := s.GetIntegrationByToken(ctx, models.ChannelTelegram, "tg-token")
	if err != nil {
		t.Fatalf("GetIntegrationByToken: %v", err)
	}
	if byToken.ID != "i1" {
		t.Errorf("ID = %q, want i1", byToken.ID)
	}

	byToken.Active = false
	s.UpdateIntegration(ctx, byToken)
	if _, err := s.GetIntegrationByToken(ctx, models.ChannelTelegram, "tg-token"); err == nil {
		t.Error("inactive integration should not resolve by token")
	}
}

func TestSQLiteDashboardOverview(t *testing.T) {
	s := newSQLiteTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.CreateAgent(ctx, testAgent("a1"))
	tid := models.ThreadID("a1", "u1")
	s.EnsureThread(ctx, &models.Thread{ID: tid, AgentID: "a1", ExternalUserID: "u1",
		Channel: models.ChannelAPI, Workspace: "default", CreatedAt: now})
	s.AppendTurn(ctx, &models.HistoryMessage{ID: "h1", ThreadID: tid, UserMessage: "q", Response: "a",
		CreatedAt: now, Metadata: &models.Metadata{TotalTokens: 40, ResponseTime: 2.0, IsSuccess: true}})

	o, err := s.DashboardOverview(ctx, "default")
	if err != nil {
		t.Fatalf("DashboardOverview: %v", err)
	}
	if o.ActiveAgents != 1 || o.TotalConversations != 1 || o.TokenUsage != 40 {
		t.Errorf("overview = %+v", o)
	}
	if o.SuccessRate != 100 {
		t.Errorf("SuccessRate = %f, want 100", o.SuccessRate)
	}
}
