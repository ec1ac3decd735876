package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/convodeck/convodeck/backend/pkg/models"
)

// newTestStore creates a MemoryStore persisting into a temp dir that is
// cleaned up with the test.
func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	dir := t.TempDir()
	old := os.Getenv("CONVODECK_DATA_DIR")
	os.Setenv("CONVODECK_DATA_DIR", dir)
	t.Cleanup(func() { os.Setenv("CONVODECK_DATA_DIR", old) })

	m := NewMemoryStore()
	t.Cleanup(func() { m.Close() })
	return m
}

func testAgent(id string) *models.Agent {
	now := time.Now().UTC()
	return &models.Agent{
		ID:        id,
		Name:      "support-bot",
		Kind:      models.AgentCustomerService,
		Workspace: "default",
		Provider:  "openai",
		Model:     "gpt-4o-mini",
		Tone:      models.ToneFriendly,
		Status:    models.AgentStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestAgentCRUD(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	if err := m.CreateAgent(ctx, testAgent("a1")); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	got, err := m.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Name != "support-bot" {
		t.Errorf("Name = %q, want support-bot", got.Name)
	}

	got.Name = "renamed"
	if err := m.UpdateAgent(ctx, got); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	got2, _ := m.GetAgent(ctx, "a1")
	if got2.Name != "renamed" {
		t.Errorf("after update Name = %q, want renamed", got2.Name)
	}

	agents, err := m.ListAgents(ctx, "default")
	if err != nil || len(agents) != 1 {
		t.Fatalf("ListAgents = %d agents, err %v, want 1", len(agents), err)
	}

	if err := m.DeleteAgent(ctx, "a1"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := m.GetAgent(ctx, "a1"); err == nil {
		t.Error("GetAgent after delete should fail")
	}
}

func TestGetAgentNotFound(t *testing.T) {
	m := newTestStore(t)

	_, err := m.GetAgent(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error for missing agent")
	}
	nf, ok := err.(*ErrNotFound)
	if !ok {
		t.Fatalf("expected *ErrNotFound, got %T", err)
	}
	if nf.Entity != "agent" {
		t.Errorf("Entity = %q, want agent", nf.Entity)
	}
}

func TestDeleteAgentCascades(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	m.CreateAgent(ctx, testAgent("a1"))
	m.CreateDocument(ctx, &models.Document{ID: "d1", AgentID: "a1", Workspace: "default", Filename: "faq.txt", CreatedAt: now})
	m.CreateDataset(ctx, &models.Dataset{ID: "ds1", AgentID: "a1", Workspace: "default", Name: "orders", Filename: "orders.csv", CreatedAt: now})
	m.CreateIntegration(ctx, &models.Integration{ID: "i1", AgentID: "a1", Workspace: "default", Channel: models.ChannelTelegram, CreatedAt: now})

	tid := models.ThreadID("a1", "u1")
	m.EnsureThread(ctx, &models.Thread{ID: tid, AgentID: "a1", ExternalUserID: "u1", Channel: models.ChannelAPI, Workspace: "default", CreatedAt: now})
	m.AppendTurn(ctx, &models.HistoryMessage{ID: "h1", ThreadID: tid, UserMessage: "hi", Response: "hello", CreatedAt: now})

	if err := m.DeleteAgent(ctx, "a1"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}

	if docs, _ := m.ListDocuments(ctx, "a1"); len(docs) != 0 {
		t.Errorf("documents survived cascade: %d", len(docs))
	}
	if dss, _ := m.ListDatasets(ctx, "a1"); len(dss) != 0 {
		t.Errorf("datasets survived cascade: %d", len(dss))
	}
	if ints, _ := m.ListIntegrations(ctx, "a1"); len(ints) != 0 {
		t.Errorf("integrations survived cascade: %d", len(ints))
	}
	if _, err := m.GetThread(ctx, tid); err == nil {
		t.Error("thread survived cascade")
	}
	if n, _ := m.CountHistory(ctx, tid); n != 0 {
		t.Errorf("history survived cascade: %d turns", n)
	}
}

func TestEnsureThreadIdempotent(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	th := &models.Thread{ID: models.ThreadID("a1", "u1"), AgentID: "a1", ExternalUserID: "u1",
		Channel: models.ChannelTelegram, Workspace: "default", CreatedAt: now}
	if err := m.EnsureThread(ctx, th); err != nil {
		t.Fatalf("EnsureThread: %v", err)
	}

	// Second call with a different channel must not clobber the original.
	th2 := *th
	th2.Channel = models.ChannelAPI
	if err := m.EnsureThread(ctx, &th2); err != nil {
		t.Fatalf("EnsureThread (2nd): %v", err)
	}

	got, err := m.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.Channel != models.ChannelTelegram {
		t.Errorf("Channel = %q, want telegram (first write wins)", got.Channel)
	}
}

func TestHistoryOrderAndStats(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	tid := models.ThreadID("a1", "u1")
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		err := m.AppendTurn(ctx, &models.HistoryMessage{
			ID:          string(rune('h' + i)),
			ThreadID:    tid,
			UserMessage: "q",
			Response:    "a",
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
			Metadata:    &models.Metadata{TotalTokens: 100, ResponseTime: 2.0, Model: "gpt-4o-mini", IsSuccess: i != 1},
		})
		if err != nil {
			t.Fatalf("AppendTurn %d: %v", i, err)
		}
	}

	turns, err := m.ListHistory(ctx, tid, 0)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("got %d turns, want 3", len(turns))
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].CreatedAt.Before(turns[i-1].CreatedAt) {
			t.Error("history not in chronological order")
		}
	}

	// Limit returns the most recent N, still oldest first.
	last2, _ := m.ListHistory(ctx, tid, 2)
	if len(last2) != 2 || !last2[0].CreatedAt.Equal(turns[1].CreatedAt) {
		t.Errorf("limited history wrong window")
	}

	stats, err := m.ThreadStats(ctx, tid)
	if err != nil {
		t.Fatalf("ThreadStats: %v", err)
	}
	if stats.TokenUsage != 300 {
		t.Errorf("TokenUsage = %d, want 300", stats.TokenUsage)
	}
	if stats.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", stats.MessageCount)
	}
	if stats.AvgResponseTime != 2.0 {
		t.Errorf("AvgResponseTime = %f, want 2.0", stats.AvgResponseTime)
	}
}

func TestDatasetByName(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	m.CreateDataset(ctx, &models.Dataset{ID: "ds1", AgentID: "a1", Workspace: "default",
		Name: "orders", Filename: "orders.csv", CreatedAt: time.Now().UTC()})

	got, err := m.GetDatasetByName(ctx, "a1", "orders")
	if err != nil {
		t.Fatalf("GetDatasetByName: %v", err)
	}
	if got.ID != "ds1" {
		t.Errorf("ID = %q, want ds1", got.ID)
	}

	if _, err := m.GetDatasetByName(ctx, "a1", "refunds"); err == nil {
		t.Error("expected not found for unknown dataset name")
	}
}

func TestCompanyDefaultsWhenUnset(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	c, err := m.GetCompany(ctx, "default")
	if err != nil {
		t.Fatalf("GetCompany: %v", err)
	}
	if c.Workspace != "default" || c.Name != "" {
		t.Errorf("expected empty profile, got %+v", c)
	}

	c.Name = "Acme"
	if err := m.UpsertCompany(ctx, c); err != nil {
		t.Fatalf("UpsertCompany: %v", err)
	}
	c2, _ := m.GetCompany(ctx, "default")
	if c2.Name != "Acme" {
		t.Errorf("Name = %q, want Acme", c2.Name)
	}
}

func TestDashboardOverview(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	m.CreateAgent(ctx, testAgent("a1"))
	inactive := testAgent("a2")
	inactive.Status = models.AgentStatusNonActive
	m.CreateAgent(ctx, inactive)

	tid := models.ThreadID("a1", "u1")
	m.EnsureThread(ctx, &models.Thread{ID: tid, AgentID: "a1", ExternalUserID: "u1",
		Channel: models.ChannelAPI, Workspace: "default", CreatedAt: now})
	m.AppendTurn(ctx, &models.HistoryMessage{ID: "h1", ThreadID: tid, UserMessage: "q", Response: "a",
		CreatedAt: now, Metadata: &models.Metadata{TotalTokens: 50, ResponseTime: 1.0, IsSuccess: true}})
	m.AppendTurn(ctx, &models.HistoryMessage{ID: "h2", ThreadID: tid, UserMessage: "q", Response: "a",
		CreatedAt: now, Metadata: &models.Metadata{TotalTokens: 70, ResponseTime: 3.0, IsSuccess: false}})

	o, err := m.DashboardOverview(ctx, "default")
	if err != nil {
		t.Fatalf("DashboardOverview: %v", err)
	}
	if o.ActiveAgents != 1 {
		t.Errorf("ActiveAgents = %d, want 1", o.ActiveAgents)
	}
	if o.TotalConversations != 1 {
		t.Errorf("TotalConversations = %d, want 1", o.TotalConversations)
	}
	if o.TokenUsage != 120 {
		t.Errorf("TokenUsage = %d, want 120", o.TokenUsage)
	}
	if o.SuccessRate != 50 {
		t.Errorf("SuccessRate = %f, want 50", o.SuccessRate)
	}

	usage, err := m.UsageByAgent(ctx, "default")
	if err != nil {
		t.Fatalf("UsageByAgent: %v", err)
	}
	if len(usage) != 2 {
		t.Fatalf("got %d usage rows, want 2", len(usage))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	old := os.Getenv("CONVODECK_DATA_DIR")
	os.Setenv("CONVODECK_DATA_DIR", dir)
	t.Cleanup(func() { os.Setenv("CONVODECK_DATA_DIR", old) })

	m := NewMemoryStore()
	m.CreateAgent(context.Background(), testAgent("a1"))
	m.Close() // flushes final snapshot

	m2 := NewMemoryStore()
	defer m2.Close()
	got, err := m2.GetAgent(context.Background(), "a1")
	if err != nil {
		t.Fatalf("agent did not survive restart: %v", err)
	}
	if got.Name != "support-bot" {
		t.Errorf("Name = %q after reload", got.Name)
	}
}
