// Package store — in-memory Store implementation.
// Used for local dev and tests when SQLite is not wanted.
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/convodeck/convodeck/backend/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Agents       map[string]*models.Agent             `json:"agents"`       // key: id
	Documents    map[string]*models.Document          `json:"documents"`    // key: id
	Datasets     map[string]*models.Dataset           `json:"datasets"`     // key: id
	Integrations map[string]*models.Integration       `json:"integrations"` // key: id
	Threads      map[string]*models.Thread            `json:"threads"`      // key: id
	History      map[string][]*models.HistoryMessage  `json:"history"`      // key: thread_id → turns (oldest first)
	Companies    map[string]*models.CompanyInfo       `json:"companies"`    // key: workspace
	APIKeys      map[string]*models.APIKey            `json:"api_keys"`     // key: id
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu           sync.RWMutex
	agents       map[string]*models.Agent
	documents    map[string]*models.Document
	datasets     map[string]*models.Dataset
	integrations map[string]*models.Integration
	threads      map[string]*models.Thread
	history      map[string][]*models.HistoryMessage // append-only per thread
	companies    map[string]*models.CompanyInfo
	apiKeys      map[string]*models.APIKey

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
// If CONVODECK_DATA_DIR is set, data is persisted to a JSON file in that
// directory. Otherwise defaults to ~/.convodeck/data.json.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		agents:       make(map[string]*models.Agent),
		documents:    make(map[string]*models.Document),
		datasets:     make(map[string]*models.Dataset),
		integrations: make(map[string]*models.Integration),
		threads:      make(map[string]*models.Thread),
		history:      make(map[string][]*models.HistoryMessage),
		companies:    make(map[string]*models.CompanyInfo),
		apiKeys:      make(map[string]*models.APIKey),
		saveCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
	}

	dataDir := os.Getenv("CONVODECK_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".convodeck")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Agents:       m.agents,
		Documents:    m.documents,
		Datasets:     m.datasets,
		Integrations: m.integrations,
		Threads:      m.threads,
		History:      m.history,
		Companies:    m.companies,
		APIKeys:      m.apiKeys,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.Documents != nil {
		m.documents = snap.Documents
	}
	if snap.Datasets != nil {
		m.datasets = snap.Datasets
	}
	if snap.Integrations != nil {
		m.integrations = snap.Integrations
	}
	if snap.Threads != nil {
		m.threads = snap.Threads
	}
	if snap.History != nil {
		m.history = snap.History
	}
	if snap.Companies != nil {
		m.companies = snap.Companies
	}
	if snap.APIKeys != nil {
		m.apiKeys = snap.APIKeys
	}

	log.Info().
		Int("agents", len(m.agents)).
		Int("documents", len(m.documents)).
		Int("datasets", len(m.datasets)).
		Int("threads", len(m.threads)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		// Already closed
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Agent Store ─────────────────────────────────────────────

func (m *MemoryStore) ListAgents(_ context.Context, workspace string) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Agent
	for _, a := range m.agents {
		if a.Workspace == workspace || workspace == "" {
			result = append(result, *a)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	copy := *a
	return &copy, nil
}

func (m *MemoryStore) CreateAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	copy := *agent
	m.agents[agent.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	if _, ok := m.agents[agent.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "agent", Key: agent.ID}
	}
	copy := *agent
	copy.UpdatedAt = time.Now().UTC()
	m.agents[agent.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.agents[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "agent", Key: id}
	}
	delete(m.agents, id)

	// Cascade: everything hanging off the agent goes with it.
	for did, d := range m.documents {
		if d.AgentID == id {
			delete(m.documents, did)
		}
	}
	for dsid, ds := range m.datasets {
		if ds.AgentID == id {
			delete(m.datasets, dsid)
		}
	}
	for iid, integ := range m.integrations {
		if integ.AgentID == id {
			delete(m.integrations, iid)
		}
	}
	for kid, k := range m.apiKeys {
		if k.AgentID == id {
			delete(m.apiKeys, kid)
		}
	}
	for tid, t := range m.threads {
		if t.AgentID == id {
			delete(m.threads, tid)
			delete(m.history, tid)
		}
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Document Store ──────────────────────────────────────────

func (m *MemoryStore) ListDocuments(_ context.Context, agentID string) ([]models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Document
	for _, d := range m.documents {
		if d.AgentID == agentID {
			result = append(result, *d)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetDocument(_ context.Context, id string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "document", Key: id}
	}
	copy := *d
	return &copy, nil
}

func (m *MemoryStore) CreateDocument(_ context.Context, doc *models.Document) error {
	m.mu.Lock()
	copy := *doc
	m.documents[doc.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.documents[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "document", Key: id}
	}
	delete(m.documents, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Dataset Store ───────────────────────────────────────────

func (m *MemoryStore) ListDatasets(_ context.Context, agentID string) ([]models.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Dataset
	for _, ds := range m.datasets {
		if ds.AgentID == agentID {
			result = append(result, *ds)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetDataset(_ context.Context, id string) (*models.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ds, ok := m.datasets[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "dataset", Key: id}
	}
	copy := *ds
	return &copy, nil
}

func (m *MemoryStore) GetDatasetByName(_ context.Context, agentID, name string) (*models.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ds := range m.datasets {
		if ds.AgentID == agentID && ds.Name == name {
			copy := *ds
			return &copy, nil
		}
	}
	return nil, &ErrNotFound{Entity: "dataset", Key: name}
}

func (m *MemoryStore) CreateDataset(_ context.Context, ds *models.Dataset) error {
	m.mu.Lock()
	copy := *ds
	m.datasets[ds.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateDataset(_ context.Context, ds *models.Dataset) error {
	m.mu.Lock()
	if _, ok := m.datasets[ds.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "dataset", Key: ds.ID}
	}
	copy := *ds
	m.datasets[ds.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteDataset(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.datasets[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "dataset", Key: id}
	}
	delete(m.datasets, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Integration Store ───────────────────────────────────────

func (m *MemoryStore) ListIntegrations(_ context.Context, agentID string) ([]models.Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Integration
	for _, i := range m.integrations {
		if i.AgentID == agentID {
			result = append(result, *i)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetIntegration(_ context.Context, id string) (*models.Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.integrations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "integration", Key: id}
	}
	copy := *i
	return &copy, nil
}

func (m *MemoryStore) GetIntegrationByChannel(_ context.Context, agentID string, channel models.Channel) (*models.Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, i := range m.integrations {
		if i.AgentID == agentID && i.Channel == channel {
			copy := *i
			return &copy, nil
		}
	}
	return nil, &ErrNotFound{Entity: "integration", Key: agentID + ":" + string(channel)}
}

func (m *MemoryStore) GetIntegrationByToken(_ context.Context, channel models.Channel, token string) (*models.Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, i := range m.integrations {
		if i.Channel == channel && i.Token == token && i.Active {
			copy := *i
			return &copy, nil
		}
	}
	return nil, &ErrNotFound{Entity: "integration", Key: string(channel)}
}

func (m *MemoryStore) CreateIntegration(_ context.Context, integ *models.Integration) error {
	m.mu.Lock()
	copy := *integ
	m.integrations[integ.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateIntegration(_ context.Context, integ *models.Integration) error {
	m.mu.Lock()
	if _, ok := m.integrations[integ.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "integration", Key: integ.ID}
	}
	copy := *integ
	m.integrations[integ.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteIntegration(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.integrations[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "integration", Key: id}
	}
	delete(m.integrations, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Thread Store ────────────────────────────────────────────

func (m *MemoryStore) EnsureThread(_ context.Context, thread *models.Thread) error {
	m.mu.Lock()
	if _, ok := m.threads[thread.ID]; !ok {
		copy := *thread
		m.threads[thread.ID] = &copy
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetThread(_ context.Context, id string) (*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "thread", Key: id}
	}
	copy := *t
	return &copy, nil
}

func (m *MemoryStore) ListThreads(_ context.Context, agentID string) ([]models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Thread
	for _, t := range m.threads {
		if t.AgentID == agentID {
			result = append(result, *t)
		}
	}
	return result, nil
}

func (m *MemoryStore) DeleteThread(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.threads[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "thread", Key: id}
	}
	delete(m.threads, id)
	delete(m.history, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── History Store ───────────────────────────────────────────

func (m *MemoryStore) AppendTurn(_ context.Context, msg *models.HistoryMessage) error {
	m.mu.Lock()
	copy := *msg
	if msg.Metadata != nil {
		meta := *msg.Metadata
		copy.Metadata = &meta
	}
	m.history[msg.ThreadID] = append(m.history[msg.ThreadID], &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListHistory(_ context.Context, threadID string, limit int) ([]models.HistoryMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns := m.history[threadID]
	start := 0
	if limit > 0 && len(turns) > limit {
		start = len(turns) - limit // most recent N, still oldest first
	}
	result := make([]models.HistoryMessage, 0, len(turns)-start)
	for _, t := range turns[start:] {
		copy := *t
		if t.Metadata != nil {
			meta := *t.Metadata
			copy.Metadata = &meta
		}
		result = append(result, copy)
	}
	return result, nil
}

func (m *MemoryStore) CountHistory(_ context.Context, threadID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history[threadID]), nil
}

func (m *MemoryStore) ThreadStats(_ context.Context, threadID string) (*models.ThreadStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns := m.history[threadID]
	stats := &models.ThreadStats{MessageCount: len(turns)}
	var totalTime float64
	var timed int
	for _, t := range turns {
		if t.Metadata == nil {
			continue
		}
		stats.TokenUsage += t.Metadata.TotalTokens
		totalTime += t.Metadata.ResponseTime
		timed++
	}
	if timed > 0 {
		stats.AvgResponseTime = totalTime / float64(timed)
	}
	return stats, nil
}

// ── Company Store ───────────────────────────────────────────

func (m *MemoryStore) GetCompany(_ context.Context, workspace string) (*models.CompanyInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.companies[workspace]
	if !ok {
		// No profile saved yet — return an empty one, not an error.
		return &models.CompanyInfo{Workspace: workspace}, nil
	}
	copy := *c
	return &copy, nil
}

func (m *MemoryStore) UpsertCompany(_ context.Context, info *models.CompanyInfo) error {
	m.mu.Lock()
	copy := *info
	m.companies[info.Workspace] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── API Key Store ───────────────────────────────────────────

func (m *MemoryStore) ListAPIKeys(_ context.Context, agentID string) ([]models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.APIKey
	for _, k := range m.apiKeys {
		if k.AgentID == agentID {
			result = append(result, *k)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetAPIKeyBySecret(_ context.Context, secret string) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.apiKeys {
		if k.Key == secret {
			copy := *k
			return &copy, nil
		}
	}
	return nil, &ErrNotFound{Entity: "api_key", Key: "<secret>"}
}

func (m *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	copy := *key
	m.apiKeys[key.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteAPIKey(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.apiKeys[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "api_key", Key: id}
	}
	delete(m.apiKeys, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Stats Store ─────────────────────────────────────────────

func (m *MemoryStore) DashboardOverview(_ context.Context, workspace string) (*models.DashboardOverview, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := &models.DashboardOverview{}
	for _, a := range m.agents {
		if a.Workspace != workspace {
			continue
		}
		if a.Status == models.AgentStatusActive {
			out.ActiveAgents++
		}
	}

	var totalTime float64
	var turns, succeeded int
	for tid, t := range m.threads {
		if t.Workspace != workspace {
			continue
		}
		out.TotalConversations++
		for _, h := range m.history[tid] {
			if h.Metadata == nil {
				continue
			}
			out.TokenUsage += h.Metadata.TotalTokens
			totalTime += h.Metadata.ResponseTime
			turns++
			if h.Metadata.IsSuccess {
				succeeded++
			}
		}
	}
	if turns > 0 {
		out.AvgResponseTime = totalTime / float64(turns)
		out.SuccessRate = float64(succeeded) / float64(turns) * 100
	}
	return out, nil
}

func (m *MemoryStore) UsageByAgent(_ context.Context, workspace string) ([]models.AgentTokenUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[string]int64) // agent_id → tokens
	for tid, t := range m.threads {
		if t.Workspace != workspace {
			continue
		}
		for _, h := range m.history[tid] {
			if h.Metadata != nil {
				totals[t.AgentID] += h.Metadata.TotalTokens
			}
		}
	}

	var result []models.AgentTokenUsage
	for _, a := range m.agents {
		if a.Workspace != workspace {
			continue
		}
		result = append(result, models.AgentTokenUsage{
			AgentID:     a.ID,
			AgentName:   a.Name,
			TotalTokens: totals[a.ID],
		})
	}
	return result, nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
