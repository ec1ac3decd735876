// Package store provides the storage interface and implementations for the
// ConvoDeck backend. The in-memory store covers local dev and tests; the
// SQLite store is the persistent default for single-node deployments.
package store

import (
	"context"

	"github.com/convodeck/convodeck/backend/pkg/models"
)

// Store is the primary storage interface. All handler and workflow code
// depends on this interface, making it easy to swap between in-memory
// (tests) and SQLite (production) implementations.
type Store interface {
	AgentStore
	DocumentStore
	DatasetStore
	IntegrationStore
	ThreadStore
	HistoryStore
	CompanyStore
	APIKeyStore
	StatsStore

	// Ping checks if the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates or upgrades the storage schema.
	Migrate(ctx context.Context) error
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	ListAgents(ctx context.Context, workspace string) ([]models.Agent, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	CreateAgent(ctx context.Context, agent *models.Agent) error
	UpdateAgent(ctx context.Context, agent *models.Agent) error

	// DeleteAgent removes the agent and cascades to its documents, datasets,
	// integrations, threads, and history. Vector cleanup is the caller's job.
	DeleteAgent(ctx context.Context, id string) error
}

// ── Document Store ──────────────────────────────────────────

type DocumentStore interface {
	ListDocuments(ctx context.Context, agentID string) ([]models.Document, error)
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	CreateDocument(ctx context.Context, doc *models.Document) error
	DeleteDocument(ctx context.Context, id string) error
}

// ── Dataset Store ───────────────────────────────────────────

type DatasetStore interface {
	ListDatasets(ctx context.Context, agentID string) ([]models.Dataset, error)
	GetDataset(ctx context.Context, id string) (*models.Dataset, error)

	// GetDatasetByName looks up a dataset by its registered table name,
	// the name "check_<name>_database" decisions and API routes use.
	GetDatasetByName(ctx context.Context, agentID, name string) (*models.Dataset, error)

	CreateDataset(ctx context.Context, ds *models.Dataset) error
	UpdateDataset(ctx context.Context, ds *models.Dataset) error // refreshes cached schema
	DeleteDataset(ctx context.Context, id string) error
}

// ── Integration Store ───────────────────────────────────────

type IntegrationStore interface {
	ListIntegrations(ctx context.Context, agentID string) ([]models.Integration, error)
	GetIntegration(ctx context.Context, id string) (*models.Integration, error)

	// GetIntegrationByChannel returns the active integration of one channel
	// kind for an agent. At most one per (agent, channel) pair exists.
	GetIntegrationByChannel(ctx context.Context, agentID string, channel models.Channel) (*models.Integration, error)

	// GetIntegrationByToken resolves an inbound webhook to its integration.
	GetIntegrationByToken(ctx context.Context, channel models.Channel, token string) (*models.Integration, error)

	CreateIntegration(ctx context.Context, integ *models.Integration) error
	UpdateIntegration(ctx context.Context, integ *models.Integration) error
	DeleteIntegration(ctx context.Context, id string) error
}

// ── Thread Store ────────────────────────────────────────────

type ThreadStore interface {
	// EnsureThread creates the thread if it does not exist yet. Idempotent;
	// an existing thread is left untouched.
	EnsureThread(ctx context.Context, thread *models.Thread) error

	GetThread(ctx context.Context, id string) (*models.Thread, error)
	ListThreads(ctx context.Context, agentID string) ([]models.Thread, error)
	DeleteThread(ctx context.Context, id string) error
}

// ── History Store ───────────────────────────────────────────

type HistoryStore interface {
	// AppendTurn writes one turn (message plus metadata) atomically. Either
	// both land or neither does; a turn without metadata never exists.
	AppendTurn(ctx context.Context, msg *models.HistoryMessage) error

	// ListHistory returns a thread's turns in chronological order.
	// limit <= 0 means no limit.
	ListHistory(ctx context.Context, threadID string, limit int) ([]models.HistoryMessage, error)

	// CountHistory returns the number of recorded turns in a thread.
	CountHistory(ctx context.Context, threadID string) (int, error)

	// ThreadStats aggregates token usage and response times for a thread.
	ThreadStats(ctx context.Context, threadID string) (*models.ThreadStats, error)
}

// ── Company Store ───────────────────────────────────────────

type CompanyStore interface {
	// GetCompany returns the workspace's company profile, or an empty
	// profile when none has been saved yet.
	GetCompany(ctx context.Context, workspace string) (*models.CompanyInfo, error)
	UpsertCompany(ctx context.Context, info *models.CompanyInfo) error
}

// ── API Key Store ───────────────────────────────────────────

type APIKeyStore interface {
	ListAPIKeys(ctx context.Context, agentID string) ([]models.APIKey, error)
	GetAPIKeyBySecret(ctx context.Context, secret string) (*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	DeleteAPIKey(ctx context.Context, id string) error
}

// ── Stats Store ─────────────────────────────────────────────

// StatsStore serves the dashboard. Kept in the store so the SQLite
// implementation can aggregate in SQL instead of loading every row.
type StatsStore interface {
	DashboardOverview(ctx context.Context, workspace string) (*models.DashboardOverview, error)
	UsageByAgent(ctx context.Context, workspace string) ([]models.AgentTokenUsage, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
