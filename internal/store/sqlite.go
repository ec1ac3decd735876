// Package store — SQLite-backed Store implementation.
// The persistent default for single-node deployments. Uses the pure-Go
// modernc.org/sqlite driver so the binary stays CGO-free.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/convodeck/convodeck/backend/pkg/models"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL mode for better concurrency between the workflow and the API.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	log.Info().Str("path", dbPath).Msg("SQLite store opened")
	return s, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Migrate creates the schema. Idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		workspace TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		tone TEXT NOT NULL DEFAULT '',
		base_prompt TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		short_term_memory INTEGER NOT NULL DEFAULT 0,
		long_term_memory INTEGER NOT NULL DEFAULT 0,
		trust_threshold INTEGER NOT NULL DEFAULT 0,
		max_query_rounds INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_workspace ON agents(workspace);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		workspace TEXT NOT NULL,
		filename TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_agent ON documents(agent_id);

	CREATE TABLE IF NOT EXISTS datasets (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		workspace TEXT NOT NULL,
		name TEXT NOT NULL,
		filename TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		schema TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		UNIQUE(agent_id, name)
	);

	CREATE TABLE IF NOT EXISTS integrations (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		workspace TEXT NOT NULL,
		channel TEXT NOT NULL,
		token TEXT NOT NULL DEFAULT '',
		webhook_url TEXT NOT NULL DEFAULT '',
		config_json TEXT NOT NULL DEFAULT '{}',
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		UNIQUE(agent_id, channel)
	);

	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		external_user_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		workspace TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_threads_agent ON threads(agent_id);

	CREATE TABLE IF NOT EXISTS history_messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
		user_message TEXT NOT NULL,
		response TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_thread ON history_messages(thread_id, created_at);

	CREATE TABLE IF NOT EXISTS history_metadata (
		message_id TEXT PRIMARY KEY REFERENCES history_messages(id) ON DELETE CASCADE,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		response_time REAL NOT NULL DEFAULT 0,
		model TEXT NOT NULL DEFAULT '',
		is_success INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS companies (
		workspace TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		workspace TEXT NOT NULL,
		key TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// ── Agent Store ─────────────────────────────────────────────

const agentCols = `id, name, description, kind, workspace, provider, model, tone,
	base_prompt, status, short_term_memory, long_term_memory, trust_threshold,
	max_query_rounds, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*models.Agent, error) {
	var a models.Agent
	var createdAt, updatedAt int64
	err := row.Scan(
		&a.ID, &a.Name, &a.Description, &a.Kind, &a.Workspace, &a.Provider,
		&a.Model, &a.Tone, &a.BasePrompt, &a.Status, &a.ShortTermMemory,
		&a.LongTermMemory, &a.TrustThreshold, &a.MaxQueryRounds,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &a, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context, workspace string) ([]models.Agent, error) {
	query := `SELECT ` + agentCols + ` FROM agents WHERE workspace = ? OR ? = '' ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, workspace, workspace)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var result []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) CreateAgent(ctx context.Context, a *models.Agent) error {
	query := `INSERT INTO agents (` + agentCols + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.Name, a.Description, a.Kind, a.Workspace, a.Provider, a.Model,
		a.Tone, a.BasePrompt, a.Status, a.ShortTermMemory, a.LongTermMemory,
		a.TrustThreshold, a.MaxQueryRounds, a.CreatedAt.Unix(), a.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateAgent(ctx context.Context, a *models.Agent) error {
	query := `UPDATE agents SET name=?, description=?, kind=?, provider=?, model=?,
		tone=?, base_prompt=?, status=?, short_term_memory=?, long_term_memory=?,
		trust_threshold=?, max_query_rounds=?, updated_at=? WHERE id=?`
	res, err := s.db.ExecContext(ctx, query,
		a.Name, a.Description, a.Kind, a.Provider, a.Model, a.Tone, a.BasePrompt,
		a.Status, a.ShortTermMemory, a.LongTermMemory, a.TrustThreshold,
		a.MaxQueryRounds, time.Now().Unix(), a.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "agent", Key: a.ID}
	}
	return nil
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	// Child rows cascade via foreign keys.
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "agent", Key: id}
	}
	return nil
}

// ── Document Store ──────────────────────────────────────────

func (s *SQLiteStore) ListDocuments(ctx context.Context, agentID string) ([]models.Document, error) {
	query := `SELECT id, agent_id, workspace, filename, content_type, size_bytes, chunk_count, created_at
		FROM documents WHERE agent_id = ? ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var result []models.Document
	for rows.Next() {
		var d models.Document
		var createdAt int64
		if err := rows.Scan(&d.ID, &d.AgentID, &d.Workspace, &d.Filename,
			&d.ContentType, &d.SizeBytes, &d.ChunkCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.CreatedAt = time.Unix(createdAt, 0).UTC()
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, workspace, filename, content_type, size_bytes, chunk_count, created_at
		FROM documents WHERE id = ?`, id)
	var d models.Document
	var createdAt int64
	err := row.Scan(&d.ID, &d.AgentID, &d.Workspace, &d.Filename,
		&d.ContentType, &d.SizeBytes, &d.ChunkCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "document", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &d, nil
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, d *models.Document) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, agent_id, workspace, filename, content_type, size_bytes, chunk_count, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.AgentID, d.Workspace, d.Filename, d.ContentType, d.SizeBytes, d.ChunkCount, d.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "document", Key: id}
	}
	return nil
}

// ── Dataset Store ───────────────────────────────────────────

const datasetCols = `id, agent_id, workspace, name, filename, path, schema, created_at`

func scanDataset(row interface{ Scan(...any) error }) (*models.Dataset, error) {
	var ds models.Dataset
	var createdAt int64
	err := row.Scan(&ds.ID, &ds.AgentID, &ds.Workspace, &ds.Name, &ds.Filename,
		&ds.Path, &ds.Schema, &createdAt)
	if err != nil {
		return nil, err
	}
	ds.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &ds, nil
}

func (s *SQLiteStore) ListDatasets(ctx context.Context, agentID string) ([]models.Dataset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+datasetCols+` FROM datasets WHERE agent_id = ? ORDER BY created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var result []models.Dataset
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		result = append(result, *ds)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetDataset(ctx context.Context, id string) (*models.Dataset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+datasetCols+` FROM datasets WHERE id = ?`, id)
	ds, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "dataset", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	return ds, nil
}

func (s *SQLiteStore) GetDatasetByName(ctx context.Context, agentID, name string) (*models.Dataset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+datasetCols+` FROM datasets WHERE agent_id = ? AND name = ?`, agentID, name)
	ds, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "dataset", Key: name}
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset by name: %w", err)
	}
	return ds, nil
}

func (s *SQLiteStore) CreateDataset(ctx context.Context, ds *models.Dataset) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO datasets (`+datasetCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		ds.ID, ds.AgentID, ds.Workspace, ds.Name, ds.Filename, ds.Path, ds.Schema, ds.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create dataset: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateDataset(ctx context.Context, ds *models.Dataset) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE datasets SET name=?, filename=?, path=?, schema=? WHERE id=?`,
		ds.Name, ds.Filename, ds.Path, ds.Schema, ds.ID)
	if err != nil {
		return fmt.Errorf("update dataset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "dataset", Key: ds.ID}
	}
	return nil
}

func (s *SQLiteStore) DeleteDataset(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM datasets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete dataset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "dataset", Key: id}
	}
	return nil
}

// ── Integration Store ───────────────────────────────────────

const integCols = `id, agent_id, workspace, channel, token, webhook_url, config_json, active, created_at`

func scanIntegration(row interface{ Scan(...any) error }) (*models.Integration, error) {
	var i models.Integration
	var configJSON string
	var createdAt int64
	err := row.Scan(&i.ID, &i.AgentID, &i.Workspace, &i.Channel, &i.Token,
		&i.WebhookURL, &configJSON, &i.Active, &createdAt)
	if err != nil {
		return nil, err
	}
	if configJSON != "" && configJSON != "{}" {
		if err := json.Unmarshal([]byte(configJSON), &i.Config); err != nil {
			return nil, fmt.Errorf("parse integration config: %w", err)
		}
	}
	i.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &i, nil
}

func (s *SQLiteStore) ListIntegrations(ctx context.Context, agentID string) ([]models.Integration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+integCols+` FROM integrations WHERE agent_id = ? ORDER BY created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	var result []models.Integration
	for rows.Next() {
		i, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		result = append(result, *i)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetIntegration(ctx context.Context, id string) (*models.Integration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+integCols+` FROM integrations WHERE id = ?`, id)
	i, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "integration", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get integration: %w", err)
	}
	return i, nil
}

func (s *SQLiteStore) GetIntegrationByChannel(ctx context.Context, agentID string, channel models.Channel) (*models.Integration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+integCols+` FROM integrations WHERE agent_id = ? AND channel = ?`, agentID, channel)
	i, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "integration", Key: agentID + ":" + string(channel)}
	}
	if err != nil {
		return nil, fmt.Errorf("get integration by channel: %w", err)
	}
	return i, nil
}

func (s *SQLiteStore) GetIntegrationByToken(ctx context.Context, channel models.Channel, token string) (*models.Integration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+integCols+` FROM integrations WHERE channel = ? AND token = ? AND active = 1`, channel, token)
	i, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "integration", Key: string(channel)}
	}
	if err != nil {
		return nil, fmt.Errorf("get integration by token: %w", err)
	}
	return i, nil
}

func (s *SQLiteStore) CreateIntegration(ctx context.Context, i *models.Integration) error {
	configJSON, err := json.Marshal(i.Config)
	if err != nil {
		return fmt.Errorf("marshal integration config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO integrations (`+integCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		i.ID, i.AgentID, i.Workspace, i.Channel, i.Token, i.WebhookURL,
		string(configJSON), i.Active, i.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create integration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateIntegration(ctx context.Context, i *models.Integration) error {
	configJSON, err := json.Marshal(i.Config)
	if err != nil {
		return fmt.Errorf("marshal integration config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET token=?, webhook_url=?, config_json=?, active=? WHERE id=?`,
		i.Token, i.WebhookURL, string(configJSON), i.Active, i.ID)
	if err != nil {
		return fmt.Errorf("update integration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "integration", Key: i.ID}
	}
	return nil
}

func (s *SQLiteStore) DeleteIntegration(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM integrations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "integration", Key: id}
	}
	return nil
}

// ── Thread Store ────────────────────────────────────────────

func (s *SQLiteStore) EnsureThread(ctx context.Context, t *models.Thread) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, agent_id, external_user_id, channel, workspace, created_at)
		VALUES (?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		t.ID, t.AgentID, t.ExternalUserID, t.Channel, t.Workspace, t.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("ensure thread: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, external_user_id, channel, workspace, created_at FROM threads WHERE id = ?`, id)
	var t models.Thread
	var createdAt int64
	err := row.Scan(&t.ID, &t.AgentID, &t.ExternalUserID, &t.Channel, &t.Workspace, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "thread", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &t, nil
}

func (s *SQLiteStore) ListThreads(ctx context.Context, agentID string) ([]models.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, external_user_id, channel, workspace, created_at
		FROM threads WHERE agent_id = ? ORDER BY created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var result []models.Thread
	for rows.Next() {
		var t models.Thread
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.AgentID, &t.ExternalUserID, &t.Channel, &t.Workspace, &createdAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) DeleteThread(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "thread", Key: id}
	}
	return nil
}

// ── History Store ───────────────────────────────────────────

// AppendTurn writes the message row and its metadata row in one transaction.
// A turn without metadata never becomes visible.
func (s *SQLiteStore) AppendTurn(ctx context.Context, msg *models.HistoryMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append turn: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO history_messages (id, thread_id, user_message, response, created_at) VALUES (?,?,?,?,?)`,
		msg.ID, msg.ThreadID, msg.UserMessage, msg.Response, msg.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert history message: %w", err)
	}

	meta := msg.Metadata
	if meta == nil {
		meta = &models.Metadata{}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO history_metadata (message_id, total_tokens, response_time, model, is_success) VALUES (?,?,?,?,?)`,
		msg.ID, meta.TotalTokens, meta.ResponseTime, meta.Model, meta.IsSuccess)
	if err != nil {
		return fmt.Errorf("insert history metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListHistory(ctx context.Context, threadID string, limit int) ([]models.HistoryMessage, error) {
	// rowid order is insertion order, which is completion order: same-thread
	// turns are serialized by the dispatcher and appended as they finish.
	query := `SELECT m.id, m.thread_id, m.user_message, m.response, m.created_at,
		md.total_tokens, md.response_time, md.model, md.is_success
		FROM history_messages m
		JOIN history_metadata md ON md.message_id = m.id
		WHERE m.thread_id = ? ORDER BY m.rowid DESC`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var result []models.HistoryMessage
	for rows.Next() {
		var h models.HistoryMessage
		var meta models.Metadata
		var createdAt int64
		if err := rows.Scan(&h.ID, &h.ThreadID, &h.UserMessage, &h.Response, &createdAt,
			&meta.TotalTokens, &meta.ResponseTime, &meta.Model, &meta.IsSuccess); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.CreatedAt = time.Unix(0, createdAt).UTC()
		h.Metadata = &meta
		result = append(result, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query grabs the most recent N; callers get chronological order.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

func (s *SQLiteStore) CountHistory(ctx context.Context, threadID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM history_messages WHERE thread_id = ?`, threadID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ThreadStats(ctx context.Context, threadID string) (*models.ThreadStats, error) {
	var stats models.ThreadStats
	var avgTime sql.NullFloat64
	var tokens sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(md.total_tokens), 0), AVG(md.response_time)
		FROM history_messages m JOIN history_metadata md ON md.message_id = m.id
		WHERE m.thread_id = ?`, threadID).Scan(&stats.MessageCount, &tokens, &avgTime)
	if err != nil {
		return nil, fmt.Errorf("thread stats: %w", err)
	}
	stats.TokenUsage = tokens.Int64
	stats.AvgResponseTime = avgTime.Float64
	return &stats, nil
}

// ── Company Store ───────────────────────────────────────────

func (s *SQLiteStore) GetCompany(ctx context.Context, workspace string) (*models.CompanyInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workspace, name, description, address, email, phone, updated_at FROM companies WHERE workspace = ?`, workspace)
	var c models.CompanyInfo
	var updatedAt int64
	err := row.Scan(&c.Workspace, &c.Name, &c.Description, &c.Address, &c.Email, &c.Phone, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.CompanyInfo{Workspace: workspace}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get company: %w", err)
	}
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &c, nil
}

func (s *SQLiteStore) UpsertCompany(ctx context.Context, c *models.CompanyInfo) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO companies (workspace, name, description, address, email, phone, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(workspace) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			address = excluded.address,
			email = excluded.email,
			phone = excluded.phone,
			updated_at = excluded.updated_at`,
		c.Workspace, c.Name, c.Description, c.Address, c.Email, c.Phone, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert company: %w", err)
	}
	return nil
}

// ── API Key Store ───────────────────────────────────────────

func (s *SQLiteStore) ListAPIKeys(ctx context.Context, agentID string) ([]models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, workspace, key, created_at FROM api_keys WHERE agent_id = ? ORDER BY created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var result []models.APIKey
	for rows.Next() {
		var k models.APIKey
		var createdAt int64
		if err := rows.Scan(&k.ID, &k.AgentID, &k.Workspace, &k.Key, &createdAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		k.CreatedAt = time.Unix(createdAt, 0).UTC()
		result = append(result, k)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetAPIKeyBySecret(ctx context.Context, secret string) (*models.APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, workspace, key, created_at FROM api_keys WHERE key = ?`, secret)
	var k models.APIKey
	var createdAt int64
	err := row.Scan(&k.ID, &k.AgentID, &k.Workspace, &k.Key, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "api_key", Key: "<secret>"}
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	k.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &k, nil
}

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, agent_id, workspace, key, created_at) VALUES (?,?,?,?,?)`,
		k.ID, k.AgentID, k.Workspace, k.Key, k.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "api_key", Key: id}
	}
	return nil
}

// ── Stats Store ─────────────────────────────────────────────

func (s *SQLiteStore) DashboardOverview(ctx context.Context, workspace string) (*models.DashboardOverview, error) {
	out := &models.DashboardOverview{}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE workspace = ? AND status = ?`,
		workspace, models.AgentStatusActive).Scan(&out.ActiveAgents)
	if err != nil {
		return nil, fmt.Errorf("count active agents: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM threads WHERE workspace = ?`, workspace).Scan(&out.TotalConversations)
	if err != nil {
		return nil, fmt.Errorf("count threads: %w", err)
	}

	var tokens sql.NullInt64
	var avgTime, successRate sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(md.total_tokens), 0), AVG(md.response_time), AVG(md.is_success) * 100
		FROM history_messages m
		JOIN history_metadata md ON md.message_id = m.id
		JOIN threads t ON t.id = m.thread_id
		WHERE t.workspace = ?`, workspace).Scan(&tokens, &avgTime, &successRate)
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	out.TokenUsage = tokens.Int64
	out.AvgResponseTime = avgTime.Float64
	out.SuccessRate = successRate.Float64
	return out, nil
}

func (s *SQLiteStore) UsageByAgent(ctx context.Context, workspace string) ([]models.AgentTokenUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.name, COALESCE(SUM(md.total_tokens), 0)
		FROM agents a
		LEFT JOIN threads t ON t.agent_id = a.id
		LEFT JOIN history_messages m ON m.thread_id = t.id
		LEFT JOIN history_metadata md ON md.message_id = m.id
		WHERE a.workspace = ?
		GROUP BY a.id, a.name
		ORDER BY a.created_at`, workspace)
	if err != nil {
		return nil, fmt.Errorf("usage by agent: %w", err)
	}
	defer rows.Close()

	var result []models.AgentTokenUsage
	for rows.Next() {
		var u models.AgentTokenUsage
		if err := rows.Scan(&u.AgentID, &u.AgentName, &u.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
