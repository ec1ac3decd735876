// Package handlers implements the HTTP handlers for the ConvoDeck API.
// All handlers go through the Store interface and the dispatcher; nothing
// here talks to a model provider directly.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/convodeck/convodeck/backend/internal/api/middleware"
	"github.com/convodeck/convodeck/backend/internal/config"
	"github.com/convodeck/convodeck/backend/internal/dataset"
	"github.com/convodeck/convodeck/backend/internal/dispatch"
	"github.com/convodeck/convodeck/backend/internal/history"
	"github.com/convodeck/convodeck/backend/internal/retrieval"
	"github.com/convodeck/convodeck/backend/internal/store"
	"github.com/convodeck/convodeck/backend/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store      store.Store
	Dispatcher *dispatch.Dispatcher
	Recorder   *history.Recorder
	Retrieval  *retrieval.Service
	Datasets   *dataset.Engine
	Telegram   *dispatch.TelegramDriver
	Config     *config.Config
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, d *dispatch.Dispatcher, rec *history.Recorder, ret *retrieval.Service, ds *dataset.Engine, tg *dispatch.TelegramDriver, cfg *config.Config) *Handlers {
	return &Handlers{
		Store:      s,
		Dispatcher: d,
		Recorder:   rec,
		Retrieval:  ret,
		Datasets:   ds,
		Telegram:   tg,
		Config:     cfg,
	}
}

// ── Agent Handlers ──────────────────────────────────────────

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	workspace := middleware.Workspace(r.Context())
	agents, err := h.Store.ListAgents(r.Context(), workspace)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	respondJSON(w, http.StatusOK, agents)
}

func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req models.Agent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validateAgent(&req); err != nil {
		respondStoreError(w, err)
		return
	}

	workspace := middleware.Workspace(r.Context())
	req.ID = uuid.NewString()
	req.Workspace = workspace
	req.Status = models.AgentStatusActive
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = req.CreatedAt
	if req.Kind == "" {
		req.Kind = models.AgentSimpleRAG
	}
	if req.Tone == "" {
		req.Tone = models.ToneNeutral
	}

	if err := h.Store.CreateAgent(r.Context(), &req); err != nil {
		respondStoreError(w, err)
		return
	}
	if err := h.Retrieval.InitCollection(r.Context(), req.ID); err != nil {
		log.Error().Err(err).Str("agent_id", req.ID).Msg("Collection init failed")
		respondError(w, http.StatusInternalServerError, "agent created but collection init failed")
		return
	}

	log.Info().Str("agent", req.Name).Str("id", req.ID).Str("workspace", workspace).Msg("Agent created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agentInWorkspace(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agentInWorkspace(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req models.Agent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	// Identity and workspace are immutable.
	req.ID = agent.ID
	req.Workspace = agent.Workspace
	req.CreatedAt = agent.CreatedAt
	req.UpdatedAt = time.Now().UTC()
	if err := validateAgent(&req); err != nil {
		respondStoreError(w, err)
		return
	}
	if req.Status == "" {
		req.Status = agent.Status
	}

	if err := h.Store.UpdateAgent(r.Context(), &req); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

// DeleteAgent cascades through the relational store, then cleans up the
// agent's vectors and dataset engines. A vector cleanup failure after the
// relational delete is logged as an inconsistency, not rolled back.
func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agentInWorkspace(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	docs, err := h.Store.ListDocuments(r.Context(), agent.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	datasets, err := h.Store.ListDatasets(r.Context(), agent.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	if err := h.Store.DeleteAgent(r.Context(), agent.ID); err != nil {
		respondStoreError(w, err)
		return
	}

	for _, doc := range docs {
		if err := h.Retrieval.DeleteDocument(r.Context(), agent.ID, doc.ID); err != nil {
			incErr := &models.InconsistencyError{Detail: "agent " + agent.ID + " deleted but vectors for document " + doc.ID + " remain"}
			log.Error().Err(err).Str("agent_id", agent.ID).Str("doc_id", doc.ID).Msg(incErr.Error())
		}
	}
	for _, ds := range datasets {
		h.Datasets.Unregister(ds.ID)
	}

	log.Info().Str("agent_id", agent.ID).Msg("Agent deleted")
	w.WriteHeader(http.StatusNoContent)
}

// ── Invoke (API channel) ────────────────────────────────────

type invokeRequest struct {
	Message        string `json:"message"`
	ExternalUserID string `json:"external_user_id"`
}

// Invoke runs one conversation turn over the API channel and returns the
// response in-band. When the agent has store-backed API keys, the request
// must carry one of them in X-API-Key.
func (h *Handlers) Invoke(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agentInWorkspace(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	keys, err := h.Store.ListAPIKeys(r.Context(), agent.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	externalUserID := ""
	if len(keys) > 0 {
		key, err := h.Store.GetAPIKeyBySecret(r.Context(), r.Header.Get("X-API-Key"))
		if err != nil || key.AgentID != agent.ID {
			respondError(w, http.StatusUnauthorized, "valid X-API-Key required for this agent")
			return
		}
		externalUserID = "key-" + key.ID
	}

	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ExternalUserID != "" {
		externalUserID = req.ExternalUserID
	}
	if externalUserID == "" {
		externalUserID = "api-client"
	}

	result, err := h.Dispatcher.Handle(r.Context(), &models.Inbound{
		AgentID:        agent.ID,
		ExternalUserID: externalUserID,
		Channel:        models.ChannelAPI,
		Text:           req.Message,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	// A failed turn is still a completed request; Success and Reason tell
	// the caller what happened.
	respondJSON(w, http.StatusOK, result)
}

// ── API Keys ────────────────────────────────────────────────

func (h *Handlers) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agentInWorkspace(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	keys, err := h.Store.ListAPIKeys(r.Context(), agent.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if keys == nil {
		keys = []models.APIKey{}
	}
	respondJSON(w, http.StatusOK, keys)
}

func (h *Handlers) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agentInWorkspace(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	key := &models.APIKey{
		ID:        uuid.NewString(),
		AgentID:   agent.ID,
		Workspace: agent.Workspace,
		Key:       "cdk_" + uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.CreateAPIKey(r.Context(), key); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, key)
}

func (h *Handlers) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if _, err := h.agentInWorkspace(r); err != nil {
		respondStoreError(w, err)
		return
	}
	if err := h.Store.DeleteAPIKey(r.Context(), chi.URLParam(r, "keyID")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Threads ─────────────────────────────────────────────────

func (h *Handlers) ListThreads(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agentInWorkspace(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	threads, err := h.Store.ListThreads(r.Context(), agent.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if threads == nil {
		threads = []models.Thread{}
	}
	respondJSON(w, http.StatusOK, threads)
}

func (h *Handlers) ThreadHistory(w http.ResponseWriter, r *http.Request) {
	th, err := h.Recorder.Thread(r.Context(), chi.URLParam(r, "threadID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, th)
}

// ── Dashboard & Company ─────────────────────────────────────

func (h *Handlers) DashboardOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.Store.DashboardOverview(r.Context(), middleware.Workspace(r.Context()))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, overview)
}

func (h *Handlers) DashboardUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.Store.UsageByAgent(r.Context(), middleware.Workspace(r.Context()))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if usage == nil {
		usage = []models.AgentTokenUsage{}
	}
	respondJSON(w, http.StatusOK, usage)
}

func (h *Handlers) GetCompany(w http.ResponseWriter, r *http.Request) {
	info, err := h.Store.GetCompany(r.Context(), middleware.Workspace(r.Context()))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (h *Handlers) PutCompany(w http.ResponseWriter, r *http.Request) {
	var req models.CompanyInfo
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		respondStoreError(w, &models.ValidationError{Field: "name", Reason: "must not be empty"})
		return
	}
	req.Workspace = middleware.Workspace(r.Context())
	req.UpdatedAt = time.Now().UTC()
	if err := h.Store.UpsertCompany(r.Context(), &req); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

// ── Helpers ─────────────────────────────────────────────────

// agentInWorkspace loads the {agentID} route param and enforces workspace
// scoping: an agent from another workspace reads as not found.
func (h *Handlers) agentInWorkspace(r *http.Request) (*models.Agent, error) {
	agentID := chi.URLParam(r, "agentID")
	agent, err := h.Store.GetAgent(r.Context(), agentID)
	if err != nil {
		return nil, err
	}
	if agent.Workspace != middleware.Workspace(r.Context()) {
		return nil, &store.ErrNotFound{Entity: "agent", Key: agentID}
	}
	return agent, nil
}

func validateAgent(a *models.Agent) error {
	if a.Name == "" {
		return &models.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if a.Provider == "" {
		return &models.ValidationError{Field: "provider", Reason: "must not be empty"}
	}
	if a.Model == "" {
		return &models.ValidationError{Field: "model", Reason: "must not be empty"}
	}
	switch a.Kind {
	case "", models.AgentSimpleRAG, models.AgentCustomerService, models.AgentDataAnalyst:
	default:
		return &models.ValidationError{Field: "kind", Reason: "unknown agent kind " + string(a.Kind)}
	}
	if a.TrustThreshold < 0 || a.TrustThreshold > 100 {
		return &models.ValidationError{Field: "trust_threshold", Reason: "must be between 0 and 100"}
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Response encoding failed")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps the error taxonomy onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case *store.ErrNotFound:
		respondError(w, http.StatusNotFound, err.Error())
	case *models.ValidationError:
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case *models.ErrFileTooLarge:
		respondError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
