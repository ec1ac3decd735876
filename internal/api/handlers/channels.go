package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/convodeck/convodeck/backend/internal/dispatch"
	"github.com/convodeck/convodeck/backend/internal/store"
	"github.com/convodeck/convodeck/backend/pkg/models"
)

// ── Integrations ────────────────────────────────────────────

func (h *Handlers) ListIntegrations(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agentInWorkspace(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	integrations, err := h.Store.ListIntegrations(r.Context(), agent.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if integrations == nil {
		integrations = []models.Integration{}
	}
	respondJSON(w, http.StatusOK, integrations)
}

// CreateIntegration binds an agent to a channel. Telegram integrations
// register their webhook with the Bot API before anything is stored, so a
// bad token or unreachable URL fails the request cleanly.
func (h *Handlers) CreateIntegration(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agentInWorkspace(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req models.Integration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	switch req.Channel {
	case models.ChannelTelegram, models.ChannelAPI, models.ChannelWhatsApp:
	default:
		respondStoreError(w, &models.ValidationError{Field: "channel", Reason: "unknown channel " + string(req.Channel)})
		return
	}
	if existing, err := h.Store.GetIntegrationByChannel(r.Context(), agent.ID, req.Channel); err == nil && existing != nil {
		respondStoreError(w, &models.ValidationError{Field: "channel", Reason: "agent already has a " + string(req.Channel) + " integration"})
		return
	}

	req.ID = uuid.NewString()
	req.AgentID = agent.ID
	req.Workspace = agent.Workspace
	req.Active = true
	req.CreatedAt = time.Now().UTC()

	if req.Channel == models.ChannelTelegram {
		if req.Token == "" {
			respondStoreError(w, &models.ValidationError{Field: "token", Reason: "telegram integrations need a bot token"})
			return
		}
		if err := h.Telegram.SetWebhook(&req); err != nil {
			if _, ok := err.(*models.ValidationError); ok {
				respondStoreError(w, err)
			} else {
				respondError(w, http.StatusBadGateway, err.Error())
			}
			return
		}
	}

	if err := h.Store.CreateIntegration(r.Context(), &req); err != nil {
		respondStoreError(w, err)
		return
	}

	log.Info().Str("agent_id", agent.ID).Str("channel", string(req.Channel)).Msg("Integration created")
	respondJSON(w, http.StatusCreated, req)
}

// DeleteIntegration removes the binding. For Telegram the webhook is
// unregistered best-effort; a Bot API failure does not keep the record.
func (h *Handlers) DeleteIntegration(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agentInWorkspace(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	integrationID := chi.URLParam(r, "integrationID")
	integ, err := h.Store.GetIntegration(r.Context(), integrationID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if integ.AgentID != agent.ID {
		respondStoreError(w, &store.ErrNotFound{Entity: "integration", Key: integrationID})
		return
	}

	if err := h.Store.DeleteIntegration(r.Context(), integrationID); err != nil {
		respondStoreError(w, err)
		return
	}
	if integ.Channel == models.ChannelTelegram {
		if err := h.Telegram.DeleteWebhook(integ.Token); err != nil {
			log.Warn().Err(err).Str("integration_id", integrationID).Msg("Telegram webhook removal failed")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Inbound webhooks ────────────────────────────────────────

// TelegramWebhook receives Bot API updates for one agent. It always
// answers 200 so Telegram does not retry; failures are logged and the
// user gets whatever fallback the workflow produced, or nothing.
func (h *Handlers) TelegramWebhook(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		log.Warn().Err(err).Str("agent_id", agentID).Msg("Undecodable Telegram update")
		w.WriteHeader(http.StatusOK)
		return
	}

	in, ok := dispatch.InboundFromUpdate(agentID, &update)
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	result, err := h.Dispatcher.Handle(r.Context(), in)
	if err != nil {
		log.Error().Err(err).Str("agent_id", agentID).Msg("Telegram turn failed before recording")
	} else if !result.Delivered {
		log.Warn().Str("agent_id", agentID).Str("error", result.DeliveryError).Msg("Telegram reply not delivered")
	}
	w.WriteHeader(http.StatusOK)
}
