package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/convodeck/convodeck/backend/pkg/models"
)

const defaultOllamaEndpoint = "http://localhost:11434"

// OllamaDriver calls a local Ollama server through its OpenAI-compatible
// chat endpoint. Ollama has no schema-constrained mode, so structured
// output uses json_object format plus a schema instruction.
type OllamaDriver struct {
	endpoint string
	client   *http.Client
}

// NewOllamaDriver creates an Ollama provider driver. An empty endpoint
// falls back to the default local server.
func NewOllamaDriver(endpoint string) *OllamaDriver {
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	return &OllamaDriver{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (d *OllamaDriver) Kind() string { return "ollama" }

// Complete sends a chat completion request.
func (d *OllamaDriver) Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	messages := req.Messages
	body := openAIChatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.ResponseSchema != nil {
		schemaJSON, err := json.Marshal(req.ResponseSchema)
		if err != nil {
			return nil, fmt.Errorf("ollama: marshal schema: %w", err)
		}
		messages = append(append([]models.ChatMessage{}, messages...), models.ChatMessage{
			Role: models.RoleSystem,
			Content: fmt.Sprintf(
				"Respond with a single JSON object conforming to this JSON Schema, and nothing else:\n%s", schemaJSON),
		})
		body.ResponseFormat = map[string]interface{}{"type": "json_object"}
	}
	body.Messages = messages

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("ollama: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var oaiResp openAIChatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("ollama: response contained no choices")
	}

	model := oaiResp.Model
	if model == "" {
		model = req.Model
	}
	resp := &models.CompletionResponse{
		Content: oaiResp.Choices[0].Message.Content,
		Model:   model,
	}
	if oaiResp.Usage.TotalTokens > 0 {
		resp.Usage = &models.TokenUsage{
			PromptTokens:     oaiResp.Usage.PromptTokens,
			CompletionTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:      oaiResp.Usage.TotalTokens,
		}
	}
	return resp, nil
}

// HealthCheck verifies the server is up by listing local models.
func (d *OllamaDriver) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama: create request: %w", err)
	}
	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama: unreachable: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: health check status %d", httpResp.StatusCode)
	}
	return nil
}
