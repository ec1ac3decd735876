package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/convodeck/convodeck/backend/pkg/models"
)

const (
	defaultAnthropicEndpoint = "https://api.anthropic.com"
	anthropicVersion         = "2023-06-01"
	anthropicMaxTokens       = 4096
)

// AnthropicDriver calls the Anthropic Messages API. The API has no
// schema-constrained response mode, so structured output is requested
// through an appended system instruction carrying the JSON Schema.
type AnthropicDriver struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// AnthropicOption configures the Anthropic driver.
type AnthropicOption func(*AnthropicDriver)

// WithAnthropicEndpoint overrides the API base URL.
func WithAnthropicEndpoint(endpoint string) AnthropicOption {
	return func(d *AnthropicDriver) { d.endpoint = endpoint }
}

// NewAnthropicDriver creates an Anthropic provider driver.
func NewAnthropicDriver(apiKey string, opts ...AnthropicOption) *AnthropicDriver {
	d := &AnthropicDriver{
		apiKey:   apiKey,
		endpoint: defaultAnthropicEndpoint,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *AnthropicDriver) Kind() string { return "anthropic" }

type anthropicRequest struct {
	Model       string               `json:"model"`
	System      string               `json:"system,omitempty"`
	Messages    []models.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature *float64             `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Complete sends a messages request. System-role messages are lifted
// into the top-level system field the API requires.
func (d *AnthropicDriver) Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("anthropic: api key not configured")
	}

	var system []string
	var chat []models.ChatMessage
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		chat = append(chat, m)
	}
	if req.ResponseSchema != nil {
		schemaJSON, err := json.Marshal(req.ResponseSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: marshal schema: %w", err)
		}
		system = append(system, fmt.Sprintf(
			"Respond with a single JSON object conforming to this JSON Schema, and nothing else:\n%s", schemaJSON))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}

	body := anthropicRequest{
		Model:       req.Model,
		System:      strings.Join(system, "\n\n"),
		Messages:    chat,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", d.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var anthResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthResp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	var content strings.Builder
	for _, c := range anthResp.Content {
		if c.Type == "text" {
			content.WriteString(c.Text)
		}
	}

	model := anthResp.Model
	if model == "" {
		model = req.Model
	}
	resp := &models.CompletionResponse{
		Content: content.String(),
		Model:   model,
	}
	if anthResp.Usage.InputTokens > 0 || anthResp.Usage.OutputTokens > 0 {
		resp.Usage = &models.TokenUsage{
			PromptTokens:     anthResp.Usage.InputTokens,
			CompletionTokens: anthResp.Usage.OutputTokens,
			TotalTokens:      anthResp.Usage.InputTokens + anthResp.Usage.OutputTokens,
		}
	}
	return resp, nil
}

// HealthCheck sends a minimal one-token message to validate credentials.
func (d *AnthropicDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Complete(ctx, &models.CompletionRequest{
		Model:     "claude-3-5-haiku-20241022",
		Messages:  []models.ChatMessage{{Role: models.RoleUser, Content: "Say OK"}},
		MaxTokens: 1,
	})
	return err
}
