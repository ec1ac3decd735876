package models

import (
	"fmt"
	"time"
)

// ── Agent ────────────────────────────────────────────────────

type AgentKind string

const (
	// AgentSimpleRAG answers from an attached document collection.
	AgentSimpleRAG AgentKind = "simple-rag"
	// AgentCustomerService adds trust scoring, escalation, and dataset querying.
	AgentCustomerService AgentKind = "customer-service"
	// AgentDataAnalyst is dataset-query only (no document retrieval).
	AgentDataAnalyst AgentKind = "data-analyst"
)

type AgentStatus string

const (
	AgentStatusActive    AgentStatus = "active"
	AgentStatusNonActive AgentStatus = "non-active"
)

// Tone selects the personality preset expanded into the system prompt.
type Tone string

const (
	ToneFriendly     Tone = "friendly"
	ToneFormal       Tone = "formal"
	ToneCasual       Tone = "casual"
	ToneProfessional Tone = "professional"
	ToneNeutral      Tone = "neutral"
)

// Agent is the immutable per-agent configuration. It is read-only during a
// conversation turn; mutation happens only through the update endpoint.
type Agent struct {
	ID          string      `json:"id" db:"id"`
	Name        string      `json:"name" db:"name"`
	Description string      `json:"description,omitempty" db:"description"`
	Kind        AgentKind   `json:"kind" db:"kind"`
	Workspace   string      `json:"workspace" db:"workspace"`
	Provider    string      `json:"provider" db:"provider"` // "openai", "anthropic", "ollama"
	Model       string      `json:"model" db:"model"`
	Tone        Tone        `json:"tone,omitempty" db:"tone"`
	BasePrompt  string      `json:"base_prompt,omitempty" db:"base_prompt"`
	Status      AgentStatus `json:"status" db:"status"`

	// Memory flags — when LongTermMemory is set, prior turns are embedded
	// into a per-thread memory namespace and similar context is injected
	// into the system prompt on later turns.
	ShortTermMemory bool `json:"short_term_memory" db:"short_term_memory"`
	LongTermMemory  bool `json:"long_term_memory" db:"long_term_memory"`

	// TrustThreshold is the escalation cutoff for customer-service agents
	// (0-100). Turns scored below it short-circuit to an escalation reply.
	TrustThreshold int `json:"trust_threshold,omitempty" db:"trust_threshold"`

	// MaxQueryRounds bounds the dataset-query loop (default 5).
	MaxQueryRounds int `json:"max_query_rounds,omitempty" db:"max_query_rounds"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ── Documents & Datasets ─────────────────────────────────────

// Document is a file ingested into an agent's retrieval collection.
// Deleting it removes both this row and the vectors tagged with its ID.
type Document struct {
	ID          string    `json:"id" db:"id"`
	AgentID     string    `json:"agent_id" db:"agent_id"`
	Workspace   string    `json:"workspace" db:"workspace"`
	Filename    string    `json:"filename" db:"filename"`
	ContentType string    `json:"content_type" db:"content_type"`
	SizeBytes   int64     `json:"size_bytes" db:"size_bytes"`
	ChunkCount  int       `json:"chunk_count" db:"chunk_count"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Dataset is a tabular file backed by its own isolated query engine.
// Schema is the cached description used to condition SQL generation; it is
// computed once at ingestion and invalidated only by replacement.
type Dataset struct {
	ID        string    `json:"id" db:"id"`
	AgentID   string    `json:"agent_id" db:"agent_id"`
	Workspace string    `json:"workspace" db:"workspace"`
	Name      string    `json:"name" db:"name"` // registered table name
	Filename  string    `json:"filename" db:"filename"`
	Path      string    `json:"path" db:"path"`
	Schema    string    `json:"schema,omitempty" db:"schema"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ── Integrations & Channels ──────────────────────────────────

type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelAPI      Channel = "api"
	ChannelWhatsApp Channel = "whatsapp"
)

// Integration binds an agent to a delivery channel.
type Integration struct {
	ID         string            `json:"id" db:"id"`
	AgentID    string            `json:"agent_id" db:"agent_id"`
	Workspace  string            `json:"workspace" db:"workspace"`
	Channel    Channel           `json:"channel" db:"channel"`
	Token      string            `json:"token,omitempty" db:"token"` // bot token / API key
	WebhookURL string            `json:"webhook_url,omitempty" db:"webhook_url"`
	Config     map[string]string `json:"config,omitempty"`
	Active     bool              `json:"active" db:"active"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// ── Threads & History ────────────────────────────────────────

// Thread is the persistent conversation context between one external user
// and one agent. Its ID is the deterministic combination of both.
type Thread struct {
	ID             string    `json:"id" db:"id"`
	AgentID        string    `json:"agent_id" db:"agent_id"`
	ExternalUserID string    `json:"external_user_id" db:"external_user_id"`
	Channel        Channel   `json:"channel" db:"channel"`
	Workspace      string    `json:"workspace" db:"workspace"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ThreadID builds the deterministic thread identifier for an agent/user pair.
func ThreadID(agentID, externalUserID string) string {
	return agentID + ":" + externalUserID
}

// HistoryMessage is one recorded turn. Never mutated after creation.
type HistoryMessage struct {
	ID          string    `json:"id" db:"id"`
	ThreadID    string    `json:"thread_id" db:"thread_id"`
	UserMessage string    `json:"user_message" db:"user_message"`
	Response    string    `json:"response" db:"response"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`

	Metadata *Metadata `json:"metadata,omitempty"`
}

// Metadata is the per-turn usage record written atomically with its
// HistoryMessage.
type Metadata struct {
	TotalTokens  int64   `json:"total_tokens" db:"total_tokens"`
	ResponseTime float64 `json:"response_time" db:"response_time"` // seconds
	Model        string  `json:"model" db:"model"`
	IsSuccess    bool    `json:"is_success" db:"is_success"`
}

// ThreadStats aggregates a thread's recorded metadata.
type ThreadStats struct {
	TokenUsage      int64   `json:"token_usage"`
	AvgResponseTime float64 `json:"avg_response_time"`
	MessageCount    int     `json:"message_count"`
}

// ── Company & API Keys ───────────────────────────────────────

// CompanyInfo is injected into customer-service prompts so agents can answer
// questions about the business they represent.
type CompanyInfo struct {
	Workspace   string    `json:"workspace" db:"workspace"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	Address     string    `json:"address,omitempty" db:"address"`
	Email       string    `json:"email,omitempty" db:"email"`
	Phone       string    `json:"phone,omitempty" db:"phone"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// APIKey authorizes invoke calls on the generic API channel.
type APIKey struct {
	ID        string    `json:"id" db:"id"`
	AgentID   string    `json:"agent_id" db:"agent_id"`
	Workspace string    `json:"workspace" db:"workspace"`
	Key       string    `json:"key" db:"key"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ── Conversation ─────────────────────────────────────────────

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationState is the per-turn working state threaded through the
// workflow. It is owned exclusively by one workflow invocation and discarded
// after the turn.
type ConversationState struct {
	Messages       []ChatMessage `json:"messages"`
	UserMessage    string        `json:"user_message"`
	TrustLevel     int           `json:"trust_level"`   // 0-100
	IncludedData   bool          `json:"included_data"` // external data reached the answer
	Problem        string        `json:"problem,omitempty"`
	ProblemSolving string        `json:"problem_solving,omitempty"`
	NextStep       string        `json:"next_step,omitempty"`
	TokenUsage     int64         `json:"token_usage"`
	Response       string        `json:"response,omitempty"`
	Reason         string        `json:"reason,omitempty"`
}

// TurnResult is what a completed (or failed) turn reports back to the
// dispatcher.
type TurnResult struct {
	ThreadID     string  `json:"thread_id"`
	Response     string  `json:"response"`
	TotalTokens  int64   `json:"total_tokens"`
	ResponseTime float64 `json:"response_time"` // seconds
	Model        string  `json:"model"`
	Success      bool    `json:"success"`
	Reason       string  `json:"reason,omitempty"`
}

// ── Model Calls ──────────────────────────────────────────────

// CompletionRequest is the provider-neutral model call.
type CompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`

	// ResponseSchema, when set, constrains the reply to a JSON object
	// matching the given JSON Schema. SchemaName labels it for providers
	// that require a name.
	ResponseSchema map[string]interface{} `json:"response_schema,omitempty"`
	SchemaName     string                 `json:"schema_name,omitempty"`
}

type CompletionResponse struct {
	Content string      `json:"content"`
	Model   string      `json:"model"`
	Usage   *TokenUsage `json:"usage,omitempty"` // nil when the provider returns none
}

type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ── Retrieval ────────────────────────────────────────────────

// VectorDoc is an embedded chunk stored in a collection.
type VectorDoc struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Vector     []float64         `json:"vector"`
	CreatedAt  time.Time         `json:"created_at"`
}

// SearchResult is one similarity search hit.
type SearchResult struct {
	Doc   VectorDoc `json:"doc"`
	Score float64   `json:"score"`
}

// RetrievedChunk is the workflow-facing shape of a search hit.
type RetrievedChunk struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Page    int     `json:"page"`
	Score   float64 `json:"score"`
}

// ── Dispatch ─────────────────────────────────────────────────

// Inbound is a normalized message arriving from any channel.
type Inbound struct {
	AgentID        string  `json:"agent_id"`
	ExternalUserID string  `json:"external_user_id"`
	Channel        Channel `json:"channel"`
	Text           string  `json:"text"`
}

// DispatchResult reports the turn outcome plus delivery status. A delivery
// failure never rolls back the recorded turn.
type DispatchResult struct {
	Turn          TurnResult `json:"turn"`
	Delivered     bool       `json:"delivered"`
	DeliveryError string     `json:"delivery_error,omitempty"`
}

// ── Dashboard ────────────────────────────────────────────────

type DashboardOverview struct {
	TokenUsage         int64   `json:"token_usage"`
	TotalConversations int     `json:"total_conversations"`
	ActiveAgents       int     `json:"active_agents"`
	AvgResponseTime    float64 `json:"average_response_time"`
	SuccessRate        float64 `json:"success_rate"` // 0-100
}

type AgentTokenUsage struct {
	AgentID     string `json:"agent_id"`
	AgentName   string `json:"agent_name"`
	TotalTokens int64  `json:"total_tokens"`
}

// ── Errors ───────────────────────────────────────────────────

// ValidationError is a 422-class input rejection. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return "validation failed on " + e.Field + ": " + e.Reason
}

// ProviderError wraps a model-call failure. Retryable.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// InconsistencyError marks a cross-store divergence (vector delete succeeded
// but the relational delete failed, or vice versa). Logged, never retried
// automatically.
type InconsistencyError struct {
	Detail string
}

func (e *InconsistencyError) Error() string {
	return "store inconsistency: " + e.Detail
}

// ErrFileTooLarge rejects uploads above the configured cap before any
// processing happens.
type ErrFileTooLarge struct {
	SizeBytes int64
	MaxBytes  int64
}

func (e *ErrFileTooLarge) Error() string {
	return fmt.Sprintf("file too large: %d bytes (max %d)", e.SizeBytes, e.MaxBytes)
}
