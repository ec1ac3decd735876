// Package contracts defines the service interfaces for the ConvoDeck backend.
//
// These interfaces form the seams between the orchestration core and its
// pluggable collaborators: model providers, embedding drivers, vector store
// backends, and channel delivery drivers. Each has at least one concrete
// implementation shipped in internal/, and swapping one is a single line
// change in the wiring code (pkg/server).
package contracts

import (
	"context"

	"github.com/convodeck/convodeck/backend/pkg/models"
)

// ── Provider Driver ─────────────────────────────────────────

// ProviderDriver is the interface for model provider integrations.
// Shipped drivers: OpenAI, Anthropic, Ollama.
//
// Drivers are registered in the Model Router via RegisterDriver().
type ProviderDriver interface {
	// Kind returns the provider identifier (e.g., "openai", "anthropic").
	Kind() string

	// Complete sends a chat completion request to the provider.
	Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error)

	// HealthCheck verifies the provider is reachable.
	HealthCheck(ctx context.Context) error
}

// ── Embeddings Driver ───────────────────────────────────────

// EmbeddingsDriver turns text into vectors. Shipped: OpenAI, Ollama.
type EmbeddingsDriver interface {
	// Kind returns the driver identifier (e.g., "openai", "ollama").
	Kind() string

	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the vector dimensionality this driver produces.
	Dimensions() int

	// HealthCheck verifies the embedding endpoint is reachable.
	HealthCheck(ctx context.Context) error
}

// ── Vector Store Driver ─────────────────────────────────────

// VectorStoreDriver is the storage backend for retrieval collections.
// Shipped: embedded (in-memory), chromem (persistent), pgvector.
type VectorStoreDriver interface {
	// Kind returns the backend identifier.
	Kind() string

	// EnsureCollection idempotently creates a collection if absent.
	EnsureCollection(ctx context.Context, collection string) error

	// Upsert inserts or updates documents in a collection.
	Upsert(ctx context.Context, collection string, docs []models.VectorDoc) error

	// Search returns the topK most similar documents, best first.
	// Filter entries must all match a document's metadata exactly.
	Search(ctx context.Context, collection string, vector []float64, topK int, filter map[string]string) ([]models.SearchResult, error)

	// DeleteWhere removes every document whose metadata matches the filter.
	DeleteWhere(ctx context.Context, collection string, filter map[string]string) error

	// Count returns the number of documents in a collection.
	Count(ctx context.Context, collection string) (int, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// ── Channel Driver ──────────────────────────────────────────

// ChannelDriver delivers an outbound response over one channel kind.
// Shipped: telegram, api, whatsapp (placeholder).
type ChannelDriver interface {
	// Kind returns the channel this driver serves.
	Kind() models.Channel

	// Send delivers text to the external user behind the integration.
	Send(ctx context.Context, integration *models.Integration, externalUserID, text string) error
}
