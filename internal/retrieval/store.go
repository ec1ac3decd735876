package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/convodeck/convodeck/backend/pkg/contracts"
	"github.com/convodeck/convodeck/backend/pkg/models"
)

// Page is one page of source text to ingest. Plain-text documents are a
// single page with Number 1.
type Page struct {
	Number int
	Text   string
}

// Service is the retrieval layer for agent document collections.
type Service struct {
	vectors  contracts.VectorStoreDriver
	embedder contracts.EmbeddingsDriver
	chunker  ChunkerConfig
	topK     int
}

// NewService creates a retrieval service over the given drivers.
func NewService(vectors contracts.VectorStoreDriver, embedder contracts.EmbeddingsDriver, chunker ChunkerConfig, topK int) *Service {
	if topK <= 0 {
		topK = 4
	}
	return &Service{vectors: vectors, embedder: embedder, chunker: chunker, topK: topK}
}

// CollectionName returns the per-agent collection name.
func CollectionName(agentID string) string {
	return "agent-" + agentID
}

// InitCollection creates the agent's collection if missing. Idempotent:
// calling it for an existing collection changes nothing.
func (s *Service) InitCollection(ctx context.Context, agentID string) error {
	if err := s.vectors.EnsureCollection(ctx, CollectionName(agentID)); err != nil {
		return fmt.Errorf("init collection for agent %s: %w", agentID, err)
	}
	return nil
}

// AddDocument chunks, embeds, and stores a document's pages. Every chunk
// carries doc_id, source, and page metadata so the document can later be
// removed or attributed. Returns the number of chunks stored.
func (s *Service) AddDocument(ctx context.Context, agentID, docID, source string, pages []Page) (int, error) {
	collection := CollectionName(agentID)
	if err := s.vectors.EnsureCollection(ctx, collection); err != nil {
		return 0, fmt.Errorf("ensure collection: %w", err)
	}

	var docs []models.VectorDoc
	var texts []string
	for _, page := range pages {
		if strings.TrimSpace(page.Text) == "" {
			continue
		}
		for _, chunk := range ChunkText(page.Text, s.chunker) {
			docs = append(docs, models.VectorDoc{
				ID:      uuid.NewString(),
				Content: chunk.Text,
				Metadata: map[string]string{
					"doc_id": docID,
					"source": source,
					"page":   strconv.Itoa(page.Number),
				},
			})
			texts = append(texts, chunk.Text)
		}
	}
	if len(docs) == 0 {
		return 0, &models.ValidationError{Field: "document", Reason: "no extractable text"}
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed document %s: %w", docID, err)
	}
	if len(vectors) != len(docs) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(docs))
	}
	for i := range docs {
		docs[i].Vector = vectors[i]
	}

	if err := s.vectors.Upsert(ctx, collection, docs); err != nil {
		return 0, fmt.Errorf("store document %s: %w", docID, err)
	}

	log.Info().
		Str("agent_id", agentID).
		Str("doc_id", docID).
		Str("source", source).
		Int("chunks", len(docs)).
		Msg("Document ingested")
	return len(docs), nil
}

// Search embeds the query and returns the topK most similar chunks.
func (s *Service) Search(ctx context.Context, agentID, query string) ([]models.RetrievedChunk, error) {
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for query", len(vectors))
	}

	results, err := s.vectors.Search(ctx, CollectionName(agentID), vectors[0], s.topK, nil)
	if err != nil {
		return nil, fmt.Errorf("search collection: %w", err)
	}

	chunks := make([]models.RetrievedChunk, 0, len(results))
	for _, r := range results {
		page, _ := strconv.Atoi(r.Doc.Metadata["page"])
		chunks = append(chunks, models.RetrievedChunk{
			Content: r.Doc.Content,
			Source:  r.Doc.Metadata["source"],
			Page:    page,
			Score:   r.Score,
		})
	}
	return chunks, nil
}

// DeleteDocument removes every chunk tagged with docID from the agent's
// collection.
func (s *Service) DeleteDocument(ctx context.Context, agentID, docID string) error {
	err := s.vectors.DeleteWhere(ctx, CollectionName(agentID), map[string]string{"doc_id": docID})
	if err != nil {
		return fmt.Errorf("delete document %s vectors: %w", docID, err)
	}
	return nil
}

// Count returns the number of chunks in the agent's collection.
func (s *Service) Count(ctx context.Context, agentID string) (int, error) {
	return s.vectors.Count(ctx, CollectionName(agentID))
}

// ── Exact-answer cache ──────────────────────────────────────

// Cached question/answer pairs live in a separate collection so they
// never surface in document similarity search.
func qaCollectionName(agentID string) string {
	return "qa-" + agentID
}

func normalizeQuestion(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// CacheAnswer stores a question/answer pair for the exact-match fast
// path. Re-caching the same normalized question adds a newer entry that
// wins on lookup only by insertion order of the backend, which is
// acceptable for a cache.
func (s *Service) CacheAnswer(ctx context.Context, agentID, question, answer string) error {
	collection := qaCollectionName(agentID)
	if err := s.vectors.EnsureCollection(ctx, collection); err != nil {
		return fmt.Errorf("ensure qa collection: %w", err)
	}
	vectors, err := s.embedder.Embed(ctx, []string{question})
	if err != nil {
		return fmt.Errorf("embed question: %w", err)
	}
	doc := models.VectorDoc{
		ID:      uuid.NewString(),
		Content: answer,
		Metadata: map[string]string{
			"question": normalizeQuestion(question),
		},
		Vector: vectors[0],
	}
	return s.vectors.Upsert(ctx, collection, []models.VectorDoc{doc})
}

// ExactQuery returns the cached answer for a previously seen question,
// matched on the normalized question text. The second return reports
// whether a cached answer exists.
func (s *Service) ExactQuery(ctx context.Context, agentID, question string) (string, bool, error) {
	vectors, err := s.embedder.Embed(ctx, []string{question})
	if err != nil {
		return "", false, fmt.Errorf("embed question: %w", err)
	}
	results, err := s.vectors.Search(ctx, qaCollectionName(agentID), vectors[0], 1,
		map[string]string{"question": normalizeQuestion(question)})
	if err != nil {
		return "", false, fmt.Errorf("search qa cache: %w", err)
	}
	if len(results) == 0 {
		return "", false, nil
	}
	return results[0].Doc.Content, true, nil
}

// ── Conversational memory ───────────────────────────────────

func memoryCollectionName(threadID string) string {
	return "memory-" + threadID
}

// AddMemory stores one completed turn in the thread's memory namespace
// for agents with long-term memory enabled.
func (s *Service) AddMemory(ctx context.Context, threadID, userMessage, response string) error {
	collection := memoryCollectionName(threadID)
	if err := s.vectors.EnsureCollection(ctx, collection); err != nil {
		return fmt.Errorf("ensure memory collection: %w", err)
	}
	content := fmt.Sprintf("User: %s\nAssistant: %s", userMessage, response)
	vectors, err := s.embedder.Embed(ctx, []string{content})
	if err != nil {
		return fmt.Errorf("embed memory: %w", err)
	}
	doc := models.VectorDoc{
		ID:      uuid.NewString(),
		Content: content,
		Vector:  vectors[0],
	}
	return s.vectors.Upsert(ctx, collection, []models.VectorDoc{doc})
}

// SearchMemory returns past turns of the thread relevant to the query,
// most similar first.
func (s *Service) SearchMemory(ctx context.Context, threadID, query string, k int) ([]string, error) {
	if k <= 0 {
		k = s.topK
	}
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed memory query: %w", err)
	}
	results, err := s.vectors.Search(ctx, memoryCollectionName(threadID), vectors[0], k, nil)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Doc.Content)
	}
	return out, nil
}

// FormatChunks renders retrieved chunks for prompt injection. Each chunk
// is prefixed with its provenance so the model can cite it.
func FormatChunks(chunks []models.RetrievedChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(fmt.Sprintf("[Page: %d | Source: %s]\n%s", c.Page, c.Source, c.Content))
	}
	return sb.String()
}
