package vectorstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"github.com/convodeck/convodeck/backend/pkg/models"
)

// ChromemStore persists collections on disk via chromem-go. Vectors are
// computed upstream by the embeddings driver, so chromem's own embedding
// function is never invoked.
type ChromemStore struct {
	mu sync.RWMutex
	db *chromem.DB
}

// NewChromemStore opens (or creates) the persistent store at dir.
func NewChromemStore(dir string) (*ChromemStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create vectorstore dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vectorstore: %w", err)
	}
	log.Info().Str("dir", dir).Msg("Chromem vector store opened")
	return &ChromemStore{db: db}, nil
}

func (s *ChromemStore) Kind() string { return "chromem" }

// noEmbed guards against accidental in-store embedding. All documents
// arrive with vectors already attached.
func noEmbed(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("chromem store expects precomputed embeddings")
}

func (s *ChromemStore) collection(name string) (*chromem.Collection, error) {
	return s.db.GetOrCreateCollection(name, nil, noEmbed)
}

func (s *ChromemStore) EnsureCollection(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.collection(collection)
	if err != nil {
		return fmt.Errorf("ensure collection %s: %w", collection, err)
	}
	return nil
}

func (s *ChromemStore) Upsert(ctx context.Context, collection string, docs []models.VectorDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.collection(collection)
	if err != nil {
		return fmt.Errorf("get collection: %w", err)
	}

	for _, d := range docs {
		doc := chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Metadata:  d.Metadata,
			Embedding: toFloat32(d.Vector),
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document %s: %w", d.ID, err)
		}
	}
	return nil
}

func (s *ChromemStore) Search(ctx context.Context, collection string, vector []float64, topK int, filter map[string]string) ([]models.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, err := s.collection(collection)
	if err != nil {
		return nil, fmt.Errorf("get collection: %w", err)
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := col.QueryEmbedding(ctx, toFloat32(vector), topK, filter, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	out := make([]models.SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, models.SearchResult{
			Doc: models.VectorDoc{
				ID:         r.ID,
				Collection: collection,
				Content:    r.Content,
				Metadata:   r.Metadata,
				Vector:     toFloat64(r.Embedding),
				CreatedAt:  time.Time{},
			},
			Score: float64(r.Similarity),
		})
	}
	return out, nil
}

func (s *ChromemStore) DeleteWhere(ctx context.Context, collection string, filter map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.collection(collection)
	if err != nil {
		return fmt.Errorf("get collection: %w", err)
	}
	if err := col.Delete(ctx, filter, nil); err != nil {
		return fmt.Errorf("delete from collection: %w", err)
	}
	return nil
}

func (s *ChromemStore) Count(_ context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, err := s.collection(collection)
	if err != nil {
		return 0, fmt.Errorf("get collection: %w", err)
	}
	return col.Count(), nil
}

func (s *ChromemStore) HealthCheck(_ context.Context) error { return nil }

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
