package retrieval

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/convodeck/convodeck/backend/internal/vectorstore"
	"github.com/convodeck/convodeck/backend/pkg/models"
)

// fakeEmbedder maps each text to a deterministic 3-dim vector derived
// from its first rune, so similar prefixes land close together.
type fakeEmbedder struct{}

func (fakeEmbedder) Kind() string    { return "fake" }
func (fakeEmbedder) Dimensions() int { return 3 }
func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		r, _ := utf8.DecodeRuneInString(t)
		out[i] = []float64{float64(r % 7), float64(r % 5), float64(r % 3)}
	}
	return out, nil
}
func (fakeEmbedder) HealthCheck(_ context.Context) error { return nil }

func newTestService() *Service {
	return NewService(vectorstore.NewEmbeddedStore(), fakeEmbedder{}, DefaultChunkerConfig(), 4)
}

func TestChunkTextShortPassesThrough(t *testing.T) {
	chunks := ChunkText("short text", DefaultChunkerConfig())
	if len(chunks) != 1 || chunks[0].Text != "short text" {
		t.Fatalf("chunks = %+v", chunks)
	}
}

func TestChunkTextSplitsAndOverlaps(t *testing.T) {
	cfg := ChunkerConfig{ChunkSize: 50, ChunkOverlap: 10, Separator: "\n\n"}
	paras := []string{
		strings.Repeat("alpha ", 8),
		strings.Repeat("bravo ", 8),
		strings.Repeat("charlie ", 8),
	}
	chunks := ChunkText(strings.Join(paras, "\n\n"), cfg)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
	}
	// Overlap: a later chunk starts with the tail of its predecessor.
	tail := overlapTail(chunks[0].Text, cfg.ChunkOverlap)
	if !strings.Contains(chunks[1].Text, strings.TrimSpace(tail)) {
		t.Errorf("chunk 1 missing overlap tail %q", tail)
	}
}

func TestChunkTextNoSeparatorFallsBackToRunes(t *testing.T) {
	text := strings.Repeat("x", 1200)
	chunks := ChunkText(text, ChunkerConfig{ChunkSize: 500})
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for _, c := range chunks {
		if utf8.RuneCountInString(c.Text) > 500 {
			t.Errorf("chunk exceeds size: %d runes", utf8.RuneCountInString(c.Text))
		}
	}
}

func TestAddSearchDeleteRoundTrip(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	n, err := s.AddDocument(ctx, "a1", "d1", "faq.txt", []Page{{Number: 1, Text: "alpha content here"}})
	if err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if n != 1 {
		t.Fatalf("chunks = %d, want 1", n)
	}

	chunks, err := s.Search(ctx, "a1", "alpha question")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("no results for ingested document")
	}
	if chunks[0].Source != "faq.txt" || chunks[0].Page != 1 {
		t.Errorf("provenance lost: %+v", chunks[0])
	}

	if err := s.DeleteDocument(ctx, "a1", "d1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	count, _ := s.Count(ctx, "a1")
	if count != 0 {
		t.Errorf("count after delete = %d, want 0", count)
	}
}

func TestDeleteDocumentLeavesOthers(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	s.AddDocument(ctx, "a1", "d1", "one.txt", []Page{{Number: 1, Text: "first document"}})
	s.AddDocument(ctx, "a1", "d2", "two.txt", []Page{{Number: 1, Text: "second document"}})

	if err := s.DeleteDocument(ctx, "a1", "d1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	count, _ := s.Count(ctx, "a1")
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestInitCollectionIdempotent(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	if err := s.InitCollection(ctx, "a1"); err != nil {
		t.Fatalf("InitCollection: %v", err)
	}
	s.AddDocument(ctx, "a1", "d1", "one.txt", []Page{{Number: 1, Text: "content"}})

	// Re-initializing must not clear existing chunks.
	if err := s.InitCollection(ctx, "a1"); err != nil {
		t.Fatalf("InitCollection (2nd): %v", err)
	}
	count, _ := s.Count(ctx, "a1")
	if count != 1 {
		t.Errorf("count after re-init = %d, want 1", count)
	}
}

func TestAddDocumentRejectsEmpty(t *testing.T) {
	s := newTestService()
	_, err := s.AddDocument(context.Background(), "a1", "d1", "empty.txt", []Page{{Number: 1, Text: "   "}})
	if err == nil {
		t.Fatal("empty document accepted")
	}
	if _, ok := err.(*models.ValidationError); !ok {
		t.Errorf("expected *models.ValidationError, got %T", err)
	}
}

func TestExactQueryCacheHitAndMiss(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	if _, ok, err := s.ExactQuery(ctx, "a1", "what are your hours?"); err != nil || ok {
		t.Fatalf("expected miss on empty cache, ok=%v err=%v", ok, err)
	}

	if err := s.CacheAnswer(ctx, "a1", "What are your HOURS?", "We are open 9-5."); err != nil {
		t.Fatalf("CacheAnswer: %v", err)
	}

	// Lookup is case and whitespace insensitive.
	answer, ok, err := s.ExactQuery(ctx, "a1", "  what are  your hours?")
	if err != nil {
		t.Fatalf("ExactQuery: %v", err)
	}
	if !ok || answer != "We are open 9-5." {
		t.Errorf("got (%q, %v)", answer, ok)
	}

	// Cached answers never leak into document search.
	count, _ := s.Count(ctx, "a1")
	if count != 0 {
		t.Errorf("document chunk count = %d, want 0", count)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	if err := s.AddMemory(ctx, "a1:u1", "where is my order", "it ships tomorrow"); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}

	got, err := s.SearchMemory(ctx, "a1:u1", "where is my order", 3)
	if err != nil {
		t.Fatalf("SearchMemory: %v", err)
	}
	if len(got) != 1 || !strings.Contains(got[0], "it ships tomorrow") {
		t.Errorf("memory = %v", got)
	}

	// Memory is scoped per thread.
	other, err := s.SearchMemory(ctx, "a1:u2", "order", 3)
	if err != nil {
		t.Fatalf("SearchMemory (other thread): %v", err)
	}
	if len(other) != 0 {
		t.Errorf("memory leaked across threads: %v", other)
	}
}

func TestFormatChunks(t *testing.T) {
	got := FormatChunks([]models.RetrievedChunk{
		{Content: "hello", Source: "faq.txt", Page: 2},
		{Content: "world", Source: "guide.pdf", Page: 7},
	})
	if !strings.Contains(got, "[Page: 2 | Source: faq.txt]\nhello") {
		t.Errorf("missing first chunk header:\n%s", got)
	}
	if !strings.Contains(got, "[Page: 7 | Source: guide.pdf]\nworld") {
		t.Errorf("missing second chunk header:\n%s", got)
	}
	if FormatChunks(nil) != "" {
		t.Error("empty chunks should format to empty string")
	}
}
