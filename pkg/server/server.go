// Package server provides the public entry point for initializing the
// ConvoDeck backend.
//
// This package exists in pkg/ (not internal/) so that deployment wrappers
// can import it and compose the full server with extra middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/convodeck/convodeck/backend/internal/api"
	"github.com/convodeck/convodeck/backend/internal/api/handlers"
	"github.com/convodeck/convodeck/backend/internal/config"
	"github.com/convodeck/convodeck/backend/internal/dataset"
	"github.com/convodeck/convodeck/backend/internal/dispatch"
	"github.com/convodeck/convodeck/backend/internal/embeddings"
	"github.com/convodeck/convodeck/backend/internal/guardrails"
	"github.com/convodeck/convodeck/backend/internal/history"
	"github.com/convodeck/convodeck/backend/internal/retrieval"
	modelrouter "github.com/convodeck/convodeck/backend/internal/router"
	"github.com/convodeck/convodeck/backend/internal/store"
	"github.com/convodeck/convodeck/backend/internal/telemetry"
	"github.com/convodeck/convodeck/backend/internal/vectorstore"
	"github.com/convodeck/convodeck/backend/internal/workflow"
	"github.com/convodeck/convodeck/backend/pkg/contracts"
)

// Server holds the initialized ConvoDeck backend.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store, exposed for wrappers and tests.
	Store store.Store

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry and closes the store. Call it on
	// graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes all backend components from environment configuration
// and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the backend with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := dataStore.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	log.Info().Str("kind", cfg.Store.Kind).Msg("✅ Store initialized")

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	embedRegistry := embeddings.NewRegistry()
	embedRegistry.Register(embedder.Kind(), embedder)

	vectors, err := newVectorStore(ctx, cfg, embedder.Dimensions())
	if err != nil {
		return nil, err
	}
	vectorRegistry := vectorstore.NewRegistry()
	vectorRegistry.Register(vectors.Kind(), vectors)
	log.Info().Str("backend", cfg.Retrieval.Backend).Str("embeddings", embedder.Kind()).Msg("✅ Retrieval stack initialized")

	retrievalSvc := retrieval.NewService(vectors, embedder, retrieval.ChunkerConfig{
		ChunkSize:    cfg.Retrieval.ChunkSize,
		ChunkOverlap: cfg.Retrieval.ChunkOverlap,
	}, cfg.Retrieval.TopK)

	datasetEngine := dataset.NewEngine(cfg.Uploads.MaxFileBytes)

	mr := modelrouter.NewModelRouter()
	mr.RegisterDriver(modelrouter.NewOpenAIDriver(os.Getenv("OPENAI_API_KEY")))
	mr.RegisterDriver(modelrouter.NewAnthropicDriver(os.Getenv("ANTHROPIC_API_KEY")))
	mr.RegisterDriver(modelrouter.NewOllamaDriver(os.Getenv("OLLAMA_ENDPOINT")))
	log.Info().Strs("providers", mr.ListDrivers()).Msg("✅ Model Router initialized")

	rules, err := guardrails.LoadRulesFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load guardrail rules: %w", err)
	}
	guard, err := guardrails.New(cfg.Workflow.MaxInputChars, rules)
	if err != nil {
		return nil, fmt.Errorf("init guardrails: %w", err)
	}

	wf := workflow.NewEngine(dataStore, mr, retrievalSvc, datasetEngine, guard, workflow.Config{
		TrustThreshold: cfg.Workflow.TrustThreshold,
		MaxQueryRounds: cfg.Workflow.MaxQueryRounds,
		CallTimeout:    time.Duration(cfg.Workflow.CallTimeoutSecs) * time.Second,
	})
	log.Info().Msg("✅ Workflow Engine initialized")

	recorder := history.NewRecorder(dataStore)
	telegram := dispatch.NewTelegramDriver()
	dispatcher := dispatch.NewDispatcher(dataStore, wf, recorder)
	dispatcher.RegisterChannel(telegram)
	dispatcher.RegisterChannel(dispatch.NewAPIDriver())
	dispatcher.RegisterChannel(dispatch.NewWhatsAppDriver())
	log.Info().Msg("✅ Dispatcher initialized")

	h := handlers.New(dataStore, dispatcher, recorder, retrievalSvc, datasetEngine, telegram, cfg)
	router := api.NewRouter(cfg, h)

	shutdown := func(ctx context.Context) error {
		datasetEngine.Close()
		if err := dataStore.Close(); err != nil {
			return err
		}
		return shutdownTelemetry(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func newStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Kind {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		s, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}

func newEmbedder(cfg *config.Config) (contracts.EmbeddingsDriver, error) {
	switch cfg.Retrieval.Embeddings {
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("openai embeddings selected but OPENAI_API_KEY is unset")
		}
		return embeddings.NewOpenAIDriver(key, cfg.Retrieval.EmbeddingsModel), nil
	case "ollama":
		return embeddings.NewOllamaDriver(os.Getenv("OLLAMA_ENDPOINT"), cfg.Retrieval.EmbeddingsModel), nil
	default:
		return nil, fmt.Errorf("unknown embeddings driver %q", cfg.Retrieval.Embeddings)
	}
}

func newVectorStore(ctx context.Context, cfg *config.Config, dimensions int) (contracts.VectorStoreDriver, error) {
	switch cfg.Retrieval.Backend {
	case "embedded":
		return vectorstore.NewEmbeddedStore(), nil
	case "chromem":
		s, err := vectorstore.NewChromemStore(cfg.Retrieval.ChromemPath)
		if err != nil {
			return nil, fmt.Errorf("open chromem store: %w", err)
		}
		return s, nil
	case "pgvector":
		if cfg.Store.PostgresURL == "" {
			return nil, fmt.Errorf("pgvector backend selected but DATABASE_URL is unset")
		}
		s, err := vectorstore.NewPgvectorStore(ctx, cfg.Store.PostgresURL, dimensions)
		if err != nil {
			return nil, fmt.Errorf("open pgvector store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Retrieval.Backend)
	}
}
