package config

import (
	"os"
	"strconv"
)

// Config holds all configuration for the ConvoDeck backend.
type Config struct {
	Port      int
	Version   string
	Store     StoreConfig
	Retrieval RetrievalConfig
	Uploads   UploadConfig
	Workflow  WorkflowConfig
	Telemetry TelemetryConfig
}

type StoreConfig struct {
	// Kind selects the store backend: "memory" (snapshot-persisted) or "sqlite".
	Kind    string
	DataDir string
	// SQLitePath is the database file for Kind=sqlite.
	SQLitePath string
	// PostgresURL is used by the pgvector vector store backend.
	PostgresURL string
}

type RetrievalConfig struct {
	// Backend selects the vector store driver: "embedded", "chromem", "pgvector".
	Backend string
	// ChromemPath is the persistence directory for the chromem backend.
	ChromemPath string
	// Embeddings selects the embedding driver: "openai" or "ollama".
	Embeddings      string
	EmbeddingsModel string
	TopK            int
	ChunkSize       int
	ChunkOverlap    int
}

type UploadConfig struct {
	// MaxFileBytes caps document and dataset uploads (default 10 MB).
	MaxFileBytes int64
	// FileDir is where uploaded dataset files are kept.
	FileDir string
}

type WorkflowConfig struct {
	// TrustThreshold is the default escalation cutoff for customer-service agents.
	TrustThreshold int
	// MaxQueryRounds bounds the dataset-query loop.
	MaxQueryRounds int
	// CallTimeoutSecs is the per-model-call timeout.
	CallTimeoutSecs int
	// MaxInputChars rejects user messages longer than this.
	MaxInputChars int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("CONVODECK_PORT", 8080),
		Version: envStr("CONVODECK_VERSION", "0.2.0"),
		Store: StoreConfig{
			Kind:        envStr("CONVODECK_STORE", "memory"),
			DataDir:     envStr("CONVODECK_DATA_DIR", ""),
			SQLitePath:  envStr("CONVODECK_SQLITE_PATH", "convodeck.db"),
			PostgresURL: envStr("DATABASE_URL", ""),
		},
		Retrieval: RetrievalConfig{
			Backend:         envStr("CONVODECK_VECTOR_BACKEND", "embedded"),
			ChromemPath:     envStr("CONVODECK_CHROMEM_PATH", "vectors"),
			Embeddings:      envStr("CONVODECK_EMBEDDINGS", defaultEmbeddings()),
			EmbeddingsModel: envStr("CONVODECK_EMBEDDINGS_MODEL", ""),
			TopK:            envInt("CONVODECK_RETRIEVAL_TOP_K", 4),
			ChunkSize:       envInt("CONVODECK_CHUNK_SIZE", 512),
			ChunkOverlap:    envInt("CONVODECK_CHUNK_OVERLAP", 50),
		},
		Uploads: UploadConfig{
			MaxFileBytes: int64(envInt("CONVODECK_MAX_FILE_MB", 10)) << 20,
			FileDir:      envStr("CONVODECK_FILE_DIR", "uploads"),
		},
		Workflow: WorkflowConfig{
			TrustThreshold:  envInt("CONVODECK_TRUST_THRESHOLD", 50),
			MaxQueryRounds:  envInt("CONVODECK_MAX_QUERY_ROUNDS", 5),
			CallTimeoutSecs: envInt("CONVODECK_CALL_TIMEOUT_SECS", 60),
			MaxInputChars:   envInt("CONVODECK_MAX_INPUT_CHARS", 1000),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "convodeck-backend"),
		},
	}
}

// defaultEmbeddings prefers OpenAI when a key is present, otherwise a
// local Ollama instance.
func defaultEmbeddings() string {
	if os.Getenv("OPENAI_API_KEY") != "" {
		return "openai"
	}
	return "ollama"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
