package grounded

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the grounded engine. Values come from
// DefaultConfig, optionally overlaid by a JSON config file, then by
// environment variables.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	DBPath string `json:"db_path" env:"DATABASE_PATH"`

	// StorageRoot is the directory holding raw source payloads, one file
	// per source id.
	StorageRoot string `json:"storage_root" env:"STORAGE_ROOT"`

	// Provider selects the AI backend: "real" (OpenAI-compatible) or
	// "fake" (deterministic, for tests and offline runs).
	Provider string `json:"ai_provider" env:"AI_PROVIDER"`

	// OpenAI-compatible endpoint settings, used when Provider is "real".
	OpenAIBaseURL    string `json:"openai_base_url" env:"OPENAI_BASE_URL"`
	OpenAIAPIKey     string `json:"openai_api_key" env:"OPENAI_API_KEY"`
	OpenAIModel      string `json:"openai_model" env:"OPENAI_MODEL"`
	OpenAIEmbedModel string `json:"openai_embed_model" env:"OPENAI_EMBED_MODEL"`

	// Chunking
	ChunkCharTarget  int `json:"chunk_char_target" env:"CHUNK_CHAR_TARGET"`
	ChunkCharOverlap int `json:"chunk_char_overlap" env:"CHUNK_CHAR_OVERLAP"`

	// Retrieval
	MaxChunksPerQuery       int     `json:"max_chunks_per_query" env:"MAX_CHUNKS_PER_QUERY"`
	RerankEnabled           bool    `json:"rerank_enabled" env:"RERANK_ENABLED"`
	RerankCandidates        int     `json:"rerank_candidates" env:"RERANK_CANDIDATES"`
	RerankSnippetChars      int     `json:"rerank_snippet_chars" env:"RERANK_SNIPPET_CHARS"`
	MMREnabled              bool    `json:"mmr_enabled" env:"MMR_ENABLED"`
	MMRLambda               float64 `json:"mmr_lambda" env:"MMR_LAMBDA"`
	MMRCandidates           int     `json:"mmr_candidates" env:"MMR_CANDIDATES"`
	PerSourceRetrievalLimit int     `json:"per_source_retrieval_limit" env:"PER_SOURCE_RETRIEVAL_LIMIT"`

	// Embedding
	EmbedDim       int `json:"embed_dim" env:"EMBED_DIM"`
	EmbedBatchSize int `json:"embed_batch_size" env:"EMBED_BATCH_SIZE"`

	// Ingestion caps
	MaxPDFBytes  int64 `json:"max_pdf_bytes" env:"MAX_PDF_BYTES"`
	MaxPDFPages  int   `json:"max_pdf_pages" env:"MAX_PDF_PAGES"`
	MaxURLBytes  int64 `json:"max_url_bytes" env:"MAX_URL_BYTES"`
	MaxTextBytes int64 `json:"max_text_bytes" env:"MAX_TEXT_BYTES"`

	// URLAllowlist restricts URL sources to the listed hosts. Entries may
	// be exact hosts or "*.domain" wildcards. Empty means any public host.
	URLAllowlist []string `json:"url_allowlist" env:"URL_ALLOWLIST" envSeparator:","`

	// Worker pool
	WorkerConcurrency       int           `json:"worker_concurrency" env:"WORKER_CONCURRENCY"`
	WorkerQueueDepth        int           `json:"worker_queue_depth" env:"WORKER_QUEUE_DEPTH"`
	WorkerMaxRetries        int           `json:"worker_max_retries" env:"WORKER_MAX_RETRIES"`
	WorkerTaskSoftTimeLimit time.Duration `json:"worker_task_soft_time_limit" env:"WORKER_TASK_SOFT_TIME_LIMIT"`
	WorkerTaskTimeLimit     time.Duration `json:"worker_task_time_limit" env:"WORKER_TASK_TIME_LIMIT"`

	// Server
	ListenAddr     string        `json:"listen_addr" env:"LISTEN_ADDR"`
	APIKey         string        `json:"api_key" env:"API_KEY"`
	RequestTimeout time.Duration `json:"request_timeout" env:"REQUEST_TIMEOUT"`
	MetricsEnabled bool          `json:"metrics_enabled" env:"METRICS_ENABLED"`

	// Debug turns on strict citation validation and verbose logging.
	Debug bool `json:"debug" env:"DEBUG"`
}

// DefaultConfig returns a Config with the documented defaults. The fake
// provider is the default so a fresh checkout works offline.
func DefaultConfig() Config {
	return Config{
		DBPath:                  "grounded.db",
		StorageRoot:             "storage",
		Provider:                "fake",
		OpenAIBaseURL:           "https://api.openai.com/v1",
		OpenAIModel:             "gpt-4o-mini",
		OpenAIEmbedModel:        "text-embedding-3-small",
		ChunkCharTarget:         5000,
		ChunkCharOverlap:        800,
		MaxChunksPerQuery:       8,
		RerankEnabled:           true,
		RerankCandidates:        30,
		RerankSnippetChars:      900,
		MMREnabled:              true,
		MMRLambda:               0.7,
		MMRCandidates:           30,
		PerSourceRetrievalLimit: 0,
		EmbedDim:                1536,
		EmbedBatchSize:          64,
		MaxPDFBytes:             25_000_000,
		MaxPDFPages:             300,
		MaxURLBytes:             2_000_000,
		MaxTextBytes:            2_000_000,
		WorkerConcurrency:       2,
		WorkerQueueDepth:        64,
		WorkerMaxRetries:        3,
		WorkerTaskSoftTimeLimit: 4 * time.Minute,
		WorkerTaskTimeLimit:     5 * time.Minute,
		ListenAddr:              ":8080",
		RequestTimeout:          60 * time.Second,
		MetricsEnabled:          true,
	}
}

// LoadConfig builds the effective config: defaults, then the JSON file at
// path (if path is non-empty and the file exists), then environment
// variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("%w: reading %s: %v", ErrInvalidConfig, path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise fail deep inside the pipeline.
func (c *Config) Validate() error {
	if c.Provider != "real" && c.Provider != "fake" {
		return fmt.Errorf("%w: ai_provider must be \"real\" or \"fake\", got %q", ErrInvalidConfig, c.Provider)
	}
	if c.EmbedDim <= 0 {
		return fmt.Errorf("%w: embed_dim must be positive", ErrInvalidConfig)
	}
	if c.ChunkCharTarget <= 0 {
		return fmt.Errorf("%w: chunk_char_target must be positive", ErrInvalidConfig)
	}
	if c.ChunkCharOverlap < 0 || c.ChunkCharOverlap >= c.ChunkCharTarget {
		return fmt.Errorf("%w: chunk_char_overlap must be in [0, chunk_char_target)", ErrInvalidConfig)
	}
	if c.MaxChunksPerQuery <= 0 {
		return fmt.Errorf("%w: max_chunks_per_query must be positive", ErrInvalidConfig)
	}
	if c.MMRLambda < 0 || c.MMRLambda > 1 {
		return fmt.Errorf("%w: mmr_lambda must be in [0,1]", ErrInvalidConfig)
	}
	if c.EmbedBatchSize <= 0 {
		return fmt.Errorf("%w: embed_batch_size must be positive", ErrInvalidConfig)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("%w: worker_concurrency must be positive", ErrInvalidConfig)
	}
	return nil
}
