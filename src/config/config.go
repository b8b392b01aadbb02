// Package config loads the memory layer configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	"github.com/Protocol-Lattice/go-recall/src/memory/model"
)

// Prefix is the environment variable prefix, e.g. MEMORY_STORE_BACKEND.
const Prefix = "MEMORY"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendNeo4j    = "neo4j"
	BackendMongo    = "mongo"
)

// Budget units for the injected context block.
const (
	UnitChars  = "chars"
	UnitTokens = "tokens"
)

// Config holds every knob of the memory layer. Secrets (API keys, DSNs,
// passwords) are read here and never logged.
type Config struct {
	// Embedding provider
	EmbedProvider   string        `envconfig:"EMBED_PROVIDER" default:"openai"`
	EmbedModel      string        `envconfig:"EMBED_MODEL" default:"text-embedding-3-small"`
	EmbedDimensions int           `envconfig:"EMBED_DIMENSIONS" default:"1536"`
	EmbedMaxChars   int           `envconfig:"EMBED_MAX_CHARS" default:"8000"`
	EmbedTimeout    time.Duration `envconfig:"EMBED_TIMEOUT" default:"15s"`
	EmbedRetries    int           `envconfig:"EMBED_RETRIES" default:"3"`
	EmbedBaseURL    string        `envconfig:"EMBED_BASE_URL" default:""`
	EmbedAPIKey     string        `envconfig:"EMBED_API_KEY" default:""`

	// Consolidation
	MergeThreshold    float64 `envconfig:"MERGE_THRESHOLD" default:"0.90"`
	ConflictThreshold float64 `envconfig:"CONFLICT_THRESHOLD" default:"0.60"`
	NeighbourK        int     `envconfig:"NEIGHBOUR_K" default:"5"`

	// Retrieval and injection
	RetrievalK     int     `envconfig:"RETRIEVAL_K" default:"5"`
	MinScore       float64 `envconfig:"MIN_SCORE" default:"0.30"`
	ContextBudget  int     `envconfig:"CONTEXT_BUDGET" default:"2000"`
	ContextUnit    string  `envconfig:"CONTEXT_UNIT" default:"chars"`
	ContextFormat  string  `envconfig:"CONTEXT_FORMAT" default:"list"`
	ContextHeader  string  `envconfig:"CONTEXT_HEADER" default:""`
	SystemTemplate string  `envconfig:"SYSTEM_TEMPLATE" default:""`

	// Store
	StoreBackend        string        `envconfig:"STORE_BACKEND" default:"memory"`
	StoreTimeout        time.Duration `envconfig:"STORE_TIMEOUT" default:"5s"`
	StoreConflictRetry  int           `envconfig:"STORE_CONFLICT_RETRIES" default:"5"`
	StoreLockLease      time.Duration `envconfig:"STORE_LOCK_LEASE" default:"30s"`
	PostgresDSN         string        `envconfig:"POSTGRES_DSN" default:""`
	Neo4jURI            string        `envconfig:"NEO4J_URI" default:""`
	Neo4jUser           string        `envconfig:"NEO4J_USER" default:"neo4j"`
	Neo4jPassword       string        `envconfig:"NEO4J_PASSWORD" default:""`
	Neo4jDatabase       string        `envconfig:"NEO4J_DATABASE" default:"neo4j"`
	MongoURI            string        `envconfig:"MONGO_URI" default:""`
	MongoDatabase       string        `envconfig:"MONGO_DATABASE" default:"recall"`
	MongoCollection     string        `envconfig:"MONGO_COLLECTION" default:"memories"`
	MongoVectorIndex    string        `envconfig:"MONGO_VECTOR_INDEX" default:"memory_vector_index"`

	// Optional text -> text model for extraction, merging and contradiction checks.
	LLMProvider string `envconfig:"LLM_PROVIDER" default:""`
	LLMModel    string `envconfig:"LLM_MODEL" default:""`
	LLMAPIKey   string `envconfig:"LLM_API_KEY" default:""`
	LLMBaseURL  string `envconfig:"LLM_BASE_URL" default:""`

	// Extraction
	Extractor      string `envconfig:"EXTRACTOR" default:"user_turns"`
	ExtractCycles  int    `envconfig:"EXTRACT_CYCLES" default:"4"`
	ExtractMinChar int    `envconfig:"EXTRACT_MIN_CHARS" default:"8"`
	Contradiction  string `envconfig:"CONTRADICTION" default:"heuristic"`
	Merger         string `envconfig:"MERGER" default:"append"`

	// Ingestion
	IngestParallelism int           `envconfig:"INGEST_PARALLELISM" default:"4"`
	AsyncIngest       bool          `envconfig:"ASYNC_INGEST" default:"false"`
	AsyncTimeout      time.Duration `envconfig:"ASYNC_TIMEOUT" default:"60s"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("%w: process environment: %v", model.ErrInvalidConfig, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration obtained with an empty environment.
func Default() *Config {
	return &Config{
		EmbedProvider:      "openai",
		EmbedModel:         "text-embedding-3-small",
		EmbedDimensions:    1536,
		EmbedMaxChars:      8000,
		EmbedTimeout:       15 * time.Second,
		EmbedRetries:       3,
		MergeThreshold:     0.90,
		ConflictThreshold:  0.60,
		NeighbourK:         5,
		RetrievalK:         5,
		MinScore:           0.30,
		ContextBudget:      2000,
		ContextUnit:        UnitChars,
		ContextFormat:      "list",
		StoreBackend:       BackendMemory,
		StoreTimeout:       5 * time.Second,
		StoreConflictRetry: 5,
		StoreLockLease:     30 * time.Second,
		Neo4jUser:          "neo4j",
		Neo4jDatabase:      "neo4j",
		MongoDatabase:      "recall",
		MongoCollection:    "memories",
		MongoVectorIndex:   "memory_vector_index",
		Extractor:          "user_turns",
		ExtractCycles:      4,
		ExtractMinChar:     8,
		Contradiction:      "heuristic",
		Merger:             "append",
		IngestParallelism:  4,
		AsyncTimeout:       60 * time.Second,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// NewForTesting returns a config backed by the in-process store and the
// offline hash embedder.
func NewForTesting() *Config {
	cfg := Default()
	cfg.EmbedProvider = "hash"
	cfg.EmbedModel = "hash-256"
	cfg.EmbedDimensions = 256
	cfg.MergeThreshold = 0.85
	cfg.ConflictThreshold = 0.30
	cfg.MinScore = 0.10
	cfg.LogLevel = "disabled"
	return cfg
}

func (c *Config) normalize() {
	c.EmbedProvider = strings.ToLower(strings.TrimSpace(c.EmbedProvider))
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.ContextUnit = strings.ToLower(strings.TrimSpace(c.ContextUnit))
	c.ContextFormat = strings.ToLower(strings.TrimSpace(c.ContextFormat))
	c.Extractor = strings.ToLower(strings.TrimSpace(c.Extractor))
	c.LLMProvider = strings.ToLower(strings.TrimSpace(c.LLMProvider))
	c.Contradiction = strings.ToLower(strings.TrimSpace(c.Contradiction))
	c.Merger = strings.ToLower(strings.TrimSpace(c.Merger))
}

// Validate rejects malformed configuration. Every error wraps model.ErrInvalidConfig.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", model.ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if !(c.ConflictThreshold > 0 && c.ConflictThreshold <= c.MergeThreshold && c.MergeThreshold <= 1) {
		return invalid("thresholds must satisfy 0 < conflict (%.3f) <= merge (%.3f) <= 1", c.ConflictThreshold, c.MergeThreshold)
	}
	if c.MinScore < -1 || c.MinScore > 1 {
		return invalid("min score %.3f out of range [-1,1]", c.MinScore)
	}
	if c.EmbedDimensions <= 0 {
		return invalid("embedding dimensions must be positive")
	}
	if strings.TrimSpace(c.EmbedModel) == "" {
		return invalid("embedding model is required")
	}
	if c.NeighbourK <= 0 || c.RetrievalK <= 0 {
		return invalid("neighbour k and retrieval k must be positive")
	}
	if c.ContextBudget <= 0 {
		return invalid("context budget must be positive")
	}
	if c.EmbedRetries < 0 || c.StoreConflictRetry < 0 {
		return invalid("retry counts must not be negative")
	}
	if c.IngestParallelism <= 0 {
		return invalid("ingest parallelism must be positive")
	}
	switch c.ContextUnit {
	case UnitChars, UnitTokens:
	default:
		return invalid("unsupported context unit %q", c.ContextUnit)
	}
	switch c.ContextFormat {
	case "list", "toon":
	default:
		return invalid("unsupported context format %q", c.ContextFormat)
	}
	switch c.EmbedProvider {
	case "openai", "ollama", "gemini", "voyage", "fastembed", "hash":
	default:
		return invalid("unsupported embed provider %q", c.EmbedProvider)
	}
	switch c.Extractor {
	case "user_turns":
	case "cycles":
		if c.ExtractCycles <= 0 {
			return invalid("extract cycles must be positive")
		}
	case "llm":
		if c.LLMProvider == "" {
			return invalid("llm extractor requires MEMORY_LLM_PROVIDER")
		}
	default:
		return invalid("unsupported extractor %q", c.Extractor)
	}
	if (c.Contradiction == "llm" || c.Merger == "llm") && c.LLMProvider == "" {
		return invalid("llm contradiction detection or merging requires MEMORY_LLM_PROVIDER")
	}
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return invalid("postgres backend requires MEMORY_POSTGRES_DSN")
		}
	case BackendNeo4j:
		if c.Neo4jURI == "" {
			return invalid("neo4j backend requires MEMORY_NEO4J_URI")
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return invalid("mongo backend requires MEMORY_MONGO_URI")
		}
	default:
		return invalid("unsupported store backend %q", c.StoreBackend)
	}
	return nil
}

// Log writes the effective configuration, reporting secrets only as present or absent.
func (c *Config) Log(log zerolog.Logger) {
	log.Info().
		Str("embed_provider", c.EmbedProvider).
		Str("embed_model", c.EmbedModel).
		Int("embed_dimensions", c.EmbedDimensions).
		Bool("embed_api_key_present", c.EmbedAPIKey != "").
		Float64("merge_threshold", c.MergeThreshold).
		Float64("conflict_threshold", c.ConflictThreshold).
		Int("retrieval_k", c.RetrievalK).
		Float64("min_score", c.MinScore).
		Int("context_budget", c.ContextBudget).
		Str("context_unit", c.ContextUnit).
		Str("store_backend", c.StoreBackend).
		Bool("postgres_dsn_present", c.PostgresDSN != "").
		Bool("neo4j_password_present", c.Neo4jPassword != "").
		Bool("mongo_uri_present", c.MongoURI != "").
		Str("llm_provider", c.LLMProvider).
		Bool("llm_api_key_present", c.LLMAPIKey != "").
		Str("extractor", c.Extractor).
		Bool("async_ingest", c.AsyncIngest).
		Msg("configuration loaded")
}
