// Package config provides environment-driven configuration for stargazer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultPort          = 8974
	DefaultStorePath     = "stargazer.db"
	DefaultVectorPath    = "vector-index"
	DefaultEmbedderModel = "bge-m3"
	DefaultEmbeddingDim  = 1024

	DefaultFTSWeight      = 0.3
	DefaultSemanticWeight = 0.7
	DefaultGraphWeight    = 0.65

	DefaultSyncCronDaily  = "0 2 * * *"
	DefaultSyncCronWeekly = "0 3 * * 0"

	DefaultReadmeMaxChars        = 500
	DefaultSemanticMinSimilarity = 0.6
	DefaultSemanticTopK          = 10
	DefaultEmbedBatchSize        = 10
)

// Config holds the application configuration. All values come from the
// environment; see Load for the recognized keys.
type Config struct {
	Port int

	// Remote code-hosting API
	RemoteToken string

	// Storage
	StorePath  string
	VectorPath string

	// Embedding backend
	EmbedderURL    string
	EmbedderModel  string
	EmbeddingDim   int
	EmbedBatchSize int

	// Retrieval weights
	FTSWeight      float64
	SemanticWeight float64
	GraphWeight    float64

	// Sync schedule (cron expressions)
	SyncCronDaily  string
	SyncCronWeekly string

	// Vectorization
	ReadmeMaxChars        int
	SemanticMinSimilarity float64
	SemanticTopK          int
}

// Load reads configuration from the environment, merging with defaults.
func Load() *Config {
	return &Config{
		Port:                  envInt("PORT", DefaultPort),
		RemoteToken:           os.Getenv("REMOTE_TOKEN"),
		StorePath:             envString("STORE_PATH", DefaultStorePath),
		VectorPath:            envString("VECTOR_PATH", DefaultVectorPath),
		EmbedderURL:           os.Getenv("EMBEDDER_URL"),
		EmbedderModel:         envString("EMBEDDER_MODEL", DefaultEmbedderModel),
		EmbeddingDim:          envInt("EMBEDDING_DIM", DefaultEmbeddingDim),
		EmbedBatchSize:        envInt("EMBED_BATCH_SIZE", DefaultEmbedBatchSize),
		FTSWeight:             envFloat("FTS_WEIGHT", DefaultFTSWeight),
		SemanticWeight:        envFloat("SEMANTIC_WEIGHT", DefaultSemanticWeight),
		GraphWeight:           envFloat("GRAPH_WEIGHT", DefaultGraphWeight),
		SyncCronDaily:         envString("SYNC_CRON_DAILY", DefaultSyncCronDaily),
		SyncCronWeekly:        envString("SYNC_CRON_WEEKLY", DefaultSyncCronWeekly),
		ReadmeMaxChars:        envInt("README_MAX_CHARS", DefaultReadmeMaxChars),
		SemanticMinSimilarity: envFloat("SEMANTIC_MIN_SIMILARITY", DefaultSemanticMinSimilarity),
		SemanticTopK:          envInt("SEMANTIC_TOP_K", DefaultSemanticTopK),
	}
}

// Validate checks mandatory settings and value ranges. A non-nil error is
// fatal to the process.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("STORE_PATH must not be empty")
	}
	if c.VectorPath == "" {
		return fmt.Errorf("VECTOR_PATH must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("EMBEDDING_DIM must be positive: %d", c.EmbeddingDim)
	}
	if c.FTSWeight < 0 || c.SemanticWeight < 0 || c.GraphWeight < 0 ||
		c.FTSWeight > 1 || c.SemanticWeight > 1 || c.GraphWeight > 1 {
		return fmt.Errorf("retrieval weights must be within [0, 1]")
	}
	if c.SemanticMinSimilarity < 0 || c.SemanticMinSimilarity > 1 {
		return fmt.Errorf("SEMANTIC_MIN_SIMILARITY must be within [0, 1]: %v", c.SemanticMinSimilarity)
	}
	if c.ReadmeMaxChars <= 0 {
		return fmt.Errorf("README_MAX_CHARS must be positive: %d", c.ReadmeMaxChars)
	}
	return nil
}

// VectorDBPath returns the path of the vector index database file under the
// configured vector directory.
func (c *Config) VectorDBPath() string {
	return filepath.Join(c.VectorPath, "vectors.db")
}

// ReadmeCachePath returns the on-disk README cache directory.
func (c *Config) ReadmeCachePath() string {
	return filepath.Join(c.VectorPath, "readme-cache")
}

// EnsureDirs creates the directories the service writes to.
func (c *Config) EnsureDirs() error {
	if dir := filepath.Dir(c.StorePath); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}
	if err := os.MkdirAll(c.VectorPath, 0750); err != nil {
		return fmt.Errorf("create vector dir: %w", err)
	}
	if err := os.MkdirAll(c.ReadmeCachePath(), 0750); err != nil {
		return fmt.Errorf("create readme cache dir: %w", err)
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
