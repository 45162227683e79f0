package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"groundedqa/internal/domain"
)

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ChunkerConfig configures how documents are split into chunks. Sizes are in
// runes.
type ChunkerConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// OpenAIConfig holds connection details for an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`
}

// OllamaConfig holds connection details for an Ollama server. An empty Host
// falls back to OLLAMA_HOST.
type OllamaConfig struct {
	Host  string `yaml:"host"`
	Model string `yaml:"model"`
}

// RetryConfig bounds retries against remote services.
type RetryConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	TimeoutSecs    int `yaml:"timeout_secs"`
	InitialDelayMs int `yaml:"initial_delay_ms"`
	MaxDelayMs     int `yaml:"max_delay_ms"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type string `yaml:"type"`
	// ModelID is the embedding model identifier the index is bound to.
	ModelID   string        `yaml:"embedding_model_id"`
	Dimension int           `yaml:"dimension"`
	BatchSize int           `yaml:"batch_size"`
	OpenAI    *OpenAIConfig `yaml:"openai,omitempty"`
	Ollama    *OllamaConfig `yaml:"ollama,omitempty"`
	Retry     RetryConfig   `yaml:"retry"`
}

// IndexConfig selects and configures the vector index implementation.
type IndexConfig struct {
	Type   string        `yaml:"type"`
	Path   string        `yaml:"path"`
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty"`
}

// QdrantConfig contains connection details for a Qdrant server.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKeyEnv  string `yaml:"api_key_env"`
	UseTLS     bool   `yaml:"use_tls"`
	Collection string `yaml:"collection"`
}

// RetrievalConfig tunes similarity search.
type RetrievalConfig struct {
	TopK                int     `yaml:"top_k_retrieval"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	Oversample          int     `yaml:"oversample"`
	DedupWindow         int     `yaml:"dedup_window"`
	Rerank              bool    `yaml:"rerank"`
}

// GeneratorConfig selects the answer generation backend and prompt budget.
type GeneratorConfig struct {
	Type               string        `yaml:"type"`
	SystemPrompt       string        `yaml:"system_prompt"`
	MaxContextLength   int           `yaml:"max_context_length"`
	PromptHistoryTurns int           `yaml:"prompt_history_turns"`
	Temperature        float64       `yaml:"temperature"`
	MaxTokens          int           `yaml:"max_tokens"`
	Stream             bool          `yaml:"stream"`
	MaxSentences       int           `yaml:"max_sentences"`
	OpenAI             *OpenAIConfig `yaml:"openai,omitempty"`
	Ollama             *OllamaConfig `yaml:"ollama,omitempty"`
	Retry              RetryConfig   `yaml:"retry"`
}

// ConversationConfig bounds per-session memory.
type ConversationConfig struct {
	MaxTurns           int    `yaml:"max_conversation_turns"`
	ContextualizeTurns int    `yaml:"contextualize_turns"`
	TranscriptPath     string `yaml:"transcript_path"`
	MaxSessions        int    `yaml:"max_sessions"` // sessions held in memory
}

// IngestConfig controls corpus ingestion.
type IngestConfig struct {
	Workers          int    `yaml:"workers"`
	MaxDocumentBytes int64  `yaml:"max_document_bytes"`
	ExtractorURL     string `yaml:"extractor_url"`
	DebounceMs       int    `yaml:"debounce_ms"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Chunker      ChunkerConfig      `yaml:"chunker"`
	Embedder     EmbedderConfig     `yaml:"embedder"`
	Index        IndexConfig        `yaml:"index"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Generator    GeneratorConfig    `yaml:"generator"`
	Conversation ConversationConfig `yaml:"conversation"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Server       ServerConfig       `yaml:"server"`
}

// DefaultSystemPrompt instructs the model to stay within the numbered evidence.
const DefaultSystemPrompt = `You answer questions using only the numbered evidence passages provided.
Cite every claim with the marker of the passage that supports it, for example [1] or [2, 3].
If the evidence does not contain the answer, say so plainly instead of guessing.`

// Load reads a config from a specified path. If the file does not exist,
// returns defaults. Environment overrides are applied last.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := defaultConfig()
			if err := applyEnvOverrides(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrConfiguration, path, err)
	}
	applyConfigDefaults(cfg)
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/groundedqa/config.yaml.
// If neither exists, it writes defaults to the user path and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate rejects parameter combinations the pipeline cannot honour.
// Nothing is clamped.
func (c *AppConfig) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Chunker.ChunkSize <= 0 {
		add("chunk_size must be > 0, got %d", c.Chunker.ChunkSize)
	}
	if c.Chunker.ChunkOverlap < 0 || c.Chunker.ChunkOverlap >= c.Chunker.ChunkSize {
		add("chunk_overlap must satisfy 0 <= overlap < chunk_size, got %d", c.Chunker.ChunkOverlap)
	}
	if c.Retrieval.TopK <= 0 {
		add("top_k_retrieval must be > 0, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.SimilarityThreshold < 0 || c.Retrieval.SimilarityThreshold > 1 {
		add("similarity_threshold must be within [0,1], got %g", c.Retrieval.SimilarityThreshold)
	}
	if c.Retrieval.Oversample < 1 {
		add("oversample must be >= 1, got %d", c.Retrieval.Oversample)
	}
	if c.Retrieval.DedupWindow < 0 {
		add("dedup_window must be >= 0, got %d", c.Retrieval.DedupWindow)
	}
	if c.Generator.MaxContextLength <= 0 {
		add("max_context_length must be > 0, got %d", c.Generator.MaxContextLength)
	} else if c.Generator.MaxContextLength < c.Chunker.ChunkSize {
		add("max_context_length (%d) must be >= chunk_size (%d)", c.Generator.MaxContextLength, c.Chunker.ChunkSize)
	}
	if c.Generator.PromptHistoryTurns < 0 {
		add("prompt_history_turns must be >= 0, got %d", c.Generator.PromptHistoryTurns)
	}
	if c.Conversation.MaxTurns < 0 {
		add("max_conversation_turns must be >= 0, got %d", c.Conversation.MaxTurns)
	}
	if c.Conversation.MaxSessions <= 0 {
		add("max_sessions must be > 0, got %d", c.Conversation.MaxSessions)
	}
	if c.Conversation.ContextualizeTurns < 0 {
		add("contextualize_turns must be >= 0, got %d", c.Conversation.ContextualizeTurns)
	}
	if c.Ingest.Workers <= 0 {
		add("ingest.workers must be > 0, got %d", c.Ingest.Workers)
	}
	if c.Ingest.MaxDocumentBytes <= 0 {
		add("max_document_bytes must be > 0, got %d", c.Ingest.MaxDocumentBytes)
	}
	if c.Embedder.ModelID == "" {
		add("embedding_model_id must be set")
	}

	switch c.Embedder.Type {
	case "hashing":
	case "openai", "ollama":
		if c.Embedder.Dimension <= 0 {
			add("embedder %q requires dimension > 0", c.Embedder.Type)
		}
	default:
		add("unknown embedder type %q", c.Embedder.Type)
	}
	switch c.Index.Type {
	case "memory":
	case "qdrant":
		if c.Index.Qdrant == nil || c.Index.Qdrant.Collection == "" {
			add("qdrant index requires qdrant.collection")
		}
	default:
		add("unknown index type %q", c.Index.Type)
	}
	switch c.Generator.Type {
	case "extractive", "openai", "ollama":
	default:
		add("unknown generator type %q", c.Generator.Type)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "groundedqa", "config.yaml"), nil
}

func defaultRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, TimeoutSecs: 30, InitialDelayMs: 200, MaxDelayMs: 5000}
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Chunker: ChunkerConfig{ChunkSize: 1000, ChunkOverlap: 200},
		Embedder: EmbedderConfig{
			Type:      "hashing",
			ModelID:   "hashing-512",
			Dimension: 512,
			BatchSize: 32,
			Retry:     defaultRetry(),
		},
		Index: IndexConfig{Type: "memory", Path: "./data/index"},
		Retrieval: RetrievalConfig{
			TopK:                5,
			SimilarityThreshold: 0.7,
			Oversample:          3,
			DedupWindow:         1,
		},
		Generator: GeneratorConfig{
			Type:               "extractive",
			SystemPrompt:       DefaultSystemPrompt,
			MaxContextLength:   4000,
			PromptHistoryTurns: 3,
			Temperature:        0.2,
			MaxTokens:          1024,
			MaxSentences:       5,
			Retry:              defaultRetry(),
		},
		Conversation: ConversationConfig{MaxTurns: 10, ContextualizeTurns: 1, MaxSessions: 1000},
		Ingest: IngestConfig{
			Workers:          4,
			MaxDocumentBytes: 10_000_000,
			DebounceMs:       500,
		},
		Server: ServerConfig{Addr: ":8080"},
	}
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Generator.SystemPrompt == "" {
		cfg.Generator.SystemPrompt = DefaultSystemPrompt
	}
	applyRetryDefaults(&cfg.Embedder.Retry)
	applyRetryDefaults(&cfg.Generator.Retry)
	if cfg.Embedder.Type == "openai" {
		cfg.Embedder.OpenAI = openAIDefaults(cfg.Embedder.OpenAI, "text-embedding-3-small")
		if cfg.Embedder.ModelID == "" {
			cfg.Embedder.ModelID = cfg.Embedder.OpenAI.Model
		}
	}
	if cfg.Embedder.Type == "ollama" {
		cfg.Embedder.Ollama = ollamaDefaults(cfg.Embedder.Ollama, "nomic-embed-text")
		if cfg.Embedder.ModelID == "" {
			cfg.Embedder.ModelID = cfg.Embedder.Ollama.Model
		}
	}
	if cfg.Generator.Type == "openai" {
		cfg.Generator.OpenAI = openAIDefaults(cfg.Generator.OpenAI, "gpt-4o-mini")
	}
	if cfg.Generator.Type == "ollama" {
		cfg.Generator.Ollama = ollamaDefaults(cfg.Generator.Ollama, "llama3.1")
	}
	if cfg.Index.Type == "qdrant" && cfg.Index.Qdrant != nil {
		if cfg.Index.Qdrant.Host == "" {
			cfg.Index.Qdrant.Host = "localhost"
		}
		if cfg.Index.Qdrant.Port == 0 {
			cfg.Index.Qdrant.Port = 6334
		}
		if cfg.Index.Qdrant.APIKeyEnv == "" {
			cfg.Index.Qdrant.APIKeyEnv = "QDRANT_API_KEY"
		}
	}
}

func applyRetryDefaults(r *RetryConfig) {
	d := defaultRetry()
	if r.MaxAttempts == 0 {
		r.MaxAttempts = d.MaxAttempts
	}
	if r.TimeoutSecs == 0 {
		r.TimeoutSecs = d.TimeoutSecs
	}
	if r.InitialDelayMs == 0 {
		r.InitialDelayMs = d.InitialDelayMs
	}
	if r.MaxDelayMs == 0 {
		r.MaxDelayMs = d.MaxDelayMs
	}
}

func openAIDefaults(c *OpenAIConfig, model string) *OpenAIConfig {
	if c == nil {
		c = &OpenAIConfig{}
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.APIKeyEnv == "" {
		c.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Model == "" {
		c.Model = model
	}
	return c
}

func ollamaDefaults(c *OllamaConfig, model string) *OllamaConfig {
	if c == nil {
		c = &OllamaConfig{}
	}
	if c.Model == "" {
		c.Model = model
	}
	return c
}

// applyEnvOverrides lets GROUNDEDQA_* variables override the file.
func applyEnvOverrides(cfg *AppConfig) error {
	ints := map[string]*int{
		"GROUNDEDQA_CHUNK_SIZE":             &cfg.Chunker.ChunkSize,
		"GROUNDEDQA_CHUNK_OVERLAP":          &cfg.Chunker.ChunkOverlap,
		"GROUNDEDQA_TOP_K_RETRIEVAL":        &cfg.Retrieval.TopK,
		"GROUNDEDQA_MAX_CONTEXT_LENGTH":     &cfg.Generator.MaxContextLength,
		"GROUNDEDQA_MAX_CONVERSATION_TURNS": &cfg.Conversation.MaxTurns,
		"GROUNDEDQA_EMBEDDING_DIMENSION":    &cfg.Embedder.Dimension,
	}
	for name, dst := range ints {
		raw, ok := os.LookupEnv(name)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", domain.ErrConfiguration, name, raw)
		}
		*dst = v
	}
	if raw, ok := os.LookupEnv("GROUNDEDQA_SIMILARITY_THRESHOLD"); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return fmt.Errorf("%w: GROUNDEDQA_SIMILARITY_THRESHOLD=%q is not a number", domain.ErrConfiguration, raw)
		}
		cfg.Retrieval.SimilarityThreshold = v
	}
	if raw, ok := os.LookupEnv("GROUNDEDQA_MAX_DOCUMENT_BYTES"); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: GROUNDEDQA_MAX_DOCUMENT_BYTES=%q is not an integer", domain.ErrConfiguration, raw)
		}
		cfg.Ingest.MaxDocumentBytes = v
	}
	strs := map[string]*string{
		"GROUNDEDQA_EMBEDDING_MODEL_ID": &cfg.Embedder.ModelID,
		"GROUNDEDQA_INDEX_PATH":         &cfg.Index.Path,
		"GROUNDEDQA_LOG_LEVEL":          &cfg.Logging.Level,
		"GROUNDEDQA_EXTRACTOR_URL":      &cfg.Ingest.ExtractorURL,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	return nil
}
