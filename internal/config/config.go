package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ProjectConfigName is the per-directory configuration file.
	ProjectConfigName = ".hybridrag.yaml"

	envPrefix = "HYBRIDRAG_"
)

// Config is the complete hybridrag configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Router     RouterConfig     `yaml:"router" json:"router"`
	LLM        LLMConfig        `yaml:"llm" json:"llm"`
	Assistant  AssistantConfig  `yaml:"assistant" json:"assistant"`
	Ingest     IngestConfig     `yaml:"ingest" json:"ingest"`
	Server     ServerConfig     `yaml:"server" json:"server"`
}

// StoreConfig configures the vector store and its index parameters.
// Index parameters are fixed when a collection is first created.
type StoreConfig struct {
	// Path is the SQLite database file. Empty keeps everything in memory.
	Path       string `yaml:"path" json:"path"`
	Collection string `yaml:"collection" json:"collection"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`

	// HNSW graph degree and build beam width.
	M              int `yaml:"m" json:"m"`
	EfConstruction int `yaml:"ef_construction" json:"ef_construction"`
	EfSearch       int `yaml:"ef_search" json:"ef_search"`

	// DropRatio discards the lowest-weight tail of each record's sparse terms.
	DropRatio float64 `yaml:"drop_ratio" json:"drop_ratio"`

	InsertBatchSize int `yaml:"insert_batch_size" json:"insert_batch_size"`

	// Collections at or below this many live records are searched exactly.
	ExactSearchThreshold int `yaml:"exact_search_threshold" json:"exact_search_threshold"`
}

// EmbeddingsConfig configures the dense embedding model.
type EmbeddingsConfig struct {
	Provider   string        `yaml:"provider" json:"provider"` // static | ollama
	Model      string        `yaml:"model" json:"model"`
	OllamaHost string        `yaml:"ollama_host" json:"ollama_host"`
	BatchSize  int           `yaml:"batch_size" json:"batch_size"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	CacheSize  int           `yaml:"cache_size" json:"cache_size"`
}

// SearchConfig configures hybrid retrieval.
type SearchConfig struct {
	TopKDense  int `yaml:"top_k_dense" json:"top_k_dense"`
	TopKSparse int `yaml:"top_k_sparse" json:"top_k_sparse"`
	Limit      int `yaml:"limit" json:"limit"`

	// RRFConstant is k in 1/(k + rank).
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`

	MaxQueryLength int `yaml:"max_query_length" json:"max_query_length"`
}

// RouterConfig configures query classification.
type RouterConfig struct {
	// Mode is llm, pattern, or hybrid (llm with pattern fallback).
	Mode      string `yaml:"mode" json:"mode"`
	CacheSize int    `yaml:"cache_size" json:"cache_size"`

	// AnchorTerms mark a query as in-domain. GenericTerms alone make it vague.
	// Empty lists use the built-in vocabulary.
	AnchorTerms  []string `yaml:"anchor_terms,omitempty" json:"anchor_terms,omitempty"`
	GenericTerms []string `yaml:"generic_terms,omitempty" json:"generic_terms,omitempty"`
}

// LLMConfig configures the generation model.
type LLMConfig struct {
	Provider string `yaml:"provider" json:"provider"` // ollama | openai
	Host     string `yaml:"host" json:"host"`
	Model    string `yaml:"model" json:"model"`

	// APIKeyEnv names the environment variable holding the bearer token.
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`

	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries          int           `yaml:"max_retries" json:"max_retries"`
	RequestsPerSecond   float64       `yaml:"requests_per_second" json:"requests_per_second"`
	Burst               int           `yaml:"burst" json:"burst"`
	CircuitMaxFailures  int           `yaml:"circuit_max_failures" json:"circuit_max_failures"`
	CircuitResetTimeout time.Duration `yaml:"circuit_reset_timeout" json:"circuit_reset_timeout"`
}

// AssistantConfig configures user-facing responses.
type AssistantConfig struct {
	DeclineMessage string `yaml:"decline_message" json:"decline_message"`

	// FallbackRecipients are used when an escalation draft names nobody.
	FallbackRecipients []string `yaml:"fallback_recipients,omitempty" json:"fallback_recipients,omitempty"`

	// ForceRecipients, when set, replace the recipients of every draft.
	ForceRecipients []string `yaml:"force_recipients,omitempty" json:"force_recipients,omitempty"`
}

// IngestConfig configures file loading and the directory watcher.
type IngestConfig struct {
	ChunkSize     int           `yaml:"chunk_size" json:"chunk_size"`
	WatchDebounce time.Duration `yaml:"watch_debounce" json:"watch_debounce"`
	Extensions    []string      `yaml:"extensions" json:"extensions"`
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Transport string `yaml:"transport" json:"transport"` // stdio | http
	Addr      string `yaml:"addr" json:"addr"`
	LogLevel  string `yaml:"log_level" json:"log_level"`
}

// DefaultDeclineMessage is returned for out-of-scope queries.
const DefaultDeclineMessage = "The query is unrelated to IEP's responsibilities; I am unable to provide an answer."

// NewConfig creates a Config with defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Store: StoreConfig{
			Path:                 defaultStorePath(),
			Collection:           "odprt_index",
			Dimensions:           1024,
			M:                    5,
			EfConstruction:       512,
			EfSearch:             64,
			DropRatio:            0.2,
			InsertBatchSize:      100,
			ExactSearchThreshold: 20000,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "ollama",
			Model:      "bge-m3",
			OllamaHost: "http://localhost:11434",
			BatchSize:  32,
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			CacheSize:  1000,
		},
		Search: SearchConfig{
			TopKDense:      3,
			TopKSparse:     3,
			Limit:          3,
			RRFConstant:    60,
			MaxQueryLength: 4000,
		},
		Router: RouterConfig{
			Mode:      "hybrid",
			CacheSize: 512,
		},
		LLM: LLMConfig{
			Provider:            "ollama",
			Host:                "http://localhost:11434",
			Model:               "llama3.1:8b",
			APIKeyEnv:           "OPENAI_API_KEY",
			Timeout:             60 * time.Second,
			MaxRetries:          2,
			RequestsPerSecond:   4,
			Burst:               4,
			CircuitMaxFailures:  5,
			CircuitResetTimeout: 30 * time.Second,
		},
		Assistant: AssistantConfig{
			DeclineMessage: DefaultDeclineMessage,
		},
		Ingest: IngestConfig{
			ChunkSize:     1500,
			WatchDebounce: 500 * time.Millisecond,
			Extensions:    []string{".txt", ".md", ".jsonl"},
		},
		Server: ServerConfig{
			Transport: "stdio",
			Addr:      "127.0.0.1:8765",
			LogLevel:  "info",
		},
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".hybridrag", "hybridrag.db")
	}
	return filepath.Join(home, ".hybridrag", "hybridrag.db")
}

// GetUserConfigPath returns the user configuration file:
//   - $XDG_CONFIG_HOME/hybridrag/config.yaml when XDG_CONFIG_HOME is set
//   - ~/.config/hybridrag/config.yaml otherwise
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "hybridrag", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "hybridrag", "config.yaml")
	}
	return filepath.Join(home, ".config", "hybridrag", "config.yaml")
}

// Load builds the configuration for dir. Later layers win:
//  1. defaults
//  2. user config
//  3. project config (.hybridrag.yaml in dir)
//  4. HYBRIDRAG_* environment variables
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if path := GetUserConfigPath(); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, fmt.Errorf("load user config: %w", err)
		}
	}

	for _, name := range []string{ProjectConfigName, ".hybridrag.yml"} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			if err := cfg.loadYAML(path); err != nil {
				return nil, err
			}
			break
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadYAML decodes path over c. Keys absent from the file keep their current value.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies HYBRIDRAG_* variables. A variable that is set
// but cannot be parsed is an error rather than silently ignored.
func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"STORE_PATH":          &c.Store.Path,
		"COLLECTION":          &c.Store.Collection,
		"EMBEDDINGS_PROVIDER": &c.Embeddings.Provider,
		"EMBEDDINGS_MODEL":    &c.Embeddings.Model,
		"OLLAMA_HOST":         &c.Embeddings.OllamaHost,
		"ROUTER_MODE":         &c.Router.Mode,
		"LLM_PROVIDER":        &c.LLM.Provider,
		"LLM_HOST":            &c.LLM.Host,
		"LLM_MODEL":           &c.LLM.Model,
		"TRANSPORT":           &c.Server.Transport,
		"ADDR":                &c.Server.Addr,
		"LOG_LEVEL":           &c.Server.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"DIMENSIONS":   &c.Store.Dimensions,
		"RRF_CONSTANT": &c.Search.RRFConstant,
		"SEARCH_LIMIT": &c.Search.Limit,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"EMBEDDINGS_TIMEOUT": &c.Embeddings.Timeout,
		"LLM_TIMEOUT":        &c.LLM.Timeout,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = d
	}
	return nil
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Collection) == "" {
		return fmt.Errorf("store.collection must not be empty")
	}
	if c.Store.Dimensions <= 0 {
		return fmt.Errorf("store.dimensions must be positive, got %d", c.Store.Dimensions)
	}
	if c.Store.M < 2 {
		return fmt.Errorf("store.m must be at least 2, got %d", c.Store.M)
	}
	if c.Store.EfConstruction <= 0 || c.Store.EfSearch <= 0 {
		return fmt.Errorf("store.ef_construction and store.ef_search must be positive")
	}
	if c.Store.DropRatio < 0 || c.Store.DropRatio >= 1 {
		return fmt.Errorf("store.drop_ratio must be in [0, 1), got %g", c.Store.DropRatio)
	}
	if c.Store.InsertBatchSize <= 0 {
		return fmt.Errorf("store.insert_batch_size must be positive, got %d", c.Store.InsertBatchSize)
	}
	if c.Store.ExactSearchThreshold < 0 {
		return fmt.Errorf("store.exact_search_threshold must be non-negative")
	}

	if !oneOf(c.Embeddings.Provider, "static", "ollama") {
		return fmt.Errorf("embeddings.provider must be 'static' or 'ollama', got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("embeddings.batch_size must be positive, got %d", c.Embeddings.BatchSize)
	}
	if c.Embeddings.Timeout <= 0 {
		return fmt.Errorf("embeddings.timeout must be positive")
	}

	if c.Search.TopKDense <= 0 || c.Search.TopKSparse <= 0 || c.Search.Limit <= 0 {
		return fmt.Errorf("search.top_k_dense, search.top_k_sparse and search.limit must be positive")
	}
	if c.Search.RRFConstant <= 0 {
		return fmt.Errorf("search.rrf_constant must be positive, got %d", c.Search.RRFConstant)
	}
	if c.Search.MaxQueryLength <= 0 {
		return fmt.Errorf("search.max_query_length must be positive")
	}

	if !oneOf(c.Router.Mode, "llm", "pattern", "hybrid") {
		return fmt.Errorf("router.mode must be 'llm', 'pattern', or 'hybrid', got %q", c.Router.Mode)
	}

	if !oneOf(c.LLM.Provider, "ollama", "openai") {
		return fmt.Errorf("llm.provider must be 'ollama' or 'openai', got %q", c.LLM.Provider)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive")
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries must be non-negative")
	}
	if c.LLM.RequestsPerSecond < 0 {
		return fmt.Errorf("llm.requests_per_second must be non-negative")
	}

	if strings.TrimSpace(c.Assistant.DeclineMessage) == "" {
		return fmt.Errorf("assistant.decline_message must not be empty")
	}

	if !oneOf(c.Server.Transport, "stdio", "http") {
		return fmt.Errorf("server.transport must be 'stdio' or 'http', got %q", c.Server.Transport)
	}
	if !oneOf(c.Server.LogLevel, "debug", "info", "warn", "error") {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %q", c.Server.LogLevel)
	}
	return nil
}

// WriteYAML writes the configuration to path, creating parent directories.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	v = strings.ToLower(v)
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
