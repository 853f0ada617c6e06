// Package config loads the tunables for the memory engine: store backend
// selection, context-window/flush parameters, retrieval top-k and minimum
// score, the consolidation schedule, and the LLM/embedding client
// configuration. Retrieval weights are not configurable here; the caller
// uses the retriever's fixed default weights.
//
// Values are read from a YAML file (if present) and then overridden by
// environment variables, mirroring this codebase's existing layered
// configuration style: YAML for checked-in defaults, env vars for
// deployment-specific secrets and endpoints.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"
)

// AnthropicPromptCacheConfig controls Anthropic prompt-cache breakpoints.
type AnthropicPromptCacheConfig struct {
	Enabled       bool `yaml:"enabled"`
	CacheSystem   bool `yaml:"cache_system"`
	CacheTools    bool `yaml:"cache_tools"`
	CacheMessages bool `yaml:"cache_messages"`
}

// OpenAIConfig configures the OpenAI-compatible chat client.
type OpenAIConfig struct {
	BaseURL     string         `yaml:"base_url"`
	APIKey      string         `yaml:"api_key"`
	Model       string         `yaml:"model"`
	API         string         `yaml:"api"` // "completions" (default) or "responses"
	ExtraParams map[string]any `yaml:"extra_params,omitempty"`
}

// AnthropicConfig configures the Anthropic client.
type AnthropicConfig struct {
	BaseURL     string                     `yaml:"base_url"`
	APIKey      string                     `yaml:"api_key"`
	Model       string                     `yaml:"model"`
	ExtraParams map[string]any             `yaml:"extra_params,omitempty"`
	PromptCache AnthropicPromptCacheConfig `yaml:"prompt_cache"`
}

// GoogleConfig configures the Gemini client.
type GoogleConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout int    `yaml:"timeout_seconds"`
}

// LLMClientConfig selects and configures the active chat provider.
type LLMClientConfig struct {
	// Provider selects which client providers.Build constructs: "openai"
	// (default), "local" (OpenAI-compatible completions API), "anthropic",
	// or "google".
	Provider  string          `yaml:"provider"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Google    GoogleConfig    `yaml:"google"`
}

// EmbeddingConfig configures the embedding HTTP endpoint.
type EmbeddingConfig struct {
	BaseURL   string `yaml:"base_url"`
	Path      string `yaml:"path"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	APIHeader string `yaml:"api_header"`
	Dimension int    `yaml:"dimension"`
	Timeout   int    `yaml:"timeout_seconds"`
}

// StoreConfig selects and configures the Store backend.
type StoreConfig struct {
	// Backend is "sqlite" (default) or "postgres".
	Backend string `yaml:"backend"`

	// SQLite
	SQLitePath string `yaml:"sqlite_path"`

	// Postgres + Qdrant
	PostgresDSN     string `yaml:"postgres_dsn"`
	QdrantDSN       string `yaml:"qdrant_dsn"`
	QdrantCollection string `yaml:"qdrant_collection"`
	VectorMetric    string `yaml:"vector_metric"` // cosine|l2|ip

	SnapshotDir string `yaml:"snapshot_dir"`
}

// EngineConfig holds the memory-engine tunables named throughout SPEC_FULL.md.
type EngineConfig struct {
	ContextLimit    int     `yaml:"context_limit"`
	FlushThreshold  float64 `yaml:"flush_threshold"`
	KeepLastTurns   int     `yaml:"keep_last_turns"`
	TopK            int     `yaml:"top_k"`
	MinScore        float64 `yaml:"min_score"`
	ConsolidateEvery int    `yaml:"consolidate_every"`
	DecayThreshold  int     `yaml:"decay_threshold"`
	DecayFactor     float64 `yaml:"decay_factor"`
	ExpireBelow     float64 `yaml:"expire_below"`
	DuplicateSimilarity float64 `yaml:"duplicate_similarity"`
}

// TelemetryConfig controls OpenTelemetry and log verbosity.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
}

// Config is the root configuration object for cmd/memoryagent.
type Config struct {
	LLMClient LLMClientConfig `yaml:"llm_client"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	OTel      TelemetryConfig `yaml:"otel"`
}

func defaults() Config {
	return Config{
		LLMClient: LLMClientConfig{
			Provider: "openai",
			OpenAI: OpenAIConfig{
				BaseURL: "https://api.openai.com/v1",
				Model:   "gpt-4o-mini",
				API:     "completions",
			},
		},
		Embedding: EmbeddingConfig{
			BaseURL:   "http://localhost:8080",
			Path:      "/v1/embeddings",
			Model:     "all-MiniLM-L6-v2",
			APIHeader: "Authorization",
			Dimension: 384,
			Timeout:   30,
		},
		Store: StoreConfig{
			Backend:          "sqlite",
			SQLitePath:       "memory.db",
			QdrantCollection: "memories",
			VectorMetric:     "l2",
			SnapshotDir:      "snapshots",
		},
		Engine: EngineConfig{
			FlushThreshold:      0.70,
			KeepLastTurns:       4,
			TopK:                5,
			MinScore:            0.01,
			ConsolidateEvery:    5,
			DecayThreshold:      200,
			DecayFactor:         0.9,
			ExpireBelow:         0.3,
			DuplicateSimilarity: 0.85,
		},
		OTel: TelemetryConfig{
			ServiceName: "memoryagent",
			LogLevel:    "info",
		},
	}
}

// Load starts from the built-in defaults, overlays an optional YAML file at
// path (skipped silently if absent), applies environment-variable overrides
// (after loading a local .env via godotenv, if one exists), and prints
// colorized startup diagnostics: which file was loaded, an unknown or
// incompletely configured store backend, and a final "loaded" line.
// Individual defaulted or overridden values are not reported.
func Load(path string) (Config, error) {
	_ = godotenv.Overload()

	cfg := defaults()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				pterm.Error.Printf("error unmarshaling config %s: %v\n", path, err)
				return cfg, fmt.Errorf("unmarshal config %s: %w", path, err)
			}
			pterm.Info.Printfln("loaded config from %s", path)
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaultsPostMerge(&cfg)

	pterm.Success.Println("configuration loaded")
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.LLMClient.Provider = firstNonEmpty(env("LLM_PROVIDER"), cfg.LLMClient.Provider)
	cfg.LLMClient.OpenAI.BaseURL = firstNonEmpty(env("OPENAI_BASE_URL"), cfg.LLMClient.OpenAI.BaseURL)
	cfg.LLMClient.OpenAI.APIKey = firstNonEmpty(env("OPENAI_API_KEY"), cfg.LLMClient.OpenAI.APIKey)
	cfg.LLMClient.OpenAI.Model = firstNonEmpty(env("OPENAI_MODEL"), cfg.LLMClient.OpenAI.Model)

	cfg.LLMClient.Anthropic.BaseURL = firstNonEmpty(env("ANTHROPIC_BASE_URL"), cfg.LLMClient.Anthropic.BaseURL)
	cfg.LLMClient.Anthropic.APIKey = firstNonEmpty(env("ANTHROPIC_API_KEY"), cfg.LLMClient.Anthropic.APIKey)
	cfg.LLMClient.Anthropic.Model = firstNonEmpty(env("ANTHROPIC_MODEL"), cfg.LLMClient.Anthropic.Model)

	cfg.LLMClient.Google.BaseURL = firstNonEmpty(env("GOOGLE_BASE_URL"), cfg.LLMClient.Google.BaseURL)
	cfg.LLMClient.Google.APIKey = firstNonEmpty(env("GOOGLE_API_KEY"), cfg.LLMClient.Google.APIKey)
	cfg.LLMClient.Google.Model = firstNonEmpty(env("GOOGLE_MODEL"), cfg.LLMClient.Google.Model)

	cfg.Embedding.BaseURL = firstNonEmpty(env("EMBED_BASE_URL"), cfg.Embedding.BaseURL)
	cfg.Embedding.Path = firstNonEmpty(env("EMBED_PATH"), cfg.Embedding.Path)
	cfg.Embedding.Model = firstNonEmpty(env("EMBED_MODEL"), cfg.Embedding.Model)
	cfg.Embedding.APIKey = firstNonEmpty(env("EMBED_API_KEY"), cfg.Embedding.APIKey)
	cfg.Embedding.APIHeader = firstNonEmpty(env("EMBED_API_HEADER"), cfg.Embedding.APIHeader)
	if v := intFromEnv("EMBED_DIMENSION", 0); v > 0 {
		cfg.Embedding.Dimension = v
	}

	cfg.Store.Backend = firstNonEmpty(env("STORE_BACKEND"), cfg.Store.Backend)
	cfg.Store.SQLitePath = firstNonEmpty(env("STORE_SQLITE_PATH"), cfg.Store.SQLitePath)
	cfg.Store.PostgresDSN = firstNonEmpty(env("STORE_POSTGRES_DSN"), cfg.Store.PostgresDSN)
	cfg.Store.QdrantDSN = firstNonEmpty(env("STORE_QDRANT_DSN"), cfg.Store.QdrantDSN)
	cfg.Store.QdrantCollection = firstNonEmpty(env("STORE_QDRANT_COLLECTION"), cfg.Store.QdrantCollection)
	cfg.Store.SnapshotDir = firstNonEmpty(env("STORE_SNAPSHOT_DIR"), cfg.Store.SnapshotDir)

	if v := intFromEnv("ENGINE_CONTEXT_LIMIT", 0); v > 0 {
		cfg.Engine.ContextLimit = v
	}
	if v := floatFromEnv("ENGINE_FLUSH_THRESHOLD", 0); v > 0 {
		cfg.Engine.FlushThreshold = v
	}
	if v := intFromEnv("ENGINE_TOP_K", 0); v > 0 {
		cfg.Engine.TopK = v
	}

	cfg.OTel.Endpoint = firstNonEmpty(env("OTEL_EXPORTER_OTLP_ENDPOINT"), cfg.OTel.Endpoint)
	cfg.OTel.ServiceName = firstNonEmpty(env("OTEL_SERVICE_NAME"), cfg.OTel.ServiceName)
	cfg.OTel.LogLevel = firstNonEmpty(env("LOG_LEVEL"), cfg.OTel.LogLevel)
	cfg.OTel.LogFile = firstNonEmpty(env("LOG_FILE"), cfg.OTel.LogFile)
}

func applyDefaultsPostMerge(cfg *Config) {
	if cfg.Store.Backend != "sqlite" && cfg.Store.Backend != "postgres" {
		pterm.Warning.Printfln("unknown store backend %q, defaulting to sqlite", cfg.Store.Backend)
		cfg.Store.Backend = "sqlite"
	}
	if cfg.Store.Backend == "postgres" && cfg.Store.PostgresDSN == "" {
		pterm.Warning.Println("store backend is postgres but no postgres_dsn/STORE_POSTGRES_DSN set")
	}
	// ContextLimit is left at 0 ("unset") when not explicitly configured; the
	// caller resolves it from the active model's context window once the
	// provider is known (see cmd/memoryagent's resolveContextLimit).
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func intFromEnv(key string, def int) int {
	v := env(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatFromEnv(key string, def float64) float64 {
	v := env(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
