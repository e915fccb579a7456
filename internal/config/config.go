// Package config loads layered configuration: defaults, then an optional
// YAML file (under a top-level "memnet" key or bare), then MEMNET_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      Server      `mapstructure:"server" yaml:"server"`
	Logging     Logging     `mapstructure:"logging" yaml:"logging"`
	Tracing     Tracing     `mapstructure:"tracing" yaml:"tracing"`
	VectorStore VectorStore `mapstructure:"vectorStore" yaml:"vectorStore"`
	Embedder    Embedder    `mapstructure:"embedder" yaml:"embedder"`
	LLM         LLM         `mapstructure:"llm" yaml:"llm"`
	Memory      Memory      `mapstructure:"memory" yaml:"memory"`
}

type Server struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout" yaml:"shutdownTimeout"`
}

type Logging struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

type Tracing struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	OTLPEndpoint string `mapstructure:"otlpEndpoint" yaml:"otlpEndpoint"`
}

// VectorStore selects and configures the persistence backend.
type VectorStore struct {
	Provider        string `mapstructure:"provider" yaml:"provider"` // inmemory, qdrant, pgvector, redis
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	Collection      string `mapstructure:"collection" yaml:"collection"`
	APIKey          string `mapstructure:"apiKey" yaml:"apiKey,omitempty"`
	AllowRecreation bool   `mapstructure:"allowRecreation" yaml:"allowRecreation"`
}

type Embedder struct {
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"apiKey" yaml:"apiKey,omitempty"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CacheTTL          time.Duration `mapstructure:"cacheTTL" yaml:"cacheTTL"`
	MaxLRU            int           `mapstructure:"maxLRU" yaml:"maxLRU"`
	RequestsPerSecond float64       `mapstructure:"requestsPerSecond" yaml:"requestsPerSecond"`
	CacheRedisAddr    string        `mapstructure:"cacheRedisAddr" yaml:"cacheRedisAddr,omitempty"`
}

type LLM struct {
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"apiKey" yaml:"apiKey,omitempty"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requestsPerSecond" yaml:"requestsPerSecond"`
}

// Memory holds the pipeline knobs; DuplicateThreshold and EnableReranking
// are hot-reloadable.
type Memory struct {
	DuplicateThreshold float64 `mapstructure:"duplicateThreshold" yaml:"duplicateThreshold"`
	EnableReranking    bool    `mapstructure:"enableReranking" yaml:"enableReranking"`
	HistoryLimit       int     `mapstructure:"historyLimit" yaml:"historyLimit"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdownTimeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlpEndpoint", "localhost:4317")

	v.SetDefault("vectorStore.provider", "qdrant")
	v.SetDefault("vectorStore.endpoint", "http://localhost:6333")
	v.SetDefault("vectorStore.collection", "memnet_collection")
	v.SetDefault("vectorStore.allowRecreation", false)

	v.SetDefault("embedder.endpoint", "https://api.openai.com/v1")
	v.SetDefault("embedder.model", "text-embedding-3-small")
	v.SetDefault("embedder.timeout", 30*time.Second)
	v.SetDefault("embedder.cacheTTL", 24*time.Hour)
	v.SetDefault("embedder.maxLRU", 1000)
	v.SetDefault("embedder.requestsPerSecond", 0)

	v.SetDefault("llm.endpoint", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.requestsPerSecond", 0)

	v.SetDefault("memory.duplicateThreshold", 0.6)
	v.SetDefault("memory.enableReranking", true)
	v.SetDefault("memory.historyLimit", 10)
}

// Load reads the config file at path (optional, "" skips the file layer)
// and applies MEMNET_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MEMNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		// Allow the whole file to live under a "memnet" key so it can
		// share a file with other services.
		if v.IsSet("memnet") {
			nested := viper.New()
			setDefaults(nested)
			if err := nested.MergeConfigMap(v.GetStringMap("memnet")); err != nil {
				return nil, fmt.Errorf("merge nested config: %w", err)
			}
			nested.SetEnvPrefix("MEMNET")
			nested.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
			nested.AutomaticEnv()
			v = nested
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validProviders = map[string]bool{
	"inmemory": true,
	"qdrant":   true,
	"pgvector": true,
	"redis":    true,
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if !validProviders[c.VectorStore.Provider] {
		return fmt.Errorf("vectorStore.provider %q unknown", c.VectorStore.Provider)
	}
	if c.VectorStore.Collection == "" {
		return fmt.Errorf("vectorStore.collection must not be empty")
	}
	if c.Embedder.Endpoint == "" || c.Embedder.Model == "" {
		return fmt.Errorf("embedder endpoint and model are required")
	}
	if c.LLM.Endpoint == "" || c.LLM.Model == "" {
		return fmt.Errorf("llm endpoint and model are required")
	}
	if c.Memory.DuplicateThreshold < 0 || c.Memory.DuplicateThreshold > 1 {
		return fmt.Errorf("memory.duplicateThreshold %f out of [0,1]", c.Memory.DuplicateThreshold)
	}
	if c.Memory.HistoryLimit < 0 {
		return fmt.Errorf("memory.historyLimit must not be negative")
	}
	return nil
}

// Dump renders the effective configuration as YAML, for the startup log
// and the debug endpoint. Secrets are redacted.
func (c *Config) Dump() ([]byte, error) {
	clone := *c
	if clone.VectorStore.APIKey != "" {
		clone.VectorStore.APIKey = "[redacted]"
	}
	if clone.Embedder.APIKey != "" {
		clone.Embedder.APIKey = "[redacted]"
	}
	if clone.LLM.APIKey != "" {
		clone.LLM.APIKey = "[redacted]"
	}
	return yaml.Marshal(&clone)
}
