// Package config loads the application configuration from defaults, an
// optional YAML file and environment variable overrides, in that order.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("IREADER").
//	    Load()
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/changqingla/ireader/engine"
	"github.com/changqingla/ireader/internal/cache"
	"github.com/changqingla/ireader/llm"
	"github.com/changqingla/ireader/protocol"
	"github.com/changqingla/ireader/session"
	"github.com/changqingla/ireader/tool"
)

// Config is the complete application configuration.
type Config struct {
	Server   ServerConfig      `yaml:"server"`
	Database DatabaseConfig    `yaml:"database"`
	Redis    cache.Config      `yaml:"redis"`
	LLM      LLMConfig         `yaml:"llm"`
	Engine   EngineConfig      `yaml:"engine"`
	Recall   tool.RecallConfig `yaml:"recall"`
	Search   tool.SearchConfig `yaml:"search"`
	Protocol ProtocolConfig    `yaml:"protocol"`
	Log      LogConfig         `yaml:"log"`
}

// ServerConfig configures the delivery surface and lifecycle.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	MetricsPort     int           `yaml:"metrics_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the gorm store.
type DatabaseConfig struct {
	// DSN is the sqlite path, or ":memory:" for an ephemeral store.
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnMaxLife  time.Duration `yaml:"conn_max_life"`
}

// LLMConfig configures the model endpoint and the global call bound.
type LLMConfig struct {
	Provider      llm.OpenAIConfig `yaml:"provider"`
	MaxConcurrent int              `yaml:"max_concurrent"`
}

// EngineConfig groups the per-route engine bounds.
type EngineConfig struct {
	React      engine.ReactConfig       `yaml:"react"`
	Planner    engine.PlannerConfig     `yaml:"planner"`
	Summarizer engine.SummarizerConfig  `yaml:"summarizer"`
	Router     engine.RouterConfig      `yaml:"router"`
	Compressor session.CompressorConfig `yaml:"compressor"`
	// CancelTTL bounds how long a cancellation marker stays observable.
	CancelTTL time.Duration `yaml:"cancel_ttl"`
	// SummaryCacheTTL is the document summary cache expiry.
	SummaryCacheTTL time.Duration `yaml:"summary_cache_ttl"`
	// DocToolCapacity bounds the per-document recall tool cache.
	DocToolCapacity int `yaml:"doc_tool_capacity"`
}

// ProtocolConfig declares the external tool servers to launch.
type ProtocolConfig struct {
	Servers []protocol.ServerConfig `yaml:"servers"`
}

// LogConfig configures logger construction.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
	// EnableCaller annotates entries with the call site.
	EnableCaller bool `yaml:"enable_caller"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9091,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:          "ireader.db",
			MaxOpenConns: 10,
			MaxIdleConns: 2,
			ConnMaxLife:  time.Hour,
		},
		Redis: cache.DefaultConfig(),
		LLM: LLMConfig{
			Provider:      llm.DefaultOpenAIConfig(),
			MaxConcurrent: 8,
		},
		Engine: EngineConfig{
			React:           engine.DefaultReactConfig(),
			Planner:         engine.DefaultPlannerConfig(),
			Summarizer:      engine.DefaultSummarizerConfig(),
			Router:          engine.DefaultRouterConfig(),
			Compressor:      session.DefaultCompressorConfig(),
			CancelTTL:       30 * time.Second,
			SummaryCacheTTL: 24 * time.Hour,
			DocToolCapacity: 32,
		},
		Recall: tool.DefaultRecallConfig(),
		Search: tool.DefaultSearchConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid server http_port")
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database dsn is required")
	}
	if c.LLM.MaxConcurrent <= 0 {
		errs = append(errs, "llm max_concurrent must be positive")
	}
	if c.Engine.React.MaxIterations <= 0 {
		errs = append(errs, "engine react max_iterations must be positive")
	}
	for i := range c.Protocol.Servers {
		if err := c.Protocol.Servers[i].Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("protocol server %d: %v", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
