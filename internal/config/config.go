package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"locpipe/internal/application/common/logging"
)

// Config holds the complete application configuration.
type Config struct {
	Dataset    DatasetConfig    `mapstructure:"dataset"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Glossary   GlossaryConfig   `mapstructure:"glossary"`
	Trace      TraceConfig      `mapstructure:"trace"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Log        logging.Config   `mapstructure:"log"`
}

// DatasetConfig holds the row source and sink locations.
type DatasetConfig struct {
	InputPath      string `mapstructure:"input_path"`      // Source CSV with id and source_text columns
	OutputPath     string `mapstructure:"output_path"`     // Final CSV with the target_text column
	JournalPath    string `mapstructure:"journal_path"`    // Incremental result journal (JSONL)
	EscalationPath string `mapstructure:"escalation_path"` // Permanently failed rows (JSONL)
}

// CheckpointConfig holds checkpoint persistence settings.
type CheckpointConfig struct {
	Path string `mapstructure:"path"`
}

// PipelineConfig holds driver behavior settings.
type PipelineConfig struct {
	TargetLang       string `mapstructure:"target_lang"`       // BCP-47-ish target language tag, e.g. "ru"
	Model            string `mapstructure:"model"`             // Primary model name; must exist in the policy file
	PolicyPath       string `mapstructure:"policy_path"`       // Model policy YAML
	Concurrency      int    `mapstructure:"concurrency"`       // Max batches in flight
	RetryCount       int    `mapstructure:"retry_count"`       // Per-model transport retries
	FallbackEnabled  bool   `mapstructure:"fallback_enabled"`  // Walk the fallback chain after retry exhaustion
	PartialAccept    bool   `mapstructure:"partial_accept"`    // Accept matched ids on partial responses
	PlaceholderRegex string `mapstructure:"placeholder_regex"` // Token pattern preserved across translation
}

// LLMConfig holds the provider client configuration.
type LLMConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	SystemPrompt string        `mapstructure:"system_prompt"` // Optional preamble replacing the built-in translator instruction
	Temperature  float64       `mapstructure:"temperature"`
	Timeout      time.Duration `mapstructure:"timeout"` // Transport ceiling; per-batch budgets come from policy
}

// GlossaryConfig holds the optional glossary file location.
type GlossaryConfig struct {
	Path string `mapstructure:"path"`
}

// TraceConfig holds trace event stream settings.
type TraceConfig struct {
	Path string     `mapstructure:"path"` // Trace log JSONL; empty disables file tracing
	NATS NATSConfig `mapstructure:"nats"`
}

// NATSConfig holds NATS trace mirroring configuration.
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Subject       string        `mapstructure:"subject"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// MemoryConfig holds the optional Postgres translation memory settings.
// The memory is enabled when Host and Name are set.
type MemoryConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Name           string `mapstructure:"name"`
	SSLMode        string `mapstructure:"sslmode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Enabled reports whether a translation memory is configured.
func (m MemoryConfig) Enabled() bool {
	return m.Host != "" && m.Name != ""
}

// DSN returns the database connection string.
func (m MemoryConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		m.Host, m.Port, m.User, m.Password, m.Name, m.SSLMode)
}

// New creates a new Config instance from Viper.
func New(v *viper.Viper) *Config {
	var config Config

	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("unable to decode config: %w", err))
	}

	if err := config.Validate(); err != nil {
		panic(fmt.Errorf("invalid configuration: %w", err))
	}

	return &config
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Pipeline.Concurrency < 1 {
		return errors.New("pipeline.concurrency must be at least 1")
	}

	if c.Pipeline.RetryCount < 0 {
		return errors.New("pipeline.retry_count cannot be negative")
	}

	if c.Pipeline.TargetLang == "" {
		return errors.New("pipeline.target_lang is required")
	}

	if c.LLM.Timeout < 0 {
		return errors.New("llm.timeout cannot be negative")
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return errors.New("llm.temperature must be between 0 and 2")
	}

	if c.Memory.Enabled() {
		if c.Memory.Port < 1 || c.Memory.Port > 65535 {
			return errors.New("memory.port must be between 1 and 65535")
		}
		if c.Memory.User == "" {
			return errors.New("memory.user is required when the translation memory is enabled")
		}
	}

	if c.Trace.NATS.Enabled && c.Trace.NATS.URL == "" {
		return errors.New("trace.nats.url is required when trace mirroring is enabled")
	}

	return nil
}
