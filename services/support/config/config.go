// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads engine configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry human-readable values
// like "500ms" or "5m". Bare integers are read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full engine configuration.
//
// Loaded from YAML, then overridden by KODIAK_* environment variables so
// containerized deployments can tweak single values without a file edit.
type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	Weaviate   WeaviateConfig   `yaml:"weaviate"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Rerank     RerankConfig     `yaml:"rerank"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Escalation EscalationConfig `yaml:"escalation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LLMConfig selects the model backend.
type LLMConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model" validate:"required"`
	EmbeddingModel string `yaml:"embedding_model" validate:"required"`
	MaxTokens      int    `yaml:"max_tokens" validate:"gte=0"`
}

// WeaviateConfig locates the vector store. Empty host disables the dense
// path; retrieval runs lexical-only.
type WeaviateConfig struct {
	Host      string `yaml:"host"`
	Scheme    string `yaml:"scheme"`
	ClassName string `yaml:"class_name"`
}

// RetrievalConfig tunes hybrid retrieval.
type RetrievalConfig struct {
	Breadth             int      `yaml:"breadth" validate:"gte=0,lte=100"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold" validate:"gte=0,lte=1"`
	IntentCacheTTL      Duration `yaml:"intent_cache_ttl"`
}

// RerankConfig tunes the reranker.
type RerankConfig struct {
	TopK   int      `yaml:"top_k" validate:"gte=0,lte=50"`
	Budget Duration `yaml:"budget"`
}

// CheckpointConfig locates durable turn state.
type CheckpointConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// EscalationConfig tunes human handoff.
type EscalationConfig struct {
	RequireApproval  bool     `yaml:"require_approval"`
	InterruptTimeout Duration `yaml:"interrupt_timeout"`
}

// LoggingConfig tunes pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a config suitable for local development against an
// OpenAI-compatible endpoint on localhost.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			BaseURL:        "http://localhost:11434/v1",
			Model:          "llama3.1:8b",
			EmbeddingModel: "nomic-embed-text",
			MaxTokens:      1024,
		},
		Weaviate: WeaviateConfig{
			Scheme:    "http",
			ClassName: "SupportPassage",
		},
		Retrieval: RetrievalConfig{
			Breadth:             20,
			ConfidenceThreshold: 0.5,
			IntentCacheTTL:      Duration(5 * time.Minute),
		},
		Rerank: RerankConfig{
			TopK:   5,
			Budget: Duration(500 * time.Millisecond),
		},
		Checkpoint: CheckpointConfig{
			Path: "./data/checkpoints",
		},
		Escalation: EscalationConfig{
			InterruptTimeout: Duration(30 * time.Minute),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

var validate = validator.New()

// Load reads the config file, applies environment overrides and validates.
//
// # Inputs
//
//	path - YAML file path. Empty path skips the file and starts from
//	    Default(), so env-only configuration works.
//
// # Outputs
//
//	Config - Merged configuration.
//	error - Non-nil on read, parse or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := validate.Struct(&cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides individual fields from KODIAK_* variables.
func applyEnv(cfg *Config) {
	setString(&cfg.LLM.BaseURL, "KODIAK_LLM_BASE_URL")
	setString(&cfg.LLM.APIKey, "KODIAK_LLM_API_KEY")
	setString(&cfg.LLM.Model, "KODIAK_LLM_MODEL")
	setString(&cfg.LLM.EmbeddingModel, "KODIAK_LLM_EMBEDDING_MODEL")
	setInt(&cfg.LLM.MaxTokens, "KODIAK_LLM_MAX_TOKENS")

	setString(&cfg.Weaviate.Host, "KODIAK_WEAVIATE_HOST")
	setString(&cfg.Weaviate.Scheme, "KODIAK_WEAVIATE_SCHEME")
	setString(&cfg.Weaviate.ClassName, "KODIAK_WEAVIATE_CLASS")

	setInt(&cfg.Retrieval.Breadth, "KODIAK_RETRIEVAL_BREADTH")
	setInt(&cfg.Rerank.TopK, "KODIAK_RERANK_TOP_K")

	setString(&cfg.Checkpoint.Path, "KODIAK_CHECKPOINT_PATH")
	setBool(&cfg.Checkpoint.InMemory, "KODIAK_CHECKPOINT_IN_MEMORY")

	setBool(&cfg.Escalation.RequireApproval, "KODIAK_ESCALATION_REQUIRE_APPROVAL")

	setString(&cfg.Logging.Level, "KODIAK_LOG_LEVEL")
	setBool(&cfg.Logging.JSON, "KODIAK_LOG_JSON")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
