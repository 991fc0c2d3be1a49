// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// kodiak is the development harness for the support engine: a CLI that
// wires real backends and drives turns from the terminal. Production
// transports build on services/support directly.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/AleutianAI/kodiak/pkg/logging"
	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/support"
	"github.com/AleutianAI/kodiak/services/support/checkpoint"
	"github.com/AleutianAI/kodiak/services/support/config"
	"github.com/AleutianAI/kodiak/services/support/retrieval"
)

var (
	configPath    string
	knowledgePath string
)

var rootCmd = &cobra.Command{
	Use:   "kodiak",
	Short: "Conversational support engine harness",
	Long: `kodiak drives the support engine from the terminal: one-shot questions,
interactive sessions, checkpoint inspection and interrupt resolution.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to kodiak.yaml (optional)")
	rootCmd.PersistentFlags().StringVar(&knowledgePath, "kb", "", "path to knowledge base JSONL file")
}

// buildService assembles the engine from config and flags.
func buildService() (*support.SupportService, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		Service: "kodiak",
		JSON:    cfg.Logging.JSON,
	})

	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
	})
	if err != nil {
		return nil, nil, err
	}

	var store checkpoint.Store
	var closeStore func() error
	if cfg.Checkpoint.InMemory {
		bs, err := checkpoint.OpenInMemoryBadgerStore()
		if err != nil {
			return nil, nil, err
		}
		store, closeStore = bs, bs.Close
	} else {
		bs, err := checkpoint.OpenBadgerStore(cfg.Checkpoint.Path, logger.Slog())
		if err != nil {
			return nil, nil, err
		}
		store, closeStore = bs, bs.Close
	}

	opts := support.Options{
		Client: client,
		Store:  store,
		Logger: logger.Slog(),
	}

	if cfg.Weaviate.Host != "" {
		wc, err := weaviate.NewClient(weaviate.Config{
			Host:   cfg.Weaviate.Host,
			Scheme: cfg.Weaviate.Scheme,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create weaviate client: %w", err)
		}
		opts.Dense = retrieval.NewWeaviateIndex(wc, cfg.Weaviate.ClassName)
		embedder, err := retrieval.NewOpenAIEmbedder(
			cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.EmbeddingModel)
		if err != nil {
			return nil, nil, err
		}
		opts.Embedder = embedder
	}

	if knowledgePath != "" {
		idx, err := loadKnowledge(knowledgePath)
		if err != nil {
			return nil, nil, err
		}
		opts.Lexical = idx
		logger.Info("Loaded knowledge base", "path", knowledgePath, "passages", idx.Len())
	}

	svc, err := support.New(cfg, opts)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := closeStore(); err != nil {
			logger.Error("Closing checkpoint store failed", "error", err)
		}
		_ = logger.Close()
	}
	return svc, cleanup, nil
}

// knowledgeEntry is one line of the JSONL knowledge file.
type knowledgeEntry struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Source   string `json:"source"`
	Category string `json:"category"`
}

// loadKnowledge reads a JSONL file into a BM25 index.
func loadKnowledge(path string) (*retrieval.BM25Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open knowledge file %s: %w", path, err)
	}
	defer f.Close()

	idx := retrieval.NewBM25Index()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if text == "" {
			continue
		}
		var entry knowledgeEntry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			return nil, fmt.Errorf("parse knowledge line %d: %w", line, err)
		}
		idx.Add(retrieval.Document{
			ID:       entry.ID,
			Text:     entry.Text,
			Source:   entry.Source,
			Category: entry.Category,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	return idx, nil
}
