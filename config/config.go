// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package config loads the single ./config.json the dispatcher process
// reads at startup. Unlike the hot-reloading, multi-source configuration
// this package used to provide, the tiered memory service reads its
// configuration exactly once: there is no file watcher, no environment
// variable override layer, and no HTTP administration API.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/memtierd/memtierd/internal/compressor"
)

// WSSConfig is the `wss` config.json section: the bind address for the
// single websocket control channel.
type WSSConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// OpenLLMConfig is the `openllm` config.json section.
type OpenLLMConfig struct {
	BaseURL             string  `json:"base_url"`
	Model               string  `json:"model"`
	Temp                float32 `json:"temp"`
	MaxCompletionTokens int     `json:"max_completion_tokens"`
}

// ShortVDBConfig is the `short_vdb` config.json section, mapped onto
// memory.EvictingStoreConfig at Bundle construction time.
type ShortVDBConfig struct {
	ProgressiveEviction bool `json:"progressive_eviction"`
	MaxSizeBeforeEvict  int  `json:"max_size_before_evict"`
}

// LongVDBConfig is the `long_vdb` config.json section.
type LongVDBConfig struct {
	MaxSize           int `json:"max_size"`
	MaxMemoryLifetime int `json:"max_memory_lifetime"`
}

// UserDBConfig is the `user_db` config.json section.
type UserDBConfig struct {
	MaxSizePerUser int `json:"max_size_per_user"`
}

// CacheConfig is the optional `cache` section enabling the Redis-backed
// query cache in front of SemanticStore.Query. A zero value (no addr)
// disables the cache.
type CacheConfig struct {
	RedisAddr string `json:"redis_addr"`
}

// AuditConfig is the optional `audit` section enabling the Mongo-backed
// dispatcher journal. A zero value (no URI) leaves the bounded in-memory
// journal in place.
type AuditConfig struct {
	MongoURI string `json:"mongo_uri"`
}

// UserDBMirrorConfig is the optional `userdb_mirror` section enabling the
// relational UserLog mirror.
type UserDBMirrorConfig struct {
	SQLitePath string `json:"sqlite_path"`
}

// Config is the full shape of ./config.json.
type Config struct {
	WSS          WSSConfig           `json:"wss"`
	OpenLLM      OpenLLMConfig       `json:"openllm"`
	ShortVDB     ShortVDBConfig      `json:"short_vdb"`
	LongVDB      LongVDBConfig       `json:"long_vdb"`
	UserDB       UserDBConfig        `json:"user_db"`
	Compression  compressor.Config   `json:"compression"`
	Cache        *CacheConfig        `json:"cache,omitempty"`
	Audit        *AuditConfig        `json:"audit,omitempty"`
	UserDBMirror *UserDBMirrorConfig `json:"userdb_mirror,omitempty"`
}

// Default returns the documented defaults for every required section.
func Default() *Config {
	return &Config{
		WSS: WSSConfig{Host: "127.0.0.1", Port: 4286},
		OpenLLM: OpenLLMConfig{
			BaseURL:             "https://api.openai.com",
			Model:               "gpt-4o-mini",
			Temp:                0.7,
			MaxCompletionTokens: 1024,
		},
		ShortVDB: ShortVDBConfig{ProgressiveEviction: true, MaxSizeBeforeEvict: 500},
		LongVDB:  LongVDBConfig{MaxSize: 5000, MaxMemoryLifetime: 90},
		UserDB:   UserDBConfig{MaxSizePerUser: 200},
		Compression: compressor.DefaultConfig(),
	}
}

// Load reads path and returns its parsed Config. A missing file or one that
// fails to parse as JSON is treated the same way: the documented defaults
// are written back to path and returned, so a fresh deployment always ends
// up with a config.json on disk describing what it is running with.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if werr := writeBack(path, cfg); werr != nil {
			return nil, werr
		}
		return cfg, nil
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		if werr := writeBack(path, cfg); werr != nil {
			return nil, werr
		}
		return cfg, nil
	}

	return cfg, nil
}

func writeBack(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal defaults: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
