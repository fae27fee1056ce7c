// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileWritesDefaultsBack(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk Config
	require.NoError(t, json.Unmarshal(data, &onDisk))
	// Compression.Concurrency is tagged json:"-", so it is not written back;
	// compressor.New applies its own default when it reads as zero.
	want := *Default()
	want.Compression.Concurrency = 0
	require.Equal(t, want, onDisk)
}

func TestLoad_InvalidJSONFallsBackToDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_ValidFileOverridesDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"wss":{"host":"0.0.0.0","port":9000},"long_vdb":{"max_size":42,"max_memory_lifetime":7}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.WSS.Host)
	require.Equal(t, 9000, cfg.WSS.Port)
	require.Equal(t, 42, cfg.LongVDB.MaxSize)
	require.Equal(t, 7, cfg.LongVDB.MaxMemoryLifetime)
	// Sections absent from the file keep their defaults.
	require.Equal(t, Default().OpenLLM, cfg.OpenLLM)
}

func TestLoadEnvFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nOPENAI_API_KEY=sk-test-123\nQUOTED=\"value\"\nmalformed line\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	env, err := LoadEnvFile(path)
	require.NoError(t, err)
	require.Equal(t, "sk-test-123", env["OPENAI_API_KEY"])
	require.Equal(t, "value", env["QUOTED"])
	require.NotContains(t, env, "malformed line")
}

func TestLoadEnvFile_MissingIsNotAnError(t *testing.T) {
	t.Parallel()
	env, err := LoadEnvFile(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	require.Empty(t, env)
}

func TestOpenAIAPIKey_PrefersEnvFileOverProcess(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "from-process")
	key, err := OpenAIAPIKey(map[string]string{"OPENAI_API_KEY": "from-file"})
	require.NoError(t, err)
	require.Equal(t, "from-file", key)
}
