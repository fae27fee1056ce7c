// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadEnvFile parses a `./.env` KEY=VALUE file, ignoring blank lines and
// lines starting with '#'. A missing file is not an error: callers fall
// back to the process environment for any key they need.
func LoadEnvFile(path string) (map[string]string, error) {
	out := make(map[string]string)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		out[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scan %s: %w", path, err)
	}
	return out, nil
}

// OpenAIAPIKey resolves the required OPENAI_API_KEY, preferring env over
// the OS process environment so a `.env` file always wins in development.
func OpenAIAPIKey(env map[string]string) (string, error) {
	if v, ok := env["OPENAI_API_KEY"]; ok && v != "" {
		return v, nil
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("config: OPENAI_API_KEY not set in .env or environment")
}
