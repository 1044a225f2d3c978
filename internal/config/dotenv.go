// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// DotEnvPaths returns the .env files consulted before environment
// overrides: ./.env, then ~/.ragchat/.env.
func DotEnvPaths() []string {
	paths := []string{".env"}
	if dir, err := ConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, ".env"))
	}
	return paths
}

// LoadDotEnv copies KEY=VALUE pairs from each existing file into the
// process environment. Variables already set are left alone, so earlier
// files win over later ones. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}
