// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store loads and saves the configuration file at one path. Save and
// Load are serialized so a concurrent reload never reads a file that
// is halfway through being replaced by this process.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a Store for path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// ResolvePath returns the configuration path: flagValue when set,
// otherwise the REMODANCE_CONFIG environment variable. An empty result
// is an error: there is no implicit search.
func ResolvePath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if path := os.Getenv(EnvironmentVariable); path != "" {
		return path, nil
	}
	return "", fmt.Errorf("no configuration path: pass --config or set %s", EnvironmentVariable)
}

// Path returns the file path this store reads and writes.
func (s *Store) Path() string {
	return s.path
}

// isJSON reports whether the store's file uses the JSONC format.
func (s *Store) isJSON() bool {
	extension := strings.ToLower(filepath.Ext(s.path))
	return extension == ".json" || extension == ".jsonc"
}

// Load reads the configuration. A missing file yields [Default]. The
// result is not validated; callers decide how to treat invalid input.
func (s *Store) Load() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", s.path, err)
	}

	cfg, err := Parse(data, s.isJSON())
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", s.path, err)
	}
	return cfg, nil
}

// Save atomically replaces the configuration file with cfg. The file
// is written to a temporary path in the same directory, fsynced, and
// renamed into place; the parent directory is then fsynced so the
// rename survives power loss. The parent directory is created if
// needed. The file mode is 0600 because it may hold an API token.
func (s *Store) Save(cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	var err error
	if s.isJSON() {
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	directory := filepath.Dir(s.path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temporaryPath := s.path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary config file: %w", err)
	}

	// Write, sync, close, in that order. On failure the temporary file
	// is removed and the first error reported.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary config file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary config file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary config file: %w", err)
	}

	if err := os.Rename(temporaryPath, s.path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming config file into place: %w", err)
	}

	parentDirectory, err := os.Open(directory)
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}
	return nil
}
