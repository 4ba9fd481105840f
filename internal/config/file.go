package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"edgerelay/internal/config/tomlkeys"
	"edgerelay/internal/logging"
)

// ReadFile decodes a TOML or YAML config file into a flat key store.
// The format is picked by extension; anything other than .yaml/.yml is TOML.
func ReadFile(path string) (tomlkeys.Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tomlkeys.Store{}, fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw := map[string]any{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return tomlkeys.Store{}, fmt.Errorf("%w: parse %s: %w", ErrInvalid, path, err)
		}
		return tomlkeys.FromRaw(raw), nil
	default:
		store, err := tomlkeys.Decode(data)
		if err != nil {
			return tomlkeys.Store{}, fmt.Errorf("%w: parse %s: %w", ErrInvalid, path, err)
		}
		return store, nil
	}
}

// ReloadLogLevel re-reads the config file and returns its log level. It
// reports false when the level is pinned by a flag or the environment, or
// when the file does not set one.
func (c Config) ReloadLogLevel() (logging.Level, bool, error) {
	if c.ConfigPath == "" {
		return "", false, nil
	}
	switch c.Sources["log-level"] {
	case SourceFlag, SourceEnv:
		return "", false, nil
	}
	store, err := ReadFile(c.ConfigPath)
	if err != nil {
		return "", false, err
	}
	raw, ok := store.Lookup("log-level")
	if !ok {
		return logging.LevelInfo, true, nil
	}
	level, ok := logging.ParseLevel(raw)
	if !ok {
		return "", false, fmt.Errorf("%w: log-level: unknown level %q", ErrInvalid, raw)
	}
	return level, true, nil
}
