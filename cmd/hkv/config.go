package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// Config holds default tuning applied when creating database files.
type Config struct {
	APow   int   `json:"apow,omitempty"`
	FPow   int   `json:"fpow,omitempty"`
	BNum   int64 `json:"bnum,omitempty"`
	MSiz   int64 `json:"msiz,omitempty"`
	DFUnit int64 `json:"dfunit,omitempty"`

	Small    bool `json:"small,omitempty"`
	Linear   bool `json:"linear,omitempty"`
	Compress bool `json:"compress,omitempty"`
}

// ConfigFileName is the project-local config file name.
const ConfigFileName = ".hkv.json"

var errConfigInvalid = errors.New("invalid config file")

// getGlobalConfigPath returns the path to the global config file:
// $XDG_CONFIG_HOME/hkv/config.json, falling back to ~/.config/hkv/config.json.
func getGlobalConfigPath() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "hkv", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "hkv", "config.json")
	}

	return ""
}

// LoadConfig loads tuning defaults with the following precedence (highest
// wins): built-in zero values, global user config, project config in the
// working directory. Flags override on top of the result.
func LoadConfig(workDir string) (Config, error) {
	var cfg Config

	globalPath := getGlobalConfigPath()
	if globalPath != "" {
		loaded, err := loadConfigFile(globalPath)
		if err != nil {
			return Config{}, err
		}

		if loaded != nil {
			cfg = mergeConfig(cfg, *loaded)
		}
	}

	loaded, err := loadConfigFile(filepath.Join(workDir, ConfigFileName))
	if err != nil {
		return Config{}, err
	}

	if loaded != nil {
		cfg = mergeConfig(cfg, *loaded)
	}

	return cfg, nil
}

// loadConfigFile parses one HuJSON config file; a missing file is not an
// error.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errConfigInvalid, path, err)
	}

	var cfg Config

	decoder := json.NewDecoder(strings.NewReader(string(standardized)))
	decoder.DisallowUnknownFields()

	err = decoder.Decode(&cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errConfigInvalid, path, err)
	}

	return &cfg, nil
}

// mergeConfig overlays set fields of over onto base.
func mergeConfig(base, over Config) Config {
	if over.APow != 0 {
		base.APow = over.APow
	}

	if over.FPow != 0 {
		base.FPow = over.FPow
	}

	if over.BNum != 0 {
		base.BNum = over.BNum
	}

	if over.MSiz != 0 {
		base.MSiz = over.MSiz
	}

	if over.DFUnit != 0 {
		base.DFUnit = over.DFUnit
	}

	if over.Small {
		base.Small = true
	}

	if over.Linear {
		base.Linear = true
	}

	if over.Compress {
		base.Compress = true
	}

	return base
}
