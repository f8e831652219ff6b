package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation and format error.
var ErrInvalid = errors.New("invalid configuration")

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed files are. The format
// follows the file extension: .json, .toml, .yaml or .yml.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths:
// ~/.beadwork/config.{json,toml,yaml,yml} and .beadwork/config.{...}
// relative to the working directory. The first existing file in each
// directory is used.
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	return Load(findConfig(filepath.Join(homeDir, ".beadwork")), findConfig(".beadwork"))
}

func findConfig(dir string) string {
	for _, ext := range []string{".json", ".toml", ".yaml", ".yml"} {
		path := filepath.Join(dir, "config"+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// mergeConfigFile decodes path over base. Keys present in the file replace
// the base values; map entries are merged by key and lists are replaced.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, base)
	case ".toml":
		_, err = toml.Decode(string(data), base)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, base)
	default:
		return fmt.Errorf("%w: unsupported config format %q", ErrInvalid, ext)
	}
	if err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
	}
	return nil
}
