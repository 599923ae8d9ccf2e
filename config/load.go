package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	kenv "github.com/knadh/koanf/providers/env"
	kfile "github.com/knadh/koanf/providers/file"
	kstructs "github.com/knadh/koanf/providers/structs"
	kfn "github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. TRUSTGATE_API_KEY__RATE_LIMIT
// maps to api_key.rate_limit: a double underscore denotes nesting.
const EnvPrefix = "TRUSTGATE_"

// Load builds a Config from defaults, then the optional YAML file at path,
// then environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	k := kfn.New(".")
	if err := k.Load(kstructs.Provider(Default(), "yaml"), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("error opening config file: %w", err)
		}
		switch ext := strings.ToLower(filepath.Ext(absPath)); ext {
		case ".yaml", ".yml":
		default:
			return nil, fmt.Errorf("unsupported config extension %q", ext)
		}
		slog.Info("loading configuration file", "path", absPath)
		if err := k.Load(kfile.Provider(absPath), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config file: %w", err)
		}
	}

	if err := k.Load(kenv.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, kfn.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey transforms TRUSTGATE_FOO__BAR_BAZ into foo.bar_baz.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}
