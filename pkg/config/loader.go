package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path on top of the built-in defaults.
// Values may reference environment variables as ${VAR} or ${VAR:fallback}.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(raw)
}

// Parse loads configuration from raw YAML bytes.
func Parse(raw []byte) (*Config, error) {
	expanded := expandEnv(string(raw))

	var tree map[string]any
	if err := yaml.Unmarshal([]byte(expanded), &tree); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(tree, "."), nil); err != nil {
		return nil, fmt.Errorf("loading config tree: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	for i := range cfg.Agents {
		if cfg.Agents[i].Status == "" {
			cfg.Agents[i].Status = AgentStatusActive
		}
		if cfg.Agents[i].MaxMessages == 0 {
			cfg.Agents[i].MaxMessages = cfg.Limits.MaxMessages
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv substitutes ${VAR} and ${VAR:fallback} references.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		name, fallback, hasFallback := strings.Cut(key, ":")
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if hasFallback {
			return fallback
		}
		return ""
	})
}

// Watch reloads the file on change and invokes onChange with the new
// config. Invalid edits are logged and skipped; the previous config
// stays in effect. The returned stop function releases the watcher.
func Watch(path string, logger *slog.Logger, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("config reload failed, keeping previous", "error", err)
					continue
				}
				logger.Info("config reloaded", "path", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
