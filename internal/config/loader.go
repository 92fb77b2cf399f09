package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}
	// Env keys arrive lower-cased; map them back onto the camelCase keys the
	// defaults define so both spellings never coexist in the tree.
	canonical := make(map[string]string)
	for _, key := range k.Keys() {
		canonical[strings.ToLower(key)] = key
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(lower, "_", "")
			if mapped, ok := canonical[key]; ok {
				return mapped
			}
			return key
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %s", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	classes := make([]any, 0, len(cfg.Governance.RateLimits.Classes))
	for _, rule := range cfg.Governance.RateLimits.Classes {
		classes = append(classes, rateLimitToMap(rule))
	}
	kinds := make([]any, 0, len(cfg.Providers.SearchKinds))
	for _, kind := range cfg.Providers.SearchKinds {
		kinds = append(kinds, kind)
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"store": map[string]any{
				"defaultTTLSeconds":       cfg.Server.Store.DefaultTTLSeconds,
				"sessionTTLSeconds":       cfg.Server.Store.SessionTTLSeconds,
				"collaborationTTLSeconds": cfg.Server.Store.CollaborationTTLSeconds,
				"sweepChunk":              cfg.Server.Store.SweepChunk,
			},
			"events": map[string]any{
				"backend": cfg.Server.Events.Backend,
				"valkey": map[string]any{
					"address":  cfg.Server.Events.Valkey.Address,
					"username": cfg.Server.Events.Valkey.Username,
					"password": cfg.Server.Events.Valkey.Password,
					"db":       cfg.Server.Events.Valkey.DB,
					"channel":  cfg.Server.Events.Valkey.Channel,
					"tls": map[string]any{
						"enabled": cfg.Server.Events.Valkey.TLS.Enabled,
						"caFile":  cfg.Server.Events.Valkey.TLS.CAFile,
					},
				},
			},
		},
		"governance": map[string]any{
			"sweepIntervalSeconds": cfg.Governance.SweepIntervalSeconds,
			"blockSuspicious":      cfg.Governance.BlockSuspicious,
			"tracker": map[string]any{
				"historySize":         cfg.Governance.Tracker.HistorySize,
				"windowSeconds":       cfg.Governance.Tracker.WindowSeconds,
				"rateThreshold":       cfg.Governance.Tracker.RateThreshold,
				"pathThreshold":       cfg.Governance.Tracker.PathThreshold,
				"suspicionTTLSeconds": cfg.Governance.Tracker.SuspicionTTLSeconds,
				"idleTTLSeconds":      cfg.Governance.Tracker.IdleTTLSeconds,
				"accessListFile":      cfg.Governance.Tracker.AccessListFile,
			},
			"rateLimits": map[string]any{
				"default": rateLimitToMap(cfg.Governance.RateLimits.Default),
				"classes": classes,
			},
		},
		"admin": map[string]any{
			"token": cfg.Admin.Token,
		},
		"providers": map[string]any{
			"baseURL":         cfg.Providers.BaseURL,
			"timeoutSeconds":  cfg.Providers.TimeoutSeconds,
			"cacheTTLSeconds": cfg.Providers.CacheTTLSeconds,
			"searchKinds":     kinds,
		},
	}
}

func rateLimitToMap(rule RateLimitConfig) map[string]any {
	match := make([]any, 0, len(rule.Match))
	for _, fragment := range rule.Match {
		match = append(match, fragment)
	}
	return map[string]any{
		"class":         rule.Class,
		"match":         match,
		"requests":      rule.Requests,
		"windowSeconds": rule.WindowSeconds,
	}
}
