package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds every process-start option.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Governance GovernanceConfig `koanf:"governance"`
	Admin      AdminConfig      `koanf:"admin"`
	Providers  ProvidersConfig  `koanf:"providers"`
}

// ServerConfig collects listener, logging, storage and event sink settings.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	Store   StoreConfig   `koanf:"store"`
	Events  EventsConfig  `koanf:"events"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StoreConfig sets the ephemeral store lifetimes.
type StoreConfig struct {
	DefaultTTLSeconds       int `koanf:"defaultTTLSeconds"`
	SessionTTLSeconds       int `koanf:"sessionTTLSeconds"`
	CollaborationTTLSeconds int `koanf:"collaborationTTLSeconds"`
	SweepChunk              int `koanf:"sweepChunk"`
}

// EventsConfig selects where governance events go.
type EventsConfig struct {
	Backend string             `koanf:"backend"`
	Valkey  EventsValkeyConfig `koanf:"valkey"`
}

type EventsValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	Channel  string          `koanf:"channel"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// GovernanceConfig tunes the tracker, the rate limits and the background sweep.
type GovernanceConfig struct {
	SweepIntervalSeconds int              `koanf:"sweepIntervalSeconds"`
	BlockSuspicious      bool             `koanf:"blockSuspicious"`
	Tracker              TrackerConfig    `koanf:"tracker"`
	RateLimits           RateLimitsConfig `koanf:"rateLimits"`
}

type TrackerConfig struct {
	HistorySize         int    `koanf:"historySize"`
	WindowSeconds       int    `koanf:"windowSeconds"`
	RateThreshold       int    `koanf:"rateThreshold"`
	PathThreshold       int    `koanf:"pathThreshold"`
	SuspicionTTLSeconds int    `koanf:"suspicionTTLSeconds"`
	IdleTTLSeconds      int    `koanf:"idleTTLSeconds"`
	AccessListFile      string `koanf:"accessListFile"`
}

// RateLimitsConfig lists class rules in match order plus the fallback budget.
type RateLimitsConfig struct {
	Default RateLimitConfig   `koanf:"default"`
	Classes []RateLimitConfig `koanf:"classes"`
}

type RateLimitConfig struct {
	Class         string   `koanf:"class"`
	Match         []string `koanf:"match"`
	Requests      int      `koanf:"requests"`
	WindowSeconds int      `koanf:"windowSeconds"`
}

// AdminConfig guards the operator routes. An empty token disables them.
type AdminConfig struct {
	Token string `koanf:"token"`
}

// ProvidersConfig points the search handlers at the upstream lookup service.
type ProvidersConfig struct {
	BaseURL         string   `koanf:"baseURL"`
	TimeoutSeconds  int      `koanf:"timeoutSeconds"`
	CacheTTLSeconds int      `koanf:"cacheTTLSeconds"`
	SearchKinds     []string `koanf:"searchKinds"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	store := c.Server.Store
	if store.DefaultTTLSeconds < 0 || store.SessionTTLSeconds < 0 || store.CollaborationTTLSeconds < 0 {
		return errors.New("config: server.store ttl values must not be negative")
	}
	if store.SweepChunk < 0 {
		return fmt.Errorf("config: server.store.sweepChunk invalid: %d", store.SweepChunk)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Events.Backend))
	switch backend {
	case "", "none":
	case "valkey":
		if strings.TrimSpace(c.Server.Events.Valkey.Address) == "" {
			return errors.New("config: server.events.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: server.events.backend unsupported: %s", c.Server.Events.Backend)
	}
	if err := c.Governance.validate(); err != nil {
		return err
	}
	if c.Providers.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: providers.timeoutSeconds invalid: %d", c.Providers.TimeoutSeconds)
	}
	if c.Providers.CacheTTLSeconds < 0 {
		return fmt.Errorf("config: providers.cacheTTLSeconds invalid: %d", c.Providers.CacheTTLSeconds)
	}
	for i, kind := range c.Providers.SearchKinds {
		if strings.TrimSpace(kind) == "" || strings.Contains(kind, "/") {
			return fmt.Errorf("config: providers.searchKinds[%d] invalid: %q", i, kind)
		}
	}
	return nil
}

func (g GovernanceConfig) validate() error {
	if g.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("config: governance.sweepIntervalSeconds invalid: %d", g.SweepIntervalSeconds)
	}
	t := g.Tracker
	if t.HistorySize <= 0 || t.WindowSeconds <= 0 || t.RateThreshold <= 0 || t.PathThreshold <= 0 || t.IdleTTLSeconds <= 0 {
		return errors.New("config: governance.tracker historySize, windowSeconds, rateThreshold, pathThreshold and idleTTLSeconds must be positive")
	}
	if t.SuspicionTTLSeconds < 0 {
		return fmt.Errorf("config: governance.tracker.suspicionTTLSeconds invalid: %d", t.SuspicionTTLSeconds)
	}
	if err := validateRateLimit("governance.rateLimits.default", g.RateLimits.Default); err != nil {
		return err
	}
	seen := map[string]struct{}{strings.TrimSpace(g.RateLimits.Default.Class): {}}
	for i, rule := range g.RateLimits.Classes {
		path := fmt.Sprintf("governance.rateLimits.classes[%d]", i)
		if err := validateRateLimit(path, rule); err != nil {
			return err
		}
		name := strings.TrimSpace(rule.Class)
		if name == "" {
			return fmt.Errorf("config: %s.class required", path)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("config: %s.class duplicate: %s", path, name)
		}
		seen[name] = struct{}{}
		if len(rule.Match) == 0 {
			return fmt.Errorf("config: %s.match requires at least one path fragment", path)
		}
		for j, fragment := range rule.Match {
			if strings.TrimSpace(fragment) == "" {
				return fmt.Errorf("config: %s.match[%d] empty", path, j)
			}
		}
	}
	return nil
}

func validateRateLimit(path string, rule RateLimitConfig) error {
	if rule.Requests <= 0 {
		return fmt.Errorf("config: %s.requests invalid: %d", path, rule.Requests)
	}
	if rule.WindowSeconds <= 0 {
		return fmt.Errorf("config: %s.windowSeconds invalid: %d", path, rule.WindowSeconds)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Store: StoreConfig{
				DefaultTTLSeconds:       3600,
				SessionTTLSeconds:       86400,
				CollaborationTTLSeconds: 300,
				SweepChunk:              256,
			},
			Events: EventsConfig{
				Backend: "none",
				Valkey: EventsValkeyConfig{
					Channel: "tripguard.events",
				},
			},
		},
		Governance: GovernanceConfig{
			SweepIntervalSeconds: 120,
			Tracker: TrackerConfig{
				HistorySize:    100,
				WindowSeconds:  60,
				RateThreshold:  30,
				PathThreshold:  10,
				IdleTTLSeconds: 3600,
			},
			RateLimits: RateLimitsConfig{
				Default: RateLimitConfig{Class: "default", Requests: 100, WindowSeconds: 3600},
				Classes: []RateLimitConfig{
					{Class: "authentication", Match: []string{"/auth", "/login", "/register"}, Requests: 10, WindowSeconds: 300},
					{Class: "conversational", Match: []string{"/chat", "/itinerary", "/generate"}, Requests: 20, WindowSeconds: 3600},
					{Class: "search", Match: []string{"/search", "/places", "/flights", "/hotels"}, Requests: 50, WindowSeconds: 3600},
				},
			},
		},
		Providers: ProvidersConfig{
			TimeoutSeconds:  10,
			CacheTTLSeconds: 3600,
			SearchKinds:     []string{"places", "flights", "hotels"},
		},
	}
}
