package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name: "returns defaults when no overrides",
			setup: func(t *testing.T) []string {
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, 3600, cfg.Server.Store.DefaultTTLSeconds)
				require.Equal(t, "none", cfg.Server.Events.Backend)
				require.Equal(t, 30, cfg.Governance.Tracker.RateThreshold)
				require.Len(t, cfg.Governance.RateLimits.Classes, 3)
				require.Equal(t, "authentication", cfg.Governance.RateLimits.Classes[0].Class)
				require.Equal(t, []string{"/auth", "/login", "/register"}, cfg.Governance.RateLimits.Classes[0].Match)
				require.Equal(t, 300, cfg.Governance.RateLimits.Classes[0].WindowSeconds)
				require.Equal(t, 100, cfg.Governance.RateLimits.Default.Requests)
				require.Equal(t, []string{"places", "flights", "hotels"}, cfg.Providers.SearchKinds)
			},
		},
		{
			name: "merges yaml file overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "server.yaml")
				contents := "server:\n  listen:\n    port: 9090\ngovernance:\n  blockSuspicious: true\n  rateLimits:\n    classes:\n      - class: authentication\n        match: [/auth]\n        requests: 3\n        windowSeconds: 60\n"
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.True(t, cfg.Governance.BlockSuspicious)
				require.Len(t, cfg.Governance.RateLimits.Classes, 1)
				require.Equal(t, 3, cfg.Governance.RateLimits.Classes[0].Requests)
				require.Equal(t, 100, cfg.Governance.RateLimits.Default.Requests, "untouched sections keep defaults")
			},
		},
		{
			name: "merges json file overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "server.json")
				require.NoError(t, os.WriteFile(path, []byte(`{"server":{"store":{"defaultTTLSeconds":120}}}`), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 120, cfg.Server.Store.DefaultTTLSeconds)
			},
		},
		{
			name: "merges toml file overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "server.toml")
				require.NoError(t, os.WriteFile(path, []byte("[admin]\ntoken = \"s3cret\"\n"), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "s3cret", cfg.Admin.Token)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("TRIPGUARD_SERVER__LISTEN__PORT", "9091")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
			},
		},
		{
			name: "maps env keys onto camelCase settings",
			setup: func(t *testing.T) []string {
				t.Setenv("TRIPGUARD_GOVERNANCE__TRACKER__RATETHRESHOLD", "45")
				t.Setenv("TRIPGUARD_GOVERNANCE__TRACKER__SUSPICION_TTL_SECONDS", "600")
				t.Setenv("TRIPGUARD_SERVER__STORE__DEFAULTTTLSECONDS", "90")
				t.Setenv("TRIPGUARD_ADMIN__TOKEN", "from-env")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 45, cfg.Governance.Tracker.RateThreshold)
				require.Equal(t, 600, cfg.Governance.Tracker.SuspicionTTLSeconds)
				require.Equal(t, 90, cfg.Server.Store.DefaultTTLSeconds)
				require.Equal(t, "from-env", cfg.Admin.Token)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails on unsupported extension",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "server.ini")
				require.NoError(t, os.WriteFile(path, []byte("port=1"), 0o600))
				return []string{path}
			},
			wantErr: true,
		},
		{
			name: "fails validation",
			setup: func(t *testing.T) []string {
				t.Setenv("TRIPGUARD_SERVER__EVENTS__BACKEND", "kafka")
				return nil
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := tc.setup(t)
			cfg, err := NewLoader("TRIPGUARD", files...).Load(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.assert != nil {
				tc.assert(t, cfg)
			}
		})
	}
}

func TestLoaderHonorsCancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLoader("TRIPGUARD", path).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
