package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"claimgate/cmd/internal/adsession"
	"claimgate/cmd/internal/authz"
	"claimgate/cmd/internal/catalog"
	"claimgate/cmd/internal/peered"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_ServiceLimitsFromEnv(t *testing.T) {
	t.Setenv("CLAIMGATE_TOKEN_BYTES", "48")
	t.Setenv("CLAIMGATE_TOKEN_RETENTION", "2h")
	t.Setenv("CLAIMGATE_AD_MAX_AGE", "4m")
	t.Setenv("CLAIMGATE_AD_DEFAULT_MIN_WATCH", "20s")
	t.Setenv("CLAIMGATE_AD_RETENTION", "48h")
	t.Setenv("CLAIMGATE_PEERED_MAX_AGE", "20m")
	t.Setenv("CLAIMGATE_PEERED_MIN_TIME_PER_AD", "9s")
	t.Setenv("CLAIMGATE_PEERED_MAX_PROVIDERS", "4")
	t.Setenv("CLAIMGATE_PEERED_RETENTION", "72h")

	cfg := LoadConfig()
	require.Equal(t, 48, cfg.TokenBytes)
	require.Equal(t, 2*time.Hour, cfg.TokenRetention)
	require.Equal(t, adsession.Config{
		MaxAge:          4 * time.Minute,
		DefaultMinWatch: 20 * time.Second,
		Retention:       48 * time.Hour,
	}, cfg.adSessionConfig())
	require.Equal(t, peered.Config{
		MaxAge:              20 * time.Minute,
		DefaultMinTimePerAd: 9 * time.Second,
		MaxProviders:        4,
		Retention:           72 * time.Hour,
	}, cfg.peeredConfig())
}

func TestLoadConfig_ServiceDefaults(t *testing.T) {
	for _, k := range []string{
		"CLAIMGATE_TOKEN_BYTES", "CLAIMGATE_TOKEN_RETENTION",
		"CLAIMGATE_AD_MAX_AGE", "CLAIMGATE_AD_DEFAULT_MIN_WATCH", "CLAIMGATE_AD_RETENTION",
		"CLAIMGATE_PEERED_MAX_AGE", "CLAIMGATE_PEERED_MIN_TIME_PER_AD",
		"CLAIMGATE_PEERED_MAX_PROVIDERS", "CLAIMGATE_PEERED_RETENTION",
	} {
		t.Setenv(k, "")
	}

	cfg := LoadConfig()
	require.Equal(t, 32, cfg.TokenBytes)
	require.Equal(t, adsession.DefaultConfig(), cfg.adSessionConfig())
	require.Equal(t, peered.DefaultConfig(), cfg.peeredConfig())
}

func TestAssemble_AppliesServiceLimits(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, func(c *Config) {
		c.TokenBytes = 48
		c.AdMaxAge = 4 * time.Minute
		c.AdDefaultMinWatch = 20 * time.Second
		c.PeeredMaxAge = 20 * time.Minute
		c.PeeredMaxProviders = 4
	})

	require.Equal(t, 4*time.Minute, ta.app.ads.Config().MaxAge)
	require.Equal(t, 20*time.Second, ta.app.ads.Config().DefaultMinWatch)
	require.Equal(t, 20*time.Minute, ta.app.peers.Config().MaxAge)
	require.Equal(t, 4, ta.app.peers.Config().MaxProviders)

	pol, ok := ta.app.tokens.Policies().Lookup(authz.ActionFaucetClaim)
	require.True(t, ok)
	bound := map[string]string{}
	for _, f := range pol.Required {
		bound[f] = "x"
	}
	issued, err := ta.app.tokens.Issue(context.Background(), authz.IssueInput{
		UserID:  "u1",
		Kind:    authz.ActionFaucetClaim,
		Context: bound,
	})
	require.NoError(t, err)
	require.Len(t, issued.TokenID, 64, "48 random bytes in unpadded base64url")
}

func TestAssemble_RejectsInvalidServiceLimits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "short tokens", mutate: func(c *Config) { c.TokenBytes = 8 }},
		{name: "negative token retention", mutate: func(c *Config) { c.TokenRetention = -time.Hour }},
		{name: "ad min watch not below max age", mutate: func(c *Config) { c.AdDefaultMinWatch = c.AdMaxAge }},
		{name: "ad retention below max age", mutate: func(c *Config) { c.AdRetention = time.Minute }},
		{name: "peered step not below max age", mutate: func(c *Config) { c.PeeredMinTimePerAd = c.PeeredMaxAge }},
		{name: "no peered providers", mutate: func(c *Config) { c.PeeredMaxProviders = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			tt.mutate(&cfg)
			_, err := assembleTest(t, cfg, testGateConfig(strings.Repeat("j", 32)))
			require.Error(t, err)
		})
	}
}

func TestAssemble_CatalogMustFitConfiguredLimits(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - id: adgem
    reward: "0.00025"
    min_watch: 90s
  - id: lootably
    reward: "0.0005"
  - id: offertoro
    reward: "0.001"
groups:
  - index: 0
    providers: [adgem, lootably, offertoro]
    min_time_per_ad: 12s
`), 0o600))

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "group larger than provider limit", mutate: func(c *Config) { c.PeeredMaxProviders = 2 }},
		{name: "min watch beyond ad max age", mutate: func(c *Config) {
			c.AdMaxAge = 80 * time.Second
			c.AdDefaultMinWatch = 10 * time.Second
		}},
		{name: "step beyond peered max age", mutate: func(c *Config) {
			c.PeeredMaxAge = 10 * time.Second
			c.PeeredMinTimePerAd = 5 * time.Second
			c.PeeredSessionRetention = time.Hour
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			cfg.CatalogFile = path
			tt.mutate(&cfg)
			_, err := assembleTest(t, cfg, testGateConfig(strings.Repeat("j", 32)))
			require.ErrorIs(t, err, catalog.ErrInvalidCatalog)
		})
	}

	cfg := testConfig(t)
	cfg.CatalogFile = path
	a, err := assembleTest(t, cfg, testGateConfig(strings.Repeat("j", 32)))
	require.NoError(t, err)
	a.Close()
}
