// SPDX-License-Identifier: AGPL-3.0-only

package rebalancer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/grafana/dskit/flagext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := map[string]struct {
		mutate  func(*Config)
		wantErr bool
	}{
		"defaults are valid":       {mutate: func(*Config) {}},
		"zero interval":            {mutate: func(cfg *Config) { cfg.Interval = 0 }, wantErr: true},
		"negative lookback":        {mutate: func(cfg *Config) { cfg.LookbackWindow = -1 }, wantErr: true},
		"zero factor-min":          {mutate: func(cfg *Config) { cfg.FactorMin = 0 }, wantErr: true},
		"inverted factor bounds":   {mutate: func(cfg *Config) { cfg.FactorMin = 5; cfg.FactorMax = 2 }, wantErr: true},
		"load rate above 1":        {mutate: func(cfg *Config) { cfg.LoadRate = 1.5 }, wantErr: true},
		"negative load rate":       {mutate: func(cfg *Config) { cfg.LoadRate = -0.1 }, wantErr: true},
		"negative explicit counts": {mutate: func(cfg *Config) { cfg.NumExplicitSmallTransactions = -1 }, wantErr: true},
		"zero concurrency":         {mutate: func(cfg *Config) { cfg.MaxConcurrentOrgs = 0 }, wantErr: true},
		"unknown cache backend":    {mutate: func(cfg *Config) { cfg.Cache.Backend = "redis" }, wantErr: true},
		"memcached no addresses":   {mutate: func(cfg *Config) { cfg.Cache.Backend = BackendMemcached; cfg.Cache.MemcachedAddresses = "" }, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := defaultTestConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_DefaultFlagValues(t *testing.T) {
	var cfg Config
	flagext.DefaultValues(&cfg)

	assert.Equal(t, 0.1, cfg.FactorMin)
	assert.Equal(t, 10.0, cfg.FactorMax)
	assert.Equal(t, 1.0, cfg.LoadRate)
	assert.Equal(t, 30, cfg.NumExplicitLargeTransactions)
	assert.Equal(t, 0, cfg.NumExplicitSmallTransactions)
	assert.NoError(t, cfg.Validate())
}

func TestOverrides_FallBackToDefaults(t *testing.T) {
	overrides := NewOverrides(Limits{BlendedSampleRate: 0.25}, NewStaticOrgLimits(map[int64]*Limits{
		7: {BlendedSampleRate: 0.5},
	}))

	assert.Equal(t, 0.5, overrides.BlendedSampleRate(7))
	assert.Equal(t, 0.25, overrides.BlendedSampleRate(8))
}

func TestLoadOrgLimitsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
overrides:
  7:
    blended_sample_rate: 0.5
  8: {}
`), 0o600))

	orgLimits, err := LoadOrgLimitsFile(path, Limits{BlendedSampleRate: 0.25})
	require.NoError(t, err)

	require.NotNil(t, orgLimits.ByOrgID(7))
	assert.Equal(t, 0.5, orgLimits.ByOrgID(7).BlendedSampleRate)

	// An org listed without values inherits the flag-configured defaults.
	require.NotNil(t, orgLimits.ByOrgID(8))
	assert.Equal(t, 0.25, orgLimits.ByOrgID(8).BlendedSampleRate)

	// Unlisted orgs have no overrides at all.
	assert.Nil(t, orgLimits.ByOrgID(9))
}

func TestLoadOrgLimitsFile_Missing(t *testing.T) {
	_, err := LoadOrgLimitsFile(filepath.Join(t.TempDir(), "nope.yaml"), Limits{})
	assert.Error(t, err)
}
