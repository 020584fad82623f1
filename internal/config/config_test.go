package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultNetwork, cfg.Network)
	assert.Equal(t, DefaultGraceWindow, cfg.GraceWindow)
	assert.Equal(t, DefaultScanInterval, cfg.ScanInterval)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("NETWORK", "arbitrum_one")
	t.Setenv("DELIVERY_GRACE_WINDOW", "10s")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("FUNCTIONS_SUBSCRIPTION_ID", "271")
	t.Setenv("FUNCTIONS_GAS_LIMIT", "250000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "arbitrum_one", cfg.Network)
	assert.Equal(t, 10*time.Second, cfg.GraceWindow)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, uint64(271), cfg.FunctionsSubscriptionID)
	assert.Equal(t, uint32(250000), cfg.FunctionsGasLimit)
	assert.Equal(t, DefaultFunctionsDonID, cfg.FunctionsDonID)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing network",
			mutate:  func(c *Config) { c.Network = "" },
			wantErr: true,
		},
		{
			name:    "zero grace window",
			mutate:  func(c *Config) { c.GraceWindow = 0 },
			wantErr: true,
		},
		{
			name:    "negative scan interval",
			mutate:  func(c *Config) { c.ScanInterval = -time.Second },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Network:      DefaultNetwork,
				ScanInterval: DefaultScanInterval,
				GraceWindow:  DefaultGraceWindow,
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
