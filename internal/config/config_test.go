package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.APIPort)
	assert.Equal(t, 60*time.Minute, cfg.DefaultTTL())
	assert.Equal(t, 30*time.Minute, cfg.Extension())
	assert.Equal(t, 2, cfg.MaxExtensions)
	assert.Equal(t, 30*time.Second, cfg.MaintenanceInterval())
	assert.Equal(t, 120*time.Second, cfg.ReconcileInterval())
	assert.Equal(t, 10*time.Minute, cfg.ProvisioningTimeout())
	assert.True(t, cfg.AdmissionStrict)
	assert.Equal(t, "10.200.0.0/16", cfg.NetworkBaseCIDR)
}

func TestLoadFromEnvFileAndEnvironment(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("MAX_ACTIVE_SESSIONS=7\nORCHESTRATOR_URL=http://orch:9000\n"), 0o644))
	t.Setenv("ADMISSION_STRICT", "false")
	t.Setenv("NETWORK_SUBNET_PREFIX", "26")
	t.Cleanup(func() {
		os.Unsetenv("MAX_ACTIVE_SESSIONS")
		os.Unsetenv("ORCHESTRATOR_URL")
	})

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxActiveSessions)
	assert.Equal(t, "http://orch:9000", cfg.OrchestratorURL)
	assert.False(t, cfg.AdmissionStrict)
	assert.Equal(t, 26, cfg.NetworkSubnetPrefix)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"ipv6 base":        func(c *Config) { c.NetworkBaseCIDR = "fd00::/48" },
		"bad base":         func(c *Config) { c.NetworkBaseCIDR = "not-a-cidr" },
		"prefix too short": func(c *Config) { c.NetworkSubnetPrefix = 8 },
		"prefix too long":  func(c *Config) { c.NetworkSubnetPrefix = 31 },
		"zero ttl":         func(c *Config) { c.DefaultTTLMinutes = 0 },
		"negative ext":     func(c *Config) { c.MaxExtensions = -1 },
		"unknown backend":  func(c *Config) { c.OrchestratorBackend = "nomad" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Defaults().Validate())
}
