package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	APIPort       string `mapstructure:"API_PORT"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	DBPath        string `mapstructure:"DB_PATH"`
	TemplatesFile string `mapstructure:"TEMPLATES_FILE"`

	DefaultTTLMinutes int  `mapstructure:"DEFAULT_TTL_MINUTES"`
	ExtensionMinutes  int  `mapstructure:"EXTENSION_MINUTES"`
	MaxExtensions     int  `mapstructure:"MAX_EXTENSIONS"`
	MaxActiveSessions int  `mapstructure:"MAX_ACTIVE_SESSIONS"`
	AdmissionStrict   bool `mapstructure:"ADMISSION_STRICT"`

	NetworkBaseCIDR     string `mapstructure:"NETWORK_BASE_CIDR"`
	NetworkSubnetPrefix int    `mapstructure:"NETWORK_SUBNET_PREFIX"`

	MaintenanceIntervalSeconds int `mapstructure:"MAINTENANCE_INTERVAL_SECONDS"`
	ReconcileIntervalSeconds   int `mapstructure:"RECONCILE_INTERVAL_SECONDS"`
	ProvisioningTimeoutMinutes int `mapstructure:"PROVISIONING_TIMEOUT_MINUTES"`

	// --- Orchestrator ---
	OrchestratorURL            string `mapstructure:"ORCHESTRATOR_URL"`
	OrchestratorSecret         string `mapstructure:"ORCHESTRATOR_SECRET"`
	OrchestratorBackend        string `mapstructure:"ORCHESTRATOR_BACKEND"`
	OrchestratorTimeoutSeconds int    `mapstructure:"ORCHESTRATOR_TIMEOUT_SECONDS"`
	DockerConsoleImage         string `mapstructure:"DOCKER_CONSOLE_IMAGE"`
	DockerConsolePort          int    `mapstructure:"DOCKER_CONSOLE_PORT"`

	FallbackConsoleHost string `mapstructure:"FALLBACK_CONSOLE_HOST"`
	FallbackConsolePort int    `mapstructure:"FALLBACK_CONSOLE_PORT"`
	ConsoleWSPath       string `mapstructure:"CONSOLE_WS_PATH"`
}

var keys = map[string]any{
	"API_PORT":                     "8080",
	"LOG_LEVEL":                    "info",
	"DB_PATH":                      "./data/lab.db",
	"TEMPLATES_FILE":               "",
	"DEFAULT_TTL_MINUTES":          60,
	"EXTENSION_MINUTES":            30,
	"MAX_EXTENSIONS":               2,
	"MAX_ACTIVE_SESSIONS":          50,
	"ADMISSION_STRICT":             true,
	"NETWORK_BASE_CIDR":            "10.200.0.0/16",
	"NETWORK_SUBNET_PREFIX":        24,
	"MAINTENANCE_INTERVAL_SECONDS": 30,
	"RECONCILE_INTERVAL_SECONDS":   120,
	"PROVISIONING_TIMEOUT_MINUTES": 10,
	"ORCHESTRATOR_URL":             "",
	"ORCHESTRATOR_SECRET":          "",
	"ORCHESTRATOR_BACKEND":         "",
	"ORCHESTRATOR_TIMEOUT_SECONDS": 15,
	"DOCKER_CONSOLE_IMAGE":         "tsl0922/ttyd:alpine",
	"DOCKER_CONSOLE_PORT":          7681,
	"FALLBACK_CONSOLE_HOST":        "lab-console",
	"FALLBACK_CONSOLE_PORT":        7681,
	"CONSOLE_WS_PATH":              "/ws",
}

// Load reads envFile (if present) into the process environment and then
// resolves every option from the environment, falling back to defaults.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	for key, def := range keys {
		v.SetDefault(key, def)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults returns the configuration with every option at its default.
func Defaults() *Config {
	v := viper.New()
	for key, def := range keys {
		v.SetDefault(key, def)
	}
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func (c *Config) Validate() error {
	base, err := netip.ParsePrefix(c.NetworkBaseCIDR)
	if err != nil {
		return fmt.Errorf("NETWORK_BASE_CIDR: %w", err)
	}
	if !base.Addr().Is4() {
		return fmt.Errorf("NETWORK_BASE_CIDR must be an IPv4 range, got %s", c.NetworkBaseCIDR)
	}
	if c.NetworkSubnetPrefix < base.Bits() || c.NetworkSubnetPrefix > 30 {
		return fmt.Errorf("NETWORK_SUBNET_PREFIX must be between /%d and /30, got /%d", base.Bits(), c.NetworkSubnetPrefix)
	}
	for name, n := range map[string]int{
		"DEFAULT_TTL_MINUTES":          c.DefaultTTLMinutes,
		"EXTENSION_MINUTES":            c.ExtensionMinutes,
		"MAX_ACTIVE_SESSIONS":          c.MaxActiveSessions,
		"MAINTENANCE_INTERVAL_SECONDS": c.MaintenanceIntervalSeconds,
		"RECONCILE_INTERVAL_SECONDS":   c.ReconcileIntervalSeconds,
		"PROVISIONING_TIMEOUT_MINUTES": c.ProvisioningTimeoutMinutes,
		"ORCHESTRATOR_TIMEOUT_SECONDS": c.OrchestratorTimeoutSeconds,
	} {
		if n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, n)
		}
	}
	if c.MaxExtensions < 0 {
		return fmt.Errorf("MAX_EXTENSIONS must not be negative, got %d", c.MaxExtensions)
	}
	switch strings.ToLower(c.OrchestratorBackend) {
	case "", "http", "docker":
	default:
		return fmt.Errorf("ORCHESTRATOR_BACKEND must be http or docker, got %q", c.OrchestratorBackend)
	}
	return nil
}

func (c *Config) DefaultTTL() time.Duration { return time.Duration(c.DefaultTTLMinutes) * time.Minute }
func (c *Config) Extension() time.Duration  { return time.Duration(c.ExtensionMinutes) * time.Minute }

func (c *Config) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalSeconds) * time.Second
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

func (c *Config) ProvisioningTimeout() time.Duration {
	return time.Duration(c.ProvisioningTimeoutMinutes) * time.Minute
}

func (c *Config) OrchestratorTimeout() time.Duration {
	return time.Duration(c.OrchestratorTimeoutSeconds) * time.Second
}
