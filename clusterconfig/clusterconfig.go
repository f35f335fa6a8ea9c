// Package clusterconfig loads and validates a node's configuration from
// layered sources: built-in defaults, an optional YAML config file, and
// NEXUS_*-prefixed environment variables, in that priority order.
package clusterconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/hamicek/nexus/nodeid"
)

// DefaultConfigPaths lists where config files are searched, first match wins.
var DefaultConfigPaths = []string{
	"nexus.yaml",
	"nexus.yml",
	"/etc/nexus/config.yaml",
	"/etc/nexus/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "NEXUS_CONFIG_PATH"

// envPrefix namespaces the environment variables this package reads, so a
// node embedded in a larger application doesn't swallow unrelated vars.
const envPrefix = "NEXUS_"

// RestartIntensityConfig bounds automatic restarts for supervisors built from
// this configuration.
type RestartIntensityConfig struct {
	MaxRestarts int   `koanf:"max_restarts"`
	WithinMs    int64 `koanf:"within_ms"`
}

// LoggingConfig mirrors internal/logging.Config for file/env configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Config is the full node configuration.
//
// Config is immutable after Load and safe for concurrent reads.
type Config struct {
	NodeName string   `koanf:"node_name"`
	Host     string   `koanf:"host"`
	Port     int      `koanf:"port"`
	Seeds    []string `koanf:"seeds"`

	// ClusterSecret enables HMAC authentication of every cluster frame when
	// non-empty.
	ClusterSecret string `koanf:"cluster_secret"`

	HeartbeatIntervalMs    int64 `koanf:"heartbeat_interval_ms"`
	HeartbeatMissThreshold int   `koanf:"heartbeat_miss_threshold"`
	ReconnectBaseDelayMs   int64 `koanf:"reconnect_base_delay_ms"`
	ReconnectMaxDelayMs    int64 `koanf:"reconnect_max_delay_ms"`

	InitTimeoutMs     int64 `koanf:"init_timeout_ms"`
	CallTimeoutMs     int64 `koanf:"call_timeout_ms"`
	ShutdownTimeoutMs int64 `koanf:"shutdown_timeout_ms"`

	MaxFrameBytes uint32 `koanf:"max_frame_bytes"`

	RestartIntensity RestartIntensityConfig `koanf:"restart_intensity"`

	// AutoShutdown is "never", "any_significant" or "all_significant".
	AutoShutdown string `koanf:"auto_shutdown"`

	Logging LoggingConfig `koanf:"logging"`
}

// InvalidClusterConfig is returned by Load/Validate for any rejected
// configuration.
type InvalidClusterConfig struct{ Reason string }

func (e *InvalidClusterConfig) Error() string {
	return "clusterconfig: invalid cluster config: " + e.Reason
}

// defaultConfig returns a Config with every default applied. Defaults load
// first, then the config file, then environment variables.
func defaultConfig() *Config {
	return &Config{
		NodeName:               "",
		Host:                   "0.0.0.0",
		Port:                   4369,
		Seeds:                  nil,
		ClusterSecret:          "",
		HeartbeatIntervalMs:    5000,
		HeartbeatMissThreshold: 3,
		ReconnectBaseDelayMs:   1000,
		ReconnectMaxDelayMs:    30000,
		InitTimeoutMs:          5000,
		CallTimeoutMs:          5000,
		ShutdownTimeoutMs:      5000,
		MaxFrameBytes:          16 << 20,
		RestartIntensity:       RestartIntensityConfig{MaxRestarts: 3, WithinMs: 5000},
		AutoShutdown:           "never",
		Logging:                LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration from defaults, an optional YAML file, and
// NEXUS_* environment variables, then validates the result.
func Load() (*Config, error) {
	return LoadFrom(findConfigFile())
}

// LoadFrom is Load with an explicit config file path; an empty path skips
// the file layer entirely.
func LoadFrom(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("clusterconfig: load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("clusterconfig: load config file %s: %w", configPath, err)
		}
	}

	// NEXUS_NODE_NAME -> node_name, NEXUS_RESTART_INTENSITY_MAX_RESTARTS ->
	// restart_intensity.max_restarts, and so on.
	envProvider := env.Provider(envPrefix, ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("clusterconfig: load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("clusterconfig: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps NEXUS_HEARTBEAT_INTERVAL_MS to heartbeat_interval_ms and
// nests the two structured sections explicitly.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	nested := map[string]string{
		"restart_intensity_max_restarts": "restart_intensity.max_restarts",
		"restart_intensity_within_ms":    "restart_intensity.within_ms",
		"logging_level":                  "logging.level",
		"logging_format":                 "logging.format",
	}
	if mapped, ok := nested[key]; ok {
		return mapped
	}
	return key
}

// processSliceFields splits comma-separated env values into slices for the
// fields that expect them; YAML-provided slices pass through untouched.
func processSliceFields(k *koanf.Koanf) error {
	val := k.Get("seeds")
	if val == nil {
		return nil
	}
	strVal, ok := val.(string)
	if !ok || strVal == "" {
		return nil
	}
	parts := strings.Split(strVal, ",")
	seeds := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			seeds = append(seeds, p)
		}
	}
	if err := k.Set("seeds", seeds); err != nil {
		return fmt.Errorf("clusterconfig: set seeds: %w", err)
	}
	return nil
}

var validAutoShutdown = map[string]bool{"never": true, "any_significant": true, "all_significant": true}

// Validate checks every field against its allowed range. NodeName is
// required; everything else has a default.
func (c *Config) Validate() error {
	if c.NodeName == "" {
		return &InvalidClusterConfig{Reason: "node_name is required"}
	}
	// Reuse the full name@host:port grammar so NodeName and Host are rejected
	// by the same rules the rest of the cluster applies.
	if _, err := nodeid.Parse(fmt.Sprintf("%s@%s:%d", c.NodeName, c.Host, c.Port)); err != nil {
		return &InvalidClusterConfig{Reason: err.Error()}
	}
	for _, seed := range c.Seeds {
		if _, err := nodeid.Parse(seed); err != nil {
			return &InvalidClusterConfig{Reason: fmt.Sprintf("seed %q: %v", seed, err)}
		}
	}
	if c.HeartbeatIntervalMs <= 0 {
		return &InvalidClusterConfig{Reason: "heartbeat_interval_ms must be positive"}
	}
	if c.HeartbeatMissThreshold <= 0 {
		return &InvalidClusterConfig{Reason: "heartbeat_miss_threshold must be positive"}
	}
	if c.ReconnectBaseDelayMs <= 0 || c.ReconnectMaxDelayMs < c.ReconnectBaseDelayMs {
		return &InvalidClusterConfig{Reason: "reconnect delays must be positive and max >= base"}
	}
	if c.MaxFrameBytes == 0 {
		return &InvalidClusterConfig{Reason: "max_frame_bytes must be positive"}
	}
	if c.RestartIntensity.MaxRestarts < 0 || c.RestartIntensity.WithinMs <= 0 {
		return &InvalidClusterConfig{Reason: "restart_intensity requires max_restarts >= 0 and within_ms > 0"}
	}
	if !validAutoShutdown[c.AutoShutdown] {
		return &InvalidClusterConfig{Reason: fmt.Sprintf("auto_shutdown %q must be never, any_significant or all_significant", c.AutoShutdown)}
	}
	return nil
}

// Self returns the validated NodeId this config describes.
func (c *Config) Self() (nodeid.NodeId, error) {
	return nodeid.Parse(fmt.Sprintf("%s@%s:%d", c.NodeName, c.Host, c.Port))
}

// SeedIds parses every seed string; Validate has already guaranteed they
// parse.
func (c *Config) SeedIds() []nodeid.NodeId {
	out := make([]nodeid.NodeId, 0, len(c.Seeds))
	for _, s := range c.Seeds {
		id, err := nodeid.Parse(s)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Secret returns the cluster secret as HMAC key material; nil when
// authentication is disabled.
func (c *Config) Secret() []byte {
	if c.ClusterSecret == "" {
		return nil
	}
	return []byte(c.ClusterSecret)
}
