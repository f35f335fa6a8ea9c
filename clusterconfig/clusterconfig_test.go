package clusterconfig

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	t.Setenv("NEXUS_NODE_NAME", "alpha")

	cfg, err := LoadFrom("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 4369 {
		t.Errorf("port = %d, want 4369", cfg.Port)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("host = %q, want 0.0.0.0", cfg.Host)
	}
	if cfg.HeartbeatIntervalMs != 5000 || cfg.HeartbeatMissThreshold != 3 {
		t.Errorf("heartbeat defaults wrong: %d/%d", cfg.HeartbeatIntervalMs, cfg.HeartbeatMissThreshold)
	}
	if cfg.RestartIntensity.MaxRestarts != 3 || cfg.RestartIntensity.WithinMs != 5000 {
		t.Errorf("restart intensity defaults wrong: %+v", cfg.RestartIntensity)
	}
	if cfg.AutoShutdown != "never" {
		t.Errorf("auto_shutdown = %q, want never", cfg.AutoShutdown)
	}
}

func TestFileThenEnvLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexus.yaml")
	yaml := `
node_name: beta
port: 5000
seeds:
  - seed1@10.0.0.1:4369
  - seed2@10.0.0.2:4369
restart_intensity:
  max_restarts: 7
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	// Env wins over file.
	t.Setenv("NEXUS_PORT", "6000")
	t.Setenv("NEXUS_RESTART_INTENSITY_WITHIN_MS", "9000")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeName != "beta" {
		t.Errorf("node_name = %q", cfg.NodeName)
	}
	if cfg.Port != 6000 {
		t.Errorf("port = %d, want env override 6000", cfg.Port)
	}
	if len(cfg.Seeds) != 2 {
		t.Fatalf("seeds = %v", cfg.Seeds)
	}
	if cfg.RestartIntensity.MaxRestarts != 7 || cfg.RestartIntensity.WithinMs != 9000 {
		t.Errorf("restart intensity = %+v", cfg.RestartIntensity)
	}
	if len(cfg.SeedIds()) != 2 {
		t.Errorf("seed ids = %v", cfg.SeedIds())
	}
}

func TestSeedsFromEnvCommaSeparated(t *testing.T) {
	t.Setenv("NEXUS_NODE_NAME", "gamma")
	t.Setenv("NEXUS_SEEDS", "a@10.0.0.1:4369, b@10.0.0.2:4369")

	cfg, err := LoadFrom("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Seeds) != 2 || cfg.Seeds[0] != "a@10.0.0.1:4369" {
		t.Errorf("seeds = %v", cfg.Seeds)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing node name", func(c *Config) { c.NodeName = "" }},
		{"bad node name", func(c *Config) { c.NodeName = "9starts-with-digit" }},
		{"bad seed", func(c *Config) { c.Seeds = []string{"not-a-node-id"} }},
		{"zero heartbeat", func(c *Config) { c.HeartbeatIntervalMs = 0 }},
		{"max below base", func(c *Config) { c.ReconnectMaxDelayMs = c.ReconnectBaseDelayMs - 1 }},
		{"bad auto shutdown", func(c *Config) { c.AutoShutdown = "sometimes" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.NodeName = "ok"
			tc.mutate(cfg)
			err := cfg.Validate()
			var invalid *InvalidClusterConfig
			if err == nil || !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidClusterConfig, got %v", err)
			}
		})
	}
}

func TestSecret(t *testing.T) {
	cfg := defaultConfig()
	if cfg.Secret() != nil {
		t.Errorf("expected nil secret by default")
	}
	cfg.ClusterSecret = "hunter2"
	if string(cfg.Secret()) != "hunter2" {
		t.Errorf("secret = %q", cfg.Secret())
	}
}
