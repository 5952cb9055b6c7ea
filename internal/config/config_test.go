package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPassesValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("expected the default config to validate, got %v", err)
	}
}

func TestValidateRejectsUnknownDefaultStrategy(t *testing.T) {
	cfg := Default()
	cfg.Conflict.DefaultStrategy = "not-a-strategy"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an unknown default strategy to fail validation")
	}
}

func TestValidateRejectsUnknownPathStrategy(t *testing.T) {
	cfg := Default()
	cfg.Conflict.PathStrategies = map[string]string{"users": "not-a-strategy"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an unknown path strategy to fail validation")
	}
}

func TestValidateAcceptsDeclaredCustomResolver(t *testing.T) {
	cfg := Default()
	cfg.Conflict.CustomResolvers = []string{"priority"}
	cfg.Conflict.PathStrategies = map[string]string{"tasks": "priority"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected a declared custom resolver name to validate, got %v", err)
	}
}

func TestLoadOverridesDefaultsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "port: 9090\nnodeId: node-x\npeers:\n  - host1:8080\n  - host2:8080\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9090 || cfg.NodeID != "node-x" {
		t.Fatalf("expected overrides to apply, got %+v", cfg)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %v", cfg.Peers)
	}
	// Unset fields keep their default.
	if cfg.Sync.ChunkSize != 50 {
		t.Fatalf("expected default chunkSize to survive partial override, got %d", cfg.Sync.ChunkSize)
	}
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected an error loading a nonexistent config file")
	}
}
