package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Processing.PatchInputSize != 256 || cfg.Processing.PatchOutputSize != 164 {
		t.Errorf("Default patch sizes = %d/%d, want 256/164",
			cfg.Processing.PatchInputSize, cfg.Processing.PatchOutputSize)
	}
	if cfg.Processing.ProcMag != 40 {
		t.Errorf("Default magnification = %v, want 40", cfg.Processing.ProcMag)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hovernet.yaml")

	cfg := DefaultConfig()
	cfg.Processing.TileSize = 512
	cfg.Processing.TypeCount = 5
	cfg.Output.SaveMask = false
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if loaded.Processing.TileSize != 512 {
		t.Errorf("TileSize = %d, want 512", loaded.Processing.TileSize)
	}
	if loaded.Processing.TypeCount != 5 {
		t.Errorf("TypeCount = %d, want 5", loaded.Processing.TypeCount)
	}
	if loaded.Output.SaveMask {
		t.Error("SaveMask should have round-tripped as false")
	}
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("processing: ["), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("Expected a parse error")
	}
}
