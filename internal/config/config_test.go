package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.PaintIntervalMS != 20 {
		t.Errorf("expected paint_interval_ms 20, got %d", cfg.PaintIntervalMS)
	}
	if cfg.UserCooldownSeconds != 30 {
		t.Errorf("expected user_cooldown_seconds 30, got %v", cfg.UserCooldownSeconds)
	}
	if cfg.TokenRefreshIntervalSeconds != 3600 {
		t.Errorf("expected token_refresh_interval_seconds 3600, got %d", cfg.TokenRefreshIntervalSeconds)
	}
	if cfg.WriteonlyConnections != 1 {
		t.Errorf("expected writeonly_connections 1, got %d", cfg.WriteonlyConnections)
	}
}

func TestLoadMissingWritesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.UserCooldownSeconds != 30 {
		t.Errorf("expected default cooldown, got %v", cfg.UserCooldownSeconds)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected defaults to be written to %s: %v", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk Config
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("written config is not valid JSON: %v", err)
	}
	if onDisk.PaintIntervalMS != 20 {
		t.Errorf("written config has wrong default, got %d", onDisk.PaintIntervalMS)
	}
}

func TestLoadValidConfig(t *testing.T) {
	raw := `{
		"users": [{"uid": 42, "access_key": "abc123"}],
		"user_cooldown_seconds": 10,
		"writeonly_connections": 99,
		"images": [
			{"image_path": "target.png", "start_x": 10, "start_y": 20, "draw_mode": "horizontal", "scan_mode": "normal", "weight": 1, "enabled": true}
		]
	}`

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(cfg.Users) != 1 || cfg.Users[0].UID != 42 {
		t.Errorf("expected one user with uid 42, got %+v", cfg.Users)
	}
	if cfg.UserCooldownSeconds != 10 {
		t.Errorf("expected cooldown 10, got %v", cfg.UserCooldownSeconds)
	}
	if cfg.WriteonlyConnections != 16 {
		t.Errorf("expected writeonly_connections clamped to 16, got %d", cfg.WriteonlyConnections)
	}
}

func TestValidateRejectsBadDrawMode(t *testing.T) {
	cfg := Default()
	cfg.Images = []ImageEntry{{ImagePath: "x.png", DrawMode: "sideways", Weight: 1}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid draw_mode")
	}
}

func TestValidateRejectsZeroCooldown(t *testing.T) {
	cfg := Default()
	cfg.UserCooldownSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero cooldown")
	}
}

func TestValidateRequiresAttackKind(t *testing.T) {
	cfg := Default()
	cfg.Images = []ImageEntry{{Type: ImageAttack, Width: 10, Height: 10, Weight: 1}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing attack_kind")
	}
}
