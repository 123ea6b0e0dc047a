// Package config loads and validates the painter's config.json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// DrawMode selects the order in which a layer's pixels are drawn.
type DrawMode string

const (
	DrawHorizontal DrawMode = "horizontal"
	DrawConcentric DrawMode = "concentric"
	DrawRandom     DrawMode = "random"
)

// ScanMode selects how aggressively a layer's positions are re-queued.
type ScanMode string

const (
	ScanNormal ScanMode = "normal"
	ScanStrict ScanMode = "strict"
	ScanLoop   ScanMode = "loop"
)

// ImageKind distinguishes a file-backed layer from a synthetic attack layer.
type ImageKind string

const (
	ImageFile   ImageKind = "file"
	ImageAttack ImageKind = "attack"
)

// AttackKind selects the palette used to generate an attack layer.
type AttackKind string

const (
	AttackWhite  AttackKind = "white"
	AttackGreen  AttackKind = "green"
	AttackRandom AttackKind = "random"
)

// User is one configured credential identity.
type User struct {
	UID       int    `json:"uid"`
	AccessKey string `json:"access_key"`
}

// ImageEntry is one configured image layer.
type ImageEntry struct {
	Type      ImageKind `json:"type,omitempty"`
	ImagePath string    `json:"image_path,omitempty"`
	StartX    int       `json:"start_x"`
	StartY    int       `json:"start_y"`
	DrawMode  DrawMode  `json:"draw_mode"`
	ScanMode  ScanMode  `json:"scan_mode"`
	Weight    float64   `json:"weight"`
	Enabled   bool      `json:"enabled"`

	// Attack-layer-only fields.
	Width      int        `json:"width,omitempty"`
	Height     int        `json:"height,omitempty"`
	DotCount   int        `json:"dot_count,omitempty"`
	AttackKind AttackKind `json:"attack_kind,omitempty"`
}

// Config is the full contents of config.json.
type Config struct {
	Users                        []User       `json:"users"`
	PaintIntervalMS              int          `json:"paint_interval_ms"`
	RoundIntervalSeconds         int          `json:"round_interval_seconds"`
	UserCooldownSeconds          float64      `json:"user_cooldown_seconds"`
	AutoRestartMinutes           int          `json:"auto_restart_minutes"`
	MaxEnabledTokens             int          `json:"max_enabled_tokens"`
	TokenRefreshIntervalSeconds  int          `json:"token_refresh_interval_seconds"`
	WriteonlyConnections         int          `json:"writeonly_connections"`
	ThreadWorkers                int          `json:"thread_workers"`
	ProcessWorkers               int          `json:"process_workers"`
	IgnoreSemitransparent        bool         `json:"ignore_semitransparent"`
	Images                       []ImageEntry `json:"images"`

	// Host is not part of the documented schema but is accepted so a
	// config.json can point at a deployment-specific board without a
	// source change; defaults to the reference host when empty.
	Host string `json:"host,omitempty"`
}

// Default returns a Config with every documented default applied.
func Default() *Config {
	return &Config{
		PaintIntervalMS:             20,
		RoundIntervalSeconds:        30,
		UserCooldownSeconds:         30,
		AutoRestartMinutes:          30,
		MaxEnabledTokens:            0,
		TokenRefreshIntervalSeconds: 3600,
		WriteonlyConnections:        1,
		ThreadWorkers:               1,
		ProcessWorkers:              0,
		IgnoreSemitransparent:       false,
		Host:                        "paintboard.example.org",
	}
}

// Load reads config from a JSON file, overlaying it onto defaults.
//
// If the file does not exist or is not valid JSON, defaults are written
// to path and returned so the operator can see the effective
// configuration, matching the original tool's "missing config" behavior
// (§7: write defaults, continue).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if writeErr := writeDefault(path, cfg); writeErr != nil {
			return nil, fmt.Errorf("writing default config: %w", writeErr)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		if writeErr := writeDefault(path, cfg); writeErr != nil {
			return nil, fmt.Errorf("parsing config file: %w (writing default config: %v)", err, writeErr)
		}
		return cfg, nil
	}

	clamp(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func writeDefault(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// clamp enforces the documented ranges on fields the schema calls out as
// clamped rather than rejected.
func clamp(cfg *Config) {
	if cfg.WriteonlyConnections < 1 {
		cfg.WriteonlyConnections = 1
	}
	if cfg.WriteonlyConnections > 16 {
		cfg.WriteonlyConnections = 16
	}
	if cfg.ThreadWorkers < 1 {
		cfg.ThreadWorkers = 1
	}
	if cfg.ThreadWorkers > 32 {
		cfg.ThreadWorkers = 32
	}
	if cfg.ProcessWorkers < 0 {
		cfg.ProcessWorkers = 0
	}
	if cfg.ProcessWorkers > 16 {
		cfg.ProcessWorkers = 16
	}
}

// Validate checks config values that clamping cannot fix.
func (c *Config) Validate() error {
	if c.UserCooldownSeconds <= 0 {
		return fmt.Errorf("user_cooldown_seconds must be > 0, got %v", c.UserCooldownSeconds)
	}
	if c.PaintIntervalMS < 0 {
		return fmt.Errorf("paint_interval_ms must be >= 0, got %d", c.PaintIntervalMS)
	}
	if c.TokenRefreshIntervalSeconds <= 0 {
		return fmt.Errorf("token_refresh_interval_seconds must be > 0, got %d", c.TokenRefreshIntervalSeconds)
	}

	for i, img := range c.Images {
		switch img.DrawMode {
		case DrawHorizontal, DrawConcentric, DrawRandom, "":
		default:
			return fmt.Errorf("images[%d].draw_mode %q is not valid", i, img.DrawMode)
		}
		switch img.ScanMode {
		case ScanNormal, ScanStrict, ScanLoop, "":
		default:
			return fmt.Errorf("images[%d].scan_mode %q is not valid", i, img.ScanMode)
		}
		if img.Weight < 0 {
			return fmt.Errorf("images[%d].weight must be >= 0, got %v", i, img.Weight)
		}
		if img.Type == ImageAttack {
			switch img.AttackKind {
			case AttackWhite, AttackGreen, AttackRandom:
			default:
				return fmt.Errorf("images[%d].attack_kind %q is not valid", i, img.AttackKind)
			}
		} else if img.ImagePath == "" {
			return fmt.Errorf("images[%d] is missing image_path", i)
		}
	}
	return nil
}
