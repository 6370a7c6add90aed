package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := cfg.Fusion.Weights.Vision + cfg.Fusion.Weights.Audio + cfg.Fusion.Weights.Temporal; got != 1.0 {
		t.Fatalf("default weights sum = %v, want 1", got)
	}
	if len(cfg.Robustness.Attacks) != 15 {
		t.Fatalf("default attack catalogue has %d cells, want 15", len(cfg.Robustness.Attacks))
	}
	if cfg.Batch.Workers != 4 {
		t.Fatalf("default batch workers = %d, want 4", cfg.Batch.Workers)
	}
}

func TestTierForBoundaries(t *testing.T) {
	cfg := Default()
	cases := []struct {
		quality float64
		want    string
	}{
		{0.9, "high"},
		{0.7, "high"}, // boundary is inclusive
		{0.69, "moderate"},
		{0.5, "moderate"},
		{0.49, "low"},
		{0.3, "low"},
		{0.29, "very_low"},
		{0.0, "very_low"},
	}
	for _, tc := range cases {
		if got := cfg.TierFor(tc.quality).Name; got != tc.want {
			t.Errorf("TierFor(%v) = %q, want %q", tc.quality, got, tc.want)
		}
	}
}

func TestTiersWithoutBandsHaveFallback(t *testing.T) {
	cfg := Default()
	for _, tier := range cfg.Fusion.Tiers {
		if len(tier.Bands) == 0 && tier.FallbackReason == "" {
			t.Errorf("tier %s has no bands and no fallback reason", tier.Name)
		}
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "weights do not sum to one",
			mutate:  func(c *Config) { c.Fusion.Weights.Vision = 0.6 },
			wantErr: "must sum to 1",
		},
		{
			name:    "weight out of range",
			mutate:  func(c *Config) { c.Fusion.Weights.Audio = -0.1 },
			wantErr: "fusion.weights.audio",
		},
		{
			name:    "no tiers",
			mutate:  func(c *Config) { c.Fusion.Tiers = nil },
			wantErr: "fusion.tiers is required",
		},
		{
			name: "tiers out of order",
			mutate: func(c *Config) {
				c.Fusion.Tiers[0], c.Fusion.Tiers[1] = c.Fusion.Tiers[1], c.Fusion.Tiers[0]
			},
			wantErr: "out of order",
		},
		{
			name:    "last tier must reach zero",
			mutate:  func(c *Config) { c.Fusion.Tiers = c.Fusion.Tiers[:len(c.Fusion.Tiers)-1] },
			wantErr: "min_quality 0",
		},
		{
			name:    "multiplier out of range",
			mutate:  func(c *Config) { c.Fusion.Tiers[0].Multiplier = 1.2 },
			wantErr: "multiplier",
		},
		{
			name:    "band with unknown decision",
			mutate:  func(c *Config) { c.Fusion.Tiers[0].Bands[0].Decision = "maybe" },
			wantErr: "unknown decision",
		},
		{
			name:    "band with unknown op",
			mutate:  func(c *Config) { c.Fusion.Tiers[0].Bands[0].Op = "eq" },
			wantErr: "op must be gte or lt",
		},
		{
			name:    "unknown attack",
			mutate:  func(c *Config) { c.Robustness.Attacks[0].Attack = "rotation" },
			wantErr: "unknown attack",
		},
		{
			name: "duplicate attack cell",
			mutate: func(c *Config) {
				c.Robustness.Attacks = append(c.Robustness.Attacks, c.Robustness.Attacks[0])
			},
			wantErr: "duplicates",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Batch.Workers = 0 },
			wantErr: "batch.workers",
		},
		{
			name:    "non-positive fps",
			mutate:  func(c *Config) { c.Extract.FPS = 0 },
			wantErr: "extract.fps",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted invalid config")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %q, want it to contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestFromYAMLMalformed(t *testing.T) {
	if _, err := FromYAML([]byte("fusion: [not a map")); err == nil {
		t.Fatal("FromYAML accepted malformed yaml")
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Fusion.Tiers) == 0 {
		t.Fatal("Load without file did not return defaults")
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte(defaultTemplate), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Extract.FrameWidth != 320 {
		t.Fatalf("frame_width = %d, want 320", cfg.Extract.FrameWidth)
	}
}

func TestLoadRejectsInvalidWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	bad := strings.Replace(defaultTemplate, "workers: 4", "workers: 0", 1)
	if err := os.WriteFile(filepath.Join(dir, "trustlens.yml"), []byte(bad), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("Load accepted invalid workspace config")
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("generated default does not parse: %v", err)
	}
	if cfg.TierFor(0.25).Name != "very_low" {
		t.Fatalf("generated default tier table differs from built-in")
	}
}
