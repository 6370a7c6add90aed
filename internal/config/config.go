package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"trustlens/internal/domain"
)

// Config models trustlens.yml. The calibration policy (signal weights,
// quality tiers, decision bands) and the attack catalogue are data, not
// code, so they can be tuned and tested independently.
type Config struct {
	Fusion struct {
		Weights struct {
			Vision   float64 `yaml:"vision"`
			Audio    float64 `yaml:"audio"`
			Temporal float64 `yaml:"temporal"`
		} `yaml:"weights"`
		Tiers []Tier `yaml:"tiers"`
	} `yaml:"fusion"`
	Robustness struct {
		Attacks []AttackSpec `yaml:"attacks"`
	} `yaml:"robustness"`
	Batch struct {
		Workers int `yaml:"workers"`
	} `yaml:"batch"`
	Extract struct {
		FPS        float64 `yaml:"fps"`
		MaxFrames  int     `yaml:"max_frames"`
		FrameWidth int     `yaml:"frame_width"`
		FFmpegPath string  `yaml:"ffmpeg_path"`
	} `yaml:"extract"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig describes one event delivery target. An empty Events list
// subscribes to everything.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Tier is one quality bucket of the calibration table. Tiers are ordered
// highest MinQuality first; the first tier whose MinQuality the overall
// quality score meets is selected. A tier with no bands forces an
// ambiguous decision regardless of score.
type Tier struct {
	Name           string  `yaml:"name"`
	MinQuality     float64 `yaml:"min_quality"`
	Multiplier     float64 `yaml:"multiplier"`
	Bands          []Band  `yaml:"bands,omitempty"`
	FallbackReason string  `yaml:"fallback_reason"`
}

// Band is one decision threshold, evaluated top-down; first match wins.
type Band struct {
	Decision  string  `yaml:"decision"`
	Op        string  `yaml:"op"` // "gte" or "lt"
	Threshold float64 `yaml:"threshold"`
	Reason    string  `yaml:"reason"`
}

// AttackSpec is one (attack, intensity) cell of the robustness catalogue.
// Param feeds the perturbation generator: JPEG-style quality level for
// compression, noise sigma, blur radius, downscale factor, crop fraction,
// or channel shift amount depending on the attack.
type AttackSpec struct {
	Attack    string  `yaml:"attack"`
	Intensity string  `yaml:"intensity"`
	Param     float64 `yaml:"param"`
}

// Key returns the matrix key for this spec.
func (a AttackSpec) Key() domain.AttackKey {
	return domain.AttackKey{Attack: a.Attack, Intensity: a.Intensity}
}

var knownAttacks = map[string]bool{
	"compression": true,
	"noise":       true,
	"blur":        true,
	"resolution":  true,
	"crop":        true,
	"color_shift": true,
}

var knownDecisions = map[string]bool{
	string(domain.DecisionReal):       true,
	string(domain.DecisionLikelyReal): true,
	string(domain.DecisionAmbiguous):  true,
	string(domain.DecisionLikelyFake): true,
	string(domain.DecisionFake):       true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	w := c.Fusion.Weights
	for name, v := range map[string]float64{"vision": w.Vision, "audio": w.Audio, "temporal": w.Temporal} {
		if v < 0 || v > 1 {
			return fmt.Errorf("fusion.weights.%s must be in [0,1]", name)
		}
	}
	sum := w.Vision + w.Audio + w.Temporal
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("fusion.weights must sum to 1, got %.3f", sum)
	}
	if len(c.Fusion.Tiers) == 0 {
		return fmt.Errorf("fusion.tiers is required")
	}
	prev := 2.0
	for i, tier := range c.Fusion.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("fusion.tiers[%d] missing name", i)
		}
		if tier.MinQuality < 0 || tier.MinQuality > 1 {
			return fmt.Errorf("tier %s min_quality must be in [0,1]", tier.Name)
		}
		if tier.MinQuality >= prev {
			return fmt.Errorf("tier %s out of order; tiers must descend by min_quality", tier.Name)
		}
		prev = tier.MinQuality
		if tier.Multiplier <= 0 || tier.Multiplier > 1 {
			return fmt.Errorf("tier %s multiplier must be in (0,1]", tier.Name)
		}
		if tier.FallbackReason == "" {
			return fmt.Errorf("tier %s missing fallback_reason", tier.Name)
		}
		for j, band := range tier.Bands {
			if !knownDecisions[band.Decision] {
				return fmt.Errorf("tier %s band %d has unknown decision %s", tier.Name, j, band.Decision)
			}
			if band.Op != "gte" && band.Op != "lt" {
				return fmt.Errorf("tier %s band %d op must be gte or lt", tier.Name, j)
			}
			if band.Threshold < 0 || band.Threshold > 1 {
				return fmt.Errorf("tier %s band %d threshold must be in [0,1]", tier.Name, j)
			}
			if band.Reason == "" {
				return fmt.Errorf("tier %s band %d missing reason", tier.Name, j)
			}
		}
	}
	if c.Fusion.Tiers[len(c.Fusion.Tiers)-1].MinQuality != 0 {
		return fmt.Errorf("last fusion tier must cover min_quality 0")
	}
	seen := map[domain.AttackKey]bool{}
	for i, atk := range c.Robustness.Attacks {
		if !knownAttacks[atk.Attack] {
			return fmt.Errorf("robustness.attacks[%d] unknown attack %s", i, atk.Attack)
		}
		if atk.Intensity == "" {
			return fmt.Errorf("robustness.attacks[%d] missing intensity", i)
		}
		if seen[atk.Key()] {
			return fmt.Errorf("robustness.attacks duplicates %s", atk.Key())
		}
		seen[atk.Key()] = true
	}
	if c.Batch.Workers < 1 {
		return fmt.Errorf("batch.workers must be at least 1")
	}
	if c.Extract.FPS <= 0 {
		return fmt.Errorf("extract.fps must be positive")
	}
	if c.Extract.MaxFrames < 1 {
		return fmt.Errorf("extract.max_frames must be at least 1")
	}
	return nil
}

// TierFor selects the calibration tier for an overall quality score.
func (c *Config) TierFor(quality float64) Tier {
	for _, tier := range c.Fusion.Tiers {
		if quality >= tier.MinQuality {
			return tier
		}
	}
	return c.Fusion.Tiers[len(c.Fusion.Tiers)-1]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "trustlens.yml")
}

// Load reads and validates config from workspace, falling back to the
// built-in defaults when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in calibration policy.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML for `trustlens config init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `fusion:
  weights:
    vision: 0.4
    audio: 0.3
    temporal: 0.3

  # Quality tiers, highest first. A tier without bands forces an
  # ambiguous decision no matter how confident the raw score looks.
  tiers:
    - name: high
      min_quality: 0.7
      multiplier: 1.0
      fallback_reason: "Good Quality - Balanced Signals, Cannot Determine"
      bands:
        - decision: real
          op: gte
          threshold: 0.7
          reason: "High Quality Input - Strong Real Signals"
        - decision: likely_real
          op: gte
          threshold: 0.55
          reason: "Good Quality - Signals Lean Toward Real"
        - decision: fake
          op: lt
          threshold: 0.3
          reason: "High Quality Input - Strong Deepfake Signals"
        - decision: likely_fake
          op: lt
          threshold: 0.45
          reason: "Good Quality - Signals Lean Toward Fake"

    - name: moderate
      min_quality: 0.5
      multiplier: 0.85
      fallback_reason: "Moderate Quality - Mixed Signals"
      bands:
        - decision: real
          op: gte
          threshold: 0.65
          reason: "Moderate Quality - Signals Indicate Real Content"
        - decision: likely_fake
          op: lt
          threshold: 0.35
          reason: "Moderate Quality - Multiple Suspicious Signals"

    - name: low
      min_quality: 0.3
      multiplier: 0.6
      fallback_reason: "Low Quality Input - Limited Confidence"

    - name: very_low
      min_quality: 0.0
      multiplier: 0.4
      fallback_reason: "Very Low Quality Input - Cannot Make Reliable Assessment"

robustness:
  attacks:
    - {attack: compression, intensity: low, param: 80}
    - {attack: compression, intensity: medium, param: 50}
    - {attack: compression, intensity: high, param: 20}
    - {attack: noise, intensity: low, param: 10}
    - {attack: noise, intensity: medium, param: 25}
    - {attack: noise, intensity: high, param: 50}
    - {attack: blur, intensity: low, param: 1}
    - {attack: blur, intensity: medium, param: 2}
    - {attack: blur, intensity: high, param: 4}
    - {attack: resolution, intensity: down2x, param: 0.5}
    - {attack: resolution, intensity: down4x, param: 0.25}
    - {attack: crop, intensity: pct5, param: 0.05}
    - {attack: crop, intensity: pct15, param: 0.15}
    - {attack: color_shift, intensity: mild, param: 10}
    - {attack: color_shift, intensity: strong, param: 40}

batch:
  workers: 4

extract:
  fps: 5
  max_frames: 120
  frame_width: 320
  ffmpeg_path: ffmpeg
`
