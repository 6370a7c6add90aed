// Package fusion turns independent forensic signal scores and an input
// quality assessment into a calibrated trust verdict. Confidence degrades
// under uncertainty: poor input quality dampens the score and can force an
// ambiguous decision regardless of how confident the raw signals look.
package fusion

import (
	"fmt"
	"sort"
	"strings"

	"trustlens/internal/config"
	"trustlens/internal/domain"
)

// ValidationError reports a malformed fusion input. It is fatal to the
// single request that produced it; scores are never silently coerced.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Engine applies the calibration policy. It holds no mutable state;
// Fuse is a pure function of its inputs and the policy.
type Engine struct {
	cfg *config.Config
}

// New builds an engine around a validated calibration policy.
func New(cfg *config.Config) Engine {
	return Engine{cfg: cfg}
}

var requiredSignals = []string{domain.SignalVision, domain.SignalAudio, domain.SignalTemporal}

// Fuse combines the three signal scores into a weighted raw score, dampens
// it by quality tier, and selects a decision from the tier's ordered bands.
// Callers supply domain.NeutralScore for signals that are architecturally
// absent; a missing map key is a contract violation, not a default.
func (e Engine) Fuse(signals map[string]domain.SignalResult, quality domain.QualityAssessment) (domain.TrustVerdict, error) {
	if err := validateInputs(signals, quality); err != nil {
		return domain.TrustVerdict{}, err
	}

	w := e.cfg.Fusion.Weights
	raw := w.Vision*signals[domain.SignalVision].Score +
		w.Audio*signals[domain.SignalAudio].Score +
		w.Temporal*signals[domain.SignalTemporal].Score

	tier := e.cfg.TierFor(quality.Overall)
	final := clamp01(raw * tier.Multiplier)

	decision, baseReason := selectDecision(tier, final)
	reason := composeReason(baseReason, signals)

	return domain.TrustVerdict{
		RawScore:   raw,
		FinalScore: final,
		Decision:   decision,
		Reason:     reason,
		Signals:    copySignals(signals),
		Quality:    quality,
	}, nil
}

func validateInputs(signals map[string]domain.SignalResult, quality domain.QualityAssessment) error {
	for _, name := range requiredSignals {
		sig, ok := signals[name]
		if !ok {
			return ValidationError{Field: "signals." + name, Message: "signal missing"}
		}
		if sig.Score < 0 || sig.Score > 1 {
			return ValidationError{Field: "signals." + name + ".score", Message: fmt.Sprintf("score %v outside [0,1]", sig.Score)}
		}
	}
	for name := range signals {
		switch name {
		case domain.SignalVision, domain.SignalAudio, domain.SignalTemporal:
		default:
			return ValidationError{Field: "signals." + name, Message: "unknown signal"}
		}
	}
	for field, v := range map[string]float64{
		"quality.overall":     quality.Overall,
		"quality.compression": quality.Compression,
		"quality.noise":       quality.Noise,
		"quality.blocking":    quality.Blocking,
		"quality.resolution":  quality.Resolution,
	} {
		if v < 0 || v > 1 {
			return ValidationError{Field: field, Message: fmt.Sprintf("value %v outside [0,1]", v)}
		}
	}
	return nil
}

// selectDecision walks the tier's bands top-down; the first matching band
// wins. Tiers without bands short-circuit to ambiguous, which is the
// calibration invariant for low-quality input.
func selectDecision(tier config.Tier, final float64) (domain.Decision, string) {
	for _, band := range tier.Bands {
		switch band.Op {
		case "gte":
			if final >= band.Threshold {
				return domain.Decision(band.Decision), band.Reason
			}
		case "lt":
			if final < band.Threshold {
				return domain.Decision(band.Decision), band.Reason
			}
		}
	}
	return domain.DecisionAmbiguous, tier.FallbackReason
}

const (
	weakThreshold   = 0.5
	strongThreshold = 0.75
)

var weakInsights = map[string]string{
	domain.SignalVision:   "visual artifacts detected",
	domain.SignalAudio:    "synthetic audio characteristics",
	domain.SignalTemporal: "high temporal inconsistency",
}

var strongInsights = map[string]string{
	domain.SignalVision:   "clean visual quality",
	domain.SignalAudio:    "natural audio characteristics",
	domain.SignalTemporal: "stable temporal patterns",
}

// composeReason appends the extremal signals to the tier's base reason so
// the explanation always names what drove the verdict. Signal order is
// fixed to keep the string deterministic.
func composeReason(base string, signals map[string]domain.SignalResult) string {
	var insights []string
	for _, name := range requiredSignals {
		if signals[name].Score < weakThreshold {
			insights = append(insights, weakInsights[name])
		} else if signals[name].Score > strongThreshold {
			insights = append(insights, strongInsights[name])
		}
	}
	if len(insights) == 0 {
		return base
	}
	return base + " (" + strings.Join(insights, ", ") + ")"
}

func copySignals(signals map[string]domain.SignalResult) map[string]domain.SignalResult {
	out := make(map[string]domain.SignalResult, len(signals))
	for name, sig := range signals {
		cp := sig
		if sig.SubMetrics != nil {
			cp.SubMetrics = make(map[string]float64, len(sig.SubMetrics))
			keys := make([]string, 0, len(sig.SubMetrics))
			for k := range sig.SubMetrics {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				cp.SubMetrics[k] = sig.SubMetrics[k]
			}
		}
		out[name] = cp
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
