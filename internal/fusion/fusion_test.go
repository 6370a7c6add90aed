package fusion_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"trustlens/internal/config"
	"trustlens/internal/domain"
	"trustlens/internal/fusion"
)

func signalSet(vision, audio, temporal float64) map[string]domain.SignalResult {
	return map[string]domain.SignalResult{
		domain.SignalVision:   {Score: vision},
		domain.SignalAudio:    {Score: audio},
		domain.SignalTemporal: {Score: temporal},
	}
}

func quality(overall float64) domain.QualityAssessment {
	return domain.QualityAssessment{
		Overall:     overall,
		Compression: overall,
		Noise:       overall,
		Blocking:    overall,
		Resolution:  overall,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestFuseStrongRealSignals(t *testing.T) {
	e := fusion.New(config.Default())
	v, err := e.Fuse(signalSet(0.8, 0.8, 0.8), quality(0.9))
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if !almostEqual(v.RawScore, 0.8) {
		t.Fatalf("raw %v, want 0.8", v.RawScore)
	}
	if !almostEqual(v.FinalScore, 0.8) {
		t.Fatalf("final %v, want 0.8", v.FinalScore)
	}
	if v.Decision != domain.DecisionReal {
		t.Fatalf("decision %s", v.Decision)
	}
}

func TestFuseWeightedLeanFake(t *testing.T) {
	e := fusion.New(config.Default())
	v, err := e.Fuse(signalSet(0.4, 0.35, 0.2), quality(0.85))
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	// 0.4*0.4 + 0.3*0.35 + 0.3*0.2
	if !almostEqual(v.RawScore, 0.325) {
		t.Fatalf("raw %v, want 0.325", v.RawScore)
	}
	if v.Decision != domain.DecisionLikelyFake {
		t.Fatalf("decision %s", v.Decision)
	}
}

func TestFuseVeryLowQualityForcesAmbiguous(t *testing.T) {
	e := fusion.New(config.Default())
	v, err := e.Fuse(signalSet(0.8, 0.8, 0.8), quality(0.25))
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if !almostEqual(v.RawScore, 0.8) {
		t.Fatalf("raw %v", v.RawScore)
	}
	if !almostEqual(v.FinalScore, 0.32) {
		t.Fatalf("final %v, want 0.32", v.FinalScore)
	}
	if v.Decision != domain.DecisionAmbiguous {
		t.Fatalf("decision %s; confident signals must not survive very low quality", v.Decision)
	}
}

func TestFuseLowQualityForcesAmbiguousEvenWhenConfident(t *testing.T) {
	e := fusion.New(config.Default())
	for _, scores := range [][3]float64{{1, 1, 1}, {0, 0, 0}} {
		v, err := e.Fuse(signalSet(scores[0], scores[1], scores[2]), quality(0.35))
		if err != nil {
			t.Fatalf("fuse: %v", err)
		}
		if v.Decision != domain.DecisionAmbiguous {
			t.Fatalf("scores %v: decision %s, want ambiguous", scores, v.Decision)
		}
	}
}

func TestFuseQualityDampeningMonotonic(t *testing.T) {
	e := fusion.New(config.Default())
	sig := signalSet(0.9, 0.9, 0.9)
	prev := math.Inf(1)
	for _, q := range []float64{0.95, 0.6, 0.4, 0.1} {
		v, err := e.Fuse(sig, quality(q))
		if err != nil {
			t.Fatalf("fuse q=%v: %v", q, err)
		}
		if v.FinalScore > prev {
			t.Fatalf("final score rose from %v to %v as quality fell to %v", prev, v.FinalScore, q)
		}
		prev = v.FinalScore
	}
}

func TestFuseSignalMonotonic(t *testing.T) {
	e := fusion.New(config.Default())
	names := []string{domain.SignalVision, domain.SignalAudio, domain.SignalTemporal}
	for _, name := range names {
		for _, q := range []float64{0.9, 0.55} {
			prev := math.Inf(-1)
			for step := 0; step <= 10; step++ {
				sig := signalSet(0.6, 0.6, 0.6)
				sig[name] = domain.SignalResult{Score: float64(step) / 10}
				v, err := e.Fuse(sig, quality(q))
				if err != nil {
					t.Fatalf("fuse %s=%v q=%v: %v", name, float64(step)/10, q, err)
				}
				if v.FinalScore < prev {
					t.Fatalf("final score fell from %v to %v as %s rose to %v at quality %v",
						prev, v.FinalScore, name, float64(step)/10, q)
				}
				prev = v.FinalScore
			}
		}
	}
}

func TestFuseReasonDeterministic(t *testing.T) {
	e := fusion.New(config.Default())
	sig := signalSet(0.9, 0.2, 0.9)
	first, err := e.Fuse(sig, quality(0.8))
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	for i := 0; i < 10; i++ {
		v, err := e.Fuse(sig, quality(0.8))
		if err != nil {
			t.Fatalf("fuse: %v", err)
		}
		if v.Reason != first.Reason {
			t.Fatalf("reason changed between runs: %q vs %q", v.Reason, first.Reason)
		}
	}
	if !strings.Contains(first.Reason, "synthetic audio characteristics") {
		t.Fatalf("reason %q does not name the weak signal", first.Reason)
	}
	if !strings.Contains(first.Reason, "clean visual quality") {
		t.Fatalf("reason %q does not name the strong signal", first.Reason)
	}
}

func TestFuseValidation(t *testing.T) {
	e := fusion.New(config.Default())

	missing := signalSet(0.5, 0.5, 0.5)
	delete(missing, domain.SignalAudio)
	if _, err := e.Fuse(missing, quality(0.8)); err == nil {
		t.Fatalf("expected error for missing signal")
	}

	out := signalSet(1.2, 0.5, 0.5)
	_, err := e.Fuse(out, quality(0.8))
	var ve fusion.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Field != "signals.vision.score" {
		t.Fatalf("field %q", ve.Field)
	}

	unknown := signalSet(0.5, 0.5, 0.5)
	unknown["thermal"] = domain.SignalResult{Score: 0.5}
	if _, err := e.Fuse(unknown, quality(0.8)); err == nil {
		t.Fatalf("expected error for unknown signal")
	}

	if _, err := e.Fuse(signalSet(0.5, 0.5, 0.5), quality(-0.1)); err == nil {
		t.Fatalf("expected error for out-of-range quality")
	}
}

func TestFuseNeutralSubstituteIsCallersJob(t *testing.T) {
	e := fusion.New(config.Default())
	sig := signalSet(0.8, domain.NeutralScore, 0.8)
	v, err := e.Fuse(sig, quality(0.9))
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	// 0.4*0.8 + 0.3*0.5 + 0.3*0.8
	if !almostEqual(v.RawScore, 0.71) {
		t.Fatalf("raw %v, want 0.71", v.RawScore)
	}
}
