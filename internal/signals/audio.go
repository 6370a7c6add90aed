package signals

import (
	"fmt"
	"math"

	"trustlens/internal/domain"
	"trustlens/internal/media"
)

// ErrNoAudio marks a clip without an audio track. The pipeline substitutes
// a neutral score for absent signals; the fusion engine never does.
var ErrNoAudio = fmt.Errorf("clip has no audio track: %w", domain.ErrSignalNotApplicable)

// Audio scores the PCM track for synthetic speech characteristics using
// zero-crossing rate and short-window energy flatness. TTS output tends to
// have an unnaturally even energy envelope.
type Audio struct{}

func (Audio) Name() string { return domain.SignalAudio }

func (Audio) Analyze(clip *media.Clip) (domain.SignalResult, error) {
	if !clip.HasAudio() {
		return domain.SignalResult{}, ErrNoAudio
	}
	samples := clip.Audio

	// Zero-crossing rate over the whole track.
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] < 0) != (samples[i] < 0) {
			crossings++
		}
	}
	zcr := float64(crossings) / float64(len(samples))
	// Natural speech ZCR sits roughly in [0.02, 0.15].
	zcrScore := clampScore(1.0 - math.Abs(zcr-0.08)/0.2)

	// Energy flatness over 20ms windows.
	window := clip.SampleRate / 50
	if window < 16 {
		window = 16
	}
	var energies []float64
	for start := 0; start+window <= len(samples); start += window {
		var e float64
		for _, s := range samples[start : start+window] {
			e += s * s
		}
		energies = append(energies, e/float64(window))
	}
	flatness := domain.NeutralScore
	if len(energies) >= 2 {
		mean := meanOf(energies)
		sd := stddevOf(energies, mean)
		if mean > 1e-9 {
			// Coefficient of variation near zero means a flat, synthetic
			// envelope; natural speech varies.
			cv := sd / mean
			flatness = clampScore(cv / 1.2)
		}
	}

	score := clampScore(0.5*zcrScore + 0.5*flatness)
	return domain.SignalResult{
		Score: score,
		SubMetrics: map[string]float64{
			"zero_crossing_rate": clampScore(zcrScore),
			"energy_flatness":    clampScore(flatness),
		},
	}, nil
}
