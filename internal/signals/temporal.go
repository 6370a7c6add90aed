package signals

import (
	"math"

	"trustlens/internal/domain"
	"trustlens/internal/media"
)

// Temporal scores frame-to-frame motion consistency. Face swaps tend to
// flicker: inter-frame differences jump around instead of varying smoothly.
type Temporal struct{}

func (Temporal) Name() string { return domain.SignalTemporal }

func (Temporal) Analyze(clip *media.Clip) (domain.SignalResult, error) {
	if err := clip.Validate(); err != nil {
		return domain.SignalResult{}, err
	}
	if len(clip.Frames) < 3 {
		// Too short to judge motion; the caller treats this as neutral.
		return domain.SignalResult{
			Score: domain.NeutralScore,
			SubMetrics: map[string]float64{
				"consistency": domain.NeutralScore,
				"variance":    domain.NeutralScore,
			},
		}, nil
	}

	diffs := make([]float64, 0, len(clip.Frames)-1)
	prev := clip.Frames[0].Gray()
	for _, frame := range clip.Frames[1:] {
		cur := frame.Gray()
		n := len(cur)
		if len(prev) < n {
			n = len(prev)
		}
		var sum float64
		for i := 0; i < n; i++ {
			sum += math.Abs(cur[i] - prev[i])
		}
		diffs = append(diffs, sum/float64(n))
		prev = cur
	}

	mean := meanOf(diffs)
	sd := stddevOf(diffs, mean)

	// Consistency: how steady the motion magnitude is across the clip.
	consistency := 1.0
	if mean > 1e-6 {
		consistency = clampScore(1.0 - sd/(mean+1.0))
	}
	// Variance score: penalize erratic large jumps on 8-bit luma scale.
	varianceScore := clampScore(1.0 - sd/25.0)

	score := clampScore(0.6*consistency + 0.4*varianceScore)
	return domain.SignalResult{
		Score: score,
		SubMetrics: map[string]float64{
			"consistency": consistency,
			"variance":    varianceScore,
		},
	}, nil
}

func meanOf(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func stddevOf(v []float64, mean float64) float64 {
	var sum float64
	for _, x := range v {
		d := x - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(v)))
}
