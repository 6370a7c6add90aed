// Package signals ships the reference extractors for the three forensic
// signals (vision, audio, temporal) and the input quality assessor. Each
// extractor returns a score in [0,1] where higher means more authentic,
// plus named sub-metrics. They satisfy the pipeline collaborator
// interfaces; the fusion engine never depends on this package.
package signals

import (
	"math"

	"trustlens/internal/domain"
	"trustlens/internal/media"
)

// Vision scores per-frame visual plausibility from gradient statistics.
// Synthetic faces tend to show unnaturally smooth regions next to sharp
// blending seams, which shows up as low edge density with high local
// gradient spread.
type Vision struct{}

func (Vision) Name() string { return domain.SignalVision }

func (Vision) Analyze(clip *media.Clip) (domain.SignalResult, error) {
	if err := clip.Validate(); err != nil {
		return domain.SignalResult{}, err
	}
	var artifactSum, edgeSum float64
	for _, frame := range clip.Frames {
		artifact, edge := frameVisionScores(frame)
		artifactSum += artifact
		edgeSum += edge
	}
	n := float64(len(clip.Frames))
	artifact := artifactSum / n
	edge := edgeSum / n
	score := clampScore(0.6*artifact + 0.4*edge)
	return domain.SignalResult{
		Score: score,
		SubMetrics: map[string]float64{
			"artifact_score":   clampScore(artifact),
			"edge_consistency": clampScore(edge),
		},
	}, nil
}

func frameVisionScores(f media.Frame) (artifact, edge float64) {
	gray := f.Gray()
	w, h := f.Width, f.Height
	if w < 3 || h < 3 {
		return domain.NeutralScore, domain.NeutralScore
	}

	// Mean gradient magnitude as an edge-density proxy.
	var gradSum, gradSqSum float64
	count := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := gray[y*w+x+1] - gray[y*w+x-1]
			gy := gray[(y+1)*w+x] - gray[(y-1)*w+x]
			g := math.Sqrt(gx*gx + gy*gy)
			gradSum += g
			gradSqSum += g * g
			count++
		}
	}
	mean := gradSum / float64(count)
	variance := gradSqSum/float64(count) - mean*mean
	if variance < 0 {
		variance = 0
	}

	// Natural footage sits around 10-40 mean gradient on 8-bit luma.
	edge = clampScore(mean / 30.0)

	// High gradient spread relative to the mean suggests blend seams.
	spread := math.Sqrt(variance)
	if mean > 1e-6 {
		artifact = clampScore(1.0 - (spread/mean-1.0)/3.0)
	} else {
		artifact = 0.3
	}
	return artifact, edge
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
