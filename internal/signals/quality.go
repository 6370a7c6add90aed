package signals

import (
	"sort"

	"trustlens/internal/domain"
	"trustlens/internal/media"
)

// Quality assesses how analyzable the input is. This feeds the fusion
// engine's calibration: heavily compressed, noisy, or tiny footage must
// reduce confidence rather than produce a confident guess.
type Quality struct{}

// Weights for the overall quality mix.
const (
	qwCompression = 0.3
	qwBlocking    = 0.2
	qwNoise       = 0.2
	qwResolution  = 0.3
)

// Assess samples up to five frames spread across the clip and averages the
// per-frame sub-metrics.
func (Quality) Assess(clip *media.Clip) (domain.QualityAssessment, error) {
	if err := clip.Validate(); err != nil {
		return domain.QualityAssessment{}, err
	}
	step := len(clip.Frames) / 5
	if step < 1 {
		step = 1
	}
	var compression, blocking, noise float64
	count := 0
	for i := 0; i < len(clip.Frames) && count < 5; i += step {
		f := clip.Frames[i]
		compression += compressionScore(f)
		blocking += blockingScore(f)
		noise += noiseScore(f)
		count++
	}
	n := float64(count)
	srcW, srcH := clip.SourceDims()
	q := domain.QualityAssessment{
		Compression: clampScore(compression / n),
		Blocking:    clampScore(blocking / n),
		Noise:       clampScore(noise / n),
		Resolution:  clampScore(resolutionScore(srcW, srcH)),
	}
	q.Overall = clampScore(qwCompression*q.Compression + qwBlocking*q.Blocking + qwNoise*q.Noise + qwResolution*q.Resolution)
	return q, nil
}

// compressionScore uses edge density: heavy compression smears detail and
// drops the mean gradient. Uncompressed footage sits around 0.15+ when the
// gradient is normalized against full luma range.
func compressionScore(f media.Frame) float64 {
	gray := f.Gray()
	w, h := f.Width, f.Height
	if w < 3 || h < 3 {
		return 0
	}
	var sum float64
	count := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := gray[y*w+x+1] - gray[y*w+x-1]
			gy := gray[(y+1)*w+x] - gray[(y-1)*w+x]
			if gx < 0 {
				gx = -gx
			}
			if gy < 0 {
				gy = -gy
			}
			sum += (gx + gy) / 510.0
			count++
		}
	}
	density := sum / float64(count)
	if density >= 0.15 {
		return 1.0
	}
	return density / 0.15
}

// blockingScore measures luma discontinuity along 8-pixel row boundaries,
// where codec macroblock edges land.
func blockingScore(f media.Frame) float64 {
	gray := f.Gray()
	w, h := f.Width, f.Height
	if h < 16 {
		return 1.0
	}
	var boundary, interior float64
	bCount, iCount := 0, 0
	for y := 8; y < h; y += 8 {
		for x := 0; x < w; x++ {
			d := gray[y*w+x] - gray[(y-1)*w+x]
			if d < 0 {
				d = -d
			}
			boundary += d
			bCount++
		}
		if y+4 < h {
			for x := 0; x < w; x++ {
				d := gray[(y+4)*w+x] - gray[(y+3)*w+x]
				if d < 0 {
					d = -d
				}
				interior += d
				iCount++
			}
		}
	}
	if bCount == 0 || iCount == 0 {
		return 1.0
	}
	bMean := boundary / float64(bCount)
	iMean := interior / float64(iCount)
	if iMean < 1e-6 {
		return 1.0
	}
	// Ratio near 1 means boundaries look like any other row.
	excess := bMean/iMean - 1.0
	if excess < 0 {
		excess = 0
	}
	return clampScore(1.0 - excess/2.0)
}

// noiseScore estimates sensor/synthetic noise as the median-filter residual.
func noiseScore(f media.Frame) float64 {
	gray := f.Gray()
	w, h := f.Width, f.Height
	if w < 3 || h < 3 {
		return 1.0
	}
	var residual float64
	count := 0
	win := make([]float64, 0, 9)
	// Sample a grid rather than every pixel; the estimate converges fast.
	stepY, stepX := maxInt(1, h/64), maxInt(1, w/64)
	for y := 1; y < h-1; y += stepY {
		for x := 1; x < w-1; x += stepX {
			win = win[:0]
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					win = append(win, gray[(y+dy)*w+x+dx])
				}
			}
			sort.Float64s(win)
			d := gray[y*w+x] - win[4]
			if d < 0 {
				d = -d
			}
			residual += d
			count++
		}
	}
	level := residual / float64(count)
	if level <= 10 {
		return 1.0
	}
	return clampScore(1.0 - (level-10)/20)
}

// resolutionScore tiers pixel count of the source footage: 720p or better
// is full marks, below VGA degrades quickly.
func resolutionScore(width, height int) float64 {
	pixels := width * height
	switch {
	case pixels >= 1280*720:
		return 1.0
	case pixels >= 640*480:
		return 0.7
	default:
		s := float64(pixels) / float64(640*480)
		if s < 0.3 {
			return 0.3
		}
		return s
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
