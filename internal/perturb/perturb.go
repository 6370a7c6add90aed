// Package perturb applies named synthetic degradations to a clip so the
// robustness driver can measure how the verdict holds up. Every attack
// works on a fresh copy and is deterministic for a given (clip, attack,
// intensity), which keeps the whole robustness report reproducible.
package perturb

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"

	"trustlens/internal/config"
	"trustlens/internal/media"
)

// Apply returns a perturbed copy of the clip. The original is never
// mutated. Unknown attacks are an error; config validation normally
// rejects them before they get here.
func Apply(clip *media.Clip, spec config.AttackSpec) (*media.Clip, error) {
	out := clip.Clone()
	for i := range out.Frames {
		frame, err := applyFrame(out.Frames[i], spec, i)
		if err != nil {
			return nil, fmt.Errorf("%s frame %d: %w", spec.Key(), i, err)
		}
		out.Frames[i] = frame
	}
	return out, nil
}

func applyFrame(f media.Frame, spec config.AttackSpec, index int) (media.Frame, error) {
	switch spec.Attack {
	case "compression":
		return quantize(f, spec.Param), nil
	case "noise":
		return addNoise(f, spec.Param, seedFor(spec, index)), nil
	case "blur":
		return boxBlur(f, int(spec.Param)), nil
	case "resolution":
		return downUp(f, spec.Param)
	case "crop":
		return cropResize(f, spec.Param)
	case "color_shift":
		return shiftChannels(f, spec.Param, seedFor(spec, index)), nil
	default:
		return media.Frame{}, fmt.Errorf("unknown attack %q", spec.Attack)
	}
}

// seedFor derives a stable per-frame PRNG seed from the attack identity.
func seedFor(spec config.AttackSpec, frameIndex int) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", spec.Attack, spec.Intensity, frameIndex)
	return int64(h.Sum64())
}

// quantize coarsens channel values the way aggressive DCT quantization
// does. quality follows the JPEG convention: 100 is lossless-ish, 20 is
// heavily degraded.
func quantize(f media.Frame, quality float64) media.Frame {
	if quality >= 100 {
		return f
	}
	step := 1 + int((100-quality)/12)
	if step < 2 {
		step = 2
	}
	for i, v := range f.Pix {
		q := (int(v) / step) * step
		f.Pix[i] = byte(q)
	}
	return f
}

func addNoise(f media.Frame, sigma float64, seed int64) media.Frame {
	rng := rand.New(rand.NewSource(seed))
	for i, v := range f.Pix {
		n := rng.NormFloat64() * sigma
		f.Pix[i] = clampByte(float64(v) + n)
	}
	return f
}

func boxBlur(f media.Frame, radius int) media.Frame {
	if radius < 1 {
		return f
	}
	out := media.NewFrame(f.Width, f.Height)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			for c := 0; c < 3; c++ {
				var sum, count int
				for dy := -radius; dy <= radius; dy++ {
					for dx := -radius; dx <= radius; dx++ {
						yy, xx := y+dy, x+dx
						if yy < 0 || yy >= f.Height || xx < 0 || xx >= f.Width {
							continue
						}
						sum += int(f.At(xx, yy, c))
						count++
					}
				}
				out.Set(x, y, c, byte(sum/count))
			}
		}
	}
	return out
}

// downUp downscales by scale then restores the original size, simulating
// low-resolution source material.
func downUp(f media.Frame, scale float64) (media.Frame, error) {
	if scale <= 0 || scale > 1 {
		return media.Frame{}, fmt.Errorf("resolution scale %v outside (0,1]", scale)
	}
	sw := int(float64(f.Width) * scale)
	sh := int(float64(f.Height) * scale)
	if sw < 1 || sh < 1 {
		return media.Frame{}, fmt.Errorf("frame too small to downscale by %v", scale)
	}
	small := resizeNearest(f, sw, sh)
	return resizeNearest(small, f.Width, f.Height), nil
}

// cropResize removes fraction from every edge and stretches back.
func cropResize(f media.Frame, fraction float64) (media.Frame, error) {
	if fraction < 0 || fraction >= 0.5 {
		return media.Frame{}, fmt.Errorf("crop fraction %v outside [0,0.5)", fraction)
	}
	cw := int(float64(f.Width) * fraction)
	ch := int(float64(f.Height) * fraction)
	width := f.Width - 2*cw
	height := f.Height - 2*ch
	if width < 1 || height < 1 {
		return media.Frame{}, fmt.Errorf("frame too small to crop by %v", fraction)
	}
	cropped := media.NewFrame(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			for c := 0; c < 3; c++ {
				cropped.Set(x, y, c, f.At(x+cw, y+ch, c))
			}
		}
	}
	return resizeNearest(cropped, f.Width, f.Height), nil
}

func shiftChannels(f media.Frame, amount float64, seed int64) media.Frame {
	rng := rand.New(rand.NewSource(seed))
	shift := [3]float64{}
	for c := 0; c < 3; c++ {
		shift[c] = (rng.Float64()*2 - 1) * amount
	}
	for i, v := range f.Pix {
		f.Pix[i] = clampByte(float64(v) + shift[i%3])
	}
	return f
}

func resizeNearest(f media.Frame, width, height int) media.Frame {
	out := media.NewFrame(width, height)
	for y := 0; y < height; y++ {
		sy := int(math.Floor(float64(y) * float64(f.Height) / float64(height)))
		for x := 0; x < width; x++ {
			sx := int(math.Floor(float64(x) * float64(f.Width) / float64(width)))
			for c := 0; c < 3; c++ {
				out.Set(x, y, c, f.At(sx, sy, c))
			}
		}
	}
	return out
}

func clampByte(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
