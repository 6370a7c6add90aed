// Package media holds the decoded frame/audio types the analyzers and the
// perturbation generator operate on. Extraction from container files lives
// in internal/extract; everything downstream works on these plain buffers.
package media

import "fmt"

// Frame is a decoded RGB24 image. Pix holds width*height*3 bytes in
// row-major order.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
}

// NewFrame allocates a zeroed frame.
func NewFrame(width, height int) Frame {
	return Frame{Width: width, Height: height, Pix: make([]byte, width*height*3)}
}

// Valid reports whether the buffer matches the declared dimensions.
func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Pix) == f.Width*f.Height*3
}

// At returns the channel value at (x, y); c is 0=R, 1=G, 2=B.
func (f Frame) At(x, y, c int) byte {
	return f.Pix[(y*f.Width+x)*3+c]
}

// Set writes the channel value at (x, y).
func (f Frame) Set(x, y, c int, v byte) {
	f.Pix[(y*f.Width+x)*3+c] = v
}

// Gray returns the luma plane as float64 values in [0,255].
func (f Frame) Gray() []float64 {
	out := make([]float64, f.Width*f.Height)
	for i := 0; i < len(out); i++ {
		r := float64(f.Pix[i*3])
		g := float64(f.Pix[i*3+1])
		b := float64(f.Pix[i*3+2])
		out[i] = 0.299*r + 0.587*g + 0.114*b
	}
	return out
}

// Clone deep-copies the frame so perturbations never touch the original.
func (f Frame) Clone() Frame {
	pix := make([]byte, len(f.Pix))
	copy(pix, f.Pix)
	return Frame{Width: f.Width, Height: f.Height, Pix: pix}
}

// Clip is a finite, already-extracted sample of a video: frames at a fixed
// sampling rate plus an optional mono PCM track. Audio samples are in
// [-1, 1]; SampleRate is 0 when the clip has no audio track.
// SourceWidth/SourceHeight keep the container's native resolution when the
// extractor downscales frames for analysis; 0 means frames are native size.
type Clip struct {
	Frames       []Frame
	Audio        []float64
	SampleRate   int
	SourceWidth  int
	SourceHeight int
}

// SourceDims returns the native resolution, falling back to the first
// frame's dimensions when the extractor did not record one.
func (c *Clip) SourceDims() (int, int) {
	if c.SourceWidth > 0 && c.SourceHeight > 0 {
		return c.SourceWidth, c.SourceHeight
	}
	if len(c.Frames) > 0 {
		return c.Frames[0].Width, c.Frames[0].Height
	}
	return 0, 0
}

// HasAudio reports whether an audio track was extracted.
func (c *Clip) HasAudio() bool {
	return c.SampleRate > 0 && len(c.Audio) > 0
}

// Clone deep-copies frames and audio.
func (c *Clip) Clone() *Clip {
	out := &Clip{SampleRate: c.SampleRate, SourceWidth: c.SourceWidth, SourceHeight: c.SourceHeight}
	out.Frames = make([]Frame, len(c.Frames))
	for i, f := range c.Frames {
		out.Frames[i] = f.Clone()
	}
	if c.Audio != nil {
		out.Audio = make([]float64, len(c.Audio))
		copy(out.Audio, c.Audio)
	}
	return out
}

// Validate checks structural consistency of the clip.
func (c *Clip) Validate() error {
	if len(c.Frames) == 0 {
		return fmt.Errorf("clip has no frames")
	}
	for i, f := range c.Frames {
		if !f.Valid() {
			return fmt.Errorf("frame %d: buffer size %d does not match %dx%d", i, len(f.Pix), f.Width, f.Height)
		}
	}
	return nil
}
