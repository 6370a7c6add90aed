// Package extract decodes video files into media.Clip buffers by shelling
// out to ffmpeg. Frames are sampled at a fixed rate and downscaled for
// analysis; the native resolution is probed separately and kept on the clip.
package extract

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"trustlens/internal/config"
	"trustlens/internal/media"
)

// audioRate is the mono PCM rate the analyzers expect.
const audioRate = 16000

// commandContext is swapped out in tests to stub the external binaries.
var commandContext = exec.CommandContext

// FFmpeg extracts clips using the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	fps        float64
	maxFrames  int
	frameWidth int
	ffmpegPath string
	logger     *slog.Logger
}

// NewFFmpeg builds an extractor from the extract section of the config.
func NewFFmpeg(cfg *config.Config, logger *slog.Logger) *FFmpeg {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{
		fps:        cfg.Extract.FPS,
		maxFrames:  cfg.Extract.MaxFrames,
		frameWidth: cfg.Extract.FrameWidth,
		ffmpegPath: cfg.Extract.FFmpegPath,
		logger:     logger,
	}
}

// ffprobePath derives the probe binary from the configured ffmpeg path so a
// custom install prefix covers both.
func (f *FFmpeg) ffprobePath() string {
	dir, base := filepath.Split(f.ffmpegPath)
	probe := strings.Replace(base, "ffmpeg", "ffprobe", 1)
	if probe == base {
		probe = "ffprobe"
	}
	return dir + probe
}

// Extract decodes path into an analysis clip. A missing or silent audio
// track is not an error; the clip simply carries no samples.
func (f *FFmpeg) Extract(ctx context.Context, path string) (*media.Clip, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}
	srcW, srcH, err := f.probeDimensions(ctx, path)
	if err != nil {
		return nil, err
	}

	width := f.frameWidth
	if width <= 0 || width > srcW {
		width = srcW
	}
	// Keep aspect ratio; rawvideo needs even dimensions.
	height := evenRound(float64(srcH) * float64(width) / float64(srcW))
	width = evenRound(float64(width))

	frames, err := f.extractFrames(ctx, path, width, height)
	if err != nil {
		return nil, err
	}

	clip := &media.Clip{
		Frames:       frames,
		SourceWidth:  srcW,
		SourceHeight: srcH,
	}
	if audio, err := f.extractAudio(ctx, path); err != nil {
		f.logger.Debug("no audio track extracted", "path", path, "error", err)
	} else if len(audio) > 0 {
		clip.Audio = audio
		clip.SampleRate = audioRate
	}
	if err := clip.Validate(); err != nil {
		return nil, fmt.Errorf("decoded clip: %w", err)
	}
	return clip, nil
}

// probeDimensions asks ffprobe for the first video stream's geometry.
func (f *FFmpeg) probeDimensions(ctx context.Context, path string) (int, int, error) {
	cmd := commandContext(ctx, f.ffprobePath(),
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=p=0",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("probe %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	fields := strings.Split(strings.TrimSpace(string(out)), ",")
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("probe %s: no video stream", path)
	}
	w, werr := strconv.Atoi(strings.TrimSpace(fields[0]))
	h, herr := strconv.Atoi(strings.TrimSpace(fields[1]))
	if werr != nil || herr != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("probe %s: bad dimensions %q", path, strings.TrimSpace(string(out)))
	}
	return w, h, nil
}

// extractFrames decodes sampled frames as raw RGB24 on stdout and slices
// the stream into fixed-size frame buffers.
func (f *FFmpeg) extractFrames(ctx context.Context, path string, width, height int) ([]media.Frame, error) {
	vf := fmt.Sprintf("fps=%g,scale=%d:%d", f.fps, width, height)
	cmd := commandContext(ctx, f.ffmpegPath,
		"-v", "error",
		"-i", path,
		"-vf", vf,
		"-frames:v", strconv.Itoa(f.maxFrames),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("decode frames from %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	raw := stdout.Bytes()
	frameSize := width * height * 3
	if len(raw) < frameSize {
		return nil, fmt.Errorf("decode frames from %s: no frames produced", path)
	}
	count := len(raw) / frameSize
	frames := make([]media.Frame, 0, count)
	for i := 0; i < count; i++ {
		pix := make([]byte, frameSize)
		copy(pix, raw[i*frameSize:(i+1)*frameSize])
		frames = append(frames, media.Frame{Width: width, Height: height, Pix: pix})
	}
	return frames, nil
}

// extractAudio decodes the audio track to 16 kHz mono s16le and converts
// it to float samples in [-1, 1].
func (f *FFmpeg) extractAudio(ctx context.Context, path string) ([]float64, error) {
	cmd := commandContext(ctx, f.ffmpegPath,
		"-v", "error",
		"-i", path,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(audioRate),
		"-f", "s16le",
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("decode audio from %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	raw := stdout.Bytes()
	samples := make([]float64, len(raw)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		samples[i] = float64(v) / 32768.0
	}
	return samples, nil
}

func evenRound(v float64) int {
	n := int(v + 0.5)
	if n%2 != 0 {
		n++
	}
	if n < 2 {
		n = 2
	}
	return n
}
