// Package pipeline wires the external collaborators (extraction, signal
// analyzers, quality assessment) in front of the fusion engine. It owns
// the caller-side contract of neutral-filling signals that are not
// applicable to an input; the fusion engine itself never substitutes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"trustlens/internal/config"
	"trustlens/internal/domain"
	"trustlens/internal/fusion"
	"trustlens/internal/media"
)

// Extractor turns a container file into an analyzable clip.
type Extractor interface {
	Extract(ctx context.Context, path string) (*media.Clip, error)
}

// SignalExtractor is one independent forensic analyzer.
type SignalExtractor interface {
	Name() string
	Analyze(clip *media.Clip) (domain.SignalResult, error)
}

// QualityAssessor scores how analyzable the input is.
type QualityAssessor interface {
	Assess(clip *media.Clip) (domain.QualityAssessment, error)
}

// ExtractionError wraps a collaborator failure on one specific item. The
// batch orchestrator catches it at its boundary so one corrupt file never
// halts a batch.
type ExtractionError struct {
	Stage string
	Err   error
}

func (e ExtractionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e ExtractionError) Unwrap() error { return e.Err }

// Pipeline runs one input through quality assessment, the independent
// signal extractors, and fusion.
type Pipeline struct {
	Extractor  Extractor
	Signals    []SignalExtractor
	Quality    QualityAssessor
	Fusion     fusion.Engine
	SignalCaps int // bound on concurrent extractors; 0 means unbounded
}

// New assembles a pipeline around the given collaborators.
func New(extractor Extractor, sigs []SignalExtractor, quality QualityAssessor, cfg *config.Config) *Pipeline {
	return &Pipeline{
		Extractor: extractor,
		Signals:   sigs,
		Quality:   quality,
		Fusion:    fusion.New(cfg),
	}
}

// AnalyzeFile extracts the clip and analyzes it.
func (p *Pipeline) AnalyzeFile(ctx context.Context, path string) (domain.TrustVerdict, error) {
	clip, err := p.Extractor.Extract(ctx, path)
	if err != nil {
		return domain.TrustVerdict{}, ExtractionError{Stage: "extract", Err: err}
	}
	return p.AnalyzeClip(ctx, clip)
}

// AnalyzeClip runs quality assessment and all signal extractors over the
// clip, then fuses. Extractors are independent and run concurrently;
// signals that report not-applicable get the neutral score here, per the
// fusion contract.
func (p *Pipeline) AnalyzeClip(ctx context.Context, clip *media.Clip) (domain.TrustVerdict, error) {
	if err := ctx.Err(); err != nil {
		return domain.TrustVerdict{}, err
	}
	quality, err := p.Quality.Assess(clip)
	if err != nil {
		return domain.TrustVerdict{}, ExtractionError{Stage: "quality", Err: err}
	}

	type signalOutcome struct {
		name   string
		result domain.SignalResult
		err    error
	}
	outcomes := make([]signalOutcome, len(p.Signals))
	var wg sync.WaitGroup
	for i, sig := range p.Signals {
		wg.Add(1)
		go func(i int, sig SignalExtractor) {
			defer wg.Done()
			res, err := sig.Analyze(clip)
			outcomes[i] = signalOutcome{name: sig.Name(), result: res, err: err}
		}(i, sig)
	}
	wg.Wait()

	signals := make(map[string]domain.SignalResult, len(outcomes))
	for _, out := range outcomes {
		if out.err != nil {
			if errors.Is(out.err, domain.ErrSignalNotApplicable) {
				signals[out.name] = domain.SignalResult{Score: domain.NeutralScore}
				continue
			}
			return domain.TrustVerdict{}, ExtractionError{Stage: "signal " + out.name, Err: out.err}
		}
		signals[out.name] = out.result
	}

	return p.Fusion.Fuse(signals, quality)
}
