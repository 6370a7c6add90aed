// Package robustness stress-tests a verdict against the configured attack
// matrix. Every cell perturbs a fresh copy of the baseline clip and re-runs
// the full signal+fusion pipeline; the baseline input itself is never
// mutated, so cells run in parallel without locks.
package robustness

import (
	"context"
	"fmt"
	"sync"

	"trustlens/internal/config"
	"trustlens/internal/domain"
	"trustlens/internal/media"
)

// AttackError reports a single failed matrix cell. One bad cell never
// aborts the rest of the matrix; it is recorded with a nil degradation.
type AttackError struct {
	Key domain.AttackKey
	Err error
}

func (e AttackError) Error() string {
	return fmt.Sprintf("attack %s: %v", e.Key, e.Err)
}

func (e AttackError) Unwrap() error { return e.Err }

// AnalyzeFunc re-runs the full signal+fusion pipeline over a clip.
type AnalyzeFunc func(ctx context.Context, clip *media.Clip) (domain.TrustVerdict, error)

// PerturbFunc applies one attack cell to a copy of the clip.
type PerturbFunc func(clip *media.Clip, spec config.AttackSpec) (*media.Clip, error)

// Run computes the baseline verdict once, then evaluates every cell of the
// attack matrix concurrently. Outcomes keep catalogue order regardless of
// completion order, and ties for most resilient/vulnerable break toward
// the earlier catalogue entry.
func Run(ctx context.Context, clip *media.Clip, analyze AnalyzeFunc, perturb PerturbFunc, matrix []config.AttackSpec) (domain.RobustnessReport, error) {
	baseline, err := analyze(ctx, clip)
	if err != nil {
		return domain.RobustnessReport{}, fmt.Errorf("baseline analysis: %w", err)
	}

	outcomes := make([]domain.AttackOutcome, len(matrix))
	var wg sync.WaitGroup
	for i, spec := range matrix {
		wg.Add(1)
		go func(i int, spec config.AttackSpec) {
			defer wg.Done()
			outcomes[i] = runCell(ctx, clip, baseline, analyze, perturb, spec)
		}(i, spec)
	}
	wg.Wait()

	report := domain.RobustnessReport{Baseline: baseline, Attacks: outcomes}
	report.MostResilient, report.MostVulnerable = extremes(outcomes)
	return report, nil
}

func runCell(ctx context.Context, clip *media.Clip, baseline domain.TrustVerdict, analyze AnalyzeFunc, perturb PerturbFunc, spec config.AttackSpec) domain.AttackOutcome {
	outcome := domain.AttackOutcome{Key: spec.Key()}
	perturbed, err := perturb(clip, spec)
	if err != nil {
		outcome.Error = AttackError{Key: spec.Key(), Err: err}.Error()
		return outcome
	}
	verdict, err := analyze(ctx, perturbed)
	if err != nil {
		outcome.Error = AttackError{Key: spec.Key(), Err: err}.Error()
		return outcome
	}
	// Degradation may be negative when a perturbation incidentally raised
	// the score; that is preserved, not clamped.
	deg := baseline.FinalScore - verdict.FinalScore
	outcome.Score = verdict.FinalScore
	outcome.Degradation = &deg
	return outcome
}

// extremes finds argmin (most resilient) and argmax (most vulnerable) over
// the successful cells; first occurrence wins ties.
func extremes(outcomes []domain.AttackOutcome) (resilient, vulnerable *domain.AttackKey) {
	var minIdx, maxIdx = -1, -1
	for i, out := range outcomes {
		if out.Degradation == nil {
			continue
		}
		if minIdx == -1 || *out.Degradation < *outcomes[minIdx].Degradation {
			minIdx = i
		}
		if maxIdx == -1 || *out.Degradation > *outcomes[maxIdx].Degradation {
			maxIdx = i
		}
	}
	if minIdx >= 0 {
		k := outcomes[minIdx].Key
		resilient = &k
	}
	if maxIdx >= 0 {
		k := outcomes[maxIdx].Key
		vulnerable = &k
	}
	return resilient, vulnerable
}
