// Package engine ties extraction, fusion, robustness testing and batch
// orchestration together and persists their outcomes. All state changes go
// through a transaction that also appends the matching activity event.
package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"trustlens/internal/batch"
	"trustlens/internal/config"
	"trustlens/internal/domain"
	"trustlens/internal/events"
	"trustlens/internal/perturb"
	"trustlens/internal/pipeline"
	"trustlens/internal/repo"
	"trustlens/internal/robustness"
)

type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Config       *config.Config
	Pipeline     *pipeline.Pipeline
	Orchestrator *batch.Orchestrator
	Logger       *slog.Logger
	Now          func() time.Time
}

func New(db *sql.DB, cfg *config.Config, pipe *pipeline.Pipeline, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Pipeline: pipe,
		Logger:   logger,
		Now:      time.Now,
	}
	analyze := func(ctx context.Context, item batch.Item) (domain.TrustVerdict, error) {
		return pipe.AnalyzeFile(ctx, item.Path)
	}
	e.Orchestrator = batch.New(batch.NewStore(), analyze, cfg.Batch.Workers, logger, batch.WithArchiver(e))
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Analyze runs the full pipeline on one file and persists the verdict.
func (e *Engine) Analyze(ctx context.Context, path, filename, actorID string) (domain.Analysis, error) {
	verdict, err := e.Pipeline.AnalyzeFile(ctx, path)
	if err != nil {
		return domain.Analysis{}, err
	}
	a := domain.Analysis{
		ID:        uuid.New().String(),
		Filename:  filename,
		Verdict:   verdict,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Analysis{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAnalysis(ctx, tx, a); err != nil {
		return domain.Analysis{}, fmt.Errorf("insert analysis: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeAnalysisCompleted, "analysis", a.ID, actorID, events.EventPayload{
		"filename":    a.Filename,
		"decision":    verdict.Decision,
		"final_score": verdict.FinalScore,
	}); err != nil {
		return domain.Analysis{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Analysis{}, err
	}
	return a, nil
}

// TestRobustness decodes the file once, then replays the attack matrix
// against the in-memory clip.
func (e *Engine) TestRobustness(ctx context.Context, path, filename, actorID string) (domain.RobustnessReport, error) {
	clip, err := e.Pipeline.Extractor.Extract(ctx, path)
	if err != nil {
		return domain.RobustnessReport{}, fmt.Errorf("extract %s: %w", filename, err)
	}
	report, err := robustness.Run(ctx, clip, e.Pipeline.AnalyzeClip, perturb.Apply, e.Config.Robustness.Attacks)
	if err != nil {
		return domain.RobustnessReport{}, err
	}

	// The report is already computed; a bookkeeping failure must not cost
	// the caller the result.
	if err := e.logRobustnessRun(ctx, filename, actorID, report); err != nil {
		e.Logger.Warn("robustness event append failed", "filename", filename, "error", err)
	}
	return report, nil
}

func (e *Engine) logRobustnessRun(ctx context.Context, filename, actorID string, report domain.RobustnessReport) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	failed := 0
	for _, o := range report.Attacks {
		if o.Error != "" {
			failed++
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeRobustnessRun, "robustness", "", actorID, events.EventPayload{
		"filename":       filename,
		"baseline_score": report.Baseline.FinalScore,
		"cells":          len(report.Attacks),
		"failed_cells":   failed,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SubmitBatch registers a batch job and starts it. An empty item set still
// registers a queryable failed job; the ErrNoItems error is passed through
// so the caller can reject the request.
func (e *Engine) SubmitBatch(ctx context.Context, items []batch.Item, actorID string) (domain.BatchJob, error) {
	id, submitErr := e.Orchestrator.Submit(items)
	job, err := e.Orchestrator.Status(id)
	if err != nil {
		return domain.BatchJob{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return job, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.TypeBatchSubmitted, "batch", id, actorID, events.EventPayload{
		"total": job.Total,
	}); err != nil {
		return job, err
	}
	if err := tx.Commit(); err != nil {
		return job, err
	}
	return job, submitErr
}

// BatchStatus prefers the live in-memory job and falls back to the
// archived snapshot for jobs from earlier runs.
func (e *Engine) BatchStatus(ctx context.Context, id string) (domain.BatchJob, error) {
	job, err := e.Orchestrator.Status(id)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, batch.ErrJobNotFound) {
		return domain.BatchJob{}, err
	}
	return e.Repo.GetBatchJob(ctx, id)
}

// ArchiveJob persists a terminal batch job. Called by the orchestrator;
// satisfies batch.Archiver.
func (e *Engine) ArchiveJob(ctx context.Context, job domain.BatchJob) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertBatchJob(ctx, tx, job); err != nil {
		return fmt.Errorf("archive batch job: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeBatchCompleted, "batch", job.ID, "system", events.EventPayload{
		"total":  job.Total,
		"errors": len(job.Errors),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) GetAnalysis(ctx context.Context, id string) (domain.Analysis, error) {
	return e.Repo.GetAnalysis(ctx, id)
}

func (e *Engine) ListAnalyses(ctx context.Context, f repo.AnalysisFilters) ([]domain.Analysis, error) {
	return e.Repo.ListAnalyses(ctx, f)
}

// Stats summarizes persisted analyses by decision.
func (e *Engine) Stats(ctx context.Context) (map[string]int, error) {
	return e.Repo.CountAnalysesByDecision(ctx)
}

// HashFile fingerprints a file with SHA-256 for later re-verification.
func (e *Engine) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CreateAPIKey mints a new random key, stores only its hash, and returns
// the raw key exactly once.
func (e *Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor_id required")
	}
	raw := uuid.New().String() + uuid.New().String()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, events.TypeAPIKeyCreated, "apikey", key.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

func (e *Engine) DeleteAPIKey(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeAPIKeyDeleted, "apikey", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
