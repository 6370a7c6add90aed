package engine_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"trustlens/internal/batch"
	"trustlens/internal/config"
	"trustlens/internal/db"
	"trustlens/internal/domain"
	"trustlens/internal/engine"
	"trustlens/internal/media"
	"trustlens/internal/migrate"
	"trustlens/internal/pipeline"
	"trustlens/internal/repo"
)

type stubExtractor struct {
	failNames map[string]bool
}

func (s stubExtractor) Extract(_ context.Context, path string) (*media.Clip, error) {
	if s.failNames[filepath.Base(path)] {
		return nil, fmt.Errorf("decode %s: corrupt container", path)
	}
	clip := &media.Clip{SampleRate: 16000}
	for n := 0; n < 3; n++ {
		f := media.NewFrame(16, 12)
		for i := range f.Pix {
			f.Pix[i] = byte((i*3 + n) % 256)
		}
		clip.Frames = append(clip.Frames, f)
	}
	clip.Audio = make([]float64, 800)
	return clip, nil
}

type fixedSignal struct {
	name  string
	score float64
}

func (s fixedSignal) Name() string { return s.name }
func (s fixedSignal) Analyze(*media.Clip) (domain.SignalResult, error) {
	return domain.SignalResult{Score: s.score}, nil
}

type fixedQuality struct{ overall float64 }

func (q fixedQuality) Assess(*media.Clip) (domain.QualityAssessment, error) {
	return domain.QualityAssessment{Overall: q.overall, Compression: q.overall, Noise: q.overall, Blocking: q.overall, Resolution: q.overall}, nil
}

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	pipe := pipeline.New(
		stubExtractor{failNames: map[string]bool{"bad.mp4": true}},
		[]pipeline.SignalExtractor{
			fixedSignal{domain.SignalVision, 0.8},
			fixedSignal{domain.SignalAudio, 0.8},
			fixedSignal{domain.SignalTemporal, 0.8},
		},
		fixedQuality{0.9},
		cfg,
	)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(conn, cfg, pipe, logger)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func TestAnalyzePersistsAndLogsEvent(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.Analyze(env.Ctx, "/videos/clip.mp4", "clip.mp4", "tester")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if a.Verdict.Decision != domain.DecisionReal {
		t.Fatalf("decision %s", a.Verdict.Decision)
	}

	stored, err := env.Engine.GetAnalysis(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get analysis: %v", err)
	}
	if stored.Verdict.FinalScore != a.Verdict.FinalScore {
		t.Fatalf("stored score %v, want %v", stored.Verdict.FinalScore, a.Verdict.FinalScore)
	}

	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='analysis.completed' AND entity_id=?`, a.ID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 analysis.completed event, got %d", count)
	}
}

func TestAnalyzeFailureLeavesNoRecord(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Analyze(env.Ctx, "/videos/bad.mp4", "bad.mp4", "tester")
	if err == nil {
		t.Fatalf("expected extraction failure")
	}
	var xe pipeline.ExtractionError
	if !errors.As(err, &xe) {
		t.Fatalf("expected ExtractionError, got %T", err)
	}
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM analyses`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no analyses, got %d", count)
	}
}

func TestSubmitBatchArchivesJob(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.Engine.SubmitBatch(env.Ctx, []batch.Item{
		{Filename: "a.mp4", Path: "/v/a.mp4"},
		{Filename: "bad.mp4", Path: "/v/bad.mp4"},
		{Filename: "c.mp4", Path: "/v/c.mp4"},
	}, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.Engine.Orchestrator.Wait()

	got, err := env.Engine.BatchStatus(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != domain.JobCompleted || got.Completed != 3 {
		t.Fatalf("status=%s completed=%d", got.Status, got.Completed)
	}
	if len(got.Results) != 2 || len(got.Errors) != 1 {
		t.Fatalf("results=%d errors=%d", len(got.Results), len(got.Errors))
	}

	archived, err := env.Engine.Repo.GetBatchJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("archived job: %v", err)
	}
	if archived.Status != domain.JobCompleted || archived.Completed != 3 {
		t.Fatalf("archived status=%s completed=%d", archived.Status, archived.Completed)
	}

	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='batch.completed' AND entity_id=?`, job.ID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 batch.completed event, got %d", count)
	}
}

func TestSubmitBatchEmpty(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.Engine.SubmitBatch(env.Ctx, nil, "tester")
	if !errors.Is(err, batch.ErrNoItems) {
		t.Fatalf("expected ErrNoItems, got %v", err)
	}
	if job.Status != domain.JobFailed {
		t.Fatalf("status %s", job.Status)
	}
	// The failed job stays queryable.
	got, err := env.Engine.BatchStatus(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != domain.JobFailed || got.Progress != 100 {
		t.Fatalf("status=%s progress=%v", got.Status, got.Progress)
	}
}

func TestBatchStatusUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.BatchStatus(env.Ctx, "nope")
	if !errors.Is(err, repo.ErrNotFound) && !errors.Is(err, batch.ErrJobNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestRobustnessRunLogsEvent(t *testing.T) {
	env := newTestEnv(t)
	report, err := env.Engine.TestRobustness(env.Ctx, "/videos/clip.mp4", "clip.mp4", "tester")
	if err != nil {
		t.Fatalf("robustness: %v", err)
	}
	if len(report.Attacks) != len(env.Engine.Config.Robustness.Attacks) {
		t.Fatalf("attacks %d, want %d", len(report.Attacks), len(env.Engine.Config.Robustness.Attacks))
	}
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='robustness.run'`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 robustness.run event, got %d", count)
	}
}

func TestRobustnessReportSurvivesEventFailure(t *testing.T) {
	env := newTestEnv(t)
	// The matrix runs fully in memory; only the event append touches the
	// database. A bookkeeping failure must not cost the caller the report.
	if err := env.Engine.DB.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}
	report, err := env.Engine.TestRobustness(env.Ctx, "/videos/clip.mp4", "clip.mp4", "tester")
	if err != nil {
		t.Fatalf("robustness: %v", err)
	}
	if len(report.Attacks) != len(env.Engine.Config.Robustness.Attacks) {
		t.Fatalf("attacks %d, want %d", len(report.Attacks), len(env.Engine.Config.Robustness.Attacks))
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	key, raw, err := env.Engine.CreateAPIKey(env.Ctx, "svc-ci", "ci")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if raw == "" {
		t.Fatalf("expected raw key")
	}
	found, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(raw))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found.ID != key.ID || found.ActorID != "svc-ci" {
		t.Fatalf("unexpected key %+v", found)
	}
	if err := env.Engine.DeleteAPIKey(env.Ctx, key.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// The row delete and its event commit together.
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='apikey.deleted' AND entity_id=?`, key.ID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 apikey.deleted event, got %d", count)
	}
	if err := env.Engine.DeleteAPIKey(env.Ctx, key.ID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHashFile(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.bin")
	content := []byte("fingerprint me")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	digest, err := env.Engine.HashFile(path)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	want := fmt.Sprintf("%x", sha256.Sum256(content))
	if digest != want {
		t.Fatalf("digest %s, want %s", digest, want)
	}
}
