// Package batch runs many analyses through the pipeline with bounded
// parallelism and a poll-friendly progress snapshot per job.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustlens/internal/domain"
)

// ErrNoItems is returned by Submit when the batch has nothing to run. The
// job is still registered (status failed) so the client can query it.
var ErrNoItems = errors.New("no valid items submitted")

// ErrJobNotFound is returned by Status for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// Item is one named input of a batch.
type Item struct {
	Filename string
	Path     string
}

// AnalyzeFunc runs the full per-video pipeline for one item.
type AnalyzeFunc func(ctx context.Context, item Item) (domain.TrustVerdict, error)

// Archiver persists a terminal job snapshot. Optional; live jobs stay in
// memory for the process lifetime regardless.
type Archiver interface {
	ArchiveJob(ctx context.Context, job domain.BatchJob) error
}

// Store is the lock-protected registry of batch jobs. It is explicitly
// owned by the orchestrator it is handed to, never a process-wide
// singleton; distinct orchestrators never share jobs.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*domain.BatchJob
}

// NewStore returns an empty job registry.
func NewStore() *Store {
	return &Store{jobs: make(map[string]*domain.BatchJob)}
}

func (s *Store) put(job *domain.BatchJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

// snapshot copies the job under the same lock used for mutation so a
// polling client never observes a counter out of sync with the appends.
func (s *Store) snapshot(id string) (domain.BatchJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.BatchJob{}, false
	}
	return copyJob(job), true
}

// markProcessing flips a pending job to processing when its first item
// starts.
func (s *Store) markProcessing(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && job.Status == domain.JobPending {
		job.Status = domain.JobProcessing
	}
}

// recordItem appends one finished item and advances the counter in a
// single critical section, preserving completed == len(results)+len(errors).
// It returns a terminal snapshot when this was the last item.
func (s *Store) recordItem(id string, result *domain.ItemResult, itemErr *domain.ItemError, now time.Time) (domain.BatchJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.BatchJob{}, false
	}
	if result != nil {
		job.Results = append(job.Results, *result)
	}
	if itemErr != nil {
		job.Errors = append(job.Errors, *itemErr)
	}
	job.Completed++
	job.Progress = progress(job.Completed, job.Total)
	if job.Completed == job.Total {
		job.Status = domain.JobCompleted
		ended := now.UTC().Format(time.RFC3339)
		job.EndedAt = &ended
		return copyJob(job), true
	}
	return domain.BatchJob{}, false
}

func copyJob(job *domain.BatchJob) domain.BatchJob {
	out := *job
	out.Results = append([]domain.ItemResult(nil), job.Results...)
	out.Errors = append([]domain.ItemError(nil), job.Errors...)
	return out
}

// progress is 100*completed/total, defined as 100 for the degenerate
// zero-item job to avoid division by zero.
func progress(completed, total int) float64 {
	if total == 0 {
		return 100
	}
	return 100 * float64(completed) / float64(total)
}

// Orchestrator drains each submitted job through a bounded worker pool.
type Orchestrator struct {
	store    *Store
	analyze  AnalyzeFunc
	workers  int
	logger   *slog.Logger
	archiver Archiver
	now      func() time.Time
	wg       sync.WaitGroup
}

// Option configures optional orchestrator behavior.
type Option func(*Orchestrator)

// WithArchiver persists terminal job snapshots through the given archiver.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithClock overrides the timestamp source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an orchestrator over an explicitly owned store.
func New(store *Store, analyze AnalyzeFunc, workers int, logger *slog.Logger, opts ...Option) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:   store,
		analyze: analyze,
		workers: workers,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit registers a job and starts processing it in the background.
// An empty item set registers a terminal failed job and reports ErrNoItems.
func (o *Orchestrator) Submit(items []Item) (string, error) {
	id := uuid.New().String()
	job := &domain.BatchJob{
		ID:        id,
		Status:    domain.JobPending,
		Total:     len(items),
		Progress:  progress(0, len(items)),
		CreatedAt: o.now().UTC().Format(time.RFC3339),
	}
	if len(items) == 0 {
		job.Status = domain.JobFailed
		ended := o.now().UTC().Format(time.RFC3339)
		job.EndedAt = &ended
		o.store.put(job)
		return id, ErrNoItems
	}
	o.store.put(job)

	o.wg.Add(1)
	go o.run(id, items)
	return id, nil
}

// Status returns a consistent snapshot of the job.
func (o *Orchestrator) Status(id string) (domain.BatchJob, error) {
	job, ok := o.store.snapshot(id)
	if !ok {
		return domain.BatchJob{}, ErrJobNotFound
	}
	return job, nil
}

// Wait blocks until every submitted job has finished. Used by the CLI and
// tests; the HTTP surface polls Status instead.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// run drains the job's items through the worker pool. Jobs run to
// completion or process exit; there is no cancellation at this layer.
func (o *Orchestrator) run(id string, items []Item) {
	defer o.wg.Done()
	ctx := context.Background()

	queue := make(chan Item, len(items))
	for _, item := range items {
		queue <- item
	}
	close(queue)

	workers := o.workers
	if workers > len(items) {
		workers = len(items)
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range queue {
				o.processItem(ctx, id, item)
			}
		}()
	}
	wg.Wait()
}

// processItem analyzes one item and records the outcome. Item failures are
// isolated: they accumulate in the job's error list and never halt the
// batch.
func (o *Orchestrator) processItem(ctx context.Context, id string, item Item) {
	o.store.markProcessing(id)
	verdict, err := o.analyze(ctx, item)

	var terminal domain.BatchJob
	var done bool
	if err != nil {
		o.logger.Warn("batch item failed", "job_id", id, "filename", item.Filename, "error", err)
		terminal, done = o.store.recordItem(id, nil, &domain.ItemError{Filename: item.Filename, Message: err.Error()}, o.now())
	} else {
		terminal, done = o.store.recordItem(id, &domain.ItemResult{Filename: item.Filename, Verdict: verdict}, nil, o.now())
	}
	if done {
		o.logger.Info("batch job completed", "job_id", id, "total", terminal.Total, "errors", len(terminal.Errors))
		if o.archiver != nil {
			if err := o.archiver.ArchiveJob(ctx, terminal); err != nil {
				o.logger.Warn("archive job failed", "job_id", id, "error", err)
			}
		}
	}
}
