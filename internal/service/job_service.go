package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/contact-bulk-upload-api/internal/repository"
	"github.com/rs/zerolog"
)

// processor runs the pipeline of one job until it is terminal
type processor interface {
	process(ctx context.Context, run *jobRun) error
}

// jobService is the concrete implementation of JobService
type jobService struct {
	jobRepo   repository.JobRepository
	processor processor
	store     *jobStore
	log       zerolog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	mu        sync.Mutex
	// Semaphore: buffered channel bounding concurrently running jobs
	sem        chan struct{}
	maxWorkers int
	completed  atomic.Int64
	failed     atomic.Int64
}

// newJobService creates a JobService running at most maxWorkers jobs at once
func newJobService(jobRepo repository.JobRepository, maxWorkers int, log zerolog.Logger) *jobService {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	log.Info().Int("max_workers", maxWorkers).Msg("Initializing import worker pool")

	return &jobService{
		jobRepo:    jobRepo,
		store:      newJobStore(),
		log:        log.With().Str("service", "job").Logger(),
		sem:        make(chan struct{}, maxWorkers),
		maxWorkers: maxWorkers,
	}
}

func (s *jobService) setProcessor(p processor) {
	s.processor = p
}

// Start enables scheduling. Jobs observe ctx cancellation as a shutdown.
func (s *jobService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.log.Info().Msg("Job processor started")
}

// Stop signals running jobs to stop at their next checkpoint and waits for
// them to report their terminal state
func (s *jobService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("Job processor stopped")
}

// schedule registers the job and runs it once a worker slot is free
func (s *jobService) schedule(run *jobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrNotRunning
	}

	s.store.add(run)
	s.wg.Add(1)
	go s.runJob(s.ctx, run)
	return nil
}

func (s *jobService) runJob(ctx context.Context, run *jobRun) {
	defer s.wg.Done()
	job := run.snapshot()
	defer s.store.remove(job.ID)

	// Acquire semaphore slot; a shutdown while queued still lets the
	// processor fail the job at its first checkpoint
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
	}

	// Panic recovery for anything the processor did not handle itself
	defer func() {
		if r := recover(); r != nil {
			s.failed.Add(1)
			s.log.Error().
				Interface("panic", r).
				Str("job_id", job.ID).
				Bytes("stack", debug.Stack()).
				Msg("Job processing panicked - recovered")
		}
	}()

	if err := s.processor.process(ctx, run); err != nil {
		s.failed.Add(1)
		return
	}
	s.completed.Add(1)
}

// Cancel requests cancellation of a job. It reports whether a running job
// was signalled; cancelling a finished job is a no-op.
func (s *jobService) Cancel(ctx context.Context, jobID string) (bool, error) {
	if run, ok := s.store.get(jobID); ok {
		if run.snapshot().Terminal() {
			return false, nil
		}
		first := run.cancelled.CompareAndSwap(false, true)
		if first {
			s.log.Info().Str("job_id", jobID).Msg("Cancellation requested")
		}
		return true, nil
	}

	job, err := s.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil {
		return false, ErrJobNotFound
	}
	return false, nil
}

// GetJob returns the live snapshot of a running job or the persisted record
func (s *jobService) GetJob(ctx context.Context, id string) (*models.ImportJob, error) {
	if run, ok := s.store.get(id); ok {
		return run.snapshot(), nil
	}

	job, err := s.jobRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// GetJobByFileID looks a job up by the ID of its uploaded file
func (s *jobService) GetJobByFileID(ctx context.Context, fileID string) (*models.ImportJob, error) {
	if run, ok := s.store.getByFile(fileID); ok {
		return run.snapshot(), nil
	}

	job, err := s.jobRepo.GetByFileID(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("load job for file %s: %w", fileID, err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// GetJobErrors returns persisted row errors; limit <= 0 returns all of them
func (s *jobService) GetJobErrors(ctx context.Context, id string, limit int) ([]models.RowError, error) {
	if _, err := s.GetJob(ctx, id); err != nil {
		return nil, err
	}
	errors, err := s.jobRepo.GetErrors(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("load errors of job %s: %w", id, err)
	}
	if errors == nil {
		errors = []models.RowError{}
	}
	return errors, nil
}

// FailUnfinished marks jobs left running by a previous process as failed
func (s *jobService) FailUnfinished(ctx context.Context) (int, error) {
	n, err := s.jobRepo.FailUnfinished(ctx, MessageInterrupted)
	if err != nil {
		return 0, fmt.Errorf("fail unfinished jobs: %w", err)
	}
	if n > 0 {
		s.log.Warn().Int("jobs", n).Msg("Marked interrupted jobs as failed")
	}
	return n, nil
}

// Stats returns worker pool counters
func (s *jobService) Stats() JobStats {
	return JobStats{
		Active:     s.store.len(),
		Running:    len(s.sem),
		MaxWorkers: s.maxWorkers,
		Completed:  s.completed.Load(),
		Failed:     s.failed.Load(),
	}
}
