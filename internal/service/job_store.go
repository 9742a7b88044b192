package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/rs/zerolog"
)

// jobRun is the live state of one running import. The job is mutated only
// by its worker goroutine; readers take snapshots under mu.
type jobRun struct {
	mu        sync.Mutex
	job       *models.ImportJob
	cancelled atomic.Bool
	started   time.Time
}

func newJobRun(job *models.ImportJob) *jobRun {
	return &jobRun{job: job, started: time.Now()}
}

// snapshot returns a copy of the job safe to hand to other goroutines
func (r *jobRun) snapshot() *models.ImportJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Clone()
}

// update applies fn to the job unless it is already terminal
func (r *jobRun) update(fn func(job *models.ImportJob)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Terminal() {
		return false
	}
	fn(r.job)
	return true
}

// transition moves the job to stage; transitions out of a terminal stage
// are refused
func (r *jobRun) transition(stage models.Stage, log zerolog.Logger) bool {
	ok := r.update(func(job *models.ImportJob) {
		job.Stage = stage
	})
	if !ok {
		log.Warn().Str("stage", string(stage)).Msg("Ignoring transition of finished job")
	}
	return ok
}

// setPercentage raises the percentage; it never goes backwards
func (r *jobRun) setPercentage(job *models.ImportJob, pct int) {
	if pct > 99 {
		pct = 99
	}
	if pct > job.Percentage {
		job.Percentage = pct
	}
}

// checkpoint reports whether the job should stop
func (r *jobRun) checkpoint(ctx context.Context) error {
	if r.cancelled.Load() {
		return ErrCancelled
	}
	if ctx.Err() != nil {
		return ErrShutdown
	}
	return nil
}

// jobStore indexes running jobs by job ID and file ID
type jobStore struct {
	mu     sync.RWMutex
	byID   map[string]*jobRun
	byFile map[string]string
}

func newJobStore() *jobStore {
	return &jobStore{
		byID:   make(map[string]*jobRun),
		byFile: make(map[string]string),
	}
}

func (s *jobStore) add(run *jobRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[run.job.ID] = run
	s.byFile[run.job.FileID] = run.job.ID
}

func (s *jobStore) get(id string) (*jobRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.byID[id]
	return run, ok
}

func (s *jobStore) getByFile(fileID string) (*jobRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.byID[s.byFile[fileID]]
	return run, ok
}

func (s *jobStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.byID[id]; ok {
		delete(s.byFile, run.job.FileID)
		delete(s.byID, id)
	}
}

func (s *jobStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
