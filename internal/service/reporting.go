package service

import (
	"context"
	"time"

	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/contact-bulk-upload-api/internal/progress"
	"github.com/contact-bulk-upload-api/internal/repository"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// emitter publishes snapshots of one job. Intermediate events are throttled
// by a token bucket; forced events (stage changes, terminal) always go out.
// It is used only from the job's worker goroutine.
type emitter struct {
	run         *jobRun
	broadcaster *progress.Broadcaster
	limiter     *rate.Limiter
	clock       func() time.Time
	last        time.Time
}

func newEmitter(run *jobRun, b *progress.Broadcaster, interval time.Duration) *emitter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &emitter{
		run:         run,
		broadcaster: b,
		limiter:     rate.NewLimiter(limit, 1),
		clock:       time.Now,
	}
}

// emit publishes the current snapshot. Timestamps are strictly increasing
// at millisecond resolution, the precision of the wire format.
func (e *emitter) emit(force bool) {
	if !force && !e.limiter.Allow() {
		return
	}

	ts := e.clock().Truncate(time.Millisecond)
	if !ts.After(e.last) {
		ts = e.last.Add(time.Millisecond)
	}
	e.last = ts

	job := e.run.snapshot()
	e.broadcaster.Publish(job.FileID, models.NewProgressEvent(job, ts, ts.Sub(e.run.started)))
}

// errorSink keeps the first max row errors on the job, counts all of them
// and persists every error in chunks
type errorSink struct {
	ctx     context.Context
	run     *jobRun
	repo    repository.JobRepository
	max     int
	chunk   int
	pending []models.RowError
	log     zerolog.Logger
}

func newErrorSink(ctx context.Context, run *jobRun, repo repository.JobRepository, max int, log zerolog.Logger) *errorSink {
	return &errorSink{
		ctx:   context.WithoutCancel(ctx),
		run:   run,
		repo:  repo,
		max:   max,
		chunk: 1000,
		log:   log,
	}
}

// RecordError implements pipeline.ErrorSink
func (s *errorSink) RecordError(e models.RowError) {
	e = e.ValidUTF8()
	s.run.update(func(job *models.ImportJob) {
		job.ErrorCount++
		if len(job.Errors) < s.max {
			job.Errors = append(job.Errors, e.String())
		}
	})

	s.pending = append(s.pending, e)
	if len(s.pending) >= s.chunk {
		s.flush()
	}
}

// flush persists pending errors. Row errors are reporting data; a failed
// write is logged and does not fail the import.
func (s *errorSink) flush() {
	if len(s.pending) == 0 {
		return
	}
	jobID := s.run.snapshot().ID
	if err := s.repo.AddErrors(s.ctx, jobID, s.pending); err != nil {
		s.log.Error().Err(err).Int("errors", len(s.pending)).Msg("Failed to persist row errors")
	}
	s.pending = s.pending[:0]
}

// scale maps done/total onto the percentage range [from, to]
func scale(done, total int64, from, to int) int {
	if total <= 0 {
		return from
	}
	if done > total {
		done = total
	}
	return from + int(int64(to-from)*done/total)
}
