package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/contact-bulk-upload-api/internal/config"
	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/contact-bulk-upload-api/internal/pipeline"
	"github.com/contact-bulk-upload-api/internal/progress"
	"github.com/contact-bulk-upload-api/internal/repository"
	"github.com/contact-bulk-upload-api/internal/session"
	"github.com/contact-bulk-upload-api/internal/validation"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Percentage bands of the stages; completed is always 100
const (
	parseEnd    = 30
	validateEnd = 40
	dedupEnd    = 55
	insertEnd   = 99
)

// importService is the concrete implementation of ImportService
type importService struct {
	repos       *repository.Repositories
	jobs        *jobService
	broadcaster *progress.Broadcaster
	guard       *session.Guard
	validator   *validation.Validator
	dedup       *pipeline.Deduplicator
	writer      *pipeline.Writer
	cfg         *config.Config
	log         zerolog.Logger
}

// newImportService creates a new ImportService
func newImportService(repos *repository.Repositories, jobs *jobService, b *progress.Broadcaster, guard *session.Guard, cfg *config.Config, log zerolog.Logger) *importService {
	return &importService{
		repos:       repos,
		jobs:        jobs,
		broadcaster: b,
		guard:       guard,
		validator:   validation.NewValidator(),
		dedup:       pipeline.NewDeduplicator(repos.Contact, cfg.Import.LookupBatchSize),
		writer: pipeline.NewWriter(repos.Contact, pipeline.WriterConfig{
			BatchSize:      cfg.Import.BatchSize,
			MaxRetries:     cfg.Import.WriteRetries,
			InitialBackoff: cfg.Import.RetryBackoff,
			IsTransient:    repository.IsTransient,
		}),
		cfg: cfg,
		log: log.With().Str("service", "import").Logger(),
	}
}

// Submit creates and schedules an import job
func (s *importService) Submit(ctx context.Context, req *models.ImportRequest) (*models.ImportJob, error) {
	fileID := req.FileID
	if fileID == "" {
		fileID = uuid.New().String()
	}

	job := &models.ImportJob{
		ID:             uuid.New().String(),
		FileID:         fileID,
		SessionID:      req.SessionID,
		OrganizationID: req.OrganizationID,
		FileName:       req.FileName,
		FilePath:       req.FilePath,
		FileSize:       req.FileSize,
		Stage:          models.StageParsing,
		Errors:         []string{},
		Message:        "Upload accepted",
		CreatedAt:      time.Now(),
	}

	if err := s.guard.Acquire(req.SessionID, job.ID); err != nil {
		return nil, err
	}

	if err := s.repos.Job.Create(ctx, job); err != nil {
		s.guard.Release(req.SessionID, job.ID)
		return nil, fmt.Errorf("create import job: %w", err)
	}

	if err := s.jobs.schedule(newJobRun(job.Clone())); err != nil {
		s.guard.Release(req.SessionID, job.ID)
		return nil, fmt.Errorf("schedule import job: %w", err)
	}

	s.log.Info().
		Str("job_id", job.ID).
		Str("file_id", job.FileID).
		Str("organization_id", job.OrganizationID).
		Str("file", job.FileName).
		Int64("size", job.FileSize).
		Msg("Import job created")

	return job, nil
}

// Cancel requests cancellation of a job
func (s *importService) Cancel(ctx context.Context, jobID string) (bool, error) {
	return s.jobs.Cancel(ctx, jobID)
}

// ResetSession clears a session binding and cancels its job
func (s *importService) ResetSession(ctx context.Context, sessionID string) (string, error) {
	binding, ok := s.guard.Reset(sessionID)
	if !ok {
		return "", nil
	}

	if _, err := s.jobs.Cancel(ctx, binding.JobID); err != nil && !errors.Is(err, ErrJobNotFound) {
		return binding.JobID, err
	}

	s.log.Info().Str("session_id", sessionID).Str("job_id", binding.JobID).Msg("Session reset")
	return binding.JobID, nil
}

// process runs every stage of a job and reports its terminal state
func (s *importService) process(ctx context.Context, run *jobRun) error {
	job := run.snapshot()
	log := s.log.With().Str("job_id", job.ID).Str("file_id", job.FileID).Logger()

	em := newEmitter(run, s.broadcaster, s.cfg.Progress.Interval)
	sink := newErrorSink(ctx, run, s.repos.Job, s.cfg.Import.MaxErrors, log)

	run.update(func(j *models.ImportJob) {
		now := time.Now()
		j.StartedAt = &now
		j.Message = "Parsing file"
	})
	em.emit(true)

	log.Info().Str("file", job.FileName).Msg("Starting import processing")

	err := s.runStages(ctx, run, em, sink, log)
	sink.flush()
	s.finish(ctx, run, em, err, log)
	return err
}

// runStages executes parse, validate, deduplicate and insert. A panic in
// any stage is returned as an error wrapping ErrStagePanic.
func (s *importService) runStages(ctx context.Context, run *jobRun, em *emitter, sink *errorSink, log zerolog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Pipeline stage panicked - recovered")
			err = fmt.Errorf("%w: %v", ErrStagePanic, r)
		}
	}()

	job := run.snapshot()
	checkpoint := func() error { return run.checkpoint(ctx) }

	// a job cancelled while queued stops before reading its file
	if err := checkpoint(); err != nil {
		return err
	}

	rows, err := s.parse(run, job, em)
	if err != nil {
		return err
	}
	if err := checkpoint(); err != nil {
		return err
	}

	valid := s.validate(run, rows, em, sink, log)
	if err := checkpoint(); err != nil {
		return err
	}

	plan, err := s.deduplicate(ctx, run, job.OrganizationID, valid, em, log)
	if err != nil {
		return err
	}
	if err := checkpoint(); err != nil {
		return err
	}

	return s.write(ctx, run, job.OrganizationID, plan, checkpoint, em, log)
}

// parse reads the whole upload into parsed rows
func (s *importService) parse(run *jobRun, job *models.ImportJob, em *emitter) ([]pipeline.ParsedRow, error) {
	file, err := os.Open(job.FilePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open upload: %v", pipeline.ErrUnreadableInput, err)
	}
	defer file.Close()

	parser, err := pipeline.NewParser(file, pipeline.ParserConfig{
		MaxBytes:  s.cfg.Import.MaxUploadSize,
		MaxRows:   s.cfg.Import.MaxRows,
		TickEvery: s.cfg.Import.TickEvery,
		OnTick: func(count int, bytesRead int64) {
			run.update(func(j *models.ImportJob) {
				j.Parsed = count
				run.setPercentage(j, scale(bytesRead, j.FileSize, 0, parseEnd))
			})
			em.emit(false)
		},
	})
	if err != nil {
		return nil, err
	}

	var rows []pipeline.ParsedRow
	for {
		row, err := parser.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			run.update(func(j *models.ImportJob) { j.Parsed = parser.Count() })
			return nil, err
		}
		rows = append(rows, row)
	}

	run.update(func(j *models.ImportJob) {
		j.Parsed = parser.Count()
		run.setPercentage(j, parseEnd)
	})
	return rows, nil
}

// validate partitions parsed rows, recording row errors on the sink
func (s *importService) validate(run *jobRun, rows []pipeline.ParsedRow, em *emitter, sink *errorSink, log zerolog.Logger) []*models.ContactRow {
	run.transition(models.StageValidating, log)
	run.update(func(j *models.ImportJob) { j.Message = "Validating contacts" })
	em.emit(true)

	total := int64(len(rows))
	result := pipeline.Validate(rows, s.validator, sink, s.cfg.Import.TickEvery, func(valid, invalid int) {
		run.update(func(j *models.ImportJob) {
			j.Valid = valid
			j.Invalid = invalid
			run.setPercentage(j, scale(int64(valid+invalid), total, parseEnd, validateEnd))
		})
		em.emit(false)
	})

	run.update(func(j *models.ImportJob) {
		j.Valid = len(result.Valid)
		j.Invalid = result.Invalid
		run.setPercentage(j, validateEnd)
	})
	return result.Valid
}

// deduplicate builds the write plan
func (s *importService) deduplicate(ctx context.Context, run *jobRun, organizationID string, rows []*models.ContactRow, em *emitter, log zerolog.Logger) (*pipeline.DedupResult, error) {
	run.transition(models.StageDeduplicating, log)
	run.update(func(j *models.ImportJob) { j.Message = "Checking for duplicates" })
	em.emit(true)

	plan, err := s.dedup.Run(ctx, organizationID, rows, func(checked, total int, r *pipeline.DedupResult) {
		run.update(func(j *models.ImportJob) {
			j.DuplicatesInFile = r.DuplicatesInFile
			j.DuplicatesInDB = r.DuplicatesInDB
			run.setPercentage(j, scale(int64(checked), int64(total), validateEnd, dedupEnd))
		})
		em.emit(false)
	})
	if err != nil {
		return nil, err
	}

	run.update(func(j *models.ImportJob) {
		j.DuplicatesInFile = plan.DuplicatesInFile
		j.DuplicatesInDB = plan.DuplicatesInDB
		run.setPercentage(j, dedupEnd)
	})
	return plan, nil
}

// write persists the plan. Rows lost to a concurrent write are counted as
// duplicates in storage.
func (s *importService) write(ctx context.Context, run *jobRun, organizationID string, plan *pipeline.DedupResult, checkpoint pipeline.Checkpoint, em *emitter, log zerolog.Logger) error {
	run.transition(models.StageInserting, log)
	run.update(func(j *models.ImportJob) { j.Message = "Inserting contacts" })
	em.emit(true)

	total := int64(len(plan.Inserts) + len(plan.Restores))
	apply := func(r pipeline.WriteResult) {
		run.update(func(j *models.ImportJob) {
			j.Inserted = r.Inserted
			j.Restored = r.Restored
			j.DuplicatesInDB = plan.DuplicatesInDB + r.Conflicts
			done := int64(r.Inserted + r.Restored + r.Conflicts)
			run.setPercentage(j, scale(done, total, dedupEnd, insertEnd))
		})
	}

	result, err := s.writer.Write(ctx, organizationID, plan, checkpoint, func(r pipeline.WriteResult) {
		apply(r)
		em.emit(false)
	})
	apply(result)
	return err
}

// finish moves the job to its terminal stage and persists it. The upload
// and the session are released before the terminal event is published, so
// a client may resubmit as soon as it sees that event.
func (s *importService) finish(ctx context.Context, run *jobRun, em *emitter, err error, log zerolog.Logger) {
	run.update(func(j *models.ImportJob) {
		now := time.Now()
		j.CompletedAt = &now

		switch {
		case err == nil:
			j.Stage = models.StageCompleted
			j.Percentage = 100
			j.Message = fmt.Sprintf("Import completed: %d inserted, %d restored, %d duplicates, %d invalid",
				j.Inserted, j.Restored, j.DuplicatesInFile+j.DuplicatesInDB, j.Invalid)
		case errors.Is(err, ErrCancelled):
			j.Stage = models.StageFailed
			j.Message = MessageCancelled
		case errors.Is(err, ErrShutdown) || ctx.Err() != nil:
			j.Stage = models.StageFailed
			j.Message = MessageShutdown
		default:
			j.Stage = models.StageFailed
			j.Message = err.Error()
			j.Errors = append(j.Errors, err.Error())
		}
	})

	job := run.snapshot()
	if uerr := s.repos.Job.Update(context.WithoutCancel(ctx), job); uerr != nil {
		log.Error().Err(uerr).Msg("Failed to persist final job state")
	}

	if job.FilePath != "" {
		if err := os.Remove(job.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", job.FilePath).Msg("Failed to remove upload")
		}
	}
	s.guard.Release(job.SessionID, job.ID)

	em.emit(true)
	s.broadcaster.Close(job.FileID)

	duration := time.Since(run.started)
	var rowsPerSec float64
	if job.Parsed > 0 && duration.Seconds() > 0 {
		rowsPerSec = float64(job.Parsed) / duration.Seconds()
	}

	event := log.Info()
	if job.Stage == models.StageFailed {
		event = log.Warn().Err(err)
	}
	event.
		Str("stage", string(job.Stage)).
		Int("parsed", job.Parsed).
		Int("valid", job.Valid).
		Int("invalid", job.Invalid).
		Int("duplicates_in_file", job.DuplicatesInFile).
		Int("duplicates_in_db", job.DuplicatesInDB).
		Int("inserted", job.Inserted).
		Int("restored", job.Restored).
		Int("error_count", job.ErrorCount).
		Int64("duration_ms", duration.Milliseconds()).
		Float64("rows_per_sec", rowsPerSec).
		Msg(job.Message)
}
