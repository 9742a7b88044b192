package service

import (
	"context"

	"github.com/contact-bulk-upload-api/internal/config"
	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/contact-bulk-upload-api/internal/progress"
	"github.com/contact-bulk-upload-api/internal/repository"
	"github.com/contact-bulk-upload-api/internal/session"
	"github.com/rs/zerolog"
)

// ImportService accepts uploads and controls their lifecycle
type ImportService interface {
	// Submit binds the session, creates the job and schedules it. It returns
	// a *session.BusyError when the session already has an active job.
	Submit(ctx context.Context, req *models.ImportRequest) (*models.ImportJob, error)
	// Cancel is idempotent; it returns ErrJobNotFound for unknown jobs
	Cancel(ctx context.Context, jobID string) (bool, error)
	// ResetSession cancels the session's active job, if any, and clears the
	// binding. It returns the ID of the job that was bound.
	ResetSession(ctx context.Context, sessionID string) (string, error)
}

// JobService runs import jobs and answers status queries
type JobService interface {
	Start(ctx context.Context)
	Stop()
	GetJob(ctx context.Context, id string) (*models.ImportJob, error)
	GetJobByFileID(ctx context.Context, fileID string) (*models.ImportJob, error)
	GetJobErrors(ctx context.Context, id string, limit int) ([]models.RowError, error)
	FailUnfinished(ctx context.Context) (int, error)
	Stats() JobStats
}

// JobStats reports worker pool activity
type JobStats struct {
	Active     int   `json:"active"`
	Running    int   `json:"running"`
	MaxWorkers int   `json:"maxWorkers"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Services holds all services and the shared registries they own
type Services struct {
	Import   ImportService
	Job      JobService
	Progress *progress.Broadcaster
	Sessions *session.Guard
}

// NewServices creates all services
func NewServices(repos *repository.Repositories, cfg *config.Config, log zerolog.Logger) *Services {
	broadcaster := progress.NewBroadcaster(cfg.Progress.BufferSize, log)
	guard := session.NewGuard()

	jobSvc := newJobService(repos.Job, cfg.Import.MaxWorkers, log)
	importSvc := newImportService(repos, jobSvc, broadcaster, guard, cfg, log)

	// Wire up job processor to import service
	jobSvc.setProcessor(importSvc)

	return &Services{
		Import:   importSvc,
		Job:      jobSvc,
		Progress: broadcaster,
		Sessions: guard,
	}
}
