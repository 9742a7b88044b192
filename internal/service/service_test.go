package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/contact-bulk-upload-api/internal/service"
)

func TestJobService_GetJob(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	completedAt := time.Now()
	h.jobRepo.Create(ctx, &models.ImportJob{
		ID:             "job-123",
		FileID:         "file-123",
		Stage:          models.StageCompleted,
		Percentage:     100,
		ImportCounters: models.ImportCounters{Parsed: 1000, Valid: 950, Invalid: 50, Inserted: 950},
		ErrorCount:     50,
		CreatedAt:      time.Now(),
		CompletedAt:    &completedAt,
	})
	h.jobRepo.AddErrors(ctx, "job-123", []models.RowError{
		{Row: 10, Field: "email", Message: "invalid email format", Value: "x"},
		{Row: 25, Field: "email", Message: "email is required"},
	})

	job, err := h.services.Job.GetJob(ctx, "job-123")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Parsed != 1000 || job.Inserted != 950 {
		t.Errorf("Unexpected counters: %+v", job.ImportCounters)
	}

	byFile, err := h.services.Job.GetJobByFileID(ctx, "file-123")
	if err != nil || byFile.ID != "job-123" {
		t.Errorf("GetJobByFileID = %+v, %v", byFile, err)
	}

	errs, err := h.services.Job.GetJobErrors(ctx, "job-123", 1)
	if err != nil {
		t.Fatalf("GetJobErrors failed: %v", err)
	}
	if len(errs) != 1 || errs[0].Row != 10 {
		t.Errorf("Expected first error only, got %+v", errs)
	}
}

func TestJobService_UnknownJob(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	if _, err := h.services.Job.GetJob(ctx, "missing"); !errors.Is(err, service.ErrJobNotFound) {
		t.Errorf("GetJob: expected ErrJobNotFound, got %v", err)
	}
	if _, err := h.services.Job.GetJobByFileID(ctx, "missing"); !errors.Is(err, service.ErrJobNotFound) {
		t.Errorf("GetJobByFileID: expected ErrJobNotFound, got %v", err)
	}
	if _, err := h.services.Job.GetJobErrors(ctx, "missing", 0); !errors.Is(err, service.ErrJobNotFound) {
		t.Errorf("GetJobErrors: expected ErrJobNotFound, got %v", err)
	}
	if _, err := h.services.Import.Cancel(ctx, "missing"); !errors.Is(err, service.ErrJobNotFound) {
		t.Errorf("Cancel: expected ErrJobNotFound, got %v", err)
	}
}

func TestJobService_CancelFinishedJobIsNoop(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.jobRepo.Create(ctx, &models.ImportJob{ID: "done", Stage: models.StageCompleted})

	cancelled, err := h.services.Import.Cancel(ctx, "done")
	if err != nil || cancelled {
		t.Errorf("Cancel = %v, %v; want false, nil", cancelled, err)
	}
	if job := h.jobRepo.Job("done"); job.Stage != models.StageCompleted {
		t.Errorf("Finished job changed stage to %s", job.Stage)
	}
}

func TestJobService_FailUnfinished(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.jobRepo.Create(ctx, &models.ImportJob{ID: "stale", Stage: models.StageInserting})
	h.jobRepo.Create(ctx, &models.ImportJob{ID: "done", Stage: models.StageCompleted})

	n, err := h.services.Job.FailUnfinished(ctx)
	if err != nil {
		t.Fatalf("FailUnfinished failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 job failed, got %d", n)
	}

	job, _ := h.services.Job.GetJob(ctx, "stale")
	if job.Stage != models.StageFailed || job.Message != service.MessageInterrupted {
		t.Errorf("Unexpected stale job: %s %q", job.Stage, job.Message)
	}
}

func TestJobService_Stats(t *testing.T) {
	h := newTestHarness(t)

	_, events := h.run(t, h.upload(t, "sess-1", csvWithRows(3)))
	if events[len(events)-1].Stage != models.StageCompleted {
		t.Fatalf("Expected completed job")
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.services.Job.Stats().Completed != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 1 completed job, got %+v", h.services.Job.Stats())
		}
		time.Sleep(time.Millisecond)
	}

	stats := h.services.Job.Stats()
	if stats.MaxWorkers != h.cfg.Import.MaxWorkers {
		t.Errorf("Expected %d workers, got %d", h.cfg.Import.MaxWorkers, stats.MaxWorkers)
	}
	if stats.Failed != 0 {
		t.Errorf("Expected no failed jobs, got %d", stats.Failed)
	}
}
