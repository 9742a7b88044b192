package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/contact-bulk-upload-api/internal/mocks"
	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/contact-bulk-upload-api/internal/pipeline"
)

var errTransient = errors.New("serialization failure")

func isTransient(err error) bool {
	return errors.Is(err, errTransient)
}

func insertPlan(n int) *pipeline.DedupResult {
	emails := make([]string, n)
	for i := range emails {
		emails[i] = fmt.Sprintf("user%d@example.com", i)
	}
	return &pipeline.DedupResult{Inserts: contactRows(emails...)}
}

func testWriterConfig(batch int) pipeline.WriterConfig {
	return pipeline.WriterConfig{
		BatchSize:      batch,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		IsTransient:    isTransient,
	}
}

func TestWriter_InsertsAndRestoresInBatches(t *testing.T) {
	repo := mocks.NewMockContactRepository()
	deletedAt := time.Now()
	repo.Seed(&models.Contact{ID: "gone", OrganizationID: "org-1", Email: "gone@example.com", DeletedAt: &deletedAt})

	plan := insertPlan(25)
	plan.Restores = []models.RestoreCandidate{
		{Row: &models.ContactRow{RowNumber: 30, Email: "gone@example.com"}, ContactID: "gone"},
	}

	var updates []pipeline.WriteResult
	result, err := pipeline.NewWriter(repo, testWriterConfig(10)).Write(context.Background(), "org-1", plan, nil, func(r pipeline.WriteResult) {
		updates = append(updates, r)
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if result.Inserted != 25 || result.Restored != 1 || result.Conflicts != 0 {
		t.Errorf("Unexpected result: %+v", result)
	}
	if repo.InsertCalls != 3 || repo.RestoreCalls != 1 {
		t.Errorf("Expected 3 insert and 1 restore batches, got %d and %d", repo.InsertCalls, repo.RestoreCalls)
	}
	if len(updates) != 4 {
		t.Errorf("Expected progress after each batch, got %d", len(updates))
	}
	if repo.Get("org-1", "gone@example.com").IsDeleted() {
		t.Error("Expected contact to be restored")
	}
}

func TestWriter_ConcurrentWriteCountsAsConflict(t *testing.T) {
	repo := mocks.NewMockContactRepository()
	plan := insertPlan(5)

	// another import wrote one of the keys after deduplication
	repo.Seed(&models.Contact{OrganizationID: "org-1", Email: "user3@example.com"})

	result, err := pipeline.NewWriter(repo, testWriterConfig(10)).Write(context.Background(), "org-1", plan, nil, nil)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if result.Inserted != 4 || result.Conflicts != 1 {
		t.Errorf("Expected 4 inserted and 1 conflict, got %+v", result)
	}
}

func TestWriter_RetriesTransientErrors(t *testing.T) {
	repo := mocks.NewMockContactRepository()
	failures := 2
	repo.InsertFunc = func(ctx context.Context, organizationID string, rows []*models.ContactRow) (int, error) {
		if failures > 0 {
			failures--
			return 0, errTransient
		}
		return repo.Insert(organizationID, rows), nil
	}

	result, err := pipeline.NewWriter(repo, testWriterConfig(10)).Write(context.Background(), "org-1", insertPlan(5), nil, nil)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if result.Inserted != 5 {
		t.Errorf("Expected 5 inserted, got %d", result.Inserted)
	}
	if repo.InsertCalls != 3 {
		t.Errorf("Expected 3 attempts, got %d", repo.InsertCalls)
	}
}

func TestWriter_GivesUpAfterMaxRetries(t *testing.T) {
	repo := mocks.NewMockContactRepository()
	repo.InsertFunc = func(ctx context.Context, organizationID string, rows []*models.ContactRow) (int, error) {
		return 0, errTransient
	}

	_, err := pipeline.NewWriter(repo, testWriterConfig(10)).Write(context.Background(), "org-1", insertPlan(5), nil, nil)
	if !errors.Is(err, errTransient) {
		t.Fatalf("Expected transient error, got %v", err)
	}
	if repo.InsertCalls != 4 {
		t.Errorf("Expected 1 attempt and 3 retries, got %d calls", repo.InsertCalls)
	}
}

func TestWriter_PermanentErrorKeepsCommittedBatches(t *testing.T) {
	permanent := errors.New("check constraint violated")
	repo := mocks.NewMockContactRepository()
	repo.InsertFunc = func(ctx context.Context, organizationID string, rows []*models.ContactRow) (int, error) {
		if repo.Count() >= 20 {
			return 0, permanent
		}
		return repo.Insert(organizationID, rows), nil
	}

	result, err := pipeline.NewWriter(repo, testWriterConfig(10)).Write(context.Background(), "org-1", insertPlan(50), nil, nil)
	if !errors.Is(err, permanent) {
		t.Fatalf("Expected permanent error, got %v", err)
	}
	if result.Inserted != 20 {
		t.Errorf("Expected committed batches to be reported, got %d", result.Inserted)
	}
	if repo.InsertCalls != 3 {
		t.Errorf("Permanent errors must not be retried, got %d calls", repo.InsertCalls)
	}
}

func TestWriter_CheckpointStopsBetweenBatches(t *testing.T) {
	errCancelled := errors.New("cancelled")
	repo := mocks.NewMockContactRepository()

	checkpoint := func() error {
		if repo.Count() >= 40 {
			return errCancelled
		}
		return nil
	}

	result, err := pipeline.NewWriter(repo, testWriterConfig(10)).Write(context.Background(), "org-1", insertPlan(100), checkpoint, nil)
	if !errors.Is(err, errCancelled) {
		t.Fatalf("Expected checkpoint error, got %v", err)
	}
	if result.Inserted != 40 {
		t.Errorf("Expected 40 inserted before cancellation, got %d", result.Inserted)
	}
	if repo.Count() != 40 {
		t.Errorf("Written rows stay written: expected 40 stored, got %d", repo.Count())
	}
}

func TestWriter_ContextCancelStopsRetries(t *testing.T) {
	repo := mocks.NewMockContactRepository()
	ctx, cancel := context.WithCancel(context.Background())
	repo.InsertFunc = func(ctx context.Context, organizationID string, rows []*models.ContactRow) (int, error) {
		cancel()
		return 0, errTransient
	}

	cfg := testWriterConfig(10)
	cfg.MaxRetries = 100
	_, err := pipeline.NewWriter(repo, cfg).Write(ctx, "org-1", insertPlan(5), nil, nil)
	if err == nil {
		t.Fatal("Expected error after context cancel")
	}
	if repo.InsertCalls > 2 {
		t.Errorf("Expected retries to stop after cancel, got %d calls", repo.InsertCalls)
	}
}
