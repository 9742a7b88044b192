package repository_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/contact-bulk-upload-api/internal/mocks"
	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/contact-bulk-upload-api/internal/repository"
	"github.com/lib/pq"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad connection", driver.ErrBadConn, true},
		{"wrapped bad connection", fmt.Errorf("insert: %w", driver.ErrBadConn), true},
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", &pq.Error{Code: "40P01"}, true},
		{"connection failure", &pq.Error{Code: "08006"}, true},
		{"too many connections", &pq.Error{Code: "53300"}, true},
		{"admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"query canceled", &pq.Error{Code: "57014"}, false},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"syntax error", &pq.Error{Code: "42601"}, false},
		{"network timeout", timeoutError{}, true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := repository.IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMockContactRepository_InsertSkipsExistingKeys(t *testing.T) {
	repo := mocks.NewMockContactRepository()
	ctx := context.Background()

	repo.Seed(&models.Contact{OrganizationID: "org-1", Email: "Taken@Example.com"})

	rows := []*models.ContactRow{
		{RowNumber: 2, Email: "new@example.com"},
		{RowNumber: 3, Email: "taken@example.com"},
	}
	inserted, err := repo.InsertContacts(ctx, "org-1", rows)
	if err != nil {
		t.Fatalf("InsertContacts failed: %v", err)
	}
	if inserted != 1 {
		t.Errorf("Expected 1 inserted, got %d", inserted)
	}
	if repo.Count() != 2 {
		t.Errorf("Expected 2 contacts, got %d", repo.Count())
	}

	// Same email in another organization is a different contact
	inserted, _ = repo.InsertContacts(ctx, "org-2", rows[1:])
	if inserted != 1 {
		t.Errorf("Expected insert in other organization, got %d", inserted)
	}
}

func TestMockContactRepository_FindIncludesDeleted(t *testing.T) {
	repo := mocks.NewMockContactRepository()
	ctx := context.Background()

	deletedAt := time.Now().Add(-time.Hour)
	repo.Seed(&models.Contact{ID: "c-1", OrganizationID: "org-1", Email: "active@example.com"})
	repo.Seed(&models.Contact{ID: "c-2", OrganizationID: "org-1", Email: "gone@example.com", DeletedAt: &deletedAt})

	found, err := repo.FindByEmailKeys(ctx, "org-1", []string{"active@example.com", "gone@example.com", "missing@example.com"})
	if err != nil {
		t.Fatalf("FindByEmailKeys failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("Expected 2 contacts, got %d", len(found))
	}

	deleted := 0
	for _, c := range found {
		if c.IsDeleted() {
			deleted++
		}
	}
	if deleted != 1 {
		t.Errorf("Expected 1 soft-deleted contact, got %d", deleted)
	}
}

func TestMockContactRepository_Restore(t *testing.T) {
	repo := mocks.NewMockContactRepository()
	ctx := context.Background()

	deletedAt := time.Now()
	repo.Seed(&models.Contact{ID: "c-1", OrganizationID: "org-1", Email: "gone@example.com", FirstName: "Old", DeletedAt: &deletedAt})

	restores := []models.RestoreCandidate{
		{Row: &models.ContactRow{RowNumber: 2, Email: "gone@example.com", FirstName: "New"}, ContactID: "c-1"},
	}

	restored, err := repo.RestoreContacts(ctx, "org-1", restores)
	if err != nil {
		t.Fatalf("RestoreContacts failed: %v", err)
	}
	if restored != 1 {
		t.Errorf("Expected 1 restored, got %d", restored)
	}

	c := repo.Get("org-1", "gone@example.com")
	if c.IsDeleted() {
		t.Error("Contact should be active after restore")
	}
	if c.FirstName != "New" {
		t.Errorf("Expected first name New, got %s", c.FirstName)
	}

	// A second restore of an active contact is a conflict
	restored, _ = repo.RestoreContacts(ctx, "org-1", restores)
	if restored != 0 {
		t.Errorf("Expected 0 restored on active contact, got %d", restored)
	}
}

func TestMockJobRepository_FailUnfinished(t *testing.T) {
	repo := mocks.NewMockJobRepository()
	ctx := context.Background()

	jobs := []*models.ImportJob{
		{ID: "job-1", Stage: models.StageInserting},
		{ID: "job-2", Stage: models.StageCompleted},
		{ID: "job-3", Stage: models.StageParsing},
	}
	for _, job := range jobs {
		if err := repo.Create(ctx, job); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	failed, err := repo.FailUnfinished(ctx, "interrupted")
	if err != nil {
		t.Fatalf("FailUnfinished failed: %v", err)
	}
	if failed != 2 {
		t.Errorf("Expected 2 failed jobs, got %d", failed)
	}

	job, _ := repo.GetByID(ctx, "job-2")
	if job.Stage != models.StageCompleted {
		t.Errorf("Completed job changed stage to %s", job.Stage)
	}
}

func TestMockJobRepository_Errors(t *testing.T) {
	repo := mocks.NewMockJobRepository()
	ctx := context.Background()

	errs := []models.RowError{
		{Row: 2, Field: "email", Message: "email is required"},
		{Row: 5, Field: "email", Message: "invalid email format", Value: "x"},
		{Row: 9, Field: "first_name", Message: "first_name too long"},
	}
	if err := repo.AddErrors(ctx, "job-1", errs); err != nil {
		t.Fatalf("AddErrors failed: %v", err)
	}

	got, err := repo.GetErrors(ctx, "job-1", 2)
	if err != nil {
		t.Fatalf("GetErrors failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 errors with limit, got %d", len(got))
	}
	if got[1].String() != "row 5: invalid email format (x)" {
		t.Errorf("Unexpected formatted error: %s", got[1].String())
	}

	missing, _ := repo.GetByID(ctx, "nope")
	if missing != nil {
		t.Error("Expected nil for missing job")
	}
}
