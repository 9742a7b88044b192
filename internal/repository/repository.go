package repository

import (
	"context"

	"github.com/contact-bulk-upload-api/internal/database"
	"github.com/contact-bulk-upload-api/internal/models"
)

// ContactRepository defines the contact operations used by the import pipeline
type ContactRepository interface {
	// FindByEmailKeys returns active and soft-deleted contacts whose
	// normalized email is in emailKeys
	FindByEmailKeys(ctx context.Context, organizationID string, emailKeys []string) ([]*models.Contact, error)
	// InsertContacts inserts rows as new contacts, skipping keys that already exist
	InsertContacts(ctx context.Context, organizationID string, rows []*models.ContactRow) (int, error)
	// RestoreContacts clears the soft-delete marker and refreshes supplied fields
	RestoreContacts(ctx context.Context, organizationID string, restores []models.RestoreCandidate) (int, error)
}

// JobRepository defines the interface for import job persistence
type JobRepository interface {
	Create(ctx context.Context, job *models.ImportJob) error
	Update(ctx context.Context, job *models.ImportJob) error
	GetByID(ctx context.Context, id string) (*models.ImportJob, error)
	GetByFileID(ctx context.Context, fileID string) (*models.ImportJob, error)
	FailUnfinished(ctx context.Context, message string) (int, error)
	AddErrors(ctx context.Context, jobID string, errors []models.RowError) error
	GetErrors(ctx context.Context, jobID string, limit int) ([]models.RowError, error)
}

// Repositories holds all repository interfaces
type Repositories struct {
	Contact ContactRepository
	Job     JobRepository
}

// New creates all repositories with the given database connection
func New(db *database.DB) *Repositories {
	return &Repositories{
		Contact: NewContactRepo(db),
		Job:     NewJobRepo(db),
	}
}
