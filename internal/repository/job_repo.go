package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/contact-bulk-upload-api/internal/database"
	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// jobRepo is the concrete implementation of JobRepository
type jobRepo struct {
	db *database.DB
}

// NewJobRepo creates a new job repository
func NewJobRepo(db *database.DB) JobRepository {
	return &jobRepo{db: db}
}

// Create inserts a new import job
func (r *jobRepo) Create(ctx context.Context, job *models.ImportJob) error {
	query := `
		INSERT INTO import_jobs (id, file_id, session_id, organization_id, file_name, file_path,
			file_size, stage, percentage, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.FileID, nullString(job.SessionID), job.OrganizationID, job.FileName,
		nullString(job.FilePath), job.FileSize, job.Stage, job.Percentage, job.CreatedAt,
	)
	return err
}

// Update stores the stage, counters and error snapshot of a job
func (r *jobRepo) Update(ctx context.Context, job *models.ImportJob) error {
	errs, err := json.Marshal(nonNil(job.Errors))
	if err != nil {
		return fmt.Errorf("encode job errors: %w", err)
	}

	query := `
		UPDATE import_jobs SET
			stage = $1, percentage = $2, parsed_count = $3, valid_count = $4, invalid_count = $5,
			duplicates_in_file = $6, duplicates_in_db = $7, inserted_count = $8, restored_count = $9,
			error_count = $10, errors = $11, message = $12, started_at = $13, completed_at = $14
		WHERE id = $15
	`
	_, err = r.db.ExecContext(ctx, query,
		job.Stage, job.Percentage, job.Parsed, job.Valid, job.Invalid,
		job.DuplicatesInFile, job.DuplicatesInDB, job.Inserted, job.Restored,
		job.ErrorCount, errs, nullString(job.Message), job.StartedAt, job.CompletedAt, job.ID,
	)
	return err
}

// GetByID retrieves a job by ID; a missing job is returned as nil, nil
func (r *jobRepo) GetByID(ctx context.Context, id string) (*models.ImportJob, error) {
	return r.getBy(ctx, "id", id)
}

// GetByFileID retrieves the job processing an uploaded file
func (r *jobRepo) GetByFileID(ctx context.Context, fileID string) (*models.ImportJob, error) {
	return r.getBy(ctx, "file_id", fileID)
}

// getBy loads one job by a unique column; column is never user input
func (r *jobRepo) getBy(ctx context.Context, column, value string) (*models.ImportJob, error) {
	// Both lookup columns are UUIDs; anything else cannot match
	if uuid.Validate(value) != nil {
		return nil, nil
	}

	query := `
		SELECT id, file_id, session_id, organization_id, file_name, file_path, file_size, stage,
			percentage, parsed_count, valid_count, invalid_count, duplicates_in_file, duplicates_in_db,
			inserted_count, restored_count, error_count, errors, message, created_at, started_at, completed_at
		FROM import_jobs WHERE ` + column + ` = $1
	`

	var job models.ImportJob
	var sessionID, filePath, message sql.NullString
	var errs []byte
	var startedAt, completedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query, value).Scan(
		&job.ID, &job.FileID, &sessionID, &job.OrganizationID, &job.FileName, &filePath,
		&job.FileSize, &job.Stage, &job.Percentage, &job.Parsed, &job.Valid, &job.Invalid,
		&job.DuplicatesInFile, &job.DuplicatesInDB, &job.Inserted, &job.Restored,
		&job.ErrorCount, &errs, &message, &job.CreatedAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.SessionID = sessionID.String
	job.FilePath = filePath.String
	job.Message = message.String
	job.Errors = []string{}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &job.Errors); err != nil {
			return nil, fmt.Errorf("decode job errors: %w", err)
		}
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}

	return &job, nil
}

// FailUnfinished marks every job left in a non-terminal stage as failed.
// It runs at startup, when no job of this process can be running yet.
func (r *jobRepo) FailUnfinished(ctx context.Context, message string) (int, error) {
	query := `
		UPDATE import_jobs SET stage = $1, message = $2, completed_at = $3
		WHERE stage NOT IN ($4, $5)
	`
	result, err := r.db.ExecContext(ctx, query,
		models.StageFailed, message, time.Now(), models.StageCompleted, models.StageFailed,
	)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// AddErrors stores row errors using the COPY protocol; large files with a
// high error rate produce tens of thousands of rows here
func (r *jobRepo) AddErrors(ctx context.Context, jobID string, errors []models.RowError) error {
	if len(errors) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("import_job_errors",
		"job_id", "line_number", "field", "message", "value",
	))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range errors {
		if _, err := stmt.ExecContext(ctx, jobID, e.Row, e.Field, e.Message, e.Value); err != nil {
			return err
		}
	}

	// Flush the COPY buffer
	if _, err := stmt.ExecContext(ctx); err != nil {
		return err
	}

	return tx.Commit()
}

// GetErrors retrieves row errors for a job ordered by line
func (r *jobRepo) GetErrors(ctx context.Context, jobID string, limit int) ([]models.RowError, error) {
	query := `SELECT line_number, field, message, value FROM import_job_errors WHERE job_id = $1 ORDER BY line_number, id`
	args := []any{jobID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var errors []models.RowError
	for rows.Next() {
		var e models.RowError
		var field, value sql.NullString
		if err := rows.Scan(&e.Row, &field, &e.Message, &value); err != nil {
			return nil, err
		}
		e.Field = field.String
		e.Value = value.String
		errors = append(errors, e)
	}

	return errors, rows.Err()
}

// helper to convert empty string to NULL
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
