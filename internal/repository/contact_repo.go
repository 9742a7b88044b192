package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/contact-bulk-upload-api/internal/database"
	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// contactRepo is the PostgreSQL implementation of ContactRepository
type contactRepo struct {
	db *database.DB
}

// NewContactRepo creates a new contact repository
func NewContactRepo(db *database.DB) ContactRepository {
	return &contactRepo{db: db}
}

// FindByEmailKeys looks up contacts by normalized email in one round trip
func (r *contactRepo) FindByEmailKeys(ctx context.Context, organizationID string, emailKeys []string) ([]*models.Contact, error) {
	if len(emailKeys) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, organization_id, email, email_key, first_name, last_name, phone, company,
			job_title, custom_fields, created_at, updated_at, deleted_at
		FROM contacts
		WHERE organization_id = $1 AND email_key = ANY($2)
	`
	rows, err := r.db.QueryContext(ctx, query, organizationID, pq.Array(emailKeys))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*models.Contact
	for rows.Next() {
		var c models.Contact
		var firstName, lastName, phone, company, jobTitle sql.NullString
		var customFields []byte
		var deletedAt sql.NullTime

		if err := rows.Scan(
			&c.ID, &c.OrganizationID, &c.Email, &c.EmailKey, &firstName, &lastName, &phone,
			&company, &jobTitle, &customFields, &c.CreatedAt, &c.UpdatedAt, &deletedAt,
		); err != nil {
			return nil, err
		}

		c.FirstName = firstName.String
		c.LastName = lastName.String
		c.Phone = phone.String
		c.Company = company.String
		c.JobTitle = jobTitle.String
		if len(customFields) > 0 {
			if err := json.Unmarshal(customFields, &c.CustomFields); err != nil {
				return nil, fmt.Errorf("decode custom fields of contact %s: %w", c.ID, err)
			}
		}
		if deletedAt.Valid {
			c.DeletedAt = &deletedAt.Time
		}
		contacts = append(contacts, &c)
	}

	return contacts, rows.Err()
}

// InsertContacts inserts a batch with a single statement. Rows whose key was
// written concurrently by another import hit the unique index and are skipped,
// so the returned count may be lower than len(rows).
func (r *contactRepo) InsertContacts(ctx context.Context, organizationID string, rows []*models.ContactRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n := len(rows)
	ids := make([]string, n)
	emails := make([]string, n)
	keys := make([]string, n)
	firstNames := make([]string, n)
	lastNames := make([]string, n)
	phones := make([]string, n)
	companies := make([]string, n)
	jobTitles := make([]string, n)
	customFields := make([]string, n)

	for i, row := range rows {
		fields, err := encodeCustomFields(row.CustomFields)
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", row.RowNumber, err)
		}
		ids[i] = uuid.New().String()
		emails[i] = strings.TrimSpace(row.Email)
		keys[i] = models.NormalizeEmail(row.Email)
		firstNames[i] = row.FirstName
		lastNames[i] = row.LastName
		phones[i] = row.Phone
		companies[i] = row.Company
		jobTitles[i] = row.JobTitle
		customFields[i] = fields
	}

	query := `
		INSERT INTO contacts (id, organization_id, email, email_key, first_name, last_name, phone,
			company, job_title, custom_fields, created_at, updated_at)
		SELECT u.id::uuid, $1, u.email, u.email_key, NULLIF(u.first_name, ''), NULLIF(u.last_name, ''),
			NULLIF(u.phone, ''), NULLIF(u.company, ''), NULLIF(u.job_title, ''), u.custom_fields::jsonb,
			NOW(), NOW()
		FROM unnest($2::text[], $3::text[], $4::text[], $5::text[], $6::text[], $7::text[],
			$8::text[], $9::text[], $10::text[])
			AS u(id, email, email_key, first_name, last_name, phone, company, job_title, custom_fields)
		ON CONFLICT (organization_id, email_key) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query, organizationID,
		pq.Array(ids), pq.Array(emails), pq.Array(keys), pq.Array(firstNames), pq.Array(lastNames),
		pq.Array(phones), pq.Array(companies), pq.Array(jobTitles), pq.Array(customFields),
	)
	if err != nil {
		return 0, err
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(inserted), nil
}

// RestoreContacts revives soft-deleted contacts. Non-empty uploaded fields
// replace stored ones and custom fields are merged. A contact restored or
// deleted concurrently no longer matches the deleted_at filter and is skipped.
func (r *contactRepo) RestoreContacts(ctx context.Context, organizationID string, restores []models.RestoreCandidate) (int, error) {
	if len(restores) == 0 {
		return 0, nil
	}

	n := len(restores)
	ids := make([]string, n)
	emails := make([]string, n)
	firstNames := make([]string, n)
	lastNames := make([]string, n)
	phones := make([]string, n)
	companies := make([]string, n)
	jobTitles := make([]string, n)
	customFields := make([]string, n)

	for i, rc := range restores {
		fields, err := encodeCustomFields(rc.Row.CustomFields)
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", rc.Row.RowNumber, err)
		}
		ids[i] = rc.ContactID
		emails[i] = strings.TrimSpace(rc.Row.Email)
		firstNames[i] = rc.Row.FirstName
		lastNames[i] = rc.Row.LastName
		phones[i] = rc.Row.Phone
		companies[i] = rc.Row.Company
		jobTitles[i] = rc.Row.JobTitle
		customFields[i] = fields
	}

	query := `
		UPDATE contacts AS c SET
			deleted_at = NULL,
			email = u.email,
			first_name = COALESCE(NULLIF(u.first_name, ''), c.first_name),
			last_name = COALESCE(NULLIF(u.last_name, ''), c.last_name),
			phone = COALESCE(NULLIF(u.phone, ''), c.phone),
			company = COALESCE(NULLIF(u.company, ''), c.company),
			job_title = COALESCE(NULLIF(u.job_title, ''), c.job_title),
			custom_fields = c.custom_fields || u.custom_fields::jsonb,
			updated_at = NOW()
		FROM unnest($2::uuid[], $3::text[], $4::text[], $5::text[], $6::text[], $7::text[],
			$8::text[], $9::text[])
			AS u(id, email, first_name, last_name, phone, company, job_title, custom_fields)
		WHERE c.id = u.id AND c.organization_id = $1 AND c.deleted_at IS NOT NULL
	`
	result, err := r.db.ExecContext(ctx, query, organizationID,
		pq.Array(ids), pq.Array(emails), pq.Array(firstNames), pq.Array(lastNames),
		pq.Array(phones), pq.Array(companies), pq.Array(jobTitles), pq.Array(customFields),
	)
	if err != nil {
		return 0, err
	}

	restored, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(restored), nil
}

func encodeCustomFields(fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode custom fields: %w", err)
	}
	return string(b), nil
}
