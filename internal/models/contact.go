package models

import (
	"strings"
	"time"
)

// Contact represents a persisted contact of an organization
type Contact struct {
	ID             string            `json:"id" db:"id"`
	OrganizationID string            `json:"organizationId" db:"organization_id"`
	Email          string            `json:"email" db:"email"`
	EmailKey       string            `json:"-" db:"email_key"`
	FirstName      string            `json:"firstName,omitempty" db:"first_name"`
	LastName       string            `json:"lastName,omitempty" db:"last_name"`
	Phone          string            `json:"phone,omitempty" db:"phone"`
	Company        string            `json:"company,omitempty" db:"company"`
	JobTitle       string            `json:"jobTitle,omitempty" db:"job_title"`
	CustomFields   map[string]string `json:"customFields,omitempty" db:"custom_fields"`
	CreatedAt      time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time         `json:"updatedAt" db:"updated_at"`
	DeletedAt      *time.Time        `json:"deletedAt,omitempty" db:"deleted_at"`
}

// IsDeleted reports whether the contact carries the soft-delete marker
func (c *Contact) IsDeleted() bool {
	return c.DeletedAt != nil
}

// Disposition records what the pipeline decided for a row
type Disposition string

const (
	DispositionPending         Disposition = "pending"
	DispositionInvalid         Disposition = "invalid"
	DispositionDuplicateInFile Disposition = "duplicate_in_file"
	DispositionDuplicateInDB   Disposition = "duplicate_in_db"
	DispositionInsert          Disposition = "insert"
	DispositionRestore         Disposition = "restore"
)

// ContactRow is one parsed line of an uploaded CSV
type ContactRow struct {
	RowNumber    int               `json:"row"`
	Email        string            `json:"email"`
	FirstName    string            `json:"firstName,omitempty"`
	LastName     string            `json:"lastName,omitempty"`
	Phone        string            `json:"phone,omitempty"`
	Company      string            `json:"company,omitempty"`
	JobTitle     string            `json:"jobTitle,omitempty"`
	CustomFields map[string]string `json:"customFields,omitempty"`
	Disposition  Disposition       `json:"disposition"`
}

// RestoreCandidate is an uploaded row matching a soft-deleted contact
type RestoreCandidate struct {
	Row       *ContactRow
	ContactID string
}

// DedupKey is the normalized identity of a contact inside an organization
type DedupKey struct {
	OrganizationID string
	Email          string
}

// NewDedupKey builds the key for an email in an organization
func NewDedupKey(organizationID, email string) DedupKey {
	return DedupKey{
		OrganizationID: organizationID,
		Email:          NormalizeEmail(email),
	}
}

// NormalizeEmail trims and lower-cases an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ToContact converts a row into a new contact for the organization
func (r *ContactRow) ToContact(id, organizationID string, now time.Time) *Contact {
	return &Contact{
		ID:             id,
		OrganizationID: organizationID,
		Email:          strings.TrimSpace(r.Email),
		EmailKey:       NormalizeEmail(r.Email),
		FirstName:      r.FirstName,
		LastName:       r.LastName,
		Phone:          r.Phone,
		Company:        r.Company,
		JobTitle:       r.JobTitle,
		CustomFields:   r.CustomFields,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
