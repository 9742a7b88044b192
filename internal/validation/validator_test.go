package validation

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/contact-bulk-upload-api/internal/models"
)

func TestValidateContact(t *testing.T) {
	validator := NewValidator()

	tests := []struct {
		name       string
		row        *models.ContactRow
		wantErrors int
		wantFields []string
	}{
		{
			name: "valid contact with all fields",
			row: &models.ContactRow{
				RowNumber: 2,
				Email:     "jane.doe@example.com",
				FirstName: "Jane",
				LastName:  "Doe",
				Phone:     "+1 (555) 010-2030",
				Company:   "Acme",
				JobTitle:  "CTO",
			},
			wantErrors: 0,
		},
		{
			name:       "valid contact with email only",
			row:        &models.ContactRow{RowNumber: 3, Email: "solo@example.org"},
			wantErrors: 0,
		},
		{
			name:       "missing email - required field",
			row:        &models.ContactRow{RowNumber: 4, FirstName: "No", LastName: "Email"},
			wantErrors: 1,
			wantFields: []string{"email"},
		},
		{
			name:       "whitespace email counts as missing",
			row:        &models.ContactRow{RowNumber: 5, Email: "   "},
			wantErrors: 1,
			wantFields: []string{"email"},
		},
		{
			name:       "invalid email format",
			row:        &models.ContactRow{RowNumber: 6, Email: "not-an-email"},
			wantErrors: 1,
			wantFields: []string{"email"},
		},
		{
			name:       "email local part too long",
			row:        &models.ContactRow{RowNumber: 7, Email: strings.Repeat("a", 65) + "@example.com"},
			wantErrors: 1,
			wantFields: []string{"email"},
		},
		{
			name:       "email too long",
			row:        &models.ContactRow{RowNumber: 8, Email: "a@" + strings.Repeat("b", 250) + ".com"},
			wantErrors: 1,
			wantFields: []string{"email"},
		},
		{
			name: "first name exceeds length bound",
			row: &models.ContactRow{
				RowNumber: 9,
				Email:     "long@example.com",
				FirstName: strings.Repeat("x", MaxNameLength+1),
			},
			wantErrors: 1,
			wantFields: []string{"first_name"},
		},
		{
			name: "custom field exceeds length bound",
			row: &models.ContactRow{
				RowNumber:    10,
				Email:        "custom@example.com",
				CustomFields: map[string]string{"notes": strings.Repeat("n", MaxCustomFieldSize+1)},
			},
			wantErrors: 1,
			wantFields: []string{"notes"},
		},
		{
			name:       "name with invalid UTF-8",
			row:        &models.ContactRow{RowNumber: 12, Email: "jose@example.com", FirstName: "Jos\xe9"},
			wantErrors: 1,
			wantFields: []string{"first_name"},
		},
		{
			name:       "email with invalid UTF-8",
			row:        &models.ContactRow{RowNumber: 13, Email: "jos\xe9@example.com"},
			wantErrors: 1,
			wantFields: []string{"email"},
		},
		{
			name: "custom field with invalid UTF-8",
			row: &models.ContactRow{
				RowNumber:    14,
				Email:        "notes@example.com",
				CustomFields: map[string]string{"notes": "caf\xe9"},
			},
			wantErrors: 1,
			wantFields: []string{"notes"},
		},
		{
			name: "multiple validation errors",
			row: &models.ContactRow{
				RowNumber: 11,
				Email:     "invalid",
				LastName:  strings.Repeat("y", MaxNameLength+1),
				Company:   strings.Repeat("z", MaxNameLength+1),
			},
			wantErrors: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errors := validator.ValidateContact(tt.row)
			if len(errors) != tt.wantErrors {
				t.Errorf("ValidateContact() got %d errors, want %d. Errors: %v", len(errors), tt.wantErrors, errors)
			}

			// Check specific fields if provided
			for _, wantField := range tt.wantFields {
				found := false
				for _, err := range errors {
					if err.Field == wantField {
						found = true
						break
					}
				}
				if !found {
					t.Errorf("Expected error for field '%s' but not found", wantField)
				}
			}
		})
	}
}

func TestValidateContact_InvalidEncodingValueIsStorable(t *testing.T) {
	row := &models.ContactRow{Email: "ok@example.com", Company: "Soci\xe9t\xe9"}
	errs := NewValidator().ValidateContact(row)
	if len(errs) != 1 {
		t.Fatalf("Expected 1 error, got %v", errs)
	}
	if !utf8.ValidString(errs[0].Value) {
		t.Errorf("Expected a valid UTF-8 value, got %q", errs[0].Value)
	}
	if errs[0].Value != "Soci\uFFFDt\uFFFD" {
		t.Errorf("Expected replacement characters, got %q", errs[0].Value)
	}
}

func TestValidateContact_TrimsEmail(t *testing.T) {
	row := &models.ContactRow{Email: "  Spaced@Example.com "}
	if errs := NewValidator().ValidateContact(row); len(errs) != 0 {
		t.Fatalf("Expected no errors, got %v", errs)
	}
	if row.Email != "Spaced@Example.com" {
		t.Errorf("Expected trimmed email, got %q", row.Email)
	}
}

func TestValidateContact_PhoneIsBestEffort(t *testing.T) {
	row := &models.ContactRow{Email: "phone@example.com", Phone: "call me maybe"}
	errs := NewValidator().ValidateContact(row)
	if len(errs) != 0 {
		t.Fatalf("Invalid phone must not invalidate the row, got %v", errs)
	}
	if row.Phone != "" {
		t.Errorf("Expected unparseable phone to be cleared, got %q", row.Phone)
	}

	row = &models.ContactRow{Email: "phone@example.com", Phone: "+44 20 7946 0958"}
	NewValidator().ValidateContact(row)
	if row.Phone != "+44 20 7946 0958" {
		t.Errorf("Expected valid phone to be kept, got %q", row.Phone)
	}
}

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{Field: "email", Message: "invalid email format", Value: "bad@"}
	if got := err.Error(); got != "invalid email format (bad@)" {
		t.Errorf("unexpected message %q", got)
	}
	err = ValidationError{Field: "email", Message: "email is required"}
	if got := err.Error(); got != "email is required" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestValidateContact_EmailFormat(t *testing.T) {
	validator := NewValidator()
	valid := []string{"a@b.co", "first.last+tag@sub.example.com", "o'brien@example.ie"}
	invalid := []string{"", "plain", "@example.com", "user@", "user@host", "user@@example.com"}

	for _, e := range valid {
		if errs := validator.ValidateContact(&models.ContactRow{Email: e}); len(errs) != 0 {
			t.Errorf("Expected %q to be valid, got %v", e, errs)
		}
	}
	for _, e := range invalid {
		if errs := validator.ValidateContact(&models.ContactRow{Email: e}); len(errs) != 1 || errs[0].Field != "email" {
			t.Errorf("Expected one email error for %q, got %v", e, errs)
		}
	}
}
