package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/contact-bulk-upload-api/internal/models"
)

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+'-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	phoneRegex = regexp.MustCompile(`^\+?[0-9 ().-]{5,25}$`)
)

// Field length bounds
const (
	MaxEmailLength     = 254
	MaxEmailLocalPart  = 64
	MaxNameLength      = 100
	MaxCustomFieldSize = 1000
)

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// Error formats the error the way it is reported on the job
func (e ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Value)
	}
	return e.Message
}

// Validator provides validation methods
type Validator struct{}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateContact validates a contact row. Required-field and length
// violations are returned as errors; optional fields that fail a format
// check are cleared on the row instead.
func (v *Validator) ValidateContact(row *models.ContactRow) []ValidationError {
	var errors []ValidationError

	// Validate email
	email := strings.TrimSpace(row.Email)
	switch {
	case email == "":
		errors = append(errors, ValidationError{Field: "email", Message: "email is required"})
	case !utf8.ValidString(email):
		errors = append(errors, invalidEncoding("email", email))
	case utf8.RuneCountInString(email) > MaxEmailLength:
		errors = append(errors, ValidationError{
			Field:   "email",
			Message: fmt.Sprintf("email exceeds %d characters", MaxEmailLength),
		})
	case !emailRegex.MatchString(email):
		errors = append(errors, ValidationError{Field: "email", Message: "invalid email format", Value: email})
	default:
		if local := email[:strings.LastIndex(email, "@")]; len(local) > MaxEmailLocalPart {
			errors = append(errors, ValidationError{
				Field:   "email",
				Message: fmt.Sprintf("email local part exceeds %d characters", MaxEmailLocalPart),
				Value:   email,
			})
		}
	}
	row.Email = email

	// Validate length bounds of optional attributes
	for _, f := range []struct {
		name  string
		value string
	}{
		{"first_name", row.FirstName},
		{"last_name", row.LastName},
		{"company", row.Company},
		{"job_title", row.JobTitle},
	} {
		if !utf8.ValidString(f.value) {
			errors = append(errors, invalidEncoding(f.name, f.value))
			continue
		}
		if utf8.RuneCountInString(f.value) > MaxNameLength {
			errors = append(errors, ValidationError{
				Field:   f.name,
				Message: fmt.Sprintf("%s exceeds %d characters", f.name, MaxNameLength),
			})
		}
	}

	keys := make([]string, 0, len(row.CustomFields))
	for key := range row.CustomFields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := row.CustomFields[key]
		if !utf8.ValidString(key) || !utf8.ValidString(value) {
			errors = append(errors, invalidEncoding(strings.ToValidUTF8(key, "\uFFFD"), value))
			continue
		}
		if utf8.RuneCountInString(value) > MaxCustomFieldSize {
			errors = append(errors, ValidationError{
				Field:   key,
				Message: fmt.Sprintf("%s exceeds %d characters", key, MaxCustomFieldSize),
			})
		}
	}

	// Phone is best-effort; invalid bytes fail the format check
	if row.Phone != "" && !phoneRegex.MatchString(row.Phone) {
		row.Phone = ""
	}

	return errors
}

// invalidEncoding reports a value that is not valid UTF-8. The value is
// echoed with invalid bytes replaced so the error itself can be stored.
func invalidEncoding(field, value string) ValidationError {
	return ValidationError{
		Field:   field,
		Message: fmt.Sprintf("%s is not valid UTF-8", field),
		Value:   strings.ToValidUTF8(value, "\uFFFD"),
	}
}
