package pipeline

import (
	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/contact-bulk-upload-api/internal/validation"
)

// ErrorSink receives row-level errors. Implementations decide how many are
// kept; the pipeline reports every one.
type ErrorSink interface {
	RecordError(e models.RowError)
}

// ValidationResult partitions parsed rows
type ValidationResult struct {
	Valid   []*models.ContactRow
	Invalid int
}

// Validate classifies every parsed row as valid or invalid. Parse errors
// count as invalid. progress is called every `every` rows and once at the end.
func Validate(rows []ParsedRow, v *validation.Validator, sink ErrorSink, every int, progress func(valid, invalid int)) ValidationResult {
	result := ValidationResult{Valid: make([]*models.ContactRow, 0, len(rows))}

	for i, parsed := range rows {
		switch {
		case parsed.Err != nil:
			result.Invalid++
			sink.RecordError(*parsed.Err)
		default:
			row := parsed.Row
			if errs := v.ValidateContact(row); len(errs) > 0 {
				result.Invalid++
				row.Disposition = models.DispositionInvalid
				for _, e := range errs {
					sink.RecordError(models.RowError{
						Row:     row.RowNumber,
						Field:   e.Field,
						Message: e.Message,
						Value:   e.Value,
					})
				}
			} else {
				result.Valid = append(result.Valid, row)
			}
		}

		if progress != nil && every > 0 && (i+1)%every == 0 {
			progress(len(result.Valid), result.Invalid)
		}
	}

	if progress != nil {
		progress(len(result.Valid), result.Invalid)
	}

	return result
}
