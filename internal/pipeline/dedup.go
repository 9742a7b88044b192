package pipeline

import (
	"context"
	"fmt"

	"github.com/contact-bulk-upload-api/internal/models"
)

// ContactLookup finds stored contacts, soft-deleted ones included, by
// normalized email within an organization
type ContactLookup interface {
	FindByEmailKeys(ctx context.Context, organizationID string, emailKeys []string) ([]*models.Contact, error)
}

// DedupResult is the write plan produced by the Deduplicator
type DedupResult struct {
	Inserts          []*models.ContactRow
	Restores         []models.RestoreCandidate
	DuplicatesInFile int
	DuplicatesInDB   int
}

// Deduplicator removes duplicates inside a file and against storage
type Deduplicator struct {
	lookup    ContactLookup
	batchSize int
}

// NewDeduplicator creates a deduplicator querying storage batchSize keys at a time
func NewDeduplicator(lookup ContactLookup, batchSize int) *Deduplicator {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Deduplicator{lookup: lookup, batchSize: batchSize}
}

// RemoveFileDuplicates keeps the first row of each DedupKey in input order
// and marks the others as duplicates
func RemoveFileDuplicates(organizationID string, rows []*models.ContactRow) ([]*models.ContactRow, int) {
	seen := make(map[models.DedupKey]struct{}, len(rows))
	unique := make([]*models.ContactRow, 0, len(rows))
	duplicates := 0

	for _, row := range rows {
		key := models.NewDedupKey(organizationID, row.Email)
		if _, ok := seen[key]; ok {
			row.Disposition = models.DispositionDuplicateInFile
			duplicates++
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, row)
	}

	return unique, duplicates
}

// Run produces the write plan for the valid rows of a file. progress is
// called after each storage batch with the number of unique rows checked.
// Keys are unique after the in-file pass and each key is classified only by
// its own lookup result, so the batch size never changes the outcome.
func (d *Deduplicator) Run(ctx context.Context, organizationID string, rows []*models.ContactRow, progress func(checked, total int, r *DedupResult)) (*DedupResult, error) {
	unique, inFile := RemoveFileDuplicates(organizationID, rows)
	result := &DedupResult{
		Inserts:          make([]*models.ContactRow, 0, len(unique)),
		DuplicatesInFile: inFile,
	}

	for start := 0; start < len(unique); start += d.batchSize {
		end := start + d.batchSize
		if end > len(unique) {
			end = len(unique)
		}
		batch := unique[start:end]

		keys := make([]string, len(batch))
		for i, row := range batch {
			keys[i] = models.NormalizeEmail(row.Email)
		}

		found, err := d.lookup.FindByEmailKeys(ctx, organizationID, keys)
		if err != nil {
			return nil, fmt.Errorf("lookup existing contacts: %w", err)
		}
		existing := indexContacts(found)

		for i, row := range batch {
			match, ok := existing[keys[i]]
			switch {
			case !ok:
				row.Disposition = models.DispositionInsert
				result.Inserts = append(result.Inserts, row)
			case match.IsDeleted():
				row.Disposition = models.DispositionRestore
				result.Restores = append(result.Restores, models.RestoreCandidate{Row: row, ContactID: match.ID})
			default:
				row.Disposition = models.DispositionDuplicateInDB
				result.DuplicatesInDB++
			}
		}

		if progress != nil {
			progress(end, len(unique), result)
		}
	}

	if progress != nil && len(unique) == 0 {
		progress(0, 0, result)
	}

	return result, nil
}

// indexContacts picks one stored contact per key: an active record wins,
// otherwise the most recently deleted one
func indexContacts(contacts []*models.Contact) map[string]*models.Contact {
	index := make(map[string]*models.Contact, len(contacts))
	for _, c := range contacts {
		key := c.EmailKey
		if key == "" {
			key = models.NormalizeEmail(c.Email)
		}
		current, ok := index[key]
		if !ok || preferContact(c, current) {
			index[key] = c
		}
	}
	return index
}

func preferContact(candidate, current *models.Contact) bool {
	if current.IsDeleted() != candidate.IsDeleted() {
		return !candidate.IsDeleted()
	}
	if candidate.IsDeleted() {
		return candidate.DeletedAt.After(*current.DeletedAt)
	}
	return false
}
