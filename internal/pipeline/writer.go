package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/contact-bulk-upload-api/internal/models"
)

// ContactWriter persists contacts. Each call is one transaction; the
// returned count excludes rows skipped because of a concurrent write.
type ContactWriter interface {
	InsertContacts(ctx context.Context, organizationID string, rows []*models.ContactRow) (int, error)
	RestoreContacts(ctx context.Context, organizationID string, restores []models.RestoreCandidate) (int, error)
}

// WriterConfig controls batching and retries
type WriterConfig struct {
	BatchSize      int
	MaxRetries     int
	InitialBackoff time.Duration
	// IsTransient reports whether a failed batch may be retried
	IsTransient func(error) bool
}

// WriteResult holds the counters reported by the Writer
type WriteResult struct {
	Inserted  int
	Restored  int
	Conflicts int
}

// Checkpoint is consulted before every batch; a non-nil error stops the write
type Checkpoint func() error

// Writer persists the deduplicated rows in batches
type Writer struct {
	store ContactWriter
	cfg   WriterConfig
}

// NewWriter creates a batch writer
func NewWriter(store ContactWriter, cfg WriterConfig) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.IsTransient == nil {
		cfg.IsTransient = isTemporary
	}
	return &Writer{store: store, cfg: cfg}
}

// Write inserts new rows and then restores soft-deleted ones. On error the
// returned result still holds the counts of every committed batch; nothing
// is rolled back across batches.
func (w *Writer) Write(ctx context.Context, organizationID string, plan *DedupResult, checkpoint Checkpoint, progress func(WriteResult)) (WriteResult, error) {
	var result WriteResult

	for start := 0; start < len(plan.Inserts); start += w.cfg.BatchSize {
		if err := runCheckpoint(checkpoint); err != nil {
			return result, err
		}

		end := min(start+w.cfg.BatchSize, len(plan.Inserts))
		batch := plan.Inserts[start:end]

		inserted, err := w.retry(ctx, func() (int, error) {
			return w.store.InsertContacts(ctx, organizationID, batch)
		})
		if err != nil {
			return result, fmt.Errorf("insert batch at row %d: %w", batch[0].RowNumber, err)
		}

		result.Inserted += inserted
		result.Conflicts += len(batch) - inserted
		if progress != nil {
			progress(result)
		}
	}

	for start := 0; start < len(plan.Restores); start += w.cfg.BatchSize {
		if err := runCheckpoint(checkpoint); err != nil {
			return result, err
		}

		end := min(start+w.cfg.BatchSize, len(plan.Restores))
		batch := plan.Restores[start:end]

		restored, err := w.retry(ctx, func() (int, error) {
			return w.store.RestoreContacts(ctx, organizationID, batch)
		})
		if err != nil {
			return result, fmt.Errorf("restore batch at row %d: %w", batch[0].Row.RowNumber, err)
		}

		result.Restored += restored
		result.Conflicts += len(batch) - restored
		if progress != nil {
			progress(result)
		}
	}

	return result, nil
}

// retry runs op until it succeeds, fails permanently, or MaxRetries is used up
func (w *Writer) retry(ctx context.Context, op func() (int, error)) (int, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.cfg.InitialBackoff
	policy.MaxElapsedTime = 0

	return backoff.RetryWithData(func() (int, error) {
		n, err := op()
		if err != nil && !w.cfg.IsTransient(err) {
			return n, backoff.Permanent(err)
		}
		return n, err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(w.cfg.MaxRetries)), ctx))
}

func runCheckpoint(checkpoint Checkpoint) error {
	if checkpoint == nil {
		return nil
	}
	return checkpoint()
}

func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}
