package models

import (
	"encoding/json"
	"time"
)

// ProgressEvent is an immutable snapshot of an import job. Every event carries
// the full state, so a consumer that missed earlier events is caught up by the
// next one it receives.
type ProgressEvent struct {
	JobID            string
	FileID           string
	Stage            Stage
	Percentage       int
	ParsedCount      int
	ValidRows        int
	InvalidRows      int
	DuplicatesInFile int
	DuplicatesInDB   int
	InsertedRows     int
	RestoredRows     int
	Errors           []string
	Message          string
	Timestamp        time.Time
	ElapsedMs        int64
}

// Terminal reports whether the event closes the job's progress stream
func (e ProgressEvent) Terminal() bool {
	return e.Stage.IsTerminal()
}

// NewProgressEvent snapshots a job
func NewProgressEvent(job *ImportJob, ts time.Time, elapsed time.Duration) ProgressEvent {
	return ProgressEvent{
		JobID:            job.ID,
		FileID:           job.FileID,
		Stage:            job.Stage,
		Percentage:       job.Percentage,
		ParsedCount:      job.Parsed,
		ValidRows:        job.Valid,
		InvalidRows:      job.Invalid,
		DuplicatesInFile: job.DuplicatesInFile,
		DuplicatesInDB:   job.DuplicatesInDB,
		InsertedRows:     job.Inserted,
		RestoredRows:     job.Restored,
		Errors:           append([]string(nil), job.Errors...),
		Message:          job.Message,
		Timestamp:        ts,
		ElapsedMs:        elapsed.Milliseconds(),
	}
}

// progressWire is the JSON shape sent to clients. validationErrorCount and
// uploadedCount are legacy aliases of invalidRows and insertedRows.
type progressWire struct {
	JobID                string   `json:"jobId,omitempty"`
	FileID               string   `json:"fileId,omitempty"`
	Stage                Stage    `json:"stage"`
	Percentage           int      `json:"percentage"`
	ParsedCount          int      `json:"parsedCount"`
	ValidRows            int      `json:"validRows"`
	InvalidRows          *int     `json:"invalidRows,omitempty"`
	ValidationErrorCount *int     `json:"validationErrorCount,omitempty"`
	DuplicatesInFile     int      `json:"duplicatesInFile"`
	DuplicatesInDB       int      `json:"duplicatesInDB"`
	InsertedRows         *int     `json:"insertedRows,omitempty"`
	UploadedCount        *int     `json:"uploadedCount,omitempty"`
	RestoredRows         int      `json:"restoredRows"`
	Errors               []string `json:"errors"`
	Message              string   `json:"message,omitempty"`
	Timestamp            int64    `json:"timestamp"`
	ElapsedMs            int64    `json:"elapsedMs"`
}

// MarshalJSON encodes the event with both canonical names and aliases
func (e ProgressEvent) MarshalJSON() ([]byte, error) {
	invalid, inserted := e.InvalidRows, e.InsertedRows
	errs := e.Errors
	if errs == nil {
		errs = []string{}
	}
	return json.Marshal(progressWire{
		JobID:                e.JobID,
		FileID:               e.FileID,
		Stage:                e.Stage,
		Percentage:           e.Percentage,
		ParsedCount:          e.ParsedCount,
		ValidRows:            e.ValidRows,
		InvalidRows:          &invalid,
		ValidationErrorCount: &invalid,
		DuplicatesInFile:     e.DuplicatesInFile,
		DuplicatesInDB:       e.DuplicatesInDB,
		InsertedRows:         &inserted,
		UploadedCount:        &inserted,
		RestoredRows:         e.RestoredRows,
		Errors:               errs,
		Message:              e.Message,
		Timestamp:            e.Timestamp.UnixMilli(),
		ElapsedMs:            e.ElapsedMs,
	})
}

// UnmarshalJSON decodes an event, accepting either the canonical field or its alias
func (e *ProgressEvent) UnmarshalJSON(data []byte) error {
	var w progressWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*e = ProgressEvent{
		JobID:            w.JobID,
		FileID:           w.FileID,
		Stage:            w.Stage,
		Percentage:       w.Percentage,
		ParsedCount:      w.ParsedCount,
		ValidRows:        w.ValidRows,
		DuplicatesInFile: w.DuplicatesInFile,
		DuplicatesInDB:   w.DuplicatesInDB,
		RestoredRows:     w.RestoredRows,
		Errors:           w.Errors,
		Message:          w.Message,
		Timestamp:        time.UnixMilli(w.Timestamp),
		ElapsedMs:        w.ElapsedMs,
	}
	switch {
	case w.InvalidRows != nil:
		e.InvalidRows = *w.InvalidRows
	case w.ValidationErrorCount != nil:
		e.InvalidRows = *w.ValidationErrorCount
	}
	switch {
	case w.InsertedRows != nil:
		e.InsertedRows = *w.InsertedRows
	case w.UploadedCount != nil:
		e.InsertedRows = *w.UploadedCount
	}
	return nil
}
