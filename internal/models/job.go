package models

import (
	"fmt"
	"strings"
	"time"
)

// Stage represents the pipeline stage of an import job
type Stage string

const (
	StageParsing       Stage = "parsing"
	StageValidating    Stage = "validating"
	StageDeduplicating Stage = "deduplicating"
	StageInserting     Stage = "inserting"
	StageCompleted     Stage = "completed"
	StageFailed        Stage = "failed"
)

// IsTerminal reports whether no further transitions are possible from s
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Valid reports whether s is a known stage
func (s Stage) Valid() bool {
	switch s {
	case StageParsing, StageValidating, StageDeduplicating, StageInserting, StageCompleted, StageFailed:
		return true
	}
	return false
}

// ImportCounters holds the cumulative counters of an import job.
// At the end of validation Parsed == Valid + Invalid, and once writing is done
// Valid == DuplicatesInFile + DuplicatesInDB + Inserted + Restored.
type ImportCounters struct {
	Parsed           int `json:"parsedCount" db:"parsed_count"`
	Valid            int `json:"validRows" db:"valid_count"`
	Invalid          int `json:"invalidRows" db:"invalid_count"`
	DuplicatesInFile int `json:"duplicatesInFile" db:"duplicates_in_file"`
	DuplicatesInDB   int `json:"duplicatesInDB" db:"duplicates_in_db"`
	Inserted         int `json:"insertedRows" db:"inserted_count"`
	Restored         int `json:"restoredRows" db:"restored_count"`
}

// ImportJob represents one execution of the contact import pipeline
type ImportJob struct {
	ID             string `json:"jobId" db:"id"`
	FileID         string `json:"fileId" db:"file_id"`
	SessionID      string `json:"-" db:"session_id"`
	OrganizationID string `json:"organizationId" db:"organization_id"`
	FileName       string `json:"fileName" db:"file_name"`
	FilePath       string `json:"-" db:"file_path"`
	FileSize       int64  `json:"fileSize" db:"file_size"`
	Stage          Stage  `json:"stage" db:"stage"`
	Percentage     int    `json:"percentage" db:"percentage"`
	ImportCounters
	Errors      []string   `json:"errors" db:"-"`
	ErrorCount  int        `json:"errorCount" db:"error_count"`
	Message     string     `json:"message,omitempty" db:"message"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	StartedAt   *time.Time `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`
}

// Terminal reports whether the job reached completed or failed
func (j *ImportJob) Terminal() bool {
	return j.Stage.IsTerminal()
}

// Clone returns a deep copy safe to hand out to other goroutines
func (j *ImportJob) Clone() *ImportJob {
	c := *j
	c.Errors = append([]string(nil), j.Errors...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// RowError is a persisted row-level error of an import job
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// String formats the error as reported on the job, e.g. "row 4: invalid email format (x)"
func (e RowError) String() string {
	if e.Value != "" {
		return fmt.Sprintf("row %d: %s (%s)", e.Row, e.Message, e.Value)
	}
	return fmt.Sprintf("row %d: %s", e.Row, e.Message)
}

// ValidUTF8 returns the error with invalid UTF-8 sequences replaced, so it
// can be stored in a text column
func (e RowError) ValidUTF8() RowError {
	e.Field = strings.ToValidUTF8(e.Field, "\uFFFD")
	e.Message = strings.ToValidUTF8(e.Message, "\uFFFD")
	e.Value = strings.ToValidUTF8(e.Value, "\uFFFD")
	return e
}

// ImportRequest represents an accepted upload waiting to be scheduled
type ImportRequest struct {
	FileID         string
	SessionID      string
	OrganizationID string
	FileName       string
	FilePath       string
	FileSize       int64
}
