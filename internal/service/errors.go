package service

import "errors"

var (
	// ErrJobNotFound is returned for an unknown job or file ID
	ErrJobNotFound = errors.New("import job not found")
	// ErrCancelled stops a job at its next checkpoint after a user cancel
	ErrCancelled = errors.New("upload cancelled by user")
	// ErrShutdown stops a job at its next checkpoint during server shutdown
	ErrShutdown = errors.New("server shutting down")
	// ErrNotRunning is returned when a job is submitted before Start or after Stop
	ErrNotRunning = errors.New("job processor is not running")
	// ErrStagePanic wraps a panic recovered inside a pipeline stage
	ErrStagePanic = errors.New("pipeline stage panicked")
)

// Job messages reported to clients
const (
	MessageCancelled   = "Upload cancelled by user"
	MessageShutdown    = "Upload interrupted by server shutdown"
	MessageInterrupted = "Upload interrupted by server restart"
)
